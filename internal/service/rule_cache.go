package service

import (
	"context"
	"sync"
	"time"

	"posapproval/internal/model"
	"posapproval/internal/repository"
)

// RuleCache holds the active rule set grouped by type. It reloads after ttl
// and immediately after Invalidate; rule mutations call Invalidate.
type RuleCache struct {
	repo repository.RuleRepository
	ttl  time.Duration
	now  func() time.Time

	mu       sync.RWMutex
	rules    map[model.OverrideType][]model.ThresholdRule
	loadedAt time.Time
	valid    bool
}

func NewRuleCache(repo repository.RuleRepository, ttl time.Duration) *RuleCache {
	return &RuleCache{
		repo: repo,
		ttl:  ttl,
		now:  time.Now,
	}
}

// Rules returns active rules of type t in store order
func (c *RuleCache) Rules(ctx context.Context, t model.OverrideType) ([]model.ThresholdRule, error) {
	c.mu.RLock()
	if c.valid && c.now().Sub(c.loadedAt) < c.ttl {
		rules := c.rules[t]
		c.mu.RUnlock()
		return rules, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && c.now().Sub(c.loadedAt) < c.ttl {
		return c.rules[t], nil
	}

	all, err := c.repo.List(ctx, true)
	if err != nil {
		return nil, err
	}
	grouped := make(map[model.OverrideType][]model.ThresholdRule)
	for _, r := range all {
		grouped[r.RuleType] = append(grouped[r.RuleType], r)
	}
	c.rules = grouped
	c.loadedAt = c.now()
	c.valid = true
	return grouped[t], nil
}

func (c *RuleCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.rules = nil
	c.mu.Unlock()
}
