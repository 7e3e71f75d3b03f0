package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type LevelRequest struct {
	Tier     model.Tier       `json:"tier" binding:"required"`
	MaxValue *decimal.Decimal `json:"max_value"`
}

type RuleRequest struct {
	Name             string             `json:"name" binding:"required"`
	RuleType         model.OverrideType `json:"rule_type" binding:"required"`
	ThresholdValue   decimal.Decimal    `json:"threshold_value"`
	DefaultTier      model.Tier         `json:"default_tier" binding:"required"`
	AppliesToPOS     *bool              `json:"applies_to_pos"`
	AppliesToQuote   bool               `json:"applies_to_quote"`
	AppliesToOnline  bool               `json:"applies_to_online"`
	CategoryID       *string            `json:"category_id"`
	ValidFrom        *time.Time         `json:"valid_from"`
	ValidUntil       *time.Time         `json:"valid_until"`
	ActiveDays       int                `json:"active_days"`
	ActiveFromMinute *int               `json:"active_from_minute"`
	ActiveToMinute   *int               `json:"active_to_minute"`
	Priority         int                `json:"priority"`
	RequireReason    bool               `json:"require_reason"`
	TimeoutSeconds   int                `json:"timeout_seconds"`
	IsActive         *bool              `json:"is_active"`
	Levels           []LevelRequest     `json:"levels"`
}

type RuleService interface {
	Create(ctx context.Context, req RuleRequest) (*model.ThresholdRule, error)
	Update(ctx context.Context, id uuid.UUID, req RuleRequest) (*model.ThresholdRule, error)
	Get(ctx context.Context, id uuid.UUID) (*model.ThresholdRule, error)
	List(ctx context.Context, activeOnly bool) ([]model.ThresholdRule, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	Seed(ctx context.Context, path string) (int, error)
}

type ruleService struct {
	repo      repository.RuleRepository
	txManager repository.TransactionManager
	policy    PolicyEvaluator
	log       zerolog.Logger
	now       func() time.Time
}

func NewRuleService(repo repository.RuleRepository, txManager repository.TransactionManager, policy PolicyEvaluator, log zerolog.Logger) RuleService {
	return &ruleService{
		repo:      repo,
		txManager: txManager,
		policy:    policy,
		log:       log.With().Str("component", "rules").Logger(),
		now:       time.Now,
	}
}

func (s *ruleService) Create(ctx context.Context, req RuleRequest) (*model.ThresholdRule, error) {
	now := s.now().UTC()
	rule := req.toModel()
	rule.CreatedAt, rule.UpdatedAt = now, now
	if err := rule.Validate(); err != nil {
		return nil, apperror.Validation("%s", err.Error())
	}
	if err := s.repo.Create(ctx, rule); err != nil {
		return nil, apperror.Internal(err, "failed to create threshold rule")
	}
	s.policy.Invalidate()
	s.log.Info().Str("rule_id", rule.ID.String()).Str("type", string(rule.RuleType)).Msg("threshold rule created")
	return rule, nil
}

// Update replaces the rule and its levels; requests already created keep the
// snapshot taken in their audit entries
func (s *ruleService) Update(ctx context.Context, id uuid.UUID, req RuleRequest) (*model.ThresholdRule, error) {
	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rule := req.toModel()
	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.now().UTC()
	if req.IsActive == nil {
		rule.IsActive = existing.IsActive
	}
	if err := rule.Validate(); err != nil {
		return nil, apperror.Validation("%s", err.Error())
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		return s.repo.Update(txCtx, rule)
	})
	if err != nil {
		return nil, err
	}
	s.policy.Invalidate()
	s.log.Info().Str("rule_id", id.String()).Msg("threshold rule updated")
	return rule, nil
}

func (s *ruleService) Get(ctx context.Context, id uuid.UUID) (*model.ThresholdRule, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *ruleService) List(ctx context.Context, activeOnly bool) ([]model.ThresholdRule, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *ruleService) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	s.policy.Invalidate()
	s.log.Info().Str("rule_id", id.String()).Bool("active", active).Msg("threshold rule toggled")
	return nil
}

func (r RuleRequest) toModel() *model.ThresholdRule {
	rule := &model.ThresholdRule{
		Name:             r.Name,
		RuleType:         r.RuleType,
		ThresholdValue:   r.ThresholdValue,
		DefaultTier:      r.DefaultTier,
		AppliesToPOS:     r.AppliesToPOS == nil || *r.AppliesToPOS,
		AppliesToQuote:   r.AppliesToQuote,
		AppliesToOnline:  r.AppliesToOnline,
		CategoryID:       r.CategoryID,
		ValidFrom:        r.ValidFrom,
		ValidUntil:       r.ValidUntil,
		ActiveDays:       r.ActiveDays,
		ActiveFromMinute: r.ActiveFromMinute,
		ActiveToMinute:   r.ActiveToMinute,
		Priority:         r.Priority,
		RequireReason:    r.RequireReason,
		TimeoutSeconds:   r.TimeoutSeconds,
		IsActive:         r.IsActive == nil || *r.IsActive,
	}
	for _, l := range r.Levels {
		level := model.ApprovalLevel{Tier: l.Tier}
		if l.MaxValue != nil {
			level.MaxValue = decimal.NewNullDecimal(*l.MaxValue)
		}
		rule.Levels = append(rule.Levels, level)
	}
	return rule
}

// --- YAML seed ---

type seedFile struct {
	Rules []seedRule `yaml:"rules"`
}

type seedLevel struct {
	Tier     string `yaml:"tier"`
	MaxValue string `yaml:"max_value"`
}

type seedRule struct {
	Name           string      `yaml:"name"`
	RuleType       string      `yaml:"rule_type"`
	Threshold      string      `yaml:"threshold"`
	DefaultTier    string      `yaml:"default_tier"`
	Channels       []string    `yaml:"channels"`
	CategoryID     string      `yaml:"category_id"`
	Priority       int         `yaml:"priority"`
	RequireReason  bool        `yaml:"require_reason"`
	TimeoutSeconds int         `yaml:"timeout_seconds"`
	Levels         []seedLevel `yaml:"levels"`
}

// Seed loads rules from a YAML file when the rule table is empty. It returns
// how many rules were created.
func (s *ruleService) Seed(ctx context.Context, path string) (int, error) {
	count, err := s.repo.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Str("path", path).Msg("rule seed file not found, skipping")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read rule seed: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse rule seed: %w", err)
	}

	now := s.now().UTC()
	rules := make([]*model.ThresholdRule, 0, len(file.Rules))
	for i, sr := range file.Rules {
		rule, err := sr.toModel()
		if err != nil {
			return 0, fmt.Errorf("seed rule %d (%s): %w", i, sr.Name, err)
		}
		rule.CreatedAt, rule.UpdatedAt = now, now
		if err := rule.Validate(); err != nil {
			return 0, fmt.Errorf("seed rule %d (%s): %w", i, sr.Name, err)
		}
		rules = append(rules, rule)
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		for _, rule := range rules {
			if err := s.repo.Create(txCtx, rule); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store seed rules: %w", err)
	}
	s.policy.Invalidate()
	s.log.Info().Str("path", path).Int("rules", len(rules)).Msg("threshold rules seeded")
	return len(rules), nil
}

func (sr seedRule) toModel() (*model.ThresholdRule, error) {
	threshold := decimal.Zero
	if sr.Threshold != "" {
		var err error
		if threshold, err = decimal.NewFromString(sr.Threshold); err != nil {
			return nil, fmt.Errorf("threshold: %w", err)
		}
	}
	defaultTier, err := model.ParseTier(sr.DefaultTier)
	if err != nil {
		return nil, err
	}

	rule := &model.ThresholdRule{
		Name:           sr.Name,
		RuleType:       model.OverrideType(sr.RuleType),
		ThresholdValue: threshold,
		DefaultTier:    defaultTier,
		Priority:       sr.Priority,
		RequireReason:  sr.RequireReason,
		TimeoutSeconds: sr.TimeoutSeconds,
		IsActive:       true,
	}
	if sr.CategoryID != "" {
		category := sr.CategoryID
		rule.CategoryID = &category
	}
	if len(sr.Channels) == 0 {
		rule.AppliesToPOS = true
	}
	for _, ch := range sr.Channels {
		switch model.Channel(ch) {
		case model.ChannelPOS:
			rule.AppliesToPOS = true
		case model.ChannelQuote:
			rule.AppliesToQuote = true
		case model.ChannelOnline:
			rule.AppliesToOnline = true
		default:
			return nil, fmt.Errorf("unknown channel %q", ch)
		}
	}
	for _, sl := range sr.Levels {
		tier, err := model.ParseTier(sl.Tier)
		if err != nil {
			return nil, err
		}
		level := model.ApprovalLevel{Tier: tier}
		if sl.MaxValue != "" {
			ceiling, err := decimal.NewFromString(sl.MaxValue)
			if err != nil {
				return nil, fmt.Errorf("level %s max_value: %w", sl.Tier, err)
			}
			level.MaxValue = decimal.NewNullDecimal(ceiling)
		}
		rule.Levels = append(rule.Levels, level)
	}
	return rule, nil
}
