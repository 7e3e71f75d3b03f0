package service

import (
	"context"
	"time"

	"posapproval/internal/events"
	"posapproval/internal/metrics"
	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// staleCloser moves requests whose time ran out to timed_out or expired.
// Both the sweeper and a late decision use it; the write only lands while the
// request is still open, so a concurrent resolution always wins.
type staleCloser struct {
	approvals repository.ApprovalRepository
	counters  repository.CounterOfferRepository
	audit     AuditService
	txManager repository.TransactionManager
	publisher events.Publisher
	metrics   *metrics.ApprovalMetrics
	log       zerolog.Logger
	maxAge    time.Duration
}

func newStaleCloser(deps ApprovalDeps, maxAge time.Duration) *staleCloser {
	return &staleCloser{
		approvals: deps.Approvals,
		counters:  deps.Counters,
		audit:     deps.Audit,
		txManager: deps.TxManager,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		log:       deps.Log,
		maxAge:    maxAge,
	}
}

// staleStatus reports the terminal state an open request has aged into.
// A rule timeout only applies while the request is pending.
func (c *staleCloser) staleStatus(req *model.ApprovalRequest, timeout time.Duration, now time.Time) (model.RequestStatus, bool) {
	age := now.Sub(req.CreatedAt)
	if req.Status == model.StatusPending && timeout > 0 && age >= timeout {
		return model.StatusTimedOut, true
	}
	if req.Status.Open() && c.maxAge > 0 && age >= c.maxAge {
		return model.StatusExpired, true
	}
	return "", false
}

// ruleLookup returns nil for a rule that no longer exists
type ruleLookup func(ctx context.Context, id uuid.UUID) (*model.ThresholdRule, error)

// timeoutOf is the rule timeout governing req. A batch has no rule of its
// own and times out with the shortest timeout among its pending items.
func (c *staleCloser) timeoutOf(ctx context.Context, req *model.ApprovalRequest, lookup ruleLookup) (time.Duration, error) {
	if !req.IsBatch() {
		rule := req.ThresholdRule
		if rule == nil && req.ThresholdRuleID != nil {
			var err error
			if rule, err = lookup(ctx, *req.ThresholdRuleID); err != nil {
				return 0, err
			}
		}
		if rule == nil {
			return 0, nil
		}
		return rule.Timeout(), nil
	}

	children, err := c.approvals.ListChildren(ctx, req.ID)
	if err != nil {
		return 0, err
	}
	var shortest time.Duration
	for _, child := range children {
		if child.Status != model.StatusPending || child.ThresholdRuleID == nil {
			continue
		}
		rule, err := lookup(ctx, *child.ThresholdRuleID)
		if err != nil {
			return 0, err
		}
		if rule == nil || rule.Timeout() <= 0 {
			continue
		}
		if shortest == 0 || rule.Timeout() < shortest {
			shortest = rule.Timeout()
		}
	}
	return shortest, nil
}

// close reports whether this call made the transition
func (c *staleCloser) close(ctx context.Context, req *model.ApprovalRequest, to model.RequestStatus, now time.Time) (bool, error) {
	from := []model.RequestStatus{model.StatusPending}
	outcome, kind := model.OutcomeTimedOut, events.TypeTimedOut
	if to == model.StatusExpired {
		from = openStatuses
		outcome, kind = model.OutcomeExpired, events.TypeExpired
	}
	updates := map[string]interface{}{"status": to, "responded_at": now, "updated_at": now}

	won := false
	err := c.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := c.approvals.Transition(txCtx, req.ID, from, updates)
		if err != nil || !ok {
			return err
		}
		won = true
		if req.IsBatch() {
			if _, err := c.approvals.TransitionChildren(txCtx, req.ID, openStatuses, updates); err != nil {
				return err
			}
		}
		if err := declineOpenCounter(txCtx, c.counters, req.ID, now); err != nil {
			return err
		}
		entry := auditFor(req, outcome)
		entry.Method = model.MethodSweeper
		entry.CreatedAt = now
		return c.audit.Record(txCtx, entry)
	})
	if err != nil || !won {
		return false, err
	}

	c.metrics.SweeperTransitionsTotal.WithLabelValues(string(to)).Inc()
	c.metrics.ResolutionsTotal.WithLabelValues(string(outcome)).Inc()
	c.log.Info().Str("request_id", req.ID.String()).Str("status", string(to)).
		Dur("age", now.Sub(req.CreatedAt)).Msg("stale approval request closed")

	recipients := []uuid.UUID{req.RequesterID}
	switch {
	case req.ApproverID != nil:
		recipients = append(recipients, *req.ApproverID)
	case req.TargetApproverID != nil:
		recipients = append(recipients, *req.TargetApproverID)
	}
	c.publisher.Publish(events.Event{
		Type:       kind,
		RequestID:  &req.ID,
		Recipients: recipients,
		Payload:    map[string]interface{}{"reference_code": req.ReferenceCode, "status": to},
		At:         now,
	})
	return true, nil
}

// declineOpenCounter closes a pending offer left behind by a terminal transition
func declineOpenCounter(ctx context.Context, counters repository.CounterOfferRepository, requestID uuid.UUID, now time.Time) error {
	offer, err := counters.LatestPending(ctx, requestID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil
		}
		return err
	}
	_, err = counters.Resolve(ctx, offer.ID, model.CounterDeclined, now)
	return err
}

// SweepResult counts the transitions one sweep made
type SweepResult struct {
	TimedOut int `json:"timed_out"`
	Expired  int `json:"expired"`
}

// TimeoutSweeper closes stale requests on a fixed interval. Overlapping sweeps,
// in this process or another, are safe: each transition is a conditional write.
type TimeoutSweeper struct {
	approvals repository.ApprovalRepository
	rules     repository.RuleRepository
	closer    *staleCloser
	interval  time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func NewTimeoutSweeper(deps ApprovalDeps, maxAge, interval time.Duration) *TimeoutSweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	deps.Log = deps.Log.With().Str("component", "sweeper").Logger()
	return &TimeoutSweeper{
		approvals: deps.Approvals,
		rules:     deps.Rules,
		closer:    newStaleCloser(deps, maxAge),
		interval:  interval,
		log:       deps.Log,
		now:       time.Now,
	}
}

// Start blocks until ctx is cancelled
func (s *TimeoutSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("timeout sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("timeout sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep makes one pass over every open top-level request. Batch items close
// with their parent.
func (s *TimeoutSweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now().UTC()

	rules, err := s.rules.ListWithTimeout(ctx)
	if err != nil {
		return result, err
	}
	byID := make(map[uuid.UUID]*model.ThresholdRule, len(rules))
	for i := range rules {
		byID[rules[i].ID] = &rules[i]
	}

	lookup := func(_ context.Context, id uuid.UUID) (*model.ThresholdRule, error) {
		return byID[id], nil
	}

	open, err := s.approvals.ListOpen(ctx)
	if err != nil {
		return result, err
	}
	for i := range open {
		req := &open[i]
		timeout, err := s.closer.timeoutOf(ctx, req, lookup)
		if err != nil {
			s.log.Error().Err(err).Str("request_id", req.ID.String()).Msg("failed to resolve request timeout")
			continue
		}
		to, stale := s.closer.staleStatus(req, timeout, now)
		if !stale {
			continue
		}
		won, err := s.closer.close(ctx, req, to, now)
		if err != nil {
			s.log.Error().Err(err).Str("request_id", req.ID.String()).Msg("failed to close stale request")
			continue
		}
		if !won {
			continue
		}
		if to == model.StatusTimedOut {
			result.TimedOut++
		} else {
			result.Expired++
		}
	}

	if result.TimedOut > 0 || result.Expired > 0 {
		s.log.Info().Int("timed_out", result.TimedOut).Int("expired", result.Expired).Msg("sweep complete")
	}
	return result, nil
}
