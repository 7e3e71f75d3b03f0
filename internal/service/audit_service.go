package service

import (
	"context"
	"encoding/json"
	"time"

	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// AuditEntryResponse is an audit row with the actor resolved to a name
type AuditEntryResponse struct {
	model.AuditEntry
	ActorName string `json:"actor_name"`
}

type AuditService interface {
	Record(ctx context.Context, entry *model.AuditEntry) error
	List(ctx context.Context, filter repository.AuditFilter) ([]AuditEntryResponse, int64, error)
	Analytics(ctx context.Context, from, to time.Time) (*model.AnalyticsSummary, error)
}

type auditService struct {
	repo repository.AuditRepository
	now  func() time.Time
}

// NewAuditService creates a new AuditService instance
func NewAuditService(repo repository.AuditRepository) AuditService {
	return &auditService{repo: repo, now: time.Now}
}

// Record appends entry; inside a transaction it commits or rolls back with it
func (s *auditService) Record(ctx context.Context, entry *model.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	return s.repo.Log(ctx, entry)
}

func (s *auditService) List(ctx context.Context, filter repository.AuditFilter) ([]AuditEntryResponse, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, apperror.Internal(err, "failed to list audit entries")
	}

	res := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		name := "System"
		if e.Actor != nil {
			name = e.Actor.Name()
		}
		res = append(res, AuditEntryResponse{AuditEntry: e, ActorName: name})
	}
	return res, total, nil
}

// Analytics summarizes [from, to)
func (s *auditService) Analytics(ctx context.Context, from, to time.Time) (*model.AnalyticsSummary, error) {
	if !to.After(from) {
		return nil, apperror.Validation("to must be after from")
	}
	from, to = from.UTC(), to.UTC()

	summary := &model.AnalyticsSummary{From: from, To: to}
	var err error
	if summary.ByTier, err = s.repo.CountCreatedByTier(ctx, from, to); err != nil {
		return nil, err
	}
	if summary.ByDay, err = s.repo.CountCreatedByDay(ctx, from, to); err != nil {
		return nil, err
	}
	if summary.ByApprover, err = s.repo.CountByApprover(ctx, from, to, 20); err != nil {
		return nil, err
	}
	if summary.ByOutcome, err = s.repo.CountByOutcome(ctx, from, to); err != nil {
		return nil, err
	}
	if summary.AvgResponseTimeMs, err = s.repo.AverageResponseTime(ctx, from, to); err != nil {
		return nil, err
	}
	for _, t := range summary.ByTier {
		summary.TotalRequests += t.Count
	}
	return summary, nil
}

// auditFor builds the entry shared by every request transition
func auditFor(req *model.ApprovalRequest, outcome model.AuditOutcome) *model.AuditEntry {
	id := req.ID
	entry := &model.AuditEntry{
		RequestID:    &id,
		OverrideType: req.RequestType,
		RuleID:       req.ThresholdRuleID,
		RequiredTier: req.RequiredTier,
		Outcome:      outcome,
		BeforeValue:  decimal.NewNullDecimal(req.OriginalValue),
		AfterValue:   decimal.NewNullDecimal(req.RequestedValue),
	}
	entry.Difference = decimal.NewNullDecimal(req.OriginalValue.Sub(req.RequestedValue))
	if req.ThresholdRule != nil {
		entry.RuleSnapshot = jsonColumn(req.ThresholdRule.Snapshot())
	}
	return entry
}

// withAfter replaces the after value and its difference
func withAfter(entry *model.AuditEntry, after decimal.Decimal) *model.AuditEntry {
	entry.AfterValue = decimal.NewNullDecimal(after)
	if entry.BeforeValue.Valid {
		entry.Difference = decimal.NewNullDecimal(entry.BeforeValue.Decimal.Sub(after))
	}
	return entry
}

func withActor(entry *model.AuditEntry, actorID uuid.UUID, tier model.Tier, method string, delegationID *uuid.UUID) *model.AuditEntry {
	entry.ActorID = &actorID
	entry.ActorTier = tier
	entry.Method = method
	entry.DelegationID = delegationID
	return entry
}

func jsonColumn(v interface{}) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
