package repository

import (
	"context"
	"fmt"
	"time"

	"posapproval/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditFilter narrows an audit listing; zero fields are ignored
type AuditFilter struct {
	RequestID    *uuid.UUID
	ActorID      *uuid.UUID
	OverrideType model.OverrideType
	Outcome      model.AuditOutcome
	From         *time.Time
	To           *time.Time
	Page         int
	Limit        int
}

type AuditRepository interface {
	Log(ctx context.Context, entry *model.AuditEntry) error
	List(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, int64, error)
	CountByOutcome(ctx context.Context, from, to time.Time) ([]model.OutcomeCount, error)
	CountCreatedByTier(ctx context.Context, from, to time.Time) ([]model.TierCount, error)
	CountCreatedByDay(ctx context.Context, from, to time.Time) ([]model.DayCount, error)
	CountByApprover(ctx context.Context, from, to time.Time, limit int) ([]model.ApproverCount, error)
	AverageResponseTime(ctx context.Context, from, to time.Time) (float64, error)
}

type auditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Log(ctx context.Context, entry *model.AuditEntry) error {
	return GetDB(ctx, r.db).Create(entry).Error
}

func (r *auditRepository) List(ctx context.Context, filter AuditFilter) ([]model.AuditEntry, int64, error) {
	var entries []model.AuditEntry
	var total int64

	db := GetDB(ctx, r.db)
	scope := func(q *gorm.DB) *gorm.DB {
		if filter.RequestID != nil {
			q = q.Where("request_id = ?", *filter.RequestID)
		}
		if filter.ActorID != nil {
			q = q.Where("actor_id = ?", *filter.ActorID)
		}
		if filter.OverrideType != "" {
			q = q.Where("override_type = ?", filter.OverrideType)
		}
		if filter.Outcome != "" {
			q = q.Where("outcome = ?", filter.Outcome)
		}
		if filter.From != nil {
			q = q.Where("created_at >= ?", *filter.From)
		}
		if filter.To != nil {
			q = q.Where("created_at < ?", *filter.To)
		}
		return q
	}

	if err := scope(db.Model(&model.AuditEntry{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.Limit
	if err := scope(db.Preload("Actor")).Order("created_at desc").Offset(offset).Limit(filter.Limit).Find(&entries).Error; err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}

func (r *auditRepository) window(ctx context.Context, from, to time.Time) *gorm.DB {
	return GetDB(ctx, r.db).Table("audit_entries").Where("audit_entries.created_at >= ? AND audit_entries.created_at < ?", from, to)
}

func (r *auditRepository) CountByOutcome(ctx context.Context, from, to time.Time) ([]model.OutcomeCount, error) {
	var rows []model.OutcomeCount
	if err := r.window(ctx, from, to).
		Select("outcome, COUNT(*) as count").
		Group("outcome").
		Order("count DESC, outcome ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count audit outcomes: %w", err)
	}
	return rows, nil
}

// CountCreatedByTier counts requests entering the engine, auto-approved ones included
func (r *auditRepository) CountCreatedByTier(ctx context.Context, from, to time.Time) ([]model.TierCount, error) {
	var rows []model.TierCount
	if err := r.window(ctx, from, to).
		Where("outcome IN ?", createdOutcomes).
		Select("required_tier as tier, COUNT(*) as count").
		Group("required_tier").
		Order("required_tier ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count requests by tier: %w", err)
	}
	return rows, nil
}

func (r *auditRepository) CountCreatedByDay(ctx context.Context, from, to time.Time) ([]model.DayCount, error) {
	var rows []model.DayCount
	if err := r.window(ctx, from, to).
		Where("outcome IN ?", createdOutcomes).
		Select("CAST(DATE(created_at) AS TEXT) as day, COUNT(*) as count").
		Group("CAST(DATE(created_at) AS TEXT)").
		Order("day ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count requests by day: %w", err)
	}
	return rows, nil
}

func (r *auditRepository) CountByApprover(ctx context.Context, from, to time.Time, limit int) ([]model.ApproverCount, error) {
	var rows []model.ApproverCount
	if err := r.window(ctx, from, to).
		Select(`CAST(audit_entries.actor_id AS TEXT) as approver_id,
			COALESCE(MAX(users.display_name), MAX(users.username), '') as approver_name,
			SUM(CASE WHEN audit_entries.outcome = ? THEN 1 ELSE 0 END) as approved,
			SUM(CASE WHEN audit_entries.outcome = ? THEN 1 ELSE 0 END) as denied,
			SUM(CASE WHEN audit_entries.outcome = ? THEN 1 ELSE 0 END) as countered`,
			model.OutcomeApproved, model.OutcomeDenied, model.OutcomeCountered).
		Joins("LEFT JOIN users ON users.id = audit_entries.actor_id").
		Where("audit_entries.actor_id IS NOT NULL").
		Where("audit_entries.outcome IN ?", []model.AuditOutcome{model.OutcomeApproved, model.OutcomeDenied, model.OutcomeCountered}).
		Group("audit_entries.actor_id").
		Order("approved DESC, approver_id ASC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count approvals by approver: %w", err)
	}
	return rows, nil
}

// AverageResponseTime is over human resolutions only
func (r *auditRepository) AverageResponseTime(ctx context.Context, from, to time.Time) (float64, error) {
	var result struct {
		Avg *float64
	}
	if err := r.window(ctx, from, to).
		Where("outcome IN ? AND response_time_ms IS NOT NULL", []model.AuditOutcome{model.OutcomeApproved, model.OutcomeDenied, model.OutcomeCounterAccepted}).
		Select("AVG(response_time_ms) as avg").
		Scan(&result).Error; err != nil {
		return 0, fmt.Errorf("failed to average response time: %w", err)
	}
	if result.Avg == nil {
		return 0, nil
	}
	return *result.Avg, nil
}

var createdOutcomes = []model.AuditOutcome{model.OutcomeCreated, model.OutcomeAutoApproved, model.OutcomeExceptionApplied}
