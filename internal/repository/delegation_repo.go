package repository

import (
	"context"
	"time"

	"posapproval/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DelegationRepository interface {
	Create(ctx context.Context, d *model.Delegation) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.Delegation, error)
	Revoke(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	RevokeActivePair(ctx context.Context, delegatorID, delegateID uuid.UUID, now time.Time) (int64, error)
	ListActive(ctx context.Context, now time.Time) ([]model.Delegation, error)
	ListActiveForDelegate(ctx context.Context, delegateID uuid.UUID, now time.Time) ([]model.Delegation, error)
	ListByDelegator(ctx context.Context, delegatorID uuid.UUID) ([]model.Delegation, error)
}

type delegationRepository struct {
	db *gorm.DB
}

func NewDelegationRepository(db *gorm.DB) DelegationRepository {
	return &delegationRepository{db: db}
}

func (r *delegationRepository) Create(ctx context.Context, d *model.Delegation) error {
	return GetDB(ctx, r.db).Create(d).Error
}

func (r *delegationRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.Delegation, error) {
	var d model.Delegation
	if err := GetDB(ctx, r.db).Preload("Delegator").Preload("Delegate").First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err, "delegation", id)
	}
	return &d, nil
}

// Revoke deactivates the row; false when it was already inactive
func (r *delegationRepository) Revoke(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.Delegation{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{"is_active": false, "revoked_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *delegationRepository) RevokeActivePair(ctx context.Context, delegatorID, delegateID uuid.UUID, now time.Time) (int64, error) {
	res := GetDB(ctx, r.db).Model(&model.Delegation{}).
		Where("delegator_id = ? AND delegate_id = ? AND is_active = ?", delegatorID, delegateID, true).
		Updates(map[string]interface{}{"is_active": false, "revoked_at": now})
	return res.RowsAffected, res.Error
}

// ListActive returns delegations in effect at now. Expiry is never written, so
// the window is checked here.
func (r *delegationRepository) ListActive(ctx context.Context, now time.Time) ([]model.Delegation, error) {
	var rows []model.Delegation
	err := GetDB(ctx, r.db).Preload("Delegator").Preload("Delegate").
		Where("is_active = ?", true).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return effective(rows, now), nil
}

func (r *delegationRepository) ListActiveForDelegate(ctx context.Context, delegateID uuid.UUID, now time.Time) ([]model.Delegation, error) {
	var rows []model.Delegation
	err := GetDB(ctx, r.db).Preload("Delegator").
		Where("delegate_id = ? AND is_active = ?", delegateID, true).
		Order("max_tier DESC, created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return effective(rows, now), nil
}

func (r *delegationRepository) ListByDelegator(ctx context.Context, delegatorID uuid.UUID) ([]model.Delegation, error) {
	var rows []model.Delegation
	err := GetDB(ctx, r.db).Preload("Delegate").
		Where("delegator_id = ?", delegatorID).
		Order("created_at DESC").
		Find(&rows).Error
	return rows, err
}

func effective(rows []model.Delegation, now time.Time) []model.Delegation {
	out := rows[:0]
	for _, d := range rows {
		if d.EffectiveAt(now) {
			out = append(out, d)
		}
	}
	return out
}
