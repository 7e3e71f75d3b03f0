package repository

import (
	"context"

	"posapproval/internal/model"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ExceptionRepository interface {
	Create(ctx context.Context, exc *model.PolicyException) error
	ListActive(ctx context.Context, ruleType model.OverrideType) ([]model.PolicyException, error)
	List(ctx context.Context, activeOnly bool) ([]model.PolicyException, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type exceptionRepository struct {
	db *gorm.DB
}

func NewExceptionRepository(db *gorm.DB) ExceptionRepository {
	return &exceptionRepository{db: db}
}

func (r *exceptionRepository) Create(ctx context.Context, exc *model.PolicyException) error {
	return GetDB(ctx, r.db).Create(exc).Error
}

// ListActive returns active exceptions for one type; the validity window is
// checked by the caller against its own clock.
func (r *exceptionRepository) ListActive(ctx context.Context, ruleType model.OverrideType) ([]model.PolicyException, error) {
	var out []model.PolicyException
	err := GetDB(ctx, r.db).
		Where("rule_type = ? AND is_active = ?", ruleType, true).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

func (r *exceptionRepository) List(ctx context.Context, activeOnly bool) ([]model.PolicyException, error) {
	var out []model.PolicyException
	query := GetDB(ctx, r.db)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	err := query.Order("created_at DESC").Find(&out).Error
	return out, err
}

func (r *exceptionRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	res := GetDB(ctx, r.db).Model(&model.PolicyException{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("active policy exception", id)
	}
	return nil
}
