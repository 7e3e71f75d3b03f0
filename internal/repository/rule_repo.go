package repository

import (
	"context"

	"posapproval/internal/model"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type RuleRepository interface {
	Create(ctx context.Context, rule *model.ThresholdRule) error
	Update(ctx context.Context, rule *model.ThresholdRule) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.ThresholdRule, error)
	List(ctx context.Context, activeOnly bool) ([]model.ThresholdRule, error)
	ListWithTimeout(ctx context.Context) ([]model.ThresholdRule, error)
	Count(ctx context.Context) (int64, error)
}

type ruleRepository struct {
	db *gorm.DB
}

func NewRuleRepository(db *gorm.DB) RuleRepository {
	return &ruleRepository{db: db}
}

func preloadLevels(db *gorm.DB) *gorm.DB {
	return db.Preload("Levels", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("tier ASC")
	})
}

func (r *ruleRepository) Create(ctx context.Context, rule *model.ThresholdRule) error {
	return GetDB(ctx, r.db).Create(rule).Error
}

// Update saves the rule's columns and replaces its level ladder
func (r *ruleRepository) Update(ctx context.Context, rule *model.ThresholdRule) error {
	db := GetDB(ctx, r.db)
	levels := rule.Levels
	rule.Levels = nil

	res := db.Model(rule).Select("*").Omit("id", "created_at", "Levels").Updates(rule)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("threshold rule", rule.ID)
	}

	if err := db.Where("rule_id = ?", rule.ID).Delete(&model.ApprovalLevel{}).Error; err != nil {
		return err
	}
	for i := range levels {
		levels[i].ID = uuid.Nil
		levels[i].RuleID = rule.ID
	}
	if len(levels) > 0 {
		if err := db.Create(&levels).Error; err != nil {
			return err
		}
	}
	rule.Levels = levels
	return nil
}

func (r *ruleRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res := GetDB(ctx, r.db).Model(&model.ThresholdRule{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("threshold rule", id)
	}
	return nil
}

func (r *ruleRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.ThresholdRule, error) {
	var rule model.ThresholdRule
	if err := preloadLevels(GetDB(ctx, r.db)).First(&rule, "id = ?", id).Error; err != nil {
		return nil, translate(err, "threshold rule", id)
	}
	return &rule, nil
}

func (r *ruleRepository) List(ctx context.Context, activeOnly bool) ([]model.ThresholdRule, error) {
	var rules []model.ThresholdRule
	query := preloadLevels(GetDB(ctx, r.db))
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	if err := query.Order("rule_type ASC, priority DESC, created_at DESC").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// ListWithTimeout includes inactive rules: requests created under a rule
// that was later deactivated still time out by it.
func (r *ruleRepository) ListWithTimeout(ctx context.Context) ([]model.ThresholdRule, error) {
	var rules []model.ThresholdRule
	if err := GetDB(ctx, r.db).Where("timeout_seconds > 0").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *ruleRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	err := GetDB(ctx, r.db).Model(&model.ThresholdRule{}).Count(&total).Error
	return total, err
}
