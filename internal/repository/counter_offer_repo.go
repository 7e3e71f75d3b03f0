package repository

import (
	"context"
	"time"

	"posapproval/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CounterOfferRepository interface {
	Create(ctx context.Context, offer *model.CounterOffer) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.CounterOffer, error)
	LatestPending(ctx context.Context, requestID uuid.UUID) (*model.CounterOffer, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]model.CounterOffer, error)
	CountByRequest(ctx context.Context, requestID uuid.UUID) (int64, error)
	Resolve(ctx context.Context, id uuid.UUID, to model.CounterStatus, now time.Time) (bool, error)
}

type counterOfferRepository struct {
	db *gorm.DB
}

func NewCounterOfferRepository(db *gorm.DB) CounterOfferRepository {
	return &counterOfferRepository{db: db}
}

func (r *counterOfferRepository) Create(ctx context.Context, offer *model.CounterOffer) error {
	return GetDB(ctx, r.db).Create(offer).Error
}

func (r *counterOfferRepository) FindByID(ctx context.Context, id uuid.UUID) (*model.CounterOffer, error) {
	var offer model.CounterOffer
	if err := GetDB(ctx, r.db).First(&offer, "id = ?", id).Error; err != nil {
		return nil, translate(err, "counter offer", id)
	}
	return &offer, nil
}

// LatestPending returns the newest pending offer; older pending offers are not actionable
func (r *counterOfferRepository) LatestPending(ctx context.Context, requestID uuid.UUID) (*model.CounterOffer, error) {
	var offer model.CounterOffer
	err := GetDB(ctx, r.db).
		Where("request_id = ? AND status = ?", requestID, model.CounterPending).
		Order("created_at DESC").
		First(&offer).Error
	if err != nil {
		return nil, translate(err, "pending counter offer for request", requestID)
	}
	return &offer, nil
}

func (r *counterOfferRepository) ListByRequest(ctx context.Context, requestID uuid.UUID) ([]model.CounterOffer, error) {
	var offers []model.CounterOffer
	err := GetDB(ctx, r.db).Preload("Creator").
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&offers).Error
	return offers, err
}

func (r *counterOfferRepository) CountByRequest(ctx context.Context, requestID uuid.UUID) (int64, error) {
	var total int64
	err := GetDB(ctx, r.db).Model(&model.CounterOffer{}).Where("request_id = ?", requestID).Count(&total).Error
	return total, err
}

// Resolve moves a pending offer to accepted or declined; false when it was no longer pending
func (r *counterOfferRepository) Resolve(ctx context.Context, id uuid.UUID, to model.CounterStatus, now time.Time) (bool, error) {
	res := GetDB(ctx, r.db).Model(&model.CounterOffer{}).
		Where("id = ? AND status = ?", id, model.CounterPending).
		Updates(map[string]interface{}{"status": to, "responded_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
