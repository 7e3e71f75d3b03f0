package service

import (
	"context"
	"time"

	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type CreateExceptionRequest struct {
	RuleType   model.OverrideType `json:"rule_type" binding:"required"`
	ProductID  *string            `json:"product_id"`
	CategoryID *string            `json:"category_id"`
	CustomerID *string            `json:"customer_id"`
	UserID     *uuid.UUID         `json:"user_id"`
	ValidFrom  *time.Time         `json:"valid_from"`
	ValidUntil *time.Time         `json:"valid_until"`
	Reason     string             `json:"reason" binding:"required"`
}

type ExceptionService interface {
	Create(ctx context.Context, creatorID uuid.UUID, req CreateExceptionRequest) (*model.PolicyException, error)
	List(ctx context.Context, activeOnly bool) ([]model.PolicyException, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
}

type exceptionService struct {
	repo repository.ExceptionRepository
	log  zerolog.Logger
	now  func() time.Time
}

func NewExceptionService(repo repository.ExceptionRepository, log zerolog.Logger) ExceptionService {
	return &exceptionService{
		repo: repo,
		log:  log.With().Str("component", "exceptions").Logger(),
		now:  time.Now,
	}
}

func (s *exceptionService) Create(ctx context.Context, creatorID uuid.UUID, req CreateExceptionRequest) (*model.PolicyException, error) {
	if !req.RuleType.Valid() || req.RuleType == model.OverrideBatch {
		return nil, apperror.Validation("unknown override type %q", string(req.RuleType))
	}
	now := s.now().UTC()
	exc := &model.PolicyException{
		RuleType:   req.RuleType,
		ProductID:  req.ProductID,
		CategoryID: req.CategoryID,
		CustomerID: req.CustomerID,
		UserID:     req.UserID,
		ValidFrom:  req.ValidFrom,
		ValidUntil: req.ValidUntil,
		IsActive:   true,
		Reason:     req.Reason,
		CreatedBy:  creatorID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if !exc.HasScope() {
		return nil, apperror.Validation("an exception needs a product, category, customer or user scope")
	}
	if exc.ValidFrom != nil && exc.ValidUntil != nil && !exc.ValidUntil.After(*exc.ValidFrom) {
		return nil, apperror.Validation("valid_until must be after valid_from")
	}

	if err := s.repo.Create(ctx, exc); err != nil {
		return nil, apperror.Internal(err, "failed to create policy exception")
	}
	s.log.Info().Str("exception_id", exc.ID.String()).Str("type", string(exc.RuleType)).Msg("policy exception created")
	return exc, nil
}

func (s *exceptionService) List(ctx context.Context, activeOnly bool) ([]model.PolicyException, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *exceptionService) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("exception_id", id.String()).Msg("policy exception deactivated")
	return nil
}
