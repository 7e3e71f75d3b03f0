package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"posapproval/internal/metrics"
	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const tokenBytes = 32

type ConsumeTokenRequest struct {
	Token      string  `json:"token" binding:"required"`
	LineItemID *string `json:"line_item_id"`
}

// ConsumeResult hands the approved value to the line-item flow
type ConsumeResult struct {
	RequestID     uuid.UUID          `json:"request_id"`
	ReferenceCode string             `json:"reference_code"`
	RequestType   model.OverrideType `json:"request_type"`
	LineItemID    *string            `json:"line_item_id,omitempty"`
	ApprovedValue decimal.Decimal    `json:"approved_value"`
}

type BatchConsumeResult struct {
	ParentID uuid.UUID       `json:"parent_id"`
	Items    []ConsumeResult `json:"items"`
}

type TokenIssuer interface {
	Issue(now time.Time) (token string, expiresAt time.Time, err error)
	Consume(ctx context.Context, consumerID uuid.UUID, req ConsumeTokenRequest) (*ConsumeResult, error)
	ConsumeBatch(ctx context.Context, consumerID, parentID uuid.UUID) (*BatchConsumeResult, error)
}

type tokenIssuer struct {
	approvals repository.ApprovalRepository
	audit     AuditService
	txManager repository.TransactionManager
	ttl       time.Duration
	metrics   *metrics.ApprovalMetrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewTokenIssuer(
	approvals repository.ApprovalRepository,
	audit AuditService,
	txManager repository.TransactionManager,
	ttl time.Duration,
	m *metrics.ApprovalMetrics,
	log zerolog.Logger,
) TokenIssuer {
	return &tokenIssuer{
		approvals: approvals,
		audit:     audit,
		txManager: txManager,
		ttl:       ttl,
		metrics:   m,
		log:       log.With().Str("component", "token").Logger(),
		now:       time.Now,
	}
}

// Issue mints a 256-bit token, hex encoded
func (s *tokenIssuer) Issue(now time.Time) (string, time.Time, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), now.Add(s.ttl), nil
}

// Consume succeeds exactly once per token. Losers of a race, and repeats,
// get a Conflict; a token past its expiry gets Expired.
func (s *tokenIssuer) Consume(ctx context.Context, consumerID uuid.UUID, in ConsumeTokenRequest) (*ConsumeResult, error) {
	res, err := s.consume(ctx, consumerID, in)
	s.metrics.TokensConsumedTotal.WithLabelValues(resultLabel(err)).Inc()
	return res, err
}

func (s *tokenIssuer) consume(ctx context.Context, consumerID uuid.UUID, in ConsumeTokenRequest) (*ConsumeResult, error) {
	now := s.now().UTC()
	req, err := s.approvals.FindByToken(ctx, in.Token)
	if err != nil {
		return nil, err
	}
	if req.IsBatch() {
		return nil, apperror.Validation("batch tokens are consumed through the batch")
	}
	if err := tokenUsable(req, now); err != nil {
		return nil, err
	}
	if in.LineItemID != nil && req.LineItemID != nil && *in.LineItemID != *req.LineItemID {
		return nil, apperror.Validation("token was issued for a different line item")
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.approvals.ConsumeToken(txCtx, in.Token, now)
		if err != nil {
			return err
		}
		if !ok {
			return s.lostConsume(txCtx, req.ID, now)
		}
		return s.audit.Record(txCtx, consumedEntry(req, consumerID, now))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("request_id", req.ID.String()).Str("consumer_id", consumerID.String()).Msg("approval token consumed")
	return toConsumeResult(req), nil
}

// ConsumeBatch spends the parent token and every child token in one write set
func (s *tokenIssuer) ConsumeBatch(ctx context.Context, consumerID, parentID uuid.UUID) (*BatchConsumeResult, error) {
	res, err := s.consumeBatch(ctx, consumerID, parentID)
	s.metrics.TokensConsumedTotal.WithLabelValues(resultLabel(err)).Inc()
	return res, err
}

func (s *tokenIssuer) consumeBatch(ctx context.Context, consumerID, parentID uuid.UUID) (*BatchConsumeResult, error) {
	now := s.now().UTC()
	parent, err := s.approvals.FindByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsBatch() {
		return nil, apperror.Validation("request %s is not a batch", parent.ReferenceCode)
	}
	if parent.Token == nil {
		return nil, apperror.Conflict("batch has no token to consume")
	}
	if err := tokenUsable(parent, now); err != nil {
		return nil, err
	}

	var children []model.ApprovalRequest
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.approvals.ConsumeToken(txCtx, *parent.Token, now)
		if err != nil {
			return err
		}
		if !ok {
			return s.lostConsume(txCtx, parent.ID, now)
		}
		if _, err := s.approvals.ConsumeChildTokens(txCtx, parent.ID, now); err != nil {
			return err
		}
		if children, err = s.approvals.ListChildren(txCtx, parent.ID); err != nil {
			return err
		}
		return s.audit.Record(txCtx, consumedEntry(parent, consumerID, now))
	})
	if err != nil {
		return nil, err
	}

	out := &BatchConsumeResult{ParentID: parent.ID, Items: make([]ConsumeResult, 0, len(children))}
	for i := range children {
		child := &children[i]
		if child.Status == model.StatusApproved && child.TokenUsed {
			out.Items = append(out.Items, *toConsumeResult(child))
		}
	}
	s.log.Info().Str("request_id", parent.ID.String()).Int("items", len(out.Items)).Msg("batch tokens consumed")
	return out, nil
}

// lostConsume explains a failed conditional write from the row's current state
func (s *tokenIssuer) lostConsume(ctx context.Context, id uuid.UUID, now time.Time) error {
	current, err := s.approvals.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if err := tokenUsable(current, now); err != nil {
		return err
	}
	return apperror.Conflict("token already used")
}

func tokenUsable(req *model.ApprovalRequest, now time.Time) error {
	if req.TokenUsed {
		return apperror.Conflict("token already used")
	}
	if req.Status != model.StatusApproved {
		return apperror.Conflict("request is %s", req.Status)
	}
	if req.TokenExpiresAt == nil || !now.Before(*req.TokenExpiresAt) {
		return apperror.Expired("token expired")
	}
	return nil
}

func consumedEntry(req *model.ApprovalRequest, consumerID uuid.UUID, now time.Time) *model.AuditEntry {
	entry := auditFor(req, model.OutcomeTokenConsumed)
	if req.ApprovedValue.Valid {
		withAfter(entry, req.ApprovedValue.Decimal)
	}
	entry.ActorID = &consumerID
	entry.CreatedAt = now
	return entry
}

func toConsumeResult(req *model.ApprovalRequest) *ConsumeResult {
	value := req.RequestedValue
	if req.ApprovedValue.Valid {
		value = req.ApprovedValue.Decimal
	}
	return &ConsumeResult{
		RequestID:     req.ID,
		ReferenceCode: req.ReferenceCode,
		RequestType:   req.RequestType,
		LineItemID:    req.LineItemID,
		ApprovedValue: value,
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return apperror.KindOf(err).String()
}
