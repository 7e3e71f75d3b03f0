package service

import (
	"context"
	"time"

	"posapproval/internal/events"
	"posapproval/internal/model"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateBatchRequest struct {
	Items            []CreateApprovalRequest `json:"items" binding:"required,min=1,dive"`
	TargetApproverID *uuid.UUID              `json:"target_approver_id"`
	Reason           string                  `json:"reason"`
}

// CreateBatch groups line-item overrides under one parent. Items needing no
// approval are stored approved and receive their tokens with the batch
// decision; the parent carries the highest tier any item requires.
func (s *approvalService) CreateBatch(ctx context.Context, requesterID uuid.UUID, in CreateBatchRequest) (*ApprovalResponse, error) {
	now := s.now().UTC()
	if len(in.Items) == 0 {
		return nil, apperror.Validation("a batch needs at least one item")
	}
	if len(in.Items) > s.limits.MaxBatchSize {
		return nil, apperror.Validation("a batch holds at most %d items", s.limits.MaxBatchSize)
	}
	requester, err := s.requester(ctx, requesterID, in.TargetApproverID)
	if err != nil {
		return nil, err
	}

	parent := &model.ApprovalRequest{
		ID:               uuid.New(),
		ReferenceCode:    s.refCode(),
		RequestType:      model.OverrideBatch,
		RequesterID:      requesterID,
		TargetApproverID: in.TargetApproverID,
		Status:           model.StatusPending,
		RequiredTier:     model.TierNone,
		Reason:           in.Reason,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	children := make([]*model.ApprovalRequest, 0, len(in.Items))
	decisions := make([]*Decision, 0, len(in.Items))
	for i, item := range in.Items {
		item.TargetApproverID = in.TargetApproverID
		if item.Reason == "" {
			item.Reason = in.Reason
		}
		if err := normalizeCreate(&item); err != nil {
			return nil, itemError(i, err)
		}
		d, err := s.evaluate(ctx, requesterID, item, now)
		if err != nil {
			return nil, itemError(i, err)
		}
		child := s.build(requesterID, item, d, now)
		child.ParentID = &parent.ID
		if d.RequiresApproval && child.RequiredTier > parent.RequiredTier {
			parent.RequiredTier = child.RequiredTier
		}
		if parent.Channel == "" {
			parent.Channel = child.Channel
		}
		parent.OriginalValue = parent.OriginalValue.Add(child.OriginalValue)
		parent.RequestedValue = parent.RequestedValue.Add(child.RequestedValue)
		children = append(children, child)
		decisions = append(decisions, d)
	}
	parent.EvaluatedValue = parent.OriginalValue.Sub(parent.RequestedValue)

	var token string
	if !parent.RequiredTier.Valid() {
		var zero int64
		parent.Status = model.StatusApproved
		parent.AutoApproved = true
		parent.RequiredTier = model.MinApprovalTier
		parent.ApprovedValue = decimal.NewNullDecimal(parent.RequestedValue)
		parent.VerificationMethod = model.MethodAuto
		parent.RespondedAt = &now
		parent.ResponseTimeMs = &zero
		if token, err = s.grantToken(parent, now); err != nil {
			return nil, err
		}
		for _, child := range children {
			if _, err := s.grantToken(child, now); err != nil {
				return nil, err
			}
		}
	}

	err = s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.Approvals.Create(txCtx, parent); err != nil {
			return apperror.Internal(err, "failed to create batch request")
		}
		if err := s.Audit.Record(txCtx, createdEntry(parent, nil, requester, now)); err != nil {
			return err
		}
		for i, child := range children {
			if err := s.Approvals.Create(txCtx, child); err != nil {
				return apperror.Internal(err, "failed to create batch item")
			}
			if err := s.Audit.Record(txCtx, createdEntry(child, decisions[i], requester, now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.RequestsCreatedTotal.WithLabelValues(string(model.OverrideBatch), parent.RequiredTier.String(), boolLabel(parent.AutoApproved)).Inc()
	s.Log.Info().Str("request_id", parent.ID.String()).Str("reference", parent.ReferenceCode).Int("items", len(children)).
		Str("status", string(parent.Status)).Str("required_tier", parent.RequiredTier.String()).Msg("batch request created")

	if parent.Status == model.StatusPending {
		payload := createdPayload(parent, requester)
		payload["items"] = len(children)
		s.Publisher.Publish(events.Event{
			Type:       events.TypeBatchCreated,
			RequestID:  &parent.ID,
			Recipients: s.approverRecipients(ctx, parent),
			Payload:    payload,
			At:         now,
		})
	}

	resp := &ApprovalResponse{
		ApprovalRequest: *parent,
		Token:           token,
		RequesterName:   requester.Name(),
		Children:        make([]model.ApprovalRequest, 0, len(children)),
	}
	for _, child := range children {
		resp.Children = append(resp.Children, *child)
	}
	return resp, nil
}

func (s *approvalService) ApproveBatch(ctx context.Context, parentID, callerID uuid.UUID, in DecisionRequest) (*ApprovalResponse, error) {
	if err := s.ensureBatch(ctx, parentID); err != nil {
		return nil, err
	}
	return s.Approve(ctx, parentID, callerID, in)
}

func (s *approvalService) DenyBatch(ctx context.Context, parentID, callerID uuid.UUID, in DenyRequest) (*ApprovalResponse, error) {
	if err := s.ensureBatch(ctx, parentID); err != nil {
		return nil, err
	}
	return s.Deny(ctx, parentID, callerID, in)
}

func (s *approvalService) ensureBatch(ctx context.Context, id uuid.UUID) error {
	req, err := s.Approvals.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if !req.IsBatch() {
		return apperror.Validation("request %s is not a batch", req.ReferenceCode)
	}
	return nil
}

// approveChildren applies a batch approval to every item still pending and
// hands tokens to items that were approved on creation
func (s *approvalService) approveChildren(ctx context.Context, parentID uuid.UUID, who actor, now time.Time) error {
	children, err := s.Approvals.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}
	for i := range children {
		child := &children[i]
		token, expiresAt, err := s.Tokens.Issue(now)
		if err != nil {
			return err
		}

		switch {
		case child.Status == model.StatusPending:
			updates := who.updates(now)
			updates["status"] = model.StatusApproved
			updates["approved_value"] = decimal.NewNullDecimal(child.RequestedValue)
			updates["token"] = token
			updates["token_expires_at"] = expiresAt
			updates["responded_at"] = now
			updates["response_time_ms"] = now.Sub(child.CreatedAt).Milliseconds()
			if _, err := s.Approvals.Transition(ctx, child.ID, []model.RequestStatus{model.StatusPending}, updates); err != nil {
				return err
			}
		case child.Status == model.StatusApproved && child.Token == nil:
			updates := map[string]interface{}{"token": token, "token_expires_at": expiresAt, "updated_at": now}
			if _, err := s.Approvals.Transition(ctx, child.ID, []model.RequestStatus{model.StatusApproved}, updates); err != nil {
				return err
			}
		}
	}
	return nil
}

func itemError(i int, err error) error {
	if apperror.KindOf(err) != apperror.KindValidation {
		return err
	}
	return apperror.Validation("item %d: %s", i+1, err.Error()).WithDetail("item", i+1)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
