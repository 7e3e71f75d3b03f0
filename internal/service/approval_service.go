package service

import (
	"context"
	"fmt"
	"time"

	"posapproval/internal/events"
	"posapproval/internal/metrics"
	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// referenceAlphabet leaves out characters that are easy to misread on a receipt
const referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// --- DTOs ---

type CreateApprovalRequest struct {
	RequestType      model.OverrideType  `json:"request_type" binding:"required"`
	Channel          model.Channel       `json:"channel"`
	ProductID        *string             `json:"product_id"`
	CategoryID       *string             `json:"category_id"`
	CustomerID       *string             `json:"customer_id"`
	LineItemID       *string             `json:"line_item_id"`
	OriginalValue    decimal.Decimal     `json:"original_value"`
	RequestedValue   decimal.Decimal     `json:"requested_value"`
	CostValue        decimal.NullDecimal `json:"cost_value"`
	TargetApproverID *uuid.UUID          `json:"target_approver_id"`
	Reason           string              `json:"reason"`
}

// DecisionRequest identifies the approver. With method pin the PIN may be
// typed at the requesting terminal; ApproverID narrows it to one credential.
type DecisionRequest struct {
	Method       string     `json:"method" binding:"required,oneof=pin totp session"`
	PIN          string     `json:"pin"`
	TOTPCode     string     `json:"totp_code"`
	ApproverID   *uuid.UUID `json:"approver_id"`
	DelegationID *uuid.UUID `json:"delegation_id"`
}

type DenyRequest struct {
	DecisionRequest
	ReasonCode string `json:"reason_code"`
	ReasonNote string `json:"reason_note"`
}

type CounterRequest struct {
	DecisionRequest
	Price decimal.Decimal `json:"price"`
	Note  string          `json:"note"`
}

// QueueRequest pages are taken as given; the transport bounds them with
// pagination.Parse
type QueueRequest struct {
	RequestType model.OverrideType
	Page        int
	Limit       int
}

type ApprovalResponse struct {
	model.ApprovalRequest
	Token         string                  `json:"token,omitempty"`
	RequesterName string                  `json:"requester_name,omitempty"`
	ApproverName  string                  `json:"approver_name,omitempty"`
	CounterOffers []model.CounterOffer    `json:"counter_offers,omitempty"`
	Children      []model.ApprovalRequest `json:"children,omitempty"`
	Message       string                  `json:"message,omitempty"`
}

// ApprovalLimits are the lifecycle bounds taken from configuration
type ApprovalLimits struct {
	RequestMaxAge    time.Duration
	MaxCounterOffers int
	MaxBatchSize     int
}

// --- Interface ---

type ApprovalService interface {
	Create(ctx context.Context, requesterID uuid.UUID, req CreateApprovalRequest) (*ApprovalResponse, error)
	CreateBatch(ctx context.Context, requesterID uuid.UUID, req CreateBatchRequest) (*ApprovalResponse, error)
	Status(ctx context.Context, id, callerID uuid.UUID) (*ApprovalResponse, error)
	Queue(ctx context.Context, callerID uuid.UUID, req QueueRequest) ([]model.ApprovalRequest, int64, error)
	EligibleApprovers(ctx context.Context, id uuid.UUID) ([]EligibleApprover, error)
	Approve(ctx context.Context, id, callerID uuid.UUID, req DecisionRequest) (*ApprovalResponse, error)
	Deny(ctx context.Context, id, callerID uuid.UUID, req DenyRequest) (*ApprovalResponse, error)
	Counter(ctx context.Context, id, callerID uuid.UUID, req CounterRequest) (*ApprovalResponse, error)
	AcceptCounter(ctx context.Context, id, counterID, callerID uuid.UUID) (*ApprovalResponse, error)
	DeclineCounter(ctx context.Context, id, counterID, callerID uuid.UUID) (*ApprovalResponse, error)
	Cancel(ctx context.Context, id, callerID uuid.UUID) (*ApprovalResponse, error)
	ApproveBatch(ctx context.Context, parentID, callerID uuid.UUID, req DecisionRequest) (*ApprovalResponse, error)
	DenyBatch(ctx context.Context, parentID, callerID uuid.UUID, req DenyRequest) (*ApprovalResponse, error)
}

// ApprovalDeps wires the lifecycle manager to its collaborators
type ApprovalDeps struct {
	Approvals   repository.ApprovalRepository
	Counters    repository.CounterOfferRepository
	Rules       repository.RuleRepository
	Users       repository.UserRepository
	TxManager   repository.TransactionManager
	Policy      PolicyEvaluator
	Credentials CredentialVerifier
	Delegations DelegationRegistry
	Tokens      TokenIssuer
	Audit       AuditService
	Publisher   events.Publisher
	Metrics     *metrics.ApprovalMetrics
	Log         zerolog.Logger
}

type approvalService struct {
	ApprovalDeps
	limits  ApprovalLimits
	closer  *staleCloser
	refCode func() string
	now     func() time.Time
}

func NewApprovalService(deps ApprovalDeps, limits ApprovalLimits) (ApprovalService, error) {
	refCode, err := nanoid.CustomASCII(referenceAlphabet, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to create reference code generator: %w", err)
	}
	if limits.MaxCounterOffers <= 0 {
		limits.MaxCounterOffers = 5
	}
	if limits.MaxBatchSize <= 0 {
		limits.MaxBatchSize = 50
	}
	deps.Log = deps.Log.With().Str("component", "approval").Logger()
	return &approvalService{
		ApprovalDeps: deps,
		limits:       limits,
		closer:       newStaleCloser(deps, limits.RequestMaxAge),
		refCode:      refCode,
		now:          time.Now,
	}, nil
}

// --- Implementation ---

// Create evaluates the override and stores it. Overrides needing no approval
// are stored approved with a token so the line-item flow stays the same.
func (s *approvalService) Create(ctx context.Context, requesterID uuid.UUID, in CreateApprovalRequest) (*ApprovalResponse, error) {
	now := s.now().UTC()
	if err := normalizeCreate(&in); err != nil {
		return nil, err
	}
	requester, err := s.requester(ctx, requesterID, in.TargetApproverID)
	if err != nil {
		return nil, err
	}
	decision, err := s.evaluate(ctx, requesterID, in, now)
	if err != nil {
		return nil, err
	}

	req := s.build(requesterID, in, decision, now)
	var token string
	if req.Status == model.StatusApproved {
		if token, err = s.grantToken(req, now); err != nil {
			return nil, err
		}
	}

	err = s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.Approvals.Create(txCtx, req); err != nil {
			return apperror.Internal(err, "failed to create approval request")
		}
		return s.Audit.Record(txCtx, createdEntry(req, decision, requester, now))
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.RequestsCreatedTotal.WithLabelValues(string(req.RequestType), req.RequiredTier.String(), boolLabel(req.AutoApproved)).Inc()
	s.Log.Info().Str("request_id", req.ID.String()).Str("reference", req.ReferenceCode).Str("type", string(req.RequestType)).
		Str("status", string(req.Status)).Str("required_tier", req.RequiredTier.String()).Msg("approval request created")

	if req.Status == model.StatusPending {
		s.Publisher.Publish(events.Event{
			Type:       events.TypeRequestCreated,
			RequestID:  &req.ID,
			Recipients: s.approverRecipients(ctx, req),
			Payload:    createdPayload(req, requester),
			At:         now,
		})
	}

	req.Requester = requester
	return &ApprovalResponse{
		ApprovalRequest: *req,
		Token:           token,
		RequesterName:   requester.Name(),
		Message:         decision.Message,
	}, nil
}

// Status returns the request with its counter-offers. Only the requester sees the token.
func (s *approvalService) Status(ctx context.Context, id, callerID uuid.UUID) (*ApprovalResponse, error) {
	req, err := s.Approvals.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, req, callerID)
}

// Queue lists what the caller may act on at their effective tier
func (s *approvalService) Queue(ctx context.Context, callerID uuid.UUID, in QueueRequest) ([]model.ApprovalRequest, int64, error) {
	tier, err := s.effectiveTier(ctx, callerID)
	if err != nil {
		return nil, 0, err
	}
	if !tier.Valid() {
		return nil, 0, apperror.Authorization("no approval authority")
	}
	return s.Approvals.ListQueue(ctx, repository.QueueFilter{
		ApproverID:  callerID,
		MaxTier:     tier,
		RequestType: in.RequestType,
		Page:        in.Page,
		Limit:       in.Limit,
	})
}

// EligibleApprovers answers "who can approve this" for the requester's terminal
func (s *approvalService) EligibleApprovers(ctx context.Context, id uuid.UUID) ([]EligibleApprover, error) {
	req, err := s.Approvals.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	all, err := s.Delegations.ListEligibleApprovers(ctx, req.RequiredTier)
	if err != nil {
		return nil, err
	}
	out := make([]EligibleApprover, 0, len(all))
	for _, a := range all {
		if a.UserID != req.RequesterID {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- helpers ---

func normalizeCreate(in *CreateApprovalRequest) error {
	if !in.RequestType.Valid() || in.RequestType == model.OverrideBatch {
		return apperror.Validation("unknown override type %q", string(in.RequestType))
	}
	if in.Channel == "" {
		in.Channel = model.ChannelPOS
	}
	if !in.Channel.Valid() {
		return apperror.Validation("unknown channel %q", string(in.Channel))
	}
	if !in.RequestedValue.IsPositive() {
		return apperror.Validation("requested_value must be greater than zero")
	}
	if in.OriginalValue.IsZero() && !in.RequestType.IsPriceType() {
		in.OriginalValue = in.RequestedValue
	}
	if in.RequestedValue.GreaterThan(in.OriginalValue) {
		return apperror.Validation("requested_value %s exceeds original_value %s",
			in.RequestedValue.StringFixed(2), in.OriginalValue.StringFixed(2))
	}
	if in.CostValue.Valid && in.CostValue.Decimal.IsNegative() {
		return apperror.Validation("cost_value cannot be negative")
	}
	return nil
}

// requester loads the requesting user and checks the target approver
func (s *approvalService) requester(ctx context.Context, requesterID uuid.UUID, target *uuid.UUID) (*model.User, error) {
	requester, err := s.Users.GetByID(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	if !requester.IsActive {
		return nil, apperror.Authorization("user %s is inactive", requester.Username)
	}
	if target == nil {
		return requester, nil
	}
	if *target == requesterID {
		return nil, apperror.Validation("cannot target yourself as approver")
	}
	approver, err := s.Users.GetByID(ctx, *target)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil, apperror.Validation("target approver %s does not exist", *target)
		}
		return nil, err
	}
	if !approver.IsActive {
		return nil, apperror.Validation("target approver %s is inactive", approver.Username)
	}
	return requester, nil
}

func (s *approvalService) evaluate(ctx context.Context, requesterID uuid.UUID, in CreateApprovalRequest, now time.Time) (*Decision, error) {
	return s.Policy.EvaluateAction(ctx, Action{
		Type:           in.RequestType,
		OriginalValue:  in.OriginalValue,
		RequestedValue: in.RequestedValue,
		CostValue:      in.CostValue,
		Context: EvalContext{
			Channel:    in.Channel,
			CategoryID: in.CategoryID,
			ProductID:  in.ProductID,
			CustomerID: in.CustomerID,
			UserID:     &requesterID,
			At:         now,
		},
	})
}

func (s *approvalService) build(requesterID uuid.UUID, in CreateApprovalRequest, d *Decision, now time.Time) *model.ApprovalRequest {
	req := &model.ApprovalRequest{
		ID:               uuid.New(),
		ReferenceCode:    s.refCode(),
		RequestType:      in.RequestType,
		Channel:          in.Channel,
		ProductID:        in.ProductID,
		CategoryID:       in.CategoryID,
		CustomerID:       in.CustomerID,
		LineItemID:       in.LineItemID,
		RequesterID:      requesterID,
		TargetApproverID: in.TargetApproverID,
		OriginalValue:    in.OriginalValue,
		RequestedValue:   in.RequestedValue,
		CostValue:        in.CostValue,
		EvaluatedValue:   d.Value,
		Status:           model.StatusPending,
		RequiredTier:     d.RequiredTier,
		Reason:           in.Reason,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if d.Rule != nil {
		req.ThresholdRuleID = &d.Rule.ID
		req.ThresholdRule = d.Rule
	}
	if !d.RequiresApproval {
		var zero int64
		req.Status = model.StatusApproved
		req.AutoApproved = true
		req.ApprovedValue = decimal.NewNullDecimal(in.RequestedValue)
		req.VerificationMethod = model.MethodAuto
		req.RespondedAt = &now
		req.ResponseTimeMs = &zero
		if d.ExceptionApplied {
			req.ExceptionID = &d.Exception.ID
		} else {
			req.RequiredTier = model.MinApprovalTier
		}
	}
	return req
}

// grantToken attaches a fresh token to a request about to be stored approved
func (s *approvalService) grantToken(req *model.ApprovalRequest, now time.Time) (string, error) {
	token, expiresAt, err := s.Tokens.Issue(now)
	if err != nil {
		return "", err
	}
	req.Token = &token
	req.TokenExpiresAt = &expiresAt
	return token, nil
}

func createdEntry(req *model.ApprovalRequest, d *Decision, requester *model.User, now time.Time) *model.AuditEntry {
	outcome := model.OutcomeCreated
	switch {
	case d != nil && d.ExceptionApplied:
		outcome = model.OutcomeExceptionApplied
	case req.AutoApproved:
		outcome = model.OutcomeAutoApproved
	}
	entry := withActor(auditFor(req, outcome), requester.ID, requester.Tier(), "", nil)
	entry.Reason = req.Reason
	entry.CreatedAt = now
	if d != nil {
		entry.Details = jsonColumn(map[string]interface{}{
			"reference_code":  req.ReferenceCode,
			"evaluated_type":  d.RuleType,
			"evaluated_value": d.Value,
			"message":         d.Message,
		})
	}
	return entry
}

func createdPayload(req *model.ApprovalRequest, requester *model.User) map[string]interface{} {
	return map[string]interface{}{
		"reference_code":  req.ReferenceCode,
		"request_type":    req.RequestType,
		"product_id":      req.ProductID,
		"requester_id":    req.RequesterID,
		"requester":       requester.Name(),
		"required_tier":   req.RequiredTier.String(),
		"original_value":  req.OriginalValue,
		"requested_value": req.RequestedValue,
		"reason":          req.Reason,
	}
}

// approverRecipients is the target approver, or everyone currently able to act
func (s *approvalService) approverRecipients(ctx context.Context, req *model.ApprovalRequest) []uuid.UUID {
	if req.TargetApproverID != nil {
		return []uuid.UUID{*req.TargetApproverID}
	}
	eligible, err := s.Delegations.ListEligibleApprovers(ctx, req.RequiredTier)
	if err != nil {
		s.Log.Warn().Err(err).Str("request_id", req.ID.String()).Msg("failed to resolve approvers for notification")
		return nil
	}
	out := make([]uuid.UUID, 0, len(eligible))
	for _, a := range eligible {
		if a.UserID != req.RequesterID {
			out = append(out, a.UserID)
		}
	}
	if len(out) == 0 {
		// nobody qualifies; a broadcast would reach cashiers too
		return []uuid.UUID{uuid.Nil}
	}
	return out
}

// effectiveTier is the caller's direct tier or the best delegation in effect
func (s *approvalService) effectiveTier(ctx context.Context, userID uuid.UUID) (model.Tier, error) {
	user, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return model.TierNone, err
	}
	tier := user.Tier()
	active, err := s.Delegations.ListActive(ctx, userID, false)
	if err != nil {
		return model.TierNone, err
	}
	for _, d := range active {
		if d.DelegateID == userID && d.MaxTier > tier {
			tier = d.MaxTier
		}
	}
	return tier, nil
}

func (s *approvalService) respond(ctx context.Context, req *model.ApprovalRequest, callerID uuid.UUID) (*ApprovalResponse, error) {
	resp := &ApprovalResponse{ApprovalRequest: *req}
	if req.Requester != nil {
		resp.RequesterName = req.Requester.Name()
	}
	if req.Approver != nil {
		resp.ApproverName = req.Approver.Name()
	}
	if req.Token != nil && callerID == req.RequesterID && !req.TokenUsed {
		resp.Token = *req.Token
	}

	offers, err := s.Counters.ListByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	resp.CounterOffers = offers
	if req.IsBatch() {
		if resp.Children, err = s.Approvals.ListChildren(ctx, req.ID); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// load reads a request with the rule it was matched against
func (s *approvalService) load(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	req, err := s.Approvals.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.ThresholdRuleID != nil {
		rule, err := s.Rules.FindByID(ctx, *req.ThresholdRuleID)
		if err != nil && apperror.KindOf(err) != apperror.KindNotFound {
			return nil, err
		}
		req.ThresholdRule = rule
	}
	return req, nil
}

// reload returns the committed state; a freshly minted token goes to the requester only
func (s *approvalService) reload(ctx context.Context, id, callerID uuid.UUID, token string) (*ApprovalResponse, error) {
	req, err := s.Approvals.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, err
	}
	resp, err := s.respond(ctx, req, callerID)
	if err != nil {
		return nil, err
	}
	if token != "" && callerID == req.RequesterID {
		resp.Token = token
	}
	return resp, nil
}
