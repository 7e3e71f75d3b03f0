package service

import (
	"context"
	"strings"
	"time"

	"posapproval/internal/events"
	"posapproval/internal/model"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var openStatuses = []model.RequestStatus{model.StatusPending, model.StatusCountered}

// actor is whoever a verified decision is attributed to
type actor struct {
	user         *model.User
	verification *Verification
}

func (a actor) audit(entry *model.AuditEntry) *model.AuditEntry {
	v := a.verification
	return withActor(entry, v.UserID, v.Authority.Tier, v.Method, v.Authority.DelegationID)
}

func (a actor) updates(now time.Time) map[string]interface{} {
	v := a.verification
	return map[string]interface{}{
		"approver_id":         v.UserID,
		"approver_tier":       v.Authority.Tier,
		"verification_method": v.Method,
		"delegation_id":       v.Authority.DelegationID,
		"updated_at":          now,
	}
}

func (s *approvalService) Approve(ctx context.Context, id, callerID uuid.UUID, in DecisionRequest) (*ApprovalResponse, error) {
	now := s.now().UTC()
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureTopLevel(req); err != nil {
		return nil, err
	}
	if err := s.ensureOpen(ctx, req, now, model.StatusPending); err != nil {
		return nil, err
	}
	who, err := s.verifyActor(ctx, req, callerID, in, now)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.Tokens.Issue(now)
	if err != nil {
		return nil, err
	}
	elapsed := now.Sub(req.CreatedAt).Milliseconds()
	updates := who.updates(now)
	updates["status"] = model.StatusApproved
	updates["approved_value"] = decimal.NewNullDecimal(req.RequestedValue)
	updates["token"] = token
	updates["token_expires_at"] = expiresAt
	updates["responded_at"] = now
	updates["response_time_ms"] = elapsed

	err = s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.Approvals.Transition(txCtx, req.ID, []model.RequestStatus{model.StatusPending}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return s.lostTransition(txCtx, req.ID)
		}
		if req.IsBatch() {
			if err := s.approveChildren(txCtx, req.ID, who, now); err != nil {
				return err
			}
		}
		entry := who.audit(withAfter(auditFor(req, model.OutcomeApproved), req.RequestedValue))
		entry.ResponseTimeMs = &elapsed
		entry.CreatedAt = now
		return s.Audit.Record(txCtx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.resolved(model.OutcomeApproved, req, who, elapsed)
	kind := events.TypeApproved
	if req.IsBatch() {
		kind = events.TypeBatchApproved
	}
	s.Publisher.Publish(events.Event{
		Type:       kind,
		RequestID:  &req.ID,
		Recipients: []uuid.UUID{req.RequesterID},
		Payload: map[string]interface{}{
			"reference_code": req.ReferenceCode,
			"approved_value": req.RequestedValue,
			"approver":       who.user.Name(),
			"method":         who.verification.Method,
			"token":          token,
			"delegated":      who.verification.Authority.Delegated,
		},
		At: now,
	})
	return s.reload(ctx, req.ID, callerID, token)
}

func (s *approvalService) Deny(ctx context.Context, id, callerID uuid.UUID, in DenyRequest) (*ApprovalResponse, error) {
	now := s.now().UTC()
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureTopLevel(req); err != nil {
		return nil, err
	}
	in.ReasonCode = strings.TrimSpace(in.ReasonCode)
	if in.ReasonCode == "" {
		required, err := s.requiresReason(ctx, req)
		if err != nil {
			return nil, err
		}
		if required {
			return nil, apperror.Validation("reason_code is required to deny this request")
		}
	}
	if err := s.ensureOpen(ctx, req, now, model.StatusPending); err != nil {
		return nil, err
	}
	who, err := s.verifyActor(ctx, req, callerID, in.DecisionRequest, now)
	if err != nil {
		return nil, err
	}

	elapsed := now.Sub(req.CreatedAt).Milliseconds()
	updates := who.updates(now)
	updates["status"] = model.StatusDenied
	updates["denial_code"] = in.ReasonCode
	updates["denial_note"] = in.ReasonNote
	updates["responded_at"] = now
	updates["response_time_ms"] = elapsed

	err = s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.Approvals.Transition(txCtx, req.ID, []model.RequestStatus{model.StatusPending}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return s.lostTransition(txCtx, req.ID)
		}
		if req.IsBatch() {
			if _, err := s.Approvals.TransitionChildren(txCtx, req.ID, []model.RequestStatus{model.StatusPending}, updates); err != nil {
				return err
			}
		}
		entry := who.audit(auditFor(req, model.OutcomeDenied))
		entry.ReasonCode = in.ReasonCode
		entry.Reason = in.ReasonNote
		entry.ResponseTimeMs = &elapsed
		entry.CreatedAt = now
		return s.Audit.Record(txCtx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.resolved(model.OutcomeDenied, req, who, elapsed)
	kind := events.TypeDenied
	if req.IsBatch() {
		kind = events.TypeBatchDenied
	}
	s.Publisher.Publish(events.Event{
		Type:       kind,
		RequestID:  &req.ID,
		Recipients: []uuid.UUID{req.RequesterID},
		Payload: map[string]interface{}{
			"reference_code": req.ReferenceCode,
			"reason_code":    in.ReasonCode,
			"reason_note":    in.ReasonNote,
			"approver":       who.user.Name(),
		},
		At: now,
	})
	return s.reload(ctx, req.ID, callerID, "")
}

// Counter proposes another price; the approver needs authority over the request as submitted
func (s *approvalService) Counter(ctx context.Context, id, callerID uuid.UUID, in CounterRequest) (*ApprovalResponse, error) {
	now := s.now().UTC()
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureTopLevel(req); err != nil {
		return nil, err
	}
	if req.IsBatch() {
		return nil, apperror.Validation("batch requests cannot be countered")
	}
	if !in.Price.IsPositive() || in.Price.GreaterThan(req.OriginalValue) {
		return nil, apperror.Validation("counter price must be greater than zero and at most %s", req.OriginalValue.StringFixed(2))
	}
	if in.Price.Equal(req.RequestedValue) {
		return nil, apperror.Validation("counter price equals the requested value; approve instead")
	}
	count, err := s.Counters.CountByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if int(count) >= s.limits.MaxCounterOffers {
		return nil, apperror.Validation("counter-offer limit of %d reached", s.limits.MaxCounterOffers)
	}
	if err := s.ensureOpen(ctx, req, now, model.StatusPending); err != nil {
		return nil, err
	}
	who, err := s.verifyActor(ctx, req, callerID, in.DecisionRequest, now)
	if err != nil {
		return nil, err
	}

	offer := &model.CounterOffer{
		RequestID: req.ID,
		Price:     in.Price,
		Status:    model.CounterPending,
		CreatedBy: who.verification.UserID,
		Note:      in.Note,
		CreatedAt: now,
	}
	updates := who.updates(now)
	updates["status"] = model.StatusCountered

	err = s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.Approvals.Transition(txCtx, req.ID, []model.RequestStatus{model.StatusPending}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return s.lostTransition(txCtx, req.ID)
		}
		if err := s.Counters.Create(txCtx, offer); err != nil {
			return err
		}
		entry := who.audit(withAfter(auditFor(req, model.OutcomeCountered), in.Price))
		entry.Reason = in.Note
		entry.CreatedAt = now
		entry.Details = jsonColumn(map[string]interface{}{"counter_offer_id": offer.ID.String()})
		return s.Audit.Record(txCtx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.ResolutionsTotal.WithLabelValues(string(model.OutcomeCountered)).Inc()
	s.Log.Info().Str("request_id", req.ID.String()).Str("actor_id", who.verification.UserID.String()).
		Str("price", in.Price.String()).Msg("counter-offer made")
	s.Publisher.Publish(events.Event{
		Type:       events.TypeCountered,
		RequestID:  &req.ID,
		Recipients: []uuid.UUID{req.RequesterID},
		Payload: map[string]interface{}{
			"reference_code":   req.ReferenceCode,
			"counter_offer_id": offer.ID,
			"price":            in.Price,
			"approver":         who.user.Name(),
			"note":             in.Note,
		},
		At: now,
	})
	return s.reload(ctx, req.ID, callerID, "")
}

// AcceptCounter approves the request at the counter price
func (s *approvalService) AcceptCounter(ctx context.Context, id, counterID, callerID uuid.UUID) (*ApprovalResponse, error) {
	now := s.now().UTC()
	req, offer, err := s.actionableCounter(ctx, id, counterID, callerID, now)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.Tokens.Issue(now)
	if err != nil {
		return nil, err
	}
	elapsed := now.Sub(req.CreatedAt).Milliseconds()
	updates := map[string]interface{}{
		"status":           model.StatusApproved,
		"approved_value":   decimal.NewNullDecimal(offer.Price),
		"token":            token,
		"token_expires_at": expiresAt,
		"responded_at":     now,
		"response_time_ms": elapsed,
		"updated_at":       now,
	}

	err = s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.Counters.Resolve(txCtx, offer.ID, model.CounterAccepted, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.Conflict("counter-offer is no longer pending")
		}
		ok, err = s.Approvals.Transition(txCtx, req.ID, []model.RequestStatus{model.StatusCountered}, updates)
		if err != nil {
			return err
		}
		if !ok {
			return s.lostTransition(txCtx, req.ID)
		}
		entry := withAfter(auditFor(req, model.OutcomeCounterAccepted), offer.Price)
		entry.ActorID = &callerID
		entry.ResponseTimeMs = &elapsed
		entry.CreatedAt = now
		entry.Details = jsonColumn(map[string]interface{}{
			"counter_offer_id": offer.ID.String(),
			"approver_id":      offer.CreatedBy.String(),
		})
		return s.Audit.Record(txCtx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.ResolutionsTotal.WithLabelValues(string(model.OutcomeCounterAccepted)).Inc()
	s.Metrics.ResponseSeconds.WithLabelValues(string(model.OutcomeCounterAccepted)).Observe(float64(elapsed) / 1000)
	s.Log.Info().Str("request_id", req.ID.String()).Str("price", offer.Price.String()).Msg("counter-offer accepted")
	s.Publisher.Publish(events.Event{
		Type:       events.TypeCounterAccepted,
		RequestID:  &req.ID,
		Recipients: []uuid.UUID{offer.CreatedBy},
		Payload: map[string]interface{}{
			"reference_code":   req.ReferenceCode,
			"counter_offer_id": offer.ID,
			"approved_value":   offer.Price,
		},
		At: now,
	})
	return s.reload(ctx, req.ID, callerID, token)
}

// DeclineCounter returns the request to pending
func (s *approvalService) DeclineCounter(ctx context.Context, id, counterID, callerID uuid.UUID) (*ApprovalResponse, error) {
	now := s.now().UTC()
	req, offer, err := s.actionableCounter(ctx, id, counterID, callerID, now)
	if err != nil {
		return nil, err
	}

	err = s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.Counters.Resolve(txCtx, offer.ID, model.CounterDeclined, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.Conflict("counter-offer is no longer pending")
		}
		ok, err = s.Approvals.Transition(txCtx, req.ID, []model.RequestStatus{model.StatusCountered},
			map[string]interface{}{"status": model.StatusPending, "updated_at": now})
		if err != nil {
			return err
		}
		if !ok {
			return s.lostTransition(txCtx, req.ID)
		}
		entry := withAfter(auditFor(req, model.OutcomeCounterDeclined), offer.Price)
		entry.ActorID = &callerID
		entry.CreatedAt = now
		entry.Details = jsonColumn(map[string]interface{}{"counter_offer_id": offer.ID.String()})
		return s.Audit.Record(txCtx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.ResolutionsTotal.WithLabelValues(string(model.OutcomeCounterDeclined)).Inc()
	s.Log.Info().Str("request_id", req.ID.String()).Msg("counter-offer declined")
	s.Publisher.Publish(events.Event{
		Type:       events.TypeCounterDeclined,
		RequestID:  &req.ID,
		Recipients: []uuid.UUID{offer.CreatedBy},
		Payload: map[string]interface{}{
			"reference_code":   req.ReferenceCode,
			"counter_offer_id": offer.ID,
		},
		At: now,
	})
	return s.reload(ctx, req.ID, callerID, "")
}

// Cancel is open to the requester while the request is pending or countered
func (s *approvalService) Cancel(ctx context.Context, id, callerID uuid.UUID) (*ApprovalResponse, error) {
	now := s.now().UTC()
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.ensureTopLevel(req); err != nil {
		return nil, err
	}
	if req.RequesterID != callerID {
		return nil, apperror.Authorization("only the requester can cancel this request")
	}
	if req.Status.Terminal() {
		return nil, apperror.Conflict("request already %s", req.Status)
	}

	updates := map[string]interface{}{"status": model.StatusCancelled, "responded_at": now, "updated_at": now}
	err = s.TxManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.Approvals.Transition(txCtx, req.ID, openStatuses, updates)
		if err != nil {
			return err
		}
		if !ok {
			current, err := s.Approvals.FindByID(txCtx, req.ID)
			if err != nil {
				return err
			}
			return apperror.Conflict("request already %s", current.Status)
		}
		if req.IsBatch() {
			if _, err := s.Approvals.TransitionChildren(txCtx, req.ID, openStatuses, updates); err != nil {
				return err
			}
		}
		if err := declineOpenCounter(txCtx, s.Counters, req.ID, now); err != nil {
			return err
		}
		entry := auditFor(req, model.OutcomeCancelled)
		entry.ActorID = &callerID
		entry.CreatedAt = now
		return s.Audit.Record(txCtx, entry)
	})
	if err != nil {
		return nil, err
	}

	s.Metrics.ResolutionsTotal.WithLabelValues(string(model.OutcomeCancelled)).Inc()
	s.Log.Info().Str("request_id", req.ID.String()).Msg("approval request cancelled")
	s.Publisher.Publish(events.Event{
		Type:       events.TypeCancelled,
		RequestID:  &req.ID,
		Recipients: s.notifiedApprovers(ctx, req),
		Payload:    map[string]interface{}{"reference_code": req.ReferenceCode},
		At:         now,
	})
	return s.reload(ctx, req.ID, callerID, "")
}

// --- decision helpers ---

func (s *approvalService) ensureTopLevel(req *model.ApprovalRequest) error {
	if req.ParentID != nil {
		return apperror.Validation("line items of a batch are resolved through batch %s", *req.ParentID)
	}
	return nil
}

// ensureOpen rejects terminal requests and closes ones whose time ran out
func (s *approvalService) ensureOpen(ctx context.Context, req *model.ApprovalRequest, now time.Time, allowed model.RequestStatus) error {
	if req.Status.Terminal() {
		return terminalError(req.Status)
	}
	timeout, err := s.closer.timeoutOf(ctx, req, s.ruleByID)
	if err != nil {
		return err
	}
	if to, stale := s.closer.staleStatus(req, timeout, now); stale {
		won, err := s.closer.close(ctx, req, to, now)
		if err != nil {
			return err
		}
		if !won {
			return s.lostTransition(ctx, req.ID)
		}
		return terminalError(to)
	}
	if req.Status != allowed {
		return apperror.Conflict("request is %s", req.Status)
	}
	return nil
}

// ruleByID treats a deleted rule as absent
func (s *approvalService) ruleByID(ctx context.Context, id uuid.UUID) (*model.ThresholdRule, error) {
	rule, err := s.Rules.FindByID(ctx, id)
	if apperror.KindOf(err) == apperror.KindNotFound {
		return nil, nil
	}
	return rule, err
}

func terminalError(status model.RequestStatus) error {
	switch status {
	case model.StatusTimedOut:
		return apperror.Expired("request timed out")
	case model.StatusExpired:
		return apperror.Expired("request expired")
	default:
		return apperror.Conflict("request already %s", status)
	}
}

// lostTransition explains a conditional write that matched no row
func (s *approvalService) lostTransition(ctx context.Context, id uuid.UUID) error {
	current, err := s.Approvals.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return terminalError(current.Status)
	}
	return apperror.Conflict("request is %s", current.Status)
}

// verifyActor establishes who is deciding and at what authority. Rejections
// on a real open request are audited.
func (s *approvalService) verifyActor(ctx context.Context, req *model.ApprovalRequest, callerID uuid.UUID, in DecisionRequest, now time.Time) (actor, error) {
	vin := VerifyInput{
		Method:       in.Method,
		PIN:          in.PIN,
		TOTPCode:     in.TOTPCode,
		UserID:       in.ApproverID,
		DelegationID: in.DelegationID,
		RequiredTier: req.RequiredTier,
	}
	if in.Method == model.MethodSession {
		vin.UserID = &callerID
	}

	if vin.UserID != nil {
		if err := checkActor(req, *vin.UserID); err != nil {
			s.recordUnauthorized(ctx, req, vin.UserID, in.Method, err, now)
			return actor{}, err
		}
	}
	v, err := s.Credentials.Verify(ctx, vin)
	if err != nil {
		switch apperror.KindOf(err) {
		case apperror.KindAuthorization, apperror.KindExpired, apperror.KindRateLimit:
			s.recordUnauthorized(ctx, req, vin.UserID, in.Method, err, now)
		}
		return actor{}, err
	}
	if vin.UserID == nil {
		if err := checkActor(req, v.UserID); err != nil {
			s.recordUnauthorized(ctx, req, &v.UserID, in.Method, err, now)
			return actor{}, err
		}
	}

	user, err := s.Users.GetByID(ctx, v.UserID)
	if err != nil {
		return actor{}, err
	}
	return actor{user: user, verification: v}, nil
}

func checkActor(req *model.ApprovalRequest, actorID uuid.UUID) error {
	if actorID == req.RequesterID {
		return apperror.Authorization("requesters cannot resolve their own request")
	}
	if req.TargetApproverID != nil && *req.TargetApproverID != actorID {
		return apperror.Authorization("request is assigned to another approver")
	}
	return nil
}

func (s *approvalService) recordUnauthorized(ctx context.Context, req *model.ApprovalRequest, actorID *uuid.UUID, method string, cause error, now time.Time) {
	entry := auditFor(req, model.OutcomeUnauthorized)
	entry.ActorID = actorID
	entry.Method = method
	entry.Reason = cause.Error()
	entry.CreatedAt = now
	if details := apperror.DetailsOf(cause); len(details) > 0 {
		entry.Details = jsonColumn(details)
	}
	if err := s.Audit.Record(ctx, entry); err != nil {
		s.Log.Error().Err(err).Str("request_id", req.ID.String()).Msg("failed to audit unauthorized attempt")
	}
	s.Metrics.ResolutionsTotal.WithLabelValues(string(model.OutcomeUnauthorized)).Inc()
	s.Log.Warn().Str("request_id", req.ID.String()).Str("method", method).Str("reason", cause.Error()).Msg("unauthorized decision attempt")
}

// requiresReason checks the matched rule, or every child rule of a batch
func (s *approvalService) requiresReason(ctx context.Context, req *model.ApprovalRequest) (bool, error) {
	if !req.IsBatch() {
		return req.ThresholdRule != nil && req.ThresholdRule.RequireReason, nil
	}
	children, err := s.Approvals.ListChildren(ctx, req.ID)
	if err != nil {
		return false, err
	}
	seen := make(map[uuid.UUID]bool)
	for _, child := range children {
		if child.Status != model.StatusPending || child.ThresholdRuleID == nil || seen[*child.ThresholdRuleID] {
			continue
		}
		seen[*child.ThresholdRuleID] = true
		rule, err := s.Rules.FindByID(ctx, *child.ThresholdRuleID)
		if err != nil {
			if apperror.KindOf(err) == apperror.KindNotFound {
				continue
			}
			return false, err
		}
		if rule.RequireReason {
			return true, nil
		}
	}
	return false, nil
}

// actionableCounter checks the requester is acting on the newest pending offer
func (s *approvalService) actionableCounter(ctx context.Context, id, counterID, callerID uuid.UUID, now time.Time) (*model.ApprovalRequest, *model.CounterOffer, error) {
	req, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if req.RequesterID != callerID {
		return nil, nil, apperror.Authorization("only the requester can respond to a counter-offer")
	}
	offer, err := s.Counters.FindByID(ctx, counterID)
	if err != nil {
		return nil, nil, err
	}
	if offer.RequestID != req.ID {
		return nil, nil, apperror.NotFound("counter offer", counterID)
	}
	if err := s.ensureOpen(ctx, req, now, model.StatusCountered); err != nil {
		return nil, nil, err
	}
	if offer.Status != model.CounterPending {
		return nil, nil, apperror.Conflict("counter-offer already %s", offer.Status)
	}
	latest, err := s.Counters.LatestPending(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	if latest.ID != offer.ID {
		return nil, nil, apperror.Conflict("only the most recent counter-offer can be acted on")
	}
	return req, offer, nil
}

// notifiedApprovers is who should hear that a request went away
func (s *approvalService) notifiedApprovers(ctx context.Context, req *model.ApprovalRequest) []uuid.UUID {
	if req.ApproverID != nil {
		return []uuid.UUID{*req.ApproverID}
	}
	return s.approverRecipients(ctx, req)
}

func (s *approvalService) resolved(outcome model.AuditOutcome, req *model.ApprovalRequest, who actor, elapsedMs int64) {
	s.Metrics.ResolutionsTotal.WithLabelValues(string(outcome)).Inc()
	s.Metrics.ResponseSeconds.WithLabelValues(string(outcome)).Observe(float64(elapsedMs) / 1000)
	s.Log.Info().Str("request_id", req.ID.String()).Str("status", string(outcome)).
		Str("actor_id", who.verification.UserID.String()).Str("method", who.verification.Method).
		Bool("delegated", who.verification.Authority.Delegated).Int64("response_ms", elapsedMs).Msg("approval request resolved")
}
