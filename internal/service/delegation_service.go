package service

import (
	"context"
	"errors"
	"time"

	"posapproval/internal/events"
	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type GrantDelegationRequest struct {
	DelegateID uuid.UUID  `json:"delegate_id" binding:"required"`
	MaxTier    model.Tier `json:"max_tier" binding:"required"`
	StartsAt   *time.Time `json:"starts_at"`
	ExpiresAt  time.Time  `json:"expires_at" binding:"required"`
	Reason     string     `json:"reason"`
}

// Authority is the level an actor acts at for one decision
type Authority struct {
	Tier         model.Tier `json:"tier"`
	Delegated    bool       `json:"delegated"`
	DelegationID *uuid.UUID `json:"delegation_id,omitempty"`
	DelegatorID  *uuid.UUID `json:"delegator_id,omitempty"`
}

// EligibleApprover answers "who can approve this"
type EligibleApprover struct {
	UserID        uuid.UUID  `json:"user_id"`
	Name          string     `json:"name"`
	Role          string     `json:"role"`
	Tier          model.Tier `json:"tier"`
	Delegated     bool       `json:"delegated"`
	DelegatorID   *uuid.UUID `json:"delegator_id,omitempty"`
	DelegatorName string     `json:"delegator_name,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Online        bool       `json:"online"`
}

type EligibleDelegate struct {
	UserID uuid.UUID  `json:"user_id"`
	Name   string     `json:"name"`
	Role   string     `json:"role"`
	Tier   model.Tier `json:"tier"`
}

// Presence reports live sessions; the websocket hub implements it
type Presence interface {
	IsOnline(userID uuid.UUID) bool
}

type DelegationRegistry interface {
	Grant(ctx context.Context, delegatorID uuid.UUID, req GrantDelegationRequest) (*model.Delegation, error)
	Revoke(ctx context.Context, id, actorID uuid.UUID) (*model.Delegation, error)
	IsAuthorized(ctx context.Context, actorID uuid.UUID, required model.Tier) (bool, error)
	Resolve(ctx context.Context, actorID uuid.UUID, direct model.Tier, delegationID *uuid.UUID, required model.Tier) (*Authority, error)
	ListEligibleApprovers(ctx context.Context, required model.Tier) ([]EligibleApprover, error)
	ListActive(ctx context.Context, callerID uuid.UUID, all bool) ([]model.Delegation, error)
	EligibleDelegates(ctx context.Context, delegatorID uuid.UUID) ([]EligibleDelegate, error)
}

type delegationRegistry struct {
	repo      repository.DelegationRepository
	users     repository.UserRepository
	audit     AuditService
	txManager repository.TransactionManager
	publisher events.Publisher
	presence  Presence
	log       zerolog.Logger
	now       func() time.Time
}

func NewDelegationRegistry(
	repo repository.DelegationRepository,
	users repository.UserRepository,
	audit AuditService,
	txManager repository.TransactionManager,
	publisher events.Publisher,
	presence Presence,
	log zerolog.Logger,
) DelegationRegistry {
	return &delegationRegistry{
		repo:      repo,
		users:     users,
		audit:     audit,
		txManager: txManager,
		publisher: publisher,
		presence:  presence,
		log:       log.With().Str("component", "delegation").Logger(),
		now:       time.Now,
	}
}

// Grant replaces any active delegation for the same pair
func (s *delegationRegistry) Grant(ctx context.Context, delegatorID uuid.UUID, req GrantDelegationRequest) (*model.Delegation, error) {
	now := s.now().UTC()
	if req.DelegateID == delegatorID {
		return nil, apperror.Validation("cannot delegate to yourself")
	}
	if !req.MaxTier.Valid() {
		return nil, apperror.Validation("max_tier %d is out of range", int(req.MaxTier))
	}
	startsAt := now
	if req.StartsAt != nil {
		startsAt = req.StartsAt.UTC()
	}
	expiresAt := req.ExpiresAt.UTC()
	if !expiresAt.After(startsAt) {
		return nil, apperror.Validation("expires_at must be after starts_at")
	}
	if !expiresAt.After(now) {
		return nil, apperror.Validation("expires_at is already in the past")
	}

	delegator, err := s.users.GetByID(ctx, delegatorID)
	if err != nil {
		return nil, err
	}
	if !delegator.Tier().Covers(req.MaxTier) {
		return nil, apperror.Authorization("cannot delegate %s authority while holding %s", req.MaxTier, delegator.Tier()).
			WithDetail("required_tier", req.MaxTier.String())
	}
	delegate, err := s.users.GetByID(ctx, req.DelegateID)
	if err != nil {
		return nil, err
	}
	if !delegate.IsActive {
		return nil, apperror.Validation("delegate %s is inactive", delegate.Username)
	}

	d := &model.Delegation{
		DelegatorID: delegatorID,
		DelegateID:  req.DelegateID,
		MaxTier:     req.MaxTier,
		StartsAt:    startsAt,
		ExpiresAt:   expiresAt,
		IsActive:    true,
		Reason:      req.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := s.repo.RevokeActivePair(txCtx, delegatorID, req.DelegateID, now); err != nil {
			return err
		}
		if err := s.repo.Create(txCtx, d); err != nil {
			return err
		}
		entry := &model.AuditEntry{
			Outcome:      model.OutcomeDelegationGranted,
			RequiredTier: req.MaxTier,
			DelegationID: &d.ID,
			Reason:       req.Reason,
			Details: jsonColumn(map[string]interface{}{
				"delegate_id": req.DelegateID.String(),
				"starts_at":   startsAt,
				"expires_at":  expiresAt,
			}),
		}
		return s.audit.Record(txCtx, withActor(entry, delegatorID, delegator.Tier(), "", &d.ID))
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("delegation_id", d.ID.String()).Str("delegator_id", delegatorID.String()).
		Str("delegate_id", req.DelegateID.String()).Str("max_tier", req.MaxTier.String()).Msg("delegation granted")
	s.publisher.Publish(events.Event{
		Type:       events.TypeDelegationGranted,
		Recipients: []uuid.UUID{req.DelegateID},
		Payload: map[string]interface{}{
			"delegation_id": d.ID.String(),
			"delegator":     delegator.Name(),
			"max_tier":      req.MaxTier.String(),
			"starts_at":     startsAt,
			"expires_at":    expiresAt,
		},
		At: now,
	})

	d.Delegator = delegator
	d.Delegate = delegate
	return d, nil
}

// Revoke is only open to the delegator; the row is kept
func (s *delegationRegistry) Revoke(ctx context.Context, id, actorID uuid.UUID) (*model.Delegation, error) {
	now := s.now().UTC()
	d, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.DelegatorID != actorID {
		return nil, apperror.Authorization("only the delegator may revoke this delegation")
	}

	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.repo.Revoke(txCtx, id, now)
		if err != nil {
			return err
		}
		if !ok {
			return apperror.Conflict("delegation is already revoked")
		}
		entry := &model.AuditEntry{
			Outcome:      model.OutcomeDelegationRevoked,
			RequiredTier: d.MaxTier,
			Details:      jsonColumn(map[string]interface{}{"delegate_id": d.DelegateID.String()}),
		}
		actorTier := model.TierNone
		if d.Delegator != nil {
			actorTier = d.Delegator.Tier()
		}
		return s.audit.Record(txCtx, withActor(entry, actorID, actorTier, "", &d.ID))
	})
	if err != nil {
		return nil, err
	}

	d.IsActive = false
	d.RevokedAt = &now
	s.log.Info().Str("delegation_id", id.String()).Msg("delegation revoked")
	s.publisher.Publish(events.Event{
		Type:       events.TypeDelegationRevoked,
		Recipients: []uuid.UUID{d.DelegateID},
		Payload: map[string]interface{}{
			"delegation_id": d.ID.String(),
			"max_tier":      d.MaxTier.String(),
		},
		At: now,
	})
	return d, nil
}

// IsAuthorized checks the actor's role authority, then active delegations
func (s *delegationRegistry) IsAuthorized(ctx context.Context, actorID uuid.UUID, required model.Tier) (bool, error) {
	user, err := s.users.GetByID(ctx, actorID)
	if err != nil {
		return false, err
	}
	_, err = s.Resolve(ctx, actorID, user.Tier(), nil, required)
	if err == nil {
		return true, nil
	}
	if apperror.KindOf(err) == apperror.KindAuthorization {
		return false, nil
	}
	return false, err
}

// Resolve decides the authority an actor acts at. With an explicit delegation
// the actor is capped at its max tier whatever their own level; without one,
// direct authority is tried first and then any delegation in effect.
func (s *delegationRegistry) Resolve(ctx context.Context, actorID uuid.UUID, direct model.Tier, delegationID *uuid.UUID, required model.Tier) (*Authority, error) {
	now := s.now().UTC()

	if delegationID != nil {
		d, err := s.repo.FindByID(ctx, *delegationID)
		if err != nil {
			var appErr *apperror.Error
			if errors.As(err, &appErr) && appErr.Kind == apperror.KindNotFound {
				return nil, apperror.Authorization("delegation %s does not exist", *delegationID)
			}
			return nil, err
		}
		if d.DelegateID != actorID {
			return nil, apperror.Authorization("delegation was not granted to this user")
		}
		if !d.EffectiveAt(now) {
			return nil, apperror.Authorization("delegation is not in effect")
		}
		if !d.MaxTier.Covers(required) {
			return nil, apperror.Authorization("delegation is capped at %s, %s required", d.MaxTier, required).
				WithDetail("required_tier", required.String())
		}
		return &Authority{Tier: d.MaxTier, Delegated: true, DelegationID: &d.ID, DelegatorID: &d.DelegatorID}, nil
	}

	if direct.Covers(required) {
		return &Authority{Tier: direct}, nil
	}

	active, err := s.repo.ListActiveForDelegate(ctx, actorID, now)
	if err != nil {
		return nil, err
	}
	for _, d := range active {
		if d.MaxTier.Covers(required) {
			id, from := d.ID, d.DelegatorID
			return &Authority{Tier: d.MaxTier, Delegated: true, DelegationID: &id, DelegatorID: &from}, nil
		}
	}
	return nil, apperror.Authorization("%s approval required", required).
		WithDetail("required_tier", required.String())
}

// ListEligibleApprovers merges direct holders and current delegates; a user
// qualifying both ways is listed once, as direct
func (s *delegationRegistry) ListEligibleApprovers(ctx context.Context, required model.Tier) ([]EligibleApprover, error) {
	if !required.Valid() {
		required = model.MinApprovalTier
	}
	var roles []string
	for _, role := range []string{model.RoleShiftLead, model.RoleManager, model.RoleAreaManager, model.RoleAdmin} {
		if model.TierForRole(role).Covers(required) {
			roles = append(roles, role)
		}
	}

	direct, err := s.users.ListByRoles(ctx, roles)
	if err != nil {
		return nil, err
	}
	out := make([]EligibleApprover, 0, len(direct))
	seen := make(map[uuid.UUID]bool, len(direct))
	for _, u := range direct {
		seen[u.ID] = true
		out = append(out, EligibleApprover{
			UserID: u.ID,
			Name:   u.Name(),
			Role:   u.Role,
			Tier:   u.Tier(),
			Online: s.online(u.ID),
		})
	}

	active, err := s.repo.ListActive(ctx, s.now().UTC())
	if err != nil {
		return nil, err
	}
	for _, d := range active {
		if seen[d.DelegateID] || !d.MaxTier.Covers(required) || d.Delegate == nil || !d.Delegate.IsActive {
			continue
		}
		seen[d.DelegateID] = true
		from := d.DelegatorID
		expires := d.ExpiresAt
		entry := EligibleApprover{
			UserID:      d.DelegateID,
			Name:        d.Delegate.Name(),
			Role:        d.Delegate.Role,
			Tier:        d.MaxTier,
			Delegated:   true,
			DelegatorID: &from,
			ExpiresAt:   &expires,
			Online:      s.online(d.DelegateID),
		}
		if d.Delegator != nil {
			entry.DelegatorName = d.Delegator.Name()
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *delegationRegistry) online(id uuid.UUID) bool {
	return s.presence != nil && s.presence.IsOnline(id)
}

// ListActive returns delegations in effect that involve the caller, or all of them
func (s *delegationRegistry) ListActive(ctx context.Context, callerID uuid.UUID, all bool) ([]model.Delegation, error) {
	active, err := s.repo.ListActive(ctx, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if all {
		return active, nil
	}
	out := make([]model.Delegation, 0, len(active))
	for _, d := range active {
		if d.DelegatorID == callerID || d.DelegateID == callerID {
			out = append(out, d)
		}
	}
	return out, nil
}

// EligibleDelegates lists active users with less direct authority than the delegator
func (s *delegationRegistry) EligibleDelegates(ctx context.Context, delegatorID uuid.UUID) ([]EligibleDelegate, error) {
	delegator, err := s.users.GetByID(ctx, delegatorID)
	if err != nil {
		return nil, err
	}
	if !delegator.Tier().Valid() {
		return nil, apperror.Authorization("no approval authority to delegate")
	}

	users, err := s.users.ListByRoles(ctx, []string{model.RoleCashier, model.RoleShiftLead, model.RoleManager, model.RoleAreaManager, model.RoleAdmin})
	if err != nil {
		return nil, err
	}
	out := make([]EligibleDelegate, 0, len(users))
	for _, u := range users {
		if u.ID == delegatorID || u.Tier() >= delegator.Tier() {
			continue
		}
		out = append(out, EligibleDelegate{UserID: u.ID, Name: u.Name(), Role: u.Role, Tier: u.Tier()})
	}
	return out, nil
}
