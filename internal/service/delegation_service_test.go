package service

import (
	"testing"
	"time"

	"posapproval/internal/events"
	"posapproval/internal/model"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) grant(from, to *model.User, tier model.Tier, d time.Duration) *model.Delegation {
	f.t.Helper()
	del, err := f.delegations.Grant(f.ctx, from.ID, GrantDelegationRequest{
		DelegateID: to.ID,
		MaxTier:    tier,
		ExpiresAt:  f.clock.Now().Add(d),
		Reason:     "lunch cover",
	})
	require.NoError(f.t, err)
	return del
}

func TestDelegateApprovesAboveOwnTier(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	manager := f.approver(model.RoleManager, "morgan", "4321")
	lead := f.approver(model.RoleShiftLead, "sam", "1111")

	req := f.priceOverride(cashier.ID, "85")
	require.Equal(t, model.TierManager, req.RequiredTier)

	_, err := f.approvals.Approve(f.ctx, req.ID, lead.ID, pinDecision("1111"))
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))

	del := f.grant(manager, lead, model.TierManager, 4*time.Hour)
	granted := f.bus.ofType(events.TypeDelegationGranted)
	require.Len(t, granted, 1)
	assert.Equal(t, []uuid.UUID{lead.ID}, granted[0].Recipients)

	resp, err := f.approvals.Approve(f.ctx, req.ID, lead.ID, pinDecision("1111"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, resp.Status)
	require.NotNil(t, resp.ApproverID)
	assert.Equal(t, lead.ID, *resp.ApproverID)
	require.NotNil(t, resp.DelegationID)
	assert.Equal(t, del.ID, *resp.DelegationID)

	outcomes := f.auditOutcomes(req.ID)
	assert.Contains(t, outcomes, model.OutcomeApproved)
}

func TestExplicitDelegationCapsAuthority(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	area := f.user(model.RoleAreaManager, "avery")
	manager := f.approver(model.RoleManager, "morgan", "4321")

	del := f.grant(area, manager, model.TierShiftLead, time.Hour)
	req := f.priceOverride(cashier.ID, "85")

	in := pinDecision("4321")
	in.ApproverID = &manager.ID
	in.DelegationID = &del.ID
	_, err := f.approvals.Approve(f.ctx, req.ID, manager.ID, in)
	require.Error(t, err)
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))
	assert.Equal(t, "manager", apperror.DetailsOf(err)["required_tier"])

	// acting on their own authority works
	in.DelegationID = nil
	resp, err := f.approvals.Approve(f.ctx, req.ID, manager.ID, in)
	require.NoError(t, err)
	assert.Nil(t, resp.DelegationID)
}

func TestResolveRejectsSomeoneElsesDelegation(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	lead := f.user(model.RoleShiftLead, "sam")
	other := f.user(model.RoleShiftLead, "sky")

	del := f.grant(manager, lead, model.TierManager, time.Hour)

	_, err := f.delegations.Resolve(f.ctx, other.ID, other.Tier(), &del.ID, model.TierShiftLead)
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))

	missing := uuid.New()
	_, err = f.delegations.Resolve(f.ctx, lead.ID, lead.Tier(), &missing, model.TierShiftLead)
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))

	auth, err := f.delegations.Resolve(f.ctx, lead.ID, lead.Tier(), &del.ID, model.TierManager)
	require.NoError(t, err)
	assert.True(t, auth.Delegated)
	assert.Equal(t, manager.ID, *auth.DelegatorID)
}

func TestRevokeDelegation(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	lead := f.user(model.RoleShiftLead, "sam")
	del := f.grant(manager, lead, model.TierManager, time.Hour)

	ok, err := f.delegations.IsAuthorized(f.ctx, lead.ID, model.TierManager)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.delegations.Revoke(f.ctx, del.ID, lead.ID)
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))

	revoked, err := f.delegations.Revoke(f.ctx, del.ID, manager.ID)
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)
	assert.NotNil(t, revoked.RevokedAt)

	_, err = f.delegations.Revoke(f.ctx, del.ID, manager.ID)
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))

	ok, err = f.delegations.IsAuthorized(f.ctx, lead.ID, model.TierManager)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, f.bus.ofType(events.TypeDelegationRevoked), 1)
}

func TestDelegationLapsesAtExpiry(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	lead := f.user(model.RoleShiftLead, "sam")
	f.grant(manager, lead, model.TierManager, time.Hour)

	f.clock.Advance(time.Hour)
	ok, err := f.delegations.IsAuthorized(f.ctx, lead.ID, model.TierManager)
	require.NoError(t, err)
	assert.False(t, ok)

	// own authority is untouched
	ok, err = f.delegations.IsAuthorized(f.ctx, lead.ID, model.TierShiftLead)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFutureDelegationIsNotYetInEffect(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	lead := f.user(model.RoleShiftLead, "sam")
	starts := f.clock.Now().Add(time.Hour)

	_, err := f.delegations.Grant(f.ctx, manager.ID, GrantDelegationRequest{
		DelegateID: lead.ID,
		MaxTier:    model.TierManager,
		StartsAt:   &starts,
		ExpiresAt:  starts.Add(time.Hour),
	})
	require.NoError(t, err)

	ok, err := f.delegations.IsAuthorized(f.ctx, lead.ID, model.TierManager)
	require.NoError(t, err)
	assert.False(t, ok)

	f.clock.Advance(90 * time.Minute)
	ok, err = f.delegations.IsAuthorized(f.ctx, lead.ID, model.TierManager)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGrantValidation(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	lead := f.user(model.RoleShiftLead, "sam")
	cashier := f.user(model.RoleCashier, "casey")
	later := f.clock.Now().Add(time.Hour)

	tests := []struct {
		name string
		from uuid.UUID
		req  GrantDelegationRequest
		kind apperror.Kind
	}{
		{"self", manager.ID, GrantDelegationRequest{DelegateID: manager.ID, MaxTier: model.TierShiftLead, ExpiresAt: later}, apperror.KindValidation},
		{"tier out of range", manager.ID, GrantDelegationRequest{DelegateID: lead.ID, MaxTier: model.Tier(9), ExpiresAt: later}, apperror.KindValidation},
		{"already expired", manager.ID, GrantDelegationRequest{DelegateID: lead.ID, MaxTier: model.TierShiftLead, ExpiresAt: f.clock.Now().Add(-time.Minute)}, apperror.KindValidation},
		{"above own tier", lead.ID, GrantDelegationRequest{DelegateID: cashier.ID, MaxTier: model.TierManager, ExpiresAt: later}, apperror.KindAuthorization},
		{"unknown delegate", manager.ID, GrantDelegationRequest{DelegateID: uuid.New(), MaxTier: model.TierShiftLead, ExpiresAt: later}, apperror.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.delegations.Grant(f.ctx, tt.from, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperror.KindOf(err))
		})
	}
}

func TestRegrantReplacesActivePair(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	lead := f.user(model.RoleShiftLead, "sam")

	first := f.grant(manager, lead, model.TierShiftLead, time.Hour)
	second := f.grant(manager, lead, model.TierManager, 2*time.Hour)

	active, err := f.delegations.ListActive(f.ctx, lead.ID, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
	assert.NotEqual(t, first.ID, active[0].ID)
}

func TestListEligibleApproversIncludesDelegates(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	admin := f.user(model.RoleAdmin, "alex")
	lead := f.user(model.RoleShiftLead, "sam")
	f.user(model.RoleShiftLead, "sky")
	f.grant(manager, lead, model.TierManager, time.Hour)

	list, err := f.delegations.ListEligibleApprovers(f.ctx, model.TierManager)
	require.NoError(t, err)

	byID := make(map[uuid.UUID]EligibleApprover, len(list))
	for _, a := range list {
		byID[a.UserID] = a
	}
	assert.Len(t, list, 3)
	assert.False(t, byID[manager.ID].Delegated)
	assert.False(t, byID[admin.ID].Delegated)

	delegate, ok := byID[lead.ID]
	require.True(t, ok)
	assert.True(t, delegate.Delegated)
	assert.Equal(t, model.TierManager, delegate.Tier)
	assert.Equal(t, manager.Name(), delegate.DelegatorName)
}

func TestEligibleDelegatesHaveLessAuthority(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	f.user(model.RoleManager, "max")
	f.user(model.RoleAdmin, "alex")
	lead := f.user(model.RoleShiftLead, "sam")
	cashier := f.user(model.RoleCashier, "casey")

	list, err := f.delegations.EligibleDelegates(f.ctx, manager.ID)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(list))
	for _, d := range list {
		ids = append(ids, d.UserID)
	}
	assert.ElementsMatch(t, []uuid.UUID{lead.ID, cashier.ID}, ids)

	_, err = f.delegations.EligibleDelegates(f.ctx, cashier.ID)
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))
}
