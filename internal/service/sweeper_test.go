package service

import (
	"testing"
	"time"

	"posapproval/internal/events"
	"posapproval/internal/model"
	"posapproval/pkg/apperror"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepTimesOutPendingRequest(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	f.approver(model.RoleManager, "morgan", "4321")
	created := f.priceOverride(cashier.ID, "85")

	f.clock.Advance(299 * time.Second)
	res, err := f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(2 * time.Second)
	res, err = f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TimedOut: 1}, res)

	// a second pass finds nothing left to do
	res, err = f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	status, err := f.approvals.Status(f.ctx, created.ID, cashier.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, status.Status)

	_, err = f.approvals.Approve(f.ctx, created.ID, cashier.ID, pinDecision("4321"))
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))

	assert.Contains(t, f.auditOutcomes(created.ID), model.OutcomeTimedOut)
	timedOut := f.bus.ofType(events.TypeTimedOut)
	require.Len(t, timedOut, 1)
	assert.Contains(t, timedOut[0].Recipients, cashier.ID)
}

func TestLateDecisionClosesStaleRequest(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	manager := f.approver(model.RoleManager, "morgan", "4321")
	created := f.priceOverride(cashier.ID, "85")

	// no sweep has run; the decision itself notices the timeout
	f.clock.Advance(6 * time.Minute)
	_, err := f.approvals.Approve(f.ctx, created.ID, manager.ID, pinDecision("4321"))
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))

	status, err := f.approvals.Status(f.ctx, created.ID, cashier.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, status.Status)
	assert.Nil(t, status.ApproverID)
}

func TestCounteredRequestExpiresAtMaxAge(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	f.approver(model.RoleManager, "morgan", "4321")
	created := f.priceOverride(cashier.ID, "85")

	countered, err := f.approvals.Counter(f.ctx, created.ID, cashier.ID, CounterRequest{
		DecisionRequest: pinDecision("4321"),
		Price:           decimal.NewFromInt(90),
	})
	require.NoError(t, err)
	require.Len(t, countered.CounterOffers, 1)
	offerID := countered.CounterOffers[0].ID

	// the rule timeout stops applying once the approver has answered
	f.clock.Advance(10 * time.Minute)
	res, err := f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(50 * time.Minute)
	res, err = f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)

	status, err := f.approvals.Status(f.ctx, created.ID, cashier.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, status.Status)
	require.Len(t, status.CounterOffers, 1)
	assert.Equal(t, model.CounterDeclined, status.CounterOffers[0].Status)

	_, err = f.approvals.AcceptCounter(f.ctx, created.ID, offerID, cashier.ID)
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))
}

func TestSweepLeavesResolvedRequestsAlone(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	manager := f.approver(model.RoleManager, "morgan", "4321")

	approved := f.priceOverride(cashier.ID, "85")
	_, err := f.approvals.Approve(f.ctx, approved.ID, manager.ID, pinDecision("4321"))
	require.NoError(t, err)
	auto := f.priceOverride(cashier.ID, "95")

	f.clock.Advance(2 * time.Hour)
	res, err := f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	for _, id := range []*ApprovalResponse{approved, auto} {
		status, err := f.approvals.Status(f.ctx, id.ID, cashier.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusApproved, status.Status)
	}
}

func TestRequestWithoutRuleTimeoutExpiresAtMaxAge(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")

	// refund without receipt carries no rule timeout
	created, err := f.approvals.Create(f.ctx, cashier.ID, CreateApprovalRequest{
		RequestType:    model.OverrideRefundNoReceipt,
		RequestedValue: decimal.NewFromInt(40),
		Reason:         "gift return",
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, created.Status)

	f.clock.Advance(30 * time.Minute)
	res, err := f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(30 * time.Minute)
	res, err = f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1}, res)
	assert.Contains(t, f.auditOutcomes(created.ID), model.OutcomeExpired)
}

func voidTransaction(amount string) CreateApprovalRequest {
	return CreateApprovalRequest{
		RequestType:    model.OverrideVoidTransaction,
		RequestedValue: decimal.RequireFromString(amount),
	}
}

func TestSweepTimesOutBatchAsOneUnit(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	f.approver(model.RoleManager, "morgan", "4321")

	// the discount item times out after five minutes, the void after ten
	batch, err := f.approvals.CreateBatch(f.ctx, cashier.ID, CreateBatchRequest{
		Items:  []CreateApprovalRequest{discountItem("l1", "85"), voidTransaction("40")},
		Reason: "customer walked out",
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, batch.Status)

	f.clock.Advance(299 * time.Second)
	res, err := f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(2 * time.Second)
	res, err = f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TimedOut: 1}, res)

	status, err := f.approvals.Status(f.ctx, batch.ID, cashier.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, status.Status)

	children, err := f.approvalDB.ListChildren(f.ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, model.StatusTimedOut, child.Status, string(child.RequestType))
		assert.Nil(t, child.Token)
	}
	assert.ElementsMatch(t, []model.AuditOutcome{model.OutcomeCreated, model.OutcomeTimedOut}, f.auditOutcomes(batch.ID))

	_, err = f.approvals.ApproveBatch(f.ctx, batch.ID, cashier.ID, pinDecision("4321"))
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))
	_, err = f.tokens.ConsumeBatch(f.ctx, cashier.ID, batch.ID)
	assert.Error(t, err)

	f.clock.Advance(10 * time.Minute)
	res, err = f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestBatchTimeoutIgnoresAutoApprovedItems(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")

	// the 5% discount needs no approval, so only the void's timeout counts
	batch, err := f.approvals.CreateBatch(f.ctx, cashier.ID, CreateBatchRequest{
		Items:  []CreateApprovalRequest{discountItem("l1", "95"), voidTransaction("40")},
		Reason: "customer walked out",
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, batch.Status)

	f.clock.Advance(301 * time.Second)
	res, err := f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)

	f.clock.Advance(300 * time.Second)
	res, err = f.sweeper.Sweep(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{TimedOut: 1}, res)

	children, err := f.approvalDB.ListChildren(f.ctx, batch.ID)
	require.NoError(t, err)
	statuses := map[model.OverrideType]model.RequestStatus{}
	for _, child := range children {
		statuses[child.RequestType] = child.Status
	}
	assert.Equal(t, map[model.OverrideType]model.RequestStatus{
		model.OverrideDiscountPercent: model.StatusApproved,
		model.OverrideVoidTransaction: model.StatusTimedOut,
	}, statuses)
}

func TestLateBatchDecisionClosesStaleBatch(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	manager := f.approver(model.RoleManager, "morgan", "4321")

	batch, err := f.approvals.CreateBatch(f.ctx, cashier.ID, CreateBatchRequest{
		Items:  []CreateApprovalRequest{discountItem("l1", "85"), voidTransaction("40")},
		Reason: "customer walked out",
	})
	require.NoError(t, err)

	f.clock.Advance(301 * time.Second)
	_, err = f.approvals.ApproveBatch(f.ctx, batch.ID, manager.ID, pinDecision("4321"))
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))

	children, err := f.approvalDB.ListChildren(f.ctx, batch.ID)
	require.NoError(t, err)
	for _, child := range children {
		assert.Equal(t, model.StatusTimedOut, child.Status)
	}
}
