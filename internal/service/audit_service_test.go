package service

import (
	"testing"
	"time"

	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyticsSummarizesDecisions(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	manager := f.approver(model.RoleManager, "morgan", "4321")
	start := f.clock.Now()

	f.priceOverride(cashier.ID, "95")

	first := f.priceOverride(cashier.ID, "85")
	f.clock.Advance(30 * time.Second)
	_, err := f.approvals.Approve(f.ctx, first.ID, cashier.ID, pinDecision("4321"))
	require.NoError(t, err)

	second := f.priceOverride(cashier.ID, "80")
	f.clock.Advance(10 * time.Second)
	_, err = f.approvals.Deny(f.ctx, second.ID, cashier.ID, DenyRequest{DecisionRequest: pinDecision("4321"), ReasonCode: "margin"})
	require.NoError(t, err)

	summary, err := f.audit.Analytics(f.ctx, start.Add(-time.Hour), f.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int64(3), summary.TotalRequests)
	assert.Equal(t, []model.TierCount{
		{Tier: model.TierShiftLead, Count: 1},
		{Tier: model.TierManager, Count: 2},
	}, summary.ByTier)
	assert.Equal(t, []model.DayCount{{Day: "2026-03-10", Count: 3}}, summary.ByDay)

	outcomes := map[model.AuditOutcome]int64{}
	for _, o := range summary.ByOutcome {
		outcomes[o.Outcome] = o.Count
	}
	assert.Equal(t, map[model.AuditOutcome]int64{
		model.OutcomeAutoApproved: 1,
		model.OutcomeCreated:      2,
		model.OutcomeApproved:     1,
		model.OutcomeDenied:       1,
	}, outcomes)

	require.Len(t, summary.ByApprover, 1)
	assert.Equal(t, manager.ID.String(), summary.ByApprover[0].ApproverID)
	assert.Equal(t, "morgan", summary.ByApprover[0].ApproverName)
	assert.Equal(t, int64(1), summary.ByApprover[0].Approved)
	assert.Equal(t, int64(1), summary.ByApprover[0].Denied)

	assert.InDelta(t, 20000, summary.AvgResponseTimeMs, 0.001)
}

func TestAnalyticsWindowIsHalfOpen(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")

	f.priceOverride(cashier.ID, "95")
	at := f.clock.Now()

	summary, err := f.audit.Analytics(f.ctx, at.Add(-time.Hour), at)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalRequests)
	assert.Zero(t, summary.AvgResponseTimeMs)

	_, err = f.audit.Analytics(f.ctx, at, at)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestAuditListFilters(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	f.approver(model.RoleManager, "morgan", "4321")

	created := f.priceOverride(cashier.ID, "85")
	_, err := f.approvals.Approve(f.ctx, created.ID, cashier.ID, pinDecision("4321"))
	require.NoError(t, err)

	entries, total, err := f.audit.List(f.ctx, repository.AuditFilter{Outcome: model.OutcomeApproved})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, entries, 1)
	assert.Equal(t, "morgan", entries[0].ActorName)
	assert.NotEmpty(t, entries[0].RuleSnapshot)

	entries, _, err = f.audit.List(f.ctx, repository.AuditFilter{ActorID: &cashier.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.OutcomeCreated, entries[0].Outcome)
	assert.Equal(t, "casey", entries[0].ActorName)
}
