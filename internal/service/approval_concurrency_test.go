package service

import (
	"sync"
	"testing"
	"time"

	"posapproval/internal/model"
	"posapproval/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// race runs every fn at once and returns their errors in order
func race(fns ...func() error) []error {
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn func() error) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i, fn)
	}
	close(start)
	wg.Wait()
	return errs
}

func countOutcome(outcomes []model.AuditOutcome, want model.AuditOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o == want {
			n++
		}
	}
	return n
}

func TestConcurrentApprovalsResolveOnce(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	manager := f.approver(model.RoleManager, "morgan", "4321")
	created := f.priceOverride(cashier.ID, "85")

	approve := func() error {
		_, err := f.approvals.Approve(f.ctx, created.ID, manager.ID, pinDecision("4321"))
		return err
	}
	errs := race(approve, approve)

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperror.KindOf(err) == apperror.KindConflict:
			conflicted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, 1, countOutcome(f.auditOutcomes(created.ID), model.OutcomeApproved))

	status, err := f.approvals.Status(f.ctx, created.ID, cashier.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, status.Status)
}

func TestSweepRacingLateApproval(t *testing.T) {
	f := newFixture(t)
	f.seed()
	cashier := f.user(model.RoleCashier, "casey")
	manager := f.approver(model.RoleManager, "morgan", "4321")
	created := f.priceOverride(cashier.ID, "85")
	f.clock.Advance(301 * time.Second)

	var swept SweepResult
	errs := race(
		func() error {
			_, err := f.approvals.Approve(f.ctx, created.ID, manager.ID, pinDecision("4321"))
			return err
		},
		func() error {
			var err error
			swept, err = f.sweeper.Sweep(f.ctx)
			return err
		},
	)

	assert.Equal(t, apperror.KindExpired, apperror.KindOf(errs[0]))
	require.NoError(t, errs[1])
	assert.LessOrEqual(t, swept.TimedOut, 1)

	status, err := f.approvals.Status(f.ctx, created.ID, cashier.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, status.Status)

	outcomes := f.auditOutcomes(created.ID)
	assert.Equal(t, 1, countOutcome(outcomes, model.OutcomeTimedOut))
	assert.Zero(t, countOutcome(outcomes, model.OutcomeApproved))
}

func TestConcurrentWrongPINsLockOnce(t *testing.T) {
	f := newFixture(t)
	manager := f.approver(model.RoleManager, "morgan", "4321")

	attempt := func() error {
		_, err := f.credentials.Verify(f.ctx, VerifyInput{
			Method:       model.MethodPIN,
			PIN:          "0000",
			UserID:       &manager.ID,
			RequiredTier: model.TierManager,
		})
		return err
	}
	errs := race(attempt, attempt, attempt, attempt, attempt, attempt)

	var rejected, lockedNow, refused int
	for _, err := range errs {
		require.Error(t, err)
		details := apperror.DetailsOf(err)
		switch apperror.KindOf(err) {
		case apperror.KindAuthorization:
			if _, ok := details["locked_until"]; ok {
				lockedNow++
			} else {
				rejected++
			}
		case apperror.KindExpired:
			refused++
			assert.Contains(t, details, "locked_until")
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 2, rejected)
	assert.Equal(t, 1, lockedNow)
	assert.Equal(t, 3, refused)

	cred, err := f.credentials.repo.FindByUserID(f.ctx, manager.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cred.FailedAttempts)
	require.NotNil(t, cred.LockedUntil)
	assert.True(t, cred.LockedUntil.Equal(f.clock.Now().Add(15*time.Minute)))
}
