package service

import (
	"testing"
	"time"

	"posapproval/internal/model"
	"posapproval/pkg/apperror"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	manager := f.approver(model.RoleManager, "morgan", "4321")

	attempt := func(pin string) error {
		_, err := f.credentials.Verify(f.ctx, VerifyInput{
			Method:       model.MethodPIN,
			PIN:          pin,
			UserID:       &manager.ID,
			RequiredTier: model.TierManager,
		})
		return err
	}

	err := attempt("0000")
	require.Error(t, err)
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))
	assert.Equal(t, 2, apperror.DetailsOf(err)["remaining_attempts"])

	require.Error(t, attempt("0000"))

	err = attempt("0000")
	require.Error(t, err)
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))
	assert.Contains(t, apperror.DetailsOf(err), "locked_until")

	// the right PIN does not get through a lockout
	err = attempt("4321")
	require.Error(t, err)
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))
	assert.Contains(t, apperror.DetailsOf(err), "locked_until")

	f.clock.Advance(16 * time.Minute)
	require.NoError(t, attempt("4321"))

	cred, err := f.credentials.repo.FindByUserID(f.ctx, manager.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cred.FailedAttempts)
	assert.Nil(t, cred.LockedUntil)
}

func TestUnlockClearsLockout(t *testing.T) {
	f := newFixture(t)
	manager := f.approver(model.RoleManager, "morgan", "4321")
	in := VerifyInput{Method: model.MethodPIN, PIN: "0000", UserID: &manager.ID, RequiredTier: model.TierShiftLead}

	for i := 0; i < 3; i++ {
		_, err := f.credentials.Verify(f.ctx, in)
		require.Error(t, err)
	}
	in.PIN = "4321"
	_, err := f.credentials.Verify(f.ctx, in)
	assert.Equal(t, apperror.KindExpired, apperror.KindOf(err))

	require.NoError(t, f.credentials.Unlock(f.ctx, manager.ID))
	_, err = f.credentials.Verify(f.ctx, in)
	assert.NoError(t, err)
}

func TestUntargetedPINMissCountsAgainstNobody(t *testing.T) {
	f := newFixture(t)
	manager := f.approver(model.RoleManager, "morgan", "4321")
	lead := f.approver(model.RoleShiftLead, "sam", "1111")

	for i := 0; i < 5; i++ {
		_, err := f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodPIN, PIN: "2468", RequiredTier: model.TierShiftLead})
		assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))
	}

	for _, u := range []*model.User{manager, lead} {
		cred, err := f.credentials.repo.FindByUserID(f.ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, cred.FailedAttempts)
	}

	v, err := f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodPIN, PIN: "1111", RequiredTier: model.TierShiftLead})
	require.NoError(t, err)
	assert.Equal(t, lead.ID, v.UserID)
	assert.Equal(t, model.TierShiftLead, v.Authority.Tier)
	assert.False(t, v.Authority.Delegated)
}

func TestInsufficientAuthorityLeavesCountersAlone(t *testing.T) {
	f := newFixture(t)
	lead := f.approver(model.RoleShiftLead, "sam", "1111")

	_, err := f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodPIN, PIN: "1111", UserID: &lead.ID, RequiredTier: model.TierManager})
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))

	cred, err := f.credentials.repo.FindByUserID(f.ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cred.FailedAttempts)
	assert.Equal(t, 0, cred.DailyUsage)
}

func TestDailyQuota(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	limit := 2
	_, err := f.credentials.SetCredential(f.ctx, manager.ID, SetCredentialRequest{PIN: "4321", DailyLimit: &limit})
	require.NoError(t, err)
	in := VerifyInput{Method: model.MethodPIN, PIN: "4321", UserID: &manager.ID, RequiredTier: model.TierShiftLead}

	v, err := f.credentials.Verify(f.ctx, in)
	require.NoError(t, err)
	require.NotNil(t, v.RemainingQuota)
	assert.Equal(t, 1, *v.RemainingQuota)

	v, err = f.credentials.Verify(f.ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 0, *v.RemainingQuota)

	_, err = f.credentials.Verify(f.ctx, in)
	assert.Equal(t, apperror.KindRateLimit, apperror.KindOf(err))

	// the quota belongs to the calendar day
	f.clock.Advance(24 * time.Hour)
	_, err = f.credentials.Verify(f.ctx, in)
	assert.NoError(t, err)
}

func TestTOTPVerification(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	resp, err := f.credentials.SetCredential(f.ctx, manager.ID, SetCredentialRequest{PIN: "4321", EnableTOTP: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.TOTPURL)
	require.NotEmpty(t, resp.Credential.TOTPSecret)

	code, err := totp.GenerateCode(resp.Credential.TOTPSecret, f.clock.Now())
	require.NoError(t, err)

	v, err := f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodTOTP, TOTPCode: code, UserID: &manager.ID, RequiredTier: model.TierManager})
	require.NoError(t, err)
	assert.Equal(t, model.MethodTOTP, v.Method)

	_, err = f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodTOTP, TOTPCode: "000000", UserID: &manager.ID, RequiredTier: model.TierManager})
	if code != "000000" {
		assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))
	}

	_, err = f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodTOTP, TOTPCode: code})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}

func TestExpiredCredentialIsRejected(t *testing.T) {
	f := newFixture(t)
	manager := f.user(model.RoleManager, "morgan")
	expires := f.clock.Now().Add(time.Hour)
	_, err := f.credentials.SetCredential(f.ctx, manager.ID, SetCredentialRequest{PIN: "4321", ExpiresAt: &expires})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodPIN, PIN: "4321", UserID: &manager.ID, RequiredTier: model.TierShiftLead})
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))
}

func TestSetCredentialValidation(t *testing.T) {
	f := newFixture(t)
	lead := f.user(model.RoleShiftLead, "sam")
	cashier := f.user(model.RoleCashier, "casey")

	_, err := f.credentials.SetCredential(f.ctx, lead.ID, SetCredentialRequest{PIN: "12"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = f.credentials.SetCredential(f.ctx, lead.ID, SetCredentialRequest{PIN: "12ab"})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	_, err = f.credentials.SetCredential(f.ctx, lead.ID, SetCredentialRequest{PIN: "1234", Tier: model.TierManager})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))

	resp, err := f.credentials.SetCredential(f.ctx, lead.ID, SetCredentialRequest{PIN: "1234"})
	require.NoError(t, err)
	assert.Equal(t, model.TierShiftLead, resp.Credential.Tier)

	// cashiers hold a credential only to act on delegations
	resp, err = f.credentials.SetCredential(f.ctx, cashier.ID, SetCredentialRequest{PIN: "5555"})
	require.NoError(t, err)
	assert.Equal(t, model.TierNone, resp.Credential.Tier)

	// rotation replaces the PIN in place
	_, err = f.credentials.SetCredential(f.ctx, lead.ID, SetCredentialRequest{PIN: "4444"})
	require.NoError(t, err)
	_, err = f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodPIN, PIN: "1234", UserID: &lead.ID, RequiredTier: model.TierShiftLead})
	assert.Error(t, err)
	_, err = f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodPIN, PIN: "4444", UserID: &lead.ID, RequiredTier: model.TierShiftLead})
	assert.NoError(t, err)
}

func TestSessionVerificationNeedsACredential(t *testing.T) {
	f := newFixture(t)
	withCred := f.approver(model.RoleManager, "morgan", "4321")
	without := f.user(model.RoleManager, "max")

	v, err := f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodSession, UserID: &withCred.ID, RequiredTier: model.TierManager})
	require.NoError(t, err)
	assert.Equal(t, withCred.ID, v.UserID)

	_, err = f.credentials.Verify(f.ctx, VerifyInput{Method: model.MethodSession, UserID: &without.ID, RequiredTier: model.TierManager})
	assert.Equal(t, apperror.KindAuthorization, apperror.KindOf(err))

	_, err = f.credentials.Verify(f.ctx, VerifyInput{Method: "badge", UserID: &withCred.ID})
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
}
