package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"posapproval/internal/metrics"
	"posapproval/internal/model"
	"posapproval/internal/repository"
	"posapproval/pkg/apperror"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var pinPattern = regexp.MustCompile(`^[0-9]{4,8}$`)

type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}

// VerifyInput identifies who is authorizing and how. UserID scopes a PIN to
// one credential and is required for totp and session.
type VerifyInput struct {
	Method       string
	PIN          string
	TOTPCode     string
	UserID       *uuid.UUID
	DelegationID *uuid.UUID
	RequiredTier model.Tier
}

// Verification is a successful authorization
type Verification struct {
	UserID         uuid.UUID `json:"user_id"`
	CredentialID   uuid.UUID `json:"credential_id"`
	Method         string    `json:"method"`
	Authority      Authority `json:"authority"`
	RemainingQuota *int      `json:"remaining_quota,omitempty"`
}

type SetCredentialRequest struct {
	PIN        string     `json:"pin" binding:"required"`
	Tier       model.Tier `json:"tier"`
	ExpiresAt  *time.Time `json:"expires_at"`
	DailyLimit *int       `json:"daily_limit"`
	EnableTOTP bool       `json:"enable_totp"`
}

type CredentialResponse struct {
	Credential *model.Credential `json:"credential"`
	TOTPURL    string            `json:"totp_url,omitempty"`
}

type CredentialVerifier interface {
	Verify(ctx context.Context, in VerifyInput) (*Verification, error)
	SetCredential(ctx context.Context, userID uuid.UUID, req SetCredentialRequest) (*CredentialResponse, error)
	Unlock(ctx context.Context, userID uuid.UUID) error
}

type credentialVerifier struct {
	repo      repository.CredentialRepository
	users     repository.UserRepository
	authority DelegationRegistry
	policy    LockoutPolicy
	issuer    string
	metrics   *metrics.ApprovalMetrics
	log       zerolog.Logger
	now       func() time.Time
}

func NewCredentialVerifier(
	repo repository.CredentialRepository,
	users repository.UserRepository,
	authority DelegationRegistry,
	policy LockoutPolicy,
	issuer string,
	m *metrics.ApprovalMetrics,
	log zerolog.Logger,
) CredentialVerifier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.Duration <= 0 {
		policy.Duration = 15 * time.Minute
	}
	return &credentialVerifier{
		repo:      repo,
		users:     users,
		authority: authority,
		policy:    policy,
		issuer:    issuer,
		metrics:   m,
		log:       log.With().Str("component", "credential").Logger(),
		now:       time.Now,
	}
}

func (s *credentialVerifier) Verify(ctx context.Context, in VerifyInput) (*Verification, error) {
	v, err := s.verify(ctx, in)
	result := "success"
	if err != nil {
		result = apperror.KindOf(err).String()
	}
	s.metrics.VerificationsTotal.WithLabelValues(in.Method, result).Inc()
	return v, err
}

func (s *credentialVerifier) verify(ctx context.Context, in VerifyInput) (*Verification, error) {
	now := s.now().UTC()

	switch in.Method {
	case model.MethodPIN:
		if in.PIN == "" {
			return nil, apperror.Validation("pin is required")
		}
		if in.UserID == nil {
			return s.verifyAnyPIN(ctx, in, now)
		}
	case model.MethodTOTP:
		if in.UserID == nil || in.TOTPCode == "" {
			return nil, apperror.Validation("user_id and totp code are required")
		}
	case model.MethodSession:
		if in.UserID == nil {
			return nil, apperror.Validation("session verification needs the authenticated user")
		}
	default:
		return nil, apperror.Validation("unknown verification method %q", in.Method)
	}

	cred, err := s.repo.FindByUserID(ctx, *in.UserID)
	if err != nil {
		if apperror.KindOf(err) == apperror.KindNotFound {
			return nil, apperror.Authorization("no override credential for this user")
		}
		return nil, err
	}
	if err := s.usable(cred, now); err != nil {
		return nil, err
	}

	switch in.Method {
	case model.MethodPIN:
		if bcrypt.CompareHashAndPassword([]byte(cred.PINHash), []byte(in.PIN)) != nil {
			return nil, s.recordFailure(ctx, cred, now, "invalid PIN")
		}
	case model.MethodTOTP:
		if cred.TOTPSecret == "" {
			return nil, apperror.Validation("totp is not enrolled for this user")
		}
		ok, err := totp.ValidateCustom(in.TOTPCode, cred.TOTPSecret, now, totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil || !ok {
			return nil, s.recordFailure(ctx, cred, now, "invalid TOTP code")
		}
	}

	return s.authorize(ctx, cred, in, now)
}

// verifyAnyPIN tries every usable credential; an untargeted miss counts
// against no credential
func (s *credentialVerifier) verifyAnyPIN(ctx context.Context, in VerifyInput, now time.Time) (*Verification, error) {
	creds, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for i := range creds {
		cred := &creds[i]
		if cred.LockedAt(now) || cred.ExpiredAt(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(cred.PINHash), []byte(in.PIN)) == nil {
			return s.authorize(ctx, cred, in, now)
		}
	}
	return nil, apperror.Authorization("invalid PIN")
}

func (s *credentialVerifier) usable(cred *model.Credential, now time.Time) error {
	if !cred.IsActive {
		return apperror.Authorization("credential is inactive")
	}
	if cred.ExpiredAt(now) {
		return apperror.Authorization("credential has expired")
	}
	if cred.LockedAt(now) {
		return apperror.Expired("credential is locked").
			WithDetail("locked_until", cred.LockedUntil.UTC()).
			WithDetail("remaining_attempts", 0)
	}
	return nil
}

// recordFailure counts a wrong secret. Exactly one failure locks the
// credential; attempts racing past the lock report the lock instead.
func (s *credentialVerifier) recordFailure(ctx context.Context, cred *model.Credential, now time.Time, msg string) error {
	updated, counted, err := s.repo.RecordFailure(ctx, cred.ID, now, s.policy.MaxAttempts, s.policy.Duration)
	if err != nil {
		return err
	}
	if !counted {
		return s.usable(updated, now)
	}
	remaining := s.policy.MaxAttempts - updated.FailedAttempts
	if remaining > 0 {
		return apperror.Authorization("%s", msg).WithDetail("remaining_attempts", remaining)
	}

	until := updated.LockedUntil.UTC()
	s.log.Warn().Str("user_id", cred.UserID.String()).Int("failed_attempts", updated.FailedAttempts).Time("locked_until", until).Msg("credential locked")
	return apperror.Authorization("%s", msg).
		WithDetail("remaining_attempts", 0).
		WithDetail("locked_until", until)
}

// authorize runs after the secret matched. Insufficient authority leaves the
// counters untouched; the quota check and the counter reset are one write.
func (s *credentialVerifier) authorize(ctx context.Context, cred *model.Credential, in VerifyInput, now time.Time) (*Verification, error) {
	auth, err := s.authority.Resolve(ctx, cred.UserID, cred.Tier, in.DelegationID, in.RequiredTier)
	if err != nil {
		return nil, err
	}

	day := now.Format("2006-01-02")
	ok, err := s.repo.RecordSuccess(ctx, cred.ID, now, day)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperror.RateLimit("daily override quota exhausted").WithDetail("remaining_quota", 0)
	}

	v := &Verification{
		UserID:       cred.UserID,
		CredentialID: cred.ID,
		Method:       in.Method,
		Authority:    *auth,
	}
	if cred.DailyLimit != nil {
		remaining := *cred.DailyLimit - (cred.UsageOn(day) + 1)
		if remaining < 0 {
			remaining = 0
		}
		v.RemainingQuota = &remaining
	}
	return v, nil
}

// SetCredential creates or rotates the user's credential. The tier can never
// exceed what the user's role carries.
func (s *credentialVerifier) SetCredential(ctx context.Context, userID uuid.UUID, req SetCredentialRequest) (*CredentialResponse, error) {
	if !pinPattern.MatchString(req.PIN) {
		return nil, apperror.Validation("pin must be 4 to 8 digits")
	}
	if req.DailyLimit != nil && *req.DailyLimit < 1 {
		return nil, apperror.Validation("daily_limit must be at least 1")
	}
	if req.Tier < model.TierNone || req.Tier > model.MaxApprovalTier {
		return nil, apperror.Validation("tier %d is out of range", int(req.Tier))
	}
	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperror.Validation("expires_at must be in the future")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if req.Tier == model.TierNone {
		req.Tier = user.Tier()
	}
	if req.Tier > user.Tier() {
		return nil, apperror.Validation("credential tier %s exceeds the %s role", req.Tier, user.Role)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.PIN), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash pin: %w", err)
	}

	cred := &model.Credential{
		UserID:     userID,
		PINHash:    string(hash),
		Tier:       req.Tier,
		IsActive:   true,
		ExpiresAt:  req.ExpiresAt,
		DailyLimit: req.DailyLimit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	resp := &CredentialResponse{Credential: cred}
	if req.EnableTOTP {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      s.issuer,
			AccountName: user.Email,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate totp secret: %w", err)
		}
		cred.TOTPSecret = key.Secret()
		resp.TOTPURL = key.URL()
	}

	if err := s.repo.Upsert(ctx, cred); err != nil {
		return nil, apperror.Internal(err, "failed to store credential")
	}
	s.log.Info().Str("user_id", userID.String()).Str("tier", req.Tier.String()).Bool("totp", req.EnableTOTP).Msg("credential set")
	return resp, nil
}

func (s *credentialVerifier) Unlock(ctx context.Context, userID uuid.UUID) error {
	cred, err := s.repo.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.repo.Unlock(ctx, cred.ID); err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID.String()).Msg("credential unlocked")
	return nil
}
