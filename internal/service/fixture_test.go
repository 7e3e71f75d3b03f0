package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"posapproval/internal/database"
	"posapproval/internal/events"
	"posapproval/internal/metrics"
	"posapproval/internal/model"
	"posapproval/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const rulesSeedPath = "../../configs/rules.yaml"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *recordingPublisher) ofType(t events.Type) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	db    *gorm.DB
	clock *fakeClock
	bus   *recordingPublisher

	users       repository.UserRepository
	approvalDB  repository.ApprovalRepository
	auditDB     repository.AuditRepository
	audit       AuditService
	rules       *ruleService
	policy      *policyEvaluator
	delegations *delegationRegistry
	credentials *credentialVerifier
	tokens      *tokenIssuer
	approvals   *approvalService
	sweeper     *TimeoutSweeper
}

func newTestDB(t *testing.T, now func() time.Time) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "approval.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:  gormlogger.Discard,
		NowFunc: now,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	db := newTestDB(t, clock.Now)
	log := zerolog.Nop()
	m := metrics.NewNop()
	bus := &recordingPublisher{}

	txManager := repository.NewTransactionManager(db)
	userRepo := repository.NewUserRepository(db)
	ruleRepo := repository.NewRuleRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	exceptionRepo := repository.NewExceptionRepository(db)

	audit := NewAuditService(auditRepo)
	cache := NewRuleCache(ruleRepo, time.Minute)
	cache.now = clock.Now
	policy := NewPolicyEvaluator(cache, exceptionRepo).(*policyEvaluator)
	policy.now = clock.Now

	delegations := NewDelegationRegistry(repository.NewDelegationRepository(db), userRepo, audit, txManager, bus, nil, log).(*delegationRegistry)
	delegations.now = clock.Now

	credentials := NewCredentialVerifier(repository.NewCredentialRepository(db), userRepo, delegations,
		LockoutPolicy{MaxAttempts: 3, Duration: 15 * time.Minute}, "posapproval-test", m, log).(*credentialVerifier)
	credentials.now = clock.Now

	tokens := NewTokenIssuer(approvalRepo, audit, txManager, 10*time.Minute, m, log).(*tokenIssuer)
	tokens.now = clock.Now

	deps := ApprovalDeps{
		Approvals:   approvalRepo,
		Counters:    repository.NewCounterOfferRepository(db),
		Rules:       ruleRepo,
		Users:       userRepo,
		TxManager:   txManager,
		Policy:      policy,
		Credentials: credentials,
		Delegations: delegations,
		Tokens:      tokens,
		Audit:       audit,
		Publisher:   bus,
		Metrics:     m,
		Log:         log,
	}
	svc, err := NewApprovalService(deps, ApprovalLimits{RequestMaxAge: time.Hour, MaxCounterOffers: 5, MaxBatchSize: 10})
	require.NoError(t, err)
	approvals := svc.(*approvalService)
	approvals.now = clock.Now

	sweeper := NewTimeoutSweeper(deps, time.Hour, time.Minute)
	sweeper.now = clock.Now

	rules := NewRuleService(ruleRepo, txManager, policy, log).(*ruleService)
	rules.now = clock.Now

	return &fixture{
		t:           t,
		ctx:         context.Background(),
		db:          db,
		clock:       clock,
		bus:         bus,
		users:       userRepo,
		approvalDB:  approvalRepo,
		auditDB:     auditRepo,
		audit:       audit,
		rules:       rules,
		policy:      policy,
		delegations: delegations,
		credentials: credentials,
		tokens:      tokens,
		approvals:   approvals,
		sweeper:     sweeper,
	}
}

// seed loads the shipped rule set
func (f *fixture) seed() {
	f.t.Helper()
	n, err := f.rules.Seed(f.ctx, rulesSeedPath)
	require.NoError(f.t, err)
	require.Equal(f.t, 9, n)
}

func (f *fixture) user(role, name string) *model.User {
	f.t.Helper()
	u := &model.User{
		Username:    name,
		Email:       name + "@store.test",
		DisplayName: name,
		Password:    "unused",
		Role:        role,
		IsActive:    true,
	}
	require.NoError(f.t, f.users.Create(f.ctx, u))
	return u
}

// approver creates a user with a PIN credential at the role's tier
func (f *fixture) approver(role, name, pin string) *model.User {
	f.t.Helper()
	u := f.user(role, name)
	_, err := f.credentials.SetCredential(f.ctx, u.ID, SetCredentialRequest{PIN: pin})
	require.NoError(f.t, err)
	return u
}

func (f *fixture) priceOverride(requesterID uuid.UUID, requested string) *ApprovalResponse {
	f.t.Helper()
	resp, err := f.approvals.Create(f.ctx, requesterID, CreateApprovalRequest{
		RequestType:    model.OverrideDiscountPercent,
		ProductID:      strPtr("SKU-100"),
		LineItemID:     strPtr("line-1"),
		OriginalValue:  decimal.NewFromInt(100),
		RequestedValue: decimal.RequireFromString(requested),
		CostValue:      decimal.NewNullDecimal(decimal.NewFromInt(60)),
		Reason:         "price match",
	})
	require.NoError(f.t, err)
	return resp
}

func (f *fixture) auditOutcomes(requestID uuid.UUID) []model.AuditOutcome {
	f.t.Helper()
	entries, _, err := f.audit.List(f.ctx, repository.AuditFilter{RequestID: &requestID, Page: 1, Limit: 100})
	require.NoError(f.t, err)
	out := make([]model.AuditOutcome, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Outcome)
	}
	return out
}

func pinDecision(pin string) DecisionRequest {
	return DecisionRequest{Method: model.MethodPIN, PIN: pin}
}

func strPtr(s string) *string { return &s }
