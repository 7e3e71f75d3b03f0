package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "posapproval/api/swagger" // swagger docs
	"posapproval/internal/config"
	"posapproval/internal/database"
	"posapproval/internal/events"
	"posapproval/internal/handler"
	"posapproval/internal/metrics"
	"posapproval/internal/middleware"
	"posapproval/internal/repository"
	"posapproval/internal/service"
	"posapproval/internal/websocket"
	"posapproval/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// @title           POS Override Approval API
// @version         1.0
// @description     Delegated approval and override authorization for point-of-sale terminals.
// @host            localhost:8080
// @BasePath        /api
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	gin.SetMode(cfg.HTTP.GinMode)

	db, err := database.NewConnection(cfg.Database.DSN, database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLife,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	log.Info().Msg("connected to PostgreSQL")

	switch {
	case cfg.Database.MigrationsPath != "":
		if err := database.RunMigrations(db, cfg.Database.MigrationsPath); err != nil {
			log.Fatal().Err(err).Msg("migrations failed")
		}
		log.Info().Str("path", cfg.Database.MigrationsPath).Msg("migrations applied")
	case cfg.Database.AutoMigrate:
		if err := database.AutoMigrate(db); err != nil {
			log.Fatal().Err(err).Msg("auto-migrate failed")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	secret := []byte(cfg.Auth.JWTSecret)

	// Notification path: bus -> dispatcher -> websocket hub (+ kafka)
	hub := websocket.NewHub(secret, websocket.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		AllowedOrigins: cfg.HTTP.CORSOrigins,
	}, log, m)
	go hub.Run(ctx)

	bus := events.NewBus(cfg.Events.QueueSize, log, m.EventsDroppedTotal.Inc)
	sinks := []events.Sink{hub}
	if cfg.Kafka.Enabled {
		kafkaSink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka event sink enabled")
	}
	dispatcher := events.NewDispatcher(bus, log, sinks...)
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	// Set up dependencies (Repository -> Service -> Handler)
	txManager := repository.NewTransactionManager(db)
	userRepo := repository.NewUserRepository(db)
	ruleRepo := repository.NewRuleRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	exceptionRepo := repository.NewExceptionRepository(db)

	auditService := service.NewAuditService(repository.NewAuditRepository(db))
	ruleCache := service.NewRuleCache(ruleRepo, cfg.Rules.CacheTTL)
	policy := service.NewPolicyEvaluator(ruleCache, exceptionRepo)
	delegations := service.NewDelegationRegistry(repository.NewDelegationRepository(db), userRepo, auditService, txManager, bus, hub, log)
	credentials := service.NewCredentialVerifier(
		repository.NewCredentialRepository(db),
		userRepo,
		delegations,
		service.LockoutPolicy{MaxAttempts: cfg.Lockout.MaxAttempts, Duration: cfg.Lockout.Duration},
		cfg.Auth.Issuer,
		m,
		log,
	)
	tokens := service.NewTokenIssuer(approvalRepo, auditService, txManager, cfg.Approval.TokenTTL, m, log)

	deps := service.ApprovalDeps{
		Approvals:   approvalRepo,
		Counters:    repository.NewCounterOfferRepository(db),
		Rules:       ruleRepo,
		Users:       userRepo,
		TxManager:   txManager,
		Policy:      policy,
		Credentials: credentials,
		Delegations: delegations,
		Tokens:      tokens,
		Audit:       auditService,
		Publisher:   bus,
		Metrics:     m,
		Log:         log,
	}
	approvals, err := service.NewApprovalService(deps, service.ApprovalLimits{
		RequestMaxAge:    cfg.Approval.RequestMaxAge,
		MaxCounterOffers: cfg.Approval.MaxCounterOffers,
		MaxBatchSize:     cfg.Approval.MaxBatchSize,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build approval service")
	}

	rules := service.NewRuleService(ruleRepo, txManager, policy, log)
	if cfg.Rules.SeedPath != "" {
		if _, err := rules.Seed(ctx, cfg.Rules.SeedPath); err != nil {
			log.Fatal().Err(err).Msg("failed to seed threshold rules")
		}
	}

	if cfg.Sweeper.Enabled {
		sweeper := service.NewTimeoutSweeper(deps, cfg.Approval.RequestMaxAge, cfg.Sweeper.Interval)
		go sweeper.Start(ctx)
	}

	userService := service.NewUserService(userRepo, service.AuthSettings{
		Secret:   secret,
		Issuer:   cfg.Auth.Issuer,
		TokenTTL: cfg.Auth.TokenTTL,
	}, log)

	// Initialize Handlers
	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:   secret,
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Gatherer:    prometheus.DefaultGatherer,
		WebSocket:   hub.ServeWs,
		Health: func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		Log: log,
	}, handler.Handlers{
		Users:       handler.NewUserHandler(userService, credentials, cfg.Auth.TokenTTL, cfg.HTTP.GinMode == gin.ReleaseMode),
		Approvals:   handler.NewApprovalHandler(approvals, tokens, middleware.NewRateLimiter(cfg.VerifyRate.PerMinute, cfg.VerifyRate.Burst)),
		Delegations: handler.NewDelegationHandler(delegations),
		Rules:       handler.NewRuleHandler(rules, service.NewExceptionService(exceptionRepo, log)),
		Audit:       handler.NewAuditHandler(auditService),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("event dispatcher did not drain in time")
	}
}
