package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/ruralpay/cooperative/internal/audit"
	"github.com/ruralpay/cooperative/internal/config"
	"github.com/ruralpay/cooperative/internal/database"
	"github.com/ruralpay/cooperative/internal/handlers"
	"github.com/ruralpay/cooperative/internal/logging"
	mW "github.com/ruralpay/cooperative/internal/middleware"
	"github.com/ruralpay/cooperative/internal/rabbitmq"
	"github.com/ruralpay/cooperative/internal/scheduler"
	"github.com/ruralpay/cooperative/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	logging.InitLogger(cfg.Log.Level)
	if cfg.JWT.SecretKey == "" {
		log.Fatal("JWT_SECRET_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.InitDB(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			log.WithError(err).Fatal("failed to apply schema")
		}
	}

	redisClient := database.InitRedis(ctx, cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher rabbitmq.Publisher = rabbitmq.Fallback{}
	if cfg.RabbitMQ.URL != "" {
		publisher = rabbitmq.NewLazyProducer(cfg.RabbitMQ.URL)
	} else {
		log.Warn("RABBITMQ_URL not set, guarantor consent requests stay queued")
	}
	defer publisher.Close()

	sink := audit.NewLogger()

	rate, feeMin, feeMax, err := cfg.Ledger.FeePolicy()
	if err != nil {
		log.WithError(err).Fatal("invalid fee policy")
	}
	ledger := services.NewLedgerService(db, services.FeePolicy{Rate: rate, Min: feeMin, Max: feeMax}, sink)

	policy := services.DefaultLoanPolicy()
	if v, err := decimal.NewFromString(cfg.Loan.MaxGuarantorExposure); err == nil {
		policy.MaxGuarantorExposure = v
	}
	if v, err := decimal.NewFromString(cfg.Loan.GuarantorSavingsMultiplier); err == nil {
		policy.GuarantorSavingsMultiplier = v
	}

	members := services.NewSQLMemberDirectory(db)
	workflows := services.NewWorkflowService(db, sink)
	loans := services.NewLoanService(db, members, workflows, policy, cfg.Loan.WorkflowTemplate, sink).
		WithIdempotency(services.NewIdempotencyGuard(redisClient, "loan:create:", cfg.Loan.IdempotencyTTL))
	admissions := services.NewAdmissionService(db, workflows, cfg.Admission.WorkflowTemplate, sink)

	qr := services.NewQRService(redisClient, cfg.Consent.TokenTTL)
	consents := services.NewConsentService(db, publisher, qr, services.ConsentOptions{
		BaseURL:    cfg.Consent.BaseURL,
		Exchange:   cfg.RabbitMQ.Exchange,
		RoutingKey: cfg.Consent.RoutingKey,
		TokenTTL:   cfg.Consent.TokenTTL,
	}, sink)
	dispatcher := services.NewConsentDispatcher(db, consents, cfg.Consent.PollInterval, cfg.Consent.BatchSize)

	banks := services.NewBankDirectory(nil)
	settlement := services.NewSettlementService(loans, members, banks, services.Debtor{
		Name:     cfg.Bank.Name,
		BIC:      cfg.Bank.BIC,
		Currency: cfg.Bank.Currency,
	})

	authenticator := mW.NewAuthenticator(cfg.JWT.SecretKey)
	sessions := services.NewAuthService(db, redisClient, authenticator, cfg.JWT.TTL, services.Argon2Params{
		Time:       cfg.Argon2.Time,
		Memory:     cfg.Argon2.Memory,
		Threads:    cfg.Argon2.Threads,
		KeyLength:  cfg.Argon2.KeyLength,
		SaltLength: cfg.Argon2.SaltLength,
	})
	authenticator.WithRevocation(sessions)

	router := handlers.NewRouter(handlers.Routes{
		Auth:       handlers.NewAuthHandler(sessions),
		Accounts:   handlers.NewAccountHandler(ledger),
		Loans:      handlers.NewLoanHandler(loans, settlement),
		Workflows:  handlers.NewWorkflowHandler(workflows),
		Consents:   handlers.NewConsentHandler(consents),
		Admissions: handlers.NewAdmissionHandler(admissions),
		QR:         handlers.NewQRHandler(qr),
		Banks:      handlers.NewBankHandler(banks),
	}, authenticator)

	jobs := scheduler.New(ledger)
	if err := jobs.Start(cfg.Scheduler.InterestSchedule); err != nil {
		log.WithError(err).Fatal("failed to start scheduler")
	}

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	<-jobs.Stop().Done()
	<-dispatcherDone

	log.Info("server stopped")
}
