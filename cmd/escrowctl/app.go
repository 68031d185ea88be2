package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/contrata/internal/auth"
	"github.com/mbd888/contrata/internal/config"
	"github.com/mbd888/contrata/internal/escrow"
	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/notify"
	"github.com/mbd888/contrata/internal/payments"
	"github.com/mbd888/contrata/internal/payments/stripe"
	"github.com/mbd888/contrata/internal/providers"
	"github.com/mbd888/contrata/internal/reconciliation"
	"github.com/mbd888/contrata/internal/webhooks"
)

// app holds what one command needs.
type app struct {
	escrows    *escrow.Service
	timer      *escrow.Timer
	reconciler *reconciliation.Runner
	closers    []func() error
}

type appOpener func(ctx context.Context) (*app, error)

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// newApp wires the coordinator the same way the server does.
func newApp(cfg *config.Config, store escrow.Store, payees providers.Store, events webhooks.EventLog,
	gateway payments.Gateway, sink notify.Sink, logger *slog.Logger) *app {
	processor := payments.NewGuarded(gateway, cfg.ProcessorTimeout, logger)
	providerService := providers.NewService(payees, processor)
	if sb, ok := gateway.(*payments.Sandbox); ok {
		// a fresh sandbox knows no accounts; the store remembers onboarding
		sb.WithReadiness(providerService.AccountReady)
	}
	svc := escrow.NewService(store, processor, providerService).
		WithLogger(logger).
		WithNotifier(notify.NewDispatcher(sink)).
		WithPlatformFee(cfg.PlatformFeeBPS).
		WithDefaultCurrency(cfg.DefaultCurrency).
		WithAutoReleaseWindow(cfg.AutoReleaseWindow)
	return &app{
		escrows: svc,
		timer:   escrow.NewTimer(svc, logger),
		reconciler: reconciliation.NewRunner(store, svc, logger).
			WithEvents(events).
			WithClaimAge(cfg.ReconcileClaimAge),
	}
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	logger := logging.New(cfg.LogLevel, "text")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	closers := []func() error{db.Close}

	// Notifications reach connected users through the server's relay.
	var sink notify.Sink = notify.LogSink{Logger: logger}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opt)
		closers = append(closers, client.Close)
		sink = notify.NewRedisPublisher(client, notify.DefaultChannel)
	}

	var gateway payments.Gateway
	if cfg.UsesStripe() {
		gateway = stripe.New(stripe.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			SuccessURL:    cfg.CheckoutSuccessURL,
			CancelURL:     cfg.CheckoutCancelURL,
			RefreshURL:    cfg.ConnectRefreshURL,
			ReturnURL:     cfg.ConnectReturnURL,
		})
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, using sandbox processor with stored payee readiness")
		gateway = payments.NewSandbox(cfg.StripeWebhookSecret, "")
	}

	a := newApp(cfg,
		escrow.NewPostgresStore(db),
		providers.NewPostgresStore(db),
		webhooks.NewPostgresEventLog(db),
		gateway, sink, logger)
	a.closers = closers
	return a, nil
}

func loadVerifier() (*auth.Verifier, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("AUTH_JWT_SECRET is required to issue tokens")
	}
	return auth.NewVerifier(cfg.JWTSecret), nil
}
