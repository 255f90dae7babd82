package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"consentledger/internal/hawk"
	"consentledger/internal/hawk/credential"
	credentialhandler "consentledger/internal/hawk/credential/handler"
	hawkmw "consentledger/internal/hawk/middleware"
	"consentledger/internal/hawk/nonce"
	ledgerhandler "consentledger/internal/ledger/handler"
	ledgermetrics "consentledger/internal/ledger/metrics"
	ledgerservice "consentledger/internal/ledger/service"
	ledgerstore "consentledger/internal/ledger/store"
	"consentledger/internal/platform/config"
	"consentledger/internal/platform/httpserver"
	"consentledger/internal/platform/logger"
	"consentledger/internal/platform/metrics"
	"consentledger/internal/platform/postgres"
	platformredis "consentledger/internal/platform/redis"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/audit/kafka"
	"consentledger/pkg/platform/audit/publishers/compliance"
	"consentledger/pkg/platform/audit/publishers/security"
	auditpostgres "consentledger/pkg/platform/audit/store/postgres"
	"consentledger/pkg/platform/audit/worker"
	"consentledger/pkg/platform/httputil"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consent ledger stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	reg := metrics.New()

	// Ledger
	store := ledgerstore.NewPostgres(db)
	ledger := ledgerservice.New(store, store,
		ledgerservice.WithLogger(log),
		ledgerservice.WithMetrics(ledgermetrics.New(reg)),
		ledgerservice.WithRetries(cfg.Ledger.WriteRetries, 0),
		ledgerservice.WithPageSize(cfg.Ledger.PageSize),
	)
	if err := ledger.EnsureCategories(ctx, cfg.Ledger.ConsentTypes); err != nil {
		return fmt.Errorf("seed consent categories: %w", err)
	}

	// Audit
	outbox := auditpostgres.New(db)
	complianceEvents := compliance.New(outbox,
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics(reg)),
	)
	securityEvents := security.New(outbox, security.WithLogger(log))

	// Gateway
	nonces, closeNonces, err := newNonceCache(ctx, cfg.Redis, reg, log)
	if err != nil {
		return err
	}
	defer closeNonces()
	credentials := credential.NewPostgres(db)
	verifier := hawk.NewVerifier(credentials, nonces,
		hawk.WithSkew(cfg.Hawk.MessageExpiration),
		hawk.WithNonceTTL(cfg.Hawk.NonceTTL),
		hawk.WithRequirePayloadHash(cfg.Hawk.RequirePayloadHash),
		hawk.WithTrustedProxy(cfg.Hawk.TrustedProxy),
		hawk.WithLogger(log),
		hawk.WithMetrics(hawk.NewMetrics(reg)),
	)
	gateway := hawkmw.NewGateway(verifier, log, hawkmw.WithSecurityEvents(securityEvents))

	router := newRouter(routes{
		logger:      log,
		gateway:     gateway,
		ledger:      ledgerhandler.New(ledger, complianceEvents, log, gateway.RequireCapability),
		credentials: credentialhandler.New(credentials, securityEvents, log),
		adminToken:  cfg.Server.AdminToken,
		metrics:     reg.Handler(),
		health:      healthCheck(db),
	})
	srv := httpserver.New(cfg.Server.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Run(gctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	g.Go(func() error {
		return securityEvents.Run(gctx)
	})
	if len(cfg.Audit.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.Audit.KafkaBrokers, cfg.Audit.Topic)
		if err != nil {
			return err
		}
		defer producer.Close()
		if err := producer.EnsureTopic(ctx, -1, -1); err != nil {
			log.Warn("could not ensure audit topic", "topic", cfg.Audit.Topic, "error", err)
		}
		relay := worker.NewRelay(outbox, producer,
			worker.WithLogger(log),
			worker.WithPollInterval(cfg.Audit.PollInterval),
		)
		g.Go(func() error {
			return relay.Run(gctx)
		})
	} else {
		log.Warn("KAFKA_BROKERS not set; audit events stay in the outbox")
	}

	return g.Wait()
}

// newNonceCache prefers Redis so replicas share replay state and falls back
// to a process-local cache when REDIS_URL is unset.
func newNonceCache(ctx context.Context, cfg config.RedisConfig, reg *metrics.Registry, log *slog.Logger) (hawk.NonceCache, func(), error) {
	client, err := platformredis.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		log.Warn("REDIS_URL not set; nonce replay protection is local to this process")
		return nonce.NewInMemory(), func() {}, nil
	}
	return nonce.NewRedis(client.Client, nonce.WithRegisterer(reg)), func() { _ = client.Close() }, nil
}

func healthCheck(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "database unavailable"))
			return
		}
		okHealth(w, r)
	}
}
