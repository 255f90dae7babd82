// Command reconcile pulls consent facts from upstream systems into the
// ledger, once or on a loop.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	ledgermetrics "consentledger/internal/ledger/metrics"
	ledgerservice "consentledger/internal/ledger/service"
	ledgerstore "consentledger/internal/ledger/store"
	"consentledger/internal/platform/config"
	"consentledger/internal/platform/httpserver"
	"consentledger/internal/platform/logger"
	"consentledger/internal/platform/metrics"
	"consentledger/internal/platform/postgres"
	"consentledger/internal/reconcile"
	"consentledger/internal/reconcile/cursor"
	"consentledger/internal/reconcile/sources/activitystream"
	"consentledger/internal/reconcile/sources/adobe"
	"consentledger/internal/reconcile/sources/dynamics"
	"consentledger/internal/reconcile/sources/maxemail"
	"consentledger/pkg/platform/audit/publishers/compliance"
	auditpostgres "consentledger/pkg/platform/audit/store/postgres"
)

const (
	sourceActivityStream = "activity-stream"
	sourceDynamics       = "dynamics"
	sourceAdobe          = "adobe"
	sourceMaxEmail       = "maxemail"
)

type options struct {
	forever     bool
	sleep       time.Duration
	sources     []string
	metricsAddr string
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("reconcile", pflag.ExitOnError)
	fs.BoolVar(&opts.forever, "forever", false, "keep polling until interrupted")
	fs.DurationVar(&opts.sleep, "sleep-time", time.Minute, "pause between rounds with --forever")
	fs.StringSliceVar(&opts.sources, "source", nil, "sources to run (activity-stream, dynamics, adobe, maxemail); default all configured")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics on this address")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("reconciliation failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts options, log *slog.Logger) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.DefaultOptions())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	reg := metrics.New()
	store := ledgerstore.NewPostgres(db)
	ledger := ledgerservice.New(store, store,
		ledgerservice.WithLogger(log),
		ledgerservice.WithMetrics(ledgermetrics.New(reg)),
		ledgerservice.WithRetries(cfg.Ledger.WriteRetries, 0),
	)
	if err := ledger.EnsureCategories(ctx, cfg.Ledger.ConsentTypes); err != nil {
		return fmt.Errorf("seed consent categories: %w", err)
	}
	auditor := compliance.New(auditpostgres.New(db),
		compliance.WithLogger(log),
		compliance.WithMetrics(compliance.NewMetrics(reg)),
	)

	sources, err := buildSources(cfg.Reconcile, opts.sources, cursor.NewPostgres(db), ledger, log)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("no reconciliation source is configured")
	}

	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		srv := httpserver.New(opts.metricsAddr, mux)
		go func() {
			if err := httpserver.Run(ctx, srv, 5*time.Second, log); err != nil {
				log.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	runner := reconcile.NewRunner(ledger, auditor, sources,
		reconcile.WithLogger(log),
		reconcile.WithMetrics(reconcile.NewMetrics(reg)),
	)
	if opts.forever {
		return runner.RunForever(ctx, opts.sleep)
	}
	results, err := runner.RunOnce(ctx)
	for _, res := range results {
		log.Info("reconciliation summary",
			"source", res.Source,
			"processed", res.Processed,
			"updated", res.Written,
			"duration", res.Duration.String(),
		)
	}
	return err
}

// buildSources returns the requested sources. With no explicit selection
// every source whose settings are present runs.
func buildSources(cfg config.Reconcile, selected []string, cursors cursor.Store, consents adobe.ConsentReader, log *slog.Logger) ([]reconcile.Source, error) {
	for _, name := range selected {
		if !slices.Contains([]string{sourceActivityStream, sourceDynamics, sourceAdobe, sourceMaxEmail}, name) {
			return nil, fmt.Errorf("unknown source %q", name)
		}
	}
	want := func(name string, configured bool) (bool, error) {
		if len(selected) == 0 {
			return configured, nil
		}
		if !slices.Contains(selected, name) {
			return false, nil
		}
		if !configured {
			return false, fmt.Errorf("source %s selected but not configured", name)
		}
		return true, nil
	}

	var sources []reconcile.Source

	as := cfg.ActivityStream
	if ok, err := want(sourceActivityStream, as.URL != "" && as.ID != "" && as.Key != ""); err != nil {
		return nil, err
	} else if ok {
		sources = append(sources, activitystream.New(activitystream.Config{URL: as.URL, ID: as.ID, Key: as.Key}, cursors, nil, log))
	}

	dyn := cfg.Dynamics
	if ok, err := want(sourceDynamics, dyn.InstanceURI != "" && dyn.TenantID != "" && dyn.ClientID != "" && dyn.ClientSecret != ""); err != nil {
		return nil, err
	} else if ok {
		sources = append(sources, dynamics.New(dynamics.Config{
			InstanceURI:  dyn.InstanceURI,
			TenantID:     dyn.TenantID,
			ClientID:     dyn.ClientID,
			ClientSecret: dyn.ClientSecret,
		}, nil, log))
	}

	ad := cfg.Adobe
	if ok, err := want(sourceAdobe, ad.TenantID != "" && ad.PrivateKeyPath != "" && len(ad.Campaigns) > 0); err != nil {
		return nil, err
	} else if ok {
		key, err := os.ReadFile(ad.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read adobe private key: %w", err)
		}
		campaigns := make([]adobe.Campaign, 0, len(ad.Campaigns))
		for _, c := range ad.Campaigns {
			campaigns = append(campaigns, adobe.Campaign{Name: c.Name, PKey: c.PKey})
		}
		src, err := adobe.New(adobe.Config{
			TenantID:           ad.TenantID,
			APIKey:             ad.APIKey,
			APISecret:          ad.APISecret,
			OrganisationID:     ad.OrganisationID,
			TechnicalAccountID: ad.TechnicalAccountID,
			PrivateKeyPEM:      key,
			Campaigns:          campaigns,
			StagingWorkflow:    ad.StagingWorkflow,
			Consents:           consents,
		}, nil, log)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}

	me := cfg.MaxEmail
	if ok, err := want(sourceMaxEmail, me.BaseURL != "" && me.Username != ""); err != nil {
		return nil, err
	} else if ok {
		sources = append(sources, maxemail.New(maxemail.Config{
			BaseURL:         me.BaseURL,
			Username:        me.Username,
			Password:        me.Password,
			UnsubscribeList: me.UnsubscribeList,
		}, nil, log))
	}
	return sources, nil
}
