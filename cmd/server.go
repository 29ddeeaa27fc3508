package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/booker-api/internal/agent"
	"github.com/example/booker-api/internal/auth"
	"github.com/example/booker-api/internal/callback"
	"github.com/example/booker-api/internal/config"
	"github.com/example/booker-api/internal/crypto"
	"github.com/example/booker-api/internal/db"
	"github.com/example/booker-api/internal/geocode"
	"github.com/example/booker-api/internal/jobs"
	"github.com/example/booker-api/internal/logger"
	"github.com/example/booker-api/internal/metrics"
	"github.com/example/booker-api/internal/migrate"
	"github.com/example/booker-api/internal/orchestrator"
	"github.com/example/booker-api/internal/scheduler"
	"github.com/example/booker-api/internal/web"
)

func newServerCmd() *cobra.Command {
	var (
		migrateUp    bool
		drainTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the booking API and its worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := logger.NewLogger(cfg.Log, nil)
			slog.SetDefault(log)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			m := metrics.New()

			store, closeStore, err := openStore(ctx, cfg, migrateUp, log)
			if err != nil {
				return err
			}
			defer closeStore()

			dispatcher := callback.New(store, callback.Config{
				Attempts:       cfg.Callback.Attempts,
				InitialBackoff: cfg.Callback.InitialBackoff,
				MaxBackoff:     cfg.Callback.MaxBackoff,
				Timeout:        cfg.Callback.Timeout,
				HashKey:        cfg.Callback.HashKey,
				BlockKey:       cfg.Callback.BlockKey,
			}, log, m)

			exec := orchestrator.NewExecutor(
				store,
				geocode.NewNominatim(cfg.GeocoderURL, cfg.GeocoderUserAgent, cfg.GeocoderTimeout),
				agent.NewRunner(cfg.AgentURL, cfg.AgentTimeout),
				dispatcher,
				orchestrator.ExecutorConfig{
					JobTimeout:      cfg.JobTimeout,
					DefaultLocation: cfg.DefaultLocation,
					Headless:        cfg.BrowserHeadless,
				},
				log, m,
			)
			pool := scheduler.New(cfg.MaxWorkers, cfg.QueueSize, log)
			orch := orchestrator.New(store, exec, pool, orchestrator.Config{
				TestMode:     cfg.TestMode,
				DefaultModel: cfg.DefaultModel,
			}, log, m)

			keys := auth.NewKeys(cfg.APIKeyHashes)
			if !keys.Enabled() {
				log.Warn("API_KEY_HASHES is empty; the API is open to anyone who can reach it")
			}
			ws := &web.Server{
				Jobs:    orch,
				Keys:    keys,
				Limiter: web.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
				Metrics: m.Handler(),
				Logger:  log,
			}

			log.Info("starting",
				"version", Version,
				"workers", cfg.MaxWorkers,
				"queue", cfg.QueueSize,
				"job_timeout", cfg.JobTimeout,
				"test_mode", cfg.TestMode,
				"persistent", cfg.DatabaseURL != "",
			)
			serveErr := web.Start(ctx, cfg.ListenAddr, ws.Routes(), log)

			// Jobs still running get drainTimeout to finish, then their
			// contexts are canceled and they record a failure.
			drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
			defer drainCancel()
			if err := orch.Shutdown(drainCtx); err != nil {
				log.Warn("jobs did not drain in time", "error", err)
			}
			cbCtx, cbCancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cbCancel()
			if err := dispatcher.Wait(cbCtx); err != nil {
				log.Warn("callbacks did not drain in time", "error", err)
			}
			return serveErr
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup (DATABASE_URL only)")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "how long to wait for running jobs on shutdown")
	return cmd
}

// openStore picks Postgres when DATABASE_URL is set and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, migrateUp bool, log *slog.Logger) (jobs.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		if len(cfg.PIIKey) > 0 {
			log.Warn("PII_KEY is ignored by the in-memory store")
		}
		return jobs.NewMemoryStore(cfg.MaxRecords), func() {}, nil
	}

	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if err := migrate.Up(ctx, d, log); err != nil {
			d.Close()
			return nil, nil, err
		}
	}

	var sealer *crypto.AEAD
	if len(cfg.PIIKey) > 0 {
		if sealer, err = crypto.New(cfg.PIIKey); err != nil {
			d.Close()
			return nil, nil, fmt.Errorf("PII_KEY: %w", err)
		}
	} else {
		log.Warn("PII_KEY is empty; contact details are stored in plaintext")
	}
	if cfg.MaxRecords > 0 {
		log.Warn("MAX_RECORDS only applies to the in-memory store")
	}
	return jobs.NewPostgresStore(d, sealer), d.Close, nil
}
