// The engine worker daemon. It materializes due recurrence periods into
// workflow executions, drives executions forward, sweeps stale attempts and
// reacts to cancellation signals.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/firmflow/engine/internal/application/bridge"
	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/application/recurrence"
	"github.com/firmflow/engine/internal/application/worker"
	"github.com/firmflow/engine/internal/config"
	"github.com/firmflow/engine/internal/infrastructure/persistence/postgres"
	"github.com/firmflow/engine/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Root context for all normal operations; cancels on SIGTERM/SIGINT.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	serviceName := cfg.Observability.ServiceName
	if serviceName == "" {
		serviceName = "engine-worker"
	}
	providers, err := observability.Init(ctx, observability.Config{
		ServiceName: serviceName,
		Enabled:     cfg.Observability.OTelEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to init observability: %w", err)
	}
	defer func() {
		// Bounded so an unreachable collector cannot hang process exit.
		shutdownCtx, cancel := newShutdownContext(5 * time.Second)
		defer cancel()
		providers.Shutdown(shutdownCtx)
	}()
	slog.SetDefault(providers.Logger)

	slog.InfoContext(ctx, "starting engine worker", "service", serviceName)

	store, err := connectStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer store.Close()

	slog.InfoContext(ctx, "storage initialized", "dsn", maskPassword(cfg.Database.DSN))

	// The registry is the host wiring point for application step handlers.
	// The stock binary registers none; deployments embed the daemon and
	// register their own before Start.
	registry := orchestration.NewRegistry()

	var orchOpts []orchestration.OrchestratorOption
	if cfg.Engine.RNGSeed != 0 {
		orchOpts = append(orchOpts, orchestration.WithRetryDecider(
			orchestration.NewRetryDecider(orchestration.WithRetrySeed(uint64(cfg.Engine.RNGSeed)))))
	}
	orchestrator := orchestration.NewOrchestrator(store, registry, orchOpts...)

	generator := recurrence.NewGenerator(store)
	if err := generator.RegisterFactory(bridge.TargetKindWorkflow, bridge.WorkflowFactory(orchestrator)); err != nil {
		return fmt.Errorf("failed to register workflow factory: %w", err)
	}

	w := worker.New(store, generator, orchestrator,
		worker.WithMaxStartupJitter(cfg.MaxStartupJitter),
		worker.WithTickInterval(cfg.TickInterval),
		worker.WithTickHorizon(cfg.TickHorizon),
		worker.WithAdvanceInterval(cfg.AdvanceInterval),
		worker.WithAdvanceConcurrency(cfg.AdvanceConcurrency),
		worker.WithClaimBatchSize(cfg.ClaimBatchSize),
		worker.WithSweepInterval(cfg.SweepInterval),
	)

	errResult := make(chan error, 1)
	go func() {
		errResult <- w.Start(ctx)
	}()

	// Coordinate graceful shutdown or surface a fatal loop error. Start
	// drains in-flight operations itself; the timeout only caps how long we
	// wait for that drain.
	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")

		shutdownCtx, cancel := newShutdownContext(cfg.ShutdownTimeout)
		defer cancel()

		select {
		case err := <-errResult:
			if err != nil {
				return fmt.Errorf("worker stopped with error: %w", err)
			}
			slog.InfoContext(shutdownCtx, "worker shutdown complete")
			return nil
		case <-shutdownCtx.Done():
			return errors.New("worker shutdown timed out")
		}
	case err := <-errResult:
		if err != nil {
			return fmt.Errorf("worker exited: %w", err)
		}
		return nil
	}
}

// connectStore dials the database with exponential backoff so the daemon
// survives being scheduled before the database is ready.
func connectStore(ctx context.Context, cfg *config.WorkerConfig) (*postgres.Store, error) {
	dbCfg := postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
		SkipMigrations:  !cfg.Database.AutoMigrate,
	}

	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = cfg.ConnectMaxElapsed

	var store *postgres.Store
	operation := func() error {
		var err error
		store, err = postgres.Connect(ctx, dbCfg)
		return err
	}
	notify := func(err error, next time.Duration) {
		slog.WarnContext(ctx, "database not ready, retrying", "error", err, "next_attempt_in", next)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(expo, ctx), notify); err != nil {
		return nil, err
	}
	return store, nil
}

// newShutdownContext creates a fresh timeout context for cleanup that runs
// after the main context is already canceled.
func newShutdownContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

// maskPassword masks the password in a connection string for logging.
func maskPassword(connStr string) string {
	u, err := url.Parse(connStr)
	if err != nil {
		return "[REDACTED]"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxxx")
		}
	}
	return u.String()
}
