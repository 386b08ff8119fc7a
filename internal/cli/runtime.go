package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/firmflow/engine/internal/application/bridge"
	"github.com/firmflow/engine/internal/application/orchestration"
	"github.com/firmflow/engine/internal/application/recurrence"
	"github.com/firmflow/engine/internal/archive"
	archivefs "github.com/firmflow/engine/internal/archive/fs"
	archivegcs "github.com/firmflow/engine/internal/archive/gcs"
	"github.com/firmflow/engine/internal/config"
	"github.com/firmflow/engine/internal/infrastructure/persistence/postgres"
)

// runtime wires the store and application services for a single command
// invocation. Commands validate their inputs before connecting, so pure
// input failures never require a reachable database.
type runtime struct {
	cfg     *config.CLIConfig
	store   *postgres.Store
	cleanup []func()
}

// connect loads configuration, applies the --db override and opens the
// store, running pending migrations unless disabled.
func (o *RootOptions) connect(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadCLIConfig()
	if err != nil {
		return nil, err
	}
	if o.DB != "" {
		cfg.Database.DSN = o.DB
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, &ExitError{Code: ExitBadInput, Message: "database is not configured", Err: err}
	}
	if err := cfg.Archive.Validate(); err != nil {
		return nil, &ExitError{Code: ExitBadInput, Message: "archive is not configured", Err: err}
	}

	store, err := postgres.Connect(ctx, postgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetime) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.Database.ConnMaxIdleTime) * time.Second,
		SkipMigrations:  !cfg.Database.AutoMigrate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	rt := &runtime{cfg: cfg, store: store}
	rt.cleanup = append(rt.cleanup, func() { _ = store.Close() })
	return rt, nil
}

// Close releases everything the runtime opened, most recent first.
func (r *runtime) Close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		r.cleanup[i]()
	}
}

func (r *runtime) ruleService() *recurrence.Service {
	return recurrence.NewService(r.store,
		recurrence.WithDefaultTimezone(r.cfg.Engine.DefaultTimezone))
}

// generator builds a Generator with the workflow bridge registered, so rules
// targeting workflows materialize into executions.
func (r *runtime) generator() (*recurrence.Generator, error) {
	gen := recurrence.NewGenerator(r.store)
	if err := gen.RegisterFactory(bridge.TargetKindWorkflow, bridge.WorkflowFactory(r.orchestrator())); err != nil {
		return nil, err
	}
	return gen, nil
}

// orchestrator builds an Orchestrator over an empty handler registry.
// enginectl runs no application handlers itself; steps advanced here
// resolve against whatever this process has registered, which for the
// stock binary is nothing. Executions whose definitions name application
// handlers belong to the worker daemon.
func (r *runtime) orchestrator() *orchestration.Orchestrator {
	var opts []orchestration.OrchestratorOption
	if r.cfg.Engine.RNGSeed != 0 {
		opts = append(opts, orchestration.WithRetryDecider(
			orchestration.NewRetryDecider(orchestration.WithRetrySeed(uint64(r.cfg.Engine.RNGSeed)))))
	}
	return orchestration.NewOrchestrator(r.store, orchestration.NewRegistry(), opts...)
}

// publisher builds a Publisher with the configured archive backend wired in.
func (r *runtime) publisher(ctx context.Context) (*orchestration.Publisher, error) {
	var opts []orchestration.PublisherOption

	switch r.cfg.Archive.Backend {
	case "fs":
		st, err := archivefs.NewStore(r.cfg.Archive.FSDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive directory: %w", err)
		}
		opts = append(opts, orchestration.WithArchiver(archive.NewArchiver(st)))
	case "gcs":
		st, err := archivegcs.NewStore(ctx, r.cfg.Archive.GCSBucket)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive bucket: %w", err)
		}
		r.cleanup = append(r.cleanup, func() { _ = st.Close() })
		opts = append(opts, orchestration.WithArchiver(archive.NewArchiver(st)))
	}

	return orchestration.NewPublisher(r.store, opts...), nil
}
