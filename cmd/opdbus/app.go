// ABOUTME: Wires configuration into running components: store, registry backend, providers, sinks and runner
// ABOUTME: Shared by serve and the one-shot commands; close releases everything in reverse order

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/opdbus-orchestrator/internal/config"
	"github.com/2389/opdbus-orchestrator/internal/natsbus"
	"github.com/2389/opdbus-orchestrator/internal/orchestrator"
	"github.com/2389/opdbus-orchestrator/internal/provider"
	"github.com/2389/opdbus-orchestrator/internal/registry"
	"github.com/2389/opdbus-orchestrator/internal/store"
)

// registryBackend is what the registry backends have in common.
type registryBackend interface {
	registry.Source
	registry.AgentStore
	registry.Reloadable
}

// app holds the wired components.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *store.SQLiteStore // nil unless opened
	registry    registryBackend
	providers   *provider.Registry
	broadcaster *orchestrator.Broadcaster
	nats        *natsbus.Sink // nil when nats.url is empty
	runner      *orchestrator.Runner
}

// appOptions selects optional wiring.
type appOptions struct {
	// persist opens the database for run archiving even when the registry
	// lives in memory, and connects the NATS sink.
	persist bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx, opts); err != nil {
		_ = a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) (err error) {
	cfg, logger := a.cfg, a.logger

	if opts.persist || cfg.Registry.Backend == config.BackendSQLite {
		a.store, err = store.NewSQLiteStore(cfg.Database.Driver, cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		logger.Info("database opened", "driver", a.store.Driver(), "path", cfg.Database.Path)
	}

	if a.registry, err = openRegistry(ctx, cfg, a.store, logger); err != nil {
		return err
	}

	if a.providers, err = buildProviders(cfg, logger); err != nil {
		return err
	}

	a.broadcaster = orchestrator.NewBroadcaster(logger)
	sinks := []orchestrator.StepSink{a.broadcaster}

	if opts.persist && cfg.NATS.URL != "" {
		a.nats, err = natsbus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, a.nats)
	}

	runnerCfg := orchestrator.Config{
		Source:       a.registry,
		Providers:    a.providers,
		StepDelay:    cfg.Orchestrator.StepDelay,
		Unresolved:   orchestrator.UnresolvedPolicy(cfg.Orchestrator.UnresolvedTools),
		Retention:    cfg.Orchestrator.RunRetention,
		RetryBackoff: cfg.Orchestrator.RetryBackoff,
		Sinks:        sinks,
		Logger:       logger,
	}
	if opts.persist {
		runnerCfg.Archive = a.store
	}
	a.runner = orchestrator.NewRunner(runnerCfg)

	return nil
}

// loadSeed reads the configured seed file or the embedded default.
func loadSeed(path string) (*registry.Seed, error) {
	if path == "" {
		return registry.DefaultSeed()
	}
	return registry.LoadSeed(path)
}

// openRegistry builds the configured registry backend. The SQLite backend
// is seeded only when its tables are empty.
func openRegistry(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, logger *slog.Logger) (registryBackend, error) {
	seed, err := loadSeed(cfg.Registry.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("loading registry seed: %w", err)
	}

	switch cfg.Registry.Backend {
	case config.BackendSQLite:
		empty, err := st.RegistryEmpty(ctx)
		if err != nil {
			return nil, err
		}
		if empty {
			if err := st.ImportSeed(ctx, seed); err != nil {
				return nil, fmt.Errorf("seeding registry: %w", err)
			}
			logger.Info("registry seeded", "services", len(seed.Services), "agents", len(seed.Agents), "skills", len(seed.Skills))
		}
		return st, nil
	default:
		mem, err := registry.NewMemoryFromSeed(seed, logger)
		if err != nil {
			return nil, err
		}
		return mem, nil
	}
}

// buildProviders creates every configured provider. The default provider
// is registered first and starts out active.
func buildProviders(cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	built := make(map[string]provider.Provider, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		switch pc.Kind {
		case config.ProviderMock:
			built[pc.ID] = provider.NewMock(pc.ID, provider.WithStreamDelay(pc.StreamDelay))
		case config.ProviderOllama:
			built[pc.ID] = provider.NewOllama(provider.OllamaConfig{
				ID:      pc.ID,
				BaseURL: pc.BaseURL,
				Model:   pc.Model,
				Timeout: pc.Timeout,
			}, logger)
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", pc.ID, pc.Kind)
		}
	}

	def, ok := built[cfg.Orchestrator.DefaultProvider]
	if !ok {
		return nil, fmt.Errorf("default provider %q is not configured", cfg.Orchestrator.DefaultProvider)
	}
	reg := provider.NewRegistry(def, logger)
	for _, pc := range cfg.Providers {
		if pc.ID == def.ID() {
			continue
		}
		if err := reg.Register(built[pc.ID]); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// close shuts the runner down and releases connections.
func (a *app) close() error {
	var errs []error
	if a.runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.runner.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping runs: %w", err))
		}
		cancel()
	}
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	if a.nats != nil {
		if err := a.nats.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing nats: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	return errors.Join(errs...)
}
