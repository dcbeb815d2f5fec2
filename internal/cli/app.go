package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/0x6d61/defectscan/internal/analysis"
	"github.com/0x6d61/defectscan/internal/config"
	"github.com/0x6d61/defectscan/internal/engine"
	"github.com/0x6d61/defectscan/internal/logging"
	"github.com/0x6d61/defectscan/internal/resource"
	"github.com/0x6d61/defectscan/internal/session"
	"github.com/0x6d61/defectscan/internal/tracing"
)

// app holds the components shared by the commands that touch the session
// store.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	tracing  *tracing.Provider
	store    session.Store
	manager  *session.Manager
	governor *resource.Governor
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	logger, err := logging.New(logging.Options{
		Verbose: cfg.Log.Verbose,
		Format:  cfg.Log.Format,
		Writer:  logOut,
	})
	if err != nil {
		return nil, err
	}

	tp, err := tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		tracing: tp,
		store:   store,
		manager: session.NewManager(store, session.ManagerOptions{
			Retention:   cfg.Session.Retention,
			StaleAfter:  cfg.Session.StaleAfter,
			MaxSessions: cfg.Session.MaxSessions,
			Logger:      logger,
		}),
		governor: newGovernor(cfg, logger),
	}, nil
}

// Close flushes spans and closes the store.
func (a *app) Close(ctx context.Context) error {
	serr := a.tracing.Shutdown(ctx)
	if err := a.store.Close(); err != nil {
		return err
	}
	return serr
}

// orchestrator builds an initialized orchestrator around the processor
// registered under processorName.
func (a *app) orchestrator(ctx context.Context, processorName string) (*engine.Orchestrator, error) {
	p, err := a.processor(processorName)
	if err != nil {
		return nil, err
	}
	o := engine.New(a.manager,
		engine.WithProcessor(p),
		engine.WithGovernor(a.governor),
		engine.WithLogger(a.logger),
		engine.WithTracer(a.tracing.Tracer()),
		engine.WithMonitorInterval(a.cfg.Resource.MonitorInterval),
		engine.WithAvgFileSizeHint(a.cfg.Detection.AvgFileSizeHint),
		engine.WithMaxBatchSize(a.cfg.Detection.MaxBatchSize),
	)
	if err := o.Initialize(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (a *app) processor(name string) (analysis.Processor, error) {
	ac := a.cfg.Analysis
	return analysis.New(name, analysis.Options{
		ServiceURL:   ac.ServiceURL,
		ServiceToken: os.Getenv(ac.APIKeyEnv),
		UserAgent:    "defectscan/" + version,
		Timeout:      ac.Timeout,
		MaxRPS:       ac.MaxRPS,
		MaxInFlight:  ac.MaxInFlight,
		CacheTTL:     ac.CacheTTL,
		MaxFileBytes: ac.MaxFileBytes,
		ClaudeModel:  ac.ClaudeModel,
		ClaudeAPIKey: os.Getenv(ac.ClaudeAPIKeyEnv),
		Logger:       a.logger,
	})
}

func newGovernor(cfg *config.Config, logger *slog.Logger) *resource.Governor {
	rc := cfg.Resource
	return resource.New(resource.Options{
		WarningThreshold:     rc.WarningThreshold,
		CriticalThreshold:    rc.CriticalThreshold,
		ProcessingMultiplier: rc.ProcessingMultiplier,
		AvailableFraction:    rc.AvailableFraction,
		HistorySize:          rc.HistorySize,
		ReleaseOnCritical:    true,
		Logger:               logger,
	})
}

func openStore(cfg *config.Config) (session.Store, error) {
	path, err := cfg.StorePath()
	if err != nil {
		return nil, err
	}
	switch cfg.Session.Store {
	case "file":
		return session.NewFileStore(path)
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		return session.NewSQLiteStore(path)
	}
}
