// Command researchd runs the research orchestrator and its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/throw-if-null/deepresearch/internal/agent"
	"github.com/throw-if-null/deepresearch/internal/agent/llm"
	"github.com/throw-if-null/deepresearch/internal/agent/websearch"
	"github.com/throw-if-null/deepresearch/internal/config"
	"github.com/throw-if-null/deepresearch/internal/hooks"
	"github.com/throw-if-null/deepresearch/internal/logging"
	"github.com/throw-if-null/deepresearch/internal/logsink"
	"github.com/throw-if-null/deepresearch/internal/orchestrator"
	"github.com/throw-if-null/deepresearch/internal/paths"
	"github.com/throw-if-null/deepresearch/internal/server"
	"github.com/throw-if-null/deepresearch/internal/store"
	"github.com/throw-if-null/deepresearch/internal/telemetry"
	"github.com/throw-if-null/deepresearch/internal/version"
)

// Swapped out by tests.
var (
	dotenvLoad    = config.LoadDotEnv
	telemetryInit = telemetry.Init
	newLogger     = logging.New
	agentsFor     = defaultAgents
)

const shutdownTimeout = 30 * time.Second

type daemon struct {
	cfg      config.Config
	logger   *zap.Logger
	handler  http.Handler
	shutdown func(context.Context) error
}

func main() {
	root, err := os.Getwd()
	if err != nil {
		fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup(ctx, root)
	if err != nil {
		fatal(err)
	}

	srv := &http.Server{
		Addr:              d.cfg.Server.Addr(),
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		d.logger.Info("listening",
			zap.String("addr", "http://"+srv.Addr),
			zap.String("version", version.Version),
			zap.String("commit", version.Commit),
		)
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("server stopped", zap.Error(err))
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		d.logger.Warn("http shutdown", zap.Error(err))
	}
	if err := d.shutdown(sctx); err != nil {
		fatal(err)
	}
}

// setup wires the daemon for the workspace at root and resumes any
// unfinished tasks.
func setup(ctx context.Context, root string) (*daemon, error) {
	if err := dotenvLoad(root); err != nil {
		return nil, err
	}
	loaded := config.Load(root)
	cfg, err := config.ApplyEnv(loaded.Config, os.Getenv)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if loaded.ParseError != nil {
		logger.Warn("config ignored, using defaults", zap.String("path", loaded.Path), zap.Error(loaded.ParseError))
	}

	shutdownTracing, err := telemetryInit(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "researchd",
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Model:          cfg.LLM.Model,
		MaxRevisions:   cfg.Orchestrator.MaxRevisions,
		RevisionPolicy: cfg.Orchestrator.OnRevisionLimit,
		Workers:        cfg.Orchestrator.Workers,
	})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(root, paths.StateDir), 0o755); err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(root, paths.DBPath()))
	if err != nil {
		return nil, err
	}

	sink := logsink.New(st, nil, logger.Named("logsink"))
	finisher := &hooks.Finisher{Root: root}
	if cfg.Hooks.Enabled {
		finisher.Command = cfg.Hooks.OnTerminal
	}
	mgr := orchestrator.NewManager(st, sink, agentsFor(cfg, logger), orchestrator.ManagerConfig{
		Workers:      cfg.Orchestrator.Workers,
		MaxRevisions: cfg.Orchestrator.MaxRevisions,
		Driver:       driverConfig(cfg),
	}, finisher, logger.Named("orchestrator"))

	n, err := mgr.Resume(ctx)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	if n > 0 {
		logger.Info("resumed unfinished tasks", zap.Int("count", n))
	}

	srv := server.New(st, mgr, sink, logger.Named("server"))
	return &daemon{
		cfg:     cfg,
		logger:  logger,
		handler: srv.Handler(),
		shutdown: func(ctx context.Context) error {
			err := mgr.Shutdown(ctx)
			sink.Close()
			err = errors.Join(err, st.Close(), shutdownTracing(ctx))
			_ = logger.Sync()
			return err
		},
	}, nil
}

func driverConfig(cfg config.Config) orchestrator.Config {
	return orchestrator.Config{
		Retry: agent.Policy{
			Attempts:        cfg.Retry.Attempts,
			InitialInterval: time.Duration(cfg.Retry.InitialBackoffMS) * time.Millisecond,
			MaxInterval:     time.Duration(cfg.Retry.MaxBackoffMS) * time.Millisecond,
			CallTimeout:     time.Duration(cfg.Retry.CallTimeoutS) * time.Second,
		},
		MinQualityScore: cfg.Orchestrator.MinQualityScore,
		OnRevisionLimit: cfg.Orchestrator.OnRevisionLimit,
		TaskTimeout:     cfg.Orchestrator.TaskTimeout(),
		MaxConflicts:    3,
	}
}

func defaultAgents(cfg config.Config, logger *zap.Logger) agent.Set {
	if cfg.LLM.APIKey == "" {
		logger.Warn("no LLM API key configured; set RESEARCH_LLM_API_KEY")
	}
	client := llm.New(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
	}, logger.Named("llm"))
	wiki := websearch.NewWikipedia(websearch.WikipediaConfig{
		Endpoint:   cfg.Search.Endpoint,
		UserAgent:  cfg.Search.UserAgent,
		MaxResults: cfg.Search.MaxResults,
	})
	return agent.Set{
		Planner:    client,
		Researcher: websearch.NewResearcher(wiki, client, cfg.Search.MaxQueries, cfg.Search.Concurrency),
		Critic:     client,
		Reviser:    client,
	}
}

func fatal(err error) {
	_, _ = fmt.Fprintln(os.Stderr, "researchd:", err)
	os.Exit(1)
}
