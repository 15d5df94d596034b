package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/guardrail/pkg/config"
	"github.com/odvcencio/guardrail/pkg/dbexec"
	"github.com/odvcencio/guardrail/pkg/governor"
	"github.com/odvcencio/guardrail/pkg/guardrail"
	"github.com/odvcencio/guardrail/pkg/logging"
	"github.com/odvcencio/guardrail/pkg/notify"
	"github.com/odvcencio/guardrail/pkg/sandbox"
	"github.com/odvcencio/guardrail/pkg/storage"
	"github.com/odvcencio/guardrail/pkg/telemetry"
)

// runtimeOptions picks the collaborators a command needs.
type runtimeOptions struct {
	// server batches audit writes and registers metrics globally.
	server bool
	// skipDatabase leaves the SQL pipeline unconfigured.
	skipDatabase bool
}

// cliRuntime is everything a pipeline command needs, wired from config.
type cliRuntime struct {
	cfg        *config.Config
	configPath string
	settings   *config.Manager
	logger     *logging.Logger
	traces     *logging.TraceLogger
	hub        *telemetry.Hub
	metrics    *telemetry.Metrics
	store      *storage.Store
	batch      *storage.BatchWriter
	publisher  *notify.NATSPublisher
	tracer     *telemetry.TracerProvider
	db         dbexec.ReadOnlyQueryer
	orch       *guardrail.Orchestrator

	closers []func() error
}

// loadConfig reads --config when given, otherwise the usual hierarchy.
func loadConfig(opts *globalOptions) (*config.Config, string, error) {
	if opts != nil && opts.configPath != "" {
		cfg, err := config.LoadFromPath(opts.configPath)
		if err != nil {
			return nil, "", withExitCode(err, exitUsage)
		}
		return cfg, opts.configPath, nil
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, "", withExitCode(err, exitUsage)
	}
	return cfg, config.ProjectConfigPath(), nil
}

func newRuntime(ctx context.Context, opts *globalOptions, ro runtimeOptions) (*cliRuntime, error) {
	cfg, path, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	rt := &cliRuntime{cfg: cfg, configPath: path, hub: telemetry.NewHub()}
	if err := rt.init(ctx, opts, ro); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *cliRuntime) init(ctx context.Context, opts *globalOptions, ro runtimeOptions) error {
	cfg := rt.cfg
	logDir := cfg.LogDir()

	logger, err := logging.NewLogger(logDir)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: file logging disabled: %v\n", err)
		logger = logging.NewWriterLogger(io.Discard)
	}
	logger.SetMinLevel(cfg.LogLevel())
	if opts != nil && opts.verbose {
		logger.SetMinLevel(logging.LevelDebug)
	}
	rt.logger = logger
	rt.closers = append(rt.closers, logger.Close)
	rt.settings = config.NewManager(cfg, rt.configPath, config.WithLogger(logger), config.WithHub(rt.hub))

	if traces, err := logging.NewTraceLogger(logDir); err == nil {
		rt.traces = traces
		rt.closers = append(rt.closers, traces.Close)
	} else {
		logger.Warn(logging.CategoryServer, "trace_log_disabled", err.Error(), nil)
	}

	if ro.server {
		rt.metrics = telemetry.DefaultMetrics()
	} else {
		rt.metrics = telemetry.NewMetrics(prometheus.NewRegistry())
	}

	if cfg.Telemetry.Tracing {
		if err := rt.startTracing(logDir); err != nil {
			logger.Warn(logging.CategoryServer, "tracing_disabled", err.Error(), nil)
		}
	}

	store, err := storage.New(cfg.AuditDBPath())
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store.Close)
	var sink guardrail.AuditSink = store
	if ro.server {
		rt.batch = store.NewBatchWriter(64, 250*time.Millisecond, func(err error) {
			logger.Error(logging.CategoryAudit, "batch_flush_failed", err.Error(), nil)
		})
		// Runs before store.Close in reverse order.
		rt.closers = append(rt.closers, rt.batch.Close)
		sink = rt.batch
	}

	if cfg.Audit.NATSURL != "" {
		pub, err := notify.NewNATSPublisher(notify.NATSConfig{
			URL:     cfg.Audit.NATSURL,
			Subject: cfg.Audit.NATSSubject,
			Name:    "guardrail-" + version,
		})
		if err != nil {
			logger.Warn(logging.CategoryAudit, "publisher_disabled", err.Error(), map[string]any{"url": cfg.Audit.NATSURL})
		} else {
			rt.publisher = pub
			rt.closers = append(rt.closers, func() error {
				flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = pub.Flush(flushCtx)
				return pub.Close()
			})
		}
	}

	var sqlRunner guardrail.SQLRunner
	if !ro.skipDatabase {
		db, closer, err := dbexec.Open(ctx, cfg.DB())
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		rt.db = db
		rt.closers = append(rt.closers, closer.Close)
		sqlRunner = governor.New(db,
			governor.WithRetryConfig(cfg.RetryPolicy()),
			governor.WithLogger(logger),
		)
	}

	dialect, err := cfg.Dialect()
	if err != nil {
		return withExitCode(err, exitUsage)
	}
	orchOpts := []guardrail.Option{
		guardrail.WithSettings(rt.currentSettings),
		guardrail.WithDialect(dialect),
		guardrail.WithLogger(logger),
		guardrail.WithHub(rt.hub),
		guardrail.WithMetrics(rt.metrics),
		guardrail.WithAuditStore(sink),
	}
	if rt.traces != nil {
		orchOpts = append(orchOpts, guardrail.WithTraceLogger(rt.traces))
	}
	if rt.publisher != nil {
		orchOpts = append(orchOpts, guardrail.WithPublisher(rt.publisher))
	}
	executor := sandbox.New(cfg.SandboxExecutor(), sandbox.WithLogger(logger))
	rt.orch = guardrail.New(sqlRunner, executor, orchOpts...)
	return nil
}

func (rt *cliRuntime) startTracing(logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "spans.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	tp, err := telemetry.NewTracerProvider("guardrail", version, f)
	if err != nil {
		f.Close()
		return err
	}
	rt.tracer = tp
	rt.closers = append(rt.closers, f.Close, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	})
	return nil
}

// currentSettings snapshots the live configuration for one request.
func (rt *cliRuntime) currentSettings() guardrail.Settings {
	return guardrail.Settings{Limits: rt.settings.Limits(), DebugMode: rt.settings.DebugMode()}
}

// Close releases collaborators in reverse order of acquisition.
func (rt *cliRuntime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if rt.hub != nil {
		rt.hub.Close()
	}
	return errors.Join(errs...)
}
