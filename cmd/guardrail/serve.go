package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/guardrail/pkg/api"
	"github.com/odvcencio/guardrail/pkg/config"
	"github.com/odvcencio/guardrail/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

var serveNotifyContext = func() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServeCommand(opts *globalOptions, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bind := fs.String("bind", "", "address to bind the API server (default from config)")
	watch := fs.Bool("watch", true, "reload the config file when it changes")
	if err := fs.Parse(args); err != nil {
		return withExitCode(err, exitUsage)
	}

	ctx, cancel := serveNotifyContext()
	defer cancel()

	rt, err := newRuntime(ctx, opts, runtimeOptions{server: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	addr := rt.cfg.Server.Bind
	if *bind != "" {
		addr = *bind
	}
	rt.settings.OnReload(func(cfg *config.Config) {
		rt.logger.Info(logging.CategoryConfig, "limits_updated", "new limits apply to subsequent requests", map[string]any{
			"max_rows":    cfg.Limits.MaxRows,
			"max_columns": cfg.Limits.MaxColumns,
			"debug_mode":  cfg.Limits.DebugMode,
		})
	})

	server := api.NewServer(api.ServerConfig{
		Address:      addr,
		ReadTimeout:  rt.cfg.Server.ReadTimeout,
		WriteTimeout: rt.cfg.Server.WriteTimeout,
		Orchestrator: rt.orch,
		Audits:       rt.store,
		Metrics:      rt.metrics,
		Hub:          rt.hub,
		Logger:       rt.logger,
		Settings:     rt.settings,
		Ready:        rt.ready,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(stderr, "guardrail listening on http://%s\n", addr)
		return server.Start()
	})
	if *watch {
		g.Go(func() error {
			if err := rt.settings.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.Warn(logging.CategoryConfig, "watch_disabled", err.Error(), map[string]any{"path": rt.configPath})
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.logger.Info(logging.CategoryServer, "shutdown", "api server stopping", nil)
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ready reports whether the audit store answers with a current schema.
func (rt *cliRuntime) ready(ctx context.Context) error {
	if err := rt.store.CheckReady(ctx); err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	return nil
}
