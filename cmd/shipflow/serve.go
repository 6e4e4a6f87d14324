package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/shipflow/overlay/internal/config"
	"github.com/shipflow/overlay/internal/doctor"
	"github.com/shipflow/overlay/internal/harness"
	"github.com/shipflow/overlay/internal/harness/cursor"
	"github.com/shipflow/overlay/internal/protocol"
	"github.com/shipflow/overlay/internal/server"
	"github.com/shipflow/overlay/internal/state"
	"github.com/shipflow/overlay/internal/undo"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

var (
	serveHomeDirFn = os.UserHomeDir
	serveGetwdFn   = os.Getwd
	preflightFn    = preflight
)

func newServeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var addr string
	defaultAddr := config.Defaults().ListenAddr
	if cfg != nil {
		defaultAddr = cfg.ListenAddr
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the overlay edit and undo endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			editPath := cfg.Endpoint
			if editPath == "" {
				editPath = protocol.DefaultEditPath
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shipflow listening on http://%s%s\n", listener.Addr(), editPath)
			return runServe(ctx, cfg, logger, listener)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "listen address")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *log.Logger, listener net.Listener) error {
	logger = logger.With("component", "serve")

	root, err := serveGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}

	driver := cursor.New(
		cursor.WithLogger(logger),
		cursor.WithStateMachine(state.NewMachine("bridge")),
		cursor.WithStatusFilter(statusFilter(cfg.StatusFilter)),
	)
	resolver := harness.NewResolver(harness.WithResolverLogger(logger))
	srv := server.New(
		cfg,
		resolver,
		driver,
		server.WithLogger(logger),
		server.WithProjectRoot(root),
		server.WithSnapshots(undo.NewStore(root)),
	)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchConfig(watchCtx, root, logger, func(next *config.Config) {
		srv.SetConfig(next)
		driver.SetStatusFilter(statusFilter(next.StatusFilter))
	})

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	logger.Info("serving", "addr", listener.Addr().String(), "root", root, "enabled", cfg.OverlayEnabled())
	go preflightFn(watchCtx, cfg, resolver, root, logger)

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// preflight runs the doctor checks once so problems show up in the log before
// the first edit request. It also warms the resolver cache.
func preflight(ctx context.Context, cfg *config.Config, resolver doctor.Resolver, root string, logger *log.Logger) {
	manager, err := doctor.NewManager(cfg, resolver, doctor.Config{ProjectRoot: root},
		doctor.WithLogger(logger),
		doctor.WithCommandRunner(doctorRunnerFn),
	)
	if err != nil {
		logger.Warn("preflight skipped", "err", err)
		return
	}
	report, err := manager.RunOnce(ctx)
	if err != nil {
		return
	}
	if !report.Healthy() {
		logger.Warn("preflight found problems; run shipflow doctor for details", "failed", len(report.Failed()))
	}
}

// watchConfig reloads configuration on file changes until ctx ends. Route
// paths are fixed at startup; everything else applies to later requests.
func watchConfig(ctx context.Context, root string, logger *log.Logger, apply func(*config.Config)) {
	paths := []string{config.ProjectPath(root)}
	if home, err := serveHomeDirFn(); err == nil {
		paths = append([]string{config.UserPath(home)}, paths...)
	}
	err := config.Watch(ctx, os.Getenv, paths,
		func(next *config.Config) {
			apply(next)
			logger.Info("configuration reloaded", "sources", next.Sources)
		},
		func(err error) {
			logger.Warn("configuration reload failed", "err", err)
		},
	)
	if err != nil {
		logger.Warn("configuration watcher unavailable", "err", err)
	}
}

func statusFilter(cfg config.StatusFilterConfig) cursor.StatusFilter {
	return cursor.StatusFilter{
		Deny:      append([]string(nil), cfg.Deny...),
		Allow:     append([]string(nil), cfg.Allow...),
		MinLength: cfg.MinLength,
		Disabled:  cfg.Disabled,
	}
}
