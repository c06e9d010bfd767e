package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/intentd/internal/model"
	"github.com/roach88/intentd/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intent API, dispatcher and outbox relay",
		Long: `Start intentd.

Crash recovery runs first. The HTTP API is only opened once every execution
left mid-flight by a previous process has been resolved. SIGHUP reloads the
policy file; SIGINT or SIGTERM drains in-flight executions and stops.

Example:
  intentd serve --db ./intentd.db --listen :8080
  INTENTD_POLICY_FILE=policy.cue intentd serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default $INTENTD_LISTEN)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	rt, logger, err := opts.openRuntime(cmd)
	if err != nil {
		return err
	}
	cfg := rt.Config
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()
	defer closeRuntime(ctx, rt, logger)

	report, err := rt.Manager.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}
	if !report.Empty() {
		logger.Info("recovery complete",
			"resumed", len(report.Resumed),
			"failed", len(report.Failed),
			"compensated", len(report.Compensated),
			"manual", len(report.Manual),
			"finalized", len(report.Finalized),
			"orphans", len(report.Orphans))
	}

	rt.Manager.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := rt.Relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox relay stopped", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		rt.RunSweeper(ctx, cfg.SweepInterval)
	}()

	srv := server.New(server.Deps{
		Lifecycle: rt.Manager,
		Sessions:  rt.Store,
		Artifacts: rt.Store,
		Reader:    rt.Materializer,
		Realms:    rt.Registry,
		Sagas:     rt.Store,
		Health:    rt.Store,
		IDs:       model.UUIDv7Generator{},
		Clock:     rt.Clock,
		Limiter:   server.NewTenantLimiter(cfg.TenantRPS, cfg.TenantBurst),
		Logger:    logger,
	})

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Start(cfg.Listen)
	}()
	logger.Info("intentd started", "listen", cfg.Listen, "db", cfg.DBPath, "workers", cfg.Workers)
	fmt.Fprintf(cmd.OutOrStdout(), "intentd listening on %s\n", cfg.Listen)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := rt.ReloadPolicy(); err != nil {
					logger.Error("policy reload failed", "error", err)
				}
				continue
			}
			logger.Info("received signal, shutting down", "signal", sig)
			break loop
		case err := <-srvErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				runErr = WrapExitError(ExitFailure, "http server failed", err)
			}
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := rt.Manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("dispatcher shutdown", "error", err)
	}
	cancel()
	wg.Wait()

	logger.Info("intentd stopped")
	return runErr
}
