package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	temporalworker "go.temporal.io/sdk/worker"

	"example.com/buskercal/internal/api"
	"example.com/buskercal/internal/dispatch"
	"example.com/buskercal/internal/jobs"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand runs the scheduler and the HTTP API until interrupted.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		Long: `Run both jobs on their cron schedules and serve /healthz, /status,
/errors, /metrics and POST /jobs/{publish|reconcile}.

With temporal.enabled the jobs are dispatched as workflows; --worker also
polls the task queue from this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts, withWorker)
		},
	}
	cmd.Flags().BoolVar(&withWorker, "worker", true, "when temporal is enabled, also run a worker in this process")
	return cmd
}

func serve(parent context.Context, opts *RootOptions, withWorker bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := opts.logger

	rt, err := newRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())

	dispatcher, err := rt.dispatcher(logger)
	if err != nil {
		return err
	}
	if rt.cfg.Temporal.Enabled && withWorker {
		w := dispatch.RegisterWorker(rt.temporal, rt.executor, rt.cfg.Temporal.TaskQueue, logger)
		if err := w.Start(); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
		defer w.Stop()
	}

	svc := jobs.NewService(dispatcher, rt.store, logger)
	loc, _ := rt.cfg.Location()
	scheduler, err := jobs.NewScheduler(svc, loc, rt.cfg.Publish.Schedule, rt.cfg.Reconcile.Schedule, logger)
	if err != nil {
		return err
	}
	scheduler.Start()

	serverLogger := logger.With("component", "http")
	server := &http.Server{
		Addr:              rt.cfg.HTTP.Addr,
		Handler:           api.NewServer(svc, scheduler, rt.metrics.Handler(), serverLogger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serverLogger.Info("API listening", "addr", server.Addr, "temporal", rt.cfg.Temporal.Enabled)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Stopping the scheduler shuts the service down, which also cancels
	// synchronous runs held open by HTTP handlers.
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler did not stop in time", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	svc.Close()
	logger.Info("buskercal stopped")
	return nil
}

// NewWorkerCommand runs only a Temporal worker for the job task queue.
func NewWorkerCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker that executes dispatched jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.cfg.Temporal.Enabled {
				return errors.New("temporal.enabled is false; nothing to consume")
			}
			rt, err := newRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())
			c, err := rt.dialTemporal(opts.logger)
			if err != nil {
				return err
			}
			w := dispatch.RegisterWorker(c, rt.executor, rt.cfg.Temporal.TaskQueue, opts.logger)
			opts.logger.Info("temporal worker polling", "task_queue", rt.cfg.Temporal.TaskQueue, "address", rt.cfg.Temporal.Address)
			return w.Run(temporalworker.InterruptCh())
		},
	}
}
