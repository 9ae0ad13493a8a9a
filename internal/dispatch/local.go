// Package dispatch decides where a job runs: in this process or as a
// Temporal workflow on a worker.
package dispatch

import (
	"context"
	"log/slog"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/jobs"
)

// Runner executes a job to completion. *jobs.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, job domain.JobType) (jobs.Result, error)
}

// Local runs jobs in-process.
type Local struct {
	runner Runner
	logger *slog.Logger
}

var _ jobs.Dispatcher = (*Local)(nil)

func NewLocal(r Runner, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{runner: r, logger: logger.With("component", "dispatch.local")}
}

func (l *Local) Dispatch(ctx context.Context, job domain.JobType) (jobs.Result, error) {
	res, err := l.runner.Execute(ctx, job)
	if err != nil {
		l.logger.Error("job failed to run", "job", job, "error", err)
		return res, err
	}
	l.logger.Info("job finished", "job", job, "status", res.Status, "created", res.Created, "errors", res.Errors, "duration", res.Duration)
	return res, nil
}
