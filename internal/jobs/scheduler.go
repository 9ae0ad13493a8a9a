package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"example.com/buskercal/internal/domain"
)

// Scheduler fires the two jobs on cron schedules. Overlap of the same job is
// left to the job locks.
type Scheduler struct {
	cron    *cron.Cron
	service *Service
	logger  *slog.Logger

	// entries is filled by NewScheduler and only read afterwards.
	entries map[domain.JobType]cron.EntryID
}

// NewScheduler parses standard five-field specs in loc.
func NewScheduler(svc *Service, loc *time.Location, publishSpec, reconcileSpec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cronLogger{logger})),
			cron.WithLogger(cronLogger{logger}),
		),
		service: svc,
		logger:  logger,
		entries: make(map[domain.JobType]cron.EntryID, 2),
	}
	for job, spec := range map[domain.JobType]string{domain.JobPublish: publishSpec, domain.JobReconcile: reconcileSpec} {
		id, err := s.cron.AddFunc(spec, s.fire(job))
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job, spec, err)
		}
		s.entries[job] = id
	}
	return s, nil
}

func (s *Scheduler) fire(job domain.JobType) func() {
	return func() {
		ctx := s.service.Context()
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("scheduled run firing", "job", job)
		res, err := s.service.Trigger(ctx, job)
		if err != nil {
			return
		}
		s.logger.Info("scheduled run done", "job", job, "status", res.Status, "errors", res.Errors)
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new firings, shuts the service down so running jobs wind
// down, and waits for scheduled ones until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.service.Shutdown()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Next returns the next firing time per job.
func (s *Scheduler) Next() map[domain.JobType]time.Time {
	out := make(map[domain.JobType]time.Time, len(s.entries))
	for job, id := range s.entries {
		out[job] = s.cron.Entry(id).Next
	}
	return out
}

type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
