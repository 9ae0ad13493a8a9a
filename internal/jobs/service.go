// Package jobs is the boundary the rest of the program uses to run and
// inspect the publish and reconcile jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/publish"
	"example.com/buskercal/internal/reconcile"
	"example.com/buskercal/internal/store"
)

// Dispatcher runs a job somewhere and waits for its result.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.JobType) (Result, error)
}

// Executor runs jobs in this process.
type Executor struct {
	publisher  *publish.Orchestrator
	reconciler *reconcile.Reconciler
}

func NewExecutor(p *publish.Orchestrator, r *reconcile.Reconciler) *Executor {
	return &Executor{publisher: p, reconciler: r}
}

// Execute runs one job to completion. Job-level failures are reported in the
// Result, not as an error; the error is reserved for unknown jobs.
func (e *Executor) Execute(ctx context.Context, job domain.JobType) (Result, error) {
	switch job {
	case domain.JobPublish:
		return fromPublish(e.publisher.Run(ctx)), nil
	case domain.JobReconcile:
		return fromReconcile(e.reconciler.Run(ctx)), nil
	default:
		return Result{}, fmt.Errorf("unknown job %q", job)
	}
}

// Service exposes triggers and status. Every run it starts is tied to the
// service and is cancelled and awaited by Close.
type Service struct {
	dispatcher Dispatcher
	store      store.Store
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders run registration against shutdown so wg.Add never races
	// wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// ErrShuttingDown is returned for runs requested after Shutdown.
var ErrShuttingDown = errors.New("service is shutting down")

func NewService(d Dispatcher, st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		dispatcher: d,
		store:      st,
		logger:     logger.With("component", "jobs"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) TriggerPublishRun(ctx context.Context) (Result, error) {
	return s.Trigger(ctx, domain.JobPublish)
}

func (s *Service) TriggerReconciliationRun(ctx context.Context) (Result, error) {
	return s.Trigger(ctx, domain.JobReconcile)
}

// Trigger runs job and waits for it. The run is detached from ctx's
// cancellation, so a caller that goes away does not abort it; it is cancelled
// only when the service shuts down, and Close waits for it.
func (s *Service) Trigger(ctx context.Context, job domain.JobType) (Result, error) {
	if !job.Valid() {
		return Result{}, fmt.Errorf("unknown job %q", job)
	}
	runCtx, done, err := s.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer done()
	return s.dispatch(runCtx, job)
}

// Start runs job in the background.
func (s *Service) Start(job domain.JobType) error {
	if !job.Valid() {
		return fmt.Errorf("unknown job %q", job)
	}
	runCtx, done, err := s.begin(context.Background())
	if err != nil {
		return err
	}
	go func() {
		defer done()
		res, err := s.dispatch(runCtx, job)
		if err == nil {
			s.logger.Info("background job finished", "job", job, "status", res.Status)
		}
	}()
	return nil
}

func (s *Service) dispatch(ctx context.Context, job domain.JobType) (Result, error) {
	res, err := s.dispatcher.Dispatch(ctx, job)
	if err != nil {
		s.logger.Error("job dispatch failed", "job", job, "error", err)
		return res, err
	}
	return res, nil
}

// begin registers a run. The returned context keeps parent's values, ignores
// its cancellation and is cancelled by Shutdown. done must be called when the
// run has finished.
func (s *Service) begin(parent context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrShuttingDown
	}
	s.wg.Add(1)
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		s.wg.Done()
	}, nil
}

// Context is cancelled when the service closes. Scheduled runs derive from it.
func (s *Service) Context() context.Context { return s.ctx }

func (s *Service) LastRun(ctx context.Context, job domain.JobType) (domain.RunMetadata, error) {
	return s.store.LastRun(ctx, job)
}

func (s *Service) RecentErrors(ctx context.Context, n int) ([]domain.ErrorLogEntry, error) {
	return s.store.RecentErrors(ctx, n)
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Shutdown refuses new runs and cancels the ones in flight without waiting.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cancel()
}

// Close shuts down and waits for every run, manual or scheduled, to record
// its result and release its lock.
func (s *Service) Close() {
	s.Shutdown()
	s.wg.Wait()
}
