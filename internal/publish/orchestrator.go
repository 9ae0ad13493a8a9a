// Package publish runs the publish job: take the lock, pull the schedule,
// drop what is already published and create calendar events for the rest.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/extract"
	"example.com/buskercal/internal/lock"
	"example.com/buskercal/internal/retry"
	"example.com/buskercal/internal/store"
	"example.com/buskercal/internal/telemetry"
)

// Report is the outcome of one run.
type Report struct {
	Status         domain.RunStatus
	StartedAt      time.Time
	Duration       time.Duration
	RecordsScraped int
	EventsCreated  int
	EventsAdopted  int
	EventsSkipped  int
	ErrorsCount    int
	// Unprocessed counts records left untouched after shutdown or lease loss.
	Unprocessed int
	Interrupted bool
	Err         error
}

func (r Report) metadata() domain.RunMetadata {
	return domain.RunMetadata{
		JobType:        domain.JobPublish,
		LastRunAt:      r.StartedAt,
		LastRunStatus:  r.Status,
		RecordsScraped: r.RecordsScraped,
		EventsCreated:  r.EventsCreated,
		EventsAdopted:  r.EventsAdopted,
		EventsSkipped:  r.EventsSkipped,
		ErrorsCount:    r.ErrorsCount,
		Duration:       r.Duration,
	}
}

// OrchestratorConfig holds the run-level knobs.
type OrchestratorConfig struct {
	LockTTL time.Duration
	Policy  retry.Policy
}

type Orchestrator struct {
	locks     *lock.Manager
	extractor extract.Extractor
	store     store.Store
	publisher *Publisher
	clock     clock.Clock
	cfg       OrchestratorConfig
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

func NewOrchestrator(
	locks *lock.Manager,
	extractor extract.Extractor,
	st store.Store,
	publisher *Publisher,
	clk clock.Clock,
	cfg OrchestratorConfig,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		locks:     locks,
		extractor: extractor,
		store:     st,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("component", "publish", "job", string(domain.JobPublish)),
	}
}

// Run executes one publish run. Cancelling ctx is the shutdown signal: the
// current external call finishes, remaining records are left for the next
// run, and the partial metadata is still recorded before the lock is freed.
func (o *Orchestrator) Run(ctx context.Context) (report Report) {
	ctx, span := telemetry.Tracer().Start(ctx, "publish.run")
	defer span.End()

	report = Report{StartedAt: o.clock.Now()}
	work := context.WithoutCancel(ctx)

	lease, err := o.locks.Acquire(work, lock.NamePublish, o.cfg.LockTTL)
	if errors.Is(err, lock.ErrBusy) {
		report.Status = domain.RunSkipped
		o.logger.Info("publish run skipped, another instance holds the lock")
		o.metrics.ObserveRun(string(domain.JobPublish), string(report.Status), o.clock.Now(), 0)
		span.SetAttributes(attribute.String("run.status", string(report.Status)))
		return report
	}
	if err != nil {
		report.Status = domain.RunFailed
		report.ErrorsCount = 1
		report.Err = err
		o.logger.Error("publish run could not take the lock", "error", err)
		o.metrics.ObserveRun(string(domain.JobPublish), string(report.Status), o.clock.Now(), 0)
		span.SetStatus(codes.Error, err.Error())
		return report
	}

	defer func() {
		report.Duration = o.clock.Now().Sub(report.StartedAt)
		o.finish(work, lease, &report)
		span.SetAttributes(
			attribute.String("run.status", string(report.Status)),
			attribute.Int("run.records_scraped", report.RecordsScraped),
			attribute.Int("run.events_created", report.EventsCreated),
			attribute.Int("run.errors", report.ErrorsCount),
		)
		if report.Err != nil {
			span.SetStatus(codes.Error, report.Err.Error())
		}
	}()

	records, err := retry.Run(ctx, o.cfg.Policy, func(context.Context) ([]domain.RawRecord, error) {
		return o.extractor.FetchSchedule(work)
	})
	if err != nil {
		report.Status = domain.RunFailed
		report.ErrorsCount++
		report.Err = fmt.Errorf("extract schedule: %w", err)
		o.recordError(work, report.Err.Error())
		return report
	}
	report.RecordsScraped = len(records)
	o.logger.Info("schedule extracted", "records", len(records))

	valid, rejected := extract.Validate(records)
	for _, rej := range rejected {
		report.ErrorsCount++
		o.recordError(work, fmt.Sprintf("invalid record #%d: %v", rej.Index, rej.Err))
	}
	o.metrics.CountEvents(string(domain.JobPublish), telemetry.OutcomeInvalid, len(rejected))

	o.publishAll(ctx, work, lease, valid, &report)
	report.Status = domain.RunCompleted
	return report
}

func (o *Orchestrator) publishAll(ctx, work context.Context, lease *lock.Lease, records []domain.RawRecord, report *Report) {
	seen := make(map[domain.Fingerprint]struct{}, len(records))
	for i, r := range records {
		if ctx.Err() != nil {
			o.interrupt(report, len(records)-i, "shutdown requested")
			return
		}
		if err := lease.RenewIfDue(work); err != nil {
			if errors.Is(err, lock.ErrNotHeld) {
				o.interrupt(report, len(records)-i, "lock lost")
				report.ErrorsCount++
				o.recordError(work, "publish lock lost mid-run")
				return
			}
			o.logger.Warn("lock renewal failed", "error", err)
		}

		fp := domain.FingerprintOf(r)
		log := o.logger.With("fingerprint", fp.Short(), "date", r.Date, "start", r.StartTime)
		if _, dup := seen[fp]; dup {
			report.EventsSkipped++
			log.Debug("duplicate record in batch")
			continue
		}
		seen[fp] = struct{}{}

		exists, err := retry.Run(ctx, o.cfg.Policy, func(context.Context) (bool, error) {
			return o.store.Exists(work, fp)
		})
		if err != nil {
			if o.interruptedBy(ctx, err) {
				o.interrupt(report, len(records)-i, "shutdown requested")
				return
			}
			report.ErrorsCount++
			o.recordError(work, fmt.Sprintf("dedup check %s: %v", fp.Short(), err))
			continue
		}
		if exists {
			report.EventsSkipped++
			log.Debug("already published")
			continue
		}

		rec, outcome, err := o.publisher.Publish(ctx, fp, r)
		if err != nil {
			if o.interruptedBy(ctx, err) {
				o.interrupt(report, len(records)-i, "shutdown requested")
				return
			}
			report.ErrorsCount++
			o.metrics.CountEvents(string(domain.JobPublish), telemetry.OutcomeFailed, 1)
			o.recordError(work, fmt.Sprintf("publish %s on %s at %s: %v", fp.Short(), r.Date, r.StartTime, err))
			continue
		}
		switch outcome {
		case Adopted:
			report.EventsAdopted++
			o.metrics.CountEvents(string(domain.JobPublish), telemetry.OutcomeAdopted, 1)
			log.Info("adopted existing calendar event", "event_id", rec.ExternalEventID)
		default:
			report.EventsCreated++
			o.metrics.CountEvents(string(domain.JobPublish), telemetry.OutcomeCreated, 1)
			log.Info("calendar event published", "event_id", rec.ExternalEventID)
		}
	}
}

func (o *Orchestrator) interrupt(report *Report, remaining int, reason string) {
	report.Interrupted = true
	report.Unprocessed += remaining
	o.logger.Warn("publish run stopping early", "reason", reason, "unprocessed", remaining)
}

// interruptedBy reports whether err came from a retry wait cut short by
// shutdown rather than from the operation itself.
func (o *Orchestrator) interruptedBy(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}

func (o *Orchestrator) finish(ctx context.Context, lease *lock.Lease, report *Report) {
	job := string(domain.JobPublish)
	o.metrics.CountEvents(job, telemetry.OutcomeSkipped, report.EventsSkipped)

	meta := report.metadata()
	if _, err := retry.Run(ctx, o.cfg.Policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.store.RecordRun(ctx, domain.JobPublish, meta)
	}); err != nil {
		o.logger.Error("record run metadata", "error", err)
	}
	if err := lease.Release(ctx); err != nil {
		o.logger.Warn("release publish lock", "error", err)
	}

	o.metrics.ObserveRun(job, string(report.Status), o.clock.Now(), report.Duration)
	o.logger.Info("publish run finished",
		"status", report.Status,
		"records_scraped", report.RecordsScraped,
		"events_created", report.EventsCreated,
		"events_adopted", report.EventsAdopted,
		"events_skipped", report.EventsSkipped,
		"errors", report.ErrorsCount,
		"unprocessed", report.Unprocessed,
		"duration", report.Duration,
	)
}

func (o *Orchestrator) recordError(ctx context.Context, msg string) {
	o.logger.Error(msg)
	entry := domain.ErrorLogEntry{Timestamp: o.clock.Now().UTC(), JobType: domain.JobPublish, Message: msg}
	if err := o.store.AppendError(ctx, entry); err != nil {
		o.logger.Warn("append error log", "error", err)
	}
}
