// Package reconcile compares the stored event index with the calendar's live
// events for a date window and repairs drift.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facebookgo/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"example.com/buskercal/internal/calendar"
	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/lock"
	"example.com/buskercal/internal/publish"
	"example.com/buskercal/internal/retry"
	"example.com/buskercal/internal/store"
	"example.com/buskercal/internal/telemetry"
)

const job = string(domain.JobReconcile)

// Config tunes one reconciliation run.
type Config struct {
	LockTTL    time.Duration
	WindowDays int
	// DeleteOrphans allows deleting calendar events that carry our
	// fingerprint but have no matching stored record. Foreign events are
	// never deleted.
	DeleteOrphans bool
	Location      *time.Location
	Policy        retry.Policy
}

// Report is the outcome of one run.
type Report struct {
	Status      domain.RunStatus
	StartedAt   time.Time
	Duration    time.Duration
	From, To    string
	Stored      int
	Live        int
	InSync      int
	Updated     int
	Recreated   int
	Relinked    int
	MarkedStale int
	Orphans     int
	Duplicates  int
	Deleted     int
	Purged      int
	Pruned      int
	ErrorsCount int
	Interrupted bool
	Err         error
}

func (r Report) metadata() domain.RunMetadata {
	return domain.RunMetadata{
		JobType:        domain.JobReconcile,
		LastRunAt:      r.StartedAt,
		LastRunStatus:  r.Status,
		RecordsScraped: r.Stored,
		EventsCreated:  r.Recreated,
		EventsAdopted:  r.Relinked,
		EventsSkipped:  r.InSync,
		ErrorsCount:    r.ErrorsCount,
		Duration:       r.Duration,
	}
}

type Reconciler struct {
	locks     *lock.Manager
	store     store.Store
	calendar  calendar.Client
	publisher *publish.Publisher
	clock     clock.Clock
	cfg       Config
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

func New(
	locks *lock.Manager,
	st store.Store,
	cal calendar.Client,
	publisher *publish.Publisher,
	clk clock.Clock,
	cfg Config,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Reconciler {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = 90
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		locks:     locks,
		store:     st,
		calendar:  cal,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("component", "reconcile", "job", job),
	}
}

// Run executes one reconciliation. A failure to read either side ends the
// run as Failed before any repair is attempted.
func (r *Reconciler) Run(ctx context.Context) (report Report) {
	ctx, span := telemetry.Tracer().Start(ctx, "reconcile.run")
	defer span.End()

	report = Report{StartedAt: r.clock.Now()}
	work := context.WithoutCancel(ctx)

	lease, err := r.locks.Acquire(work, lock.NameReconcile, r.cfg.LockTTL)
	if errors.Is(err, lock.ErrBusy) {
		report.Status = domain.RunSkipped
		r.logger.Info("reconcile run skipped, another instance holds the lock")
		r.metrics.ObserveRun(job, string(report.Status), r.clock.Now(), 0)
		return report
	}
	if err != nil {
		report.Status = domain.RunFailed
		report.ErrorsCount = 1
		report.Err = err
		r.logger.Error("reconcile run could not take the lock", "error", err)
		r.metrics.ObserveRun(job, string(report.Status), r.clock.Now(), 0)
		span.SetStatus(codes.Error, err.Error())
		return report
	}
	defer func() {
		report.Duration = r.clock.Now().Sub(report.StartedAt)
		r.finish(work, lease, &report)
		span.SetAttributes(
			attribute.String("run.status", string(report.Status)),
			attribute.Int("run.recreated", report.Recreated),
			attribute.Int("run.updated", report.Updated),
			attribute.Int("run.errors", report.ErrorsCount),
		)
		if report.Err != nil {
			span.SetStatus(codes.Error, report.Err.Error())
		}
	}()

	today := r.clock.Now().In(r.cfg.Location)
	report.From = today.Format(domain.DateLayout)
	report.To = today.AddDate(0, 0, r.cfg.WindowDays).Format(domain.DateLayout)

	fps, err := retry.Run(ctx, r.cfg.Policy, func(context.Context) ([]domain.Fingerprint, error) {
		return r.store.IndexByDateRange(work, report.From, report.To)
	})
	if err != nil {
		r.fail(work, &report, fmt.Errorf("read stored window: %w", err))
		return report
	}
	live, err := retry.Run(ctx, r.cfg.Policy, func(context.Context) ([]calendar.LiveEvent, error) {
		return r.calendar.ListEvents(work, report.From, report.To)
	})
	if err != nil {
		r.fail(work, &report, fmt.Errorf("list calendar window: %w", err))
		return report
	}
	report.Stored = len(fps)
	report.Live = len(live)
	r.logger.Info("reconcile window loaded", "from", report.From, "to", report.To, "stored", len(fps), "live", len(live))

	claimed := r.repairStored(ctx, work, lease, fps, live, &report)
	if report.Interrupted {
		report.Status = domain.RunCompleted
		return report
	}
	r.reviewCalendarOnly(ctx, work, fps, live, claimed, &report)
	r.cleanupPastWindow(work, today, &report)

	report.Status = domain.RunCompleted
	return report
}

// repairStored walks the stored fingerprints and returns the ids of live
// events that back a stored record.
func (r *Reconciler) repairStored(ctx, work context.Context, lease *lock.Lease, fps []domain.Fingerprint, live []calendar.LiveEvent, report *Report) map[string]struct{} {
	byID := make(map[string]calendar.LiveEvent, len(live))
	byFP := make(map[domain.Fingerprint]calendar.LiveEvent, len(live))
	for _, ev := range live {
		byID[ev.ID] = ev
		if ev.Fingerprint != "" {
			if _, ok := byFP[ev.Fingerprint]; !ok {
				byFP[ev.Fingerprint] = ev
			}
		}
	}

	claimed := make(map[string]struct{}, len(fps))
	for i, fp := range fps {
		if ctx.Err() != nil {
			r.interrupt(report, len(fps)-i, "shutdown requested")
			return claimed
		}
		if err := lease.RenewIfDue(work); err != nil {
			if errors.Is(err, lock.ErrNotHeld) {
				r.interrupt(report, len(fps)-i, "lock lost")
				report.ErrorsCount++
				r.recordError(work, "reconcile lock lost mid-run")
				return claimed
			}
			r.logger.Warn("lock renewal failed", "error", err)
		}

		log := r.logger.With("fingerprint", fp.Short())
		rec, err := retry.Run(ctx, r.cfg.Policy, func(context.Context) (domain.EventRecord, error) {
			return r.store.Get(work, fp)
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			report.ErrorsCount++
			r.recordError(work, fmt.Sprintf("load record %s: %v", fp.Short(), err))
			continue
		}

		if ev, ok := byID[rec.ExternalEventID]; ok {
			claimed[rec.ExternalEventID] = struct{}{}
			updated, err := r.publisher.Restore(ctx, rec, ev)
			switch {
			case err != nil:
				report.ErrorsCount++
				r.recordError(work, fmt.Sprintf("restore %s on %s: %v", fp.Short(), ev.ID, err))
			case updated:
				report.Updated++
				r.metrics.CountEvents(job, telemetry.OutcomeUpdated, 1)
				log.Info("edited calendar event restored", "event_id", ev.ID, "summary", ev.Summary)
			default:
				report.InSync++
			}
			continue
		}

		if ev, ok := byFP[fp]; ok {
			// The event exists under another id, for instance after a
			// create whose store write failed; point the record at it.
			rec.ExternalEventID = ev.ID
			rec.Stale = false
			err := r.relink(work, rec)
			if errors.Is(err, store.ErrNotFound) {
				log.Debug("record expired during run", "error", err)
				continue
			}
			if err != nil {
				report.ErrorsCount++
				r.recordError(work, fmt.Sprintf("relink %s to %s: %v", fp.Short(), ev.ID, err))
				continue
			}
			claimed[ev.ID] = struct{}{}
			report.Relinked++
			log.Info("record relinked to live event", "event_id", ev.ID)
			continue
		}

		recreated, err := r.publisher.Recreate(ctx, rec)
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("record expired during run", "error", err)
			continue
		}
		if err != nil {
			report.ErrorsCount++
			r.recordError(work, fmt.Sprintf("recreate %s on %s at %s: %v", fp.Short(), rec.Date, rec.StartTime, err))
			if serr := r.publisher.MarkStale(work, rec); serr != nil {
				r.logger.Error("mark record stale", "fingerprint", fp.Short(), "error", serr)
				continue
			}
			report.MarkedStale++
			r.metrics.CountEvents(job, telemetry.OutcomeStale, 1)
			continue
		}
		claimed[recreated.ExternalEventID] = struct{}{}
		report.Recreated++
		r.metrics.CountEvents(job, telemetry.OutcomeRecreated, 1)
		log.Info("missing calendar event recreated", "old_event_id", rec.ExternalEventID, "event_id", recreated.ExternalEventID)
	}
	return claimed
}

// reviewCalendarOnly handles live events that back no stored record.
func (r *Reconciler) reviewCalendarOnly(ctx, work context.Context, fps []domain.Fingerprint, live []calendar.LiveEvent, claimed map[string]struct{}, report *Report) {
	stored := make(map[domain.Fingerprint]struct{}, len(fps))
	for _, fp := range fps {
		stored[fp] = struct{}{}
	}
	for _, ev := range live {
		if _, ok := claimed[ev.ID]; ok {
			continue
		}
		if ev.Fingerprint == "" {
			r.logger.Debug("ignoring foreign calendar event", "event_id", ev.ID, "summary", ev.Summary)
			continue
		}
		if _, ok := stored[ev.Fingerprint]; ok {
			report.Duplicates++
			r.logger.Warn("duplicate calendar event", "event_id", ev.ID, "fingerprint", ev.Fingerprint.Short(), "date", ev.Date)
		} else {
			report.Orphans++
			r.metrics.CountEvents(job, telemetry.OutcomeOrphan, 1)
			r.logger.Warn("calendar event has no stored record", "event_id", ev.ID, "fingerprint", ev.Fingerprint.Short(), "date", ev.Date)
		}
		if !r.cfg.DeleteOrphans || ctx.Err() != nil {
			continue
		}
		if _, err := retry.Run(ctx, r.cfg.Policy, func(context.Context) (struct{}, error) {
			return struct{}{}, r.calendar.DeleteEvent(work, ev.ID)
		}); err != nil {
			report.ErrorsCount++
			r.recordError(work, fmt.Sprintf("delete calendar event %s: %v", ev.ID, err))
			continue
		}
		report.Deleted++
		r.metrics.CountEvents(job, telemetry.OutcomeDeleted, 1)
	}
}

// cleanupPastWindow deletes stale records dated before the window and drops
// expired timeline entries.
func (r *Reconciler) cleanupPastWindow(ctx context.Context, today time.Time, report *Report) {
	yesterday := today.AddDate(0, 0, -1).Format(domain.DateLayout)
	past, err := r.store.IndexByDateRange(ctx, "1970-01-01", yesterday)
	if err != nil {
		r.logger.Warn("list past records", "error", err)
	}
	for _, fp := range past {
		rec, err := r.store.Get(ctx, fp)
		if err != nil || !rec.Stale {
			continue
		}
		if err := r.store.Delete(ctx, fp); err != nil {
			r.logger.Warn("delete stale record", "fingerprint", fp.Short(), "error", err)
			continue
		}
		report.Purged++
	}
	pruned, err := r.store.PruneTimeline(ctx)
	if err != nil {
		r.logger.Warn("prune timeline", "error", err)
		return
	}
	report.Pruned = pruned
}

// relink keeps the record's expiry. An expired record is not written back and
// the error wraps store.ErrNotFound.
func (r *Reconciler) relink(ctx context.Context, rec domain.EventRecord) error {
	ttl := rec.RemainingTTL(r.clock.Now())
	if ttl <= 0 {
		return fmt.Errorf("relink %s: record expired: %w", rec.Fingerprint.Short(), store.ErrNotFound)
	}
	_, err := retry.Run(ctx, r.cfg.Policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.Put(ctx, rec, ttl)
	})
	return err
}

func (r *Reconciler) fail(ctx context.Context, report *Report, err error) {
	report.Status = domain.RunFailed
	report.ErrorsCount++
	report.Err = err
	r.recordError(ctx, err.Error())
}

func (r *Reconciler) interrupt(report *Report, remaining int, reason string) {
	report.Interrupted = true
	r.logger.Warn("reconcile run stopping early", "reason", reason, "unprocessed", remaining)
}

func (r *Reconciler) finish(ctx context.Context, lease *lock.Lease, report *Report) {
	meta := report.metadata()
	if _, err := retry.Run(ctx, r.cfg.Policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.store.RecordRun(ctx, domain.JobReconcile, meta)
	}); err != nil {
		r.logger.Error("record run metadata", "error", err)
	}
	if err := lease.Release(ctx); err != nil {
		r.logger.Warn("release reconcile lock", "error", err)
	}
	r.metrics.ObserveRun(job, string(report.Status), r.clock.Now(), report.Duration)
	r.logger.Info("reconcile run finished",
		"status", report.Status,
		"stored", report.Stored,
		"live", report.Live,
		"in_sync", report.InSync,
		"updated", report.Updated,
		"recreated", report.Recreated,
		"relinked", report.Relinked,
		"stale", report.MarkedStale,
		"orphans", report.Orphans,
		"duplicates", report.Duplicates,
		"deleted", report.Deleted,
		"purged", report.Purged,
		"pruned", report.Pruned,
		"errors", report.ErrorsCount,
		"duration", report.Duration,
	)
}

func (r *Reconciler) recordError(ctx context.Context, msg string) {
	r.logger.Error(msg)
	entry := domain.ErrorLogEntry{Timestamp: r.clock.Now().UTC(), JobType: domain.JobReconcile, Message: msg}
	if err := r.store.AppendError(ctx, entry); err != nil {
		r.logger.Warn("append error log", "error", err)
	}
}
