package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/facebookgo/clock"

	"example.com/buskercal/internal/calendar"
	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/retry"
	"example.com/buskercal/internal/store"
)

// Outcome says how a record reached the calendar.
type Outcome int

const (
	// Created means a new calendar event was inserted.
	Created Outcome = iota
	// Adopted means a live event already carried the fingerprint and its id
	// was stored instead.
	Adopted
)

// PublisherConfig tunes single-record publishing.
type PublisherConfig struct {
	Policy        retry.Policy
	EventTTL      time.Duration
	TitleSuffix   string
	AdoptExisting bool
}

// Publisher turns one validated record into a calendar event plus a stored
// EventRecord. Every external call goes through the retry engine. Calls run
// on a context detached from cancellation so an in-flight request always
// completes; only the waits between attempts observe ctx.
type Publisher struct {
	store    store.Store
	calendar calendar.Client
	clock    clock.Clock
	cfg      PublisherConfig
	logger   *slog.Logger
}

func NewPublisher(st store.Store, cal calendar.Client, clk clock.Clock, cfg PublisherConfig, logger *slog.Logger) *Publisher {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.EventTTL <= 0 {
		cfg.EventTTL = 90 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: st, calendar: cal, clock: clk, cfg: cfg, logger: logger}
}

// Publish creates, or adopts, the calendar event for r and stores the
// resulting record with the configured TTL.
func (p *Publisher) Publish(ctx context.Context, fp domain.Fingerprint, r domain.RawRecord) (domain.EventRecord, Outcome, error) {
	call := context.WithoutCancel(ctx)
	outcome := Created

	var externalID string
	if p.cfg.AdoptExisting {
		id, err := p.findExisting(ctx, fp, r.Date)
		if err != nil {
			return domain.EventRecord{}, outcome, err
		}
		if id != "" {
			externalID = id
			outcome = Adopted
		}
	}
	if externalID == "" {
		spec := calendar.SpecFor(fp, r, p.cfg.TitleSuffix)
		id, err := retry.Run(ctx, p.cfg.Policy, func(context.Context) (string, error) {
			return p.calendar.CreateEvent(call, spec)
		})
		if err != nil {
			return domain.EventRecord{}, outcome, fmt.Errorf("create event %s: %w", fp.Short(), err)
		}
		externalID = id
	}

	rec := domain.NewEventRecord(fp, r, externalID, p.clock.Now(), p.cfg.EventTTL)
	if err := p.put(call, rec, p.cfg.EventTTL); err != nil {
		p.logger.Error("calendar event created but not stored",
			"fingerprint", fp.Short(), "event_id", externalID, "error", err)
		return domain.EventRecord{}, outcome, err
	}
	return rec, outcome, nil
}

// Recreate inserts a fresh calendar event for a stored record whose event
// disappeared, and stores the new id. The record keeps its original expiry; a
// record that has already expired is not recreated and the error wraps
// store.ErrNotFound.
func (p *Publisher) Recreate(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, error) {
	if rec.RemainingTTL(p.clock.Now()) <= 0 {
		return rec, expired(rec)
	}
	call := context.WithoutCancel(ctx)
	spec := calendar.SpecFor(rec.Fingerprint, rec.Raw(), p.cfg.TitleSuffix)
	id, err := retry.Run(ctx, p.cfg.Policy, func(context.Context) (string, error) {
		return p.calendar.CreateEvent(call, spec)
	})
	if err != nil {
		return rec, fmt.Errorf("recreate event %s: %w", rec.Fingerprint.Short(), err)
	}
	rec.ExternalEventID = id
	rec.Stale = false
	if err := p.put(call, rec, rec.RemainingTTL(p.clock.Now())); err != nil {
		return rec, err
	}
	return rec, nil
}

// Restore puts the published title and location back on a live event that
// was edited by hand. It reports whether an update was needed.
func (p *Publisher) Restore(ctx context.Context, rec domain.EventRecord, live calendar.LiveEvent) (bool, error) {
	spec := calendar.SpecFor(rec.Fingerprint, rec.Raw(), p.cfg.TitleSuffix)
	if !spec.Drifted(live) {
		return false, nil
	}
	call := context.WithoutCancel(ctx)
	if _, err := retry.Run(ctx, p.cfg.Policy, func(context.Context) (struct{}, error) {
		return struct{}{}, p.calendar.UpdateEvent(call, live.ID, spec)
	}); err != nil {
		return false, fmt.Errorf("restore event %s: %w", rec.Fingerprint.Short(), err)
	}
	return true, nil
}

// MarkStale flags a record whose event could not be recreated.
func (p *Publisher) MarkStale(ctx context.Context, rec domain.EventRecord) error {
	rec.Stale = true
	return p.put(context.WithoutCancel(ctx), rec, rec.RemainingTTL(p.clock.Now()))
}

func (p *Publisher) findExisting(ctx context.Context, fp domain.Fingerprint, date string) (string, error) {
	call := context.WithoutCancel(ctx)
	events, err := retry.Run(ctx, p.cfg.Policy, func(context.Context) ([]calendar.LiveEvent, error) {
		return p.calendar.ListEvents(call, date, date)
	})
	if err != nil {
		return "", fmt.Errorf("look up existing event %s: %w", fp.Short(), err)
	}
	for _, ev := range events {
		if ev.Fingerprint == fp {
			return ev.ID, nil
		}
	}
	return "", nil
}

// put runs its whole retry loop on ctx; callers pass a detached context so a
// created event is never left unrecorded because of shutdown.
func (p *Publisher) put(ctx context.Context, rec domain.EventRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return expired(rec)
	}
	_, err := retry.Run(ctx, p.cfg.Policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.store.Put(ctx, rec, ttl)
	})
	if err != nil {
		return fmt.Errorf("store event %s: %w", rec.Fingerprint.Short(), err)
	}
	return nil
}

func expired(rec domain.EventRecord) error {
	return fmt.Errorf("store event %s: record expired at %s: %w",
		rec.Fingerprint.Short(), rec.ExpiresAt.Format(time.RFC3339), store.ErrNotFound)
}
