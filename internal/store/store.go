// Package store persists published events, the date timeline, run metadata,
// the capped error log and lock entries. Two backends implement Store: SQLite
// for single-host deployments and Redis for shared deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/buskercal/internal/domain"
)

var (
	// ErrNotFound is returned by Get and LastRun for absent or expired keys.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps connectivity failures. The retry engine treats
	// them as transient.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the durable source of truth for what has already been published.
type Store interface {
	// Put inserts or overwrites the record for rec.Fingerprint and indexes it
	// under rec.Date in the timeline.
	Put(ctx context.Context, rec domain.EventRecord, ttl time.Duration) error
	Get(ctx context.Context, fp domain.Fingerprint) (domain.EventRecord, error)
	Exists(ctx context.Context, fp domain.Fingerprint) (bool, error)
	Delete(ctx context.Context, fp domain.Fingerprint) error
	// IndexByDateRange returns live fingerprints with from <= date <= to,
	// ordered by date then fingerprint. Dates use domain.DateLayout.
	IndexByDateRange(ctx context.Context, from, to string) ([]domain.Fingerprint, error)
	// PruneTimeline drops timeline entries whose record has expired.
	PruneTimeline(ctx context.Context) (int, error)

	AppendError(ctx context.Context, entry domain.ErrorLogEntry) error
	// RecentErrors returns up to n entries, newest first.
	RecentErrors(ctx context.Context, n int) ([]domain.ErrorLogEntry, error)

	RecordRun(ctx context.Context, job domain.JobType, meta domain.RunMetadata) error
	LastRun(ctx context.Context, job domain.JobType) (domain.RunMetadata, error)

	// AcquireLock sets name to token only if no live entry exists.
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	// ReleaseLock deletes name only if it is held by token.
	ReleaseLock(ctx context.Context, name, token string) (bool, error)
	// RenewLock extends name to ttl from now only if it is held by token.
	RenewLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}

type unavailableError struct {
	op  string
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.op, ErrUnavailable, e.err)
}

func (e *unavailableError) Unwrap() error { return e.err }

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *unavailableError) Retryable() bool { return true }

func unavailable(op string, err error) error {
	return &unavailableError{op: op, err: err}
}

// dayIndex maps a date string to the timeline score.
func dayIndex(date string) (int64, error) {
	ts, err := time.Parse(domain.DateLayout, date)
	if err != nil {
		return 0, fmt.Errorf("timeline date %q: %w", date, err)
	}
	return ts.Unix() / 86400, nil
}
