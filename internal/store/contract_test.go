package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/buskercal/internal/domain"
)

const eventTTL = 90 * 24 * time.Hour

// harness is one backend under test plus a way to move its notion of time.
type harness struct {
	store   Store
	clock   *clock.Mock
	advance func(time.Duration)
	// breakConn makes every later call fail with a connectivity error.
	breakConn func()
}

func testRecord(date, start, performer string) domain.EventRecord {
	raw := domain.RawRecord{
		Date:          date,
		StartTime:     start,
		EndTime:       "23:00",
		Location:      "Esplanade",
		PerformerName: performer,
	}
	return domain.EventRecord{
		Fingerprint:     domain.FingerprintOf(raw),
		Date:            raw.Date,
		StartTime:       raw.StartTime,
		EndTime:         raw.EndTime,
		Location:        raw.Location,
		PerformerName:   raw.PerformerName,
		ExternalEventID: "cal-" + performer,
	}
}

func runStoreContract(t *testing.T, newHarness func(t *testing.T) harness) {
	ctx := context.Background()

	t.Run("put get exists", func(t *testing.T) {
		h := newHarness(t)
		rec := testRecord("2025-03-01", "19:00", "jane")
		rec.CreatedAt = h.clock.Now()
		require.NoError(t, h.store.Put(ctx, rec, eventTTL))

		ok, err := h.store.Exists(ctx, rec.Fingerprint)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := h.store.Get(ctx, rec.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, rec.Fingerprint, got.Fingerprint)
		assert.Equal(t, "cal-jane", got.ExternalEventID)
		assert.Equal(t, "2025-03-01", got.Date)
		assert.Equal(t, "Esplanade", got.Location)
		assert.Equal(t, rec.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())
		assert.Equal(t, h.clock.Now().Add(eventTTL).UnixMilli(), got.ExpiresAt.UnixMilli())
		assert.False(t, got.Stale)

		_, err = h.store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		ok, err = h.store.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("put overwrites", func(t *testing.T) {
		h := newHarness(t)
		rec := testRecord("2025-03-01", "19:00", "jane")
		require.NoError(t, h.store.Put(ctx, rec, eventTTL))
		rec.ExternalEventID = "cal-recreated"
		rec.Stale = true
		require.NoError(t, h.store.Put(ctx, rec, eventTTL))

		got, err := h.store.Get(ctx, rec.Fingerprint)
		require.NoError(t, err)
		assert.Equal(t, "cal-recreated", got.ExternalEventID)
		assert.True(t, got.Stale)

		fps, err := h.store.IndexByDateRange(ctx, "2025-03-01", "2025-03-01")
		require.NoError(t, err)
		assert.Len(t, fps, 1)
	})

	t.Run("ttl expiry", func(t *testing.T) {
		h := newHarness(t)
		rec := testRecord("2025-03-01", "19:00", "jane")
		require.NoError(t, h.store.Put(ctx, rec, eventTTL))

		h.advance(eventTTL - time.Second)
		_, err := h.store.Get(ctx, rec.Fingerprint)
		require.NoError(t, err, "record must survive until its TTL elapses")

		h.advance(2 * time.Second)
		_, err = h.store.Get(ctx, rec.Fingerprint)
		assert.ErrorIs(t, err, ErrNotFound)
		ok, err := h.store.Exists(ctx, rec.Fingerprint)
		require.NoError(t, err)
		assert.False(t, ok)
		fps, err := h.store.IndexByDateRange(ctx, "2025-01-01", "2025-12-31")
		require.NoError(t, err)
		assert.Empty(t, fps)
	})

	t.Run("index by date range", func(t *testing.T) {
		h := newHarness(t)
		early := testRecord("2025-03-01", "19:00", "a")
		mid := testRecord("2025-03-05", "19:00", "b")
		late := testRecord("2025-03-09", "19:00", "c")
		for _, rec := range []domain.EventRecord{late, early, mid} {
			require.NoError(t, h.store.Put(ctx, rec, eventTTL))
		}

		fps, err := h.store.IndexByDateRange(ctx, "2025-03-01", "2025-03-05")
		require.NoError(t, err)
		assert.Equal(t, []domain.Fingerprint{early.Fingerprint, mid.Fingerprint}, fps)

		fps, err = h.store.IndexByDateRange(ctx, "2025-03-06", "2025-03-31")
		require.NoError(t, err)
		assert.Equal(t, []domain.Fingerprint{late.Fingerprint}, fps)

		_, err = h.store.IndexByDateRange(ctx, "03/01/2025", "2025-03-31")
		assert.Error(t, err)
	})

	t.Run("delete", func(t *testing.T) {
		h := newHarness(t)
		rec := testRecord("2025-03-01", "19:00", "jane")
		require.NoError(t, h.store.Put(ctx, rec, eventTTL))
		require.NoError(t, h.store.Delete(ctx, rec.Fingerprint))
		require.NoError(t, h.store.Delete(ctx, rec.Fingerprint))

		_, err := h.store.Get(ctx, rec.Fingerprint)
		assert.ErrorIs(t, err, ErrNotFound)
		fps, err := h.store.IndexByDateRange(ctx, "2025-03-01", "2025-03-01")
		require.NoError(t, err)
		assert.Empty(t, fps)
	})

	t.Run("prune timeline", func(t *testing.T) {
		h := newHarness(t)
		short := testRecord("2025-03-01", "19:00", "short")
		long := testRecord("2025-03-02", "19:00", "long")
		require.NoError(t, h.store.Put(ctx, short, time.Hour))
		require.NoError(t, h.store.Put(ctx, long, eventTTL))

		h.advance(2 * time.Hour)
		removed, err := h.store.PruneTimeline(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		removed, err = h.store.PruneTimeline(ctx)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("error log keeps newest 100", func(t *testing.T) {
		h := newHarness(t)
		for i := 1; i <= domain.MaxErrorLogEntries+1; i++ {
			require.NoError(t, h.store.AppendError(ctx, domain.ErrorLogEntry{
				JobType: domain.JobPublish,
				Message: fmt.Sprintf("error %d", i),
			}))
		}
		entries, err := h.store.RecentErrors(ctx, 1000)
		require.NoError(t, err)
		require.Len(t, entries, domain.MaxErrorLogEntries)
		assert.Equal(t, "error 101", entries[0].Message)
		assert.Equal(t, "error 2", entries[len(entries)-1].Message)
		assert.Equal(t, domain.JobPublish, entries[0].JobType)

		entries, err = h.store.RecentErrors(ctx, 3)
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})

	t.Run("run metadata", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.store.LastRun(ctx, domain.JobPublish)
		assert.ErrorIs(t, err, ErrNotFound)

		meta := domain.RunMetadata{
			LastRunAt:      h.clock.Now(),
			LastRunStatus:  domain.RunCompleted,
			RecordsScraped: 4,
			EventsCreated:  2,
			EventsAdopted:  2,
			EventsSkipped:  1,
			ErrorsCount:    1,
			Duration:       1500 * time.Millisecond,
		}
		require.NoError(t, h.store.RecordRun(ctx, domain.JobPublish, meta))
		meta.EventsCreated = 3
		require.NoError(t, h.store.RecordRun(ctx, domain.JobPublish, meta))

		got, err := h.store.LastRun(ctx, domain.JobPublish)
		require.NoError(t, err)
		assert.Equal(t, domain.JobPublish, got.JobType)
		assert.Equal(t, domain.RunCompleted, got.LastRunStatus)
		assert.Equal(t, 4, got.RecordsScraped)
		assert.Equal(t, 3, got.EventsCreated)
		assert.Equal(t, 2, got.EventsAdopted)
		assert.Equal(t, 1, got.ErrorsCount)
		assert.Equal(t, 1500*time.Millisecond, got.Duration)

		_, err = h.store.LastRun(ctx, domain.JobReconcile)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("lock is exclusive and token bound", func(t *testing.T) {
		h := newHarness(t)
		ok, err := h.store.AcquireLock(ctx, "publish", "tok-a", 5*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = h.store.AcquireLock(ctx, "publish", "tok-b", 5*time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "second holder must be refused")

		ok, err = h.store.AcquireLock(ctx, "reconcile", "tok-b", 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "locks are independent per name")

		ok, err = h.store.ReleaseLock(ctx, "publish", "tok-b")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = h.store.RenewLock(ctx, "publish", "tok-b", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = h.store.ReleaseLock(ctx, "publish", "tok-a")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.store.AcquireLock(ctx, "publish", "tok-b", 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("lock expires after ttl and never before", func(t *testing.T) {
		h := newHarness(t)
		ok, err := h.store.AcquireLock(ctx, "publish", "crashed", 5*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		h.advance(5*time.Minute - time.Second)
		ok, err = h.store.AcquireLock(ctx, "publish", "next", 5*time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		h.advance(time.Second)
		ok, err = h.store.AcquireLock(ctx, "publish", "next", 5*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = h.store.ReleaseLock(ctx, "publish", "crashed")
		require.NoError(t, err)
		assert.False(t, ok, "a stale holder must not release the new holder's lock")
	})

	t.Run("renew extends ttl", func(t *testing.T) {
		h := newHarness(t)
		ok, err := h.store.AcquireLock(ctx, "publish", "tok", 5*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		h.advance(4 * time.Minute)
		ok, err = h.store.RenewLock(ctx, "publish", "tok", 5*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		h.advance(4 * time.Minute)
		ok, err = h.store.AcquireLock(ctx, "publish", "other", 5*time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "renewed lock is still held")
	})

	t.Run("connectivity loss is unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.breakConn()
		err := h.store.Put(ctx, testRecord("2025-03-01", "19:00", "jane"), eventTTL)
		assert.ErrorIs(t, err, ErrUnavailable)
		_, err = h.store.Exists(ctx, "anything")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}
