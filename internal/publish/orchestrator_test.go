package publish

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/buskercal/internal/calendar"
	"example.com/buskercal/internal/calendar/calendartest"
	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/extract"
	"example.com/buskercal/internal/lock"
	"example.com/buskercal/internal/retry"
	"example.com/buskercal/internal/sqliteutil"
	"example.com/buskercal/internal/store"
)

var (
	alice = domain.RawRecord{Date: "2025-03-01", StartTime: "19:00", EndTime: "21:00", Location: "Bugis", PerformerName: "Alice"}
	bob   = domain.RawRecord{Date: "2025-03-01", StartTime: "21:00", EndTime: "22:30", Location: "Bugis", PerformerName: "Bob"}
	carol = domain.RawRecord{Date: "2025-03-02", StartTime: "18:00", EndTime: "20:00", Location: "Orchard", PerformerName: "Carol"}
)

type stubExtractor struct {
	records []domain.RawRecord
	err     error
	calls   atomic.Int32
	hook    func()
}

func (s *stubExtractor) FetchSchedule(context.Context) ([]domain.RawRecord, error) {
	s.calls.Add(1)
	if s.hook != nil {
		s.hook()
	}
	return s.records, s.err
}

type fixture struct {
	store *store.SQLite
	cal   *calendartest.Memory
	clock *clock.Mock
	locks *lock.Manager
	pub   *Publisher
	orch  *Orchestrator
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, ex extract.Extractor, adopt bool) *fixture {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "publish.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewMock()
	st := store.NewSQLite(db, store.WithClock(clk))
	require.NoError(t, st.Init(context.Background()))

	cal := calendartest.NewMemory()
	locks := lock.NewManager(st, clk)
	pub := NewPublisher(st, cal, clk, PublisherConfig{
		Policy:        testPolicy(),
		EventTTL:      90 * 24 * time.Hour,
		TitleSuffix:   "Busking Performance",
		AdoptExisting: adopt,
	}, discardLogger())
	orch := NewOrchestrator(locks, ex, st, pub, clk, OrchestratorConfig{
		LockTTL: 5 * time.Minute,
		Policy:  testPolicy(),
	}, nil, discardLogger())
	return &fixture{store: st, cal: cal, clock: clk, locks: locks, pub: pub, orch: orch}
}

func transientCreateError() error {
	return &calendar.APIError{Kind: calendar.KindTransient, Op: "create", Status: 503, Err: errors.New("backend error")}
}

func TestRunIsIdempotent(t *testing.T) {
	ex := &stubExtractor{records: []domain.RawRecord{alice, bob, carol, alice}}
	f := newFixture(t, ex, true)
	ctx := context.Background()

	first := f.orch.Run(ctx)
	require.NoError(t, first.Err)
	assert.Equal(t, domain.RunCompleted, first.Status)
	assert.Equal(t, 4, first.RecordsScraped)
	assert.Equal(t, 3, first.EventsCreated)
	assert.Equal(t, 1, first.EventsSkipped, "in-batch duplicate")
	assert.Zero(t, first.ErrorsCount)
	assert.Equal(t, 3, f.cal.Creates())

	second := f.orch.Run(ctx)
	assert.Equal(t, domain.RunCompleted, second.Status)
	assert.Zero(t, second.EventsCreated)
	assert.Equal(t, 4, second.EventsSkipped)
	assert.Equal(t, 3, f.cal.Creates(), "second run must not call create")

	for _, r := range []domain.RawRecord{alice, bob, carol} {
		rec, err := f.store.Get(ctx, domain.FingerprintOf(r))
		require.NoError(t, err)
		assert.True(t, f.cal.Has(rec.ExternalEventID))
	}
	fps, err := f.store.IndexByDateRange(ctx, "2025-03-01", "2025-03-02")
	require.NoError(t, err)
	assert.Len(t, fps, 3)

	meta, err := f.store.LastRun(ctx, domain.JobPublish)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, meta.LastRunStatus)
	assert.Zero(t, meta.EventsCreated)
	assert.Equal(t, 4, meta.EventsSkipped)
}

func TestRunIsolatesPartialFailure(t *testing.T) {
	ex := &stubExtractor{records: []domain.RawRecord{alice, bob, carol}}
	f := newFixture(t, ex, false)
	var bobAttempts atomic.Int32
	f.cal.FailCreate = func(spec calendar.EventSpec, attempt int) error {
		if spec.Title == "Bob - Busking Performance" {
			bobAttempts.Store(int32(attempt))
			return transientCreateError()
		}
		return nil
	}
	ctx := context.Background()

	report := f.orch.Run(ctx)
	assert.Equal(t, domain.RunCompleted, report.Status)
	assert.Equal(t, 2, report.EventsCreated)
	assert.Equal(t, 1, report.ErrorsCount)
	assert.Equal(t, int32(3), bobAttempts.Load(), "transient failures are retried up to the policy")

	meta, err := f.store.LastRun(ctx, domain.JobPublish)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.EventsCreated)
	assert.Equal(t, 1, meta.ErrorsCount)
	assert.Equal(t, 3, meta.RecordsScraped)

	entries, err := f.store.RecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.JobPublish, entries[0].JobType)
	assert.Contains(t, entries[0].Message, "retries exhausted after 3 attempts")

	ok, err := f.store.Exists(ctx, domain.FingerprintOf(bob))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.store.Exists(ctx, domain.FingerprintOf(carol))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunDoesNotRetryPermanentFailures(t *testing.T) {
	ex := &stubExtractor{records: []domain.RawRecord{alice}}
	f := newFixture(t, ex, false)
	var attempts atomic.Int32
	f.cal.FailCreate = func(_ calendar.EventSpec, attempt int) error {
		attempts.Store(int32(attempt))
		return &calendar.APIError{Kind: calendar.KindUnauthorized, Op: "create", Status: 401, Err: errors.New("bad credentials")}
	}

	report := f.orch.Run(context.Background())
	assert.Equal(t, domain.RunCompleted, report.Status)
	assert.Equal(t, 1, report.ErrorsCount)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	ex := &stubExtractor{records: []domain.RawRecord{alice}}
	f := newFixture(t, ex, true)
	ctx := context.Background()

	other, err := f.locks.Acquire(ctx, lock.NamePublish, 5*time.Minute)
	require.NoError(t, err)

	report := f.orch.Run(ctx)
	assert.Equal(t, domain.RunSkipped, report.Status)
	assert.NoError(t, report.Err)
	assert.Zero(t, ex.calls.Load())
	assert.Zero(t, f.cal.Creates())
	_, err = f.store.LastRun(ctx, domain.JobPublish)
	assert.ErrorIs(t, err, store.ErrNotFound, "a skipped run leaves the store untouched")

	require.NoError(t, other.Release(ctx))
}

func TestConcurrentRunsAreMutuallyExclusive(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ex := &stubExtractor{records: []domain.RawRecord{alice}}
	ex.hook = func() {
		if ex.calls.Load() == 1 {
			close(started)
			<-release
		}
	}
	f := newFixture(t, ex, true)

	done := make(chan Report, 1)
	go func() { done <- f.orch.Run(context.Background()) }()
	<-started

	second := f.orch.Run(context.Background())
	assert.Equal(t, domain.RunSkipped, second.Status)

	close(release)
	first := <-done
	assert.Equal(t, domain.RunCompleted, first.Status)
	assert.Equal(t, 1, first.EventsCreated)
	assert.Equal(t, int32(1), ex.calls.Load())
	assert.Equal(t, 1, f.cal.Creates())
}

func TestRunFailsOnExtractionAndReleasesLock(t *testing.T) {
	ex := &stubExtractor{err: &extract.Error{Kind: extract.KindTransient, Err: errors.New("connection reset")}}
	f := newFixture(t, ex, true)
	ctx := context.Background()

	report := f.orch.Run(ctx)
	assert.Equal(t, domain.RunFailed, report.Status)
	require.Error(t, report.Err)
	assert.True(t, retry.IsExhausted(report.Err))
	assert.Equal(t, int32(3), ex.calls.Load())

	meta, err := f.store.LastRun(ctx, domain.JobPublish)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, meta.LastRunStatus)
	assert.Equal(t, 1, meta.ErrorsCount)

	entries, err := f.store.RecentErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "extract schedule")

	lease, err := f.locks.Acquire(ctx, lock.NamePublish, time.Minute)
	require.NoError(t, err, "lock must be released after a failed run")
	require.NoError(t, lease.Release(ctx))
}

func TestRunCountsInvalidRecords(t *testing.T) {
	broken := domain.RawRecord{Date: "2025-03-01", StartTime: "25:00", EndTime: "26:00", Location: "Bugis"}
	ex := &stubExtractor{records: []domain.RawRecord{alice, broken, bob}}
	f := newFixture(t, ex, true)

	report := f.orch.Run(context.Background())
	assert.Equal(t, domain.RunCompleted, report.Status)
	assert.Equal(t, 3, report.RecordsScraped)
	assert.Equal(t, 2, report.EventsCreated)
	assert.Equal(t, 1, report.ErrorsCount)

	entries, err := f.store.RecentErrors(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Message, "invalid record #1")
}

func TestRunAdoptsExistingCalendarEvent(t *testing.T) {
	ex := &stubExtractor{records: []domain.RawRecord{alice}}
	f := newFixture(t, ex, true)
	fp := domain.FingerprintOf(alice)
	f.cal.Seed(calendar.LiveEvent{ID: "manual-1", Date: alice.Date, StartTime: alice.StartTime, Fingerprint: fp})

	report := f.orch.Run(context.Background())
	assert.Equal(t, 1, report.EventsAdopted)
	assert.Zero(t, report.EventsCreated)
	assert.Zero(t, f.cal.Creates())

	rec, err := f.store.Get(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, "manual-1", rec.ExternalEventID)

	meta, err := f.store.LastRun(context.Background(), domain.JobPublish)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.EventsAdopted)
	assert.Zero(t, meta.EventsCreated)
}

func TestRunStopsCleanlyOnShutdown(t *testing.T) {
	ex := &stubExtractor{records: []domain.RawRecord{alice, bob, carol}}
	f := newFixture(t, ex, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.cal.FailCreate = func(calendar.EventSpec, int) error {
		cancel()
		return nil
	}

	report := f.orch.Run(ctx)
	assert.Equal(t, domain.RunCompleted, report.Status)
	assert.True(t, report.Interrupted)
	assert.Equal(t, 1, report.EventsCreated, "the in-flight create completes")
	assert.Equal(t, 2, report.Unprocessed)
	assert.Zero(t, report.ErrorsCount)

	bg := context.Background()
	ok, err := f.store.Exists(bg, domain.FingerprintOf(alice))
	require.NoError(t, err)
	assert.True(t, ok, "the in-flight record is stored despite shutdown")

	meta, err := f.store.LastRun(bg, domain.JobPublish)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.EventsCreated)

	lease, err := f.locks.Acquire(bg, lock.NamePublish, time.Minute)
	require.NoError(t, err, "lock is released on shutdown")
	require.NoError(t, lease.Release(bg))
}

func TestRunStopsWhenLeaseIsLost(t *testing.T) {
	ex := &stubExtractor{records: []domain.RawRecord{alice, bob}}
	f := newFixture(t, ex, false)
	ex.hook = func() {
		// The run stalls past its lock TTL and another instance takes over.
		f.clock.Add(6 * time.Minute)
		_, err := f.locks.Acquire(context.Background(), lock.NamePublish, 5*time.Minute)
		require.NoError(t, err)
	}

	report := f.orch.Run(context.Background())
	assert.True(t, report.Interrupted)
	assert.Equal(t, 2, report.Unprocessed)
	assert.Zero(t, report.EventsCreated)
	assert.Equal(t, 1, report.ErrorsCount)
	assert.Zero(t, f.cal.Creates())

	_, err := f.locks.Acquire(context.Background(), lock.NamePublish, 5*time.Minute)
	assert.ErrorIs(t, err, lock.ErrBusy, "the new holder's lock survives the stale run")
}
