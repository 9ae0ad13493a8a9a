package feed

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/buskercal/internal/domain"
	"example.com/buskercal/internal/extract"
	"example.com/buskercal/internal/sqliteutil"
)

const testKey = "feed-key"

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqliteutil.Open(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := NewStore(db)
	require.NoError(t, st.Init(context.Background()))
	require.NoError(t, st.Init(context.Background()))
	return st
}

func newServer(t *testing.T, st *Store) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(st, testKey, slog.New(slog.NewTextHandler(io.Discard, nil))).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestStoreSlots(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	late, err := st.CreateSlot(ctx, domain.RawRecord{Date: "2025-03-02", StartTime: "9:00", EndTime: "10:00", Location: " Bugis ", PerformerName: "Kai"})
	require.NoError(t, err)
	assert.Equal(t, "09:00", late.StartTime)
	assert.Equal(t, "Bugis", late.Location)
	early, err := st.CreateSlot(ctx, domain.RawRecord{Date: "2025-03-01", StartTime: "19:00", EndTime: "20:00", Location: "Orchard"})
	require.NoError(t, err)

	_, err = st.CreateSlot(ctx, domain.RawRecord{Date: "2025-03-01", StartTime: "20:00", EndTime: "19:00", Location: "Orchard"})
	assert.True(t, IsValidation(err))

	slots, err := st.ListSlots(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, early.ID, slots[0].ID)
	assert.Equal(t, late.ID, slots[1].ID)

	slots, err = st.ListSlots(ctx, "2025-03-02", "")
	require.NoError(t, err)
	require.Len(t, slots, 1)

	require.NoError(t, st.DeleteSlot(ctx, early.ID))
	assert.ErrorIs(t, st.DeleteSlot(ctx, early.ID), sql.ErrNoRows)
}

func TestRandomSlotIsValid(t *testing.T) {
	st := newStore(t)
	st.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	for i := 0; i < 20; i++ {
		slot, err := st.CreateRandomSlot(context.Background())
		require.NoError(t, err)
		_, err = slot.RawRecord.Validate()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, slot.Date, "2025-03-01")
		assert.LessOrEqual(t, slot.Date, "2025-03-14")
	}
}

func TestScheduleRequiresAccessKey(t *testing.T) {
	srv := newServer(t, newStore(t))
	for _, key := range []string{"", "wrong"} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+extract.SchedulePath, nil)
		require.NoError(t, err)
		if key != "" {
			req.Header.Set("X-Access-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "key %q", key)
	}
}

func TestAdminRoutes(t *testing.T) {
	srv := newServer(t, newStore(t))

	body, _ := json.Marshal(domain.RawRecord{Date: "2025-03-01", StartTime: "19:00", EndTime: "20:00", Location: "Clarke Quay", PerformerName: "Mei"})
	resp, err := http.Post(srv.URL+"/feed/slots", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var slot Slot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&slot))
	resp.Body.Close()
	assert.NotEmpty(t, slot.ID)
	assert.Equal(t, "Mei", slot.PerformerName)

	resp, err = http.Post(srv.URL+"/feed/slots", "application/json", bytes.NewReader([]byte(`{"date":"tomorrow"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/feed/slots/random", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/feed/slots/"+slot.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/feed/slots?from=bad")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExtractorReadsFeed(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	_, err := st.CreateSlot(ctx, domain.RawRecord{Date: "2025-03-01", StartTime: "19:00", EndTime: "20:30", Location: "Esplanade", PerformerName: "Joel"})
	require.NoError(t, err)
	_, err = st.CreateSlot(ctx, domain.RawRecord{Date: "2025-03-03", StartTime: "18:00", EndTime: "19:00", Location: "Bugis", PerformerName: "Nadia"})
	require.NoError(t, err)
	srv := newServer(t, st)

	records, err := extract.NewHTTPFeed(srv.URL, testKey, time.Second).FetchSchedule(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.RawRecord{Date: "2025-03-01", StartTime: "19:00", EndTime: "20:30", Location: "Esplanade", PerformerName: "Joel"}, records[0])
	assert.Equal(t, "Nadia", records[1].PerformerName)

	_, err = extract.NewHTTPFeed(srv.URL, "wrong", time.Second).FetchSchedule(ctx)
	require.Error(t, err)
	var ferr *extract.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, extract.KindPermanent, ferr.Kind)
}
