package store

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/facebookgo/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisHarness(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		MaxRetries:  -1,
		DialTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(func() { client.Close() })

	clk := clock.NewMock()
	return harness{
		store: NewRedis(client, WithClock(clk)),
		clock: clk,
		advance: func(d time.Duration) {
			clk.Add(d)
			mr.FastForward(d)
		},
		breakConn: mr.Close,
	}
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, newRedisHarness)
}

func TestRedisKeyLayout(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedis(client, WithClock(clock.NewMock()))

	rec := testRecord("2025-03-01", "19:00", "jane")
	require.NoError(t, s.Put(t.Context(), rec, eventTTL))
	ok, err := s.AcquireLock(t.Context(), "publish", "tok", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, mr.Exists("event:"+string(rec.Fingerprint)))
	assert.Equal(t, eventTTL, mr.TTL("event:"+string(rec.Fingerprint)))
	members, err := mr.ZMembers("events_timeline")
	require.NoError(t, err)
	assert.Equal(t, []string{string(rec.Fingerprint)}, members)
	got, err := mr.Get("scraper:lock:publish")
	require.NoError(t, err)
	assert.Equal(t, "tok", got)
}
