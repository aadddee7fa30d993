package cachezone

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/cachezone/cache"
	cachekey "github.com/always-cache/cachezone/pkg/cache-key"
)

func newSweptZone(t *testing.T, config cache.Config) (*cache.Zone, *testClock, *Sweeper) {
	t.Helper()
	logger := zerolog.Nop()
	clock := &testClock{now: time.Unix(1700000000, 0)}
	config.Clock = clock.Now
	config.Logger = &logger
	zone := cache.NewZone(config)
	t.Cleanup(func() { zone.Close() })
	sweeper := &Sweeper{
		Zone:    zone,
		Metrics: NewMetrics(prometheus.NewRegistry(), zone),
		Logger:  &logger,
	}
	return zone, clock, sweeper
}

func putEntry(t *testing.T, zone *cache.Zone, path string, size int) {
	t.Helper()
	_, err := zone.Put(&cache.Entry{
		Key:        cachekey.Key{Method: http.MethodGet, Path: path},
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       []byte(strings.Repeat("x", size)),
		FreshUntil: zone.Now().Add(time.Hour),
	})
	require.NoError(t, err)
}

func hasEntry(t *testing.T, zone *cache.Zone, path string) bool {
	t.Helper()
	_, ok, err := zone.Get(cachekey.Key{Method: http.MethodGet, Path: path})
	require.NoError(t, err)
	return ok
}

func TestSweepRemovesInactiveEntries(t *testing.T) {
	zone, clock, sweeper := newSweptZone(t, cache.Config{InactiveTimeout: time.Minute})

	putEntry(t, zone, "/a", 10)
	putEntry(t, zone, "/b", 10)
	clock.Advance(30 * time.Second)
	zone.Touch(cachekey.Key{Method: http.MethodGet, Path: "/b"})
	clock.Advance(40 * time.Second)

	res := sweeper.Sweep()
	require.Equal(t, 1, res.Inactive)
	require.Equal(t, 0, res.Quota)
	require.False(t, hasEntry(t, zone, "/a"))
	require.True(t, hasEntry(t, zone, "/b"))
	require.Equal(t, float64(1), testutil.ToFloat64(sweeper.Metrics.Evictions.WithLabelValues("inactive")))
}

func TestSweepEnforcesQuotaLeastRecentlyUsedFirst(t *testing.T) {
	probe, _, _ := newSweptZone(t, cache.Config{})
	putEntry(t, probe, "/p", 200)
	entrySize := probe.Size()

	// ten entries fit under the hard limit but not under the quota
	zone, clock, sweeper := newSweptZone(t, cache.Config{MaxSizeBytes: entrySize*9 + entrySize/2})
	for i := 0; i < 10; i++ {
		putEntry(t, zone, fmt.Sprintf("/%d", i), 200)
		clock.Advance(time.Second)
	}
	zone.Touch(cachekey.Key{Method: http.MethodGet, Path: "/0"})

	res := sweeper.Sweep()
	require.Equal(t, 0, res.Inactive)
	require.Equal(t, 1, res.Quota)
	require.LessOrEqual(t, zone.Size(), zone.MaxSizeBytes())
	require.Equal(t, zone.Size(), res.SizeBytes)
	require.True(t, hasEntry(t, zone, "/0"))
	require.False(t, hasEntry(t, zone, "/1"))
	require.True(t, hasEntry(t, zone, "/2"))
	require.Equal(t, float64(1), testutil.ToFloat64(sweeper.Metrics.Evictions.WithLabelValues("quota")))
}

func TestSweepNothingToDo(t *testing.T) {
	zone, _, sweeper := newSweptZone(t, cache.Config{MaxSizeBytes: 1 << 20, InactiveTimeout: time.Hour})
	putEntry(t, zone, "/a", 10)
	res := sweeper.Sweep()
	require.Equal(t, SweepResult{SizeBytes: zone.Size()}, res)
}

func TestRunStopsWithContext(t *testing.T) {
	_, _, sweeper := newSweptZone(t, cache.Config{})
	sweeper.Interval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
