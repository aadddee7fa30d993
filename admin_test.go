package cachezone

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/always-cache/cachezone/cache"
)

func adminRequest(t *testing.T, h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	for k, vv := range header {
		r.Header[k] = vv
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v))
}

func TestAdminPurgeKey(t *testing.T) {
	var hits atomic.Int64
	env := newTestEnv(t, countingOrigin(&hits), DefaultPolicy(), cache.Config{})
	admin := env.proxy.AdminHandler(nil, nil)

	env.get("/docs/a?v=1")
	env.request(httptest.NewRequest(http.MethodHead, "/docs/a?v=1", nil))

	var body map[string]bool
	rr := adminRequest(t, admin, http.MethodDelete, "/cache/key/docs/a?v=2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &body)
	require.False(t, body["removed"])

	rr = adminRequest(t, admin, http.MethodDelete, "/cache/key/docs/a?v=1", nil)
	decode(t, rr, &body)
	require.True(t, body["removed"])
	require.Equal(t, "MISS", signalOf(env.get("/docs/a?v=1")))

	rr = adminRequest(t, admin, http.MethodDelete, "/cache/key/docs/a?v=1", http.Header{PurgeMethodHeader: {"head"}})
	decode(t, rr, &body)
	require.True(t, body["removed"])
	require.Equal(t, 1, env.zone.Len())
}

func TestAdminPurgePrefixAndAll(t *testing.T) {
	var hits atomic.Int64
	env := newTestEnv(t, countingOrigin(&hits), DefaultPolicy(), cache.Config{})
	admin := env.proxy.AdminHandler(nil, nil)

	env.get("/img/1.png")
	env.get("/img/2.png")
	env.get("/index.html")

	var body map[string]int
	rr := adminRequest(t, admin, http.MethodDelete, "/cache/prefix/img/", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	decode(t, rr, &body)
	require.Equal(t, 2, body["purged"])

	rr = adminRequest(t, admin, http.MethodDelete, "/cache", nil)
	decode(t, rr, &body)
	require.Equal(t, 1, body["purged"])
	require.Equal(t, 0, env.zone.Len())
}

func TestAdminStatsAndSweep(t *testing.T) {
	var hits atomic.Int64
	env := newTestEnv(t, countingOrigin(&hits), DefaultPolicy(), cache.Config{
		MaxSizeBytes:    1 << 20,
		InactiveTimeout: time.Minute,
	})
	sweeper := &Sweeper{Zone: env.zone, Metrics: env.metrics}
	admin := env.proxy.AdminHandler(sweeper, nil)

	env.get("/a")
	env.get("/b")

	var stats Stats
	decode(t, adminRequest(t, admin, http.MethodGet, "/cache/stats", nil), &stats)
	require.Equal(t, 2, stats.Entries)
	require.Equal(t, env.zone.Size(), stats.SizeBytes)
	require.Equal(t, int64(1<<20), stats.MaxSizeBytes)

	env.clock.Advance(2 * time.Minute)
	var res SweepResult
	decode(t, adminRequest(t, admin, http.MethodPost, "/cache/sweep", nil), &res)
	require.Equal(t, 2, res.Inactive)
	require.Equal(t, int64(0), res.SizeBytes)
}

func TestAdminOptionalRoutes(t *testing.T) {
	var hits atomic.Int64
	env := newTestEnv(t, countingOrigin(&hits), DefaultPolicy(), cache.Config{})

	admin := env.proxy.AdminHandler(nil, nil)
	require.Equal(t, http.StatusNotFound, adminRequest(t, admin, http.MethodPost, "/cache/sweep", nil).Code)
	require.Equal(t, http.StatusNotFound, adminRequest(t, admin, http.MethodGet, "/metrics", nil).Code)

	env.get("/a")
	admin = env.proxy.AdminHandler(nil, env.registry)
	rr := adminRequest(t, admin, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `cachezone_requests_total{status="MISS"} 1`)
	require.Contains(t, rr.Body.String(), "cachezone_zone_entries 1")
}

type failingDeleteStore struct {
	cache.Store
}

func (failingDeleteStore) Delete(string) error {
	return fmt.Errorf("store is down")
}

func TestAdminReportsStorageErrors(t *testing.T) {
	var hits atomic.Int64
	env := newTestEnv(t, countingOrigin(&hits), DefaultPolicy(), cache.Config{
		Store: failingDeleteStore{cache.NewMemoryStore()},
	})
	admin := env.proxy.AdminHandler(nil, nil)
	env.get("/a")

	rr := adminRequest(t, admin, http.MethodDelete, "/cache", nil)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]interface{}
	decode(t, rr, &body)
	require.Equal(t, string(cache.CodeStorageIO), body["code"])
	require.Contains(t, body["message"], "delete")
}
