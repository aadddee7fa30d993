package cachezone

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cachezone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
listen: ":9000"
admin: "127.0.0.1:9001"
origin: "https://example.com/"
originHost: "www.example.com"
originTimeout: 5s
zone:
  maxSize: 256m
  inactive: 10m
  sweepEvery: 30s
  store: leveldb
  path: /var/cache/cachezone
  hotItems: 1000
cacheValid:
  "200": 1m
  3xx: 30s
  "404": 5s
staleIfError: false
bypass:
  headers: [X-Nocache]
  cookies: [session]
key:
  fullQuery: false
  query: [page]
  headers: [Accept-Language]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, ":9000", cfg.Listen)
	require.Equal(t, "127.0.0.1:9001", cfg.Admin)
	originURL := cfg.OriginURL()
	require.Equal(t, "https://example.com", originURL.String())
	require.Equal(t, int64(256*1024*1024), cfg.MaxSizeBytes())
	require.Equal(t, 10*time.Minute, cfg.InactiveTimeout())
	require.Equal(t, 30*time.Second, cfg.SweepInterval())
	require.Equal(t, "leveldb", cfg.Zone.Store)
	require.Equal(t, 1000, cfg.Zone.HotItems)

	policy := cfg.Policy()
	require.Equal(t, 5*time.Second, policy.OriginTimeout)
	require.False(t, policy.StaleIfError)
	require.Equal(t, time.Minute, policy.CacheableStatusDurations["200"])
	require.Equal(t, 30*time.Second, policy.CacheableStatusDurations["3xx"])
	ttl, eligible := policy.Classify(404)
	require.True(t, eligible)
	require.Equal(t, 5*time.Second, ttl)
	require.Equal(t, []string{"X-Nocache"}, policy.Bypass.Headers)
	require.Equal(t, []string{"session"}, policy.Bypass.Cookies)
	require.False(t, policy.KeyDimensions.FullQuery)
	require.Equal(t, []string{"page"}, policy.KeyDimensions.Query)
	require.Equal(t, []string{"Accept-Language"}, policy.KeyDimensions.Headers)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `origin: http://localhost:3000`))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Listen)
	require.Empty(t, cfg.Admin)
	require.Equal(t, int64(10*1024*1024*1024), cfg.MaxSizeBytes())
	require.Equal(t, time.Hour, cfg.InactiveTimeout())
	require.Equal(t, 10*time.Second, cfg.SweepInterval())
	require.Equal(t, "memory", cfg.Zone.Store)

	policy := cfg.Policy()
	require.True(t, policy.StaleIfError)
	require.True(t, policy.KeyDimensions.FullQuery)
	require.Equal(t, 60*time.Second, policy.OriginTimeout)
	require.Equal(t, DefaultPolicy().StaleStatuses, policy.StaleStatuses)
	_, eligible := policy.Classify(200)
	require.True(t, eligible)
}

func TestConfigErrors(t *testing.T) {
	tests := map[string]string{
		"missing origin":   `listen: ":80"`,
		"relative origin":  `origin: "localhost"`,
		"bad size":         "origin: http://o\nzone:\n  maxSize: lots",
		"bad duration":     "origin: http://o\nzone:\n  inactive: forever",
		"bad store":        "origin: http://o\nzone:\n  store: redis",
		"bad status class": "origin: http://o\ncacheValid:\n  6xx: 1m",
		"bad timeout":      "origin: http://o\noriginTimeout: soon",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			require.Error(t, err)
			require.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestLoadConfigUnreadable(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	_, err = LoadConfig(writeConfig(t, "origin: [unterminated"))
	require.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestReadConfigThenOverride(t *testing.T) {
	cfg, err := ReadConfig(writeConfig(t, `zone: {store: sqlite}`))
	require.NoError(t, err)
	require.Error(t, cfg.Compile())

	cfg.Origin = "http://localhost:3000"
	require.NoError(t, cfg.Compile())
	require.Equal(t, "sqlite", cfg.Zone.Store)
}
