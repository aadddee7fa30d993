package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func storeImplementations(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore("")
	require.NoError(t, err)
	sqliteFile, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	level, err := NewLevelDBStore("")
	require.NoError(t, err)
	levelDir, err := NewLevelDBStore(filepath.Join(t.TempDir(), "leveldb"))
	require.NoError(t, err)
	tiered, err := NewTieredStore(NewMemoryStore(), 2)
	require.NoError(t, err)
	return map[string]Store{
		"memory":       NewMemoryStore(),
		"sqlite":       sqlite,
		"sqlite-file":  sqliteFile,
		"leveldb":      level,
		"leveldb-file": levelDir,
		"tiered":       tiered,
	}
}

func TestStores(t *testing.T) {
	for name, store := range storeImplementations(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			_, ok, err := store.Get("missing")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, store.Put("a.1", []byte("one")))
			require.NoError(t, store.Put("b.1", []byte("two")))
			require.NoError(t, store.Put("a.1", []byte("uno")))

			b, ok, err := store.Get("a.1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "uno", string(b))

			seen := map[string]string{}
			err = store.Scan(context.Background(), func(address string, record []byte) error {
				seen[address] = string(record)
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, map[string]string{"a.1": "uno", "b.1": "two"}, seen)

			require.NoError(t, store.Delete("a.1"))
			require.NoError(t, store.Delete("a.1"), "deleting twice is not an error")
			_, ok, err = store.Get("a.1")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestScanStopsOnCanceledContext(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put("a.1", []byte("one")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Scan(ctx, func(string, []byte) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestTieredStoreServesFromBacking(t *testing.T) {
	backing := NewMemoryStore()
	require.NoError(t, backing.Put("cold.1", []byte("cold")))
	tiered, err := NewTieredStore(backing, 1)
	require.NoError(t, err)

	b, ok, err := tiered.Get("cold.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cold", string(b))

	// evicting from the hot tier keeps the record in the backing store
	require.NoError(t, tiered.Put("hot.1", []byte("hot")))
	b, ok, err = tiered.Get("cold.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cold", string(b))
}

func TestOpenStore(t *testing.T) {
	store, err := OpenStore("memory", "", 0)
	require.NoError(t, err)
	require.IsType(t, MemoryStore{}, store)

	store, err = OpenStore("leveldb", filepath.Join(t.TempDir(), "db"), 16)
	require.NoError(t, err)
	require.IsType(t, &TieredStore{}, store)
	require.NoError(t, store.Close())

	_, err = OpenStore("redis", "", 0)
	require.Error(t, err)
}
