package cache

import (
	"context"
	"hash/fnv"
	"iter"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	cachekey "github.com/always-cache/cachezone/pkg/cache-key"
	serializer "github.com/always-cache/cachezone/pkg/response-serializer"
)

const (
	stripeCount = 64
	// writes may overshoot the quota by this share until the sweeper catches up
	headroomDivisor = 10
)

type Config struct {
	// MaxSizeBytes is the quota enforced by the sweeper. Zero means unbounded.
	MaxSizeBytes int64
	// InactiveTimeout is how long an entry may go without being served.
	InactiveTimeout time.Duration
	// Store keeps the encoded records. A MemoryStore is used if nil.
	Store Store
	// Clock returns the current time. time.Now is used if nil.
	Clock func() time.Time
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type slot struct {
	address    string
	gen        uint64
	size       int64
	createdAt  time.Time
	freshUntil time.Time
	lastAccess time.Time
}

func (s *slot) info(key cachekey.Key) EntryInfo {
	return EntryInfo{
		Key:            key,
		Address:        s.address,
		SizeBytes:      s.size,
		CreatedAt:      s.createdAt,
		LastAccessedAt: s.lastAccess,
		FreshUntil:     s.freshUntil,
	}
}

type stripe struct {
	mu    sync.RWMutex
	items map[cachekey.Key]*slot
}

// Zone is the storage engine: an index of keys to record generations,
// striped by key hash, with incremental size accounting.
type Zone struct {
	config  Config
	store   Store
	log     zerolog.Logger
	now     func() time.Time
	stripes [stripeCount]stripe
	size    atomic.Int64
	count   atomic.Int64
	gen     atomic.Uint64
}

func NewZone(config Config) *Zone {
	z := &Zone{
		config: config,
		store:  config.Store,
		now:    config.Clock,
	}
	if z.store == nil {
		z.store = NewMemoryStore()
	}
	if z.now == nil {
		z.now = time.Now
	}
	if config.Logger == nil {
		z.log = log.Logger
	} else {
		z.log = *config.Logger
	}
	z.log = z.log.With().Str("component", "zone").Logger()
	for i := range z.stripes {
		z.stripes[i].items = make(map[cachekey.Key]*slot)
	}
	z.gen.Store(uint64(time.Now().UnixNano()))
	return z
}

// Now returns the zone clock's current time.
func (z *Zone) Now() time.Time {
	return z.now()
}

func (z *Zone) MaxSizeBytes() int64 {
	return z.config.MaxSizeBytes
}

func (z *Zone) InactiveTimeout() time.Duration {
	return z.config.InactiveTimeout
}

// Size returns the accounted size of all entries in bytes.
func (z *Zone) Size() int64 {
	return z.size.Load()
}

// Len returns the number of entries.
func (z *Zone) Len() int {
	return int(z.count.Load())
}

func (z *Zone) stripe(key cachekey.Key) *stripe {
	h := fnv.New32a()
	h.Write([]byte(key.String()))
	return &z.stripes[h.Sum32()%stripeCount]
}

func (z *Zone) nextAddress(key cachekey.Key) (string, uint64) {
	gen := z.gen.Add(1)
	return key.Address() + "." + strconv.FormatUint(gen, 16), gen
}

func parseAddress(address string) (string, uint64, bool) {
	hash, genHex, found := strings.Cut(address, ".")
	if !found {
		return "", 0, false
	}
	gen, err := strconv.ParseUint(genHex, 16, 64)
	if err != nil {
		return "", 0, false
	}
	return hash, gen, true
}

// Get returns the entry stored for key. It does not count as an access.
func (z *Zone) Get(key cachekey.Key) (*Entry, bool, error) {
	s := z.stripe(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	// the stripe lock keeps the record generation alive while reading it
	b, found, err := z.store.Get(sl.address)
	if err != nil {
		return nil, false, storageIO(err, "get", sl.address)
	}
	if !found {
		return nil, false, storageIO(errMissingRecord, "get", sl.address)
	}
	rec, err := serializer.Unmarshal(b)
	if err != nil {
		return nil, false, storageIO(err, "decode", sl.address)
	}
	entry := entryFromRecord(key, rec)
	entry.LastAccessedAt = sl.lastAccess
	entry.SizeBytes = sl.size
	return entry, true, nil
}

// Touch marks the entry as accessed now. It reports whether the key exists.
func (z *Zone) Touch(key cachekey.Key) bool {
	s := z.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.items[key]
	if !ok {
		return false
	}
	sl.lastAccess = z.now()
	return true
}

// Put stores the entry, replacing any previous entry for the same key.
// CreatedAt and LastAccessedAt of the stored entry are set to now.
func (z *Zone) Put(entry *Entry) (*Entry, error) {
	now := z.now()
	stored := *entry
	stored.CreatedAt = now
	stored.LastAccessedAt = now

	address, gen := z.nextAddress(stored.Key)
	b, err := serializer.Marshal(stored.record())
	if err != nil {
		return nil, storageIO(err, "encode", address)
	}
	size := int64(len(b))
	stored.SizeBytes = size
	if quota := z.config.MaxSizeBytes; quota > 0 && size > quota {
		return nil, storageFull("entry of %d bytes exceeds zone size %d", size, quota)
	}

	if err := z.store.Put(address, b); err != nil {
		return nil, storageIO(err, "put", address)
	}

	s := z.stripe(stored.Key)
	s.mu.Lock()
	old := s.items[stored.Key]
	delta := size
	if old != nil {
		delta -= old.size
	}
	if !z.reserve(delta) {
		s.mu.Unlock()
		z.deleteRecord(address)
		return nil, storageFull("zone is full (%d bytes), cannot add %d bytes", z.Size(), delta)
	}
	s.items[stored.Key] = &slot{
		address:    address,
		gen:        gen,
		size:       size,
		createdAt:  now,
		freshUntil: stored.FreshUntil,
		lastAccess: now,
	}
	s.mu.Unlock()

	if old == nil {
		z.count.Add(1)
	} else {
		z.deleteRecord(old.address)
	}
	z.log.Trace().Str("key", stored.Key.String()).Int64("size", size).Msg("Stored entry")
	return &stored, nil
}

// reserve applies the size delta unless it would push the zone past its hard limit.
func (z *Zone) reserve(delta int64) bool {
	quota := z.config.MaxSizeBytes
	if quota <= 0 || delta <= 0 {
		z.size.Add(delta)
		return true
	}
	limit := quota + quota/headroomDivisor
	for {
		cur := z.size.Load()
		if cur+delta > limit {
			return false
		}
		if z.size.CompareAndSwap(cur, cur+delta) {
			return true
		}
	}
}

// deleteRecord drops a record that is no longer indexed.
// A failure leaves an orphan record, which Open discards once a newer generation exists.
func (z *Zone) deleteRecord(address string) {
	if err := z.store.Delete(address); err != nil {
		z.log.Warn().Err(err).Str("address", address).Msg("Could not delete record")
	}
}

// Remove deletes the entry for key. It reports whether there was one.
func (z *Zone) Remove(key cachekey.Key) (bool, error) {
	return z.remove(key, func(*slot) bool { return true })
}

// RemoveIf deletes the entry described by info only if it is still the same
// generation and has not been accessed since info was taken.
func (z *Zone) RemoveIf(info EntryInfo) (bool, error) {
	return z.remove(info.Key, func(sl *slot) bool {
		return sl.address == info.Address && !sl.lastAccess.After(info.LastAccessedAt)
	})
}

func (z *Zone) remove(key cachekey.Key, cond func(*slot) bool) (bool, error) {
	s := z.stripe(key)
	s.mu.Lock()
	sl, ok := s.items[key]
	if !ok || !cond(sl) {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.items, key)
	s.mu.Unlock()

	z.size.Add(-sl.size)
	z.count.Add(-1)
	if err := z.store.Delete(sl.address); err != nil {
		return true, storageIO(err, "delete", sl.address)
	}
	return true, nil
}

// Purge removes all entries and returns how many there were.
func (z *Zone) Purge() (int, error) {
	return z.removeMatching(func(cachekey.Key) bool { return true })
}

// PurgePrefix removes all entries whose path starts with prefix.
func (z *Zone) PurgePrefix(prefix string) (int, error) {
	return z.removeMatching(func(key cachekey.Key) bool {
		return strings.HasPrefix(key.Path, prefix)
	})
}

func (z *Zone) removeMatching(match func(cachekey.Key) bool) (int, error) {
	var firstErr error
	removed := 0
	for i := range z.stripes {
		s := &z.stripes[i]
		var addresses []string
		s.mu.Lock()
		for key, sl := range s.items {
			if match(key) {
				delete(s.items, key)
				z.size.Add(-sl.size)
				z.count.Add(-1)
				addresses = append(addresses, sl.address)
			}
		}
		s.mu.Unlock()

		for _, address := range addresses {
			removed++
			if err := z.store.Delete(address); err != nil && firstErr == nil {
				firstErr = storageIO(err, "delete", address)
			}
		}
	}
	return removed, firstErr
}

// All returns a lazy scan over the index. Each stripe is copied under its
// read lock, which is released before the copies are yielded. Entries added
// or removed during the scan may or may not be seen.
func (z *Zone) All() iter.Seq[EntryInfo] {
	return func(yield func(EntryInfo) bool) {
		var infos []EntryInfo
		for i := range z.stripes {
			s := &z.stripes[i]
			infos = infos[:0]
			s.mu.RLock()
			for key, sl := range s.items {
				infos = append(infos, sl.info(key))
			}
			s.mu.RUnlock()
			for _, info := range infos {
				if !yield(info) {
					return
				}
			}
		}
	}
}

// Open rebuilds the index from the record store. It is the only full scan of
// the store and must run before the zone serves requests.
// Records that cannot be decoded, and older generations of a key, are deleted.
func (z *Zone) Open(ctx context.Context) error {
	var discard []string
	maxGen := z.gen.Load()
	err := z.store.Scan(ctx, func(address string, b []byte) error {
		hash, gen, ok := parseAddress(address)
		if !ok {
			discard = append(discard, address)
			return nil
		}
		rec, err := serializer.Unmarshal(b)
		if err != nil {
			z.log.Warn().Err(err).Str("address", address).Msg("Discarding unreadable record")
			discard = append(discard, address)
			return nil
		}
		key, err := cachekey.Parse(rec.Key)
		if err != nil || key.Address() != hash {
			z.log.Warn().Err(err).Str("address", address).Msg("Discarding record with mismatching key")
			discard = append(discard, address)
			return nil
		}
		if gen > maxGen {
			maxGen = gen
		}

		s := z.stripe(key)
		s.mu.Lock()
		defer s.mu.Unlock()
		if old, ok := s.items[key]; ok {
			if old.gen > gen {
				discard = append(discard, address)
				return nil
			}
			discard = append(discard, old.address)
			z.size.Add(-old.size)
			z.count.Add(-1)
		}
		s.items[key] = &slot{
			address:    address,
			gen:        gen,
			size:       int64(len(b)),
			createdAt:  rec.CreatedAt,
			freshUntil: rec.FreshUntil,
			// last access is not persisted, creation is the best lower bound
			lastAccess: rec.CreatedAt,
		}
		z.size.Add(int64(len(b)))
		z.count.Add(1)
		return nil
	})
	if err != nil {
		return storageIO(err, "scan", "")
	}
	for _, address := range discard {
		z.deleteRecord(address)
	}
	z.gen.Store(maxGen)
	z.log.Info().Int("entries", z.Len()).Int64("size", z.Size()).Msg("Zone opened")
	return nil
}

// Close releases the record store.
func (z *Zone) Close() error {
	if err := z.store.Close(); err != nil {
		return storageIO(err, "close", "")
	}
	return nil
}
