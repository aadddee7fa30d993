package cache

import (
	"net/http"
	"time"

	cachekey "github.com/always-cache/cachezone/pkg/cache-key"
	serializer "github.com/always-cache/cachezone/pkg/response-serializer"
)

// Entry is a stored response. Entries returned by the zone are copies and
// must be treated as read-only.
type Entry struct {
	Key        cachekey.Key
	StatusCode int
	// Header keeps the origin's header values, in order per field name.
	Header http.Header
	Body   []byte
	// CreatedAt is the time the entry was stored.
	CreatedAt time.Time
	// LastAccessedAt is the time of the last HIT or STALE delivery.
	LastAccessedAt time.Time
	// FreshUntil is the instant the entry expires.
	FreshUntil time.Time
	// SizeBytes is the encoded size, as accounted against the zone quota.
	SizeBytes int64
}

// TimeToLive returns the remaining freshness at now, never negative.
func (e *Entry) TimeToLive(now time.Time) time.Duration {
	if ttl := e.FreshUntil.Sub(now); ttl > 0 {
		return ttl
	}
	return 0
}

// EntryInfo is the index view of an entry, without header or body.
type EntryInfo struct {
	Key cachekey.Key
	// Address names the record generation backing the entry.
	Address        string
	SizeBytes      int64
	CreatedAt      time.Time
	LastAccessedAt time.Time
	FreshUntil     time.Time
}

func (e *Entry) record() serializer.Record {
	return serializer.Record{
		Key:        e.Key.String(),
		StatusCode: e.StatusCode,
		Header:     e.Header,
		Body:       e.Body,
		CreatedAt:  e.CreatedAt,
		FreshUntil: e.FreshUntil,
	}
}

func entryFromRecord(key cachekey.Key, rec serializer.Record) *Entry {
	return &Entry{
		Key:        key,
		StatusCode: rec.StatusCode,
		Header:     rec.Header,
		Body:       rec.Body,
		CreatedAt:  rec.CreatedAt,
		FreshUntil: rec.FreshUntil,
	}
}
