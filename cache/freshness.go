package cache

import "time"

// Verdict is the freshness state of a lookup.
type Verdict int

const (
	// Absent means nothing is stored for the key.
	Absent Verdict = iota
	// Fresh means the entry may be served as is.
	Fresh
	// Expired means the entry must be refreshed, but may still serve as stale fallback.
	Expired
)

func (v Verdict) String() string {
	switch v {
	case Fresh:
		return "fresh"
	case Expired:
		return "expired"
	default:
		return "absent"
	}
}

// Evaluate classifies an entry at the given instant.
// An entry is fresh strictly before FreshUntil.
func Evaluate(entry *Entry, now time.Time) Verdict {
	if entry == nil {
		return Absent
	}
	if now.Before(entry.FreshUntil) {
		return Fresh
	}
	return Expired
}
