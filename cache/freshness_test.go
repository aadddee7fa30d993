package cache

import (
	"testing"
	"time"
)

func TestEvaluate(t *testing.T) {
	now := time.Unix(1000, 0)
	entry := &Entry{FreshUntil: now.Add(10 * time.Second)}

	tests := []struct {
		name  string
		entry *Entry
		at    time.Time
		want  Verdict
	}{
		{"nil entry", nil, now, Absent},
		{"stored now", entry, now, Fresh},
		{"just before expiry", entry, now.Add(10*time.Second - time.Nanosecond), Fresh},
		{"at expiry", entry, now.Add(10 * time.Second), Expired},
		{"long after", entry, now.Add(time.Hour), Expired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Evaluate(tt.entry, tt.at); got != tt.want {
				t.Fatalf("Evaluate = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTimeToLive(t *testing.T) {
	now := time.Unix(1000, 0)
	entry := &Entry{FreshUntil: now.Add(3 * time.Second)}
	if ttl := entry.TimeToLive(now); ttl != 3*time.Second {
		t.Fatalf("TTL %s", ttl)
	}
	if ttl := entry.TimeToLive(now.Add(time.Minute)); ttl != 0 {
		t.Fatalf("TTL of expired entry %s", ttl)
	}
}
