package cachezone

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"time"

	cachekey "github.com/always-cache/cachezone/pkg/cache-key"
)

// StatusClass selects response statuses: an exact code ("200"),
// a class ("2xx") or ClassAny.
type StatusClass string

// ClassAny matches every status below 400. Error statuses are only
// cacheable when listed by code or class.
const ClassAny StatusClass = "any"

type Policy struct {
	// CacheableStatusDurations maps status classes to freshness lifetimes.
	// Lookup order is exact code, then class, then ClassAny.
	CacheableStatusDurations map[StatusClass]time.Duration
	// Bypass skips storage for matching requests.
	Bypass BypassCondition
	// KeyDimensions selects the request parts, besides method and path, in the cache key.
	KeyDimensions cachekey.Dimensions
	// StaleIfError serves an expired entry when the origin fails.
	StaleIfError bool
	// StaleStatuses are origin statuses treated as failures for StaleIfError.
	StaleStatuses []int
	// OriginTimeout bounds each origin fetch. Zero means no bound.
	OriginTimeout time.Duration
}

// DefaultPolicy caches 200 and every other non-error status for 10 seconds,
// keys on the full request URI and serves stale on origin failure and 5xx.
func DefaultPolicy() Policy {
	return Policy{
		CacheableStatusDurations: map[StatusClass]time.Duration{
			"200":    10 * time.Second,
			ClassAny: 10 * time.Second,
		},
		KeyDimensions: cachekey.Dimensions{FullQuery: true},
		StaleIfError:  true,
		StaleStatuses: []int{
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		OriginTimeout: 60 * time.Second,
	}
}

// Classify returns the freshness lifetime for a response status, and whether
// the status is cacheable at all. A zero or negative lifetime disables caching.
func (p Policy) Classify(status int) (time.Duration, bool) {
	candidates := []StatusClass{
		StatusClass(strconv.Itoa(status)),
		StatusClass(fmt.Sprintf("%dxx", status/100)),
	}
	if status < 400 {
		candidates = append(candidates, ClassAny)
	}
	for _, class := range candidates {
		if d, ok := p.CacheableStatusDurations[class]; ok {
			return d, d > 0
		}
	}
	return 0, false
}

func (p Policy) isStaleStatus(status int) bool {
	return slices.Contains(p.StaleStatuses, status)
}

// BypassCondition holds when any listed header, cookie or query parameter
// carries a truthy value (non-empty and not "0"), or when Func returns true.
type BypassCondition struct {
	Headers []string
	Cookies []string
	Query   []string
	Func    func(*http.Request) bool
}

func truthy(v string) bool {
	return v != "" && v != "0"
}

// Match reports whether the request must skip the cache.
func (b BypassCondition) Match(r *http.Request) bool {
	for _, name := range b.Headers {
		if truthy(r.Header.Get(name)) {
			return true
		}
	}
	for _, name := range b.Cookies {
		if c, err := r.Cookie(name); err == nil && truthy(c.Value) {
			return true
		}
	}
	if len(b.Query) > 0 && r.URL != nil {
		query := r.URL.Query()
		for _, name := range b.Query {
			if truthy(query.Get(name)) {
				return true
			}
		}
	}
	return b.Func != nil && b.Func(r)
}
