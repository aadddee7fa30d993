// Package cachestatus models the signal a cache attaches to its responses:
// the nginx style X-Cache-Status value and the structured RFC 9211
// Cache-Status header field.
package cachestatus

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	// HeaderName carries the short signal, e.g. "HIT".
	HeaderName = "X-Cache-Status"
	// RFC9211HeaderName carries the structured signal.
	RFC9211HeaderName = "Cache-Status"
	// CacheName identifies this cache inside the Cache-Status field.
	CacheName = "cachezone"
)

// Signal is the externally observable cache outcome of one request.
type Signal string

const (
	// None means the response is outside the cache altogether and carries no signal.
	None Signal = ""
	// Miss is a response fetched from the origin because nothing was stored.
	Miss Signal = "MISS"
	// Hit is a fresh response served from storage.
	Hit Signal = "HIT"
	// Expired is a response fetched from the origin to replace a stored, expired one.
	Expired Signal = "EXPIRED"
	// Bypass is a response fetched from the origin because the request asked to skip the cache.
	Bypass Signal = "BYPASS"
	// Stale is an expired stored response served because the origin failed.
	Stale Signal = "STALE"
)

// FwdReason is the RFC 9211 reason for forwarding a request to the origin.
type FwdReason string

const (
	FwdBypass  FwdReason = "bypass"
	FwdUriMiss FwdReason = "uri-miss"
	FwdStale   FwdReason = "stale"
)

// CacheStatus collects what happened to a request, and renders it.
type CacheStatus struct {
	Signal    Signal
	FwdReason FwdReason
	// FwdStatus is the status code the origin answered with, when forwarded.
	FwdStatus int
	// Stored is true when the forwarded response was written to storage.
	Stored bool
	// Collapsed is true when the request waited on another request's fetch.
	Collapsed bool
	// TimeToLive is the remaining freshness in seconds, for hits.
	TimeToLive int
	Detail     string
}

// Hit marks the status as served from storage.
func (cs *CacheStatus) Hit(ttl int) {
	cs.Signal = Hit
	cs.FwdReason = ""
	cs.TimeToLive = ttl
}

// Forward marks the status as forwarded to the origin for the given reason.
func (cs *CacheStatus) Forward(signal Signal, reason FwdReason) {
	cs.Signal = signal
	cs.FwdReason = reason
}

// IsHit reports whether the response was served from storage.
func (cs CacheStatus) IsHit() bool {
	return cs.Signal == Hit || cs.Signal == Stale
}

// String renders the RFC 9211 field value.
func (cs CacheStatus) String() string {
	params := []string{CacheName}
	if cs.FwdReason == "" {
		params = append(params, "hit")
	} else {
		params = append(params, "fwd="+string(cs.FwdReason))
		if cs.FwdStatus != 0 {
			params = append(params, fmt.Sprintf("fwd-status=%d", cs.FwdStatus))
		}
	}
	if cs.Signal == Hit && cs.TimeToLive > 0 {
		params = append(params, fmt.Sprintf("ttl=%d", cs.TimeToLive))
	}
	if cs.Stored {
		params = append(params, "stored")
	}
	if cs.Collapsed {
		params = append(params, "collapsed")
	}
	if cs.Detail != "" {
		params = append(params, "detail="+cs.Detail)
	}
	return strings.Join(params, "; ")
}

// Apply sets both signal headers on h. Nothing is set for None.
func (cs CacheStatus) Apply(h http.Header) {
	if cs.Signal == None {
		return
	}
	h.Set(HeaderName, string(cs.Signal))
	h.Add(RFC9211HeaderName, cs.String())
}
