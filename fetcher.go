package cachezone

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/cachezone/cache"
	cachekey "github.com/always-cache/cachezone/pkg/cache-key"
	recorder "github.com/always-cache/cachezone/pkg/response-recorder"
)

type fetchOutcome int

const (
	// the origin response is delivered, stored or not
	outcomeDelivered fetchOutcome = iota
	// an expired entry is delivered in place of a failed origin response
	outcomeDeliveredStale
	// nothing can be delivered, err says why
	outcomeFailed
)

// fetchResult is shared by every request that waited on the same fetch
// and must not be modified.
type fetchResult struct {
	outcome    fetchOutcome
	statusCode int
	header     http.Header
	body       []byte
	// eligible is true when the status is in the cacheable set
	eligible bool
	stored   bool
	// freshUntil of the stored or stale entry
	freshUntil time.Time
	// fwdStatus is the origin's status on a stale delivery, zero on transport failure
	fwdStatus int
	err       error
	fetchID   string
}

// fetcher coordinates origin fetches: one in flight per key, with the
// response classified, stored and shared with every waiter.
type fetcher struct {
	group   singleflight.Group
	proxy   *httputil.ReverseProxy
	zone    *cache.Zone
	policy  Policy
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func newFetcher(proxy *httputil.ReverseProxy, zone *cache.Zone, policy Policy, metrics *Metrics, logger zerolog.Logger, now func() time.Time) *fetcher {
	// buffer the whole body so a truncated transfer is seen as an origin failure
	proxy.ModifyResponse = func(res *http.Response) error {
		body, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return err
		}
		res.Body = io.NopCloser(bytes.NewReader(body))
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if rec, ok := w.(*recorder.ResponseRecorder); ok {
			rec.Fail(err)
			return
		}
		logger.Error().Err(err).Str("url", r.URL.String()).Msg("Error contacting origin")
		w.WriteHeader(http.StatusBadGateway)
	}
	return &fetcher{
		proxy:   proxy,
		zone:    zone,
		policy:  policy,
		metrics: metrics,
		log:     logger,
		now:     now,
	}
}

// fetch returns the outcome of the fetch for key, joining the one in flight
// if there is one. The shared fetch is not tied to ctx: when ctx ends first,
// fetch returns ctx.Err() and the fetch carries on for the other waiters.
// collapsed is true when the caller waited on another request's fetch.
func (f *fetcher) fetch(ctx context.Context, r *http.Request, key cachekey.Key) (res *fetchResult, collapsed bool, err error) {
	led := false
	ch := f.group.DoChan(key.String(), func() (interface{}, error) {
		led = true
		return f.lead(r, key), nil
	})
	select {
	case result := <-ch:
		if !led {
			f.metrics.Collapsed.Inc()
		}
		return result.Val.(*fetchResult), !led, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// lead runs the origin fetch on behalf of every waiter for key.
func (f *fetcher) lead(r *http.Request, key cachekey.Key) *fetchResult {
	id := uuid.NewString()
	log := f.log.With().Str("key", key.String()).Str("fetch", id).Logger()
	f.metrics.InflightFetches.Inc()
	defer f.metrics.InflightFetches.Dec()

	log.Trace().Msg("Forwarding to origin")
	rec := f.roundTrip(context.WithoutCancel(r.Context()), r)
	res := f.classify(rec, key, log)
	res.fetchID = id
	return res
}

// roundTrip sends the request to the origin and records the response.
// Transport failures, including a timeout, are recorded with Fail.
func (f *fetcher) roundTrip(ctx context.Context, r *http.Request) *recorder.ResponseRecorder {
	cancel := func() {}
	if f.policy.OriginTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.policy.OriginTimeout)
	}
	defer cancel()

	rec := recorder.NewResponseRecorder(f.now())
	defer func() {
		// the proxy aborts with a panic when the response cannot be copied
		if p := recover(); p != nil {
			err, ok := p.(error)
			if !ok {
				err = fmt.Errorf("%v", p)
			}
			rec.Fail(err)
		}
	}()
	f.proxy.ServeHTTP(rec, r.WithContext(ctx))
	return rec
}

// classify turns a recorded origin response into the fetch outcome,
// storing it when the policy allows.
func (f *fetcher) classify(rec *recorder.ResponseRecorder, key cachekey.Key, log zerolog.Logger) *fetchResult {
	if err := rec.Err(); err != nil {
		cause := originUnavailable(err)
		log.Warn().Err(cause).Msg("Origin fetch failed")
		if res := f.stale(key, 0, log); res != nil {
			return res
		}
		f.metrics.OriginFetches.WithLabelValues("failed").Inc()
		return &fetchResult{outcome: outcomeFailed, err: cause}
	}

	status := rec.StatusCode()
	if f.policy.isStaleStatus(status) {
		log.Warn().Err(originError(status)).Msg("Origin answered with an error")
		if res := f.stale(key, status, log); res != nil {
			return res
		}
	}

	res := &fetchResult{
		outcome:    outcomeDelivered,
		statusCode: status,
		header:     rec.Header(),
		body:       rec.Body(),
	}
	ttl, eligible := f.policy.Classify(status)
	if !eligible {
		f.metrics.OriginFetches.WithLabelValues("uncacheable").Inc()
		log.Trace().Int("status", status).Msg("Response is not cacheable")
		return res
	}
	res.eligible = true

	stored, err := f.zone.Put(&cache.Entry{
		Key:        key,
		StatusCode: status,
		Header:     rec.Header(),
		Body:       rec.Body(),
		FreshUntil: rec.CreatedAt.Add(ttl),
	})
	switch {
	case err == nil:
		res.stored = true
		res.freshUntil = stored.FreshUntil
		f.metrics.OriginFetches.WithLabelValues("stored").Inc()
		log.Trace().Time("freshUntil", stored.FreshUntil).Msg("Cache write")
	case cache.IsStorageFull(err):
		f.metrics.OriginFetches.WithLabelValues("storage_full").Inc()
		log.Warn().Err(err).Msg("Zone is full, response not stored")
	default:
		f.metrics.OriginFetches.WithLabelValues("storage_error").Inc()
		f.metrics.StorageErrors.WithLabelValues("put").Inc()
		log.Error().Err(err).Msg("Could not write to cache")
		res.outcome = outcomeFailed
		res.err = err
	}
	return res
}

// stale returns the stored entry for key as a stale delivery, or nil when
// stale serving is off or nothing is stored.
func (f *fetcher) stale(key cachekey.Key, fwdStatus int, log zerolog.Logger) *fetchResult {
	if !f.policy.StaleIfError {
		return nil
	}
	entry, ok, err := f.zone.Get(key)
	if err != nil {
		f.metrics.StorageErrors.WithLabelValues("get").Inc()
		log.Error().Err(err).Msg("Could not read stale entry")
		return nil
	}
	if !ok {
		return nil
	}
	f.metrics.OriginFetches.WithLabelValues("stale").Inc()
	log.Debug().Int("fwdStatus", fwdStatus).Msg("Serving stale entry")
	return &fetchResult{
		outcome:    outcomeDeliveredStale,
		statusCode: entry.StatusCode,
		header:     entry.Header,
		body:       entry.Body,
		eligible:   true,
		freshUntil: entry.FreshUntil,
		fwdStatus:  fwdStatus,
	}
}
