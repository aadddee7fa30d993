// Package cachezone is a caching reverse proxy for a single origin.
//
// Responses are stored in a size and inactivity bounded zone, served while
// fresh, refreshed through one shared origin fetch per key, and served
// stale when the origin fails.
package cachezone

import (
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/always-cache/cachezone/cache"
	cachekey "github.com/always-cache/cachezone/pkg/cache-key"
	cachestatus "github.com/always-cache/cachezone/pkg/cache-status"
	recorder "github.com/always-cache/cachezone/pkg/response-recorder"
)

type Config struct {
	// Zone holding the cache entries.
	Zone *cache.Zone
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Policy for what is cached and for how long. DefaultPolicy is a good start.
	Policy Policy
	// Transport to reach the origin. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics to record to. Metrics on a private registry are used if nil.
	Metrics *Metrics
	// Clock returns the current time. time.Now is used if nil.
	Clock func() time.Time
}

type Proxy struct {
	zone         *cache.Zone
	resolver     cachekey.Resolver
	policy       Policy
	fetcher      *fetcher
	reverseproxy *httputil.ReverseProxy
	metrics      *Metrics
	log          zerolog.Logger
	now          func() time.Time
}

// CreateProxy sets up the proxy. It starts no background processes:
// run a Sweeper against the same zone to reclaim space.
func CreateProxy(config Config) *Proxy {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	now := config.Clock
	if now == nil {
		now = time.Now
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry(), config.Zone)
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Transport == nil {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}

	p := &Proxy{
		zone:     config.Zone,
		resolver: cachekey.NewResolver(config.Policy.KeyDimensions),
		policy:   config.Policy,
		metrics:  metrics,
		log:      logger,
		now:      now,
	}

	// the escape hatch streams straight to the client
	p.reverseproxy = &httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error().Err(err).Str("url", r.URL.String()).Msg("Error contacting origin")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	p.fetcher = newFetcher(&httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport: transport,
	}, config.Zone, config.Policy, metrics, logger, now)

	return p
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer p.recover(w, r)
	p.handle(w, r)
}

// recover recovers from panics and sends the response to the escape hatch if needed.
func (p *Proxy) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		p.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		p.escapeHatch(w, r)
	}
}

// escapeHatch is a fallback handler that just proxies the request to the origin.
func (p *Proxy) escapeHatch(w http.ResponseWriter, r *http.Request) {
	p.metrics.Requests.WithLabelValues("none").Inc()
	p.reverseproxy.ServeHTTP(w, r)
}

// handle is the main entry point for the caching proxy.
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request) {
	if err := p.resolver.Check(r); err != nil {
		p.log.Trace().Err(err).Str("method", r.Method).Msg("Not cacheable, passing through")
		p.escapeHatch(w, r)
		return
	}

	key := p.resolver.Resolve(r)
	log := p.log.With().Str("key", key.String()).Logger()
	log.Trace().Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	if p.policy.Bypass.Match(r) {
		p.bypass(w, r, log)
		return
	}

	entry, ok, err := p.zone.Get(key)
	if err != nil {
		p.storageFailure(w, r, log, "get", err)
		return
	}
	if !ok {
		log.Trace().Msg("No stored entry")
	}

	verdict := cache.Evaluate(entry, p.now())
	if verdict == cache.Fresh {
		p.zone.Touch(key)
		cs := cachestatus.CacheStatus{}
		cs.Hit(ttlSeconds(entry.TimeToLive(p.now())))
		p.send(w, r, log, entry.StatusCode, entry.Header, entry.Body, cs)
		return
	}

	cs := cachestatus.CacheStatus{}
	if verdict == cache.Expired {
		cs.Forward(cachestatus.Expired, cachestatus.FwdStale)
	} else {
		cs.Forward(cachestatus.Miss, cachestatus.FwdUriMiss)
	}

	res, collapsed, err := p.fetcher.fetch(r.Context(), r, key)
	if err != nil {
		log.Debug().Err(err).Msg("Client went away while waiting for origin")
		return
	}
	cs.Collapsed = collapsed
	if collapsed {
		log = log.With().Str("fetch", res.fetchID).Bool("collapsed", true).Logger()
	}
	p.deliver(w, r, log, key, res, cs)
}

// deliver sends a fetch outcome to one of its waiters.
func (p *Proxy) deliver(w http.ResponseWriter, r *http.Request, log zerolog.Logger, key cachekey.Key, res *fetchResult, cs cachestatus.CacheStatus) {
	switch res.outcome {
	case outcomeDeliveredStale:
		p.zone.Touch(key)
		cs.Signal = cachestatus.Stale
		cs.FwdStatus = res.fwdStatus
		cs.Detail = "stale-fallback"
		p.send(w, r, log, res.statusCode, res.header, res.body, cs)
	case outcomeFailed:
		p.metrics.Requests.WithLabelValues("none").Inc()
		if cache.IsStorageIO(res.err) {
			http.Error(w, "Cache storage failure", http.StatusInternalServerError)
			return
		}
		log.Error().Err(res.err).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
	default:
		if !res.eligible {
			cs = cachestatus.CacheStatus{}
		}
		cs.FwdStatus = res.statusCode
		cs.Stored = res.stored
		p.send(w, r, log, res.statusCode, res.header, res.body, cs)
	}
}

// bypass answers from the origin without looking at or writing to the zone.
func (p *Proxy) bypass(w http.ResponseWriter, r *http.Request, log zerolog.Logger) {
	log.Trace().Msg("Bypassing cache")
	rec := p.fetcher.roundTrip(r.Context(), r)
	if err := rec.Err(); err != nil {
		p.metrics.OriginFetches.WithLabelValues("failed").Inc()
		p.metrics.Requests.WithLabelValues("none").Inc()
		log.Error().Err(originUnavailable(err)).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	p.metrics.OriginFetches.WithLabelValues("bypass").Inc()
	cs := cachestatus.CacheStatus{}
	if _, eligible := p.policy.Classify(rec.StatusCode()); eligible {
		cs.Forward(cachestatus.Bypass, cachestatus.FwdBypass)
		cs.FwdStatus = rec.StatusCode()
	}
	p.send(w, r, log, rec.StatusCode(), rec.Header(), rec.Body(), cs)
}

func (p *Proxy) storageFailure(w http.ResponseWriter, r *http.Request, log zerolog.Logger, op string, err error) {
	p.metrics.StorageErrors.WithLabelValues(op).Inc()
	p.metrics.Requests.WithLabelValues("none").Inc()
	log.Error().Err(err).Str("url", r.URL.String()).Msg("Cache storage failure")
	http.Error(w, "Cache storage failure", http.StatusInternalServerError)
}

// send writes a complete response, with the cache status signal if there is one.
func (p *Proxy) send(w http.ResponseWriter, r *http.Request, log zerolog.Logger, status int, header http.Header, body []byte, cs cachestatus.CacheStatus) {
	signal := string(cs.Signal)
	if signal == "" {
		signal = "none"
	}
	p.metrics.Requests.WithLabelValues(signal).Inc()

	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", status).
		Str("status", signal).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("ttl", cs.TimeToLive).
		Int("hit", isHit).
		Msg("Sending response to client")

	recorder.CopyHeader(w.Header(), header)
	cs.Apply(w.Header())
	if bodyAllowed(r, status) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	if !bodyAllowed(r, status) {
		return
	}
	if _, err := w.Write(body); err != nil {
		log.Debug().Err(err).Msg("Could not write response body to client")
	}
}

func bodyAllowed(r *http.Request, status int) bool {
	if r.Method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

func ttlSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

// PurgeAll removes every entry. The next request for any key is a MISS.
func (p *Proxy) PurgeAll() (int, error) {
	n, err := p.zone.Purge()
	p.metrics.Evictions.WithLabelValues("purge").Add(float64(n))
	p.log.Info().Int("entries", n).Msg("Purged all entries")
	return n, err
}

// PurgeKey removes the entry the given request resolves to.
func (p *Proxy) PurgeKey(r *http.Request) (bool, error) {
	key := p.resolver.Resolve(r)
	removed, err := p.zone.Remove(key)
	if removed {
		p.metrics.Evictions.WithLabelValues("purge").Inc()
	}
	p.log.Info().Str("key", key.String()).Bool("removed", removed).Msg("Purged key")
	return removed, err
}

// PurgePrefix removes every entry whose path starts with prefix.
func (p *Proxy) PurgePrefix(prefix string) (int, error) {
	n, err := p.zone.PurgePrefix(prefix)
	p.metrics.Evictions.WithLabelValues("purge").Add(float64(n))
	p.log.Info().Str("prefix", prefix).Int("entries", n).Msg("Purged prefix")
	return n, err
}

// Stats is a point in time view of the zone.
type Stats struct {
	Entries      int   `json:"entries"`
	SizeBytes    int64 `json:"sizeBytes"`
	MaxSizeBytes int64 `json:"maxSizeBytes"`
}

func (p *Proxy) Stats() Stats {
	return Stats{
		Entries:      p.zone.Len(),
		SizeBytes:    p.zone.Size(),
		MaxSizeBytes: p.zone.MaxSizeBytes(),
	}
}
