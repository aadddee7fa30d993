package cachezone

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/always-cache/cachezone/cache"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	Requests        *prometheus.CounterVec
	OriginFetches   *prometheus.CounterVec
	Collapsed       prometheus.Counter
	InflightFetches prometheus.Gauge
	Evictions       *prometheus.CounterVec
	StorageErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the provided registry.
// Zone size and entry count are read from the zone at scrape time.
func NewMetrics(reg prometheus.Registerer, zone *cache.Zone) *Metrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cachezone_requests_total",
		Help: "Requests served, by cache status signal (none when no signal applies)",
	}, []string{"status"})

	originFetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cachezone_origin_fetches_total",
		Help: "Origin fetches, by result",
	}, []string{"result"})

	collapsed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cachezone_collapsed_requests_total",
		Help: "Requests that waited on another request's origin fetch",
	})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cachezone_inflight_fetches",
		Help: "Origin fetches currently in progress",
	})

	size := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cachezone_zone_size_bytes",
		Help: "Accounted size of all stored entries",
	}, func() float64 { return float64(zone.Size()) })

	entries := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "cachezone_zone_entries",
		Help: "Number of stored entries",
	}, func() float64 { return float64(zone.Len()) })

	evictions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cachezone_evictions_total",
		Help: "Entries removed, by reason",
	}, []string{"reason"})

	storageErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cachezone_storage_errors_total",
		Help: "Record store failures, by operation",
	}, []string{"op"})

	reg.MustRegister(requests, originFetches, collapsed, inflight, size, entries, evictions, storageErrors)

	return &Metrics{
		Requests:        requests,
		OriginFetches:   originFetches,
		Collapsed:       collapsed,
		InflightFetches: inflight,
		Evictions:       evictions,
		StorageErrors:   storageErrors,
	}
}
