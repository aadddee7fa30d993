package cachezone

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

// PurgeMethodHeader selects the method of the key purged by DELETE /cache/key/*.
const PurgeMethodHeader = "X-Purge-Method"

// AdminHandler returns the operator surface: purges, a manual sweep,
// zone stats and Prometheus metrics. It is meant for a separate listener.
// sweeper and gatherer may be nil, which disables their routes.
func (p *Proxy) AdminHandler(sweeper *Sweeper, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(p.log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("code", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Admin request")
	}))

	r.Delete("/cache", func(w http.ResponseWriter, r *http.Request) {
		n, err := p.PurgeAll()
		writeJSON(w, err, map[string]int{"purged": n})
	})

	r.Delete("/cache/key/*", func(w http.ResponseWriter, r *http.Request) {
		removed, err := p.PurgeKey(purgeRequest(r))
		writeJSON(w, err, map[string]bool{"removed": removed})
	})

	r.Delete("/cache/prefix/*", func(w http.ResponseWriter, r *http.Request) {
		n, err := p.PurgePrefix("/" + chi.URLParam(r, "*"))
		writeJSON(w, err, map[string]int{"purged": n})
	})

	r.Get("/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, nil, p.Stats())
	})

	if sweeper != nil {
		r.Post("/cache/sweep", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, nil, sweeper.Sweep())
		})
	}

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// purgeRequest rebuilds the client request whose key is to be purged:
// the wildcard path, with the admin request's query and headers.
func purgeRequest(r *http.Request) *http.Request {
	target := r.Clone(r.Context())
	target.Method = http.MethodGet
	if m := strings.ToUpper(r.Header.Get(PurgeMethodHeader)); m != "" {
		target.Method = m
	}
	target.URL.Path = "/" + chi.URLParam(r, "*")
	target.URL.RawPath = ""
	target.Header.Del(PurgeMethodHeader)
	return target
}

func writeJSON(w http.ResponseWriter, err error, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(errors.ToJSON(err))
		return
	}
	json.NewEncoder(w).Encode(body)
}
