package app

import (
	"context"
	"net/http"
	"time"

	"inbox/cmd/internal/feed"
	"inbox/cmd/internal/httpapi"
	"inbox/cmd/internal/ids"
	"inbox/cmd/internal/ingest"
	"inbox/cmd/internal/metrics"
	"inbox/cmd/internal/query"
)

const (
	serviceName    = "inbox"
	serviceVersion = "1.0.0"

	readinessTimeout = 2 * time.Second
)

// Pinger is the readiness probe of a store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type routes struct {
	log     Logger
	cfg     Config
	store   Pinger
	webhook *ingest.Handler
	query   *query.HTTPHandler
	metrics *metrics.Metrics
	feed    *feed.Gateway // nil when FEED_ENABLED=false
}

func registerHTTP(mux *http.ServeMux, rt routes) {
	mux.Handle("POST /webhook", rt.webhook)
	rt.query.Register(mux)
	mux.Handle("GET /metrics", rt.metrics.Handler())

	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	mux.HandleFunc("GET /health/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		if err := rt.store.Ping(ctx); err != nil {
			rt.log.WarnContext(r.Context(), "readyz.store.not_ready",
				"request_id", ids.RequestID(r.Context()),
				"err", err,
			)
			httpapi.WriteError(w, http.StatusServiceUnavailable, httpapi.CodeStoreUnavailable, "store not ready")
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	// Deprecated: use /health/live.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, map[string]string{
			"name":    serviceName,
			"version": serviceVersion,
			"status":  "running",
		})
	})

	if rt.feed != nil {
		mux.Handle("GET /ws/messages", rt.feed)
	}

	if rt.cfg.UIDir != "" {
		mux.Handle("GET /ui/", http.StripPrefix("/ui/", http.FileServer(http.Dir(rt.cfg.UIDir))))
	}
}
