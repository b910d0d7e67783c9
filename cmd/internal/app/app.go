// Package app wires the inbox server runtime: config, logging, store selection,
// HTTP routes and the live feed.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"inbox/cmd/internal/feed"
	"inbox/cmd/internal/ingest"
	"inbox/cmd/internal/messages"
	"inbox/cmd/internal/metrics"
	"inbox/cmd/internal/query"

	"github.com/jackc/pgx/v5/pgxpool"
)

const shutdownTimeout = 10 * time.Second

// App is the inbox server runtime: it owns the store, the HTTP handler tree and the feed hub.
type App struct {
	cfg Config
	log Logger

	store   messages.Store
	dbPool  *pgxpool.Pool // nil unless DATABASE_URL is Postgres
	backend messages.Backend

	metrics *metrics.Metrics
	hub     *feed.Hub

	handler http.Handler
}

// New opens the configured store and wires every route.
func New(cfg Config, log Logger) (*App, error) {
	return NewWithContext(context.Background(), cfg, log)
}

// NewWithContext is New with a caller-controlled context for store startup.
func NewWithContext(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		return nil, err
	}

	st, pool, backend, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := assemble(cfg, log, verifier, st)
	if err != nil {
		_ = closeStore(st, pool)
		return nil, err
	}
	a.dbPool = pool
	a.backend = backend
	return a, nil
}

func assemble(cfg Config, log Logger, verifier ingest.Verifier, st messages.Store) (*App, error) {
	m := metrics.New()

	observers := ingest.Observers{ingest.LogObserver{Log: log}, m}

	var (
		hub     *feed.Hub
		gateway *feed.Gateway
	)
	if cfg.FeedEnabled {
		hub = feed.NewHub(log)
		gateway = feed.NewGateway(log, hub, feed.GatewayConfig{
			AllowedOrigins: cfg.AllowedOrigins(),
			SendQueueSize:  cfg.FeedSendQueue,
		})
		observers = append(observers, hub)
	}

	webhook, err := ingest.NewHandler(verifier, st,
		ingest.WithObserver(observers),
		ingest.WithLogger(log),
		ingest.WithSignatureHeader(cfg.SignatureHeader),
		ingest.WithMaxBodyBytes(int64(cfg.WebhookMaxBodyBytes)),
	)
	if err != nil {
		return nil, err
	}

	svc, err := query.NewService(st)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:     log,
		cfg:     cfg,
		store:   st,
		webhook: webhook,
		query:   query.NewHTTPHandler(svc, log),
		metrics: m,
		feed:    gateway,
	})

	return &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		metrics: m,
		hub:     hub,
		handler: WithRequestID(WithSecurityHeaders(WithRequestLogging(mux, log, m))),
	}, nil
}

// Handler returns the complete middleware-wrapped handler tree.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}
	if a.hub != nil {
		// Shutdown does not wait for hijacked websocket connections.
		srv.RegisterOnShutdown(a.hub.CloseAll)
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"backend", string(a.backend),
		"feed_enabled", a.hub != nil,
		"ui_enabled", a.cfg.UIDir != "",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if runErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			runErr = err
		}
	}

	// Store goes last so in-flight requests finish against an open store.
	if err := a.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	if runErr == nil {
		a.log.Info("server.stopped")
	}
	return runErr
}

// Close releases the store and, for Postgres, the pool.
func (a *App) Close() error {
	return closeStore(a.store, a.dbPool)
}

func closeStore(st messages.Store, pool *pgxpool.Pool) error {
	var err error
	if st != nil {
		err = st.Close()
	}
	if pool != nil {
		pool.Close()
	}
	return err
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore picks the backend from DATABASE_URL.
//
// Ownership model:
// - app owns the pgx pool lifecycle
// - PostgresStore.Close() is a no-op
// - SQLite and memory stores own their resources
func newStore(ctx context.Context, cfg Config, log Logger) (messages.Store, *pgxpool.Pool, messages.Backend, error) {
	backend, target, err := messages.ParseDSN(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, "", err
	}

	switch backend {
	case messages.BackendPostgres:
		pool, err := NewDBPool(ctx, target, cfg)
		if err != nil {
			return nil, nil, "", err
		}
		st, err := messages.NewPostgresStore(pool, messages.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, "", err
		}
		if cfg.DBAutoMigrate {
			if err := st.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, nil, "", err
			}
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema, "auto_migrate", cfg.DBAutoMigrate)
		return st, pool, backend, nil

	case messages.BackendSQLite:
		st, err := messages.NewSQLiteStore(ctx, target)
		if err != nil {
			return nil, nil, "", err
		}
		log.Info("db.enabled.sqlite_store", "path", target)
		return st, nil, backend, nil

	case messages.BackendMemory:
		log.Info("db.disabled.inmemory_store")
		return messages.NewMemoryStore(), nil, backend, nil

	default:
		return nil, nil, "", fmt.Errorf("%w: backend %q", messages.ErrUnsupportedDSN, backend)
	}
}
