// Package app wires the ChatLens server runtime: config, logging, HTTP
// routes, the broadcast fabric, and the ingestion pipeline.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chatlens/cmd/internal/enrich"
	"chatlens/cmd/internal/graph"
	"chatlens/cmd/internal/ingest"
	"chatlens/cmd/internal/insights"
	"chatlens/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the ChatLens server runtime: it owns HTTP server wiring, the
// broadcast fabric, and the ingestion pipeline dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	bus      *realtime.MemoryBus
	ingest   *ingest.Service
	insights *insights.Service
	graphs   graph.Store
	ws       *realtime.WSGateway
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	st, dbPool, dbEnabled, graphStore, err := newGraphStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	bus := realtime.NewMemoryBus(log, cfg.BusQueueSize)

	enricher := enrich.NewService(log)
	builder := graph.NewBuilder(log, cfg.CreatorID)
	ins := insights.NewService(log)

	ing := ingest.NewService(log, bus, enricher, builder, graphStore, ins, cfg.CreatorID)

	ws := realtime.NewWSGateway(log, bus, ing)

	return &App{
		cfg:       cfg,
		log:       log,
		store:     st,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		bus:       bus,
		ingest:    ing,
		insights:  ins,
		graphs:    graphStore,
		ws:        ws,
	}, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.ingest, a.insights, a.graphs, a.bus)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Release fabric subscribers before the pool goes away.
	a.bus.Close()

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
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

// newGraphStore decides between Postgres-backed graph persistence and the
// in-memory dev store.
func newGraphStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, graph.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_graph")
		return nopStore{}, nil, false, graph.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_graph", "schema", cfg.GraphSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	gs, err := graph.NewPostgresStore(pool, graph.WithSchema(cfg.GraphSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, graphStore: gs}, pool, true, gs, nil
}

type dbStore struct {
	pool       *pgxpool.Pool
	graphStore graph.Store
}

func (s dbStore) Close(_ context.Context) error {
	// Current PostgresStore.Close() is a no-op by design (pool is owned here).
	if s.graphStore != nil {
		_ = s.graphStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
