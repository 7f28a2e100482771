package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbDialTimeout = 3 * time.Second

// NewDBPool opens the pgx pool backing the Postgres graph store and verifies
// a connection can actually be acquired before the pool is handed out.
//
// It runs no DDL: the graph_vertices/graph_edges tables under
// CHATLENS_GRAPH_SCHEMA are provisioned by the deployment, not by the server.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db: open pool: %w", err)
	}

	if err := PingDB(ctx, pool, dbDialTimeout); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: initial ping: %w", err)
	}

	return pool, nil
}

// PingDB acquires and releases one connection within timeout. The /readyz
// handler uses it as the graph-store reachability probe.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}
