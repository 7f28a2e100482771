package graph

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Rebuild/append are serialized per user via a transactional advisory lock,
//   so a snapshot rebuild can never interleave with a delta append for the
//   same user. Different users take different locks and run concurrently.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chatlens").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("graph: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("graph: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed graph Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chatlens",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("graph: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// RebuildFromSnapshot replaces the user's entire graph in one transaction.
func (s *PostgresStore) RebuildFromSnapshot(ctx context.Context, userID string, results []BuildResult) error {
	if s == nil || s.pool == nil {
		return errors.New("graph: nil store")
	}
	if userID == "" {
		return errors.New("graph: missing user id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUser(ctx, tx, userID); err != nil {
		return err
	}

	vertices := pgIdent(s.schema, "graph_vertices")
	edges := pgIdent(s.schema, "graph_edges")

	if _, err := tx.Exec(ctx, `DELETE FROM `+edges+` WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear edges: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM `+vertices+` WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear vertices: %w", err)
	}

	for _, r := range results {
		if err := insertResult(ctx, tx, vertices, edges, userID, r); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// AppendFromDelta extends the user's graph without clearing it.
func (s *PostgresStore) AppendFromDelta(ctx context.Context, userID string, result BuildResult) error {
	if s == nil || s.pool == nil {
		return errors.New("graph: nil store")
	}
	if userID == "" {
		return errors.New("graph: missing user id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := lockUser(ctx, tx, userID); err != nil {
		return err
	}

	vertices := pgIdent(s.schema, "graph_vertices")
	edges := pgIdent(s.schema, "graph_edges")

	if err := insertResult(ctx, tx, vertices, edges, userID, result); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ConversationsFor returns the user's Conversation vertices.
func (s *PostgresStore) ConversationsFor(ctx context.Context, userID string) ([]Vertex, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("graph: nil store")
	}

	vertices := pgIdent(s.schema, "graph_vertices")
	rows, err := s.pool.Query(ctx,
		`SELECT vertex_id, kind, properties FROM `+vertices+` WHERE user_id = $1 AND kind = $2 ORDER BY vertex_id`,
		userID, string(VertexConversation),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Vertex
	for rows.Next() {
		var v Vertex
		var kind string
		if err := rows.Scan(&v.ID, &kind, &v.Properties); err != nil {
			return nil, err
		}
		v.Kind = VertexKind(kind)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Stats returns the vertex/edge counts for one user.
func (s *PostgresStore) Stats(ctx context.Context, userID string) (Stats, error) {
	if s == nil || s.pool == nil {
		return Stats{}, errors.New("graph: nil store")
	}

	var out Stats
	vertices := pgIdent(s.schema, "graph_vertices")
	edges := pgIdent(s.schema, "graph_edges")

	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+vertices+` WHERE user_id = $1`, userID,
	).Scan(&out.Vertices); err != nil {
		return Stats{}, err
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+edges+` WHERE user_id = $1`, userID,
	).Scan(&out.Edges); err != nil {
		return Stats{}, err
	}
	return out, nil
}

func lockUser(ctx context.Context, tx pgx.Tx, userID string) error {
	// hashtextextended reduces collision risk vs hashtext (still a hash, but better).
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func insertResult(ctx context.Context, tx pgx.Tx, vertices, edges, userID string, r BuildResult) error {
	batch := &pgx.Batch{}
	for _, v := range r.Vertices {
		batch.Queue(
			`INSERT INTO `+vertices+` (user_id, vertex_id, kind, properties)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, vertex_id) DO UPDATE SET kind = EXCLUDED.kind, properties = EXCLUDED.properties`,
			userID, v.ID, string(v.Kind), v.Properties,
		)
	}
	for _, e := range r.Edges {
		batch.Queue(
			`INSERT INTO `+edges+` (user_id, from_id, to_id, label, properties)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (user_id, from_id, to_id, label) DO UPDATE SET properties = EXCLUDED.properties`,
			userID, e.FromID, e.ToID, e.Label, e.Properties,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert graph fragment: %w", err)
		}
	}
	return br.Close()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

// pgIdent quotes schema.table safely (both parts validated).
func pgIdent(schema, table string) string {
	return `"` + schema + `"."` + table + `"`
}
