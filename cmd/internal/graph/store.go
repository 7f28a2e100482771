package graph

import "context"

// Stats summarizes one user's graph state.
type Stats struct {
	Vertices int
	Edges    int
}

// Store maintains the per-user graph state.
//
// Requirements:
//   - RebuildFromSnapshot replaces the user's entire graph atomically.
//   - AppendFromDelta extends without clearing.
//   - Operations for different user ids must not block each other.
type Store interface {
	RebuildFromSnapshot(ctx context.Context, userID string, results []BuildResult) error
	AppendFromDelta(ctx context.Context, userID string, result BuildResult) error
	ConversationsFor(ctx context.Context, userID string) ([]Vertex, error)
	Stats(ctx context.Context, userID string) (Stats, error)
	Close() error
}
