package graph

import (
	"context"
	"errors"
	"sync"
)

// InMemoryStore is the default graph state backend when no database is
// configured. Per-user graphs are guarded individually so different users
// never contend on the same lock.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]*userGraph
}

type userGraph struct {
	mu       sync.Mutex
	vertices []Vertex
	edges    []Edge
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{users: make(map[string]*userGraph)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) graphFor(userID string) *userGraph {
	s.mu.RLock()
	g, ok := s.users[userID]
	s.mu.RUnlock()
	if ok {
		return g
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok = s.users[userID]; ok {
		return g
	}
	g = &userGraph{}
	s.users[userID] = g
	return g
}

// RebuildFromSnapshot clears and repopulates the user's entire graph state.
func (s *InMemoryStore) RebuildFromSnapshot(ctx context.Context, userID string, results []BuildResult) error {
	if userID == "" {
		return errors.New("graph: missing user id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g := s.graphFor(userID)
	g.mu.Lock()
	defer g.mu.Unlock()

	g.vertices = g.vertices[:0]
	g.edges = g.edges[:0]
	for _, r := range results {
		g.vertices = append(g.vertices, r.Vertices...)
		g.edges = append(g.edges, r.Edges...)
	}
	return nil
}

// AppendFromDelta extends the existing graph state without clearing it.
func (s *InMemoryStore) AppendFromDelta(ctx context.Context, userID string, result BuildResult) error {
	if userID == "" {
		return errors.New("graph: missing user id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g := s.graphFor(userID)
	g.mu.Lock()
	defer g.mu.Unlock()

	g.vertices = append(g.vertices, result.Vertices...)
	g.edges = append(g.edges, result.Edges...)
	return nil
}

// ConversationsFor returns the user's Conversation vertices in insertion
// order.
func (s *InMemoryStore) ConversationsFor(ctx context.Context, userID string) ([]Vertex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	g, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	var out []Vertex
	for _, v := range g.vertices {
		if v.Kind == VertexConversation {
			out = append(out, v)
		}
	}
	return out, nil
}

// Stats returns the vertex/edge counts for one user.
func (s *InMemoryStore) Stats(ctx context.Context, userID string) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}

	s.mu.RLock()
	g, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return Stats{}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{Vertices: len(g.vertices), Edges: len(g.edges)}, nil
}
