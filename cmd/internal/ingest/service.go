// Package ingest runs the snapshot-then-delta ingestion pipeline: it
// normalizes raw client payloads, maintains the per-user conversation state,
// and drives enrichment, graph persistence, and analytics fan-out.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatlens/cmd/internal/enrich"
	"chatlens/cmd/internal/graph"
	"chatlens/cmd/internal/insights"
	"chatlens/cmd/internal/metrics"
	"chatlens/cmd/internal/realtime"
	v1 "chatlens/shared/contracts/wss/v1"
)

// Service orchestrates ingestion for all users of this process.
//
// Ordering contract: all pipeline work for one user runs under that user's
// mutex, so a snapshot and its trailing deltas are strictly serialized while
// different users proceed in parallel. Deltas arriving before the user's
// first completed snapshot are queued and drained FIFO once the snapshot
// lands.
type Service struct {
	log      *slog.Logger
	bus      realtime.Broadcaster
	enricher *enrich.Service
	builder  *graph.Builder
	graphs   graph.Store
	insights *insights.Service

	creatorID string

	mu    sync.Mutex
	users map[string]*userState
}

// userState is the in-memory conversation state of one user.
// All fields are guarded by mu.
type userState struct {
	mu sync.Mutex

	snapshotReady bool

	order    []string
	chats    map[string]v1.ChatThread
	messages []v1.Message
	nodes    map[string]v1.ConversationNode

	pending []v1.NewRawMessagePayload
}

var _ realtime.Ingestor = (*Service)(nil)

// NewService constructs the ingestion orchestrator. creatorID identifies the
// owning account; it drives authored-by-owner derivation during
// normalization and the Creator vertex in the graph.
func NewService(
	log *slog.Logger,
	bus realtime.Broadcaster,
	enricher *enrich.Service,
	builder *graph.Builder,
	graphs graph.Store,
	ins *insights.Service,
	creatorID string,
) *Service {
	return &Service{
		log:       log,
		bus:       bus,
		enricher:  enricher,
		builder:   builder,
		graphs:    graphs,
		insights:  ins,
		creatorID: creatorID,
		users:     make(map[string]*userState),
	}
}

func (s *Service) stateFor(userID string) *userState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[userID]
	if !ok {
		st = &userState{
			chats: make(map[string]v1.ChatThread),
			nodes: make(map[string]v1.ConversationNode),
		}
		s.users[userID] = st
	}
	return st
}

// ---- snapshot path ----

// HandleSnapshot runs the full snapshot pipeline for one user: normalize,
// enrich, rebuild the graph, compose analytics, broadcast the full sync, and
// drain any deltas queued while no snapshot existed.
func (s *Service) HandleSnapshot(ctx context.Context, userID string, p v1.CacheUpdatePayload) error {
	if err := p.Validate(); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("invalid").Inc()
		s.publishError(ctx, userID, v1.CodeInvalidSnapshotPayload, err.Error())
		return fmt.Errorf("ingest: snapshot rejected: %w", err)
	}

	st := s.stateFor(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	started := time.Now()
	s.publishStatus(ctx, userID, v1.StatusProcessingSnapshot, "")
	s.log.Info("ingest.snapshot.start",
		"user_id", userID, "chats", len(p.Chats), "messages", len(p.Messages), "queued_deltas", len(st.pending))

	st.snapshotReady = false
	st.order = st.order[:0]
	st.chats = make(map[string]v1.ChatThread, len(p.Chats))
	st.messages = st.messages[:0]
	st.nodes = make(map[string]v1.ConversationNode, len(p.Chats))

	skippedChats := 0
	for _, raw := range p.Chats {
		thread, err := NormalizeChat(raw, s.creatorID)
		if err != nil {
			skippedChats++
			s.log.Warn("ingest.snapshot.chat_skipped", "user_id", userID, "err", err)
			continue
		}
		if _, seen := st.chats[thread.ID]; !seen {
			st.order = append(st.order, thread.ID)
		}
		st.chats[thread.ID] = thread
		st.messages = append(st.messages, thread.Messages...)
	}

	skippedMessages := 0
	for _, raw := range p.Messages {
		msg, err := NormalizeMessage(raw, s.creatorID)
		if err != nil {
			skippedMessages++
			s.log.Warn("ingest.snapshot.message_skipped", "user_id", userID, "err", err)
			continue
		}
		if msg.ChatID == "" {
			skippedMessages++
			continue
		}
		// Loose messages may reference chats absent from the chat list.
		if _, ok := st.chats[msg.ChatID]; !ok {
			st.order = append(st.order, msg.ChatID)
			st.chats[msg.ChatID] = v1.ChatThread{ID: msg.ChatID}
		}
		st.upsertMessage(msg)
	}

	if skippedChats > 0 || skippedMessages > 0 {
		s.log.Info("ingest.snapshot.skipped",
			"user_id", userID, "chats", skippedChats, "messages", skippedMessages)
	}

	for _, chatID := range st.order {
		node := s.enricher.Enrich(st.chats[chatID], st.messages)
		st.nodes[chatID] = node
		s.broadcastEnrichment(ctx, userID, node, false)
	}

	results := make([]graph.BuildResult, 0, len(st.order))
	for _, chatID := range st.order {
		node := st.nodes[chatID]
		res, err := s.builder.Build(node, node.FanID)
		if err != nil {
			// One bad conversation never blocks the rest of the snapshot.
			s.publishError(ctx, userID, v1.CodeGraphSnapshotFailed, err.Error())
			continue
		}
		results = append(results, res)
	}
	if err := s.graphs.RebuildFromSnapshot(ctx, userID, results); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("failed").Inc()
		s.publishError(ctx, userID, v1.CodeGraphRebuildFailed, err.Error())
		s.publishStatus(ctx, userID, v1.StatusError, "graph rebuild failed")
		return fmt.Errorf("ingest: graph rebuild: %w", err)
	}

	analytics := s.insights.BuildAnalyticsUpdate(ctx, userID, st.nodeList(), insights.QueryOptions{CreatorID: s.creatorID})
	for chatID, node := range st.nodes {
		node.PriorityScore = analytics.PriorityScores[chatID]
		st.nodes[chatID] = node
	}

	full := v1.FullSyncResponse{
		Conversations: st.nodeList(),
		Analytics:     analytics,
	}
	if err := s.publish(ctx, userID, v1.TypeFullSyncResponse, full); err != nil {
		// State is consistent; clients can recover over the HTTP sync route.
		s.publishError(ctx, userID, v1.CodeFullSyncBroadcastFailed, err.Error())
	}

	st.snapshotReady = true
	metrics.SnapshotsTotal.WithLabelValues("ok").Inc()

	queued := st.pending
	st.pending = nil
	for _, d := range queued {
		metrics.DeltasQueued.Dec()
		if err := s.applyDeltaLocked(ctx, userID, st, d); err != nil {
			s.log.Warn("ingest.drain.delta_failed", "user_id", userID, "err", err)
		}
	}

	s.publishStatus(ctx, userID, v1.StatusRealtime, "")
	s.log.Info("ingest.snapshot.done",
		"user_id", userID,
		"conversations", len(st.order),
		"drained_deltas", len(queued),
		"elapsed", time.Since(started),
	)
	return nil
}

// ---- delta path ----

// HandleDelta ingests one new-message delta. Before the user's first
// completed snapshot the delta is queued; afterwards it is applied
// immediately under the user's mutex.
func (s *Service) HandleDelta(ctx context.Context, userID string, p v1.NewRawMessagePayload) error {
	if err := p.Validate(); err != nil {
		metrics.DeltasTotal.WithLabelValues("invalid").Inc()
		s.publishError(ctx, userID, v1.CodeInvalidDeltaPayload, err.Error())
		return fmt.Errorf("ingest: delta rejected: %w", err)
	}

	st := s.stateFor(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.snapshotReady {
		st.pending = append(st.pending, p)
		metrics.DeltasTotal.WithLabelValues("queued").Inc()
		metrics.DeltasQueued.Inc()
		s.log.Debug("ingest.delta.queued", "user_id", userID, "queue_len", len(st.pending))
		return nil
	}

	return s.applyDeltaLocked(ctx, userID, st, p)
}

// applyDeltaLocked runs the delta pipeline. st.mu must be held.
//
// Every stage past normalization is fault-isolated: a failure is reported as
// a system_error on the user's frontend channel and the remaining stages
// still run, so one broken subsystem degrades output instead of halting the
// realtime feed.
func (s *Service) applyDeltaLocked(ctx context.Context, userID string, st *userState, p v1.NewRawMessagePayload) error {
	msg, err := NormalizeMessage(p.Message, s.creatorID)
	if err != nil {
		metrics.DeltasTotal.WithLabelValues("invalid").Inc()
		s.publishError(ctx, userID, v1.CodeInvalidDeltaPayload, err.Error())
		return fmt.Errorf("ingest: delta message: %w", err)
	}
	if msg.ChatID == "" {
		metrics.DeltasTotal.WithLabelValues("invalid").Inc()
		s.publishError(ctx, userID, v1.CodeInvalidDeltaPayload, "message without chat id")
		return errors.New("ingest: delta message without chat id")
	}

	thread, ok := st.chats[msg.ChatID]
	if !ok {
		thread = v1.ChatThread{ID: msg.ChatID}
		st.order = append(st.order, msg.ChatID)
	}
	if msg.FromCreator == nil || !*msg.FromCreator {
		thread.UnreadCount++
	}
	if !msg.CreatedAt.IsZero() {
		thread.LastMessageAt = msg.CreatedAt
	}
	st.chats[msg.ChatID] = thread
	st.upsertMessage(msg)

	node := s.enricher.Enrich(thread, st.messages)
	st.nodes[msg.ChatID] = node

	s.broadcastEnrichment(ctx, userID, node, true)

	if res, err := s.builder.Build(node, node.FanID); err != nil {
		s.publishError(ctx, userID, v1.CodeGraphDeltaFailed, err.Error())
	} else if err := s.graphs.AppendFromDelta(ctx, userID, res); err != nil {
		s.publishError(ctx, userID, v1.CodeGraphAppendFailed, err.Error())
	}

	analytics := s.insights.BuildAnalyticsUpdate(ctx, userID, st.nodeList(), insights.QueryOptions{CreatorID: s.creatorID})
	node.PriorityScore = analytics.PriorityScores[msg.ChatID]
	st.nodes[msg.ChatID] = node

	if err := s.publish(ctx, userID, v1.TypeAnalyticsUpdate, analytics); err != nil {
		s.publishError(ctx, userID, v1.CodeDeltaAnalyticsFailed, err.Error())
	}
	if err := s.publish(ctx, userID, v1.TypeAppendMessage, node); err != nil {
		s.publishError(ctx, userID, v1.CodeAppendMessageFailed, err.Error())
	}

	metrics.DeltasTotal.WithLabelValues("applied").Inc()
	s.log.Debug("ingest.delta.applied", "user_id", userID, "chat_id", msg.ChatID, "message_id", msg.ID)
	return nil
}

// ---- read access (HTTP sync route) ----

// FullSnapshot returns the current full-sync payload for one user, or false
// before the user's first completed snapshot.
func (s *Service) FullSnapshot(ctx context.Context, userID string) (v1.FullSyncResponse, bool) {
	st := s.stateFor(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.snapshotReady {
		return v1.FullSyncResponse{}, false
	}
	return v1.FullSyncResponse{
		Conversations: st.nodeList(),
		Analytics:     s.insights.BuildAnalyticsUpdate(ctx, userID, st.nodeList(), insights.QueryOptions{CreatorID: s.creatorID}),
	}, true
}

// CachedChats returns the user's raw chat cache in first-seen order, along
// with the snapshot-readiness flag. The cache may be non-empty before
// readiness when deltas created stub threads.
func (s *Service) CachedChats(userID string) ([]v1.ChatThread, bool) {
	st := s.stateFor(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]v1.ChatThread, 0, len(st.chats))
	for _, chatID := range st.order {
		if c, ok := st.chats[chatID]; ok {
			out = append(out, c)
		}
	}
	return out, st.snapshotReady
}

// CachedMessages returns the user's cached messages, filtered to one chat
// when chatID is non-empty. Order is cache append order.
func (s *Service) CachedMessages(userID, chatID string) []v1.Message {
	st := s.stateFor(userID)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]v1.Message, 0, len(st.messages))
	for _, m := range st.messages {
		if chatID != "" && m.ChatID != chatID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// SnapshotReady reports whether the user has a completed snapshot.
func (s *Service) SnapshotReady(userID string) bool {
	st := s.stateFor(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotReady
}

// ---- state helpers ----

// upsertMessage appends the message, replacing an existing one with the same
// (chat, message) identity so re-sent records do not double-count.
func (st *userState) upsertMessage(msg v1.Message) {
	for i, m := range st.messages {
		if m.ID == msg.ID && m.ChatID == msg.ChatID {
			st.messages[i] = msg
			return
		}
	}
	st.messages = append(st.messages, msg)
}

// nodeList returns the enriched nodes in stable first-seen chat order.
func (st *userState) nodeList() []v1.ConversationNode {
	out := make([]v1.ConversationNode, 0, len(st.nodes))
	for _, chatID := range st.order {
		if n, ok := st.nodes[chatID]; ok {
			out = append(out, n)
		}
	}
	return out
}

// ---- fan-out helpers ----

func (s *Service) broadcastEnrichment(ctx context.Context, userID string, node v1.ConversationNode, delta bool) {
	encodeCode, publishCode := v1.CodeEnrichmentFailed, v1.CodeEnrichBroadcastFailed
	if delta {
		encodeCode, publishCode = v1.CodeDeltaEnrichmentFailed, v1.CodeDeltaEnrichBroadcastFail
	}

	frame, err := v1.EncodeOutbound(v1.TypeEnrichmentResult, enrich.Result(node))
	if err != nil {
		s.publishError(ctx, userID, encodeCode, err.Error())
		return
	}
	if err := s.bus.Publish(ctx, realtime.FrontendChannel(userID), frame); err != nil {
		s.publishError(ctx, userID, publishCode, err.Error())
	}
}

// publish encodes one outbound frame and broadcasts it on the user's
// frontend channel.
func (s *Service) publish(ctx context.Context, userID, typ string, payload any) error {
	frame, err := v1.EncodeOutbound(typ, payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, realtime.FrontendChannel(userID), frame)
}

func (s *Service) publishStatus(ctx context.Context, userID, status, detail string) {
	if err := s.publish(ctx, userID, v1.TypeSystemStatus, v1.SystemStatusPayload{Status: status, Detail: detail}); err != nil {
		s.log.Warn("ingest.status.publish_fail", "user_id", userID, "status", status, "err", err)
	}
}

func (s *Service) publishError(ctx context.Context, userID, code, msg string) {
	if err := s.publish(ctx, userID, v1.TypeSystemError, v1.SystemErrorPayload{Code: code, Message: msg}); err != nil {
		s.log.Warn("ingest.error.publish_fail", "user_id", userID, "code", code, "err", err)
	}
}
