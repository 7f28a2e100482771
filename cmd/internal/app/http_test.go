package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatlens/cmd/internal/enrich"
	"chatlens/cmd/internal/graph"
	"chatlens/cmd/internal/ingest"
	"chatlens/cmd/internal/insights"
	"chatlens/cmd/internal/realtime"
	v1 "chatlens/shared/contracts/wss/v1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type apiFixture struct {
	mux *http.ServeMux
	bus *realtime.MemoryBus
	ing *ingest.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	log := discardLogger()
	bus := realtime.NewMemoryBus(log, 0)
	t.Cleanup(bus.Close)

	ins := insights.NewService(log)
	gs := graph.NewInMemoryStore()
	ing := ingest.NewService(
		log, bus,
		enrich.NewService(log),
		graph.NewBuilder(log, "creator-1"),
		gs,
		ins,
		"creator-1",
	)
	ws := realtime.NewWSGateway(log, bus, ing)

	mux := http.NewServeMux()
	registerHTTP(mux, log, Config{}, nil, false, ws, ing, ins, gs, bus)
	return &apiFixture{mux: mux, bus: bus, ing: ing}
}

func (f *apiFixture) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestReadyz_NoDBConfigured(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestReadyz_RequiresDBWhenConfigured(t *testing.T) {
	t.Parallel()

	log := discardLogger()
	bus := realtime.NewMemoryBus(log, 0)
	t.Cleanup(bus.Close)
	ins := insights.NewService(log)
	gs := graph.NewInMemoryStore()
	ing := ingest.NewService(log, bus, enrich.NewService(log),
		graph.NewBuilder(log, ""), gs, ins, "")
	ws := realtime.NewWSGateway(log, bus, ing)

	mux := http.NewServeMux()
	registerHTTP(mux, log, Config{ReadinessRequireDB: true}, nil, false, ws, ing, ins, gs, bus)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", rec.Code)
	}
}

func TestInsightsRoutes(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/insights/topics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("topics status=%d", rec.Code)
	}
	var topics []v1.TopicMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &topics); err != nil {
		t.Fatalf("topics body: %v", err)
	}
	if len(topics) == 0 {
		t.Fatalf("topics empty")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/insights/sentiment-trend?start_date=2025-06-01&end_date=2025-06-03", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("trend status=%d", rec.Code)
	}
	var trend []v1.SentimentTrendPoint
	if err := json.Unmarshal(rec.Body.Bytes(), &trend); err != nil {
		t.Fatalf("trend body: %v", err)
	}
	if len(trend) != 3 {
		t.Fatalf("trend points=%d want 3", len(trend))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/insights/full", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("full status=%d", rec.Code)
	}
	var full v1.AnalyticsUpdate
	if err := json.Unmarshal(rec.Body.Bytes(), &full); err != nil {
		t.Fatalf("full body: %v", err)
	}
	if full.ResponseTime.AverageHandlingTimeMinutes == 0 {
		t.Fatalf("full analytics missing response time")
	}
}

func TestSyncRoute(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	// Before any snapshot: 404.
	rec := f.do(t, http.MethodGet, "/api/v1/sync/u1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d want 404", rec.Code)
	}

	var p v1.CacheUpdatePayload
	if err := json.Unmarshal([]byte(`{"chats":[{"id":"c1","messages":[{"id":"m1","chat_id":"c1","text":"hi"}]}],"messages":[]}`), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := f.ing.HandleSnapshot(context.Background(), "u1", p); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/sync/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var full v1.FullSyncResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &full); err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(full.Conversations) != 1 || full.Conversations[0].ConversationID != "c1" {
		t.Fatalf("conversations=%+v", full.Conversations)
	}
}

func TestCacheAndGraphRoutes(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	// Before any snapshot: empty cache, not ready, empty graph.
	rec := f.do(t, http.MethodGet, "/api/v1/cache/u1/chats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("chats status=%d", rec.Code)
	}
	var chatsBody struct {
		Chats         []v1.ChatThread `json:"chats"`
		SnapshotReady bool            `json:"snapshot_ready"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &chatsBody); err != nil {
		t.Fatalf("chats body: %v", err)
	}
	if len(chatsBody.Chats) != 0 || chatsBody.SnapshotReady {
		t.Fatalf("pre-snapshot cache: %+v", chatsBody)
	}

	var p v1.CacheUpdatePayload
	if err := json.Unmarshal([]byte(`{"chats":[{"id":"c1","messages":[{"id":"m1","chat_id":"c1","text":"hi"},{"id":"m2","chat_id":"c1","text":"again"}]}],"messages":[]}`), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if err := f.ing.HandleSnapshot(context.Background(), "u1", p); err != nil {
		t.Fatalf("HandleSnapshot: %v", err)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/cache/u1/chats", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &chatsBody); err != nil {
		t.Fatalf("chats body: %v", err)
	}
	if len(chatsBody.Chats) != 1 || !chatsBody.SnapshotReady {
		t.Fatalf("post-snapshot cache: %+v", chatsBody)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/cache/u1/messages?chat_id=c1", "")
	var msgsBody struct {
		Messages []v1.Message `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &msgsBody); err != nil {
		t.Fatalf("messages body: %v", err)
	}
	if len(msgsBody.Messages) != 2 {
		t.Fatalf("messages=%d want 2", len(msgsBody.Messages))
	}

	rec = f.do(t, http.MethodGet, "/api/v1/graph/u1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("graph status=%d body=%s", rec.Code, rec.Body.String())
	}
	var graphBody struct {
		Vertices      int      `json:"vertices"`
		Edges         int      `json:"edges"`
		Conversations []string `json:"conversations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &graphBody); err != nil {
		t.Fatalf("graph body: %v", err)
	}
	if graphBody.Vertices == 0 || graphBody.Edges == 0 {
		t.Fatalf("graph empty after snapshot: %+v", graphBody)
	}
	if len(graphBody.Conversations) != 1 || graphBody.Conversations[0] != "c1" {
		t.Fatalf("conversations=%v", graphBody.Conversations)
	}
}

func TestCommandsRoute(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	sub, err := f.bus.Subscribe(context.Background(), realtime.ExtensionChannel("u1"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	rec := f.do(t, http.MethodPost, "/api/v1/commands/u1", `{"chat_id":"c1","text":"thanks for the tip!"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	select {
	case frame := <-sub.C():
		var fr struct {
			Type    string                `json:"type"`
			Payload v1.SendMessageCommand `json:"payload"`
		}
		if err := json.Unmarshal(frame, &fr); err != nil {
			t.Fatalf("frame: %v", err)
		}
		if fr.Type != v1.TypeCommandToExecute {
			t.Fatalf("type=%q", fr.Type)
		}
		if fr.Payload.ChatID != "c1" || fr.Payload.Text != "thanks for the tip!" {
			t.Fatalf("payload=%+v", fr.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("command never reached the extension channel")
	}
}

func TestCommandsRoute_Rejections(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/commands/u1", `{nope`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body: status=%d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/commands/u1", `{"chat_id":"c1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing text: status=%d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/commands/u1", `{"text":"no chat"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing chat_id: status=%d", rec.Code)
	}
}

func TestParseQueryDate(t *testing.T) {
	t.Parallel()

	if got := parseQueryDate("2025-06-01T10:00:00Z"); got.IsZero() {
		t.Fatalf("rfc3339 not parsed")
	}
	if got := parseQueryDate("2025-06-01"); got.IsZero() {
		t.Fatalf("date-only not parsed")
	}
	if got := parseQueryDate("  "); !got.IsZero() {
		t.Fatalf("blank must be zero")
	}
	if got := parseQueryDate("yesterday"); !got.IsZero() {
		t.Fatalf("garbage must degrade to zero, got %v", got)
	}
}

func TestQueryOptions(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/insights/topics?start_date=2025-06-01&end_date=2025-06-10&creator_id=creator-1", nil)
	opts := queryOptions(req)
	if opts.CreatorID != "creator-1" {
		t.Fatalf("creator_id=%q", opts.CreatorID)
	}
	if opts.StartDate.IsZero() || opts.EndDate.IsZero() {
		t.Fatalf("dates not parsed: %+v", opts)
	}
	if !opts.StartDate.Before(opts.EndDate) {
		t.Fatalf("range inverted: %+v", opts)
	}
}
