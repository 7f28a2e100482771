package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	v1 "chatlens/shared/contracts/wss/v1"

	"github.com/coder/websocket"
)

// recordIngestor captures the payloads routed off extension connections.
type recordIngestor struct {
	mu        sync.Mutex
	snapshots []v1.CacheUpdatePayload
	deltas    []v1.NewRawMessagePayload
}

func (r *recordIngestor) HandleSnapshot(_ context.Context, _ string, p v1.CacheUpdatePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, p)
	return nil
}

func (r *recordIngestor) HandleDelta(_ context.Context, _ string, p v1.NewRawMessagePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas = append(r.deltas, p)
	return nil
}

func (r *recordIngestor) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snapshots), len(r.deltas)
}

type gatewayFixture struct {
	srv *httptest.Server
	bus *MemoryBus
	ing *recordIngestor
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	log := testLogger()
	bus := NewMemoryBus(log, 0)
	t.Cleanup(bus.Close)

	ing := &recordIngestor{}
	g := NewWSGateway(log, bus, ing)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/{client_type}/{user_id}", g.HandleWS)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &gatewayFixture{srv: srv, bus: bus, ing: ing}
}

func (f *gatewayFixture) dial(t *testing.T, ctx context.Context, clientType, userID string) *websocket.Conn {
	t.Helper()

	u := "ws" + f.srv.URL[len("http"):] + "/ws/" + clientType + "/" + userID
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   http.Header{"Origin": []string{"http://127.0.0.1"}},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func readTypedFrame(t *testing.T, ctx context.Context, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("frame %q: %v", data, err)
	}
	return f.Type, f.Payload
}

func TestGateway_AckFirstThenChannelTraffic(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, ClientTypeFrontend, "u1")
	if got := conn.Subprotocol(); got != wsSubprotocolV1 {
		t.Fatalf("subprotocol=%q want %q", got, wsSubprotocolV1)
	}

	typ, payload := readTypedFrame(t, ctx, conn)
	if typ != v1.TypeConnectionAck {
		t.Fatalf("first frame type=%q want connection_ack", typ)
	}
	var ack v1.ConnectionAckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("ack payload: %v", err)
	}
	if ack.Version != v1.Version || ack.ClientType != ClientTypeFrontend || ack.UserID != "u1" {
		t.Fatalf("ack=%+v", ack)
	}

	// Channel traffic flows to the connection after the ack. The subscription
	// races the dial, so retry until the subscriber is registered.
	frame, err := v1.EncodeOutbound(v1.TypeSystemStatus, v1.SystemStatusPayload{Status: v1.StatusRealtime})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	go func() {
		for ctx.Err() == nil {
			_ = f.bus.Publish(ctx, FrontendChannel("u1"), frame)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	typ, payload = readTypedFrame(t, ctx, conn)
	if typ != v1.TypeSystemStatus {
		t.Fatalf("type=%q want system_status", typ)
	}
	var st v1.SystemStatusPayload
	if err := json.Unmarshal(payload, &st); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if st.Status != v1.StatusRealtime {
		t.Fatalf("status=%q", st.Status)
	}
}

func TestGateway_InvalidOutboundFrameNeverReachesClient(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, ClientTypeFrontend, "u1")
	if typ, _ := readTypedFrame(t, ctx, conn); typ != v1.TypeConnectionAck {
		t.Fatalf("expected ack first")
	}

	valid, err := v1.EncodeOutbound(v1.TypeSystemStatus, v1.SystemStatusPayload{Status: v1.StatusRealtime})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	go func() {
		for ctx.Err() == nil {
			// The poisoned frame is skipped by outbound validation; only the
			// valid one may arrive.
			_ = f.bus.Publish(ctx, FrontendChannel("u1"), []byte(`{"type":"not_a_real_type","payload":{}}`))
			_ = f.bus.Publish(ctx, FrontendChannel("u1"), valid)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	typ, _ := readTypedFrame(t, ctx, conn)
	if typ != v1.TypeSystemStatus {
		t.Fatalf("poisoned frame leaked: got type %q", typ)
	}
}

func TestGateway_ExtensionRoutesToIngestor(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, ClientTypeExtension, "u1")
	if typ, _ := readTypedFrame(t, ctx, conn); typ != v1.TypeConnectionAck {
		t.Fatalf("expected ack first")
	}

	snapshot := `{"type":"cache_update","payload":{"chats":[{"id":"c1"}],"messages":[]}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(snapshot)); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	delta := `{"type":"new_raw_message","payload":{"message":{"id":"m1","chat_id":"c1"}}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(delta)); err != nil {
		t.Fatalf("write delta: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		snaps, deltas := f.ing.counts()
		if snaps == 1 && deltas == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ingestor saw snapshots=%d deltas=%d want 1/1", snaps, deltas)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_MalformedFrameGetsErrorNotDisconnect(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, ClientTypeExtension, "u1")
	if typ, _ := readTypedFrame(t, ctx, conn); typ != v1.TypeConnectionAck {
		t.Fatalf("expected ack first")
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	typ, payload := readTypedFrame(t, ctx, conn)
	if typ != v1.TypeSystemError {
		t.Fatalf("type=%q want system_error", typ)
	}
	var se v1.SystemErrorPayload
	if err := json.Unmarshal(payload, &se); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if se.Code != v1.CodeJSONParseError {
		t.Fatalf("code=%q want json_parse_error", se.Code)
	}

	// The connection is still usable afterwards.
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"keepalive"}`)); err != nil {
		t.Fatalf("write after error: %v", err)
	}
}

func TestGateway_RelayForwardsDecodedFrames(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx, ClientTypeFrontend, "u1")
	if typ, _ := readTypedFrame(t, ctx, conn); typ != v1.TypeConnectionAck {
		t.Fatalf("expected ack first")
	}

	sub, err := f.bus.Subscribe(ctx, FrontendChannel("u1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	// Any frame that decodes relays verbatim to the session's own channel,
	// not just presence updates.
	msg := `{"type":"cache_update","payload":{"chats":[],"messages":[]}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-ctx.Done():
		t.Fatalf("relayed frame never reached the channel")
	case raw := <-sub.C():
		var fr struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &fr); err != nil {
			t.Fatalf("relayed frame %q: %v", raw, err)
		}
		if fr.Type != v1.TypeCacheUpdate {
			t.Fatalf("relayed type=%q want cache_update", fr.Type)
		}
		if string(raw) != msg {
			t.Fatalf("relay must be verbatim: got %q want %q", raw, msg)
		}
	}

	// Keepalives stay out of the channel.
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"keepalive"}`)); err != nil {
		t.Fatalf("write keepalive: %v", err)
	}
	select {
	case raw := <-sub.C():
		t.Fatalf("keepalive must not relay, got %q", raw)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestGateway_RejectsUnknownClientType(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)

	resp, err := http.Get(f.srv.URL + "/ws/robot/u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404", resp.StatusCode)
	}
}

func TestGateway_RejectsMissingOrigin(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := "ws" + f.srv.URL[len("http"):] + "/ws/frontend/u1"
	_, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err == nil {
		t.Fatalf("dial without origin must fail")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d want 403", resp.StatusCode)
	}
}

func TestGateway_PresenceRelaysBetweenFrontends(t *testing.T) {
	t.Parallel()

	f := newGatewayFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := f.dial(t, ctx, ClientTypeFrontend, "u1")
	if typ, _ := readTypedFrame(t, ctx, a); typ != v1.TypeConnectionAck {
		t.Fatalf("a: expected ack first")
	}
	b := f.dial(t, ctx, ClientTypeFrontend, "u1")
	if typ, _ := readTypedFrame(t, ctx, b); typ != v1.TypeConnectionAck {
		t.Fatalf("b: expected ack first")
	}

	presence := `{"type":"online_users_update","payload":{"user_ids":["fan-1"],"timestamp":"t"}}`
	if err := a.Write(ctx, websocket.MessageText, []byte(presence)); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Both subscribers of the channel see the relay, sender included.
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		typ, payload := readTypedFrame(t, ctx, conn)
		if typ != v1.TypeOnlineUsersUpdate {
			t.Fatalf("%s: type=%q want online_users_update", name, typ)
		}
		var p v1.OnlineUsersUpdatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			t.Fatalf("%s: payload: %v", name, err)
		}
		if len(p.UserIDs) != 1 || p.UserIDs[0] != "fan-1" {
			t.Fatalf("%s: user_ids=%v", name, p.UserIDs)
		}
	}
}
