// Package main provides a CI-friendly WebSocket smoke test for ChatLens.
//
// It validates:
//   - handshake + subprotocol selection for extension and frontend clients
//   - connection_ack on both connections
//   - cache_update -> PROCESSING_SNAPSHOT, enrichment_result,
//     full_sync_response, REALTIME on the frontend
//   - new_raw_message -> analytics_update + append_message on the frontend
//   - malformed input -> system_error on the sending connection
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "chatlens/shared/contracts/wss/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "chatlens.wss.v1"
	maxReadBytes       = 8 << 20
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan frame
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "ws://127.0.0.1:8080", "Server base URL (ws:// or wss://)")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userID  = flag.String("user", "smoke-user-1", "User ID for both connections")
		chatID  = flag.String("chat", "chat-1", "Chat ID used in the snapshot and delta")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	front := mustConnect(root, "frontend", *baseURL+"/ws/frontend/"+*userID, *origin, *timeout)
	defer closeWS(front.conn)

	ext := mustConnect(root, "extension", *baseURL+"/ws/extension/"+*userID, *origin, *timeout)
	defer closeWS(ext.conn)

	if *verbose {
		fmt.Printf("connected: user=%s origin=%q\n", *userID, *origin)
	}

	// Snapshot: one chat with one embedded message.
	snapshot := fmt.Sprintf(`{
		"type": %q,
		"payload": {
			"chats": [{
				"id": %q,
				"withUser": {"id": "fan-1", "name": "Smoke Fan"},
				"unreadCount": 2,
				"messages": [{
					"id": "m-1",
					"chat_id": %q,
					"text": "<p>thanks, love it!</p>",
					"created_at": %q,
					"isTip": true,
					"price": 5
				}]
			}],
			"messages": []
		}
	}`, v1.TypeCacheUpdate, *chatID, *chatID, time.Now().UTC().Format(time.RFC3339))
	mustWriteRaw(root, ext.conn, []byte(snapshot), *timeout)

	mustStatus(root, front, v1.StatusProcessingSnapshot, *timeout)
	mustEnrichment(root, front, *chatID, *timeout)
	mustFullSync(root, front, *chatID, *timeout)
	mustStatus(root, front, v1.StatusRealtime, *timeout)

	if *verbose {
		fmt.Println("snapshot pipeline ok")
	}

	delta := fmt.Sprintf(`{
		"type": %q,
		"payload": {
			"message": {
				"id": "m-2",
				"chat_id": %q,
				"text": "one more",
				"created_at": %q
			}
		}
	}`, v1.TypeNewRawMessage, *chatID, time.Now().UTC().Format(time.RFC3339))
	mustWriteRaw(root, ext.conn, []byte(delta), *timeout)

	front.mustReadUntilType(root, v1.TypeAnalyticsUpdate, *timeout, anyOtherTypes())
	mustAppendMessage(root, front, *chatID, 2, *timeout)

	if *verbose {
		fmt.Println("delta pipeline ok")
	}

	// Malformed input is reported on the sending connection, never fatal.
	mustWriteRaw(root, ext.conn, []byte("{not json"), *timeout)
	mustSystemError(root, ext, v1.CodeJSONParseError, *timeout)

	fmt.Printf("OK: user=%s chat=%s\n", *userID, *chatID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan frame, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	ack := c.mustReadUntilType(parent, v1.TypeConnectionAck, stepTimeout, nil)

	var p v1.ConnectionAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal connection_ack payload (%s): %v", name, err)
	}
	if p.Version != v1.Version {
		fatalf("connection_ack version mismatch (%s): got=%q want=%q", name, p.Version, v1.Version)
	}

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- f:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustStatus(parent context.Context, c *smokeClient, wantStatus string, stepTimeout time.Duration) {
	f := c.mustReadUntilType(parent, v1.TypeSystemStatus, stepTimeout, anyOtherTypes())

	var p v1.SystemStatusPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		fatalf("unmarshal system_status payload (%s): %v", c.name, err)
	}
	if p.Status != wantStatus {
		fatalf("system_status mismatch (%s): got=%q want=%q", c.name, p.Status, wantStatus)
	}
}

func mustEnrichment(parent context.Context, c *smokeClient, chatID string, stepTimeout time.Duration) {
	f := c.mustReadUntilType(parent, v1.TypeEnrichmentResult, stepTimeout, anyOtherTypes())

	var p v1.EnrichmentResult
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		fatalf("unmarshal enrichment_result payload (%s): %v", c.name, err)
	}
	if p.ConversationID != chatID {
		fatalf("enrichment_result conversation mismatch (%s): got=%q want=%q", c.name, p.ConversationID, chatID)
	}
	if len(p.Topics) == 0 {
		fatalf("enrichment_result has no topics (%s)", c.name)
	}
}

func mustFullSync(parent context.Context, c *smokeClient, chatID string, stepTimeout time.Duration) {
	f := c.mustReadUntilType(parent, v1.TypeFullSyncResponse, stepTimeout, anyOtherTypes())

	var p v1.FullSyncResponse
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		fatalf("unmarshal full_sync_response payload (%s): %v", c.name, err)
	}
	if len(p.Conversations) != 1 {
		fatalf("full_sync_response conversations: got=%d want=1 (%s)", len(p.Conversations), c.name)
	}
	if p.Conversations[0].ConversationID != chatID {
		fatalf("full_sync_response conversation mismatch (%s): got=%q want=%q", c.name, p.Conversations[0].ConversationID, chatID)
	}
}

func mustAppendMessage(parent context.Context, c *smokeClient, chatID string, wantCount int, stepTimeout time.Duration) {
	f := c.mustReadUntilType(parent, v1.TypeAppendMessage, stepTimeout, anyOtherTypes())

	var p v1.ConversationNode
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		fatalf("unmarshal append_message payload (%s): %v", c.name, err)
	}
	if p.ConversationID != chatID {
		fatalf("append_message conversation mismatch (%s): got=%q want=%q", c.name, p.ConversationID, chatID)
	}
	if p.MessageCount != wantCount {
		fatalf("append_message message_count (%s): got=%d want=%d", c.name, p.MessageCount, wantCount)
	}
}

func mustSystemError(parent context.Context, c *smokeClient, wantCode string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for system_error %q (%s)", wantCode, c.name)
		case err := <-c.errCh:
			fatalf("connection error while waiting for system_error (%s): %v", c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for system_error (%s)", c.name)
			}
			if f.Type != v1.TypeSystemError {
				continue
			}
			var p v1.SystemErrorPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				fatalf("unmarshal system_error payload (%s): %v", c.name, err)
			}
			if p.Code != wantCode {
				fatalf("system_error code mismatch (%s): got=%q want=%q", c.name, p.Code, wantCode)
			}
			return
		}
	}
}

// anyOtherTypes lets mustReadUntilType skip unrelated frames (analytics,
// presence) while it waits for the interesting one.
func anyOtherTypes() map[string]struct{} {
	return map[string]struct{}{
		v1.TypeSystemStatus:      {},
		v1.TypeEnrichmentResult:  {},
		v1.TypeFullSyncResponse:  {},
		v1.TypeAppendMessage:     {},
		v1.TypeAnalyticsUpdate:   {},
		v1.TypeOnlineUsersUpdate: {},
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) frame {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case f, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if f.Type == wantType {
				return f
			}
			if f.Type == v1.TypeSystemError {
				var ep v1.SystemErrorPayload
				_ = json.Unmarshal(f.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[f.Type]; ok {
					continue
				}
			}
			fatalf("unexpected frame type (%s): got=%q want=%q", c.name, f.Type, wantType)
		}
	}
}

func mustWriteRaw(parent context.Context, conn *websocket.Conn, data []byte, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		fatalf("write failed: %v", err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
