package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatlens/cmd/internal/ids"
	"chatlens/cmd/internal/metrics"
	v1 "chatlens/shared/contracts/wss/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "chatlens.wss.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Ingestor consumes snapshot and delta payloads taken off a connection.
// Implementations report pipeline outcomes to the user's frontend channel
// themselves; the returned error is for connection-level logging only.
type Ingestor interface {
	HandleSnapshot(ctx context.Context, userID string, p v1.CacheUpdatePayload) error
	HandleDelta(ctx context.Context, userID string, p v1.NewRawMessagePayload) error
}

// WSGateway is the WebSocket entrypoint for ChatLens.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and bridges each connection to the broadcast fabric: outbound traffic is
// whatever the session's channel carries, inbound traffic is routed by client
// type (extensions feed the ingestion pipeline, everything else relays).
type WSGateway struct {
	log    *slog.Logger
	bus    Broadcaster
	ingest Ingestor

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
// When bus is nil, it falls back to an in-memory fabric for dev.
func NewWSGateway(log *slog.Logger, bus Broadcaster, ingest Ingestor) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if bus == nil {
		bus = NewMemoryBus(log, 0)
	}

	g := &WSGateway{log: log, bus: bus, ingest: ingest}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("CHATLENS_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("CHATLENS_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("CHATLENS_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// IMPORTANT:
	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("CHATLENS_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("CHATLENS_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("CHATLENS_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("CHATLENS_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("CHATLENS_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("CHATLENS_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("CHATLENS_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

func validClientType(ct string) bool {
	switch ct {
	case ClientTypeExtension, ClientTypeFrontend, ClientTypeIntegration:
		return true
	}
	return false
}

// HandleWS upgrades /ws/{client_type}/{user_id} to a WebSocket session and
// runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	clientType := strings.TrimSpace(r.PathValue("client_type"))
	userID := strings.TrimSpace(r.PathValue("user_id"))

	if !validClientType(clientType) {
		http.Error(w, "unknown client type", http.StatusNotFound)
		return
	}
	if userID == "" {
		http.Error(w, "missing user id", http.StatusNotFound)
		return
	}

	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID := ids.NewRandomHex(10)
	client := NewClient(clientType, userID, sessionID, g.sendQueueSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	channel := ChannelFor(clientType, userID)
	sub, err := g.bus.Subscribe(ctx, channel)
	if err != nil {
		g.log.Error("ws.subscribe.fail", "channel", channel, "err", err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}

	metrics.WSConnections.WithLabelValues(clientType).Inc()
	defer metrics.WSConnections.WithLabelValues(clientType).Dec()

	g.log.Info("ws.open",
		"session_id", sessionID, "client_type", clientType, "user_id", userID, "channel", channel)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sub.Close()
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	// The ack goes out before the sender loop so the client's first frame is
	// always connection_ack.
	ack, err := v1.EncodeOutbound(v1.TypeConnectionAck, v1.ConnectionAckPayload{
		Version:       v1.Version,
		ClientType:    clientType,
		UserID:        userID,
		StatusMessage: "connected",
	})
	if err == nil {
		err = writeFrame(ctx, conn, ack, g.writeTimeout)
	}
	if err != nil {
		g.log.Info("ws.ack.fail", "session_id", sessionID, "err", err)
		shutdown(websocket.StatusAbnormalClosure, "ack failed")
		return
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case frame, ok := <-sub.C():
				if !ok {
					shutdown(websocket.StatusGoingAway, "channel closed")
					return
				}
				if err := v1.ValidateOutboundFrame(frame); err != nil {
					// A poisoned frame never reaches the client; the channel stays up.
					g.log.Warn("ws.send.invalid_frame", "session_id", sessionID, "channel", channel, "err", err)
					continue
				}
				if err := writeFrame(ctx, conn, frame, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			case frame := <-client.Send:
				if err := writeFrame(ctx, conn, frame, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		data, err := readFrame(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, v1.CodeConnectionError, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		msg, err := v1.DecodeInbound(data)
		if err != nil {
			// Malformed input is reported, never fatal: the connection and the
			// pipeline keep running.
			var de *v1.DecodeError
			if errors.As(err, &de) {
				g.log.Info("ws.decode.reject", "session_id", sessionID, "code", de.Code, "err", de.Err)
				g.trySendError(ctx, client, de.Code, de.Err.Error())
			} else {
				g.log.Info("ws.decode.reject", "session_id", sessionID, "err", err)
				g.trySendError(ctx, client, v1.CodeValidationError, err.Error())
			}
			continue readLoop
		}

		if clientType == ClientTypeExtension {
			g.routeExtension(ctx, client, msg, data)
		} else {
			g.routeRelay(ctx, client, msg, data)
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-senderDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}

	g.log.Info("ws.close", "session_id", sessionID, "client_type", clientType, "user_id", userID)
}

// ---- inbound routing ----

// routeExtension feeds the ingestion pipeline. Pipeline outcomes (statuses,
// sync payloads, errors) come back to clients over the frontend channel, so
// nothing is written to the extension here beyond protocol-level errors.
func (g *WSGateway) routeExtension(ctx context.Context, client *Client, msg v1.Inbound, raw []byte) {
	switch m := msg.(type) {
	case v1.CacheUpdate:
		if g.ingest == nil {
			g.trySendError(ctx, client, v1.CodeUnhandledType, "ingestion unavailable")
			return
		}
		if err := g.ingest.HandleSnapshot(ctx, client.UserID, m.Payload); err != nil {
			g.log.Warn("ws.snapshot.fail", "session_id", client.SessionID, "user_id", client.UserID, "err", err)
		}

	case v1.NewRawMessage:
		if g.ingest == nil {
			g.trySendError(ctx, client, v1.CodeUnhandledType, "ingestion unavailable")
			return
		}
		if err := g.ingest.HandleDelta(ctx, client.UserID, m.Payload); err != nil {
			g.log.Warn("ws.delta.fail", "session_id", client.SessionID, "user_id", client.UserID, "err", err)
		}

	case v1.Keepalive:
		// MV3 service-worker liveness ping. Deliberately a no-op.

	case v1.OnlineUsersUpdate:
		frame, err := v1.EncodeOutbound(v1.TypeOnlineUsersUpdate, m.Payload)
		if err != nil {
			g.log.Warn("ws.presence.encode_fail", "session_id", client.SessionID, "err", err)
			return
		}
		if err := g.bus.Publish(ctx, FrontendChannel(client.UserID), frame); err != nil {
			g.log.Warn("ws.presence.publish_fail", "session_id", client.SessionID, "err", err)
		}

	default:
		g.trySendError(ctx, client, v1.CodeUnhandledType, fmt.Sprintf("unhandled type: %s", msg.InboundType()))
	}
}

// routeRelay handles frontend and integration clients: any frame that
// survives decoding relays verbatim to the session's own channel so
// same-type peers of the user stay in sync.
func (g *WSGateway) routeRelay(ctx context.Context, client *Client, msg v1.Inbound, raw []byte) {
	if _, ok := msg.(v1.Keepalive); ok {
		// No-op, same as for extensions.
		return
	}

	if err := g.bus.Publish(ctx, ChannelFor(client.ClientType, client.UserID), raw); err != nil {
		g.log.Warn("ws.relay.publish_fail", "session_id", client.SessionID, "type", msg.InboundType(), "err", err)
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	frame, err := v1.EncodeOutbound(v1.TypeSystemError, v1.SystemErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	g.enqueue(ctx, client, frame)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, frame []byte) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- frame:
		return true
	default:
		return false
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, data []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
