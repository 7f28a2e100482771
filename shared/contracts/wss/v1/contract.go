package v1

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the protocol version reported in connection_ack.
const Version = "v1"

// Inbound type constants (wire-stable).
const (
	// TypeCacheUpdate is a full snapshot of chats and messages (client -> server).
	TypeCacheUpdate = "cache_update"
	// TypeNewRawMessage is a single new-message delta (client -> server).
	TypeNewRawMessage = "new_raw_message"
	// TypeKeepalive is a liveness ping; carries only a timestamp (client -> server).
	TypeKeepalive = "keepalive"
	// TypeOnlineUsersUpdate is a presence report; flows in both directions.
	TypeOnlineUsersUpdate = "online_users_update"
)

// Outbound type constants (wire-stable).
const (
	// TypeConnectionAck is sent once, immediately after accept (server -> client).
	TypeConnectionAck = "connection_ack"
	// TypeSystemStatus reports the backend processing state (server -> client).
	TypeSystemStatus = "system_status"
	// TypeSystemError reports a processing or parsing error (server -> client).
	TypeSystemError = "system_error"
	// TypeFullSyncResponse is the one-time post-snapshot payload (server -> client).
	TypeFullSyncResponse = "full_sync_response"
	// TypeAppendMessage is a single enriched conversation delta (server -> client).
	TypeAppendMessage = "append_message"
	// TypeAnalyticsUpdate carries recomputed aggregate metrics (server -> client).
	TypeAnalyticsUpdate = "analytics_update"
	// TypeCommandToExecute is a server-originated instruction for the extension.
	TypeCommandToExecute = "command_to_execute"
	// TypeEnrichmentResult streams enrichment output for auxiliary consumers.
	TypeEnrichmentResult = "enrichment_result"
)

// System status values carried by system_status.
const (
	StatusProcessingSnapshot = "PROCESSING_SNAPSHOT"
	StatusRealtime           = "REALTIME"
	StatusError              = "ERROR"
)

// Error codes carried by system_error. Grouped by origin.
const (
	CodeValidationError        = "validation_error"
	CodeJSONParseError         = "json_parse_error"
	CodeInvalidSnapshotPayload = "invalid_snapshot_payload"
	CodeInvalidDeltaPayload    = "invalid_delta_payload"

	CodeEnrichmentFailed          = "enrichment_failed"
	CodeDeltaEnrichmentFailed     = "delta_enrichment_failed"
	CodeGraphRebuildFailed        = "graph_rebuild_failed"
	CodeGraphSnapshotFailed       = "graph_snapshot_failed"
	CodeGraphDeltaFailed          = "graph_delta_failed"
	CodeGraphAppendFailed         = "graph_append_failed"
	CodeAnalyticsBuildFailed      = "analytics_build_failed"
	CodeDeltaAnalyticsFailed      = "delta_analytics_failed"
	CodeFullSyncBroadcastFailed   = "full_sync_broadcast_failed"
	CodeAppendMessageFailed       = "append_message_failed"
	CodeEnrichBroadcastFailed     = "enrichment_broadcast_failed"
	CodeDeltaEnrichBroadcastFail  = "delta_enrichment_broadcast_failed"
	CodeDeltaQueueFailed          = "delta_queue_failed"
	CodeUnhandledType             = "unhandled_type"
	CodeAckFailed                 = "ack_failed"
	CodeConnectionError           = "connection_error"
	CodeReceiverLoopError         = "receiver_loop_error"
)

// ---- Inbound payloads ----

// CacheUpdatePayload is the full snapshot from the extension's local store.
// Chats and messages ride as raw JSON: field names and scalar types vary by
// extension version, so coercion is owned by normalization, not decoding.
type CacheUpdatePayload struct {
	Chats    []json.RawMessage `json:"chats"`
	Messages []json.RawMessage `json:"messages"`
}

// Validate checks the snapshot's structural requirements.
// A present-but-empty list is valid; an absent field is not.
func (p CacheUpdatePayload) Validate() error {
	if p.Chats == nil {
		return errors.New("missing field: chats")
	}
	if p.Messages == nil {
		return errors.New("missing field: messages")
	}
	return nil
}

// NewRawMessagePayload is a single new-message delta from the extension.
type NewRawMessagePayload struct {
	Message json.RawMessage `json:"message"`
}

// Validate checks the delta's structural requirements.
func (p NewRawMessagePayload) Validate() error {
	if len(p.Message) == 0 || string(p.Message) == "null" {
		return errors.New("missing field: message")
	}
	return nil
}

// KeepalivePayload keeps the extension's MV3 service worker alive.
type KeepalivePayload struct {
	Timestamp string `json:"timestamp,omitempty"`
}

// OnlineUsersUpdatePayload reports currently online user ids.
type OnlineUsersUpdatePayload struct {
	UserIDs   []ID   `json:"user_ids"`
	Timestamp string `json:"timestamp"`
}

// ---- Outbound payloads ----

// ConnectionAckPayload is sent once per accepted connection.
type ConnectionAckPayload struct {
	Version       string `json:"version"`
	ClientType    string `json:"clientType"`
	UserID        string `json:"userId"`
	StatusMessage string `json:"statusMessage,omitempty"`
}

// SystemStatusPayload reports the backend processing state.
type SystemStatusPayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// SystemErrorPayload reports a machine-readable error to clients.
type SystemErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ---- Inbound union ----

// Inbound is the closed union of client -> server messages.
type Inbound interface {
	InboundType() string
}

// CacheUpdate is the decoded cache_update message.
type CacheUpdate struct {
	Payload CacheUpdatePayload
}

// InboundType implements Inbound.
func (CacheUpdate) InboundType() string { return TypeCacheUpdate }

// NewRawMessage is the decoded new_raw_message message.
type NewRawMessage struct {
	Payload NewRawMessagePayload
}

// InboundType implements Inbound.
func (NewRawMessage) InboundType() string { return TypeNewRawMessage }

// Keepalive is the decoded keepalive message.
type Keepalive struct {
	Payload KeepalivePayload
}

// InboundType implements Inbound.
func (Keepalive) InboundType() string { return TypeKeepalive }

// OnlineUsersUpdate is the decoded online_users_update message.
type OnlineUsersUpdate struct {
	Payload OnlineUsersUpdatePayload
}

// InboundType implements Inbound.
func (OnlineUsersUpdate) InboundType() string { return TypeOnlineUsersUpdate }

// ---- Frames and codec ----

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeError explains why an inbound frame was rejected. Code is one of
// CodeJSONParseError (the frame was not JSON) or CodeValidationError (the
// frame was JSON but not a valid protocol message).
type DecodeError struct {
	Code string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func parseErr(err error) *DecodeError {
	return &DecodeError{Code: CodeJSONParseError, Err: err}
}

func validationErr(err error) *DecodeError {
	return &DecodeError{Code: CodeValidationError, Err: err}
}

// DecodeInbound decodes and structurally validates one inbound frame.
// Unknown discriminators and malformed payloads are rejected; the returned
// *DecodeError tells the caller which system_error code to emit.
func DecodeInbound(data []byte) (Inbound, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, parseErr(err)
	}
	if f.Type == "" {
		return nil, validationErr(errors.New("missing field: type"))
	}

	switch f.Type {
	case TypeCacheUpdate:
		if len(f.Payload) == 0 {
			return nil, validationErr(errors.New("cache_update: missing payload"))
		}
		var p CacheUpdatePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, validationErr(fmt.Errorf("cache_update: %w", err))
		}
		return CacheUpdate{Payload: p}, nil

	case TypeNewRawMessage:
		if len(f.Payload) == 0 {
			return nil, validationErr(errors.New("new_raw_message: missing payload"))
		}
		var p NewRawMessagePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, validationErr(fmt.Errorf("new_raw_message: %w", err))
		}
		return NewRawMessage{Payload: p}, nil

	case TypeKeepalive:
		var p KeepalivePayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return nil, validationErr(fmt.Errorf("keepalive: %w", err))
			}
		}
		return Keepalive{Payload: p}, nil

	case TypeOnlineUsersUpdate:
		if len(f.Payload) == 0 {
			return nil, validationErr(errors.New("online_users_update: missing payload"))
		}
		var p OnlineUsersUpdatePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, validationErr(fmt.Errorf("online_users_update: %w", err))
		}
		if p.UserIDs == nil {
			return nil, validationErr(errors.New("online_users_update: missing field: user_ids"))
		}
		return OnlineUsersUpdate{Payload: p}, nil

	default:
		return nil, validationErr(fmt.Errorf("unknown type: %q", f.Type))
	}
}

var outboundTypes = map[string]struct{}{
	TypeConnectionAck:     {},
	TypeSystemStatus:      {},
	TypeSystemError:       {},
	TypeFullSyncResponse:  {},
	TypeAppendMessage:     {},
	TypeAnalyticsUpdate:   {},
	TypeCommandToExecute:  {},
	TypeEnrichmentResult:  {},
	TypeOnlineUsersUpdate: {},
}

// EncodeOutbound marshals one outbound frame.
func EncodeOutbound(typ string, payload any) ([]byte, error) {
	if _, ok := outboundTypes[typ]; !ok {
		return nil, fmt.Errorf("not an outbound type: %q", typ)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(frame{Type: typ, Payload: raw})
}

// ValidateOutboundFrame checks that a frame taken off the broadcast fabric
// is a structurally valid outbound protocol message. The fabric itself is a
// byte-level relay, so this is the sender-side gate before the transport.
func ValidateOutboundFrame(data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("outbound frame: %w", err)
	}
	if f.Type == "" {
		return errors.New("outbound frame: missing field: type")
	}
	if _, ok := outboundTypes[f.Type]; !ok {
		return fmt.Errorf("outbound frame: unknown type: %q", f.Type)
	}
	if len(f.Payload) == 0 {
		return fmt.Errorf("outbound frame: %s: missing payload", f.Type)
	}
	return nil
}
