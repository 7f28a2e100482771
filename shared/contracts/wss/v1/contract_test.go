package v1

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDecodeInbound_CacheUpdate(t *testing.T) {
	t.Parallel()

	data := []byte(`{"type":"cache_update","payload":{"chats":[{"id":"c1"}],"messages":[]}}`)
	msg, err := DecodeInbound(data)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}

	cu, ok := msg.(CacheUpdate)
	if !ok {
		t.Fatalf("got %T want CacheUpdate", msg)
	}
	if len(cu.Payload.Chats) != 1 {
		t.Fatalf("chats=%d want 1", len(cu.Payload.Chats))
	}
	if cu.Payload.Messages == nil {
		t.Fatalf("present-but-empty messages must decode non-nil")
	}
	if err := cu.Payload.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeInbound_CacheUpdateMissingChatsDecodesButFailsValidate(t *testing.T) {
	t.Parallel()

	// Missing "chats" is a semantic problem, not a protocol one: the frame
	// decodes fine and the payload's own Validate rejects it.
	data := []byte(`{"type":"cache_update","payload":{"messages":[]}}`)
	msg, err := DecodeInbound(data)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	cu := msg.(CacheUpdate)
	if err := cu.Payload.Validate(); err == nil {
		t.Fatalf("Validate should reject missing chats")
	}
}

func TestDecodeInbound_NewRawMessage(t *testing.T) {
	t.Parallel()

	data := []byte(`{"type":"new_raw_message","payload":{"message":{"id":"m1","chat_id":"c1"}}}`)
	msg, err := DecodeInbound(data)
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	nm := msg.(NewRawMessage)
	if err := nm.Payload.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeInbound_KeepaliveWithoutPayload(t *testing.T) {
	t.Parallel()

	msg, err := DecodeInbound([]byte(`{"type":"keepalive"}`))
	if err != nil {
		t.Fatalf("DecodeInbound: %v", err)
	}
	if _, ok := msg.(Keepalive); !ok {
		t.Fatalf("got %T want Keepalive", msg)
	}
}

func TestDecodeInbound_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		data     string
		wantCode string
	}{
		{name: "not json", data: `{nope`, wantCode: CodeJSONParseError},
		{name: "missing type", data: `{"payload":{}}`, wantCode: CodeValidationError},
		{name: "unknown type", data: `{"type":"bogus"}`, wantCode: CodeValidationError},
		{name: "outbound type inbound", data: `{"type":"system_status","payload":{}}`, wantCode: CodeValidationError},
		{name: "cache_update no payload", data: `{"type":"cache_update"}`, wantCode: CodeValidationError},
		{name: "new_raw_message bad payload", data: `{"type":"new_raw_message","payload":42}`, wantCode: CodeValidationError},
		{name: "presence missing user_ids", data: `{"type":"online_users_update","payload":{"timestamp":"t"}}`, wantCode: CodeValidationError},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := DecodeInbound([]byte(tc.data))
			if err == nil {
				t.Fatalf("expected error")
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error type %T want *DecodeError", err)
			}
			if de.Code != tc.wantCode {
				t.Fatalf("code=%q want=%q", de.Code, tc.wantCode)
			}
		})
	}
}

func TestEncodeOutbound_RejectsInboundTypes(t *testing.T) {
	t.Parallel()

	if _, err := EncodeOutbound(TypeCacheUpdate, CacheUpdatePayload{}); err == nil {
		t.Fatalf("cache_update must not encode as outbound")
	}
	if _, err := EncodeOutbound("bogus", nil); err == nil {
		t.Fatalf("unknown type must not encode")
	}
}

func TestEncodeOutbound_RoundTripsFrameShape(t *testing.T) {
	t.Parallel()

	raw, err := EncodeOutbound(TypeSystemError, SystemErrorPayload{Code: CodeGraphRebuildFailed, Message: "boom"})
	if err != nil {
		t.Fatalf("EncodeOutbound: %v", err)
	}

	var f struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if f.Type != TypeSystemError {
		t.Fatalf("type=%q", f.Type)
	}
	if !strings.Contains(string(f.Payload), CodeGraphRebuildFailed) {
		t.Fatalf("payload missing code: %s", f.Payload)
	}

	if err := ValidateOutboundFrame(raw); err != nil {
		t.Fatalf("ValidateOutboundFrame: %v", err)
	}
}

func TestValidateOutboundFrame_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
	}{
		{name: "not json", data: `hello`},
		{name: "missing type", data: `{"payload":{}}`},
		{name: "inbound type", data: `{"type":"cache_update","payload":{}}`},
		{name: "missing payload", data: `{"type":"system_status"}`},
	}
	for _, tc := range cases {
		if err := ValidateOutboundFrame([]byte(tc.data)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestIDUnmarshal(t *testing.T) {
	t.Parallel()

	var got struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	if err := json.Unmarshal([]byte(`{"a":"u-1","b":42,"c":null}`), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.A != "u-1" || got.B != "42" || got.C != "" {
		t.Fatalf("got %+v", got)
	}
}

func TestTimeUnmarshal(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		zero bool
	}{
		{name: "rfc3339", in: `"2025-06-01T10:00:00Z"`},
		{name: "date only", in: `"2025-06-01"`},
		{name: "epoch seconds", in: `1748772000`},
		{name: "epoch millis", in: `1748772000000`},
		{name: "epoch in string", in: `"1748772000"`},
		{name: "null", in: `null`, zero: true},
		{name: "garbage degrades", in: `"not a time"`, zero: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var ts Time
			if err := json.Unmarshal([]byte(tc.in), &ts); err != nil {
				t.Fatalf("unmarshal %s: %v", tc.in, err)
			}
			if ts.IsZero() != tc.zero {
				t.Fatalf("IsZero=%v want=%v (in=%s parsed=%v)", ts.IsZero(), tc.zero, tc.in, ts.T)
			}
		})
	}

	// Seconds and millis for the same instant agree.
	var sec, ms Time
	_ = json.Unmarshal([]byte(`1748772000`), &sec)
	_ = json.Unmarshal([]byte(`1748772000000`), &ms)
	if !sec.T.Equal(ms.T) {
		t.Fatalf("epoch forms disagree: sec=%v ms=%v", sec.T, ms.T)
	}
}
