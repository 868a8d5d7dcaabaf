package gridlock

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeInboundLocked(t *testing.T) {
	data := []byte(`{"type":"locked","payload":{"datasetId":"ds1","rowId":"r1","field":"status","sessionId":"sess-a"}}`)
	message, err := DecodeInbound(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if message.Type != MessageLocked || message.Locked == nil {
		t.Fatalf("unexpected message %+v", message)
	}
	if message.Locked.RowID != "r1" || message.Locked.SessionID != "sess-a" {
		t.Fatalf("unexpected payload %+v", message.Locked)
	}
}

func TestDecodeInboundUnlockedWithAndWithoutValue(t *testing.T) {
	withValue := []byte(`{"type":"unlocked","payload":{"datasetId":"ds1","rowId":"r1","field":"status","newVal":"done"}}`)
	message, err := DecodeInbound(withValue)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if message.Unlocked == nil || message.Unlocked.NewVal == nil || *message.Unlocked.NewVal != "done" {
		t.Fatalf("unexpected payload %+v", message.Unlocked)
	}

	withoutValue := []byte(`{"type":"unlocked","payload":{"datasetId":"ds1","rowId":"r1","field":"status"}}`)
	message, err = DecodeInbound(withoutValue)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if message.Unlocked.NewVal != nil {
		t.Fatalf("expected nil newVal, got %q", *message.Unlocked.NewVal)
	}
}

func TestDecodeInboundSnapshot(t *testing.T) {
	data := []byte(`{"type":"snapshot","payload":{"r1":{"status":true,"owner":false},"r2":{"name":true}}}`)
	message, err := DecodeInbound(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !message.Snapshot["r1"]["status"] || message.Snapshot["r1"]["owner"] {
		t.Fatalf("unexpected snapshot %+v", message.Snapshot)
	}
	if !message.Snapshot["r2"]["name"] {
		t.Fatalf("unexpected snapshot %+v", message.Snapshot)
	}
}

func TestDecodeInboundRejectsUnknownType(t *testing.T) {
	data := []byte(`{"type":"telemetry","payload":{}}`)
	_, err := DecodeInbound(data)
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestDecodeInboundRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing payload", `{"type":"locked"}`},
		{"missing required field", `{"type":"locked","payload":{"datasetId":"ds1","rowId":"r1"}}`},
		{"wrong type", `{"type":"connectivity","payload":{"backendReachable":"yes"}}`},
		{"snapshot values not booleans", `{"type":"snapshot","payload":{"r1":{"status":"locked"}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(tc.data))
			if err == nil {
				t.Fatalf("expected decode error")
			}
		})
	}
}

func TestOutboundConstructors(t *testing.T) {
	cell := CellID{RowID: "r1", Field: "status"}
	newValue := "done"

	envelope := NewUnlockRequest("ds1", cell, &newValue, "sess-a")
	if envelope.Type != MessageUnlockRequest {
		t.Fatalf("unexpected type %q", envelope.Type)
	}
	var payload UnlockRequestPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.NewValue == nil || *payload.NewValue != "done" {
		t.Fatalf("unexpected payload %+v", payload)
	}

	// A nil value unlock omits the field entirely.
	envelope = NewUnlockRequest("ds1", cell, nil, "sess-a")
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(envelope.Payload, &raw); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, ok := raw["newValue"]; ok {
		t.Fatalf("nil newValue should be omitted, payload %s", envelope.Payload)
	}

	envelope = NewLockRequest("ds1", cell, "sess-a")
	var lockPayload LockRequestPayload
	if err := json.Unmarshal(envelope.Payload, &lockPayload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if lockPayload.RowID != "r1" || lockPayload.Field != "status" || lockPayload.SessionID != "sess-a" {
		t.Fatalf("unexpected payload %+v", lockPayload)
	}
}
