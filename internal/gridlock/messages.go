package gridlock

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type MessageType string

const (
	MessageAnnounce        MessageType = "announce"
	MessageRequestSnapshot MessageType = "requestSnapshot"
	MessageLockRequest     MessageType = "lockRequest"
	MessageUnlockRequest   MessageType = "unlockRequest"
	MessageSnapshot        MessageType = "snapshot"
	MessageLocked          MessageType = "locked"
	MessageUnlocked        MessageType = "unlocked"
	MessageConnectivity    MessageType = "connectivity"
	MessageFault           MessageType = "fault"
)

type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AnnouncePayload struct {
	SessionID string `json:"sessionId"`
}

type RequestSnapshotPayload struct {
	DatasetID string `json:"datasetId"`
}

type LockRequestPayload struct {
	DatasetID string `json:"datasetId"`
	RowID     string `json:"rowId"`
	Field     string `json:"field"`
	SessionID string `json:"sessionId"`
}

type UnlockRequestPayload struct {
	DatasetID string  `json:"datasetId"`
	RowID     string  `json:"rowId"`
	Field     string  `json:"field"`
	NewValue  *string `json:"newValue,omitempty"`
	SessionID string  `json:"sessionId"`
}

type LockedPayload struct {
	DatasetID string `json:"datasetId"`
	RowID     string `json:"rowId"`
	Field     string `json:"field"`
	SessionID string `json:"sessionId"`
}

type UnlockedPayload struct {
	DatasetID string  `json:"datasetId"`
	RowID     string  `json:"rowId"`
	Field     string  `json:"field"`
	NewVal    *string `json:"newVal,omitempty"`
}

type ConnectivityPayload struct {
	BackendReachable bool `json:"backendReachable"`
}

type FaultPayload struct {
	Message string `json:"message"`
}

// InboundMessage is the decoded form of a server-to-client envelope.
// Exactly one payload field is non-nil for the corresponding Type.
type InboundMessage struct {
	Type         MessageType
	Snapshot     map[string]map[string]bool
	Locked       *LockedPayload
	Unlocked     *UnlockedPayload
	Connectivity *ConnectivityPayload
	Fault        *FaultPayload
}

func NewAnnounce(sessionID string) Envelope {
	return mustEnvelope(MessageAnnounce, AnnouncePayload{SessionID: sessionID})
}

func NewRequestSnapshot(datasetID string) Envelope {
	return mustEnvelope(MessageRequestSnapshot, RequestSnapshotPayload{DatasetID: datasetID})
}

func NewLockRequest(datasetID string, cell CellID, sessionID string) Envelope {
	return mustEnvelope(MessageLockRequest, LockRequestPayload{
		DatasetID: datasetID,
		RowID:     cell.RowID,
		Field:     cell.Field,
		SessionID: sessionID,
	})
}

func NewUnlockRequest(datasetID string, cell CellID, newValue *string, sessionID string) Envelope {
	return mustEnvelope(MessageUnlockRequest, UnlockRequestPayload{
		DatasetID: datasetID,
		RowID:     cell.RowID,
		Field:     cell.Field,
		NewValue:  newValue,
		SessionID: sessionID,
	})
}

func mustEnvelope(messageType MessageType, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Type: messageType}
	}
	return Envelope{Type: messageType, Payload: data}
}

const (
	snapshotSchema = `{
		"type": "object",
		"additionalProperties": {
			"type": "object",
			"additionalProperties": {"type": "boolean"}
		}
	}`
	lockedSchema = `{
		"type": "object",
		"required": ["datasetId", "rowId", "field", "sessionId"],
		"properties": {
			"datasetId": {"type": "string"},
			"rowId": {"type": "string"},
			"field": {"type": "string"},
			"sessionId": {"type": "string"}
		}
	}`
	unlockedSchema = `{
		"type": "object",
		"required": ["datasetId", "rowId", "field"],
		"properties": {
			"datasetId": {"type": "string"},
			"rowId": {"type": "string"},
			"field": {"type": "string"},
			"newVal": {"type": "string"}
		}
	}`
	connectivitySchema = `{
		"type": "object",
		"required": ["backendReachable"],
		"properties": {
			"backendReachable": {"type": "boolean"}
		}
	}`
	faultSchema = `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string"}
		}
	}`
)

var (
	inboundSchemaOnce sync.Once
	inboundSchemas    map[MessageType]*jsonschema.Schema
	inboundSchemaErr  error
)

func compiledInboundSchemas() (map[MessageType]*jsonschema.Schema, error) {
	inboundSchemaOnce.Do(func() {
		sources := map[MessageType]string{
			MessageSnapshot:     snapshotSchema,
			MessageLocked:       lockedSchema,
			MessageUnlocked:     unlockedSchema,
			MessageConnectivity: connectivitySchema,
			MessageFault:        faultSchema,
		}
		compiler := jsonschema.NewCompiler()
		for messageType, source := range sources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
			if err != nil {
				inboundSchemaErr = fmt.Errorf("parse %s schema: %w", messageType, err)
				return
			}
			if err := compiler.AddResource(string(messageType)+".json", doc); err != nil {
				inboundSchemaErr = fmt.Errorf("add %s schema: %w", messageType, err)
				return
			}
		}
		compiled := make(map[MessageType]*jsonschema.Schema, len(sources))
		for messageType := range sources {
			schema, err := compiler.Compile(string(messageType) + ".json")
			if err != nil {
				inboundSchemaErr = fmt.Errorf("compile %s schema: %w", messageType, err)
				return
			}
			compiled[messageType] = schema
		}
		inboundSchemas = compiled
	})
	return inboundSchemas, inboundSchemaErr
}

// DecodeInbound parses and validates one server-to-client message. Anything
// that does not match a known tag and its payload schema is an error; the
// caller logs and drops it.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	schemas, err := compiledInboundSchemas()
	if err != nil {
		return InboundMessage{}, err
	}
	schema, ok := schemas[envelope.Type]
	if !ok {
		return InboundMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessage, envelope.Type)
	}
	if len(envelope.Payload) == 0 {
		return InboundMessage{}, fmt.Errorf("%w: %s payload missing", ErrMalformedMessage, envelope.Type)
	}
	var payloadValue any
	if err := json.Unmarshal(envelope.Payload, &payloadValue); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := schema.Validate(payloadValue); err != nil {
		return InboundMessage{}, fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, envelope.Type, err)
	}

	message := InboundMessage{Type: envelope.Type}
	switch envelope.Type {
	case MessageSnapshot:
		cells := map[string]map[string]bool{}
		if err := json.Unmarshal(envelope.Payload, &cells); err != nil {
			return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		message.Snapshot = cells
	case MessageLocked:
		var payload LockedPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		message.Locked = &payload
	case MessageUnlocked:
		var payload UnlockedPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		message.Unlocked = &payload
	case MessageConnectivity:
		var payload ConnectivityPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		message.Connectivity = &payload
	case MessageFault:
		var payload FaultPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return InboundMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		message.Fault = &payload
	}
	return message, nil
}
