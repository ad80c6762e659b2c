package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mchalk/rudder-core/claude"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeSessionUpdate     = "session.update"
	TypeSessionEvent      = "session.event"
	TypePermissionRequest = "permission.request"
	TypeError             = "error"
)

// Client → Server message types.
const (
	TypeSessionCreate     = "session.create"
	TypeSessionPrompt     = "session.prompt"
	TypeSessionInterrupt  = "session.interrupt"
	TypeSessionClear      = "session.clear"
	TypePermissionRespond = "permission.respond"
)

// Error codes.
const (
	ErrSessionNotFound = "SESSION_NOT_FOUND"
	ErrInvalidMessage  = "INVALID_MESSAGE"
	ErrSpawnFailed     = "SPAWN_FAILED"
	ErrRequestNotFound = "REQUEST_NOT_FOUND"
)

// Server → Client payloads.

type SessionUpdatePayload struct {
	SessionID string `json:"sessionId"`
	WorkDir   string `json:"workDir"`
	Model     string `json:"model"`
	Running   bool   `json:"running"`
	CreatedAt string `json:"createdAt"`
}

// SessionEventPayload is one decoded stream event. Exactly one of Message,
// Tokens, Recovery, or Error is set unless Done closes the turn.
type SessionEventPayload struct {
	SessionID string                 `json:"sessionId"`
	Kind      string                 `json:"kind,omitempty"`
	Message   json.RawMessage        `json:"message,omitempty"`
	Tokens    *claude.TokenUpdate    `json:"tokens,omitempty"`
	Recovery  *claude.RecoveryNotice `json:"recovery,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Done      bool                   `json:"done,omitempty"`
}

type PermissionRequestPayload struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type SessionCreatePayload struct {
	WorkDir string `json:"workDir"`
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
}

type SessionPromptPayload struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type PermissionRespondPayload struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
}

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeSessionCreate:     true,
	TypeSessionPrompt:     true,
	TypeSessionInterrupt:  true,
	TypeSessionClear:      true,
	TypePermissionRespond: true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case TypeSessionCreate:
		var p SessionCreatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.Prompt == "" {
			return nil, fmt.Errorf("missing required field 'prompt' in %s payload", msg.Type)
		}

	case TypeSessionPrompt:
		var p SessionPromptPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if p.Prompt == "" {
			return nil, fmt.Errorf("missing required field 'prompt' in %s payload", msg.Type)
		}

	case TypeSessionInterrupt, TypeSessionClear:
		var p SessionIDPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}

	case TypePermissionRespond:
		var p PermissionRespondPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.RequestID == "" {
			return nil, fmt.Errorf("missing required field 'requestId' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
