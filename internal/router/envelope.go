package router

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/frinny-ai/frinny/internal/mood"
)

// ErrUnauthenticated is returned when an event arrives on a connection
// that is not a member of any room.
var ErrUnauthenticated = errors.New("unauthenticated connection")

// Envelope statuses.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusProcessing   = "processing"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Error codes carried by error envelopes.
const (
	CodeUnauthenticated = "unauthenticated_connection"
	CodePipelineError   = "pipeline_error"
	CodePipelineTimeout = "pipeline_timeout"
	CodeInvalidEvent    = "invalid_event"
	CodeInternalError   = "internal_error"
)

// Outbound event names.
const (
	EventError            = "error"
	EventConnected        = "connection_established"
	EventDisconnected     = "disconnect_acknowledged"
	EventFeedback         = "feedback"
	EventFeedbackResponse = "feedback_response"
	EventQuery            = "query"
	responseSuffix        = "_response"
	ackSuffix             = "_ack"
)

// Inbound is one event received from a device.
type Inbound struct {
	EventType string         `json:"event"`
	Payload   map[string]any `json:"data"`
	RequestID string         `json:"request_id,omitempty"`
}

// Envelope is one outbound message. Event names the client-side event
// and travels beside the body, not inside it.
type Envelope struct {
	Event string `json:"-"`

	RequestID string    `json:"request_id,omitempty"`
	Status    string    `json:"status"`
	Timestamp int64     `json:"timestamp"`
	ContextID string    `json:"context_id,omitempty"`
	Content   string    `json:"content,omitempty"`
	Mood      mood.Mood `json:"mood,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Message   string    `json:"message,omitempty"`

	// Connection lifecycle fields.
	UserID  string `json:"userId,omitempty"`
	ConnID  string `json:"sid,omitempty"`
	Members int    `json:"members,omitempty"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// ErrorEnvelope builds an error reply for requestID.
func ErrorEnvelope(requestID, contextID, code, message string) Envelope {
	return Envelope{
		Event:     EventError,
		RequestID: requestID,
		Status:    StatusError,
		Timestamp: nowMillis(),
		ContextID: contextID,
		ErrorCode: code,
		Message:   message,
	}
}

// UnauthenticatedEnvelope is sent directly on a connection whose event
// was rejected with ErrUnauthenticated.
func UnauthenticatedEnvelope(in Inbound) Envelope {
	return ErrorEnvelope(requestIDOf(in), "", CodeUnauthenticated, "connection is not associated with a user")
}

// eventAliases maps inbound event names onto the event type used for
// context selection and response naming.
var eventAliases = map[string]string{
	"character_creation_start": "character_creation",
}

func normalizeEvent(name string) string {
	if alias, ok := eventAliases[name]; ok {
		return alias
	}
	return name
}

func requestIDOf(in Inbound) string {
	if in.RequestID != "" {
		return in.RequestID
	}
	if id, ok := in.Payload["request_id"].(string); ok {
		return id
	}
	return ""
}

// messageText picks the user-visible text of an event: the message
// field, then content, then the whole payload as JSON.
func messageText(payload map[string]any) string {
	for _, key := range []string{"message", "content"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	if len(payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(raw)
}
