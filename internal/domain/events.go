package domain

import "encoding/json"

// Live channel event names.
const (
	EventConnected         = "connected"
	EventNewMessage        = "newMessage"
	EventError             = "error"
	EventJoinConversation  = "joinConversation"
	EventLeaveConversation = "leaveConversation"
	EventSendMessage       = "sendMessage"
)

// Error codes carried by EventError frames.
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeBadRequest   = "bad_request"
	CodeRateLimited  = "rate_limited"
	CodeInternal     = "internal"
)

// Envelope is the JSON frame exchanged on the live channel.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	env := Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Data = data
	return env, nil
}

// ConnectedPayload acknowledges a successful handshake.
type ConnectedPayload struct {
	UserID string `json:"userId"`
}

// RoomPayload is the body of join/leave requests.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the body of an outbound sendMessage.
type SendMessagePayload struct {
	ConversationID string          `json:"conversationId"`
	Content        string          `json:"content"`
	Type           MessageType     `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ClientTempID   string          `json:"clientTempId,omitempty"`
}

// ErrorPayload describes a server-side failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
