// Package protocol defines the wire protocol messages exchanged between
// chat clients and the relay hub over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines the payload structure.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string    `json:"type"`
	ID        string    `json:"id,omitempty"` // client-chosen correlation ID, echoed on acks and errors
	Timestamp time.Time `json:"ts"`
	Payload   any       `json:"payload,omitempty"`
}

// DecodePayload re-decodes the generic payload of an inbound envelope into v.
func DecodePayload(env Envelope, v any) error {
	if env.Payload == nil {
		return fmt.Errorf("%s: missing payload", env.Type)
	}
	data, err := json.Marshal(env.Payload)
	if err != nil {
		return fmt.Errorf("%s: re-encode payload: %w", env.Type, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", env.Type, err)
	}
	return nil
}

// --- Client → Hub ---

// Register binds the connection to an identity. An empty identity means
// "the username of the token this connection authenticated with".
type Register struct {
	Identity string `json:"identity,omitempty"`
}

// SendMessage asks the hub to route a message. Whether To names a group is
// decided by the hub, never by the client.
type SendMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// --- Hub → Client ---

// RegisterAck confirms a registration.
type RegisterAck struct {
	Identity string `json:"identity"`
}

// Presence carries the full set of currently registered identities.
type Presence struct {
	Online []string `json:"online"`
}

// ChatMessage is a persisted message as pushed to recipients and returned by
// history queries.
type ChatMessage struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	IsGroup   bool      `json:"is_group"`
	Timestamp time.Time `json:"ts"`
}

// MessageAck reports the outcome of a message.send to its sender.
type MessageAck struct {
	Message   ChatMessage `json:"message"`
	Delivered []string    `json:"delivered"`
	Persisted bool        `json:"persisted"`
}

// ErrorResponse carries an error from hub to client.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- Message type constants ---

const (
	// Client → Hub
	TypeRegister    = "register"
	TypeSendMessage = "message.send"
	TypePing        = "ping"

	// Hub → Client
	TypeRegisterAck   = "register.ack"
	TypePresence      = "presence"
	TypeMessage       = "message"
	TypeMessageAck    = "message.ack"
	TypeErrorResponse = "error"
	TypePong          = "pong"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidMessage   = "invalid_message"
	CodeResolutionFailed = "resolution_failed"
	CodePersistFailed    = "persist_failed"
	CodeNotRegistered    = "not_registered"
	CodeForbidden        = "forbidden"
	CodeBadRequest       = "bad_request"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal_error"
)
