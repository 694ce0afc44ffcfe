package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/satriahrh/geminichat/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client to server message types
const (
	MessageTypeSubmit     MessageType = "submit"
	MessageTypeCancel     MessageType = "cancel"
	MessageTypePing       MessageType = "ping"
	MessageTypeTranscript MessageType = "transcript"
)

// Server to client message types. Transcript snapshots reuse MessageTypeTranscript.
const (
	MessageTypeSession MessageType = "session"
	MessageTypeTurn    MessageType = "turn"
	MessageTypeState   MessageType = "state"
	MessageTypePong    MessageType = "pong"
	MessageTypeError   MessageType = "error"
)

// Error codes sent in ErrorMessage
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeEmptyPrompt     = "empty_prompt"
	ErrorCodeRequestInFlight = "request_in_flight"
	ErrorCodeNoRequest       = "no_request"
	ErrorCodeRequestFailed   = "request_failed"
)

// maxSubmitLength bounds the text of a single submit
const maxSubmitLength = 32 * 1024

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

// SubmitMessage asks the session to send text as a user turn
type SubmitMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// CancelMessage asks the session to abort its in-flight request
type CancelMessage struct {
	BaseMessage
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// TranscriptRequestMessage asks for a transcript snapshot
type TranscriptRequestMessage struct {
	BaseMessage
}

// SessionMessage announces the session bound to the connection
type SessionMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
}

// TurnMessage carries a turn appended to the transcript
type TurnMessage struct {
	BaseMessage
	SessionID string        `json:"session_id"`
	Turn      entities.Turn `json:"turn"`
}

// StateMessage carries a request state change
type StateMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

// TranscriptMessage is a snapshot of the whole transcript
type TranscriptMessage struct {
	BaseMessage
	SessionID string          `json:"session_id"`
	Turns     []entities.Turn `json:"turns"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	// First parse as base message to get type
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeSubmit:
		var msg SubmitMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid submit message: %w", err)
		}
		if len(msg.Text) > maxSubmitLength {
			return nil, fmt.Errorf("text must be at most %d bytes", maxSubmitLength)
		}
		return &msg, nil

	case MessageTypeCancel:
		return &CancelMessage{BaseMessage: base}, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	case MessageTypeTranscript:
		return &TranscriptRequestMessage{BaseMessage: base}, nil

	case "":
		return nil, fmt.Errorf("message type is required")

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func newBaseMessage(t MessageType) BaseMessage {
	return BaseMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBaseMessage(MessageTypeError),
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: newBaseMessage(MessageTypePong),
		Data:        data,
	}
}

// CreateSessionMessage creates the session announcement
func CreateSessionMessage(sessionID string) *SessionMessage {
	return &SessionMessage{
		BaseMessage: newBaseMessage(MessageTypeSession),
		SessionID:   sessionID,
	}
}

// CreateTurnMessage creates a turn message
func CreateTurnMessage(sessionID string, turn entities.Turn) *TurnMessage {
	return &TurnMessage{
		BaseMessage: newBaseMessage(MessageTypeTurn),
		SessionID:   sessionID,
		Turn:        turn,
	}
}

// CreateStateMessage creates a state change message
func CreateStateMessage(sessionID, state string) *StateMessage {
	return &StateMessage{
		BaseMessage: newBaseMessage(MessageTypeState),
		SessionID:   sessionID,
		State:       state,
	}
}

// CreateTranscriptMessage creates a transcript snapshot message
func CreateTranscriptMessage(sessionID string, turns []entities.Turn) *TranscriptMessage {
	if turns == nil {
		turns = []entities.Turn{}
	}
	return &TranscriptMessage{
		BaseMessage: newBaseMessage(MessageTypeTranscript),
		SessionID:   sessionID,
		Turns:       turns,
	}
}
