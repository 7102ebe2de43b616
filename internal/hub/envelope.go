// Package hub implements the unified realtime endpoint: connection registry,
// topic router, broadcaster, and the WebSocket upgrade path.
package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Message types crossing the wire.
const (
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypeRequest     = "REQUEST"
	TypePing        = "PING"

	TypeAck            = "ACK"
	TypeData           = "DATA"
	TypeResponse       = "RESPONSE"
	TypeError          = "ERROR"
	TypePong           = "PONG"
	TypeWelcome        = "WELCOME"
	TypeServerShutdown = "SERVER_SHUTDOWN"
)

// Stream actions used by DATA envelopes carrying chunked replies.
const (
	ActionStreamChunk    = "stream-chunk"
	ActionStreamComplete = "stream-complete"
)

// ErrorCode is the wire-level error taxonomy.
type ErrorCode string

const (
	CodeAuthRequired       ErrorCode = "auth_required"
	CodeForbidden          ErrorCode = "forbidden"
	CodeRateLimit          ErrorCode = "rate_limit"
	CodeUnknownTopic       ErrorCode = "unknown_topic"
	CodeUnknownAction      ErrorCode = "unknown_action"
	CodeProtocol           ErrorCode = "protocol"
	CodePayloadTooLarge    ErrorCode = "payload_too_large"
	CodeTimeout            ErrorCode = "timeout"
	CodeInternal           ErrorCode = "internal"
	CodeServiceUnavailable ErrorCode = "service_unavailable"
)

// Close codes. The 4xxx range is application-defined.
const (
	CloseNormal          = 1000
	CloseServerShutdown  = 1001
	ClosePayloadTooLarge = 1009
	CloseAuthFailed      = 4001
	CloseSlowConsumer    = 4002
)

// Envelope is the canonical JSON message shape crossing the wire in both
// directions. Unused fields are omitted.
type Envelope struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
	Action    string          `json:"action,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Code      ErrorCode       `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewData builds a DATA envelope on the given channel. payload is marshalled;
// a marshal failure is a programming error and is logged, not surfaced.
func NewData(channel, subtype string, payload any) Envelope {
	return Envelope{
		Type:      TypeData,
		Topic:     channel,
		Subtype:   subtype,
		Data:      marshal(payload),
		Timestamp: stamp(),
	}
}

// NewResponse builds the single RESPONSE envelope answering a request.
func NewResponse(topic, requestID string, payload any) Envelope {
	return Envelope{
		Type:      TypeResponse,
		Topic:     topic,
		RequestID: requestID,
		Data:      marshal(payload),
		Timestamp: stamp(),
	}
}

// NewError builds an ERROR envelope. requestID may be empty when the error is
// not tied to a request.
func NewError(code ErrorCode, message, requestID string) Envelope {
	return Envelope{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: stamp(),
	}
}

// NewAck acknowledges a subscribe or unsubscribe, citing the channel.
func NewAck(channel, subtype string) Envelope {
	return Envelope{
		Type:      TypeAck,
		Topic:     channel,
		Subtype:   subtype,
		Timestamp: stamp(),
	}
}

func marshal(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("hub: marshal payload: %v", err)
		return nil
	}
	return data
}

func (e Envelope) encode() []byte {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("hub: marshal envelope: %v", err)
		return nil
	}
	return data
}

// Error is the typed handler error carrying a wire code. Handlers return it
// to control the ERROR envelope sent to the client; any other error becomes
// CodeInternal.
type Error struct {
	Code    ErrorCode
	Message string
	Data    any // optional structured detail (e.g. retryAfter)
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a typed handler error.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
