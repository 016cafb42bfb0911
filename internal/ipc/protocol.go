package ipc

import "encoding/json"

// Message is the wire envelope shared by both directions. Type selects
// which of the optional fields are meaningful.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
	Payload map[string]any  `json:"payload,omitempty"`
}

// Message types.
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeRequest     = "request"
	TypeResponse    = "response"
	TypeEvent       = "event"
)

// ErrorInfo carries a stable machine-readable code next to the human
// message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
