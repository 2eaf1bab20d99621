// Package protocol defines the gateway WebSocket wire format: request,
// response and event frames plus the method and event names the bridge uses.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is sent in the connect handshake.
const ProtocolVersion = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// RequestFrame is a client-to-gateway RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers the RequestFrame with the same ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is pushed by the gateway outside any request.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     int64       `json:"seq,omitempty"`
}

// ErrorShape is the error body of a failed response.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorShape) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ParseFrameType peeks at the "type" field of a raw frame.
func ParseFrameType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	return probe.Type, nil
}
