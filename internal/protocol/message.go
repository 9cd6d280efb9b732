// Package protocol defines the JSON control messages exchanged between the
// tunnel server and its client over the control WebSocket, and the rules for
// the raw binary frames that follow some of them.
//
// The control channel interleaves two frame kinds: text frames carrying one
// JSON Message each, and binary frames carrying opaque bytes that belong to
// whichever text frame most recently announced a binary follow-up. Three
// message types announce binary follow-ups: http_response_binary,
// http_response_stream_chunk and ws_message_binary. A sender must emit the
// announcing text frame and its binary frame back to back, with no other
// frame in between.
package protocol

import "encoding/json"

// Server -> client message types.
const (
	TypeConnected       = "connected"
	TypeHTTPRequest     = "http_request"
	TypeRequestTiming   = "request_timing"
	TypePing            = "ping"
	TypeError           = "error"
	TypeWSOpen          = "ws_open"
	TypeWSClose         = "ws_close"
	TypeWSMessage       = "ws_message"
	TypeWSMessageBinary = "ws_message_binary"
)

// Client -> server message types.
const (
	TypeHTTPResponse       = "http_response"
	TypeHTTPResponseBinary = "http_response_binary"
	TypeStreamStart        = "http_response_stream_start"
	TypeStreamChunk        = "http_response_stream_chunk"
	TypeStreamEnd          = "http_response_stream_end"
	TypeStreamError        = "http_response_stream_error"
	TypePong               = "pong"
	TypeWSOpened           = "ws_opened"
	TypeWSError            = "ws_error"
)

// Message is the envelope for every JSON text frame on the control channel.
// Type is always set; the remaining fields are populated per type and omitted
// otherwise. Unknown Type values must be ignored by the receiver.
type Message struct {
	Type string `json:"type"`

	// HTTP request/response fields.
	RequestID string            `json:"requestId,omitempty"`
	Method    string            `json:"method,omitempty"`
	Path      string            `json:"path,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Status    int               `json:"status,omitempty"`

	// Binary and stream bookkeeping. BodySize is advisory; the actual
	// binary frame length prevails. TotalSize is absent for unbounded
	// streams (SSE).
	BodySize  int64 `json:"bodySize,omitempty"`
	ChunkSize int   `json:"chunkSize,omitempty"`
	TotalSize int64 `json:"totalSize,omitempty"`

	// WebSocket passthrough fields.
	WSID     string `json:"wsId,omitempty"`
	Data     string `json:"data,omitempty"`
	Code     int    `json:"code,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Protocol string `json:"protocol,omitempty"`

	// Registration and advisory fields.
	Subdomain string `json:"subdomain,omitempty"`
	Duration  int64  `json:"duration,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Encode marshals m to a JSON text frame payload.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a JSON text frame payload. A message with an unrecognized
// Type decodes successfully; dispatch switches are expected to skip it.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AnnouncesBinary reports whether a message of this type is followed by
// exactly one binary frame on the same connection.
func AnnouncesBinary(msgType string) bool {
	switch msgType {
	case TypeHTTPResponseBinary, TypeStreamChunk, TypeWSMessageBinary:
		return true
	}
	return false
}
