// Package protocol implements the tunnel wire format: UTF-8 JSON text
// frames carrying a tagged message union, and binary frames carrying a
// fixed 12-byte ASCII request/stream identifier followed by opaque payload
// bytes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestIDLength is the length in bytes of a request/stream identifier.
const RequestIDLength = 12

// DefaultPublicDomain is used when no domain is configured.
const DefaultPublicDomain = "xpose.dev"

// TunnelConnectPath is the control-upgrade path on any subdomain host.
const TunnelConnectPath = "/_tunnel/connect"

// Size and timing constants shared by the agent and the edge session.
const (
	DefaultTTLSeconds        = 14400
	MaxTTLSeconds            = 86400
	DefaultMaxBodySizeBytes  = 5 * 1024 * 1024
	DefaultRequestTimeout    = 30 // seconds
	DefaultReconnectGrace    = 5  // seconds
	DefaultSessionResumeSecs = 600
	InspectBodyCaptureLimit  = 128 * 1024
)

// Kind identifies a message variant by its "type" discriminator.
type Kind string

const (
	KindAuth             Kind = "auth"
	KindAuthAck          Kind = "auth-ack"
	KindHTTPRequest      Kind = "http-request"
	KindHTTPBodyChunk    Kind = "http-body-chunk"
	KindHTTPRequestEnd   Kind = "http-request-end"
	KindHTTPResponseMeta Kind = "http-response-meta"
	KindHTTPResponseEnd  Kind = "http-response-end"
	KindWSUpgrade        Kind = "ws-upgrade"
	KindWSUpgradeAck     Kind = "ws-upgrade-ack"
	KindWSFrame          Kind = "ws-frame"
	KindWSClose          Kind = "ws-close"
	KindPing             Kind = "ping"
	KindPong             Kind = "pong"
	KindError            Kind = "error"
)

// Message is the tagged-union interface every wire message implements.
type Message interface {
	Kind() Kind
}

// TunnelConfig is the per-tunnel access-control and behavior config
// negotiated at auth time.
type TunnelConfig struct {
	AllowedIPs     []string          `json:"allowed_ips,omitempty"`
	RateLimit      int               `json:"rate_limit,omitempty"`
	CORS           bool              `json:"cors,omitempty"`
	CustomHeaders  map[string]string `json:"custom_headers,omitempty"`
}

type AuthMessage struct {
	Subdomain string        `json:"subdomain"`
	TTL       int           `json:"ttl,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Config    *TunnelConfig `json:"config,omitempty"`
}

func (AuthMessage) Kind() Kind { return KindAuth }

type AuthAckMessage struct {
	Subdomain        string `json:"subdomain"`
	URL              string `json:"url"`
	TTL              int    `json:"ttl"`
	RemainingTTL     int    `json:"remaining_ttl"`
	SessionID        string `json:"session_id"`
	MaxBodySizeBytes int    `json:"max_body_size_bytes"`
}

func (AuthAckMessage) Kind() Kind { return KindAuthAck }

type HTTPRequestMessage struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	HasBody bool              `json:"has_body"`
}

func (HTTPRequestMessage) Kind() Kind { return KindHTTPRequest }

type HTTPBodyChunkMessage struct {
	ID   string `json:"id"`
	Done bool   `json:"done"`
}

func (HTTPBodyChunkMessage) Kind() Kind { return KindHTTPBodyChunk }

type HTTPRequestEndMessage struct {
	ID string `json:"id"`
}

func (HTTPRequestEndMessage) Kind() Kind { return KindHTTPRequestEnd }

type HTTPResponseMetaMessage struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	HasBody bool              `json:"has_body"`
}

func (HTTPResponseMetaMessage) Kind() Kind { return KindHTTPResponseMeta }

type HTTPResponseEndMessage struct {
	ID string `json:"id"`
}

func (HTTPResponseEndMessage) Kind() Kind { return KindHTTPResponseEnd }

type WSUpgradeMessage struct {
	StreamID string            `json:"stream_id"`
	Path     string            `json:"path"`
	Headers  map[string]string `json:"headers"`
}

func (WSUpgradeMessage) Kind() Kind { return KindWSUpgrade }

type WSUpgradeAckMessage struct {
	StreamID string `json:"stream_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

func (WSUpgradeAckMessage) Kind() Kind { return KindWSUpgradeAck }

// FrameType distinguishes text from binary relayed WebSocket payloads.
type FrameType string

const (
	FrameTypeText   FrameType = "text"
	FrameTypeBinary FrameType = "binary"
)

type WSFrameMessage struct {
	StreamID  string    `json:"stream_id"`
	FrameType FrameType `json:"frame_type"`
}

func (WSFrameMessage) Kind() Kind { return KindWSFrame }

type WSCloseMessage struct {
	StreamID string `json:"stream_id"`
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
}

func (WSCloseMessage) Kind() Kind { return KindWSClose }

type PingMessage struct{}

func (PingMessage) Kind() Kind { return KindPing }

type PongMessage struct{}

func (PongMessage) Kind() Kind { return KindPong }

type ErrorMessage struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Status    int    `json:"status,omitempty"`
}

func (ErrorMessage) Kind() Kind { return KindError }

// envelope is used only to read the "type" discriminator before decoding
// into the concrete message struct.
type envelope struct {
	Type Kind `json:"type"`
}

// EncodeText marshals a Message into a JSON text frame, injecting the
// "type" discriminator alongside the message's own fields.
func EncodeText(m Message) ([]byte, error) {
	fields, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshalling message fields: %w", err)
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(fields, &generic); err != nil {
		return nil, fmt.Errorf("unmarshalling message fields: %w", err)
	}
	typeTag, err := json.Marshal(m.Kind())
	if err != nil {
		return nil, fmt.Errorf("marshalling type tag: %w", err)
	}
	generic["type"] = typeTag
	return json.Marshal(generic)
}

// DecodeText parses a JSON text frame. Unrecognised payloads (not a JSON
// object, or missing/unknown "type") are dropped silently by returning
// (nil, nil) rather than an error, so an evolving protocol can add
// message types without breaking older peers.
func DecodeText(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil
	}
	switch env.Type {
	case KindAuth:
		var m AuthMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindAuthAck:
		var m AuthAckMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindHTTPRequest:
		var m HTTPRequestMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindHTTPBodyChunk:
		var m HTTPBodyChunkMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindHTTPRequestEnd:
		var m HTTPRequestEndMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindHTTPResponseMeta:
		var m HTTPResponseMetaMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindHTTPResponseEnd:
		var m HTTPResponseEndMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindWSUpgrade:
		var m WSUpgradeMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindWSUpgradeAck:
		var m WSUpgradeAckMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindWSFrame:
		var m WSFrameMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindWSClose:
		var m WSCloseMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	case KindPing:
		return PingMessage{}, nil
	case KindPong:
		return PongMessage{}, nil
	case KindError:
		var m ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, nil
		}
		return m, nil
	default:
		return nil, nil
	}
}

// EncodeBinary prepends the 12-byte ASCII id to payload bytes. id must be
// exactly RequestIDLength bytes; a shorter id is right-padded with zero
// bytes (callers should never pass a malformed id, but padding keeps the
// frame decodable rather than panicking).
func EncodeBinary(id string, payload []byte) []byte {
	frame := make([]byte, RequestIDLength+len(payload))
	copy(frame, id)
	copy(frame[RequestIDLength:], payload)
	return frame
}

// DecodeBinary splits a binary frame into its id and payload. A frame
// shorter than RequestIDLength is an error; a zero-length payload is legal.
func DecodeBinary(data []byte) (id string, payload []byte, err error) {
	if len(data) < RequestIDLength {
		return "", nil, fmt.Errorf("binary frame too short: %d bytes", len(data))
	}
	id = string(data[:RequestIDLength])
	payload = data[RequestIDLength:]
	return id, payload, nil
}
