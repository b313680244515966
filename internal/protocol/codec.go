package protocol

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec serialises writes to a websocket connection and classifies reads
// by the underlying websocket message type rather than by sniffing
// payload bytes, deliberately avoiding a textual leading-brace comparison
// to distinguish JSON text from binary frames.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteText sends a tagged message as a UTF-8 JSON text frame.
func (c *Codec) WriteText(m Message) error {
	data, err := EncodeText(m)
	if err != nil {
		return fmt.Errorf("encoding text frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WriteBinary sends a 12-byte-id-prefixed binary frame.
func (c *Codec) WriteBinary(id string, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, EncodeBinary(id, payload))
}

// ReadResult is one decoded frame, tagged by which frame kind it was.
type ReadResult struct {
	IsText  bool
	Message Message // set when IsText; nil when the text frame was dropped silently
	ID      string  // set when !IsText
	Payload []byte  // set when !IsText
}

// ReadFrame reads one websocket message and classifies it.
func (c *Codec) ReadFrame() (*ReadResult, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	switch msgType {
	case websocket.TextMessage:
		m, err := DecodeText(data)
		if err != nil {
			return nil, fmt.Errorf("decoding text frame: %w", err)
		}
		return &ReadResult{IsText: true, Message: m}, nil
	case websocket.BinaryMessage:
		id, payload, err := DecodeBinary(data)
		if err != nil {
			// malformed binary frames are dropped silently, never fatal.
			return &ReadResult{IsText: false}, nil
		}
		return &ReadResult{IsText: false, ID: id, Payload: payload}, nil
	default:
		return &ReadResult{IsText: true, Message: nil}, nil
	}
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
