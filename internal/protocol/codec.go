package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrFrameMalformed marks a frame that was received but could not be
// decoded — bad JSON, or a non-text websocket message. Unlike a
// transport error, it does not mean the channel is lost: ReadMessage
// callers should log it and keep reading rather than tear the session
// down.
var ErrFrameMalformed = errors.New("protocol: malformed frame")

// Codec handles reading and writing JSON frames over a websocket
// connection. Writes are serialised behind a single mutex so the ping
// loop, stream responders, and the handshake path can all share one
// connection without racing.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteJSON marshals v to JSON and sends it as one websocket text message.
func (c *Codec) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadServerHello reads and decodes one text message as a ServerHello. Used
// only for the handshake response, before the generic message loop starts.
func (c *Codec) ReadServerHello() (*ServerHello, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	var hello ServerHello
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, fmt.Errorf("decoding server hello: %w", err)
	}
	return &hello, nil
}

// ReadMessage reads and decodes one stream-plane frame. A transport
// failure (the connection dropped) is returned as-is; a frame that
// arrived but could not be decoded is wrapped in ErrFrameMalformed so
// callers can tell the two apart and keep the channel open for the
// latter.
func (c *Codec) ReadMessage() (*Message, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected websocket message type %d", ErrFrameMalformed, msgType)
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameMalformed, err)
	}
	return &m, nil
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
