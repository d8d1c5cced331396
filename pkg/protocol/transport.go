package protocol

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport moves envelopes between a node and the relay. Implementations
// must allow concurrent WriteMessage calls; ReadMessage is single-reader.
type Transport interface {
	ReadMessage() (*Message, error)
	WriteMessage(*Message) error
	Close() error
	RemoteAddr() net.Addr
}

// WSTransport is the production transport: one CBOR envelope per
// WebSocket binary frame.
type WSTransport struct {
	conn    *websocket.Conn
	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewWSTransport wraps an established WebSocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	conn.SetReadLimit(MaxMessageSize)
	return &WSTransport{conn: conn}
}

// ReadMessage blocks for the next envelope. Non-binary frames are skipped.
func (t *WSTransport) ReadMessage() (*Message, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return Decode(data)
	}
}

// WriteMessage sends one envelope as a single binary frame.
func (t *WSTransport) WriteMessage(m *Message) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close closes the underlying socket. Safe to call more than once.
func (t *WSTransport) Close() error {
	t.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	t.writeMu.Unlock()
	return t.conn.Close()
}

// RemoteAddr returns the peer address.
func (t *WSTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
