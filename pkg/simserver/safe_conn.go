package simserver

import (
	"sync"

	"github.com/aeolun/teamchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

// SafeConn wraps a websocket connection with write synchronization.
// Request handlers and broadcasts write from different goroutines, and
// gorilla/websocket allows at most one concurrent writer.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps conn with write synchronization
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteFrame encodes and sends msg
func (sc *SafeConn) WriteFrame(msg *protocol.WSMessage) error {
	data, err := protocol.EncodeFrame(msg)
	if err != nil {
		return err
	}
	return sc.WriteBytes(data)
}

// WriteBytes sends a pre-encoded frame. Used by broadcasts, which encode
// once for all subscribers.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads the next raw frame. Reads don't need write synchronization.
func (sc *SafeConn) ReadFrame() ([]byte, error) {
	_, data, err := sc.conn.ReadMessage()
	return data, err
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}
