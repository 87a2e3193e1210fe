package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write
	writeWait = 10 * time.Second

	// maxInboundFrame caps what the websocket reader will buffer for one frame
	maxInboundFrame = 1024 * 1024
)

// Transport is one open duplex message channel. ReadFrame returns io.EOF
// when the peer closed the channel cleanly.
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens a new Transport. It must honor ctx cancellation.
type Dialer func(ctx context.Context) (Transport, error)

// WebSocketDialer returns a Dialer for a ws:// or wss:// URL. The header is
// sent with every handshake (e.g. an Authorization bearer token).
func WebSocketDialer(url string, header http.Header, handshakeTimeout time.Duration) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return DialWebSocket(ctx, url, header, handshakeTimeout)
	}
}

// DialWebSocket opens a websocket and wraps it as a Transport
func DialWebSocket(ctx context.Context, url string, header http.Header, handshakeTimeout time.Duration) (Transport, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed (HTTP %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxInboundFrame)

	return &wsTransport{conn: conn}, nil
}

// wsTransport adapts a gorilla websocket connection. gorilla supports one
// concurrent reader and one concurrent writer; writes are serialized here
// because Close also writes a close frame.
type wsTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) WriteFrame(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		// Best effort: the peer may already be gone
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}
