package session

import (
	"time"

	"github.com/gorilla/websocket"
)

// readDeadline/writeDeadline set the keepalive tuning (60s read, 10s
// write) for this session's single-reader/single-writer shape.
const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// WSTransport adapts a *gorilla/websocket.Conn to the Transport
// contract. It owns a background ping ticker so idle connections are
// detected and closed proactively.
type WSTransport struct {
	conn *websocket.Conn
	done chan struct{}
}

// NewWSTransport wraps conn and starts its keepalive ping loop.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	t := &WSTransport{conn: conn, done: make(chan struct{})}
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	go t.pingLoop()
	return t
}

func (t *WSTransport) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// ReadMessage blocks for the next text frame.
func (t *WSTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	t.conn.SetReadDeadline(time.Now().Add(readDeadline))
	return data, nil
}

// WriteMessage writes one text frame. Callers serialize among
// themselves (see Session.writeMu); this method does not.
func (t *WSTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close stops the ping loop and closes the underlying connection.
func (t *WSTransport) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return t.conn.Close()
}
