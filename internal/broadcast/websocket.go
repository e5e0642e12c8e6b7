package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWriteTimeout bounds a single push to a live connection
const DefaultWriteTimeout = 5 * time.Second

// WebsocketSubscriber pushes events over a websocket connection
type WebsocketSubscriber struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	connMu sync.Mutex
}

// NewWebsocketSubscriber wraps an upgraded connection
func NewWebsocketSubscriber(conn *websocket.Conn, writeTimeout time.Duration) *WebsocketSubscriber {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}

	return &WebsocketSubscriber{
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// Send writes the event as a JSON text message
func (s *WebsocketSubscriber) Send(ctx context.Context, event Event) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := s.conn.WriteJSON(event); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection
func (s *WebsocketSubscriber) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}
