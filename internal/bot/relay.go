package bot

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketDialer relays audio to the service's own /ws/audio/{meeting_id}
// endpoint, the same path external audio producers use
type WebsocketDialer struct {
	BaseURL          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Dial opens the audio websocket for a meeting
func (d *WebsocketDialer) Dial(ctx context.Context, meetingID string) (AudioSink, error) {
	target, err := audioURL(d.BaseURL, meetingID)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", target, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	return &websocketSink{conn: conn, writeTimeout: writeTimeout}, nil
}

// audioURL maps an http(s) base URL onto the ws(s) audio endpoint
func audioURL(base, meetingID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid backend url %q: %w", base, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}

	// RawPath keeps reserved characters such as '/' inside the id segment
	rawPrefix := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/audio/" + meetingID
	u.RawPath = rawPrefix + "/ws/audio/" + url.PathEscape(meetingID)
	return u.String(), nil
}

type websocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (s *websocketSink) Send(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	s.conn.SetWriteDeadline(deadline)

	if chunk == nil {
		chunk = []byte{}
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *websocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// IngestFunc feeds one audio frame into a meeting's pipeline
type IngestFunc func(ctx context.Context, meetingID string, frame []byte) error

// DirectDialer relays audio in-process, skipping the websocket hop
type DirectDialer struct {
	Ingest IngestFunc
}

// Dial returns a sink bound to the meeting
func (d *DirectDialer) Dial(ctx context.Context, meetingID string) (AudioSink, error) {
	if d.Ingest == nil {
		return nil, fmt.Errorf("direct relay has no ingest function")
	}
	return &directSink{meetingID: meetingID, ingest: d.Ingest}, nil
}

type directSink struct {
	meetingID string
	ingest    IngestFunc
}

func (s *directSink) Send(ctx context.Context, chunk []byte) error {
	// Heartbeats only matter for keeping a websocket open
	if len(chunk) == 0 {
		return nil
	}
	return s.ingest(ctx, s.meetingID, chunk)
}

func (s *directSink) Close() error { return nil }
