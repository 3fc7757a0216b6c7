package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// FrameKind distinguishes a text (JSON control) frame from a binary
// (audio) frame read off a Channel.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Channel is the narrow transport abstraction the connection supervisor
// drives. A device-facing WebSocket implementation is provided by
// NewWSChannel; tests substitute an in-memory fake.
type Channel interface {
	// Header returns the named request header, or "" if absent.
	Header(name string) string
	// Query returns the named URL query parameter, or "" if absent.
	Query(name string) string
	// RemoteAddr returns the transport-level remote address (used as a
	// fallback client IP when no x-real-ip/x-forwarded-for header is set).
	RemoteAddr() string

	// Read blocks until a frame arrives, the context is cancelled, or the
	// channel is closed. On close it returns ErrPeerClosed.
	Read(ctx context.Context) (FrameKind, []byte, error)
	// WriteText sends a text (JSON control) frame.
	WriteText(ctx context.Context, data []byte) error
	// WriteBinary sends a binary (audio) frame.
	WriteBinary(ctx context.Context, data []byte) error
	// Close closes the channel. Safe to call more than once.
	Close() error
}

// wsChannel adapts a github.com/coder/websocket connection (upgraded from
// an *http.Request) to the Channel interface.
type wsChannel struct {
	conn *websocket.Conn
	req  *http.Request
}

// UpgradeWS upgrades an HTTP request to a WebSocket and wraps it as a
// Channel. OriginPatterns should list the hostnames ESP32 devices are
// expected to connect from (or "*" when the gateway sits behind a trusted
// reverse proxy that already validates Origin).
func UpgradeWS(w http.ResponseWriter, r *http.Request, originPatterns []string) (Channel, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(32 << 20) // 32MiB, generous for buffered PCM utterances
	return &wsChannel{conn: conn, req: r}, nil
}

func (c *wsChannel) Header(name string) string { return c.req.Header.Get(name) }

func (c *wsChannel) Query(name string) string { return c.req.URL.Query().Get(name) }

func (c *wsChannel) RemoteAddr() string { return c.req.RemoteAddr }

func (c *wsChannel) Read(ctx context.Context) (FrameKind, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 {
			return 0, nil, ErrPeerClosed
		}
		return 0, nil, &FatalError{Err: err}
	}
	switch typ {
	case websocket.MessageText:
		return FrameText, data, nil
	default:
		return FrameBinary, data, nil
	}
}

func (c *wsChannel) WriteText(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsChannel) WriteBinary(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
