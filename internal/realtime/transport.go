package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 1 << 20

// Frame is the wire envelope for every message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is one established realtime connection.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteFrame(ctx context.Context, f Frame) error
	Close() error
}

// Dialer opens a Conn authenticated with token.
type Dialer interface {
	Dial(ctx context.Context, token string) (Conn, error)
}

// WebSocketDialer dials the realtime endpoint over websocket. The token is
// sent both as a bearer header and as the "token" query parameter, since
// some gateways strip headers on upgrade.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client

	// Logger reports skipped frames. Nil discards.
	Logger *zap.Logger
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, token string) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.Host, err)
	}
	c.SetReadLimit(maxFrameBytes)

	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &wsConn{conn: c, log: log}, nil
}

type wsConn struct {
	conn *websocket.Conn
	log  *zap.Logger
}

// ReadFrame returns the next frame that decodes. Undecodable frames are
// skipped and the connection stays open.
func (c *wsConn) ReadFrame(ctx context.Context) (Frame, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return Frame{}, err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug("skipping undecodable frame", zap.Int("bytes", len(data)), zap.Error(err))
			continue
		}
		return f, nil
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, c.conn, f)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
