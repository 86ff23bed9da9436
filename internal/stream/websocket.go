package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// WebsocketDialer dials the feed stream endpoint. The token is read on
// every dial so a credential change applies on the next reconnect.
type WebsocketDialer struct {
	URL        string
	Token      func() string
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	if strings.TrimSpace(d.URL) == "" {
		return nil, fmt.Errorf("stream url is required")
	}
	header := http.Header{}
	if d.Token != nil {
		if token := strings.TrimSpace(d.Token()); token != "" {
			header.Set("Access-Token", token)
			header.Set("Authorization", "Bearer "+token)
		}
	}
	conn, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("%w: %v", &HandshakeError{StatusCode: resp.StatusCode}, err)
		}
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: int(closeErr.Code), Reason: closeErr.Reason}
		}
		return nil, err
	}
	return data, nil
}

func (c *websocketConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *websocketConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
