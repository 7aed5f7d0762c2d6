package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"presence-hub/protocol"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type (
	// Channel is one open presence channel. Receive and Send may be called
	// concurrently; Close unblocks both.
	Channel interface {
		Send(ctx context.Context, msg protocol.Message) error
		Receive(ctx context.Context) (protocol.Message, error)
		Close() error
	}

	// Dialer opens presence channels. Only the Controller dials.
	Dialer interface {
		Dial(ctx context.Context, roomID, userID string) (Channel, error)
	}

	// WebSocketDialer dials GET /presence/{roomId}?userId= on a presence hub.
	WebSocketDialer struct {
		BaseURL    string
		HTTPClient *http.Client
		Header     http.Header
	}

	wsChannel struct {
		conn *websocket.Conn
	}
)

// presenceURL maps an http(s) base URL onto the ws(s) presence endpoint.
func presenceURL(baseURL, roomID, userID string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	u.Path += "/presence/" + url.PathEscape(roomID)
	u.RawQuery = url.Values{"userId": {userID}}.Encode()
	return u.String(), nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, roomID, userID string) (Channel, error) {
	target, err := presenceURL(d.BaseURL, roomID, userID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, err
	}
	return &wsChannel{conn: conn}, nil
}

func (c *wsChannel) Send(ctx context.Context, msg protocol.Message) error {
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *wsChannel) Receive(ctx context.Context) (protocol.Message, error) {
	var msg protocol.Message
	err := wsjson.Read(ctx, c.conn, &msg)
	return msg, err
}

func (c *wsChannel) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
