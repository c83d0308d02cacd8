package client

import (
	"context"
	"fmt"
	"strings"

	"github.com/coder/websocket"

	"github.com/termdeck/termdeck/internal/protocol"
)

// Conn is one WebSocket channel to the server with typed frame I/O.
type Conn struct {
	ws *websocket.Conn
}

// DialApp opens the app channel.
func (c *Client) DialApp(ctx context.Context) (*Conn, error) {
	return c.dial(ctx, "/ws/app")
}

// DialWorker opens a worker channel for one (session, worker) pair.
func (c *Client) DialWorker(ctx context.Context, sessionID, workerID string) (*Conn, error) {
	return c.dial(ctx, fmt.Sprintf("/ws/sessions/%s/workers/%s", sessionID, workerID))
}

func (c *Client) dial(ctx context.Context, path string) (*Conn, error) {
	url := c.wsURL(path)
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(protocol.MaxInboundFrameBytes)
	return &Conn{ws: ws}, nil
}

func (c *Client) wsURL(path string) string {
	url := c.baseURL + path
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	return "ws://" + strings.TrimPrefix(url, "http://")
}

// Read blocks for the next server frame.
func (c *Conn) Read(ctx context.Context) (protocol.ServerFrame, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	f, err := protocol.DecodeServer(data)
	if err != nil {
		return nil, fmt.Errorf("decode server frame: %w", err)
	}
	return f, nil
}

// Send writes one client frame.
func (c *Conn) Send(ctx context.Context, f protocol.ClientFrame) error {
	data, err := protocol.EncodeClient(f)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close closes the channel with a normal status.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow aborts the connection without a close handshake.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
