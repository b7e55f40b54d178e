package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/ledgerlink/internal/transfer"
)

const wsWriteWait = 10 * time.Second

// WSChannel delivers messages over a websocket connection to a peer that
// exposes a direct message endpoint.
type WSChannel struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialChannel opens a websocket direct channel to url.
func DialChannel(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial message channel %s: %w", url, err)
	}
	return &WSChannel{conn: conn}, nil
}

// NewWSChannel wraps an already established connection, such as one
// accepted by the server's websocket upgrade.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

func (c *WSChannel) Deliver(ctx context.Context, msg *transfer.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
