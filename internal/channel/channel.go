// Package channel wraps the bidirectional text-frame transport (spec
// §4.2, §6), realized as a WebSocket connection. It exposes the
// minimal Send/Recv/Close surface the connector and gateway client
// need, so the protocol layer above never imports gorilla/websocket
// directly.
package channel

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is one open bidirectional connection. Writes are serialized
// internally (gorilla/websocket connections are not safe for
// concurrent writers); reads are expected to be done from a single
// goroutine by the caller, matching the single-writer/single-reader
// discipline of spec §5.
type Channel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

// Wrap adapts an already-established *websocket.Conn (from a server
// upgrade or a client dial) into a Channel.
func Wrap(conn *websocket.Conn) *Channel {
	return &Channel{conn: conn, closed: make(chan struct{})}
}

// Send writes one text frame. Safe for concurrent use.
func (c *Channel) Send(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// Recv blocks for the next text frame. Callers should run Recv in a
// dedicated loop goroutine; it returns an error (including
// websocket.IsUnexpectedCloseError cases) when the channel drops.
func (c *Channel) Recv() (string, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetReadDeadline forwards to the underlying connection, used to
// detect a silently dead peer via missed pongs.
func (c *Channel) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetPongHandler forwards to the underlying connection.
func (c *Channel) SetPongHandler(h func(string) error) {
	c.conn.SetPongHandler(h)
}

// Ping writes a control ping frame.
func (c *Channel) Ping(deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close closes the underlying connection. Idempotent.
func (c *Channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Done returns a channel closed once Close has been called, letting
// readers/writers select on channel teardown.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}
