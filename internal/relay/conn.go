package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"webhookrelay/internal/tunnel"
)

// Conn is an accepted tunnel connection.
type Conn struct {
	ws          *websocket.Conn
	relayID     string
	remoteAddr  string
	connectedAt time.Time
	sessionID   int64

	// gorilla/websocket supports one concurrent writer.
	wmu        sync.Mutex
	closeOnce  sync.Once
	superseded atomic.Bool
}

func newConn(ws *websocket.Conn, relayID, remoteAddr string) *Conn {
	return &Conn{
		ws:          ws,
		relayID:     relayID,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
	}
}

// RelayID and ConnectedAt satisfy registry.Conn.
func (c *Conn) RelayID() string        { return c.relayID }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// send writes one envelope as a text frame.
func (c *Conn) send(env tunnel.Envelope, timeout time.Duration) error {
	data, err := tunnel.Encode(env)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if timeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", c.relayID, err)
	}
	return nil
}

// close sends a close frame with the given code and closes the socket.
// Safe to call more than once and concurrently with send.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		closeSocket(c.ws, code, reason)
	})
}

func closeSocket(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}
