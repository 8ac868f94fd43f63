package socket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// client is one socket connection. Owned exclusively by the Server;
// destroyed on disconnect or eviction.
type client struct {
	id   string
	conn *websocket.Conn

	// writeMu serializes writes; gorilla connections allow only one
	// concurrent writer.
	writeMu sync.Mutex

	mu            sync.Mutex
	isAlive       bool
	authenticated bool
	connectedAt   time.Time

	// authTimer closes the connection if no valid token arrives in time.
	// Cleared once authenticated.
	authTimer *time.Timer
}

func (c *client) markAlive() {
	c.mu.Lock()
	c.isAlive = true
	c.mu.Unlock()
}

// consumeAlive returns the previous liveness flag and resets it, so the
// next heartbeat tick can tell whether the ping was answered.
func (c *client) consumeAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	alive := c.isAlive
	c.isAlive = false

	return alive
}

// age reports how long the connection has existed.
func (c *client) age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return time.Since(c.connectedAt)
}

func (c *client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.authenticated
}

// authenticate marks the client authenticated and clears the auth timer.
func (c *client) authenticate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.authenticated = true

	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

func (c *client) stopAuthTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

// write sends one frame, serialized against concurrent writers.
func (c *client) write(messageType int, data []byte, deadline time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}

	return c.conn.WriteMessage(messageType, data)
}

// closeWith sends a close frame with the given code and reason, then tears
// the connection down.
func (c *client) closeWith(code int, reason string, deadline time.Duration) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(deadline))
	c.writeMu.Unlock()

	_ = c.conn.Close()
}
