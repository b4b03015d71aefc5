package bridge

import (
	"context"
	"copybot/internal/models"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

func (c *Client) readLoop(conn *websocket.Conn) {
	c.logEntry().Debug("readLoop started.")

	for {
		if c.stopped() {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.stopped() {
				return
			}
			c.logEntry().WithError(err).Warn("Bridge read failed.")
			c.failPending()

			next, ok := c.reconnect()
			if !ok {
				return
			}
			conn = next
			continue
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logEntry().WithError(err).Warn("Unable to decode bridge frame.")
			continue
		}
		c.deliver(resp)
	}
}

func (c *Client) deliver(resp response) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logEntry().WithField("id", resp.ID).Debug("Response without pending call.")
		return
	}
	ch <- resp
}

// failPending wakes every waiting call with a disconnect error.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan response)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- response{ID: id, Error: &rpcError{Code: errCodeTransient, Message: models.ErrDisconnected.Error()}}
	}
}

func (c *Client) reconnect() (*websocket.Conn, bool) {
	backoff := c.reconnectMin

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	for {
		select {
		case <-c.stopCh:
			return nil, false
		case <-time.After(backoff):
		}

		c.logEntry().Info("Reconnecting to bridge.")

		conn, err := c.dial(context.Background())
		if err != nil {
			c.logEntry().WithError(err).Warn("Bridge reconnect failed.")
			backoff = c.nextBackoff(backoff)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if c.apiKey != "" && c.secret != "" {
			// auth response is read by this loop, so authenticate asynchronously
			go func() {
				if err := c.authenticate(context.Background()); err != nil {
					c.logEntry().WithError(err).Warn("Bridge re-auth failed.")
				}
			}()
		}

		c.logEntry().Info("Bridge reconnected.")
		return conn, true
	}
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > c.reconnectMax {
		return c.reconnectMax
	}
	return next
}
