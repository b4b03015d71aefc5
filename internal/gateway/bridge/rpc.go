package bridge

import (
	"context"
	"copybot/internal/models"
	"encoding/json"
	"errors"
	"fmt"
)

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	id := c.seq.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return models.NewTransientError(method, c.account, models.ErrDisconnected)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(request{ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		return models.NewTransientError(method, c.account, fmt.Errorf("%w: %v", models.ErrDisconnected, err))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		return c.decode(method, resp, out)
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.NewTransientError(method, c.account, models.ErrTimeout)
	case <-c.stopCh:
		return models.NewTransientError(method, c.account, models.ErrDisconnected)
	}
}

func (c *Client) decode(method string, resp response, out any) error {
	if resp.Error != nil {
		remote := errors.New(resp.Error.Message)
		if resp.Error.Code == errCodeTransient {
			return models.NewTransientError(method, c.account, remote)
		}
		return fmt.Errorf("bridge %s (code=%d): %w", method, resp.Error.Code, remote)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	return nil
}
