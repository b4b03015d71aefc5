package bridge

import (
	"context"
	"copybot/internal/logger"
	"copybot/internal/models"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Account     string
	URL         string
	APIKey      string
	Secret      string
	CallTimeout time.Duration
}

func New(opts Options, log *logger.Logger) *Client {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		account:      opts.Account,
		url:          opts.URL,
		apiKey:       opts.APIKey,
		secret:       opts.Secret,
		log:          log,
		pending:      make(map[uint64]chan response),
		stopCh:       make(chan struct{}),
		callTimeout:  timeout,
		reconnectMin: defaultReconnectMinGap,
		reconnectMax: defaultReconnectMaxGap,
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.logEntry().WithField("url", c.url).Info("Connecting to bridge.")

	conn, err := c.dial(ctx)
	if err != nil {
		return models.NewTransientError("connect", c.account, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	if c.apiKey != "" && c.secret != "" {
		if err := c.authenticate(ctx); err != nil {
			_ = c.Close()
			return err
		}
	}

	c.logEntry().Info("Bridge connection established.")
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(4 << 20)
	return conn, nil
}

func (c *Client) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.failPending()
	})
	return err
}

func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, methodPing, nil, nil)
}

func (c *Client) logEntry() *logrus.Entry {
	return c.log.WithComponent("bridge").WithField("account", c.account)
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}
