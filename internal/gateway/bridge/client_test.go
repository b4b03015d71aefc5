package bridge

import (
	"context"
	"copybot/internal/logger"
	"copybot/internal/models"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	mu      sync.Mutex
	methods []string
	reply   func(req request) response
}

func (f *fakeBridge) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.mu.Lock()
			f.methods = append(f.methods, req.Method)
			f.mu.Unlock()
			resp := f.reply(req)
			if resp.ID == 0 {
				continue
			}
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

func (f *fakeBridge) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func result(id uint64, v any) response {
	raw, _ := json.Marshal(v)
	return response{ID: id, Result: raw}
}

func startBridge(t *testing.T, reply func(req request) response) (*fakeBridge, string) {
	f := &fakeBridge{reply: reply}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCallRoundTrip(t *testing.T) {
	f, url := startBridge(t, func(req request) response {
		switch req.Method {
		case methodAuth:
			return result(req.ID, map[string]bool{"ok": true})
		case methodAccountInfo:
			return result(req.ID, models.AccountState{Login: "A", Balance: 1000, Equity: 950})
		case methodSymbolInfo:
			return result(req.ID, models.SymbolInfo{Point: 0.00001, Digits: 5})
		case methodOrderSend:
			return result(req.ID, models.ExecResult{Success: true, OrderID: 42, FilledPrice: 1.1})
		default:
			return response{ID: req.ID, Error: &rpcError{Code: 400, Message: "unsupported"}}
		}
	})

	c := New(Options{Account: "A", URL: url, APIKey: "k", Secret: "s"}, logger.Discard())
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	acc, err := c.AccountInfo(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5, acc.DrawdownPercent(), 1e-9)

	info, err := c.SymbolInfo(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, "EURUSD", info.Name)

	res, err := c.ExecuteOrder(ctx, models.OrderRequest{Symbol: "EURUSD", Side: models.OrderSideBuy, Volume: 0.1})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.OrderID)

	err = c.ModifyPosition(ctx, 42, 1.0, 1.2)
	require.Error(t, err)
	assert.False(t, models.IsTransient(err))

	assert.Equal(t, methodAuth, f.seen()[0])
}

func TestTransientRemoteError(t *testing.T) {
	_, url := startBridge(t, func(req request) response {
		return response{ID: req.ID, Error: &rpcError{Code: errCodeTransient, Message: "terminal busy"}}
	})

	c := New(Options{Account: "B", URL: url}, logger.Discard())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	_, err := c.OpenPositions(context.Background())
	assert.True(t, models.IsTransient(err))
}

func TestCallTimeout(t *testing.T) {
	_, url := startBridge(t, func(req request) response {
		return response{}
	})

	c := New(Options{Account: "C", URL: url, CallTimeout: 50 * time.Millisecond}, logger.Discard())
	require.NoError(t, c.Connect(context.Background()))
	defer c.Close()

	err := c.Ping(context.Background())
	assert.True(t, models.IsTransient(err))
	assert.ErrorIs(t, err, models.ErrTimeout)
}

func TestCallWithoutConnection(t *testing.T) {
	c := New(Options{Account: "D", URL: "ws://127.0.0.1:1"}, logger.Discard())
	_, err := c.AccountInfo(context.Background())
	assert.ErrorIs(t, err, models.ErrDisconnected)
}

func TestSign(t *testing.T) {
	assert.Equal(t, sign("s", "payload"), sign("s", "payload"))
	assert.NotEqual(t, sign("s", "payload"), sign("t", "payload"))
	assert.Len(t, sign("s", "payload"), 64)
}
