// Package bridge talks to a terminal-side bridge process over a WebSocket
// using JSON request/response frames.
package bridge

import (
	"copybot/internal/logger"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	methodAuth             = "auth"
	methodPing             = "ping"
	methodAccountInfo      = "account_info"
	methodPositions        = "positions_get"
	methodSymbolInfo       = "symbol_info"
	methodHistoryOrders    = "history_orders_get"
	methodRates            = "copy_rates_d1"
	methodOrderSend        = "order_send"
	methodPositionModify   = "position_modify"
	methodPositionClose    = "position_close"
	errCodeTransient       = 503
	defaultCallTimeout     = 10 * time.Second
	defaultReconnectMinGap = 1 * time.Second
	defaultReconnectMaxGap = 30 * time.Second
)

type Client struct {
	account string
	url     string
	apiKey  string
	secret  string
	log     *logger.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan response
	seq     atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once

	callTimeout  time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
}

type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type authParams struct {
	APIKey    string `json:"api_key"`
	Expires   int64  `json:"expires"`
	Signature string `json:"signature"`
}

type historyParams struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

type ratesParams struct {
	Symbol string `json:"symbol"`
	Count  int    `json:"count"`
}

type modifyParams struct {
	Ticket int64   `json:"ticket"`
	SL     float64 `json:"sl"`
	TP     float64 `json:"tp"`
}

type closeParams struct {
	Ticket int64   `json:"ticket"`
	Volume float64 `json:"volume"`
}

type symbolParams struct {
	Symbol string `json:"symbol"`
}
