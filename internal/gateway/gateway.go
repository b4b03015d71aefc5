package gateway

import (
	"context"
	"copybot/internal/models"
	"time"
)

// Gateway is the market/account connectivity of a single trading account.
type Gateway interface {
	AccountInfo(ctx context.Context) (models.AccountState, error)
	OpenPositions(ctx context.Context) ([]models.Position, error)
	SymbolInfo(ctx context.Context, symbol string) (models.SymbolInfo, error)
	HistoricalOrders(ctx context.Context, from, to time.Time) ([]models.TradeRecord, error)
	DailyBars(ctx context.Context, symbol string, count int) ([]models.Bar, error)
	ExecuteOrder(ctx context.Context, req models.OrderRequest) (models.ExecResult, error)
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error
	ClosePosition(ctx context.Context, ticket int64, volume float64) error
}

// Optional behaviour a gateway may support.
type (
	Connector interface {
		Connect(ctx context.Context) error
	}
	Closer interface {
		Close() error
	}
	HealthChecker interface {
		Ping(ctx context.Context) error
	}
)

// Capabilities holds the optional hooks of a gateway, resolved once when the
// gateway is registered. Nil entries are unsupported.
type Capabilities struct {
	Connect func(ctx context.Context) error
	Close   func() error
	Ping    func(ctx context.Context) error
}

func Probe(g Gateway) Capabilities {
	var caps Capabilities
	if c, ok := g.(Connector); ok {
		caps.Connect = c.Connect
	}
	if c, ok := g.(Closer); ok {
		caps.Close = c.Close
	}
	if c, ok := g.(HealthChecker); ok {
		caps.Ping = c.Ping
	}
	return caps
}
