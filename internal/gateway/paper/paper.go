// Package paper implements an in-memory gateway used for dry runs and tests.
package paper

import (
	"context"
	"copybot/internal/models"
	"fmt"
	"sort"
	"sync"
	"time"
)

type failure struct {
	remaining int
	err       error
}

type Gateway struct {
	mu sync.Mutex

	id        string
	account   models.AccountState
	positions map[int64]*models.Position
	symbols   map[string]models.SymbolInfo
	bars      map[string][]models.Bar
	history   []models.TradeRecord
	executed  []models.OrderRequest
	modified  map[int64]int
	calls     map[string]int
	failures  map[string]*failure
	offline   bool
	nextTick  int64
	now       func() time.Time
}

func New(id string, balance float64) *Gateway {
	return &Gateway{
		id: id,
		account: models.AccountState{
			Login:      id,
			Currency:   "USD",
			Balance:    balance,
			Equity:     balance,
			FreeMargin: balance,
		},
		positions: make(map[int64]*models.Position),
		symbols:   make(map[string]models.SymbolInfo),
		bars:      make(map[string][]models.Bar),
		modified:  make(map[int64]int),
		calls:     make(map[string]int),
		failures:  make(map[string]*failure),
		nextTick:  1,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (g *Gateway) ID() string {
	return g.id
}

func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

func (g *Gateway) SetTicketBase(base int64) {
	g.mu.Lock()
	g.nextTick = base
	g.mu.Unlock()
}

func (g *Gateway) SetAccount(a models.AccountState) {
	g.mu.Lock()
	g.account = a
	g.mu.Unlock()
}

func (g *Gateway) SetSymbol(info models.SymbolInfo) {
	g.mu.Lock()
	g.symbols[info.Name] = info
	g.mu.Unlock()
}

func (g *Gateway) SetBars(symbol string, bars []models.Bar) {
	g.mu.Lock()
	g.bars[symbol] = append([]models.Bar(nil), bars...)
	g.mu.Unlock()
}

func (g *Gateway) AddHistory(records ...models.TradeRecord) {
	g.mu.Lock()
	g.history = append(g.history, records...)
	g.mu.Unlock()
}

// AddPosition inserts an open position as if it had been filled elsewhere.
func (g *Gateway) AddPosition(p models.Position) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p.Ticket == 0 {
		p.Ticket = g.nextTick
		g.nextTick++
	}
	pos := p
	g.positions[p.Ticket] = &pos
	g.revalueLocked()
}

// SetPrice moves the quote of symbol and revalues open positions.
func (g *Gateway) SetPrice(symbol string, bid, ask float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	info := g.symbols[symbol]
	info.Name = symbol
	info.Bid = bid
	info.Ask = ask
	g.symbols[symbol] = info
	g.revalueLocked()
}

// FailNext makes the next n calls of op return err.
func (g *Gateway) FailNext(op string, n int, err error) {
	g.mu.Lock()
	g.failures[op] = &failure{remaining: n, err: err}
	g.mu.Unlock()
}

func (g *Gateway) SetOffline(offline bool) {
	g.mu.Lock()
	g.offline = offline
	g.mu.Unlock()
}

func (g *Gateway) Executed() []models.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]models.OrderRequest(nil), g.executed...)
}

func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *Gateway) Modifications(ticket int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modified[ticket]
}

func (g *Gateway) Position(ticket int64) (models.Position, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[ticket]
	if !ok {
		return models.Position{}, false
	}
	return *p, true
}

func (g *Gateway) Connect(ctx context.Context) error {
	return g.enter("connect")
}

func (g *Gateway) Close() error {
	return nil
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.enter("ping")
}

func (g *Gateway) AccountInfo(ctx context.Context) (models.AccountState, error) {
	if err := g.enter("account_info"); err != nil {
		return models.AccountState{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.account, nil
}

func (g *Gateway) OpenPositions(ctx context.Context) ([]models.Position, error) {
	if err := g.enter("open_positions"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.Position, 0, len(g.positions))
	for _, p := range g.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out, nil
}

func (g *Gateway) SymbolInfo(ctx context.Context, symbol string) (models.SymbolInfo, error) {
	if err := g.enter("symbol_info"); err != nil {
		return models.SymbolInfo{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	info, ok := g.symbols[symbol]
	if !ok || info.Point == 0 {
		return models.SymbolInfo{}, models.NewConfigError("symbol "+symbol, models.ErrUnknownSymbol)
	}
	return info, nil
}

func (g *Gateway) HistoricalOrders(ctx context.Context, from, to time.Time) ([]models.TradeRecord, error) {
	if err := g.enter("historical_orders"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []models.TradeRecord
	for _, r := range g.history {
		at := r.OpenTime
		if r.Closed() {
			at = r.CloseTime
		}
		if at.Before(from) || at.After(to) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (g *Gateway) DailyBars(ctx context.Context, symbol string, count int) ([]models.Bar, error) {
	if err := g.enter("daily_bars"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	bars := g.bars[symbol]
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return append([]models.Bar(nil), bars...), nil
}

func (g *Gateway) ExecuteOrder(ctx context.Context, req models.OrderRequest) (models.ExecResult, error) {
	if err := g.enter("execute_order"); err != nil {
		return models.ExecResult{}, err
	}
	if req.Volume <= 0 {
		return models.ExecResult{}, fmt.Errorf("execute %s: invalid volume %f", req.Symbol, req.Volume)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	info := g.symbols[req.Symbol]
	price := info.EntryPrice(req.Side)
	now := g.now()
	ticket := g.nextTick
	g.nextTick++

	g.positions[ticket] = &models.Position{
		Ticket:       ticket,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		OpenPrice:    price,
		CurrentPrice: price,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		OpenTime:     now,
		Comment:      req.Comment,
	}
	g.history = append(g.history, models.TradeRecord{
		Ticket:     ticket,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Volume:     req.Volume,
		OpenPrice:  price,
		OpenTime:   now,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Comment:    req.Comment,
	})
	g.executed = append(g.executed, req)
	g.revalueLocked()

	return models.ExecResult{Success: true, OrderID: ticket, FilledPrice: price}, nil
}

func (g *Gateway) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	if err := g.enter("modify_position"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[ticket]
	if !ok {
		return fmt.Errorf("modify %d: position not found", ticket)
	}
	p.StopLoss = stopLoss
	p.TakeProfit = takeProfit
	g.modified[ticket]++
	return nil
}

func (g *Gateway) ClosePosition(ctx context.Context, ticket int64, volume float64) error {
	if err := g.enter("close_position"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.positions[ticket]
	if !ok {
		return fmt.Errorf("close %d: position not found", ticket)
	}
	if volume <= 0 || volume > p.Volume {
		volume = p.Volume
	}

	info := g.symbols[p.Symbol]
	closePrice := info.EntryPrice(p.Side.Opposite())
	profit := g.valueLocked(p, closePrice, volume)

	g.history = append(g.history, models.TradeRecord{
		Ticket:     ticket,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Volume:     volume,
		OpenPrice:  p.OpenPrice,
		ClosePrice: closePrice,
		OpenTime:   p.OpenTime,
		CloseTime:  g.now(),
		Profit:     profit,
		Comment:    p.Comment,
	})
	g.account.Balance += profit

	p.Volume -= volume
	if p.Volume <= 1e-9 {
		delete(g.positions, ticket)
	}
	g.revalueLocked()
	return nil
}

func (g *Gateway) enter(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	if g.offline && op != "connect" {
		return models.NewTransientError(op, g.id, models.ErrDisconnected)
	}
	if f, ok := g.failures[op]; ok && f.remaining > 0 {
		f.remaining--
		return f.err
	}
	return nil
}

func (g *Gateway) valueLocked(p *models.Position, price, volume float64) float64 {
	info := g.symbols[p.Symbol]
	if info.Point == 0 {
		return 0
	}
	pips := (price - p.OpenPrice) * p.Side.Sign() / info.PipSize()
	return pips * info.PipWorth() * volume
}

func (g *Gateway) revalueLocked() {
	floating := 0.0
	for _, p := range g.positions {
		info, ok := g.symbols[p.Symbol]
		if !ok || info.Bid == 0 {
			continue
		}
		p.CurrentPrice = info.EntryPrice(p.Side.Opposite())
		p.Profit = g.valueLocked(p, p.CurrentPrice, p.Volume)
		floating += p.Profit
	}
	g.account.Equity = g.account.Balance + floating
	g.account.Profit = floating
}
