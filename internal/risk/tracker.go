package risk

import (
	"context"
	"copybot/internal/gateway"
	"copybot/internal/logger"
	"copybot/internal/models"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const DefaultWindowDays = 30

type tradeKey struct {
	ticket int64
	closed int64
	volume float64
}

// Tracker holds the latest account snapshot, open positions and the closed
// trade history of one account.
type Tracker struct {
	gw         gateway.Gateway
	log        *logger.Logger
	windowDays int
	now        func() time.Time

	mu        sync.RWMutex
	account   models.AccountState
	positions map[int64]models.Position
	trades    []models.TradeRecord
	seen      map[tradeKey]struct{}
}

func NewTracker(gw gateway.Gateway, windowDays int, log *logger.Logger) *Tracker {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &Tracker{
		gw:         gw,
		log:        log,
		windowDays: windowDays,
		now:        func() time.Time { return time.Now().UTC() },
		positions:  make(map[int64]models.Position),
		seen:       make(map[tradeKey]struct{}),
	}
}

func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) Now() time.Time {
	return t.now()
}

func (t *Tracker) logEntry() *logrus.Entry {
	return t.log.WithComponent("risk_tracker")
}

// Refresh replaces the account and position snapshots with fresh gateway data.
func (t *Tracker) Refresh(ctx context.Context) (models.AccountState, map[int64]models.Position, error) {
	account, err := t.gw.AccountInfo(ctx)
	if err != nil {
		return models.AccountState{}, nil, fmt.Errorf("account info: %w", err)
	}
	list, err := t.gw.OpenPositions(ctx)
	if err != nil {
		return models.AccountState{}, nil, fmt.Errorf("open positions: %w", err)
	}

	positions := make(map[int64]models.Position, len(list))
	for _, p := range list {
		positions[p.Ticket] = p
	}

	t.mu.Lock()
	t.account = account
	t.positions = positions
	t.mu.Unlock()

	out := make(map[int64]models.Position, len(positions))
	for k, v := range positions {
		out[k] = v
	}
	return account, out, nil
}

// SyncHistory pulls the trade window from the gateway and records it.
func (t *Tracker) SyncHistory(ctx context.Context) (int, error) {
	to := t.now()
	from := to.AddDate(0, 0, -t.windowDays)
	history, err := t.gw.HistoricalOrders(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("history: %w", err)
	}
	return t.RecordTrades(history, t.windowDays), nil
}

// RecordTrades appends closed trades not seen before and drops those older
// than windowDays. It returns the number of appended trades.
func (t *Tracker) RecordTrades(history []models.TradeRecord, windowDays int) int {
	if windowDays <= 0 {
		windowDays = t.windowDays
	}
	cutoff := t.now().AddDate(0, 0, -windowDays)

	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, r := range history {
		if !r.Closed() || r.CloseTime.Before(cutoff) {
			continue
		}
		key := tradeKey{ticket: r.Ticket, closed: r.CloseTime.UnixNano(), volume: r.Volume}
		if _, ok := t.seen[key]; ok {
			continue
		}
		t.seen[key] = struct{}{}
		t.trades = append(t.trades, r)
		added++
	}

	kept := t.trades[:0]
	for _, r := range t.trades {
		if r.CloseTime.Before(cutoff) {
			delete(t.seen, tradeKey{ticket: r.Ticket, closed: r.CloseTime.UnixNano(), volume: r.Volume})
			continue
		}
		kept = append(kept, r)
	}
	t.trades = kept

	sort.SliceStable(t.trades, func(i, j int) bool {
		return t.trades[i].CloseTime.Before(t.trades[j].CloseTime)
	})

	if added > 0 {
		t.logEntry().WithFields(logrus.Fields{"added": added, "total": len(t.trades)}).Debug("Trade history updated.")
	}
	return added
}

// Trades returns the closed trades ordered by close time, oldest first.
func (t *Tracker) Trades() []models.TradeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]models.TradeRecord(nil), t.trades...)
}

func (t *Tracker) Account() models.AccountState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.account
}

func (t *Tracker) Positions() []models.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

func (t *Tracker) StatsFor(p Period, at time.Time) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return ComputeStats(t.trades, p, at)
}

// Snapshot bundles everything the evaluator needs at time at.
func (t *Tracker) Snapshot(at time.Time) Snapshot {
	trades := t.Trades()
	return Snapshot{
		At:        at,
		Account:   t.Account(),
		Positions: t.Positions(),
		Trades:    trades,
		Day:       ComputeStats(trades, PeriodDay, at),
		Week:      ComputeStats(trades, PeriodWeek, at),
		Month:     ComputeStats(trades, PeriodMonth, at),
	}
}
