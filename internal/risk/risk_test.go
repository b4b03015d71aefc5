package risk

import (
	"context"
	"copybot/internal/gateway/paper"
	"copybot/internal/logger"
	"copybot/internal/models"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday; its ISO week runs Mon 9 .. Sun 15 March.
var now = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

func closed(ticket int64, symbol string, profit float64, at time.Time) models.TradeRecord {
	return models.TradeRecord{
		Ticket: ticket, Symbol: symbol, Side: models.OrderSideBuy, Volume: 0.1,
		OpenTime: at.Add(-time.Hour), CloseTime: at, Profit: profit,
	}
}

func TestComputeStats(t *testing.T) {
	trades := []models.TradeRecord{
		closed(1, "EURUSD", 100, now.Add(-time.Hour)),
		closed(2, "EURUSD", -40, now.Add(-2*time.Hour)),
		closed(3, "GBPUSD", -10, now.AddDate(0, 0, -2)),  // Monday, same week
		closed(4, "GBPUSD", 50, now.AddDate(0, 0, -5)),   // previous week, same month
		closed(5, "GBPUSD", -500, now.AddDate(0, -1, 0)), // previous month
		{Ticket: 6, Symbol: "EURUSD", OpenTime: now},     // open fill, ignored
	}

	day := ComputeStats(trades, PeriodDay, now)
	assert.Equal(t, Stats{TradeCount: 2, Wins: 1, Losses: 1, WinRatePercent: 50, NetProfit: 60}, day)

	week := ComputeStats(trades, PeriodWeek, now)
	assert.Equal(t, 3, week.TradeCount)
	assert.InDelta(t, 50, week.NetProfit, 1e-9)

	month := ComputeStats(trades, PeriodMonth, now)
	assert.Equal(t, 4, month.TradeCount)
	assert.InDelta(t, 100, month.NetProfit, 1e-9)
	assert.InDelta(t, 50, month.WinRatePercent, 1e-9)
}

func TestLossPercent(t *testing.T) {
	assert.InDelta(t, 4, Stats{NetProfit: -400}.LossPercent(10000), 1e-9)
	assert.Zero(t, Stats{NetProfit: 400}.LossPercent(10000))
	assert.Zero(t, Stats{NetProfit: -400}.LossPercent(0))
}

func TestTrackerRecordTrades(t *testing.T) {
	g := paper.New("A", 10000)
	tr := NewTracker(g, 30, logger.Discard())
	tr.SetClock(func() time.Time { return now })

	history := []models.TradeRecord{
		closed(1, "EURUSD", 10, now.Add(-time.Hour)),
		closed(2, "EURUSD", -5, now.AddDate(0, 0, -40)),
		{Ticket: 3, Symbol: "EURUSD", OpenTime: now},
	}
	assert.Equal(t, 1, tr.RecordTrades(history, 30))
	assert.Equal(t, 0, tr.RecordTrades(history, 30))

	tr.RecordTrades([]models.TradeRecord{closed(4, "EURUSD", 3, now.Add(-3*time.Hour))}, 30)
	trades := tr.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, int64(4), trades[0].Ticket)
	assert.Equal(t, int64(1), trades[1].Ticket)

	assert.Equal(t, 2, tr.StatsFor(PeriodDay, now).TradeCount)
}

func TestTrackerRefreshAndSync(t *testing.T) {
	ctx := context.Background()
	g := paper.New("A", 10000)
	g.AddPosition(models.Position{Ticket: 7, Symbol: "EURUSD", Side: models.OrderSideBuy, Volume: 1})
	g.SetAccount(models.AccountState{Balance: 10000, Equity: 9000})
	g.AddHistory(closed(1, "EURUSD", -100, now.Add(-time.Hour)))

	tr := NewTracker(g, 0, logger.Discard())
	tr.SetClock(func() time.Time { return now })

	acc, positions, err := tr.Refresh(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10, acc.DrawdownPercent(), 1e-9)
	assert.Contains(t, positions, int64(7))

	added, err := tr.SyncHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	snap := tr.Snapshot(now)
	assert.Len(t, snap.Positions, 1)
	assert.InDelta(t, -100, snap.Day.NetProfit, 1e-9)

	g.FailNext("open_positions", 1, errors.New("down"))
	_, _, err = tr.Refresh(ctx)
	assert.Error(t, err)
}

func TestEvaluateDailyLossOnly(t *testing.T) {
	ev := NewEvaluator(DefaultLimits(), nil, logger.Discard())
	trades := []models.TradeRecord{closed(1, "EURUSD", -400, now.Add(-time.Hour))}
	snap := Snapshot{
		At:      now,
		Account: models.AccountState{Balance: 10000, Equity: 10000},
		Trades:  trades,
		Day:     ComputeStats(trades, PeriodDay, now),
		Week:    ComputeStats(trades, PeriodWeek, now),
		Month:   ComputeStats(trades, PeriodMonth, now),
	}

	state, allowed := ev.Evaluate(context.Background(), snap)
	assert.False(t, allowed)
	assert.True(t, state.DailyLossReached)
	assert.False(t, state.WeeklyLossReached)
	assert.False(t, state.MonthlyLossReached)
	require.Len(t, state.Violations, 1)
	assert.Equal(t, CodeDailyLoss, state.Violations[0].Code)
}

func TestEvaluateReportsEveryBreach(t *testing.T) {
	ev := NewEvaluator(DefaultLimits(), nil, logger.Discard())
	trades := []models.TradeRecord{
		closed(1, "EURUSD", -900, now.Add(-time.Hour)),
		closed(2, "EURUSD", -900, now.AddDate(0, 0, -2)),
	}
	positions := []models.Position{
		{Ticket: 1, Symbol: "EURUSD"}, {Ticket: 2, Symbol: "EURUSD"},
		{Ticket: 3, Symbol: "GBPUSD"}, {Ticket: 4, Symbol: "USDJPY"}, {Ticket: 5, Symbol: "AUDUSD"},
	}
	snap := Snapshot{
		At:        now,
		Account:   models.AccountState{Balance: 10000, Equity: 7500},
		Positions: positions,
		Trades:    trades,
		Day:       ComputeStats(trades, PeriodDay, now),
		Week:      ComputeStats(trades, PeriodWeek, now),
		Month:     ComputeStats(trades, PeriodMonth, now),
	}

	state, allowed := ev.Evaluate(context.Background(), snap)
	assert.False(t, allowed)
	assert.True(t, state.MaxDrawdownReached)
	assert.True(t, state.MaxPositionsReached)
	assert.True(t, state.DailyLossReached)
	assert.True(t, state.WeeklyLossReached)
	assert.True(t, state.MonthlyLossReached)
	assert.True(t, state.SymbolLimitReached["EURUSD"])
	assert.False(t, state.SymbolLimitReached["GBPUSD"])

	codes := make([]string, 0, len(state.Violations))
	for _, v := range state.Violations {
		codes = append(codes, v.Code)
	}
	assert.Equal(t, []string{
		CodeMaxDrawdown, CodeMaxPositions, CodeDailyLoss, CodeWeeklyLoss, CodeMonthlyLoss, CodeSymbolPositions,
	}, codes)
}

func TestEvaluateOptionalChecks(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxDailyTrades = 2
	limits.MaxConsecutiveLosses = 2
	ev := NewEvaluator(limits, nil, logger.Discard())

	trades := []models.TradeRecord{
		closed(1, "EURUSD", -1, now.Add(-3*time.Hour)),
		closed(2, "EURUSD", -1, now.Add(-2*time.Hour)),
	}
	snap := Snapshot{At: now, Account: models.AccountState{Balance: 10000, Equity: 10000}, Trades: trades,
		Day: ComputeStats(trades, PeriodDay, now)}

	state, allowed := ev.Evaluate(context.Background(), snap)
	assert.False(t, allowed)
	assert.True(t, state.DailyTradesReached)
	assert.True(t, state.ConsecutiveLossesReached)
}

func trendBars(start, step float64, n int) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		c := start + step*float64(i)
		bars[i] = models.Bar{High: c + 0.001, Low: c - 0.001, Close: c}
	}
	return bars
}

func TestCorrelationChecker(t *testing.T) {
	g := paper.New("A", 10000)
	g.SetBars("EURUSD", trendBars(1.10, 0.001, 20))
	g.SetBars("GBPUSD", trendBars(1.30, 0.002, 20))
	g.SetBars("USDCHF", trendBars(0.90, -0.001, 20))

	cfg := DefaultCorrelation()
	c := NewCorrelationChecker(g, cfg)
	ctx := context.Background()

	cases := []struct {
		name      string
		positions []models.Position
		flagged   int
	}{
		{"same side positive", []models.Position{
			{Symbol: "EURUSD", Side: models.OrderSideBuy}, {Symbol: "GBPUSD", Side: models.OrderSideBuy}}, 1},
		{"hedged positive", []models.Position{
			{Symbol: "EURUSD", Side: models.OrderSideBuy}, {Symbol: "GBPUSD", Side: models.OrderSideSell}}, 0},
		{"opposite sides negative", []models.Position{
			{Symbol: "EURUSD", Side: models.OrderSideBuy}, {Symbol: "USDCHF", Side: models.OrderSideSell}}, 1},
		{"same side negative", []models.Position{
			{Symbol: "EURUSD", Side: models.OrderSideBuy}, {Symbol: "USDCHF", Side: models.OrderSideBuy}}, 0},
		{"single symbol", []models.Position{
			{Symbol: "EURUSD", Side: models.OrderSideBuy}, {Symbol: "EURUSD", Side: models.OrderSideBuy}}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pairs, err := c.Check(ctx, tc.positions)
			require.NoError(t, err)
			assert.Len(t, pairs, tc.flagged)
		})
	}

	// closes are cached for CacheTTL
	assert.Equal(t, 3, g.Calls("daily_bars"))
}

func TestCorrelationSkipsFailingSymbol(t *testing.T) {
	g := paper.New("A", 10000)
	g.SetBars("AUDUSD", trendBars(0.65, 0.001, 20))
	g.SetBars("EURUSD", trendBars(1.10, 0.001, 20))
	g.SetBars("GBPUSD", trendBars(1.30, 0.002, 20))
	g.FailNext("daily_bars", 1, models.NewTransientError("daily_bars", "A", models.ErrTimeout))

	c := NewCorrelationChecker(g, DefaultCorrelation())
	pairs, err := c.Check(context.Background(), []models.Position{
		{Symbol: "AUDUSD", Side: models.OrderSideBuy},
		{Symbol: "EURUSD", Side: models.OrderSideBuy},
		{Symbol: "GBPUSD", Side: models.OrderSideBuy},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUDUSD")
	require.Len(t, pairs, 1)
	assert.Equal(t, "EURUSD", pairs[0].SymbolA)
	assert.Equal(t, "GBPUSD", pairs[0].SymbolB)
}

func TestEvaluatorWithCorrelation(t *testing.T) {
	g := paper.New("A", 10000)
	g.SetBars("EURUSD", trendBars(1.10, 0.001, 20))
	g.SetBars("GBPUSD", trendBars(1.30, 0.002, 20))

	ev := NewEvaluator(DefaultLimits(), NewCorrelationChecker(g, DefaultCorrelation()), logger.Discard())
	snap := Snapshot{
		At:      now,
		Account: models.AccountState{Balance: 10000, Equity: 10000},
		Positions: []models.Position{
			{Ticket: 1, Symbol: "EURUSD", Side: models.OrderSideSell},
			{Ticket: 2, Symbol: "GBPUSD", Side: models.OrderSideSell},
		},
	}
	state, allowed := ev.Evaluate(context.Background(), snap)
	assert.False(t, allowed)
	assert.True(t, state.CorrelationRiskHigh)
	require.Len(t, state.CorrelatedPairs, 1)
	assert.Equal(t, "EURUSD", state.CorrelatedPairs[0].SymbolA)
}

func TestRecoveryMode(t *testing.T) {
	r := NewRecovery(DefaultRecovery())
	base := now.AddDate(0, 0, -3)
	var trades []models.TradeRecord
	add := func(profit float64) {
		trades = append(trades, closed(int64(len(trades)+1), "EURUSD", profit, base.Add(time.Duration(len(trades))*time.Hour)))
	}

	add(10)
	add(-1)
	add(-1)
	assert.False(t, r.Update(trades))
	assert.Equal(t, 1.0, r.Scale())

	add(-1)
	assert.True(t, r.Update(trades))
	assert.InDelta(t, 0.5, r.Scale(), 1e-9)

	add(5)
	assert.True(t, r.Update(trades), "one win is not enough")

	add(5)
	assert.False(t, r.Update(trades))
	assert.Equal(t, 1.0, r.Scale())
}

func TestRecoveryStreakOutsideWindow(t *testing.T) {
	r := NewRecovery(DefaultRecovery())
	trades := []models.TradeRecord{
		closed(1, "EURUSD", -1, now.AddDate(0, 0, -9)),
		closed(2, "EURUSD", -1, now.AddDate(0, 0, -1)),
		closed(3, "EURUSD", -1, now),
	}
	assert.False(t, r.Update(trades))

	cfg := DefaultRecovery()
	cfg.Enabled = false
	r.SetConfig(cfg)
	assert.False(t, r.Update(trades[1:]))
}

func TestTimeFilter(t *testing.T) {
	f := NewTimeFilter(DefaultTimeFilter())
	assert.True(t, f.Allowed(now))
	assert.False(t, f.Allowed(time.Date(2026, 3, 11, 7, 59, 0, 0, time.UTC)))
	assert.False(t, f.Allowed(time.Date(2026, 3, 11, 20, 0, 0, 0, time.UTC)))
	assert.False(t, f.Allowed(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)), "saturday")

	overnight := DefaultTimeFilter()
	overnight.StartHour, overnight.EndHour = 22, 4
	f = NewTimeFilter(overnight)
	assert.True(t, f.Allowed(time.Date(2026, 3, 11, 23, 0, 0, 0, time.UTC)))
	assert.True(t, f.Allowed(time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)))
	assert.False(t, f.Allowed(now))

	assert.True(t, NewTimeFilter(TimeFilterConfig{}).Allowed(now))
}

func TestVolatilityFilter(t *testing.T) {
	info := models.SymbolInfo{Name: "EURUSD", Point: 0.00001}
	bars := make([]models.Bar, 15)
	for i := range bars {
		bars[i] = models.Bar{High: 1.1025, Low: 1.0975, Close: 1.1}
	}

	f := NewVolatilityFilter(VolatilityFilterConfig{Enabled: true, ATRPeriod: 14, MinATRPips: 10, MaxATRPips: 100})
	ok, pips := f.Allowed(bars, info)
	assert.True(t, ok)
	assert.InDelta(t, 50, pips, 1e-6)

	f = NewVolatilityFilter(VolatilityFilterConfig{Enabled: true, ATRPeriod: 14, MinATRPips: 60, MaxATRPips: 100})
	ok, _ = f.Allowed(bars, info)
	assert.False(t, ok)

	ok, _ = f.Allowed(bars[:5], info)
	assert.True(t, ok, "not enough data passes")
}
