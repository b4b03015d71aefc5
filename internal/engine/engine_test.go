package engine

import (
	"context"
	"copybot/internal/gateway/paper"
	"copybot/internal/levels"
	"copybot/internal/lifecycle"
	"copybot/internal/logger"
	"copybot/internal/models"
	"copybot/internal/sizing"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday, inside the default trading window.
var t0 = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

func eurusd() models.SymbolInfo {
	return models.SymbolInfo{
		Name: "EURUSD", MinVolume: 0.01, MaxVolume: 100, VolumeStep: 0.01,
		Digits: 5, Point: 0.00001, TickValue: 1, ContractSize: 100000,
		Bid: 1.1000, Ask: 1.1002,
	}
}

func gbpusd() models.SymbolInfo {
	info := eurusd()
	info.Name = "GBPUSD"
	info.Bid, info.Ask = 1.2700, 1.2702
	return info
}

func newEngine(t *testing.T, cfg Config, at time.Time) (*Engine, *paper.Gateway) {
	t.Helper()
	clock := func() time.Time { return at }
	g := paper.New("A", 10000)
	g.SetClock(clock)
	g.SetSymbol(eurusd())
	g.SetSymbol(gbpusd())

	e := New(g, cfg, logger.Discard())
	e.SetClock(clock)
	e.retryBase = time.Millisecond
	return e, g
}

func loss(ticket int64, amount float64, closed time.Time) models.TradeRecord {
	return models.TradeRecord{
		Ticket: ticket, Symbol: "EURUSD", Side: models.OrderSideBuy, Volume: 1,
		OpenTime: closed.Add(-time.Hour), CloseTime: closed, Profit: -amount,
	}
}

// flatBars returns n daily bars with a constant 10 pip range.
func flatBars(n int) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		bars[i] = models.Bar{
			Time: t0.AddDate(0, 0, i-n), Open: 1.1005, High: 1.1010, Low: 1.1000, Close: 1.1005,
		}
	}
	return bars
}

func TestDailyLossBlocksTrading(t *testing.T) {
	ctx := context.Background()
	e, g := newEngine(t, DefaultConfig(), t0)
	g.AddHistory(loss(1, 400, t0.Add(-time.Hour)))

	ok, err := e.CheckTradingAllowed(ctx, "EURUSD")
	require.NoError(t, err)
	assert.False(t, ok)

	report, err := e.RiskReport(ctx)
	require.NoError(t, err)
	assert.False(t, report.Allowed)
	assert.True(t, report.Limits.DailyLossReached)
	assert.False(t, report.Limits.WeeklyLossReached, "weekly loss is computed on its own")
	assert.False(t, report.Limits.MonthlyLossReached)
	assert.InDelta(t, -400, report.Today.NetProfit, 1e-9)
	assert.Equal(t, t0, report.Timestamp)
}

func TestApplyRelaxesLimits(t *testing.T) {
	ctx := context.Background()
	e, g := newEngine(t, DefaultConfig(), t0)
	g.AddHistory(loss(1, 400, t0.Add(-time.Hour)))

	ok, err := e.CheckTradingAllowed(ctx, "EURUSD")
	require.NoError(t, err)
	require.False(t, ok)

	cfg := DefaultConfig()
	cfg.Limits.MaxDailyLossPercent = 5
	e.Apply(cfg)

	ok, err = e.CheckTradingAllowed(ctx, "EURUSD")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSymbolCapBlocksOnlyThatSymbol(t *testing.T) {
	ctx := context.Background()
	e, g := newEngine(t, DefaultConfig(), t0)
	g.AddPosition(models.Position{Symbol: "EURUSD", Side: models.OrderSideBuy, Volume: 0.1, OpenPrice: 1.1000})
	g.AddPosition(models.Position{Symbol: "EURUSD", Side: models.OrderSideBuy, Volume: 0.1, OpenPrice: 1.1000})

	d, err := e.Gate(ctx, "EURUSD")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"max positions per symbol reached for EURUSD"}, d.Reasons)

	d, err = e.Gate(ctx, "GBPUSD")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reasons)
}

func TestTimeFilterBlocksWeekend(t *testing.T) {
	saturday := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e, _ := newEngine(t, DefaultConfig(), saturday)

	d, err := e.Gate(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"outside trading hours"}, d.Reasons)
}

func TestVolatilityFilter(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Volatility.Enabled = true
	cfg.Volatility.MinATRPips = 5
	cfg.Volatility.MaxATRPips = 20

	e, g := newEngine(t, cfg, t0)
	g.SetBars("EURUSD", flatBars(20))

	d, err := e.Gate(ctx, "EURUSD")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 10, d.ATRPips, 1e-6)

	cfg.Volatility.MaxATRPips = 8
	e.Apply(cfg)
	d, err = e.Gate(ctx, "EURUSD")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "volatility band")

	// too few bars pass the filter
	g.SetBars("GBPUSD", flatBars(3))
	d, err = e.Gate(ctx, "GBPUSD")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestPositionSizeScaledInRecovery(t *testing.T) {
	ctx := context.Background()
	e, g := newEngine(t, DefaultConfig(), t0)

	// 1% of 10000 over 20 pips at 10 per pip
	volume, err := e.CalculatePositionSize(ctx, "EURUSD", models.OrderSideBuy, 20)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, volume, 1e-9)

	g.AddHistory(
		loss(1, 10, t0.Add(-3*time.Hour)),
		loss(2, 10, t0.Add(-2*time.Hour)),
		loss(3, 10, t0.Add(-time.Hour)),
	)
	require.NoError(t, e.Refresh(ctx))

	volume, err = e.CalculatePositionSize(ctx, "EURUSD", models.OrderSideBuy, 20)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, volume, 1e-9)

	report, err := e.RiskReport(ctx)
	require.NoError(t, err)
	assert.True(t, report.RecoveryMode)
}

func TestPositionSizeFromStopLossMethod(t *testing.T) {
	ctx := context.Background()
	e, g := newEngine(t, DefaultConfig(), t0)

	volume, err := e.CalculatePositionSize(ctx, "EURUSD", models.OrderSideBuy, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.01, volume, 1e-9, "explicit zero stop falls back to the fixed lot")

	// fixed 20 pip stop
	volume, err = e.CalculatePositionSizeAuto(ctx, "EURUSD", models.OrderSideBuy)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, volume, 1e-9)

	// 1.5 x 10 pip ATR
	cfg := DefaultConfig()
	cfg.StopLoss.Method = levels.StopLossATR
	e.Apply(cfg)
	g.SetBars("EURUSD", flatBars(20))
	volume, err = e.CalculatePositionSizeAuto(ctx, "EURUSD", models.OrderSideBuy)
	require.NoError(t, err)
	assert.InDelta(t, 0.66, volume, 1e-9)
}

func TestPositionSizeUnknownMethod(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sizing.Method = sizing.Method("grid")
	e, _ := newEngine(t, cfg, t0)

	_, err := e.CalculatePositionSize(context.Background(), "EURUSD", models.OrderSideBuy, 20)
	assert.ErrorIs(t, err, models.ErrUnknownMethod)
}

func TestProtectiveLevels(t *testing.T) {
	ctx := context.Background()
	e, g := newEngine(t, DefaultConfig(), t0)

	sl, err := e.CalculateStopLoss(ctx, "EURUSD", models.OrderSideBuy, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0982, sl, 1e-9)
	tp, err := e.CalculateTakeProfit(ctx, "EURUSD", models.OrderSideBuy, 0, sl)
	require.NoError(t, err)
	assert.InDelta(t, 1.1042, tp, 1e-9)

	sl, err = e.CalculateStopLoss(ctx, "EURUSD", models.OrderSideSell, 1.1000)
	require.NoError(t, err)
	assert.InDelta(t, 1.1020, sl, 1e-9)
	tp, err = e.CalculateTakeProfit(ctx, "EURUSD", models.OrderSideSell, 1.1000, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0960, tp, 1e-9)

	cfg := DefaultConfig()
	cfg.StopLoss.Method = levels.StopLossATR
	e.Apply(cfg)
	g.SetBars("EURUSD", flatBars(20))

	// 10 pip ATR times 1.5
	sl, err = e.CalculateStopLoss(ctx, "EURUSD", models.OrderSideBuy, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0987, sl, 1e-9)
	tp, err = e.CalculateTakeProfit(ctx, "EURUSD", models.OrderSideBuy, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.1032, tp, 1e-9)
}

func TestUnknownSymbolIsNotRetried(t *testing.T) {
	e, g := newEngine(t, DefaultConfig(), t0)

	_, err := e.CalculateStopLoss(context.Background(), "XAUUSD", models.OrderSideBuy, 0)
	require.Error(t, err)
	assert.True(t, models.IsConfigError(err))
	assert.Equal(t, 1, g.Calls("symbol_info"))
}

func TestRefreshRetriesTransientErrors(t *testing.T) {
	e, g := newEngine(t, DefaultConfig(), t0)
	g.FailNext("account_info", 2, models.NewTransientError("account_info", "A", models.ErrTimeout))

	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, 3, g.Calls("account_info"))

	g.SetOffline(true)
	err := e.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, models.IsTransient(err))
	assert.Equal(t, 3+retryAttempts, g.Calls("account_info"))
}

func TestRetryStopsOnCancel(t *testing.T) {
	e, g := newEngine(t, DefaultConfig(), t0)
	e.retryBase = time.Hour
	g.SetOffline(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Refresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManagePositions(t *testing.T) {
	ctx := context.Background()
	e, g := newEngine(t, DefaultConfig(), t0)
	g.AddPosition(models.Position{Symbol: "EURUSD", Side: models.OrderSideBuy, Volume: 1, OpenPrice: 1.1000, StopLoss: 1.0980})
	g.SetPrice("EURUSD", 1.1012, 1.1014)

	actions, err := e.ManagePositions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, lifecycle.ActionBreakEven, actions[0].Kind)

	actions, err = e.ManagePositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, 1, g.Modifications(1))
}

func TestRunCycle(t *testing.T) {
	e, g := newEngine(t, DefaultConfig(), t0)
	g.AddPosition(models.Position{Symbol: "EURUSD", Side: models.OrderSideBuy, Volume: 1, OpenPrice: 1.1000})
	g.SetPrice("EURUSD", 1.1012, 1.1014)

	require.NoError(t, e.RunCycle(context.Background()))
	pos, ok := g.Position(1)
	require.True(t, ok)
	assert.InDelta(t, 1.1002, pos.StopLoss, 1e-9)
	assert.Equal(t, []string{"break_even"}, e.Lifecycle().Tags(1))

	_, allowed := e.LimitsState()
	assert.True(t, allowed)
}

func TestCloseAllPositionsIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	e, g := newEngine(t, DefaultConfig(), t0)
	g.AddPosition(models.Position{Symbol: "EURUSD", Side: models.OrderSideBuy, Volume: 1, OpenPrice: 1.1000})
	g.AddPosition(models.Position{Symbol: "GBPUSD", Side: models.OrderSideSell, Volume: 0.5, OpenPrice: 1.2700})
	g.FailNext("close_position", 1, errors.New("rejected"))

	all, err := e.CloseAllPositions(ctx)
	require.Error(t, err)
	assert.False(t, all)
	_, open := g.Position(1)
	assert.True(t, open)
	_, open = g.Position(2)
	assert.False(t, open)

	all, err = e.CloseAllPositions(ctx)
	require.NoError(t, err)
	assert.True(t, all)
	positions, _ := g.OpenPositions(ctx)
	assert.Empty(t, positions)
}

func TestStartStopsWithContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CycleInterval = 5 * time.Millisecond
	e, g := newEngine(t, cfg, t0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	require.Eventually(t, func() bool { return g.Calls("account_info") >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}
