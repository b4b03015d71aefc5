package lifecycle

import (
	"context"
	"copybot/internal/gateway/paper"
	"copybot/internal/logger"
	"copybot/internal/models"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eurusd() models.SymbolInfo {
	return models.SymbolInfo{
		Name: "EURUSD", MinVolume: 0.01, MaxVolume: 100, VolumeStep: 0.01,
		Digits: 5, Point: 0.00001, TickValue: 1, ContractSize: 100000,
		Bid: 1.1000, Ask: 1.1002,
	}
}

func setup(t *testing.T, side models.OrderSide, sl float64) (*paper.Gateway, *Manager, int64) {
	t.Helper()
	g := paper.New("A", 10000)
	g.SetSymbol(eurusd())
	g.AddPosition(models.Position{Symbol: "EURUSD", Side: side, Volume: 1, OpenPrice: 1.1000, StopLoss: sl})
	return g, New(g, DefaultConfig(), logger.Discard()), 1
}

// step moves the quote and runs one management pass over the current snapshot.
func step(t *testing.T, g *paper.Gateway, m *Manager, ticket int64, bid, ask float64) []Action {
	t.Helper()
	g.SetPrice("EURUSD", bid, ask)
	pos, ok := g.Position(ticket)
	require.True(t, ok)
	actions, err := m.Manage(context.Background(), pos, eurusd())
	require.NoError(t, err)
	return actions
}

func TestBuyLifecycle(t *testing.T) {
	g, m, ticket := setup(t, models.OrderSideBuy, 1.0980)

	actions := step(t, g, m, ticket, 1.1012, 1.1014)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionBreakEven, actions[0].Kind)
	pos, _ := g.Position(ticket)
	assert.InDelta(t, 1.1002, pos.StopLoss, 1e-9)
	assert.Equal(t, []string{"break_even"}, m.Tags(ticket))

	assert.Empty(t, step(t, g, m, ticket, 1.1012, 1.1014), "unchanged price must not modify again")
	assert.Equal(t, 1, g.Modifications(ticket))

	// trailing candidate 1.1006 is less than 5 pips better than 1.1002
	actions = step(t, g, m, ticket, 1.1016, 1.1018)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPartialClose, actions[0].Kind)
	assert.InDelta(t, 0.25, actions[0].Volume, 1e-9)
	pos, _ = g.Position(ticket)
	assert.InDelta(t, 0.75, pos.Volume, 1e-9)

	actions = step(t, g, m, ticket, 1.1020, 1.1022)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionTrailing, actions[0].Kind)
	assert.InDelta(t, 1.1010, actions[0].StopLoss, 1e-9)

	assert.Empty(t, step(t, g, m, ticket, 1.1022, 1.1024), "2 pip improvement is below the step")

	// price oscillates around the first level
	assert.Empty(t, step(t, g, m, ticket, 1.1014, 1.1016))
	assert.Empty(t, step(t, g, m, ticket, 1.1017, 1.1019))
	pos, _ = g.Position(ticket)
	assert.InDelta(t, 1.1010, pos.StopLoss, 1e-9, "stop never loosens")
	assert.InDelta(t, 0.75, pos.Volume, 1e-9, "level fires once")

	actions = step(t, g, m, ticket, 1.1031, 1.1033)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionTrailing, actions[0].Kind)
	assert.InDelta(t, 1.1021, actions[0].StopLoss, 1e-9)
	assert.Equal(t, ActionPartialClose, actions[1].Kind)
	assert.InDelta(t, 0.18, actions[1].Volume, 1e-9)

	assert.Equal(t, []string{"break_even", "partial_close_15", "partial_close_30"}, m.Tags(ticket))
	assert.Equal(t, 3, g.Modifications(ticket))
}

func TestSellBreakEvenWithoutStop(t *testing.T) {
	g, m, ticket := setup(t, models.OrderSideSell, 0)

	actions := step(t, g, m, ticket, 1.0986, 1.0988)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionBreakEven, actions[0].Kind)
	assert.InDelta(t, 1.0998, actions[0].StopLoss, 1e-9)

	actions = step(t, g, m, ticket, 1.0982, 1.0984)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPartialClose, actions[0].Kind)

	actions = step(t, g, m, ticket, 1.0978, 1.0980)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionTrailing, actions[0].Kind)
	assert.InDelta(t, 1.0990, actions[0].StopLoss, 1e-9)
}

func TestBreakEvenSkippedWhenStopAlreadyTighter(t *testing.T) {
	g, m, ticket := setup(t, models.OrderSideBuy, 1.1005)

	assert.Empty(t, step(t, g, m, ticket, 1.1012, 1.1014))
	assert.Equal(t, 0, g.Modifications(ticket))
	assert.Equal(t, []string{"break_even"}, m.Tags(ticket))
}

func TestFailedModificationRetriedNextPass(t *testing.T) {
	g, m, ticket := setup(t, models.OrderSideBuy, 1.0980)
	g.FailNext("modify_position", 1, errors.New("requote"))
	g.SetPrice("EURUSD", 1.1012, 1.1014)

	pos, _ := g.Position(ticket)
	_, err := m.Manage(context.Background(), pos, eurusd())
	require.Error(t, err)
	assert.Empty(t, m.Tags(ticket))

	actions := step(t, g, m, ticket, 1.1012, 1.1014)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionBreakEven, actions[0].Kind)
}

func TestSweepPrunesClosedTickets(t *testing.T) {
	ctx := context.Background()
	g, m, ticket := setup(t, models.OrderSideBuy, 1.0980)
	g.SetPrice("EURUSD", 1.1012, 1.1014)

	positions, err := g.OpenPositions(ctx)
	require.NoError(t, err)
	actions := m.Sweep(ctx, positions)
	require.Len(t, actions, 1)
	assert.NotEmpty(t, m.Tags(ticket))

	require.NoError(t, g.ClosePosition(ctx, ticket, 0))
	positions, err = g.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, m.Sweep(ctx, positions))
	assert.Nil(t, m.Tags(ticket))
}

func TestSweepSkipsUnknownSymbol(t *testing.T) {
	ctx := context.Background()
	g, m, _ := setup(t, models.OrderSideBuy, 1.0980)
	g.SetPrice("EURUSD", 1.1012, 1.1014)

	positions, err := g.OpenPositions(ctx)
	require.NoError(t, err)
	positions = append(positions, models.Position{Ticket: 99, Symbol: "XAUUSD", Side: models.OrderSideBuy, Volume: 1})
	actions := m.Sweep(ctx, positions)
	assert.Len(t, actions, 1)
}

func TestPartialVolume(t *testing.T) {
	info := eurusd()
	assert.InDelta(t, 0.25, partialVolume(1, 25, info), 1e-9)
	assert.InDelta(t, 0.01, partialVolume(0.02, 25, info), 1e-9, "raised to min volume")
	assert.InDelta(t, 0.01, partialVolume(0.01, 25, info), 1e-9, "capped at position volume")
}
