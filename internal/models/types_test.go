package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawdownPercent(t *testing.T) {
	cases := []struct {
		name    string
		balance float64
		equity  float64
		want    float64
	}{
		{"loss", 10000, 9000, 10},
		{"floating profit", 10000, 10500, 0},
		{"flat", 5000, 5000, 0},
		{"empty balance", 0, 100, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := AccountState{Balance: tc.balance, Equity: tc.equity}
			assert.InDelta(t, tc.want, a.DrawdownPercent(), 1e-9)
			assert.GreaterOrEqual(t, a.DrawdownPercent(), 0.0)
		})
	}
}

func TestParseSide(t *testing.T) {
	s, err := ParseSide(" buy ")
	require.NoError(t, err)
	assert.Equal(t, OrderSideBuy, s)
	assert.Equal(t, OrderSideSell, s.Opposite())
	assert.Equal(t, -1.0, OrderSideSell.Sign())

	_, err = ParseSide("hold")
	assert.Error(t, err)
}

func TestSymbolPipMath(t *testing.T) {
	info := SymbolInfo{Digits: 5, Point: 0.00001, TickValue: 1}
	assert.InDelta(t, 0.0001, info.PipSize(), 1e-12)
	assert.InDelta(t, 10, info.PipWorth(), 1e-9)
	assert.InDelta(t, 20, info.ToPips(0.0020), 1e-9)

	info.PipValue = 7.5
	assert.Equal(t, 7.5, info.PipWorth())
}

func TestErrorTaxonomy(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewTransientError("execute_order", "B", ErrTimeout))
	assert.True(t, IsTransient(err))
	assert.False(t, IsConfigError(err))
	assert.True(t, errors.Is(err, ErrTimeout))

	cfgErr := NewConfigError("targets", ErrTargetIsSource)
	assert.True(t, IsConfigError(cfgErr))
	assert.True(t, errors.Is(cfgErr, ErrTargetIsSource))
	assert.Contains(t, cfgErr.Error(), "targets")
}
