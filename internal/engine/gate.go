package engine

import (
	"context"
	"copybot/internal/indicators"
	"copybot/internal/levels"
	"copybot/internal/models"
	"copybot/internal/risk"
	"copybot/internal/sizing"
	"fmt"
)

// Decision explains the outcome of the trading gate for one symbol.
type Decision struct {
	Symbol  string   `json:"symbol"`
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
	ATRPips float64  `json:"atr_pips,omitempty"`
}

// Gate evaluates whether a new order on symbol may be placed. Account-wide
// breaches, the symbol's own position cap, the time window and the
// volatility band all block.
func (e *Engine) Gate(ctx context.Context, symbol string) (Decision, error) {
	if err := e.ensureFresh(ctx); err != nil {
		return Decision{Symbol: symbol}, err
	}

	e.mu.Lock()
	state := e.state
	timeFilter := e.timeFilter
	volFilter := e.volFilter
	e.mu.Unlock()

	d := Decision{Symbol: symbol, Reasons: blockingReasons(state, symbol)}

	if !timeFilter.Allowed(e.tracker.Now()) {
		d.Reasons = append(d.Reasons, "outside trading hours")
	}

	if volFilter.Enabled() {
		info, err := withRetry(ctx, e, "symbol_info", func() (models.SymbolInfo, error) {
			return e.gw.SymbolInfo(ctx, symbol)
		})
		if err != nil {
			return d, err
		}
		bars, err := withRetry(ctx, e, "daily_bars", func() ([]models.Bar, error) {
			return e.gw.DailyBars(ctx, symbol, volFilter.Period()+1)
		})
		if err != nil {
			e.logEntry().WithError(err).WithField("symbol", symbol).Warn("Daily bars unavailable, volatility filter skipped.")
		} else {
			ok, pips := volFilter.Allowed(bars, info)
			d.ATRPips = pips
			if !ok {
				d.Reasons = append(d.Reasons, fmt.Sprintf("ATR %.1f pips outside volatility band", pips))
			}
		}
	}

	d.Allowed = len(d.Reasons) == 0
	if !d.Allowed {
		e.logEntry().WithField("symbol", symbol).WithField("reasons", d.Reasons).Info("Trading not allowed.")
	}
	return d, nil
}

// CheckTradingAllowed is the gate a signal must pass before an order is placed.
func (e *Engine) CheckTradingAllowed(ctx context.Context, symbol string) (bool, error) {
	d, err := e.Gate(ctx, symbol)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// blockingReasons keeps the violations that apply to symbol. Position caps
// of other symbols do not block it.
func blockingReasons(state risk.LimitsState, symbol string) []string {
	var out []string
	for _, v := range state.Violations {
		if v.Code == risk.CodeSymbolPositions {
			continue
		}
		out = append(out, v.Msg)
	}
	if state.SymbolLimitReached[symbol] {
		out = append(out, "max positions per symbol reached for "+symbol)
	}
	return out
}

// CalculatePositionSize sizes an order on symbol with the configured method,
// scaled down while recovery mode is active. A non-positive stopLossPips
// makes the risk method fall back to the fixed lot.
func (e *Engine) CalculatePositionSize(ctx context.Context, symbol string, side models.OrderSide, stopLossPips float64) (float64, error) {
	if err := e.ensureFresh(ctx); err != nil {
		return 0, err
	}
	info, err := withRetry(ctx, e, "symbol_info", func() (models.SymbolInfo, error) {
		return e.gw.SymbolInfo(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return e.size(ctx, info, side, stopLossPips)
}

// CalculatePositionSizeAuto sizes an order at the market price with the stop
// distance taken from the configured stop loss method.
func (e *Engine) CalculatePositionSizeAuto(ctx context.Context, symbol string, side models.OrderSide) (float64, error) {
	if err := e.ensureFresh(ctx); err != nil {
		return 0, err
	}
	info, err := withRetry(ctx, e, "symbol_info", func() (models.SymbolInfo, error) {
		return e.gw.SymbolInfo(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	slCfg, _ := e.levels.Config()
	var atr float64
	if slCfg.Method == levels.StopLossATR {
		atr = e.atrPips(ctx, info, slCfg.ATRPeriod)
	}
	pips, err := e.levels.StopLossPips(info.EntryPrice(side), info, atr)
	if err != nil {
		return 0, err
	}
	return e.size(ctx, info, side, pips)
}

func (e *Engine) size(ctx context.Context, info models.SymbolInfo, side models.OrderSide, stopLossPips float64) (float64, error) {
	in := sizing.Input{
		Symbol:        info.Name,
		Side:          side,
		StopLossPips:  stopLossPips,
		Account:       e.tracker.Account(),
		Info:          info,
		Trades:        e.tracker.Trades(),
		Recovering:    e.recovery.Active(),
		RecoveryScale: e.recovery.Scale(),
	}
	if e.sizer.Config().Method == sizing.MethodVolatility {
		in.ATRPips = e.atrPips(ctx, info, e.sizer.Config().ATRPeriod)
	}

	volume, err := e.sizer.Size(in)
	if err != nil {
		return 0, err
	}
	e.logEntry().WithFields(map[string]interface{}{
		"symbol":   info.Name,
		"side":     side,
		"volume":   formatVolume(volume),
		"sl_pips":  stopLossPips,
		"recovery": in.Recovering,
	}).Debug("Position size calculated.")
	return volume, nil
}

// CalculateStopLoss returns the stop price for a new order. A zero entry
// uses the current market price for side.
func (e *Engine) CalculateStopLoss(ctx context.Context, symbol string, side models.OrderSide, entry float64) (float64, error) {
	info, err := withRetry(ctx, e, "symbol_info", func() (models.SymbolInfo, error) {
		return e.gw.SymbolInfo(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	if entry <= 0 {
		entry = info.EntryPrice(side)
	}
	slCfg, _ := e.levels.Config()
	var atr float64
	if slCfg.Method == levels.StopLossATR {
		atr = e.atrPips(ctx, info, slCfg.ATRPeriod)
	}
	return e.levels.StopLoss(side, entry, info, atr)
}

// CalculateTakeProfit returns the target price for a new order. A zero stop
// lets the risk/reward method derive the stop itself.
func (e *Engine) CalculateTakeProfit(ctx context.Context, symbol string, side models.OrderSide, entry, stopLoss float64) (float64, error) {
	info, err := withRetry(ctx, e, "symbol_info", func() (models.SymbolInfo, error) {
		return e.gw.SymbolInfo(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	if entry <= 0 {
		entry = info.EntryPrice(side)
	}
	slCfg, tpCfg := e.levels.Config()
	var atr float64
	switch {
	case tpCfg.Method == levels.TakeProfitATR:
		atr = e.atrPips(ctx, info, tpCfg.ATRPeriod)
	case tpCfg.Method == levels.TakeProfitRiskReward && stopLoss <= 0 && slCfg.Method == levels.StopLossATR:
		atr = e.atrPips(ctx, info, slCfg.ATRPeriod)
	}
	return e.levels.TakeProfit(side, entry, stopLoss, info, atr)
}

// atrPips returns zero when the bars cannot be fetched or are too few.
func (e *Engine) atrPips(ctx context.Context, info models.SymbolInfo, period int) float64 {
	if period <= 0 {
		period = 14
	}
	bars, err := e.gw.DailyBars(ctx, info.Name, period+1)
	if err != nil {
		e.logEntry().WithError(err).WithField("symbol", info.Name).Debug("Daily bars unavailable.")
		return 0
	}
	pips, err := indicators.ATRPips(bars, period, info)
	if err != nil {
		return 0
	}
	return pips
}
