package levels

import (
	"copybot/internal/models"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

type StopLossMethod string
type TakeProfitMethod string

const (
	StopLossFixed   StopLossMethod = "fixed"
	StopLossATR     StopLossMethod = "atr"
	StopLossPercent StopLossMethod = "percent"

	TakeProfitFixed      TakeProfitMethod = "fixed"
	TakeProfitATR        TakeProfitMethod = "atr"
	TakeProfitRiskReward TakeProfitMethod = "risk_reward"
)

type StopLossConfig struct {
	Method      StopLossMethod
	FixedPips   float64
	ATRMultiple float64
	ATRPeriod   int
	Percent     float64
	MinPips     float64
	MaxPips     float64
}

type TakeProfitConfig struct {
	Method      TakeProfitMethod
	FixedPips   float64
	ATRMultiple float64
	ATRPeriod   int
	RiskReward  float64
	MinPips     float64
	MaxPips     float64
}

func DefaultStopLoss() StopLossConfig {
	return StopLossConfig{Method: StopLossFixed, FixedPips: 20, ATRMultiple: 1.5, ATRPeriod: 14, Percent: 1, MinPips: 10, MaxPips: 100}
}

func DefaultTakeProfit() TakeProfitConfig {
	return TakeProfitConfig{Method: TakeProfitRiskReward, FixedPips: 40, ATRMultiple: 2.5, ATRPeriod: 14, RiskReward: 2, MinPips: 15, MaxPips: 200}
}

func ParseStopLossMethod(s string) (StopLossMethod, error) {
	switch m := StopLossMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case StopLossFixed, StopLossATR, StopLossPercent:
		return m, nil
	}
	return "", models.ConfigErrorf("stop_loss.method", "unknown method %q", s)
}

func ParseTakeProfitMethod(s string) (TakeProfitMethod, error) {
	switch m := TakeProfitMethod(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_")))); m {
	case TakeProfitFixed, TakeProfitATR, TakeProfitRiskReward:
		return m, nil
	}
	return "", models.ConfigErrorf("take_profit.method", "unknown method %q", s)
}

// Calculator computes protective price levels. ATR values are passed in as
// pips; zero means ATR is unavailable and the fixed distance is used.
type Calculator struct {
	mu sync.RWMutex
	sl StopLossConfig
	tp TakeProfitConfig
}

func NewCalculator(sl StopLossConfig, tp TakeProfitConfig) *Calculator {
	return &Calculator{sl: sl, tp: tp}
}

func (c *Calculator) SetConfig(sl StopLossConfig, tp TakeProfitConfig) {
	c.mu.Lock()
	c.sl, c.tp = sl, tp
	c.mu.Unlock()
}

func (c *Calculator) Config() (StopLossConfig, TakeProfitConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sl, c.tp
}

// StopLossPips returns the stop distance in pips for entry.
func (c *Calculator) StopLossPips(entry float64, info models.SymbolInfo, atrPips float64) (float64, error) {
	cfg, _ := c.Config()
	switch cfg.Method {
	case StopLossFixed:
		return cfg.FixedPips, nil
	case StopLossATR:
		if atrPips <= 0 {
			return cfg.FixedPips, nil
		}
		return clampPips(atrPips*cfg.ATRMultiple, cfg.MinPips, cfg.MaxPips), nil
	case StopLossPercent:
		if info.Point <= 0 {
			return 0, fmt.Errorf("symbol %s has no point size", info.Name)
		}
		return clampPips(info.ToPips(entry*cfg.Percent/100), cfg.MinPips, cfg.MaxPips), nil
	default:
		return 0, models.NewConfigError("stop_loss.method "+string(cfg.Method), models.ErrUnknownMethod)
	}
}

func (c *Calculator) StopLoss(side models.OrderSide, entry float64, info models.SymbolInfo, atrPips float64) (float64, error) {
	if entry <= 0 {
		return 0, fmt.Errorf("stop loss %s: invalid entry price %f", info.Name, entry)
	}
	pips, err := c.StopLossPips(entry, info, atrPips)
	if err != nil {
		return 0, err
	}
	return RoundPrice(entry-side.Sign()*pips*info.PipSize(), info.Digits), nil
}

// TakeProfit computes the target. stopLoss is only used by risk_reward; when
// it is zero the configured stop is computed first.
func (c *Calculator) TakeProfit(side models.OrderSide, entry, stopLoss float64, info models.SymbolInfo, atrPips float64) (float64, error) {
	if entry <= 0 {
		return 0, fmt.Errorf("take profit %s: invalid entry price %f", info.Name, entry)
	}
	_, cfg := c.Config()

	var distance float64
	switch cfg.Method {
	case TakeProfitFixed:
		distance = cfg.FixedPips * info.PipSize()
	case TakeProfitATR:
		pips := cfg.FixedPips
		if atrPips > 0 {
			pips = clampPips(atrPips*cfg.ATRMultiple, cfg.MinPips, cfg.MaxPips)
		}
		distance = pips * info.PipSize()
	case TakeProfitRiskReward:
		if stopLoss <= 0 {
			sl, err := c.StopLoss(side, entry, info, atrPips)
			if err != nil {
				return 0, err
			}
			stopLoss = sl
		}
		distance = math.Abs(entry-stopLoss) * cfg.RiskReward
	default:
		return 0, models.NewConfigError("take_profit.method "+string(cfg.Method), models.ErrUnknownMethod)
	}
	return RoundPrice(entry+side.Sign()*distance, info.Digits), nil
}

// RoundPrice rounds p to the symbol's quoting precision.
func RoundPrice(p float64, digits int) float64 {
	if digits < 0 {
		return p
	}
	return decimal.NewFromFloat(p).Round(int32(digits)).InexactFloat64()
}

func clampPips(p, lo, hi float64) float64 {
	if lo > 0 && p < lo {
		p = lo
	}
	if hi > 0 && p > hi {
		p = hi
	}
	return p
}
