package risk

import (
	"copybot/internal/indicators"
	"copybot/internal/models"
	"time"
)

type TimeFilter struct {
	cfg TimeFilterConfig
}

func NewTimeFilter(cfg TimeFilterConfig) TimeFilter {
	return TimeFilter{cfg: cfg}
}

// Allowed reports whether t (taken in UTC) is inside the trading window.
// A start hour after the end hour wraps past midnight.
func (f TimeFilter) Allowed(t time.Time) bool {
	if !f.cfg.Enabled {
		return true
	}
	t = t.UTC()

	dayOK := false
	for _, d := range f.cfg.Days {
		if d == t.Weekday() {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}

	h := t.Hour()
	if f.cfg.StartHour <= f.cfg.EndHour {
		return h >= f.cfg.StartHour && h < f.cfg.EndHour
	}
	return h >= f.cfg.StartHour || h < f.cfg.EndHour
}

type VolatilityFilter struct {
	cfg VolatilityFilterConfig
}

func NewVolatilityFilter(cfg VolatilityFilterConfig) VolatilityFilter {
	return VolatilityFilter{cfg: cfg}
}

func (f VolatilityFilter) Period() int {
	if f.cfg.ATRPeriod <= 0 {
		return 14
	}
	return f.cfg.ATRPeriod
}

func (f VolatilityFilter) Enabled() bool {
	return f.cfg.Enabled
}

// Allowed checks the ATR of bars, in pips, against the configured band.
// Not enough data passes the filter.
func (f VolatilityFilter) Allowed(bars []models.Bar, info models.SymbolInfo) (bool, float64) {
	if !f.cfg.Enabled {
		return true, 0
	}
	pips, err := indicators.ATRPips(bars, f.Period(), info)
	if err != nil {
		return true, 0
	}
	if pips < f.cfg.MinATRPips || pips > f.cfg.MaxATRPips {
		return false, pips
	}
	return true, pips
}
