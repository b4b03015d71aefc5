package indicators

import (
	"copybot/internal/models"
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

func TrueRange(bar, prev models.Bar) float64 {
	return math.Max(bar.High-bar.Low, math.Max(math.Abs(bar.High-prev.Close), math.Abs(bar.Low-prev.Close)))
}

// ATR is the simple mean of the last period true ranges.
// It needs period+1 bars so every true range has a previous close.
func ATR(bars []models.Bar, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %d", period)
	}
	if len(bars) < period+1 {
		return 0, fmt.Errorf("not enough bars: need %d, got %d", period+1, len(bars))
	}

	window := bars[len(bars)-period-1:]
	ranges := make([]float64, 0, period)
	for i := 1; i < len(window); i++ {
		ranges = append(ranges, TrueRange(window[i], window[i-1]))
	}
	return stats.Mean(ranges)
}

// ATRPips converts ATR into pips of the given symbol.
func ATRPips(bars []models.Bar, period int, info models.SymbolInfo) (float64, error) {
	atr, err := ATR(bars, period)
	if err != nil {
		return 0, err
	}
	if info.Point <= 0 {
		return 0, fmt.Errorf("symbol %s has no point size", info.Name)
	}
	return info.ToPips(atr), nil
}

func Closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// Correlation returns the Pearson correlation of two equal-length series.
func Correlation(a, b []float64) (float64, error) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0, fmt.Errorf("not enough points: %d", n)
	}
	c, err := stats.Correlation(a[len(a)-n:], b[len(b)-n:])
	if err != nil {
		return 0, err
	}
	if math.IsNaN(c) {
		return 0, nil
	}
	return c, nil
}
