package risk

import (
	"context"
	"copybot/internal/indicators"
	"copybot/internal/models"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

type BarSource interface {
	DailyBars(ctx context.Context, symbol string, count int) ([]models.Bar, error)
}

type CorrelatedPair struct {
	SymbolA     string  `json:"symbol_a"`
	SymbolB     string  `json:"symbol_b"`
	Correlation float64 `json:"correlation"`
	SameSide    bool    `json:"same_side"`
}

type cachedCloses struct {
	closes  []float64
	fetched time.Time
}

// CorrelationChecker flags symbol pairs whose open positions amplify the
// same directional bet. Daily closes are cached per symbol for CacheTTL.
type CorrelationChecker struct {
	src BarSource
	now func() time.Time

	mu    sync.Mutex
	cfg   CorrelationConfig
	cache map[string]cachedCloses
}

func NewCorrelationChecker(src BarSource, cfg CorrelationConfig) *CorrelationChecker {
	return &CorrelationChecker{
		src:   src,
		cfg:   cfg,
		now:   time.Now,
		cache: make(map[string]cachedCloses),
	}
}

func (c *CorrelationChecker) SetConfig(cfg CorrelationConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.cache = make(map[string]cachedCloses)
	c.mu.Unlock()
}

func (c *CorrelationChecker) config() CorrelationConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Check returns the flagged pairs among the symbols of positions. Symbols
// whose bars cannot be fetched are skipped and their errors joined.
func (c *CorrelationChecker) Check(ctx context.Context, positions []models.Position) ([]CorrelatedPair, error) {
	cfg := c.config()
	if !cfg.Enabled || len(positions) < 2 {
		return nil, nil
	}

	sides := make(map[string]map[models.OrderSide]bool)
	for _, p := range positions {
		if sides[p.Symbol] == nil {
			sides[p.Symbol] = make(map[models.OrderSide]bool)
		}
		sides[p.Symbol][p.Side] = true
	}
	if len(sides) < 2 {
		return nil, nil
	}

	symbols := make([]string, 0, len(sides))
	for s := range sides {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	// a symbol without bars only removes its own pairs from the check
	closes := make(map[string][]float64, len(symbols))
	var errs []error
	for _, s := range symbols {
		cs, err := c.closes(ctx, s, cfg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closes[s] = cs
	}

	var pairs []CorrelatedPair
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			a, b := symbols[i], symbols[j]
			ca, okA := closes[a]
			cb, okB := closes[b]
			if !okA || !okB {
				continue
			}
			corr, err := indicators.Correlation(ca, cb)
			if err != nil {
				continue
			}

			same := shareSide(sides[a], sides[b])
			opposite := oppositeSides(sides[a], sides[b])
			switch {
			case corr > cfg.Threshold && same:
				pairs = append(pairs, CorrelatedPair{SymbolA: a, SymbolB: b, Correlation: corr, SameSide: true})
			case corr < -cfg.Threshold && opposite:
				pairs = append(pairs, CorrelatedPair{SymbolA: a, SymbolB: b, Correlation: corr})
			}
		}
	}
	return pairs, errors.Join(errs...)
}

func (c *CorrelationChecker) closes(ctx context.Context, symbol string, cfg CorrelationConfig) ([]float64, error) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.cache[symbol]
	c.mu.Unlock()
	if ok && cfg.CacheTTL > 0 && now.Sub(entry.fetched) < cfg.CacheTTL {
		return entry.closes, nil
	}

	bars, err := c.src.DailyBars(ctx, symbol, cfg.Lookback)
	if err != nil {
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}
	closes := indicators.Closes(bars)

	c.mu.Lock()
	c.cache[symbol] = cachedCloses{closes: closes, fetched: now}
	c.mu.Unlock()
	return closes, nil
}

func shareSide(a, b map[models.OrderSide]bool) bool {
	return (a[models.OrderSideBuy] && b[models.OrderSideBuy]) || (a[models.OrderSideSell] && b[models.OrderSideSell])
}

func oppositeSides(a, b map[models.OrderSide]bool) bool {
	return (a[models.OrderSideBuy] && b[models.OrderSideSell]) || (a[models.OrderSideSell] && b[models.OrderSideBuy])
}
