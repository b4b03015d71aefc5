package sizing

import (
	"copybot/internal/models"
	"sort"
	"strings"
	"sync"

	"github.com/montanaflynn/stats"
)

type Method string

const (
	MethodFixed          Method = "fixed"
	MethodRisk           Method = "risk"
	MethodEquity         Method = "equity"
	MethodKelly          Method = "kelly"
	MethodMartingale     Method = "martingale"
	MethodAntiMartingale Method = "anti_martingale"
	MethodVolatility     Method = "volatility"
)

const kellyMinTrades = 10

type Config struct {
	Method               Method
	FixedLot             float64
	RiskPercent          float64
	EquityPercent        float64
	KellyFraction        float64
	MartingaleFactor     float64
	AntiMartingaleFactor float64
	VolatilityFactor     float64
	ATRPeriod            int
	Rounding             Rounding
}

func DefaultConfig() Config {
	return Config{
		Method:               MethodRisk,
		FixedLot:             0.01,
		RiskPercent:          1,
		EquityPercent:        2,
		KellyFraction:        0.5,
		MartingaleFactor:     2,
		AntiMartingaleFactor: 1.5,
		VolatilityFactor:     1,
		ATRPeriod:            14,
		Rounding:             RoundDown,
	}
}

// Input carries everything a strategy may look at. ATRPips is only needed by
// the volatility method; zero means unavailable. RecoveryScale applies only
// while Recovering is set.
type Input struct {
	Symbol        string
	Side          models.OrderSide
	StopLossPips  float64
	Account       models.AccountState
	Info          models.SymbolInfo
	Trades        []models.TradeRecord
	ATRPips       float64
	Recovering    bool
	RecoveryScale float64
}

type strategy func(cfg Config, in Input) float64

type Sizer struct {
	mu         sync.RWMutex
	cfg        Config
	strategies map[Method]strategy
}

func New(cfg Config) *Sizer {
	return &Sizer{
		cfg: cfg,
		strategies: map[Method]strategy{
			MethodFixed:          fixedSize,
			MethodRisk:           riskSize,
			MethodEquity:         equitySize,
			MethodKelly:          kellySize,
			MethodMartingale:     martingaleSize,
			MethodAntiMartingale: antiMartingaleSize,
			MethodVolatility:     volatilitySize,
		},
	}
}

func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_"))))
	switch m {
	case MethodFixed, MethodRisk, MethodEquity, MethodKelly, MethodMartingale, MethodAntiMartingale, MethodVolatility:
		return m, nil
	}
	return "", models.ConfigErrorf("sizing.method", "unknown method %q", s)
}

func (s *Sizer) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Sizer) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Raw returns the unclamped strategy output.
func (s *Sizer) Raw(in Input) (float64, error) {
	cfg := s.Config()
	fn, ok := s.strategies[cfg.Method]
	if !ok {
		return 0, models.NewConfigError("sizing.method "+string(cfg.Method), models.ErrUnknownMethod)
	}
	return fn(cfg, in), nil
}

// Size returns the final order volume for in.
func (s *Sizer) Size(in Input) (float64, error) {
	raw, err := s.Raw(in)
	if err != nil {
		return 0, err
	}
	scale := 1.0
	if in.Recovering {
		scale = max(in.RecoveryScale, 0)
	}
	return Normalize(raw, in.Info, scale, s.Config().Rounding), nil
}

func fixedSize(cfg Config, _ Input) float64 {
	return cfg.FixedLot
}

func riskSize(cfg Config, in Input) float64 {
	pipWorth := in.Info.PipWorth()
	if in.StopLossPips <= 0 || pipWorth <= 0 {
		return cfg.FixedLot
	}
	return in.Account.Balance * cfg.RiskPercent / 100 / (in.StopLossPips * pipWorth)
}

func equitySize(cfg Config, in Input) float64 {
	price := in.Info.EntryPrice(in.Side)
	if price <= 0 || in.Info.ContractSize <= 0 {
		return cfg.FixedLot
	}
	return in.Account.Equity * cfg.EquityPercent / 100 / (price * in.Info.ContractSize)
}

func kellySize(cfg Config, in Input) float64 {
	var wins, losses []float64
	for _, t := range in.Trades {
		if !t.Closed() {
			continue
		}
		if net := t.NetProfit(); net > 0 {
			wins = append(wins, net)
		} else {
			losses = append(losses, -net)
		}
	}
	total := len(wins) + len(losses)
	if total < kellyMinTrades {
		return riskSize(cfg, in)
	}

	winRate := float64(len(wins)) / float64(total)
	avgWin, avgLoss := 1.0, 1.0
	if len(wins) > 0 {
		avgWin, _ = stats.Mean(wins)
	}
	if len(losses) > 0 {
		avgLoss, _ = stats.Mean(losses)
	}
	odds := 1.0
	if avgLoss > 0 {
		odds = avgWin / avgLoss
	}
	kelly := (winRate - (1-winRate)/odds) * cfg.KellyFraction
	if kelly < 0 {
		kelly = 0
	}

	pipWorth := in.Info.PipWorth()
	if in.StopLossPips <= 0 || pipWorth <= 0 {
		return cfg.FixedLot
	}
	return in.Account.Balance * kelly / (in.StopLossPips * pipWorth)
}

func martingaleSize(cfg Config, in Input) float64 {
	last, ok := lastTrade(in.Trades, in.Symbol)
	if !ok || last.NetProfit() > 0 {
		return cfg.FixedLot
	}
	return last.Volume * cfg.MartingaleFactor
}

func antiMartingaleSize(cfg Config, in Input) float64 {
	last, ok := lastTrade(in.Trades, in.Symbol)
	if !ok || last.NetProfit() <= 0 {
		return cfg.FixedLot
	}
	return last.Volume * cfg.AntiMartingaleFactor
}

func volatilitySize(cfg Config, in Input) float64 {
	if in.ATRPips <= 0 {
		return riskSize(cfg, in)
	}
	pipWorth := in.Info.PipWorth()
	factor := cfg.VolatilityFactor
	if factor <= 0 {
		factor = 1
	}
	if pipWorth <= 0 {
		return cfg.FixedLot
	}
	return in.Account.Balance * cfg.RiskPercent / 100 / (in.ATRPips * factor * pipWorth)
}

func lastTrade(trades []models.TradeRecord, symbol string) (models.TradeRecord, bool) {
	var bySymbol []models.TradeRecord
	for _, t := range trades {
		if t.Symbol == symbol && t.Closed() {
			bySymbol = append(bySymbol, t)
		}
	}
	if len(bySymbol) == 0 {
		return models.TradeRecord{}, false
	}
	sort.SliceStable(bySymbol, func(i, j int) bool {
		return bySymbol[i].CloseTime.Before(bySymbol[j].CloseTime)
	})
	return bySymbol[len(bySymbol)-1], true
}
