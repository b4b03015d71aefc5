package risk

import (
	"context"
	"copybot/internal/logger"
	"copybot/internal/models"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	CodeMaxDrawdown       = "max_drawdown"
	CodeMaxPositions      = "max_positions"
	CodeDailyLoss         = "daily_loss"
	CodeWeeklyLoss        = "weekly_loss"
	CodeMonthlyLoss       = "monthly_loss"
	CodeSymbolPositions   = "max_positions_per_symbol"
	CodeCorrelation       = "correlation"
	CodeDailyTrades       = "max_daily_trades"
	CodeConsecutiveLosses = "max_consecutive_losses"
)

type Violation struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Snapshot is the evaluator input for one cycle.
type Snapshot struct {
	At        time.Time
	Account   models.AccountState
	Positions []models.Position
	Trades    []models.TradeRecord
	Day       Stats
	Week      Stats
	Month     Stats
}

// LimitsState is recomputed from scratch on every evaluation.
type LimitsState struct {
	MaxDrawdownReached       bool             `json:"max_drawdown_reached"`
	MaxPositionsReached      bool             `json:"max_positions_reached"`
	DailyLossReached         bool             `json:"daily_loss_reached"`
	WeeklyLossReached        bool             `json:"weekly_loss_reached"`
	MonthlyLossReached       bool             `json:"monthly_loss_reached"`
	SymbolLimitReached       map[string]bool  `json:"max_positions_per_symbol_reached"`
	CorrelationRiskHigh      bool             `json:"correlation_risk_high"`
	CorrelatedPairs          []CorrelatedPair `json:"correlated_pairs,omitempty"`
	DailyTradesReached       bool             `json:"daily_trades_reached"`
	ConsecutiveLossesReached bool             `json:"consecutive_losses_reached"`
	Violations               []Violation      `json:"violations,omitempty"`
}

func (s *LimitsState) add(code, msg string) {
	s.Violations = append(s.Violations, Violation{Code: code, Msg: msg})
}

type Evaluator struct {
	log  *logger.Logger
	corr *CorrelationChecker

	mu     sync.RWMutex
	limits Limits
}

// NewEvaluator builds an evaluator; corr may be nil to skip correlation.
func NewEvaluator(limits Limits, corr *CorrelationChecker, log *logger.Logger) *Evaluator {
	return &Evaluator{limits: limits, corr: corr, log: log}
}

func (e *Evaluator) SetLimits(l Limits) {
	e.mu.Lock()
	e.limits = l
	e.mu.Unlock()
}

func (e *Evaluator) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

func (e *Evaluator) logEntry() *logrus.Entry {
	return e.log.WithComponent("risk_evaluator")
}

// Evaluate runs every check; a breach never hides the checks after it.
func (e *Evaluator) Evaluate(ctx context.Context, snap Snapshot) (LimitsState, bool) {
	l := e.Limits()
	state := LimitsState{SymbolLimitReached: make(map[string]bool)}
	balance := snap.Account.Balance

	if dd := snap.Account.DrawdownPercent(); dd > l.MaxDrawdownPercent {
		state.MaxDrawdownReached = true
		state.add(CodeMaxDrawdown, fmt.Sprintf("drawdown %.2f%% > %.2f%%", dd, l.MaxDrawdownPercent))
	}

	if n := len(snap.Positions); n >= l.MaxOpenPositions {
		state.MaxPositionsReached = true
		state.add(CodeMaxPositions, fmt.Sprintf("open positions %d >= %d", n, l.MaxOpenPositions))
	}

	if loss := snap.Day.LossPercent(balance); loss > l.MaxDailyLossPercent {
		state.DailyLossReached = true
		state.add(CodeDailyLoss, fmt.Sprintf("daily loss %.2f%% > %.2f%%", loss, l.MaxDailyLossPercent))
	}

	if loss := snap.Week.LossPercent(balance); loss > l.MaxWeeklyLossPercent {
		state.WeeklyLossReached = true
		state.add(CodeWeeklyLoss, fmt.Sprintf("weekly loss %.2f%% > %.2f%%", loss, l.MaxWeeklyLossPercent))
	}

	if loss := snap.Month.LossPercent(balance); loss > l.MaxMonthlyLossPercent {
		state.MonthlyLossReached = true
		state.add(CodeMonthlyLoss, fmt.Sprintf("monthly loss %.2f%% > %.2f%%", loss, l.MaxMonthlyLossPercent))
	}

	counts := make(map[string]int)
	for _, p := range snap.Positions {
		counts[p.Symbol]++
	}
	symbols := make([]string, 0, len(counts))
	for s := range counts {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		if counts[s] >= l.MaxPositionsPerSymbol {
			state.SymbolLimitReached[s] = true
			state.add(CodeSymbolPositions, fmt.Sprintf("%s positions %d >= %d", s, counts[s], l.MaxPositionsPerSymbol))
		}
	}

	if e.corr != nil {
		pairs, err := e.corr.Check(ctx, snap.Positions)
		if err != nil {
			e.logEntry().WithError(err).Warn("Correlation check failed.")
		}
		if len(pairs) > 0 {
			state.CorrelationRiskHigh = true
			state.CorrelatedPairs = pairs
			for _, p := range pairs {
				state.add(CodeCorrelation, fmt.Sprintf("%s/%s correlation %.2f", p.SymbolA, p.SymbolB, p.Correlation))
			}
		}
	}

	if l.MaxDailyTrades > 0 && snap.Day.TradeCount >= l.MaxDailyTrades {
		state.DailyTradesReached = true
		state.add(CodeDailyTrades, fmt.Sprintf("daily trades %d >= %d", snap.Day.TradeCount, l.MaxDailyTrades))
	}

	if l.MaxConsecutiveLosses > 0 {
		if n := ConsecutiveLosses(snap.Trades); n >= l.MaxConsecutiveLosses {
			state.ConsecutiveLossesReached = true
			state.add(CodeConsecutiveLosses, fmt.Sprintf("consecutive losses %d >= %d", n, l.MaxConsecutiveLosses))
		}
	}

	allowed := len(state.Violations) == 0
	if !allowed {
		e.logEntry().WithField("violations", state.Violations).Warn("Risk limits breached.")
	}
	return state, allowed
}

// ConsecutiveLosses counts losing trades at the end of a close-time ordered history.
func ConsecutiveLosses(trades []models.TradeRecord) int {
	n := 0
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].NetProfit() >= 0 {
			break
		}
		n++
	}
	return n
}

func consecutiveWins(trades []models.TradeRecord) int {
	n := 0
	for i := len(trades) - 1; i >= 0; i-- {
		if trades[i].NetProfit() <= 0 {
			break
		}
		n++
	}
	return n
}
