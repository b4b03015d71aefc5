package engine

import (
	"context"
	"copybot/internal/gateway"
	"copybot/internal/levels"
	"copybot/internal/lifecycle"
	"copybot/internal/logger"
	"copybot/internal/risk"
	"copybot/internal/sizing"
	"fmt"
	"sync"
	"time"
)

// Config gathers the risk side of a managed account.
type Config struct {
	CycleInterval time.Duration
	HistoryDays   int

	Limits      risk.Limits
	Correlation risk.CorrelationConfig
	Recovery    risk.RecoveryConfig
	TimeFilter  risk.TimeFilterConfig
	Volatility  risk.VolatilityFilterConfig

	Sizing     sizing.Config
	StopLoss   levels.StopLossConfig
	TakeProfit levels.TakeProfitConfig
	Lifecycle  lifecycle.Config
}

func DefaultConfig() Config {
	return Config{
		CycleInterval: 10 * time.Second,
		HistoryDays:   30,
		Limits:        risk.DefaultLimits(),
		Correlation:   risk.DefaultCorrelation(),
		Recovery:      risk.DefaultRecovery(),
		TimeFilter:    risk.DefaultTimeFilter(),
		Volatility:    risk.DefaultVolatilityFilter(),
		Sizing:        sizing.DefaultConfig(),
		StopLoss:      levels.DefaultStopLoss(),
		TakeProfit:    levels.DefaultTakeProfit(),
		Lifecycle:     lifecycle.DefaultConfig(),
	}
}

// Engine is the risk gate and position manager of one trading account.
type Engine struct {
	gw  gateway.Gateway
	log *logger.Logger

	tracker   *risk.Tracker
	corr      *risk.CorrelationChecker
	evaluator *risk.Evaluator
	recovery  *risk.Recovery
	sizer     *sizing.Sizer
	levels    *levels.Calculator
	lifecycle *lifecycle.Manager

	retryBase time.Duration

	mu         sync.Mutex
	cfg        Config
	timeFilter risk.TimeFilter
	volFilter  risk.VolatilityFilter
	state      risk.LimitsState
	allowed    bool
	refreshed  time.Time
}

func New(gw gateway.Gateway, cfg Config, log *logger.Logger) *Engine {
	if cfg.HistoryDays <= 0 {
		cfg.HistoryDays = 30
	}
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = 10 * time.Second
	}
	corr := risk.NewCorrelationChecker(gw, cfg.Correlation)
	return &Engine{
		gw:         gw,
		log:        log,
		tracker:    risk.NewTracker(gw, cfg.HistoryDays, log),
		corr:       corr,
		evaluator:  risk.NewEvaluator(cfg.Limits, corr, log),
		recovery:   risk.NewRecovery(cfg.Recovery),
		sizer:      sizing.New(cfg.Sizing),
		levels:     levels.NewCalculator(cfg.StopLoss, cfg.TakeProfit),
		lifecycle:  lifecycle.New(gw, cfg.Lifecycle, log),
		retryBase:  time.Second,
		cfg:        cfg,
		timeFilter: risk.NewTimeFilter(cfg.TimeFilter),
		volFilter:  risk.NewVolatilityFilter(cfg.Volatility),
	}
}

// SetClock overrides the time source of the engine and its tracker.
func (e *Engine) SetClock(now func() time.Time) {
	e.tracker.SetClock(now)
}

// Apply swaps the running configuration. The cycle interval and history
// window only take effect on the next Start.
func (e *Engine) Apply(cfg Config) {
	e.evaluator.SetLimits(cfg.Limits)
	e.corr.SetConfig(cfg.Correlation)
	e.recovery.SetConfig(cfg.Recovery)
	e.sizer.SetConfig(cfg.Sizing)
	e.levels.SetConfig(cfg.StopLoss, cfg.TakeProfit)
	e.lifecycle.SetConfig(cfg.Lifecycle)

	e.mu.Lock()
	e.cfg = cfg
	e.timeFilter = risk.NewTimeFilter(cfg.TimeFilter)
	e.volFilter = risk.NewVolatilityFilter(cfg.Volatility)
	e.refreshed = time.Time{}
	e.mu.Unlock()

	e.logEntry().Info("Risk configuration applied.")
}

func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Start runs the account cycle until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	interval := e.Config().CycleInterval
	e.logEntry().WithField("interval", interval.String()).Info("Engine started.")

	if err := e.RunCycle(ctx); err != nil {
		e.logEntry().WithError(err).Warn("Cycle failed.")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logEntry().Info("Engine stopped.")
			return nil
		case <-ticker.C:
			if err := e.RunCycle(ctx); err != nil {
				e.logEntry().WithError(err).Warn("Cycle failed.")
			}
		}
	}
}

// RunCycle refreshes the account, re-evaluates the limits and sweeps the
// open positions.
func (e *Engine) RunCycle(ctx context.Context) error {
	if err := e.Refresh(ctx); err != nil {
		return err
	}
	actions := e.lifecycle.Sweep(ctx, e.tracker.Positions())
	if len(actions) > 0 {
		e.logEntry().WithField("actions", len(actions)).Debug("Lifecycle actions applied.")
	}
	return nil
}

// Refresh pulls account, positions and history from the gateway and
// recomputes the limits state.
func (e *Engine) Refresh(ctx context.Context) error {
	if _, err := withRetry(ctx, e, "refresh", func() (struct{}, error) {
		_, _, err := e.tracker.Refresh(ctx)
		return struct{}{}, err
	}); err != nil {
		return fmt.Errorf("refresh account: %w", err)
	}
	if _, err := withRetry(ctx, e, "sync_history", func() (int, error) {
		return e.tracker.SyncHistory(ctx)
	}); err != nil {
		return fmt.Errorf("sync history: %w", err)
	}

	recovering := e.recovery.Update(e.tracker.Trades())
	now := e.tracker.Now()
	state, allowed := e.evaluator.Evaluate(ctx, e.tracker.Snapshot(now))

	e.mu.Lock()
	changed := e.refreshed.IsZero() || e.allowed != allowed
	e.state = state
	e.allowed = allowed
	e.refreshed = now
	e.mu.Unlock()

	if changed {
		if allowed {
			e.logEntry().Info("Trading allowed.")
		} else {
			e.logEntry().Warn("Trading blocked by risk limits.")
		}
	}
	if recovering {
		e.logEntry().WithField("scale", e.recovery.Scale()).Debug("Recovery mode active.")
	}
	return nil
}

// ensureFresh refreshes when the cached state is older than one cycle.
func (e *Engine) ensureFresh(ctx context.Context) error {
	e.mu.Lock()
	stale := e.refreshed.IsZero() || e.tracker.Now().Sub(e.refreshed) >= e.cfg.CycleInterval
	e.mu.Unlock()
	if !stale {
		return nil
	}
	return e.Refresh(ctx)
}

// LimitsState returns the result of the last evaluation.
func (e *Engine) LimitsState() (risk.LimitsState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.allowed
}

func (e *Engine) Lifecycle() *lifecycle.Manager {
	return e.lifecycle
}
