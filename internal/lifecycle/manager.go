package lifecycle

import (
	"context"
	"copybot/internal/levels"
	"copybot/internal/logger"
	"copybot/internal/models"
	"copybot/internal/sizing"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

const priceEpsilon = 1e-9

type BreakEvenConfig struct {
	Enabled        bool
	ActivationPips float64
	OffsetPips     float64
}

type TrailingConfig struct {
	Enabled        bool
	ActivationPips float64
	DistancePips   float64
	StepPips       float64
}

type PartialLevel struct {
	ProfitPips   float64 `json:"profit_pips" yaml:"profit_pips" mapstructure:"profit_pips"`
	ClosePercent float64 `json:"close_percent" yaml:"close_percent" mapstructure:"close_percent"`
}

type PartialCloseConfig struct {
	Enabled bool
	Levels  []PartialLevel
}

type Config struct {
	BreakEven BreakEvenConfig
	Trailing  TrailingConfig
	Partial   PartialCloseConfig
}

func DefaultConfig() Config {
	return Config{
		BreakEven: BreakEvenConfig{Enabled: true, ActivationPips: 10, OffsetPips: 2},
		Trailing:  TrailingConfig{Enabled: true, ActivationPips: 15, DistancePips: 10, StepPips: 5},
		Partial: PartialCloseConfig{Enabled: true, Levels: []PartialLevel{
			{ProfitPips: 15, ClosePercent: 25},
			{ProfitPips: 30, ClosePercent: 25},
			{ProfitPips: 45, ClosePercent: 25},
		}},
	}
}

type ActionKind string

const (
	ActionBreakEven    ActionKind = "break_even"
	ActionTrailing     ActionKind = "trailing_stop"
	ActionPartialClose ActionKind = "partial_close"
)

type Action struct {
	Ticket   int64      `json:"ticket"`
	Symbol   string     `json:"symbol"`
	Kind     ActionKind `json:"kind"`
	StopLoss float64    `json:"sl,omitempty"`
	Volume   float64    `json:"volume,omitempty"`
	Level    float64    `json:"level,omitempty"`
}

// Executor is the subset of the gateway the manager drives.
type Executor interface {
	SymbolInfo(ctx context.Context, symbol string) (models.SymbolInfo, error)
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error
	ClosePosition(ctx context.Context, ticket int64, volume float64) error
}

// tags are set once per ticket and survive snapshot refreshes until the
// ticket disappears from the open set.
type tags struct {
	breakEven bool
	stop      float64
	partial   map[float64]bool
}

type Manager struct {
	exec Executor
	log  *logger.Logger

	mu   sync.Mutex
	cfg  Config
	tags map[int64]*tags
}

func New(exec Executor, cfg Config, log *logger.Logger) *Manager {
	return &Manager{exec: exec, cfg: cfg, log: log, tags: make(map[int64]*tags)}
}

func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	cfg.Partial.Levels = append([]PartialLevel(nil), m.cfg.Partial.Levels...)
	sort.SliceStable(cfg.Partial.Levels, func(i, j int) bool {
		return cfg.Partial.Levels[i].ProfitPips < cfg.Partial.Levels[j].ProfitPips
	})
	return cfg
}

func (m *Manager) logEntry() *logrus.Entry {
	return m.log.WithComponent("lifecycle")
}

func (m *Manager) tagsFor(ticket int64) *tags {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[ticket]
	if !ok {
		t = &tags{partial: make(map[float64]bool)}
		m.tags[ticket] = t
	}
	return t
}

// Tags lists the markers set on ticket, e.g. "break_even" or "partial_close_15".
func (m *Manager) Tags(ticket int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[ticket]
	if !ok {
		return nil
	}
	var out []string
	if t.breakEven {
		out = append(out, string(ActionBreakEven))
	}
	levels := make([]float64, 0, len(t.partial))
	for l := range t.partial {
		levels = append(levels, l)
	}
	sort.Float64s(levels)
	for _, l := range levels {
		out = append(out, fmt.Sprintf("%s_%g", ActionPartialClose, l))
	}
	return out
}

// Sweep manages every open position and forgets tickets no longer open.
// Failures are isolated per position.
func (m *Manager) Sweep(ctx context.Context, positions []models.Position) []Action {
	open := make(map[int64]struct{}, len(positions))
	infos := make(map[string]models.SymbolInfo)
	var actions []Action

	for _, pos := range positions {
		open[pos.Ticket] = struct{}{}

		info, ok := infos[pos.Symbol]
		if !ok {
			var err error
			info, err = m.exec.SymbolInfo(ctx, pos.Symbol)
			if err != nil {
				m.logEntry().WithError(err).WithField("symbol", pos.Symbol).Warn("Symbol info unavailable, position skipped.")
				continue
			}
			infos[pos.Symbol] = info
		}

		done, err := m.Manage(ctx, pos, info)
		actions = append(actions, done...)
		if err != nil {
			m.logEntry().WithError(err).WithFields(logrus.Fields{"ticket": pos.Ticket, "symbol": pos.Symbol}).Warn("Position management failed.")
		}
	}

	m.mu.Lock()
	for ticket := range m.tags {
		if _, ok := open[ticket]; !ok {
			delete(m.tags, ticket)
		}
	}
	m.mu.Unlock()

	return actions
}

// Manage applies break-even, trailing stop and partial close to one position.
func (m *Manager) Manage(ctx context.Context, pos models.Position, info models.SymbolInfo) ([]Action, error) {
	if info.Point <= 0 {
		return nil, fmt.Errorf("symbol %s has no point size", pos.Symbol)
	}
	cfg := m.config()
	t := m.tagsFor(pos.Ticket)
	pip := info.PipSize()
	sign := pos.Side.Sign()
	profitPips := (pos.CurrentPrice - pos.OpenPrice) * sign / pip

	m.mu.Lock()
	stop := pos.StopLoss
	if better(pos.Side, t.stop, stop) {
		stop = t.stop
	}
	beDone := t.breakEven
	m.mu.Unlock()

	var actions []Action
	entry := m.logEntry().WithFields(logrus.Fields{"ticket": pos.Ticket, "symbol": pos.Symbol})

	if cfg.BreakEven.Enabled && !beDone && profitPips >= cfg.BreakEven.ActivationPips {
		target := levels.RoundPrice(pos.OpenPrice+sign*cfg.BreakEven.OffsetPips*pip, info.Digits)
		if better(pos.Side, target, stop) {
			if err := m.exec.ModifyPosition(ctx, pos.Ticket, target, pos.TakeProfit); err != nil {
				return actions, fmt.Errorf("break-even: %w", err)
			}
			stop = target
			actions = append(actions, Action{Ticket: pos.Ticket, Symbol: pos.Symbol, Kind: ActionBreakEven, StopLoss: target})
			entry.WithField("sl", target).Info("Stop moved to break-even.")
		}
		m.mu.Lock()
		t.breakEven = true
		t.stop = stop
		m.mu.Unlock()
	}

	if cfg.Trailing.Enabled && profitPips >= cfg.Trailing.ActivationPips {
		candidate := levels.RoundPrice(pos.CurrentPrice-sign*cfg.Trailing.DistancePips*pip, info.Digits)
		improvement := (candidate - stop) * sign
		if stop == 0 || (improvement > 0 && improvement+priceEpsilon >= cfg.Trailing.StepPips*pip) {
			if err := m.exec.ModifyPosition(ctx, pos.Ticket, candidate, pos.TakeProfit); err != nil {
				return actions, fmt.Errorf("trailing stop: %w", err)
			}
			stop = candidate
			m.mu.Lock()
			t.stop = stop
			m.mu.Unlock()
			actions = append(actions, Action{Ticket: pos.Ticket, Symbol: pos.Symbol, Kind: ActionTrailing, StopLoss: candidate})
			entry.WithField("sl", candidate).Info("Trailing stop updated.")
		}
	}

	if cfg.Partial.Enabled {
		remaining := pos.Volume
		for _, level := range cfg.Partial.Levels {
			if profitPips < level.ProfitPips || remaining <= 0 {
				break
			}
			m.mu.Lock()
			consumed := t.partial[level.ProfitPips]
			m.mu.Unlock()
			if consumed {
				continue
			}

			volume := partialVolume(remaining, level.ClosePercent, info)
			if volume <= 0 {
				entry.WithField("level", level.ProfitPips).Warn("Partial close volume below symbol minimum, level skipped.")
			} else {
				if err := m.exec.ClosePosition(ctx, pos.Ticket, volume); err != nil {
					return actions, fmt.Errorf("partial close at %g pips: %w", level.ProfitPips, err)
				}
				remaining -= volume
				actions = append(actions, Action{Ticket: pos.Ticket, Symbol: pos.Symbol, Kind: ActionPartialClose, Volume: volume, Level: level.ProfitPips})
				entry.WithFields(logrus.Fields{"level": level.ProfitPips, "volume": volume}).Info("Position partially closed.")
			}
			m.mu.Lock()
			t.partial[level.ProfitPips] = true
			m.mu.Unlock()
		}
	}

	return actions, nil
}

func partialVolume(volume, percent float64, info models.SymbolInfo) float64 {
	v := volume * percent / 100
	if v < info.MinVolume {
		v = info.MinVolume
	}
	if v > volume {
		v = volume
	}
	return sizing.RoundToStep(v, info.VolumeStep, sizing.RoundDown)
}

// better reports whether stop a protects more than stop b for side.
// Zero means no stop at all.
func better(side models.OrderSide, a, b float64) bool {
	if a == 0 {
		return false
	}
	if b == 0 {
		return true
	}
	if side == models.OrderSideSell {
		return a < b-priceEpsilon
	}
	return a > b+priceEpsilon
}
