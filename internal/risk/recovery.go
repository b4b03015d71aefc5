package risk

import (
	"copybot/internal/models"
	"sort"
	"sync"
	"time"
)

// Recovery tracks recovery mode: a reduced-size state entered after a loss
// streak and left after a win streak.
type Recovery struct {
	mu     sync.Mutex
	cfg    RecoveryConfig
	active bool
}

func NewRecovery(cfg RecoveryConfig) *Recovery {
	return &Recovery{cfg: cfg}
}

func (r *Recovery) SetConfig(cfg RecoveryConfig) {
	r.mu.Lock()
	r.cfg = cfg
	if !cfg.Enabled {
		r.active = false
	}
	r.mu.Unlock()
}

// Update re-derives the mode from the closed trade history and returns it.
func (r *Recovery) Update(trades []models.TradeRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cfg.Enabled || r.cfg.TriggerLosses <= 0 {
		r.active = false
		return false
	}

	ordered := append([]models.TradeRecord(nil), trades...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CloseTime.Before(ordered[j].CloseTime)
	})

	n := r.cfg.TriggerLosses
	if ConsecutiveLosses(ordered) >= n {
		newest := ordered[len(ordered)-1].CloseTime
		nth := ordered[len(ordered)-n].CloseTime
		maxSpan := time.Duration(r.cfg.MaxDays) * 24 * time.Hour
		if r.cfg.MaxDays <= 0 || newest.Sub(nth) <= maxSpan {
			r.active = true
			return true
		}
	}

	if r.active && consecutiveWins(ordered) >= r.cfg.WinsToReset {
		r.active = false
	}
	return r.active
}

func (r *Recovery) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Scale is the sizing multiplier: 1 outside recovery mode.
func (r *Recovery) Scale() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return 1
	}
	scale := 1 - r.cfg.ReductionPercent/100
	if scale < 0 {
		return 0
	}
	return scale
}
