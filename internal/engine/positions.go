package engine

import (
	"context"
	"copybot/internal/lifecycle"
	"copybot/internal/models"
	"copybot/internal/risk"
	"errors"
	"fmt"
	"time"
)

// ManagePositions runs break-even, trailing stop and partial close over the
// current open positions.
func (e *Engine) ManagePositions(ctx context.Context) ([]lifecycle.Action, error) {
	positions, err := withRetry(ctx, e, "open_positions", func() ([]models.Position, error) {
		return e.gw.OpenPositions(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	return e.lifecycle.Sweep(ctx, positions), nil
}

// CloseAllPositions closes every open position at market. A failed close
// does not stop the others; it reports whether all of them closed.
func (e *Engine) CloseAllPositions(ctx context.Context) (bool, error) {
	positions, err := withRetry(ctx, e, "open_positions", func() ([]models.Position, error) {
		return e.gw.OpenPositions(ctx)
	})
	if err != nil {
		return false, fmt.Errorf("open positions: %w", err)
	}

	var errs []error
	for _, p := range positions {
		_, err := withRetry(ctx, e, "close_position", func() (struct{}, error) {
			return struct{}{}, e.gw.ClosePosition(ctx, p.Ticket, p.Volume)
		})
		entry := e.logEntry().WithFields(map[string]interface{}{
			"ticket": p.Ticket,
			"symbol": p.Symbol,
			"volume": formatVolume(p.Volume),
		})
		if err != nil {
			entry.WithError(err).Error("Failed to close position.")
			errs = append(errs, fmt.Errorf("close %d: %w", p.Ticket, err))
			continue
		}
		entry.Info("Position closed.")
	}

	e.mu.Lock()
	e.refreshed = time.Time{}
	e.mu.Unlock()

	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	e.logEntry().WithField("count", len(positions)).Info("All positions closed.")
	return true, nil
}

// RiskReport summarizes the account and its limits as of now.
func (e *Engine) RiskReport(ctx context.Context) (risk.Report, error) {
	if err := e.Refresh(ctx); err != nil {
		return risk.Report{}, err
	}
	state, allowed := e.LimitsState()
	snap := e.tracker.Snapshot(e.tracker.Now())
	return risk.NewReport(snap, state, allowed, e.recovery.Active()), nil
}
