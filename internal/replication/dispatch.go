package replication

import (
	"context"
	"copybot/internal/gateway"
	"copybot/internal/models"
	"copybot/internal/sizing"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// dispatch sends req to every target in its own goroutine and returns the
// targets that failed with a retryable error. A failing target never holds
// back the others.
func (p *Pipeline) dispatch(ctx context.Context, group string, targets []string, req models.OrderRequest) []string {
	var (
		mu     sync.Mutex
		failed []string
	)

	var g errgroup.Group
	for _, id := range targets {
		g.Go(func() error {
			entry := p.logEntry().WithFields(logrus.Fields{"group": group, "target": id, "symbol": req.Symbol, "link_id": req.LinkID})
			err := p.send(ctx, id, req)
			switch {
			case err == nil:
				p.count(group, func(s *GroupStats) { s.Replicated++ })
				entry.WithFields(logrus.Fields{"side": req.Side, "volume": req.Volume}).Info("Order replicated.")
			case models.IsConfigError(err):
				p.count(group, func(s *GroupStats) { s.Failed++ })
				entry.WithError(err).Error("Target rejected order.")
			default:
				p.count(group, func(s *GroupStats) { s.Failed++ })
				entry.WithError(err).Warn("Replication to target failed.")
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(failed)
	return failed
}

// send retries one target with a fixed delay between attempts. Config errors
// are returned at once.
func (p *Pipeline) send(ctx context.Context, id string, req models.OrderRequest) error {
	gw, ok := p.targets.Get(id)
	if !ok {
		return models.NewConfigError("target "+id, models.ErrUnknownAccount)
	}
	cb := p.breaker(id)

	var lastErr error
	for attempt := 1; attempt <= p.settings.RetryAttempts; attempt++ {
		_, err := cb.Execute(func() (interface{}, error) {
			return nil, execute(ctx, gw, req)
		})
		if err == nil {
			return nil
		}
		if models.IsConfigError(err) {
			return err
		}
		lastErr = err
		if attempt == p.settings.RetryAttempts {
			break
		}
		p.logEntry().WithError(err).WithFields(logrus.Fields{"target": id, "attempt": attempt}).Debug("Dispatch failed, retrying.")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.settings.RetryDelay):
		}
	}
	return lastErr
}

// execute fits the volume to the target's symbol constraints and places the order.
func execute(ctx context.Context, gw gateway.Gateway, req models.OrderRequest) error {
	info, err := gw.SymbolInfo(ctx, req.Symbol)
	if err != nil {
		return err
	}
	req.Volume = sizing.Normalize(req.Volume, info, 1, sizing.RoundNearest)

	res, err := gw.ExecuteOrder(ctx, req)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("order %s not accepted", req.Comment)
	}
	return nil
}

func (p *Pipeline) breaker(id string) *gobreaker.CircuitBreaker {
	p.bmu.Lock()
	defer p.bmu.Unlock()
	if cb, ok := p.breakers[id]; ok {
		return cb
	}
	failures := p.settings.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    p.source + "->" + id,
		Timeout: p.settings.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || models.IsConfigError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logEntry().WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("Target circuit breaker changed state.")
		},
	})
	p.breakers[id] = cb
	return cb
}
