package gateway

import (
	"context"
	"copybot/internal/models"
	"fmt"
	"sort"
	"sync"
)

type account struct {
	gw   Gateway
	caps Capabilities
}

// Directory maps account ids to their gateways.
type Directory struct {
	mu       sync.RWMutex
	accounts map[string]account
}

func NewDirectory() *Directory {
	return &Directory{accounts: make(map[string]account)}
}

// Add registers gw under id and connects it if it supports connecting.
func (d *Directory) Add(ctx context.Context, id string, gw Gateway) error {
	if id == "" {
		return models.ConfigErrorf("account", "empty account id")
	}
	if gw == nil {
		return models.ConfigErrorf("account", "nil gateway for %s", id)
	}

	caps := Probe(gw)
	if caps.Connect != nil {
		if err := caps.Connect(ctx); err != nil {
			return fmt.Errorf("connect account %s: %w", id, err)
		}
	}

	d.mu.Lock()
	prev, existed := d.accounts[id]
	d.accounts[id] = account{gw: gw, caps: caps}
	d.mu.Unlock()

	if existed && prev.caps.Close != nil && prev.gw != gw {
		_ = prev.caps.Close()
	}
	return nil
}

func (d *Directory) Remove(id string) error {
	d.mu.Lock()
	acc, ok := d.accounts[id]
	delete(d.accounts, id)
	d.mu.Unlock()

	if !ok {
		return models.NewConfigError("account "+id, models.ErrUnknownAccount)
	}
	if acc.caps.Close != nil {
		return acc.caps.Close()
	}
	return nil
}

func (d *Directory) Get(id string) (Gateway, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acc, ok := d.accounts[id]
	return acc.gw, ok
}

func (d *Directory) Has(id string) bool {
	_, ok := d.Get(id)
	return ok
}

func (d *Directory) IDs() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.accounts))
	for id := range d.accounts {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// PingAccount checks one account. Accounts without a health check pass.
func (d *Directory) PingAccount(ctx context.Context, id string) error {
	d.mu.RLock()
	acc, ok := d.accounts[id]
	d.mu.RUnlock()
	if !ok {
		return models.NewConfigError("account "+id, models.ErrUnknownAccount)
	}
	if acc.caps.Ping == nil {
		return nil
	}
	return acc.caps.Ping(ctx)
}

// Ping checks every account that supports health checks and returns the
// failures keyed by account id.
func (d *Directory) Ping(ctx context.Context) map[string]error {
	d.mu.RLock()
	snapshot := make(map[string]account, len(d.accounts))
	for id, acc := range d.accounts {
		snapshot[id] = acc
	}
	d.mu.RUnlock()

	failed := make(map[string]error)
	for id, acc := range snapshot {
		if acc.caps.Ping == nil {
			continue
		}
		if err := acc.caps.Ping(ctx); err != nil {
			failed[id] = err
		}
	}
	return failed
}

func (d *Directory) Close() {
	d.mu.Lock()
	accounts := d.accounts
	d.accounts = make(map[string]account)
	d.mu.Unlock()

	for _, acc := range accounts {
		if acc.caps.Close != nil {
			_ = acc.caps.Close()
		}
	}
}
