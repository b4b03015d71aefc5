package main

import (
	"context"
	"copybot/internal/config"
	"copybot/internal/engine"
	"copybot/internal/gateway"
	"copybot/internal/gateway/bridge"
	"copybot/internal/gateway/paper"
	"copybot/internal/logger"
	"copybot/internal/models"
	"copybot/internal/registry"
	"errors"
	"fmt"
	"io"
)

type app struct {
	loader  *config.Loader
	cfg     *config.Config
	log     *logger.Logger
	reg     *registry.Registry
	engines map[string]*engine.Engine
	closers []io.Closer
}

// newApp loads the configuration and wires accounts, the group registry and
// one engine per managed account. With connect unset every account is backed
// by an empty paper gateway: group edits only need the account ids.
func newApp(ctx context.Context, connect bool) (*app, error) {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log)

	a := &app{
		loader:  loader,
		cfg:     cfg,
		log:     log,
		engines: make(map[string]*engine.Engine),
	}

	store, err := a.store()
	if err != nil {
		return nil, err
	}
	a.reg = registry.New(gateway.NewDirectory(), cfg.Replication, store, log)

	for _, acc := range cfg.Accounts {
		gw := newGateway(acc, connect, log)
		if err := a.reg.AddAccount(ctx, acc.ID, gw); err != nil {
			a.Close()
			return nil, fmt.Errorf("account %s: %w", acc.ID, err)
		}
		if connect && acc.Managed {
			a.engines[acc.ID] = engine.New(gw, cfg.Engine, log)
		}
	}
	return a, nil
}

func newGateway(acc config.AccountConfig, connect bool, log *logger.Logger) gateway.Gateway {
	if !connect || acc.Type == config.AccountPaper {
		return paper.New(acc.ID, acc.Balance)
	}
	return bridge.New(bridge.Options{
		Account:     acc.ID,
		URL:         acc.URL,
		APIKey:      acc.APIKey,
		Secret:      acc.Secret,
		CallTimeout: acc.Timeout,
	}, log)
}

func (a *app) store() (registry.Store, error) {
	switch a.cfg.Store.Type {
	case config.StoreSQLite:
		s, err := registry.NewSQLiteStore(a.cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open group store: %w", err)
		}
		a.closers = append(a.closers, s)
		return s, nil
	default:
		return registry.NewFileStore(a.cfg.Store.Path), nil
	}
}

// engine returns the engine of a managed account.
func (a *app) engine(id string) (*engine.Engine, error) {
	e, ok := a.engines[id]
	if !ok {
		return nil, models.ConfigErrorf("account "+id, "not a managed account")
	}
	return e, nil
}

func (a *app) Close() error {
	errs := []error{a.reg.Close()}
	a.reg.Directory().Close()
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
