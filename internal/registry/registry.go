package registry

import (
	"context"
	"copybot/internal/gateway"
	"copybot/internal/logger"
	"copybot/internal/models"
	"copybot/internal/replication"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// GroupStatus is the state of one group as seen through its source pipeline.
type GroupStatus struct {
	Name      string                 `json:"group"`
	Source    string                 `json:"source"`
	Targets   []string               `json:"targets"`
	Running   bool                   `json:"running"`
	Enabled   bool                   `json:"enabled"`
	QueueSize int                    `json:"queue_size"`
	RetrySize int                    `json:"retry_size"`
	Processed int                    `json:"processed_orders"`
	Config    replication.Config     `json:"config"`
	Stats     replication.GroupStats `json:"stats"`
}

// Registry owns the replication groups and the per-source pipelines they
// share. A pipeline lives as long as at least one group references its source.
type Registry struct {
	dir      *gateway.Directory
	settings replication.Settings
	store    Store
	log      *logger.Logger

	mu        sync.Mutex
	groups    map[string]*Group
	pipelines map[string]*replication.Pipeline
}

func New(dir *gateway.Directory, settings replication.Settings, store Store, log *logger.Logger) *Registry {
	return &Registry{
		dir:       dir,
		settings:  settings,
		store:     store,
		log:       log,
		groups:    make(map[string]*Group),
		pipelines: make(map[string]*replication.Pipeline),
	}
}

func (r *Registry) logEntry() *logrus.Entry {
	return r.log.WithComponent("registry")
}

func (r *Registry) Directory() *gateway.Directory {
	return r.dir
}

func (r *Registry) AddAccount(ctx context.Context, id string, gw gateway.Gateway) error {
	if r.dir.Has(id) {
		return models.NewConfigError("account "+id, models.ErrAccountExists)
	}
	if err := r.dir.Add(ctx, id, gw); err != nil {
		return err
	}
	r.logEntry().WithField("account", id).Info("Account added.")
	return nil
}

// RemoveAccount deletes groups sourced from id, drops id from every target
// list and disconnects it.
func (r *Registry) RemoveAccount(id string) error {
	if !r.dir.Has(id) {
		return models.NewConfigError("account "+id, models.ErrUnknownAccount)
	}

	r.mu.Lock()
	var sourced, targeted []string
	for name, g := range r.groups {
		if g.Source == id {
			sourced = append(sourced, name)
		} else if slices.Contains(g.Targets, id) {
			targeted = append(targeted, name)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, name := range sourced {
		errs = append(errs, r.RemoveGroup(name))
	}
	for _, name := range targeted {
		errs = append(errs, r.RemoveTarget(name, id))
	}
	errs = append(errs, r.dir.Remove(id))

	r.logEntry().WithField("account", id).Info("Account removed.")
	return errors.Join(errs...)
}

func (r *Registry) CreateGroup(name, source string, targets []string) error {
	if name == "" {
		return models.ConfigErrorf("group", "empty group name")
	}
	if !r.dir.Has(source) {
		return models.NewConfigError("source "+source, models.ErrUnknownAccount)
	}
	var clean []string
	for _, id := range targets {
		if err := r.validateTarget(source, id); err != nil {
			return err
		}
		if !slices.Contains(clean, id) {
			clean = append(clean, id)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[name]; ok {
		return models.NewConfigError("group "+name, models.ErrGroupExists)
	}
	g := &Group{Name: name, Source: source, Targets: clean, Config: replication.DefaultConfig()}
	r.groups[name] = g
	r.pipelineLocked(source).SetRoute(name, g.Config, g.Targets)

	r.logEntry().WithFields(logrus.Fields{"group": name, "source": source, "targets": len(clean)}).Info("Replication group created.")
	return nil
}

func (r *Registry) validateTarget(source, id string) error {
	if id == source {
		return models.NewConfigError("target "+id, models.ErrTargetIsSource)
	}
	if !r.dir.Has(id) {
		return models.NewConfigError("target "+id, models.ErrUnknownAccount)
	}
	return nil
}

// pipelineLocked returns the shared pipeline for source, creating it on first use.
func (r *Registry) pipelineLocked(source string) *replication.Pipeline {
	p, ok := r.pipelines[source]
	if !ok {
		src, _ := r.dir.Get(source)
		p = replication.NewPipeline(source, src, r.dir, r.settings, r.log)
		r.pipelines[source] = p
	}
	return p
}

// RemoveGroup deletes a group. The source pipeline is discarded when no other
// group uses it and stopped when no remaining group is enabled.
func (r *Registry) RemoveGroup(name string) error {
	r.mu.Lock()
	g, ok := r.groups[name]
	if !ok {
		r.mu.Unlock()
		return models.NewConfigError("group "+name, models.ErrUnknownGroup)
	}
	delete(r.groups, name)
	p := r.pipelines[g.Source]
	var idle bool
	if p != nil {
		if p.RemoveRoute(name) == 0 {
			delete(r.pipelines, g.Source)
		}
		idle = len(p.EnabledGroups("")) == 0
	}
	r.mu.Unlock()

	r.logEntry().WithField("group", name).Info("Replication group removed.")
	if idle {
		return p.Stop()
	}
	return nil
}

func (r *Registry) AddTarget(group, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[group]
	if !ok {
		return models.NewConfigError("group "+group, models.ErrUnknownGroup)
	}
	if err := r.validateTarget(g.Source, id); err != nil {
		return err
	}
	if slices.Contains(g.Targets, id) {
		return nil
	}
	g.Targets = append(g.Targets, id)
	r.pipelines[g.Source].SetRoute(group, g.Config, g.Targets)
	r.logEntry().WithFields(logrus.Fields{"group": group, "target": id}).Info("Target added to group.")
	return nil
}

func (r *Registry) RemoveTarget(group, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[group]
	if !ok {
		return models.NewConfigError("group "+group, models.ErrUnknownGroup)
	}
	i := slices.Index(g.Targets, id)
	if i < 0 {
		return nil
	}
	g.Targets = slices.Delete(g.Targets, i, i+1)
	r.pipelines[g.Source].SetRoute(group, g.Config, g.Targets)
	r.logEntry().WithFields(logrus.Fields{"group": group, "target": id}).Info("Target removed from group.")
	return nil
}

func (r *Registry) SetConfig(group string, cfg replication.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[group]
	if !ok {
		return models.NewConfigError("group "+group, models.ErrUnknownGroup)
	}
	g.Config = cfg
	g.Config.Symbols = append([]string(nil), cfg.Symbols...)
	r.pipelines[g.Source].SetRoute(group, g.Config, g.Targets)
	return nil
}

func (r *Registry) GetConfig(group string) (replication.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[group]
	if !ok {
		return replication.Config{}, models.NewConfigError("group "+group, models.ErrUnknownGroup)
	}
	return g.clone().Config, nil
}

// Start enables group and makes sure its source pipeline is running.
func (r *Registry) Start(ctx context.Context, group string) error {
	r.mu.Lock()
	g, ok := r.groups[group]
	if !ok {
		r.mu.Unlock()
		return models.NewConfigError("group "+group, models.ErrUnknownGroup)
	}
	if len(g.Targets) == 0 {
		r.mu.Unlock()
		return models.ConfigErrorf("group "+group, "no target accounts")
	}
	accounts := append([]string{g.Source}, g.Targets...)
	r.mu.Unlock()

	for _, id := range accounts {
		if err := r.dir.PingAccount(ctx, id); err != nil {
			return fmt.Errorf("start group %s: account %s not reachable: %w", group, id, err)
		}
	}

	r.mu.Lock()
	g, ok = r.groups[group]
	if !ok {
		r.mu.Unlock()
		return models.NewConfigError("group "+group, models.ErrUnknownGroup)
	}
	g.Config.Enabled = true
	p := r.pipelines[g.Source]
	p.SetRoute(group, g.Config, g.Targets)
	r.mu.Unlock()

	if err := p.Start(ctx); err != nil {
		return err
	}
	r.logEntry().WithField("group", group).Info("Replication started.")
	return nil
}

// Stop disables group. The shared pipeline keeps running while any sibling
// group on the same source is still enabled.
func (r *Registry) Stop(group string) error {
	r.mu.Lock()
	g, ok := r.groups[group]
	if !ok {
		r.mu.Unlock()
		return models.NewConfigError("group "+group, models.ErrUnknownGroup)
	}
	g.Config.Enabled = false
	p := r.pipelines[g.Source]
	p.SetRoute(group, g.Config, g.Targets)
	siblings := p.EnabledGroups(group)
	r.mu.Unlock()

	entry := r.logEntry().WithField("group", group)
	if len(siblings) > 0 {
		entry.WithField("siblings", siblings).Info("Group disabled, shared pipeline keeps running.")
		return nil
	}
	entry.Info("Replication stopped.")
	return p.Stop()
}

// StartEnabled starts every group whose stored config is enabled. Failures
// are logged and do not prevent the other groups from starting.
func (r *Registry) StartEnabled(ctx context.Context) int {
	started := 0
	for _, g := range r.Groups() {
		if !g.Config.Enabled {
			continue
		}
		if err := r.Start(ctx, g.Name); err != nil {
			r.logEntry().WithError(err).WithField("group", g.Name).Error("Failed to start group.")
			continue
		}
		started++
	}
	return started
}

func (r *Registry) Status(group string) (GroupStatus, error) {
	r.mu.Lock()
	g, ok := r.groups[group]
	if !ok {
		r.mu.Unlock()
		return GroupStatus{}, models.NewConfigError("group "+group, models.ErrUnknownGroup)
	}
	def := g.clone()
	p := r.pipelines[g.Source]
	r.mu.Unlock()

	st := p.Status()
	gs := st.Groups[group]
	return GroupStatus{
		Name:      def.Name,
		Source:    def.Source,
		Targets:   def.Targets,
		Running:   st.Running,
		Enabled:   def.Config.Enabled,
		QueueSize: st.QueueSize,
		RetrySize: st.RetrySize,
		Processed: st.Processed,
		Config:    def.Config,
		Stats:     gs.Stats,
	}, nil
}

func (r *Registry) StatusAll() map[string]GroupStatus {
	out := make(map[string]GroupStatus)
	for _, g := range r.Groups() {
		if st, err := r.Status(g.Name); err == nil {
			out[g.Name] = st
		}
	}
	return out
}

// Groups returns copies of all group definitions sorted by name.
func (r *Registry) Groups() []Group {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Save(ctx context.Context) error {
	if r.store == nil {
		return models.ConfigErrorf("store", "no group store configured")
	}
	groups := r.Groups()
	if err := r.store.Save(ctx, groups); err != nil {
		return fmt.Errorf("save groups: %w", err)
	}
	r.logEntry().WithField("groups", len(groups)).Info("Replication groups saved.")
	return nil
}

// Load recreates stored groups. Groups that already exist or reference
// unknown accounts are skipped with an error log. Loaded groups are not
// started.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, models.ConfigErrorf("store", "no group store configured")
	}
	groups, err := r.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load groups: %w", err)
	}

	loaded := 0
	for _, g := range groups {
		entry := r.logEntry().WithField("group", g.Name)
		if err := r.CreateGroup(g.Name, g.Source, g.Targets); err != nil {
			entry.WithError(err).Error("Stored group skipped.")
			continue
		}
		if err := r.SetConfig(g.Name, g.Config); err != nil {
			entry.WithError(err).Error("Stored group config rejected, defaults kept.")
		}
		loaded++
	}
	r.logEntry().WithField("groups", loaded).Info("Replication groups loaded.")
	return loaded, nil
}

// Close stops every pipeline.
func (r *Registry) Close() error {
	r.mu.Lock()
	pipelines := make([]*replication.Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		pipelines = append(pipelines, p)
	}
	r.mu.Unlock()

	var errs []error
	for _, p := range pipelines {
		errs = append(errs, p.Stop())
	}
	return errors.Join(errs...)
}
