package replication

import (
	"context"
	"copybot/internal/gateway"
	"copybot/internal/logger"
	"copybot/internal/models"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Resolver looks up target gateways by account id.
type Resolver interface {
	Get(id string) (gateway.Gateway, bool)
}

type GroupStats struct {
	Replicated int64 `json:"replicated"`
	Failed     int64 `json:"failed"`
	Filtered   int64 `json:"filtered"`
	Requeued   int64 `json:"requeued"`
	Dropped    int64 `json:"dropped"`
}

type GroupStatus struct {
	Enabled bool       `json:"enabled"`
	Targets []string   `json:"targets"`
	Config  Config     `json:"config"`
	Stats   GroupStats `json:"stats"`
}

type Status struct {
	Source    string                 `json:"source"`
	Running   bool                   `json:"running"`
	Enabled   bool                   `json:"enabled"`
	QueueSize int                    `json:"queue_size"`
	RetrySize int                    `json:"retry_size"`
	Processed int                    `json:"processed_orders"`
	Groups    map[string]GroupStatus `json:"groups"`
}

// route is one group's view of the shared source pipeline.
type route struct {
	cfg     Config
	targets []string
	stats   GroupStats
}

type plannedJob struct {
	group   string
	cfg     Config
	targets []string
}

// Pipeline watches one source account and mirrors its fills onto the targets
// of every group bound to that source. One monitor loop and one replication
// loop run per pipeline.
type Pipeline struct {
	source   string
	src      gateway.Gateway
	targets  Resolver
	settings Settings
	log      *logger.Logger
	now      func() time.Time

	mu        sync.Mutex
	routes    map[string]*route
	running   bool
	lastCheck time.Time
	stopCh    chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc

	processed *ProcessedSet
	queue     *Queue
	retry     *Queue
	notify    chan struct{}

	bmu      sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewPipeline(source string, src gateway.Gateway, targets Resolver, settings Settings, log *logger.Logger) *Pipeline {
	settings = settings.withDefaults()
	return &Pipeline{
		source:    source,
		src:       src,
		targets:   targets,
		settings:  settings,
		log:       log,
		now:       time.Now,
		routes:    make(map[string]*route),
		processed: NewProcessedSet(settings.ProcessedCap),
		queue:     NewQueue(settings.MaxQueue),
		retry:     NewQueue(settings.MaxQueue),
		notify:    make(chan struct{}, 1),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (p *Pipeline) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *Pipeline) Source() string {
	return p.source
}

func (p *Pipeline) logEntry() *logrus.Entry {
	return p.log.WithComponent("replication").WithField("source", p.source)
}

func (p *Pipeline) clock() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now()
}

// SetRoute binds group to this pipeline or replaces its config and targets.
// Statistics of an existing group are kept.
func (p *Pipeline) SetRoute(group string, cfg Config, targets []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routes[group]
	if !ok {
		r = &route{}
		p.routes[group] = r
	}
	r.cfg = cfg.clone()
	r.targets = append([]string(nil), targets...)
}

// RemoveRoute unbinds group and returns how many groups remain.
func (p *Pipeline) RemoveRoute(group string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.routes, group)
	return len(p.routes)
}

func (p *Pipeline) Route(group string) (Config, []string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routes[group]
	if !ok {
		return Config{}, nil, false
	}
	return r.cfg.clone(), append([]string(nil), r.targets...), true
}

func (p *Pipeline) SetEnabled(group string, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.routes[group]
	if !ok {
		return models.NewConfigError("group "+group, models.ErrUnknownGroup)
	}
	r.cfg.Enabled = enabled
	return nil
}

// EnabledGroups lists enabled groups other than except.
func (p *Pipeline) EnabledGroups(except string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for name, r := range p.routes {
		if name != except && r.cfg.Enabled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the monitor and replication loops. Starting a running
// pipeline is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.logEntry().Debug("Pipeline already running.")
		return nil
	}
	if len(p.routes) == 0 {
		return models.ConfigErrorf("source "+p.source, "no groups bound")
	}
	if p.lastCheck.IsZero() {
		p.lastCheck = p.now()
	}

	runCtx, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	p.running = true
	p.stopCh = stop
	p.done = done
	p.cancel = cancel

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.monitorLoop(runCtx, stop)
	}()
	go func() {
		defer wg.Done()
		p.replicationLoop(runCtx, stop)
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	p.logEntry().Info("Replication pipeline started.")
	return nil
}

// Stop halts both loops and waits for them for at most the stop timeout.
// Queued items stay in place for the next Start.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	done, cancel := p.done, p.cancel
	p.mu.Unlock()

	defer cancel()
	select {
	case <-done:
		p.logEntry().Info("Replication pipeline stopped.")
		return nil
	case <-time.After(p.settings.StopTimeout):
		p.logEntry().Warn("Replication loops did not stop in time, cancelling in-flight calls.")
		return fmt.Errorf("stop pipeline %s: %w", p.source, models.ErrTimeout)
	}
}

func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := Status{
		Source:  p.source,
		Running: p.running,
		Groups:  make(map[string]GroupStatus, len(p.routes)),
	}
	for name, r := range p.routes {
		st.Enabled = st.Enabled || r.cfg.Enabled
		st.Groups[name] = GroupStatus{
			Enabled: r.cfg.Enabled,
			Targets: append([]string(nil), r.targets...),
			Config:  r.cfg.clone(),
			Stats:   r.stats,
		}
	}
	p.mu.Unlock()

	st.QueueSize = p.queue.Len()
	st.RetrySize = p.retry.Len()
	st.Processed = p.processed.Len()
	return st
}

func (p *Pipeline) monitorLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.settings.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}

		if len(p.EnabledGroups("")) > 0 {
			if n, err := p.poll(ctx); err != nil {
				p.logEntry().WithError(err).Warn("Failed to fetch source order history.")
			} else if n > 0 {
				p.logEntry().WithField("orders", n).Debug("Source orders queued.")
			}
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll fetches the trailing history window and queues unseen fills. The
// window overlaps the previous one to tolerate late gateway reports.
func (p *Pipeline) poll(ctx context.Context) (int, error) {
	now := p.clock()
	p.mu.Lock()
	from := p.lastCheck.Add(-p.settings.Overlap)
	p.mu.Unlock()
	if earliest := now.Add(-p.settings.Lookback); from.Before(earliest) {
		from = earliest
	}

	records, err := p.src.HistoricalOrders(ctx, from, now)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.lastCheck = now
	p.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool { return records[i].OpenTime.Before(records[j].OpenTime) })

	added := 0
	for _, rec := range records {
		if rec.Ticket == 0 || rec.Closed() {
			continue
		}
		if !p.processed.Add(rec.Ticket) {
			continue
		}
		p.enqueue(NewItem(rec, now))
		added++
		p.logEntry().WithFields(logrus.Fields{"ticket": rec.Ticket, "symbol": rec.Symbol}).Info("New source order detected.")
	}
	return added, nil
}

func (p *Pipeline) enqueue(item *Item) {
	if dropped := p.queue.Push(item); dropped != nil {
		p.logEntry().WithField("ticket", dropped.Order.Ticket).Warn("Replication queue full, oldest order dropped.")
	}
	p.wake()
}

func (p *Pipeline) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pipeline) replicationLoop(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		item := p.queue.Pop()
		if item == nil {
			item = p.retry.Pop()
		}
		if item == nil {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-p.notify:
			case <-time.After(p.settings.PollInterval):
			}
			continue
		}
		p.process(ctx, stop, item)
	}
}

func (p *Pipeline) plan(item *Item) []plannedJob {
	p.mu.Lock()
	defer p.mu.Unlock()

	var jobs []plannedJob
	if len(item.Jobs) == 0 {
		names := make([]string, 0, len(p.routes))
		for name := range p.routes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			r := p.routes[name]
			jobs = append(jobs, plannedJob{group: name, cfg: r.cfg.clone(), targets: append([]string(nil), r.targets...)})
		}
		return jobs
	}

	for _, j := range item.Jobs {
		r, ok := p.routes[j.Group]
		if !ok {
			continue
		}
		// targets removed from the group since the item was queued are skipped
		var targets []string
		for _, id := range j.Targets {
			for _, cur := range r.targets {
				if cur == id {
					targets = append(targets, id)
					break
				}
			}
		}
		if len(targets) > 0 {
			jobs = append(jobs, plannedJob{group: j.Group, cfg: r.cfg.clone(), targets: targets})
		}
	}
	return jobs
}

func (p *Pipeline) process(ctx context.Context, stop <-chan struct{}, item *Item) {
	jobs := p.plan(item)
	var failed []Job
	// a target shared by several groups of this source receives the order once
	sent := make(map[string]bool, len(item.Sent))
	for _, id := range item.Sent {
		sent[id] = true
	}

	for i, job := range jobs {
		entry := p.logEntry().WithFields(logrus.Fields{"group": job.group, "ticket": item.Order.Ticket, "link_id": item.LinkID})
		if !job.cfg.Enabled {
			entry.Debug("Group disabled, order skipped.")
			continue
		}
		req, reason, ok := Transform(item.Order, job.cfg)
		if !ok {
			entry.WithField("reason", reason).Info("Order filtered.")
			p.count(job.group, func(s *GroupStats) { s.Filtered++ })
			continue
		}
		req.LinkID = item.LinkID

		if d := job.cfg.Delay(); d > 0 {
			select {
			case <-stop:
				p.pushBack(item, jobs[i:], sent, failed)
				return
			case <-ctx.Done():
				p.pushBack(item, jobs[i:], sent, failed)
				return
			case <-time.After(d):
			}
		}

		var targets []string
		for _, id := range job.targets {
			if !sent[id] {
				sent[id] = true
				targets = append(targets, id)
			}
		}
		if len(targets) == 0 {
			continue
		}
		if bad := p.dispatch(ctx, job.group, targets, req); len(bad) > 0 {
			failed = append(failed, Job{Group: job.group, Targets: bad})
		}
	}

	if len(failed) == 0 {
		return
	}
	entry := p.logEntry().WithFields(logrus.Fields{"ticket": item.Order.Ticket, "link_id": item.LinkID})
	if item.Attempts >= 1 {
		for _, j := range failed {
			p.count(j.Group, func(s *GroupStats) { s.Dropped++ })
		}
		entry.Warn("Replication failed again after requeue, order dropped.")
		return
	}

	retry := *item
	retry.Attempts++
	retry.Jobs = failed
	retry.Sent = nil
	retry.Enqueued = p.clock()
	if dropped := p.retry.Push(&retry); dropped != nil {
		p.logEntry().WithField("ticket", dropped.Order.Ticket).Warn("Retry queue full, oldest order dropped.")
	}
	for _, j := range failed {
		p.count(j.Group, func(s *GroupStats) { s.Requeued++ })
	}
	entry.Warn("Replication failed on some targets, order requeued.")
}

// pushBack returns an item interrupted by Stop so the next run resumes it.
// Targets already served stay excluded; targets that failed before the
// interruption are resumed with the remaining jobs.
func (p *Pipeline) pushBack(item *Item, remaining []plannedJob, sent map[string]bool, failed []Job) {
	back := *item
	back.Jobs = make([]Job, 0, len(failed)+len(remaining))
	retrying := make(map[string]bool)
	for _, j := range failed {
		back.Jobs = append(back.Jobs, j)
		for _, id := range j.Targets {
			retrying[id] = true
		}
	}
	for _, j := range remaining {
		back.Jobs = append(back.Jobs, Job{Group: j.group, Targets: j.targets})
	}
	back.Sent = nil
	for id := range sent {
		if !retrying[id] {
			back.Sent = append(back.Sent, id)
		}
	}
	sort.Strings(back.Sent)
	if dropped := p.queue.PushFront(&back); dropped != nil {
		p.logEntry().WithField("ticket", dropped.Order.Ticket).Warn("Replication queue full, newest order dropped.")
	}
}

func (p *Pipeline) count(group string, fn func(*GroupStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.routes[group]; ok {
		fn(&r.stats)
	}
}
