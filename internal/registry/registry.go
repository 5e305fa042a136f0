// Package registry owns the configured panels: one qinglong client plus its
// entities per panel, wired to storage, events and metrics.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"qlbridge/internal/entity"
	"qlbridge/internal/eventbus"
	"qlbridge/internal/metrics"
	"qlbridge/internal/qinglong"
	"qlbridge/internal/storage"
	logx "qlbridge/pkg/logx"
)

var (
	ErrExists   = errors.New("panel already set up")
	ErrNotFound = errors.New("panel not found")
)

const persistTimeout = 5 * time.Second

// PanelConfig is one configured panel.
type PanelConfig struct {
	ID   string
	Name string
	Conn qinglong.Config
}

// Options are shared by every panel in the registry.
type Options struct {
	Log          logx.Logger
	Store        storage.Store // nil disables persistence
	Bus          eventbus.Bus  // nil disables events
	Metrics      *metrics.Metrics
	PollInterval time.Duration
	Clock        func() time.Time

	// ClientOptions are appended to every client's options (tests, transports).
	ClientOptions []qinglong.Option
}

// Registry maps panel id to its Instance.
type Registry struct {
	opts Options
	log  logx.Logger

	mu     sync.RWMutex
	panels map[string]*Instance
}

func New(opts Options) *Registry {
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = entity.DefaultPollInterval
	}
	return &Registry{
		opts:   opts,
		log:    opts.Log.With(logx.String("comp", "registry")),
		panels: map[string]*Instance{},
	}
}

// Setup creates and registers the panel. Without a configured or stored
// token the credentials are exchanged once; a rejected exchange fails setup.
func (r *Registry) Setup(ctx context.Context, pc PanelConfig) (*Instance, error) {
	if pc.ID == "" {
		return nil, errors.New("panel id is required")
	}
	r.mu.RLock()
	_, exists := r.panels[pc.ID]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, pc.ID)
	}

	inst := r.build(pc)
	r.restoreToken(ctx, inst)

	if inst.Client.CurrentToken().Value == "" {
		tok, err := qinglong.ValidateCredentials(ctx, pc.Conn, r.clientOptions(inst.log)...)
		if err != nil {
			inst.Client.Close()
			return nil, fmt.Errorf("panel %s: %w", pc.ID, err)
		}
		inst.Client.Tokens().Seed(tok)
		r.onRefresh(inst, tok)
	}

	// Initial fetch. A failure here is not fatal: the next poll retries.
	if err := inst.Tasks.Update(ctx); err != nil {
		inst.log.Warn("initial task fetch failed", logx.Err(err))
	}
	r.opts.Metrics.TokenRemaining(pc.ID, inst.Client.CurrentToken().Remaining)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.panels[pc.ID]; dup {
		inst.Client.Close()
		return nil, fmt.Errorf("%w: %s", ErrExists, pc.ID)
	}
	r.panels[pc.ID] = inst
	inst.log.Info("panel ready", logx.String("base_url", inst.Client.BaseURL()))
	return inst, nil
}

func (r *Registry) clientOptions(log logx.Logger) []qinglong.Option {
	opts := []qinglong.Option{qinglong.WithLogger(log), qinglong.WithClock(r.opts.Clock)}
	return append(opts, r.opts.ClientOptions...)
}

// build wires client hooks and entities without touching the network.
func (r *Registry) build(pc PanelConfig) *Instance {
	log := r.opts.Log.With(logx.String("comp", "panel"), logx.String("panel", pc.ID))
	inst := &Instance{
		ID:        pc.ID,
		Name:      pc.Name,
		cfg:       pc,
		log:       log,
		selection: &entity.Selection{},
		panel:     entity.Panel{ID: pc.ID, Host: pc.Conn.Host, Port: pc.Conn.Port},
	}
	if inst.panel.Port <= 0 {
		inst.panel.Port = qinglong.DefaultPort
	}
	if inst.Name == "" {
		inst.Name = pc.ID
	}

	hooks := qinglong.Hooks{
		OnRefresh: func(tok qinglong.Token) { r.onRefresh(inst, tok) },
		OnRefreshFailure: func(reason string) {
			r.opts.Metrics.TokenRefreshFailed(pc.ID, reason)
		},
		OnUnauthorized: func(op string) {
			r.opts.Metrics.Unauthorized(pc.ID, op)
			r.publish(eventbus.Event{Type: eventbus.TokenInvalidated, PanelID: pc.ID, Data: op})
		},
		OnTasksListed: func(_ int, ok bool) { r.opts.Metrics.TasksPolled(pc.ID, ok) },
	}
	opts := append(r.clientOptions(log), qinglong.WithHooks(hooks))
	inst.Client = qinglong.New(pc.Conn, opts...)

	clock := entity.Clock(r.opts.Clock)
	inst.tasksUpdated = func(tl qinglong.TaskList) { r.onTasks(inst, tl) }
	inst.Token = entity.NewTokenSensor(inst.panel, inst.Client, r.opts.PollInterval, clock, log)
	inst.Tasks = entity.NewTasksSensor(inst.panel, inst.Client, qinglong.TaskList{}, clock, log, inst.tasksUpdated)
	inst.Select = entity.NewTaskSelect(inst.panel, r.runner(inst, SourceSelect), inst.selection, clock, log)
	inst.Rerun = entity.NewRerunButton(inst.panel, r.runner(inst, SourceButton), inst.selection, clock, log)
	return inst
}

// restoreToken seeds the client with a stored token that outlives the
// configured one.
func (r *Registry) restoreToken(ctx context.Context, inst *Instance) {
	if r.opts.Store == nil {
		return
	}
	rec, ok, err := r.opts.Store.GetToken(ctx, inst.ID)
	if err != nil {
		inst.log.Warn("failed to load stored token", logx.Err(err))
		return
	}
	if ok && inst.Client.Tokens().Seed(qinglong.Token{Value: rec.Token, Expiry: rec.Expiry}) {
		inst.log.Info("restored stored token", logx.Time("expires_at", time.Unix(rec.Expiry, 0)))
	}
}

func (r *Registry) onRefresh(inst *Instance, tok qinglong.Token) {
	r.opts.Metrics.TokenRefreshed(inst.ID)
	r.opts.Metrics.TokenRemaining(inst.ID, tok.Expiry-r.opts.Clock().Unix())
	r.publish(eventbus.Event{Type: eventbus.TokenRefreshed, PanelID: inst.ID, Data: eventbus.TokenData{Expiry: tok.Expiry}})
	if r.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := r.opts.Store.PutToken(ctx, storage.TokenRecord{
		PanelID:   inst.ID,
		Token:     tok.Value,
		Expiry:    tok.Expiry,
		UpdatedAt: r.opts.Clock(),
	})
	if err != nil {
		inst.log.Warn("failed to persist token", logx.Err(err))
	}
}

func (r *Registry) onTasks(inst *Instance, tl qinglong.TaskList) {
	inst.Select.SetTasks(tl)
	en, dis := tl.Counts()
	r.opts.Metrics.Tasks(inst.ID, en, dis)
	r.publish(eventbus.Event{
		Type:    eventbus.TasksUpdated,
		PanelID: inst.ID,
		Data:    eventbus.TasksData{Total: tl.Total, Enabled: en, Disabled: dis},
	})
}

func (r *Registry) publish(e eventbus.Event) {
	if r.opts.Bus == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = r.opts.Clock()
	}
	r.opts.Bus.Publish(e)
}

// Unload closes the panel's HTTP session and removes it.
func (r *Registry) Unload(id string) bool {
	r.mu.Lock()
	inst, ok := r.panels[id]
	delete(r.panels, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	inst.Client.Close()
	r.opts.Metrics.Forget(id)
	inst.log.Info("panel unloaded")
	return true
}

// Get returns the instance for id.
func (r *Registry) Get(id string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.panels[id]
	return inst, ok
}

// IDs returns the registered panel ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.panels))
	for id := range r.panels {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) instances() []*Instance {
	r.mu.RLock()
	out := make([]*Instance, 0, len(r.panels))
	for _, inst := range r.panels {
		out = append(out, inst)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Poll updates every pollable entity of one panel.
func (r *Registry) Poll(ctx context.Context, id string) error {
	inst, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.poll(ctx, inst)
}

func (r *Registry) poll(ctx context.Context, inst *Instance) error {
	var errs []error
	for _, p := range inst.Pollables() {
		if err := p.Update(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.opts.Metrics.TokenRemaining(inst.ID, inst.Client.CurrentToken().Remaining)
	if err := errors.Join(errs...); err != nil {
		inst.log.Warn("poll incomplete", logx.Err(err))
		return fmt.Errorf("panel %s: %w", inst.ID, err)
	}
	return nil
}

// PollAll polls every panel concurrently and joins their errors.
func (r *Registry) PollAll(ctx context.Context) error {
	insts := r.instances()
	errs := make([]error, len(insts))
	var wg sync.WaitGroup
	for i, inst := range insts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.poll(ctx, inst)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close unloads every panel.
func (r *Registry) Close() {
	for _, id := range r.IDs() {
		r.Unload(id)
	}
}
