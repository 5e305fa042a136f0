package entity

import (
	"context"
	"sync"
	"time"

	"qlbridge/internal/qinglong"
	logx "qlbridge/pkg/logx"
)

// DefaultPollInterval is the minimum spacing between two effective token updates.
const DefaultPollInterval = 30 * time.Second

// throttleSlack absorbs scheduler jitter so a tick that lands slightly early
// is not skipped.
const throttleSlack = time.Second

// TokenSensor reports the held token and its lifetime.
type TokenSensor struct {
	panel    Panel
	src      TokenSource
	interval time.Duration
	clock    Clock
	log      logx.Logger

	mu         sync.Mutex
	lastUpdate time.Time
	info       qinglong.TokenInfo
}

// NewTokenSensor builds the sensor and takes an initial reading (no network).
func NewTokenSensor(panel Panel, src TokenSource, interval time.Duration, clock Clock, log logx.Logger) *TokenSensor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &TokenSensor{
		panel:    panel,
		src:      src,
		interval: interval,
		clock:    clock,
		log:      log,
		info:     src.CurrentToken(),
	}
}

func (s *TokenSensor) ID() string   { return s.panel.entityID("token") }
func (s *TokenSensor) Name() string { return "Token" }

// Update asks the token manager to renew when due. Calls within one interval
// of the previous update are no-ops.
func (s *TokenSensor) Update(ctx context.Context) error {
	now := s.clock.now()
	s.mu.Lock()
	if !s.lastUpdate.IsZero() && now.Sub(s.lastUpdate) < s.interval-throttleSlack {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.src.EnsureFresh(ctx)
	info := s.src.CurrentToken()

	s.mu.Lock()
	s.lastUpdate = now
	s.info = info
	s.mu.Unlock()
	s.log.Debug("token sensor updated", logx.Int64("expires_in_s", info.Remaining))
	return nil
}

func (s *TokenSensor) State() State {
	s.mu.Lock()
	info := s.info
	last := s.lastUpdate
	s.mu.Unlock()

	attrs := s.panel.attrs()
	attrs["token_expires_at"] = formatUnix(info.Expiry, "expired")
	attrs["token_expires_in_seconds"] = info.Remaining
	attrs["token_expires_display"] = FormatRemaining(info.Remaining)
	attrs["is_valid"] = info.Valid
	attrs["needs_refresh"] = info.NeedsRefresh
	attrs["last_refresh_time"] = formatUnix(info.LastRefreshTime, "never")
	attrs["last_updated"] = formatTime(last, "never")
	return State{Value: info.Value, Attributes: attrs}
}

// TasksSensor reports the number of tasks on the panel.
type TasksSensor struct {
	panel Panel
	src   TaskLister
	clock Clock
	log   logx.Logger

	onUpdate func(qinglong.TaskList)

	mu         sync.Mutex
	lastUpdate time.Time
	tasks      qinglong.TaskList
}

// NewTasksSensor seeds the sensor with an initial snapshot (may be empty).
// onUpdate, when set, receives every successfully fetched snapshot.
func NewTasksSensor(panel Panel, src TaskLister, initial qinglong.TaskList, clock Clock, log logx.Logger, onUpdate func(qinglong.TaskList)) *TasksSensor {
	return &TasksSensor{
		panel:    panel,
		src:      src,
		clock:    clock,
		log:      log,
		onUpdate: onUpdate,
		tasks:    initial,
	}
}

func (s *TasksSensor) ID() string   { return s.panel.entityID("tasks") }
func (s *TasksSensor) Name() string { return "Tasks" }

// Update fetches a new snapshot. A failed fetch keeps the previous one.
func (s *TasksSensor) Update(ctx context.Context) error {
	tl, ok := s.src.ListTasks(ctx)
	now := s.clock.now()

	s.mu.Lock()
	s.lastUpdate = now
	if ok {
		s.tasks = tl
	}
	s.mu.Unlock()

	if !ok {
		return ErrPollFailed
	}
	s.log.Debug("tasks sensor updated", logx.Int("tasks", tl.Len()))
	if s.onUpdate != nil {
		s.onUpdate(tl)
	}
	return nil
}

// Tasks returns the last good snapshot.
func (s *TasksSensor) Tasks() qinglong.TaskList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks
}

func (s *TasksSensor) State() State {
	s.mu.Lock()
	tl := s.tasks
	last := s.lastUpdate
	s.mu.Unlock()

	commands := make([]string, 0, tl.Len())
	for _, t := range tl.Tasks {
		commands = append(commands, t.Command)
	}
	en, dis := tl.Counts()

	attrs := s.panel.attrs()
	attrs["total_tasks"] = tl.Len()
	attrs["commands"] = commands
	attrs["enabled_tasks"] = en
	attrs["disabled_tasks"] = dis
	attrs["last_updated"] = formatTime(last, "never")
	return State{Value: tl.Len(), Attributes: attrs}
}
