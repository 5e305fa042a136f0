package entity

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "qlbridge/pkg/logx"
)

// MinPressInterval is the minimum spacing between two accepted presses.
const MinPressInterval = 2 * time.Second

var (
	// ErrTooFrequent is returned for presses inside MinPressInterval.
	ErrTooFrequent = errors.New("pressed too frequently")
	// ErrNoSelection is returned when no task has been selected yet.
	ErrNoSelection = errors.New("no task selected")
)

// RerunButton re-runs the task last chosen in the selector.
type RerunButton struct {
	panel  Panel
	runner TaskRunner
	sel    *Selection
	clock  Clock
	log    logx.Logger

	limiter *rate.Limiter

	mu        sync.Mutex
	lastPress time.Time
	lastRun   *RunStatus
	lastTask  string
	lastID    string
}

func NewRerunButton(panel Panel, runner TaskRunner, sel *Selection, clock Clock, log logx.Logger) *RerunButton {
	return &RerunButton{
		panel:   panel,
		runner:  runner,
		sel:     sel,
		clock:   clock,
		log:     log,
		limiter: rate.NewLimiter(rate.Every(MinPressInterval), 1),
	}
}

func (b *RerunButton) ID() string   { return b.panel.entityID("rerun") }
func (b *RerunButton) Name() string { return "Rerun" }

// Press re-runs the selected task. Ignored presses return ErrTooFrequent or
// ErrNoSelection; a rejected run returns ErrRunFailed.
func (b *RerunButton) Press(ctx context.Context) error {
	now := b.clock.now()
	if !b.limiter.AllowN(now, 1) {
		b.log.Warn("button pressed too frequently, ignoring")
		return ErrTooFrequent
	}
	b.mu.Lock()
	b.lastPress = now
	b.mu.Unlock()

	sel, ok := b.sel.Get()
	if !ok || sel.TaskID == "" {
		b.log.Warn("no task selected, select a task first")
		return ErrNoSelection
	}

	b.log.Info("re-running task", logx.String("option", sel.Option), logx.String("task_id", sel.TaskID))
	st := runTask(ctx, b.runner, b.clock, sel.Option, sel.TaskID)

	b.mu.Lock()
	b.lastRun = &st
	b.lastTask = sel.Option
	b.lastID = sel.TaskID
	b.mu.Unlock()

	sel.At = now
	sel.Run = &st
	b.sel.set(sel)

	if st.State != RunSuccess {
		b.log.Error("failed to re-run task", logx.String("option", sel.Option))
		return ErrRunFailed
	}
	return nil
}

func (b *RerunButton) State() State {
	b.mu.Lock()
	last := b.lastPress
	attrs := b.panel.attrs()
	if b.lastRun != nil {
		attrs["last_run_status"] = b.lastRun.State
		attrs["last_run_time"] = formatTime(b.lastRun.Start, "never")
		attrs["last_task_id"] = b.lastID
		attrs["last_pressed_task"] = b.lastTask
	}
	b.mu.Unlock()

	if sel, ok := b.sel.Get(); ok {
		attrs["last_selected_task"] = sel.Option
		attrs["last_selected_time"] = formatTime(sel.At, "never")
		attrs["task_id"] = sel.TaskID
	}
	if !last.IsZero() {
		attrs["last_press_time"] = formatTime(last, "never")
	}

	var value any
	if !last.IsZero() {
		value = last.Format(time.RFC3339)
	}
	return State{Value: value, Attributes: attrs}
}
