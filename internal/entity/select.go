package entity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"qlbridge/internal/qinglong"
	logx "qlbridge/pkg/logx"
)

// ErrRunFailed is returned when the panel did not accept a run request.
var ErrRunFailed = errors.New("task run failed")

// Run states.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunFailed  = "failed"
)

// RunStatus tracks one run started from an entity.
type RunStatus struct {
	Task  string
	State string
	Start time.Time
	End   time.Time
	Error string
}

// Duration is End-Start, zero while running.
func (r RunStatus) Duration() time.Duration {
	if r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Selected is the task last chosen in the selector.
type Selected struct {
	Option string
	TaskID string
	At     time.Time
	Run    *RunStatus
}

// Selection is the per-panel selected task shared by TaskSelect and
// RerunButton.
type Selection struct {
	mu  sync.RWMutex
	cur *Selected
}

// Get returns a copy of the current selection.
func (s *Selection) Get() (Selected, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return Selected{}, false
	}
	out := *s.cur
	if out.Run != nil {
		r := *out.Run
		out.Run = &r
	}
	return out, true
}

func (s *Selection) set(sel Selected) {
	s.mu.Lock()
	s.cur = &sel
	s.mu.Unlock()
}

// runTask runs id through r and returns the finished status.
func runTask(ctx context.Context, r TaskRunner, clock Clock, option, id string) RunStatus {
	st := RunStatus{Task: option, State: RunRunning, Start: clock.now()}
	ok := r.RunTask(ctx, id)
	st.End = clock.now()
	if ok {
		st.State = RunSuccess
	} else {
		st.State = RunFailed
		st.Error = "panel rejected run request"
	}
	return st
}

// TaskSelect offers enabled tasks by script name. Selecting an option runs it.
type TaskSelect struct {
	panel  Panel
	runner TaskRunner
	sel    *Selection
	clock  Clock
	log    logx.Logger

	mu      sync.RWMutex
	options []string
	byOpt   map[string]qinglong.Task
	current string
	updated time.Time
}

func NewTaskSelect(panel Panel, runner TaskRunner, sel *Selection, clock Clock, log logx.Logger) *TaskSelect {
	return &TaskSelect{
		panel:  panel,
		runner: runner,
		sel:    sel,
		clock:  clock,
		log:    log,
		byOpt:  map[string]qinglong.Task{},
	}
}

func (s *TaskSelect) ID() string   { return s.panel.entityID("run_task") }
func (s *TaskSelect) Name() string { return "Run task" }

// SetTasks rebuilds the option list from a snapshot. The current option is
// kept when still offered, otherwise the first option (or none) is current.
func (s *TaskSelect) SetTasks(tl qinglong.TaskList) {
	byOpt := make(map[string]qinglong.Task, tl.Len())
	opts := make([]string, 0, tl.Len())
	for _, t := range tl.Tasks {
		if !t.Enabled {
			continue
		}
		name := qinglong.ScriptName(t.Command)
		if name == "" {
			continue
		}
		if _, dup := byOpt[name]; dup {
			continue
		}
		byOpt[name] = t
		opts = append(opts, name)
	}
	sort.Strings(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.options = opts
	s.byOpt = byOpt
	s.updated = s.clock.now()
	if _, ok := byOpt[s.current]; !ok {
		s.current = ""
		if len(opts) > 0 {
			s.current = opts[0]
		}
	}
}

// Options returns the offered options, sorted.
func (s *TaskSelect) Options() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.options...)
}

// Current returns the current option ("" when none).
func (s *TaskSelect) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Select makes option current and runs its task.
func (s *TaskSelect) Select(ctx context.Context, option string) error {
	s.mu.Lock()
	task, ok := s.byOpt[option]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInvalidOption, option)
	}
	s.current = option
	s.mu.Unlock()

	s.log.Info("running task", logx.String("option", option), logx.String("task_id", task.ID))
	st := runTask(ctx, s.runner, s.clock, option, task.ID)
	s.sel.set(Selected{Option: option, TaskID: task.ID, At: s.clock.now(), Run: &st})

	if st.State != RunSuccess {
		s.log.Error("failed to start task", logx.String("option", option))
		return ErrRunFailed
	}
	s.log.Info("task started", logx.String("option", option))
	return nil
}

func (s *TaskSelect) State() State {
	s.mu.RLock()
	cur := s.current
	opts := append([]string(nil), s.options...)
	task, hasTask := s.byOpt[cur]
	updated := s.updated
	s.mu.RUnlock()

	attrs := s.panel.attrs()
	attrs["options"] = opts
	attrs["available_tasks"] = len(opts)
	attrs["last_updated"] = formatTime(updated, "never")
	if sel, ok := s.sel.Get(); ok {
		attrs["last_selected_task"] = sel.Option
		attrs["last_selected_time"] = formatTime(sel.At, "never")
		if sel.Run != nil {
			attrs["last_run_status"] = sel.Run.State
			attrs["last_run_start"] = formatTime(sel.Run.Start, "never")
			attrs["last_run_duration"] = fmt.Sprintf("%.2fs", sel.Run.Duration().Seconds())
			if sel.Run.Error != "" {
				attrs["last_run_error"] = sel.Run.Error
			}
		}
	}
	if hasTask {
		attrs["task_id"] = task.ID
		attrs["command"] = task.Command
		attrs["task_name"] = task.Name
	}

	var value any
	if cur != "" {
		value = cur
	}
	return State{Value: value, Attributes: attrs}
}
