package registry

import (
	"context"

	"github.com/google/uuid"

	"qlbridge/internal/eventbus"
	"qlbridge/internal/storage"
	logx "qlbridge/pkg/logx"
)

// Run sources.
const (
	SourceSelect   = "select"
	SourceButton   = "button"
	SourceTelegram = "telegram"
	SourceHTTP     = "http"
)

// RunTask triggers taskID on a panel and records the run. actor is free-form
// (e.g. a Telegram username) and may be empty.
func (r *Registry) RunTask(ctx context.Context, panelID, taskID, source, actor string) (storage.RunRecord, error) {
	inst, ok := r.Get(panelID)
	if !ok {
		return storage.RunRecord{}, ErrNotFound
	}
	return r.run(ctx, inst, taskID, source, actor), nil
}

func (r *Registry) run(ctx context.Context, inst *Instance, taskID, source, actor string) storage.RunRecord {
	start := r.opts.Clock()
	ok := inst.Client.RunTask(ctx, taskID)
	end := r.opts.Clock()

	rec := storage.RunRecord{
		ID:      uuid.NewString(),
		At:      start,
		PanelID: inst.ID,
		TaskID:  taskID,
		Source:  source,
		Actor:   actor,
		OK:      ok,
		TookMS:  end.Sub(start).Milliseconds(),
	}
	if t, found := inst.Tasks.Tasks().Find(taskID); found {
		rec.Task = t.DisplayName
	}

	r.opts.Metrics.TaskRun(inst.ID, source, ok)
	r.publish(eventbus.Event{
		Type:    eventbus.TaskRun,
		PanelID: inst.ID,
		Time:    end,
		Data:    eventbus.RunData{RunID: rec.ID, TaskID: taskID, Task: rec.Task, Source: source, OK: ok},
	})
	if r.opts.Store != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := r.opts.Store.AppendRun(pctx, rec); err != nil {
			inst.log.Warn("failed to record run", logx.Err(err))
		}
	}
	return rec
}

// RecentRuns returns the panel's most recent runs, newest first.
func (r *Registry) RecentRuns(ctx context.Context, panelID string, limit int) ([]storage.RunRecord, error) {
	if _, ok := r.Get(panelID); !ok {
		return nil, ErrNotFound
	}
	if r.opts.Store == nil {
		return nil, storage.ErrDisabled
	}
	return r.opts.Store.RecentRuns(ctx, panelID, limit)
}

// entityRunner lets entities run tasks through the registry's recording path.
type entityRunner struct {
	r      *Registry
	inst   *Instance
	source string
}

func (r *Registry) runner(inst *Instance, source string) entityRunner {
	return entityRunner{r: r, inst: inst, source: source}
}

func (e entityRunner) RunTask(ctx context.Context, taskID string) bool {
	return e.r.run(ctx, e.inst, taskID, e.source, "").OK
}
