package registry

import (
	"context"

	"qlbridge/internal/entity"
	"qlbridge/internal/qinglong"
	logx "qlbridge/pkg/logx"
)

// Instance is one set-up panel.
type Instance struct {
	ID     string
	Name   string
	Client *qinglong.Client

	Token  *entity.TokenSensor
	Tasks  *entity.TasksSensor
	Select *entity.TaskSelect
	Rerun  *entity.RerunButton

	cfg          PanelConfig
	log          logx.Logger
	panel        entity.Panel
	selection    *entity.Selection
	tasksUpdated func(qinglong.TaskList)
}

// Config returns the configuration the instance was built from.
func (i *Instance) Config() PanelConfig { return i.cfg }

// Entities lists every stateful entity in a stable order.
func (i *Instance) Entities() []entity.StatefulEntity {
	return []entity.StatefulEntity{i.Token, i.Tasks, i.Select, i.Rerun}
}

// Pollables lists the entities refreshed on each poll.
func (i *Instance) Pollables() []entity.Pollable {
	return []entity.Pollable{i.Token, i.Tasks}
}

// EntityState is one entity's id, name and state.
type EntityState struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	State entity.State `json:"state"`
}

// PanelState is the externally visible view of one panel.
type PanelState struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	BaseURL  string        `json:"base_url"`
	Entities []EntityState `json:"entities"`
}

// State snapshots every entity of the panel.
func (i *Instance) State() PanelState {
	ents := i.Entities()
	out := PanelState{ID: i.ID, Name: i.Name, BaseURL: i.Client.BaseURL(), Entities: make([]EntityState, 0, len(ents))}
	for _, e := range ents {
		out.Entities = append(out.Entities, EntityState{ID: e.ID(), Name: e.Name(), State: e.State()})
	}
	return out
}

// Snapshot returns the state of every panel, sorted by id.
func (r *Registry) Snapshot() []PanelState {
	insts := r.instances()
	out := make([]PanelState, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.State())
	}
	return out
}

// Select runs the task behind option on the panel's selector.
func (r *Registry) Select(ctx context.Context, panelID, option string) error {
	inst, ok := r.Get(panelID)
	if !ok {
		return ErrNotFound
	}
	return inst.Select.Select(ctx, option)
}

// Rerun presses the panel's rerun button.
func (r *Registry) Rerun(ctx context.Context, panelID string) error {
	inst, ok := r.Get(panelID)
	if !ok {
		return ErrNotFound
	}
	return inst.Rerun.Press(ctx)
}

// Tasks returns the panel's last task snapshot.
func (r *Registry) Tasks(panelID string) (qinglong.TaskList, error) {
	inst, ok := r.Get(panelID)
	if !ok {
		return qinglong.TaskList{}, ErrNotFound
	}
	return inst.Tasks.Tasks(), nil
}

// Token returns the panel's current token view.
func (r *Registry) Token(panelID string) (qinglong.TokenInfo, error) {
	inst, ok := r.Get(panelID)
	if !ok {
		return qinglong.TokenInfo{}, ErrNotFound
	}
	return inst.Client.CurrentToken(), nil
}
