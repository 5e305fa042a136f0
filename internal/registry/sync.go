package registry

import (
	"context"
	"errors"
	"fmt"
)

// SyncResult summarizes a Sync call.
type SyncResult struct {
	Added    []string
	Removed  []string
	Reloaded []string
	Failed   []string
}

// Sync brings the registry in line with panels: new ids are set up, missing
// ids are unloaded and ids whose connection settings changed are reloaded.
// Panels that fail setup are reported and left out.
func (r *Registry) Sync(ctx context.Context, panels []PanelConfig) (SyncResult, error) {
	var res SyncResult
	var errs []error

	want := make(map[string]PanelConfig, len(panels))
	for _, pc := range panels {
		want[pc.ID] = pc
	}

	for _, id := range r.IDs() {
		if _, keep := want[id]; !keep {
			r.Unload(id)
			res.Removed = append(res.Removed, id)
		}
	}

	for _, pc := range panels {
		inst, exists := r.Get(pc.ID)
		switch {
		case !exists:
			if _, err := r.Setup(ctx, pc); err != nil {
				res.Failed = append(res.Failed, pc.ID)
				errs = append(errs, err)
				continue
			}
			res.Added = append(res.Added, pc.ID)
		case connectionChanged(inst.cfg, pc):
			r.Unload(pc.ID)
			if _, err := r.Setup(ctx, pc); err != nil {
				res.Failed = append(res.Failed, pc.ID)
				errs = append(errs, err)
				continue
			}
			res.Reloaded = append(res.Reloaded, pc.ID)
		}
	}

	if len(res.Added)+len(res.Removed)+len(res.Reloaded)+len(res.Failed) > 0 {
		r.log.Info(fmt.Sprintf("panels synced: +%d -%d ~%d !%d",
			len(res.Added), len(res.Removed), len(res.Reloaded), len(res.Failed)))
	}
	return res, errors.Join(errs...)
}

// connectionChanged ignores the display name; every other field forces a
// fresh client.
func connectionChanged(a, b PanelConfig) bool {
	return a.Conn != b.Conn
}
