package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"qlbridge/internal/entity"
	"qlbridge/internal/registry"
	"qlbridge/internal/storage"
	logx "qlbridge/pkg/logx"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
	maxBodyBytes     = 4 << 10
)

// Backend is the registry surface the API drives.
type Backend interface {
	Snapshot() []registry.PanelState
	RunTask(ctx context.Context, panelID, taskID, source, actor string) (storage.RunRecord, error)
	Select(ctx context.Context, panelID, option string) error
	Rerun(ctx context.Context, panelID string) error
	RecentRuns(ctx context.Context, panelID string, limit int) ([]storage.RunRecord, error)
}

type api struct {
	backend Backend
	log     logx.Logger
}

func (a *api) listPanels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"panels": a.backend.Snapshot()})
}

func (a *api) getPanel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, p := range a.backend.Snapshot() {
		if p.ID == id {
			writeJSON(w, http.StatusOK, p)
			return
		}
	}
	writeError(w, http.StatusNotFound, registry.ErrNotFound.Error())
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}
	runs, err := a.backend.RecentRuns(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.fail(w, err)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *api) runTask(w http.ResponseWriter, r *http.Request) {
	rec, err := a.backend.RunTask(r.Context(), r.PathValue("id"), r.PathValue("taskID"), registry.SourceHTTP, actor(r))
	if err != nil {
		a.fail(w, err)
		return
	}
	status := http.StatusOK
	if !rec.OK {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, rec)
}

type selectRequest struct {
	Option string `json:"option"`
}

func (a *api) selectOption(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.Option == "" {
		writeError(w, http.StatusBadRequest, `body must be {"option": "<script>"}`)
		return
	}
	if err := a.backend.Select(r.Context(), r.PathValue("id"), req.Option); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "option": req.Option})
}

func (a *api) rerun(w http.ResponseWriter, r *http.Request) {
	if err := a.backend.Rerun(r.Context(), r.PathValue("id")); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *api) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, entity.ErrInvalidOption):
		status = http.StatusBadRequest
	case errors.Is(err, entity.ErrNoSelection):
		status = http.StatusConflict
	case errors.Is(err, entity.ErrTooFrequent):
		status = http.StatusTooManyRequests
	case errors.Is(err, entity.ErrRunFailed):
		status = http.StatusBadGateway
	case errors.Is(err, storage.ErrDisabled):
		status = http.StatusNotImplemented
	default:
		a.log.Warn("api request failed", logx.Err(err))
	}
	writeError(w, status, err.Error())
}

// actor identifies the caller in the run log.
func actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
