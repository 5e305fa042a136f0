package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TokenRecord is the last known token of one panel.
type TokenRecord struct {
	PanelID   string    `json:"panel_id"`
	Token     string    `json:"token"`
	Expiry    int64     `json:"expiry"` // unix seconds
	UpdatedAt time.Time `json:"updated_at"`
}

// RunRecord is one task run request and its outcome.
type RunRecord struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	PanelID string    `json:"panel_id"`
	TaskID  string    `json:"task_id"`
	Task    string    `json:"task,omitempty"`
	Source  string    `json:"source"` // select, button, telegram, http
	Actor   string    `json:"actor,omitempty"`
	OK      bool      `json:"ok"`
	TookMS  int64     `json:"took_ms"`
}
