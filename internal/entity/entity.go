// Package entity exposes one panel as a set of pollable, stateful entities:
// a token sensor, a task-count sensor, a task selector and a rerun button.
package entity

import (
	"context"
	"errors"
	"time"

	"qlbridge/internal/qinglong"
)

var (
	// ErrPollFailed is returned by Update when the panel could not be read.
	ErrPollFailed = errors.New("poll failed")
	// ErrInvalidOption is returned when selecting an option that is not offered.
	ErrInvalidOption = errors.New("invalid option")
)

// State is the externally visible value of an entity.
type State struct {
	Value      any            `json:"value"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// StatefulEntity is anything with an id and a current State.
type StatefulEntity interface {
	ID() string
	Name() string
	State() State
}

// Pollable entities refresh themselves when Update is called.
type Pollable interface {
	Update(ctx context.Context) error
}

// TokenSource is the token-facing half of qinglong.Client.
type TokenSource interface {
	EnsureFresh(ctx context.Context) bool
	CurrentToken() qinglong.TokenInfo
}

// TaskLister fetches task snapshots.
type TaskLister interface {
	ListTasks(ctx context.Context) (qinglong.TaskList, bool)
}

// TaskRunner triggers a task by id.
type TaskRunner interface {
	RunTask(ctx context.Context, taskID string) bool
}

// Panel identifies the panel an entity belongs to.
type Panel struct {
	ID   string
	Host string
	Port int
}

func (p Panel) entityID(suffix string) string { return p.ID + "." + suffix }

func (p Panel) attrs() map[string]any {
	return map[string]any{"host": p.Host, "port": p.Port}
}

// Clock returns the current time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}
