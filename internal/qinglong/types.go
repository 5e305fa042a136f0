package qinglong

import (
	"fmt"
	"strings"
	"time"
)

// API endpoints (fixed surface).
const (
	PathAuthToken = "/open/auth/token"
	PathCrons     = "/open/crons"
	PathCronsRun  = "/open/crons/run"
)

const (
	// RefreshThreshold is how long before expiry a renewal is attempted.
	RefreshThreshold = 24 * time.Hour
	// ExpiryBuffer is the remaining lifetime below which a token is reported invalid.
	ExpiryBuffer = time.Hour
	// MinRefreshInterval is the minimum gap between two refresh attempts.
	MinRefreshInterval = 5 * time.Minute
	// DefaultTokenLifetime applies when the exchange response carries no usable expiration.
	DefaultTokenLifetime = 30 * 24 * time.Hour
	// RequestTimeout bounds every call to the panel.
	RequestTimeout = 10 * time.Second

	DefaultPort = 5700
)

// Config describes one panel connection. It is supplied once at construction.
type Config struct {
	Host string
	Port int
	SSL  bool

	// InsecureSkipVerify disables TLS certificate checks (self-signed panels).
	InsecureSkipVerify bool

	ClientID     string
	ClientSecret string

	// Token and TokenExpires seed the token manager (unix seconds; 0 = unknown).
	Token        string
	TokenExpires int64
}

// BaseURL returns scheme://host:port without a trailing slash.
func (c Config) BaseURL() string {
	scheme := "http"
	if c.SSL {
		scheme = "https"
	}
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	host := strings.TrimSuffix(strings.TrimSpace(c.Host), "/")
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// Token is an opaque bearer credential and its absolute expiry (unix seconds).
type Token struct {
	Value  string
	Expiry int64
}

// TokenInfo is a point-in-time view of the held token plus derived fields.
type TokenInfo struct {
	Token
	Remaining       int64 // seconds; negative when expired
	Valid           bool  // Remaining > ExpiryBuffer
	NeedsRefresh    bool  // Remaining <= RefreshThreshold
	LastRefreshTime int64 // unix seconds of the last refresh attempt; 0 = never/invalidated
}

// Task is a read-only snapshot of one remote cron job.
type Task struct {
	ID          string
	Name        string
	Command     string
	Schedule    string
	Enabled     bool
	DisplayName string
}

// TaskList is one immutable snapshot of the panel's task collection.
type TaskList struct {
	Tasks []Task
	Total int
}

// Len returns the number of tasks in the snapshot.
func (l TaskList) Len() int { return len(l.Tasks) }

// Counts returns (enabled, disabled).
func (l TaskList) Counts() (int, int) {
	en := 0
	for _, t := range l.Tasks {
		if t.Enabled {
			en++
		}
	}
	return en, len(l.Tasks) - en
}

// Find returns the task with the given id.
func (l TaskList) Find(id string) (Task, bool) {
	for _, t := range l.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Hooks receive lifecycle signals from the token manager and client.
// Every hook is optional and must not block.
type Hooks struct {
	OnRefresh        func(tok Token)
	OnRefreshFailure func(reason string)
	OnUnauthorized   func(op string)
	OnTasksListed    func(n int, ok bool)
	OnTaskRun        func(taskID string, ok bool)
}
