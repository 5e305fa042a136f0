package qinglong

import (
	"context"
	"net/http"
	"time"

	logx "qlbridge/pkg/logx"
)

type options struct {
	log     logx.Logger
	now     func() time.Time
	hooks   Hooks
	hc      *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*options)

// WithLogger sets the component logger.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.log = l } }

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithHooks installs lifecycle hooks (metrics, persistence, events).
func WithHooks(h Hooks) Option { return func(o *options) { o.hooks = h } }

// WithHTTPClient uses hc instead of a lazily created session.
func WithHTTPClient(hc *http.Client) Option { return func(o *options) { o.hc = hc } }

// WithTimeout overrides RequestTimeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(opts []Option) *options {
	o := &options{now: time.Now, timeout: RequestTimeout}
	for _, fn := range opts {
		if fn != nil {
			fn(o)
		}
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	return o
}

// Client lists and runs panel tasks with a token kept fresh by its TokenManager.
type Client struct {
	cfg    Config
	tr     *transport
	tokens *TokenManager
	log    logx.Logger
	hooks  Hooks
}

// New builds a client for one panel. No network calls are made.
func New(cfg Config, opts ...Option) *Client {
	o := buildOptions(opts)
	tr := newTransport(cfg, o)
	return &Client{
		cfg:    cfg,
		tr:     tr,
		tokens: newTokenManager(cfg, tr, o),
		log:    o.log,
		hooks:  o.hooks,
	}
}

// Tokens exposes the token manager.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// BaseURL returns the panel base URL.
func (c *Client) BaseURL() string { return c.tr.baseURL }

// EnsureFresh delegates to the token manager.
func (c *Client) EnsureFresh(ctx context.Context) bool { return c.tokens.EnsureFresh(ctx) }

// CurrentToken delegates to the token manager.
func (c *Client) CurrentToken() TokenInfo { return c.tokens.Current() }

// ForceInvalidate delegates to the token manager.
func (c *Client) ForceInvalidate() { c.tokens.ForceInvalidate() }

// ListTasks fetches the current task collection. ok is false on any failure.
func (c *Client) ListTasks(ctx context.Context) (list TaskList, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("list tasks panicked", logx.Any("panic", r))
			list, ok = TaskList{}, false
		}
		if c.hooks.OnTasksListed != nil {
			c.hooks.OnTasksListed(list.Len(), ok)
		}
	}()

	// Best effort: a not-yet-renewed token is still usable until it expires.
	c.tokens.EnsureFresh(ctx)

	resp, good := c.call(ctx, "list tasks", http.MethodGet, PathCrons, nil)
	if !good {
		return TaskList{}, false
	}
	tl, dups, err := decodeTaskList(resp.Body.Data)
	if err != nil {
		c.log.Error("failed to get tasks: malformed data", logx.Err(err))
		return TaskList{}, false
	}
	for _, id := range dups {
		c.log.Debug("dropped task with repeated id", logx.String("task_id", id))
	}
	return tl, true
}

// RunTask triggers one task. It returns true only for HTTP 200 with code 200.
func (c *Client) RunTask(ctx context.Context, taskID string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("run task panicked", logx.Any("panic", r))
			ok = false
		}
		if c.hooks.OnTaskRun != nil {
			c.hooks.OnTaskRun(taskID, ok)
		}
	}()

	c.tokens.EnsureFresh(ctx)

	if _, good := c.call(ctx, "run task", http.MethodPut, PathCronsRun, []string{taskID}); !good {
		return false
	}
	c.log.Info("task started", logx.String("task_id", taskID))
	return true
}

// call performs an authenticated request and applies the shared status handling.
func (c *Client) call(ctx context.Context, op, method, path string, body any) (response, bool) {
	tok := c.tokens.Current().Value
	resp, err := c.tr.do(ctx, method, path, nil, tok, body)
	if err != nil {
		c.log.Error("failed to "+op, logx.Err(err))
		return resp, false
	}
	switch {
	case resp.Status == http.StatusUnauthorized:
		c.log.Warn("token rejected, forcing refresh", logx.String("op", op))
		c.tokens.ForceInvalidate()
		if c.hooks.OnUnauthorized != nil {
			c.hooks.OnUnauthorized(op)
		}
		return resp, false
	case resp.Status != http.StatusOK:
		c.log.Error("failed to "+op, logx.Int("http_status", resp.Status))
		return resp, false
	case resp.Body.Code != http.StatusOK:
		c.log.Error("failed to "+op, logx.Int("code", resp.Body.Code), logx.String("message", resp.Body.Message))
		return resp, false
	}
	return resp, true
}

// Close releases the HTTP session. The client stays usable; a new session is
// created on the next call.
func (c *Client) Close() {
	c.tr.close()
}
