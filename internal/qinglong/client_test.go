package qinglong

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "qlbridge/pkg/logx"
)

func freshConfig(t *testing.T, p *fakePanel, clk *fakeClock) Config {
	t.Helper()
	return p.config(t, "tok-123", clk.Unix()+int64((10*24*time.Hour).Seconds()))
}

func TestListTasksSendsBearerAndDecodes(t *testing.T) {
	p := newFakePanel(t)
	p.setList(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, envelopeOK([]any{
			map[string]any{"id": 1, "name": "Sign", "command": "task sign.js", "isDisabled": 0},
			map[string]any{"id": "2", "name": "Off", "command": "task off.py", "isDisabled": 1},
		}))
	})
	clk := newFakeClock()

	var listed []int
	c := New(freshConfig(t, p, clk), WithClock(clk.Now),
		WithHooks(Hooks{OnTasksListed: func(n int, ok bool) {
			if ok {
				listed = append(listed, n)
			}
		}}))
	defer c.Close()

	tl, ok := c.ListTasks(context.Background())
	require.True(t, ok)
	assert.Equal(t, "Bearer tok-123", p.authorization())
	require.Len(t, tl.Tasks, 2)
	assert.Equal(t, "1", tl.Tasks[0].ID)
	assert.Equal(t, "sign.js", tl.Tasks[0].DisplayName)
	assert.True(t, tl.Tasks[0].Enabled)
	assert.False(t, tl.Tasks[1].Enabled)
	assert.Equal(t, []int{2}, listed)
	assert.EqualValues(t, 0, p.authCalls.Load())
}

func TestListTasksPagedShape(t *testing.T) {
	p := newFakePanel(t)
	p.setList(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, envelopeOK(map[string]any{
			"data":  []any{map[string]any{"id": 7, "command": "task a.js"}},
			"total": 42,
		}))
	})
	clk := newFakeClock()
	c := New(freshConfig(t, p, clk), WithClock(clk.Now))
	defer c.Close()

	tl, ok := c.ListTasks(context.Background())
	require.True(t, ok)
	assert.Equal(t, 42, tl.Total)
	assert.Equal(t, 1, tl.Len())
}

func TestListTasksUnauthorizedForcesInvalidate(t *testing.T) {
	p := newFakePanel(t)
	clk := newFakeClock()
	p.setAuth(shortLived(clk))
	p.setList(statusHandler(http.StatusUnauthorized))

	var ops []string
	c := New(p.config(t, "held", clk.Unix()+3600), WithClock(clk.Now),
		WithHooks(Hooks{OnUnauthorized: func(op string) { ops = append(ops, op) }}))
	defer c.Close()

	_, ok := c.ListTasks(context.Background())
	assert.False(t, ok)
	assert.EqualValues(t, 1, p.authCalls.Load())
	assert.Zero(t, c.Tokens().Current().LastRefreshTime)
	assert.Equal(t, []string{"list tasks"}, ops)

	// Backoff was cleared, so the very next call retries the exchange.
	_, _ = c.ListTasks(context.Background())
	assert.EqualValues(t, 2, p.authCalls.Load())
}

func TestListTasksPagedExample(t *testing.T) {
	p := newFakePanel(t)
	p.setList(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"data":{"data":[{"id":"1","command":"task foo.js","isDisabled":0}],"total":1}}`))
	})
	clk := newFakeClock()
	c := New(freshConfig(t, p, clk), WithClock(clk.Now))
	defer c.Close()

	tl, ok := c.ListTasks(context.Background())
	require.True(t, ok)
	require.Len(t, tl.Tasks, 1)
	assert.Equal(t, "1", tl.Tasks[0].ID)
	assert.Equal(t, "task foo.js", tl.Tasks[0].Command)
	assert.True(t, tl.Tasks[0].Enabled)
	assert.Equal(t, 1, tl.Total)
}

func TestListTasksLogsDroppedDuplicates(t *testing.T) {
	p := newFakePanel(t)
	p.setList(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, envelopeOK([]any{
			map[string]any{"id": 6, "command": "task a.js"},
			map[string]any{"id": "6", "command": "task b.js"},
		}))
	})
	clk := newFakeClock()
	var buf bytes.Buffer
	c := New(freshConfig(t, p, clk), WithClock(clk.Now), WithLogger(logx.NewWriter(&buf, "debug")))
	defer c.Close()

	tl, ok := c.ListTasks(context.Background())
	require.True(t, ok)
	require.Len(t, tl.Tasks, 1)
	assert.Equal(t, "task a.js", tl.Tasks[0].Command)
	assert.Contains(t, buf.String(), "dropped task with repeated id")
	assert.Contains(t, buf.String(), `"task_id":"6"`)
}

func TestListTasksFailuresDegrade(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", statusHandler(http.StatusInternalServerError)},
		{"app code", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"code": 500, "message": "boom"})
		}},
		{"malformed envelope", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<html>"))
		}},
		{"scalar data", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, envelopeOK("nope"))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newFakePanel(t)
			p.setList(tc.handler)
			clk := newFakeClock()
			c := New(freshConfig(t, p, clk), WithClock(clk.Now))
			defer c.Close()

			tl, ok := c.ListTasks(context.Background())
			assert.False(t, ok)
			assert.Zero(t, tl.Len())
		})
	}
}

func TestListTasksTimeout(t *testing.T) {
	p := newFakePanel(t)
	p.setList(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	clk := newFakeClock()
	c := New(freshConfig(t, p, clk), WithClock(clk.Now), WithTimeout(50*time.Millisecond))
	defer c.Close()

	start := time.Now()
	_, ok := c.ListTasks(context.Background())
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestListTasksUnreachable(t *testing.T) {
	clk := newFakeClock()
	c := New(Config{Host: "127.0.0.1", Port: 1, Token: "t", TokenExpires: clk.Unix() + 86400*10},
		WithClock(clk.Now), WithTimeout(time.Second))
	defer c.Close()

	_, ok := c.ListTasks(context.Background())
	assert.False(t, ok)
}

func TestRunTask(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    bool
	}{
		{"ok", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, map[string]any{"code": 200}) }, true},
		{"app code", func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, map[string]any{"code": 400}) }, false},
		{"http status", statusHandler(http.StatusBadRequest), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newFakePanel(t)
			p.setRun(tc.handler)
			clk := newFakeClock()

			var runs []string
			c := New(freshConfig(t, p, clk), WithClock(clk.Now),
				WithHooks(Hooks{OnTaskRun: func(id string, ok bool) {
					if ok {
						runs = append(runs, id)
					}
				}}))
			defer c.Close()

			assert.Equal(t, tc.want, c.RunTask(context.Background(), "17"))
			assert.JSONEq(t, `["17"]`, string(p.runBody()))
			assert.Equal(t, "Bearer tok-123", p.authorization())
			if tc.want {
				assert.Equal(t, []string{"17"}, runs)
			} else {
				assert.Empty(t, runs)
			}
		})
	}
}

func TestRunTaskUnauthorized(t *testing.T) {
	p := newFakePanel(t)
	clk := newFakeClock()
	p.setAuth(shortLived(clk))
	p.setRun(statusHandler(http.StatusUnauthorized))

	var ops []string
	c := New(p.config(t, "held", clk.Unix()+3600), WithClock(clk.Now),
		WithHooks(Hooks{OnUnauthorized: func(op string) { ops = append(ops, op) }}))
	defer c.Close()
	ctx := context.Background()

	// A successful short-lived exchange sets the attempt time first.
	require.True(t, c.Tokens().EnsureFresh(ctx))
	require.Equal(t, clk.Unix(), c.Tokens().Current().LastRefreshTime)
	clk.Advance(time.Minute)

	assert.False(t, c.RunTask(ctx, "1"))
	assert.EqualValues(t, 1, p.authCalls.Load(), "run was inside the minimum interval")
	assert.Zero(t, c.Tokens().Current().LastRefreshTime)
	assert.Equal(t, []string{"run task"}, ops)

	assert.True(t, c.Tokens().EnsureFresh(ctx))
	assert.EqualValues(t, 2, p.authCalls.Load())
}

func TestCloseAllowsReuse(t *testing.T) {
	p := newFakePanel(t)
	p.setList(func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, envelopeOK([]any{})) })
	clk := newFakeClock()
	c := New(freshConfig(t, p, clk), WithClock(clk.Now))

	_, ok := c.ListTasks(context.Background())
	require.True(t, ok)
	c.Close()
	c.Close()
	_, ok = c.ListTasks(context.Background())
	assert.True(t, ok)
	c.Close()
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "http://panel.local:5700", Config{Host: "panel.local"}.BaseURL())
	assert.Equal(t, "https://panel.local:443", Config{Host: "panel.local/", Port: 443, SSL: true}.BaseURL())
}

func TestValidateCredentials(t *testing.T) {
	clk := newFakeClock()

	t.Run("ok", func(t *testing.T) {
		p := newFakePanel(t)
		p.setAuth(tokenHandler("v", clk.Unix()+100))
		tok, err := ValidateCredentials(context.Background(), p.config(t, "", 0), WithClock(clk.Now))
		require.NoError(t, err)
		assert.Equal(t, "v", tok.Value)
		assert.Equal(t, clk.Unix()+100, tok.Expiry)
	})

	t.Run("rejected", func(t *testing.T) {
		p := newFakePanel(t)
		p.setAuth(func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"code": 400, "message": "client_id error"})
		})
		_, err := ValidateCredentials(context.Background(), p.config(t, "", 0))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidAuth))
	})

	t.Run("http error", func(t *testing.T) {
		p := newFakePanel(t)
		p.setAuth(statusHandler(http.StatusServiceUnavailable))
		_, err := ValidateCredentials(context.Background(), p.config(t, "", 0))
		assert.ErrorIs(t, err, ErrCannotConnect)
	})

	t.Run("unreachable", func(t *testing.T) {
		_, err := ValidateCredentials(context.Background(), Config{Host: "127.0.0.1", Port: 1}, WithTimeout(time.Second))
		assert.ErrorIs(t, err, ErrCannotConnect)
	})
}
