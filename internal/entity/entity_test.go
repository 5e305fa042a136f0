package entity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qlbridge/internal/qinglong"
	logx "qlbridge/pkg/logx"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakePanel implements TokenSource, TaskLister and TaskRunner.
type fakePanel struct {
	mu       sync.Mutex
	fresh    int
	info     qinglong.TokenInfo
	list     qinglong.TaskList
	listOK   bool
	runOK    bool
	ran      []string
	listings int
}

func (f *fakePanel) EnsureFresh(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fresh++
	return true
}

func (f *fakePanel) CurrentToken() qinglong.TokenInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakePanel) ListTasks(context.Context) (qinglong.TaskList, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings++
	if !f.listOK {
		return qinglong.TaskList{}, false
	}
	return f.list, true
}

func (f *fakePanel) RunTask(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, id)
	return f.runOK
}

var testPanel = Panel{ID: "home", Host: "10.0.0.2", Port: 5700}

func sampleTasks() qinglong.TaskList {
	return qinglong.TaskList{Total: 4, Tasks: []qinglong.Task{
		{ID: "1", Name: "Zeta", Command: "task zeta.js", Enabled: true},
		{ID: "2", Name: "Alpha", Command: "task alpha.py", Enabled: true},
		{ID: "3", Name: "Off", Command: "task off.js", Enabled: false},
		{ID: "4", Name: "Raw", Command: "ql repo x", Enabled: true},
	}}
}

func TestFormatRemaining(t *testing.T) {
	cases := map[int64]string{
		-5:             "expired",
		0:              "expired",
		42:             "42s",
		125:            "2m 5s",
		3*3600 + 120:   "3h 2m",
		2*86400 + 3600: "2d 1h",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatRemaining(in), "remaining=%d", in)
	}
}

func TestTokenSensorThrottles(t *testing.T) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	fp := &fakePanel{info: qinglong.TokenInfo{Token: qinglong.Token{Value: "abc", Expiry: clk.now.Unix() + 7200}, Remaining: 7200, Valid: true, NeedsRefresh: true}}
	s := NewTokenSensor(testPanel, fp, 30*time.Second, clk.Now, logx.Nop())
	ctx := context.Background()

	require.NoError(t, s.Update(ctx))
	require.NoError(t, s.Update(ctx))
	assert.Equal(t, 1, fp.fresh)

	clk.Advance(30 * time.Second)
	require.NoError(t, s.Update(ctx))
	assert.Equal(t, 2, fp.fresh)

	st := s.State()
	assert.Equal(t, "abc", st.Value)
	assert.Equal(t, "2h 0m", st.Attributes["token_expires_display"])
	assert.Equal(t, true, st.Attributes["is_valid"])
	assert.Equal(t, true, st.Attributes["needs_refresh"])
	assert.Equal(t, "never", st.Attributes["last_refresh_time"])
	assert.Equal(t, "10.0.0.2", st.Attributes["host"])
	assert.Equal(t, "home.token", s.ID())
}

func TestTasksSensorKeepsSnapshotOnFailure(t *testing.T) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	fp := &fakePanel{list: sampleTasks(), listOK: true}

	var seen []int
	s := NewTasksSensor(testPanel, fp, qinglong.TaskList{}, clk.Now, logx.Nop(), func(tl qinglong.TaskList) { seen = append(seen, tl.Len()) })
	ctx := context.Background()

	require.NoError(t, s.Update(ctx))
	st := s.State()
	assert.Equal(t, 4, st.Value)
	assert.Equal(t, 3, st.Attributes["enabled_tasks"])
	assert.Equal(t, 1, st.Attributes["disabled_tasks"])
	assert.Equal(t, []string{"task zeta.js", "task alpha.py", "task off.js", "ql repo x"}, st.Attributes["commands"])

	fp.listOK = false
	assert.ErrorIs(t, s.Update(ctx), ErrPollFailed)
	assert.Equal(t, 4, s.State().Value)
	assert.Equal(t, []int{4}, seen)
}

func TestTaskSelectOptions(t *testing.T) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	fp := &fakePanel{runOK: true}
	s := NewTaskSelect(testPanel, fp, &Selection{}, clk.Now, logx.Nop())

	assert.Equal(t, "", s.Current())
	assert.Nil(t, s.State().Value)

	s.SetTasks(sampleTasks())
	assert.Equal(t, []string{"alpha.py", "ql repo x", "zeta.js"}, s.Options())
	assert.Equal(t, "alpha.py", s.Current())

	require.NoError(t, s.Select(context.Background(), "zeta.js"))
	assert.Equal(t, "zeta.js", s.Current())

	// zeta.js still offered: kept.
	s.SetTasks(sampleTasks())
	assert.Equal(t, "zeta.js", s.Current())

	// zeta.js gone: falls back to the first option.
	s.SetTasks(qinglong.TaskList{Tasks: []qinglong.Task{{ID: "2", Command: "task alpha.py", Enabled: true}}})
	assert.Equal(t, "alpha.py", s.Current())

	s.SetTasks(qinglong.TaskList{})
	assert.Equal(t, "", s.Current())
	assert.Empty(t, s.Options())
}

func TestTaskSelectSelect(t *testing.T) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	fp := &fakePanel{runOK: true}
	sel := &Selection{}
	s := NewTaskSelect(testPanel, fp, sel, clk.Now, logx.Nop())
	s.SetTasks(sampleTasks())
	ctx := context.Background()

	err := s.Select(ctx, "off.js")
	assert.ErrorIs(t, err, ErrInvalidOption)
	assert.Empty(t, fp.ran)

	require.NoError(t, s.Select(ctx, "alpha.py"))
	assert.Equal(t, []string{"2"}, fp.ran)

	got, ok := sel.Get()
	require.True(t, ok)
	assert.Equal(t, "alpha.py", got.Option)
	assert.Equal(t, "2", got.TaskID)
	require.NotNil(t, got.Run)
	assert.Equal(t, RunSuccess, got.Run.State)

	st := s.State()
	assert.Equal(t, "alpha.py", st.Value)
	assert.Equal(t, "success", st.Attributes["last_run_status"])
	assert.Equal(t, "2", st.Attributes["task_id"])
	assert.Equal(t, "Alpha", st.Attributes["task_name"])

	fp.runOK = false
	assert.ErrorIs(t, s.Select(ctx, "zeta.js"), ErrRunFailed)
	got, _ = sel.Get()
	assert.Equal(t, RunFailed, got.Run.State)
	assert.Equal(t, "zeta.js", s.Current())
}

func TestRerunButton(t *testing.T) {
	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	fp := &fakePanel{runOK: true}
	sel := &Selection{}
	b := NewRerunButton(testPanel, fp, sel, clk.Now, logx.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, b.Press(ctx), ErrNoSelection)

	clk.Advance(3 * time.Second)
	sel.set(Selected{Option: "alpha.py", TaskID: "2", At: clk.Now()})
	require.NoError(t, b.Press(ctx))
	assert.Equal(t, []string{"2"}, fp.ran)

	clk.Advance(time.Second)
	assert.ErrorIs(t, b.Press(ctx), ErrTooFrequent)
	assert.Len(t, fp.ran, 1)

	clk.Advance(1500 * time.Millisecond)
	require.NoError(t, b.Press(ctx))
	assert.Len(t, fp.ran, 2)

	st := b.State()
	assert.Equal(t, "success", st.Attributes["last_run_status"])
	assert.Equal(t, "alpha.py", st.Attributes["last_pressed_task"])
	assert.NotNil(t, st.Value)

	got, _ := sel.Get()
	assert.Equal(t, clk.Now(), got.At)
}
