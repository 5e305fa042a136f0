package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	logx "qlbridge/pkg/logx"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, logx.Nop())

	m.TokenRefreshed("home")
	m.TokenRefreshFailed("home", "http_status")
	m.TasksPolled("home", true)
	m.TasksPolled("home", false)
	m.TasksPolled("home", false)
	m.TaskRun("home", "telegram", true)
	m.Unauthorized("home", "list tasks")
	m.TokenRemaining("home", 3600)
	m.Tasks("home", 3, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.tokenRefresh.WithLabelValues("home", ResultSuccess, "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksPolls.WithLabelValues("home", ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskRuns.WithLabelValues("home", "telegram", ResultSuccess)))
	assert.Equal(t, 3600.0, testutil.ToFloat64(m.tokenRemaining.WithLabelValues("home")))

	m.Forget("home")
	assert.Equal(t, 0, testutil.CollectAndCount(m.tokenRemaining))
	assert.Equal(t, 0, testutil.CollectAndCount(m.tasksTotal))
}

func TestReRegisterReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg, logx.Nop())
	b := New(reg, logx.Nop())

	a.TasksPolled("p", true)
	b.TasksPolled("p", true)
	assert.Equal(t, 2.0, testutil.ToFloat64(b.tasksPolls.WithLabelValues("p", ResultSuccess)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.TokenRefreshed("x")
		m.TaskRun("x", "http", false)
		m.Forget("x")
	})
}
