// Package metrics holds the Prometheus collectors for panel activity.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	logx "qlbridge/pkg/logx"
)

const namespace = "qlbridge"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics is safe for concurrent use. A nil *Metrics ignores every call.
type Metrics struct {
	tokenRefresh   *prometheus.CounterVec
	tasksPolls     *prometheus.CounterVec
	taskRuns       *prometheus.CounterVec
	unauthorized   *prometheus.CounterVec
	tokenRemaining *prometheus.GaugeVec
	tasksTotal     *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer, log logx.Logger) *Metrics {
	m := &Metrics{
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token exchange attempts by panel and result.",
		}, []string{"panel", "result", "reason"}),
		tasksPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_list_polls_total",
			Help:      "Task list requests by panel and result.",
		}, []string{"panel", "result"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Task run requests by panel, source and result.",
		}, []string{"panel", "source", "result"}),
		unauthorized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unauthorized_responses_total",
			Help:      "401 responses by panel and operation.",
		}, []string{"panel", "op"}),
		tokenRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_seconds_remaining",
			Help:      "Seconds until the held token expires.",
		}, []string{"panel"}),
		tasksTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tasks in the last snapshot by state.",
		}, []string{"panel", "state"}),
	}

	if reg == nil {
		return m
	}
	m.tokenRefresh = register(reg, log, m.tokenRefresh)
	m.tasksPolls = register(reg, log, m.tasksPolls)
	m.taskRuns = register(reg, log, m.taskRuns)
	m.unauthorized = register(reg, log, m.unauthorized)
	m.tokenRemaining = register(reg, log, m.tokenRemaining)
	m.tasksTotal = register(reg, log, m.tasksTotal)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, log logx.Logger, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		log.Warn("failed to register metric", logx.Err(err))
	}
	return c
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

func (m *Metrics) TokenRefreshed(panel string) {
	if m == nil {
		return
	}
	m.tokenRefresh.WithLabelValues(panel, ResultSuccess, "").Inc()
}

func (m *Metrics) TokenRefreshFailed(panel, reason string) {
	if m == nil {
		return
	}
	m.tokenRefresh.WithLabelValues(panel, ResultFailure, reason).Inc()
}

func (m *Metrics) TasksPolled(panel string, ok bool) {
	if m == nil {
		return
	}
	m.tasksPolls.WithLabelValues(panel, result(ok)).Inc()
}

func (m *Metrics) TaskRun(panel, source string, ok bool) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(panel, source, result(ok)).Inc()
}

func (m *Metrics) Unauthorized(panel, op string) {
	if m == nil {
		return
	}
	m.unauthorized.WithLabelValues(panel, op).Inc()
}

func (m *Metrics) TokenRemaining(panel string, seconds int64) {
	if m == nil {
		return
	}
	m.tokenRemaining.WithLabelValues(panel).Set(float64(seconds))
}

func (m *Metrics) Tasks(panel string, enabled, disabled int) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(panel, "enabled").Set(float64(enabled))
	m.tasksTotal.WithLabelValues(panel, "disabled").Set(float64(disabled))
}

// Forget drops the per-panel gauges of an unloaded panel.
func (m *Metrics) Forget(panel string) {
	if m == nil {
		return
	}
	m.tokenRemaining.DeleteLabelValues(panel)
	m.tasksTotal.DeleteLabelValues(panel, "enabled")
	m.tasksTotal.DeleteLabelValues(panel, "disabled")
}
