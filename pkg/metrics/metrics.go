// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus counters/histograms for the
// orchestration pipeline, adapted from pkg/observability/metrics.go's
// per-subsystem CounterVec/HistogramVec/GaugeVec pattern (agent/LLM/
// tool/session/HTTP metrics there) to this domain's own subsystems:
// background task execution, AI calls through the Budget Gate, and the
// session state machine's terminal outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram/gauge this process reports.
type Metrics struct {
	registry *prometheus.Registry

	tasksProcessed *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	taskFailures   *prometheus.CounterVec

	aiCalls        *prometheus.CounterVec
	aiCallDuration *prometheus.HistogramVec
	budgetDenials  *prometheus.CounterVec

	sessionsCompleted *prometheus.CounterVec
	sessionsActive    prometheus.Gauge
}

// New builds a Metrics registry with every collector registered.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.tasksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator", Subsystem: "worker",
		Name: "tasks_processed_total", Help: "Background tasks processed, by task name and outcome.",
	}, []string{"task_name", "outcome"})

	m.taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator", Subsystem: "worker",
		Name: "task_duration_seconds", Help: "Background task handler duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms .. ~102s
	}, []string{"task_name"})

	m.taskFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator", Subsystem: "worker",
		Name: "task_failures_total", Help: "Background task failures, by task name and failure cause.",
	}, []string{"task_name", "cause"})

	m.aiCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator", Subsystem: "ai",
		Name: "calls_total", Help: "AI calls made through the Budget Gate, by product and outcome.",
	}, []string{"product", "outcome"})

	m.aiCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator", Subsystem: "ai",
		Name: "call_duration_seconds", Help: "AI call duration in seconds, including retry backoff.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms .. ~256s
	}, []string{"product"})

	m.budgetDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator", Subsystem: "budget",
		Name: "denials_total", Help: "Budget Gate denials, by tenant.",
	}, []string{"tenant"})

	m.sessionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator", Subsystem: "session",
		Name: "completed_total", Help: "Mapping sessions that reached a terminal state, by status.",
	}, []string{"status"})

	m.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orchestrator", Subsystem: "session",
		Name: "active", Help: "Mapping sessions currently in a non-terminal state.",
	})

	m.registry.MustRegister(
		m.tasksProcessed, m.taskDuration, m.taskFailures,
		m.aiCalls, m.aiCallDuration, m.budgetDenials,
		m.sessionsCompleted, m.sessionsActive,
	)
	return m
}

// RecordTask records one background task's outcome and handler
// duration (spec.md §4.7).
func (m *Metrics) RecordTask(taskName, outcome string, duration time.Duration) {
	m.tasksProcessed.WithLabelValues(taskName, outcome).Inc()
	m.taskDuration.WithLabelValues(taskName).Observe(duration.Seconds())
}

// RecordTaskFailure records a task failure's terminal cause (spec.md
// §7: worker_error, ai_parse_error, budget_exceeded, timeout).
func (m *Metrics) RecordTaskFailure(taskName, cause string) {
	m.taskFailures.WithLabelValues(taskName, cause).Inc()
}

// RecordAICall records one AI call's product and outcome, and its
// wall-clock duration including any retry backoff (spec.md §4.2).
func (m *Metrics) RecordAICall(product, outcome string, duration time.Duration) {
	m.aiCalls.WithLabelValues(product, outcome).Inc()
	m.aiCallDuration.WithLabelValues(product).Observe(duration.Seconds())
}

// RecordBudgetDenial records one Budget Gate denial for tenant.
func (m *Metrics) RecordBudgetDenial(tenant string) {
	m.budgetDenials.WithLabelValues(tenant).Inc()
}

// RecordSessionCompleted records a session reaching a terminal state
// (completed, failed, cancelled — spec.md §3).
func (m *Metrics) RecordSessionCompleted(status string) {
	m.sessionsCompleted.WithLabelValues(status).Inc()
}

// IncActiveSessions/DecActiveSessions track the gauge of sessions
// currently in a non-terminal state.
func (m *Metrics) IncActiveSessions() { m.sessionsActive.Inc() }
func (m *Metrics) DecActiveSessions() { m.sessionsActive.Dec() }

// Handler returns an http.Handler serving this registry's metrics in
// the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. to register
// additional process/Go-runtime collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
