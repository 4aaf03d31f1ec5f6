// Package metrics exposes lifecycle counters and task gauges to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldcrm/internal/domain"
	"fieldcrm/internal/store"
	"fieldcrm/internal/views"
)

type Metrics struct {
	Registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	tasks       *prometheus.GaugeVec
	overdue     prometheus.Gauge
	orderValue  prometheus.Gauge
	completion  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldcrm",
			Name:      "task_transitions_total",
			Help:      "Stored task status changes.",
		}, []string{"from", "to"}),
		tasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fieldcrm",
			Name:      "tasks",
			Help:      "Tasks by displayed status.",
		}, []string{"status"}),
		overdue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldcrm",
			Name:      "tasks_overdue",
			Help:      "Tasks due before today that are not completed.",
		}),
		orderValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldcrm",
			Name:      "order_value_total",
			Help:      "Sum of order values over submitted visits.",
		}),
		completion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fieldcrm",
			Name:      "completion_rate_percent",
			Help:      "Completed tasks as a percentage of all tasks.",
		}),
	}
	reg.MustRegister(m.transitions, m.tasks, m.overdue, m.orderValue, m.completion)
	return m
}

// TaskTransition counts a status change; a new task comes from "none".
func (m *Metrics) TaskTransition(from, to domain.TaskStatus) {
	f := string(from)
	if f == "" {
		f = "none"
	}
	m.transitions.WithLabelValues(f, string(to)).Inc()
}

// Refresh recomputes the gauges from a snapshot.
func (m *Metrics) Refresh(snap store.Snapshot, clk views.Clock) {
	counts := map[domain.TaskStatus]int{}
	for _, s := range []domain.TaskStatus{domain.StatusAssigned, domain.StatusInProgress, domain.StatusCompleted, domain.StatusMissed} {
		counts[s] = 0
	}
	for _, t := range snap.Tasks {
		counts[clk.DisplayStatus(t)]++
	}
	for s, n := range counts {
		m.tasks.WithLabelValues(string(s)).Set(float64(n))
	}
	tm := views.Metrics(snap.Tasks, clk)
	m.overdue.Set(float64(tm.Overdue))
	m.completion.Set(float64(tm.CompletionRate))
	m.orderValue.Set(views.Summarize(views.HistoryReports(views.History(snap, ""))).TotalValue)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
