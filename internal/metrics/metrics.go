// Package metrics exposes task, attempt, item and solver counters to
// Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/cuongbtq/harvester/internal/spider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "harvester"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	tasks       *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	items       *prometheus.CounterVec
	solverTicks *prometheus.CounterVec
	harvested   *prometheus.HistogramVec
	replies     *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks processed, by final status.",
		}, []string{"spider", "status"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Processing attempts, by result.",
		}, []string{"spider", "result"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Items emitted, by kind.",
		}, []string{"spider", "kind"}),
		solverTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "solver_ticks_total",
			Help:      "Solution checks sent to external solvers.",
		}, []string{"backend"}),
		harvested: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "harvest_entities",
			Help:      "Entities collected per harvest.",
			Buckets:   []float64{0, 10, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"spider", "status"}),
		replies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Replies sent to task producers, by status code.",
		}, []string{"spider", "code"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveAttempt implements spider.Observer.
func (m *Metrics) ObserveAttempt(name string, ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	m.attempts.WithLabelValues(name, result).Inc()
}

// ObserveItem implements spider.Observer.
func (m *Metrics) ObserveItem(name, kind string) {
	m.items.WithLabelValues(name, kind).Inc()
}

// ObserveTask implements spider.Observer.
func (m *Metrics) ObserveTask(name string, outcome spider.Outcome) {
	m.tasks.WithLabelValues(name, outcome.String()).Inc()
}

// SolverTick counts one solution check; pass it to solver.WithTickHook.
func (m *Metrics) SolverTick(backend string) {
	m.solverTicks.WithLabelValues(backend).Inc()
}

// Harvested records the size of a finished harvest.
func (m *Metrics) Harvested(name, status string, entities int) {
	m.harvested.WithLabelValues(name, status).Observe(float64(entities))
}

// Replied counts a reply sent with the given status code.
func (m *Metrics) Replied(name string, code int) {
	m.replies.WithLabelValues(name, strconv.Itoa(code)).Inc()
}
