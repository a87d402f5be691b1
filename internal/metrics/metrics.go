package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/meetingnotes/internal/notes"
)

const namespace = "meetingnotes"

// Collector turns pipeline activity into Prometheus series. It owns its
// registry so several instances can coexist in one process.
type Collector struct {
	registry   *prometheus.Registry
	activities *prometheus.CounterVec
	requests   *prometheus.CounterVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c := &Collector{
		registry: registry,
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_total",
			Help:      "Pipeline activities by kind.",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"route", "status"}),
	}
	registry.MustRegister(c.activities, c.requests)
	return c
}

func (c *Collector) Observe(a notes.Activity) {
	c.activities.WithLabelValues(string(a.Kind)).Inc()
}

// WatchQueue exports depth and capacity of queue as gauges.
func (c *Collector) WatchQueue(queue notes.TaskQueue) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks waiting in the work queue.",
		}, func() float64 { return float64(queue.Depth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_capacity",
			Help:      "Capacity of the work queue.",
		}, func() float64 { return float64(queue.Capacity()) }),
	)
}

func (c *Collector) ObserveRequest(route string, status int) {
	c.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
