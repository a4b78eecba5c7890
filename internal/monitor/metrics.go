// Package monitor keeps posting metrics and the history of posting attempts.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the poster. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Posts          *prometheus.CounterVec
	TokenRefreshes *prometheus.CounterVec
	Ticks          *prometheus.CounterVec
	NextPostTime   prometheus.Gauge
}

// NewMetrics registers every metric on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gmb_local_posts_total",
			Help: "Local post attempts by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gmb_token_refreshes_total",
			Help: "Access token refreshes by result.",
		}, []string{"result"}),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gmb_scheduler_ticks_total",
			Help: "Scheduler ticks by trigger and tick outcome.",
		}, []string{"trigger", "outcome"}),
		NextPostTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gmb_next_post_timestamp_seconds",
			Help: "Unix time of the next scheduled post, 0 when unscheduled.",
		}),
	}
	m.registry.MustRegister(
		m.Posts,
		m.TokenRefreshes,
		m.Ticks,
		m.NextPostTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObservePost(trigger, outcome string) {
	if m == nil {
		return
	}
	m.Posts.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveTick(trigger, outcome string) {
	if m == nil {
		return
	}
	m.Ticks.WithLabelValues(trigger, outcome).Inc()
}

// SetNextPost records the next fire time; the zero time clears it.
func (m *Metrics) SetNextPost(t time.Time) {
	if m == nil {
		return
	}
	if t.IsZero() {
		m.NextPostTime.Set(0)
		return
	}
	m.NextPostTime.Set(float64(t.Unix()))
}
