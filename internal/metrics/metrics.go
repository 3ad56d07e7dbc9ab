// Package metrics exposes delivery counters for the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors. A nil *Metrics is valid and records
// nothing, so components can be built without it in tests.
type Metrics struct {
	registry *prometheus.Registry

	MessagesSent   *prometheus.CounterVec
	SendFailures   prometheus.Counter
	MessagesDrop   prometheus.Counter
	RetryAttempts  *prometheus.CounterVec
	RetryDuration  prometheus.Histogram
	PendingQueue   prometheus.Gauge
	ChatsCreated   *prometheus.CounterVec
	RealtimeEvents *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "securechat",
				Name:      "messages_sent_total",
				Help:      "Messages confirmed by the remote store",
			},
			[]string{"path"},
		),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "securechat",
			Name:      "message_send_failures_total",
			Help:      "Remote writes that failed and queued a pending message",
		}),
		MessagesDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "securechat",
			Name:      "messages_dropped_total",
			Help:      "Pending messages removed after exhausting retries",
		}),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "securechat",
				Name:      "retry_attempts_total",
				Help:      "Resend attempts by outcome",
			},
			[]string{"outcome"},
		),
		RetryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "securechat",
			Name:      "retry_pass_duration_seconds",
			Help:      "Duration of one pass over the pending queue",
		}),
		PendingQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "securechat",
			Name:      "pending_messages",
			Help:      "Messages waiting for remote confirmation",
		}),
		ChatsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "securechat",
				Name:      "chats_created_total",
				Help:      "Chats created, by kind",
			},
			[]string{"kind"},
		),
		RealtimeEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "securechat",
				Name:      "realtime_events_total",
				Help:      "Realtime events received, by outcome",
			},
			[]string{"outcome"},
		),
	}
	m.registry.MustRegister(
		m.MessagesSent, m.SendFailures, m.MessagesDrop, m.RetryAttempts,
		m.RetryDuration, m.PendingQueue, m.ChatsCreated, m.RealtimeEvents,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Sent(path string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.SendFailures.Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.MessagesDrop.Inc()
	}
}

func (m *Metrics) Retry(outcome string) {
	if m != nil {
		m.RetryAttempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) RetryPass(d time.Duration) {
	if m != nil {
		m.RetryDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Pending(n int) {
	if m != nil {
		m.PendingQueue.Set(float64(n))
	}
}

func (m *Metrics) ChatCreated(group bool) {
	if m == nil {
		return
	}
	kind := "direct"
	if group {
		kind = "group"
	}
	m.ChatsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) Realtime(outcome string) {
	if m != nil {
		m.RealtimeEvents.WithLabelValues(outcome).Inc()
	}
}
