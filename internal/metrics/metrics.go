// Package metrics holds the Prometheus collectors of the notification core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "evnotify"

// States lists the connection states exported by the state gauge.
var States = []string{"disconnected", "connecting", "connected", "reconnecting"}

type Metrics struct {
	Registry *prometheus.Registry

	ConnectionState   *prometheus.GaugeVec
	Transitions       *prometheus.CounterVec
	ReconnectAttempts *prometheus.CounterVec
	InboundMessages   *prometheus.CounterVec
	UnreadRaises      *prometheus.CounterVec
	HistoryScans      *prometheus.CounterVec
	ThreadFetch       prometheus.Histogram

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ConnectionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current live connection state, 0 otherwise",
		}, []string{"state"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Live connection state transitions",
		}, []string{"from", "to"}),
		ReconnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Connection start attempts outside the initial connect",
		}, []string{"kind"}), // retry, manual, request
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Messages received from the hub",
		}, []string{"result"}), // unread, seen, self, invalid
		UnreadRaises: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unread_raises_total",
			Help:      "Times the unread flag was raised",
		}, []string{"source"}), // live, history, fallback
		HistoryScans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_scans_total",
			Help:      "Thread history scans",
		}, []string{"result"}),
		ThreadFetch: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "thread_fetch_duration_seconds",
			Help:      "Thread listing request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Local API requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Local API request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "path"}),
	}
}

func (m *Metrics) SetState(from, to string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == to {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
	if from != to {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) Reconnect(kind string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(kind).Inc()
}

func (m *Metrics) Inbound(result string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) Unread(source string) {
	if m == nil {
		return
	}
	m.UnreadRaises.WithLabelValues(source).Inc()
}

func (m *Metrics) HistoryScan(result string) {
	if m == nil {
		return
	}
	m.HistoryScans.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveThreadFetch(seconds float64) {
	if m == nil {
		return
	}
	m.ThreadFetch.Observe(seconds)
}
