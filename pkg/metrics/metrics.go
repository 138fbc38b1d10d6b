// Package metrics exposes the sync engine's Prometheus counters.
//
// All methods are safe on a nil *Metrics, so callers that run without a
// registry need no guards.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatline"

type Metrics struct {
	framesReceived *prometheus.CounterVec
	protocolErrors prometheus.Counter
	staleDropped   prometheus.Counter
	sends          *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	switches       prometheus.Counter
}

// New creates the counters and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Server frames decoded, by frame type.",
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound payloads that could not be decoded.",
		}),
		staleDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_dropped_total",
			Help:      "Events discarded because their connection epoch is no longer current.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Settled send requests, by result.",
		}, []string{"result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Attachment uploads, by result.",
		}, []string{"result"}),
		switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversation_switches_total",
			Help:      "Conversations opened.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.framesReceived, m.protocolErrors, m.staleDropped, m.sends, m.uploads, m.switches,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) StaleEventDropped() {
	if m == nil {
		return
	}
	m.staleDropped.Inc()
}

func (m *Metrics) SendSettled(result string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(result).Inc()
}

func (m *Metrics) UploadSettled(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) ConversationSwitched() {
	if m == nil {
		return
	}
	m.switches.Inc()
}
