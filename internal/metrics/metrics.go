// Package metrics exposes the bot's Prometheus instruments. A nil *Metrics
// is valid and records nothing, which keeps tests free of registries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "callwatch"

type Metrics struct {
	registry *prometheus.Registry

	callNotifications   *prometheus.CounterVec
	callTimersCancelled prometheus.Counter
	activeCalls         prometheus.Gauge
	utterances          *prometheus.CounterVec
	decodeErrors        prometheus.Counter
	engineErrors        *prometheus.CounterVec
	transcribeDuration  prometheus.Histogram
	voiceAttachments    prometheus.Gauge
}

// New registers every instrument on a fresh registry alongside the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		callNotifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_notifications_total",
			Help:      "Call notices posted, by kind (start, end) and result.",
		}, []string{"kind", "result"}),
		callTimersCancelled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_timers_cancelled_total",
			Help:      "Calls that emptied before the start notice fired.",
		}),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Voice channels with a tracked call in progress.",
		}),
		utterances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Utterances processed, by pipeline outcome.",
		}, []string{"outcome"}),
		decodeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Opus frames that failed to decode and were skipped.",
		}),
		engineErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_errors_total",
			Help:      "Speech-to-text failures, by class (transient, permanent, unavailable, unknown).",
		}, []string{"class"}),
		transcribeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcribe_duration_seconds",
			Help:      "Speech-to-text latency per utterance.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		voiceAttachments: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_attachments",
			Help:      "Guilds where the bot currently holds a voice connection.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CallNotified(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.callNotifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) CallTimerCancelled() {
	if m == nil {
		return
	}
	m.callTimersCancelled.Inc()
}

// CallTracked moves the active call gauge by delta (+1 on arm, -1 on clear).
func (m *Metrics) CallTracked(delta int) {
	if m == nil {
		return
	}
	m.activeCalls.Add(float64(delta))
}

func (m *Metrics) Utterance(outcome string) {
	if m == nil {
		return
	}
	m.utterances.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) EngineError(class string) {
	if m == nil {
		return
	}
	m.engineErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) Transcribed(d time.Duration) {
	if m == nil {
		return
	}
	m.transcribeDuration.Observe(d.Seconds())
}

func (m *Metrics) VoiceAttached(delta int) {
	if m == nil {
		return
	}
	m.voiceAttachments.Add(float64(delta))
}
