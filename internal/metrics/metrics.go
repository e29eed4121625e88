package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WAIncomingMessages *prometheus.CounterVec
	WAOutgoingMessages *prometheus.CounterVec
	SessionTransitions *prometheus.CounterVec
	SessionsLive       prometheus.Gauge
	DedupHits          prometheus.Counter
	QuotaRejections    *prometheus.CounterVec
	AIRequests         *prometheus.CounterVec
	AILatency          *prometheus.HistogramVec
	SendRetries        prometheus.Counter
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages processed, by sender class.",
			}, []string{"class"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent, by origin.",
			}, []string{"origin"}),
			SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Total session state transitions.",
			}, []string{"state"}),
			SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_live",
				Help:      "Number of sessions currently held in the registry.",
			}),
			DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dedup_hits_total",
				Help:      "Total messages skipped because the dedup claim failed.",
			}),
			QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_rejections_total",
				Help:      "Total automated replies skipped due to quota, by dimension.",
			}, []string{"dimension"}),
			AIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ai_requests_total",
				Help:      "Total completion API requests by outcome.",
			}, []string{"status"}),
			AILatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ai_request_duration_seconds",
				Help:      "Latency distribution for completion API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			SendRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_retries_total",
				Help:      "Total retried send attempts.",
			}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.SessionTransitions,
			metricsInstance.SessionsLive,
			metricsInstance.DedupHits,
			metricsInstance.QuotaRejections,
			metricsInstance.AIRequests,
			metricsInstance.AILatency,
			metricsInstance.SendRetries,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
