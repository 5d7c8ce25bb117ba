package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimbleworks/chat_gateway/internal/config"
)

// Provider owns the prometheus registry and the gateway's metric
// instruments. A nil Provider is valid and records nothing, so callers
// never need to branch on whether metrics are enabled.
type Provider struct {
	promHandler http.Handler

	httpRequestCounter *prometheus.CounterVec
	httpRequestLatency *prometheus.HistogramVec
	admissionCounter   *prometheus.CounterVec
	idempotencyCounter *prometheus.CounterVec
	queueDropsCounter  prometheus.Counter
}

func Setup(cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableMetrics {
		return nil, nil
	}

	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_gateway",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chat_gateway",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "route", "status"},
	)
	admission := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_gateway",
			Name:      "admission_decisions_total",
			Help:      "Rate-limit admission decisions by tier and result.",
		},
		[]string{"tier", "result"},
	)
	idempotency := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chat_gateway",
			Name:      "idempotency_lookups_total",
			Help:      "Idempotency cache lookups by result.",
		},
		[]string{"result"},
	)
	queueDrops := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chat_gateway",
			Name:      "outcome_queue_drops_total",
			Help:      "Request outcomes dropped on a full recording queue.",
		},
	)

	for _, collector := range []prometheus.Collector{
		httpRequests, httpLatency, admission, idempotency, queueDrops,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return &Provider{
		promHandler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true}),
		httpRequestCounter: httpRequests,
		httpRequestLatency: httpLatency,
		admissionCounter:   admission,
		idempotencyCounter: idempotency,
		queueDropsCounter:  queueDrops,
	}, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
}

// RecordAdmission counts one rate-limit decision. Result is "allowed",
// "denied_minute", "denied_day", or "error".
func (p *Provider) RecordAdmission(tier, result string) {
	if p == nil {
		return
	}
	p.admissionCounter.WithLabelValues(tier, result).Inc()
}

// RecordIdempotency counts one cache lookup. Result is "replay", "miss",
// or "rejected".
func (p *Provider) RecordIdempotency(result string) {
	if p == nil {
		return
	}
	p.idempotencyCounter.WithLabelValues(result).Inc()
}

func (p *Provider) RecordQueueDrop() {
	if p == nil {
		return
	}
	p.queueDropsCounter.Inc()
}
