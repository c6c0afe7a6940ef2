// Package metrics provides Prometheus metrics for the session client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dk8moore/dr-website/internal/models"
)

const namespace = "drctl"

// Collector groups the session client's metrics. A nil *Collector records nothing.
type Collector struct {
	RefreshTotal    *prometheus.CounterVec
	RefreshShared   prometheus.Counter
	RefreshDuration prometheus.Histogram
	RetryTotal      *prometheus.CounterVec
	SessionChecks   *prometheus.CounterVec
	SessionStatus   *prometheus.GaugeVec
	ChannelEvents   *prometheus.CounterVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		// RefreshTotal counts refresh flights by outcome.
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refresh_total",
				Help:      "Total number of token refresh network calls",
			},
			[]string{"result"},
		),
		// RefreshShared counts callers that joined an in-flight refresh.
		RefreshShared: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refresh_shared_total",
				Help:      "Total number of refresh callers served by a shared in-flight refresh",
			},
		),
		RefreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "token_refresh_duration_seconds",
				Help:      "Duration of token refresh calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RetryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unauthorized_retry_total",
				Help:      "Outcome of requests that received 401",
			},
			[]string{"outcome"},
		),
		SessionChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_checks_total",
				Help:      "Total number of session status checks by resulting status",
			},
			[]string{"status"},
		),
		SessionStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_status",
				Help:      "Current session status (1 for the active status)",
			},
			[]string{"status"},
		),
		ChannelEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_channel_events_total",
				Help:      "Frames received on the verification channel by type",
			},
			[]string{"type"},
		),
	}
}

// RecordRefresh records one refresh network call
func (c *Collector) RecordRefresh(result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.RefreshTotal.WithLabelValues(result).Inc()
	c.RefreshDuration.Observe(duration.Seconds())
}

// RecordSharedRefresh records a caller that received a shared refresh result
func (c *Collector) RecordSharedRefresh() {
	if c == nil {
		return
	}
	c.RefreshShared.Inc()
}

// RecordRetry records the outcome of a 401 interception
func (c *Collector) RecordRetry(outcome string) {
	if c == nil {
		return
	}
	c.RetryTotal.WithLabelValues(outcome).Inc()
}

// RecordSessionCheck records a completed check by its resulting status
func (c *Collector) RecordSessionCheck(status models.SessionStatus) {
	if c == nil {
		return
	}
	c.SessionChecks.WithLabelValues(status.String()).Inc()
}

// SetSessionStatus sets the status gauge so exactly one label is 1
func (c *Collector) SetSessionStatus(status models.SessionStatus) {
	if c == nil {
		return
	}
	for _, s := range []models.SessionStatus{models.StatusUnknown, models.StatusAuthenticated, models.StatusUnauthenticated} {
		value := 0.0
		if s == status {
			value = 1
		}
		c.SessionStatus.WithLabelValues(s.String()).Set(value)
	}
}

// RecordChannelEvent records a frame received on the verification channel
func (c *Collector) RecordChannelEvent(eventType string) {
	if c == nil {
		return
	}
	c.ChannelEvents.WithLabelValues(eventType).Inc()
}
