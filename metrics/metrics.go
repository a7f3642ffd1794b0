// Package metrics exports publish confirmation statistics to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/oagudo/confirm"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "confirm"

// Outcome label values of the resolved counter.
const (
	OutcomeConfirmed     = "confirmed"
	OutcomeNacked        = "nacked"
	OutcomeChannelClosed = "channel_closed"
	OutcomeFailed        = "failed"
)

// Collector is a confirm.Observer backed by Prometheus metrics.
type Collector struct {
	published     prometheus.Counter
	resolved      *prometheus.CounterVec
	confirmations *prometheus.CounterVec
	unknownTags   prometheus.Counter
	pending       prometheus.Gauge
	latency       prometheus.Histogram
}

var _ confirm.Observer = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Messages handed to the broker channel.",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolved_total",
			Help:      "Pending publishes resolved, by outcome.",
		}, []string{"outcome"}),
		confirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmations received from the broker, by kind.",
		}, []string{"kind", "multiple"}),
		unknownTags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_tags_total",
			Help:      "Confirmations that matched no pending publish.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending",
			Help:      "Publishes awaiting confirmation.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirm_latency_seconds",
			Help:      "Time from registration to confirmation of a publish.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	for _, col := range []prometheus.Collector{c.published, c.resolved, c.confirmations, c.unknownTags, c.pending, c.latency} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Published implements confirm.Observer.
func (c *Collector) Published(uint64) {
	c.published.Inc()
}

// Resolved implements confirm.Observer.
func (c *Collector) Resolved(_ uint64, err error, latency time.Duration) {
	c.resolved.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		c.latency.Observe(latency.Seconds())
	}
}

// Confirmation implements confirm.Observer.
func (c *Collector) Confirmation(conf confirm.Confirmation, _ int) {
	kind := "ack"
	if !conf.Ack {
		kind = "nack"
	}
	multiple := "false"
	if conf.Multiple {
		multiple = "true"
	}
	c.confirmations.WithLabelValues(kind, multiple).Inc()
}

// UnknownTag implements confirm.Observer.
func (c *Collector) UnknownTag(confirm.Confirmation) {
	c.unknownTags.Inc()
}

// PendingChanged implements confirm.Observer.
func (c *Collector) PendingChanged(n int) {
	c.pending.Set(float64(n))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeConfirmed
	case errors.Is(err, confirm.ErrNegativeAcknowledged):
		return OutcomeNacked
	case errors.Is(err, confirm.ErrChannelClosed):
		return OutcomeChannelClosed
	default:
		return OutcomeFailed
	}
}
