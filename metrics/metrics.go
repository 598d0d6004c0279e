// Package metrics exports container activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hatsunemiku3939/sqslistener/types"
)

const namespace = "sqslistener"

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Observer records message lifecycle events. It satisfies sqslistener.Observer.
type Observer struct {
	received  prometheus.Counter
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	resolved  *prometheus.CounterVec
	inFlight  prometheus.Gauge
}

// New creates an Observer and registers its collectors with reg.
// queue is attached to every series as a constant label.
func New(reg prometheus.Registerer, queue string) (*Observer, error) {
	labels := prometheus.Labels{"queue": queue}
	o := &Observer{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_received_total",
			Help:        "Messages handed to the handler.",
			ConstLabels: labels,
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_processed_total",
			Help:        "Handler invocations by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "processing_duration_seconds",
			Help:        "Handler latency by outcome.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"outcome"}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "messages_resolved_total",
			Help:        "Message deletions by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "messages_in_flight",
			Help:        "Messages currently being handled.",
			ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{o.received, o.processed, o.duration, o.resolved, o.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) MessageReceived(types.Message) {
	o.received.Inc()
	o.inFlight.Inc()
}

func (o *Observer) MessageProcessed(_ types.Message, err error, elapsed time.Duration) {
	o.inFlight.Dec()
	outcome := outcomeOf(err)
	o.processed.WithLabelValues(outcome).Inc()
	o.duration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (o *Observer) MessageResolved(_ types.Message, err error) {
	o.resolved.WithLabelValues(outcomeOf(err)).Inc()
}

func outcomeOf(err error) string {
	if err != nil {
		return outcomeFailure
	}
	return outcomeSuccess
}
