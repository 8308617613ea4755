// Package metrics provides Prometheus metrics for the relay.
// It tracks delivery attempts, outcomes, queue length and the latency from
// enqueue to a terminal outcome.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "appmsg"
)

// Delivery metrics track the delivery queue.
var (
	// AttemptsTotal counts attempts handed to the transport.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of delivery attempts handed to the transport",
		},
		[]string{"device"},
	)

	// RepliesTotal counts attempt outcomes.
	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Total number of attempt outcomes reported by the transport",
		},
		[]string{"device", "result"}, // result: ack, nack
	)

	// RetriesTotal counts rejected attempts that are retried.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of rejected attempts that were retried",
		},
		[]string{"device"},
	)

	// FailuresTotal counts messages abandoned after their final attempt.
	FailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of messages abandoned after their final attempt",
		},
		[]string{"device"},
	)

	// QueueLength tracks messages accepted but not yet resolved.
	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Current number of unresolved messages",
		},
		[]string{"device"},
	)

	// DeliveryLatency measures time from enqueue to a terminal outcome.
	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_latency_seconds",
			Help:      "Time from enqueue to success or failure in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"device"},
	)
)

// Sink metrics track where terminal outcomes are written.
var (
	// SinkWritesTotal counts outcome writes per sink.
	SinkWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Total number of outcome writes to a sink",
		},
		[]string{"sink", "status"}, // sink: ledger, dlq, archive; status: success, failure
	)
)

// Queue records delivery queue telemetry for one device.
type Queue struct {
	device string
}

func NewQueue(device string) Queue {
	return Queue{device: device}
}

func (q Queue) AddAttempt() { AttemptsTotal.WithLabelValues(q.device).Inc() }

func (q Queue) AddAck() { RepliesTotal.WithLabelValues(q.device, "ack").Inc() }

func (q Queue) AddNack() { RepliesTotal.WithLabelValues(q.device, "nack").Inc() }

func (q Queue) AddRetry() { RetriesTotal.WithLabelValues(q.device).Inc() }

func (q Queue) AddFailed() { FailuresTotal.WithLabelValues(q.device).Inc() }

func (q Queue) SetLength(n int) { QueueLength.WithLabelValues(q.device).Set(float64(n)) }

func (q Queue) ObserveDelivery(d time.Duration) {
	DeliveryLatency.WithLabelValues(q.device).Observe(d.Seconds())
}

// RecordSinkWrite counts one write to sink.
func RecordSinkWrite(sink string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	SinkWritesTotal.WithLabelValues(sink, status).Inc()
}
