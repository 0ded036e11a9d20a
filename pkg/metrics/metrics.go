package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message bus metrics
	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlds_messages_consumed_total",
			Help: "Total messages consumed by queue and action",
		},
		[]string{"queue", "action"},
	)

	MessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlds_messages_published_total",
			Help: "Total messages published by routing key",
		},
		[]string{"routing_key"},
	)

	MessagesRedeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlds_messages_redelivered_total",
			Help: "Total messages republished after handler errors",
		},
		[]string{"queue"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlds_handler_duration_seconds",
			Help:    "Time spent handling one message",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"queue"},
	)

	// Transfer metrics
	TransferBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlds_transfer_bytes_total",
			Help: "Bytes moved between filesystem, object store and tape",
		},
		[]string{"direction"},
	)

	FilesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlds_files_failed_total",
			Help: "Files that failed within a batch, by queue",
		},
		[]string{"queue"},
	)

	// Tape metrics
	TapeStageWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nlds_tape_stage_wait_seconds",
			Help:    "Time between a tape prepare request and the tars coming online",
			Buckets: prometheus.ExponentialBuckets(30, 2, 10),
		},
	)

	AggregationsWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlds_aggregations_written_total",
			Help: "Tar aggregates successfully written to tape",
		},
	)

	// Store metrics
	DBOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlds_db_op_duration_seconds",
			Help:    "Catalog and monitor database operation durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store", "op"},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesConsumedTotal,
		MessagesPublishedTotal,
		MessagesRedeliveredTotal,
		HandlerDuration,
		TransferBytesTotal,
		FilesFailedTotal,
		TapeStageWaitSeconds,
		AggregationsWrittenTotal,
		DBOpDuration,
	)
}

// Timer measures a duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer.
func (t *Timer) ObserveDuration(obs prometheus.Observer) {
	obs.Observe(time.Since(t.start).Seconds())
}

// Serve exposes /metrics on addr. It blocks, so callers run it in a
// goroutine; an empty addr disables the endpoint.
func Serve(addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
