package observability

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpipe_messages_consumed_total",
			Help: "Total number of stream messages consumed",
		},
		[]string{"topic"},
	)
	MessagesDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpipe_messages_dispatched_total",
			Help: "Total number of post-process tasks dispatched",
		},
		[]string{"entity"},
	)
	MessagesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpipe_messages_skipped_total",
			Help: "Total number of messages producing no work",
		},
		[]string{"reason"},
	)
	MessageSizeBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventpipe_message_size_bytes",
			Help:    "Size of consumed message bodies",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
	)

	BatchesFlushedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpipe_batches_flushed_total",
			Help: "Total number of batches flushed",
		},
	)
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventpipe_batch_size",
			Help:    "Number of work items per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)
	BatchFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventpipe_batch_flush_duration_seconds",
			Help:    "Batch flush duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	MessagesProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpipe_messages_produced_total",
			Help: "Total number of stream messages published",
		},
		[]string{"topic"},
	)

	PartitionsPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventpipe_partitions_paused",
			Help: "Number of data partitions currently paused waiting for the commit log",
		},
	)
	PartitionPauses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpipe_partition_pauses_total",
			Help: "Total number of partition pause transitions",
		},
	)
	PartitionResumes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "eventpipe_partition_resumes_total",
			Help: "Total number of partition resume transitions",
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpipe_tasks_enqueued_total",
			Help: "Total number of tasks enqueued by name",
		},
		[]string{"task"},
	)
	PipelineStageFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpipe_pipeline_stage_failures_total",
			Help: "Total number of contained stage failures",
		},
		[]string{"stage"},
	)
	PostProcessSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpipe_post_process_skipped_total",
			Help: "Total number of post-process tasks skipped at entry",
		},
		[]string{"reason"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpipe_events_processed_total",
			Help: "Total number of error events processed, by platform",
		},
		[]string{"platform"},
	)
	EventsUniqueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventpipe_events_unique_total",
			Help: "Total number of first events seen for new groups, by platform",
		},
		[]string{"platform"},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		MessagesConsumedTotal,
		MessagesDispatchedTotal,
		MessagesSkippedTotal,
		MessagesProducedTotal,
		MessageSizeBytes,
		BatchesFlushedTotal,
		BatchSize,
		BatchFlushDuration,
		PartitionsPaused,
		PartitionPauses,
		PartitionResumes,
		TasksEnqueuedTotal,
		PipelineStageFailuresTotal,
		PostProcessSkippedTotal,
		EventsProcessedTotal,
		EventsUniqueTotal,
	)
}

// EnqueueTask records one task enqueue.
func EnqueueTask(task string) { TasksEnqueuedTotal.WithLabelValues(task).Inc() }

// StageFailure records one contained stage failure.
func StageFailure(stage string) { PipelineStageFailuresTotal.WithLabelValues(stage).Inc() }

// OpsRouter serves /metrics and /healthz for forwarder and worker processes.
func OpsRouter() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
