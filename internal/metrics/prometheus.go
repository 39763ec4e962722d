package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TrainingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "activescreen_training_duration_seconds",
			Help:    "Duration of one train and rank cycle in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"classifier"},
	)

	TrainingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activescreen_training_total",
			Help: "Total number of training cycles by outcome",
		},
		[]string{"status"},
	)

	LabelsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activescreen_labels_total",
			Help: "Total number of labels recorded",
		},
		[]string{"source", "label"},
	)

	DecisionChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "activescreen_decision_changes_total",
			Help: "Total number of label corrections",
		},
	)

	RecordsQueried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "activescreen_records_queried_total",
			Help: "Total number of records moved from the pool into pending",
		},
	)

	LockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activescreen_lock_contention_total",
			Help: "Total number of lock acquisitions that found the lock taken",
		},
		[]string{"lock"},
	)

	TasksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activescreen_tasks_processed_total",
			Help: "Total number of task runner jobs by outcome",
		},
		[]string{"kind", "outcome"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "activescreen_task_queue_depth",
			Help: "Number of tasks in the queue, visible or claimed",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activescreen_cache_hits_total",
			Help: "Total feature matrix cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activescreen_cache_misses_total",
			Help: "Total feature matrix cache misses",
		},
		[]string{"cache_type"},
	)

	EmbeddingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "activescreen_embedding_requests_total",
			Help: "Total embedding API requests",
		},
		[]string{"model", "status"},
	)
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. It is safe to
// call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TrainingDuration,
			TrainingTotal,
			LabelsTotal,
			DecisionChanges,
			RecordsQueried,
			LockContention,
			TasksProcessed,
			QueueDepth,
			CacheHits,
			CacheMisses,
			EmbeddingRequests,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
