// Package metrics defines the prometheus collectors emitted by the pipeline.
// Both binaries expose them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publish side

	PostsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedpipe_posts_created_total",
		Help: "Total number of posts accepted",
	})

	FanoutPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedpipe_fanout_messages_published_total",
		Help: "Total number of fanout messages published to the broker",
	})

	FanoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedpipe_fanout_batches_failed_total",
		Help: "Total number of fanout batches recorded for the recovery sweep",
	})

	PostCreateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedpipe_post_create_duration_seconds",
		Help:    "Latency of post accept including fanout publish",
		Buckets: prometheus.DefBuckets,
	})

	// Worker side, labeled by worker id

	WorkerReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedpipe_worker_messages_received_total",
		Help: "Fanout messages delivered to a worker",
	}, []string{"worker_id"})

	WorkerSuccess = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedpipe_worker_messages_success_total",
		Help: "Fanout messages fully processed and acked",
	}, []string{"worker_id"})

	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedpipe_worker_messages_error_total",
		Help: "Fanout messages nacked for redelivery",
	}, []string{"worker_id"})

	WorkerDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedpipe_worker_messages_duplicate_total",
		Help: "Fanout messages dropped by the dedup check",
	}, []string{"worker_id"})

	WorkerMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedpipe_worker_messages_malformed_total",
		Help: "Poison messages acked and dropped",
	}, []string{"worker_id"})

	WorkerInsertConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedpipe_worker_insert_conflicts_total",
		Help: "Timeline inserts that no-opped on the uniqueness constraint",
	}, []string{"worker_id"})

	WorkerTrims = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedpipe_worker_timeline_trims_total",
		Help: "Timeline entries evicted past the per-user bound",
	}, []string{"worker_id"})

	WorkerProcessing = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedpipe_worker_processing_seconds",
		Help:    "Per-message processing latency",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"worker_id"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedpipe_worker_queue_depth",
		Help: "Messages waiting in the worker's partition queue, sampled every 10s",
	}, []string{"worker_id"})

	// Read side

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedpipe_feed_cache_hits_total",
		Help: "Feed reads served from the ring buffer cache",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedpipe_feed_cache_misses_total",
		Help: "Feed reads that fell back to the timeline store",
	})

	RebuildSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedpipe_feed_rebuilds_total",
		Help: "Timeline rebuilds completed after follow graph changes",
	})

	FeedGetDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedpipe_feed_get_duration_seconds",
		Help:    "Latency of feed reads",
		Buckets: prometheus.DefBuckets,
	})

	FeedSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedpipe_feed_size",
		Help:    "Observed per-user timeline sizes",
		Buckets: []float64{0, 10, 50, 100, 250, 500, 750, 1000},
	})
)
