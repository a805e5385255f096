// Package worker consumes one partition queue of fanout messages and applies
// them to the timeline store and the ring buffer cache. Processing is
// idempotent: redeliveries are caught by the dedup marker first and the
// store's uniqueness constraint second.
package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/alexprut/feedpipe/internal/metrics"
	"github.com/alexprut/feedpipe/internal/models"
)

const (
	// DefaultConcurrency bounds in-flight message handlers per worker.
	DefaultConcurrency = 10

	depthInterval  = 10 * time.Second
	warmInterval   = 5 * time.Minute
	warmUserCount  = 20
	warmItemCount  = 100
	processTimeout = 30 * time.Second
)

// Timeline is the store-side contract.
type Timeline interface {
	InsertEntry(ctx context.Context, userID, postID int64, createdAt time.Time) (inserted bool, trimmed int64, err error)
	ReadRange(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, error)
}

// Cache covers the worker's Redis surface: dedup markers, post payloads,
// ring buffer appends and hot-user warming.
type Cache interface {
	SeenMessage(ctx context.Context, messageID string) (bool, error)
	MarkMessage(ctx context.Context, messageID string) error
	AppendToFeed(ctx context.Context, userID int64, item models.FeedItem) error
	CachePost(ctx context.Context, postID int64, item models.FeedItem) error
	Warm(ctx context.Context, userIDs []int64, items []models.FeedItem) error
	HotUsers(ctx context.Context, limit int) ([]int64, error)
}

// DepthSource reports the backlog of a partition queue.
type DepthSource interface {
	QueueDepth(workerID int) (int, error)
}

type Worker struct {
	id          int
	idLabel     string
	store       Timeline
	cache       Cache
	depths      DepthSource
	concurrency int
	log         zerolog.Logger
}

// New builds a worker for one partition. depths may be nil, which disables
// the backlog gauge.
func New(id int, store Timeline, cache Cache, depths DepthSource, concurrency int, log zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Worker{
		id:          id,
		idLabel:     strconv.Itoa(id),
		store:       store,
		cache:       cache,
		depths:      depths,
		concurrency: concurrency,
		log:         log.With().Int("worker_id", id).Logger(),
	}
}

// Run processes deliveries until the context is cancelled or the channel
// closes (connection loss). In-flight handlers drain before Run returns.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	go w.sampleDepth(ctx)
	go w.warmLoop(ctx)

	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("shutting down, draining in-flight messages")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				w.log.Warn().Msg("delivery channel closed")
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				// Detached from the shutdown cancel so messages already
				// in flight finish and ack instead of nacking on drain.
				pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), processTimeout)
				defer pcancel()
				w.process(pctx, d)
			}(d)
		}
	}
}

func (w *Worker) process(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	metrics.WorkerReceived.WithLabelValues(w.idLabel).Inc()

	var msg models.FanoutMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		w.log.Warn().Err(err).Str("message_id", d.MessageId).Msg("dropping malformed message")
		metrics.WorkerMalformed.WithLabelValues(w.idLabel).Inc()
		d.Ack(false)
		return
	}
	if msg.Version != models.FanoutMessageVersion || msg.MessageID == "" || msg.UserID == 0 || msg.PostID == 0 {
		w.log.Warn().
			Int("version", msg.Version).
			Str("message_id", msg.MessageID).
			Msg("dropping unsupported message")
		metrics.WorkerMalformed.WithLabelValues(w.idLabel).Inc()
		d.Ack(false)
		return
	}

	seen, err := w.cache.SeenMessage(ctx, msg.MessageID)
	if err != nil {
		// Dedup is advisory; the store constraint is the backstop.
		w.log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("dedup check failed")
	}
	if seen {
		metrics.WorkerDuplicates.WithLabelValues(w.idLabel).Inc()
		d.Ack(false)
		return
	}
	if err := w.cache.MarkMessage(ctx, msg.MessageID); err != nil {
		w.log.Warn().Err(err).Str("message_id", msg.MessageID).Msg("mark message failed")
	}

	inserted, trimmed, err := w.store.InsertEntry(ctx, msg.UserID, msg.PostID, msg.CreatedAt)
	if err != nil {
		w.log.Error().Err(err).
			Str("message_id", msg.MessageID).
			Int64("user_id", msg.UserID).
			Int64("post_id", msg.PostID).
			Msg("timeline insert failed, requeueing")
		metrics.WorkerErrors.WithLabelValues(w.idLabel).Inc()
		d.Nack(false, true)
		return
	}
	if !inserted {
		metrics.WorkerInsertConflicts.WithLabelValues(w.idLabel).Inc()
	}
	if trimmed > 0 {
		metrics.WorkerTrims.WithLabelValues(w.idLabel).Add(float64(trimmed))
	}

	// Cache writes are best effort once the store row is in.
	item := msg.Item()
	if err := w.cache.CachePost(ctx, msg.PostID, item); err != nil {
		w.log.Warn().Err(err).Int64("post_id", msg.PostID).Msg("cache post failed")
	}
	if inserted {
		if err := w.cache.AppendToFeed(ctx, msg.UserID, item); err != nil {
			w.log.Warn().Err(err).Int64("user_id", msg.UserID).Msg("feed append failed")
		}
	}

	d.Ack(false)
	metrics.WorkerSuccess.WithLabelValues(w.idLabel).Inc()
	metrics.WorkerProcessing.WithLabelValues(w.idLabel).Observe(time.Since(start).Seconds())
}

// sampleDepth publishes the partition backlog every 10s.
func (w *Worker) sampleDepth(ctx context.Context) {
	if w.depths == nil {
		return
	}
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := w.depths.QueueDepth(w.id)
			if err != nil {
				w.log.Warn().Err(err).Msg("queue depth check failed")
				continue
			}
			metrics.QueueDepth.WithLabelValues(w.idLabel).Set(float64(depth))
		}
	}
}

// warmLoop refreshes the ring buffers of the hottest users from the store
// every five minutes, so cache expiry does not push them onto the slow path.
func (w *Worker) warmLoop(ctx context.Context) {
	ticker := time.NewTicker(warmInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.warmHotUsers(ctx); err != nil {
				w.log.Warn().Err(err).Msg("hot user warm failed")
			}
		}
	}
}

func (w *Worker) warmHotUsers(ctx context.Context) error {
	users, err := w.cache.HotUsers(ctx, warmUserCount)
	if err != nil {
		return err
	}
	for _, userID := range users {
		items, err := w.store.ReadRange(ctx, userID, warmItemCount, 0)
		if err != nil {
			w.log.Warn().Err(err).Int64("user_id", userID).Msg("warm read failed")
			continue
		}
		if len(items) == 0 {
			continue
		}
		if err := w.cache.Warm(ctx, []int64{userID}, items); err != nil {
			w.log.Warn().Err(err).Int64("user_id", userID).Msg("warm write failed")
		}
	}
	return nil
}
