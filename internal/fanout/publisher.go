// Package fanout turns an accepted post into one partitioned broker message
// per follower (plus one for the author). Delivery is at-least-once: batches
// publish inside broker transactions, and a batch that fails after the post
// committed is recorded for the recovery sweep.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/alexprut/feedpipe/internal/metrics"
	"github.com/alexprut/feedpipe/internal/models"
	"github.com/alexprut/feedpipe/internal/queue"
)

const (
	// DefaultBatchSize groups publishes into broker transactions.
	DefaultBatchSize = 200

	// ActiveWindow bounds how recently a user must have read their feed to
	// count as active for priority purposes.
	ActiveWindow = 15 * time.Minute

	priorityActive = 5
	priorityNormal = 1
)

// BatchPublisher is the broker-side contract.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, msgs []queue.Message) error
}

// FollowerSource resolves fanout targets for an author.
type FollowerSource interface {
	FollowerIDs(ctx context.Context, authorID int64) ([]int64, error)
}

// ActiveSource reports which users read their feeds recently. Priority is
// advisory, so lookups degrade to normal priority on error.
type ActiveSource interface {
	ActiveUsers(ctx context.Context, window time.Duration) (map[int64]struct{}, error)
}

type Publisher struct {
	broker    BatchPublisher
	followers FollowerSource
	active    ActiveSource
	pool      *pgxpool.Pool
	batchSize int
	log       zerolog.Logger
}

// NewPublisher wires the fanout path. active may be nil (everything gets
// normal priority); pool may be nil in tests, which disables the recovery
// sweep record.
func NewPublisher(broker BatchPublisher, followers FollowerSource, active ActiveSource, pool *pgxpool.Pool, batchSize int, log zerolog.Logger) *Publisher {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Publisher{
		broker:    broker,
		followers: followers,
		active:    active,
		pool:      pool,
		batchSize: batchSize,
		log:       log.With().Str("component", "fanout").Logger(),
	}
}

// BuildMessages constructs the per-target message set for a post. Message
// ids are <batchID>-<index>, stable across retries of the same batch.
func BuildMessages(post *models.Post, targets []int64, batchID string, active map[int64]struct{}) []queue.Message {
	msgs := make([]queue.Message, len(targets))
	for i, target := range targets {
		priority := uint8(priorityNormal)
		if _, ok := active[target]; ok {
			priority = priorityActive
		}
		msgs[i] = queue.Message{
			Payload: models.FanoutMessage{
				Version:        models.FanoutMessageVersion,
				MessageID:      fmt.Sprintf("%s-%d", batchID, i),
				PostID:         post.ID,
				AuthorID:       post.AuthorID,
				Body:           post.Body,
				AuthorUsername: post.AuthorUsername,
				CreatedAt:      post.CreatedAt,
				UserID:         target,
			},
			Priority: priority,
		}
	}
	return msgs
}

// Publish fans a committed post out to all followers plus the author.
// Returns the number of messages published. If a batch fails it is recorded
// for the sweep and publishing continues with the next batch.
func (p *Publisher) Publish(ctx context.Context, post *models.Post) (int, error) {
	followers, err := p.followers.FollowerIDs(ctx, post.AuthorID)
	if err != nil {
		return 0, fmt.Errorf("resolve followers: %w", err)
	}
	targets := append(followers, post.AuthorID) // authors see their own posts

	var active map[int64]struct{}
	if p.active != nil {
		active, err = p.active.ActiveUsers(ctx, ActiveWindow)
		if err != nil {
			p.log.Warn().Err(err).Msg("active lookup failed, using normal priority")
			active = nil
		}
	}

	batchID := uuid.New().String()
	msgs := BuildMessages(post, targets, batchID, active)

	published := 0
	var firstErr error
	for start := 0; start < len(msgs); start += p.batchSize {
		end := start + p.batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		batch := msgs[start:end]

		if err := p.broker.PublishBatch(ctx, batch); err != nil {
			p.log.Error().Err(err).
				Int64("post_id", post.ID).
				Str("batch_id", batchID).
				Int("batch_start", start).
				Msg("publish batch failed, recording for sweep")
			if recErr := p.recordFailure(ctx, post.ID, batchID, batch); recErr != nil {
				p.log.Error().Err(recErr).Msg("record fanout failure")
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		published += len(batch)
		metrics.FanoutPublished.Add(float64(len(batch)))
	}

	if firstErr != nil {
		return published, fmt.Errorf("fanout post %d: %w", post.ID, firstErr)
	}
	return published, nil
}

// recordFailure persists a failed batch, message ids included, so the sweep
// republishes with the same ids and dedup stays effective.
func (p *Publisher) recordFailure(ctx context.Context, postID int64, batchID string, batch []queue.Message) error {
	if p.pool == nil {
		return nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal failed batch: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO fanout_failures (post_id, batch_id, payload) VALUES ($1, $2, $3)
	`, postID, batchID, payload)
	if err != nil {
		return fmt.Errorf("record fanout failure: %w", err)
	}
	metrics.FanoutFailures.Inc()
	return nil
}

// Sweep republishes recorded batches with their original message ids and
// marks them swept. Called periodically by the server.
func (p *Publisher) Sweep(ctx context.Context) (int, error) {
	if p.pool == nil {
		return 0, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, payload FROM fanout_failures
		WHERE swept_at IS NULL
		ORDER BY recorded_at
		LIMIT 100
	`)
	if err != nil {
		return 0, fmt.Errorf("load fanout failures: %w", err)
	}

	type pending struct {
		id      int64
		payload []byte
	}
	var work []pending
	for rows.Next() {
		var w pending
		if err := rows.Scan(&w.id, &w.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan fanout failure: %w", err)
		}
		work = append(work, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	swept := 0
	for _, w := range work {
		var batch []queue.Message
		if err := json.Unmarshal(w.payload, &batch); err != nil {
			// Unreadable record: mark swept so it stops blocking the queue.
			p.log.Error().Err(err).Int64("failure_id", w.id).Msg("dropping unreadable fanout record")
			p.markSwept(ctx, w.id)
			continue
		}
		if err := p.broker.PublishBatch(ctx, batch); err != nil {
			return swept, fmt.Errorf("republish batch %d: %w", w.id, err)
		}
		metrics.FanoutPublished.Add(float64(len(batch)))
		if err := p.markSwept(ctx, w.id); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

func (p *Publisher) markSwept(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `UPDATE fanout_failures SET swept_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark swept: %w", err)
	}
	return nil
}
