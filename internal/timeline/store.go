// Package timeline owns the authoritative timeline table and the relational
// queries around it. Each user's timeline is bounded to MaxFeedSize entries;
// ordering is created_at DESC with id DESC as the deterministic tie-break.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alexprut/feedpipe/internal/models"
)

// DefaultMaxFeedSize bounds each user's timeline.
const DefaultMaxFeedSize = 1000

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type Store struct {
	pool        *pgxpool.Pool
	maxFeedSize int
}

func NewStore(pool *pgxpool.Pool, maxFeedSize int) *Store {
	if maxFeedSize < 1 {
		maxFeedSize = DefaultMaxFeedSize
	}
	return &Store{pool: pool, maxFeedSize: maxFeedSize}
}

// MaxFeedSize returns the per-user timeline bound.
func (s *Store) MaxFeedSize() int { return s.maxFeedSize }

// InsertEntry idempotently adds a post to a user's timeline, then trims the
// timeline past the per-user bound. It reports whether a row was actually
// inserted (false means the uniqueness constraint absorbed a replay) and how
// many entries the trim evicted.
func (s *Store) InsertEntry(ctx context.Context, userID, postID int64, ts time.Time) (inserted bool, trimmed int64, err error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO timeline (user_id, post_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, post_id) DO NOTHING
	`, userID, postID, ts)
	if err != nil {
		return false, 0, fmt.Errorf("insert timeline entry: %w", err)
	}
	inserted = tag.RowsAffected() > 0

	if !inserted {
		return false, 0, nil
	}

	trimmed, err = s.Trim(ctx, userID)
	if err != nil {
		return true, 0, err
	}
	return inserted, trimmed, nil
}

// Trim deletes everything strictly older than the user's K-th newest entry.
// Per-user only; other users' fanout is never blocked.
func (s *Store) Trim(ctx context.Context, userID int64) (int64, error) {
	var cutoffTS time.Time
	var cutoffID int64
	err := s.pool.QueryRow(ctx, `
		SELECT created_at, id FROM timeline
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		OFFSET $2 LIMIT 1
	`, userID, s.maxFeedSize-1).Scan(&cutoffTS, &cutoffID)
	if err == pgx.ErrNoRows {
		return 0, nil // fewer than K entries
	}
	if err != nil {
		return 0, fmt.Errorf("find trim cutoff: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM timeline
		WHERE user_id = $1 AND (created_at, id) < ($2, $3)
	`, userID, cutoffTS, cutoffID)
	if err != nil {
		return 0, fmt.Errorf("trim timeline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReadRange returns newest-first denormalized entries for a user's timeline.
func (s *Store) ReadRange(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.post_id, p.body, p.author_id, u.username, t.created_at
		FROM timeline t
		JOIN posts p ON p.id = t.post_id
		JOIN users u ON u.id = p.author_id
		WHERE t.user_id = $1
		ORDER BY t.created_at DESC, t.id DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	defer rows.Close()

	var items []models.FeedItem
	for rows.Next() {
		var it models.FeedItem
		if err := rows.Scan(&it.PostID, &it.Body, &it.AuthorID, &it.AuthorUsername, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan timeline row: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// CountEntries returns the number of timeline rows for a user.
func (s *Store) CountEntries(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM timeline WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count timeline: %w", err)
	}
	return n, nil
}

// Rebuild atomically replaces a user's timeline with the newest K posts by
// the authors they follow (plus their own). Readers see either the old state
// or the new state, never a partial purge. Returns the rebuilt entries
// newest-first so callers can warm the cache.
func (s *Store) Rebuild(ctx context.Context, userID int64) ([]models.FeedItem, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM timeline WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("purge timeline: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT followed_id FROM follows WHERE follower_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("load followed ids: %w", err)
	}
	authorIDs := []int64{userID} // own posts appear in own timeline
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan followed id: %w", err)
		}
		authorIDs = append(authorIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `
		SELECT p.id, p.body, p.author_id, u.username, p.created_at
		FROM posts p
		JOIN users u ON u.id = p.author_id
		WHERE p.author_id = ANY($1)
		ORDER BY p.created_at DESC, p.id DESC
		LIMIT $2
	`, authorIDs, s.maxFeedSize)
	if err != nil {
		return nil, fmt.Errorf("select source posts: %w", err)
	}
	var items []models.FeedItem
	for rows.Next() {
		var it models.FeedItem
		if err := rows.Scan(&it.PostID, &it.Body, &it.AuthorID, &it.AuthorUsername, &it.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan source post: %w", err)
		}
		items = append(items, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(items) > 0 {
		copyRows := make([][]interface{}, len(items))
		for i, it := range items {
			copyRows[i] = []interface{}{userID, it.PostID, it.CreatedAt}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"timeline"},
			[]string{"user_id", "post_id", "created_at"},
			pgx.CopyFromRows(copyRows),
		); err != nil {
			return nil, fmt.Errorf("bulk insert timeline: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit rebuild: %w", err)
	}
	return items, nil
}
