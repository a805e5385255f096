// Package feed is the application layer: it orchestrates the store, the ring
// buffer cache and the fanout publisher behind the HTTP surface.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/alexprut/feedpipe/internal/cache"
	"github.com/alexprut/feedpipe/internal/metrics"
	"github.com/alexprut/feedpipe/internal/models"
)

const (
	// MaxPostLength bounds post bodies.
	MaxPostLength = 280

	// DefaultLimit and MaxLimit bound feed page sizes.
	DefaultLimit = 50
	MaxLimit     = 100

	// warmOnMissItems caps how much of a store fallback is pushed back into
	// the cache.
	warmOnMissItems = 100
)

// ErrInvalid marks request validation failures. Handlers map it to 400.
var ErrInvalid = errors.New("invalid request")

const (
	SourceCache    = "cache"
	SourceDatabase = "database"
)

// Store is the relational surface the service needs.
type Store interface {
	CreateUser(ctx context.Context, username, email string) (*models.User, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
	CreatePost(ctx context.Context, authorID int64, body string) (*models.Post, error)
	GetPost(ctx context.Context, id int64) (*models.Post, error)
	DeletePost(ctx context.Context, id, authorID int64) error
	CreateFollow(ctx context.Context, followerID, followedID int64) error
	DeleteFollow(ctx context.Context, followerID, followedID int64) error
	ReadRange(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, error)
	Rebuild(ctx context.Context, userID int64) ([]models.FeedItem, error)
}

// Cache is the Redis surface the service needs.
type Cache interface {
	GetFeed(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, error)
	Warm(ctx context.Context, userIDs []int64, items []models.FeedItem) error
	InvalidateUser(ctx context.Context, userID int64) error
	CachePost(ctx context.Context, postID int64, item models.FeedItem) error
	GetPost(ctx context.Context, postID int64) (*models.FeedItem, error)
	GetStats(ctx context.Context) (*cache.Stats, error)
}

// Publisher fans an accepted post out to follower queues.
type Publisher interface {
	Publish(ctx context.Context, post *models.Post) (int, error)
}

type Service struct {
	store     Store
	cache     Cache
	publisher Publisher
	log       zerolog.Logger
}

func NewService(store Store, c Cache, publisher Publisher, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		cache:     c,
		publisher: publisher,
		log:       log.With().Str("component", "feed").Logger(),
	}
}

// CreateUser registers an account.
func (s *Service) CreateUser(ctx context.Context, username, email string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("username is required: %w", ErrInvalid)
	}
	if email == "" {
		return nil, fmt.Errorf("email is required: %w", ErrInvalid)
	}
	return s.store.CreateUser(ctx, username, email)
}

func (s *Service) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.store.GetUser(ctx, id)
}

// CreatePost accepts a post, caches its denormalized payload and fans it out.
// The post is durable once this returns; a publish failure is recorded for
// the recovery sweep and does not fail the request.
func (s *Service) CreatePost(ctx context.Context, authorID int64, body string) (*models.Post, error) {
	if n := utf8.RuneCountInString(body); n == 0 || n > MaxPostLength {
		return nil, fmt.Errorf("body must be 1-%d characters: %w", MaxPostLength, ErrInvalid)
	}

	start := time.Now()
	post, err := s.store.CreatePost(ctx, authorID, body)
	if err != nil {
		return nil, err
	}

	item := models.FeedItem{
		PostID:         post.ID,
		Body:           post.Body,
		AuthorID:       post.AuthorID,
		AuthorUsername: post.AuthorUsername,
		CreatedAt:      post.CreatedAt,
	}
	if err := s.cache.CachePost(ctx, post.ID, item); err != nil {
		s.log.Warn().Err(err).Int64("post_id", post.ID).Msg("cache post failed")
	}

	published, err := s.publisher.Publish(ctx, post)
	if err != nil {
		s.log.Error().Err(err).Int64("post_id", post.ID).Msg("fanout incomplete, sweep will recover")
	}

	metrics.PostsCreated.Inc()
	metrics.PostCreateDuration.Observe(time.Since(start).Seconds())
	s.log.Info().
		Int64("post_id", post.ID).
		Int64("author_id", post.AuthorID).
		Int("published", published).
		Msg("post accepted")
	return post, nil
}

// GetPost serves a single post, cache first.
func (s *Service) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	if item, err := s.cache.GetPost(ctx, id); err == nil {
		return &models.Post{
			ID:             item.PostID,
			AuthorID:       item.AuthorID,
			Body:           item.Body,
			CreatedAt:      item.CreatedAt,
			AuthorUsername: item.AuthorUsername,
		}, nil
	}
	return s.store.GetPost(ctx, id)
}

// DeletePost removes the authoritative post row. Already fanned-out timeline
// copies age out with the cache TTL or the next rebuild.
func (s *Service) DeletePost(ctx context.Context, id, authorID int64) error {
	return s.store.DeletePost(ctx, id, authorID)
}

// GetFeed serves a user's timeline page, ring buffer first with a store
// fallback. A page-zero fallback warms the cache for the next read.
func (s *Service) GetFeed(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, string, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		return nil, "", fmt.Errorf("offset must be non-negative: %w", ErrInvalid)
	}

	start := time.Now()
	defer func() {
		metrics.FeedGetDuration.Observe(time.Since(start).Seconds())
	}()

	items, err := s.cache.GetFeed(ctx, userID, limit, offset)
	if err == nil && len(items) > 0 {
		metrics.CacheHits.Inc()
		return items, SourceCache, nil
	}
	// An empty cached page means the ring holds fewer items than the store
	// may; fall through to the authoritative read.
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		// Redis trouble degrades to the store rather than failing the read.
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("cache read failed")
	}
	metrics.CacheMisses.Inc()

	items, err = s.store.ReadRange(ctx, userID, limit, offset)
	if err != nil {
		return nil, "", err
	}
	metrics.FeedSize.Observe(float64(len(items)))

	if offset == 0 && len(items) > 0 {
		warm := items
		if len(warm) < warmOnMissItems {
			if more, err := s.store.ReadRange(ctx, userID, warmOnMissItems, 0); err == nil {
				warm = more
			}
		}
		if err := s.cache.Warm(ctx, []int64{userID}, warm); err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("warm on miss failed")
		}
	}

	return items, SourceDatabase, nil
}

// Follow creates the edge, then rebuilds and re-warms the follower's
// timeline so posts by the newly followed author appear retroactively.
func (s *Service) Follow(ctx context.Context, followerID, followedID int64) error {
	if followerID == followedID {
		return fmt.Errorf("cannot follow yourself: %w", ErrInvalid)
	}
	if err := s.store.CreateFollow(ctx, followerID, followedID); err != nil {
		return err
	}
	return s.reconcile(ctx, followerID)
}

// Unfollow removes the edge and purges the followed author's posts from the
// follower's timeline via the same rebuild.
func (s *Service) Unfollow(ctx context.Context, followerID, followedID int64) error {
	if followerID == followedID {
		return fmt.Errorf("cannot unfollow yourself: %w", ErrInvalid)
	}
	if err := s.store.DeleteFollow(ctx, followerID, followedID); err != nil {
		return err
	}
	return s.reconcile(ctx, followerID)
}

// reconcile invalidates, rebuilds and re-warms one user's timeline after a
// follow graph change. Invalidate comes first so a reader racing the rebuild
// misses into the store instead of seeing the stale buffer.
func (s *Service) reconcile(ctx context.Context, userID int64) error {
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("invalidate failed")
	}

	items, err := s.store.Rebuild(ctx, userID)
	if err != nil {
		return fmt.Errorf("rebuild timeline %d: %w", userID, err)
	}
	metrics.RebuildSuccess.Inc()

	if len(items) > 0 {
		if err := s.cache.Warm(ctx, []int64{userID}, items); err != nil {
			s.log.Warn().Err(err).Int64("user_id", userID).Msg("warm after rebuild failed")
		}
	}
	return nil
}

// Stats reports cache occupancy for operators.
func (s *Service) Stats(ctx context.Context) (*cache.Stats, error) {
	return s.cache.GetStats(ctx)
}
