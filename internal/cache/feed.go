package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alexprut/feedpipe/internal/models"
	"github.com/alexprut/feedpipe/internal/ringbuf"
)

const (
	// Key layout
	PrefixFeedBuffer   = "feed:buffer:"
	PrefixPost         = "tweet:"
	PrefixProcessedMsg = "msg:processed:"
	KeyHotUsers        = "users:hot"
	KeyFeedAccess      = "feed:access"

	// TTLs
	DefaultFeedTTL    = time.Hour
	DefaultPostTTL    = 2 * time.Hour
	DefaultMessageTTL = 5 * time.Minute
)

// ErrMiss is returned when a user has no cached ring buffer. Callers fall
// back to the timeline store; a miss is never a user-visible error.
var ErrMiss = errors.New("feed cache miss")

// Stats summarizes cache occupancy for the stats endpoint.
type Stats struct {
	CachedFeeds       int     `json:"cached_feeds"`
	CachedPosts       int     `json:"cached_posts"`
	ProcessedMessages int     `json:"processed_messages"`
	HotUsers          []int64 `json:"hot_users"`
	BufferSize        int     `json:"buffer_size"`
}

// FeedCache stores per-user ring buffers, denormalized posts, dedup markers
// and the hot-user tracker in Redis.
type FeedCache struct {
	client     redis.UniversalClient
	bufferSize int
	feedTTL    time.Duration
	postTTL    time.Duration
	messageTTL time.Duration
}

// NewFeedCache wraps a Redis connection with the feed key layout. Zero
// values for bufferSize and the TTLs select the defaults.
func NewFeedCache(rc *RedisCache, bufferSize int, feedTTL, postTTL, messageTTL time.Duration) *FeedCache {
	if bufferSize < 1 {
		bufferSize = ringbuf.DefaultSize
	}
	if feedTTL <= 0 {
		feedTTL = DefaultFeedTTL
	}
	if postTTL <= 0 {
		postTTL = DefaultPostTTL
	}
	if messageTTL <= 0 {
		messageTTL = DefaultMessageTTL
	}
	return &FeedCache{
		client:     rc.Client(),
		bufferSize: bufferSize,
		feedTTL:    feedTTL,
		postTTL:    postTTL,
		messageTTL: messageTTL,
	}
}

func feedKey(userID int64) string {
	return PrefixFeedBuffer + strconv.FormatInt(userID, 10)
}

func postKey(postID int64) string {
	return PrefixPost + strconv.FormatInt(postID, 10)
}

func messageKey(messageID string) string {
	return PrefixProcessedMsg + messageID
}

// ============== Ring buffer feeds ==============

// GetFeed returns up to limit items newest-first from the user's cached ring
// buffer, or ErrMiss when no buffer exists. Reads bump the hot-user counter
// and the last-access timestamp.
func (fc *FeedCache) GetFeed(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, error) {
	data, err := fc.client.Get(ctx, feedKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get feed buffer: %w", err)
	}

	buf, err := ringbuf.Unmarshal(data)
	if err != nil {
		// A corrupt buffer is unreadable; drop it so the next append
		// starts fresh and report a miss.
		fc.client.Del(ctx, feedKey(userID))
		return nil, ErrMiss
	}

	fc.touch(ctx, userID)

	return buf.Read(limit, offset), nil
}

// AppendToFeed loads or creates the user's ring buffer, adds the item and
// stores the buffer back with the feed TTL.
func (fc *FeedCache) AppendToFeed(ctx context.Context, userID int64, item models.FeedItem) error {
	key := feedKey(userID)

	buf := ringbuf.New(fc.bufferSize)
	if data, err := fc.client.Get(ctx, key).Bytes(); err == nil {
		if existing, err := ringbuf.Unmarshal(data); err == nil {
			buf = existing
		}
	} else if err != redis.Nil {
		return fmt.Errorf("load feed buffer: %w", err)
	}

	buf.Add(item)

	data, err := buf.Marshal()
	if err != nil {
		return fmt.Errorf("marshal feed buffer: %w", err)
	}
	if err := fc.client.Set(ctx, key, data, fc.feedTTL).Err(); err != nil {
		return fmt.Errorf("store feed buffer: %w", err)
	}
	return nil
}

// Warm replaces the ring buffers of the listed users with the given items,
// oldest item first so the newest ends up at the head.
func (fc *FeedCache) Warm(ctx context.Context, userIDs []int64, items []models.FeedItem) error {
	if len(userIDs) == 0 {
		return nil
	}

	buf := ringbuf.New(fc.bufferSize)
	for i := len(items) - 1; i >= 0; i-- {
		buf.Add(items[i])
	}
	data, err := buf.Marshal()
	if err != nil {
		return fmt.Errorf("marshal feed buffer: %w", err)
	}

	pipe := fc.client.Pipeline()
	for _, userID := range userIDs {
		pipe.Set(ctx, feedKey(userID), data, fc.feedTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("warm feeds: %w", err)
	}
	return nil
}

// InvalidateUser deletes the user's ring buffer; the next read is a miss.
func (fc *FeedCache) InvalidateUser(ctx context.Context, userID int64) error {
	return fc.client.Del(ctx, feedKey(userID)).Err()
}

// ============== Post cache ==============

// CachePost stores the denormalized post payload.
func (fc *FeedCache) CachePost(ctx context.Context, postID int64, item models.FeedItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return fc.client.Set(ctx, postKey(postID), data, fc.postTTL).Err()
}

// GetPost returns the cached post payload, or ErrMiss.
func (fc *FeedCache) GetPost(ctx context.Context, postID int64) (*models.FeedItem, error) {
	data, err := fc.client.Get(ctx, postKey(postID)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("get cached post: %w", err)
	}
	var item models.FeedItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode cached post: %w", err)
	}
	return &item, nil
}

// ============== Message deduplication ==============

// SeenMessage reports whether a fanout message was already processed
// inside the dedup window.
func (fc *FeedCache) SeenMessage(ctx context.Context, messageID string) (bool, error) {
	n, err := fc.client.Exists(ctx, messageKey(messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("check message: %w", err)
	}
	return n > 0, nil
}

// MarkMessage records a processed message id with the dedup TTL.
func (fc *FeedCache) MarkMessage(ctx context.Context, messageID string) error {
	return fc.client.Set(ctx, messageKey(messageID), "1", fc.messageTTL).Err()
}

// ============== Hot user tracking ==============

// HotUsers returns the top users by access score, most accessed first.
func (fc *FeedCache) HotUsers(ctx context.Context, limit int) ([]int64, error) {
	members, err := fc.client.ZRevRange(ctx, KeyHotUsers, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("hot users: %w", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ActiveUsers returns the users whose feeds were read within the window.
// The publisher uses this to prioritize latency-sensitive timelines.
func (fc *FeedCache) ActiveUsers(ctx context.Context, window time.Duration) (map[int64]struct{}, error) {
	min := strconv.FormatInt(time.Now().Add(-window).Unix(), 10)
	members, err := fc.client.ZRangeByScore(ctx, KeyFeedAccess, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	active := make(map[int64]struct{}, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		active[id] = struct{}{}
	}
	return active, nil
}

// touch bumps the hot-user score and last-access timestamp. Best effort.
func (fc *FeedCache) touch(ctx context.Context, userID int64) {
	member := strconv.FormatInt(userID, 10)
	pipe := fc.client.Pipeline()
	pipe.ZIncrBy(ctx, KeyHotUsers, 1, member)
	pipe.ZAdd(ctx, KeyFeedAccess, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: member,
	})
	pipe.Exec(ctx)
}

// ============== Stats ==============

// GetStats counts cached keys for the stats endpoint. KEYS-based and
// intended for operators, not hot paths.
func (fc *FeedCache) GetStats(ctx context.Context) (*Stats, error) {
	feeds, err := fc.client.Keys(ctx, PrefixFeedBuffer+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	posts, err := fc.client.Keys(ctx, PrefixPost+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	msgs, err := fc.client.Keys(ctx, PrefixProcessedMsg+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	hot, err := fc.HotUsers(ctx, 10)
	if err != nil {
		return nil, err
	}

	return &Stats{
		CachedFeeds:       len(feeds),
		CachedPosts:       len(posts),
		ProcessedMessages: len(msgs),
		HotUsers:          hot,
		BufferSize:        fc.bufferSize,
	}, nil
}
