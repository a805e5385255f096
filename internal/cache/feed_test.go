package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/alexprut/feedpipe/internal/models"
)

func newTestCache(t *testing.T, bufferSize int) (*FeedCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rc, err := NewRedisCacheSimple(context.Background(), mr.Addr(), "", "test")
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	return NewFeedCache(rc, bufferSize, 0, 0, 0), mr
}

func testItem(id int64) models.FeedItem {
	return models.FeedItem{
		PostID:         id,
		Body:           fmt.Sprintf("post %d", id),
		AuthorID:       1,
		AuthorUsername: "alice",
		CreatedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
	}
}

func TestGetFeedMissWhenEmpty(t *testing.T) {
	fc, _ := newTestCache(t, 4)

	_, err := fc.GetFeed(context.Background(), 42, 10, 0)
	require.ErrorIs(t, err, ErrMiss)
}

func TestAppendAndGetFeedNewestFirst(t *testing.T) {
	fc, _ := newTestCache(t, 4)
	ctx := context.Background()

	for i := int64(1); i <= 6; i++ {
		require.NoError(t, fc.AppendToFeed(ctx, 42, testItem(i)))
	}

	items, err := fc.GetFeed(ctx, 42, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 4) // ring capacity bounds the feed
	require.Equal(t, int64(6), items[0].PostID)
	require.Equal(t, int64(3), items[3].PostID)

	page, err := fc.GetFeed(ctx, 42, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, int64(4), page[0].PostID)
	require.Equal(t, int64(3), page[1].PostID)
}

func TestFeedBufferHasTTL(t *testing.T) {
	fc, mr := newTestCache(t, 4)
	ctx := context.Background()

	require.NoError(t, fc.AppendToFeed(ctx, 7, testItem(1)))
	require.Greater(t, mr.TTL(feedKey(7)), time.Duration(0))

	mr.FastForward(2 * time.Hour)
	_, err := fc.GetFeed(ctx, 7, 10, 0)
	require.ErrorIs(t, err, ErrMiss)
}

func TestCorruptBufferIsDroppedAndReportedAsMiss(t *testing.T) {
	fc, mr := newTestCache(t, 4)
	ctx := context.Background()

	mr.Set(feedKey(9), "not a buffer")

	_, err := fc.GetFeed(ctx, 9, 10, 0)
	require.ErrorIs(t, err, ErrMiss)
	require.False(t, mr.Exists(feedKey(9)))
}

func TestInvalidateUser(t *testing.T) {
	fc, _ := newTestCache(t, 4)
	ctx := context.Background()

	require.NoError(t, fc.AppendToFeed(ctx, 42, testItem(1)))
	require.NoError(t, fc.InvalidateUser(ctx, 42))

	_, err := fc.GetFeed(ctx, 42, 10, 0)
	require.ErrorIs(t, err, ErrMiss)
}

func TestWarmReplacesBuffers(t *testing.T) {
	fc, _ := newTestCache(t, 10)
	ctx := context.Background()

	require.NoError(t, fc.AppendToFeed(ctx, 1, testItem(99)))

	// Newest-first input, as the store returns it.
	items := []models.FeedItem{testItem(3), testItem(2), testItem(1)}
	require.NoError(t, fc.Warm(ctx, []int64{1, 2}, items))

	for _, userID := range []int64{1, 2} {
		got, err := fc.GetFeed(ctx, userID, 10, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		require.Equal(t, int64(3), got[0].PostID)
		require.Equal(t, int64(1), got[2].PostID)
	}
}

func TestPostCacheRoundTrip(t *testing.T) {
	fc, _ := newTestCache(t, 4)
	ctx := context.Background()

	_, err := fc.GetPost(ctx, 5)
	require.ErrorIs(t, err, ErrMiss)

	want := testItem(5)
	require.NoError(t, fc.CachePost(ctx, 5, want))

	got, err := fc.GetPost(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, want, *got)
}

func TestMessageDedup(t *testing.T) {
	fc, mr := newTestCache(t, 4)
	ctx := context.Background()

	seen, err := fc.SeenMessage(ctx, "batch-0")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, fc.MarkMessage(ctx, "batch-0"))

	seen, err = fc.SeenMessage(ctx, "batch-0")
	require.NoError(t, err)
	require.True(t, seen)

	// The marker expires, bounding the dedup window.
	mr.FastForward(10 * time.Minute)
	seen, err = fc.SeenMessage(ctx, "batch-0")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestHotUsersRankedByAccess(t *testing.T) {
	fc, _ := newTestCache(t, 4)
	ctx := context.Background()

	for _, userID := range []int64{1, 2, 3} {
		require.NoError(t, fc.AppendToFeed(ctx, userID, testItem(1)))
	}

	// User 2 reads three times, user 3 twice, user 1 once.
	reads := []int64{2, 2, 2, 3, 3, 1}
	for _, userID := range reads {
		_, err := fc.GetFeed(ctx, userID, 10, 0)
		require.NoError(t, err)
	}

	hot, err := fc.HotUsers(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, hot)
}

func TestGetStats(t *testing.T) {
	fc, _ := newTestCache(t, 4)
	ctx := context.Background()

	require.NoError(t, fc.AppendToFeed(ctx, 1, testItem(1)))
	require.NoError(t, fc.AppendToFeed(ctx, 2, testItem(2)))
	require.NoError(t, fc.CachePost(ctx, 1, testItem(1)))
	require.NoError(t, fc.MarkMessage(ctx, "m-1"))

	_, err := fc.GetFeed(ctx, 1, 10, 0)
	require.NoError(t, err)

	stats, err := fc.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.CachedFeeds)
	require.Equal(t, 1, stats.CachedPosts)
	require.Equal(t, 1, stats.ProcessedMessages)
	require.Equal(t, []int64{1}, stats.HotUsers)
	require.Equal(t, 4, stats.BufferSize)
}

func TestActiveUsersWithinWindow(t *testing.T) {
	fc, _ := newTestCache(t, 4)
	ctx := context.Background()

	require.NoError(t, fc.AppendToFeed(ctx, 2, testItem(1)))
	require.NoError(t, fc.AppendToFeed(ctx, 3, testItem(2)))

	// Reading bumps the last-access timestamp.
	_, err := fc.GetFeed(ctx, 2, 10, 0)
	require.NoError(t, err)

	active, err := fc.ActiveUsers(ctx, 15*time.Minute)
	require.NoError(t, err)
	require.Contains(t, active, int64(2))
	require.NotContains(t, active, int64(3), "never-read feeds are not active")
}
