package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/alexprut/feedpipe/internal/models"
)

type fakeAcker struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error { a.acked = true; return nil }
func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}
func (a *fakeAcker) Reject(tag uint64, requeue bool) error { return nil }

type fakeStore struct {
	inserted  []int64 // user ids in insert order
	insertErr error
	conflict  bool
	trimmed   int64
	items     map[int64][]models.FeedItem
}

func (s *fakeStore) InsertEntry(ctx context.Context, userID, postID int64, createdAt time.Time) (bool, int64, error) {
	if s.insertErr != nil {
		return false, 0, s.insertErr
	}
	s.inserted = append(s.inserted, userID)
	return !s.conflict, s.trimmed, nil
}

func (s *fakeStore) ReadRange(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, error) {
	return s.items[userID], nil
}

type fakeCache struct {
	seen     map[string]bool
	marked   []string
	appended map[int64][]models.FeedItem
	posts    map[int64]models.FeedItem
	warmed   map[int64][]models.FeedItem
	hot      []int64
	seenErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		seen:     map[string]bool{},
		appended: map[int64][]models.FeedItem{},
		posts:    map[int64]models.FeedItem{},
		warmed:   map[int64][]models.FeedItem{},
	}
}

func (c *fakeCache) SeenMessage(ctx context.Context, id string) (bool, error) {
	if c.seenErr != nil {
		return false, c.seenErr
	}
	return c.seen[id], nil
}
func (c *fakeCache) MarkMessage(ctx context.Context, id string) error {
	c.marked = append(c.marked, id)
	c.seen[id] = true
	return nil
}
func (c *fakeCache) AppendToFeed(ctx context.Context, userID int64, item models.FeedItem) error {
	c.appended[userID] = append(c.appended[userID], item)
	return nil
}
func (c *fakeCache) CachePost(ctx context.Context, postID int64, item models.FeedItem) error {
	c.posts[postID] = item
	return nil
}
func (c *fakeCache) Warm(ctx context.Context, userIDs []int64, items []models.FeedItem) error {
	for _, id := range userIDs {
		c.warmed[id] = items
	}
	return nil
}
func (c *fakeCache) HotUsers(ctx context.Context, limit int) ([]int64, error) {
	if limit < len(c.hot) {
		return c.hot[:limit], nil
	}
	return c.hot, nil
}

func delivery(t *testing.T, a *fakeAcker, msg models.FanoutMessage) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: a, Body: body, MessageId: msg.MessageID}
}

func validMessage() models.FanoutMessage {
	return models.FanoutMessage{
		Version:        models.FanoutMessageVersion,
		MessageID:      "batch-1-0",
		PostID:         10,
		AuthorID:       1,
		Body:           "hello",
		AuthorUsername: "alice",
		CreatedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		UserID:         2,
	}
}

func TestProcessHappyPath(t *testing.T) {
	store := &fakeStore{}
	cache := newFakeCache()
	w := New(0, store, cache, nil, 1, zerolog.Nop())
	acker := &fakeAcker{}

	w.process(context.Background(), delivery(t, acker, validMessage()))

	require.True(t, acker.acked)
	require.False(t, acker.nacked)
	require.Equal(t, []int64{2}, store.inserted)
	require.Equal(t, []string{"batch-1-0"}, cache.marked)
	require.Len(t, cache.appended[2], 1)
	require.Equal(t, "hello", cache.appended[2][0].Body)
	require.Contains(t, cache.posts, int64(10))
}

func TestProcessMalformedAcked(t *testing.T) {
	store := &fakeStore{}
	cache := newFakeCache()
	w := New(0, store, cache, nil, 1, zerolog.Nop())
	acker := &fakeAcker{}

	w.process(context.Background(), amqp.Delivery{Acknowledger: acker, Body: []byte("not json")})

	require.True(t, acker.acked, "poison messages are dropped, not requeued")
	require.Empty(t, store.inserted)
}

func TestProcessUnsupportedVersionAcked(t *testing.T) {
	store := &fakeStore{}
	cache := newFakeCache()
	w := New(0, store, cache, nil, 1, zerolog.Nop())
	acker := &fakeAcker{}

	msg := validMessage()
	msg.Version = 99
	w.process(context.Background(), delivery(t, acker, msg))

	require.True(t, acker.acked)
	require.Empty(t, store.inserted)
}

func TestProcessDuplicateDropped(t *testing.T) {
	store := &fakeStore{}
	cache := newFakeCache()
	cache.seen["batch-1-0"] = true
	w := New(0, store, cache, nil, 1, zerolog.Nop())
	acker := &fakeAcker{}

	w.process(context.Background(), delivery(t, acker, validMessage()))

	require.True(t, acker.acked)
	require.Empty(t, store.inserted)
	require.Empty(t, cache.appended)
}

func TestProcessStoreErrorNacksForRedelivery(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("db down")}
	cache := newFakeCache()
	w := New(0, store, cache, nil, 1, zerolog.Nop())
	acker := &fakeAcker{}

	w.process(context.Background(), delivery(t, acker, validMessage()))

	require.True(t, acker.nacked)
	require.True(t, acker.requeue)
	require.False(t, acker.acked)
	require.Empty(t, cache.appended)
}

func TestProcessConflictSkipsAppend(t *testing.T) {
	store := &fakeStore{conflict: true}
	cache := newFakeCache()
	w := New(0, store, cache, nil, 1, zerolog.Nop())
	acker := &fakeAcker{}

	w.process(context.Background(), delivery(t, acker, validMessage()))

	// The row already existed so the ring buffer is left alone, but the
	// message still acks.
	require.True(t, acker.acked)
	require.Empty(t, cache.appended)
	require.Contains(t, cache.posts, int64(10))
}

func TestProcessDedupFailureFallsThroughToStore(t *testing.T) {
	store := &fakeStore{}
	cache := newFakeCache()
	cache.seenErr = errors.New("redis down")
	w := New(0, store, cache, nil, 1, zerolog.Nop())
	acker := &fakeAcker{}

	w.process(context.Background(), delivery(t, acker, validMessage()))

	require.True(t, acker.acked)
	require.Equal(t, []int64{2}, store.inserted)
}

func TestRunDrainsAndStopsOnClose(t *testing.T) {
	store := &fakeStore{}
	cache := newFakeCache()
	w := New(0, store, cache, nil, 2, zerolog.Nop())

	deliveries := make(chan amqp.Delivery, 3)
	ackers := make([]*fakeAcker, 3)
	for i := range ackers {
		ackers[i] = &fakeAcker{}
		msg := validMessage()
		msg.MessageID = "batch-1-" + string(rune('0'+i))
		msg.UserID = int64(i + 2)
		deliveries <- delivery(t, ackers[i], msg)
	}
	close(deliveries)

	err := w.Run(context.Background(), deliveries)
	require.NoError(t, err)

	for _, a := range ackers {
		require.True(t, a.acked)
	}
	require.Len(t, store.inserted, 3)
}

type gateStore struct {
	entered chan struct{}
	release chan struct{}
	ctxErr  error
}

func (s *gateStore) InsertEntry(ctx context.Context, userID, postID int64, createdAt time.Time) (bool, int64, error) {
	close(s.entered)
	<-s.release
	s.ctxErr = ctx.Err()
	return true, 0, nil
}

func (s *gateStore) ReadRange(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, error) {
	return nil, nil
}

func TestShutdownFinishesInFlightMessages(t *testing.T) {
	store := &gateStore{entered: make(chan struct{}), release: make(chan struct{})}
	cache := newFakeCache()
	w := New(0, store, cache, nil, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acker := &fakeAcker{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- delivery(t, acker, validMessage())

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, deliveries) }()

	// Shutdown arrives while the message is mid-insert.
	<-store.entered
	cancel()
	close(store.release)

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, store.ctxErr, "in-flight handlers keep a live context through shutdown")
	require.True(t, acker.acked, "drained message acks instead of requeueing")
	require.False(t, acker.nacked)
}

func TestWarmHotUsers(t *testing.T) {
	items := []models.FeedItem{
		{PostID: 3, Body: "newest"},
		{PostID: 2, Body: "mid"},
		{PostID: 1, Body: "oldest"},
	}
	store := &fakeStore{items: map[int64][]models.FeedItem{7: items}}
	cache := newFakeCache()
	cache.hot = []int64{7, 8} // user 8 has nothing stored
	w := New(0, store, cache, nil, 1, zerolog.Nop())

	require.NoError(t, w.warmHotUsers(context.Background()))

	require.Equal(t, items, cache.warmed[7])
	require.NotContains(t, cache.warmed, int64(8))
}
