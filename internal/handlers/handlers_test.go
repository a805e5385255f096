package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/alexprut/feedpipe/internal/cache"
	"github.com/alexprut/feedpipe/internal/feed"
	"github.com/alexprut/feedpipe/internal/models"
	"github.com/alexprut/feedpipe/internal/timeline"
)

type stubStore struct {
	users map[int64]*models.User
	feeds map[int64][]models.FeedItem
}

func (s *stubStore) CreateUser(ctx context.Context, username, email string) (*models.User, error) {
	if username == "taken" {
		return nil, timeline.ErrConflict
	}
	return &models.User{ID: 1, Username: username, Email: email, CreatedAt: time.Now()}, nil
}

func (s *stubStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, timeline.ErrNotFound
	}
	return u, nil
}

func (s *stubStore) CreatePost(ctx context.Context, authorID int64, body string) (*models.Post, error) {
	if authorID == 404 {
		return nil, timeline.ErrNotFound
	}
	return &models.Post{ID: 10, AuthorID: authorID, Body: body, CreatedAt: time.Now()}, nil
}

func (s *stubStore) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	return nil, timeline.ErrNotFound
}

func (s *stubStore) DeletePost(ctx context.Context, id, authorID int64) error {
	return timeline.ErrNotFound
}

func (s *stubStore) CreateFollow(ctx context.Context, followerID, followedID int64) error {
	return nil
}

func (s *stubStore) DeleteFollow(ctx context.Context, followerID, followedID int64) error {
	return nil
}

func (s *stubStore) ReadRange(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, error) {
	items := s.feeds[userID]
	if offset >= len(items) {
		return nil, nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end], nil
}

func (s *stubStore) Rebuild(ctx context.Context, userID int64) ([]models.FeedItem, error) {
	return s.feeds[userID], nil
}

type stubCache struct{}

func (stubCache) GetFeed(ctx context.Context, userID int64, limit, offset int) ([]models.FeedItem, error) {
	return nil, cache.ErrMiss
}
func (stubCache) Warm(ctx context.Context, userIDs []int64, items []models.FeedItem) error { return nil }
func (stubCache) InvalidateUser(ctx context.Context, userID int64) error                   { return nil }
func (stubCache) CachePost(ctx context.Context, postID int64, item models.FeedItem) error  { return nil }
func (stubCache) GetPost(ctx context.Context, postID int64) (*models.FeedItem, error) {
	return nil, cache.ErrMiss
}
func (stubCache) GetStats(ctx context.Context) (*cache.Stats, error) {
	return &cache.Stats{CachedFeeds: 2, BufferSize: 1000}, nil
}

type stubPublisher struct{}

func (stubPublisher) Publish(ctx context.Context, post *models.Post) (int, error) { return 1, nil }

func newTestServer(store *stubStore) *httptest.Server {
	svc := feed.NewService(store, stubCache{}, stubPublisher{}, zerolog.Nop())
	mux := http.NewServeMux()
	NewFeedHandler(svc, zerolog.Nop()).RegisterRoutes(mux)
	return httptest.NewServer(mux)
}

func TestCreateUser(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/users", "application/json",
		strings.NewReader(`{"username":"alice","email":"a@example.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var user models.User
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&user))
	require.Equal(t, "alice", user.Username)
}

func TestCreateUserConflict(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/users", "application/json",
		strings.NewReader(`{"username":"taken","email":"a@example.com"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateUserBadJSON(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/users", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreatePostValidation(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/posts", "application/json",
		strings.NewReader(`{"author_id":1,"body":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e models.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	require.Equal(t, "invalid_request", e.Code)
}

func TestCreatePostUnknownAuthor(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/posts", "application/json",
		strings.NewReader(`{"author_id":404,"body":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetFeed(t *testing.T) {
	store := &stubStore{feeds: map[int64][]models.FeedItem{
		2: {{PostID: 5, Body: "newest"}, {PostID: 4}},
	}}
	srv := newTestServer(store)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/users/2/feed?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var feedResp models.FeedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&feedResp))
	require.Equal(t, feed.SourceDatabase, feedResp.Source)
	require.Len(t, feedResp.Items, 2)
	require.Equal(t, int64(5), feedResp.Items[0].PostID)
}

func TestGetFeedEmptyIsOK(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/users/2/feed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var feedResp models.FeedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&feedResp))
	require.NotNil(t, feedResp.Items)
	require.Empty(t, feedResp.Items)
}

func TestGetFeedBadID(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/users/abc/feed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFollowSelf(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/follows", "application/json",
		strings.NewReader(`{"follower_id":2,"followed_id":2}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnfollow(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/follows",
		strings.NewReader(`{"follower_id":2,"followed_id":3}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeletePostRequiresAuthor(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/posts/10", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	srv := newTestServer(&stubStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats cache.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Equal(t, 2, stats.CachedFeeds)
}
