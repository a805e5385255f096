package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/alexprut/feedpipe/internal/feed"
	"github.com/alexprut/feedpipe/internal/models"
	"github.com/alexprut/feedpipe/internal/timeline"
)

type FeedHandler struct {
	svc *feed.Service
	log zerolog.Logger
}

func NewFeedHandler(svc *feed.Service, log zerolog.Logger) *FeedHandler {
	return &FeedHandler{svc: svc, log: log.With().Str("component", "http").Logger()}
}

func (h *FeedHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/users", h.CreateUser)
	mux.HandleFunc("GET /api/v1/users/{id}", h.GetUser)
	mux.HandleFunc("GET /api/v1/users/{id}/feed", h.GetFeed)
	mux.HandleFunc("POST /api/v1/posts", h.CreatePost)
	mux.HandleFunc("GET /api/v1/posts/{id}", h.GetPost)
	mux.HandleFunc("DELETE /api/v1/posts/{id}", h.DeletePost)
	mux.HandleFunc("POST /api/v1/follows", h.Follow)
	mux.HandleFunc("DELETE /api/v1/follows", h.Unfollow)
	mux.HandleFunc("GET /api/v1/stats", h.Stats)
}

func (h *FeedHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req models.CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	user, err := h.svc.CreateUser(r.Context(), req.Username, req.Email)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (h *FeedHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	user, err := h.svc.GetUser(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *FeedHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	post, err := h.svc.CreatePost(r.Context(), req.AuthorID, req.Body)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (h *FeedHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	post, err := h.svc.GetPost(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, post)
}

func (h *FeedHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	authorID, err := strconv.ParseInt(r.URL.Query().Get("author_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "author_id is required")
		return
	}

	if err := h.svc.DeletePost(r.Context(), id, authorID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, source, err := h.svc.GetFeed(r.Context(), id, limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []models.FeedItem{}
	}
	writeJSON(w, http.StatusOK, models.FeedResponse{Items: items, Source: source})
}

func (h *FeedHandler) Follow(w http.ResponseWriter, r *http.Request) {
	var req models.FollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if err := h.svc.Follow(r.Context(), req.FollowerID, req.FollowedID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "following"})
}

func (h *FeedHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	var req models.FollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if err := h.svc.Unfollow(r.Context(), req.FollowerID, req.FollowedID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unfollowed"})
}

func (h *FeedHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid_id", "ID must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *FeedHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, feed.ErrInvalid):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, timeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, timeline.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		h.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, models.ErrorResponse{Error: message, Code: code})
}
