package models

import (
	"time"
)

// User represents an account in the follow graph
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Post is immutable once accepted
type Post struct {
	ID        int64     `json:"id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	// Populated field (not stored)
	AuthorUsername string `json:"author_username,omitempty"`
}

// Follow represents a follow edge
type Follow struct {
	FollowerID int64     `json:"follower_id"`
	FollowedID int64     `json:"followed_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// TimelineEntry is one row of the authoritative timeline table
type TimelineEntry struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	PostID    int64     `json:"post_id"`
	CreatedAt time.Time `json:"created_at"`
}

// FeedItem is the denormalized read model stored in cached ring buffers
// and returned by feed reads, so a read needs no join.
type FeedItem struct {
	PostID         int64     `json:"post_id"`
	Body           string    `json:"body"`
	AuthorID       int64     `json:"author_id"`
	AuthorUsername string    `json:"author_username"`
	CreatedAt      time.Time `json:"created_at"`
}

// FanoutMessageVersion is the only payload schema workers accept.
// Anything else is treated as poison and dropped.
const FanoutMessageVersion = 1

// FanoutMessage is the wire schema for per-follower timeline updates.
type FanoutMessage struct {
	Version        int       `json:"version"`
	MessageID      string    `json:"message_id"`
	PostID         int64     `json:"post_id"`
	AuthorID       int64     `json:"author_id"`
	Body           string    `json:"body"`
	AuthorUsername string    `json:"author_username"`
	CreatedAt      time.Time `json:"created_at"`
	// UserID is the target follower; the broker partitions on it.
	UserID int64 `json:"user_id"`
}

// Item converts a fanout message into its denormalized cache entry.
func (m FanoutMessage) Item() FeedItem {
	return FeedItem{
		PostID:         m.PostID,
		Body:           m.Body,
		AuthorID:       m.AuthorID,
		AuthorUsername: m.AuthorUsername,
		CreatedAt:      m.CreatedAt,
	}
}

// API request/response types

type CreateUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type CreatePostRequest struct {
	AuthorID int64  `json:"author_id"`
	Body     string `json:"body"`
}

type FollowRequest struct {
	FollowerID int64 `json:"follower_id"`
	FollowedID int64 `json:"followed_id"`
}

type FeedResponse struct {
	Items  []FeedItem `json:"items"`
	Source string     `json:"source"` // "cache" or "database"
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
