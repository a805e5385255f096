package timeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/alexprut/feedpipe/internal/models"
)

// Graph queries: users, posts and follow edges. The core only reads the
// follow graph; edges are created and destroyed by the HTTP surface.

func (s *Store) CreateUser(ctx context.Context, username, email string) (*models.User, error) {
	u := &models.User{Username: username, Email: email}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (username, email) VALUES ($1, $2)
		RETURNING id, created_at
	`, username, email).Scan(&u.ID, &u.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("user %q: %w", username, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u := &models.User{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT username, email, created_at FROM users WHERE id = $1
	`, id).Scan(&u.Username, &u.Email, &u.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// CreatePost durably records a post and returns it with the author username
// populated for denormalization.
func (s *Store) CreatePost(ctx context.Context, authorID int64, body string) (*models.Post, error) {
	p := &models.Post{AuthorID: authorID, Body: body}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO posts (author_id, body) VALUES ($1, $2)
		RETURNING id, created_at, (SELECT username FROM users WHERE id = $1)
	`, authorID, body).Scan(&p.ID, &p.CreatedAt, &p.AuthorUsername)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("author %d: %w", authorID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return p, nil
}

func (s *Store) GetPost(ctx context.Context, id int64) (*models.Post, error) {
	p := &models.Post{ID: id}
	err := s.pool.QueryRow(ctx, `
		SELECT p.author_id, p.body, p.created_at, u.username
		FROM posts p JOIN users u ON u.id = p.author_id
		WHERE p.id = $1
	`, id).Scan(&p.AuthorID, &p.Body, &p.CreatedAt, &p.AuthorUsername)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

// DeletePost removes a post owned by authorID. Timeline rows cascade;
// cached ring buffer copies age out with the feed TTL.
func (s *Store) DeletePost(ctx context.Context, id, authorID int64) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM posts WHERE id = $1 AND author_id = $2
	`, id, authorID)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateFollow records a follow edge. A duplicate follow is success.
func (s *Store) CreateFollow(ctx context.Context, followerID, followedID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO follows (follower_id, followed_id) VALUES ($1, $2)
		ON CONFLICT (follower_id, followed_id) DO NOTHING
	`, followerID, followedID)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("follow %d -> %d: %w", followerID, followedID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("create follow: %w", err)
	}
	return nil
}

// DeleteFollow removes a follow edge if present.
func (s *Store) DeleteFollow(ctx context.Context, followerID, followedID int64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM follows WHERE follower_id = $1 AND followed_id = $2
	`, followerID, followedID)
	if err != nil {
		return fmt.Errorf("delete follow: %w", err)
	}
	return nil
}

// FollowerIDs returns the ids of everyone following the given author.
func (s *Store) FollowerIDs(ctx context.Context, authorID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT follower_id FROM follows WHERE followed_id = $1
	`, authorID)
	if err != nil {
		return nil, fmt.Errorf("load followers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan follower id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
