package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	db := &PostgresDB{pool: pool}
	if err := db.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

func (db *PostgresDB) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		email VARCHAR(100) UNIQUE NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS posts (
		id BIGSERIAL PRIMARY KEY,
		author_id BIGINT NOT NULL REFERENCES users(id),
		body VARCHAR(280) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS follows (
		id BIGSERIAL PRIMARY KEY,
		follower_id BIGINT NOT NULL REFERENCES users(id),
		followed_id BIGINT NOT NULL REFERENCES users(id),
		created_at TIMESTAMPTZ DEFAULT NOW(),
		CONSTRAINT uq_follower_followed UNIQUE (follower_id, followed_id)
	);

	CREATE TABLE IF NOT EXISTS timeline (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id),
		post_id BIGINT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ DEFAULT NOW(),
		CONSTRAINT uq_user_post UNIQUE (user_id, post_id)
	);

	CREATE TABLE IF NOT EXISTS fanout_failures (
		id BIGSERIAL PRIMARY KEY,
		post_id BIGINT NOT NULL,
		batch_id VARCHAR(64) NOT NULL,
		payload JSONB NOT NULL,
		recorded_at TIMESTAMPTZ DEFAULT NOW(),
		swept_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_posts_created ON posts(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_posts_author_created ON posts(author_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_follows_followed ON follows(followed_id, follower_id);
	CREATE INDEX IF NOT EXISTS idx_timeline_user_created ON timeline(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_fanout_failures_pending ON fanout_failures(recorded_at) WHERE swept_at IS NULL;
	`

	_, err := db.pool.Exec(ctx, schema)
	return err
}

func (db *PostgresDB) Close() {
	db.pool.Close()
}

func (db *PostgresDB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func (db *PostgresDB) Pool() *pgxpool.Pool {
	return db.pool
}
