// Package database wraps the relay's PostgreSQL storage.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB holds the connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// New connects to PostgreSQL and bootstraps the schema.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{Pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return db, nil
}

// Close releases the pool.
func (db *DB) Close() {
	db.Pool.Close()
}

func (db *DB) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			token TEXT UNIQUE,
			owner_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
			name TEXT,
			authorized_at TIMESTAMPTZ,
			last_seen_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS frames (
			id UUID PRIMARY KEY,
			node_id TEXT NOT NULL,
			service_id TEXT NOT NULL,
			path TEXT NOT NULL,
			captured_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS frames_service_time_idx
			ON frames (service_id, captured_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			id UUID PRIMARY KEY,
			node_id TEXT NOT NULL,
			service_id TEXT NOT NULL,
			type TEXT NOT NULL,
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS events_service_time_idx
			ON events (service_id, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
