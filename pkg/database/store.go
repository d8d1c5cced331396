package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrFrameNotFound is returned when a frame row does not exist.
var ErrFrameNotFound = errors.New("frame not found")

// Frame indexes one stored JPEG.
type Frame struct {
	ID         string
	NodeID     string
	ServiceID  string
	Path       string
	CapturedAt time.Time
}

// Event is a CV worker observation.
type Event struct {
	ID        string
	NodeID    string
	ServiceID string
	Type      string
	Data      []byte
	CreatedAt time.Time
}

// InsertFrames records a batch of frames in one transaction.
func (db *DB) InsertFrames(ctx context.Context, frames []Frame) error {
	if len(frames) == 0 {
		return nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, f := range frames {
		_, err := tx.Exec(ctx,
			`INSERT INTO frames (id, node_id, service_id, path, captured_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			f.ID, f.NodeID, f.ServiceID, f.Path, f.CapturedAt)
		if err != nil {
			return fmt.Errorf("insert frame %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetFrame looks up a frame by id.
func (db *DB) GetFrame(ctx context.Context, id string) (*Frame, error) {
	var f Frame
	err := db.Pool.QueryRow(ctx,
		`SELECT id, node_id, service_id, path, captured_at FROM frames WHERE id = $1`,
		id).Scan(&f.ID, &f.NodeID, &f.ServiceID, &f.Path, &f.CapturedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFrameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query frame: %w", err)
	}
	return &f, nil
}

// ExpiredFrames returns frames captured before the cutoff, oldest first.
func (db *DB) ExpiredFrames(ctx context.Context, cutoff time.Time, limit int) ([]Frame, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, node_id, service_id, path, captured_at
		 FROM frames WHERE captured_at < $1 ORDER BY captured_at LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired frames: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		var f Frame
		if err := rows.Scan(&f.ID, &f.NodeID, &f.ServiceID, &f.Path, &f.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// DeleteFrames removes frame rows by id.
func (db *DB) DeleteFrames(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx, `DELETE FROM frames WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete frames: %w", err)
	}
	return nil
}

// InsertEvent records one worker event.
func (db *DB) InsertEvent(ctx context.Context, e Event) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO events (id, node_id, service_id, type, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.NodeID, e.ServiceID, e.Type, e.Data, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns events for a service inside a time range, oldest first.
func (db *DB) ListEvents(ctx context.Context, serviceID string, from, to time.Time) ([]Event, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, node_id, service_id, type, data, created_at
		 FROM events
		 WHERE service_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at`,
		serviceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.NodeID, &e.ServiceID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
