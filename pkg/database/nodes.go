package database

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ErrNodeNotFound is returned when a node row does not exist.
var ErrNodeNotFound = errors.New("node not found")

// Node is a persisted node row.
type Node struct {
	ID           string
	Token        string
	OwnerID      int64
	Name         string
	AuthorizedAt time.Time
	LastSeenAt   time.Time
}

// NewToken mints a 256-bit random hex token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GetNodeByToken looks up the node owning a registration token.
func (db *DB) GetNodeByToken(ctx context.Context, token string) (*Node, error) {
	return db.scanNode(ctx,
		`SELECT id, COALESCE(token, ''), COALESCE(owner_id, 0), COALESCE(name, ''),
			COALESCE(authorized_at, 'epoch'), COALESCE(last_seen_at, 'epoch')
		 FROM nodes WHERE token = $1`, token)
}

// GetNode looks up a node by id.
func (db *DB) GetNode(ctx context.Context, id string) (*Node, error) {
	return db.scanNode(ctx,
		`SELECT id, COALESCE(token, ''), COALESCE(owner_id, 0), COALESCE(name, ''),
			COALESCE(authorized_at, 'epoch'), COALESCE(last_seen_at, 'epoch')
		 FROM nodes WHERE id = $1`, id)
}

func (db *DB) scanNode(ctx context.Context, query string, arg any) (*Node, error) {
	var n Node
	err := db.Pool.QueryRow(ctx, query, arg).Scan(
		&n.ID, &n.Token, &n.OwnerID, &n.Name, &n.AuthorizedAt, &n.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query node: %w", err)
	}
	return &n, nil
}

// AuthorizeNode inserts or claims a node for an owner with a fresh token.
// Returns the token. A node already owned by someone keeps its token.
func (db *DB) AuthorizeNode(ctx context.Context, nodeID string, ownerID int64) (string, error) {
	existing, err := db.GetNode(ctx, nodeID)
	if err != nil && !errors.Is(err, ErrNodeNotFound) {
		return "", err
	}
	if existing != nil && existing.OwnerID != 0 {
		return existing.Token, nil
	}

	token, err := NewToken()
	if err != nil {
		return "", err
	}

	_, err = db.Pool.Exec(ctx,
		`INSERT INTO nodes (id, token, owner_id, authorized_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE
		 SET token = EXCLUDED.token, owner_id = EXCLUDED.owner_id, authorized_at = now()`,
		nodeID, token, ownerID)
	if err != nil {
		return "", fmt.Errorf("authorize node: %w", err)
	}
	return token, nil
}

// TouchNode records that a node connected.
func (db *DB) TouchNode(ctx context.Context, nodeID string) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE nodes SET last_seen_at = now() WHERE id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("touch node: %w", err)
	}
	return nil
}

// ListNodesByOwner returns every node owned by a user.
func (db *DB) ListNodesByOwner(ctx context.Context, ownerID int64) ([]Node, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, COALESCE(token, ''), COALESCE(owner_id, 0), COALESCE(name, ''),
			COALESCE(authorized_at, 'epoch'), COALESCE(last_seen_at, 'epoch')
		 FROM nodes WHERE owner_id = $1 ORDER BY authorized_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Token, &n.OwnerID, &n.Name, &n.AuthorizedAt, &n.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// RenameNode sets a node's display name.
func (db *DB) RenameNode(ctx context.Context, nodeID, name string) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE nodes SET name = $2 WHERE id = $1`, nodeID, name)
	if err != nil {
		return fmt.Errorf("rename node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}

// DeleteNode removes a node row, revoking its token.
func (db *DB) DeleteNode(ctx context.Context, nodeID string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeNotFound
	}
	return nil
}
