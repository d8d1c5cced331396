package cv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/unblink/unblink/pkg/database"
	"github.com/unblink/unblink/pkg/logger"
)

const retentionSweepBatch = 500

// StorageManager persists extracted JPEG frames on disk with their index
// rows in the database, and sweeps out expired ones.
type StorageManager struct {
	dir string
	db  *database.DB
	log *logger.Logger
}

// NewStorageManager creates the storage root if needed.
func NewStorageManager(dir string, db *database.DB, log *logger.Logger) (*StorageManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &StorageManager{
		dir: dir,
		db:  db,
		log: log.With("component", "storage"),
	}, nil
}

// SaveFrame writes one JPEG for a service and indexes it. Returns the
// frame id. The file is removed again if the index insert fails.
func (s *StorageManager) SaveFrame(ctx context.Context, nodeID, serviceID string, jpeg []byte, capturedAt time.Time) (string, error) {
	serviceDir := filepath.Join(s.dir, serviceID)
	if err := os.MkdirAll(serviceDir, 0755); err != nil {
		return "", fmt.Errorf("create service dir: %w", err)
	}

	id := uuid.New().String()
	path := filepath.Join(serviceDir, id+".jpg")

	if err := os.WriteFile(path, jpeg, 0644); err != nil {
		return "", fmt.Errorf("write frame %s: %w", id, err)
	}

	frame := database.Frame{
		ID:         id,
		NodeID:     nodeID,
		ServiceID:  serviceID,
		Path:       path,
		CapturedAt: capturedAt,
	}
	if err := s.db.InsertFrames(ctx, []database.Frame{frame}); err != nil {
		os.Remove(path)
		return "", err
	}

	s.log.DebugFrames("frame stored", "service_id", serviceID, "frame_id", id)
	return id, nil
}

// ReadFrame returns the JPEG bytes for a stored frame.
func (s *StorageManager) ReadFrame(ctx context.Context, frameID string) ([]byte, error) {
	frame, err := s.db.GetFrame(ctx, frameID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(frame.Path)
	if err != nil {
		return nil, fmt.Errorf("read frame file: %w", err)
	}
	return data, nil
}

// RunRetention sweeps expired frames until the context ends.
func (s *StorageManager) RunRetention(ctx context.Context, maxAge, sweepInterval time.Duration) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweep(ctx, maxAge); err != nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}

func (s *StorageManager) sweep(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	for {
		expired, err := s.db.ExpiredFrames(ctx, cutoff, retentionSweepBatch)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		ids := make([]string, 0, len(expired))
		for _, f := range expired {
			if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
				s.log.Warn("frame file removal failed", "path", f.Path, "error", err)
			}
			ids = append(ids, f.ID)
		}

		if err := s.db.DeleteFrames(ctx, ids); err != nil {
			return err
		}
		s.log.Info("retention sweep removed frames", "count", len(ids))

		if len(expired) < retentionSweepBatch {
			return nil
		}
	}
}
