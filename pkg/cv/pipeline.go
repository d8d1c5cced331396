package cv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unblink/unblink/pkg/database"
	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/timeutil"
)

// Pipeline is the CV event bus: it persists extracted frame batches,
// notifies workers, ingests their events, and rebroadcasts them to
// dashboard subscribers.
type Pipeline struct {
	storage     *StorageManager
	registry    *WorkerRegistry
	broadcaster *EventBroadcaster
	db          *database.DB
	log         *logger.Logger
}

// NewPipeline wires the CV components together.
func NewPipeline(storage *StorageManager, registry *WorkerRegistry, broadcaster *EventBroadcaster, db *database.DB, log *logger.Logger) *Pipeline {
	return &Pipeline{
		storage:     storage,
		registry:    registry,
		broadcaster: broadcaster,
		db:          db,
		log:         log.With("component", "cv_pipeline"),
	}
}

// Registry exposes the worker registry for connection handling.
func (p *Pipeline) Registry() *WorkerRegistry { return p.registry }

// Broadcaster exposes the event broadcaster for dashboard subscriptions.
func (p *Pipeline) Broadcaster() *EventBroadcaster { return p.broadcaster }

// Storage exposes the storage manager for frame serving.
func (p *Pipeline) Storage() *StorageManager { return p.storage }

// frameEventData is the payload of a per-frame worker notification.
type frameEventData struct {
	NodeID    string `json:"node_id"`
	ServiceID string `json:"service_id"`
	FrameUUID string `json:"frame_uuid"`
}

// frameBatchData is the payload of a frame_batch worker notification.
type frameBatchData struct {
	NodeID    string   `json:"node_id"`
	ServiceID string   `json:"service_id"`
	FrameIDs  []string `json:"frame_ids"`
	Metadata  struct {
		DurationSeconds float64 `json:"duration_seconds"`
	} `json:"metadata"`
}

// HandleFrame stores one extracted JPEG and fans a frame notification
// out to every live worker. Implements the extractor's FrameFunc.
func (p *Pipeline) HandleFrame(jpeg []byte, meta FrameMeta) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	id, err := p.storage.SaveFrame(ctx, meta.NodeID, meta.ServiceID, jpeg, meta.CapturedAt)
	if err != nil {
		return "", fmt.Errorf("store frame: %w", err)
	}

	env, err := NewEnvelope("frame", frameEventData{
		NodeID:    meta.NodeID,
		ServiceID: meta.ServiceID,
		FrameUUID: id,
	})
	if err != nil {
		return "", fmt.Errorf("frame envelope: %w", err)
	}

	p.registry.Broadcast(env)
	p.log.DebugFrames("frame dispatched", "service_id", meta.ServiceID, "frame_id", id)
	return id, nil
}

// HandleFrameBatch fans a frame_batch notification out to every live
// worker once the extractor has accumulated a full batch of stored
// frames. Implements the extractor's BatchFunc.
func (p *Pipeline) HandleFrameBatch(frameIDs []string, meta BatchMeta) {
	var data frameBatchData
	data.NodeID = meta.NodeID
	data.ServiceID = meta.ServiceID
	data.FrameIDs = frameIDs
	data.Metadata.DurationSeconds = meta.DurationSeconds

	env, err := NewEnvelope("frame_batch", data)
	if err != nil {
		p.log.Error("frame batch envelope failed", "error", err)
		return
	}

	p.registry.Broadcast(env)
	p.log.DebugFrames("frame batch dispatched",
		"service_id", meta.ServiceID, "frames", len(frameIDs), "workers", p.registry.Count())
}

// attachGranularity derives data["granularity"] from a from_iso/to_iso
// span when both parse; otherwise the payload is left alone.
func attachGranularity(data map[string]any) {
	fromStr, _ := data["from_iso"].(string)
	toStr, _ := data["to_iso"].(string)
	if fromStr == "" || toStr == "" {
		return
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return
	}
	data["granularity"] = string(timeutil.ForRange(from, to))
}

// WorkerEvent is the body workers POST to /events.
type WorkerEvent struct {
	NodeID    string         `json:"node_id"`
	ServiceID string         `json:"service_id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// HandleWorkerEvent validates, stores and broadcasts one worker event.
// Events that carry a from_iso/to_iso span get a derived granularity.
func (p *Pipeline) HandleWorkerEvent(ctx context.Context, workerID string, evt WorkerEvent) (string, error) {
	if evt.ServiceID == "" || evt.Type == "" {
		return "", fmt.Errorf("event requires service_id and type")
	}

	attachGranularity(evt.Data)

	raw, err := json.Marshal(evt.Data)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}

	id := uuid.New().String()
	createdAt := time.Now().UTC()

	if err := p.db.InsertEvent(ctx, database.Event{
		ID:        id,
		NodeID:    evt.NodeID,
		ServiceID: evt.ServiceID,
		Type:      evt.Type,
		Data:      raw,
		CreatedAt: createdAt,
	}); err != nil {
		return "", err
	}

	p.broadcaster.Publish(BroadcastEvent{
		ID:        id,
		NodeID:    evt.NodeID,
		ServiceID: evt.ServiceID,
		Type:      evt.Type,
		Data:      evt.Data,
		CreatedAt: createdAt,
	})

	p.log.DebugWorkers("event ingested",
		"worker_id", workerID, "service_id", evt.ServiceID, "type", evt.Type)
	return id, nil
}
