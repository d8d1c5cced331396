// Package relay implements the public side of the platform: node
// connections, bridges, viewer sessions and the CV ingest paths.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/unblink/unblink/pkg/cv"
	"github.com/unblink/unblink/pkg/database"
	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/protocol"
)

// Options configures relay behavior.
type Options struct {
	DashboardURL              string
	FrameInterval             time.Duration
	BatchSize                 int
	AutoRequestRealtimeStream bool
}

// Relay owns every connected node and everything riding on those
// connections.
type Relay struct {
	opts Options
	db   *database.DB
	log  *logger.Logger

	mu          sync.RWMutex
	conns       map[string]*NodeConn // by node id, registered only
	pendingAuth map[string]*NodeConn // by minted node id, awaiting dashboard approval

	services *ServiceRegistry
	sessions *WebRTCSessionManager
	realtime *RealtimeStreamManager
	pipeline *cv.Pipeline
}

// NewRelay wires a relay around its storage and CV pipeline.
func NewRelay(db *database.DB, pipeline *cv.Pipeline, opts Options, log *logger.Logger) *Relay {
	r := &Relay{
		opts:        opts,
		db:          db,
		log:         log.With("component", "relay"),
		conns:       make(map[string]*NodeConn),
		pendingAuth: make(map[string]*NodeConn),
		services:    NewServiceRegistry(nil),
		sessions:    NewWebRTCSessionManager(log),
		pipeline:    pipeline,
	}

	if opts.AutoRequestRealtimeStream {
		r.realtime = NewRealtimeStreamManager(
			opts.FrameInterval, opts.BatchSize, pipeline.HandleFrame, pipeline.HandleFrameBatch, log)
	}
	return r
}

// Services exposes the announced-service registry.
func (r *Relay) Services() *ServiceRegistry { return r.services }

// Sessions exposes the WebRTC session manager.
func (r *Relay) Sessions() *WebRTCSessionManager { return r.sessions }

// Pipeline exposes the CV pipeline.
func (r *Relay) Pipeline() *cv.Pipeline { return r.pipeline }

// GetNode returns the live connection for a node id, or nil.
func (r *Relay) GetNode(nodeID string) *NodeConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[nodeID]
}

// NodeCount reports registered connections.
func (r *Relay) NodeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// HandleNodeConn serves one node WebSocket until the connection ends.
func (r *Relay) HandleNodeConn(ctx context.Context, wsConn *websocket.Conn) {
	transport := protocol.NewWSTransport(wsConn)
	nc := NewNodeConn(transport, r, ConnHooks{
		OnAuthRequest: r.onAuthRequest,
		OnRegistered:  r.onRegistered,
		OnAnnounce:    r.onAnnounce,
		OnClosed:      r.onClosed,
	}, r.opts.DashboardURL, r.log)

	nc.ReadLoop(ctx)
}

// LookupToken implements NodeStore against the nodes table. A token with
// no node row maps to ErrUnknownToken; database faults pass through so
// they are not mistaken for a revoked token.
func (r *Relay) LookupToken(ctx context.Context, token string) (string, bool, error) {
	node, err := r.db.GetNodeByToken(ctx, token)
	if errors.Is(err, database.ErrNodeNotFound) {
		return "", false, ErrUnknownToken
	}
	if err != nil {
		return "", false, err
	}
	return node.ID, node.OwnerID != 0, nil
}

func (r *Relay) onAuthRequest(nc *NodeConn, nodeID string) (string, error) {
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	r.mu.Lock()
	r.pendingAuth[nodeID] = nc
	r.mu.Unlock()

	url := fmt.Sprintf("%s/authorize?node=%s", r.opts.DashboardURL, nodeID)
	r.log.Info("authorization requested", "node_id", nodeID)
	return url, nil
}

// AuthorizeNode is called from the HTTP API once a user approves a node.
// It mints or reuses the node's token, persists ownership, and pushes
// the token down the waiting connection if one is still there.
func (r *Relay) AuthorizeNode(ctx context.Context, nodeID string, ownerID int64) (string, error) {
	token, err := r.db.AuthorizeNode(ctx, nodeID, ownerID)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	nc := r.pendingAuth[nodeID]
	delete(r.pendingAuth, nodeID)
	r.mu.Unlock()

	if nc != nil {
		if err := nc.SendAuthToken(token); err != nil {
			r.log.Warn("auth token push failed", "node_id", nodeID, "error", err)
		}
	}

	r.log.Info("node authorized", "node_id", nodeID, "owner_id", ownerID)
	return token, nil
}

func (r *Relay) onRegistered(nc *NodeConn) {
	nodeID := nc.NodeID()

	r.mu.Lock()
	prev := r.conns[nodeID]
	r.conns[nodeID] = nc
	delete(r.pendingAuth, nodeID)
	r.mu.Unlock()

	if prev != nil && prev != nc {
		r.log.Info("replacing stale connection", "node_id", nodeID)
		prev.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.db.TouchNode(ctx, nodeID); err != nil {
		r.log.Warn("touch node failed", "node_id", nodeID, "error", err)
	}
}

func (r *Relay) onAnnounce(nc *NodeConn, services []protocol.Service) {
	nodeID := nc.NodeID()
	r.services.Replace(nodeID, services)
	r.log.Info("services announced", "node_id", nodeID, "count", len(services))

	if r.realtime != nil {
		go r.realtime.SyncNode(nc, services)
	}
}

func (r *Relay) onClosed(nc *NodeConn) {
	nodeID := nc.NodeID()
	if nodeID == "" {
		// Never registered, may still be waiting on authorization
		r.mu.Lock()
		for id, pending := range r.pendingAuth {
			if pending == nc {
				delete(r.pendingAuth, id)
			}
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	current := r.conns[nodeID] == nc
	if current {
		delete(r.conns, nodeID)
	}
	r.mu.Unlock()

	if !current {
		// Replaced by a newer connection, which owns the node's state now
		return
	}

	r.services.Clear(nodeID)
	r.sessions.CloseForNode(nodeID)
	if r.realtime != nil {
		r.realtime.CloseForNode(nodeID)
	}
	r.log.Info("node disconnected", "node_id", nodeID)
}

// DisconnectNode force-closes a node's live connection, e.g. after the
// node record is deleted.
func (r *Relay) DisconnectNode(nodeID string) {
	if nc := r.GetNode(nodeID); nc != nil {
		nc.Close()
	}
}

// OpenBridgeToService resolves an announced service on a connected node
// and opens a bridge to it.
func (r *Relay) OpenBridgeToService(nodeID, serviceID string) (*NodeConn, protocol.Service, string, error) {
	nc := r.GetNode(nodeID)
	if nc == nil {
		return nil, protocol.Service{}, "", errors.New("node not connected")
	}

	svc, ok := r.services.Find(nodeID, serviceID)
	if !ok {
		return nil, protocol.Service{}, "", fmt.Errorf("service %s not announced by node %s", serviceID, nodeID)
	}

	bridgeID, err := nc.OpenBridge(svc)
	if err != nil {
		return nil, protocol.Service{}, "", err
	}
	return nc, svc, bridgeID, nil
}

// Shutdown closes every connection and dependent resource.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	conns := make([]*NodeConn, 0, len(r.conns)+len(r.pendingAuth))
	for _, nc := range r.conns {
		conns = append(conns, nc)
	}
	for _, nc := range r.pendingAuth {
		conns = append(conns, nc)
	}
	r.mu.Unlock()

	for _, nc := range conns {
		nc.Close()
	}

	if r.realtime != nil {
		r.realtime.CloseAll()
	}
	r.pipeline.Registry().CloseAll()
	r.log.Info("relay shut down")
}
