package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/protocol"
)

// ConnState tracks where a node connection is in its lifecycle.
type ConnState int32

const (
	StateUnauth ConnState = iota
	StateRegistered
	StateClosed
)

const (
	// Buffered payloads per bridge sink before drops start
	bridgeSinkSize = 1000
	ackTimeout     = 10 * time.Second
)

var (
	ErrNotRegistered  = errors.New("node not registered")
	ErrBridgeNotFound = errors.New("bridge not found")
	ErrConnClosed     = errors.New("connection closed")
	ErrAckTimeout     = errors.New("ack timeout")
	ErrUnknownToken   = errors.New("unknown token")
)

// NodeStore is the persistence surface a connection needs to validate
// registration tokens. A token that matches no node yields
// ErrUnknownToken; any other error is an infrastructure fault.
type NodeStore interface {
	LookupToken(ctx context.Context, token string) (nodeID string, authorized bool, err error)
}

// ConnHooks let the owning relay react to connection lifecycle events.
type ConnHooks struct {
	// OnAuthRequest registers the pending node (minting an id when the
	// node supplied none) and returns the dashboard authorization URL.
	OnAuthRequest func(nc *NodeConn, nodeID string) (url string, err error)
	// OnRegistered runs after ack and connection_ready have been sent.
	OnRegistered func(nc *NodeConn)
	// OnAnnounce replaces the node's service set.
	OnAnnounce func(nc *NodeConn, services []protocol.Service)
	// OnClosed runs once, after the connection has fully shut down.
	OnClosed func(nc *NodeConn)
}

// NodeConn is the relay side of one node connection. It owns the read
// loop, the registration state machine and the per-connection bridge
// table.
type NodeConn struct {
	transport    protocol.Transport
	store        NodeStore
	hooks        ConnHooks
	dashboardURL string
	log          *logger.Logger

	state  atomic.Int32
	nodeID atomic.Value // string, set at registration

	mu      sync.RWMutex
	bridges map[string]*bridgeSink

	ackMu   sync.Mutex
	pending map[string]chan struct{}

	closeOnce sync.Once

	// Throttles drop warnings on the hot data path
	dropLog *rate.Limiter

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

// bridgeSink is one bridge's ordered payload queue. Send and close are
// serialized by mu so a teardown can never race a send onto a closed
// channel.
type bridgeSink struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// trySend enqueues a payload without blocking. Reports delivery and
// whether the sink was already closed.
func (s *bridgeSink) trySend(p []byte) (delivered, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, true
	}
	select {
	case s.ch <- p:
		return true, false
	default:
		return false, false
	}
}

func (s *bridgeSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// NewNodeConn wraps an accepted transport. Call ReadLoop to start serving.
func NewNodeConn(transport protocol.Transport, store NodeStore, hooks ConnHooks, dashboardURL string, log *logger.Logger) *NodeConn {
	nc := &NodeConn{
		transport:    transport,
		store:        store,
		hooks:        hooks,
		dashboardURL: dashboardURL,
		log:          log.With("component", "node_conn", "remote", transport.RemoteAddr().String()),
		bridges:      make(map[string]*bridgeSink),
		pending:      make(map[string]chan struct{}),
		dropLog:      rate.NewLimiter(rate.Every(time.Second), 1),
	}
	nc.nodeID.Store("")
	return nc
}

// State returns the current lifecycle state.
func (nc *NodeConn) State() ConnState {
	return ConnState(nc.state.Load())
}

// NodeID returns the registered node id, or "" before registration.
func (nc *NodeConn) NodeID() string {
	return nc.nodeID.Load().(string)
}

// ReadLoop serves the connection until error or close. It always returns
// after cleanup has run.
func (nc *NodeConn) ReadLoop(ctx context.Context) {
	defer nc.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := nc.transport.ReadMessage()
		if err != nil {
			if nc.State() != StateClosed {
				nc.log.Info("connection read ended", "error", err)
			}
			return
		}

		if msg.IsData() {
			nc.handleData(msg)
			continue
		}
		if !msg.IsControl() {
			nc.log.Warn("envelope carries neither control nor data", "msg_id", msg.MsgID)
			continue
		}

		nc.log.DebugEnvelope("recv", msg.MsgID, msg.ControlType(), "", 0)

		if err := nc.handleControl(ctx, msg); err != nil {
			nc.log.Error("control handling failed", "type", msg.ControlType(), "error", err)
			return
		}
	}
}

func (nc *NodeConn) handleControl(ctx context.Context, msg *protocol.Message) error {
	switch msg.ControlType() {
	case protocol.MsgTypeAck:
		nc.resolveAck(msg.Control.AckMsgID)
		return nil

	case protocol.MsgTypeReqAuthorizationURL:
		return nc.handleAuthRequest(msg)

	case protocol.MsgTypeRegister:
		return nc.handleRegister(ctx, msg)

	case protocol.MsgTypeAnnounce:
		if nc.State() != StateRegistered {
			return nc.transport.WriteMessage(protocol.NewRegisterError(protocol.RegisterErrNotRegistered))
		}
		if err := nc.transport.WriteMessage(protocol.NewAck(msg.MsgID)); err != nil {
			return err
		}
		if nc.hooks.OnAnnounce != nil {
			nc.hooks.OnAnnounce(nc, msg.Control.Services)
		}
		return nil

	case protocol.MsgTypeCloseBridge:
		if err := nc.transport.WriteMessage(protocol.NewAck(msg.MsgID)); err != nil {
			return err
		}
		nc.releaseBridge(msg.Control.BridgeID)
		return nil

	default:
		if nc.State() != StateRegistered {
			return nc.transport.WriteMessage(protocol.NewRegisterError(protocol.RegisterErrNotRegistered))
		}
		nc.log.Warn("unexpected control type", "type", msg.ControlType())
		return nil
	}
}

func (nc *NodeConn) handleAuthRequest(msg *protocol.Message) error {
	if err := nc.transport.WriteMessage(protocol.NewAck(msg.MsgID)); err != nil {
		return err
	}
	if nc.hooks.OnAuthRequest == nil {
		return nil
	}

	url, err := nc.hooks.OnAuthRequest(nc, msg.Control.NodeID)
	if err != nil {
		return fmt.Errorf("authorization request: %w", err)
	}
	return nc.transport.WriteMessage(protocol.NewResAuthorizationURL(url))
}

func (nc *NodeConn) handleRegister(ctx context.Context, msg *protocol.Message) error {
	if nc.State() == StateRegistered {
		// Duplicate register is acked and otherwise ignored
		return nc.transport.WriteMessage(protocol.NewAck(msg.MsgID))
	}

	token := msg.Control.Token
	if token == "" {
		return nc.transport.WriteMessage(protocol.NewRegisterError(protocol.RegisterErrMissingToken))
	}

	nodeID, authorized, err := nc.store.LookupToken(ctx, token)
	if errors.Is(err, ErrUnknownToken) {
		return nc.transport.WriteMessage(protocol.NewRegisterError(protocol.RegisterErrInvalidToken))
	}
	if err != nil {
		// Infrastructure fault, not a bad token. Fail the connection so
		// the node retries instead of discarding its credentials.
		return fmt.Errorf("token lookup: %w", err)
	}
	if !authorized {
		return nc.transport.WriteMessage(protocol.NewRegisterError(protocol.RegisterErrUnauthorized))
	}

	nc.nodeID.Store(nodeID)
	nc.state.Store(int32(StateRegistered))

	// Ack strictly before connection_ready
	if err := nc.transport.WriteMessage(protocol.NewAck(msg.MsgID)); err != nil {
		return err
	}
	if err := nc.transport.WriteMessage(protocol.NewConnectionReady(nodeID, nc.dashboardURL)); err != nil {
		return err
	}

	nc.log.Info("node registered", "node_id", nodeID)
	if nc.hooks.OnRegistered != nil {
		nc.hooks.OnRegistered(nc)
	}
	return nil
}

func (nc *NodeConn) handleData(msg *protocol.Message) {
	nc.bytesIn.Add(uint64(len(msg.Data.Payload)))

	nc.mu.RLock()
	sink, ok := nc.bridges[msg.Data.BridgeID]
	nc.mu.RUnlock()

	if !ok {
		if nc.dropLog.Allow() {
			nc.log.Warn("data for unknown bridge, dropping",
				"bridge_id", msg.Data.BridgeID, "payload_size", len(msg.Data.Payload))
		}
		return
	}

	delivered, closed := sink.trySend(msg.Data.Payload)
	if !delivered && !closed && nc.dropLog.Allow() {
		nc.log.Warn("bridge sink full, dropping",
			"bridge_id", msg.Data.BridgeID, "payload_size", len(msg.Data.Payload))
	}
}

// OpenBridge allocates a bridge to a service and waits for the node's ack.
func (nc *NodeConn) OpenBridge(svc protocol.Service) (string, error) {
	if nc.State() != StateRegistered {
		return "", ErrNotRegistered
	}

	bridgeID := uuid.New().String()
	sink := &bridgeSink{ch: make(chan []byte, bridgeSinkSize)}

	nc.mu.Lock()
	nc.bridges[bridgeID] = sink
	nc.mu.Unlock()

	msg := protocol.NewOpenBridge(bridgeID, svc)
	if err := nc.writeAndAwaitAck(msg); err != nil {
		nc.releaseBridge(bridgeID)
		return "", fmt.Errorf("open bridge: %w", err)
	}

	nc.log.Info("bridge opened", "bridge_id", bridgeID, "service_id", svc.ID)
	return bridgeID, nil
}

// CloseBridge tells the node to tear the bridge down and releases it.
func (nc *NodeConn) CloseBridge(bridgeID string) {
	if nc.State() == StateRegistered {
		if err := nc.transport.WriteMessage(protocol.NewCloseBridge(bridgeID)); err != nil {
			nc.log.Warn("close_bridge send failed", "bridge_id", bridgeID, "error", err)
		}
	}
	nc.releaseBridge(bridgeID)
}

// SendData forwards a payload chunk to the node over a bridge.
func (nc *NodeConn) SendData(bridgeID string, payload []byte) error {
	if nc.State() != StateRegistered {
		return ErrNotRegistered
	}

	nc.mu.RLock()
	_, ok := nc.bridges[bridgeID]
	nc.mu.RUnlock()
	if !ok {
		return ErrBridgeNotFound
	}

	nc.bytesOut.Add(uint64(len(payload)))
	return nc.transport.WriteMessage(protocol.NewData(bridgeID, payload))
}

// BridgeSink returns the ordered payload channel for a bridge. The
// channel is closed when the bridge goes away.
func (nc *NodeConn) BridgeSink(bridgeID string) (<-chan []byte, bool) {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	sink, ok := nc.bridges[bridgeID]
	if !ok {
		return nil, false
	}
	return sink.ch, true
}

// SendAuthToken pushes a freshly minted token down an unauthenticated
// connection waiting on dashboard approval.
func (nc *NodeConn) SendAuthToken(token string) error {
	if nc.State() == StateClosed {
		return ErrConnClosed
	}
	return nc.transport.WriteMessage(protocol.NewAuthToken(token))
}

// Stats reports byte counters for this connection.
func (nc *NodeConn) Stats() (bytesIn, bytesOut uint64) {
	return nc.bytesIn.Load(), nc.bytesOut.Load()
}

func (nc *NodeConn) writeAndAwaitAck(msg *protocol.Message) error {
	ch := make(chan struct{}, 1)

	nc.ackMu.Lock()
	nc.pending[msg.MsgID] = ch
	nc.ackMu.Unlock()

	defer func() {
		nc.ackMu.Lock()
		delete(nc.pending, msg.MsgID)
		nc.ackMu.Unlock()
	}()

	if err := nc.transport.WriteMessage(msg); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(ackTimeout):
		return ErrAckTimeout
	}
}

func (nc *NodeConn) resolveAck(msgID string) {
	nc.ackMu.Lock()
	ch, ok := nc.pending[msgID]
	nc.ackMu.Unlock()
	if !ok {
		// Duplicate or unsolicited ack, nothing to resolve
		nc.log.DebugProtocol("stray ack", "msg_id", msgID)
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (nc *NodeConn) releaseBridge(bridgeID string) {
	nc.mu.Lock()
	sink, ok := nc.bridges[bridgeID]
	if ok {
		delete(nc.bridges, bridgeID)
	}
	nc.mu.Unlock()

	if ok {
		sink.close()
	}
}

// Close shuts the connection down exactly once: transport, all bridges,
// then the owner's OnClosed hook.
func (nc *NodeConn) Close() {
	nc.closeOnce.Do(func() {
		nc.state.Store(int32(StateClosed))
		nc.transport.Close()

		nc.mu.Lock()
		sinks := nc.bridges
		nc.bridges = make(map[string]*bridgeSink)
		nc.mu.Unlock()

		for id, sink := range sinks {
			sink.close()
			nc.log.DebugBridge("bridge released on close", "bridge_id", id)
		}

		if nc.hooks.OnClosed != nil {
			nc.hooks.OnClosed(nc)
		}
	})
}
