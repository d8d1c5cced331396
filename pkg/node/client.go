package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	authWaitTimeout  = 5 * time.Minute
	reconnectBase    = time.Second
	reconnectCap     = 60 * time.Second
	bridgeDialWait   = 10 * time.Second
	bridgeBufferSize = 32 * 1024
)

// Client is the agent side of a relay connection.
type Client struct {
	cfg *Config
	log *logger.Logger

	transport protocol.Transport

	mu      sync.Mutex
	bridges map[string]*localBridge
}

// localBridge is one open bridge: a TCP connection to a local service.
type localBridge struct {
	id   string
	conn net.Conn
	once sync.Once
}

func (b *localBridge) close() {
	b.once.Do(func() { b.conn.Close() })
}

// NewClient builds an agent around its config.
func NewClient(cfg *Config, log *logger.Logger) *Client {
	return &Client{
		cfg:     cfg,
		log:     log.With("component", "node"),
		bridges: make(map[string]*localBridge),
	}
}

// Run connects to the relay and serves until ctx ends. Reconnects with
// exponential backoff when enabled.
func (c *Client) Run(ctx context.Context) error {
	backoff := reconnectBase
	attempts := 0

	for {
		registered, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.log.Warn("connection ended", "error", err)
		}

		if !c.cfg.Reconnect.Enabled {
			return err
		}
		if registered {
			backoff = reconnectBase
			attempts = 0
		}
		attempts++
		if max := c.cfg.Reconnect.MaxNumAttempts; max > 0 && attempts > max {
			return fmt.Errorf("giving up after %d reconnect attempts", max)
		}

		// Full jitter on the current backoff window
		delay := time.Duration(rand.Int64N(int64(backoff))) + backoff/2
		c.log.Info("reconnecting", "attempt", attempts, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

// runOnce runs a single connection to completion. Reports whether the
// session got as far as a successful registration.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	wsConn, _, err := dialer.DialContext(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}

	c.transport = protocol.NewWSTransport(wsConn)
	defer c.closeAllBridges()
	defer c.transport.Close()

	// Tear the socket down when ctx ends so reads unblock
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.transport.Close()
		case <-done:
		}
	}()

	if c.cfg.Token == "" {
		if err := c.authorize(); err != nil {
			return false, err
		}
	}

	if err := c.transport.WriteMessage(protocol.NewRegister(c.cfg.NodeID, c.cfg.Token)); err != nil {
		return false, fmt.Errorf("send register: %w", err)
	}

	return c.readLoop(ctx)
}

// authorize runs the first-contact flow: request a URL, show it to the
// user, wait for the relay to push the token once the dashboard
// approves.
func (c *Client) authorize() error {
	if c.cfg.NodeID == "" {
		c.cfg.NodeID = uuid.New().String()
	}
	if err := c.transport.WriteMessage(protocol.NewReqAuthorizationURL(c.cfg.NodeID)); err != nil {
		return fmt.Errorf("request authorization: %w", err)
	}

	deadline := time.Now().Add(authWaitTimeout)
	for time.Now().Before(deadline) {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			return fmt.Errorf("await authorization: %w", err)
		}
		if msg.Control == nil {
			continue
		}

		switch msg.Control.Type {
		case protocol.MsgTypeResAuthorizationURL:
			fmt.Printf("\nAuthorize this node in your dashboard:\n\n    %s\n\n", msg.Control.AuthURL)
			c.ack(msg)

		case protocol.MsgTypeAuthToken:
			c.cfg.Token = msg.Control.Token
			if err := c.cfg.Save(); err != nil {
				return fmt.Errorf("persist credentials: %w", err)
			}
			c.ack(msg)
			c.log.Info("node authorized", "node_id", c.cfg.NodeID)
			return nil

		default:
			c.ack(msg)
		}
	}
	return errors.New("authorization timed out")
}

func (c *Client) readLoop(ctx context.Context) (bool, error) {
	registered := false

	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			return registered, err
		}

		if msg.Data != nil {
			c.handleData(msg.Data)
			continue
		}
		if msg.Control == nil {
			continue
		}

		switch msg.Control.Type {
		case protocol.MsgTypeAck:
			// Nothing pending on acks client-side

		case protocol.MsgTypeConnectionReady:
			registered = true
			c.ack(msg)
			c.log.Info("registered", "node_id", msg.Control.NodeID)
			if err := c.transport.WriteMessage(protocol.NewAnnounce(c.cfg.Services)); err != nil {
				return registered, fmt.Errorf("announce services: %w", err)
			}

		case protocol.MsgTypeRegisterError:
			if msg.Control.Code == protocol.RegisterErrInvalidToken {
				c.log.Warn("token rejected, clearing credentials")
				if err := c.cfg.ClearCredentials(); err != nil {
					return registered, err
				}
			}
			return registered, fmt.Errorf("registration failed: %s: %s", msg.Control.Code, msg.Control.Message)

		case protocol.MsgTypeAuthToken:
			// Token rotation
			c.cfg.Token = msg.Control.Token
			if err := c.cfg.Save(); err != nil {
				c.log.Error("persist rotated token failed", "error", err)
			}
			c.ack(msg)

		case protocol.MsgTypeOpenBridge:
			c.ack(msg)
			c.handleOpenBridge(msg.Control)

		case protocol.MsgTypeCloseBridge:
			c.ack(msg)
			c.closeBridge(msg.Control.BridgeID)

		default:
			c.log.DebugProtocol("unexpected control", "type", msg.Control.Type)
			c.ack(msg)
		}
	}
}

func (c *Client) ack(msg *protocol.Message) {
	if err := c.transport.WriteMessage(protocol.NewAck(msg.MsgID)); err != nil {
		c.log.DebugProtocol("ack failed", "msg_id", msg.MsgID, "error", err)
	}
}

// handleOpenBridge dials the local service and pumps it over the bridge.
func (c *Client) handleOpenBridge(ctrl *protocol.Control) {
	if ctrl.Service == nil || ctrl.BridgeID == "" {
		c.log.Warn("malformed open_bridge")
		return
	}

	addr := net.JoinHostPort(ctrl.Service.Addr, fmt.Sprintf("%d", ctrl.Service.Port))
	conn, err := net.DialTimeout("tcp", addr, bridgeDialWait)
	if err != nil {
		c.log.Error("local service dial failed",
			"bridge_id", ctrl.BridgeID, "addr", addr, "error", err)
		c.transport.WriteMessage(protocol.NewCloseBridge(ctrl.BridgeID))
		return
	}

	bridge := &localBridge{id: ctrl.BridgeID, conn: conn}
	c.mu.Lock()
	c.bridges[ctrl.BridgeID] = bridge
	c.mu.Unlock()

	c.log.DebugBridge("bridge opened", "bridge_id", ctrl.BridgeID, "addr", addr)

	go c.pumpToRelay(bridge)
}

// pumpToRelay copies the local connection into data messages until
// either side ends.
func (c *Client) pumpToRelay(b *localBridge) {
	defer func() {
		c.removeBridge(b.id)
		c.transport.WriteMessage(protocol.NewCloseBridge(b.id))
	}()

	buf := make([]byte, bridgeBufferSize)
	for {
		n, err := b.conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := c.transport.WriteMessage(protocol.NewData(b.id, payload)); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handleData routes relay-side bytes into the bridge's local connection.
func (c *Client) handleData(data *protocol.Data) {
	c.mu.Lock()
	bridge := c.bridges[data.BridgeID]
	c.mu.Unlock()

	if bridge == nil {
		c.log.DebugBridge("data for unknown bridge", "bridge_id", data.BridgeID)
		return
	}
	if _, err := bridge.conn.Write(data.Payload); err != nil {
		c.log.DebugBridge("bridge write failed", "bridge_id", data.BridgeID, "error", err)
		c.closeBridge(data.BridgeID)
	}
}

func (c *Client) closeBridge(bridgeID string) {
	c.mu.Lock()
	bridge := c.bridges[bridgeID]
	delete(c.bridges, bridgeID)
	c.mu.Unlock()

	if bridge != nil {
		bridge.close()
		c.log.DebugBridge("bridge closed", "bridge_id", bridgeID)
	}
}

func (c *Client) removeBridge(bridgeID string) {
	c.mu.Lock()
	bridge := c.bridges[bridgeID]
	delete(c.bridges, bridgeID)
	c.mu.Unlock()

	if bridge != nil {
		bridge.close()
	}
}

func (c *Client) closeAllBridges() {
	c.mu.Lock()
	bridges := make([]*localBridge, 0, len(c.bridges))
	for _, b := range c.bridges {
		bridges = append(bridges, b)
	}
	c.bridges = make(map[string]*localBridge)
	c.mu.Unlock()

	for _, b := range bridges {
		b.close()
	}
}
