package relay

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// BridgeConn adapts one bridge to net.Conn so protocol clients (RTSP in
// particular) can speak through it without a local TCP hop.
type BridgeConn struct {
	nodeConn *NodeConn
	bridgeID string
	sink     <-chan []byte

	mu      sync.Mutex
	buf     []byte // remainder of the last chunk after a partial read
	readDL  time.Time
	writeDL time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBridgeConn wraps an open bridge. The caller keeps ownership of the
// bridge; Close tears it down.
func NewBridgeConn(nc *NodeConn, bridgeID string) (*BridgeConn, error) {
	sink, ok := nc.BridgeSink(bridgeID)
	if !ok {
		return nil, ErrBridgeNotFound
	}
	return &BridgeConn{
		nodeConn: nc,
		bridgeID: bridgeID,
		sink:     sink,
		closed:   make(chan struct{}),
	}, nil
}

// Read returns the next bytes from the bridge, honoring the read deadline.
func (c *BridgeConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	if len(c.buf) > 0 {
		n := copy(b, c.buf)
		c.buf = c.buf[n:]
		c.mu.Unlock()
		return n, nil
	}
	deadline := c.readDL
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case chunk, ok := <-c.sink:
		if !ok {
			return 0, net.ErrClosed
		}
		n := copy(b, chunk)
		if n < len(chunk) {
			c.mu.Lock()
			c.buf = append(c.buf, chunk[n:]...)
			c.mu.Unlock()
		}
		return n, nil
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

// Write sends bytes to the node over the bridge.
func (c *BridgeConn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	deadline := c.writeDL
	c.mu.Unlock()
	if !deadline.IsZero() && time.Now().After(deadline) {
		return 0, os.ErrDeadlineExceeded
	}

	if err := c.nodeConn.SendData(c.bridgeID, b); err != nil {
		return 0, fmt.Errorf("bridge write: %w", err)
	}
	return len(b), nil
}

// Close tears the bridge down.
func (c *BridgeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nodeConn.CloseBridge(c.bridgeID)
	})
	return nil
}

// LocalAddr identifies the relay end of the bridge.
func (c *BridgeConn) LocalAddr() net.Addr { return bridgeAddr{id: c.bridgeID, end: "relay"} }

// RemoteAddr identifies the node end of the bridge.
func (c *BridgeConn) RemoteAddr() net.Addr { return bridgeAddr{id: c.bridgeID, end: "node"} }

// SetDeadline sets both read and write deadlines.
func (c *BridgeConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDL = t
	c.writeDL = t
	return nil
}

// SetReadDeadline sets the read deadline.
func (c *BridgeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDL = t
	return nil
}

// SetWriteDeadline sets the write deadline.
func (c *BridgeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDL = t
	return nil
}

type bridgeAddr struct {
	id  string
	end string
}

func (a bridgeAddr) Network() string { return "bridge" }
func (a bridgeAddr) String() string  { return a.end + ":" + a.id }
