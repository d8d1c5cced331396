package relay

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/unblink/unblink/pkg/logger"
)

// BridgeTCPProxy exposes one bridge as a loopback TCP listener so
// subprocesses (ffmpeg, go2rtc handlers) can dial it like any socket.
// One accepted connection is served at a time.
type BridgeTCPProxy struct {
	nodeConn *NodeConn
	bridgeID string
	listener net.Listener
	log      *logger.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBridgeTCPProxy binds a loopback listener for an open bridge and
// starts serving.
func NewBridgeTCPProxy(nc *NodeConn, bridgeID string, log *logger.Logger) (*BridgeTCPProxy, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bridge proxy listen: %w", err)
	}

	p := &BridgeTCPProxy{
		nodeConn: nc,
		bridgeID: bridgeID,
		listener: listener,
		log:      log.With("component", "bridge_proxy", "bridge_id", bridgeID),
		closed:   make(chan struct{}),
	}

	go p.serve()
	return p, nil
}

// Addr returns the loopback address to dial.
func (p *BridgeTCPProxy) Addr() string {
	return p.listener.Addr().String()
}

func (p *BridgeTCPProxy) serve() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.closed:
			default:
				p.log.Warn("accept failed", "error", err)
			}
			return
		}

		p.log.DebugBridge("proxy client connected", "remote", conn.RemoteAddr().String())
		p.pump(conn)
		conn.Close()

		select {
		case <-p.closed:
			return
		default:
		}
	}
}

// pump copies both directions until either side ends.
func (p *BridgeTCPProxy) pump(conn net.Conn) {
	sink, ok := p.nodeConn.BridgeSink(p.bridgeID)
	if !ok {
		p.log.Warn("bridge gone before pump start")
		return
	}

	done := make(chan struct{})

	// bridge -> TCP client
	go func() {
		defer close(done)
		for {
			select {
			case chunk, ok := <-sink:
				if !ok {
					return
				}
				if _, err := conn.Write(chunk); err != nil {
					return
				}
			case <-p.closed:
				return
			}
		}
	}()

	// TCP client -> bridge
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if err := p.nodeConn.SendData(p.bridgeID, payload); err != nil {
				if !errors.Is(err, ErrBridgeNotFound) {
					p.log.Warn("bridge send failed", "error", err)
				}
				break
			}
		}
		if err != nil {
			break
		}
	}

	conn.Close()
	<-done
}

// Close stops the listener. The bridge itself is closed by the owner.
func (p *BridgeTCPProxy) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.listener.Close()
	})
}
