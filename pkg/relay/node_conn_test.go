package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/protocol"
)

// fakeTransport is an in-memory protocol.Transport: tests feed inbound
// messages through in and observe outbound messages on out.
type fakeTransport struct {
	in      chan *protocol.Message
	out     chan *protocol.Message
	closeCh chan struct{}
	closed  atomic.Bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:      make(chan *protocol.Message, 64),
		out:     make(chan *protocol.Message, 64),
		closeCh: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (*protocol.Message, error) {
	select {
	case msg := <-t.in:
		return msg, nil
	case <-t.closeCh:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(msg *protocol.Message) error {
	if t.closed.Load() {
		return errors.New("transport closed")
	}
	t.out <- msg
	return nil
}

func (t *fakeTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		close(t.closeCh)
	}
	return nil
}

func (t *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 12345}
}

// next pulls the next outbound message or fails the test.
func (t *fakeTransport) next(tb testing.TB) *protocol.Message {
	tb.Helper()
	select {
	case msg := <-t.out:
		return msg
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for outbound message")
		return nil
	}
}

type stubStore struct {
	lookup func(token string) (string, bool, error)
}

func (s *stubStore) LookupToken(_ context.Context, token string) (string, bool, error) {
	return s.lookup(token)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

const testDashboardURL = "https://dash.example"

func startConn(t *testing.T, store NodeStore, hooks ConnHooks) (*NodeConn, *fakeTransport) {
	t.Helper()
	transport := newFakeTransport()
	nc := NewNodeConn(transport, store, hooks, testDashboardURL, testLogger(t))
	go nc.ReadLoop(context.Background())
	t.Cleanup(nc.Close)
	return nc, transport
}

func goodStore() *stubStore {
	return &stubStore{lookup: func(token string) (string, bool, error) {
		switch token {
		case "valid-token":
			return "node-1", true, nil
		case "pending-token":
			return "node-2", false, nil
		case "db-down-token":
			return "", false, errors.New("connect: connection refused")
		default:
			return "", false, ErrUnknownToken
		}
	}}
}

func register(t *testing.T, transport *fakeTransport, token string) {
	t.Helper()
	transport.in <- protocol.NewRegister("node-1", token)

	ack := transport.next(t)
	require.Equal(t, protocol.MsgTypeAck, ack.ControlType())
	ready := transport.next(t)
	require.Equal(t, protocol.MsgTypeConnectionReady, ready.ControlType())
}

// ackBridgeOpens acks every open_bridge until the transport closes.
func ackBridgeOpens(transport *fakeTransport) {
	for {
		select {
		case msg := <-transport.out:
			if msg.ControlType() == protocol.MsgTypeOpenBridge {
				transport.in <- protocol.NewAck(msg.MsgID)
			}
		case <-transport.closeCh:
			return
		}
	}
}

func TestRegisterErrors(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		wantCode string
	}{
		{"missing token", "", protocol.RegisterErrMissingToken},
		{"unknown token", "bogus", protocol.RegisterErrInvalidToken},
		{"unauthorized node", "pending-token", protocol.RegisterErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc, transport := startConn(t, goodStore(), ConnHooks{})

			transport.in <- protocol.NewRegister("node-1", tt.token)

			msg := transport.next(t)
			assert.Equal(t, protocol.MsgTypeRegisterError, msg.ControlType())
			assert.Equal(t, tt.wantCode, msg.Control.Code)
			assert.NotEmpty(t, msg.Control.Message)
			assert.Equal(t, StateUnauth, nc.State())
		})
	}
}

// A store failure is not a verdict on the token: the connection fails
// without a register_error, so the node keeps its credentials and
// retries.
func TestRegisterStoreFailureClosesConn(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})

	transport.in <- protocol.NewRegister("node-1", "db-down-token")

	assert.Eventually(t, func() bool { return nc.State() == StateClosed },
		2*time.Second, 10*time.Millisecond)

	select {
	case msg := <-transport.out:
		t.Fatalf("unexpected outbound %s", msg.ControlType())
	default:
	}
}

func TestRegisterSuccessOrdering(t *testing.T) {
	var registered atomic.Bool
	nc, transport := startConn(t, goodStore(), ConnHooks{
		OnRegistered: func(*NodeConn) { registered.Store(true) },
	})

	transport.in <- protocol.NewRegister("node-1", "valid-token")

	// Ack must arrive strictly before connection_ready
	first := transport.next(t)
	assert.Equal(t, protocol.MsgTypeAck, first.ControlType())
	second := transport.next(t)
	assert.Equal(t, protocol.MsgTypeConnectionReady, second.ControlType())
	assert.Equal(t, "node-1", second.Control.NodeID)
	assert.Equal(t, testDashboardURL, second.Control.DashboardURL)

	assert.Eventually(t, registered.Load, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRegistered, nc.State())
	assert.Equal(t, "node-1", nc.NodeID())
}

func TestDuplicateRegisterIsAcked(t *testing.T) {
	_, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	transport.in <- protocol.NewRegister("node-1", "valid-token")

	msg := transport.next(t)
	assert.Equal(t, protocol.MsgTypeAck, msg.ControlType())
}

func TestAnnounceBeforeRegister(t *testing.T) {
	_, transport := startConn(t, goodStore(), ConnHooks{})

	transport.in <- protocol.NewAnnounce([]protocol.Service{{ID: "cam1"}})

	msg := transport.next(t)
	assert.Equal(t, protocol.MsgTypeRegisterError, msg.ControlType())
	assert.Equal(t, protocol.RegisterErrNotRegistered, msg.Control.Code)
}

func TestAnnounceReplacesServices(t *testing.T) {
	got := make(chan []protocol.Service, 1)
	_, transport := startConn(t, goodStore(), ConnHooks{
		OnAnnounce: func(_ *NodeConn, services []protocol.Service) { got <- services },
	})
	register(t, transport, "valid-token")

	services := []protocol.Service{
		{ID: "cam1", Type: protocol.ServiceTypeRTSP, Addr: "192.168.1.10", Port: 554, Path: "/stream"},
	}
	transport.in <- protocol.NewAnnounce(services)

	ack := transport.next(t)
	assert.Equal(t, protocol.MsgTypeAck, ack.ControlType())

	select {
	case announced := <-got:
		assert.Equal(t, services, announced)
	case <-time.After(time.Second):
		t.Fatal("announce hook never ran")
	}
}

func TestOpenBridgeAwaitsAck(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	// The node side acks every open_bridge it sees
	go func() {
		msg := transport.next(t)
		if msg.ControlType() == protocol.MsgTypeOpenBridge {
			transport.in <- protocol.NewAck(msg.MsgID)
		}
	}()

	bridgeID, err := nc.OpenBridge(protocol.Service{ID: "cam1", Type: protocol.ServiceTypeRTSP})
	require.NoError(t, err)
	assert.NotEmpty(t, bridgeID)

	_, ok := nc.BridgeSink(bridgeID)
	assert.True(t, ok)
}

func TestOpenBridgeRequiresRegistration(t *testing.T) {
	nc, _ := startConn(t, goodStore(), ConnHooks{})

	_, err := nc.OpenBridge(protocol.Service{ID: "cam1"})
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestDataRoutedInOrder(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	go func() {
		msg := transport.next(t)
		transport.in <- protocol.NewAck(msg.MsgID)
	}()
	bridgeID, err := nc.OpenBridge(protocol.Service{ID: "cam1"})
	require.NoError(t, err)

	sink, ok := nc.BridgeSink(bridgeID)
	require.True(t, ok)

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		transport.in <- protocol.NewData(bridgeID, p)
	}

	for _, want := range payloads {
		select {
		case got := <-sink:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("payload never arrived")
		}
	}
}

func TestDataForUnknownBridgeIsDropped(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	transport.in <- protocol.NewData("no-such-bridge", []byte("lost"))

	// The connection stays healthy
	transport.in <- protocol.NewAnnounce(nil)
	msg := transport.next(t)
	assert.Equal(t, protocol.MsgTypeAck, msg.ControlType())
	assert.Equal(t, StateRegistered, nc.State())
}

func TestCloseBridgeFromNodeClosesSink(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	go func() {
		msg := transport.next(t)
		transport.in <- protocol.NewAck(msg.MsgID)
	}()
	bridgeID, err := nc.OpenBridge(protocol.Service{ID: "cam1"})
	require.NoError(t, err)

	sink, ok := nc.BridgeSink(bridgeID)
	require.True(t, ok)

	transport.in <- protocol.NewCloseBridge(bridgeID)
	ack := transport.next(t)
	assert.Equal(t, protocol.MsgTypeAck, ack.ControlType())

	select {
	case _, open := <-sink:
		assert.False(t, open, "sink should be closed")
	case <-time.After(time.Second):
		t.Fatal("sink never closed")
	}

	assert.Error(t, nc.SendData(bridgeID, []byte("x")))
}

func TestSendDataUnknownBridge(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	err := nc.SendData("nope", []byte("x"))
	assert.ErrorIs(t, err, ErrBridgeNotFound)
}

func TestCloseRunsHookOnce(t *testing.T) {
	var closed atomic.Int32
	nc, transport := startConn(t, goodStore(), ConnHooks{
		OnClosed: func(*NodeConn) { closed.Add(1) },
	})
	register(t, transport, "valid-token")

	nc.Close()
	nc.Close()

	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, StateClosed, nc.State())
}

func TestAuthRequestFlow(t *testing.T) {
	var gotNodeID string
	_, transport := startConn(t, goodStore(), ConnHooks{
		OnAuthRequest: func(_ *NodeConn, nodeID string) (string, error) {
			gotNodeID = nodeID
			return "https://dash.example/authorize?node=" + nodeID, nil
		},
	})

	transport.in <- protocol.NewReqAuthorizationURL("n-9")

	ack := transport.next(t)
	assert.Equal(t, protocol.MsgTypeAck, ack.ControlType())

	res := transport.next(t)
	assert.Equal(t, protocol.MsgTypeResAuthorizationURL, res.ControlType())
	assert.Equal(t, "https://dash.example/authorize?node=n-9", res.Control.AuthURL)
	assert.Equal(t, "n-9", gotNodeID)
}

func TestBridgeIsolation(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")
	go ackBridgeOpens(transport)

	bridgeA, err := nc.OpenBridge(protocol.Service{ID: "cam1"})
	require.NoError(t, err)
	bridgeB, err := nc.OpenBridge(protocol.Service{ID: "cam2"})
	require.NoError(t, err)

	sinkA, ok := nc.BridgeSink(bridgeA)
	require.True(t, ok)
	sinkB, ok := nc.BridgeSink(bridgeB)
	require.True(t, ok)

	transport.in <- protocol.NewData(bridgeA, []byte("for-a"))
	transport.in <- protocol.NewData(bridgeB, []byte("for-b"))

	select {
	case got := <-sinkA:
		assert.Equal(t, []byte("for-a"), got)
	case <-time.After(time.Second):
		t.Fatal("payload never arrived on bridge a")
	}
	select {
	case got := <-sinkB:
		assert.Equal(t, []byte("for-b"), got)
	case <-time.After(time.Second):
		t.Fatal("payload never arrived on bridge b")
	}

	// Both payloads have been routed; neither sink holds the other's
	select {
	case got := <-sinkA:
		t.Fatalf("bridge a leaked payload %q", got)
	default:
	}
	select {
	case got := <-sinkB:
		t.Fatalf("bridge b leaked payload %q", got)
	default:
	}
}

// Hammers data delivery against concurrent bridge teardown. A send on
// the sink after close would panic the read loop.
func TestDataDuringBridgeTeardown(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")
	go ackBridgeOpens(transport)

	for i := 0; i < 200; i++ {
		bridgeID, err := nc.OpenBridge(protocol.Service{ID: "cam1"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				nc.handleData(protocol.NewData(bridgeID, []byte("payload")))
			}
		}()
		go func() {
			defer wg.Done()
			nc.releaseBridge(bridgeID)
		}()
		wg.Wait()
	}
}
