package node

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.NewConfig())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

// fakeRelay accepts one node WebSocket and hands the transport to the test.
func fakeRelay(t *testing.T) (string, <-chan protocol.Transport) {
	t.Helper()
	transports := make(chan protocol.Transport, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		transports <- protocol.NewWSTransport(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http"), transports
}

func awaitTransport(t *testing.T, ch <-chan protocol.Transport) protocol.Transport {
	t.Helper()
	select {
	case tr := <-ch:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("node never connected")
		return nil
	}
}

func readType(t *testing.T, tr protocol.Transport, want string) *protocol.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := tr.ReadMessage()
		require.NoError(t, err)
		if msg.Control != nil && msg.Control.Type == want {
			return msg
		}
		if msg.Control != nil && msg.Control.Type == protocol.MsgTypeAck {
			continue
		}
	}
	t.Fatalf("never received %s", want)
	return nil
}

// echoService runs a local TCP server that echoes everything back.
func echoService(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestClientRegistersAndAnnounces(t *testing.T) {
	url, transports := fakeRelay(t)

	cfg := &Config{
		NodeID:   "node-1",
		Token:    "tok",
		RelayURL: url,
		Services: []protocol.Service{{ID: "cam1", Type: protocol.ServiceTypeRTSP, Addr: "10.0.0.1", Port: 554}},
		path:     filepath.Join(t.TempDir(), "config.json"),
	}
	client := NewClient(cfg, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	tr := awaitTransport(t, transports)
	defer tr.Close()

	reg := readType(t, tr, protocol.MsgTypeRegister)
	assert.Equal(t, "tok", reg.Control.Token)
	assert.Equal(t, "node-1", reg.Control.NodeID)

	require.NoError(t, tr.WriteMessage(protocol.NewAck(reg.MsgID)))
	require.NoError(t, tr.WriteMessage(protocol.NewConnectionReady("node-1", "https://dash.example")))

	announce := readType(t, tr, protocol.MsgTypeAnnounce)
	require.Len(t, announce.Control.Services, 1)
	assert.Equal(t, "cam1", announce.Control.Services[0].ID)
}

func TestClientAuthorizationFlow(t *testing.T) {
	url, transports := fakeRelay(t)

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{NodeID: "n-7", RelayURL: url, path: path}
	client := NewClient(cfg, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	tr := awaitTransport(t, transports)
	defer tr.Close()

	req := readType(t, tr, protocol.MsgTypeReqAuthorizationURL)
	assert.Equal(t, "n-7", req.Control.NodeID)
	require.NoError(t, tr.WriteMessage(protocol.NewResAuthorizationURL("https://dash/authorize?node=n-7")))
	require.NoError(t, tr.WriteMessage(protocol.NewAuthToken("fresh-token")))

	// Credentials land in the config and registration follows
	reg := readType(t, tr, protocol.MsgTypeRegister)
	assert.Equal(t, "fresh-token", reg.Control.Token)
	assert.Equal(t, "n-7", reg.Control.NodeID)

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "n-7", loaded.NodeID)
	assert.Equal(t, "fresh-token", loaded.Token)
}

func TestClientBridgesLocalService(t *testing.T) {
	url, transports := fakeRelay(t)
	addr, port := echoService(t)

	cfg := &Config{
		NodeID:   "node-1",
		Token:    "tok",
		RelayURL: url,
		Services: []protocol.Service{{ID: "echo", Type: protocol.ServiceTypeTCP, Addr: addr, Port: port}},
		path:     filepath.Join(t.TempDir(), "config.json"),
	}
	client := NewClient(cfg, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	tr := awaitTransport(t, transports)
	defer tr.Close()

	reg := readType(t, tr, protocol.MsgTypeRegister)
	require.NoError(t, tr.WriteMessage(protocol.NewAck(reg.MsgID)))
	require.NoError(t, tr.WriteMessage(protocol.NewConnectionReady("node-1", "https://dash.example")))
	readType(t, tr, protocol.MsgTypeAnnounce)

	open := protocol.NewOpenBridge("bridge-1", protocol.Service{ID: "echo", Addr: addr, Port: port})
	require.NoError(t, tr.WriteMessage(open))

	// The client acks, dials the echo service and pumps our payload back
	require.NoError(t, tr.WriteMessage(protocol.NewData("bridge-1", []byte("ping"))))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := tr.ReadMessage()
		require.NoError(t, err)
		if msg.Data != nil {
			assert.Equal(t, "bridge-1", msg.Data.BridgeID)
			assert.Equal(t, []byte("ping"), msg.Data.Payload)
			return
		}
	}
	t.Fatal("echoed payload never came back")
}
