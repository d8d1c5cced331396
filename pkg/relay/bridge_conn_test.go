package relay

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unblink/unblink/pkg/protocol"
)

// openTestBridge registers a connection and opens one bridge on it.
func openTestBridge(t *testing.T) (*NodeConn, *fakeTransport, string) {
	t.Helper()
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	go func() {
		msg := transport.next(t)
		transport.in <- protocol.NewAck(msg.MsgID)
	}()
	bridgeID, err := nc.OpenBridge(protocol.Service{ID: "cam1", Type: protocol.ServiceTypeRTSP})
	require.NoError(t, err)
	return nc, transport, bridgeID
}

func TestBridgeConnReadCarriesPartialChunks(t *testing.T) {
	nc, transport, bridgeID := openTestBridge(t)

	conn, err := NewBridgeConn(nc, bridgeID)
	require.NoError(t, err)

	transport.in <- protocol.NewData(bridgeID, []byte("abcdef"))

	buf := make([]byte, 4)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:n]))

	// Remainder of the chunk comes back on the next read
	n, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:n]))
}

func TestBridgeConnWriteForwardsData(t *testing.T) {
	nc, transport, bridgeID := openTestBridge(t)

	conn, err := NewBridgeConn(nc, bridgeID)
	require.NoError(t, err)

	n, err := conn.Write([]byte("DESCRIBE rtsp://cam/ RTSP/1.0\r\n"))
	require.NoError(t, err)
	assert.Equal(t, 31, n)

	msg := transport.next(t)
	require.NotNil(t, msg.Data)
	assert.Equal(t, bridgeID, msg.Data.BridgeID)
	assert.Equal(t, []byte("DESCRIBE rtsp://cam/ RTSP/1.0\r\n"), msg.Data.Payload)
}

func TestBridgeConnReadDeadline(t *testing.T) {
	nc, _, bridgeID := openTestBridge(t)

	conn, err := NewBridgeConn(nc, bridgeID)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))

	buf := make([]byte, 16)
	_, err = conn.Read(buf)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestBridgeConnCloseUnblocksRead(t *testing.T) {
	nc, _, bridgeID := openTestBridge(t)

	conn, err := NewBridgeConn(nc, bridgeID)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := conn.Read(buf)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("read never unblocked")
	}
}

func TestBridgeConnUnknownBridge(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	_, err := NewBridgeConn(nc, "no-such-bridge")
	assert.ErrorIs(t, err, ErrBridgeNotFound)
}

func TestBridgeConnAddrs(t *testing.T) {
	nc, _, bridgeID := openTestBridge(t)

	conn, err := NewBridgeConn(nc, bridgeID)
	require.NoError(t, err)

	assert.Equal(t, "bridge", conn.LocalAddr().Network())
	assert.Contains(t, conn.RemoteAddr().String(), bridgeID)
}
