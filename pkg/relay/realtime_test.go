package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unblink/unblink/pkg/protocol"
)

// Two reconciliations may race to start an ingest for the same service.
// Only one stream may hold the key; the other is closed, not leaked.
func TestAdoptClosesLoserStream(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	m := NewRealtimeStreamManager(time.Second, 4, nil, nil, testLogger(t))

	winner := &RealtimeStream{nodeID: "node-1", nodeConn: nc, bridgeID: "br-1", log: m.log}
	loser := &RealtimeStream{nodeID: "node-1", nodeConn: nc, bridgeID: "br-2", log: m.log}

	assert.True(t, m.adopt(streamKey("node-1", "cam1"), winner))
	assert.False(t, m.adopt(streamKey("node-1", "cam1"), loser))
	assert.Equal(t, 1, m.Count())

	// The loser's bridge went down with it
	msg := transport.next(t)
	assert.Equal(t, protocol.MsgTypeCloseBridge, msg.ControlType())
	assert.Equal(t, "br-2", msg.Control.BridgeID)
}

func TestAdoptRejectsAfterDisconnect(t *testing.T) {
	nc, transport := startConn(t, goodStore(), ConnHooks{})
	register(t, transport, "valid-token")

	m := NewRealtimeStreamManager(time.Second, 4, nil, nil, testLogger(t))

	nc.Close()
	stream := &RealtimeStream{nodeID: "node-1", nodeConn: nc, bridgeID: "br-1", log: m.log}

	assert.False(t, m.adopt(streamKey("node-1", "cam1"), stream))
	assert.Equal(t, 0, m.Count())
}
