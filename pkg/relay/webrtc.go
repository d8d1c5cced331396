package relay

import (
	"fmt"
	"sync"

	"github.com/AlexxIT/go2rtc/pkg/core"
	go2webrtc "github.com/AlexxIT/go2rtc/pkg/webrtc"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/media"
	"github.com/unblink/unblink/pkg/protocol"
)

// WebRTCSession is one browser viewer watching one service: a bridge, a
// proxy, a media source and a peer connection, torn down together.
type WebRTCSession struct {
	id       string
	nodeID   string
	service  protocol.Service
	nodeConn *NodeConn
	bridgeID string
	conn     *go2webrtc.Conn
	source   media.Source
	proxy    *BridgeTCPProxy
	log      *logger.Logger

	closeOnce sync.Once
	onClose   func()
}

// WebRTCSessionManager owns all live viewer sessions.
type WebRTCSessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*WebRTCSession
	log      *logger.Logger
}

// NewWebRTCSessionManager creates an empty manager.
func NewWebRTCSessionManager(log *logger.Logger) *WebRTCSessionManager {
	return &WebRTCSessionManager{
		sessions: make(map[string]*WebRTCSession),
		log:      log.With("component", "webrtc"),
	}
}

// NewSession answers a browser offer for a node's service. It opens a
// bridge, builds the source and negotiates the peer connection, and
// returns the session id with the complete answer SDP.
func (m *WebRTCSessionManager) NewSession(nc *NodeConn, svc protocol.Service, offerSDP string) (string, string, error) {
	bridgeID, err := nc.OpenBridge(svc)
	if err != nil {
		return "", "", fmt.Errorf("open bridge: %w", err)
	}

	// Everything allocated so far is torn down on any failure below
	fail := func(err error, proxy *BridgeTCPProxy, src media.Source, pc *webrtc.PeerConnection) (string, string, error) {
		if pc != nil {
			pc.Close()
		}
		if src != nil {
			src.Close()
		}
		if proxy != nil {
			proxy.Close()
		}
		nc.CloseBridge(bridgeID)
		return "", "", err
	}

	proxy, err := NewBridgeTCPProxy(nc, bridgeID, m.log)
	if err != nil {
		return fail(fmt.Errorf("bridge proxy: %w", err), nil, nil, nil)
	}

	source, err := media.New(svc, proxy.Addr(), m.log)
	if err != nil {
		return fail(fmt.Errorf("create source: %w", err), proxy, nil, nil)
	}

	api, err := go2webrtc.NewAPI()
	if err != nil {
		return fail(fmt.Errorf("webrtc api: %w", err), proxy, source, nil)
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return fail(fmt.Errorf("peer connection: %w", err), proxy, source, nil)
	}

	wconn := go2webrtc.NewConn(pc)
	wconn.Mode = core.ModePassiveProducer

	if err := wconn.SetOffer(offerSDP); err != nil {
		return fail(fmt.Errorf("set offer: %w", err), proxy, source, pc)
	}

	producer := source.GetProducer()
	if err := m.attachTracks(wconn, producer, source.GetReceivers()); err != nil {
		return fail(err, proxy, source, pc)
	}

	answerSDP, err := wconn.GetCompleteAnswer(nil, nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err), proxy, source, pc)
	}

	sessionID := uuid.New().String()
	session := &WebRTCSession{
		id:       sessionID,
		nodeID:   nc.NodeID(),
		service:  svc,
		nodeConn: nc,
		bridgeID: bridgeID,
		conn:     wconn,
		source:   source,
		proxy:    proxy,
		log:      m.log.With("session_id", sessionID, "service_id", svc.ID),
	}
	session.onClose = func() {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		session.log.DebugWebRTC("ice state", "state", state.String())
		switch state {
		case webrtc.ICEConnectionStateClosed,
			webrtc.ICEConnectionStateDisconnected,
			webrtc.ICEConnectionStateFailed:
			session.Close()
		}
	})

	// Producer runs until the stream or the bridge dies
	go func() {
		if err := producer.Start(); err != nil {
			session.log.Info("producer ended", "error", err)
		}
		session.Close()
	}()

	session.log.Info("session created", "node_id", session.nodeID, "type", svc.Type)
	return sessionID, answerSDP, nil
}

// attachTracks matches source media to the browser's sendonly sections
// and adds one track per media, first matching codec wins.
func (m *WebRTCSessionManager) attachTracks(wconn *go2webrtc.Conn, producer core.Producer, receivers []*core.Receiver) error {
	sourceMedias := producer.GetMedias()
	if len(sourceMedias) == 0 {
		return fmt.Errorf("no media streams")
	}

	webrtcMedias := wconn.GetMedias()
	added := 0

	for _, sourceMedia := range sourceMedias {
		var webrtcMedia *core.Media
		for _, wm := range webrtcMedias {
			if wm.Kind == sourceMedia.Kind && wm.Direction == core.DirectionSendonly {
				webrtcMedia = wm
				break
			}
		}
		if webrtcMedia == nil {
			continue
		}

		for _, codec := range sourceMedia.Codecs {
			var webrtcCodec *core.Codec
			for _, wc := range webrtcMedia.Codecs {
				if wc.Name == codec.Name {
					webrtcCodec = wc
					break
				}
			}
			if webrtcCodec == nil {
				continue
			}

			var receiver *core.Receiver
			for _, r := range receivers {
				if r != nil && r.Codec.Name == codec.Name {
					receiver = r
					break
				}
			}
			if receiver == nil {
				track, err := producer.GetTrack(sourceMedia, codec)
				if err != nil {
					continue
				}
				receiver = track
			}

			if err := wconn.AddTrack(webrtcMedia, webrtcCodec, receiver); err != nil {
				m.log.Warn("add track failed", "kind", sourceMedia.Kind, "codec", codec.Name, "error", err)
				continue
			}

			added++
			break // first codec per media
		}
	}

	if added == 0 {
		return fmt.Errorf("no compatible tracks between source and offer")
	}
	return nil
}

// GetSession retrieves a session by id.
func (m *WebRTCSessionManager) GetSession(id string) *WebRTCSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// CloseSession closes one session.
func (m *WebRTCSessionManager) CloseSession(id string) {
	m.mu.RLock()
	session := m.sessions[id]
	m.mu.RUnlock()
	if session != nil {
		session.Close()
	}
}

// CloseForNode closes every session riding on a node's connection.
func (m *WebRTCSessionManager) CloseForNode(nodeID string) {
	m.mu.RLock()
	var doomed []*WebRTCSession
	for _, s := range m.sessions {
		if s.nodeID == nodeID {
			doomed = append(doomed, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range doomed {
		s.Close()
	}
}

// Count reports live sessions.
func (m *WebRTCSessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close tears the session down: proxy, source, peer connection, bridge.
func (s *WebRTCSession) Close() {
	s.closeOnce.Do(func() {
		s.log.Info("closing session")

		if s.proxy != nil {
			s.proxy.Close()
		}
		if s.source != nil {
			s.source.Close()
		}
		if s.conn != nil {
			s.conn.Close()
		}
		s.nodeConn.CloseBridge(s.bridgeID)

		if s.onClose != nil {
			s.onClose()
		}
	})
}
