package relay

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/unblink/unblink/pkg/cv"
	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/media"
	"github.com/unblink/unblink/pkg/protocol"
	"github.com/unblink/unblink/pkg/rtsp"
)

// RealtimeStream is a server-side ingest of one camera service feeding
// the frame extractor, independent of any browser viewer.
type RealtimeStream struct {
	nodeID    string
	service   protocol.Service
	nodeConn  *NodeConn
	bridgeID  string
	extractor *cv.FrameExtractor
	proxy     *BridgeTCPProxy // mjpeg only
	client    *rtsp.Client    // rtsp only
	cmd       *exec.Cmd       // mjpeg only
	cancel    context.CancelFunc
	log       *logger.Logger

	closeOnce sync.Once
}

// RealtimeStreamManager keeps one ingest stream per announced rtsp/mjpeg
// service while its node is connected.
type RealtimeStreamManager struct {
	syncMu sync.Mutex // serializes SyncNode reconciliations

	mu      sync.Mutex
	streams map[string]*RealtimeStream // nodeID + "/" + serviceID

	frameInterval time.Duration
	batchSize     int
	onFrame       cv.FrameFunc
	onBatch       cv.BatchFunc
	log           *logger.Logger
}

// NewRealtimeStreamManager creates an empty manager. Extracted frames
// flow into onFrame one by one, completed batches into onBatch (both
// the CV pipeline).
func NewRealtimeStreamManager(frameInterval time.Duration, batchSize int, onFrame cv.FrameFunc, onBatch cv.BatchFunc, log *logger.Logger) *RealtimeStreamManager {
	return &RealtimeStreamManager{
		streams:       make(map[string]*RealtimeStream),
		frameInterval: frameInterval,
		batchSize:     batchSize,
		onFrame:       onFrame,
		onBatch:       onBatch,
		log:           log.With("component", "realtime"),
	}
}

func streamKey(nodeID, serviceID string) string {
	return nodeID + "/" + serviceID
}

// SyncNode reconciles ingest streams with a node's announced services:
// new rtsp/mjpeg services get streams, vanished ones are torn down.
// Reconciliations run one at a time so two announces cannot both start
// a stream for the same service.
func (m *RealtimeStreamManager) SyncNode(nc *NodeConn, services []protocol.Service) {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	nodeID := nc.NodeID()
	want := make(map[string]protocol.Service)
	for _, svc := range services {
		if svc.Type == protocol.ServiceTypeRTSP || svc.Type == protocol.ServiceTypeMJPEG {
			want[streamKey(nodeID, svc.ID)] = svc
		}
	}

	m.mu.Lock()
	var stale []*RealtimeStream
	for key, stream := range m.streams {
		if stream.nodeID != nodeID {
			continue
		}
		if _, ok := want[key]; ok {
			delete(want, key) // already running
		} else {
			stale = append(stale, stream)
			delete(m.streams, key)
		}
	}
	m.mu.Unlock()

	for _, stream := range stale {
		stream.Close()
	}

	for key, svc := range want {
		stream, err := m.startStream(nc, svc)
		if err != nil {
			m.log.Error("realtime stream start failed",
				"node_id", nodeID, "service_id", svc.ID, "error", err)
			continue
		}
		m.adopt(key, stream)
	}
}

// adopt records a freshly started stream. If another stream claimed the
// key first, or its node connection is gone, the newcomer is closed
// instead of overwriting it.
func (m *RealtimeStreamManager) adopt(key string, stream *RealtimeStream) bool {
	m.mu.Lock()
	if _, taken := m.streams[key]; taken || stream.nodeConn.State() != StateRegistered {
		m.mu.Unlock()
		stream.Close()
		return false
	}
	m.streams[key] = stream
	m.mu.Unlock()
	return true
}

// CloseForNode tears down every stream of a node.
func (m *RealtimeStreamManager) CloseForNode(nodeID string) {
	m.mu.Lock()
	var doomed []*RealtimeStream
	for key, stream := range m.streams {
		if stream.nodeID == nodeID {
			doomed = append(doomed, stream)
			delete(m.streams, key)
		}
	}
	m.mu.Unlock()

	for _, stream := range doomed {
		stream.Close()
	}
}

// CloseAll tears down everything, on shutdown.
func (m *RealtimeStreamManager) CloseAll() {
	m.mu.Lock()
	doomed := make([]*RealtimeStream, 0, len(m.streams))
	for _, stream := range m.streams {
		doomed = append(doomed, stream)
	}
	m.streams = make(map[string]*RealtimeStream)
	m.mu.Unlock()

	for _, stream := range doomed {
		stream.Close()
	}
}

// Count reports live ingest streams.
func (m *RealtimeStreamManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *RealtimeStreamManager) startStream(nc *NodeConn, svc protocol.Service) (*RealtimeStream, error) {
	bridgeID, err := nc.OpenBridge(svc)
	if err != nil {
		return nil, fmt.Errorf("open bridge: %w", err)
	}

	stream := &RealtimeStream{
		nodeID:   nc.NodeID(),
		service:  svc,
		nodeConn: nc,
		bridgeID: bridgeID,
		log:      m.log.With("node_id", nc.NodeID(), "service_id", svc.ID),
	}

	extractor, err := cv.NewFrameExtractor(nc.NodeID(), svc.ID, m.frameInterval, m.batchSize, m.onFrame, m.onBatch, m.log)
	if err != nil {
		nc.CloseBridge(bridgeID)
		return nil, fmt.Errorf("frame extractor: %w", err)
	}
	stream.extractor = extractor

	ctx, cancel := context.WithCancel(context.Background())
	stream.cancel = cancel

	switch svc.Type {
	case protocol.ServiceTypeRTSP:
		err = stream.startRTSP(ctx)
	case protocol.ServiceTypeMJPEG:
		err = stream.startMJPEG(ctx, m.log)
	}
	if err != nil {
		stream.Close()
		return nil, err
	}

	stream.log.Info("realtime stream started", "type", svc.Type, "bridge_id", bridgeID)
	return stream, nil
}

// startRTSP speaks RTSP directly over the bridge and feeds video RTP
// into the extractor.
func (s *RealtimeStream) startRTSP(ctx context.Context) error {
	bridgeConn, err := NewBridgeConn(s.nodeConn, s.bridgeID)
	if err != nil {
		return err
	}

	host := fmt.Sprintf("%s:%d", s.service.Addr, s.service.Port)
	client := rtsp.NewClient(media.RTSPURL(s.service, host), bridgeConn, s.log)
	s.client = client

	if err := client.Handshake(ctx); err != nil {
		return fmt.Errorf("rtsp handshake: %w", err)
	}
	if err := client.SetupTracks(ctx); err != nil {
		return fmt.Errorf("rtsp setup: %w", err)
	}

	client.OnRTPPacket = func(channel byte, packet *pionrtp.Packet) {
		ch, ok := client.Channels[channel]
		if !ok || ch.MediaType != "video" {
			return
		}
		s.extractor.WriteRTP(packet)
	}

	if err := client.Play(ctx); err != nil {
		return fmt.Errorf("rtsp play: %w", err)
	}

	go func() {
		if err := client.ReadPackets(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("rtsp read loop ended", "error", err)
		}
		s.Close()
	}()
	return nil
}

// startMJPEG transcodes the MJPEG endpoint (through a bridge proxy) to
// raw H.264 and feeds it into the extractor.
func (s *RealtimeStream) startMJPEG(ctx context.Context, log *logger.Logger) error {
	proxy, err := NewBridgeTCPProxy(s.nodeConn, s.bridgeID, log)
	if err != nil {
		return fmt.Errorf("bridge proxy: %w", err)
	}
	s.proxy = proxy

	inputURL := fmt.Sprintf("http://%s%s", proxy.Addr(), s.service.Path)
	cmd := exec.Command("ffmpeg",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", inputURL,
		"-c:v", "libx264",
		"-preset", "superfast",
		"-tune", "zerolatency",
		"-g", "50",
		"-pix_fmt:v", "yuv420p",
		"-f", "h264",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg start: %w", err)
	}
	s.cmd = cmd

	go func() {
		reader := bufio.NewReaderSize(stdout, 256*1024)
		buf := make([]byte, 64*1024)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				s.extractor.WriteAnnexB(buf[:n])
			}
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("mjpeg transcode ended", "error", err)
				}
				s.Close()
				return
			}
		}
	}()
	return nil
}

// Close tears the stream down: ingest, extractor, bridge.
func (s *RealtimeStream) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.client != nil {
			s.client.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			s.cmd.Process.Kill()
			s.cmd.Wait()
		}
		if s.proxy != nil {
			s.proxy.Close()
		}
		if s.extractor != nil {
			s.extractor.Close()
		}
		s.nodeConn.CloseBridge(s.bridgeID)
		s.log.Info("realtime stream closed")
	})
}
