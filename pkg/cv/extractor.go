package cv

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	pionrtp "github.com/pion/rtp"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/rtp"
)

// FrameMeta describes one extracted JPEG.
type FrameMeta struct {
	NodeID     string
	ServiceID  string
	CapturedAt time.Time
}

// FrameFunc persists one JPEG and announces it. Returns the stored
// frame id, which the batch event later carries.
type FrameFunc func(jpeg []byte, meta FrameMeta) (string, error)

// BatchMeta describes one emitted frame batch.
type BatchMeta struct {
	NodeID          string
	ServiceID       string
	StartedAt       time.Time
	DurationSeconds float64
	FrameInterval   time.Duration
}

// BatchFunc receives the frame ids of one completed batch.
type BatchFunc func(frameIDs []string, meta BatchMeta)

// FrameExtractor turns one service's H.264 stream into periodic JPEG
// snapshots via an ffmpeg child process. Every frame goes through
// onFrame as it is extracted; the returned ids accumulate into batches
// for onBatch.
//
// Input may arrive as Annex-B byte stream, AVCC length-prefixed access
// units, or RTP packets; all are normalized to Annex-B before ffmpeg.
type FrameExtractor struct {
	nodeID    string
	serviceID string
	interval  time.Duration
	batchSize int
	onFrame   FrameFunc
	onBatch   BatchFunc
	log       *logger.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	depacketizer *rtp.H264Depacketizer
	avcc         avccReader

	mu      sync.Mutex
	batch   []string
	started time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewFrameExtractor starts the ffmpeg pipeline.
func NewFrameExtractor(nodeID, serviceID string, interval time.Duration, batchSize int, onFrame FrameFunc, onBatch BatchFunc, log *logger.Logger) (*FrameExtractor, error) {
	e := &FrameExtractor{
		nodeID:    nodeID,
		serviceID: serviceID,
		interval:  interval,
		batchSize: batchSize,
		onFrame:   onFrame,
		onBatch:   onBatch,
		log:       log.With("component", "frame_extractor", "service_id", serviceID),
		done:      make(chan struct{}),
	}

	e.depacketizer = rtp.NewH264Depacketizer()
	e.depacketizer.OnAccessUnit = func(annexb []byte, keyframe bool) {
		e.writeStdin(annexb)
	}

	fps := fmt.Sprintf("fps=1/%s", strconv.Itoa(int(interval.Seconds())))
	cmd := exec.Command("ffmpeg",
		"-f", "h264",
		"-i", "pipe:0",
		"-vf", fps,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.started = time.Now()

	go e.readFrames(stdout)
	return e, nil
}

// WriteAnnexB feeds a chunk of raw Annex-B H.264.
func (e *FrameExtractor) WriteAnnexB(p []byte) {
	e.writeStdin(p)
}

// WriteAVCC feeds length-prefixed H.264, buffering across chunk
// boundaries, and forwards it as Annex-B.
func (e *FrameExtractor) WriteAVCC(p []byte) {
	for _, nalu := range e.avcc.push(p) {
		e.writeStdin(annexBStartCode)
		e.writeStdin(nalu)
	}
}

// WriteRTP feeds one RTP packet carrying H.264.
func (e *FrameExtractor) WriteRTP(pkt *pionrtp.Packet) {
	if err := e.depacketizer.ProcessPacket(pkt); err != nil {
		e.log.DebugFrames("rtp depacketize error", "error", err)
	}
}

func (e *FrameExtractor) writeStdin(p []byte) {
	select {
	case <-e.done:
		return
	default:
	}
	if _, err := e.stdin.Write(p); err != nil {
		e.log.DebugFrames("ffmpeg stdin write failed", "error", err)
	}
}

func (e *FrameExtractor) readFrames(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 256*1024)
	splitter := jpegSplitter{}

	buf := make([]byte, 64*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, jpeg := range splitter.push(buf[:n]) {
				e.addFrame(jpeg)
			}
		}
		if err != nil {
			e.flush()
			return
		}
	}
}

func (e *FrameExtractor) addFrame(jpeg []byte) {
	capturedAt := time.Now()
	id, err := e.onFrame(jpeg, FrameMeta{
		NodeID:     e.nodeID,
		ServiceID:  e.serviceID,
		CapturedAt: capturedAt,
	})
	if err != nil {
		e.log.Error("frame handling failed", "error", err)
		return
	}

	e.mu.Lock()
	if len(e.batch) == 0 {
		e.started = capturedAt.Add(-e.interval)
	}
	e.batch = append(e.batch, id)

	var full []string
	var startedAt time.Time
	if len(e.batch) >= e.batchSize {
		full = e.batch
		startedAt = e.started
		e.batch = nil
	}
	e.mu.Unlock()

	if full != nil {
		e.emit(full, startedAt)
	}
}

// flush emits whatever partial batch remains, on shutdown.
func (e *FrameExtractor) flush() {
	e.mu.Lock()
	remaining := e.batch
	startedAt := e.started
	e.batch = nil
	e.mu.Unlock()

	if len(remaining) > 0 {
		e.emit(remaining, startedAt)
	}
}

func (e *FrameExtractor) emit(frameIDs []string, startedAt time.Time) {
	meta := BatchMeta{
		NodeID:          e.nodeID,
		ServiceID:       e.serviceID,
		StartedAt:       startedAt,
		DurationSeconds: float64(len(frameIDs)) * e.interval.Seconds(),
		FrameInterval:   e.interval,
	}
	e.log.DebugFrames("batch ready", "count", len(frameIDs), "duration_s", meta.DurationSeconds)
	e.onBatch(frameIDs, meta)
}

// Close stops ffmpeg and emits any partial batch.
func (e *FrameExtractor) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.stdin.Close()
		if e.cmd.Process != nil {
			e.cmd.Process.Kill()
		}
		e.cmd.Wait()
	})
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// avccReader re-frames AVCC (4-byte length prefixed) NAL units from an
// arbitrary chunk stream. Partial units carry over between pushes.
type avccReader struct {
	buf []byte
}

func (r *avccReader) push(p []byte) [][]byte {
	r.buf = append(r.buf, p...)

	var nalus [][]byte
	for {
		if len(r.buf) < 4 {
			return nalus
		}
		size := binary.BigEndian.Uint32(r.buf[:4])
		if size == 0 {
			// Corrupt length, resync by skipping a byte
			r.buf = r.buf[1:]
			continue
		}
		if uint32(len(r.buf)-4) < size {
			return nalus
		}
		nalu := make([]byte, size)
		copy(nalu, r.buf[4:4+size])
		nalus = append(nalus, nalu)
		r.buf = r.buf[4+size:]
	}
}

// jpegSplitter extracts complete JPEG images from a byte stream by
// scanning for SOI/EOI markers.
type jpegSplitter struct {
	buf    []byte
	inside bool
}

func (s *jpegSplitter) push(p []byte) [][]byte {
	s.buf = append(s.buf, p...)

	var jpegs [][]byte
	for {
		if !s.inside {
			idx := indexMarker(s.buf, 0xD8)
			if idx < 0 {
				// Keep a trailing 0xFF in case the marker splits
				if len(s.buf) > 0 && s.buf[len(s.buf)-1] == 0xFF {
					s.buf = s.buf[len(s.buf)-1:]
				} else {
					s.buf = s.buf[:0]
				}
				return jpegs
			}
			s.buf = s.buf[idx:]
			s.inside = true
		}

		end := indexMarker(s.buf[2:], 0xD9)
		if end < 0 {
			return jpegs
		}
		end += 2 + 2 // offset into buf plus marker length

		jpeg := make([]byte, end)
		copy(jpeg, s.buf[:end])
		jpegs = append(jpegs, jpeg)

		s.buf = s.buf[end:]
		s.inside = false
	}
}

// indexMarker finds 0xFF followed by the given code.
func indexMarker(b []byte, code byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == 0xFF && b[i+1] == code {
			return i
		}
	}
	return -1
}
