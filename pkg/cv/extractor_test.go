package cv

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExtractor(t *testing.T, batchSize int, onFrame FrameFunc, onBatch BatchFunc) *FrameExtractor {
	t.Helper()
	return &FrameExtractor{
		nodeID:    "node-1",
		serviceID: "cam1",
		interval:  time.Second,
		batchSize: batchSize,
		onFrame:   onFrame,
		onBatch:   onBatch,
		log:       testLogger(t),
		done:      make(chan struct{}),
	}
}

func TestExtractorEmitsPerFrameThenBatch(t *testing.T) {
	var frames [][]byte
	var batches [][]string

	e := testExtractor(t, 2,
		func(jpeg []byte, meta FrameMeta) (string, error) {
			assert.Equal(t, "node-1", meta.NodeID)
			assert.Equal(t, "cam1", meta.ServiceID)
			assert.False(t, meta.CapturedAt.IsZero())
			frames = append(frames, jpeg)
			return fmt.Sprintf("frame-%d", len(frames)), nil
		},
		func(frameIDs []string, meta BatchMeta) {
			assert.Equal(t, "cam1", meta.ServiceID)
			assert.Equal(t, 2.0, meta.DurationSeconds)
			batches = append(batches, frameIDs)
		})

	e.addFrame(jpegBytes(0x01))
	e.addFrame(jpegBytes(0x02))
	e.addFrame(jpegBytes(0x03))

	// Every frame went out individually, the first two as a batch
	require.Len(t, frames, 3)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"frame-1", "frame-2"}, batches[0])

	e.flush()
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"frame-3"}, batches[1])
}

func TestExtractorSkipsFailedFrames(t *testing.T) {
	var batches [][]string

	calls := 0
	e := testExtractor(t, 2,
		func(jpeg []byte, meta FrameMeta) (string, error) {
			calls++
			if calls == 2 {
				return "", errors.New("storage down")
			}
			return fmt.Sprintf("frame-%d", calls), nil
		},
		func(frameIDs []string, meta BatchMeta) {
			batches = append(batches, frameIDs)
		})

	e.addFrame(jpegBytes(0x01))
	e.addFrame(jpegBytes(0x02))
	e.addFrame(jpegBytes(0x03))

	// The failed frame never makes it into a batch
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"frame-1", "frame-3"}, batches[0])
}

func TestAVCCReaderSingleUnit(t *testing.T) {
	var r avccReader

	nalus := r.push([]byte{0x00, 0x00, 0x00, 0x03, 0x65, 0x01, 0x02})
	require.Len(t, nalus, 1)
	assert.Equal(t, []byte{0x65, 0x01, 0x02}, nalus[0])
}

func TestAVCCReaderCrossChunk(t *testing.T) {
	var r avccReader

	// Length prefix split across pushes, then the payload in two pieces
	assert.Empty(t, r.push([]byte{0x00, 0x00}))
	assert.Empty(t, r.push([]byte{0x00, 0x04, 0x41}))
	nalus := r.push([]byte{0xAA, 0xBB, 0xCC})
	require.Len(t, nalus, 1)
	assert.Equal(t, []byte{0x41, 0xAA, 0xBB, 0xCC}, nalus[0])
}

func TestAVCCReaderMultipleUnitsOnePush(t *testing.T) {
	var r avccReader

	nalus := r.push([]byte{
		0x00, 0x00, 0x00, 0x02, 0x67, 0x42,
		0x00, 0x00, 0x00, 0x01, 0x68,
	})
	require.Len(t, nalus, 2)
	assert.Equal(t, []byte{0x67, 0x42}, nalus[0])
	assert.Equal(t, []byte{0x68}, nalus[1])
}

func TestAVCCReaderResyncsOnZeroLength(t *testing.T) {
	var r avccReader

	// A zero length prefix is skipped a byte at a time until a sane unit
	nalus := r.push([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x65})
	require.Len(t, nalus, 1)
	assert.Equal(t, []byte{0x65}, nalus[0])
}

func jpegBytes(payload ...byte) []byte {
	b := []byte{0xFF, 0xD8}
	b = append(b, payload...)
	return append(b, 0xFF, 0xD9)
}

func TestJPEGSplitterWholeImage(t *testing.T) {
	var s jpegSplitter

	jpegs := s.push(jpegBytes(0x01, 0x02, 0x03))
	require.Len(t, jpegs, 1)
	assert.Equal(t, jpegBytes(0x01, 0x02, 0x03), jpegs[0])
}

func TestJPEGSplitterSplitAcrossPushes(t *testing.T) {
	var s jpegSplitter

	img := jpegBytes(0x10, 0x20, 0x30, 0x40)
	assert.Empty(t, s.push(img[:3]))
	jpegs := s.push(img[3:])
	require.Len(t, jpegs, 1)
	assert.Equal(t, img, jpegs[0])
}

func TestJPEGSplitterMarkerSplitOnBoundary(t *testing.T) {
	var s jpegSplitter

	// The 0xFF of the SOI marker ends one chunk, 0xD8 starts the next
	assert.Empty(t, s.push([]byte{0xAA, 0xFF}))
	jpegs := s.push(append([]byte{0xD8, 0x55}, 0xFF, 0xD9))
	require.Len(t, jpegs, 1)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x55, 0xFF, 0xD9}, jpegs[0])
}

func TestJPEGSplitterBackToBackImages(t *testing.T) {
	var s jpegSplitter

	stream := append(jpegBytes(0x01), jpegBytes(0x02, 0x03)...)
	jpegs := s.push(stream)
	require.Len(t, jpegs, 2)
	assert.Equal(t, jpegBytes(0x01), jpegs[0])
	assert.Equal(t, jpegBytes(0x02, 0x03), jpegs[1])
}

func TestJPEGSplitterIgnoresLeadingGarbage(t *testing.T) {
	var s jpegSplitter

	stream := append([]byte{0x00, 0x11, 0x22}, jpegBytes(0x99)...)
	jpegs := s.push(stream)
	require.Len(t, jpegs, 1)
	assert.Equal(t, jpegBytes(0x99), jpegs[0])
}
