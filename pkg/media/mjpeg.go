package media

import (
	"bufio"
	"fmt"
	"os/exec"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/AlexxIT/go2rtc/pkg/magic"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/protocol"
)

// MJPEGSource transcodes an HTTP MJPEG endpoint to H.264 with an ffmpeg
// child process and wraps the bitstream as a producer.
type MJPEGSource struct {
	producer  core.Producer
	cmd       *exec.Cmd
	receivers []*core.Receiver
}

// NewMJPEG starts the transcoder against the bridge proxy address.
func NewMJPEG(svc protocol.Service, proxyAddr string, log *logger.Logger) (*MJPEGSource, error) {
	inputURL := fmt.Sprintf("http://%s%s", proxyAddr, svc.Path)

	cmd := exec.Command("ffmpeg",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-i", inputURL,
		"-c:v", "libx264",
		"-preset", "superfast",
		"-tune", "zerolatency",
		"-g", "50",
		"-profile:v", "high",
		"-level:v", "4.1",
		"-pix_fmt:v", "yuv420p",
		"-f", "mpegts",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	ffLog := log.With("component", "mjpeg_ffmpeg", "service_id", svc.ID)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			ffLog.Debug(scanner.Text())
		}
	}()

	rd := bufio.NewReaderSize(stdout, core.BufferSize)

	prod, err := magic.Open(rd)
	if err != nil {
		kill(cmd)
		return nil, fmt.Errorf("open transcoded stream: %w", err)
	}

	medias := prod.GetMedias()
	if len(medias) == 0 {
		_ = prod.Stop()
		kill(cmd)
		return nil, fmt.Errorf("no media from transcoder")
	}

	var receivers []*core.Receiver
	for _, m := range medias {
		for _, codec := range m.Codecs {
			if codec.Name != core.CodecH264 {
				continue
			}
			receiver, err := prod.GetTrack(m, codec)
			if err != nil {
				continue
			}
			receivers = append(receivers, receiver)
			log.Info("mjpeg track added", "service_id", svc.ID, "kind", m.Kind)
			break
		}
	}

	if len(receivers) == 0 {
		_ = prod.Stop()
		kill(cmd)
		return nil, fmt.Errorf("no H.264 track from transcoder")
	}

	return &MJPEGSource{producer: prod, cmd: cmd, receivers: receivers}, nil
}

// GetProducer returns the transcoded H.264 producer.
func (s *MJPEGSource) GetProducer() core.Producer {
	return s.producer
}

// GetReceivers returns the negotiated tracks.
func (s *MJPEGSource) GetReceivers() []*core.Receiver {
	return s.receivers
}

// Close stops the producer and the ffmpeg process.
func (s *MJPEGSource) Close() {
	if s.producer != nil {
		_ = s.producer.Stop()
	}
	kill(s.cmd)
}

func kill(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		cmd.Wait()
	}
}
