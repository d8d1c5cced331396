package media

import (
	"fmt"

	"github.com/AlexxIT/go2rtc/pkg/core"
	"github.com/AlexxIT/go2rtc/pkg/rtsp"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/protocol"
)

// RTSPSource produces media from an RTSP camera reached through a bridge
// proxy.
type RTSPSource struct {
	client    *rtsp.Conn
	receivers []*core.Receiver
}

// RTSPURL builds the camera URL against the given host, embedding the
// service's credentials when it carries any.
func RTSPURL(svc protocol.Service, host string) string {
	u := "rtsp://"
	if svc.Auth != nil && svc.Auth.Type == protocol.AuthTypeUsernamePassword {
		u += fmt.Sprintf("%s:%s@", svc.Auth.Username, svc.Auth.Password)
	}
	return u + host + svc.Path
}

// NewRTSP dials, describes, sets up the first codec of each media and
// starts playback.
func NewRTSP(svc protocol.Service, proxyAddr string, log *logger.Logger) (*RTSPSource, error) {
	rtspURL := RTSPURL(svc, proxyAddr)

	client := rtsp.NewClient(rtspURL)
	client.Transport = "tcp"

	if err := client.Dial(); err != nil {
		return nil, fmt.Errorf("RTSP dial: %w", err)
	}

	if err := client.Describe(); err != nil {
		client.Close()
		return nil, fmt.Errorf("RTSP describe: %w", err)
	}

	medias := client.GetMedias()
	if len(medias) == 0 {
		client.Close()
		return nil, fmt.Errorf("no media streams in RTSP")
	}

	// First codec per media
	var receivers []*core.Receiver
	for _, m := range medias {
		for _, codec := range m.Codecs {
			receiver, err := client.GetTrack(m, codec)
			if err != nil {
				continue
			}
			receivers = append(receivers, receiver)
			log.Info("rtsp track added", "service_id", svc.ID, "kind", m.Kind, "codec", codec.Name)
			break
		}
	}

	if len(receivers) == 0 {
		client.Close()
		return nil, fmt.Errorf("no usable codecs")
	}

	if err := client.Play(); err != nil {
		client.Close()
		return nil, fmt.Errorf("RTSP play: %w", err)
	}

	return &RTSPSource{client: client, receivers: receivers}, nil
}

// GetProducer returns the RTSP client as a producer.
func (s *RTSPSource) GetProducer() core.Producer {
	return s.client
}

// GetReceivers returns the negotiated tracks.
func (s *RTSPSource) GetReceivers() []*core.Receiver {
	return s.receivers
}

// Close stops the RTSP client.
func (s *RTSPSource) Close() {
	if s.client != nil {
		s.client.Stop()
	}
}
