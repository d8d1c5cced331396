// Package media builds go2rtc producers for announced camera services.
// Sources reach the camera through a bridge TCP proxy address.
package media

import (
	"fmt"

	"github.com/AlexxIT/go2rtc/pkg/core"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/protocol"
)

// Source is a live media producer with its negotiated tracks.
type Source interface {
	GetProducer() core.Producer
	GetReceivers() []*core.Receiver
	Close()
}

// New creates the right source for a service type.
func New(svc protocol.Service, proxyAddr string, log *logger.Logger) (Source, error) {
	switch svc.Type {
	case protocol.ServiceTypeRTSP:
		return NewRTSP(svc, proxyAddr, log)
	case protocol.ServiceTypeMJPEG:
		return NewMJPEG(svc, proxyAddr, log)
	default:
		return nil, fmt.Errorf("unsupported service type: %s", svc.Type)
	}
}
