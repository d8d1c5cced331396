// Package rtp depacketizes H.264 RTP payloads into Annex-B access units
// suitable for piping into a decoder.
package rtp

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// NAL unit types
	NALUTypePFrame = 1
	NALUTypeIFrame = 5
	NALUTypeSEI    = 6
	NALUTypeSPS    = 7
	NALUTypePPS    = 8
	NALUTypeAUD    = 9
	NALUTypeSTAPA  = 24 // Single-Time Aggregation Packet
	NALUTypeFUA    = 28 // Fragmentation Unit A
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// H264Depacketizer reassembles NAL units from RTP packets and emits
// Annex-B framed access units. SPS/PPS are cached and prepended to
// keyframes so every IDR is independently decodable.
type H264Depacketizer struct {
	fragment []byte // accumulates FU-A fragments
	sps      []byte
	pps      []byte

	// OnAccessUnit is called with a complete Annex-B chunk
	OnAccessUnit func(annexb []byte, keyframe bool)
}

// NewH264Depacketizer creates a depacketizer with an empty parameter cache.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{
		fragment: make([]byte, 0, 256*1024),
	}
}

// ProcessPacket consumes one RTP packet.
func (d *H264Depacketizer) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}

	switch packet.Payload[0] & 0x1F {
	case NALUTypeFUA:
		return d.processFUA(packet)
	case NALUTypeSTAPA:
		return d.processSTAPA(packet)
	default:
		nalu := packet.Payload
		d.emit(nalu, nalu[0]&0x1F)
		return nil
	}
}

// processFUA reassembles a fragmented NAL unit.
func (d *H264Depacketizer) processFUA(packet *rtp.Packet) error {
	if len(packet.Payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}

	fuIndicator := packet.Payload[0]
	fuHeader := packet.Payload[1]
	payload := packet.Payload[2:]

	start := (fuHeader & 0x80) != 0
	end := (fuHeader & 0x40) != 0
	naluType := fuHeader & 0x1F

	if start {
		d.fragment = d.fragment[:0]
		// Reconstruct the NAL header from indicator bits and original type
		d.fragment = append(d.fragment, (fuIndicator&0xE0)|naluType)
	}

	d.fragment = append(d.fragment, payload...)

	if end {
		d.emit(d.fragment, naluType)
	}
	return nil
}

// processSTAPA splits an aggregation packet into its NAL units.
func (d *H264Depacketizer) processSTAPA(packet *rtp.Packet) error {
	payload := packet.Payload[1:]

	for len(payload) > 2 {
		naluSize := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]

		if len(payload) < int(naluSize) {
			return fmt.Errorf("STAP-A NALU size exceeds payload")
		}

		nalu := payload[:naluSize]
		payload = payload[naluSize:]

		d.emit(nalu, nalu[0]&0x1F)
	}
	return nil
}

// emit frames a NAL unit in Annex-B and hands it to the callback.
// Parameter sets are cached instead of emitted on their own.
func (d *H264Depacketizer) emit(nalu []byte, naluType uint8) {
	switch naluType {
	case NALUTypeSPS:
		d.sps = append(d.sps[:0], nalu...)
		return
	case NALUTypePPS:
		d.pps = append(d.pps[:0], nalu...)
		return
	}

	keyframe := naluType == NALUTypeIFrame

	var out []byte
	if keyframe && len(d.sps) > 0 && len(d.pps) > 0 {
		out = make([]byte, 0, len(d.sps)+len(d.pps)+len(nalu)+3*len(startCode))
		out = appendAnnexB(out, d.sps)
		out = appendAnnexB(out, d.pps)
		out = appendAnnexB(out, nalu)
	} else {
		out = appendAnnexB(make([]byte, 0, len(nalu)+len(startCode)), nalu)
	}

	if d.OnAccessUnit != nil {
		d.OnAccessUnit(out, keyframe)
	}
}

func appendAnnexB(dst, nalu []byte) []byte {
	dst = append(dst, startCode...)
	return append(dst, nalu...)
}

// SPS returns the cached sequence parameter set.
func (d *H264Depacketizer) SPS() []byte { return d.sps }

// PPS returns the cached picture parameter set.
func (d *H264Depacketizer) PPS() []byte { return d.pps }
