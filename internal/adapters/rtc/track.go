// Package rtc holds the pion-backed media primitives: local tracks that
// carry RTP and the WHIP publisher that pushes them to an ingest endpoint.
package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var ErrUnsupportedKind = errors.New("unsupported track kind")

var (
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// RTPReader is implemented by tracks whose packets can be pulled, such as
// *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RTPWriter is the sink side of a relay.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// LocalTrack is an outbound RTP track. It satisfies core.Track.
type LocalTrack struct {
	*webrtc.TrackLocalStaticRTP
}

func NewLocalTrack(kind webrtc.RTPCodecType, id, streamID string) (*LocalTrack, error) {
	var c webrtc.RTPCodecCapability
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		c = opusCapability
	case webrtc.RTPCodecTypeVideo:
		c = vp8Capability
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	t, err := webrtc.NewTrackLocalStaticRTP(c, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("new local track %s: %w", id, err)
	}
	return &LocalTrack{TrackLocalStaticRTP: t}, nil
}
