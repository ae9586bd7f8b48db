package mixer

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Meet/internal/adapters/rtc"
)

type sink func(device string, kind webrtc.RTPCodecType, pkt *rtp.Packet)

// relay pulls RTP from one input track until its context ends or the
// source fails.
type relay struct {
	device string
	kind   webrtc.RTPCodecType
	src    rtc.RTPReader
	cancel context.CancelFunc
}

func (r *relay) loop(ctx context.Context, out sink, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done")
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("relay read RTP error, stopping")
			}
			return
		}
		out(r.device, r.kind, pkt)
	}
}

func relayKey(kind webrtc.RTPCodecType, device string) string {
	return kind.String() + "/" + device
}
