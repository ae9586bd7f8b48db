package mixer

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/dkeye/Meet/internal/adapters/rtc"
)

type outputState int32

const (
	outputIdle outputState = iota
	outputLive
	outputClosed
)

// output is one program track. Only packets of the selected source pass;
// on a source switch sequence numbers and timestamps are shifted so the
// outgoing stream stays continuous.
type output struct {
	track  rtc.RTPWriter
	tsStep uint32
	state  atomic.Int32

	mu       sync.Mutex
	source   string
	switched bool
	started  bool
	seqOff   uint16
	tsOff    uint32
	lastSeq  uint16
	lastTS   uint32
}

func newOutput(track rtc.RTPWriter, tsStep uint32) *output {
	return &output{track: track, tsStep: tsStep}
}

func (o *output) getState() outputState {
	return outputState(o.state.Load())
}

// selectSource switches the output to source; an empty name idles it.
func (o *output) selectSource(source string) {
	if o.getState() == outputClosed {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.source == source {
		return
	}
	o.source = source
	o.switched = true
	if source == "" {
		o.state.Store(int32(outputIdle))
	} else {
		o.state.Store(int32(outputLive))
	}
}

func (o *output) currentSource() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.source
}

func (o *output) close() {
	o.state.Store(int32(outputClosed))
}

func (o *output) write(source string, pkt *rtp.Packet) error {
	if o.getState() != outputLive {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if source != o.source {
		return nil
	}
	if o.switched {
		o.switched = false
		if o.started {
			o.seqOff = o.lastSeq + 1 - pkt.SequenceNumber
			o.tsOff = o.lastTS + o.tsStep - pkt.Timestamp
		}
	}
	out := pkt.Clone()
	out.SequenceNumber += o.seqOff
	out.Timestamp += o.tsOff
	o.lastSeq, o.lastTS, o.started = out.SequenceNumber, out.Timestamp, true
	return o.track.WriteRTP(out)
}
