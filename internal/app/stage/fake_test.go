package stage

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func cameraStream() *core.MediaStream {
	return core.NewMediaStream(
		fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio},
		fakeTrack{id: "cam", kind: webrtc.RTPCodecTypeVideo},
	)
}

// fakeConn mimics the media SDK. With auto set, every refresh pulls the
// strategy and emits the resulting local publish state transition.
type fakeConn struct {
	*core.Emitter

	mu         sync.Mutex
	strategy   core.Strategy
	local      core.ParticipantInfo
	auto       bool
	state      core.PublishState
	joinErr    error
	joins      int
	leaves     int
	refreshes  int
	subscribed []core.SubscribeType
}

func newFakeConn(cfg domain.StageClientConfig, auto bool) *fakeConn {
	return &fakeConn{
		Emitter: core.NewEmitter(),
		auto:    auto,
		local: core.ParticipantInfo{
			ID:         cfg.ParticipantID,
			IsLocal:    true,
			Attributes: domain.ParticipantAttributes{Group: cfg.Group},
		},
	}
}

func (c *fakeConn) Join(ctx context.Context) error {
	c.mu.Lock()
	c.joins++
	err := c.joinErr
	c.mu.Unlock()
	if err != nil {
		c.Emit(core.Event{Type: core.EventError, Err: &core.StageError{Category: core.JoinError, Code: 1, Message: err.Error(), Err: err}})
		return err
	}
	c.Emit(core.Event{Type: core.EventConnectionStateChanged, ConnectionState: core.ConnectionConnected})
	return nil
}

func (c *fakeConn) Leave() {
	c.mu.Lock()
	c.leaves++
	c.mu.Unlock()
	c.Emit(core.Event{Type: core.EventConnectionStateChanged, ConnectionState: core.ConnectionDisconnected})
	c.Emit(core.Event{Type: core.EventStageLeft, Reason: "user-initiated"})
}

func (c *fakeConn) ReplaceStrategy(s core.Strategy) {
	c.mu.Lock()
	c.strategy = s
	c.mu.Unlock()
}

func (c *fakeConn) RefreshStrategy() {
	c.mu.Lock()
	c.refreshes++
	st, auto, prev, local := c.strategy, c.auto, c.state, c.local
	c.mu.Unlock()
	if st == nil {
		return
	}

	sub := st.ShouldSubscribeToParticipant(core.ParticipantInfo{ID: "peer", Attributes: local.Attributes})
	c.mu.Lock()
	c.subscribed = append(c.subscribed, sub)
	c.mu.Unlock()

	if !auto {
		return
	}
	want := core.NotPublished
	if st.ShouldPublishParticipant(local) && len(st.StageStreamsToPublish()) > 0 {
		want = core.Published
	}
	if want == prev {
		return
	}
	c.mu.Lock()
	c.state = want
	c.mu.Unlock()
	c.emitPublishState(want)
}

func (c *fakeConn) emitPublishState(state core.PublishState) {
	p := c.local
	p.IsPublishing = state == core.Published
	c.Emit(core.Event{Type: core.EventParticipantPublishStateChanged, Participant: p, PublishState: state})
}

func (c *fakeConn) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

func (c *fakeConn) Leaves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaves
}

func (c *fakeConn) Subscribed() []core.SubscribeType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.SubscribeType(nil), c.subscribed...)
}

type fakeDialer struct {
	auto  bool
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeDialer(auto bool) *fakeDialer {
	return &fakeDialer{auto: auto, conns: make(map[string]*fakeConn)}
}

func (d *fakeDialer) Dial(cfg domain.StageClientConfig, s core.Strategy) (core.StageConnection, error) {
	c := newFakeConn(cfg, d.auto)
	c.ReplaceStrategy(s)
	d.mu.Lock()
	d.conns[cfg.ParticipantID] = c
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) Conn(id string) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[id]
}

func userConfig(id string) domain.StageClientConfig {
	return domain.StageClientConfig{Token: "token-" + id, ParticipantID: id, Group: domain.GroupUser}
}

func displayConfig(id string) domain.StageClientConfig {
	return domain.StageClientConfig{Token: "token-" + id, ParticipantID: id, Group: domain.GroupDisplay}
}
