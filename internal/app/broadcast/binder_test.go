package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

func TestBinderMirrorsStreams(t *testing.T) {
	c := newTestClient(&fakeBackends{})
	b := NewBinder(c, NewPresets(c, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	src := core.NewEmitter()
	unbind := b.Bind(src)

	peer := core.ParticipantInfo{ID: "r1", Attributes: domain.ParticipantAttributes{Group: domain.GroupUser}}
	mic := core.StageStream{Track: audio("a1"), Muted: true}
	cam := core.StageStream{Track: video("v1")}

	src.Emit(core.Event{Type: core.EventParticipantStreamsAdded, Participant: peer, Streams: []core.StageStream{mic, cam}})
	require.Eventually(t, func() bool { return len(c.Overlays("r1")) == 1 }, time.Second, time.Millisecond)
	layers := c.Layers()
	require.Len(t, layers, 1)
	assert.Len(t, layers[0].Tracks, 2)
	assert.Equal(t, []string{OverlayAudioMuted}, c.Overlays("r1"))

	cam.Muted = true
	src.Emit(core.Event{Type: core.EventStreamMuteChanged, Participant: peer, Streams: []core.StageStream{cam}})
	mic.Muted = false
	src.Emit(core.Event{Type: core.EventStreamMuteChanged, Participant: peer, Streams: []core.StageStream{mic}})
	require.Eventually(t, func() bool {
		o := c.Overlays("r1")
		return len(o) == 1 && o[0] == OverlayVideoStoppedBg
	}, time.Second, time.Millisecond)

	src.Emit(core.Event{Type: core.EventParticipantStreamsRemoved, Participant: peer, Streams: []core.StageStream{mic, cam}})
	require.Eventually(t, func() bool { return len(c.Layers()) == 0 && len(c.Overlays("r1")) == 0 }, time.Second, time.Millisecond)

	unbind()
	assert.Zero(t, src.ListenerCount(core.EventParticipantStreamsAdded))
	assert.Zero(t, src.ListenerCount(core.EventStreamMuteChanged))
}
