package core

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
)

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (f fakeTrack) ID() string                { return f.id }
func (f fakeTrack) Kind() webrtc.RTPCodecType { return f.kind }

func TestEmitterOrderAndOff(t *testing.T) {
	e := NewEmitter()
	var calls []string
	first := e.On(EventStageLeft, func(Event) { calls = append(calls, "first") })
	e.On(EventStageLeft, func(Event) { calls = append(calls, "second") })

	e.Emit(Event{Type: EventStageLeft})
	assert.Equal(t, []string{"first", "second"}, calls)

	e.Off(EventStageLeft, first)
	calls = nil
	e.Emit(Event{Type: EventStageLeft})
	assert.Equal(t, []string{"second"}, calls)
	assert.Equal(t, 1, e.ListenerCount(EventStageLeft))
}

func TestEmitterHandlerMayUnsubscribeItself(t *testing.T) {
	e := NewEmitter()
	var id ListenerID
	n := 0
	id = e.On(EventError, func(Event) {
		n++
		e.Off(EventError, id)
	})
	e.Emit(Event{Type: EventError})
	e.Emit(Event{Type: EventError})
	assert.Equal(t, 1, n)
}

func TestEmitterRemoveAllListeners(t *testing.T) {
	e := NewEmitter()
	e.On(EventError, func(Event) { t.Fatal("should not be called") })
	e.RemoveAllListeners()
	e.Emit(Event{Type: EventError})
	assert.Zero(t, e.ListenerCount(EventError))
}

func TestMediaStreamKinds(t *testing.T) {
	a := fakeTrack{"a", webrtc.RTPCodecTypeAudio}
	v := fakeTrack{"v", webrtc.RTPCodecTypeVideo}
	s := NewMediaStream(v, a)
	assert.Equal(t, []Track{a}, s.AudioTracks())
	assert.Equal(t, []Track{v}, s.VideoTracks())
	assert.NotEmpty(t, s.ID())

	var nilStream *MediaStream
	assert.Empty(t, nilStream.AudioTracks())
}

func TestSimulcastEqual(t *testing.T) {
	a := &SimulcastConfig{Enabled: true, Layers: []SimulcastLayer{{Width: 320, Height: 180}}}
	b := &SimulcastConfig{Enabled: true, Layers: []SimulcastLayer{{Width: 320, Height: 180}}}
	assert.True(t, a.Equal(b))
	b.Layers[0].Width = 640
	assert.False(t, a.Equal(b))
	assert.False(t, a.Equal(nil))
	var none *SimulcastConfig
	assert.True(t, none.Equal(nil))
}
