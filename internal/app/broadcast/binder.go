package broadcast

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

const binderQueueSize = 256

// Binder mirrors the remote streams of bound stages into composition layers.
// Events are applied in order on a single goroutine so slow bindings never
// block the media SDK.
type Binder struct {
	client  *Client
	presets *Presets

	jobs chan func(context.Context)
	done chan struct{}
	once sync.Once
}

func NewBinder(c *Client, p *Presets) *Binder {
	return &Binder{
		client:  c,
		presets: p,
		jobs:    make(chan func(context.Context), binderQueueSize),
		done:    make(chan struct{}),
	}
}

// Run applies queued events until ctx is done.
func (b *Binder) Run(ctx context.Context) {
	defer b.once.Do(func() { close(b.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-b.jobs:
			job(ctx)
		}
	}
}

func (b *Binder) enqueue(job func(context.Context)) {
	select {
	case b.jobs <- job:
	case <-b.done:
	}
}

// Bind subscribes to the stream events of src and returns the unbind func.
func (b *Binder) Bind(src core.Listenable) func() {
	added := src.On(core.EventParticipantStreamsAdded, func(ev core.Event) {
		b.enqueue(func(ctx context.Context) { b.onStreamsAdded(ctx, ev) })
	})
	removed := src.On(core.EventParticipantStreamsRemoved, func(ev core.Event) {
		b.enqueue(func(context.Context) { b.onStreamsRemoved(ev) })
	})
	muted := src.On(core.EventStreamMuteChanged, func(ev core.Event) {
		b.enqueue(func(ctx context.Context) { b.onMuteChanged(ctx, ev) })
	})
	return func() {
		src.Off(core.EventParticipantStreamsAdded, added)
		src.Off(core.EventParticipantStreamsRemoved, removed)
		src.Off(core.EventStreamMuteChanged, muted)
	}
}

func tracksOf(streams []core.StageStream) []core.Track {
	tracks := make([]core.Track, 0, len(streams))
	for _, s := range streams {
		tracks = append(tracks, s.Track)
	}
	return tracks
}

func (b *Binder) onStreamsAdded(ctx context.Context, ev core.Event) {
	p := ev.Participant
	log.Debug().Str("module", "app.broadcast").Str("layer", p.ID).Int("streams", len(ev.Streams)).Msg("streams added")
	b.client.AddLayerTracks(ctx, p.ID, tracksOf(ev.Streams))

	for _, s := range ev.Streams {
		if !s.Muted {
			continue
		}
		switch s.Kind() {
		case webrtc.RTPCodecTypeAudio:
			b.presets.AddAudioMuted(ctx, p.ID)
		case webrtc.RTPCodecTypeVideo:
			b.presets.AddVideoStopped(ctx, p.ID, p.Attributes)
		}
	}
}

func (b *Binder) onStreamsRemoved(ev core.Event) {
	p := ev.Participant
	log.Debug().Str("module", "app.broadcast").Str("layer", p.ID).Int("streams", len(ev.Streams)).Msg("streams removed")
	b.client.RemoveLayerTracks(p.ID, tracksOf(ev.Streams))

	for _, s := range ev.Streams {
		switch s.Kind() {
		case webrtc.RTPCodecTypeAudio:
			b.presets.RemoveAudioMuted(p.ID)
		case webrtc.RTPCodecTypeVideo:
			b.presets.RemoveVideoStopped(p.ID)
		}
	}
}

func (b *Binder) onMuteChanged(ctx context.Context, ev core.Event) {
	p := ev.Participant
	for _, s := range ev.Streams {
		switch s.Kind() {
		case webrtc.RTPCodecTypeAudio:
			if s.Muted {
				b.presets.AddAudioMuted(ctx, p.ID)
			} else {
				b.presets.RemoveAudioMuted(p.ID)
			}
		case webrtc.RTPCodecTypeVideo:
			if s.Muted {
				b.presets.AddVideoStopped(ctx, p.ID, p.Attributes)
			} else {
				b.presets.RemoveVideoStopped(p.ID)
			}
		}
	}
}
