package broadcast

import (
	"context"
	"image"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Meet/internal/core"
)

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func audio(id string) core.Track { return fakeTrack{id: id, kind: webrtc.RTPCodecTypeAudio} }
func video(id string) core.Track { return fakeTrack{id: id, kind: webrtc.RTPCodecTypeVideo} }

type fakeCompositor struct {
	mu       sync.Mutex
	audio    map[string]bool
	video    map[string]core.VideoComposition
	images   map[string]core.VideoComposition
	updates  map[string]core.VideoComposition
	removed  []string
	preview  core.Preview
	session  string
	startErr error
	hang     bool
	starts   int
	stops    int
	deletes  int
	events   core.BroadcastEventMap
}

func newFakeCompositor() *fakeCompositor {
	return &fakeCompositor{
		audio:   make(map[string]bool),
		video:   make(map[string]core.VideoComposition),
		images:  make(map[string]core.VideoComposition),
		updates: make(map[string]core.VideoComposition),
	}
}

func (f *fakeCompositor) AttachPreview(p core.Preview) { f.mu.Lock(); f.preview = p; f.mu.Unlock() }
func (f *fakeCompositor) DetachPreview()               { f.mu.Lock(); f.preview = nil; f.mu.Unlock() }

func (f *fakeCompositor) StartBroadcast(ctx context.Context, streamKey, ingest string) error {
	f.mu.Lock()
	f.starts++
	hang, err := f.hang, f.startErr
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.session = "session-" + streamKey
	f.mu.Unlock()
	if f.events.ActiveStateChange != nil {
		f.events.ActiveStateChange(true)
	}
	return nil
}

func (f *fakeCompositor) StopBroadcast() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.session = ""
}

func (f *fakeCompositor) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeCompositor) AddAudioInputDevice(_ context.Context, _ *core.MediaStream, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio[name] = true
	return nil
}

func (f *fakeCompositor) RemoveAudioInputDevice(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.audio, name)
}

func (f *fakeCompositor) HasAudioInputDevice(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audio[name]
}

func (f *fakeCompositor) AddVideoInputDevice(_ context.Context, _ *core.MediaStream, name string, pos core.VideoComposition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video[name] = pos
	return nil
}

func (f *fakeCompositor) RemoveVideoInputDevice(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.video, name)
}

func (f *fakeCompositor) HasVideoInputDevice(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.video[name]
	return ok
}

func (f *fakeCompositor) AddImageSource(_ context.Context, _ image.Image, name string, pos core.VideoComposition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[name] = pos
	return nil
}

func (f *fakeCompositor) RemoveImage(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, name)
	f.removed = append(f.removed, name)
}

func (f *fakeCompositor) UpdateVideoDeviceComposition(name string, pos core.VideoComposition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[name] = pos
}

func (f *fakeCompositor) Delete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
}

func (f *fakeCompositor) image(name string) (core.VideoComposition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.images[name]
	return pos, ok
}

// fakeBackends hands out a new fakeCompositor per creation.
type fakeBackends struct {
	mu      sync.Mutex
	created []*fakeCompositor
	setup   func(*fakeCompositor)
}

func (b *fakeBackends) New(_ core.StreamConfig, events core.BroadcastEventMap) (core.Compositor, error) {
	f := newFakeCompositor()
	f.events = events
	if b.setup != nil {
		b.setup(f)
	}
	b.mu.Lock()
	b.created = append(b.created, f)
	b.mu.Unlock()
	return f, nil
}

func (b *fakeBackends) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.created)
}

func (b *fakeBackends) Last() *fakeCompositor {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.created) == 0 {
		return nil
	}
	return b.created[len(b.created)-1]
}

type fakePreview struct{}

func (fakePreview) Present([]core.SceneItem) {}

func staticOverlay(name string) Overlay {
	return Overlay{
		Name: name,
		Source: func(context.Context, core.Resolution) (image.Image, error) {
			return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
		},
		Position: func(l core.VideoComposition) core.VideoComposition {
			l.Index += 2
			return l
		},
	}
}
