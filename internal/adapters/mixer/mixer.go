// Package mixer is a forwarding composition backend. It keeps the scene of
// input devices and image sources, forwards the RTP of the primary inputs
// onto two program tracks and publishes the scene next to them, leaving
// pixel composition to the ingest side.
package mixer

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/core"
)

const (
	programStreamID = "program"
	stopTimeout     = 5 * time.Second

	audioTimestampStep = 960 // 20 ms of 48 kHz Opus
)

var (
	ErrDeleted       = errors.New("compositor deleted")
	ErrAlreadyLive   = errors.New("broadcast already started")
	ErrDeviceExists  = errors.New("input device already added")
	ErrNoTrack       = errors.New("stream has no track of the device kind")
	ErrNoPublisher   = errors.New("no publisher configured")
	ErrNilImage      = errors.New("image source is nil")
	ErrInvalidBounds = errors.New("image source has empty bounds")
)

// Publisher carries the program tracks and scene messages to an ingest endpoint.
type Publisher interface {
	Publish(ctx context.Context, endpoint, streamKey string, tracks ...*rtc.LocalTrack) error
	SendScene(v any) error
	SessionID() string
	Close(ctx context.Context)
}

type PublisherFactory func(onState func(webrtc.PeerConnectionState)) (Publisher, error)

type Config struct {
	Stream       core.StreamConfig
	Events       core.BroadcastEventMap
	NewPublisher PublisherFactory
}

type device struct {
	name   string
	kind   webrtc.RTPCodecType
	pos    core.VideoComposition
	stream *core.MediaStream
}

type imageSource struct {
	name string
	img  image.Image
	pos  core.VideoComposition
}

type sceneMessage struct {
	Type       string           `json:"type"`
	Resolution core.Resolution  `json:"resolution"`
	Items      []core.SceneItem `json:"items"`
}

type imageMessage struct {
	Type string `json:"type"`
	Name string `json:"name"`
	PNG  []byte `json:"png"`
}

// Mixer implements core.Compositor.
type Mixer struct {
	stream       core.StreamConfig
	events       core.BroadcastEventMap
	newPublisher PublisherFactory

	audioTrack *rtc.LocalTrack
	videoTrack *rtc.LocalTrack
	audioOut   *output
	videoOut   *output

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	preview    core.Preview
	audio      map[string]*device
	audioOrder []string
	video      map[string]*device
	videoOrder []string
	images     map[string]*imageSource
	relays     map[string]*relay
	pub        Publisher
	starting   bool
	deleted    bool
}

func New(cfg Config) (*Mixer, error) {
	at, err := rtc.NewLocalTrack(webrtc.RTPCodecTypeAudio, "program-audio", programStreamID)
	if err != nil {
		return nil, err
	}
	vt, err := rtc.NewLocalTrack(webrtc.RTPCodecTypeVideo, "program-video", programStreamID)
	if err != nil {
		return nil, err
	}
	fps := cfg.Stream.MaxFramerate
	if fps <= 0 {
		fps = 30
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Mixer{
		stream:       cfg.Stream,
		events:       cfg.Events,
		newPublisher: cfg.NewPublisher,
		audioTrack:   at,
		videoTrack:   vt,
		audioOut:     newOutput(at, audioTimestampStep),
		videoOut:     newOutput(vt, uint32(90000/fps)),
		ctx:          ctx,
		cancel:       cancel,
		audio:        make(map[string]*device),
		video:        make(map[string]*device),
		images:       make(map[string]*imageSource),
		relays:       make(map[string]*relay),
	}, nil
}

// Factory adapts New to core.CompositorFactory.
func Factory(newPublisher PublisherFactory) core.CompositorFactory {
	return func(cfg core.StreamConfig, events core.BroadcastEventMap) (core.Compositor, error) {
		return New(Config{Stream: cfg, Events: events, NewPublisher: newPublisher})
	}
}

// WHIPPublisher is the PublisherFactory backed by rtc.Publisher.
func WHIPPublisher(cfg rtc.PublisherConfig) PublisherFactory {
	return func(onState func(webrtc.PeerConnectionState)) (Publisher, error) {
		c := cfg
		c.OnStateChange = onState
		return rtc.NewPublisher(c)
	}
}

func (m *Mixer) AttachPreview(p core.Preview) {
	m.mu.Lock()
	m.preview = p
	m.mu.Unlock()
	m.publishScene()
}

func (m *Mixer) DetachPreview() {
	m.mu.Lock()
	m.preview = nil
	m.mu.Unlock()
}

func (m *Mixer) StartBroadcast(ctx context.Context, streamKey, ingestEndpoint string) error {
	m.mu.Lock()
	switch {
	case m.deleted:
		m.mu.Unlock()
		return ErrDeleted
	case m.pub != nil || m.starting:
		m.mu.Unlock()
		return ErrAlreadyLive
	case m.newPublisher == nil:
		m.mu.Unlock()
		return ErrNoPublisher
	}
	m.starting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.starting = false
		m.mu.Unlock()
	}()

	m.emitState(core.BroadcastConnecting)
	pub, err := m.newPublisher(m.onPeerState)
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	if err := pub.Publish(ctx, ingestEndpoint, streamKey, m.audioTrack, m.videoTrack); err != nil {
		pub.Close(context.Background())
		return err
	}
	if err := ctx.Err(); err != nil {
		pub.Close(context.Background())
		return err
	}

	m.mu.Lock()
	if m.deleted {
		m.mu.Unlock()
		pub.Close(context.Background())
		return ErrDeleted
	}
	m.pub = pub
	images := m.sortedImagesLocked()
	m.mu.Unlock()

	for _, img := range images {
		m.sendImage(pub, img)
	}
	m.publishScene()
	if m.events.ActiveStateChange != nil {
		m.events.ActiveStateChange(true)
	}
	log.Info().Str("module", "adapters.mixer").Str("session", pub.SessionID()).Msg("broadcast live")
	return nil
}

func (m *Mixer) StopBroadcast() {
	m.mu.Lock()
	pub := m.pub
	m.pub = nil
	m.mu.Unlock()
	if pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	pub.Close(ctx)
	if m.events.ActiveStateChange != nil {
		m.events.ActiveStateChange(false)
	}
	log.Info().Str("module", "adapters.mixer").Msg("broadcast stopped")
}

func (m *Mixer) SessionID() string {
	m.mu.RLock()
	pub := m.pub
	m.mu.RUnlock()
	if pub == nil {
		return ""
	}
	return pub.SessionID()
}

func (m *Mixer) onPeerState(s webrtc.PeerConnectionState) {
	var state core.BroadcastConnectionState
	switch s {
	case webrtc.PeerConnectionStateNew:
		state = core.BroadcastNew
	case webrtc.PeerConnectionStateConnecting:
		state = core.BroadcastConnecting
	case webrtc.PeerConnectionStateConnected:
		state = core.BroadcastConnected
	case webrtc.PeerConnectionStateDisconnected:
		state = core.BroadcastDisconnected
	case webrtc.PeerConnectionStateFailed:
		state = core.BroadcastFailed
	case webrtc.PeerConnectionStateClosed:
		state = core.BroadcastClosed
	default:
		return
	}
	m.emitState(state)
	if state == core.BroadcastFailed && m.events.Error != nil {
		m.events.Error(&core.BroadcastError{
			Name:    "ConnectionError",
			Message: "ingest connection failed",
			Err:     fmt.Errorf("peer connection %s", s),
		})
	}
}

func (m *Mixer) emitState(s core.BroadcastConnectionState) {
	if m.events.ConnectionStateChange != nil {
		m.events.ConnectionStateChange(s)
	}
}

func (m *Mixer) AddAudioInputDevice(ctx context.Context, stream *core.MediaStream, name string) error {
	return m.addDevice(stream, name, webrtc.RTPCodecTypeAudio, core.VideoComposition{})
}

func (m *Mixer) AddVideoInputDevice(ctx context.Context, stream *core.MediaStream, name string, pos core.VideoComposition) error {
	return m.addDevice(stream, name, webrtc.RTPCodecTypeVideo, pos)
}

func (m *Mixer) addDevice(stream *core.MediaStream, name string, kind webrtc.RTPCodecType, pos core.VideoComposition) error {
	var tracks []core.Track
	if kind == webrtc.RTPCodecTypeAudio {
		tracks = stream.AudioTracks()
	} else {
		tracks = stream.VideoTracks()
	}
	if len(tracks) == 0 {
		return fmt.Errorf("%w: %s %s", ErrNoTrack, kind, name)
	}

	m.mu.Lock()
	if m.deleted {
		m.mu.Unlock()
		return ErrDeleted
	}
	devices, order := m.devicesLocked(kind)
	if _, ok := devices[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrDeviceExists, kind, name)
	}
	devices[name] = &device{name: name, kind: kind, pos: pos, stream: stream}
	*order = append(*order, name)
	for _, t := range tracks {
		if src, ok := t.(rtc.RTPReader); ok {
			m.startRelayLocked(kind, name, src)
			break
		}
	}
	m.reselectLocked()
	m.mu.Unlock()

	log.Debug().Str("module", "adapters.mixer").Str("device", name).Str("kind", kind.String()).Msg("input device added")
	if kind == webrtc.RTPCodecTypeVideo {
		m.publishScene()
	}
	return nil
}

func (m *Mixer) RemoveAudioInputDevice(name string) {
	m.removeDevice(webrtc.RTPCodecTypeAudio, name)
}

func (m *Mixer) RemoveVideoInputDevice(name string) {
	m.removeDevice(webrtc.RTPCodecTypeVideo, name)
}

func (m *Mixer) removeDevice(kind webrtc.RTPCodecType, name string) {
	m.mu.Lock()
	devices, order := m.devicesLocked(kind)
	if _, ok := devices[name]; !ok {
		m.mu.Unlock()
		return
	}
	delete(devices, name)
	*order = slices.DeleteFunc(*order, func(n string) bool { return n == name })
	m.stopRelayLocked(relayKey(kind, name))
	m.reselectLocked()
	m.mu.Unlock()

	log.Debug().Str("module", "adapters.mixer").Str("device", name).Str("kind", kind.String()).Msg("input device removed")
	if kind == webrtc.RTPCodecTypeVideo {
		m.publishScene()
	}
}

func (m *Mixer) HasAudioInputDevice(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.audio[name]
	return ok
}

func (m *Mixer) HasVideoInputDevice(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.video[name]
	return ok
}

func (m *Mixer) devicesLocked(kind webrtc.RTPCodecType) (map[string]*device, *[]string) {
	if kind == webrtc.RTPCodecTypeAudio {
		return m.audio, &m.audioOrder
	}
	return m.video, &m.videoOrder
}

func (m *Mixer) AddImageSource(ctx context.Context, img image.Image, name string, pos core.VideoComposition) error {
	if img == nil {
		return ErrNilImage
	}
	if img.Bounds().Empty() {
		return fmt.Errorf("%w: %s", ErrInvalidBounds, name)
	}
	m.mu.Lock()
	if m.deleted {
		m.mu.Unlock()
		return ErrDeleted
	}
	src := &imageSource{name: name, img: img, pos: pos}
	m.images[name] = src
	pub := m.pub
	m.mu.Unlock()

	if pub != nil {
		m.sendImage(pub, src)
	}
	m.publishScene()
	return nil
}

func (m *Mixer) RemoveImage(name string) {
	m.mu.Lock()
	_, ok := m.images[name]
	delete(m.images, name)
	m.mu.Unlock()
	if ok {
		m.publishScene()
	}
}

// UpdateVideoDeviceComposition moves a video device or an image source.
func (m *Mixer) UpdateVideoDeviceComposition(name string, pos core.VideoComposition) {
	m.mu.Lock()
	found := false
	if d, ok := m.video[name]; ok {
		d.pos = pos
		found = true
		m.reselectLocked()
	}
	if img, ok := m.images[name]; ok {
		img.pos = pos
		found = true
	}
	m.mu.Unlock()
	if found {
		m.publishScene()
	}
}

// Delete stops the broadcast and every relay. The mixer is unusable afterwards.
func (m *Mixer) Delete() {
	m.StopBroadcast()
	m.mu.Lock()
	m.deleted = true
	m.preview = nil
	for key := range m.relays {
		m.stopRelayLocked(key)
	}
	clear(m.audio)
	clear(m.video)
	clear(m.images)
	m.audioOrder, m.videoOrder = nil, nil
	m.mu.Unlock()

	m.cancel()
	m.audioOut.close()
	m.videoOut.close()
	log.Info().Str("module", "adapters.mixer").Msg("compositor deleted")
}

func (m *Mixer) startRelayLocked(kind webrtc.RTPCodecType, name string, src rtc.RTPReader) {
	key := relayKey(kind, name)
	logger := log.With().Str("module", "adapters.mixer").Str("relay", key).Logger()

	m.stopRelayLocked(key)
	ctx, cancel := context.WithCancel(m.ctx)
	r := &relay{device: name, kind: kind, src: src, cancel: cancel}
	m.relays[key] = r
	go r.loop(ctx, m.forward, &logger)
}

func (m *Mixer) stopRelayLocked(key string) {
	if r, ok := m.relays[key]; ok {
		r.cancel()
		delete(m.relays, key)
	}
}

func (m *Mixer) forward(device string, kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	out := m.videoOut
	if kind == webrtc.RTPCodecTypeAudio {
		out = m.audioOut
	}
	if err := out.write(device, pkt); err != nil {
		log.Warn().Str("module", "adapters.mixer").Str("device", device).Err(err).Msg("program write RTP error")
	}
}

// reselectLocked picks the primary inputs: the earliest audio device, and
// the top-most video device with ties going to the earliest one.
func (m *Mixer) reselectLocked() {
	audio := ""
	if len(m.audioOrder) > 0 {
		audio = m.audioOrder[0]
	}
	m.audioOut.selectSource(audio)

	video := ""
	top := 0
	for _, name := range m.videoOrder {
		if idx := m.video[name].pos.Index; video == "" || idx > top {
			video, top = name, idx
		}
	}
	m.videoOut.selectSource(video)
}

// Scene returns the placed sources in drawing order.
func (m *Mixer) Scene() []core.SceneItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sceneLocked()
}

func (m *Mixer) sceneLocked() []core.SceneItem {
	items := make([]core.SceneItem, 0, len(m.video)+len(m.images))
	for _, d := range m.video {
		items = append(items, core.SceneItem{Name: d.name, Kind: "video", Composition: d.pos})
	}
	for _, img := range m.images {
		items = append(items, core.SceneItem{Name: img.name, Kind: "image", Composition: img.pos})
	}
	slices.SortFunc(items, func(a, b core.SceneItem) int {
		if c := cmp.Compare(a.Composition.Index, b.Composition.Index); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return items
}

func (m *Mixer) sortedImagesLocked() []*imageSource {
	out := make([]*imageSource, 0, len(m.images))
	for _, img := range m.images {
		out = append(out, img)
	}
	slices.SortFunc(out, func(a, b *imageSource) int { return cmp.Compare(a.name, b.name) })
	return out
}

func (m *Mixer) publishScene() {
	m.mu.RLock()
	items := m.sceneLocked()
	preview, pub := m.preview, m.pub
	m.mu.RUnlock()

	if preview != nil {
		preview.Present(items)
	}
	if pub == nil {
		return
	}
	msg := sceneMessage{Type: "scene", Resolution: m.stream.MaxResolution, Items: items}
	if err := pub.SendScene(msg); err != nil {
		log.Warn().Str("module", "adapters.mixer").Err(err).Msg("send scene")
	}
}

func (m *Mixer) sendImage(pub Publisher, src *imageSource) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, src.img, imaging.PNG); err != nil {
		log.Error().Str("module", "adapters.mixer").Str("image", src.name).Err(err).Msg("encode image source")
		return
	}
	if err := pub.SendScene(imageMessage{Type: "image", Name: src.name, PNG: buf.Bytes()}); err != nil {
		log.Warn().Str("module", "adapters.mixer").Str("image", src.name).Err(err).Msg("send image source")
	}
}
