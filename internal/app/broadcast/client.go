package broadcast

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/layout"
	"github.com/dkeye/Meet/internal/platform/metrics"
)

const (
	DefaultConnectTimeout = 10 * time.Second

	DependencyPreview   = "preview"
	DependencyBroadcast = "broadcast"

	backgroundName  = "bg"
	backgroundColor = "#18181b"

	CodeConnectionTimeout = 9999
)

var (
	ErrMissingConfig     = errors.New("missing required configuration")
	ErrConnectionTimeout = errors.New("broadcast connection attempt timed out")
)

// DefaultStreamConfig is the composed output: 720p, 30 fps, 2500 kbps.
var DefaultStreamConfig = core.StreamConfig{
	MaxBitrateKbps: 2500,
	MaxFramerate:   30,
	MaxResolution:  core.Resolution{Width: 1280, Height: 720},
}

// Layer is the set of tracks one participant contributes to the composition.
type Layer struct {
	Name     string
	Tracks   []core.Track
	Position *core.VideoComposition
}

// Overlay is an image drawn relative to its layer.
type Overlay struct {
	Name     string
	Source   func(ctx context.Context, res core.Resolution) (image.Image, error)
	Position func(layer core.VideoComposition) core.VideoComposition
}

func overlaySourceName(layer, overlay string) string {
	return layer + "-" + overlay
}

type Config struct {
	Stream         core.StreamConfig
	ConnectTimeout time.Duration
	Solver         *layout.Solver
	NewCompositor  core.CompositorFactory
	Events         core.BroadcastEventMap
	Metrics        *metrics.Metrics
}

// Client drives one composition backend. The backend is created on first use
// and deleted when the last dependency is released; layers and overlays
// outlive it and are replayed onto the next backend.
type Client struct {
	stream         core.StreamConfig
	connectTimeout time.Duration
	solver         *layout.Solver
	newCompositor  core.CompositorFactory
	events         core.BroadcastEventMap
	metrics        *metrics.Metrics

	mu       sync.Mutex
	backend  core.Compositor
	deps     map[string]struct{}
	order    []string
	layers   map[string]*Layer
	overlays map[string][]Overlay
}

func NewClient(cfg Config) *Client {
	if cfg.Stream.MaxResolution.Width == 0 || cfg.Stream.MaxResolution.Height == 0 {
		cfg.Stream = DefaultStreamConfig
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Solver == nil {
		cfg.Solver = layout.NewSolver(layout.DefaultConfig())
	}
	return &Client{
		stream:         cfg.Stream,
		connectTimeout: cfg.ConnectTimeout,
		solver:         cfg.Solver,
		newCompositor:  cfg.NewCompositor,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		deps:           make(map[string]struct{}),
		layers:         make(map[string]*Layer),
		overlays:       make(map[string][]Overlay),
	}
}

func (c *Client) Created() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend != nil
}

func (c *Client) current() core.Compositor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

// compositor returns the backend, creating it and replaying every layer,
// overlay and the background on first use. deps are registered in the same
// critical section that hands out the backend.
func (c *Client) compositor(ctx context.Context, deps ...string) (core.Compositor, error) {
	c.mu.Lock()
	if c.backend != nil {
		b := c.backend
		for _, d := range deps {
			c.deps[d] = struct{}{}
		}
		c.mu.Unlock()
		return b, nil
	}
	b, err := c.newCompositor(c.stream, c.events)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("create compositor: %w", err)
	}
	c.backend = b
	for _, d := range deps {
		c.deps[d] = struct{}{}
	}
	names := slices.Clone(c.order)
	c.mu.Unlock()

	log.Info().Str("module", "app.broadcast").Int("layers", len(names)).Msg("compositor created")
	for _, name := range names {
		c.bindLayer(ctx, b, name)
	}
	if err := b.AddImageSource(ctx, c.background(), backgroundName, core.VideoComposition{
		Index:  -1,
		Width:  float64(c.stream.MaxResolution.Width),
		Height: float64(c.stream.MaxResolution.Height),
	}); err != nil {
		log.Error().Str("module", "app.broadcast").Err(err).Msg("failed to add background layer")
	}
	return b, nil
}

func (c *Client) background() image.Image {
	dc := gg.NewContext(c.stream.MaxResolution.Width, c.stream.MaxResolution.Height)
	dc.SetHexColor(backgroundColor)
	dc.Clear()
	return dc.Image()
}

// DeleteClient stops and deletes the backend. With clearState the layers and
// overlays are dropped too.
func (c *Client) DeleteClient(clearState bool) {
	c.mu.Lock()
	b := c.backend
	c.backend = nil
	clear(c.deps)
	if clearState {
		c.order = nil
		clear(c.layers)
		clear(c.overlays)
	}
	c.mu.Unlock()

	c.metrics.SetLayers(c.layerCount())
	if b != nil {
		teardown(b, clearState)
	}
}

func teardown(b core.Compositor, clearState bool) {
	b.StopBroadcast()
	b.Delete()
	log.Info().Str("module", "app.broadcast").Bool("clear_state", clearState).Msg("compositor deleted")
}

func (c *Client) AddDependency(name string) {
	c.mu.Lock()
	c.deps[name] = struct{}{}
	c.mu.Unlock()
}

// RemoveDependency deletes the backend once no dependency is left. The
// backend is detached under the same lock that saw the set empty.
func (c *Client) RemoveDependency(name string) {
	c.mu.Lock()
	delete(c.deps, name)
	var b core.Compositor
	if len(c.deps) == 0 {
		b = c.backend
		c.backend = nil
	}
	c.mu.Unlock()
	if b != nil {
		teardown(b, false)
	}
}

func (c *Client) Dependencies() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.deps))
	for d := range c.deps {
		out = append(out, d)
	}
	c.mu.Unlock()
	slices.Sort(out)
	return out
}

// PreviewRef attaches p to the backend, or detaches the preview when p is nil.
func (c *Client) PreviewRef(ctx context.Context, p core.Preview) error {
	if p == nil {
		if b := c.current(); b != nil {
			b.DetachPreview()
		}
		c.RemoveDependency(DependencyPreview)
		return nil
	}
	b, err := c.compositor(ctx, DependencyPreview)
	if err != nil {
		return err
	}
	b.AttachPreview(p)
	return nil
}

// StartBroadcast connects the composed output to the ingest endpoint. Every
// failure is returned as a *core.BroadcastError; an attempt that does not
// resolve within the connect timeout is stopped.
func (c *Client) StartBroadcast(ctx context.Context, streamKey, ingestEndpoint string) error {
	err := c.startBroadcast(ctx, streamKey, ingestEndpoint)
	var bErr *core.BroadcastError
	switch {
	case err == nil:
		c.metrics.ObserveBroadcastStart("ok")
		log.Info().Str("module", "app.broadcast").Str("ingest", ingestEndpoint).Msg("broadcast started")
		return nil
	case errors.As(err, &bErr):
	default:
		bErr = &core.BroadcastError{Name: "BroadcastError", Message: err.Error(), Err: err}
	}
	c.metrics.ObserveBroadcastStart(bErr.Name)
	log.Error().Str("module", "app.broadcast").Str("name", bErr.Name).Int("code", bErr.Code).Err(bErr.Err).Msg("broadcast start failed")
	return bErr
}

func (c *Client) startBroadcast(ctx context.Context, streamKey, ingestEndpoint string) error {
	if streamKey == "" || ingestEndpoint == "" {
		return &core.BroadcastError{
			Name:    "MissingConfigError",
			Message: "failed to start broadcast stream: missing required configuration",
			Err:     ErrMissingConfig,
		}
	}
	b, err := c.compositor(ctx)
	if err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- b.StartBroadcast(sctx, streamKey, ingestEndpoint) }()

	timer := time.NewTimer(c.connectTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			return err
		}
	case <-timer.C:
		c.StopBroadcast()
		return &core.BroadcastError{
			Name:    "ConnectionTimeoutError",
			Code:    CodeConnectionTimeout,
			Message: fmt.Sprintf("broadcast connection attempt timed out after %s", c.connectTimeout),
			Err:     ErrConnectionTimeout,
		}
	case <-ctx.Done():
		c.StopBroadcast()
		return &core.BroadcastError{Name: "AbortError", Message: "broadcast start canceled", Err: ctx.Err()}
	}

	c.AddDependency(DependencyBroadcast)
	return nil
}

// StopBroadcast ends the live output. It never creates a backend.
func (c *Client) StopBroadcast() {
	b := c.current()
	if b == nil {
		return
	}
	live := b.SessionID() != ""
	b.StopBroadcast()
	if live {
		c.RemoveDependency(DependencyBroadcast)
	}
}

// Live reports whether the backend holds an ingest session.
func (c *Client) Live() bool {
	b := c.current()
	return b != nil && b.SessionID() != ""
}

// AddLayerTracks appends tracks to layer name, re-tiles all layers and binds
// the new tracks to the backend when it exists. Binding failures are logged.
func (c *Client) AddLayerTracks(ctx context.Context, name string, tracks []core.Track) {
	c.mu.Lock()
	layer, ok := c.layers[name]
	if !ok {
		layer = &Layer{Name: name}
		c.layers[name] = layer
		c.order = append(c.order, name)
	}
	layer.Tracks = append(layer.Tracks, tracks...)
	restyle := c.updateLayerCompositions()
	b := c.backend
	c.mu.Unlock()

	c.metrics.SetLayers(c.layerCount())
	if b == nil {
		return
	}
	restyle(b)
	c.bindLayer(ctx, b, name)
}

// RemoveLayerTracks drops tracks from layer name, unbinding the matching
// input devices, and deletes the layer once it has no track left.
func (c *Client) RemoveLayerTracks(name string, tracks []core.Track) {
	c.mu.Lock()
	layer, ok := c.layers[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	var removed []webrtc.RTPCodecType
	for _, t := range tracks {
		i := slices.IndexFunc(layer.Tracks, func(lt core.Track) bool { return lt.ID() == t.ID() })
		if i == -1 {
			continue
		}
		layer.Tracks = slices.Delete(layer.Tracks, i, i+1)
		removed = append(removed, t.Kind())
	}
	if len(layer.Tracks) == 0 {
		delete(c.layers, name)
		c.order = slices.DeleteFunc(c.order, func(n string) bool { return n == name })
	}
	restyle := c.updateLayerCompositions()
	b := c.backend
	c.mu.Unlock()

	c.metrics.SetLayers(c.layerCount())
	if b == nil {
		return
	}
	for _, kind := range removed {
		switch kind {
		case webrtc.RTPCodecTypeAudio:
			b.RemoveAudioInputDevice(name)
		case webrtc.RTPCodecTypeVideo:
			b.RemoveVideoInputDevice(name)
		}
	}
	restyle(b)
}

// AddLayerOverlay registers o on layer. An overlay with the same name
// replaces the previous one.
func (c *Client) AddLayerOverlay(ctx context.Context, layer string, o Overlay) {
	c.mu.Lock()
	list := c.overlays[layer]
	i := slices.IndexFunc(list, func(x Overlay) bool { return x.Name == o.Name })
	replaced := i != -1
	if replaced {
		list[i] = o
	} else {
		c.overlays[layer] = append(list, o)
	}
	b := c.backend
	c.mu.Unlock()

	if b == nil {
		return
	}
	if replaced {
		b.RemoveImage(overlaySourceName(layer, o.Name))
	}
	c.bindOverlay(ctx, b, layer, o)
}

func (c *Client) RemoveLayerOverlay(layer, overlayName string) {
	c.mu.Lock()
	list := c.overlays[layer]
	i := slices.IndexFunc(list, func(x Overlay) bool { return x.Name == overlayName })
	if i != -1 {
		list = slices.Delete(list, i, i+1)
	}
	if len(list) == 0 {
		delete(c.overlays, layer)
	} else {
		c.overlays[layer] = list
	}
	b := c.backend
	c.mu.Unlock()

	if i != -1 && b != nil {
		b.RemoveImage(overlaySourceName(layer, overlayName))
	}
}

// Layers returns a copy of the layers in tiling order.
func (c *Client) Layers() []Layer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Layer, 0, len(c.order))
	for _, name := range c.order {
		l := c.layers[name]
		cp := Layer{Name: name, Tracks: slices.Clone(l.Tracks)}
		if l.Position != nil {
			pos := *l.Position
			cp.Position = &pos
		}
		out = append(out, cp)
	}
	return out
}

func (c *Client) Overlays(layer string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.overlays[layer]))
	for _, o := range c.overlays[layer] {
		names = append(names, o.Name)
	}
	return names
}

func (c *Client) layerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// updateLayerCompositions re-tiles every layer. Callers hold c.mu and apply
// the returned restyle to the backend after unlocking.
func (c *Client) updateLayerCompositions() func(core.Compositor) {
	res := c.stream.MaxResolution
	fit := c.solver.BestFit(len(c.order), float64(res.Width), float64(res.Height), false)

	type update struct {
		name string
		pos  core.VideoComposition
	}
	var updates []update
	for i, name := range c.order {
		r := layout.Grid(fit, i)
		pos := core.VideoComposition{Index: 0, X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
		c.layers[name].Position = &pos

		updates = append(updates, update{name, pos})
		for _, o := range c.overlays[name] {
			updates = append(updates, update{overlaySourceName(name, o.Name), o.Position(pos)})
		}
	}
	return func(b core.Compositor) {
		for _, u := range updates {
			b.UpdateVideoDeviceComposition(u.name, u.pos)
		}
	}
}

func (c *Client) bindLayer(ctx context.Context, b core.Compositor, name string) {
	c.mu.Lock()
	layer, ok := c.layers[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	tracks := slices.Clone(layer.Tracks)
	var pos *core.VideoComposition
	if layer.Position != nil {
		p := *layer.Position
		pos = &p
	}
	overlays := slices.Clone(c.overlays[name])
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	hasAudio := b.HasAudioInputDevice(name)
	hasVideo := b.HasVideoInputDevice(name)
	for _, t := range tracks {
		stream := core.NewMediaStream(t)
		switch {
		case t.Kind() == webrtc.RTPCodecTypeAudio && !hasAudio:
			hasAudio = true
			g.Go(func() error { return b.AddAudioInputDevice(gctx, stream, name) })
		case t.Kind() == webrtc.RTPCodecTypeVideo && !hasVideo && pos != nil:
			hasVideo = true
			g.Go(func() error { return b.AddVideoInputDevice(gctx, stream, name, *pos) })
		}
	}
	for _, o := range overlays {
		g.Go(func() error {
			c.bindOverlay(gctx, b, name, o)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Str("module", "app.broadcast").Str("layer", name).Err(err).Msg("failed to add layer")
	}
}

func (c *Client) bindOverlay(ctx context.Context, b core.Compositor, layer string, o Overlay) {
	c.mu.Lock()
	l, ok := c.layers[layer]
	var pos core.VideoComposition
	if ok && l.Position != nil {
		pos = *l.Position
	}
	ok = ok && l.Position != nil
	c.mu.Unlock()
	if !ok {
		return
	}

	name := overlaySourceName(layer, o.Name)
	img, err := o.Source(ctx, c.stream.MaxResolution)
	if err == nil {
		err = b.AddImageSource(ctx, img, name, o.Position(pos))
	}
	if err != nil {
		log.Error().Str("module", "app.broadcast").Str("layer", layer).Str("overlay", o.Name).Err(err).Msg("failed to add overlay")
	}
}
