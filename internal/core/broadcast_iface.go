package core

import (
	"context"
	"fmt"
	"image"
)

// VideoComposition places a source on the composed canvas. Higher Index draws on top.
type VideoComposition struct {
	Index  int     `json:"index"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type StreamConfig struct {
	MaxBitrateKbps int
	MaxFramerate   int
	MaxResolution  Resolution
}

type BroadcastConnectionState string

const (
	BroadcastNew          BroadcastConnectionState = "new"
	BroadcastConnecting   BroadcastConnectionState = "connecting"
	BroadcastConnected    BroadcastConnectionState = "connected"
	BroadcastDisconnected BroadcastConnectionState = "disconnected"
	BroadcastFailed       BroadcastConnectionState = "failed"
	BroadcastClosed       BroadcastConnectionState = "closed"
)

// BroadcastEventMap receives composition backend events. Nil callbacks are skipped.
type BroadcastEventMap struct {
	ActiveStateChange     func(active bool)
	ConnectionStateChange func(state BroadcastConnectionState)
	Error                 func(err *BroadcastError)
}

// BroadcastError is the only error type surfaced by broadcast start.
type BroadcastError struct {
	Name    string
	Code    int
	Message string
	Err     error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// SceneItem is one placed source of the composed output.
type SceneItem struct {
	Name        string           `json:"name"`
	Kind        string           `json:"kind"`
	Composition VideoComposition `json:"composition"`
}

// Preview renders the composed scene locally.
type Preview interface {
	Present(scene []SceneItem)
}

// Compositor is the canvas-composition backend driven by the composition client.
type Compositor interface {
	AttachPreview(p Preview)
	DetachPreview()

	StartBroadcast(ctx context.Context, streamKey, ingestEndpoint string) error
	StopBroadcast()
	SessionID() string

	AddAudioInputDevice(ctx context.Context, stream *MediaStream, name string) error
	RemoveAudioInputDevice(name string)
	HasAudioInputDevice(name string) bool
	AddVideoInputDevice(ctx context.Context, stream *MediaStream, name string, pos VideoComposition) error
	RemoveVideoInputDevice(name string)
	HasVideoInputDevice(name string) bool
	AddImageSource(ctx context.Context, img image.Image, name string, pos VideoComposition) error
	RemoveImage(name string)
	UpdateVideoDeviceComposition(name string, pos VideoComposition)

	Delete()
}

// CompositorFactory creates a backend connection wired to the given event map.
type CompositorFactory func(cfg StreamConfig, events BroadcastEventMap) (Compositor, error)
