package core

import (
	"slices"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Track is a single local or remote media track.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// MediaStream is an ordered set of tracks published or rendered together.
type MediaStream struct {
	id     string
	tracks []Track
}

func NewMediaStream(tracks ...Track) *MediaStream {
	return &MediaStream{id: uuid.NewString(), tracks: slices.Clone(tracks)}
}

func (m *MediaStream) ID() string { return m.id }

func (m *MediaStream) Tracks() []Track { return slices.Clone(m.tracks) }

func (m *MediaStream) AudioTracks() []Track { return m.byKind(webrtc.RTPCodecTypeAudio) }

func (m *MediaStream) VideoTracks() []Track { return m.byKind(webrtc.RTPCodecTypeVideo) }

func (m *MediaStream) byKind(kind webrtc.RTPCodecType) []Track {
	if m == nil {
		return nil
	}
	var out []Track
	for _, t := range m.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

type AudioConfig struct {
	Stereo         bool
	MaxBitrateKbps int
}

type VideoConfig struct {
	MaxFramerate   int
	MaxBitrateKbps int
	Simulcast      *SimulcastConfig
}

// SimulcastLayer describes one encoding of a simulcast video publication.
type SimulcastLayer struct {
	Width          int `json:"width" mapstructure:"width"`
	Height         int `json:"height" mapstructure:"height"`
	MaxBitrateKbps int `json:"maxBitrateKbps" mapstructure:"max_bitrate_kbps"`
	MaxFramerate   int `json:"maxFramerate" mapstructure:"max_framerate"`
}

type SimulcastConfig struct {
	Enabled bool             `json:"enabled" mapstructure:"enabled"`
	Layers  []SimulcastLayer `json:"layers,omitempty" mapstructure:"layers"`
}

func (c *SimulcastConfig) Equal(o *SimulcastConfig) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Enabled == o.Enabled && slices.Equal(c.Layers, o.Layers)
}

// LocalStageStream is one track offered to the media SDK for publishing.
// Exactly one of Audio and Video is set, matching the track kind.
type LocalStageStream struct {
	Track Track
	Audio *AudioConfig
	Video *VideoConfig
}

// StageStream is a track as observed on a stage participant.
type StageStream struct {
	Track Track
	Muted bool
}

func (s StageStream) Kind() webrtc.RTPCodecType { return s.Track.Kind() }
