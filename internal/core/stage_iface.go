package core

import (
	"context"
	"fmt"

	"github.com/dkeye/Meet/internal/domain"
)

type SubscribeType int

const (
	SubscribeNone SubscribeType = iota
	SubscribeAudioOnly
	SubscribeAudioVideo
)

func (t SubscribeType) String() string {
	switch t {
	case SubscribeNone:
		return "none"
	case SubscribeAudioOnly:
		return "audio_only"
	case SubscribeAudioVideo:
		return "audio_video"
	}
	return fmt.Sprintf("subscribe(%d)", int(t))
}

type ConnectionState int

const (
	ConnectionDisconnected ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionErrored
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionErrored:
		return "errored"
	}
	return fmt.Sprintf("connection(%d)", int(s))
}

type PublishState int

const (
	NotPublished PublishState = iota
	AttemptPublish
	Published
)

func (s PublishState) String() string {
	switch s {
	case NotPublished:
		return "not_published"
	case AttemptPublish:
		return "attempt_publish"
	case Published:
		return "published"
	}
	return fmt.Sprintf("publish(%d)", int(s))
}

type ErrorCategory int

const (
	JoinError ErrorCategory = iota
	PublishError
	SubscribeError
)

func (c ErrorCategory) String() string {
	switch c {
	case JoinError:
		return "join"
	case PublishError:
		return "publish"
	case SubscribeError:
		return "subscribe"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// StageError is raised by the media SDK through the error event.
type StageError struct {
	Category ErrorCategory
	Code     int
	Message  string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s error %d: %s", e.Category, e.Code, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

// ParticipantInfo describes a stage participant (local or remote).
type ParticipantInfo struct {
	ID           string
	IsLocal      bool
	IsPublishing bool
	Attributes   domain.ParticipantAttributes
}

// Strategy is pulled by the media SDK on every renegotiation.
type Strategy interface {
	StageStreamsToPublish() []LocalStageStream
	ShouldPublishParticipant(p ParticipantInfo) bool
	ShouldSubscribeToParticipant(p ParticipantInfo) SubscribeType
}

// StageConnection is the low-level media-session object of the SDK.
// RefreshStrategy only schedules a renegotiation; the SDK observes the
// latest strategy state on its next pull.
type StageConnection interface {
	EventSource
	Join(ctx context.Context) error
	Leave()
	RefreshStrategy()
	ReplaceStrategy(s Strategy)
}

// StageDialer builds an SDK session from a participant token.
type StageDialer func(cfg domain.StageClientConfig, s Strategy) (StageConnection, error)

// TokenProvider returns a fresh signed token whenever a connection needs to (re)authenticate.
type TokenProvider func(ctx context.Context) (string, error)

// Lifecycle is the hosting environment: unload happens once when the host
// goes away, online each time the network recovers.
type Lifecycle interface {
	OnUnload(fn func()) (cancel func())
	OnOnline(fn func()) (cancel func())
}
