package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/platform/metrics"
)

const (
	maxAudioBitrateKbps = 128
	maxVideoBitrateKbps = 2500
	maxVideoFramerate   = 30

	DefaultRepublishDelay = 400 * time.Millisecond
)

var (
	ErrRepublishFailed = errors.New("failed to re-publish")
	ErrNotBound        = errors.New("strategy is not bound to a stage")
)

type republishPhase int

const (
	phaseIdle republishPhase = iota
	phaseUnpublishing
	phaseRepublishing
	phaseSettled
)

// Strategy is the publish/subscribe decision object pulled by the media SDK.
// It only subscribes to participants of its own group, so several stages of
// one identity can share a backend room without cross-subscribing.
type Strategy struct {
	group          domain.ParticipantGroup
	republishDelay time.Duration
	metrics        *metrics.Metrics

	mu            sync.RWMutex
	conn          core.StageConnection
	shouldPublish bool
	stream        *core.MediaStream
	simulcast     *core.SimulcastConfig
	subscribeType core.SubscribeType
}

func NewStrategy(group domain.ParticipantGroup, republishDelay time.Duration, m *metrics.Metrics) *Strategy {
	if republishDelay <= 0 {
		republishDelay = DefaultRepublishDelay
	}
	return &Strategy{
		group:          group,
		republishDelay: republishDelay,
		metrics:        m,
		subscribeType:  core.SubscribeAudioVideo,
	}
}

// Bind makes conn the owner of the strategy: conn starts pulling from it and
// every mutator refreshes conn.
func (s *Strategy) Bind(conn core.StageConnection) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	conn.ReplaceStrategy(s)
}

func (s *Strategy) Group() domain.ParticipantGroup { return s.group }

func (s *Strategy) StageStreamsToPublish() []core.LocalStageStream {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var streams []core.LocalStageStream
	if audio := s.stream.AudioTracks(); len(audio) > 0 {
		streams = append(streams, core.LocalStageStream{
			Track: audio[0],
			Audio: &core.AudioConfig{Stereo: true, MaxBitrateKbps: maxAudioBitrateKbps},
		})
	}
	if video := s.stream.VideoTracks(); len(video) > 0 {
		streams = append(streams, core.LocalStageStream{
			Track: video[0],
			Video: &core.VideoConfig{
				MaxFramerate:   maxVideoFramerate,
				MaxBitrateKbps: maxVideoBitrateKbps,
				Simulcast:      s.simulcast,
			},
		})
	}
	return streams
}

func (s *Strategy) ShouldPublishParticipant(core.ParticipantInfo) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldPublish
}

func (s *Strategy) ShouldSubscribeToParticipant(p core.ParticipantInfo) core.SubscribeType {
	if p.Attributes.Group != s.group {
		return core.SubscribeNone
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribeType
}

func (s *Strategy) ShouldPublish() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shouldPublish
}

func (s *Strategy) SubscribeType() core.SubscribeType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribeType
}

func (s *Strategy) Simulcast() *core.SimulcastConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.simulcast
}

func (s *Strategy) MediaStream() *core.MediaStream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stream
}

func (s *Strategy) refresh() {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn != nil {
		conn.RefreshStrategy()
	}
}

// Publish starts publishing. A non-nil stream replaces the published one, so
// Publish also hot-swaps an already published stream.
func (s *Strategy) Publish(stream *core.MediaStream) {
	s.mu.Lock()
	if stream != nil {
		s.stream = stream
	}
	s.shouldPublish = true
	s.mu.Unlock()
	s.refresh()
}

// Unpublish keeps the current stream so a later Publish(nil) resumes it.
func (s *Strategy) Unpublish() {
	s.mu.Lock()
	s.shouldPublish = false
	s.mu.Unlock()
	s.refresh()
}

func (s *Strategy) UpdateStreamsToPublish(stream *core.MediaStream) {
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	s.refresh()
}

func (s *Strategy) SetSubscribeType(t core.SubscribeType) {
	s.mu.Lock()
	if t == s.subscribeType {
		s.mu.Unlock()
		return
	}
	s.subscribeType = t
	s.mu.Unlock()
	s.refresh()
}

// Resubscribe forces a fresh subscription renegotiation.
func (s *Strategy) Resubscribe() {
	current := s.SubscribeType()
	if current == core.SubscribeNone {
		return
	}
	s.SetSubscribeType(core.SubscribeNone)
	s.SetSubscribeType(current)
}

// Republish unpublishes the local participant and publishes it again once the
// SDK confirms NOT_PUBLISHED. It returns after PUBLISHED is observed for the
// second publication, on a publish error, or when ctx is done.
func (s *Strategy) Republish(ctx context.Context) error {
	s.mu.RLock()
	conn, should := s.conn, s.shouldPublish
	s.mu.RUnlock()
	if !should {
		return nil
	}
	if conn == nil {
		return ErrNotBound
	}

	var (
		mu    sync.Mutex
		phase = phaseUnpublishing
		timer *time.Timer
		done  = make(chan error, 1)
	)
	settle := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if phase == phaseSettled {
			return
		}
		phase = phaseSettled
		done <- err
	}

	onPublishState := func(ev core.Event) {
		if !ev.Participant.IsLocal {
			return
		}
		switch ev.PublishState {
		case core.NotPublished:
			mu.Lock()
			defer mu.Unlock()
			if phase != phaseUnpublishing || timer != nil {
				return
			}
			timer = time.AfterFunc(s.republishDelay, func() {
				mu.Lock()
				if phase != phaseUnpublishing {
					mu.Unlock()
					return
				}
				phase = phaseRepublishing
				mu.Unlock()
				s.Publish(nil)
			})
		case core.Published:
			mu.Lock()
			republished := phase == phaseRepublishing
			mu.Unlock()
			if republished {
				settle(nil)
			}
		}
	}
	onError := func(ev core.Event) {
		if ev.Err != nil && ev.Err.Category == core.PublishError {
			settle(fmt.Errorf("%w: %w", ErrRepublishFailed, ev.Err))
		}
	}

	errID := conn.On(core.EventError, onError)
	pubID := conn.On(core.EventParticipantPublishStateChanged, onPublishState)
	conn.Emit(core.Event{Type: core.EventParticipantRepublishStateChanged, Republishing: true})
	log.Debug().Str("module", "app.stage").Str("group", string(s.group)).Msg("republish started")

	s.Unpublish()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		settle(ctx.Err())
		err = <-done
	}

	mu.Lock()
	if timer != nil {
		timer.Stop()
	}
	mu.Unlock()
	conn.Off(core.EventError, errID)
	conn.Off(core.EventParticipantPublishStateChanged, pubID)
	conn.Emit(core.Event{Type: core.EventParticipantRepublishStateChanged, Republishing: false})

	switch {
	case err == nil:
		s.metrics.ObserveRepublish("ok")
		log.Info().Str("module", "app.stage").Str("group", string(s.group)).Msg("republished")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.metrics.ObserveRepublish("canceled")
		log.Warn().Str("module", "app.stage").Str("group", string(s.group)).Err(err).Msg("republish abandoned")
	default:
		s.metrics.ObserveRepublish("failed")
		log.Error().Str("module", "app.stage").Str("group", string(s.group)).Err(err).Msg("republish failed")
	}
	return err
}

// SetSimulcast stores cfg and republishes to apply it when publishing. A
// failed republish restores the previous configuration.
func (s *Strategy) SetSimulcast(ctx context.Context, cfg *core.SimulcastConfig) error {
	s.mu.Lock()
	if s.simulcast.Equal(cfg) {
		s.mu.Unlock()
		return nil
	}
	previous := s.simulcast
	s.simulcast = cfg
	should := s.shouldPublish
	s.mu.Unlock()

	if !should {
		s.refresh()
		return nil
	}
	if err := s.Republish(ctx); err != nil {
		s.mu.Lock()
		s.simulcast = previous
		s.mu.Unlock()
		s.refresh()
		return fmt.Errorf("apply simulcast: %w", err)
	}
	return nil
}
