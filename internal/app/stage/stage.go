package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/platform/metrics"
)

// Stage is one connection of one identity within one participant group.
// Strategy mutators are promoted from the embedded *Strategy.
type Stage struct {
	*Strategy

	conn core.StageConnection
	cfg  domain.StageClientConfig
	host core.Lifecycle

	mu           sync.RWMutex
	connected    bool
	published    bool
	republishing bool
	connectErr   *core.StageError
	publishErr   *core.StageError
	unbindHost   []func()
}

type Options struct {
	RepublishDelay time.Duration
	Metrics        *metrics.Metrics
}

func New(cfg domain.StageClientConfig, dial core.StageDialer, host core.Lifecycle, opts Options) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	strategy := NewStrategy(cfg.Group, opts.RepublishDelay, opts.Metrics)
	conn, err := dial(cfg, strategy)
	if err != nil {
		return nil, fmt.Errorf("dial stage %s: %w", cfg.ParticipantID, err)
	}
	strategy.Bind(conn)

	s := &Stage{Strategy: strategy, conn: conn, cfg: cfg, host: host}
	s.bindEvents(opts.Metrics)
	return s, nil
}

func (s *Stage) bindEvents(m *metrics.Metrics) {
	s.conn.On(core.EventStageLeft, func(ev core.Event) {
		log.Warn().Str("module", "app.stage").Str("group", string(s.cfg.Group)).Str("reason", ev.Reason).Msg("stage left")
		s.mu.Lock()
		s.connected = false
		s.published = false
		s.mu.Unlock()
		s.unbindLifecycle()
	})

	s.conn.On(core.EventError, func(ev core.Event) {
		if ev.Err == nil {
			return
		}
		log.Error().Str("module", "app.stage").Str("group", string(s.cfg.Group)).Err(ev.Err).Msg("stage error")
		m.IncStageErrors(ev.Err.Category.String())

		s.mu.Lock()
		switch ev.Err.Category {
		case core.JoinError:
			s.connectErr = ev.Err
		case core.PublishError:
			s.publishErr = ev.Err
		}
		resetIntent := !s.published && ev.Err.Category == core.PublishError
		s.mu.Unlock()

		if resetIntent {
			s.Unpublish()
		}
	})

	s.conn.On(core.EventConnectionStateChanged, func(ev core.Event) {
		s.mu.Lock()
		s.connected = ev.ConnectionState == core.ConnectionConnected
		if ev.ConnectionState == core.ConnectionConnected || ev.ConnectionState == core.ConnectionDisconnected {
			s.connectErr = nil
		}
		s.mu.Unlock()
	})

	s.conn.On(core.EventParticipantPublishStateChanged, func(ev core.Event) {
		if !ev.Participant.IsLocal {
			return
		}
		s.mu.Lock()
		s.published = s.published || ev.PublishState == core.Published
		if ev.PublishState != core.AttemptPublish {
			s.publishErr = nil
		}
		s.mu.Unlock()
	})

	s.conn.On(core.EventParticipantShouldUnpublish, func(core.Event) {
		log.Info().Str("module", "app.stage").Str("participant", s.cfg.ParticipantID).Msg("asked to free publish slot")
		s.Unpublish()
	})

	s.conn.On(core.EventParticipantRepublishStateChanged, func(ev core.Event) {
		s.mu.Lock()
		s.republishing = ev.Republishing
		s.mu.Unlock()
	})
}

func (s *Stage) ParticipantID() string { return s.cfg.ParticipantID }

func (s *Stage) Config() domain.StageClientConfig { return s.cfg }

// Join connects the stage and, when stream is not nil, starts publishing it.
// Host unload makes the stage leave, host online refreshes its strategy.
// A failed join leaves no host binding behind.
func (s *Stage) Join(ctx context.Context, stream *core.MediaStream) error {
	s.bindLifecycle()
	if err := s.conn.Join(ctx); err != nil {
		s.unbindLifecycle()
		return fmt.Errorf("join stage %s: %w", s.cfg.Group, err)
	}
	log.Info().Str("module", "app.stage").Str("group", string(s.cfg.Group)).Str("participant", s.cfg.ParticipantID).Msg("joined stage")
	if stream != nil {
		s.Publish(stream)
	}
	return nil
}

func (s *Stage) Leave() { s.conn.Leave() }

func (s *Stage) RefreshStrategy() { s.conn.RefreshStrategy() }

func (s *Stage) On(t core.EventType, fn core.Handler) core.ListenerID { return s.conn.On(t, fn) }

func (s *Stage) Off(t core.EventType, id core.ListenerID) { s.conn.Off(t, id) }

func (s *Stage) Emit(ev core.Event) { s.conn.Emit(ev) }

func (s *Stage) SetAudioOnly(enabled bool) {
	if enabled {
		s.SetSubscribeType(core.SubscribeAudioOnly)
		return
	}
	s.SetSubscribeType(core.SubscribeAudioVideo)
}

func (s *Stage) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Published reports whether the local participant has published at least
// once since it last joined.
func (s *Stage) Published() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.published
}

func (s *Stage) Republishing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.republishing
}

// ConnectError is the last join error, cleared on the next connected or
// disconnected transition.
func (s *Stage) ConnectError() *core.StageError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectErr
}

// PublishError is the last publish error, cleared once the publish state settles.
func (s *Stage) PublishError() *core.StageError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publishErr
}

func (s *Stage) bindLifecycle() {
	if s.host == nil {
		return
	}
	s.unbindLifecycle()
	offUnload := s.host.OnUnload(func() { go s.Leave() })
	offOnline := s.host.OnOnline(s.RefreshStrategy)

	s.mu.Lock()
	s.unbindHost = []func(){offUnload, offOnline}
	s.mu.Unlock()
}

func (s *Stage) unbindLifecycle() {
	s.mu.Lock()
	unbind := s.unbindHost
	s.unbindHost = nil
	s.mu.Unlock()
	for _, fn := range unbind {
		fn()
	}
}

func (s *Stage) destroy() {
	s.conn.Leave()
	s.conn.RemoveAllListeners()
	s.unbindLifecycle()
}
