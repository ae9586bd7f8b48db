package stage

import (
	"cmp"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/platform/metrics"
)

const DefaultPublishCapacity = 12

var ErrStageNotFound = errors.New("stage not found")

// StageOption customises a stage at construction time only.
type StageOption func(*Stage)

func WithAudioOnly() StageOption {
	return func(s *Stage) {
		s.Strategy.mu.Lock()
		s.Strategy.subscribeType = core.SubscribeAudioOnly
		s.Strategy.mu.Unlock()
	}
}

func WithSimulcast(cfg *core.SimulcastConfig) StageOption {
	return func(s *Stage) {
		s.Strategy.mu.Lock()
		s.Strategy.simulcast = cfg
		s.Strategy.mu.Unlock()
	}
}

type FactoryConfig struct {
	Dial            core.StageDialer
	Host            core.Lifecycle
	PublishCapacity int
	Stage           Options
}

// Factory owns the stages of this agent, keyed by local participant id.
type Factory struct {
	dial    core.StageDialer
	host    core.Lifecycle
	opts    Options
	metrics *metrics.Metrics

	publishers *PublisherRegistry

	mu     sync.RWMutex
	stages map[string]*Stage
}

func NewFactory(cfg FactoryConfig) *Factory {
	capacity := cfg.PublishCapacity
	if capacity <= 0 {
		capacity = DefaultPublishCapacity
	}
	m := cfg.Stage.Metrics
	return &Factory{
		dial:       cfg.Dial,
		host:       cfg.Host,
		opts:       cfg.Stage,
		metrics:    m,
		publishers: NewPublisherRegistry(capacity, m.SetPublishers),
		stages:     make(map[string]*Stage),
	}
}

// Create returns the stage of cfg.ParticipantID, constructing it on first use.
// Options only apply to a newly constructed stage.
func (f *Factory) Create(cfg domain.StageClientConfig, opts ...StageOption) (*Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.stages[cfg.ParticipantID]; ok {
		return s, nil
	}

	s, err := New(cfg, f.dial, f.host, f.opts)
	if err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(s)
	}

	s.On(core.EventParticipantJoined, func(ev core.Event) { f.publishers.Update(ev.Participant) })
	s.On(core.EventParticipantLeft, func(ev core.Event) { f.publishers.Remove(ev.Participant.ID) })
	s.On(core.EventParticipantPublishStateChanged, func(ev core.Event) { f.publishers.Update(ev.Participant) })

	f.stages[cfg.ParticipantID] = s
	f.metrics.SetStages(len(f.stages))
	log.Info().Str("module", "app.stage").Str("participant", cfg.ParticipantID).Str("group", string(cfg.Group)).Msg("stage created")
	return s, nil
}

func (f *Factory) Get(participantID string) (*Stage, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.stages[participantID]
	return s, ok
}

// ByGroup returns the first stage of the given group.
func (f *Factory) ByGroup(group domain.ParticipantGroup) (*Stage, bool) {
	for _, s := range f.Stages() {
		if s.cfg.Group == group {
			return s, true
		}
	}
	return nil, false
}

// Stages returns the stages sorted by participant id.
func (f *Factory) Stages() []*Stage {
	f.mu.RLock()
	out := make([]*Stage, 0, len(f.stages))
	for _, s := range f.stages {
		out = append(out, s)
	}
	f.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Stage) int {
		return cmp.Compare(a.cfg.ParticipantID, b.cfg.ParticipantID)
	})
	return out
}

func (f *Factory) HasPublishCapacity() bool { return f.publishers.HasCapacity() }

func (f *Factory) Publishers() []string { return f.publishers.List() }

func (f *Factory) PublisherRegistry() *PublisherRegistry { return f.publishers }

// DestroyStages leaves and unwires every stage. The publisher set is cleared
// once no stage is left.
func (f *Factory) DestroyStages() {
	for _, s := range f.Stages() {
		s.destroy()

		f.mu.Lock()
		delete(f.stages, s.cfg.ParticipantID)
		remaining := len(f.stages)
		f.mu.Unlock()

		f.metrics.SetStages(remaining)
		if remaining == 0 {
			f.publishers.Clear()
		}
	}
	log.Info().Str("module", "app.stage").Msg("stages destroyed")
}

// LeaveStages leaves every stage but keeps them and their bookkeeping.
func (f *Factory) LeaveStages() {
	for _, s := range f.Stages() {
		s.Leave()
	}
}
