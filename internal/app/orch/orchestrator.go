// Package orch ties one meeting's stages, its message channel and the
// broadcast bindings together behind a single agent-facing surface.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Meet/internal/app/broadcast"
	"github.com/dkeye/Meet/internal/app/stage"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/platform/metrics"
)

var (
	ErrNotJoined     = errors.New("not in a meeting")
	ErrAlreadyJoined = errors.New("already in a meeting")
	ErrNoCapacity    = errors.New("publish capacity reached")
	ErrNoMessenger   = errors.New("meeting messages unavailable")
	ErrNoMedia       = errors.New("no local media")
)

type Joiner interface {
	Join(ctx context.Context, meetingIDOrAlias string) (*domain.JoinResponse, error)
}

// Messenger is the per-meeting message channel.
type Messenger interface {
	core.Messenger
	Subscribe(recipientID string) error
	Unsubscribe(recipientID string) error
	Run(ctx context.Context) error
}

// DialerFunc binds a media backend dialer to one stage and identity.
type DialerFunc func(stageArn string, attrs domain.ParticipantAttributes) core.StageDialer

// MessengerFactory opens the message channel of a meeting. Received stage
// events are expected to be routed to stages.
type MessengerFactory func(meetingID string, stages *stage.Factory) (Messenger, error)

// MediaFunc returns the local stream the agent publishes into group.
type MediaFunc func(group domain.ParticipantGroup) (*core.MediaStream, error)

type Config struct {
	Joiner          Joiner
	Dial            DialerFunc
	Messages        MessengerFactory
	Media           MediaFunc
	Host            core.Lifecycle
	PublishCapacity int
	Stage           stage.Options
	Simulcast       *core.SimulcastConfig
	FreeSlotTimeout time.Duration
	Broadcast       *broadcast.Client
	Binder          *broadcast.Binder
	Metrics         *metrics.Metrics
}

type JoinParams struct {
	Name      string
	Picture   string
	AudioOnly bool
}

type session struct {
	meeting  *domain.JoinResponse
	attrs    domain.ParticipantAttributes
	stages   *stage.Factory
	messages Messenger
	cancel   context.CancelFunc
	done     chan struct{}
	unbind   []func()
}

func (s *session) close() {
	for _, fn := range s.unbind {
		fn()
	}
	if s.messages != nil {
		for _, st := range s.stages.Stages() {
			_ = s.messages.Unsubscribe(st.ParticipantID())
		}
		s.cancel()
		<-s.done
	}
	s.stages.DestroyStages()
}

// Orchestrator holds at most one joined meeting at a time.
type Orchestrator struct {
	cfg Config

	mu      sync.RWMutex
	joining bool
	cur     *session
}

func New(cfg Config) *Orchestrator {
	if cfg.FreeSlotTimeout <= 0 {
		cfg.FreeSlotTimeout = stage.FreeSlotTimeout
	}
	return &Orchestrator{cfg: cfg}
}

// Join resolves meetingIDOrAlias, creates one stage per participant group and
// connects them all. The agent joins as a subscriber; publishing is explicit.
func (o *Orchestrator) Join(ctx context.Context, meetingIDOrAlias string, p JoinParams) (*domain.JoinResponse, error) {
	o.mu.Lock()
	if o.cur != nil || o.joining {
		o.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	o.joining = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.joining = false
		o.mu.Unlock()
	}()

	resp, err := o.cfg.Joiner.Join(ctx, meetingIDOrAlias)
	if err != nil {
		return nil, fmt.Errorf("join meeting %q: %w", meetingIDOrAlias, err)
	}
	sess, err := o.connect(ctx, resp, p)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.cur = sess
	o.mu.Unlock()
	log.Info().Str("module", "orch").Str("meeting", resp.MeetingID).Str("stage", resp.StageArn).Msg("joined meeting")
	return resp, nil
}

func (o *Orchestrator) connect(ctx context.Context, resp *domain.JoinResponse, p JoinParams) (*session, error) {
	name := p.Name
	if len(name) > domain.MaxNameLen {
		name = name[:domain.MaxNameLen]
	}
	attrs := domain.ParticipantAttributes{Name: name, Picture: p.Picture}
	sess := &session{
		meeting: resp,
		attrs:   attrs,
		stages: stage.NewFactory(stage.FactoryConfig{
			Dial:            o.cfg.Dial(resp.StageArn, attrs),
			Host:            o.cfg.Host,
			PublishCapacity: o.cfg.PublishCapacity,
			Stage:           o.cfg.Stage,
		}),
	}

	for _, g := range domain.Groups {
		var opts []stage.StageOption
		if g == domain.GroupUser {
			if p.AudioOnly {
				opts = append(opts, stage.WithAudioOnly())
			}
			if o.cfg.Simulcast != nil {
				opts = append(opts, stage.WithSimulcast(o.cfg.Simulcast))
			}
		}
		s, err := sess.stages.Create(resp.StageConfigs[g], opts...)
		if err != nil {
			sess.close()
			return nil, err
		}
		if o.cfg.Binder != nil {
			sess.unbind = append(sess.unbind, o.cfg.Binder.Bind(s))
		}
	}

	if o.cfg.Messages != nil {
		msgs, err := o.cfg.Messages(resp.MeetingID, sess.stages)
		if err != nil {
			sess.close()
			return nil, fmt.Errorf("open meeting messages: %w", err)
		}
		runCtx, cancel := context.WithCancel(context.Background())
		sess.messages, sess.cancel, sess.done = msgs, cancel, make(chan struct{})
		go func() {
			defer close(sess.done)
			if err := msgs.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Str("module", "orch").Str("meeting", resp.MeetingID).Err(err).Msg("meeting messages stopped")
			}
		}()
		for _, s := range sess.stages.Stages() {
			if err := msgs.Subscribe(s.ParticipantID()); err != nil {
				sess.close()
				return nil, fmt.Errorf("subscribe %s: %w", s.ParticipantID(), err)
			}
		}
	}

	if err := joinAll(ctx, sess.stages.Stages()); err != nil {
		sess.close()
		return nil, err
	}
	return sess, nil
}

func joinAll(ctx context.Context, stages []*stage.Stage) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stages {
		g.Go(func() error {
			var stream *core.MediaStream
			if s.ShouldPublish() {
				stream = s.MediaStream()
			}
			return s.Join(gctx, stream)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) session() (*session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.cur == nil {
		return nil, ErrNotJoined
	}
	return o.cur, nil
}

// Meeting returns the joined meeting, or nil.
func (o *Orchestrator) Meeting() *domain.JoinResponse {
	sess, err := o.session()
	if err != nil {
		return nil
	}
	return sess.meeting
}

// Stages returns the stage factory of the joined meeting.
func (o *Orchestrator) Stages() (*stage.Factory, error) {
	sess, err := o.session()
	if err != nil {
		return nil, err
	}
	return sess.stages, nil
}

func (o *Orchestrator) Stage(group domain.ParticipantGroup) (*stage.Stage, error) {
	sess, err := o.session()
	if err != nil {
		return nil, err
	}
	s, ok := sess.stages.ByGroup(group)
	if !ok {
		return nil, fmt.Errorf("%w: %s", stage.ErrStageNotFound, group)
	}
	return s, nil
}

// Leave disconnects every stage but keeps them for Rejoin.
func (o *Orchestrator) Leave() error {
	sess, err := o.session()
	if err != nil {
		return err
	}
	sess.stages.LeaveStages()
	log.Info().Str("module", "orch").Str("meeting", sess.meeting.MeetingID).Msg("left meeting")
	return nil
}

// Rejoin reconnects the stages kept by Leave, resuming their publications.
func (o *Orchestrator) Rejoin(ctx context.Context) error {
	sess, err := o.session()
	if err != nil {
		return err
	}
	return joinAll(ctx, sess.stages.Stages())
}

// Destroy tears the meeting down and clears the broadcast layers.
func (o *Orchestrator) Destroy() error {
	o.mu.Lock()
	sess := o.cur
	o.cur = nil
	o.mu.Unlock()
	if sess == nil {
		return ErrNotJoined
	}
	sess.close()
	if o.cfg.Broadcast != nil {
		o.cfg.Broadcast.DeleteClient(true)
	}
	log.Info().Str("module", "orch").Str("meeting", sess.meeting.MeetingID).Msg("meeting destroyed")
	return nil
}

func (o *Orchestrator) media(group domain.ParticipantGroup) (*core.MediaStream, error) {
	if o.cfg.Media == nil {
		return nil, ErrNoMedia
	}
	stream, err := o.cfg.Media(group)
	if err != nil {
		return nil, fmt.Errorf("local media %s: %w", group, err)
	}
	return stream, nil
}

// Publish starts publishing the agent's local media into group, provided a
// publish slot is free.
func (o *Orchestrator) Publish(group domain.ParticipantGroup) error {
	sess, err := o.session()
	if err != nil {
		return err
	}
	s, ok := sess.stages.ByGroup(group)
	if !ok {
		return fmt.Errorf("%w: %s", stage.ErrStageNotFound, group)
	}
	if s.ShouldPublish() {
		return nil
	}
	if !sess.stages.HasPublishCapacity() {
		return ErrNoCapacity
	}
	stream, err := o.media(group)
	if err != nil {
		return err
	}
	s.Publish(stream)
	return nil
}

func (o *Orchestrator) Unpublish(group domain.ParticipantGroup) error {
	s, err := o.Stage(group)
	if err != nil {
		return err
	}
	s.Unpublish()
	return nil
}

// FreeSlot asks recipientID to stop publishing in group and publishes the
// agent's media there once it has.
func (o *Orchestrator) FreeSlot(ctx context.Context, group domain.ParticipantGroup, recipientID string) error {
	sess, err := o.session()
	if err != nil {
		return err
	}
	if sess.messages == nil {
		return ErrNoMessenger
	}
	s, ok := sess.stages.ByGroup(group)
	if !ok {
		return fmt.Errorf("%w: %s", stage.ErrStageNotFound, group)
	}
	stream, err := o.media(group)
	if err != nil {
		return err
	}

	recipient := core.ParticipantInfo{ID: recipientID, Attributes: domain.ParticipantAttributes{Group: group}}
	if err := stage.NotifyFreeSlot(ctx, sess.messages, recipient); err != nil {
		return err
	}
	err = s.PublishAfterFreeSlot(ctx, sess.messages, recipientID, stream, o.cfg.FreeSlotTimeout)
	if errors.Is(err, stage.ErrFreeSlotTimedOut) {
		if derr := stage.DismissFreeSlot(context.WithoutCancel(ctx), sess.messages, recipient); derr != nil {
			log.Warn().Str("module", "orch").Str("recipient", recipientID).Err(derr).Msg("dismiss free slot")
		}
	}
	return err
}

type StageStatus struct {
	Group         domain.ParticipantGroup `json:"group"`
	ParticipantID string                  `json:"participantId"`
	Connected     bool                    `json:"connected"`
	Published     bool                    `json:"published"`
	ShouldPublish bool                    `json:"shouldPublish"`
	Republishing  bool                    `json:"republishing"`
	SubscribeType string                  `json:"subscribeType"`
	ConnectError  string                  `json:"connectError,omitempty"`
	PublishError  string                  `json:"publishError,omitempty"`
}

type Status struct {
	MeetingID   string        `json:"meetingId"`
	StageArn    string        `json:"stageArn"`
	Name        string        `json:"name"`
	Stages      []StageStatus `json:"stages"`
	Publishers  []string      `json:"publishers"`
	Capacity    int           `json:"capacity"`
	HasCapacity bool          `json:"hasCapacity"`
}

func (o *Orchestrator) Status() (Status, error) {
	sess, err := o.session()
	if err != nil {
		return Status{}, err
	}
	st := Status{
		MeetingID:   sess.meeting.MeetingID,
		StageArn:    sess.meeting.StageArn,
		Name:        sess.attrs.Name,
		Publishers:  sess.stages.Publishers(),
		Capacity:    sess.stages.PublisherRegistry().Capacity(),
		HasCapacity: sess.stages.HasPublishCapacity(),
	}
	for _, s := range sess.stages.Stages() {
		ss := StageStatus{
			Group:         s.Group(),
			ParticipantID: s.ParticipantID(),
			Connected:     s.Connected(),
			Published:     s.Published(),
			ShouldPublish: s.ShouldPublish(),
			Republishing:  s.Republishing(),
			SubscribeType: s.SubscribeType().String(),
		}
		if e := s.ConnectError(); e != nil {
			ss.ConnectError = e.Error()
		}
		if e := s.PublishError(); e != nil {
			ss.PublishError = e.Error()
		}
		st.Stages = append(st.Stages, ss)
	}
	return st, nil
}

// UpdateGauges refreshes the scrape-time gauges.
func (o *Orchestrator) UpdateGauges() {
	if o.cfg.Broadcast != nil {
		o.cfg.Metrics.SetLayers(len(o.cfg.Broadcast.Layers()))
	}
	sess, err := o.session()
	if err != nil {
		o.cfg.Metrics.SetStages(0)
		return
	}
	o.cfg.Metrics.SetStages(len(sess.stages.Stages()))
}
