package stage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

const (
	FreeSlotTimeout = 10 * time.Second

	freeSlotNotifID       = "freeSlot"
	freeSlotNotifDuration = 60 * time.Second
)

var ErrFreeSlotTimedOut = errors.New("free slot timed out")

// NotifyFreeSlot warns recipient that its publish slot is about to be taken.
func NotifyFreeSlot(ctx context.Context, m core.Messenger, recipient core.ParticipantInfo) error {
	text := "You are being moved to view-only"
	if recipient.Attributes.Group == domain.GroupDisplay {
		text = "Your screen share will end"
	}
	return m.SendNotif(ctx, recipient.ID, core.Notification{
		ID:         freeSlotNotifID,
		Type:       "loading",
		Text:       text,
		DurationMs: int(freeSlotNotifDuration / time.Millisecond),
	})
}

// DismissFreeSlot tells recipient the slot request was withdrawn.
func DismissFreeSlot(ctx context.Context, m core.Messenger, recipient core.ParticipantInfo) error {
	text := "You are no longer being moved to view-only"
	if recipient.Attributes.Group == domain.GroupDisplay {
		text = "Your screen share will no longer end"
	}
	return m.SendNotif(ctx, recipient.ID, core.Notification{ID: freeSlotNotifID, Type: "success", Text: text})
}

// PublishAfterFreeSlot asks recipientID to stop publishing and publishes
// stream once the recipient has left or unpublished. Without a free slot
// within timeout the stream is not published and ErrFreeSlotTimedOut is
// returned.
func (s *Stage) PublishAfterFreeSlot(ctx context.Context, m core.Messenger, recipientID string, stream *core.MediaStream, timeout time.Duration) error {
	if recipientID == "" {
		return core.ErrNoRecipient
	}
	if timeout <= 0 {
		timeout = FreeSlotTimeout
	}

	freed := make(chan struct{})
	var once sync.Once
	release := func(ev core.Event) {
		if ev.Participant.ID != recipientID {
			return
		}
		if ev.Type == core.EventParticipantPublishStateChanged && ev.PublishState != core.NotPublished {
			return
		}
		once.Do(func() { close(freed) })
	}
	leftID := s.On(core.EventParticipantLeft, release)
	stateID := s.On(core.EventParticipantPublishStateChanged, release)
	defer func() {
		s.Off(core.EventParticipantLeft, leftID)
		s.Off(core.EventParticipantPublishStateChanged, stateID)
	}()

	dismissErr := m.DismissNotif(ctx, recipientID, freeSlotNotifID)
	if err := m.SendEvent(ctx, recipientID, core.EventParticipantShouldUnpublish); err != nil {
		return err
	}
	if dismissErr != nil {
		log.Warn().Str("module", "app.stage").Str("recipient", recipientID).Err(dismissErr).Msg("dismiss free slot notification")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-freed:
		log.Info().Str("module", "app.stage").Str("recipient", recipientID).Msg("publish slot freed")
		s.Publish(stream)
		return nil
	case <-timer.C:
		log.Warn().Str("module", "app.stage").Str("recipient", recipientID).Dur("timeout", timeout).Msg("publish slot not freed")
		return ErrFreeSlotTimedOut
	case <-ctx.Done():
		return ctx.Err()
	}
}
