package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/app/stage"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/platform/metrics"
)

// StageDispatcher routes a received custom stage event to the local stage
// of its recipient. Events for unknown recipients are dropped.
func StageDispatcher(f *stage.Factory, m *metrics.Metrics) func(recipientID string, event core.EventType) {
	return func(recipientID string, event core.EventType) {
		s, ok := f.Get(recipientID)
		if !ok {
			log.Debug().Str("module", "signal").Str("recipient", recipientID).Str("event", string(event)).Msg("no local stage for recipient")
			return
		}
		if event == core.EventParticipantShouldUnpublish {
			m.IncFreeSlotSignals()
		}
		log.Info().Str("module", "signal").Str("recipient", recipientID).Str("event", string(event)).Msg("dispatching stage event")
		s.Emit(core.Event{Type: event, Participant: core.ParticipantInfo{ID: recipientID, IsLocal: true}})
	}
}
