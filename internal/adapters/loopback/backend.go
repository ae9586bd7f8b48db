package loopback

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// Backend hosts in-process stages keyed by stage arn. Every connection dialed
// for the same arn shares one room.
type Backend struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

func NewBackend() *Backend {
	return &Backend{rooms: make(map[string]*room)}
}

func (b *Backend) getOrCreate(arn string) *room {
	b.mu.RLock()
	r, ok := b.rooms[arn]
	b.mu.RUnlock()
	if ok {
		return r
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok = b.rooms[arn]; ok {
		return r
	}
	r = newRoom(arn)
	b.rooms[arn] = r
	log.Info().Str("module", "adapters.loopback").Str("stage", arn).Msg("room created")
	return r
}

// Dialer returns a core.StageDialer joining the room of arn with attrs as the
// participant attributes. The group always comes from the client config.
func (b *Backend) Dialer(arn string, attrs domain.ParticipantAttributes) core.StageDialer {
	return func(cfg domain.StageClientConfig, s core.Strategy) (core.StageConnection, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		a := attrs
		a.Group = cfg.Group
		return newConn(b.getOrCreate(arn), core.ParticipantInfo{ID: cfg.ParticipantID, Attributes: a}, s), nil
	}
}

// Participants lists the participants connected to arn.
func (b *Backend) Participants(arn string) []core.ParticipantInfo {
	b.mu.RLock()
	r, ok := b.rooms[arn]
	b.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.participants()
}

func (b *Backend) StopRoom(arn string) {
	b.mu.Lock()
	r, ok := b.rooms[arn]
	delete(b.rooms, arn)
	b.mu.Unlock()
	if ok {
		for _, c := range r.conns() {
			c.Leave()
		}
	}
}
