package stage

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

// PublisherRegistry is the process-wide set of publishing participants. It is
// the only source of truth for publish capacity.
type PublisherRegistry struct {
	mu       sync.RWMutex
	ids      map[string]struct{}
	capacity int
	onChange func(n int)
}

func NewPublisherRegistry(capacity int, onChange func(n int)) *PublisherRegistry {
	return &PublisherRegistry{
		ids:      make(map[string]struct{}),
		capacity: capacity,
		onChange: onChange,
	}
}

func (r *PublisherRegistry) Update(p core.ParticipantInfo) {
	if p.IsPublishing {
		r.Add(p.ID)
		return
	}
	r.Remove(p.ID)
}

func (r *PublisherRegistry) Add(id string) {
	r.mu.Lock()
	_, exists := r.ids[id]
	r.ids[id] = struct{}{}
	n := len(r.ids)
	r.mu.Unlock()
	if !exists {
		log.Debug().Str("module", "app.stage").Str("participant", id).Int("publishers", n).Msg("publisher added")
		r.changed(n)
	}
}

func (r *PublisherRegistry) Remove(id string) {
	r.mu.Lock()
	_, exists := r.ids[id]
	delete(r.ids, id)
	n := len(r.ids)
	r.mu.Unlock()
	if exists {
		log.Debug().Str("module", "app.stage").Str("participant", id).Int("publishers", n).Msg("publisher removed")
		r.changed(n)
	}
}

func (r *PublisherRegistry) Clear() {
	r.mu.Lock()
	clear(r.ids)
	r.mu.Unlock()
	r.changed(0)
}

func (r *PublisherRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

func (r *PublisherRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

func (r *PublisherRegistry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

func (r *PublisherRegistry) Capacity() int { return r.capacity }

func (r *PublisherRegistry) HasCapacity() bool {
	return r.Len() < r.capacity
}

func (r *PublisherRegistry) changed(n int) {
	if r.onChange != nil {
		r.onChange(n)
	}
}
