package core

import (
	"slices"
	"sync"
)

type EventType string

const (
	EventStageLeft                        EventType = "stageLeft"
	EventError                            EventType = "error"
	EventConnectionStateChanged           EventType = "stageConnectionStateChanged"
	EventParticipantJoined                EventType = "stageParticipantJoined"
	EventParticipantLeft                  EventType = "stageParticipantLeft"
	EventParticipantPublishStateChanged   EventType = "stageParticipantPublishStateChanged"
	EventParticipantStreamsAdded          EventType = "stageParticipantStreamsAdded"
	EventParticipantStreamsRemoved        EventType = "stageParticipantStreamsRemoved"
	EventStreamMuteChanged                EventType = "stageStreamMuteChanged"
	EventParticipantShouldUnpublish       EventType = "stageParticipantShouldUnpublish"
	EventParticipantRepublishStateChanged EventType = "stageParticipantRepublishStateChanged"
)

// Event is the single payload shape for every stage event; only the fields
// relevant to Type are set.
type Event struct {
	Type            EventType
	Participant     ParticipantInfo
	Streams         []StageStream
	ConnectionState ConnectionState
	PublishState    PublishState
	Err             *StageError
	Reason          string
	Republishing    bool
}

type Handler func(Event)

type ListenerID uint64

// Listenable is the subscribe side of an EventSource.
type Listenable interface {
	On(t EventType, fn Handler) ListenerID
	Off(t EventType, id ListenerID)
}

type EventSource interface {
	Listenable
	Emit(ev Event)
	RemoveAllListeners()
}

type listener struct {
	id ListenerID
	fn Handler
}

// Emitter is a threadsafe observer list. Handlers run synchronously in
// registration order, outside of the emitter lock, so they may call On/Off.
type Emitter struct {
	mu        sync.RWMutex
	next      ListenerID
	listeners map[EventType][]listener
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[EventType][]listener)}
}

func (e *Emitter) On(t EventType, fn Handler) ListenerID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[EventType][]listener)
	}
	e.next++
	e.listeners[t] = append(e.listeners[t], listener{id: e.next, fn: fn})
	return e.next
}

func (e *Emitter) Off(t EventType, id ListenerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[t] = slices.DeleteFunc(e.listeners[t], func(l listener) bool { return l.id == id })
	if len(e.listeners[t]) == 0 {
		delete(e.listeners, t)
	}
}

func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	snapshot := slices.Clone(e.listeners[ev.Type])
	e.mu.RUnlock()
	for _, l := range snapshot {
		l.fn(ev)
	}
}

func (e *Emitter) RemoveAllListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.listeners)
}

func (e *Emitter) ListenerCount(t EventType) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[t])
}
