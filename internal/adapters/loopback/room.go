package loopback

import (
	"slices"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

type delivery struct {
	to *Conn
	ev core.Event
}

func deliver(ds []delivery) {
	for _, d := range ds {
		d.to.Emit(d.ev)
	}
}

// room is a threadsafe in-memory stage. All member state is guarded by mu;
// events are computed under the lock and delivered after it is released.
type room struct {
	arn     string
	mu      sync.Mutex
	members []*Conn
}

func newRoom(arn string) *room {
	return &room{arn: arn}
}

func (r *room) conns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.members)
}

func (r *room) participants() []core.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.ParticipantInfo, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.info)
	}
	return out
}

func (r *room) add(c *Conn) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ds []delivery
	for _, m := range r.members {
		ds = append(ds,
			delivery{c, core.Event{Type: core.EventParticipantJoined, Participant: m.remoteInfo()}},
			delivery{m, core.Event{Type: core.EventParticipantJoined, Participant: c.remoteInfo()}},
		)
	}
	r.members = append(r.members, c)
	log.Info().Str("module", "adapters.loopback").Str("stage", r.arn).Str("participant", c.info.ID).Int("members", len(r.members)).Msg("member added")
	return append(ds, r.reconcileLocked()...)
}

func (r *room) remove(c *Conn) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.members, c)
	if i == -1 {
		return nil
	}
	r.members = slices.Delete(r.members, i, i+1)

	var ds []delivery
	for _, m := range r.members {
		if subs := m.subs[c.info.ID]; len(subs) > 0 {
			ds = append(ds, delivery{m, core.Event{Type: core.EventParticipantStreamsRemoved, Participant: c.remoteInfo(), Streams: subs}})
			delete(m.subs, c.info.ID)
		}
		ds = append(ds, delivery{m, core.Event{Type: core.EventParticipantLeft, Participant: c.remoteInfo()}})
	}
	clear(c.subs)
	log.Info().Str("module", "adapters.loopback").Str("stage", r.arn).Str("participant", c.info.ID).Int("members", len(r.members)).Msg("member removed")
	return ds
}

// refresh re-evaluates the publication of c and every subscription in the room.
func (r *room) refresh(c *Conn) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.members, c) {
		return nil
	}

	var ds []delivery
	want := c.strategy.ShouldPublishParticipant(c.info)
	streams := c.strategy.StageStreamsToPublish()
	want = want && len(streams) > 0

	switch {
	case want && !c.info.IsPublishing:
		c.info.IsPublishing = true
		c.published = streams
		ds = append(ds,
			delivery{c, core.Event{Type: core.EventParticipantPublishStateChanged, Participant: c.info, PublishState: core.AttemptPublish}},
			delivery{c, core.Event{Type: core.EventParticipantPublishStateChanged, Participant: c.info, PublishState: core.Published}},
		)
		ds = append(ds, r.announcePublishLocked(c, core.Published)...)
	case !want && c.info.IsPublishing:
		c.info.IsPublishing = false
		c.published = nil
		ds = append(ds, delivery{c, core.Event{Type: core.EventParticipantPublishStateChanged, Participant: c.info, PublishState: core.NotPublished}})
		ds = append(ds, r.announcePublishLocked(c, core.NotPublished)...)
	case want:
		c.published = streams
	}
	return append(ds, r.reconcileLocked()...)
}

func (r *room) announcePublishLocked(c *Conn, state core.PublishState) []delivery {
	var ds []delivery
	for _, m := range r.members {
		if m != c {
			ds = append(ds, delivery{m, core.Event{Type: core.EventParticipantPublishStateChanged, Participant: c.remoteInfo(), PublishState: state}})
		}
	}
	return ds
}

// reconcileLocked diffs what every member should receive from every other
// member against what it currently receives.
func (r *room) reconcileLocked() []delivery {
	var ds []delivery
	for _, viewer := range r.members {
		for _, pub := range r.members {
			if pub == viewer {
				continue
			}
			want := pub.visibleTo(viewer)
			have := viewer.subs[pub.info.ID]

			added := slices.DeleteFunc(slices.Clone(want), func(s core.StageStream) bool { return containsTrack(have, s) })
			removed := slices.DeleteFunc(slices.Clone(have), func(s core.StageStream) bool { return containsTrack(want, s) })

			if len(removed) > 0 {
				ds = append(ds, delivery{viewer, core.Event{Type: core.EventParticipantStreamsRemoved, Participant: pub.remoteInfo(), Streams: removed}})
			}
			if len(added) > 0 {
				ds = append(ds, delivery{viewer, core.Event{Type: core.EventParticipantStreamsAdded, Participant: pub.remoteInfo(), Streams: added}})
			}
			if len(want) == 0 {
				delete(viewer.subs, pub.info.ID)
			} else {
				viewer.subs[pub.info.ID] = want
			}
		}
	}
	return ds
}

func (r *room) setMuted(c *Conn, trackID string, muted bool) []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.muted[trackID] == muted {
		return nil
	}
	c.muted[trackID] = muted

	var ds []delivery
	for _, m := range r.members {
		subs := m.subs[c.info.ID]
		i := slices.IndexFunc(subs, func(s core.StageStream) bool { return s.Track.ID() == trackID })
		if i == -1 {
			continue
		}
		subs[i].Muted = muted
		ds = append(ds, delivery{m, core.Event{Type: core.EventStreamMuteChanged, Participant: c.remoteInfo(), Streams: []core.StageStream{subs[i]}}})
	}
	return ds
}

func containsTrack(list []core.StageStream, s core.StageStream) bool {
	return slices.ContainsFunc(list, func(x core.StageStream) bool { return x.Track.ID() == s.Track.ID() })
}

func allowed(t core.SubscribeType, kind webrtc.RTPCodecType) bool {
	switch t {
	case core.SubscribeAudioVideo:
		return true
	case core.SubscribeAudioOnly:
		return kind == webrtc.RTPCodecTypeAudio
	}
	return false
}
