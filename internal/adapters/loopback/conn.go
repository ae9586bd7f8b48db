package loopback

import (
	"context"
	"sync"

	"github.com/dkeye/Meet/internal/core"
)

// Conn is one participant connection to a loopback room. It implements
// core.StageConnection.
type Conn struct {
	*core.Emitter
	room *room

	// guarded by room.mu
	info      core.ParticipantInfo
	strategy  core.Strategy
	joined    bool
	published []core.LocalStageStream
	muted     map[string]bool
	subs      map[string][]core.StageStream

	leaveMu sync.Mutex
}

func newConn(r *room, info core.ParticipantInfo, s core.Strategy) *Conn {
	info.IsLocal = true
	return &Conn{
		Emitter:  core.NewEmitter(),
		room:     r,
		info:     info,
		strategy: s,
		muted:    make(map[string]bool),
		subs:     make(map[string][]core.StageStream),
	}
}

// remoteInfo is how other members see c. Callers hold room.mu.
func (c *Conn) remoteInfo() core.ParticipantInfo {
	p := c.info
	p.IsLocal = false
	return p
}

// visibleTo returns the streams of c that viewer subscribes to. Callers hold room.mu.
func (c *Conn) visibleTo(viewer *Conn) []core.StageStream {
	if !c.info.IsPublishing {
		return nil
	}
	t := viewer.strategy.ShouldSubscribeToParticipant(c.remoteInfo())
	var out []core.StageStream
	for _, s := range c.published {
		if allowed(t, s.Track.Kind()) {
			out = append(out, core.StageStream{Track: s.Track, Muted: c.muted[s.Track.ID()]})
		}
	}
	return out
}

func (c *Conn) Join(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.room.mu.Lock()
	if c.joined {
		c.room.mu.Unlock()
		return nil
	}
	c.joined = true
	c.room.mu.Unlock()

	c.Emit(core.Event{Type: core.EventConnectionStateChanged, ConnectionState: core.ConnectionConnecting})
	ds := c.room.add(c)
	c.Emit(core.Event{Type: core.EventConnectionStateChanged, ConnectionState: core.ConnectionConnected})
	deliver(ds)
	deliver(c.room.refresh(c))
	return nil
}

func (c *Conn) Leave() {
	c.leaveMu.Lock()
	defer c.leaveMu.Unlock()

	c.room.mu.Lock()
	if !c.joined {
		c.room.mu.Unlock()
		return
	}
	c.joined = false
	wasPublishing := c.info.IsPublishing
	c.info.IsPublishing = false
	c.published = nil
	c.room.mu.Unlock()

	deliver(c.room.remove(c))
	if wasPublishing {
		c.Emit(core.Event{Type: core.EventParticipantPublishStateChanged, Participant: c.Info(), PublishState: core.NotPublished})
	}
	c.Emit(core.Event{Type: core.EventConnectionStateChanged, ConnectionState: core.ConnectionDisconnected})
	c.Emit(core.Event{Type: core.EventStageLeft, Reason: "user-initiated"})
}

func (c *Conn) RefreshStrategy() {
	deliver(c.room.refresh(c))
}

func (c *Conn) ReplaceStrategy(s core.Strategy) {
	c.room.mu.Lock()
	c.strategy = s
	c.room.mu.Unlock()
}

// SetMuted flags a published track as muted for every subscriber.
func (c *Conn) SetMuted(trackID string, muted bool) {
	deliver(c.room.setMuted(c, trackID, muted))
}

func (c *Conn) Info() core.ParticipantInfo {
	c.room.mu.Lock()
	defer c.room.mu.Unlock()
	return c.info
}

// Subscriptions returns the streams c currently receives, by publisher id.
func (c *Conn) Subscriptions() map[string][]core.StageStream {
	c.room.mu.Lock()
	defer c.room.mu.Unlock()
	out := make(map[string][]core.StageStream, len(c.subs))
	for id, s := range c.subs {
		out[id] = append([]core.StageStream(nil), s...)
	}
	return out
}
