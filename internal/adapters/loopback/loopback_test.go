package loopback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/app/stage"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

const arn = "arn:stage/test"

type track struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t track) ID() string                { return t.id }
func (t track) Kind() webrtc.RTPCodecType { return t.kind }

func camera(prefix string) *core.MediaStream {
	return core.NewMediaStream(
		track{id: prefix + "-mic", kind: webrtc.RTPCodecTypeAudio},
		track{id: prefix + "-cam", kind: webrtc.RTPCodecTypeVideo},
	)
}

type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func record(src core.Listenable, types ...core.EventType) *recorder {
	r := &recorder{}
	for _, t := range types {
		src.On(t, func(ev core.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		})
	}
	return r
}

func (r *recorder) of(t core.EventType) []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newStage(t *testing.T, b *Backend, id string, group domain.ParticipantGroup) *stage.Stage {
	t.Helper()
	cfg := domain.StageClientConfig{Token: "t-" + id, ParticipantID: id, Group: group}
	s, err := stage.New(cfg, b.Dialer(arn, domain.ParticipantAttributes{Name: id}), nil, stage.Options{RepublishDelay: 5 * time.Millisecond})
	require.NoError(t, err)
	return s
}

func kinds(streams []core.StageStream) []webrtc.RTPCodecType {
	var out []webrtc.RTPCodecType
	for _, s := range streams {
		out = append(out, s.Kind())
	}
	return out
}

func TestSubscriptionsFollowGroups(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	alice := newStage(t, b, "alice", domain.GroupUser)
	bob := newStage(t, b, "bob", domain.GroupUser)
	screen := newStage(t, b, "bob-screen", domain.GroupDisplay)

	bobEvents := record(bob, core.EventParticipantJoined, core.EventParticipantStreamsAdded, core.EventParticipantStreamsRemoved)
	screenEvents := record(screen, core.EventParticipantStreamsAdded)

	require.NoError(t, bob.Join(ctx, nil))
	require.NoError(t, screen.Join(ctx, nil))
	require.NoError(t, alice.Join(ctx, camera("alice")))

	require.True(t, alice.Published())
	added := bobEvents.of(core.EventParticipantStreamsAdded)
	require.Len(t, added, 1)
	assert.Equal(t, "alice", added[0].Participant.ID)
	assert.False(t, added[0].Participant.IsLocal)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}, kinds(added[0].Streams))
	assert.Empty(t, screenEvents.of(core.EventParticipantStreamsAdded))

	bob.SetAudioOnly(true)
	removed := bobEvents.of(core.EventParticipantStreamsRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}, kinds(removed[0].Streams))

	alice.Unpublish()
	removed = bobEvents.of(core.EventParticipantStreamsRemoved)
	require.Len(t, removed, 2)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}, kinds(removed[1].Streams))
	assert.Len(t, b.Participants(arn), 3)
}

func TestLeaveNotifiesMembers(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()
	alice := newStage(t, b, "alice", domain.GroupUser)
	bob := newStage(t, b, "bob", domain.GroupUser)
	bobEvents := record(bob, core.EventParticipantLeft, core.EventParticipantStreamsRemoved)

	require.NoError(t, bob.Join(ctx, nil))
	require.NoError(t, alice.Join(ctx, camera("alice")))
	alice.Leave()

	assert.False(t, alice.Connected())
	require.Len(t, bobEvents.of(core.EventParticipantLeft), 1)
	require.Len(t, bobEvents.of(core.EventParticipantStreamsRemoved), 1)
	assert.Len(t, b.Participants(arn), 1)
}

func TestMuteChanges(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()
	alice := newStage(t, b, "alice", domain.GroupUser)
	bob := newStage(t, b, "bob", domain.GroupUser)
	bobEvents := record(bob, core.EventStreamMuteChanged)

	require.NoError(t, bob.Join(ctx, nil))
	require.NoError(t, alice.Join(ctx, camera("alice")))

	conn := b.rooms[arn].conns()[1]
	conn.SetMuted("alice-cam", true)
	conn.SetMuted("alice-cam", true)

	muted := bobEvents.of(core.EventStreamMuteChanged)
	require.Len(t, muted, 1)
	assert.True(t, muted[0].Streams[0].Muted)
	assert.Empty(t, conn.Subscriptions())
}

func TestRepublishOverLoopback(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()
	alice := newStage(t, b, "alice", domain.GroupUser)
	bob := newStage(t, b, "bob", domain.GroupUser)
	bobEvents := record(bob, core.EventParticipantStreamsAdded)

	require.NoError(t, bob.Join(ctx, nil))
	require.NoError(t, alice.Join(ctx, camera("alice")))

	rctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, alice.Republish(rctx))
	assert.True(t, alice.ShouldPublish())
	assert.Len(t, bobEvents.of(core.EventParticipantStreamsAdded), 2)
}

func TestFactoryCapacityOverLoopback(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()
	f := stage.NewFactory(stage.FactoryConfig{
		Dial:            b.Dialer(arn, domain.ParticipantAttributes{}),
		PublishCapacity: 2,
	})

	observer, err := f.Create(domain.StageClientConfig{Token: "t", ParticipantID: "observer", Group: domain.GroupUser})
	require.NoError(t, err)
	require.NoError(t, observer.Join(ctx, nil))

	alice := newStage(t, b, "alice", domain.GroupUser)
	carol := newStage(t, b, "carol", domain.GroupDisplay)
	require.NoError(t, alice.Join(ctx, camera("alice")))
	assert.True(t, f.HasPublishCapacity())
	require.NoError(t, carol.Join(ctx, camera("carol")))
	assert.False(t, f.HasPublishCapacity())
	assert.Equal(t, []string{"alice", "carol"}, f.Publishers())

	carol.Leave()
	assert.True(t, f.HasPublishCapacity())
	alice.Unpublish()
	assert.Empty(t, f.Publishers())
}

func TestStopRoom(t *testing.T) {
	b := NewBackend()
	alice := newStage(t, b, "alice", domain.GroupUser)
	require.NoError(t, alice.Join(context.Background(), nil))

	b.StopRoom(arn)
	assert.False(t, alice.Connected())
	assert.Empty(t, b.Participants(arn))
}
