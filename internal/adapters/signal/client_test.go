package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Meet/internal/adapters/loopback"
	"github.com/dkeye/Meet/internal/app/stage"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

// messageHub is a minimal meeting message service.
type messageHub struct {
	mu        sync.Mutex
	tokens    []string
	meetings  []string
	frames    []frame
	connected chan *websocket.Conn
}

func newHub(t *testing.T) (*messageHub, string) {
	t.Helper()
	h := &messageHub{connected: make(chan *websocket.Conn, 4)}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.tokens = append(h.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		h.meetings = append(h.meetings, r.URL.Query().Get("meetingId"))
		h.mu.Unlock()
		h.connected <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				h.mu.Lock()
				h.frames = append(h.frames, f)
				h.mu.Unlock()
			}
		}
	}))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (h *messageHub) received(typ string) []frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []frame
	for _, f := range h.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (h *messageHub) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-h.connected:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func counterToken() (core.TokenProvider, func() int) {
	var mu sync.Mutex
	n := 0
	return func(context.Context) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			return "tok-" + string(rune('0'+n)), nil
		}, func() int {
			mu.Lock()
			defer mu.Unlock()
			return n
		}
}

func startClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := NewClient(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func writeFrame(t *testing.T, ws *websocket.Conn, f frame) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(f))
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.ErrorIs(t, err, ErrMissingURL)
}

func TestDispatchesCustomStageEvents(t *testing.T) {
	hub, url := newHub(t)
	token, _ := counterToken()

	var mu sync.Mutex
	var got []string
	var notes []core.Notification
	c := startClient(t, Config{
		URL:       url,
		MeetingID: "m1",
		Token:     token,
		OnEvent: func(recipient string, ev core.EventType) {
			mu.Lock()
			got = append(got, recipient+":"+string(ev))
			mu.Unlock()
		},
		OnNotification: func(_ string, n core.Notification) {
			mu.Lock()
			notes = append(notes, n)
			mu.Unlock()
		},
	})
	require.NoError(t, c.Subscribe("p1"))
	ws := hub.accept(t)

	require.Eventually(t, func() bool { return len(hub.received(frameSubscribe)) == 1 }, 2*time.Second, 10*time.Millisecond)
	sub := hub.received(frameSubscribe)[0]
	assert.Equal(t, "m1", sub.MeetingID)
	assert.Equal(t, "p1", sub.RecipientID)
	hub.mu.Lock()
	assert.Equal(t, []string{"tok-1"}, hub.tokens)
	assert.Equal(t, []string{"m1"}, hub.meetings)
	hub.mu.Unlock()

	writeFrame(t, ws, frame{Type: frameEvent, RecipientID: "p1", Event: "somethingElse"})
	writeFrame(t, ws, frame{Type: frameEvent, RecipientID: "p1", Event: string(core.EventParticipantShouldUnpublish)})
	writeFrame(t, ws, frame{Type: frameNotification, RecipientID: "p1", Notification: &core.Notification{ID: "freeSlot", Type: "loading", Text: "hi"}})
	writeFrame(t, ws, frame{Type: framePing})

	require.Eventually(t, func() bool { return len(hub.received(framePong)) == 1 }, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"p1:" + string(core.EventParticipantShouldUnpublish)}, got)
	require.Len(t, notes, 1)
	assert.Equal(t, "freeSlot", notes[0].ID)
}

func TestSendRequiresRecipientAndConnection(t *testing.T) {
	hub, url := newHub(t)
	c, err := NewClient(Config{URL: url, MeetingID: "m1"})
	require.NoError(t, err)
	ctx := context.Background()

	require.ErrorIs(t, c.SendEvent(ctx, "", core.EventParticipantShouldUnpublish), core.ErrNoRecipient)
	require.ErrorIs(t, c.SendEvent(ctx, "p2", core.EventParticipantShouldUnpublish), ErrNotConnected)
	require.ErrorIs(t, c.Subscribe(""), core.ErrNoRecipient)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	hub.accept(t)
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.SendEvent(ctx, "p2", core.EventParticipantShouldUnpublish))
	require.NoError(t, c.SendNotif(ctx, "p2", core.Notification{ID: "freeSlot", Type: "loading", Text: "moving"}))
	require.NoError(t, c.DismissNotif(ctx, "p2", "freeSlot"))

	require.Eventually(t, func() bool { return len(hub.received(frameSendNotif)) == 2 }, 2*time.Second, 10*time.Millisecond)
	events := hub.received(frameSendEvent)
	require.Len(t, events, 1)
	assert.Equal(t, "p2", events[0].RecipientID)
	assert.Equal(t, "m1", events[0].MeetingID)
	assert.Equal(t, string(core.EventParticipantShouldUnpublish), events[0].Event)

	notifs := hub.received(frameSendNotif)
	assert.Equal(t, "moving", notifs[0].Notification.Text)
	assert.Equal(t, "freeSlot", notifs[1].Notification.ID)
	assert.Empty(t, notifs[1].Notification.Text)
}

func TestReconnectRefreshesToken(t *testing.T) {
	hub, url := newHub(t)
	token, calls := counterToken()
	c := startClient(t, Config{URL: url, MeetingID: "m1", Token: token, ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, c.Subscribe("p1"))

	first := hub.accept(t)
	require.Eventually(t, func() bool { return len(hub.received(frameSubscribe)) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, first.Close())
	hub.accept(t)

	assert.Equal(t, 2, calls())
	hub.mu.Lock()
	assert.Equal(t, []string{"tok-1", "tok-2"}, hub.tokens)
	hub.mu.Unlock()
	require.Eventually(t, func() bool { return len(hub.received(frameSubscribe)) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Unsubscribe("p1"))
	require.Eventually(t, func() bool { return len(hub.received(frameUnsubscribe)) == 1 }, 2*time.Second, 10*time.Millisecond)
}

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

func TestStageDispatcher(t *testing.T) {
	backend := loopback.NewBackend()
	f := stage.NewFactory(stage.FactoryConfig{Dial: backend.Dialer("arn:stage/m1", domain.ParticipantAttributes{Name: "Ada"})})
	defer f.DestroyStages()

	s, err := f.Create(domain.StageClientConfig{Token: "t", ParticipantID: "p1", Group: domain.GroupUser})
	require.NoError(t, err)
	stream := core.NewMediaStream(fakeTrack{id: "mic", kind: webrtc.RTPCodecTypeAudio})
	require.NoError(t, s.Join(context.Background(), stream))
	require.True(t, s.ShouldPublish())

	dispatch := StageDispatcher(f, nil)
	dispatch("nobody", core.EventParticipantShouldUnpublish)
	assert.True(t, s.ShouldPublish())

	dispatch("p1", core.EventParticipantShouldUnpublish)
	assert.False(t, s.ShouldPublish())
}
