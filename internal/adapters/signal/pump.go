package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Frame types on the wire.
const (
	frameSubscribe    = "subscribe"
	frameUnsubscribe  = "unsubscribe"
	frameSendEvent    = "sendEvent"
	frameSendNotif    = "sendNotif"
	frameEvent        = "event"
	frameNotification = "notification"
	framePing         = "ping"
	framePong         = "pong"
)

type frame struct {
	Type         string             `json:"type"`
	MeetingID    string             `json:"meetingId,omitempty"`
	RecipientID  string             `json:"recipientId,omitempty"`
	Event        string             `json:"event,omitempty"`
	Notification *core.Notification `json:"notification,omitempty"`
}

// customStageEvents lists the events a remote party may raise on a local stage.
var customStageEvents = map[core.EventType]struct{}{
	core.EventParticipantShouldUnpublish: {},
}

func (c *Client) writePump(ctx context.Context, conn *wsConn) {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			_ = conn.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case data, ok := <-conn.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := conn.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *wsConn) error {
	defer conn.Close()

	_ = conn.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(conn, data)
	}
}

func (c *Client) handleFrame(conn *wsConn, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch f.Type {
	case frameEvent:
		ev := core.EventType(f.Event)
		if _, ok := customStageEvents[ev]; !ok {
			log.Debug().Str("module", "signal").Str("event", f.Event).Msg("ignoring non-stage event")
			return
		}
		if c.onEvent != nil {
			c.onEvent(f.RecipientID, ev)
		}
	case frameNotification:
		if f.Notification != nil && c.onNotification != nil {
			c.onNotification(f.RecipientID, *f.Notification)
		}
	case framePing:
		_ = c.sendJSON(conn, frame{Type: framePong})
	case framePong:
	default:
		log.Warn().Str("module", "signal").Str("type", f.Type).Msg("unknown frame")
	}
}

func (c *Client) sendJSON(conn *wsConn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return err
	}
	return conn.TrySend(b)
}
