package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
)

const (
	DefaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
)

var ErrMissingURL = errors.New("messages url missing")

type Config struct {
	URL       string
	MeetingID string
	Token     core.TokenProvider
	// OnEvent receives custom stage events addressed to a local participant.
	OnEvent        func(recipientID string, event core.EventType)
	OnNotification func(recipientID string, n core.Notification)
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// Client keeps one websocket subscription to the meeting message channel
// alive, re-dialing with a fresh token after every disconnect. It
// implements core.Messenger.
type Client struct {
	url            string
	meetingID      string
	token          core.TokenProvider
	onEvent        func(string, core.EventType)
	onNotification func(string, core.Notification)
	reconnectDelay time.Duration
	dialer         *websocket.Dialer
	pongWait       time.Duration
	pingPeriod     time.Duration

	mu         sync.RWMutex
	conn       *wsConn
	recipients map[string]struct{}
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		url:            cfg.URL,
		meetingID:      cfg.MeetingID,
		token:          cfg.Token,
		onEvent:        cfg.OnEvent,
		onNotification: cfg.OnNotification,
		reconnectDelay: cfg.ReconnectDelay,
		dialer:         cfg.Dialer,
		pongWait:       pongWait,
		pingPeriod:     pingPeriod,
		recipients:     make(map[string]struct{}),
	}, nil
}

// Run dials and serves the channel until ctx ends. Disconnects are retried
// with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	delay := c.reconnectDelay
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = c.reconnectDelay
		}
		log.Warn().Str("module", "signal").Err(err).Dur("retry_in", delay).Msg("message channel disconnected")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

func (c *Client) session(ctx context.Context) (bool, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return false, fmt.Errorf("parse messages url: %w", err)
	}
	if c.meetingID != "" {
		q := u.Query()
		q.Set("meetingId", c.meetingID)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return false, fmt.Errorf("refresh token: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	ws, _, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return false, fmt.Errorf("dial messages: %w", err)
	}
	conn := newWSConn(ws)

	c.mu.Lock()
	c.conn = conn
	recipients := make([]string, 0, len(c.recipients))
	for id := range c.recipients {
		recipients = append(recipients, id)
	}
	c.mu.Unlock()
	slices.Sort(recipients)

	log.Info().Str("module", "signal").Str("meeting", c.meetingID).Int("recipients", len(recipients)).Msg("message channel connected")
	for _, id := range recipients {
		if err := c.sendJSON(conn, frame{Type: frameSubscribe, MeetingID: c.meetingID, RecipientID: id}); err != nil {
			log.Warn().Str("module", "signal").Str("recipient", id).Err(err).Msg("resubscribe failed")
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(sctx, conn)
	err = c.readPump(sctx, conn)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	return true, err
}

// Connected reports whether a websocket session is currently up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Subscribe starts delivering messages addressed to recipientID. The
// subscription survives reconnects.
func (c *Client) Subscribe(recipientID string) error {
	if recipientID == "" {
		return core.ErrNoRecipient
	}
	c.mu.Lock()
	c.recipients[recipientID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.sendJSON(conn, frame{Type: frameSubscribe, MeetingID: c.meetingID, RecipientID: recipientID})
}

func (c *Client) Unsubscribe(recipientID string) error {
	c.mu.Lock()
	_, ok := c.recipients[recipientID]
	delete(c.recipients, recipientID)
	conn := c.conn
	c.mu.Unlock()
	if !ok || conn == nil {
		return nil
	}
	return c.sendJSON(conn, frame{Type: frameUnsubscribe, MeetingID: c.meetingID, RecipientID: recipientID})
}

func (c *Client) SendEvent(ctx context.Context, recipientID string, event core.EventType) error {
	return c.deliver(ctx, recipientID, frame{Type: frameSendEvent, Event: string(event)})
}

func (c *Client) SendNotif(ctx context.Context, recipientID string, n core.Notification) error {
	return c.deliver(ctx, recipientID, frame{Type: frameSendNotif, Notification: &n})
}

// DismissNotif sends an empty-text notification with the given id.
func (c *Client) DismissNotif(ctx context.Context, recipientID, notifID string) error {
	return c.deliver(ctx, recipientID, frame{Type: frameSendNotif, Notification: &core.Notification{ID: notifID}})
}

func (c *Client) deliver(ctx context.Context, recipientID string, f frame) error {
	if recipientID == "" {
		return core.ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	f.MeetingID = c.meetingID
	f.RecipientID = recipientID
	if err := c.sendJSON(conn, f); err != nil {
		return fmt.Errorf("send %s to %s: %w", f.Type, recipientID, err)
	}
	return nil
}
