package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	SceneChannelLabel = "scene"

	contentTypeSDP = "application/sdp"
	maxAnswerBytes = 1 << 20
)

var (
	ErrIngestRejected     = errors.New("ingest rejected offer")
	ErrAlreadyPublishing  = errors.New("publisher already connected")
	ErrNotPublishing      = errors.New("publisher not connected")
	ErrGatheringCancelled = errors.New("ice gathering cancelled")
)

type PublisherConfig struct {
	ICEServers []string
	HTTPClient *http.Client
	// OnStateChange receives every peer connection state transition.
	OnStateChange func(webrtc.PeerConnectionState)
}

// Publisher pushes local tracks to a WHIP ingest endpoint and carries scene
// messages on a data channel next to the media.
type Publisher struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	client     *http.Client
	onState    func(webrtc.PeerConnectionState)

	mu         sync.Mutex
	starting   bool
	pc         *webrtc.PeerConnection
	scene      *webrtc.DataChannel
	open       bool
	pending    [][]byte
	sessionURL string
	sessionID  string
}

// NewAPI builds a pion API with the default codecs and the default
// interceptor chain (NACK, RTCP reports, TWCC).
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir)), nil
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	api, err := NewAPI()
	if err != nil {
		return nil, err
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Publisher{api: api, iceServers: servers, client: client, onState: cfg.OnStateChange}, nil
}

// Publish negotiates a send-only session with the ingest endpoint, using
// streamKey as the bearer token. It returns once the answer is applied.
func (p *Publisher) Publish(ctx context.Context, endpoint, streamKey string, tracks ...*LocalTrack) error {
	p.mu.Lock()
	if p.pc != nil || p.starting {
		p.mu.Unlock()
		return ErrAlreadyPublishing
	}
	p.starting = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.starting = false
		p.mu.Unlock()
	}()

	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.iceServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	sessionURL, sessionID, err := p.negotiate(ctx, pc, endpoint, streamKey, tracks)
	if err != nil {
		if cErr := pc.Close(); cErr != nil {
			log.Error().Str("module", "rtc.publisher").Err(cErr).Msg("close after failed publish")
		}
		return err
	}

	p.mu.Lock()
	p.sessionURL = sessionURL
	p.sessionID = sessionID
	p.mu.Unlock()
	log.Info().Str("module", "rtc.publisher").Str("session", sessionID).Int("tracks", len(tracks)).Msg("publishing")
	return nil
}

func (p *Publisher) negotiate(ctx context.Context, pc *webrtc.PeerConnection, endpoint, streamKey string, tracks []*LocalTrack) (string, string, error) {
	for _, t := range tracks {
		tr, err := pc.AddTransceiverFromTrack(t.TrackLocalStaticRTP, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return "", "", fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		go drainRTCP(tr.Sender())
	}

	dc, err := pc.CreateDataChannel(SceneChannelLabel, nil)
	if err != nil {
		return "", "", fmt.Errorf("create scene channel: %w", err)
	}
	dc.OnOpen(p.flush)
	dc.OnClose(func() {
		p.mu.Lock()
		p.open = false
		p.mu.Unlock()
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc.publisher").Str("peer_connection_state", s.String()).Msg("peer state")
		if p.onState != nil {
			p.onState(s)
		}
	})

	p.mu.Lock()
	p.pc = pc
	p.scene = dc
	p.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", "", p.abort(fmt.Errorf("create offer: %w", err))
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", "", p.abort(fmt.Errorf("set local description: %w", err))
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return "", "", p.abort(fmt.Errorf("%w: %w", ErrGatheringCancelled, ctx.Err()))
	}

	answer, location, err := p.post(ctx, endpoint, streamKey, pc.LocalDescription().SDP)
	if err != nil {
		return "", "", p.abort(err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		return "", "", p.abort(fmt.Errorf("set remote description: %w", err))
	}

	sessionID := uuid.NewString()
	if location != "" {
		sessionID = path.Base(location)
	}
	return location, sessionID, nil
}

func (p *Publisher) abort(err error) error {
	p.mu.Lock()
	p.pc = nil
	p.scene = nil
	p.open = false
	p.pending = nil
	p.mu.Unlock()
	return err
}

func (p *Publisher) post(ctx context.Context, endpoint, streamKey, offer string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(offer))
	if err != nil {
		return "", "", fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	req.Header.Set("Authorization", "Bearer "+streamKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("post offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBytes))
	if err != nil {
		return "", "", fmt.Errorf("read answer: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("%w: status %d", ErrIngestRejected, resp.StatusCode)
	}

	location := resp.Header.Get("Location")
	if location != "" {
		if base, err := url.Parse(endpoint); err == nil {
			if ref, err := url.Parse(location); err == nil {
				location = base.ResolveReference(ref).String()
			}
		}
	}
	return string(body), location, nil
}

func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// SendScene sends v as JSON on the scene channel. Messages sent before the
// channel opens are queued and flushed in order.
func (p *Publisher) SendScene(v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode scene message: %w", err)
	}
	p.mu.Lock()
	dc, open := p.scene, p.open
	if dc == nil {
		p.mu.Unlock()
		return ErrNotPublishing
	}
	if !open {
		p.pending = append(p.pending, msg)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return dc.SendText(string(msg))
}

func (p *Publisher) flush() {
	p.mu.Lock()
	dc := p.scene
	pending := p.pending
	p.pending = nil
	p.open = true
	p.mu.Unlock()
	if dc == nil {
		return
	}
	for _, msg := range pending {
		if err := dc.SendText(string(msg)); err != nil {
			log.Warn().Str("module", "rtc.publisher").Err(err).Msg("flush scene message")
			return
		}
	}
}

func (p *Publisher) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Close ends the ingest session with a DELETE on its resource URL and closes
// the peer connection. Safe to call when not publishing.
func (p *Publisher) Close(ctx context.Context) {
	p.mu.Lock()
	pc, sessionURL, sid := p.pc, p.sessionURL, p.sessionID
	p.pc, p.scene, p.open, p.pending = nil, nil, false, nil
	p.sessionURL, p.sessionID = "", ""
	p.mu.Unlock()

	if sessionURL != "" {
		p.teardown(ctx, sessionURL)
	}
	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc.publisher").Str("session", sid).Msg("close error")
	} else {
		log.Info().Str("module", "rtc.publisher").Str("session", sid).Msg("closed")
	}
}

func (p *Publisher) teardown(ctx context.Context, sessionURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, sessionURL, nil)
	if err != nil {
		log.Warn().Str("module", "rtc.publisher").Err(err).Msg("build teardown request")
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		log.Warn().Str("module", "rtc.publisher").Err(err).Str("url", sessionURL).Msg("ingest teardown failed")
		return
	}
	resp.Body.Close()
}
