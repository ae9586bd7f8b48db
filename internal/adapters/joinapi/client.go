// Package joinapi is the client of the meeting join service, which hands out
// the per-group stage credentials of one call entry.
package joinapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
)

const (
	DefaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

var (
	ErrMissingURL = errors.New("join url missing")
	ErrJoinFailed = errors.New("join request failed")
)

type Config struct {
	URL        string
	HTTPClient *http.Client
	// Auth, when set, supplies the Authorization header of every request.
	Auth core.TokenProvider
}

type Client struct {
	url  string
	http *http.Client
	auth core.TokenProvider
}

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{url: cfg.URL, http: hc, auth: cfg.Auth}, nil
}

type joinRequest struct {
	MeetingID string `json:"meetingId,omitempty"`
}

// Join enters meetingIDOrAlias, or creates a new meeting when it is empty,
// and returns the validated stage credentials.
func (c *Client) Join(ctx context.Context, meetingIDOrAlias string) (*domain.JoinResponse, error) {
	body, err := json.Marshal(joinRequest{MeetingID: meetingIDOrAlias})
	if err != nil {
		return nil, fmt.Errorf("encode join request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build join request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		token, err := c.auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("join auth token: %w", err)
		}
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJoinFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: status %d: %s", ErrJoinFailed, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out domain.JoinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode join response: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("join response: %w", err)
	}
	log.Info().Str("module", "joinapi").Str("meeting", out.MeetingID).Str("stage", out.StageArn).Msg("joined meeting")
	return &out, nil
}
