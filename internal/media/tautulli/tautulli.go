// Package tautulli talks to the Tautulli v2 API, which fronts Plex activity.
package tautulli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/streamlimit/internal/media"
	"github.com/rs/zerolog"
)

const apiPath = "/api/v2"

// Client is a media.Server backed by Tautulli
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Config holds the client settings
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// New creates a Tautulli client
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     cfg.Logger.With().Str("component", "tautulli").Logger(),
	}
}

// Name implements media.Server
func (c *Client) Name() string {
	return "tautulli"
}

// ActiveSessions returns every stream reported by get_activity
func (c *Client) ActiveSessions(ctx context.Context) ([]media.Session, error) {
	var data activityData
	if err := c.call(ctx, "get_activity", nil, &data); err != nil {
		return nil, err
	}

	sessions := make([]media.Session, 0, len(data.Sessions))
	for _, s := range data.Sessions {
		sessions = append(sessions, media.Session{
			SessionID: string(s.SessionID),
			UserID:    string(s.UserID),
			Username:  s.Username,
			RatingKey: string(s.RatingKey),
			State:     s.State,
		})
	}

	c.logger.Debug().Int("sessions", len(sessions)).Msg("Fetched activity")

	return sessions, nil
}

// Terminate stops a stream and shows message to the viewer
func (c *Client) Terminate(ctx context.Context, sessionID, message string) error {
	params := url.Values{}
	params.Set("session_id", sessionID)
	params.Set("message", message)

	if err := c.call(ctx, "terminate_session", params, nil); err != nil {
		return err
	}

	c.logger.Debug().Str("session_id", sessionID).Msg("Terminated session")

	return nil
}

// call issues one API command and decodes response.data into out
func (c *Client) call(ctx context.Context, cmd string, params url.Values, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("apikey", c.apiKey)
	params.Set("cmd", cmd)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPath+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", cmd, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", cmd, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: failed to read response: %w", cmd, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", cmd, resp.StatusCode)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%s: failed to decode response: %w", cmd, err)
	}

	if envelope.Response.Result != "success" {
		msg := "unknown error"
		if envelope.Response.Message != nil {
			msg = *envelope.Response.Message
		}
		return fmt.Errorf("%s: %s", cmd, msg)
	}

	if out == nil || len(envelope.Response.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(envelope.Response.Data, out); err != nil {
		return fmt.Errorf("%s: failed to decode data: %w", cmd, err)
	}

	return nil
}

type apiEnvelope struct {
	Response struct {
		Result  string          `json:"result"`
		Message *string         `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"response"`
}

type activityData struct {
	Sessions []activitySession `json:"sessions"`
}

type activitySession struct {
	SessionID flexString `json:"session_id"`
	UserID    flexString `json:"user_id"`
	Username  string     `json:"username"`
	RatingKey flexString `json:"rating_key"`
	State     string     `json:"state"`
}

// flexString accepts both JSON strings and numbers; Tautulli reports ids
// as either depending on version.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}
