// Package driver talks to the headless-browser sidecar that owns the
// account sessions. Callers set per-call deadlines through ctx.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/campaign"
	"github.com/Mutter0815/InviteFlow/internal/collab"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
)

const upperTimeout = 10 * time.Minute

var ErrUnavailable = errors.New("driver unavailable")

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func New(baseURL string, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: upperTimeout},
		log:        logx.Or(log),
	}
}

var (
	_ collab.InviteDriver     = (*Client)(nil)
	_ collab.SessionValidator = (*Client)(nil)
)

type sessionRequest struct {
	AccountID int64  `json:"account_id"`
	Email     string `json:"email"`
	Session   string `json:"session"`
}

func toRequest(a campaign.AccountSession) sessionRequest {
	return sessionRequest{AccountID: a.ID, Email: a.Email, Session: a.SessionBlob}
}

func (c *Client) Validate(ctx context.Context, account campaign.AccountSession) error {
	return c.do(ctx, http.MethodPost, "/sessions/validate", toRequest(account), nil)
}

func (c *Client) Open(ctx context.Context, account campaign.AccountSession) (collab.DriverSession, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/sessions", toRequest(account), &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("driver returned empty session id")
	}
	c.log.Debugw("driver_session_opened", "account_id", account.ID, "session_id", out.SessionID)
	return &session{c: c, id: out.SessionID}, nil
}

type session struct {
	c  *Client
	id string
}

func (s *session) path(suffix string) string {
	return "/sessions/" + url.PathEscape(s.id) + suffix
}

func (s *session) SendInvite(ctx context.Context, profileURL, note string) (collab.InviteOutcome, error) {
	in := struct {
		ProfileURL string `json:"profile_url"`
		Note       string `json:"note,omitempty"`
	}{profileURL, note}
	var out struct {
		Outcome string `json:"outcome"`
	}
	if err := s.c.do(ctx, http.MethodPost, s.path("/invites"), in, &out); err != nil {
		return collab.OutcomeFailed, err
	}
	switch o := collab.InviteOutcome(out.Outcome); o {
	case collab.OutcomeSent, collab.OutcomeAlreadyConnected, collab.OutcomeAlreadyPending, collab.OutcomeFailed:
		return o, nil
	default:
		return collab.OutcomeFailed, fmt.Errorf("unknown invite outcome %q", out.Outcome)
	}
}

func (s *session) Connections(ctx context.Context) ([]string, error) {
	var out struct {
		Profiles []string `json:"profiles"`
	}
	if err := s.c.do(ctx, http.MethodGet, s.path("/connections"), nil, &out); err != nil {
		return nil, err
	}
	return out.Profiles, nil
}

func (s *session) Close(ctx context.Context) error {
	return s.c.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return collab.ErrSessionExpired
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("driver %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
