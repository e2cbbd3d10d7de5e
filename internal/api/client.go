package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"marketchat/internal/credstore"
)

var (
	// ErrUnauthorized is returned when a request stays rejected after the
	// one-time token refresh.
	ErrUnauthorized = errors.New("api: unauthorized")

	// ErrNoRefreshToken is returned when a 401 cannot be retried because
	// no refresh credential is stored.
	ErrNoRefreshToken = errors.New("api: no refresh token")
)

// CredentialStore is the client-side storage the API client reads bearer
// tokens from and rotates them into.
type CredentialStore interface {
	Tokens() (access, refresh string, err error)
	SaveTokens(access, refresh string) error
	Clear() error
}

// Client talks to the marketplace backend. Authenticated calls retry
// exactly once after a successful token refresh when the server answers
// 401; a failed refresh purges the stored credentials.
type Client struct {
	base  *url.URL
	http  *http.Client
	creds CredentialStore
	log   zerolog.Logger
}

// NewClient builds a Client for the given API origin.
func NewClient(origin string, creds CredentialStore, httpClient *http.Client, log zerolog.Logger) (*Client, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse api origin: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base:  base,
		http:  httpClient,
		creds: creds,
		log:   log.With().Str("component", "api").Logger(),
	}, nil
}

// WebSocketURL derives the broker endpoint from the API origin.
func (c *Client) WebSocketURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/chat"
	return u.String()
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
}

// expirySkew treats access tokens this close to their exp claim as
// already expired, so the refresh happens before the request instead of
// after a guaranteed 401.
const expirySkew = 30 * time.Second

// do runs one authenticated request with the refresh-on-401 fallback and
// decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, req request, out any) error {
	access, _, err := c.creds.Tokens()
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	if access != "" {
		if exp, err := credstore.AccessExpiresAt(access); err == nil && time.Until(exp) < expirySkew {
			if fresh, err := c.refresh(ctx); err == nil {
				access = fresh
			}
		}
	}

	status, data, err := c.roundTrip(ctx, req, access)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		access, err = c.refresh(ctx)
		if err != nil {
			return err
		}
		status, data, err = c.roundTrip(ctx, req, access)
		if err != nil {
			return err
		}
	}
	if status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("api: %s %s: status %d: %s", req.method, req.path, status, truncate(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req request, access string) (int, []byte, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + req.path
	if req.query != nil {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return 0, nil, err
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if access != "" {
		httpReq.Header.Set("Authorization", "Bearer "+access)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("api: %s %s: %w", req.method, req.path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("api: read %s response: %w", req.path, err)
	}
	return resp.StatusCode, data, nil
}

// refresh exchanges the stored refresh token for a new pair and persists
// it. Any failure purges the stored credentials so callers fall back to
// an unauthenticated state instead of looping on a dead token.
func (c *Client) refresh(ctx context.Context) (string, error) {
	_, refreshToken, err := c.creds.Tokens()
	if err != nil {
		return "", fmt.Errorf("read credentials: %w", err)
	}
	if refreshToken == "" {
		_ = c.creds.Clear()
		return "", ErrNoRefreshToken
	}

	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return "", err
	}
	status, data, err := c.roundTrip(ctx, request{
		method:      http.MethodPost,
		path:        "/api/auth/refresh",
		body:        payload,
		contentType: "application/json",
	}, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		c.log.Warn().Int("status", status).Msg("token refresh rejected, clearing credentials")
		_ = c.creds.Clear()
		return "", ErrUnauthorized
	}

	var pair TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if err := c.creds.SaveTokens(pair.AccessToken, pair.RefreshToken); err != nil {
		return "", fmt.Errorf("save rotated tokens: %w", err)
	}
	c.log.Debug().Msg("access token refreshed")
	return pair.AccessToken, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, request{
		method:      http.MethodPost,
		path:        path,
		body:        body,
		contentType: "application/json",
	}, out)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, request{method: http.MethodGet, path: path, query: query}, out)
}

func truncate(data []byte) string {
	const max = 256
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}
