package api

import (
	"context"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
)

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

// Register creates a new account. No tokens are issued; call Login
// afterwards.
func (c *Client) Register(ctx context.Context, username, email, password string) error {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"email":    email,
		"password": password,
	})
	if err != nil {
		return err
	}
	status, data, err := c.roundTrip(ctx, request{
		method:      http.MethodPost,
		path:        "/api/auth/register",
		body:        payload,
		contentType: "application/json",
	}, "")
	if err != nil {
		return err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return fmt.Errorf("api: register: status %d: %s", status, truncate(data))
	}
	return nil
}

// Login exchanges username and password for a token pair, stores the
// pair in the credential store and returns the authenticated user.
func (c *Client) Login(ctx context.Context, username, password string) (*User, error) {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	status, data, err := c.roundTrip(ctx, request{
		method:      http.MethodPost,
		path:        "/api/auth/login",
		body:        payload,
		contentType: "application/json",
	}, "")
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("api: login: status %d: %s", status, truncate(data))
	}

	var resp loginResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if err := c.creds.SaveTokens(resp.AccessToken, resp.RefreshToken); err != nil {
		return nil, fmt.Errorf("save tokens: %w", err)
	}
	return &resp.User, nil
}
