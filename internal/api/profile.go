package api

import (
	"context"
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
)

// CurrentUser fetches the authenticated profile. A nil user with a nil
// error is never returned; auth failure after the refresh retry comes
// back as ErrUnauthorized with the credentials already purged.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, "/api/users/me", nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateProfile applies a partial profile edit and returns the stored
// result.
func (c *Client) UpdateProfile(ctx context.Context, patch ProfilePatch) (*User, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, err
	}
	var u User
	err = c.do(ctx, request{
		method:      http.MethodPatch,
		path:        "/api/users/me",
		body:        body,
		contentType: "application/json",
	}, &u)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Logout asks the server to drop its session cookie. The caller has
// already cleared the stored tokens by this point, so the request goes
// out unauthenticated and must not enter the refresh-on-401 path.
func (c *Client) Logout(ctx context.Context) error {
	status, data, err := c.roundTrip(ctx, request{method: http.MethodPost, path: "/api/auth/logout"}, "")
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("api: logout: status %d: %s", status, truncate(data))
	}
	return nil
}
