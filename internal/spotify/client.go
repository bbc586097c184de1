// Package spotify adapts the Spotify Web API to the catalog contract used by
// the syncer.
package spotify

import (
	"context"
	"net/http"

	"github.com/zmb3/spotify/v2"
)

// Client wraps the Spotify API client with convenience methods.
type Client struct {
	api *spotify.Client
}

// New creates a new Spotify client wrapper.
// The underlying client should already be authenticated.
func New(api *spotify.Client) *Client {
	return &Client{api: api}
}

// NewFromHTTP wraps an already authorized HTTP client.
func NewFromHTTP(c *http.Client) *Client {
	return New(spotify.New(c, spotify.WithRetry(true)))
}

// Profile is the signed-in user's identity.
type Profile struct {
	ID          string
	DisplayName string
}

// CurrentUser returns the signed-in user's profile.
func (c *Client) CurrentUser(ctx context.Context) (*Profile, error) {
	user, err := c.api.CurrentUser(ctx)
	if err != nil {
		return nil, classifyError("getting current user", err)
	}
	name := user.DisplayName
	if name == "" {
		name = user.ID
	}
	return &Profile{ID: user.ID, DisplayName: name}, nil
}
