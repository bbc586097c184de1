package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
)

// ErrInvalidGrant is returned when the identity provider rejects the refresh token.
var ErrInvalidGrant = errors.New("invalid_grant")

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes tokens against Spotify's token endpoint.
type OAuthRefresher struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// RefresherOption configures an OAuthRefresher.
type RefresherOption func(*OAuthRefresher)

// WithTokenURL overrides the token endpoint.
func WithTokenURL(url string) RefresherOption {
	return func(r *OAuthRefresher) {
		r.config.Endpoint.TokenURL = url
	}
}

// WithRefreshHTTPClient sets the HTTP client used for refresh calls.
func WithRefreshHTTPClient(c *http.Client) RefresherOption {
	return func(r *OAuthRefresher) {
		r.httpClient = c
	}
}

// NewOAuthRefresher creates a refresher for the given app credentials.
func NewOAuthRefresher(clientID, clientSecret string, opts ...RefresherOption) *OAuthRefresher {
	r := &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   spotifyauth.AuthURL,
				TokenURL:  spotifyauth.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			Scopes: Scopes,
		},
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh performs one refresh call. A response without a new refresh token
// keeps the old one.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

func classifyRefreshError(err error) error {
	const op = "refreshing token"

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		// No HTTP answer from the token endpoint.
		return apperr.Transient(op, err)
	}
	if re.ErrorCode == "invalid_grant" {
		return apperr.Auth(op, fmt.Errorf("%w: %s", ErrInvalidGrant, re.ErrorDescription))
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	// Any other answer, 5xx included, is surfaced without a retry; the token
	// is left as is and the next EnsureValid tries again.
	if status == http.StatusTooManyRequests {
		return apperr.RateLimited(op, retryAfter(re.Response), err)
	}
	return apperr.New(apperr.KindUnknown, op, err)
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
