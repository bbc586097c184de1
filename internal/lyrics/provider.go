package lyrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/retry"
)

const userAgent = "spotify-lyric-analyzer/1.0"

// ErrNotFound is returned by a provider that answered definitively that it
// has no lyrics for the track.
var ErrNotFound = errors.New("lyrics not found")

// Provider looks up lyrics for one track.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, title, artist string) (string, error)
}

// ProviderOption configures an HTTP provider.
type ProviderOption func(*httpProvider)

// WithBaseURL overrides the provider's API root.
func WithBaseURL(u string) ProviderOption {
	return func(p *httpProvider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *httpProvider) {
		p.httpClient = c
	}
}

// WithRateLimit caps requests per second. Zero or less disables the limit.
func WithRateLimit(perSecond float64) ProviderOption {
	return func(p *httpProvider) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithProviderRetry sets the retry policy for transient failures.
func WithProviderRetry(p retry.Policy) ProviderOption {
	return func(h *httpProvider) {
		h.policy = p
	}
}

// httpProvider holds what the HTTP-backed providers share.
type httpProvider struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
}

func newHTTPProvider(name, baseURL string, opts []ProviderOption) httpProvider {
	policy := retry.Default()
	policy.Attempts = 2
	p := httpProvider{
		name:       name,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(2), 1),
		policy:     policy,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// get performs a rate-limited GET with retries and returns the body of a 200
// response. 404 maps to ErrNotFound.
func (p *httpProvider) get(ctx context.Context, reqURL string) ([]byte, error) {
	return retry.DoValue(ctx, p.policy, func(ctx context.Context) ([]byte, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return p.doSingleRequest(ctx, reqURL)
	})
}

func (p *httpProvider) doSingleRequest(ctx context.Context, reqURL string) ([]byte, error) {
	op := p.name + " fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperr.Transient(op, fmt.Errorf("reading response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, apperr.RateLimited(op, time.Duration(secs)*time.Second, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return nil, apperr.Transient(op, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}
}

// LRCLibProvider fetches plain lyrics from lrclib.net.
type LRCLibProvider struct {
	httpProvider
}

// NewLRCLibProvider creates an LRCLib provider.
func NewLRCLibProvider(opts ...ProviderOption) *LRCLibProvider {
	return &LRCLibProvider{httpProvider: newHTTPProvider("lrclib", "https://lrclib.net", opts)}
}

func (p *LRCLibProvider) Name() string { return p.name }

type lrclibResponse struct {
	PlainLyrics  string `json:"plainLyrics"`
	Instrumental bool   `json:"instrumental"`
}

// Fetch looks up lyrics by exact artist and track name.
func (p *LRCLibProvider) Fetch(ctx context.Context, title, artist string) (string, error) {
	params := url.Values{
		"artist_name": {artist},
		"track_name":  {title},
	}
	body, err := p.get(ctx, p.baseURL+"/api/get?"+params.Encode())
	if err != nil {
		return "", err
	}

	var resp lrclibResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", apperr.Validation("parsing lrclib response", err)
	}
	if resp.Instrumental || strings.TrimSpace(resp.PlainLyrics) == "" {
		return "", ErrNotFound
	}
	return resp.PlainLyrics, nil
}

// LyricsOVHProvider fetches lyrics from api.lyrics.ovh.
type LyricsOVHProvider struct {
	httpProvider
}

// NewLyricsOVHProvider creates a lyrics.ovh provider.
func NewLyricsOVHProvider(opts ...ProviderOption) *LyricsOVHProvider {
	return &LyricsOVHProvider{httpProvider: newHTTPProvider("lyricsovh", "https://api.lyrics.ovh", opts)}
}

func (p *LyricsOVHProvider) Name() string { return p.name }

type ovhResponse struct {
	Lyrics string `json:"lyrics"`
	Error  string `json:"error"`
}

// Fetch looks up lyrics by artist and title path segments.
func (p *LyricsOVHProvider) Fetch(ctx context.Context, title, artist string) (string, error) {
	reqURL := fmt.Sprintf("%s/v1/%s/%s", p.baseURL, url.PathEscape(artist), url.PathEscape(title))
	body, err := p.get(ctx, reqURL)
	if err != nil {
		return "", err
	}

	var resp ovhResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", apperr.Validation("parsing lyrics.ovh response", err)
	}
	if strings.TrimSpace(resp.Lyrics) == "" {
		return "", ErrNotFound
	}
	return resp.Lyrics, nil
}

// ProvidersByName builds providers in the given order. Unknown names are an error.
func ProvidersByName(names []string, opts ...ProviderOption) ([]Provider, error) {
	providers := make([]Provider, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "lrclib":
			providers = append(providers, NewLRCLibProvider(opts...))
		case "lyricsovh":
			providers = append(providers, NewLyricsOVHProvider(opts...))
		default:
			return nil, fmt.Errorf("unknown lyrics provider %q", name)
		}
	}
	return providers, nil
}
