// Package scorer asks an OpenAI-compatible chat completion endpoint to score
// song lyrics.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/retry"
)

const (
	jsonResponseType   = "json_object"
	defaultHTTPTimeout = 60 * time.Second
	defaultBaseURL     = "https://api.openai.com/v1/chat/completions"
	defaultModel       = "gpt-4o-mini"
)

// ErrMissingScore is returned when the model response carries no usable score.
var ErrMissingScore = errors.New("response has no score")

// Config captures the runtime settings required to talk to the scorer.
type Config struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Request is one track to score.
type Request struct {
	Title  string
	Artist string
	Lyrics string
}

// Result is a validated score.
type Result struct {
	Score         int
	ConcernLevel  string
	Themes        []string
	Concerns      []string
	ScriptureRefs []string
	Explanation   string
	Raw           string
}

// Concern levels derived from the score.
const (
	ConcernLow    = "low"
	ConcernMedium = "medium"
	ConcernHigh   = "high"
)

// ConcernLevelFor maps a 0-100 score to its concern level.
func ConcernLevelFor(score int) string {
	switch {
	case score >= 60:
		return ConcernLow
	case score >= 40:
		return ConcernMedium
	default:
		return ConcernHigh
	}
}

// Client wraps the chat completion API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

// NewClient constructs a scorer client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	client := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		policy:     retry.Default(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Score sends the lyrics for scoring. A response without a valid 0-100 score
// is a Validation error; no score is ever made up.
func (c *Client) Score(ctx context.Context, req Request) (Result, error) {
	var empty Result
	if strings.TrimSpace(req.Lyrics) == "" {
		return empty, apperr.Validation("scoring", errors.New("lyrics required"))
	}
	if c.cfg.APIKey == "" {
		return empty, apperr.Auth("scoring", errors.New("api key required"))
	}

	payload := chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(userPromptTemplate, req.Title, req.Artist, strings.TrimSpace(req.Lyrics))},
		},
		Temperature:    0,
		ResponseFormat: map[string]string{"type": jsonResponseType},
	}

	content, err := retry.DoValue(ctx, c.policy, func(ctx context.Context) (string, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}
		return c.completeOnce(ctx, payload)
	})
	if err != nil {
		return empty, fmt.Errorf("scoring %q: %w", req.Title, err)
	}

	result, err := parseResult(content)
	if err != nil {
		return empty, apperr.Validation("parsing score", err)
	}
	return result, nil
}

type chatCompletionRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
		// Some providers return the streaming schema even when stream=false.
		Delta        chatCompletionMessage `json:"delta"`
		Text         string                `json:"text"`
		FinishReason string                `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type chatCompletionMessage struct {
	Content string `json:"content"`
	Refusal string `json:"refusal"`
}

// completeOnce issues one request and classifies its failure.
func (c *Client) completeOnce(ctx context.Context, payload chatCompletionRequest) (string, error) {
	const op = "scorer request"

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%s: encode body: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("%s: new request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.Transient(op, fmt.Errorf("http error (timeout=%s): %w", c.httpClient.Timeout, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", apperr.Transient(op, fmt.Errorf("read body: %w", err))
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", statusError(op, resp, body)
	}

	var completion chatCompletionResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", apperr.Validation(op, fmt.Errorf("decode response: %w", err))
	}
	if completion.Error != nil {
		return "", apperr.Transient(op, fmt.Errorf("api error: %s", strings.TrimSpace(completion.Error.Message)))
	}

	for _, choice := range completion.Choices {
		if content := firstNonEmpty(choice.Message.Content, choice.Delta.Content, choice.Text); content != "" {
			return content, nil
		}
	}
	if len(completion.Choices) == 0 {
		return "", apperr.Transient(op, errors.New("empty choices"))
	}
	choice := completion.Choices[0]
	return "", apperr.Transient(op, fmt.Errorf("empty content (finish_reason=%q, refusal=%q)",
		choice.FinishReason, firstNonEmpty(choice.Message.Refusal, choice.Delta.Refusal)))
}

func statusError(op string, resp *http.Response, body []byte) error {
	err := fmt.Errorf("http %d: %s", resp.StatusCode, summarizePayloadSnippet(string(body)))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.RateLimited(op, parseRetryAfter(resp.Header.Get("Retry-After")), err)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= http.StatusInternalServerError:
		return apperr.Transient(op, err)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.Auth(op, err)
	default:
		return apperr.Validation(op, err)
	}
}

func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if delay := time.Until(when); delay > 0 {
			return delay
		}
	}
	return 0
}

type scorePayload struct {
	Score         *float64 `json:"score"`
	Themes        []string `json:"themes"`
	Concerns      []string `json:"concerns"`
	ScriptureRefs []string `json:"scripture_references"`
	Explanation   string   `json:"explanation"`
}

// parseResult decodes and validates the model's JSON.
func parseResult(content string) (Result, error) {
	var parsed scorePayload
	if err := DecodeJSON(content, &parsed); err != nil {
		return Result{}, err
	}
	if parsed.Score == nil {
		return Result{}, ErrMissingScore
	}
	raw := *parsed.Score
	if math.IsNaN(raw) || raw < 0 || raw > 100 {
		return Result{}, fmt.Errorf("score %v out of range 0-100", raw)
	}
	score := int(math.Round(raw))
	return Result{
		Score:         score,
		ConcernLevel:  ConcernLevelFor(score),
		Themes:        cleanList(parsed.Themes),
		Concerns:      cleanList(parsed.Concerns),
		ScriptureRefs: cleanList(parsed.ScriptureRefs),
		Explanation:   strings.TrimSpace(parsed.Explanation),
		Raw:           content,
	}, nil
}

func cleanList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
