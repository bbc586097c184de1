package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
	"github.com/justestif/go-spotify-lyric-analyzer/internal/retry"
)

func writeCompletion(t *testing.T, w http.ResponseWriter, content string) {
	t.Helper()
	payload := map[string]any{
		"choices": []any{
			map[string]any{
				"message": map[string]any{"content": content},
			},
		},
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

func newTestClient(serverURL string) *Client {
	policy := retry.Default()
	policy.Sleep = retry.NoSleep
	return NewClient(Config{APIKey: "test", BaseURL: serverURL, Model: "demo-model"}, WithRetryPolicy(policy))
}

var testRequest = Request{Title: "Amazing Grace", Artist: "Chris Tomlin", Lyrics: "Amazing grace how sweet the sound"}

func TestClientScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "demo-model" || req.ResponseFormat["type"] != jsonResponseType {
			t.Errorf("request = %+v", req)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "Amazing grace how sweet") {
			t.Errorf("user message missing lyrics: %+v", req.Messages)
		}
		writeCompletion(t, w, `{"score":92,"themes":["grace","redemption"],"concerns":[],"scripture_references":["Ephesians 2:8"],"explanation":"Hymn of grace."}`)
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).Score(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if got.Score != 92 || got.ConcernLevel != ConcernLow {
		t.Errorf("Score = %d/%s, want 92/low", got.Score, got.ConcernLevel)
	}
	if len(got.Themes) != 2 || got.ScriptureRefs[0] != "Ephesians 2:8" {
		t.Errorf("result = %+v", got)
	}
}

func TestClientScoreCodeFence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(t, w, "```json\n{\"score\":45,\"themes\":[\"doubt\"]}\n```")
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).Score(context.Background(), testRequest)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if got.Score != 45 || got.ConcernLevel != ConcernMedium {
		t.Errorf("Score = %d/%s, want 45/medium", got.Score, got.ConcernLevel)
	}
}

func TestClientScoreRejectsInvalidPayloads(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing score", `{"themes":["grace"]}`},
		{"score above range", `{"score":140}`},
		{"negative score", `{"score":-3}`},
		{"not json", `I think this song is fine.`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeCompletion(t, w, tt.content)
			}))
			defer server.Close()

			got, err := newTestClient(server.URL).Score(context.Background(), testRequest)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("Score() error = %v, want validation error", err)
			}
			if got.Score != 0 || got.ConcernLevel != "" {
				t.Errorf("Score() = %+v, want zero result", got)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, malformed payloads are not retried", calls.Load())
			}
		})
	}
}

func TestClientScoreRetries(t *testing.T) {
	tests := []struct {
		name    string
		respond func(w http.ResponseWriter)
	}{
		{"server error", func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) }},
		{"rate limited", func(w http.ResponseWriter) {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		}},
		{"empty content", func(w http.ResponseWriter) {
			w.Write([]byte(`{"choices":[{"message":{"content":""},"finish_reason":"length"}]}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					tt.respond(w)
					return
				}
				writeCompletion(t, w, `{"score":70}`)
			}))
			defer server.Close()

			got, err := newTestClient(server.URL).Score(context.Background(), testRequest)
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if got.Score != 70 || calls.Load() != 2 {
				t.Errorf("score = %d, calls = %d", got.Score, calls.Load())
			}
		})
	}
}

func TestClientScorePersistentFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Score(context.Background(), testRequest)
	if err == nil || !strings.Contains(err.Error(), "failed after 3 attempts") {
		t.Fatalf("Score() error = %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClientScoreUnauthorizedNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).Score(context.Background(), testRequest)
	if !apperr.Is(err, apperr.KindAuth) {
		t.Errorf("Score() error = %v, want auth error", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClientScoreRequiresLyricsAndKey(t *testing.T) {
	client := NewClient(Config{APIKey: "test"})
	if _, err := client.Score(context.Background(), Request{Title: "Song"}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Score(no lyrics) error = %v", err)
	}
	client = NewClient(Config{})
	if _, err := client.Score(context.Background(), testRequest); err == nil {
		t.Error("expected error without api key")
	}
}

func TestClientScoreTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	policy := retry.Default()
	policy.Sleep = retry.NoSleep
	policy.Attempts = 2
	client := NewClient(Config{APIKey: "test", BaseURL: server.URL, Timeout: 20 * time.Millisecond}, WithRetryPolicy(policy))

	_, err := client.Score(context.Background(), testRequest)
	if !apperr.Is(err, apperr.KindTransient) {
		t.Errorf("Score() error = %v, want transient", err)
	}
}

func TestConcernLevelFor(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{100, ConcernLow},
		{60, ConcernLow},
		{59, ConcernMedium},
		{40, ConcernMedium},
		{39, ConcernHigh},
		{0, ConcernHigh},
	}
	for _, tt := range tests {
		if got := ConcernLevelFor(tt.score); got != tt.want {
			t.Errorf("ConcernLevelFor(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", `{"score":1}`, false},
		{"fenced", "```json\n{\"score\":1}\n```", false},
		{"prose around", "Here you go: {\"score\":1} hope that helps", false},
		{"empty", "   ", true},
		{"garbage", "no json here", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out struct {
				Score int `json:"score"`
			}
			err := DecodeJSON(tt.content, &out)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && out.Score != 1 {
				t.Errorf("Score = %d", out.Score)
			}
		})
	}
	if err := DecodeJSON("", &struct{}{}); err == nil || errors.Is(err, ErrMissingScore) {
		t.Errorf("DecodeJSON(empty) error = %v", err)
	}
}
