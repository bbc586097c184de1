package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain error", base, KindUnknown},
		{"transient", Transient("op", base), KindTransient},
		{"wrapped transient", fmt.Errorf("outer: %w", Transient("op", base)), KindTransient},
		{"auth", Auth("op", base), KindAuth},
		{"reauth sentinel", fmt.Errorf("refresh: %w", ErrReauthRequired), KindAuth},
		{"validation", Validation("op", base), KindValidation},
		{"persistence", Persistence("op", base), KindPersistence},
		{"rate limit", RateLimited("op", time.Second, base), KindRateLimit},
		{"context canceled", context.Canceled, KindUnknown},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: base}, KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewNilError(t *testing.T) {
	if err := New(KindTransient, "op", nil); err != nil {
		t.Errorf("New(nil) = %v, want nil", err)
	}
	if err := RateLimited("op", time.Second, nil); err != nil {
		t.Errorf("RateLimited(nil) = %v, want nil", err)
	}
}

func TestRetryAfterOf(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", RateLimited("scorer", 3*time.Second, errors.New("429")))
	if got := RetryAfterOf(err); got != 3*time.Second {
		t.Errorf("RetryAfterOf() = %v, want 3s", got)
	}
	if got := RetryAfterOf(Transient("op", errors.New("x"))); got != 0 {
		t.Errorf("RetryAfterOf(transient) = %v, want 0", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	base := errors.New("root cause")
	err := Persistence("apply diff", base)
	if !errors.Is(err, base) {
		t.Error("errors.Is should find the wrapped cause")
	}
	if err.Error() != "apply diff: persistence: root cause" {
		t.Errorf("Error() = %q", err.Error())
	}
}
