package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/genbatch/pkg/retry"
)

func TestHTTPClientGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var payload map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"questions": []string{"q1", "q2"},
			"topic":     payload["topic"],
		})
	}))
	defer server.Close()

	c := NewHTTPClient(server.URL, "secret", time.Second)
	out, err := c.Generate(context.Background(), map[string]interface{}{"topic": "fractions"})

	require.NoError(t, err)
	assert.Equal(t, "fractions", out["topic"])
}

func TestHTTPClientStatusClassification(t *testing.T) {
	tests := []struct {
		status        int
		wantPermanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			_, err := NewHTTPClient(server.URL, "", time.Second).Generate(context.Background(), nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, errors.Is(err, retry.ErrPermanent))
			assert.Equal(t, !tt.wantPermanent, retry.IsRetryable(err))
		})
	}
}

func TestHTTPClientEmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := NewHTTPClient(server.URL, "", time.Second).Generate(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyResult)
}

func TestRateLimitedWaitsForTokens(t *testing.T) {
	var calls atomic.Int32
	base := ClientFunc(func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls.Add(1)
		return map[string]interface{}{"ok": true}, nil
	})
	c := Chain(base, RateLimited(20, 1))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), nil)
		require.NoError(t, err)
	}

	// burst of 1 at 20 rps: the 2nd and 3rd calls each wait ~50ms
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRateLimitedHonoursContext(t *testing.T) {
	c := Chain(ClientFunc(func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}), RateLimited(0.001, 1))

	_, err := c.Generate(context.Background(), nil) // consumes the only token
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.Generate(ctx, nil)
	assert.Error(t, err)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	failing := ClientFunc(func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		calls.Add(1)
		return nil, errors.New("upstream 503")
	})
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 3
	cfg.Timeout = time.Hour
	c := Chain(failing, WithBreaker(cfg, nil))

	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), nil)
		require.Error(t, err)
	}

	_, err := c.Generate(context.Background(), nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, retry.IsRetryable(err), "an open breaker should be retried later")
	assert.Equal(t, int32(3), calls.Load(), "open breaker must not reach the client")
}

func TestBreakerIgnoresPermanentErrors(t *testing.T) {
	bad := ClientFunc(func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return nil, retry.Permanent(errors.New("invalid subject"))
	})
	cfg := DefaultBreakerConfig()
	cfg.FailureThreshold = 1
	c := Chain(bad, WithBreaker(cfg, nil))

	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), nil)
		assert.ErrorIs(t, err, retry.ErrPermanent)
	}
}
