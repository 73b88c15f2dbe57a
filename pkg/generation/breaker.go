package generation

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/psantana5/genbatch/pkg/logging"
	"github.com/psantana5/genbatch/pkg/retry"
)

// BreakerConfig configures the circuit breaker around the generation API
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // requests allowed through while half-open
	Interval         time.Duration // closed-state window after which counts reset
	Timeout          time.Duration // how long the breaker stays open
	FailureThreshold uint32        // consecutive failures that trip the breaker
}

// DefaultBreakerConfig returns defaults suited to a slow, rate-limited API
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "generator",
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// WithBreaker trips after FailureThreshold consecutive failures and rejects
// calls until Timeout passes. Permanent errors (bad payloads) do not count
// against the breaker.
func WithBreaker(cfg BreakerConfig, logger *logging.Logger) Middleware {
	if logger == nil {
		logger = logging.Nop()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, retry.ErrPermanent) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return func(next Client) Client {
		return &breakerClient{next: next, cb: cb}
	}
}

type breakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

func (c *breakerClient) Generate(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.next.Generate(ctx, payload)
	})
	if err != nil {
		return nil, err
	}
	result, _ := out.(map[string]interface{})
	return result, nil
}
