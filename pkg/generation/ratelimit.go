package generation

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited makes every call wait for a token from a shared limiter.
// rps: requests per second; burst: maximum burst size.
func RateLimited(rps float64, burst int) Middleware {
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next Client) Client {
		return &rateLimitedClient{next: next, limiter: limiter}
	}
}

type rateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

func (c *rateLimitedClient) Generate(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	return c.next.Generate(ctx, payload)
}
