// Package generation wraps the external API that turns a config payload into
// a generated result.
package generation

import (
	"context"
	"errors"
)

// Client generates a result for one config payload. Implementations may fail
// transiently; callers wrap them in a retry policy.
type Client interface {
	Generate(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)
}

// ClientFunc adapts a function to Client
type ClientFunc func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// Generate calls f
func (f ClientFunc) Generate(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, payload)
}

// ErrEmptyResult is returned when the API answers without content
var ErrEmptyResult = errors.New("generator returned an empty result")

// Middleware decorates a Client
type Middleware func(Client) Client

// Chain applies middlewares so that the first one is outermost
func Chain(c Client, mws ...Middleware) Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}
