package scout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/pipz"
	"github.com/zoobzio/zyn"
	"golang.org/x/time/rate"
)

// Provider defines the interface for oracle backends.
// This matches zyn.Provider interface for compatibility.
type Provider interface {
	Call(ctx context.Context, messages []zyn.Message, temperature float32) (*zyn.ProviderResponse, error)
	Name() string
}

// Context key for provider.
type providerKeyType struct{}

var providerKey = providerKeyType{}

// Global provider fallback.
var (
	globalProvider   Provider
	globalProviderMu sync.RWMutex
)

// SetProvider sets the global fallback provider.
// This provider is used when no context or component-level provider is available.
func SetProvider(p Provider) {
	globalProviderMu.Lock()
	defer globalProviderMu.Unlock()
	globalProvider = p
}

// GetProvider returns the global provider, if set.
func GetProvider() Provider {
	globalProviderMu.RLock()
	defer globalProviderMu.RUnlock()
	return globalProvider
}

// WithProvider adds a provider to the context.
func WithProvider(ctx context.Context, p Provider) context.Context {
	return context.WithValue(ctx, providerKey, p)
}

// ProviderFromContext retrieves the provider from context, if present.
func ProviderFromContext(ctx context.Context) (Provider, bool) {
	p, ok := ctx.Value(providerKey).(Provider)
	return p, ok
}

// ResolveProvider determines which provider to use based on resolution order:
// 1. Component-level provider (passed as argument)
// 2. Context provider
// 3. Global provider
// 4. Error if none found.
func ResolveProvider(ctx context.Context, explicit Provider) (Provider, error) {
	if explicit != nil {
		return explicit, nil
	}
	if p, ok := ProviderFromContext(ctx); ok && p != nil {
		return p, nil
	}
	if p := GetProvider(); p != nil {
		return p, nil
	}
	return nil, ErrNoProvider
}

// RateLimitedProvider shares one token bucket across every session calling
// the wrapped provider.
type RateLimitedProvider struct {
	base    Provider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps base with a limiter of limit calls per second
// and the given burst.
func NewRateLimitedProvider(base Provider, limit rate.Limit, burst int) *RateLimitedProvider {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{
		base:    base,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Call waits for a token, then forwards to the wrapped provider.
func (p *RateLimitedProvider) Call(ctx context.Context, messages []zyn.Message, temperature float32) (*zyn.ProviderResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("oracle rate limit: %w", err)
	}
	return p.base.Call(ctx, messages, temperature)
}

// Name returns the wrapped provider's name.
func (p *RateLimitedProvider) Name() string {
	return p.base.Name()
}

var _ Provider = (*RateLimitedProvider)(nil)

// oracleCall is one structured oracle request. The request fields are never
// written after construction, so a call abandoned at its deadline cannot race
// with the stage that issued it.
type oracleCall[R any] struct {
	input    zyn.ExtractionInput
	fire     func(context.Context, zyn.ExtractionInput) (R, error)
	response R
}

// newOracleCall builds the timed oracle stage shared by the router, the
// synthesizer and the reviewer.
func newOracleCall[R any](name string, timeout time.Duration) *pipz.Timeout[*oracleCall[R]] {
	var call pipz.Chainable[*oracleCall[R]] = pipz.Apply(
		pipz.NewIdentity(name, "Send one request to the oracle"),
		func(ctx context.Context, c *oracleCall[R]) (*oracleCall[R], error) {
			resp, err := c.fire(ctx, c.input)
			if err != nil {
				return c, err
			}
			return &oracleCall[R]{input: c.input, fire: c.fire, response: resp}, nil
		},
	)
	return pipz.NewTimeout(
		pipz.NewIdentity(name+"-timeout", "Bound the oracle request"),
		call,
		timeout,
	)
}
