package resilience

import "context"

// Guard wraps calls to one dependency: retries outside, breaker inside, so
// every attempt is admitted by the breaker.
type Guard struct {
	breaker *Breaker
	retry   *Retryer
}

// NewGuard pairs a breaker with a retryer.
func NewGuard(breaker *Breaker, retry *Retryer) *Guard {
	return &Guard{breaker: breaker, retry: retry}
}

// NewRegistryGuard builds a guard for name using the registry's breaker.
func NewRegistryGuard(registry *Registry, name string, cfg RetryConfig) *Guard {
	return NewGuard(registry.Get(name), NewRetryer(name, cfg, registry.metrics))
}

// Breaker returns the underlying breaker.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Do runs op through the retry policy and the breaker.
func (g *Guard) Do(ctx context.Context, op func(context.Context) error) error {
	return g.retry.Do(ctx, func(ctx context.Context) error {
		return g.breaker.Execute(func() error {
			return op(ctx)
		})
	})
}

// Call runs op through g and returns its value.
func Call[T any](ctx context.Context, g *Guard, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
