// Package resilience guards calls to external dependencies with circuit
// breakers and retries, and classifies unexpected redirects.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-price-watch/metrics"
	"github.com/aluiziolira/go-price-watch/models"
	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned when a call is rejected without being attempted.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerSettings configures every breaker created by a Registry.
type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// Breaker guards a single named dependency.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics

	mu          sync.Mutex
	lastFailure time.Time
}

// NewBreaker builds a breaker for the named dependency. Only retryable errors
// count as dependency failures.
func NewBreaker(name string, settings BreakerSettings, m *metrics.Metrics) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 1
	}
	if settings.ResetTimeout <= 0 {
		settings.ResetTimeout = time.Minute
	}

	b := &Breaker{name: name, metrics: m}
	threshold := uint32(settings.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(settings.SuccessThreshold),
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state change",
				slog.String("dependency", name),
				slog.String("from", string(stateOf(from))),
				slog.String("to", string(stateOf(to))),
			)
			m.SetBreakerState(name, stateValue(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
	})
	m.SetBreakerState(name, 0)
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn unless the breaker is open.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrBreakerOpen, b.name)
	}
	if err != nil && IsRetryable(err) {
		b.mu.Lock()
		b.lastFailure = time.Now()
		b.mu.Unlock()
	}
	return err
}

// State returns the current state, moving OPEN to HALF_OPEN once the reset
// timeout has elapsed.
func (b *Breaker) State() models.BreakerState {
	return stateOf(b.cb.State())
}

// Snapshot returns a point-in-time view of the breaker.
func (b *Breaker) Snapshot() models.CircuitBreakerState {
	counts := b.cb.Counts()
	snap := models.CircuitBreakerState{
		Name:         b.name,
		State:        b.State(),
		FailureCount: int(counts.ConsecutiveFailures),
		SuccessCount: int(counts.ConsecutiveSuccesses),
	}
	b.mu.Lock()
	if !b.lastFailure.IsZero() {
		last := b.lastFailure
		snap.LastFailureTime = &last
	}
	b.mu.Unlock()
	return snap
}

func stateOf(s gobreaker.State) models.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return models.BreakerOpen
	case gobreaker.StateHalfOpen:
		return models.BreakerHalfOpen
	default:
		return models.BreakerClosed
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// Registry owns one breaker per dependency name. It is created at process
// start and passed to the components that call out.
type Registry struct {
	settings BreakerSettings
	metrics  *metrics.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(settings BreakerSettings, m *metrics.Metrics) *Registry {
	return &Registry{
		settings: settings,
		metrics:  m,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.settings, r.metrics)
		r.breakers[name] = b
	}
	return b
}

// Snapshot lists every breaker's state ordered by name.
func (r *Registry) Snapshot() []models.CircuitBreakerState {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]models.CircuitBreakerState, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
