// Package breaker provides a process-wide registry of named circuit
// breakers guarding external dependencies.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/internal/telemetry"
)

// Defaults shared by all breakers unless overridden.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultResetTimeout     = 60 * time.Second
	DefaultFailureRate      = 0.5
	DefaultMinCalls         = 10
	DefaultWindow           = 100 * time.Second
)

// Config tunes one named breaker.
type Config struct {
	// FailureThreshold opens the breaker on this many consecutive failures.
	FailureThreshold uint32
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive successes.
	SuccessThreshold uint32
	// ResetTimeout is how long the breaker stays open before admitting a
	// trial call.
	ResetTimeout time.Duration
	// FailureRate opens the breaker when the windowed failure ratio reaches
	// it, provided at least MinCalls were observed.
	FailureRate float64
	MinCalls    uint32
	// ExcludedKinds are error kinds that never count as failures; typically
	// validation and policy refusals. They are recorded as successes, so in
	// the half-open state they count toward closing the breaker.
	ExcludedKinds []apperr.Kind
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.FailureRate == 0 {
		c.FailureRate = DefaultFailureRate
	}
	if c.MinCalls == 0 {
		c.MinCalls = DefaultMinCalls
	}
	return c
}

// Registry is a thread-safe set of named breakers.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	configs  map[string]Config
	logger   *slog.Logger
}

// NewRegistry creates an empty breaker registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		breakers: map[string]*gobreaker.CircuitBreaker{},
		configs:  map[string]Config{},
		logger:   logger,
	}
}

// Configure sets the config used when the named breaker is first created.
// It has no effect on an already-created breaker.
func (r *Registry) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
}

// get returns (creating on first use) the named breaker.
func (r *Registry) get(name string) (*gobreaker.CircuitBreaker, Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.configs[name].withDefaults()
	cb, ok := r.breakers[name]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.SuccessThreshold,
			Interval:    DefaultWindow,
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.ConsecutiveFailures >= cfg.FailureThreshold {
					return true
				}
				if counts.Requests >= cfg.MinCalls {
					rate := float64(counts.TotalFailures) / float64(counts.Requests)
					if rate >= cfg.FailureRate {
						return true
					}
				}
				return false
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				telemetry.BreakerTransitionsTotal.WithLabelValues(name, to.String()).Inc()
				r.logger.Warn("circuit breaker transition",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				// Excluded kinds are the caller's problem, not the
				// dependency's; treat them as successes so they never trip
				// the breaker.
				kind := apperr.KindOf(err)
				for _, ex := range cfg.ExcludedKinds {
					if kind == ex {
						return true
					}
				}
				return false
			},
		})
		r.breakers[name] = cb
	}
	return cb, cfg
}

// Execute runs fn through the named breaker. When the breaker is open the
// callable is not invoked and a typed BreakerOpen error is returned.
func (r *Registry) Execute(name string, fn func() (any, error)) (any, error) {
	cb, _ := r.get(name)
	out, err := cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, apperr.Wrap(apperr.KindBreakerOpen, err, "dependency %s suppressed by circuit breaker", name)
		}
		return out, err
	}
	return out, nil
}

// State returns the current state name of the named breaker; "closed" for a
// breaker that was never used.
func (r *Registry) State(name string) string {
	r.mu.Lock()
	cb, ok := r.breakers[name]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}
