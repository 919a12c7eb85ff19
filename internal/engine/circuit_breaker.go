package engine

import (
	"sync"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// CircuitState is the position of one action's breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{
	CircuitClosed:   "closed",
	CircuitOpen:     "open",
	CircuitHalfOpen: "half_open",
}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreakerConfig tunes the per-action breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is how many external-service failures in a row open
	// the circuit. Zero turns breakers off.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax caps concurrent probes while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig opens after five failures and probes after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, HalfOpenMax: 1}
}

// breaker tracks one action. All methods require mu to be held.
type breaker struct {
	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probes   int
}

func (b *breaker) admit(action string, now time.Time, cfg CircuitBreakerConfig) error {
	switch b.state {
	case CircuitOpen:
		wait := cfg.Cooldown - now.Sub(b.openedAt)
		if wait > 0 {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable,
				"action %q is unavailable: circuit open after %d failures", action, b.failures).
				WithDetails(map[string]any{
					"action":             action,
					"failures":           b.failures,
					"cooldown_remaining": wait.String(),
				})
		}
		b.state, b.probes = CircuitHalfOpen, 1
	case CircuitHalfOpen:
		if b.probes >= cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeActionUnavailable,
				"action %q is unavailable: recovery probe in flight", action)
		}
		b.probes++
	}
	return nil
}

func (b *breaker) fail(now time.Time, cfg CircuitBreakerConfig) CircuitState {
	b.failures++
	if b.state == CircuitHalfOpen || b.failures >= cfg.FailureThreshold {
		b.state, b.openedAt = CircuitOpen, now
	}
	return b.state
}

func (b *breaker) reset() {
	b.state, b.failures, b.probes = CircuitClosed, 0, 0
}

// CircuitBreakerRegistry holds a breaker per action name. One registry is
// shared by every execution an Executor runs, so concurrent loop iterations
// see the same circuit.
type CircuitBreakerRegistry struct {
	config CircuitBreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		config:   config,
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
}

func (r *CircuitBreakerRegistry) enabled() bool { return r.config.FailureThreshold > 0 }

func (r *CircuitBreakerRegistry) with(action string, fn func(*breaker)) {
	r.mu.Lock()
	b, ok := r.breakers[action]
	if !ok {
		b = &breaker{}
		r.breakers[action] = b
	}
	r.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

// AllowRequest returns an ACTION_UNAVAILABLE error while the action's
// circuit rejects calls. After the cooldown the first caller becomes the probe.
func (r *CircuitBreakerRegistry) AllowRequest(action string) error {
	if !r.enabled() {
		return nil
	}
	var err error
	r.with(action, func(b *breaker) { err = b.admit(action, r.now(), r.config) })
	return err
}

// RecordSuccess closes the action's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(action string) {
	if r.enabled() {
		r.with(action, (*breaker).reset)
	}
}

// RecordFailure counts a failed call and reports the resulting state. A
// failed probe reopens the circuit immediately.
func (r *CircuitBreakerRegistry) RecordFailure(action string) CircuitState {
	if !r.enabled() {
		return CircuitClosed
	}
	var state CircuitState
	r.with(action, func(b *breaker) { state = b.fail(r.now(), r.config) })
	return state
}

// State reports the action's current circuit state.
func (r *CircuitBreakerRegistry) State(action string) CircuitState {
	var state CircuitState
	r.with(action, func(b *breaker) { state = b.state })
	return state
}
