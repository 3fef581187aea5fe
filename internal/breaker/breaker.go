// Package breaker implements a registry of per-key three-state circuit
// breakers (closed → open → half-open) guarding every externally addressable
// target: MCP servers, providers, the agent runner, the database, and
// background tasks.
//
// All state changes go through the Registry API and are linearized per key.
package breaker

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker is open and the cooldown has
// not yet elapsed. Callers surface it as a rate_limited error without
// contacting the upstream.
var ErrOpen = errors.New("breaker: circuit open")

// State represents the operating mode of a single breaker.
type State int

const (
	// StateClosed is the normal operating state; all calls pass.
	StateClosed State = iota

	// StateOpen rejects calls immediately until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits exactly one probe call at a time.
	StateHalfOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds per-key tuning. Zero-value fields fall back to defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting a probe.
	// Default: 60s.
	Cooldown time.Duration

	// MaxCooldown caps the exponential cooldown growth applied after failed
	// half-open probes. Default: 30m.
	MaxCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 30 * time.Minute
	}
	return c
}

// Event describes a single state transition, delivered to the registered
// event sink (the observability tracker).
type Event struct {
	Key    string
	From   State
	To     State
	Reason string
	At     time.Time
}

// Record is a point-in-time snapshot of one breaker, shaped for the admin
// observability surface.
type Record struct {
	Key                 string    `json:"key"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	DisabledUntil       time.Time `json:"disabled_until,omitempty"`
	LastFailureReason   string    `json:"last_failure_reason,omitempty"`
	LastStateChange     time.Time `json:"last_state_change"`
}

type entry struct {
	cfg Config

	state           State
	consecutiveFail int
	disabledUntil   time.Time
	cooldown        time.Duration // current cooldown, doubled on half-open failure
	lastReason      string
	lastChange      time.Time
	probeInFlight   bool // at most one outstanding half-open probe
}

// Registry owns all breakers, keyed by target (e.g. "mcp:fs", "provider:openai",
// "task:internet-probe"). Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	onEvent func(Event)

	now func() time.Time // injectable for tests
}

// NewRegistry creates an empty registry. onEvent may be nil; when set it is
// invoked synchronously for every state transition, so sinks must be cheap.
func NewRegistry(onEvent func(Event)) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		onEvent: onEvent,
		now:     time.Now,
	}
}

// Configure sets the tuning for key, creating the breaker if needed.
// Reconfiguring an existing breaker keeps its current state and counters.
func (r *Registry) Configure(key string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)
	e.cfg = cfg.withDefaults()
	if e.cooldown == 0 || e.state == StateClosed {
		e.cooldown = e.cfg.Cooldown
	}
}

// lookup returns the entry for key, creating a closed breaker with default
// config on first reference. Must be called with r.mu held.
func (r *Registry) lookup(key string) *entry {
	e, ok := r.entries[key]
	if !ok {
		cfg := Config{}.withDefaults()
		e = &entry{cfg: cfg, cooldown: cfg.Cooldown, lastChange: r.now()}
		r.entries[key] = e
	}
	return e
}

// Allow reports whether a call to key may proceed. In the open state it
// returns ErrOpen until the cooldown elapses, at which point the breaker
// moves to half-open and this call is admitted as the single probe. In the
// half-open state, concurrent callers beyond the one outstanding probe get
// ErrOpen.
func (r *Registry) Allow(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)

	switch e.state {
	case StateClosed:
		return nil

	case StateOpen:
		if r.now().Before(e.disabledUntil) {
			return fmt.Errorf("%w: %s until %s", ErrOpen, key, e.disabledUntil.Format(time.RFC3339))
		}
		r.transition(key, e, StateHalfOpen, "cooldown elapsed")
		e.probeInFlight = true
		return nil

	case StateHalfOpen:
		if e.probeInFlight {
			return fmt.Errorf("%w: %s probe in flight", ErrOpen, key)
		}
		e.probeInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess marks a successful call against key. In half-open it closes
// the breaker; in open (a recovery probe reporting around the admission
// gate) it advances to half-open; in closed it zeroes the failure counter.
func (r *Registry) RecordSuccess(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)

	switch e.state {
	case StateHalfOpen:
		e.probeInFlight = false
		e.consecutiveFail = 0
		e.cooldown = e.cfg.Cooldown
		r.transition(key, e, StateClosed, "probe succeeded")
	case StateOpen:
		// A sanctioned recovery probe succeeded while the breaker was still
		// formally open. That earns half-open, not closed: the next real
		// call is the confirming probe that closes it.
		e.consecutiveFail = 0
		r.transition(key, e, StateHalfOpen, "recovery probe succeeded")
	default:
		e.consecutiveFail = 0
	}
}

// RecordFailure marks a failed call against key with a human-readable reason.
// Crossing the failure threshold opens the breaker; a failed half-open probe
// re-opens it with a doubled cooldown (capped).
func (r *Registry) RecordFailure(key, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)
	e.lastReason = reason

	switch e.state {
	case StateHalfOpen:
		e.probeInFlight = false
		e.cooldown = min(e.cooldown*2, e.cfg.MaxCooldown)
		e.disabledUntil = r.now().Add(e.cooldown)
		r.transition(key, e, StateOpen, reason)

	case StateClosed:
		e.consecutiveFail++
		if e.consecutiveFail >= e.cfg.FailureThreshold {
			e.disabledUntil = r.now().Add(e.cooldown)
			r.transition(key, e, StateOpen, reason)
		}

	case StateOpen:
		// Failure reported by a recovery probe; push the window out again.
		e.cooldown = min(e.cooldown*2, e.cfg.MaxCooldown)
		e.disabledUntil = r.now().Add(e.cooldown)
	}
}

// Reset forces the breaker for key back to closed and zeroes all counters.
// Operator-facing: exposed on the admin surface.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.lookup(key)
	e.consecutiveFail = 0
	e.probeInFlight = false
	e.cooldown = e.cfg.Cooldown
	e.disabledUntil = time.Time{}
	if e.state != StateClosed {
		r.transition(key, e, StateClosed, "manual reset")
	}
	log.Printf("[Breaker] Reset: %s", key)
}

// State returns the current state of key's breaker. Keys never seen before
// report closed.
func (r *Registry) State(key string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return StateClosed
	}
	return e.state
}

// OpenKeys returns the keys of all breakers currently in the open or
// half-open state. Used by the recovery probe task.
func (r *Registry) OpenKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for k, e := range r.entries {
		if e.state == StateOpen || e.state == StateHalfOpen {
			keys = append(keys, k)
		}
	}
	return keys
}

// Snapshot returns records for every known breaker.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, Record{
			Key:                 k,
			State:               e.state.String(),
			ConsecutiveFailures: e.consecutiveFail,
			DisabledUntil:       e.disabledUntil,
			LastFailureReason:   e.lastReason,
			LastStateChange:     e.lastChange,
		})
	}
	return out
}

// transition moves e to the target state, stamps the change, and emits an
// event. Must be called with r.mu held.
func (r *Registry) transition(key string, e *entry, to State, reason string) {
	from := e.state
	e.state = to
	e.lastChange = r.now()
	log.Printf("[Breaker] %s: %s -> %s (%s)", key, from, to, reason)
	if r.onEvent != nil {
		r.onEvent(Event{Key: key, From: from, To: to, Reason: reason, At: e.lastChange})
	}
}
