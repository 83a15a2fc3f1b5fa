// Package circuitbreaker tracks provider health and fast-fails calls to
// providers that keep failing with transient errors.
package circuitbreaker

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/upb/llm-execution-core/services"
	"go.uber.org/zap"
)

// State is the circuit state of one provider
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config controls when a circuit opens and how long it stays open
type Config struct {
	// FailureThreshold is the number of consecutive retryable failures that opens the circuit
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before admitting a probe
	Cooldown time.Duration
	// Window restarts the consecutive count when failures are further apart than this
	Window time.Duration
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		Window:           60 * time.Second,
	}
}

// StateChangeFunc observes transitions. It is called outside the entry lock.
type StateChangeFunc func(provider string, from, to State)

// ProviderStatus is a point-in-time view of one provider's circuit
type ProviderStatus struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	Rejections          int64     `json:"rejections"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastTransition      time.Time `json:"last_transition,omitempty"`
}

// entry is the per-provider state, locked independently of every other provider
type entry struct {
	mu             sync.Mutex
	state          State
	consecutive    int
	lastFailure    time.Time
	lastTransition time.Time
	openedAt       time.Time
	probing        bool
	successes      int64
	failures       int64
	rejections     int64
}

// Breaker is an arena of per-provider circuits
type Breaker struct {
	cfg      Config
	mu       sync.RWMutex // guards the entries map only
	entries  map[string]*entry
	now      func() time.Time
	logger   *zap.Logger
	onChange StateChangeFunc
}

// Option configures a Breaker
type Option func(*Breaker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// WithStateChangeHook registers a transition observer
func WithStateChangeHook(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a breaker. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	b := &Breaker{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn unless the provider's circuit is open. Only errors
// classified as retryable count toward opening the circuit.
func (b *Breaker) Execute(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	e := b.entry(provider)

	probe, err := b.admit(provider, e)
	if err != nil {
		return err
	}

	// A panicking call counts as a failure so a half-open probe slot is
	// always released
	defer func() {
		if r := recover(); r != nil {
			b.record(provider, e, probe, services.NewDomainError(services.ErrorTypeRetryable,
				fmt.Sprintf("provider call panicked: %v", r), nil))
			panic(r)
		}
	}()

	callErr := fn(ctx)
	b.record(provider, e, probe, callErr)
	return callErr
}

// State returns the effective state of a provider's circuit
func (b *Breaker) State(provider string) State {
	e := b.lookup(provider)
	if e == nil {
		return StateClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return b.effectiveState(e)
}

// IsOpen reports whether calls to provider would be rejected without a probe
func (b *Breaker) IsOpen(provider string) bool {
	return b.State(provider) == StateOpen
}

// Snapshot returns the status of every provider seen so far, sorted by name
func (b *Breaker) Snapshot() []ProviderStatus {
	b.mu.RLock()
	names := make([]string, 0, len(b.entries))
	for name := range b.entries {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)

	statuses := make([]ProviderStatus, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, b.Status(name))
	}
	return statuses
}

// Status returns one provider's status; unknown providers report closed
func (b *Breaker) Status(provider string) ProviderStatus {
	e := b.lookup(provider)
	if e == nil {
		return ProviderStatus{Provider: provider, State: StateClosed}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return ProviderStatus{
		Provider:            provider,
		State:               b.effectiveState(e),
		ConsecutiveFailures: e.consecutive,
		Successes:           e.successes,
		Failures:            e.failures,
		Rejections:          e.rejections,
		LastFailure:         e.lastFailure,
		LastTransition:      e.lastTransition,
	}
}

// Reset closes a provider's circuit and clears its failure count
func (b *Breaker) Reset(provider string) {
	e := b.entry(provider)
	e.mu.Lock()
	from := e.state
	b.transition(e, StateClosed)
	e.consecutive = 0
	e.probing = false
	e.mu.Unlock()
	b.notify(provider, from, StateClosed)
}

func (b *Breaker) lookup(provider string) *entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entries[provider]
}

func (b *Breaker) entry(provider string) *entry {
	if e := b.lookup(provider); e != nil {
		return e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[provider]; ok {
		return e
	}
	e := &entry{state: StateClosed, lastTransition: b.now()}
	b.entries[provider] = e
	return e
}

// admit decides whether a call may proceed and whether it is the half-open probe
func (b *Breaker) admit(provider string, e *entry) (bool, error) {
	e.mu.Lock()

	switch e.state {
	case StateOpen:
		elapsed := b.now().Sub(e.openedAt)
		if elapsed < b.cfg.Cooldown {
			e.rejections++
			e.mu.Unlock()
			return false, b.openError(provider, b.cfg.Cooldown-elapsed)
		}
		b.transition(e, StateHalfOpen)
		e.probing = true
		e.mu.Unlock()
		b.notify(provider, StateOpen, StateHalfOpen)
		return true, nil

	case StateHalfOpen:
		if e.probing {
			e.rejections++
			e.mu.Unlock()
			return false, b.openError(provider, 0)
		}
		e.probing = true
		e.mu.Unlock()
		return true, nil
	}

	e.mu.Unlock()
	return false, nil
}

func (b *Breaker) record(provider string, e *entry, probe bool, err error) {
	e.mu.Lock()
	from := e.state
	now := b.now()

	switch {
	case err == nil:
		e.successes++
		e.consecutive = 0
		if probe {
			e.probing = false
			b.transition(e, StateClosed)
		}

	case services.IsRetryableError(err):
		e.failures++
		if e.consecutive > 0 && now.Sub(e.lastFailure) > b.cfg.Window {
			e.consecutive = 0
		}
		e.consecutive++
		e.lastFailure = now
		if probe {
			e.probing = false
			b.transition(e, StateOpen)
			e.openedAt = now
		} else if e.state == StateClosed && e.consecutive >= b.cfg.FailureThreshold {
			b.transition(e, StateOpen)
			e.openedAt = now
		}

	default:
		// Non-transient errors say nothing about provider health
		if probe {
			e.probing = false
		}
	}

	to := e.state
	consecutive := e.consecutive
	e.mu.Unlock()

	if from != to {
		b.logger.Warn("circuit state changed",
			zap.String("provider", provider),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Int("consecutive_failures", consecutive))
		b.notify(provider, from, to)
	}
}

// transition must be called with e.mu held
func (b *Breaker) transition(e *entry, to State) {
	if e.state != to {
		e.state = to
		e.lastTransition = b.now()
	}
}

// effectiveState must be called with e.mu held
func (b *Breaker) effectiveState(e *entry) State {
	if e.state == StateOpen && b.now().Sub(e.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return e.state
}

func (b *Breaker) notify(provider string, from, to State) {
	if b.onChange != nil && from != to {
		b.onChange(provider, from, to)
	}
}

func (b *Breaker) openError(provider string, retryAfter time.Duration) error {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return services.NewDomainError(services.ErrorTypeCircuitOpen, "provider circuit is open", nil).
		WithDetail("provider", provider).
		WithDetail("retry_after_seconds", seconds)
}
