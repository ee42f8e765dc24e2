package notification

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("notification: circuit breaker is open")

// BreakerState is the current state of a circuit breaker. The values match
// gobreaker's so they can be exported as a gauge directly.
type BreakerState int

const (
	// BreakerClosed lets calls through and counts failures.
	BreakerClosed BreakerState = BreakerState(gobreaker.StateClosed)
	// BreakerHalfOpen lets a limited number of trial calls through.
	BreakerHalfOpen BreakerState = BreakerState(gobreaker.StateHalfOpen)
	// BreakerOpen rejects calls until the open timeout elapses.
	BreakerOpen BreakerState = BreakerState(gobreaker.StateOpen)
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minErrorRateSamples is the number of calls a window needs before its error
// rate can trip the breaker.
const minErrorRateSamples = 10

// BreakerConfig holds circuit breaker thresholds. Zero values take defaults;
// a zero ErrorRateThreshold or ErrorRateWindow disables rate-based tripping.
type BreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	OpenTimeout        time.Duration `yaml:"open_timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// readyToTrip reports whether counts should open a closed breaker.
func (c BreakerConfig) readyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= uint32(c.FailureThreshold) {
		return true
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateWindow <= 0 || counts.Requests < minErrorRateSamples {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.ErrorRateThreshold
}

// CircuitBreaker guards a notification transport. It trips after
// FailureThreshold consecutive failures or when the error rate inside one
// ErrorRateWindow reaches ErrorRateThreshold. Safe for concurrent use.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker

	mu       sync.RWMutex
	onChange func(BreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	b := &CircuitBreaker{}
	settings := gobreaker.Settings{
		Name:        "notification",
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: cfg.readyToTrip,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			b.mu.RLock()
			fn := b.onChange
			b.mu.RUnlock()
			if fn != nil {
				fn(BreakerState(to))
			}
		},
	}
	if cfg.ErrorRateThreshold > 0 && cfg.ErrorRateWindow > 0 {
		settings.Interval = cfg.ErrorRateWindow
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// OnStateChange registers a callback invoked whenever the state changes. It
// runs while the breaker is locked and must not call back into it.
func (b *CircuitBreaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Do runs fn when the breaker allows it and records the result. Calls
// rejected while open, or beyond the half-open trial budget, return
// ErrCircuitOpen without running fn.
func (b *CircuitBreaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the current state.
func (b *CircuitBreaker) State() BreakerState {
	return BreakerState(b.cb.State())
}

// ErrorRate returns the error rate and call count since the breaker last
// changed state or the error rate window rolled over.
func (b *CircuitBreaker) ErrorRate() (rate float64, total int) {
	counts := b.cb.Counts()
	if counts.Requests == 0 {
		return 0, 0
	}
	return float64(counts.TotalFailures) / float64(counts.Requests), int(counts.Requests)
}
