package breakers

import (
	"time"

	cb "github.com/sony/gobreaker"
)

// Breaker wraps a named gobreaker.CircuitBreaker so the snapshot store can
// stop hammering a degraded Redis instance instead of blocking the fusion
// engine's derivation path on every call.
type Breaker struct{ cb *cb.CircuitBreaker }

// State mirrors the gobreaker states without leaking the gobreaker import
// into callers that only need to log or report on it.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// New builds a breaker that trips after minConsecutiveFailures in a row, or
// once the failure rate exceeds maxFailureRate over at least
// minRequestsForRate requests in the rolling interval. It stays open for
// the given timeout before allowing a single probe request through.
func New(name string, minConsecutiveFailures uint32, minRequestsForRate uint32, maxFailureRate float64, interval, timeout time.Duration) *Breaker {
	st := cb.Settings{Name: name, Interval: interval, Timeout: timeout}
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= minConsecutiveFailures {
			return true
		}
		if counts.Requests < minRequestsForRate {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > maxFailureRate
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// NewDefault applies the snapshot-store's tripping thresholds: 3
// consecutive failures, or a >5% failure rate once at least 20 requests
// have been observed in the rolling 60s window.
func NewDefault(name string) *Breaker {
	return New(name, 3, 20, 0.05, 60*time.Second, 60*time.Second)
}

func (b *Breaker) Execute(fn func() (any, error)) (any, error) { return b.cb.Execute(fn) }

func (b *Breaker) State() State { return State(b.cb.State()) }
