package lazyload

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// circuitState represents the state of a circuit breaker
type circuitState int

const (
	stateClosed   circuitState = iota // Normal operation
	stateOpen                         // Host failing, fetches skipped
	stateHalfOpen                     // One probe allowed
)

func (s circuitState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// sourceBreaker tracks consecutive fetch failures per source host and
// short-circuits fetches to hosts that keep failing. A zero threshold
// disables it entirely.
type sourceBreaker struct {
	failures         map[string]int
	lastFailure      map[string]time.Time
	state            map[string]circuitState
	failureThreshold int
	openDuration     time.Duration
	now              func() time.Time
	mu               sync.Mutex
}

func newSourceBreaker(threshold int, openDuration time.Duration) *sourceBreaker {
	return &sourceBreaker{
		failureThreshold: threshold,
		openDuration:     openDuration,
		failures:         make(map[string]int),
		lastFailure:      make(map[string]time.Time),
		state:            make(map[string]circuitState),
		now:              time.Now,
	}
}

func (cb *sourceBreaker) enabled() bool {
	return cb != nil && cb.failureThreshold > 0
}

// canAttempt reports whether a fetch to host may proceed.
// An open circuit past its open duration moves to half-open and allows one
// probe; other fetches stay blocked until the probe reports.
func (cb *sourceBreaker) canAttempt(host string) error {
	if !cb.enabled() {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state[host] {
	case stateOpen, stateHalfOpen:
		// Half-open hosts get a fresh probe if the previous one never reported back.
		lastFail := cb.lastFailure[host]
		if cb.now().Sub(lastFail) > cb.openDuration {
			cb.lastFailure[host] = cb.now()
			cb.setState(host, stateHalfOpen)
			return nil
		}
		return fmt.Errorf("%w: %s (failures: %d, next retry: %s)",
			ErrSourceCircuitOpen,
			host,
			cb.failures[host],
			lastFail.Add(cb.openDuration).Format("15:04:05"),
		)
	default:
		return nil
	}
}

// recordSuccess resets failure tracking for host.
func (cb *sourceBreaker) recordSuccess(host string) {
	if !cb.enabled() {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	delete(cb.failures, host)
	delete(cb.lastFailure, host)
	if cb.state[host] != stateClosed {
		cb.setState(host, stateClosed)
	}
	delete(cb.state, host)
}

// recordFailure counts a failed fetch and opens the circuit at the threshold.
func (cb *sourceBreaker) recordFailure(host string, err error) {
	if !cb.enabled() {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures[host]++
	cb.lastFailure[host] = cb.now()

	if cb.state[host] == stateHalfOpen || cb.failures[host] >= cb.failureThreshold {
		if cb.state[host] != stateOpen {
			slog.Warn("[LAZYLOAD-CIRCUIT] opening circuit for source host",
				"host", host,
				"failures", cb.failures[host],
				"error", err,
			)
		}
		cb.state[host] = stateOpen
		return
	}

	slog.Debug("[LAZYLOAD-CIRCUIT] source fetch failure",
		"host", host,
		"failures", cb.failures[host],
		"threshold", cb.failureThreshold,
		"error", err,
	)
}

// setState must be called with the lock held.
func (cb *sourceBreaker) setState(host string, s circuitState) {
	cb.state[host] = s
	slog.Info("[LAZYLOAD-CIRCUIT] circuit state changed",
		"host", host,
		"state", s.String(),
	)
}
