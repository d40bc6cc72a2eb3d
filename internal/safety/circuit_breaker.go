package safety

import (
	"sort"
	"sync"
	"time"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the circuit breaker state
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerKey identifies one breaker; unrelated methods on the same venue never share state
type BreakerKey struct {
	Venue  string
	Method string
}

func (k BreakerKey) String() string {
	return k.Venue + "." + k.Method
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold uint32        // consecutive failures before opening
	Timeout          time.Duration // how long to stay OPEN before the probe
}

// StateChangeFunc is invoked after a transition, outside the breaker lock
type StateChangeFunc func(key BreakerKey, from, to CircuitBreakerState)

// CircuitBreaker fails fast while OPEN. After Timeout exactly one probe call is
// let through; its outcome decides between CLOSED and another OPEN period.
type CircuitBreaker struct {
	key           BreakerKey
	config        CircuitBreakerConfig
	state         CircuitBreakerState
	failures      uint32
	openedAt      time.Time
	nextAttempt   time.Time
	lastFailure   time.Time
	probeInFlight bool
	totalCalls    uint64
	rejected      uint64
	mutex         sync.Mutex
	now           func() time.Time
	onStateChange StateChangeFunc
}

// NewCircuitBreaker creates a new circuit breaker. now may be nil.
func NewCircuitBreaker(key BreakerKey, config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}

	return &CircuitBreaker{
		key:    key,
		config: config,
		state:  StateClosed,
		now:    now,
	}
}

// SetStateChangeCallback sets a callback to be called when the state changes
func (cb *CircuitBreaker) SetStateChangeCallback(callback StateChangeFunc) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.onStateChange = callback
}

type transition struct {
	from, to CircuitBreakerState
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil || t.from == t.to {
		return
	}
	cb.mutex.Lock()
	fn := cb.onStateChange
	cb.mutex.Unlock()
	if fn != nil {
		fn(cb.key, t.from, t.to)
	}
}

// Allow reserves permission for one call. A nil error means the caller must
// report the outcome with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mutex.Lock()
	var t *transition
	var err error

	switch cb.state {
	case StateClosed:
		cb.totalCalls++
	case StateOpen:
		if !cb.now().Before(cb.nextAttempt) {
			t = cb.changeState(StateHalfOpen)
			cb.probeInFlight = true
			cb.totalCalls++
		} else {
			cb.rejected++
			err = cb.openError()
		}
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.rejected++
			err = cb.openError()
		} else {
			cb.probeInFlight = true
			cb.totalCalls++
		}
	}
	cb.mutex.Unlock()

	cb.notify(t)
	return err
}

func (cb *CircuitBreaker) openError() error {
	return &boterrors.CircuitOpenError{
		Venue:   cb.key.Venue,
		Method:  cb.key.Method,
		RetryAt: cb.nextAttempt,
	}
}

// Call executes a function with circuit breaker protection
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}

	cb.RecordSuccess()
	return nil
}

// RecordSuccess records a successful execution
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	var t *transition
	cb.failures = 0
	cb.probeInFlight = false
	if cb.state != StateClosed {
		t = cb.changeState(StateClosed)
	}
	cb.mutex.Unlock()

	cb.notify(t)
}

// Release frees a reserved call slot without judging the venue. A HALF_OPEN
// breaker stays HALF_OPEN and admits the next probe.
func (cb *CircuitBreaker) Release() {
	cb.mutex.Lock()
	cb.probeInFlight = false
	cb.mutex.Unlock()
}

// RecordFailure records a failed execution
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	var t *transition
	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			t = cb.toOpen()
		}
	case StateHalfOpen:
		t = cb.toOpen()
	case StateOpen:
		cb.nextAttempt = cb.now().Add(cb.config.Timeout)
	}
	cb.probeInFlight = false
	cb.mutex.Unlock()

	cb.notify(t)
}

func (cb *CircuitBreaker) toOpen() *transition {
	t := cb.changeState(StateOpen)
	cb.openedAt = cb.now()
	cb.nextAttempt = cb.openedAt.Add(cb.config.Timeout)
	return t
}

func (cb *CircuitBreaker) changeState(newState CircuitBreakerState) *transition {
	t := &transition{from: cb.state, to: newState}
	cb.state = newState
	return t
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return CircuitBreakerStats{
		Key:                 cb.key,
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		OpenedAt:            cb.openedAt,
		LastFailure:         cb.lastFailure,
		NextAttempt:         cb.nextAttempt,
		TotalCalls:          cb.totalCalls,
		Rejected:            cb.rejected,
	}
}

// CircuitBreakerStats is a point-in-time view of one breaker
type CircuitBreakerStats struct {
	Key                 BreakerKey
	State               CircuitBreakerState
	ConsecutiveFailures uint32
	OpenedAt            time.Time
	LastFailure         time.Time
	NextAttempt         time.Time
	TotalCalls          uint64
	Rejected            uint64
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	t := cb.changeState(StateClosed)
	cb.failures = 0
	cb.probeInFlight = false
	cb.mutex.Unlock()

	cb.notify(t)
}

// ForceOpen forces the circuit breaker to open state
func (cb *CircuitBreaker) ForceOpen() {
	cb.mutex.Lock()
	t := cb.toOpen()
	cb.probeInFlight = false
	cb.mutex.Unlock()

	cb.notify(t)
}

// CircuitBreakerManager owns one breaker per (venue, method)
type CircuitBreakerManager struct {
	breakers      map[BreakerKey]*CircuitBreaker
	config        CircuitBreakerConfig
	now           func() time.Time
	onStateChange StateChangeFunc
	mutex         sync.RWMutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(config CircuitBreakerConfig, now func() time.Time) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[BreakerKey]*CircuitBreaker),
		config:   config,
		now:      now,
	}
}

// OnStateChange registers a hook applied to every breaker, existing and future
func (cbm *CircuitBreakerManager) OnStateChange(fn StateChangeFunc) {
	cbm.mutex.Lock()
	defer cbm.mutex.Unlock()
	cbm.onStateChange = fn
	for _, cb := range cbm.breakers {
		cb.SetStateChangeCallback(fn)
	}
}

// For gets an existing circuit breaker or creates a new one
func (cbm *CircuitBreakerManager) For(key BreakerKey) *CircuitBreaker {
	cbm.mutex.RLock()
	if cb, exists := cbm.breakers[key]; exists {
		cbm.mutex.RUnlock()
		return cb
	}
	cbm.mutex.RUnlock()

	cbm.mutex.Lock()
	defer cbm.mutex.Unlock()

	if cb, exists := cbm.breakers[key]; exists {
		return cb
	}

	cb := NewCircuitBreaker(key, cbm.config, cbm.now)
	if cbm.onStateChange != nil {
		cb.SetStateChangeCallback(cbm.onStateChange)
	}
	cbm.breakers[key] = cb
	return cb
}

// Get gets an existing circuit breaker
func (cbm *CircuitBreakerManager) Get(key BreakerKey) (*CircuitBreaker, bool) {
	cbm.mutex.RLock()
	defer cbm.mutex.RUnlock()

	cb, exists := cbm.breakers[key]
	return cb, exists
}

// GetStats returns statistics for all circuit breakers ordered by key
func (cbm *CircuitBreakerManager) GetStats() []CircuitBreakerStats {
	cbm.mutex.RLock()
	stats := make([]CircuitBreakerStats, 0, len(cbm.breakers))
	for _, cb := range cbm.breakers {
		stats = append(stats, cb.GetStats())
	}
	cbm.mutex.RUnlock()

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Key.String() < stats[j].Key.String()
	})
	return stats
}

// Reset resets all circuit breakers
func (cbm *CircuitBreakerManager) Reset() {
	cbm.mutex.RLock()
	defer cbm.mutex.RUnlock()

	for _, cb := range cbm.breakers {
		cb.Reset()
	}
}

// GetOpenCircuits returns the keys of breakers that are not CLOSED
func (cbm *CircuitBreakerManager) GetOpenCircuits() []BreakerKey {
	var open []BreakerKey
	for _, s := range cbm.GetStats() {
		if s.State != StateClosed {
			open = append(open, s.Key)
		}
	}
	return open
}
