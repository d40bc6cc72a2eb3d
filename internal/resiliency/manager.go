package resiliency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	boterrors "github.com/ducminhle1904/trade-execution-core/internal/errors"
	"github.com/ducminhle1904/trade-execution-core/internal/logger"
	"github.com/ducminhle1904/trade-execution-core/internal/safety"
)

// Config controls retry, breaker and throttle behavior for every venue call
type Config struct {
	MaxRetries              int           `yaml:"max_retries" json:"max_retries" default:"5" validate:"gte=0,lte=20"`
	InitialBackoff          time.Duration `yaml:"initial_backoff" json:"initial_backoff" default:"200ms" validate:"gte=0"`
	MaxBackoff              time.Duration `yaml:"max_backoff" json:"max_backoff" default:"30s" validate:"gte=0"`
	CircuitBreakerThreshold uint32        `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold" default:"5" validate:"gte=1"`
	CircuitBreakerTimeout   time.Duration `yaml:"circuit_breaker_timeout" json:"circuit_breaker_timeout" default:"30s" validate:"gt=0"`
	RequestsPerSecond       int           `yaml:"requests_per_second" json:"requests_per_second" default:"10" validate:"gte=1"`
	Burst                   int           `yaml:"burst" json:"burst" default:"20" validate:"gte=1"`
	// DeadLetterPath selects the SQLite dead-letter store; empty keeps letters in memory
	DeadLetterPath string `yaml:"dead_letter_path" json:"dead_letter_path"`
}

// Call identifies a venue call. Payload is stored with the dead letter.
type Call struct {
	Venue   string
	Method  string
	Payload interface{}
}

func (c Call) key() safety.BreakerKey {
	return safety.BreakerKey{Venue: c.Venue, Method: c.Method}
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manager wraps venue calls with throttling, retry with exponential backoff,
// a circuit breaker per (venue, method) and a dead-letter queue
type Manager struct {
	config   Config
	breakers *safety.CircuitBreakerManager
	limiters *safety.RateLimiterManager
	store    DeadLetterStore
	log      *logger.Logger
	now      func() time.Time
	sleep    SleepFunc

	mu           sync.RWMutex
	onDeadLetter func(DeadLetter)
	onAttempt    func(key safety.BreakerKey, latency time.Duration, err error)
	onBreaker    safety.StateChangeFunc
}

// Option customizes a Manager
type Option func(*Manager)

// WithClock sets the clock used for breaker timeouts, throttling and dead-letter times
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleep replaces the backoff sleep, used by tests to avoid real waits
func WithSleep(sleep SleepFunc) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager creates a resiliency manager. A nil store keeps dead letters in memory.
func NewManager(config Config, store DeadLetterStore, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		config: config,
		store:  store,
		log:    log.Component("resiliency"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		m.store = NewMemoryDeadLetterStore()
	}

	m.breakers = safety.NewCircuitBreakerManager(safety.CircuitBreakerConfig{
		FailureThreshold: config.CircuitBreakerThreshold,
		Timeout:          config.CircuitBreakerTimeout,
	}, m.now)
	m.breakers.OnStateChange(m.stateChanged)
	m.limiters = safety.NewRateLimiterManager(config.Burst, config.RequestsPerSecond, m.now)
	return m
}

func (m *Manager) stateChanged(key safety.BreakerKey, from, to safety.CircuitBreakerState) {
	switch to {
	case safety.StateOpen:
		m.log.Warning("circuit %s %s -> %s", key, from, to)
	default:
		m.log.Info("circuit %s %s -> %s", key, from, to)
	}
	m.mu.RLock()
	hook := m.onBreaker
	m.mu.RUnlock()
	if hook != nil {
		hook(key, from, to)
	}
}

// OnBreakerChange registers a hook called after every breaker transition
func (m *Manager) OnBreakerChange(fn safety.StateChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onBreaker = fn
}

// Breakers exposes the keyed breakers for stats, reset and state hooks
func (m *Manager) Breakers() *safety.CircuitBreakerManager {
	return m.breakers
}

// Limiters exposes the per-venue throttles
func (m *Manager) Limiters() *safety.RateLimiterManager {
	return m.limiters
}

// OnDeadLetter registers a hook called after a letter is stored
func (m *Manager) OnDeadLetter(fn func(DeadLetter)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDeadLetter = fn
}

// OnAttempt registers a hook called after every venue contact
func (m *Manager) OnAttempt(fn func(key safety.BreakerKey, latency time.Duration, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAttempt = fn
}

// Backoff returns the delay before retry number attempt (0-based)
func (m *Manager) Backoff(attempt int) time.Duration {
	d := m.config.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if m.config.MaxBackoff > 0 && d >= m.config.MaxBackoff {
			return m.config.MaxBackoff
		}
	}
	return d
}

type outcome struct {
	attempts int
	history  []string
	first    time.Time
	last     time.Time
	err      error
	// exhausted is set when the venue was contacted and the call still failed
	// with a retryable error or a breaker rejection
	exhausted bool
}

func (m *Manager) run(ctx context.Context, call Call, fn func(ctx context.Context) error) outcome {
	key := call.key()
	breaker := m.breakers.For(key)
	limiter := m.limiters.For(call.Venue)

	m.mu.RLock()
	onAttempt := m.onAttempt
	m.mu.RUnlock()

	out := outcome{first: m.now()}
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, m.Backoff(attempt-1)); err != nil {
				out.err = err
				out.history = append(out.history, fmt.Sprintf("backoff interrupted: %v", err))
				out.exhausted = true
				break
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			out.err = err
			out.exhausted = out.attempts > 0
			break
		}

		if err := breaker.Allow(); err != nil {
			// no venue contact
			out.err = err
			out.exhausted = out.attempts > 0
			if out.exhausted {
				out.history = append(out.history, err.Error())
			}
			break
		}

		out.attempts++
		start := m.now()
		err := fn(ctx)
		out.last = m.now()
		if onAttempt != nil {
			onAttempt(key, out.last.Sub(start), err)
		}

		if err == nil {
			breaker.RecordSuccess()
			out.err = nil
			return out
		}

		out.history = append(out.history, fmt.Sprintf("attempt %d: %v", out.attempts, err))
		out.err = err

		classified := boterrors.Classify(err, call.Venue, call.Method)
		if !classified.Retryable {
			// a rejection or a cancelled context says nothing about venue health
			breaker.Release()
			out.err = classified
			out.exhausted = false
			return out
		}

		breaker.RecordFailure()
		out.exhausted = true
		m.log.LogWarning(key.String(), "attempt %d/%d failed: %v", out.attempts, m.config.MaxRetries+1, err)
	}
	if out.last.IsZero() {
		out.last = m.now()
	}
	return out
}

// Execute runs fn under the resiliency policy. Fail-fast breaker rejections
// return *errors.CircuitOpenError without contacting the venue. Calls that
// contacted the venue and still failed transiently are written to the
// dead-letter queue and reported as *errors.ExhaustedRetryError. Permanent
// venue errors are returned at once, classified, and never retried.
func (m *Manager) Execute(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	out := m.run(ctx, call, fn)
	if out.err == nil {
		return nil
	}
	if !out.exhausted {
		return out.err
	}

	letter := DeadLetter{
		ID:            uuid.NewString(),
		Venue:         call.Venue,
		Method:        call.Method,
		Payload:       marshalPayload(call.Payload),
		Attempts:      out.attempts,
		Errors:        out.history,
		FirstFailedAt: out.first.UTC(),
		LastFailedAt:  out.last.UTC(),
	}
	m.storeDeadLetter(letter)

	return &boterrors.ExhaustedRetryError{
		Venue:    call.Venue,
		Method:   call.Method,
		Attempts: out.attempts,
		History:  out.history,
		Last:     out.err,
		DLQID:    letter.ID,
	}
}

// Do is Execute for calls that return a value
func Do[T any](ctx context.Context, m *Manager, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := m.Execute(ctx, call, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func marshalPayload(payload interface{}) json.RawMessage {
	if payload == nil {
		return json.RawMessage("null")
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(payload)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("%+v", payload))
	}
	return b
}

func (m *Manager) storeDeadLetter(letter DeadLetter) {
	// a cancelled caller must not lose the letter
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.store.Put(ctx, letter); err != nil {
		m.log.LogError("dead letter store", err)
	} else {
		m.log.Error("dead-lettered %s.%s after %d attempts id=%s", letter.Venue, letter.Method, letter.Attempts, letter.ID)
	}

	m.mu.RLock()
	hook := m.onDeadLetter
	m.mu.RUnlock()
	if hook != nil {
		hook(letter)
	}
}

// DeadLetters lists stored dead letters oldest first
func (m *Manager) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	return m.store.List(ctx)
}

// DeadLetterCount returns the number of stored dead letters
func (m *Manager) DeadLetterCount(ctx context.Context) (int, error) {
	return m.store.Count(ctx)
}

// Replay runs a dead letter again under the same policy. On success the letter
// is removed; on failure its history and replay count are updated in place.
func (m *Manager) Replay(ctx context.Context, id string, fn func(ctx context.Context, letter DeadLetter) error) error {
	letter, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	call := Call{Venue: letter.Venue, Method: letter.Method, Payload: letter.Payload}
	out := m.run(ctx, call, func(ctx context.Context) error {
		return fn(ctx, letter)
	})
	if out.err == nil {
		m.log.Info("replayed dead letter %s (%s.%s)", id, letter.Venue, letter.Method)
		return m.store.Delete(ctx, id)
	}

	letter.ReplayCount++
	letter.Attempts += out.attempts
	letter.Errors = append(letter.Errors, out.history...)
	letter.LastFailedAt = out.last.UTC()
	if err := m.store.Put(ctx, letter); err != nil {
		m.log.LogError("dead letter store", err)
	}
	return out.err
}

// Discard removes a dead letter without replaying it
func (m *Manager) Discard(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// Close releases the dead-letter store
func (m *Manager) Close() error {
	return m.store.Close()
}
