// Package resilience implements retry policies, per-resource circuit
// breakers, and graceful degradation, grounded on the original
// kernel's kernel-core/src/error_recovery.rs. The original's busy-wait
// retry delay ("Busy-wait delay (proper sleep would use timer
// interrupts)") becomes a real context-aware sleep here; its global
// `RECOVERY_MANAGER`/`DEGRADATION_MANAGER` singletons become
// constructor-injected values like every other package in this
// kernel.
package resilience

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/agentkernel/internal/observability"
)

// CircuitState is the closed circuit-breaker state machine.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "half_open"
	}
}

// CircuitBreaker gates a resource whose failure rate has crossed a
// threshold: Closed -> Open after failureThreshold consecutive
// failures, Open -> HalfOpen after timeout elapses, HalfOpen -> Closed
// after successThreshold consecutive successes.
type CircuitBreaker struct {
	mu                sync.Mutex
	state             CircuitState
	failureCount      uint32
	failureThreshold  uint32
	successCount      uint32
	successThreshold  uint32
	lastFailureNS     uint64
	timeoutNS         uint64
	now               func() uint64
}

// NewCircuitBreaker creates a breaker with the given failure threshold
// and open-state timeout in nanoseconds.
func NewCircuitBreaker(failureThreshold uint32, timeoutNS uint64, now func() uint64) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: 1,
		timeoutNS:        timeoutNS,
		now:              now,
	}
}

// IsAllowed reports whether an operation may proceed, transitioning
// Open -> HalfOpen if the timeout has elapsed.
func (c *CircuitBreaker) IsAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if c.nowNanos()-c.lastFailureNS >= c.timeoutNS {
			c.state = CircuitHalfOpen
			c.successCount = 0
			return true
		}
		return false
	default: // CircuitHalfOpen
		return true
	}
}

// RecordSuccess records a successful operation, possibly transitioning
// HalfOpen -> Closed.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		c.failureCount = 0
	case CircuitHalfOpen:
		c.successCount++
		if c.successCount >= c.successThreshold {
			c.state = CircuitClosed
			c.failureCount = 0
		}
	}
}

// RecordFailure records a failed operation, possibly transitioning
// Closed/HalfOpen -> Open.
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failureCount++
	c.lastFailureNS = c.nowNanos()

	if c.state != CircuitOpen && c.failureCount >= c.failureThreshold {
		c.state = CircuitOpen
	}
}

// State returns the breaker's current state.
func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *CircuitBreaker) nowNanos() uint64 {
	if c.now != nil {
		return c.now()
	}
	return uint64(time.Now().UnixNano())
}

// RetryPolicy governs exponential-backoff retries.
type RetryPolicy struct {
	MaxAttempts       uint32
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy mirrors RetryPolicy::default(): 3 attempts, 1ms
// initial delay, 100ms cap, 2x multiplier.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// CalculateDelay returns the delay before retry attempt (0-indexed),
// capped at MaxDelay.
func (p RetryPolicy) CalculateDelay(attempt uint32) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Manager holds per-resource circuit breakers and per-error-code retry
// policies, exposing ExecuteWithRetry for subsystems that opt into
// managed retries (spec.md §7's ErrorRecoveryManager).
type Manager struct {
	mu       sync.Mutex
	breakers map[uint64]*CircuitBreaker
	policies map[uint32]RetryPolicy
	now      func() uint64
	metrics  *observability.Metrics
	log      *zap.Logger
}

// NewManager creates an empty Manager. metrics and log may be nil.
func NewManager(now func() uint64, metrics *observability.Metrics, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		breakers: make(map[uint64]*CircuitBreaker),
		policies: make(map[uint32]RetryPolicy),
		now:      now,
		metrics:  metrics,
		log:      log,
	}
}

// defaultBreaker matches the original's inline defaults: 5 failures,
// 1s open-state timeout.
func (m *Manager) defaultBreakerLocked(resourceID uint64) *CircuitBreaker {
	cb, ok := m.breakers[resourceID]
	if !ok {
		cb = NewCircuitBreaker(5, 1_000_000_000, m.now)
		m.breakers[resourceID] = cb
	}
	return cb
}

// CheckCircuitBreaker reports whether resourceID's breaker allows an
// operation, lazily creating a default breaker for unseen resources.
func (m *Manager) CheckCircuitBreaker(resourceID uint64) bool {
	m.mu.Lock()
	cb := m.defaultBreakerLocked(resourceID)
	m.mu.Unlock()
	allowed := cb.IsAllowed()
	m.recordState(resourceID, cb.State())
	return allowed
}

// RecordCircuitBreakerSuccess records a success for resourceID's
// breaker, if one exists.
func (m *Manager) RecordCircuitBreakerSuccess(resourceID uint64) {
	m.mu.Lock()
	cb, ok := m.breakers[resourceID]
	m.mu.Unlock()
	if ok {
		cb.RecordSuccess()
		m.recordState(resourceID, cb.State())
	}
}

// RecordCircuitBreakerFailure records a failure for resourceID's
// breaker, lazily creating a default breaker for unseen resources.
func (m *Manager) RecordCircuitBreakerFailure(resourceID uint64) {
	m.mu.Lock()
	cb := m.defaultBreakerLocked(resourceID)
	m.mu.Unlock()

	wasOpen := cb.State() == CircuitOpen
	cb.RecordFailure()
	state := cb.State()
	m.recordState(resourceID, state)

	if !wasOpen && state == CircuitOpen {
		m.log.Warn("circuit breaker tripped", zap.Uint64("resource_id", resourceID))
		if m.metrics != nil {
			m.metrics.CircuitBreakerTripsTotal.WithLabelValues(strconv.FormatUint(resourceID, 10)).Inc()
		}
	}
}

func (m *Manager) recordState(resourceID uint64, state CircuitState) {
	if m.metrics == nil {
		return
	}
	m.metrics.CircuitBreakerStateGauge.WithLabelValues(strconv.FormatUint(resourceID, 10)).Set(float64(state))
}

// BreakerState returns resourceID's current breaker state, or
// (CircuitClosed, false) if no breaker has been created for it yet
// (i.e. it has never failed). Used by the operator admin socket's
// circuit-breaker-status command.
func (m *Manager) BreakerState(resourceID uint64) (CircuitState, bool) {
	m.mu.Lock()
	cb, ok := m.breakers[resourceID]
	m.mu.Unlock()
	if !ok {
		return CircuitClosed, false
	}
	return cb.State(), true
}

// SetRetryPolicy registers a retry policy for a specific error code.
func (m *Manager) SetRetryPolicy(errorCode uint32, policy RetryPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[errorCode] = policy
}

// GetRetryPolicy returns errorCode's registered policy, or
// DefaultRetryPolicy if none was set.
func (m *Manager) GetRetryPolicy(errorCode uint32) RetryPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[errorCode]; ok {
		return p
	}
	return DefaultRetryPolicy()
}

// ExecuteWithRetry runs operation under errorCode's retry policy,
// sleeping between attempts (respecting ctx cancellation) rather than
// the original's interrupt-disabled busy-wait spin loop.
func ExecuteWithRetry[T any](ctx context.Context, m *Manager, errorCode uint32, operation func() (T, error)) (T, error) {
	policy := m.GetRetryPolicy(errorCode)
	code := strconv.FormatUint(uint64(errorCode), 10)

	var lastErr error
	var zero T
	for attempt := uint32(0); attempt < policy.MaxAttempts; attempt++ {
		result, err := operation()
		if err == nil {
			if m.metrics != nil {
				m.metrics.RetriesTotal.WithLabelValues(code, "ok").Inc()
			}
			return result, nil
		}
		lastErr = err

		if attempt < policy.MaxAttempts-1 {
			delay := policy.CalculateDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}
	if m.metrics != nil {
		m.metrics.RetriesTotal.WithLabelValues(code, "exhausted").Inc()
	}
	return zero, lastErr
}

// DegradationLevel is the closed taxonomy of system-wide degradation
// levels, driven by resource availability ratio.
type DegradationLevel int

const (
	DegradationNormal DegradationLevel = iota
	DegradationReduced
	DegradationMinimal
	DegradationEmergency
)

func (l DegradationLevel) String() string {
	switch l {
	case DegradationNormal:
		return "normal"
	case DegradationReduced:
		return "reduced"
	case DegradationMinimal:
		return "minimal"
	default:
		return "emergency"
	}
}

// DegradationManager tracks per-resource availability and computes a
// system-wide degradation level consumed by higher layers for
// admission decisions, per spec.md §5's thresholds (Normal ≥ 0.9,
// Reduced ≥ 0.7, Minimal ≥ 0.5, else Emergency).
type DegradationManager struct {
	mu        sync.Mutex
	resources map[uint64]bool
	level     DegradationLevel
	metrics   *observability.Metrics
}

// NewDegradationManager creates a DegradationManager starting at
// DegradationNormal. metrics may be nil.
func NewDegradationManager(metrics *observability.Metrics) *DegradationManager {
	return &DegradationManager{resources: make(map[uint64]bool), level: DegradationNormal, metrics: metrics}
}

// Level returns the current degradation level.
func (d *DegradationManager) Level() DegradationLevel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// SetResourceAvailable records resourceID's availability and
// recomputes the degradation level.
func (d *DegradationManager) SetResourceAvailable(resourceID uint64, available bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources[resourceID] = available
	d.recalculateLocked()
}

func (d *DegradationManager) recalculateLocked() {
	if len(d.resources) == 0 {
		d.level = DegradationNormal
		return
	}

	available := 0
	for _, ok := range d.resources {
		if ok {
			available++
		}
	}
	ratio := float64(available) / float64(len(d.resources))

	switch {
	case ratio >= 0.9:
		d.level = DegradationNormal
	case ratio >= 0.7:
		d.level = DegradationReduced
	case ratio >= 0.5:
		d.level = DegradationMinimal
	default:
		d.level = DegradationEmergency
	}

	if d.metrics != nil {
		d.metrics.DegradationLevelGauge.Set(float64(d.level))
	}
}
