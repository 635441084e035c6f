// Package budget implements the token bucket rate limiter agentkerneld
// applies to costly syscalls.
//
// Specification (from spec.md §7's resource-exhaustion guidance):
//   - Capacity: configurable (default 100 tokens)
//   - Refill interval: 60 seconds
//   - Refill amount: full capacity (not incremental)
//   - Consumption: atomic, per-syscall cost
//
// Cost model:
//   - AgentSpawn:     cost 5
//   - AgentKill:       cost 10
//   - FrameAlloc:      cost 2
//   - AgentPoolAlloc:  cost 3
//   - PQCOperation:    cost 1
//
// Rationale: lifecycle and allocation syscalls that mutate durable
// kernel state cost more than read-mostly syscalls, preventing a burst
// of agent spawns/kills from starving the scheduler of dispatch time.
// The 60-second full refill ensures the system recovers quickly after
// a legitimate burst.
//
// Invariants:
//   - tokens ∈ [0, capacity] at all times.
//   - Consume() is atomic under mutex.
//   - Refill goroutine runs for the lifetime of the Bucket.
//   - No external dependencies.
package budget

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/octoreflex/agentkernel/internal/syscall"
)

// CostModel defines the token cost for each rate-limited syscall.
// Costs must be positive integers. A syscall absent from this map is
// uncosted (ConsumeForSyscall always succeeds for it).
var CostModel = map[syscall.Number]int{
	syscall.AgentSpawn:      5,
	syscall.AgentKill:       10,
	syscall.FrameAlloc:      2,
	syscall.AgentPoolAlloc:  3,
	syscall.PQCOperation:    1,
}

// Bucket is a thread-safe token bucket for rate-limiting costly
// syscalls.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	tokens       int
	refillPeriod time.Duration

	// consumedTotal tracks lifetime tokens consumed (for metrics).
	consumedTotal atomic.Uint64

	// refillCount tracks number of refill cycles (for metrics).
	refillCount atomic.Uint64

	// stop channel for graceful shutdown of the refill goroutine.
	stop chan struct{}
}

// New creates a Bucket with the given capacity and starts the refill goroutine.
// capacity must be > 0. refillPeriod must be > 0.
// Call Close() to stop the refill goroutine.
func New(capacity int, refillPeriod time.Duration) *Bucket {
	if capacity <= 0 {
		panic("budget.Bucket: capacity must be > 0")
	}
	if refillPeriod <= 0 {
		panic("budget.Bucket: refillPeriod must be > 0")
	}
	b := &Bucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		stop:         make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

// refillLoop runs in a dedicated goroutine and refills the bucket to full
// capacity every refillPeriod. Exits when Close() is called.
func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(b.refillPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.tokens = b.capacity
			b.mu.Unlock()
			b.refillCount.Add(1)
		case <-b.stop:
			return
		}
	}
}

// Consume attempts to consume `cost` tokens from the bucket.
// Returns true if the tokens were available and consumed.
// Returns false if insufficient tokens remain (the syscall must fail
// with ErrnoResourceExhausted rather than proceed).
// Thread-safe.
func (b *Bucket) Consume(cost int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= cost {
		b.tokens -= cost
		b.consumedTotal.Add(uint64(cost))
		return true
	}
	return false
}

// ConsumeForSyscall consumes the standard cost for a given syscall
// number. Returns true (no consumption) for a syscall with no defined
// cost.
func (b *Bucket) ConsumeForSyscall(num syscall.Number) bool {
	cost, ok := CostModel[num]
	if !ok {
		return true
	}
	return b.Consume(cost)
}

// Remaining returns the current token count.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Capacity returns the maximum token capacity.
func (b *Bucket) Capacity() int {
	return b.capacity // Immutable after construction.
}

// ConsumedTotal returns the lifetime total of tokens consumed.
func (b *Bucket) ConsumedTotal() uint64 {
	return b.consumedTotal.Load()
}

// RefillCount returns the number of refill cycles completed.
func (b *Bucket) RefillCount() uint64 {
	return b.refillCount.Load()
}

// Close stops the refill goroutine. Safe to call once.
func (b *Bucket) Close() {
	close(b.stop)
}
