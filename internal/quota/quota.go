// Package quota implements per-agent resource accounting across
// {memory, cpu, network, io, fs} with atomic check-allocate-release and
// saturating release, grounded on the original kernel's
// kernel-capability/src/quota.rs.
package quota

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/octoreflex/agentkernel/internal/kernel"
)

// Resource names the five accounted resource classes.
type Resource string

const (
	ResourceMemory  Resource = "memory"
	ResourceCPU     Resource = "cpu"
	ResourceNetwork Resource = "network"
	ResourceIO      Resource = "io"
	ResourceFS      Resource = "fs"
)

// Defaults mirror AgentQuotas::default() in the original source:
// 1 GiB memory, 100% cpu, 100 MiB/s network, 1000 IOPS, 10 GiB fs.
const (
	DefaultMemoryLimit  = uint64(1) << 30
	DefaultCPULimit     = uint64(100)
	DefaultNetworkLimit = uint64(100) << 20
	DefaultIOLimit      = uint64(1000)
	DefaultFSLimit      = uint64(10) << 30
)

func defaultLimits() map[Resource]uint64 {
	return map[Resource]uint64{
		ResourceMemory:  DefaultMemoryLimit,
		ResourceCPU:     DefaultCPULimit,
		ResourceNetwork: DefaultNetworkLimit,
		ResourceIO:      DefaultIOLimit,
		ResourceFS:      DefaultFSLimit,
	}
}

// Statistics is a process-wide counter set, mirroring
// QuotaStatistics in the original source.
type Statistics struct {
	TotalChecks       atomic.Uint64
	TotalAllocations  atomic.Uint64
	TotalReleases     atomic.Uint64
	QuotaExceededCount atomic.Uint64
	LastExceededNanos atomic.Uint64
}

type agentState struct {
	mu     sync.Mutex
	limits map[Resource]uint64
	used   map[Resource]uint64
}

// Manager is the per-process quota accountant. NowFunc is
// constructor-injected rather than read from a global clock, resolving
// the original's "timestamp should be set by caller" placeholder
// cleanly.
type Manager struct {
	mu     sync.Mutex
	agents map[uint64]*agentState
	stats  Statistics
	bus    *kernel.Bus
	log    *zap.Logger
	now    func() uint64
}

// New creates an empty Manager.
func New(bus *kernel.Bus, log *zap.Logger, now func() uint64) *Manager {
	return &Manager{
		agents: make(map[uint64]*agentState),
		bus:    bus,
		log:    log,
		now:    now,
	}
}

func (m *Manager) state(agent uint64) *agentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.agents[agent]
	if !ok {
		st = &agentState{limits: defaultLimits(), used: make(map[Resource]uint64)}
		m.agents[agent] = st
	}
	return st
}

// Check reports whether amount more of resource could be allocated to
// agent without exceeding its limit, without mutating usage.
func (m *Manager) Check(agent uint64, resource Resource, amount uint64) bool {
	m.stats.TotalChecks.Add(1)
	st := m.state(agent)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.used[resource]+amount <= st.limits[resource]
}

// Allocate performs check-then-add atomically. On failure it publishes a
// Security event {action: "quota_exceeded", resource, agent} and
// advances QuotaExceededCount (invariant Q1, spec.md §4.2).
func (m *Manager) Allocate(agent uint64, resource Resource, amount uint64) bool {
	m.stats.TotalChecks.Add(1)
	st := m.state(agent)

	st.mu.Lock()
	ok := st.used[resource]+amount <= st.limits[resource]
	if ok {
		st.used[resource] += amount
	}
	st.mu.Unlock()

	if ok {
		m.stats.TotalAllocations.Add(1)
		return true
	}

	m.stats.QuotaExceededCount.Add(1)
	now := m.nowNanos()
	m.stats.LastExceededNanos.Store(now)
	if m.bus != nil {
		agentCopy := agent
		m.bus.PublishSecurity(now, &agentCopy, "quota_exceeded",
			kernel.KV{Key: "resource", Value: string(resource)})
	}
	if m.log != nil {
		m.log.Warn("quota exceeded", zap.Uint64("agent_id", agent), zap.String("resource", string(resource)))
	}
	return false
}

// Release subtracts amount from agent's usage of resource, saturating at
// zero.
func (m *Manager) Release(agent uint64, resource Resource, amount uint64) {
	st := m.state(agent)
	st.mu.Lock()
	if st.used[resource] < amount {
		st.used[resource] = 0
	} else {
		st.used[resource] -= amount
	}
	st.mu.Unlock()
	m.stats.TotalReleases.Add(1)
}

// GetUsage returns the current (used, limit) pair for agent and resource.
func (m *Manager) GetUsage(agent uint64, resource Resource) (used, limit uint64) {
	st := m.state(agent)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.used[resource], st.limits[resource]
}

// SetLimit overrides the limit for agent and resource (e.g. from a
// signed admission policy, or test fixtures such as spec.md §8 scenario
// 4).
func (m *Manager) SetLimit(agent uint64, resource Resource, limit uint64) {
	st := m.state(agent)
	st.mu.Lock()
	st.limits[resource] = limit
	st.mu.Unlock()
}

// GetStatistics returns a snapshot of the process-wide accounting counters.
func (m *Manager) GetStatistics() Statistics {
	var snap Statistics
	snap.TotalChecks.Store(m.stats.TotalChecks.Load())
	snap.TotalAllocations.Store(m.stats.TotalAllocations.Load())
	snap.TotalReleases.Store(m.stats.TotalReleases.Load())
	snap.QuotaExceededCount.Store(m.stats.QuotaExceededCount.Load())
	snap.LastExceededNanos.Store(m.stats.LastExceededNanos.Load())
	return snap
}

// RemoveAgent drops all quota state for agent, used on agent
// termination so a killed agent's accounting does not linger (feeds
// invariant P6 alongside the scheduler/fabric/vm teardown paths).
func (m *Manager) RemoveAgent(agent uint64) {
	m.mu.Lock()
	delete(m.agents, agent)
	m.mu.Unlock()
}

func (m *Manager) nowNanos() uint64 {
	if m.now != nil {
		return m.now()
	}
	return 0
}
