// Package vm implements per-agent virtual memory: page tables, demand
// paging, and copy-on-write, grounded on the original kernel's
// kernel-core/src/memory/virtual_mem.rs.
//
// Physical addressing in the original is x86_64-specific (PhysFrame,
// CR3 loads, raw pointer copies); here physical pages are addressed by
// frame number from internal/memory/frame. Page contents are not
// modelled: a copy-on-write break unmaps, checks the refcount,
// allocates a fresh frame and remaps it, but copies no data into it.
package vm

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/octoreflex/agentkernel/internal/kernel"
	"github.com/octoreflex/agentkernel/internal/memory/frame"
	"github.com/octoreflex/agentkernel/internal/observability"
)

// PageFlags mirrors the x86_64 PageTableFlags bits this subsystem
// actually consults.
type PageFlags uint8

const (
	FlagPresent PageFlags = 1 << iota
	FlagWritable
	FlagUserAccessible
)

// FaultErrorCode mirrors the subset of x86_64 PageFaultErrorCode this
// subsystem consults when routing a fault.
type FaultErrorCode uint8

const (
	ErrCodeProtectionViolation FaultErrorCode = 1 << iota
	ErrCodeWriteViolation
	ErrCodeUserMode
	ErrCodeInstructionFetch
)

func (c FaultErrorCode) has(bit FaultErrorCode) bool { return c&bit != 0 }

var (
	ErrNotInitialized  = errors.New("vm: not initialized")
	ErrNoPageTable     = errors.New("vm: no page table for agent")
	ErrMappingFailed   = errors.New("vm: mapping failed")
	ErrPermissionDenied = errors.New("vm: permission denied")
	ErrUnmappingFailed = errors.New("vm: unmapping failed")
	ErrOutOfMemory     = errors.New("vm: out of physical memory")

	ErrKernelProtectionViolation   = errors.New("vm: kernel protection violation")
	ErrInstructionFetchViolation   = errors.New("vm: instruction fetch violation")
	ErrReadViolation               = errors.New("vm: read violation")
)

type pageEntry struct {
	frameNo uint64
	flags   PageFlags
}

type cowRef struct {
	frameNo  uint64
	refCount int
}

// PageFaultStats accumulates fault counters, mirroring PageFaultStats
// in the original source.
type PageFaultStats struct {
	TotalFaults          uint64
	CowFaults            uint64
	ProtectionViolations uint64
	DemandPaging         uint64
	ByAgent              map[uint64]uint64
}

// Manager owns one page table per agent plus the shared COW refcount
// table.
type Manager struct {
	mu     sync.Mutex
	tables map[uint64]map[uint64]pageEntry // agentID -> virtual page -> entry
	cow    map[uint64]*cowRef              // physical frame -> refcount
	stats  PageFaultStats

	frames  *frame.Allocator
	bus     *kernel.Bus
	metrics *observability.Metrics
	log     *zap.Logger
	now     func() uint64
}

// New creates a Manager backed by the given physical frame allocator.
func New(frames *frame.Allocator, bus *kernel.Bus, metrics *observability.Metrics, log *zap.Logger, now func() uint64) *Manager {
	return &Manager{
		tables:  make(map[uint64]map[uint64]pageEntry),
		cow:     make(map[uint64]*cowRef),
		stats:   PageFaultStats{ByAgent: make(map[uint64]uint64)},
		frames:  frames,
		bus:     bus,
		metrics: metrics,
		log:     log,
		now:     now,
	}
}

// CreateAgentPageTable allocates an empty page table for agent. Callers
// must do this before MapPage for a new agent.
func (m *Manager) CreateAgentPageTable(agentID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[agentID]; !ok {
		m.tables[agentID] = make(map[uint64]pageEntry)
	}
}

// DestroyAgentPageTable releases every frame owned exclusively by
// agent's table (COW pages are refcount-released instead of freed
// outright), then drops the table.
func (m *Manager) DestroyAgentPageTable(agentID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[agentID]
	if !ok {
		return
	}
	for _, entry := range table {
		m.releaseFrameLocked(entry.frameNo)
	}
	delete(m.tables, agentID)
}

func (m *Manager) releaseFrameLocked(frameNo uint64) {
	if ref, ok := m.cow[frameNo]; ok {
		ref.refCount--
		if ref.refCount <= 0 {
			delete(m.cow, frameNo)
			_ = m.frames.Free(frameNo)
		}
		return
	}
	_ = m.frames.Free(frameNo)
}

// MapPage installs a virtual-page -> physical-frame mapping for agent.
// capabilityValidated must already have been checked at the syscall
// layer — MapPage enforces it defensively and publishes a Security
// event on violation, exactly as the original virtual_mem.rs does.
func (m *Manager) MapPage(agentID, virtualPage, frameNo uint64, flags PageFlags, capabilityValidated bool) error {
	if !capabilityValidated {
		m.publishSecurity(agentID, "unauthorized_memory_map")
		return ErrPermissionDenied
	}

	m.mu.Lock()
	table, ok := m.tables[agentID]
	if !ok {
		table = make(map[uint64]pageEntry)
		m.tables[agentID] = table
	}
	table[virtualPage] = pageEntry{frameNo: frameNo, flags: flags}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.PageFaultsTotal.WithLabelValues("map").Inc()
	}
	m.publishEvent(kernel.EventMemory, agentID, kernel.KV{Key: "action", Value: "allocated"}, kernel.KV{Key: "size", Value: "4096"})
	m.publishEvent(kernel.EventVirtualMemory, agentID)
	return nil
}

// UnmapPage removes the mapping for virtualPage under agent and returns
// the frame number that was mapped there.
func (m *Manager) UnmapPage(agentID, virtualPage uint64) (uint64, error) {
	m.mu.Lock()
	table, ok := m.tables[agentID]
	if !ok {
		m.mu.Unlock()
		return 0, ErrNoPageTable
	}
	entry, ok := table[virtualPage]
	if !ok {
		m.mu.Unlock()
		return 0, ErrUnmappingFailed
	}
	delete(table, virtualPage)
	m.mu.Unlock()

	m.publishEvent(kernel.EventVirtualMemory, agentID)
	return entry.frameNo, nil
}

// HandlePageFault routes a fault the same way handle_page_fault does in
// the original: demand-page if the page was simply not present,
// otherwise classify the protection violation.
func (m *Manager) HandlePageFault(agentID, virtualPage uint64, code FaultErrorCode) error {
	m.mu.Lock()
	m.stats.TotalFaults++
	m.stats.ByAgent[agentID]++
	m.mu.Unlock()

	if !code.has(ErrCodeProtectionViolation) {
		m.mu.Lock()
		m.stats.DemandPaging++
		m.mu.Unlock()
		return m.loadPage(agentID, virtualPage)
	}

	m.mu.Lock()
	m.stats.ProtectionViolations++
	m.mu.Unlock()

	if code.has(ErrCodeUserMode) {
		m.publishEvent(kernel.EventVirtualMemory, agentID)
		return m.handleAgentProtectionViolation(agentID, virtualPage, code)
	}

	m.publishSecurity(agentID, "kernel_protection_violation")
	return ErrKernelProtectionViolation
}

func (m *Manager) loadPage(agentID, virtualPage uint64) error {
	frameNo, ok := m.frames.Alloc()
	if !ok {
		return ErrOutOfMemory
	}

	flags := FlagPresent | FlagWritable | FlagUserAccessible
	if err := m.MapPage(agentID, virtualPage, frameNo, flags, true); err != nil {
		_ = m.frames.Free(frameNo)
		return ErrMappingFailed
	}
	return nil
}

func (m *Manager) handleAgentProtectionViolation(agentID, virtualPage uint64, code FaultErrorCode) error {
	if !m.checkAgentPermission(agentID, virtualPage) {
		return ErrReadViolation
	}
	if code.has(ErrCodeInstructionFetch) {
		return ErrInstructionFetchViolation
	}
	if code.has(ErrCodeWriteViolation) {
		return m.handleCowFault(agentID, virtualPage)
	}
	return ErrReadViolation
}

func (m *Manager) checkAgentPermission(agentID, virtualPage uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	table, ok := m.tables[agentID]
	if !ok {
		return false
	}
	_, ok = table[virtualPage]
	return ok
}

// handleCowFault implements copy-on-write break: unmap the shared page,
// decrement its refcount, allocate a fresh frame, and remap the new
// frame writable for agent. No page contents are copied, since the
// package does not model them. This is the one
// spot Q3 in spec.md flags for lock reentrancy (the original takes
// PAGE_MANAGER.lock() three separate times across the operation); here
// the whole sequence runs under a single Manager.mu critical section
// except for the physical frame allocation, which does not touch
// Manager state.
func (m *Manager) handleCowFault(agentID, virtualPage uint64) error {
	m.mu.Lock()
	m.stats.CowFaults++

	table, ok := m.tables[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrUnmappingFailed
	}
	oldEntry, ok := table[virtualPage]
	if !ok {
		m.mu.Unlock()
		newFrame, allocated := m.frames.Alloc()
		if !allocated {
			return ErrOutOfMemory
		}
		return m.MapPage(agentID, virtualPage, newFrame, FlagPresent|FlagWritable|FlagUserAccessible, true)
	}
	delete(table, virtualPage)
	oldFrame := oldEntry.frameNo

	wasTracked := false
	if ref, ok := m.cow[oldFrame]; ok {
		wasTracked = true
		ref.refCount--
		if ref.refCount <= 0 {
			delete(m.cow, oldFrame)
			_ = m.frames.Free(oldFrame)
			wasTracked = false
		}
	}
	m.mu.Unlock()

	newFrame, ok := m.frames.Alloc()
	if !ok {
		return ErrOutOfMemory
	}

	if !wasTracked {
		_ = m.frames.Free(oldFrame)
	}

	return m.MapPage(agentID, virtualPage, newFrame, FlagPresent|FlagWritable|FlagUserAccessible, true)
}

// MarkCowPage registers frameNo as copy-on-write with initialRefs
// outstanding references, used when a shared memory region (see
// internal/memory/fabric) hands the same frame to multiple agents.
func (m *Manager) MarkCowPage(frameNo uint64, initialRefs int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cow[frameNo] = &cowRef{frameNo: frameNo, refCount: initialRefs}
}

// Stats returns a copy of the current page fault statistics.
func (m *Manager) Stats() PageFaultStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	byAgent := make(map[uint64]uint64, len(m.stats.ByAgent))
	for k, v := range m.stats.ByAgent {
		byAgent[k] = v
	}
	return PageFaultStats{
		TotalFaults:          m.stats.TotalFaults,
		CowFaults:            m.stats.CowFaults,
		ProtectionViolations: m.stats.ProtectionViolations,
		DemandPaging:         m.stats.DemandPaging,
		ByAgent:              byAgent,
	}
}

func (m *Manager) publishEvent(t kernel.EventType, agentID uint64, kv ...kernel.KV) {
	if m.bus == nil {
		return
	}
	agentCopy := agentID
	m.bus.Publish(kernel.Event{Type: t, Timestamp: m.nowNanos(), AgentID: &agentCopy, Data: kv})
}

func (m *Manager) publishSecurity(agentID uint64, action string) {
	if m.bus == nil {
		return
	}
	m.bus.PublishSecurity(m.nowNanos(), &agentID, action)
	if m.log != nil {
		m.log.Warn("memory security violation", zap.Uint64("agent_id", agentID), zap.String("action", action))
	}
}

func (m *Manager) nowNanos() uint64 {
	if m.now != nil {
		return m.now()
	}
	return 0
}
