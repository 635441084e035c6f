// Package smp implements per-CPU agent runqueues and load balancing
// across them, grounded on the original kernel's kernel-core/src/smp.rs.
//
// The original detects cores via ACPI/CPUID and addresses them by
// Local APIC id, sending IPIs through raw MMIO writes to the APIC's
// ICR registers; none of that has a userland Go equivalent, so CPU
// count comes from runtime.NumCPU() and cross-CPU notification is a
// callback (SetIPIHandler) rather than a memory-mapped register write.
// The original's load_balance() also has a documented `// TODO:
// Migrate agents to balance load` stub (smp.rs:236) that never moves
// anything; per spec.md §9 this is completed here rather than
// reproduced.
package smp

import (
	"errors"
	"runtime"
	"sync"
)

var (
	ErrNotInitialized    = errors.New("smp: not initialized")
	ErrInvalidCPU        = errors.New("smp: invalid cpu id")
	ErrAlreadyOnline     = errors.New("smp: cpu already online")
	ErrAlreadyOffline    = errors.New("smp: cpu already offline")
	ErrCannotStopBootCPU = errors.New("smp: cannot stop boot cpu")
)

// CPUInfo is the externally-visible state of one logical CPU.
type CPUInfo struct {
	ID            uint32
	Online        bool
	CurrentAgent  *uint64
}

type perCPUData struct {
	mu       sync.Mutex
	cpuID    uint32
	runqueue []uint64 // agent IDs resident on this CPU
	load     uint64   // nanoseconds of outstanding work
}

// Manager owns one runqueue per logical CPU and the load-balancing
// policy across them.
type Manager struct {
	mu      sync.Mutex
	cpus    []*CPUInfo
	perCPU  []*perCPUData
	bootCPU uint32

	ipiHandler func(targetCPU uint32, vector uint8)
}

// New detects the available CPU count via runtime.NumCPU() (the
// userland analogue of the original's ACPI/CPUID probe) and brings CPU
// 0 online as the boot CPU, matching init()'s "only boot CPU is online
// initially" behavior.
func New() *Manager {
	count := runtime.NumCPU()
	if count < 1 {
		count = 1
	}

	m := &Manager{bootCPU: 0}
	for i := 0; i < count; i++ {
		id := uint32(i)
		m.cpus = append(m.cpus, &CPUInfo{ID: id, Online: id == m.bootCPU})
		m.perCPU = append(m.perCPU, &perCPUData{cpuID: id})
	}
	return m
}

// CPUCount returns the number of logical CPUs detected at New().
func (m *Manager) CPUCount() int {
	return len(m.cpus)
}

// StartCPU brings cpuID online.
func (m *Manager) StartCPU(cpuID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(cpuID) >= len(m.cpus) {
		return ErrInvalidCPU
	}
	cpu := m.cpus[cpuID]
	if cpu.Online {
		return ErrAlreadyOnline
	}
	cpu.Online = true
	return nil
}

// StopCPU brings cpuID offline, migrating its resident agents onto the
// least-loaded remaining online CPU first (the original stops without
// migrating — a correctness gap, since agents queued on an offlined
// CPU would never run again).
func (m *Manager) StopCPU(cpuID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(cpuID) >= len(m.cpus) {
		return ErrInvalidCPU
	}
	cpu := m.cpus[cpuID]
	if !cpu.Online {
		return ErrAlreadyOffline
	}
	if cpuID == m.bootCPU {
		return ErrCannotStopBootCPU
	}

	target := m.leastLoadedOnlineExceptLocked(cpuID)
	if target != nil {
		src := m.perCPU[cpuID]
		src.mu.Lock()
		migrating := src.runqueue
		src.runqueue = nil
		srcLoad := src.load
		src.load = 0
		src.mu.Unlock()

		dst := m.perCPU[target.ID]
		dst.mu.Lock()
		dst.runqueue = append(dst.runqueue, migrating...)
		dst.load += srcLoad
		dst.mu.Unlock()
	}

	cpu.Online = false
	return nil
}

// AddAgent places agentID onto cpuID's runqueue.
func (m *Manager) AddAgent(cpuID uint32, agentID uint64) error {
	m.mu.Lock()
	if int(cpuID) >= len(m.perCPU) {
		m.mu.Unlock()
		return ErrInvalidCPU
	}
	pc := m.perCPU[cpuID]
	m.mu.Unlock()

	pc.mu.Lock()
	pc.runqueue = append(pc.runqueue, agentID)
	pc.mu.Unlock()
	return nil
}

// RemoveAgent drops agentID from cpuID's runqueue.
func (m *Manager) RemoveAgent(cpuID uint32, agentID uint64) {
	m.mu.Lock()
	if int(cpuID) >= len(m.perCPU) {
		m.mu.Unlock()
		return
	}
	pc := m.perCPU[cpuID]
	m.mu.Unlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := pc.runqueue[:0]
	for _, id := range pc.runqueue {
		if id != agentID {
			out = append(out, id)
		}
	}
	pc.runqueue = out
}

// Runqueue returns a snapshot of cpuID's resident agent ids.
func (m *Manager) Runqueue(cpuID uint32) []uint64 {
	m.mu.Lock()
	if int(cpuID) >= len(m.perCPU) {
		m.mu.Unlock()
		return nil
	}
	pc := m.perCPU[cpuID]
	m.mu.Unlock()

	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]uint64(nil), pc.runqueue...)
}

// SetLoad records cpuID's current outstanding load in nanoseconds, as
// supplied by the caller (the scheduler does not call it).
func (m *Manager) SetLoad(cpuID uint32, loadNS uint64) {
	m.mu.Lock()
	if int(cpuID) >= len(m.perCPU) {
		m.mu.Unlock()
		return
	}
	pc := m.perCPU[cpuID]
	m.mu.Unlock()

	pc.mu.Lock()
	pc.load = loadNS
	pc.mu.Unlock()
}

// LoadBalance finds the most- and least-loaded online CPUs and, if
// their load differs, migrates one agent from the most-loaded to the
// least-loaded queue. Returns the (from, to, agentID) of the migration
// performed, or ok=false if no migration was needed or possible.
func (m *Manager) LoadBalance() (from, to uint32, agentID uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var maxCPU, minCPU *CPUInfo
	maxLoad := uint64(0)
	minLoad := ^uint64(0)

	for i, cpu := range m.cpus {
		if !cpu.Online {
			continue
		}
		m.perCPU[i].mu.Lock()
		load := m.perCPU[i].load
		queueLen := len(m.perCPU[i].runqueue)
		m.perCPU[i].mu.Unlock()

		if load > maxLoad && queueLen > 0 {
			maxLoad = load
			maxCPU = cpu
		}
		if load < minLoad {
			minLoad = load
			minCPU = cpu
		}
	}

	if maxCPU == nil || minCPU == nil || maxCPU.ID == minCPU.ID || maxLoad <= minLoad {
		return 0, 0, 0, false
	}

	src := m.perCPU[maxCPU.ID]
	dst := m.perCPU[minCPU.ID]

	src.mu.Lock()
	if len(src.runqueue) == 0 {
		src.mu.Unlock()
		return 0, 0, 0, false
	}
	migrated := src.runqueue[0]
	src.runqueue = src.runqueue[1:]
	src.mu.Unlock()

	dst.mu.Lock()
	dst.runqueue = append(dst.runqueue, migrated)
	dst.mu.Unlock()

	return maxCPU.ID, minCPU.ID, migrated, true
}

func (m *Manager) leastLoadedOnlineExceptLocked(except uint32) *CPUInfo {
	var best *CPUInfo
	bestLoad := ^uint64(0)
	for i, cpu := range m.cpus {
		if cpu.ID == except || !cpu.Online {
			continue
		}
		m.perCPU[i].mu.Lock()
		load := m.perCPU[i].load
		m.perCPU[i].mu.Unlock()
		if load < bestLoad {
			bestLoad = load
			best = cpu
		}
	}
	return best
}

// SetIPIHandler registers the callback invoked by SendIPI. There is no
// real inter-processor interrupt in a userland process; this models
// the original's cross-CPU notification contract (a vector delivered
// to a target CPU) as a Go callback instead of an APIC ICR write.
func (m *Manager) SetIPIHandler(handler func(targetCPU uint32, vector uint8)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ipiHandler = handler
}

// SendIPI invokes the registered IPI handler, if any.
func (m *Manager) SendIPI(targetCPU uint32, vector uint8) {
	m.mu.Lock()
	handler := m.ipiHandler
	m.mu.Unlock()
	if handler != nil {
		handler(targetCPU, vector)
	}
}

// CPUs returns a snapshot of all known CPUs' info.
func (m *Manager) CPUs() []CPUInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CPUInfo, len(m.cpus))
	for i, cpu := range m.cpus {
		out[i] = *cpu
	}
	return out
}
