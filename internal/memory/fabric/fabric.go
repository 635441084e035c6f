// Package fabric implements the cross-agent memory fabric: ephemeral
// and persistent memory regions, shared-page COW mappings with
// versioning, memory tags, and lease/expiration, grounded on the
// original kernel's kernel-core/src/memory/fabric.rs.
package fabric

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/octoreflex/agentkernel/internal/kernel"
	"github.com/octoreflex/agentkernel/internal/memory/vm"
)

// RegionType mirrors MemoryRegionType in the original source.
type RegionType uint32

const (
	RegionEphemeral RegionType = iota + 1
	RegionPersistent
	RegionShared
)

// Address layout constants, ported verbatim from fabric.rs so derived
// addresses match the original's allocation scheme exactly.
const (
	regionBaseAddr   = 0x1000_0000
	regionStride     = 0x0100_0000 // 16 MiB per region
	sharedPageBase   = 0x3000_0000
	sharedPageStride = 0x0100_0000 // per-agent stride within the shared window
)

var (
	ErrInvalidRegion    = errors.New("fabric: invalid region")
	ErrOutOfMemory      = errors.New("fabric: out of memory (region overlap or allocation failure)")
	ErrPermissionDenied = errors.New("fabric: permission denied")
)

// Tag is a caller-defined annotation attached to a region.
type Tag struct {
	AgentID     uint64
	Tag         []byte
	Permissions uint64
}

// Lease grants agent time-bounded access to region, optionally
// auto-renewing.
type Lease struct {
	AgentID    uint64
	RegionID   uint64
	ExpiresAt  uint64
	AutoRenew  bool
}

type region struct {
	id         uint64
	agentID    uint64
	regionType RegionType
	start      uint64
	size       uint64
}

type sharedPage struct {
	id           uint64
	frameNo      uint64
	virtualAddrs map[uint64]uint64 // agentID -> virtual address
	agents       []uint64
	version      uint64
	refCount     int
}

// Manager is the process-wide memory fabric. All region/page/lease/tag
// maps are guarded by a single mutex: the original's
// increment_version/add_agent_to_shared_page take and release the
// shared_pages lock multiple times across one logical operation (Q3 in
// spec.md §9); here every public method holds mu for its entire
// duration, so no caller can observe a partially-updated shared page.
type Manager struct {
	mu      sync.Mutex
	regions map[uint64]*region
	pages   map[uint64]*sharedPage
	leases  map[uint64]*Lease
	tags    map[uint64][]Tag

	nextRegionID atomic.Uint64
	nextPageID   atomic.Uint64
	nextLeaseID  atomic.Uint64

	vm           *vm.Manager
	bus          *kernel.Bus
	now          func() uint64
	frameAllocFn func() (uint64, bool)
}

// New creates an empty Manager.
func New(vmMgr *vm.Manager, bus *kernel.Bus, now func() uint64) *Manager {
	m := &Manager{
		regions: make(map[uint64]*region),
		pages:   make(map[uint64]*sharedPage),
		leases:  make(map[uint64]*Lease),
		tags:    make(map[uint64][]Tag),
		vm:      vmMgr,
		bus:     bus,
		now:     now,
	}
	m.nextRegionID.Store(1)
	m.nextPageID.Store(1)
	m.nextLeaseID.Store(1)
	return m
}

// CreateRegion reserves a new virtual-address region of size bytes for
// agent, rejecting overlap with any existing region.
func (m *Manager) CreateRegion(agentID uint64, regionType RegionType, size uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	regionID := m.nextRegionID.Add(1) - 1
	start := uint64(regionBaseAddr) + regionID*regionStride

	for _, existing := range m.regions {
		existingEnd := existing.start + existing.size
		newEnd := start + size
		if (start >= existing.start && start < existingEnd) ||
			(newEnd > existing.start && newEnd <= existingEnd) ||
			(start <= existing.start && newEnd >= existingEnd) {
			return 0, ErrOutOfMemory
		}
	}

	m.regions[regionID] = &region{
		id:         regionID,
		agentID:    agentID,
		regionType: regionType,
		start:      start,
		size:       size,
	}

	m.publishVM(agentID)
	return regionID, nil
}

// CreateSharedPage allocates one physical frame, maps it into every
// listed agent's address space (address = 0x3000_0000 + page_id*4096 +
// agent_id*0x0100_0000), and marks it copy-on-write with a reference
// count equal to len(agents).
func (m *Manager) CreateSharedPage(agents []uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frameNo, ok := m.allocFrame()
	if !ok {
		return 0, ErrOutOfMemory
	}

	pageID := m.nextPageID.Add(1) - 1
	virtualAddrs := make(map[uint64]uint64, len(agents))

	for _, agentID := range agents {
		vaddr := uint64(sharedPageBase) + pageID*4096 + agentID*sharedPageStride
		if err := m.vm.MapPage(agentID, vaddr, frameNo, vm.FlagPresent|vm.FlagWritable|vm.FlagUserAccessible, true); err != nil {
			return 0, ErrOutOfMemory
		}
		virtualAddrs[agentID] = vaddr
	}

	m.vm.MarkCowPage(frameNo, len(agents))

	m.pages[pageID] = &sharedPage{
		id:           pageID,
		frameNo:      frameNo,
		virtualAddrs: virtualAddrs,
		agents:       append([]uint64(nil), agents...),
		version:      1,
		refCount:     len(agents),
	}

	m.publishVM(0)
	return pageID, nil
}

// allocFrame is a seam so tests can supply a deterministic frame
// source; production wiring passes the real internal/memory/frame
// allocator via WithFrameAllocator.
func (m *Manager) allocFrame() (uint64, bool) {
	if m.frameAllocFn == nil {
		return 0, false
	}
	return m.frameAllocFn()
}

// WithFrameAllocator binds the physical frame source used by
// CreateSharedPage.
func (m *Manager) WithFrameAllocator(alloc func() (uint64, bool)) *Manager {
	m.frameAllocFn = alloc
	return m
}

// TagRegion appends tag to region's tag list.
func (m *Manager) TagRegion(regionID uint64, tag Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regions[regionID]; !ok {
		return ErrInvalidRegion
	}
	m.tags[regionID] = append(m.tags[regionID], tag)
	return nil
}

// CreateLease grants agent access to region until expiresAt.
func (m *Manager) CreateLease(agentID, regionID, expiresAt uint64, autoRenew bool) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaseID := m.nextLeaseID.Add(1) - 1
	m.leases[leaseID] = &Lease{AgentID: agentID, RegionID: regionID, ExpiresAt: expiresAt, AutoRenew: autoRenew}
	return leaseID
}

// checkLeasesLocked drops expired non-renewing leases and rolls
// expired auto-renewing leases forward by one hour, mirroring
// check_leases in the original.
func (m *Manager) checkLeasesLocked(now uint64) {
	const autoRenewWindow = 3600 * 1_000_000_000 // 1 hour in ns, matching the ns-timestamp convention used elsewhere
	for id, lease := range m.leases {
		if lease.ExpiresAt >= now {
			continue
		}
		if lease.AutoRenew {
			lease.ExpiresAt = now + autoRenewWindow
			continue
		}
		delete(m.leases, id)
	}
}

// ExpireLeases runs the periodic lease sweep (L2 in spec.md §8).
func (m *Manager) ExpireLeases() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkLeasesLocked(m.nowNanos())
}

// CleanupAgentRegions removes agent's ephemeral regions and any of its
// expired non-renewing leases, called on agent termination.
func (m *Manager) CleanupAgentRegions(agentID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, r := range m.regions {
		if r.agentID == agentID && r.regionType == RegionEphemeral {
			delete(m.regions, id)
		}
	}

	now := m.nowNanos()
	for id, lease := range m.leases {
		if lease.AgentID == agentID && lease.ExpiresAt < now && !lease.AutoRenew {
			delete(m.leases, id)
		}
	}
}

// GetTags returns a copy of region's tags.
func (m *Manager) GetTags(regionID uint64) ([]Tag, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags, ok := m.tags[regionID]
	if !ok {
		return nil, false
	}
	return append([]Tag(nil), tags...), true
}

// GetTagsByAgent returns every (regionID, tag) pair belonging to agent
// across all regions.
func (m *Manager) GetTagsByAgent(agentID uint64) []struct {
	RegionID uint64
	Tag      Tag
} {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []struct {
		RegionID uint64
		Tag      Tag
	}
	for regionID, tagList := range m.tags {
		for _, tag := range tagList {
			if tag.AgentID == agentID {
				result = append(result, struct {
					RegionID uint64
					Tag      Tag
				}{RegionID: regionID, Tag: tag})
			}
		}
	}
	return result
}

// GetSharedPageAddr returns the virtual address page_id maps to in
// agent_id's address space, if any.
func (m *Manager) GetSharedPageAddr(pageID, agentID uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return 0, false
	}
	addr, ok := page.virtualAddrs[agentID]
	return addr, ok
}

// IncrementVersion bumps pageID's version counter by one and returns
// the new value, used when a writer commits a change other agents
// sharing the page should observe (spec.md invariant around
// shared-page versioning).
func (m *Manager) IncrementVersion(pageID uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return 0, ErrInvalidRegion
	}
	page.version++
	return page.version, nil
}

// GetVersion returns pageID's current version.
func (m *Manager) GetVersion(pageID uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return 0, false
	}
	return page.version, true
}

// AddAgentToSharedPage maps pageID into agentID's address space if it
// is not already there, bumping the page's reference count. Unlike the
// original (which drops and reacquires shared_pages.lock around the
// virtual_mem::map_page call — the Q3 reentrancy case), this holds mu
// for the whole operation; vm.Manager's own internal locking is
// independent of fabric's, so no lock-ordering cycle is introduced
// (fabric -> vm is a one-way edge, consistent with the lock order in
// spec.md §5).
func (m *Manager) AddAgentToSharedPage(pageID, agentID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	page, ok := m.pages[pageID]
	if !ok {
		return ErrInvalidRegion
	}
	for _, existing := range page.agents {
		if existing == agentID {
			return nil
		}
	}

	vaddr := uint64(sharedPageBase) + pageID*4096 + agentID*sharedPageStride
	if err := m.vm.MapPage(agentID, vaddr, page.frameNo, vm.FlagPresent|vm.FlagWritable|vm.FlagUserAccessible, true); err != nil {
		return ErrOutOfMemory
	}

	page.virtualAddrs[agentID] = vaddr
	page.agents = append(page.agents, agentID)
	page.refCount++
	return nil
}

func (m *Manager) publishVM(agentID uint64) {
	if m.bus == nil {
		return
	}
	var agentPtr *uint64
	if agentID != 0 {
		agentPtr = &agentID
	}
	m.bus.Publish(kernel.Event{Type: kernel.EventVirtualMemory, Timestamp: m.nowNanos(), AgentID: agentPtr})
}

func (m *Manager) nowNanos() uint64 {
	if m.now != nil {
		return m.now()
	}
	return 0
}
