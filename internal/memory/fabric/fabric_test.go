package fabric

import (
	"testing"

	"github.com/octoreflex/agentkernel/internal/memory/frame"
	"github.com/octoreflex/agentkernel/internal/memory/vm"
)

func newTestManager(t *testing.T, now func() uint64) *Manager {
	t.Helper()
	frames := frame.New(64 * 4096)
	vmMgr := vm.New(frames, nil, nil, nil, now)
	return New(vmMgr, nil, now).WithFrameAllocator(frames.Alloc)
}

func TestCreateSharedPageMapsEveryAgentAtDistinctAddresses(t *testing.T) {
	m := newTestManager(t, func() uint64 { return 0 })

	pageID, err := m.CreateSharedPage([]uint64{1, 2, 3})
	if err != nil {
		t.Fatalf("CreateSharedPage failed: %v", err)
	}

	addrs := make(map[uint64]bool)
	for _, agentID := range []uint64{1, 2, 3} {
		addr, ok := m.GetSharedPageAddr(pageID, agentID)
		if !ok {
			t.Fatalf("expected agent %d to be mapped into shared page %d", agentID, pageID)
		}
		if addrs[addr] {
			t.Fatalf("agent %d collided with another agent's virtual address %#x", agentID, addr)
		}
		addrs[addr] = true
	}

	version, ok := m.GetVersion(pageID)
	if !ok || version != 1 {
		t.Fatalf("GetVersion() = (%d, %v), want (1, true)", version, ok)
	}
}

func TestAddAgentToSharedPageIsIdempotent(t *testing.T) {
	m := newTestManager(t, func() uint64 { return 0 })
	pageID, _ := m.CreateSharedPage([]uint64{1})

	if err := m.AddAgentToSharedPage(pageID, 2); err != nil {
		t.Fatalf("AddAgentToSharedPage(new agent) failed: %v", err)
	}
	if err := m.AddAgentToSharedPage(pageID, 2); err != nil {
		t.Fatalf("AddAgentToSharedPage(already present) failed: %v", err)
	}

	m.mu.Lock()
	refCount := m.pages[pageID].refCount
	m.mu.Unlock()
	if refCount != 2 {
		t.Fatalf("refCount = %d after adding agent 2 twice, want 2 (idempotent)", refCount)
	}
}

func TestExpireLeasesDropsNonRenewingAndRollsAutoRenew(t *testing.T) {
	var now uint64 = 1_000_000_000
	m := newTestManager(t, func() uint64 { return now })

	regionID, err := m.CreateRegion(1, RegionEphemeral, 4096)
	if err != nil {
		t.Fatalf("CreateRegion failed: %v", err)
	}

	expiredLease := m.CreateLease(1, regionID, now-1, false)
	autoRenewLease := m.CreateLease(1, regionID, now-1, true)
	liveLease := m.CreateLease(1, regionID, now+1_000_000_000, false)

	m.ExpireLeases()

	m.mu.Lock()
	_, expiredStillPresent := m.leases[expiredLease]
	renewed, renewedStillPresent := m.leases[autoRenewLease]
	_, liveStillPresent := m.leases[liveLease]
	m.mu.Unlock()

	if expiredStillPresent {
		t.Fatal("expected non-renewing expired lease to be dropped")
	}
	if !renewedStillPresent {
		t.Fatal("expected auto-renewing lease to survive, rolled forward")
	}
	if renewed.ExpiresAt <= now {
		t.Fatalf("auto-renewed lease ExpiresAt = %d, want > now (%d)", renewed.ExpiresAt, now)
	}
	if !liveStillPresent {
		t.Fatal("expected unexpired lease to remain untouched")
	}
}

func TestCleanupAgentRegionsDropsEphemeralRegionsAndExpiredLeases(t *testing.T) {
	var now uint64 = 1_000_000_000
	m := newTestManager(t, func() uint64 { return now })

	ephemeralID, _ := m.CreateRegion(1, RegionEphemeral, 4096)
	persistentID, _ := m.CreateRegion(1, RegionPersistent, 4096)
	leaseID := m.CreateLease(1, ephemeralID, now-1, false)

	m.CleanupAgentRegions(1)

	m.mu.Lock()
	_, ephemeralPresent := m.regions[ephemeralID]
	_, persistentPresent := m.regions[persistentID]
	_, leasePresent := m.leases[leaseID]
	m.mu.Unlock()

	if ephemeralPresent {
		t.Fatal("expected ephemeral region to be removed on agent cleanup")
	}
	if !persistentPresent {
		t.Fatal("expected persistent region to survive agent cleanup")
	}
	if leasePresent {
		t.Fatal("expected expired lease to be removed on agent cleanup")
	}
}
