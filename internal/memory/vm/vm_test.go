package vm

import (
	"testing"

	"github.com/octoreflex/agentkernel/internal/memory/frame"
)

func newTestManager(t *testing.T) (*Manager, *frame.Allocator) {
	t.Helper()
	frames := frame.New(16 * 4096)
	return New(frames, nil, nil, nil, func() uint64 { return 0 }), frames
}

func TestMapPageRequiresCapabilityValidation(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.MapPage(1, 0, 0, FlagPresent, false); err != ErrPermissionDenied {
		t.Fatalf("MapPage with capabilityValidated=false = %v, want ErrPermissionDenied", err)
	}
}

func TestCowFaultBreaksSharedFrameOnWrite(t *testing.T) {
	m, frames := newTestManager(t)

	sharedFrame, ok := frames.Alloc()
	if !ok {
		t.Fatal("expected to allocate a shared frame")
	}
	m.MarkCowPage(sharedFrame, 2)

	if err := m.MapPage(1, 100, sharedFrame, FlagPresent|FlagUserAccessible, true); err != nil {
		t.Fatalf("MapPage(agent 1) failed: %v", err)
	}
	if err := m.MapPage(2, 100, sharedFrame, FlagPresent|FlagUserAccessible, true); err != nil {
		t.Fatalf("MapPage(agent 2) failed: %v", err)
	}

	// Agent 1 writes: a write-violation fault on a present, shared page
	// must copy-on-write rather than touching agent 2's mapping.
	err := m.HandlePageFault(1, 100, ErrCodeProtectionViolation|ErrCodeUserMode|ErrCodeWriteViolation)
	if err != nil {
		t.Fatalf("HandlePageFault (COW break) returned error: %v", err)
	}

	stats := m.Stats()
	if stats.CowFaults != 1 {
		t.Fatalf("CowFaults = %d, want 1", stats.CowFaults)
	}

	// Agent 2 must still be mapped to the original shared frame,
	// untouched by agent 1's COW break.
	m.mu.Lock()
	agent2Entry := m.tables[2][100]
	agent1Entry := m.tables[1][100]
	m.mu.Unlock()

	if agent2Entry.frameNo != sharedFrame {
		t.Fatalf("agent 2 frame = %d, want unchanged shared frame %d", agent2Entry.frameNo, sharedFrame)
	}
	if agent1Entry.frameNo == sharedFrame {
		t.Fatal("agent 1 still points at the shared frame after COW break")
	}
}

func TestDemandPagingOnPageNotPresent(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.HandlePageFault(1, 50, 0); err != nil {
		t.Fatalf("HandlePageFault (demand page) returned error: %v", err)
	}

	stats := m.Stats()
	if stats.DemandPaging != 1 {
		t.Fatalf("DemandPaging = %d, want 1", stats.DemandPaging)
	}
	if !m.checkAgentPermission(1, 50) {
		t.Fatal("expected page to be mapped after demand paging")
	}
}

func TestDestroyAgentPageTableReleasesCowRefsWithoutFreeingSharedFrame(t *testing.T) {
	m, frames := newTestManager(t)
	before := frames.FreeCount()

	sharedFrame, _ := frames.Alloc()
	m.MarkCowPage(sharedFrame, 2)
	_ = m.MapPage(1, 1, sharedFrame, FlagPresent, true)
	_ = m.MapPage(2, 1, sharedFrame, FlagPresent, true)

	m.DestroyAgentPageTable(1)

	// Agent 2 still holds a reference; the shared frame must not be
	// returned to the free pool yet.
	if frames.FreeCount() == before {
		t.Fatal("expected frame count to still reflect agent 2's outstanding reference")
	}

	m.DestroyAgentPageTable(2)
	if frames.FreeCount() != before {
		t.Fatalf("FreeCount() = %d after both agents torn down, want %d (frame reclaimed)", frames.FreeCount(), before)
	}
}
