package quota

import "testing"

func TestAllocateWithinLimitSucceeds(t *testing.T) {
	m := New(nil, nil, func() uint64 { return 0 })

	if !m.Allocate(1, ResourceMemory, 1<<20) {
		t.Fatal("expected allocation within default 1 GiB limit to succeed")
	}
	used, limit := m.GetUsage(1, ResourceMemory)
	if used != 1<<20 {
		t.Fatalf("used = %d, want %d", used, 1<<20)
	}
	if limit != DefaultMemoryLimit {
		t.Fatalf("limit = %d, want default %d", limit, DefaultMemoryLimit)
	}
}

func TestAllocateExceedingLimitFails(t *testing.T) {
	var now uint64 = 42
	m := New(nil, nil, func() uint64 { return now })
	m.SetLimit(1, ResourceMemory, 1024)

	if m.Allocate(1, ResourceMemory, 2048) {
		t.Fatal("expected allocation exceeding limit to fail")
	}

	used, _ := m.GetUsage(1, ResourceMemory)
	if used != 0 {
		t.Fatalf("used = %d after failed allocation, want 0 (no partial mutation)", used)
	}

	stats := m.GetStatistics()
	if got := stats.QuotaExceededCount.Load(); got != 1 {
		t.Fatalf("QuotaExceededCount = %d, want 1", got)
	}
	if got := stats.LastExceededNanos.Load(); got != now {
		t.Fatalf("LastExceededNanos = %d, want %d", got, now)
	}
}

func TestReleaseSaturatesAtZero(t *testing.T) {
	m := New(nil, nil, func() uint64 { return 0 })
	m.Allocate(1, ResourceCPU, 10)

	m.Release(1, ResourceCPU, 1000)

	used, _ := m.GetUsage(1, ResourceCPU)
	if used != 0 {
		t.Fatalf("used = %d after over-release, want 0 (saturating)", used)
	}
}

func TestSetLimitAppliesPerAgentPerResource(t *testing.T) {
	m := New(nil, nil, func() uint64 { return 0 })
	m.SetLimit(7, ResourceFS, 4096)

	if !m.Allocate(7, ResourceFS, 4096) {
		t.Fatal("expected allocation up to the custom limit to succeed")
	}
	if m.Allocate(7, ResourceFS, 1) {
		t.Fatal("expected allocation past the custom limit to fail")
	}

	// A different agent keeps the default limit.
	_, limit := m.GetUsage(8, ResourceFS)
	if limit != DefaultFSLimit {
		t.Fatalf("agent 8 limit = %d, want unaffected default %d", limit, DefaultFSLimit)
	}
}

func TestRemoveAgentClearsUsageAndLimits(t *testing.T) {
	m := New(nil, nil, func() uint64 { return 0 })
	m.SetLimit(1, ResourceMemory, 10)
	m.Allocate(1, ResourceMemory, 5)

	m.RemoveAgent(1)

	used, limit := m.GetUsage(1, ResourceMemory)
	if used != 0 {
		t.Fatalf("used = %d after RemoveAgent, want 0 (fresh state)", used)
	}
	if limit != DefaultMemoryLimit {
		t.Fatalf("limit = %d after RemoveAgent, want default %d (custom limit forgotten)", limit, DefaultMemoryLimit)
	}
}
