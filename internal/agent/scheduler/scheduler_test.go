package scheduler

import "testing"

func TestNextPrefersMinVruntime(t *testing.T) {
	sched := New(nil, func() uint64 { return 0 })
	sched.AddAgent(1, 1024, 0)
	sched.AddAgent(2, 1024, 0)

	sched.UpdateRuntime(1, 5_000_000)

	agentID, ok := sched.Next()
	if !ok {
		t.Fatal("expected a runnable agent")
	}
	if agentID != 2 {
		t.Fatalf("Next() = %d, want 2 (lower vruntime)", agentID)
	}
}

func TestDeadlinePreemptsVruntimeOrder(t *testing.T) {
	var now uint64
	sched := New(nil, func() uint64 { return now })
	sched.AddAgent(1, 1024, 0)
	sched.AddAgent(2, 1024, 0)

	// Agent 2 has run more (higher vruntime), so pure CFS would pick
	// agent 1 next. Arm a deadline on agent 2 that has already passed.
	sched.UpdateRuntime(2, 10_000_000)
	now = 1
	sched.SetDeadline(2, 0)

	agentID, ok := sched.Next()
	if !ok {
		t.Fatal("expected a runnable agent")
	}
	if agentID != 2 {
		t.Fatalf("Next() = %d, want 2 (deadline miss must preempt vruntime order)", agentID)
	}
}

func TestPriorityInheritanceChainRestoresOriginal(t *testing.T) {
	sched := New(nil, func() uint64 { return 0 })
	sched.AddAgent(1, 1024, 0)  // blocking, low priority
	sched.AddAgent(2, 1024, 50) // waiting, high priority

	stats, ok := sched.GetStats(1)
	if !ok {
		t.Fatal("expected agent 1 to be tracked")
	}
	if stats.Priority != 0 {
		t.Fatalf("agent 1 priority before inheritance = %d, want 0", stats.Priority)
	}

	sched.InheritPriority(1, 2)
	boosted, ok := sched.GetStats(1)
	if !ok || boosted.Priority != 50 {
		t.Fatalf("agent 1 priority after inheriting from agent 2 = %d, want 50", boosted.Priority)
	}

	sched.RestorePriority(1)
	restored, ok := sched.GetStats(1)
	if !ok || restored.Priority != 0 {
		t.Fatalf("agent 1 priority after restore = %d, want 0 (original)", restored.Priority)
	}
}

func TestInheritPriorityNoopWhenWaiterNotHigher(t *testing.T) {
	sched := New(nil, func() uint64 { return 0 })
	sched.AddAgent(1, 1024, 50)
	sched.AddAgent(2, 1024, 0)

	sched.InheritPriority(1, 2)
	stats, _ := sched.GetStats(1)
	if stats.Priority != 50 {
		t.Fatalf("agent 1 priority = %d, want unchanged 50 (waiter priority not higher)", stats.Priority)
	}
}

func TestRemoveAgentDropsFromRunqueue(t *testing.T) {
	sched := New(nil, func() uint64 { return 0 })
	sched.AddAgent(1, 1024, 0)
	sched.AddAgent(2, 1024, 0)

	sched.RemoveAgent(1)

	if _, ok := sched.GetStats(1); ok {
		t.Fatal("expected agent 1 to be gone after RemoveAgent")
	}
	if got := sched.RunnableCount(); got != 1 {
		t.Fatalf("RunnableCount() = %d, want 1", got)
	}

	agentID, ok := sched.Next()
	if !ok || agentID != 2 {
		t.Fatalf("Next() = (%d, %v), want (2, true)", agentID, ok)
	}
}

func TestAgentIDsSnapshotIsIndependent(t *testing.T) {
	sched := New(nil, func() uint64 { return 0 })
	sched.AddAgent(1, 1024, 0)
	sched.AddAgent(2, 1024, 0)

	ids := sched.AgentIDs()
	if len(ids) != 2 {
		t.Fatalf("AgentIDs() returned %d ids, want 2", len(ids))
	}

	sched.AddAgent(3, 1024, 0)
	if len(ids) != 2 {
		t.Fatal("AgentIDs() snapshot mutated after later AddAgent call")
	}
}
