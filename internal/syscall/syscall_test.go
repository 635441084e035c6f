package syscall

import (
	"testing"

	"github.com/octoreflex/agentkernel/internal/agent/scheduler"
	"github.com/octoreflex/agentkernel/internal/capability"
	"github.com/octoreflex/agentkernel/internal/memory/fabric"
	"github.com/octoreflex/agentkernel/internal/memory/frame"
	"github.com/octoreflex/agentkernel/internal/memory/vm"
	"github.com/octoreflex/agentkernel/internal/quota"
)

func adminToken() *capability.Token {
	tok := &capability.Token{TokenID: 1, AgentID: 1, Capabilities: ^uint64(0), ExpiresAt: 1000}
	tok.Signature[0] = 0xAB
	return tok
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	now := func() uint64 { return 0 }
	sched := scheduler.New(nil, now)
	frames := frame.New(16 * 4096)
	vmMgr := vm.New(frames, nil, nil, nil, now)
	fab := fabric.New(vmMgr, nil, now)
	quotas := quota.New(nil, nil, now)
	return New(sched, vmMgr, fab, frames, quotas, nil, nil, nil, now)
}

func TestDispatchRejectsNilToken(t *testing.T) {
	d := newTestDispatcher(t)
	result := d.Dispatch(AgentSpawn, []uint64{1}, nil)
	if result.Success || result.Error != ErrnoInvalidCapability {
		t.Fatalf("Dispatch(nil token) = %+v, want ErrnoInvalidCapability", result)
	}
}

func TestDispatchRejectsMissingCapabilityBit(t *testing.T) {
	d := newTestDispatcher(t)
	tok := &capability.Token{TokenID: 1, AgentID: 1, Capabilities: capability.BitMemory, ExpiresAt: 1000}
	tok.Signature[0] = 0xAB

	result := d.Dispatch(AgentKill, []uint64{1}, tok)
	if result.Success || result.Error != ErrnoPermissionDenied {
		t.Fatalf("Dispatch(AgentKill without BitKill) = %+v, want ErrnoPermissionDenied", result)
	}
}

func TestDispatchUnknownSyscallFails(t *testing.T) {
	d := newTestDispatcher(t)
	result := d.Dispatch(Number(999), nil, adminToken())
	if result.Success || result.Error != ErrnoInvalidSyscall {
		t.Fatalf("Dispatch(unknown) = %+v, want ErrnoInvalidSyscall", result)
	}
}

func TestAgentSpawnRejectsZeroTypeSpec(t *testing.T) {
	d := newTestDispatcher(t)
	result := d.Dispatch(AgentSpawn, []uint64{0}, adminToken())
	if result.Success || result.Error != ErrnoInvalidSpec {
		t.Fatalf("Dispatch(AgentSpawn, zero spec) = %+v, want ErrnoInvalidSpec", result)
	}
}

func TestAgentMemAllocRespectsQuota(t *testing.T) {
	d := newTestDispatcher(t)
	d.quotas.SetLimit(1, quota.ResourceMemory, 1024)

	ok := d.Dispatch(AgentMemAlloc, []uint64{1, 512}, adminToken())
	if !ok.Success {
		t.Fatalf("first allocation within limit failed: %+v", ok)
	}

	exceeded := d.Dispatch(AgentMemAlloc, []uint64{1, 1024}, adminToken())
	if exceeded.Success || exceeded.Error != ErrnoOutOfMemory {
		t.Fatalf("Dispatch(AgentMemAlloc past quota) = %+v, want ErrnoOutOfMemory", exceeded)
	}
}

func TestKillAgentTearsDownSchedulerAndQuota(t *testing.T) {
	d := newTestDispatcher(t)
	d.sched.AddAgent(5, 1024, 0)
	d.quotas.Allocate(5, quota.ResourceMemory, 4096)

	result := d.KillAgent(5)
	if !result.Success {
		t.Fatalf("KillAgent failed: %+v", result)
	}

	if _, ok := d.sched.GetStats(5); ok {
		t.Fatal("expected agent to be removed from the scheduler after KillAgent")
	}
	used, _ := d.quotas.GetUsage(5, quota.ResourceMemory)
	if used != 0 {
		t.Fatalf("quota usage = %d after KillAgent, want 0", used)
	}
}

func TestFrameAllocReturnsOutOfMemoryWithoutAllocator(t *testing.T) {
	now := func() uint64 { return 0 }
	sched := scheduler.New(nil, now)
	d := New(sched, nil, nil, nil, nil, nil, nil, nil, now)

	result := d.Dispatch(FrameAlloc, nil, adminToken())
	if result.Success || result.Error != ErrnoOutOfMemory {
		t.Fatalf("Dispatch(FrameAlloc, no allocator) = %+v, want ErrnoOutOfMemory", result)
	}
}
