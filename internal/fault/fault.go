// Package fault implements CPU exception dispatch and the
// kill-on-violation policy, grounded on the original kernel's
// kernel-core/src/exceptions.rs. The original installs real x86_64 IDT
// handlers (double fault, page fault, GPF, stack segment fault,
// segment-not-present, invalid opcode, alignment check) that dispatch
// to an agent-fault-domain lookup and a kill_agent stub explicitly
// marked "Agent lifecycle manager integration pending"; here the
// exception taxonomy survives as a closed Kind enum delivered through
// Handle, and killAgent is fully wired to the scheduler and the event
// bus rather than left pending.
package fault

import (
	"go.uber.org/zap"

	"github.com/octoreflex/agentkernel/internal/agent/scheduler"
	"github.com/octoreflex/agentkernel/internal/kernel"
	"github.com/octoreflex/agentkernel/internal/memory/vm"
	"github.com/octoreflex/agentkernel/internal/observability"
)

// Kind is the closed CPU-exception taxonomy handled by the kernel,
// mirroring exceptions.rs's per-exception handler functions.
type Kind int

const (
	KindPageFault Kind = iota
	KindGeneralProtection
	KindStackSegment
	KindSegmentNotPresent
	KindInvalidOpcode
	KindAlignmentCheck
	KindDoubleFault
)

func (k Kind) String() string {
	switch k {
	case KindPageFault:
		return "page_fault"
	case KindGeneralProtection:
		return "general_protection_fault"
	case KindStackSegment:
		return "stack_segment_fault"
	case KindSegmentNotPresent:
		return "segment_not_present"
	case KindInvalidOpcode:
		return "invalid_opcode"
	case KindAlignmentCheck:
		return "alignment_check"
	case KindDoubleFault:
		return "double_fault"
	default:
		return "unknown"
	}
}

// killOnSight is the subset of Kind that should always terminate the
// offending agent regardless of policy, matching the original's
// hard-coded kill calls in handle_agent_stack_fault and
// handle_agent_invalid_opcode ("usually fatal").
var killOnSight = map[Kind]bool{
	KindStackSegment:  true,
	KindInvalidOpcode: true,
}

// Exception describes one raised CPU exception to be routed to its
// owning agent, or to the kernel panic path if AgentID is nil.
type Exception struct {
	Kind        Kind
	AgentID     *uint64
	VirtualAddr uint64
	ErrorCode   uint64
	PageFault   vm.FaultErrorCode
}

// Policy decides whether an agent should be killed for a given
// exception, letting callers layer a real policy engine over the
// default "kill on critical violations" behavior the original leaves
// as a hard-coded true (should_kill_on_violation).
type Policy interface {
	ShouldKill(agentID uint64, exc Exception) bool
}

// DefaultPolicy reproduces the original's should_kill_on_violation:
// kill on every critical violation, while page faults are left to the
// virtual memory manager. It exists as the zero-value fallback so
// Handle is usable without a caller supplying a policy engine.
type DefaultPolicy struct{}

// ShouldKill returns true for every exception kind except page faults,
// which Handle forwards to the virtual memory manager.
func (DefaultPolicy) ShouldKill(_ uint64, exc Exception) bool { return exc.Kind != KindPageFault }

// Handler dispatches CPU exceptions to their owning agent's fault
// domain and enforces the kill-on-violation policy.
type Handler struct {
	sched   *scheduler.Scheduler
	vmMgr   *vm.Manager
	bus     *kernel.Bus
	metrics *observability.Metrics
	log     *zap.Logger
	policy  Policy
	now     func() uint64
}

// New creates a Handler. policy may be nil, in which case DefaultPolicy
// is used.
func New(sched *scheduler.Scheduler, vmMgr *vm.Manager, bus *kernel.Bus, metrics *observability.Metrics, log *zap.Logger, now func() uint64, policy Policy) *Handler {
	if policy == nil {
		policy = DefaultPolicy{}
	}
	return &Handler{sched: sched, vmMgr: vmMgr, bus: bus, metrics: metrics, log: log, policy: policy, now: now}
}

// ErrKernelFault is returned by Handle when an exception has no owning
// agent (AgentID is nil): the original panics the kernel in this case
// ("Page fault in kernel at ..."); here the caller decides what a
// kernel-domain fault means for the process (typically a fatal error).
var ErrKernelFault = &kernelFaultError{}

type kernelFaultError struct{}

func (*kernelFaultError) Error() string { return "fault: exception in kernel address space" }

// Handle routes exc to its owning agent, killing the agent when the
// exception is in killOnSight or the policy says so, otherwise
// forwarding page faults to the virtual memory manager and logging
// every other kind as a warning — the terminal fallback the original
// takes for GPF/stack/segment/alignment faults it chooses not to kill.
func (h *Handler) Handle(exc Exception) error {
	if exc.AgentID == nil {
		return ErrKernelFault
	}
	agentID := *exc.AgentID

	if killOnSight[exc.Kind] || h.policy.ShouldKill(agentID, exc) {
		h.killAgent(agentID, exc)
		return nil
	}

	switch exc.Kind {
	case KindPageFault:
		if h.vmMgr != nil {
			if err := h.vmMgr.HandlePageFault(agentID, exc.VirtualAddr, exc.PageFault); err != nil {
				h.log.Error("page fault handling failed, killing agent",
					zap.Uint64("agent_id", agentID), zap.Error(err))
				h.killAgent(agentID, exc)
			}
		}
	default:
		h.log.Warn("unhandled exception for agent",
			zap.Uint64("agent_id", agentID), zap.String("kind", exc.Kind.String()),
			zap.Uint64("error_code", exc.ErrorCode))
	}
	return nil
}

// killAgent terminates agentID's scheduling entity and publishes a
// security event, completing the original's kill_agent stub ("Agent
// lifecycle manager integration pending").
func (h *Handler) killAgent(agentID uint64, exc Exception) {
	h.log.Warn("killing agent due to violation",
		zap.Uint64("agent_id", agentID), zap.String("kind", exc.Kind.String()))

	if h.sched != nil {
		h.sched.RemoveAgent(agentID)
	}
	if h.metrics != nil {
		h.metrics.AgentsKilledTotal.WithLabelValues(exc.Kind.String()).Inc()
	}
	if h.bus != nil {
		h.bus.PublishSecurity(h.nowNanos(), &agentID, "kill_on_violation",
			kernel.KV{Key: "exception", Value: exc.Kind.String()})
	}
}

func (h *Handler) nowNanos() uint64 {
	if h.now != nil {
		return h.now()
	}
	return 0
}
