// Package kernelcore assembles every subsystem package into one
// driveable kernel instance: the scheduler, memory manager (paging,
// fabric, frames), quota accountant, syscall dispatcher, fault
// handler, predictive healer, resilience manager, and the IPC/event
// buses that connect them. It is the agentkernel analogue of the
// teacher's main.go wiring — here pulled into its own constructor,
// which cmd/agentkerneld calls, so the wiring order lives in one place.
package kernelcore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/agentkernel/internal/agent/scheduler"
	"github.com/octoreflex/agentkernel/internal/agent/workload"
	"github.com/octoreflex/agentkernel/internal/audit"
	"github.com/octoreflex/agentkernel/internal/budget"
	"github.com/octoreflex/agentkernel/internal/capability"
	"github.com/octoreflex/agentkernel/internal/config"
	"github.com/octoreflex/agentkernel/internal/fault"
	"github.com/octoreflex/agentkernel/internal/healing"
	"github.com/octoreflex/agentkernel/internal/ipc"
	"github.com/octoreflex/agentkernel/internal/kernel"
	"github.com/octoreflex/agentkernel/internal/ktime"
	"github.com/octoreflex/agentkernel/internal/memory/adaptive"
	"github.com/octoreflex/agentkernel/internal/memory/fabric"
	"github.com/octoreflex/agentkernel/internal/memory/frame"
	"github.com/octoreflex/agentkernel/internal/memory/vm"
	"github.com/octoreflex/agentkernel/internal/mlclient"
	"github.com/octoreflex/agentkernel/internal/observability"
	"github.com/octoreflex/agentkernel/internal/operator"
	"github.com/octoreflex/agentkernel/internal/quota"
	"github.com/octoreflex/agentkernel/internal/resilience"
	"github.com/octoreflex/agentkernel/internal/smp"
	"github.com/octoreflex/agentkernel/internal/syscall"
)

// Core is the fully-wired kernel instance. Every field is a
// constructor-injected dependency; there are no package-level
// singletons anywhere in this tree.
type Core struct {
	cfg     *config.Config
	log     *zap.Logger
	metrics *observability.Metrics
	clock   *ktime.Manager

	Bus      *kernel.Bus
	IPC      *ipc.Bus
	Frames   *frame.Allocator
	VM       *vm.Manager
	Fabric   *fabric.Manager
	Adaptive *adaptive.Analyzer
	Cache    *adaptive.CacheManager
	Swap     *adaptive.SwapPredictor
	Paging   *adaptive.Paging

	Quotas     *quota.Manager
	Scheduler  *scheduler.Scheduler
	SMP        *smp.Manager
	Workload   *workload.Predictor
	Syscalls   *syscall.Dispatcher
	Faults     *fault.Handler
	Healer     *healing.Healer
	predictor  *healing.Predictor
	Resilience *resilience.Manager
	Degraded   *resilience.DegradationManager
	Budget     *budget.Bucket
	MLClient   *mlclient.Client

	Audit *audit.DB
}

// New builds and wires every subsystem from cfg. audit may be nil for
// a standalone (unpersisted) core.
func New(cfg *config.Config, auditDB *audit.DB, log *zap.Logger) *Core {
	metrics := observability.NewMetrics()
	clock := ktime.New()
	now := clock.Now

	bus := kernel.New(metrics, log)
	ipcBus := ipc.New(0)

	var ml *mlclient.Client
	if cfg.MLClient.Enabled {
		ml = mlclient.New(ipcBus)
	}

	frames := frame.New(uint64(cfg.Memory.FrameCount) * uint64(cfg.Memory.FrameSize))
	vmMgr := vm.New(frames, bus, metrics, log, now)
	fabricMgr := fabric.New(vmMgr, bus, now).WithFrameAllocator(frames.Alloc)

	quotas := quota.New(bus, log, now)
	workloadPredictor := workload.NewPredictor(ml)
	sched := scheduler.New(workloadPredictor, now)

	smpMgr := smp.New()
	if !cfg.SMP.Enabled || cfg.Scheduler.LightweightMode {
		// Single-runqueue fallback: every CPU past the boot CPU stays
		// offline, matching the original's uniprocessor path.
		for cpu := 1; cpu < smpMgr.CPUCount(); cpu++ {
			_ = smpMgr.StopCPU(uint32(cpu))
		}
	} else {
		for cpu := 1; cpu < smpMgr.CPUCount(); cpu++ {
			_ = smpMgr.StartCPU(uint32(cpu))
		}
	}

	dispatcher := syscall.New(sched, vmMgr, fabricMgr, frames, quotas, ipcBus, metrics, log, now)
	faultHandler := fault.New(sched, vmMgr, bus, metrics, log, now, nil)

	failurePredictor := healing.NewPredictor(ml)
	healer := healing.NewHealer(failurePredictor, sched, bus, metrics, log, now)

	resilienceMgr := resilience.NewManager(now, metrics, log)
	resilienceMgr.SetRetryPolicy(0, resilience.RetryPolicy{
		MaxAttempts:       uint32(cfg.Resilience.RetryMaxAttempts),
		InitialDelay:      cfg.Resilience.RetryInitialDelay,
		MaxDelay:          cfg.Resilience.RetryMaxDelay,
		BackoffMultiplier: 2.0,
	})
	degraded := resilience.NewDegradationManager(metrics)

	bucket := budget.New(100, time.Minute)

	analyzer := adaptive.NewAnalyzer(ml)
	cacheMgr := adaptive.NewCacheManager(analyzer, now)
	swapPredictor := adaptive.NewSwapPredictor(analyzer)
	paging := adaptive.NewPaging(analyzer, swapPredictor)

	return &Core{
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		clock:      clock,
		Bus:        bus,
		IPC:        ipcBus,
		Frames:     frames,
		VM:         vmMgr,
		Fabric:     fabricMgr,
		Adaptive:   analyzer,
		Cache:      cacheMgr,
		Swap:       swapPredictor,
		Paging:     paging,
		Quotas:     quotas,
		Scheduler:  sched,
		SMP:        smpMgr,
		Workload:   workloadPredictor,
		Syscalls:   dispatcher,
		Faults:     faultHandler,
		Healer:     healer,
		predictor:  failurePredictor,
		Resilience: resilienceMgr,
		Degraded:   degraded,
		Budget:     bucket,
		MLClient:   ml,
		Audit:      auditDB,
	}
}

// Metrics returns the core's Prometheus registry wrapper, for
// cmd/agentkerneld's metrics HTTP server.
func (c *Core) Metrics() *observability.Metrics { return c.metrics }

// Clock returns the core's monotonic time source.
func (c *Core) Clock() *ktime.Manager { return c.clock }

// Dispatch runs num through the budget rate limiter before handing off
// to the syscall dispatcher: a costly syscall with insufficient tokens
// fails with ErrnoResourceExhausted rather than reaching the
// subsystem it would mutate.
func (c *Core) Dispatch(num syscall.Number, args []uint64, token *capability.Token) syscall.Result {
	if !c.Budget.ConsumeForSyscall(num) {
		return syscall.Result{Success: false, Error: syscall.ErrnoResourceExhausted}
	}
	return c.Syscalls.Dispatch(num, args, token)
}

// HandleFault routes exc through the fault handler and records a
// fault_raised audit entry for every agent-owned exception the handler
// accepts (whether it killed the agent or not). Page faults additionally feed the adaptive memory
// analyzer so its locality/hot-page classification and swap predictor
// see every access the VM manager couldn't satisfy from the existing
// mapping, not just the ones a syscall happens to touch.
func (c *Core) HandleFault(exc fault.Exception) error {
	if exc.Kind == fault.KindPageFault && exc.AgentID != nil {
		accessType := adaptive.AccessRead
		if exc.PageFault&vm.ErrCodeWriteViolation != 0 {
			accessType = adaptive.AccessWrite
		}
		c.Adaptive.RecordAccess(adaptive.Access{
			Timestamp:   c.clock.Now(),
			VirtualAddr: exc.VirtualAddr,
			AgentID:     *exc.AgentID,
			Type:        accessType,
		})
	}

	err := c.Faults.Handle(exc)
	if err == nil && exc.AgentID != nil {
		c.recordAudit(audit.Entry{
			AgentID: *exc.AgentID,
			Kind:    audit.KindFaultRaised,
			Detail:  exc.Kind.String(),
		})
	}
	return err
}

// RunLeaseSweeper periodically expires fabric leases until ctx is
// canceled, in the teacher's background-goroutine idiom (compare the
// teacher's retention-pruning goroutine in cmd/<daemon>/main.go).
func (c *Core) RunLeaseSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Fabric.ExpireLeases()
		}
	}
}

// RunHealthChecks periodically scans tracked agents for a predicted
// failure and triggers healing, in the teacher's worker-goroutine
// idiom.
func (c *Core) RunHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, agentID := range c.Scheduler.AgentIDs() {
				component := fmt.Sprintf("agent-%d", agentID)
				if pred, ok := c.predictor.PredictFailure(component); ok &&
					pred.FailureProbability >= float32(c.cfg.Healing.FailureThreshold) {
					err := c.Healer.AttemptHealing(pred)
					c.recordAudit(audit.Entry{
						AgentID:  agentID,
						Kind:     audit.KindHealingAttempted,
						Detail:   component,
						Severity: float64(pred.FailureProbability),
					})
					if err != nil {
						c.log.Warn("predictive healing attempt failed",
							zap.Uint64("agent_id", agentID), zap.Error(err))
					}
				}
			}
		}
	}
}

func (c *Core) recordAudit(entry audit.Entry) {
	entry.NodeID = c.cfg.NodeID
	if c.Audit == nil {
		return
	}
	if err := c.Audit.Append(entry); err != nil {
		c.log.Warn("audit append failed", zap.Error(err))
	}
}

// ─── operator.AgentRegistry ──────────────────────────────────────────

// ListAgents implements operator.AgentRegistry.
func (c *Core) ListAgents() []operator.AgentStatus {
	ids := c.Scheduler.AgentIDs()
	out := make([]operator.AgentStatus, 0, len(ids))
	for _, id := range ids {
		stats, ok := c.Scheduler.GetStats(id)
		if !ok {
			continue
		}
		out = append(out, operator.AgentStatus{
			AgentID:     id,
			Priority:    stats.Priority,
			Vruntime:    stats.Vruntime,
			TimeSliceNS: stats.TimeSliceNS,
		})
	}
	return out
}

// KillAgent implements operator.AgentRegistry.
func (c *Core) KillAgent(agentID uint64) bool {
	if _, ok := c.Scheduler.GetStats(agentID); !ok {
		return false
	}
	res := c.Syscalls.KillAgent(agentID)
	c.recordAudit(audit.Entry{AgentID: agentID, Kind: audit.KindAgentKilled, Detail: "operator_kill"})
	return res.Success
}

// QuotaUsage implements operator.AgentRegistry.
func (c *Core) QuotaUsage(agentID uint64, resource string) (used, limit uint64, ok bool) {
	r := quota.Resource(resource)
	switch r {
	case quota.ResourceMemory, quota.ResourceCPU, quota.ResourceNetwork, quota.ResourceIO, quota.ResourceFS:
	default:
		return 0, 0, false
	}
	used, limit = c.Quotas.GetUsage(agentID, r)
	return used, limit, true
}

// TriggerHealing implements operator.AgentRegistry.
func (c *Core) TriggerHealing(component string) (bool, error) {
	pred, ok := c.predictor.PredictFailure(component)
	if !ok {
		return false, fmt.Errorf("kernelcore: no health metrics recorded for %q", component)
	}
	err := c.Healer.AttemptHealing(pred)
	c.recordAudit(audit.Entry{Kind: audit.KindHealingAttempted, Detail: component, Severity: float64(pred.FailureProbability)})
	return err == nil, err
}

// BreakerState implements operator.AgentRegistry.
func (c *Core) BreakerState(resourceID uint64) (string, bool) {
	state, tracked := c.Resilience.BreakerState(resourceID)
	return state.String(), tracked
}
