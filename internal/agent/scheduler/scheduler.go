// Package scheduler implements the agent-aware CFS-like fair scheduler:
// vruntime-based selection, deadline preemption, priority inheritance,
// semantic hints, and lifecycle hooks, grounded on the original
// kernel's kernel-agent/src/scheduler.rs. AI-assisted selection defers
// to internal/agent/workload, grounded on kernel-agent/src/ai_scheduler.rs.
package scheduler

import (
	"sort"
	"sync"

	"github.com/octoreflex/agentkernel/internal/agent/workload"
	"github.com/octoreflex/agentkernel/internal/capability"
)

// DefaultTimeSliceNS is the default per-agent time slice, 10ms,
// matching time_slice in AgentEntity::new.
const DefaultTimeSliceNS = 10_000_000

// HookType enumerates the lifecycle events a hook can subscribe to.
type HookType uint8

const (
	HookOnSpawn HookType = iota + 1
	HookOnKill
	HookOnClone
	HookOnMerge
	HookOnSplit
	HookOnUpgrade
	HookOnSpecialize
)

// Hook is a lifecycle callback, invoked synchronously from the
// scheduler call site (add_agent for OnSpawn, remove_agent for OnKill).
type Hook struct {
	Type     HookType
	Callback func(agentID uint64)
}

// HintType enumerates SILOX semantic scheduling hints.
type HintType uint8

const (
	HintHighPriority HintType = iota + 1
	HintLowLatency
	HintBatch
	HintInteractive
)

// SemanticHint carries a caller-supplied priority adjustment for an
// agent, independent of its capability-derived boost.
type SemanticHint struct {
	AgentID       uint64
	Type          HintType
	PriorityBoost int32
}

type entity struct {
	agentID           uint64
	vruntime          uint64
	weight            uint64
	priority          int32
	timeSliceNS       uint64
	timeUsedNS        uint64
	lastRunNS         uint64
	hooks             []Hook
	deadline          *uint64
	priorityInherited bool
	originalPriority  int32
}

// Stats is a read-only snapshot of one agent's scheduling state.
type Stats struct {
	Vruntime    uint64
	TimeUsedNS  uint64
	TimeSliceNS uint64
	Priority    int32
}

// Scheduler is the single-runqueue CFS-like agent scheduler.
// internal/smp.Manager keeps its own per-CPU lists of agent IDs and
// does not call into Scheduler; Scheduler stays the single-queue core
// so it can run standalone in tests and in the non-SMP fallback path
// the original also supports.
type Scheduler struct {
	mu            sync.Mutex
	entities      map[uint64]*entity
	runqueue      []uint64 // sorted by vruntime ascending
	semanticHints map[uint64]SemanticHint
	minVruntime   uint64

	predictor *workload.Predictor
	now       func() uint64
}

// New creates an empty Scheduler. predictor may be nil to disable
// AI-assisted selection and always fall back to pure CFS.
func New(predictor *workload.Predictor, now func() uint64) *Scheduler {
	return &Scheduler{
		entities:      make(map[uint64]*entity),
		semanticHints: make(map[uint64]SemanticHint),
		predictor:     predictor,
		now:           now,
	}
}

// AddAgent registers agentID with the given weight and base priority,
// running its OnSpawn hooks (there are none yet for a fresh entity, but
// the call remains for symmetry with RemoveAgent and future callers
// that register hooks before add).
func (s *Scheduler) AddAgent(agentID uint64, weight uint64, priority int32) {
	s.mu.Lock()
	e := &entity{
		agentID:          agentID,
		weight:           weight,
		priority:         priority,
		timeSliceNS:      DefaultTimeSliceNS,
		originalPriority: priority,
	}
	s.entities[agentID] = e
	s.runqueue = append(s.runqueue, agentID)
	s.sortRunqueueLocked()
	s.mu.Unlock()

	s.callHooks(agentID, HookOnSpawn)
}

// Next selects the next agent to run: deadline misses preempt
// immediately; otherwise AI workload prediction may pick a high-score
// agent; otherwise plain CFS picks the minimum-vruntime runnable agent.
func (s *Scheduler) Next() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowNanos()

	for _, agentID := range s.runqueue {
		e, ok := s.entities[agentID]
		if !ok {
			continue
		}
		if e.deadline != nil && now >= *e.deadline {
			e.lastRunNS = now
			e.timeUsedNS = 0
			e.deadline = nil
			return agentID, true
		}
	}

	if s.predictor != nil {
		if agentID, ok := s.selectByPredictionLocked(now); ok {
			return agentID, true
		}
	}

	minVrt := ^uint64(0)
	selected := uint64(0)
	found := false
	for _, agentID := range s.runqueue {
		e, ok := s.entities[agentID]
		if !ok {
			continue
		}
		if e.vruntime < minVrt {
			minVrt = e.vruntime
			selected = agentID
			found = true
		}
	}
	if !found {
		return 0, false
	}

	if minVrt > s.minVruntime {
		s.minVruntime = minVrt
	}
	s.entities[selected].lastRunNS = now
	s.entities[selected].timeUsedNS = 0
	return selected, true
}

func (s *Scheduler) selectByPredictionLocked(now uint64) (uint64, bool) {
	var bestAgent uint64
	bestScore := float32(-1)
	found := false

	for _, agentID := range s.runqueue {
		if _, ok := s.entities[agentID]; !ok {
			continue
		}
		pred, ok := s.predictor.PredictWorkload(agentID, 5_000_000_000, now)
		if !ok {
			continue
		}
		score := pred.PredictedCPU * pred.Confidence
		if score > bestScore {
			bestScore = score
			bestAgent = agentID
			found = true
		}
	}
	if !found {
		return 0, false
	}

	s.entities[bestAgent].lastRunNS = now
	s.entities[bestAgent].timeUsedNS = 0
	return bestAgent, true
}

// UpdateRuntime advances agentID's consumed time and vruntime by
// timeDeltaNS (CFS formula: vruntime += timeDelta*1024/weight), then
// re-sorts the runqueue.
func (s *Scheduler) UpdateRuntime(agentID uint64, timeDeltaNS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[agentID]
	if !ok {
		return
	}

	e.timeUsedNS += timeDeltaNS
	if e.weight == 0 {
		e.weight = 1
	}
	e.vruntime += (timeDeltaNS * 1024) / e.weight

	s.sortRunqueueLocked()
}

// YieldAgent is UpdateRuntime(agentID, 0): re-sorts the runqueue
// without charging additional runtime, used when an agent blocks
// voluntarily.
func (s *Scheduler) YieldAgent(agentID uint64) {
	s.UpdateRuntime(agentID, 0)
}

func (s *Scheduler) sortRunqueueLocked() {
	sort.Slice(s.runqueue, func(i, j int) bool {
		a, aok := s.entities[s.runqueue[i]]
		b, bok := s.entities[s.runqueue[j]]
		var av, bv uint64
		if aok {
			av = a.vruntime
		}
		if bok {
			bv = b.vruntime
		}
		return av < bv
	})
}

// AdjustPriority applies agentID's semantic-hint boost and, if token is
// non-nil, its capability-derived boost (ADMIN +10, SUPERVISOR +5,
// matching adjust_priority_with_capability in the original).
func (s *Scheduler) AdjustPriority(agentID uint64, basePriority int32, token *capability.Token) int32 {
	s.mu.Lock()
	hint, hasHint := s.semanticHints[agentID]
	s.mu.Unlock()

	priority := basePriority
	if hasHint {
		priority += hint.PriorityBoost
	}

	if token != nil {
		if token.IsAdmin() {
			priority += 10
		}
		if token.IsSupervisor() {
			priority += 5
		}
	}
	return priority
}

// SetDeadline marks agentID as a real-time agent with the given
// absolute deadline (nanoseconds).
func (s *Scheduler) SetDeadline(agentID, deadlineNS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[agentID]; ok {
		e.deadline = &deadlineNS
	}
}

// InheritPriority raises blockingAgentID's priority to waitingAgentID's
// if the waiting agent has a higher priority, recording the original
// priority so it can later be restored. This breaks priority inversion:
// a low-priority agent holding a resource a high-priority agent needs
// is temporarily run at the high agent's priority.
func (s *Scheduler) InheritPriority(blockingAgentID, waitingAgentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blocking, ok := s.entities[blockingAgentID]
	if !ok {
		return
	}
	waiting, ok := s.entities[waitingAgentID]
	if !ok {
		return
	}

	if waiting.priority > blocking.priority {
		if !blocking.priorityInherited {
			blocking.originalPriority = blocking.priority
			blocking.priorityInherited = true
		}
		blocking.priority = waiting.priority
	}
}

// RestorePriority reverts agentID to its pre-inheritance priority, if
// it currently holds an inherited one.
func (s *Scheduler) RestorePriority(agentID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[agentID]
	if !ok || !e.priorityInherited {
		return
	}
	e.priority = e.originalPriority
	e.priorityInherited = false
}

// ShouldPreempt reports whether candidateAgentID should preempt
// currentAgentID: higher priority, exhausted time slice, or a deadline
// the current agent lacks.
func (s *Scheduler) ShouldPreempt(currentAgentID, candidateAgentID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok1 := s.entities[currentAgentID]
	candidate, ok2 := s.entities[candidateAgentID]
	if !ok1 || !ok2 {
		return false
	}

	if candidate.priority > current.priority {
		return true
	}
	if current.timeUsedNS >= current.timeSliceNS {
		return true
	}
	if candidate.deadline != nil && current.deadline == nil {
		return true
	}
	return false
}

// ShouldPreemptByCapability layers a capability-aware check on top of
// ShouldPreempt: an ADMIN candidate always preempts a non-ADMIN
// current agent, and (absent ADMIN on either side) a SUPERVISOR
// candidate preempts a non-SUPERVISOR current agent.
func (s *Scheduler) ShouldPreemptByCapability(currentAgentID, candidateAgentID uint64, current, candidate *capability.Token) bool {
	if s.ShouldPreempt(currentAgentID, candidateAgentID) {
		return true
	}

	if current == nil || candidate == nil {
		return false
	}

	if candidate.IsAdmin() && !current.IsAdmin() {
		return true
	}
	if !current.IsAdmin() && !candidate.IsAdmin() {
		if candidate.IsSupervisor() && !current.IsSupervisor() {
			return true
		}
	}
	return false
}

// SetSemanticHint records a SILOX scheduling hint for agentID.
func (s *Scheduler) SetSemanticHint(hint SemanticHint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.semanticHints[hint.AgentID] = hint
}

// RegisterHook attaches a lifecycle hook to agentID.
func (s *Scheduler) RegisterHook(agentID uint64, hook Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[agentID]; ok {
		e.hooks = append(e.hooks, hook)
	}
}

func (s *Scheduler) callHooks(agentID uint64, hookType HookType) {
	s.mu.Lock()
	e, ok := s.entities[agentID]
	var hooks []Hook
	if ok {
		hooks = append(hooks, e.hooks...)
	}
	s.mu.Unlock()

	for _, h := range hooks {
		if h.Type == hookType && h.Callback != nil {
			h.Callback(agentID)
		}
	}
}

// RemoveAgent drops agentID from the scheduler and runs its OnKill
// hooks.
func (s *Scheduler) RemoveAgent(agentID uint64) {
	s.callHooks(agentID, HookOnKill)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, agentID)
	delete(s.semanticHints, agentID)

	out := s.runqueue[:0]
	for _, id := range s.runqueue {
		if id != agentID {
			out = append(out, id)
		}
	}
	s.runqueue = out
}

// SetTimeSlice overrides agentID's time slice.
func (s *Scheduler) SetTimeSlice(agentID, timeSliceNS uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entities[agentID]; ok {
		e.timeSliceNS = timeSliceNS
	}
}

// GetStats returns a snapshot of agentID's scheduling state.
func (s *Scheduler) GetStats(agentID uint64) (Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[agentID]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Vruntime:    e.vruntime,
		TimeUsedNS:  e.timeUsedNS,
		TimeSliceNS: e.timeSliceNS,
		Priority:    e.priority,
	}, true
}

// MinVruntime returns the scheduler-wide min_vruntime watermark.
func (s *Scheduler) MinVruntime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minVruntime
}

// RunnableCount returns the current runqueue length.
func (s *Scheduler) RunnableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runqueue)
}

// AgentIDs returns a snapshot of every agent ID currently tracked by
// the scheduler, in runqueue (vruntime) order. Used by the operator
// admin socket's list command.
func (s *Scheduler) AgentIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.runqueue))
	copy(out, s.runqueue)
	return out
}

func (s *Scheduler) nowNanos() uint64 {
	if s.now != nil {
		return s.now()
	}
	return 0
}
