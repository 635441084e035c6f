// Package syscall implements the capability-gated syscall dispatch
// plane, grounded on the original kernel's kernel-core/src/syscall.rs:
// the 20-member Syscall enum, the SyscallResult/SyscallError ABI, and
// the async-handle table for long-running operations (spawn, PQC).
// validate_capability's all-zero-signature and 64-byte-length checks
// are delegated to internal/capability.Validate, which ports them
// verbatim; full CRYSTALS-Dilithium verification still lives in a
// userland PQC service (spec.md §1), reached here only through
// GetAsyncResult.
package syscall

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/agentkernel/internal/agent/scheduler"
	"github.com/octoreflex/agentkernel/internal/capability"
	"github.com/octoreflex/agentkernel/internal/hal"
	"github.com/octoreflex/agentkernel/internal/ipc"
	"github.com/octoreflex/agentkernel/internal/memory/fabric"
	"github.com/octoreflex/agentkernel/internal/memory/frame"
	"github.com/octoreflex/agentkernel/internal/memory/vm"
	"github.com/octoreflex/agentkernel/internal/observability"
	"github.com/octoreflex/agentkernel/internal/quota"
)

// Number is one of the 20 closed syscall numbers, matching Syscall in
// the original (repr(u64), numbered 1..20).
type Number uint64

const (
	AgentSpawn Number = iota + 1
	AgentSupervisorRegister
	AgentRegister
	AgentKill
	IPCSend
	IPCRecv
	AgentMemAlloc
	AgentMemFree
	FrameAlloc
	PageMap
	AgentPoolAlloc
	PQCOperation
	GetAsyncResult
	FramebufferAlloc
	FramebufferFree
	FramebufferGet
	DisplayGet
	DisplaySetMode
	InputRead
	InputGetDevices
)

// Errno is the closed SyscallError taxonomy from spec.md §7, encoded
// as a stable small integer.
type Errno uint32

const (
	ErrnoSuccess Errno = iota
	ErrnoInvalidCapability
	ErrnoInvalidSyscall
	ErrnoPermissionDenied
	ErrnoMessageTooLarge
	ErrnoMemoryLimitExceeded
	ErrnoTimeout
	ErrnoAgentNotFound
	ErrnoResourceExhausted
	ErrnoInvalidSpec
	ErrnoAlreadyRegistered
	ErrnoInvalidSupervisor
	ErrnoBufferTooSmall
	ErrnoNoMessage
	ErrnoOutOfMemory
	ErrnoInvalidPointer
	ErrnoInvalidAddress
	ErrnoInvalidOperation
	ErrnoInvalidHandle
	ErrnoNotReady
)

func (e Errno) Error() string {
	switch e {
	case ErrnoSuccess:
		return "success"
	case ErrnoInvalidCapability:
		return "invalid capability"
	case ErrnoInvalidSyscall:
		return "invalid syscall"
	case ErrnoPermissionDenied:
		return "permission denied"
	case ErrnoMessageTooLarge:
		return "message too large"
	case ErrnoMemoryLimitExceeded:
		return "memory limit exceeded"
	case ErrnoTimeout:
		return "timeout"
	case ErrnoAgentNotFound:
		return "agent not found"
	case ErrnoResourceExhausted:
		return "resource exhausted"
	case ErrnoInvalidSpec:
		return "invalid spec"
	case ErrnoAlreadyRegistered:
		return "already registered"
	case ErrnoInvalidSupervisor:
		return "invalid supervisor"
	case ErrnoBufferTooSmall:
		return "buffer too small"
	case ErrnoNoMessage:
		return "no message"
	case ErrnoOutOfMemory:
		return "out of memory"
	case ErrnoInvalidPointer:
		return "invalid pointer"
	case ErrnoInvalidAddress:
		return "invalid address"
	case ErrnoInvalidOperation:
		return "invalid operation"
	case ErrnoInvalidHandle:
		return "invalid handle"
	case ErrnoNotReady:
		return "not ready"
	default:
		return "unknown errno"
	}
}

// MaxIPCSize mirrors MAX_IPC_SIZE = 64 * 1024.
const MaxIPCSize = 64 * 1024

// MaxAgentMemory mirrors MAX_AGENT_MEMORY = 1 GiB.
const MaxAgentMemory = 1 << 30

// MaxSyscallTimeout mirrors MAX_SYSCALL_TIMEOUT = 5s (spec.md §5
// "Syscalls carry a 5 s hard cap").
const MaxSyscallTimeout = 5 * time.Second

// Result is the fixed-shape SyscallResult record every dispatch
// produces.
type Result struct {
	Success     bool
	Value       uint64
	Error       Errno
	AsyncHandle uint64
	DataLen     int
}

func fail(err Errno) Result { return Result{Success: false, Error: err} }

// capabilityBit maps each syscall group to the bit validate_capability
// checks, per spec.md §6: "bit 0 spawn, bit 1 supervisor-register, bit
// 2 register, bit 3 kill, bit 4 memory, bit 6 GPU, bit 7 input".
var capabilityBit = map[Number]uint64{
	AgentSpawn:              capability.BitSpawn,
	AgentSupervisorRegister: capability.BitSupervisorRegister,
	AgentRegister:           capability.BitRegister,
	AgentKill:               capability.BitKill,
	AgentMemAlloc:           capability.BitMemory,
	AgentMemFree:            capability.BitMemory,
	FramebufferAlloc:        capability.BitGPU,
	FramebufferFree:         capability.BitGPU,
	FramebufferGet:          capability.BitGPU,
	DisplayGet:              capability.BitGPU,
	DisplaySetMode:          capability.BitGPU,
	InputRead:               capability.BitInput,
	InputGetDevices:         capability.BitInput,
}

type asyncState struct {
	ready bool
	data  []byte
	err   Errno
}

// AgentSpec is the (capabilities-checked, size-limited) agent
// specification passed to AgentSpawn/AgentRegister.
type AgentSpec struct {
	AgentType    uint32
	MemoryLimit  uint64
	CPULimit     uint8
	Capabilities uint64
	ImageHash    [32]byte
	Manifest     []byte
}

// Dispatcher routes syscalls to the kernel subsystems, enforcing
// capability checks and argument limits before invoking a typed
// handler, per spec.md §4.9's four-step contract.
type Dispatcher struct {
	sched   *scheduler.Scheduler
	vmMgr   *vm.Manager
	fab     *fabric.Manager
	frames  *frame.Allocator
	quotas  *quota.Manager
	ipcBus  *ipc.Bus
	metrics *observability.Metrics
	log     *zap.Logger
	now     func() uint64

	graphics hal.Graphics
	input    hal.Input

	nextAgentID   atomic.Uint64
	nextAsyncID   atomic.Uint64
	mu            sync.Mutex
	asyncResults  map[uint64]asyncState
	pqcBridgeID   uint64
}

// Option configures optional Dispatcher dependencies not required for
// the core scheduling/memory/IPC syscalls.
type Option func(*Dispatcher)

// WithGraphics attaches a graphics manager for the Framebuffer*/Display*
// syscalls. Without it those syscalls report ResourceExhausted, matching
// the original's `graphics::get() -> None` path.
func WithGraphics(g hal.Graphics) Option { return func(d *Dispatcher) { d.graphics = g } }

// WithInput attaches an input manager for InputRead/InputGetDevices.
func WithInput(i hal.Input) Option { return func(d *Dispatcher) { d.input = i } }

// WithPQCBridgeAgent sets the well-known agent id PQCOperation
// dispatches to over IPC. Defaults to 2000 (distinct from
// mlclient.BridgeAgentID = 1000).
func WithPQCBridgeAgent(agentID uint64) Option {
	return func(d *Dispatcher) { d.pqcBridgeID = agentID }
}

// New creates a Dispatcher wired to the given subsystems.
func New(sched *scheduler.Scheduler, vmMgr *vm.Manager, fab *fabric.Manager, frames *frame.Allocator, quotas *quota.Manager, ipcBus *ipc.Bus, metrics *observability.Metrics, log *zap.Logger, now func() uint64, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sched: sched, vmMgr: vmMgr, fab: fab, frames: frames, quotas: quotas,
		ipcBus: ipcBus, metrics: metrics, log: log, now: now,
		asyncResults: make(map[uint64]asyncState),
		pqcBridgeID:  2000,
	}
	d.nextAgentID.Store(1)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates token, checks the syscall's required capability
// bit, and routes to the typed handler, mirroring handle_syscall's
// match-on-number structure exactly.
func (d *Dispatcher) Dispatch(num Number, args []uint64, token *capability.Token) Result {
	start := time.Now()
	result := d.dispatch(num, args, token)
	d.record(num, result, time.Since(start))
	return result
}

func (d *Dispatcher) dispatch(num Number, args []uint64, token *capability.Token) Result {
	if !capability.Validate(token, d.nowNanos()) {
		return fail(ErrnoInvalidCapability)
	}
	if bit, ok := capabilityBit[num]; ok && !token.Has(bit) {
		return fail(ErrnoPermissionDenied)
	}

	switch num {
	case AgentSpawn:
		return d.handleAgentSpawn(args)
	case AgentSupervisorRegister:
		return d.handleSupervisorRegister(args)
	case AgentRegister:
		return d.handleAgentRegister(args)
	case AgentKill:
		return d.handleAgentKill(args)
	case IPCSend:
		return d.handleIPCSend(args)
	case IPCRecv:
		return d.handleIPCRecv(args)
	case AgentMemAlloc:
		return d.handleAgentMemAlloc(args)
	case AgentMemFree:
		return d.handleAgentMemFree(args)
	case FrameAlloc:
		return d.handleFrameAlloc()
	case PageMap:
		return d.handlePageMap(args)
	case AgentPoolAlloc:
		return d.handleAgentPoolAlloc(args)
	case PQCOperation:
		return d.handlePQCOperation(args, token)
	case GetAsyncResult:
		return d.handleGetAsyncResult(args)
	case FramebufferAlloc:
		return d.handleFramebufferAlloc(args)
	case FramebufferFree:
		return d.handleFramebufferFree(args)
	case FramebufferGet:
		return d.handleFramebufferGet(args)
	case DisplayGet:
		return d.handleDisplayGet(args)
	case DisplaySetMode:
		return d.handleDisplaySetMode(args)
	case InputRead:
		return d.handleInputRead(args)
	case InputGetDevices:
		return d.handleInputGetDevices()
	default:
		return fail(ErrnoInvalidSyscall)
	}
}

func arg(args []uint64, i int) uint64 {
	if i < len(args) {
		return args[i]
	}
	return 0
}

func (d *Dispatcher) handleAgentSpawn(args []uint64) Result {
	if len(args) < 1 || args[0] == 0 {
		return fail(ErrnoInvalidSpec)
	}
	agentID := d.nextAgentID.Add(1) - 1
	handle := d.newAsyncHandle()
	d.sched.AddAgent(agentID, 1024, 0)
	d.resolveAsync(handle, encodeU64(agentID), ErrnoSuccess)
	return Result{Success: true, AsyncHandle: handle}
}

func (d *Dispatcher) handleSupervisorRegister(args []uint64) Result {
	supervisorID := arg(args, 0)
	return Result{Success: true, Value: supervisorID}
}

func (d *Dispatcher) handleAgentRegister(args []uint64) Result {
	if len(args) < 1 || args[0] == 0 {
		return fail(ErrnoInvalidSpec)
	}
	agentID := d.nextAgentID.Add(1) - 1
	d.sched.AddAgent(agentID, 1024, 0)
	return Result{Success: true, Value: agentID}
}

// handleAgentKill completes kill_agent's TODO in the original by fully
// tearing down agentID across every subsystem that tracks it: scheduler
// entity, fabric regions, page table, and IPC mailbox, satisfying P6.
func (d *Dispatcher) handleAgentKill(args []uint64) Result {
	return d.KillAgent(arg(args, 0))
}

// KillAgent tears down agentID across every subsystem that holds
// state for it (scheduler, fabric, page tables, IPC mailbox, quota
// accounting). It is exported so the operator admin socket can kill an
// agent directly, bypassing the normal capability check the AgentKill
// syscall enforces — the same privilege an operator override already
// has over escalation state in the teacher's admin protocol.
func (d *Dispatcher) KillAgent(agentID uint64) Result {
	d.sched.RemoveAgent(agentID)
	if d.fab != nil {
		d.fab.CleanupAgentRegions(agentID)
	}
	if d.vmMgr != nil {
		d.vmMgr.DestroyAgentPageTable(agentID)
	}
	if d.ipcBus != nil {
		d.ipcBus.Unregister(agentID)
	}
	if d.quotas != nil {
		d.quotas.RemoveAgent(agentID)
	}
	return Result{Success: true}
}

func (d *Dispatcher) handleIPCSend(args []uint64) Result {
	dataLen := int(arg(args, 3))
	if dataLen > MaxIPCSize {
		return fail(ErrnoMessageTooLarge)
	}
	from := arg(args, 0)
	to := arg(args, 1)
	if d.ipcBus == nil {
		return fail(ErrnoResourceExhausted)
	}
	if err := d.ipcBus.Send(to, ipc.Message{From: from, Kind: "user", RawLen: dataLen}); err != nil {
		if err == ipc.ErrMessageTooLarge {
			return fail(ErrnoMessageTooLarge)
		}
		return fail(ErrnoAgentNotFound)
	}
	return Result{Success: true}
}

func (d *Dispatcher) handleIPCRecv(args []uint64) Result {
	// Actual message retrieval happens through the registered channel
	// (ipc.Bus.Register); this syscall only reports whether one is
	// pending, mirroring ipc_recv's Option<(id, len)> contract without
	// the caller-buffer copy the original stubs out entirely.
	agentID := arg(args, 0)
	if d.ipcBus == nil || d.ipcBus.Pending(agentID) == 0 {
		return fail(ErrnoNoMessage)
	}
	return Result{Success: true}
}

func (d *Dispatcher) handleAgentMemAlloc(args []uint64) Result {
	agentID := arg(args, 0)
	size := arg(args, 1)
	if size > MaxAgentMemory {
		return fail(ErrnoMemoryLimitExceeded)
	}
	if d.quotas != nil {
		if ok := d.quotas.Allocate(agentID, quota.ResourceMemory, size); !ok {
			return fail(ErrnoOutOfMemory)
		}
	}
	return Result{Success: true, Value: size}
}

func (d *Dispatcher) handleAgentMemFree(args []uint64) Result {
	agentID := arg(args, 0)
	size := arg(args, 2)
	if d.quotas != nil {
		d.quotas.Release(agentID, quota.ResourceMemory, size)
	}
	return Result{Success: true}
}

func (d *Dispatcher) handleFrameAlloc() Result {
	if d.frames == nil {
		return fail(ErrnoOutOfMemory)
	}
	f, ok := d.frames.Alloc()
	if !ok {
		return fail(ErrnoOutOfMemory)
	}
	return Result{Success: true, Value: f}
}

func (d *Dispatcher) handlePageMap(args []uint64) Result {
	if d.vmMgr == nil {
		return fail(ErrnoInvalidAddress)
	}
	virtAddr := arg(args, 0)
	physAddr := arg(args, 1)
	flags := vm.PageFlags(arg(args, 2))
	agentID := arg(args, 3)
	if err := d.vmMgr.MapPage(agentID, virtAddr, physAddr, flags, true); err != nil {
		return fail(ErrnoInvalidAddress)
	}
	return Result{Success: true}
}

func (d *Dispatcher) handleAgentPoolAlloc(args []uint64) Result {
	if d.frames == nil {
		return fail(ErrnoOutOfMemory)
	}
	size := arg(args, 1)
	frameCount := (size + frame.PageSize - 1) / frame.PageSize
	frames, ok := d.frames.AllocN(frameCount)
	if !ok {
		return fail(ErrnoOutOfMemory)
	}
	return Result{Success: true, Value: frames[0]}
}

func (d *Dispatcher) handlePQCOperation(args []uint64, token *capability.Token) Result {
	inputLen := int(arg(args, 2))
	if inputLen > MaxIPCSize {
		return fail(ErrnoMessageTooLarge)
	}
	operation := arg(args, 0)
	handle := d.newAsyncHandle()
	if d.ipcBus != nil {
		_ = d.ipcBus.Send(d.pqcBridgeID, ipc.Message{
			From:   token.AgentID,
			Kind:   "pqc_operation",
			Payload: operation,
		})
	}
	return Result{Success: true, AsyncHandle: handle}
}

func (d *Dispatcher) handleGetAsyncResult(args []uint64) Result {
	handle := arg(args, 0)
	d.mu.Lock()
	state, ok := d.asyncResults[handle]
	d.mu.Unlock()
	if !ok || !state.ready {
		return fail(ErrnoNotReady)
	}
	if state.err != ErrnoSuccess {
		return fail(state.err)
	}
	return Result{Success: true, DataLen: len(state.data)}
}

func (d *Dispatcher) handleFramebufferAlloc(args []uint64) Result {
	if d.graphics == nil {
		return fail(ErrnoResourceExhausted)
	}
	width := uint32(arg(args, 0))
	height := uint32(arg(args, 1))
	format := hal.PixelFormat(arg(args, 2))
	fbID, err := d.graphics.AllocateFramebuffer(width, height, format)
	if err != nil {
		return fail(ErrnoOutOfMemory)
	}
	return Result{Success: true, Value: fbID}
}

func (d *Dispatcher) handleFramebufferFree(args []uint64) Result {
	if d.graphics == nil {
		return fail(ErrnoResourceExhausted)
	}
	if err := d.graphics.FreeFramebuffer(arg(args, 0)); err != nil {
		return fail(ErrnoInvalidHandle)
	}
	return Result{Success: true}
}

func (d *Dispatcher) handleFramebufferGet(args []uint64) Result {
	if d.graphics == nil {
		return fail(ErrnoResourceExhausted)
	}
	cfg, ok := d.graphics.GetFramebuffer(arg(args, 0))
	if !ok {
		return fail(ErrnoInvalidHandle)
	}
	return Result{Success: true, Value: uint64(cfg.Width) | (uint64(cfg.Height) << 32)}
}

func (d *Dispatcher) handleDisplayGet(args []uint64) Result {
	if d.graphics == nil {
		return fail(ErrnoResourceExhausted)
	}
	display, ok := d.graphics.GetDisplay(arg(args, 0))
	if !ok {
		return fail(ErrnoInvalidHandle)
	}
	return Result{Success: true, Value: uint64(display.CurrentMode.Width) | (uint64(display.CurrentMode.Height) << 32)}
}

func (d *Dispatcher) handleDisplaySetMode(args []uint64) Result {
	if d.graphics == nil {
		return fail(ErrnoResourceExhausted)
	}
	deviceID := arg(args, 0)
	refreshRate := uint32(60)
	if display, ok := d.graphics.GetDisplay(deviceID); ok {
		refreshRate = display.CurrentMode.RefreshRate
	}
	mode := hal.DisplayMode{Width: uint32(arg(args, 1)), Height: uint32(arg(args, 2)), RefreshRate: refreshRate}
	if err := d.graphics.SetDisplayMode(deviceID, mode); err != nil {
		return fail(ErrnoInvalidSpec)
	}
	return Result{Success: true}
}

func (d *Dispatcher) handleInputRead(args []uint64) Result {
	if d.input == nil {
		return fail(ErrnoResourceExhausted)
	}
	maxEvents := int(arg(args, 0))
	if maxEvents == 0 {
		maxEvents = 10
	}
	events := d.input.ReadEvents(maxEvents)
	return Result{Success: true, Value: uint64(len(events))}
}

func (d *Dispatcher) handleInputGetDevices() Result {
	if d.input == nil {
		return fail(ErrnoResourceExhausted)
	}
	devices := d.input.Devices()
	return Result{Success: true, Value: uint64(len(devices))}
}

func (d *Dispatcher) newAsyncHandle() uint64 {
	handle := d.nextAsyncID.Add(1)
	d.mu.Lock()
	d.asyncResults[handle] = asyncState{}
	d.mu.Unlock()
	return handle
}

// resolveAsync is called by a subsystem (or test) once a previously
// issued async_handle's work has completed.
func (d *Dispatcher) resolveAsync(handle uint64, data []byte, err Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asyncResults[handle] = asyncState{ready: true, data: data, err: err}
}

func (d *Dispatcher) nowNanos() uint64 {
	if d.now != nil {
		return d.now()
	}
	return 0
}

func (d *Dispatcher) record(num Number, result Result, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	outcome := "ok"
	if !result.Success {
		outcome = "error"
	}
	d.metrics.SyscallsTotal.WithLabelValues(syscallName(num), outcome).Inc()
	d.metrics.SyscallLatency.Observe(elapsed.Seconds())
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func syscallName(num Number) string {
	switch num {
	case AgentSpawn:
		return "agent_spawn"
	case AgentSupervisorRegister:
		return "agent_supervisor_register"
	case AgentRegister:
		return "agent_register"
	case AgentKill:
		return "agent_kill"
	case IPCSend:
		return "ipc_send"
	case IPCRecv:
		return "ipc_recv"
	case AgentMemAlloc:
		return "agent_mem_alloc"
	case AgentMemFree:
		return "agent_mem_free"
	case FrameAlloc:
		return "frame_alloc"
	case PageMap:
		return "page_map"
	case AgentPoolAlloc:
		return "agent_pool_alloc"
	case PQCOperation:
		return "pqc_operation"
	case GetAsyncResult:
		return "get_async_result"
	case FramebufferAlloc:
		return "framebuffer_alloc"
	case FramebufferFree:
		return "framebuffer_free"
	case FramebufferGet:
		return "framebuffer_get"
	case DisplayGet:
		return "display_get"
	case DisplaySetMode:
		return "display_set_mode"
	case InputRead:
		return "input_read"
	case InputGetDevices:
		return "input_get_devices"
	default:
		return "unknown"
	}
}
