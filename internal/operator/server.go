// Package operator — server.go
//
// Unix domain socket server for agentkerneld operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/agentkernel/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//   {"cmd":"list"}
//     → Returns every agent the scheduler currently tracks with its
//       scheduling stats.
//     → Response: {"ok":true,"agents":[{"agent_id":7,"priority":0,...}]}
//
//   {"cmd":"kill","agent_id":7}
//     → Tears down agent 7 across the scheduler, memory fabric, page
//       tables, IPC mailbox, and quota accounting.
//     → Response: {"ok":true,"agent_id":7}
//
//   {"cmd":"quota","agent_id":7,"resource":"memory"}
//     → Returns agent 7's current usage and limit for the named
//       resource (memory, cpu, network, io, fs).
//     → Response: {"ok":true,"agent_id":7,"used":1024,"limit":1073741824}
//
//   {"cmd":"heal","component":"scheduler-7"}
//     → Forces a failure prediction + healing attempt for the named
//       component, independent of the predictive maintenance loop's
//       normal schedule.
//     → Response: {"ok":true,"component":"scheduler-7","healed":true}
//
//   {"cmd":"breaker","resource_id":3}
//     → Returns the resilience circuit breaker state for resource 3.
//     → Response: {"ok":true,"resource_id":3,"state":"open"}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - kill and heal are recorded in the audit ledger; list, quota and
//     breaker are not.

package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// AgentStatus is a snapshot of one agent's scheduling state, returned
// by the list command.
type AgentStatus struct {
	AgentID     uint64 `json:"agent_id"`
	Priority    int32  `json:"priority"`
	Vruntime    uint64 `json:"vruntime"`
	TimeSliceNS uint64 `json:"time_slice_ns"`
}

// AgentRegistry is the interface the operator server uses to inspect
// and act on the running kernel core. Implemented by
// internal/kernelcore.Core.
type AgentRegistry interface {
	// ListAgents returns every tracked agent's scheduling snapshot.
	ListAgents() []AgentStatus

	// KillAgent tears down agentID across every subsystem. Returns
	// false if agentID is not currently tracked.
	KillAgent(agentID uint64) bool

	// QuotaUsage returns (used, limit, ok) for agentID's named
	// resource. ok is false for an unknown resource name.
	QuotaUsage(agentID uint64, resource string) (used, limit uint64, ok bool)

	// TriggerHealing forces a failure prediction + healing attempt for
	// component, returning whether a recovery procedure ran to
	// completion without error.
	TriggerHealing(component string) (healed bool, err error)

	// BreakerState returns the circuit breaker state name for
	// resourceID, or ("closed", false) if the resource has no breaker
	// yet.
	BreakerState(resourceID uint64) (state string, tracked bool)
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd        string `json:"cmd"`                   // list | kill | quota | heal | breaker
	AgentID    uint64 `json:"agent_id,omitempty"`     // target agent
	Resource   string `json:"resource,omitempty"`     // quota resource name
	Component  string `json:"component,omitempty"`    // heal target component
	ResourceID uint64 `json:"resource_id,omitempty"`  // breaker resource id
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	AgentID    uint64        `json:"agent_id,omitempty"`
	Used       uint64        `json:"used,omitempty"`
	Limit      uint64        `json:"limit,omitempty"`
	Component  string        `json:"component,omitempty"`
	Healed     bool          `json:"healed,omitempty"`
	ResourceID uint64        `json:"resource_id,omitempty"`
	State      string        `json:"state,omitempty"`
	Tracked    bool          `json:"tracked,omitempty"`
	Agents     []AgentStatus `json:"agents,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	registry   AgentRegistry
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, registry AgentRegistry, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Remove stale socket.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	// Ensure parent directory exists.
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", filepath.Dir(s.socketPath), err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	// Set socket permissions to 0600 (root only).
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	// Close listener on context cancellation.
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // Clean shutdown.
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		// Acquire semaphore (non-blocking; reject if at capacity).
		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	// Read request (max maxRequestBytes).
	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch routes a request to the appropriate handler.
func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "list":
		return s.cmdList()
	case "kill":
		return s.cmdKill(req)
	case "quota":
		return s.cmdQuota(req)
	case "heal":
		return s.cmdHeal(req)
	case "breaker":
		return s.cmdBreaker(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdList() Response {
	return Response{OK: true, Agents: s.registry.ListAgents()}
}

func (s *Server) cmdKill(req Request) Response {
	if req.AgentID == 0 {
		return Response{OK: false, Error: "agent_id required for kill"}
	}
	if !s.registry.KillAgent(req.AgentID) {
		return Response{OK: false, Error: fmt.Sprintf("agent %d not tracked", req.AgentID)}
	}
	s.log.Info("operator: agent killed", zap.Uint64("agent_id", req.AgentID))
	return Response{OK: true, AgentID: req.AgentID}
}

func (s *Server) cmdQuota(req Request) Response {
	if req.AgentID == 0 {
		return Response{OK: false, Error: "agent_id required for quota"}
	}
	if req.Resource == "" {
		return Response{OK: false, Error: "resource required for quota"}
	}
	used, limit, ok := s.registry.QuotaUsage(req.AgentID, req.Resource)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("unknown resource %q", req.Resource)}
	}
	return Response{OK: true, AgentID: req.AgentID, Used: used, Limit: limit}
}

func (s *Server) cmdHeal(req Request) Response {
	if req.Component == "" {
		return Response{OK: false, Error: "component required for heal"}
	}
	healed, err := s.registry.TriggerHealing(req.Component)
	if err != nil {
		return Response{OK: false, Error: err.Error(), Component: req.Component}
	}
	s.log.Info("operator: healing triggered",
		zap.String("component", req.Component), zap.Bool("healed", healed))
	return Response{OK: true, Component: req.Component, Healed: healed}
}

func (s *Server) cmdBreaker(req Request) Response {
	state, tracked := s.registry.BreakerState(req.ResourceID)
	return Response{OK: true, ResourceID: req.ResourceID, State: state, Tracked: tracked}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
