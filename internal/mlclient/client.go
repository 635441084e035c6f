// Package mlclient implements the synchronous kernel-side bridge to
// the external ML inference service, grounded on the original kernel's
// kernel-core/src/ml_client.rs: four typed request/response pairs, each
// behind its own small TTL cache, dispatched over the syscall/IPC plane
// to a fixed well-known bridge agent.
package mlclient

import (
	"sync"
	"time"

	"github.com/octoreflex/agentkernel/internal/ipc"
)

// BridgeAgentID is the well-known agent id the ML bridge process
// registers as, matching ML_BRIDGE_AGENT_ID in the original source.
const BridgeAgentID = 1000

// CacheTTL is how long a cached prediction is reused before a fresh
// request is issued, matching cache_ttl_ns = 100_000_000 (100ms).
const CacheTTL = 100 * time.Millisecond

// SchedulingPredictionRequest asks for a burst/priority hint for an
// agent about to be scheduled.
type SchedulingPredictionRequest struct {
	AgentID         uint64
	RecentCPUTimes  []float32
	RecentWaitTimes []float32
	Priority        uint8
	QueueDepth      uint32
}

// SchedulingPredictionResponse carries the bridge's scheduling hint.
type SchedulingPredictionResponse struct {
	PredictedBurstNS uint64
	Confidence       float32
}

// MemoryPredictionRequest asks for a predicted next virtual address
// given recent access history.
type MemoryPredictionRequest struct {
	AgentID          uint64
	AccessHistory    []float32
	AccessTypes      []uint8
	AccessTimestamps []float32
	CurrentAddress   float32
	LocalityScore    float32
}

// MemoryPredictionResponse carries the bridge's predicted address,
// normalized the same way CurrentAddress is (fraction of 2^32).
type MemoryPredictionResponse struct {
	NextAddress float32
	Confidence  float32
}

// FailurePredictionRequest asks whether a component is trending toward
// failure, given its recent health metric history.
type FailurePredictionRequest struct {
	ComponentID  string
	MetricValues []float32
	MetricNames  []string
}

// FailurePredictionResponse carries the bridge's failure risk estimate.
type FailurePredictionResponse struct {
	FailureProbability float32
	PredictedTimeToFailureNS uint64
	Confidence          float32
}

// WorkloadPredictionRequest asks for a classification of an agent's
// recent scheduling burst pattern.
type WorkloadPredictionRequest struct {
	AgentID       uint64
	RecentBurstsNS []float32
}

// WorkloadPredictionResponse carries the bridge's burst classification.
type WorkloadPredictionResponse struct {
	PredictedPattern string
	Confidence       float32
}

type cacheEntry[T any] struct {
	value   T
	expires time.Time
}

// Client is the kernel-side handle to the ML bridge. Every Predict*
// method returns at once: a cached value if there is one, otherwise it
// sends the request value over IPC to BridgeAgentID and returns
// (zero, false) without waiting, matching the original's
// cache-check -> syscall::ipc_send -> None-on-miss pattern (a later
// response lands the result in cache for the next call).
type Client struct {
	ipc *ipc.Bus

	mu              sync.Mutex
	schedulingCache map[uint64]cacheEntry[SchedulingPredictionResponse]
	memoryCache     map[uint64]cacheEntry[MemoryPredictionResponse]
	failureCache    map[string]cacheEntry[FailurePredictionResponse]
	workloadCache   map[uint64]cacheEntry[WorkloadPredictionResponse]
}

// New creates a Client that dispatches requests over bus.
func New(bus *ipc.Bus) *Client {
	return &Client{
		ipc:             bus,
		schedulingCache: make(map[uint64]cacheEntry[SchedulingPredictionResponse]),
		memoryCache:     make(map[uint64]cacheEntry[MemoryPredictionResponse]),
		failureCache:    make(map[string]cacheEntry[FailurePredictionResponse]),
		workloadCache:   make(map[uint64]cacheEntry[WorkloadPredictionResponse]),
	}
}

// PredictScheduling returns a cached scheduling hint, or dispatches a
// fresh request and returns (zero, false) for this call — the reply
// populates the cache asynchronously for the next caller, exactly as
// the original's synchronous-send/no-wait design does.
func (c *Client) PredictScheduling(req SchedulingPredictionRequest) (SchedulingPredictionResponse, bool) {
	c.mu.Lock()
	if entry, ok := c.schedulingCache[req.AgentID]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.value, true
	}
	c.mu.Unlock()

	c.dispatch("scheduling_prediction", req)
	return SchedulingPredictionResponse{}, false
}

// OnSchedulingPrediction is called by the IPC reply-handling path when
// the bridge's response for agentID arrives, populating the cache.
func (c *Client) OnSchedulingPrediction(agentID uint64, resp SchedulingPredictionResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedulingCache[agentID] = cacheEntry[SchedulingPredictionResponse]{value: resp, expires: time.Now().Add(CacheTTL)}
}

// PredictMemory mirrors PredictScheduling for memory access
// predictions.
func (c *Client) PredictMemory(req MemoryPredictionRequest) (MemoryPredictionResponse, bool) {
	c.mu.Lock()
	if entry, ok := c.memoryCache[req.AgentID]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.value, true
	}
	c.mu.Unlock()

	c.dispatch("memory_prediction", req)
	return MemoryPredictionResponse{}, false
}

// OnMemoryPrediction populates the memory prediction cache.
func (c *Client) OnMemoryPrediction(agentID uint64, resp MemoryPredictionResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memoryCache[agentID] = cacheEntry[MemoryPredictionResponse]{value: resp, expires: time.Now().Add(CacheTTL)}
}

// PredictFailure mirrors PredictScheduling for component failure risk,
// keyed by component id rather than agent id.
func (c *Client) PredictFailure(req FailurePredictionRequest) (FailurePredictionResponse, bool) {
	c.mu.Lock()
	if entry, ok := c.failureCache[req.ComponentID]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.value, true
	}
	c.mu.Unlock()

	c.dispatch("failure_prediction", req)
	return FailurePredictionResponse{}, false
}

// OnFailurePrediction populates the failure prediction cache.
func (c *Client) OnFailurePrediction(componentID string, resp FailurePredictionResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCache[componentID] = cacheEntry[FailurePredictionResponse]{value: resp, expires: time.Now().Add(CacheTTL)}
}

// PredictWorkload mirrors PredictScheduling for burst-pattern
// classification.
func (c *Client) PredictWorkload(req WorkloadPredictionRequest) (WorkloadPredictionResponse, bool) {
	c.mu.Lock()
	if entry, ok := c.workloadCache[req.AgentID]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.value, true
	}
	c.mu.Unlock()

	c.dispatch("workload_prediction", req)
	return WorkloadPredictionResponse{}, false
}

// OnWorkloadPrediction populates the workload prediction cache.
func (c *Client) OnWorkloadPrediction(agentID uint64, resp WorkloadPredictionResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workloadCache[agentID] = cacheEntry[WorkloadPredictionResponse]{value: resp, expires: time.Now().Add(CacheTTL)}
}

func (c *Client) dispatch(kind string, payload any) {
	if c.ipc == nil {
		return
	}
	c.ipc.Send(BridgeAgentID, ipc.Message{Kind: kind, Payload: payload})
}
