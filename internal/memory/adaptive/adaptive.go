// Package adaptive implements AI-adaptive memory management: access
// pattern analysis, predictive prefetching, and swap-in/swap-out
// prediction, grounded on the original kernel's
// kernel-core/src/memory/ai_adaptive.rs.
//
// Q2 (spec.md §9): the original's SwapPredictor.should_swap_out/
// should_swap_in call self.analyzer.is_hot_page(...) and
// self.analyzer.get_predicted_access(...), but SwapPredictor has no
// analyzer field — those calls do not compile as written. Here
// Analyzer is constructor-injected into SwapPredictor (NewSwapPredictor
// takes one), which is the fix that preserves the intended behavior
// (don't swap pages the analyzer considers hot) without inventing new
// semantics.
package adaptive

import (
	"sort"
	"sync"

	"github.com/octoreflex/agentkernel/internal/mlclient"
)

// AccessType classifies a memory access.
type AccessType uint8

const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

// Access is one recorded memory access event.
type Access struct {
	Timestamp  uint64
	VirtualAddr  uint64
	PhysicalAddr uint64
	Type         AccessType
	AgentID      uint64
}

// Locality classifies the dominant locality behavior of an agent's
// access stream.
type Locality uint8

const (
	LocalityTemporal Locality = iota
	LocalitySpatial
	LocalityRandom
)

// Pattern summarizes an agent's recent memory access behavior.
type Pattern struct {
	AgentID             uint64
	AccessFrequency     float64 // accesses/sec
	Locality            Locality
	WorkingSetSize      uint64 // bytes
	PredictedNextAccess *uint64
	HotPages            map[uint64]struct{}
}

const maxHistorySize = 10000
const maxHotPages = 1000
const hotPageEvictBatch = 100

// Analyzer tracks per-agent memory access history and derives patterns
// from it.
type Analyzer struct {
	mu      sync.Mutex
	history map[uint64][]Access // agentID -> accesses
	patterns map[uint64]Pattern
	hotPages map[uint64]struct{} // physical addr -> present

	ml *mlclient.Client
}

// NewAnalyzer creates an empty Analyzer. ml may be nil to disable
// ML-assisted prediction and fall back to the rule-based predictor
// unconditionally.
func NewAnalyzer(ml *mlclient.Client) *Analyzer {
	return &Analyzer{
		history:  make(map[uint64][]Access),
		patterns: make(map[uint64]Pattern),
		hotPages: make(map[uint64]struct{}),
		ml:       ml,
	}
}

// RecordAccess appends access to its agent's history, refreshes the
// system-wide hot-page set, and recomputes the agent's pattern once
// enough samples have accumulated.
func (a *Analyzer) RecordAccess(access Access) {
	a.mu.Lock()
	defer a.mu.Unlock()

	hist := append(a.history[access.AgentID], access)
	if len(hist) > maxHistorySize {
		hist = hist[1:]
	}
	a.history[access.AgentID] = hist

	a.hotPages[access.PhysicalAddr] = struct{}{}
	if len(a.hotPages) > maxHotPages {
		a.evictColdestHotPagesLocked()
	}

	if len(hist) >= 100 {
		a.updatePatternLocked(access.AgentID, hist)
	}
}

func (a *Analyzer) evictColdestHotPagesLocked() {
	type lastSeen struct {
		addr uint64
		ts   uint64
	}
	seen := make([]lastSeen, 0, len(a.hotPages))
	for addr := range a.hotPages {
		var latest uint64
		for _, hist := range a.history {
			for _, acc := range hist {
				if acc.PhysicalAddr == addr && acc.Timestamp > latest {
					latest = acc.Timestamp
				}
			}
		}
		seen = append(seen, lastSeen{addr: addr, ts: latest})
	}
	sort.Slice(seen, func(i, j int) bool { return seen[i].ts < seen[j].ts })
	for i := 0; i < hotPageEvictBatch && i < len(seen); i++ {
		delete(a.hotPages, seen[i].addr)
	}
}

func (a *Analyzer) updatePatternLocked(agentID uint64, hist []Access) {
	if len(hist) == 0 {
		return
	}

	timeSpan := uint64(1_000_000_000)
	if len(hist) > 1 {
		timeSpan = hist[len(hist)-1].Timestamp - hist[0].Timestamp
		if timeSpan == 0 {
			timeSpan = 1
		}
	}
	freq := float64(len(hist)) / (float64(timeSpan) / 1e9)

	locality := a.detectLocality(hist)

	unique := make(map[uint64]struct{})
	for _, acc := range hist {
		unique[acc.PhysicalAddr] = struct{}{}
	}
	workingSet := uint64(len(unique)) * 4096

	predicted := a.predictNextAccess(agentID, hist, locality)
	hot := identifyHotPages(hist)

	a.patterns[agentID] = Pattern{
		AgentID:             agentID,
		AccessFrequency:     freq,
		Locality:            locality,
		WorkingSetSize:      workingSet,
		PredictedNextAccess: predicted,
		HotPages:            hot,
	}
}

func (a *Analyzer) detectLocality(hist []Access) Locality {
	if len(hist) < 10 {
		return LocalityRandom
	}

	const recentWindow = uint64(1_000_000_000)
	now := hist[len(hist)-1].Timestamp
	recentCount := 0
	for _, acc := range hist {
		if now-acc.Timestamp < recentWindow {
			recentCount++
		}
	}
	if recentCount > len(hist)/2 {
		return LocalityTemporal
	}

	spatialCount := 0
	limit := len(hist)
	if limit > 100 {
		limit = 100
	}
	for i := 1; i < limit; i++ {
		a1, a2 := hist[i].VirtualAddr, hist[i-1].VirtualAddr
		var distance uint64
		if a1 > a2 {
			distance = a1 - a2
		} else {
			distance = a2 - a1
		}
		if distance < 64*1024 {
			spatialCount++
		}
	}
	if spatialCount > len(hist)/3 {
		return LocalitySpatial
	}
	return LocalityRandom
}

// predictNextAccess tries ML prediction (history >= 20 samples), then
// falls back to detecting a fixed 4096-byte stride, then to "predict
// the most recently accessed address" — the exact three-tier fallback
// chain of the original's predict_next_access.
func (a *Analyzer) predictNextAccess(agentID uint64, hist []Access, locality Locality) *uint64 {
	if len(hist) < 2 {
		return nil
	}

	if a.ml != nil && len(hist) >= 20 {
		if addr, ok := a.mlPredict(agentID, hist, locality); ok {
			return &addr
		}
	}

	last := hist[len(hist)-1]
	if len(hist) >= 3 {
		a0, a1, a2 := hist[len(hist)-1].VirtualAddr, hist[len(hist)-2].VirtualAddr, hist[len(hist)-3].VirtualAddr
		diff1 := absDiff(a0, a1)
		diff2 := absDiff(a1, a2)
		if diff1 == diff2 && diff1 == 4096 {
			next := last.VirtualAddr + diff1
			return &next
		}
	}

	addr := last.VirtualAddr
	return &addr
}

func (a *Analyzer) mlPredict(agentID uint64, hist []Access, locality Locality) (uint64, bool) {
	window := hist
	if len(window) > 20 {
		window = window[len(window)-20:]
	}

	accessHistory := make([]float32, len(window))
	accessTypes := make([]uint8, len(window))
	accessTimestamps := make([]float32, len(window))
	for i, acc := range window {
		j := len(window) - 1 - i
		accessHistory[j] = float32(acc.VirtualAddr) / float32(uint64(1)<<32)
		accessTypes[j] = uint8(acc.Type)
		accessTimestamps[j] = float32(acc.Timestamp) / 1e9
	}

	last := hist[len(hist)-1]
	localityScore := float32(0.3)
	switch locality {
	case LocalityTemporal:
		localityScore = 0.8
	case LocalitySpatial:
		localityScore = 0.7
	}

	resp, ok := a.ml.PredictMemory(mlclient.MemoryPredictionRequest{
		AgentID:          agentID,
		AccessHistory:    accessHistory,
		AccessTypes:      accessTypes,
		AccessTimestamps: accessTimestamps,
		CurrentAddress:   float32(last.VirtualAddr) / float32(uint64(1)<<32),
		LocalityScore:    localityScore,
	})
	if !ok {
		return 0, false
	}
	return uint64(resp.NextAddress * float32(uint64(1)<<32)), true
}

func identifyHotPages(hist []Access) map[uint64]struct{} {
	counts := make(map[uint64]int)
	for _, acc := range hist {
		counts[acc.PhysicalAddr]++
	}
	if len(counts) == 0 {
		return map[uint64]struct{}{}
	}
	avg := float64(len(hist)) / float64(len(counts))
	threshold := int(avg * 2.0)

	hot := make(map[uint64]struct{})
	for addr, count := range counts {
		if count >= threshold {
			hot[addr] = struct{}{}
		}
	}
	return hot
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// GetPattern returns agentID's current pattern, if one has been
// computed yet.
func (a *Analyzer) GetPattern(agentID uint64) (Pattern, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.patterns[agentID]
	return p, ok
}

// IsHotPage reports whether the system-wide hot-page set contains
// physical address page.
func (a *Analyzer) IsHotPage(page uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.hotPages[page]
	return ok
}

// GetPredictedAccess returns agentID's predicted next virtual address.
func (a *Analyzer) GetPredictedAccess(agentID uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.patterns[agentID]
	if !ok || p.PredictedNextAccess == nil {
		return 0, false
	}
	return *p.PredictedNextAccess, true
}

// GetLastAccessTime returns the most recent timestamp any agent
// touched physical page, if recorded.
func (a *Analyzer) GetLastAccessTime(page uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var latest uint64
	found := false
	for _, hist := range a.history {
		for _, acc := range hist {
			if acc.PhysicalAddr == page && (!found || acc.Timestamp > latest) {
				latest = acc.Timestamp
				found = true
			}
		}
	}
	return latest, found
}

// GetAccessCount returns the total recorded access count for physical
// page across all agents.
func (a *Analyzer) GetAccessCount(page uint64) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var count uint64
	for _, hist := range a.history {
		for _, acc := range hist {
			if acc.PhysicalAddr == page {
				count++
			}
		}
	}
	return count
}

// CachePolicy selects how AICacheManager chooses an eviction victim.
type CachePolicy uint8

const (
	CacheLRU CachePolicy = iota
	CacheLFU
	CachePredictive
	CacheAdaptive
)

// PrefetchRequest is a queued speculative prefetch, ordered by
// descending priority.
type PrefetchRequest struct {
	AgentID             uint64
	VirtualAddr         uint64
	Priority            uint32
	PredictedAccessTime uint64
}

// CacheManager manages predictive prefetching and eviction policy atop
// an Analyzer.
type CacheManager struct {
	mu       sync.Mutex
	analyzer *Analyzer
	policy   CachePolicy
	queue    []PrefetchRequest
	now      func() uint64
}

// NewCacheManager creates a CacheManager defaulting to the Adaptive
// eviction policy, as the original does.
func NewCacheManager(analyzer *Analyzer, now func() uint64) *CacheManager {
	return &CacheManager{analyzer: analyzer, policy: CacheAdaptive, now: now}
}

// RequestPrefetch enqueues a prefetch for agentID's predicted next
// access, 100ms out, if a prediction exists.
func (c *CacheManager) RequestPrefetch(agentID uint64, priority uint32) {
	addr, ok := c.analyzer.GetPredictedAccess(agentID)
	if !ok {
		return
	}

	var nowNanos uint64
	if c.now != nil {
		nowNanos = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, PrefetchRequest{
		AgentID:             agentID,
		VirtualAddr:         addr,
		Priority:            priority,
		PredictedAccessTime: nowNanos + 100_000_000,
	})
	sort.Slice(c.queue, func(i, j int) bool { return c.queue[i].Priority > c.queue[j].Priority })
}

// NextPrefetchRequest pops the highest-priority queued request.
func (c *CacheManager) NextPrefetchRequest() (PrefetchRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return PrefetchRequest{}, false
	}
	req := c.queue[0]
	c.queue = c.queue[1:]
	return req, true
}

// DecideEviction picks an eviction victim from candidates according to
// the manager's CachePolicy.
func (c *CacheManager) DecideEviction(candidates []uint64) (uint64, bool) {
	switch c.policy {
	case CacheLRU:
		var oldestAddr uint64
		oldestTime := ^uint64(0)
		found := false
		for _, candidate := range candidates {
			t, ok := c.analyzer.GetLastAccessTime(candidate)
			if !ok {
				return candidate, true
			}
			if t < oldestTime {
				oldestTime = t
				oldestAddr = candidate
				found = true
			}
		}
		return oldestAddr, found
	case CacheLFU:
		var leastAddr uint64
		leastCount := ^uint64(0)
		found := false
		for _, candidate := range candidates {
			count := c.analyzer.GetAccessCount(candidate)
			if count < leastCount {
				leastCount = count
				leastAddr = candidate
				found = true
			}
		}
		return leastAddr, found
	default: // CachePredictive, CacheAdaptive
		for _, candidate := range candidates {
			if !c.analyzer.IsHotPage(candidate) {
				return candidate, true
			}
		}
		if len(candidates) > 0 {
			return candidates[0], true
		}
		return 0, false
	}
}

// SwapEvent records one page swap-in/swap-out occurrence.
type SwapEvent struct {
	Timestamp       uint64
	Frame           uint64
	AgentID         uint64
	SwapOut         bool
	AccessAfterSwap *uint64 // ns until next access, if observed
}

// SwapPattern summarizes an agent's swap behavior.
type SwapPattern struct {
	AgentID               uint64
	SwapFrequency         float64 // swaps/sec
	TypicalSwapDurationNS uint64
}

// SwapPredictor predicts swap-in/swap-out decisions. It holds a
// reference to Analyzer (the Q2 fix — see package doc) so its hot-page
// and predicted-access checks actually resolve.
type SwapPredictor struct {
	mu       sync.Mutex
	history  []SwapEvent
	patterns map[uint64]SwapPattern
	analyzer *Analyzer
}

// NewSwapPredictor creates a SwapPredictor bound to analyzer.
func NewSwapPredictor(analyzer *Analyzer) *SwapPredictor {
	return &SwapPredictor{patterns: make(map[uint64]SwapPattern), analyzer: analyzer}
}

// RecordSwap appends event to swap history and, once 100 samples have
// accumulated, recomputes that agent's SwapPattern.
func (s *SwapPredictor) RecordSwap(event SwapEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, event)
	if len(s.history) > 10000 {
		s.history = s.history[1:]
	}
	if len(s.history) >= 100 {
		s.updatePatternLocked(event.AgentID)
	}
}

func (s *SwapPredictor) updatePatternLocked(agentID uint64) {
	var agentSwaps []SwapEvent
	for _, e := range s.history {
		if e.AgentID == agentID {
			agentSwaps = append(agentSwaps, e)
		}
	}
	if len(agentSwaps) == 0 {
		return
	}

	timeSpan := uint64(1_000_000_000)
	if len(agentSwaps) > 1 {
		timeSpan = agentSwaps[len(agentSwaps)-1].Timestamp - agentSwaps[0].Timestamp
		if timeSpan == 0 {
			timeSpan = 1
		}
	}
	freq := float64(len(agentSwaps)) / (float64(timeSpan) / 1e9)

	var sum, count uint64
	for _, e := range agentSwaps {
		if e.AccessAfterSwap != nil {
			sum += *e.AccessAfterSwap
			count++
		}
	}
	typical := uint64(10_000_000_000)
	if count > 0 {
		typical = sum / count
	}

	s.patterns[agentID] = SwapPattern{AgentID: agentID, SwapFrequency: freq, TypicalSwapDurationNS: typical}
}

// ShouldSwapOut reports whether frame is a good swap-out candidate for
// agentID: never for hot pages, never for agents with a stable
// (low-frequency) swap pattern.
func (s *SwapPredictor) ShouldSwapOut(agentID, frame uint64) bool {
	if s.analyzer.IsHotPage(frame) {
		return false
	}

	s.mu.Lock()
	pattern, ok := s.patterns[agentID]
	s.mu.Unlock()

	if ok && pattern.SwapFrequency < 0.01 {
		return false
	}
	return true
}

// ShouldSwapIn reports whether agentID's swap behavior suggests frame
// should be proactively swapped back in.
func (s *SwapPredictor) ShouldSwapIn(agentID, _frame uint64) bool {
	s.mu.Lock()
	pattern, ok := s.patterns[agentID]
	s.mu.Unlock()

	if !ok {
		return false
	}
	if pattern.SwapFrequency > 0.1 && pattern.TypicalSwapDurationNS < 5_000_000_000 {
		return true
	}
	if _, predicted := s.analyzer.GetPredictedAccess(agentID); predicted {
		return true
	}
	return false
}

// SwapEntry records where a swapped-out frame currently lives.
type SwapEntry struct {
	Frame        uint64
	AgentID      uint64
	SwappedAtNS  uint64
	SwapLocation uint64
}

// Paging composes Analyzer + SwapPredictor into the swap-out/swap-in
// decision surface the fault handler consults.
type Paging struct {
	analyzer *Analyzer
	swap     *SwapPredictor

	mu    sync.Mutex
	cache map[uint64]SwapEntry // frame -> entry
}

// NewPaging builds a Paging policy atop analyzer and swap.
func NewPaging(analyzer *Analyzer, swap *SwapPredictor) *Paging {
	return &Paging{analyzer: analyzer, swap: swap, cache: make(map[uint64]SwapEntry)}
}

// ShouldSwapOut defers to the analyzer's hot-page check first, then the
// swap predictor.
func (p *Paging) ShouldSwapOut(agentID, frame uint64) bool {
	if p.analyzer.IsHotPage(frame) {
		return false
	}
	return p.swap.ShouldSwapOut(agentID, frame)
}

// ShouldSwapIn defers entirely to the swap predictor.
func (p *Paging) ShouldSwapIn(agentID, frame uint64) bool {
	return p.swap.ShouldSwapIn(agentID, frame)
}

// RecordSwapOut tracks frame's swapped-out location for later lookup.
func (p *Paging) RecordSwapOut(entry SwapEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[entry.Frame] = entry
}

// LookupSwapEntry returns the swap entry for frame, if swapped out.
func (p *Paging) LookupSwapEntry(frame uint64) (SwapEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.cache[frame]
	return e, ok
}

// ClearSwapEntry removes frame's swap-out record after it has been
// swapped back in.
func (p *Paging) ClearSwapEntry(frame uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, frame)
}
