package workload

import (
	"math/rand"
	"testing"
)

func snapshotsFromCPU(agentID uint64, cpu []float32) []Snapshot {
	out := make([]Snapshot, len(cpu))
	for i, v := range cpu {
		out[i] = Snapshot{Timestamp: uint64(i) * 1_000_000_000, AgentID: agentID, CPUUsage: v}
	}
	return out
}

func TestDetectBurstPatternSteadyOnLowVariance(t *testing.T) {
	cpu := make([]float32, 12)
	for i := range cpu {
		cpu[i] = 0.5
	}
	got := detectBurstPattern(snapshotsFromCPU(1, cpu))
	if got != PatternSteady {
		t.Fatalf("detectBurstPattern() = %v, want Steady for near-constant usage", got)
	}
}

func TestDetectBurstPatternPeriodicOnRepeatingCycle(t *testing.T) {
	block := []float32{0.1, 0.9, 0.1, 0.9}
	cpu := make([]float32, 0, 20)
	for i := 0; i < 5; i++ {
		cpu = append(cpu, block...)
	}
	got := detectBurstPattern(snapshotsFromCPU(1, cpu))
	if got != PatternPeriodic {
		t.Fatalf("detectBurstPattern() = %v, want Periodic for a clean repeating cycle", got)
	}
}

func TestDetectBurstPatternGrowingOnNoisyUpwardTrend(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const n = 24
	cpu := make([]float32, n)
	for i := 0; i < n; i++ {
		trend := float32(i) / float32(n-1)
		noise := float32(rng.Float64()-0.5) * 1.0
		cpu[i] = trend + noise
	}
	got := detectBurstPattern(snapshotsFromCPU(1, cpu))
	if got != PatternGrowing {
		t.Fatalf("detectBurstPattern() = %v, want Growing for a noisy upward trend", got)
	}
}

func TestRecordSnapshotComputesPatternAfterTenSamples(t *testing.T) {
	p := NewPredictor(nil)
	for i := 0; i < 9; i++ {
		p.RecordSnapshot(Snapshot{Timestamp: uint64(i) * 1_000_000_000, AgentID: 1, CPUUsage: 0.5})
	}
	p.mu.Lock()
	_, hasPattern := p.patterns[1]
	p.mu.Unlock()
	if hasPattern {
		t.Fatal("expected no pattern before the tenth sample")
	}

	p.RecordSnapshot(Snapshot{Timestamp: 9_000_000_000, AgentID: 1, CPUUsage: 0.5})
	p.mu.Lock()
	pattern, hasPattern := p.patterns[1]
	p.mu.Unlock()
	if !hasPattern {
		t.Fatal("expected a pattern to be computed on the tenth sample")
	}
	if pattern.Burst != PatternSteady {
		t.Fatalf("pattern.Burst = %v, want Steady for constant usage", pattern.Burst)
	}
}

func TestPredictWorkloadFailsWithNoHistory(t *testing.T) {
	p := NewPredictor(nil)
	if _, ok := p.PredictWorkload(1, 5_000_000_000, 0); ok {
		t.Fatal("expected PredictWorkload to fail for an agent with no recorded history")
	}
}
