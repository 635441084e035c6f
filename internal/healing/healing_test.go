package healing

import "testing"

func TestPredictFailureFailsWithoutMetric(t *testing.T) {
	p := NewPredictor(nil)
	if _, ok := p.PredictFailure("disk_io"); ok {
		t.Fatal("expected no prediction before any metric is recorded")
	}
}

func TestPredictFailureRuleFallbackUsesHealthScoreBands(t *testing.T) {
	p := NewPredictor(nil)
	p.UpdateMetric(HealthMetric{Component: "memory_pool", CurrentValue: 0.2, Baseline: 0.9, Trend: TrendCritical, HealthScore: 0.2})

	pred, ok := p.PredictFailure("memory_pool")
	if !ok {
		t.Fatal("expected a prediction once a metric is recorded")
	}
	if pred.FailureProbability != 0.9 {
		t.Fatalf("FailureProbability = %v, want 0.9 for HealthScore < 0.3", pred.FailureProbability)
	}
	if pred.PredictedTime == nil || *pred.PredictedTime != 60_000_000_000 {
		t.Fatalf("PredictedTime = %v, want 60s for a critical trend", pred.PredictedTime)
	}
	if pred.Kind != FailureMemoryExhaustion {
		t.Fatalf("Kind = %v, want FailureMemoryExhaustion for component name %q", pred.Kind, "memory_pool")
	}
}

func TestRecordFailureNudgesModelProbabilityUp(t *testing.T) {
	p := NewPredictor(nil)
	p.UpdateMetric(HealthMetric{Component: "cpu_core", CurrentValue: 0.8, Baseline: 0.9, Trend: TrendStable, HealthScore: 0.8})

	p.mu.Lock()
	before := p.models["cpu_core"].failureProbability
	p.mu.Unlock()
	p.RecordFailure(FailureEvent{Timestamp: 1, Component: "cpu_core", Kind: FailureCPUOverload})
	p.mu.Lock()
	after := p.models["cpu_core"].failureProbability
	p.mu.Unlock()

	if after <= before {
		t.Fatalf("model failureProbability after RecordFailure = %v, want > %v", after, before)
	}
}

func TestAttemptHealingRunsDefaultProcedureAndRecordsHistory(t *testing.T) {
	h := NewHealer(NewPredictor(nil), nil, nil, nil, nil, func() uint64 { return 5 })

	err := h.AttemptHealing(FailurePrediction{Component: "service_api", Kind: FailureServiceCrash})
	if err != nil {
		t.Fatalf("AttemptHealing failed: %v", err)
	}

	history := h.History()
	if len(history) != 1 {
		t.Fatalf("len(History()) = %d, want 1", len(history))
	}
	if !history[0].Success {
		t.Fatal("expected the recorded healing event to be marked successful")
	}
}

func TestAttemptHealingFailsWithoutProcedure(t *testing.T) {
	h := NewHealer(NewPredictor(nil), nil, nil, nil, nil, func() uint64 { return 0 })

	if err := h.AttemptHealing(FailurePrediction{Kind: FailureKernelPanic}); err != ErrNoProcedure {
		t.Fatalf("AttemptHealing(no procedure) = %v, want ErrNoProcedure", err)
	}
}

func TestAttemptHealingEscalationStepReturnsError(t *testing.T) {
	h := NewHealer(NewPredictor(nil), nil, nil, nil, nil, func() uint64 { return 0 })
	h.SetProcedure(FailureNetworkFailure, RecoveryProcedure{
		Kind:  FailureNetworkFailure,
		Steps: []RecoveryStep{{Kind: StepEscalateToOperator}},
	})

	err := h.AttemptHealing(FailurePrediction{Kind: FailureNetworkFailure})
	if err != ErrEscalationRequired {
		t.Fatalf("AttemptHealing(escalation step) = %v, want ErrEscalationRequired", err)
	}
	history := h.History()
	if len(history) != 1 || history[0].Success {
		t.Fatalf("history = %+v, want one failed event", history)
	}
}

func TestScheduleAndExecuteMaintenanceBumpsHealthScore(t *testing.T) {
	p := NewPredictor(nil)
	p.UpdateMetric(HealthMetric{Component: "gpu_fabric", CurrentValue: 0.4, Baseline: 0.9, Trend: TrendDegrading, HealthScore: 0.4})

	pm := NewPredictiveMaintenance(p, func() uint64 { return 0 })
	if err := pm.ScheduleMaintenance("gpu_fabric"); err != nil {
		t.Fatalf("ScheduleMaintenance failed: %v", err)
	}

	window, ok := pm.NextMaintenance()
	if !ok || window.Component != "gpu_fabric" {
		t.Fatalf("NextMaintenance() = (%+v, %v), want gpu_fabric window", window, ok)
	}

	if err := pm.ExecuteMaintenance("gpu_fabric"); err != nil {
		t.Fatalf("ExecuteMaintenance failed: %v", err)
	}

	p.mu.Lock()
	metric := p.metrics["gpu_fabric"]
	p.mu.Unlock()
	if metric.HealthScore <= 0.4 {
		t.Fatalf("HealthScore after predictive maintenance = %v, want > 0.4", metric.HealthScore)
	}
	if metric.Trend != TrendImproving {
		t.Fatalf("Trend after predictive maintenance = %v, want TrendImproving", metric.Trend)
	}

	if _, ok := pm.NextMaintenance(); ok {
		t.Fatal("expected the executed window to be removed from the schedule")
	}
}

func TestExecuteMaintenanceFailsWithoutSchedule(t *testing.T) {
	pm := NewPredictiveMaintenance(NewPredictor(nil), func() uint64 { return 0 })
	if err := pm.ExecuteMaintenance("unscheduled"); err != ErrNotScheduled {
		t.Fatalf("ExecuteMaintenance(unscheduled) = %v, want ErrNotScheduled", err)
	}
}
