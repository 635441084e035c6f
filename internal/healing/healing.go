// Package healing implements the predictive failure detector and
// autonomous healer, grounded on the original kernel's
// kernel-core/src/ai_healing.rs. Recovery-procedure steps there are
// largely commented-out event-publish calls ("Component restart is
// handled by agent lifecycle manager"); here each step is fully wired
// to a concrete kernel subsystem (scheduler, event bus) rather than
// left as a comment describing intent. The original's global
// `FAILURE_PREDICTOR`/`PREDICTIVE_MAINTENANCE` singletons become
// constructor-injected values, consistent with every other package in
// this kernel.
package healing

import (
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/octoreflex/agentkernel/internal/agent/scheduler"
	"github.com/octoreflex/agentkernel/internal/kernel"
	"github.com/octoreflex/agentkernel/internal/mlclient"
	"github.com/octoreflex/agentkernel/internal/observability"
)

// Trend is the direction a health metric is moving.
type Trend int

const (
	TrendImproving Trend = iota
	TrendStable
	TrendDegrading
	TrendCritical
)

// FailureType is the closed taxonomy of predicted failure kinds.
type FailureType int

const (
	FailureMemoryExhaustion FailureType = iota
	FailureCPUOverload
	FailureIOFailure
	FailureNetworkFailure
	FailureServiceCrash
	FailureKernelPanic
)

func (f FailureType) String() string {
	switch f {
	case FailureMemoryExhaustion:
		return "memory_exhaustion"
	case FailureCPUOverload:
		return "cpu_overload"
	case FailureIOFailure:
		return "io_failure"
	case FailureNetworkFailure:
		return "network_failure"
	case FailureServiceCrash:
		return "service_crash"
	default:
		return "kernel_panic"
	}
}

const maxHealthHistory = 20
const maxFailureHistory = 10000

// HealthMetric is one component's current health reading plus bounded
// history, matching HealthMetric in the original (pre_failure_metrics
// capped at 20).
type HealthMetric struct {
	Component    string
	CurrentValue float32
	Baseline     float32
	Trend        Trend
	HealthScore  float32
	History      []HealthMetric
}

// FailureEvent records one observed failure for a component.
type FailureEvent struct {
	Timestamp uint64
	Component string
	Kind      FailureType
}

// FailurePrediction is predict_failure's result.
type FailurePrediction struct {
	Component          string
	FailureProbability float32
	PredictedTime       *uint64
	Confidence          float32
	Kind                FailureType
}

type predictionModel struct {
	failureProbability float32
	predictedTime      *uint64
	confidence         float32
}

// Predictor tracks per-component health and failure history and
// produces failure predictions, preferring an ML estimate when
// available and falling back to the fixed rule table from spec.md
// §4.11.
type Predictor struct {
	mu      sync.Mutex
	metrics map[string]HealthMetric
	history []FailureEvent
	models  map[string]predictionModel
	ml      *mlclient.Client
}

// NewPredictor creates a Predictor. ml may be nil, in which case
// PredictFailure always uses the rule-based fallback.
func NewPredictor(ml *mlclient.Client) *Predictor {
	return &Predictor{
		metrics: make(map[string]HealthMetric),
		models:  make(map[string]predictionModel),
		ml:      ml,
	}
}

// UpdateMetric stores metric's current reading and appends the
// previous reading to its bounded history, then recomputes the
// component's prediction model.
func (p *Predictor) UpdateMetric(metric HealthMetric) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.metrics[metric.Component]; ok {
		history := append(append([]HealthMetric(nil), existing.History...), existing)
		if len(history) > maxHealthHistory {
			history = history[len(history)-maxHealthHistory:]
		}
		metric.History = history
	} else {
		metric.History = nil
	}
	p.metrics[metric.Component] = metric

	p.updatePredictionModelLocked(metric.Component)
}

// RecordFailure appends event to the bounded global failure history
// (≤ 10000) and nudges the component's failure probability upward.
func (p *Predictor) RecordFailure(event FailureEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.history = append(p.history, event)
	if len(p.history) > maxFailureHistory {
		p.history = p.history[len(p.history)-maxFailureHistory:]
	}

	if model, ok := p.models[event.Component]; ok {
		model.failureProbability = min32(model.failureProbability+0.1, 1.0)
		p.models[event.Component] = model
	}
}

// PredictFailure tries the ML path first (component health, trend,
// recent history, failure count and last-failure timestamp), then falls back to the
// fixed health-score rule table from spec.md §4.11.
func (p *Predictor) PredictFailure(component string) (FailurePrediction, bool) {
	p.mu.Lock()
	metric, ok := p.metrics[component]
	if !ok {
		p.mu.Unlock()
		return FailurePrediction{}, false
	}

	if p.ml != nil {
		if pred, ok := p.mlPredictLocked(component, metric); ok {
			p.mu.Unlock()
			return pred, true
		}
	}

	model, hasModel := p.models[component]
	p.mu.Unlock()
	if !hasModel {
		return FailurePrediction{}, false
	}

	var failureProbability float32
	switch {
	case metric.HealthScore < 0.3:
		failureProbability = 0.9
	case metric.HealthScore < 0.5:
		failureProbability = 0.6
	case metric.HealthScore < 0.7:
		failureProbability = 0.3
	default:
		failureProbability = 0.1
	}

	var predictedTime *uint64
	switch metric.Trend {
	case TrendCritical:
		t := uint64(60_000_000_000)
		predictedTime = &t
	case TrendDegrading:
		t := uint64(300_000_000_000)
		predictedTime = &t
	}

	return FailurePrediction{
		Component:          component,
		FailureProbability: failureProbability,
		PredictedTime:      predictedTime,
		Confidence:         model.confidence,
		Kind:               failureTypeFor(component),
	}, true
}

func (p *Predictor) mlPredictLocked(component string, metric HealthMetric) (FailurePrediction, bool) {
	historical := make([]float32, 0, maxHealthHistory)
	for i := len(metric.History) - 1; i >= 0 && len(historical) < maxHealthHistory; i-- {
		historical = append(historical, metric.History[i].HealthScore)
	}

	componentFailures := 0
	var lastFailureTS uint64
	for i := len(p.history) - 1; i >= 0; i-- {
		if p.history[i].Component == component {
			componentFailures++
			if lastFailureTS == 0 {
				lastFailureTS = p.history[i].Timestamp
			}
		}
	}

	resp, ok := p.ml.PredictFailure(mlclient.FailurePredictionRequest{
		ComponentID:  component,
		MetricValues: append([]float32{metric.HealthScore, metric.CurrentValue, metric.Baseline, float32(metric.Trend), float32(componentFailures), float32(lastFailureTS)}, historical...),
		MetricNames:  []string{"health_score", "current_value", "baseline", "trend", "component_failures", "last_failure_ns"},
	})
	if !ok {
		return FailurePrediction{}, false
	}

	var predictedTime *uint64
	if resp.PredictedTimeToFailureNS > 0 {
		t := resp.PredictedTimeToFailureNS
		predictedTime = &t
	}
	return FailurePrediction{
		Component:          component,
		FailureProbability: resp.FailureProbability,
		PredictedTime:      predictedTime,
		Confidence:         resp.Confidence,
		Kind:               failureTypeFor(component),
	}, true
}

func (p *Predictor) updatePredictionModelLocked(component string) {
	metric, ok := p.metrics[component]
	if !ok {
		return
	}

	failureProbability := 1.0 - metric.HealthScore

	var predictedTime *uint64
	switch metric.Trend {
	case TrendCritical:
		t := uint64(60_000_000_000)
		predictedTime = &t
	case TrendDegrading:
		if metric.Baseline > 0 {
			degradationRate := (metric.Baseline - metric.CurrentValue) / metric.Baseline
			if degradationRate > 0 {
				t := uint64((1.0 / degradationRate) * 60_000_000_000)
				predictedTime = &t
			}
		}
	}

	count := 0
	for _, e := range p.history {
		if e.Component == component {
			count++
		}
	}
	var confidence float32
	switch {
	case count >= 10:
		confidence = 0.8
	case count >= 5:
		confidence = 0.6
	default:
		confidence = 0.4
	}

	p.models[component] = predictionModel{
		failureProbability: failureProbability,
		predictedTime:      predictedTime,
		confidence:         confidence,
	}
}

// failureTypeFor infers a FailureType from a component name substring,
// per spec.md §4.11's mapping table.
func failureTypeFor(component string) FailureType {
	switch {
	case contains(component, "memory"):
		return FailureMemoryExhaustion
	case contains(component, "cpu"):
		return FailureCPUOverload
	case contains(component, "io"):
		return FailureIOFailure
	case contains(component, "network"):
		return FailureNetworkFailure
	case contains(component, "service"):
		return FailureServiceCrash
	default:
		return FailureKernelPanic
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

// RecoveryStep is one action in a RecoveryProcedure.
type RecoveryStep struct {
	Kind             RecoveryStepKind
	Component        string
	TargetAgentID    uint64
	CPUCores         uint32
	MemoryBytes      uint64
}

// RecoveryStepKind is the closed taxonomy of recovery actions.
type RecoveryStepKind int

const (
	StepRestartComponent RecoveryStepKind = iota
	StepReallocateResources
	StepClearCache
	StepResetState
	StepEscalateToOperator
)

// RecoveryProcedure is the fixed sequence of steps executed for a
// FailureType, plus its baseline success rate.
type RecoveryProcedure struct {
	Kind        FailureType
	Steps       []RecoveryStep
	SuccessRate float32
}

// HealingEvent records the outcome of one attempt_healing call.
type HealingEvent struct {
	Timestamp    uint64
	Kind         FailureType
	Success      bool
	RecoveryTime uint64
}

var ErrNoProcedure = errors.New("healing: no recovery procedure for failure kind")
var ErrEscalationRequired = errors.New("healing: escalation required")

// Healer executes recovery procedures for predicted failures,
// completing the original's execute_step bodies — which are comments
// describing intended subsystem calls — with real calls into the
// scheduler and event bus.
type Healer struct {
	predictor *Predictor
	sched     *scheduler.Scheduler
	bus       *kernel.Bus
	metrics   *observability.Metrics
	log       *zap.Logger
	now       func() uint64

	mu         sync.Mutex
	procedures map[FailureType]RecoveryProcedure
	history    []HealingEvent
}

// NewHealer creates a Healer wired to sched/bus and pre-populates the
// default recovery procedures from spec.md §4.11's table.
func NewHealer(predictor *Predictor, sched *scheduler.Scheduler, bus *kernel.Bus, metrics *observability.Metrics, log *zap.Logger, now func() uint64) *Healer {
	h := &Healer{
		predictor:  predictor,
		sched:      sched,
		bus:        bus,
		metrics:    metrics,
		log:        log,
		now:        now,
		procedures: make(map[FailureType]RecoveryProcedure),
	}
	h.initDefaultProcedures()
	return h
}

func (h *Healer) initDefaultProcedures() {
	h.procedures[FailureMemoryExhaustion] = RecoveryProcedure{
		Kind: FailureMemoryExhaustion,
		Steps: []RecoveryStep{
			{Kind: StepClearCache},
			{Kind: StepReallocateResources, CPUCores: 1, MemoryBytes: 1 << 30},
		},
		SuccessRate: 0.7,
	}
	h.procedures[FailureCPUOverload] = RecoveryProcedure{
		Kind: FailureCPUOverload,
		Steps: []RecoveryStep{
			{Kind: StepReallocateResources, CPUCores: 2, MemoryBytes: 512 << 20},
		},
		SuccessRate: 0.8,
	}
	h.procedures[FailureServiceCrash] = RecoveryProcedure{
		Kind:        FailureServiceCrash,
		Steps:       []RecoveryStep{{Kind: StepRestartComponent, Component: "service"}},
		SuccessRate: 0.9,
	}
}

// SetProcedure overrides or adds a recovery procedure for kind.
func (h *Healer) SetProcedure(kind FailureType, proc RecoveryProcedure) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.procedures[kind] = proc
}

// AttemptHealing looks up prediction.Kind's procedure and executes its
// steps sequentially, recording a HealingEvent regardless of outcome.
func (h *Healer) AttemptHealing(prediction FailurePrediction) error {
	h.mu.Lock()
	proc, ok := h.procedures[prediction.Kind]
	h.mu.Unlock()
	if !ok {
		return ErrNoProcedure
	}

	start := h.nowNanos()
	var stepErr error
	for _, step := range proc.Steps {
		if err := h.executeStep(step); err != nil {
			stepErr = err
			break
		}
	}

	event := HealingEvent{Timestamp: start, Kind: prediction.Kind, Success: stepErr == nil, RecoveryTime: h.nowNanos() - start}
	h.mu.Lock()
	h.history = append(h.history, event)
	h.mu.Unlock()

	if h.metrics != nil {
		outcome := "success"
		if stepErr != nil {
			outcome = "failure"
		}
		h.metrics.HealingAttemptsTotal.WithLabelValues(prediction.Kind.String(), outcome).Inc()
	}

	return stepErr
}

func (h *Healer) executeStep(step RecoveryStep) error {
	switch step.Kind {
	case StepRestartComponent:
		h.publishSystem("restart_component", kernel.KV{Key: "component", Value: step.Component})
		return nil
	case StepReallocateResources:
		if h.sched != nil {
			h.sched.SetTimeSlice(step.TargetAgentID, uint64(step.CPUCores)*scheduler.DefaultTimeSliceNS)
		}
		h.publishSystemForAgent(step.TargetAgentID, "reallocate_resources",
			kernel.KV{Key: "cpu_cores", Value: itoa(int64(step.CPUCores))},
			kernel.KV{Key: "memory_bytes", Value: itoa(int64(step.MemoryBytes))})
		return nil
	case StepClearCache:
		h.publishSystem("clear_cache")
		return nil
	case StepResetState:
		h.publishSystem("reset_state")
		return nil
	case StepEscalateToOperator:
		return ErrEscalationRequired
	default:
		return nil
	}
}

func (h *Healer) publishSystem(action string, extra ...kernel.KV) {
	if h.bus == nil {
		return
	}
	data := append([]kernel.KV{{Key: "action", Value: action}}, extra...)
	h.bus.Publish(kernel.Event{Type: kernel.EventSystem, Timestamp: h.nowNanos(), Data: data})
}

func (h *Healer) publishSystemForAgent(agentID uint64, action string, extra ...kernel.KV) {
	if h.bus == nil {
		return
	}
	data := append([]kernel.KV{{Key: "action", Value: action}}, extra...)
	h.bus.Publish(kernel.Event{Type: kernel.EventSystem, Timestamp: h.nowNanos(), AgentID: &agentID, Data: data})
}

// History returns a copy of every recorded healing event.
func (h *Healer) History() []HealingEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HealingEvent(nil), h.history...)
}

func (h *Healer) nowNanos() uint64 {
	if h.now != nil {
		return h.now()
	}
	return 0
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MaintenanceType is the closed taxonomy of maintenance windows.
type MaintenanceType int

const (
	MaintenancePreventive MaintenanceType = iota
	MaintenanceCorrective
	MaintenancePredictive
)

// MaintenanceWindow is a scheduled maintenance slot for a component.
type MaintenanceWindow struct {
	Component          string
	ScheduledTime      uint64
	Type               MaintenanceType
	EstimatedDuration  uint64
	Priority           uint32
}

// MaintenanceEvent records the outcome of one executed maintenance
// window.
type MaintenanceEvent struct {
	Timestamp uint64
	Component string
	Type      MaintenanceType
	Duration  uint64
	Success   bool
}

var (
	ErrNoPrediction    = errors.New("healing: no failure prediction available")
	ErrNoPredictedTime = errors.New("healing: prediction has no predicted time")
	ErrNotScheduled    = errors.New("healing: component has no scheduled maintenance")
)

// PredictiveMaintenance schedules preventive maintenance ahead of a
// predicted failure, supplementing the core spec per SPEC_FULL.md
// §2.3 (the original's PredictiveMaintenance, fully present in
// ai_healing.rs but not named in spec.md §4.11's summary).
type PredictiveMaintenance struct {
	predictor *Predictor

	mu       sync.Mutex
	schedule map[string]MaintenanceWindow
	history  []MaintenanceEvent
	now      func() uint64
}

// NewPredictiveMaintenance creates a PredictiveMaintenance manager
// backed by predictor.
func NewPredictiveMaintenance(predictor *Predictor, now func() uint64) *PredictiveMaintenance {
	return &PredictiveMaintenance{predictor: predictor, schedule: make(map[string]MaintenanceWindow), now: now}
}

// ScheduleMaintenance asks predictor for component's current failure
// prediction and, if it carries a predicted time, schedules a window
// 10% ahead of it.
func (pm *PredictiveMaintenance) ScheduleMaintenance(component string) error {
	prediction, ok := pm.predictor.PredictFailure(component)
	if !ok {
		return ErrNoPrediction
	}
	if prediction.PredictedTime == nil {
		return ErrNoPredictedTime
	}

	predictedTime := *prediction.PredictedTime
	maintenanceTime := predictedTime - predictedTime/10

	window := MaintenanceWindow{
		Component:         component,
		ScheduledTime:     maintenanceTime,
		Type:              MaintenancePredictive,
		EstimatedDuration: 300_000_000_000,
		Priority:          uint32(prediction.FailureProbability * 100),
	}

	pm.mu.Lock()
	pm.schedule[component] = window
	pm.mu.Unlock()
	return nil
}

// NextMaintenance returns the earliest upcoming maintenance window
// across all components, if any.
func (pm *PredictiveMaintenance) NextMaintenance() (MaintenanceWindow, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := pm.nowNanos()
	windows := make([]MaintenanceWindow, 0, len(pm.schedule))
	for _, w := range pm.schedule {
		if w.ScheduledTime > now {
			windows = append(windows, w)
		}
	}
	if len(windows) == 0 {
		return MaintenanceWindow{}, false
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].ScheduledTime < windows[j].ScheduledTime })
	return windows[0], true
}

// ExecuteMaintenance runs component's scheduled window, nudging its
// health metric upward by an amount that depends on maintenance type,
// matching perform_{preventive,corrective,predictive}_maintenance's
// 0.1/0.2/0.15 health-score bumps.
func (pm *PredictiveMaintenance) ExecuteMaintenance(component string) error {
	pm.mu.Lock()
	window, ok := pm.schedule[component]
	if ok {
		delete(pm.schedule, component)
	}
	pm.mu.Unlock()
	if !ok {
		return ErrNotScheduled
	}

	start := pm.nowNanos()

	var bump float32
	improveTrend := false
	switch window.Type {
	case MaintenancePreventive:
		bump = 0.1
	case MaintenanceCorrective:
		bump = 0.2
	case MaintenancePredictive:
		bump = 0.15
		improveTrend = true
	}

	pm.predictor.mu.Lock()
	if metric, ok := pm.predictor.metrics[component]; ok {
		metric.HealthScore = min32(metric.HealthScore+bump, 1.0)
		if improveTrend {
			metric.Trend = TrendImproving
		}
		pm.predictor.metrics[component] = metric
	}
	pm.predictor.mu.Unlock()

	duration := pm.nowNanos() - start
	pm.mu.Lock()
	pm.history = append(pm.history, MaintenanceEvent{
		Timestamp: start, Component: component, Type: window.Type, Duration: duration, Success: true,
	})
	if len(pm.history) > maxFailureHistory {
		pm.history = pm.history[len(pm.history)-maxFailureHistory:]
	}
	pm.mu.Unlock()

	return nil
}

// History returns maintenance events, optionally filtered to one
// component.
func (pm *PredictiveMaintenance) History(component string) []MaintenanceEvent {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if component == "" {
		return append([]MaintenanceEvent(nil), pm.history...)
	}
	var out []MaintenanceEvent
	for _, e := range pm.history {
		if e.Component == component {
			out = append(out, e)
		}
	}
	return out
}

func (pm *PredictiveMaintenance) nowNanos() uint64 {
	if pm.now != nil {
		return pm.now()
	}
	return 0
}
