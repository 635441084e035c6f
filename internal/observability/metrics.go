// Package observability — metrics.go
//
// Prometheus metrics for the agent kernel core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: agentkernel_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Agent id is NOT used as a label (unbounded cardinality, one entry
//     per scheduling entity that ever existed).
//   - Per-agent metrics are aggregated before recording (e.g. total
//     runnable count, not one gauge per agent).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the kernel core.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Event bus ────────────────────────────────────────────────────────────

	// EventsPublishedTotal counts events published on the bus, by type.
	EventsPublishedTotal *prometheus.CounterVec

	// EventsDroppedTotal counts events dropped due to subscriber queue
	// overflow.
	EventsDroppedTotal *prometheus.CounterVec

	// ─── Scheduler ────────────────────────────────────────────────────────────

	// SchedulerSelectionsTotal counts next() selections, by selection pass
	// (deadline, prediction, fair_share).
	SchedulerSelectionsTotal *prometheus.CounterVec

	// SchedulerRunnableAgents is the current count of runnable scheduling
	// entities across all runqueues.
	SchedulerRunnableAgents prometheus.Gauge

	// SchedulerMinVruntime is the current min_vruntime watermark.
	SchedulerMinVruntime prometheus.Gauge

	// SchedulerDeadlineMissesTotal counts deadlines observed to have passed
	// before the owning agent was selected.
	SchedulerDeadlineMissesTotal prometheus.Counter

	// ─── Quota ────────────────────────────────────────────────────────────────

	// QuotaExceededTotal counts quota check failures, by resource.
	QuotaExceededTotal *prometheus.CounterVec

	// QuotaUsageRatio is the current used/limit ratio, by resource
	// (aggregated across all agents, not per-agent).
	QuotaUsageRatio *prometheus.GaugeVec

	// ─── Memory ───────────────────────────────────────────────────────────────

	// PageFaultsTotal counts page faults, by kind (demand_paging, cow,
	// protection_violation).
	PageFaultsTotal *prometheus.CounterVec

	// FramesFreeGauge is the current count of free physical frames.
	FramesFreeGauge prometheus.Gauge

	// SharedPagesGauge is the current count of tracked shared pages.
	SharedPagesGauge prometheus.Gauge

	// ─── Syscall dispatcher ───────────────────────────────────────────────────

	// SyscallsTotal counts dispatched syscalls, by syscall name and result
	// (ok, error).
	SyscallsTotal *prometheus.CounterVec

	// SyscallLatency records dispatch latency in seconds.
	SyscallLatency prometheus.Histogram

	// ─── Faults ───────────────────────────────────────────────────────────────

	// AgentsKilledTotal counts agents terminated under the kill-on-violation
	// policy, by exception kind.
	AgentsKilledTotal *prometheus.CounterVec

	// ─── Healing ──────────────────────────────────────────────────────────────

	// HealingAttemptsTotal counts healing attempts, by failure kind and
	// outcome (success, failure).
	HealingAttemptsTotal *prometheus.CounterVec

	// ─── Resilience ───────────────────────────────────────────────────────────

	// CircuitBreakerStateGauge is the current state of each tracked circuit
	// breaker (0=closed, 1=open, 2=half_open), by resource id.
	CircuitBreakerStateGauge *prometheus.GaugeVec

	// CircuitBreakerTripsTotal counts Closed/HalfOpen -> Open transitions, by
	// resource id.
	CircuitBreakerTripsTotal *prometheus.CounterVec

	// DegradationLevelGauge is the current system-wide degradation level
	// (0=normal, 1=reduced, 2=minimal, 3=emergency).
	DegradationLevelGauge prometheus.Gauge

	// RetriesTotal counts ExecuteWithRetry calls (one per call, not one
	// per attempt), by error code and final outcome (ok, exhausted).
	RetriesTotal *prometheus.CounterVec

	// ─── Audit / storage ──────────────────────────────────────────────────────

	// AuditWriteLatency records BoltDB write transaction latency.
	AuditWriteLatency prometheus.Histogram

	// AuditLedgerEntries is the current number of audit ledger entries.
	AuditLedgerEntries prometheus.Gauge

	// ─── Process ──────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the core started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all kernel-core Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "events", Name: "published_total",
			Help: "Total events published on the kernel event bus, by event type.",
		}, []string{"event_type"}),

		EventsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "events", Name: "dropped_total",
			Help: "Total events dropped due to subscriber queue overflow.",
		}, []string{"reason"}),

		SchedulerSelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "scheduler", Name: "selections_total",
			Help: "Total next() selections, by selection pass.",
		}, []string{"pass"}),

		SchedulerRunnableAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "scheduler", Name: "runnable_agents",
			Help: "Current count of runnable scheduling entities.",
		}),

		SchedulerMinVruntime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "scheduler", Name: "min_vruntime",
			Help: "Current min_vruntime watermark.",
		}),

		SchedulerDeadlineMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "scheduler", Name: "deadline_misses_total",
			Help: "Total deadlines observed to have passed before selection.",
		}),

		QuotaExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "quota", Name: "exceeded_total",
			Help: "Total quota check failures, by resource.",
		}, []string{"resource"}),

		QuotaUsageRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "quota", Name: "usage_ratio",
			Help: "Aggregate used/limit ratio, by resource.",
		}, []string{"resource"}),

		PageFaultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "memory", Name: "page_faults_total",
			Help: "Total page faults, by kind.",
		}, []string{"kind"}),

		FramesFreeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "memory", Name: "frames_free",
			Help: "Current count of free physical frames.",
		}),

		SharedPagesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "memory", Name: "shared_pages",
			Help: "Current count of tracked shared pages.",
		}),

		SyscallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "syscall", Name: "dispatched_total",
			Help: "Total dispatched syscalls, by syscall name and result.",
		}, []string{"syscall", "result"}),

		SyscallLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentkernel", Subsystem: "syscall", Name: "latency_seconds",
			Help:    "Syscall dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		AgentsKilledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "fault", Name: "agents_killed_total",
			Help: "Total agents terminated under the kill-on-violation policy, by exception kind.",
		}, []string{"exception_kind"}),

		HealingAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "healing", Name: "attempts_total",
			Help: "Total healing attempts, by failure kind and outcome.",
		}, []string{"failure_kind", "outcome"}),

		CircuitBreakerStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "resilience", Name: "circuit_breaker_state",
			Help: "Current circuit breaker state by resource id (0=closed, 1=open, 2=half_open).",
		}, []string{"resource_id"}),

		CircuitBreakerTripsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "resilience", Name: "circuit_breaker_trips_total",
			Help: "Total circuit breaker trips into the open state, by resource id.",
		}, []string{"resource_id"}),

		DegradationLevelGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "resilience", Name: "degradation_level",
			Help: "Current system-wide degradation level (0=normal, 1=reduced, 2=minimal, 3=emergency).",
		}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentkernel", Subsystem: "resilience", Name: "retries_total",
			Help: "Total retry attempts performed under a retry policy, by error code and outcome.",
		}, []string{"error_code", "outcome"}),

		AuditWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentkernel", Subsystem: "audit", Name: "write_latency_seconds",
			Help:    "BoltDB audit ledger write transaction latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		AuditLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "audit", Name: "ledger_entries",
			Help: "Current number of audit ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentkernel", Subsystem: "process", Name: "uptime_seconds",
			Help: "Number of seconds since the core started.",
		}),
	}

	reg.MustRegister(
		m.EventsPublishedTotal,
		m.EventsDroppedTotal,
		m.SchedulerSelectionsTotal,
		m.SchedulerRunnableAgents,
		m.SchedulerMinVruntime,
		m.SchedulerDeadlineMissesTotal,
		m.QuotaExceededTotal,
		m.QuotaUsageRatio,
		m.PageFaultsTotal,
		m.FramesFreeGauge,
		m.SharedPagesGauge,
		m.SyscallsTotal,
		m.SyscallLatency,
		m.AgentsKilledTotal,
		m.HealingAttemptsTotal,
		m.CircuitBreakerStateGauge,
		m.CircuitBreakerTripsTotal,
		m.DegradationLevelGauge,
		m.RetriesTotal,
		m.AuditWriteLatency,
		m.AuditLedgerEntries,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
