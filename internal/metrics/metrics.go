// Package metrics exposes orchestration counters and gauges:
//
//	brokerd_leases_in_use{mode}                  leased client ids
//	brokerd_pool_exhausted_total{mode}           lease requests refused
//	brokerd_leases_reaped_total{mode}            stale leases released by the reaper
//	brokerd_reconcile_actions_total{mode,kind}   changes made by reconciliation
//	brokerd_leader_restarts_total{mode,reason}   leader relaunches
//	brokerd_runs_stalled_total                   runs parked as stalled
//	brokerd_recovery_outcomes_total{outcome}     auto-recovery replacements and give-ups
//	brokerd_order_transitions_total{from,to}     committed order status changes
//	brokerd_task_runs_total{task,result}         periodic task executions
//
// Served at /metrics by the ops server.
package metrics

import (
	"net/http"
	"time"

	"brokerd/internal/lease"
	"brokerd/internal/orders"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	leasesInUse      *prometheus.GaugeVec
	poolExhausted    *prometheus.CounterVec
	leasesReaped     *prometheus.CounterVec
	reconcileActions *prometheus.CounterVec
	leaderRestarts   *prometheus.CounterVec
	runsStalled      prometheus.Counter
	recoveryOutcomes *prometheus.CounterVec
	orderTransitions *prometheus.CounterVec
	taskRuns         *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		leasesInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "brokerd_leases_in_use",
			Help: "Client ids currently leased, by mode.",
		}, []string{"mode"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerd_pool_exhausted_total",
			Help: "Lease requests refused because the pool was exhausted.",
		}, []string{"mode"}),
		leasesReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerd_leases_reaped_total",
			Help: "Leases released by the reaper as stale or dead.",
		}, []string{"mode"}),
		reconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerd_reconcile_actions_total",
			Help: "Order changes made by reconciliation, by kind.",
		}, []string{"mode", "kind"}),
		leaderRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerd_leader_restarts_total",
			Help: "Leader process relaunches by the supervisor.",
		}, []string{"mode", "reason"}),
		runsStalled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "brokerd_runs_stalled_total",
			Help: "Runs moved to stalled for lack of progress.",
		}),
		recoveryOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerd_recovery_outcomes_total",
			Help: "Auto-recovery outcomes for orders stuck in NEW.",
		}, []string{"outcome"}),
		orderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerd_order_transitions_total",
			Help: "Committed order status changes.",
		}, []string{"from", "to"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "brokerd_task_runs_total",
			Help: "Periodic task executions by result.",
		}, []string{"task", "result"}),
	}
	m.registry.MustRegister(
		m.leasesInUse, m.poolExhausted, m.leasesReaped, m.reconcileActions,
		m.leaderRestarts, m.runsStalled, m.recoveryOutcomes, m.orderTransitions,
		m.taskRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// LeaseHooks feeds pool events into the counters.
func (m *Metrics) LeaseHooks() lease.Hooks {
	return lease.Hooks{
		OnExhausted: func(mode string) { m.poolExhausted.WithLabelValues(mode).Inc() },
		OnReap:      func(mode string, _ int) { m.leasesReaped.WithLabelValues(mode).Inc() },
	}
}

func (m *Metrics) SetLeasesInUse(mode string, n int) {
	m.leasesInUse.WithLabelValues(mode).Set(float64(n))
}

func (m *Metrics) ReconcileAction(mode, kind string) {
	m.reconcileActions.WithLabelValues(mode, kind).Inc()
}

func (m *Metrics) LeaderRestart(mode, why string) {
	m.leaderRestarts.WithLabelValues(mode, why).Inc()
}

func (m *Metrics) RunStalled() { m.runsStalled.Inc() }

func (m *Metrics) RecoveryOutcome(kind string) {
	m.recoveryOutcomes.WithLabelValues(kind).Inc()
}

// OrderObserver counts committed order status changes.
func (m *Metrics) OrderObserver() orders.Observer {
	return func(from, to orders.Status) {
		m.orderTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}

// TaskRun matches scheduler.Scheduler.OnRun.
func (m *Metrics) TaskRun(name string, _ time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.taskRuns.WithLabelValues(name, result).Inc()
}
