// Package observability provides Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"device-orchestrator/internal/core/batch"
	"device-orchestrator/internal/core/devices"
	"device-orchestrator/internal/core/provider"
	"device-orchestrator/internal/core/saga"
)

const namespace = "device_orchestrator"

// Metrics implements the metrics hooks of the registry, the saga
// orchestrator, the batch coordinator and the adapter guard.
type Metrics struct {
	reg *prometheus.Registry

	sagas         *prometheus.CounterVec
	steps         *prometheus.HistogramVec
	compensations *prometheus.CounterVec
	adapterCalls  *prometheus.HistogramVec
	batchMembers  *prometheus.HistogramVec
	mismatches    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sagas_finished_total",
			Help: "Creation sagas by terminal status.",
		}, []string{"provider", "status"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "saga_step_duration_seconds",
			Help:    "Duration of saga step attempts.",
			Buckets: []float64{.01, .05, .25, 1, 5, 15, 60, 300},
		}, []string{"step", "outcome"}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "saga_compensation_failures_total",
			Help: "Compensations that did not complete and need reconciliation.",
		}, []string{"provider", "step"}),
		adapterCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "adapter_call_duration_seconds",
			Help:    "Provider adapter calls by result kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op", "result"}),
		batchMembers: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_member_duration_seconds",
			Help:    "Batch member executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "result"}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconcile_mismatches_total",
			Help: "Devices whose stored status disagreed with the provider.",
		}, []string{"provider", "from", "to"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sagas, m.steps, m.compensations, m.adapterCalls, m.batchMembers, m.mismatches,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) SagaFinished(p provider.Name, s saga.Status) {
	m.sagas.WithLabelValues(string(p), string(s)).Inc()
}

func (m *Metrics) StepObserved(step saga.Step, o saga.Outcome, took time.Duration) {
	m.steps.WithLabelValues(string(step), string(o)).Observe(took.Seconds())
}

func (m *Metrics) CompensationFailed(p provider.Name, step saga.Step) {
	m.compensations.WithLabelValues(string(p), string(step)).Inc()
}

func (m *Metrics) ReconcileMismatch(p provider.Name, from, to devices.Status) {
	m.mismatches.WithLabelValues(string(p), string(from), string(to)).Inc()
}

func (m *Metrics) MemberFinished(op batch.Op, ok bool, took time.Duration) {
	m.batchMembers.WithLabelValues(string(op), result(ok)).Observe(took.Seconds())
}

// ObserveCall has the provider.Observer signature.
func (m *Metrics) ObserveCall(p provider.Name, op string, took time.Duration, err error) {
	res := "ok"
	if err != nil {
		k, _ := provider.KindOf(err)
		res = k.String()
	}
	m.adapterCalls.WithLabelValues(string(p), op, res).Observe(took.Seconds())
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

var (
	_ saga.Metrics      = (*Metrics)(nil)
	_ devices.Metrics   = (*Metrics)(nil)
	_ batch.Metrics     = (*Metrics)(nil)
	_ provider.Observer = (*Metrics)(nil).ObserveCall
)
