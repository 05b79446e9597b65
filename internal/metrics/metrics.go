package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the exposure service
type Metrics struct {
	EpochsTotal            prometheus.Counter
	EpochFailures          *prometheus.CounterVec
	MergeRejections        prometheus.Counter
	BackfilledPhases       prometheus.Counter
	FirewallActionsApplied *prometheus.CounterVec
	FirewallActionsFailed  *prometheus.CounterVec
	SchemaRetries          *prometheus.CounterVec
	StepDuration           *prometheus.HistogramVec
	ContainerExploitation  *prometheus.GaugeVec
	IterationsStored       prometheus.Gauge
	NatsPublishErrors      prometheus.Counter
	LockdownActive         prometheus.Gauge
}

// NewMetrics registers the exposure metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EpochsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "exposure_epochs_total",
			Help: "Total number of epochs completed",
		}),
		EpochFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exposure_epoch_step_failures_total",
			Help: "Total number of epoch steps that degraded to no state change",
		}, []string{"step"}),
		MergeRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "exposure_merge_rejections_total",
			Help: "Total number of delta batches rejected by the merge engine",
		}),
		BackfilledPhases: factory.NewCounter(prometheus.CounterOpts{
			Name: "exposure_backfilled_phases_total",
			Help: "Total number of phases added to the attack graph",
		}),
		FirewallActionsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exposure_firewall_actions_applied_total",
			Help: "Total number of firewall actions applied",
		}, []string{"type"}),
		FirewallActionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exposure_firewall_actions_failed_total",
			Help: "Total number of firewall actions that failed",
		}, []string{"type"}),
		SchemaRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exposure_reasoning_schema_retries_total",
			Help: "Total number of reasoning responses that failed schema validation",
		}, []string{"role"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exposure_step_duration_seconds",
			Help:    "Duration of each epoch step",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		ContainerExploitation: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exposure_container_exploitation_level",
			Help: "Current exploitation level per container",
		}, []string{"ip", "service"}),
		IterationsStored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exposure_iterations_stored",
			Help: "Number of iterations in the episodic store",
		}),
		NatsPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "exposure_nats_publish_errors_total",
			Help: "Total number of NATS publish errors",
		}),
		LockdownActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "exposure_lockdown_active",
			Help: "Whether the last epoch ended in lockdown (1) or not (0)",
		}),
	}
}

// IncEpochs increments the completed epoch counter
func (m *Metrics) IncEpochs() {
	m.EpochsTotal.Inc()
}

// IncStepFailure counts a degraded epoch step
func (m *Metrics) IncStepFailure(step string) {
	m.EpochFailures.WithLabelValues(step).Inc()
}

// IncMergeRejections increments the merge rejection counter
func (m *Metrics) IncMergeRejections() {
	m.MergeRejections.Inc()
}

// AddBackfilledPhases adds n to the backfilled phase counter
func (m *Metrics) AddBackfilledPhases(n int) {
	m.BackfilledPhases.Add(float64(n))
}

// IncFirewallApplied counts an applied firewall action
func (m *Metrics) IncFirewallApplied(kind string) {
	m.FirewallActionsApplied.WithLabelValues(kind).Inc()
}

// IncFirewallFailed counts a failed firewall action
func (m *Metrics) IncFirewallFailed(kind string) {
	m.FirewallActionsFailed.WithLabelValues(kind).Inc()
}

// IncSchemaRetries counts a reasoning response that failed validation
func (m *Metrics) IncSchemaRetries(role string) {
	m.SchemaRetries.WithLabelValues(role).Inc()
}

// ObserveStep records how long an epoch step took
func (m *Metrics) ObserveStep(step string, seconds float64) {
	m.StepDuration.WithLabelValues(step).Observe(seconds)
}

// SetExploitation sets the exploitation gauge for a container
func (m *Metrics) SetExploitation(ip, service string, level int) {
	m.ContainerExploitation.WithLabelValues(ip, service).Set(float64(level))
}

// SetIterationsStored sets the stored iteration gauge
func (m *Metrics) SetIterationsStored(n int) {
	m.IterationsStored.Set(float64(n))
}

// IncNatsPublishErrors increments the NATS publish error counter
func (m *Metrics) IncNatsPublishErrors() {
	m.NatsPublishErrors.Inc()
}

// SetLockdown records the lockdown status of the last epoch
func (m *Metrics) SetLockdown(active bool) {
	if active {
		m.LockdownActive.Set(1)
		return
	}
	m.LockdownActive.Set(0)
}
