package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizflow_automation_rules_fired_total",
		Help: "Automation rules fired, by trigger type and origin",
	}, []string{"trigger", "origin"})

	actionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizflow_automation_actions_total",
		Help: "Automation actions executed, by action type and outcome",
	}, []string{"action", "outcome"})

	configWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bizflow_automation_config_warnings_total",
		Help: "Automation rules skipped because their configuration could not be used",
	})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bizflow_idle_scan_duration_seconds",
		Help:    "Duration of idle scan cycles",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	scanSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bizflow_idle_scan_skipped_total",
		Help: "Idle scan ticks skipped because a cycle was still running",
	})

	commissionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizflow_commissions_total",
		Help: "Commission resolution outcomes",
	}, []string{"outcome"})

	auditWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bizflow_audit_write_failures_total",
		Help: "Audit entries that could not be persisted",
	})
)

// ObserveRuleFired counts one rule firing.
func ObserveRuleFired(trigger, origin string) {
	rulesFired.WithLabelValues(trigger, origin).Inc()
}

// ObserveAction counts one action outcome.
func ObserveAction(action string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	actionOutcomes.WithLabelValues(action, outcome).Inc()
}

func IncConfigWarning() {
	configWarnings.Inc()
}

func ObserveScanDuration(seconds float64) {
	scanDuration.Observe(seconds)
}

func IncScanSkipped() {
	scanSkipped.Inc()
}

// ObserveCommission outcome: created, existing, no_match, error
func ObserveCommission(outcome string) {
	commissionsCreated.WithLabelValues(outcome).Inc()
}

func IncAuditWriteFailure() {
	auditWriteFailures.Inc()
}
