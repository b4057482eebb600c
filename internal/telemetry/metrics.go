package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects the Prometheus series emitted by the worker dispatch
// engine and the reply router.
type Metrics struct {
	CommandsReceived   *prometheus.CounterVec
	CommandsCompleted  *prometheus.CounterVec
	CommandsFailed     *prometheus.CounterVec
	CommandsRetried    *prometheus.CounterVec
	CommandsTSQ        *prometheus.CounterVec
	HandlerDuration    *prometheus.HistogramVec
	InFlight           *prometheus.GaugeVec
	WatchdogState      *prometheus.GaugeVec
	RepliesRouted      *prometheus.CounterVec
}

// NewMetrics constructs and registers every command-bus series against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_received_total",
			Help: "Commands read off a domain queue and handed to a handler.",
		}, []string{"domain", "command_type"}),
		CommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_completed_total",
			Help: "Commands that reached COMPLETED.",
		}, []string{"domain", "command_type"}),
		CommandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_failed_total",
			Help: "Commands that reached FAILED (business-rule failure).",
		}, []string{"domain", "command_type", "error_kind"}),
		CommandsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_retried_total",
			Help: "Transient failures that were redelivered with backoff.",
		}, []string{"domain", "command_type"}),
		CommandsTSQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_commands_troubleshooting_total",
			Help: "Commands moved into the troubleshooting queue.",
		}, []string{"domain", "command_type", "reason"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cmdbus_handler_duration_seconds",
			Help:    "Wall time spent inside a command handler.",
			Buckets: prometheus.DefBuckets,
		}, []string{"domain", "command_type"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cmdbus_commands_in_flight",
			Help: "Commands currently checked out of the bounded-concurrency gate.",
		}, []string{"domain"}),
		WatchdogState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cmdbus_watchdog_state",
			Help: "Worker watchdog state (0=HEALTHY, 1=DEGRADED, 2=CRITICAL).",
		}, []string{"domain"}),
		RepliesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdbus_replies_routed_total",
			Help: "Replies consumed by the process-manager reply router.",
		}, []string{"domain", "process_type", "outcome"}),
	}

	reg.MustRegister(m.CommandsReceived, m.CommandsCompleted, m.CommandsFailed, m.CommandsRetried,
		m.CommandsTSQ, m.HandlerDuration, m.InFlight, m.WatchdogState, m.RepliesRouted)
	return m
}
