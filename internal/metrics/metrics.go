// Package metrics registers fleetd's prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HostCPU is the last aggregate host CPU utilization sample.
	HostCPU = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetd_host_cpu_percent",
		Help: "Aggregate host CPU utilization sampled by the host guardian.",
	})

	// GuardianTicks counts completed guardian iterations.
	GuardianTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_guardian_ticks_total",
		Help: "Guardian loop iterations, by guardian.",
	}, []string{"guardian"})

	// GuardianBreaches counts threshold breaches acted upon.
	GuardianBreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_guardian_breaches_total",
		Help: "Threshold breaches enforced, by guardian.",
	}, []string{"guardian"})

	// Suspensions counts instance suspensions by actor kind.
	Suspensions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_suspensions_total",
		Help: "Instance suspensions, by actor.",
	}, []string{"actor"})

	commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetd_command_duration_seconds",
		Help:    "External tool invocation latency, by subcommand.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"subcommand"})

	commandFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetd_command_failures_total",
		Help: "Failed external tool invocations, by subcommand.",
	}, []string{"subcommand"})
)

// ObserveCommand records one external-tool invocation. args is the argument
// vector after the tool token; only the leading subcommand is used as a
// label to keep cardinality bounded.
func ObserveCommand(args []string, d time.Duration, err error) {
	sub := "none"
	if len(args) > 0 {
		sub = args[0]
	}
	commandDuration.WithLabelValues(sub).Observe(d.Seconds())
	if err != nil {
		commandFailures.WithLabelValues(sub).Inc()
	}
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
