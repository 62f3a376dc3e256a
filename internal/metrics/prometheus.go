// Package metrics holds the Prometheus registry for the security subsystem.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all security subsystem metrics.
type Registry struct {
	// Boot chain metrics
	BootStagesVerified *prometheus.CounterVec
	BootFailures       *prometheus.CounterVec

	// Firewall metrics
	PacketsEvaluated *prometheus.CounterVec
	RuleMatches      *prometheus.CounterVec
	PacketsThrottled *prometheus.CounterVec
	ActiveRules      prometheus.Gauge

	// Intrusion detection metrics
	IntrusionEvents  *prometheus.CounterVec
	ActiveSignatures prometheus.Gauge

	// VPN metrics
	TunnelsActive    prometheus.Gauge
	TunnelHandshakes *prometheus.CounterVec
	TunnelTampered   *prometheus.CounterVec
	TunnelBytes      *prometheus.CounterVec

	// Audit metrics
	ViolationsRecorded *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	// Boot chain metrics
	r.BootStagesVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_boot_stages_verified_total",
		Help: "Boot chain elements that passed verification",
	}, []string{"component_type"})

	r.BootFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_boot_failures_total",
		Help: "Boot chain verification failures by reason",
	}, []string{"stage", "reason"})

	// Firewall metrics
	r.PacketsEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_firewall_packets_evaluated_total",
		Help: "Packets evaluated by the firewall engine",
	}, []string{"action"})

	r.RuleMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_firewall_rule_matches_total",
		Help: "Number of times each rule matched",
	}, []string{"rule", "action"})

	r.PacketsThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_firewall_packets_throttled_total",
		Help: "Packets denied because a rule's rate limit was exceeded",
	}, []string{"rule"})

	r.ActiveRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "security_firewall_active_rules",
		Help: "Currently active firewall rules",
	})

	// Intrusion detection metrics
	r.IntrusionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_ids_events_total",
		Help: "Intrusion events by severity and response",
	}, []string{"severity", "response"})

	r.ActiveSignatures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "security_ids_active_signatures",
		Help: "Currently active intrusion signatures",
	})

	// VPN metrics
	r.TunnelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "security_vpn_tunnels_active",
		Help: "Tunnels currently in established or degraded state",
	})

	r.TunnelHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_vpn_handshakes_total",
		Help: "Tunnel handshake attempts by outcome",
	}, []string{"outcome"})

	r.TunnelTampered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_vpn_tampered_total",
		Help: "Authentication tag mismatches on tunnel decrypt",
	}, []string{"tunnel"})

	r.TunnelBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_vpn_bytes_total",
		Help: "Bytes processed by tunnel crypto",
	}, []string{"tunnel", "direction"})

	// Audit metrics
	r.ViolationsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "security_violations_recorded_total",
		Help: "Violations appended to the audit log",
	}, []string{"source", "kind"})

	return r
}
