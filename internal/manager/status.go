package manager

import (
	"time"

	"grimm.is/bastion/internal/firewall"
	"grimm.is/bastion/internal/ids"
	"grimm.is/bastion/internal/vpn"
)

// EngineStatus is one engine's entry in the composite status.
type EngineStatus struct {
	Enabled  bool   `json:"enabled"`
	Healthy  bool   `json:"healthy"`
	Degraded bool   `json:"degraded,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Status is the composite per-engine state exposed to admin tooling.
type Status struct {
	BootVerify EngineStatus `json:"boot_verify"`
	Firewall   EngineStatus `json:"firewall"`
	IDS        EngineStatus `json:"ids"`
	VPN        EngineStatus `json:"vpn"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Stats aggregates counters from every engine for stable external polling.
type Stats struct {
	Firewall firewall.Stats `json:"firewall"`
	IDS      ids.Stats      `json:"ids"`
	VPN      vpn.Stats      `json:"vpn"`

	Violations      int64  `json:"violations"`
	EventsPublished uint64 `json:"events_published"`
	EventsDropped   uint64 `json:"events_dropped"`
}

// Status reports per-engine enabled/healthy/degraded state.
func (m *Manager) Status() Status {
	s := Status{Timestamp: m.clk.Now()}

	if m.verifier != nil {
		s.BootVerify.Enabled = true
		switch {
		case m.bootResult == nil:
			s.BootVerify.Detail = "not yet verified"
		case m.bootResult.OK:
			s.BootVerify.Healthy = true
			s.BootVerify.Detail = "chain verified"
		default:
			s.BootVerify.Detail = m.bootResult.String()
		}
	}

	if m.firewall != nil {
		fs := m.firewall.Stats()
		s.Firewall = EngineStatus{Enabled: true, Healthy: true}
		if fs.ActiveRules == 0 {
			s.Firewall.Detail = "no active rules, default action only"
		}
	}

	if m.ids != nil {
		s.IDS = EngineStatus{Enabled: true, Healthy: true}
	}

	if m.vpn != nil {
		vs := m.vpn.Stats()
		s.VPN = EngineStatus{Enabled: true, Healthy: true}
		if vs.TunnelsDegraded > 0 {
			s.VPN.Degraded = true
		}
	}

	return s
}

// Stats aggregates counters across the engines and shared infrastructure.
func (m *Manager) Stats() Stats {
	var s Stats
	if m.firewall != nil {
		s.Firewall = m.firewall.Stats()
	}
	if m.ids != nil {
		s.IDS = m.ids.Stats()
	}
	if m.vpn != nil {
		s.VPN = m.vpn.Stats()
	}
	if m.store != nil {
		if n, err := m.store.Count(); err == nil {
			s.Violations = n
		}
	}
	s.EventsPublished, s.EventsDropped = m.hub.Stats()
	return s
}
