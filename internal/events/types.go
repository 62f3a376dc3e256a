// Package events provides a unified pub/sub event bus for the security
// subsystem. All observability data (boot verification, firewall verdicts,
// intrusion events, tunnel lifecycle) flows through this hub.
package events

import "time"

// EventType identifies the category of event.
type EventType string

// Event types for all security sources.
const (
	// Boot chain events
	EventBootVerified EventType = "boot.verified"
	EventBootFailed   EventType = "boot.failed"
	EventBootAttested EventType = "boot.attested"

	// Firewall events
	EventFirewallMatch    EventType = "firewall.match"
	EventFirewallThrottle EventType = "firewall.throttle"

	// Intrusion detection events
	EventIntrusion EventType = "ids.intrusion"

	// VPN tunnel events
	EventTunnelState  EventType = "vpn.state"
	EventTunnelTamper EventType = "vpn.tamper"

	// Audit events
	EventViolation EventType = "audit.violation"
)

// Event is the core message passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"` // Component that emitted: "bootverify", "firewall", "ids", "vpn"
	Data      interface{} `json:"data"`   // Type-specific payload
}

// BootStageData is the payload for boot chain events.
type BootStageData struct {
	Stage  string `json:"stage"`
	Type   string `json:"component_type"`
	Hash   string `json:"hash,omitempty"`
	Reason string `json:"reason,omitempty"` // Failure reason, empty on success
}

// FirewallMatchData is the payload for firewall verdict events.
type FirewallMatchData struct {
	RuleID    uint32 `json:"rule_id"`
	RuleName  string `json:"rule_name,omitempty"`
	Action    string `json:"action"`
	SrcAddr   string `json:"src_addr"`
	DstAddr   string `json:"dst_addr"`
	DstPort   uint16 `json:"dst_port,omitempty"`
	Protocol  string `json:"protocol"`
	Throttled bool   `json:"throttled,omitempty"`
}

// IntrusionData is the payload for EventIntrusion.
type IntrusionData struct {
	EventID   string `json:"event_id"`
	Signature string `json:"signature"`
	Severity  string `json:"severity"`
	Response  string `json:"response"`
	SrcAddr   string `json:"src_addr"`
	DstAddr   string `json:"dst_addr"`
}

// TunnelStateData is the payload for VPN lifecycle events.
type TunnelStateData struct {
	TunnelID string `json:"tunnel_id"`
	Status   string `json:"status"`
	Remote   string `json:"remote,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ViolationData is the payload for EventViolation.
type ViolationData struct {
	Source   string `json:"source"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail,omitempty"`
	Severity string `json:"severity,omitempty"`
}
