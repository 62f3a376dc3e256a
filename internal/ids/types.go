// Package ids implements signature-based intrusion detection. Matching is
// stateless per packet: protocol, port, and payload patterns against a
// read-mostly signature set. Multi-packet flow correlation is out of scope.
package ids

import (
	"bytes"
	"fmt"
	"time"

	"grimm.is/bastion/internal/firewall"
)

// Severity ranks a signature's threat level.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the configuration name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// ParseSeverity parses a configuration name into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch s {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// Response is the action configured for a matched signature.
type Response int

const (
	ResponseNone Response = iota
	ResponseLogOnly
	ResponseBlockSource
	ResponseBlockDestination
	ResponseAlert
	ResponseTerminate
)

// String returns the configuration name of the response.
func (r Response) String() string {
	switch r {
	case ResponseNone:
		return "none"
	case ResponseLogOnly:
		return "log-only"
	case ResponseBlockSource:
		return "block-source"
	case ResponseBlockDestination:
		return "block-destination"
	case ResponseAlert:
		return "alert"
	case ResponseTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("response(%d)", int(r))
	}
}

// ParseResponse parses a configuration name into a Response.
func ParseResponse(s string) (Response, error) {
	switch s {
	case "none", "":
		return ResponseNone, nil
	case "log-only":
		return ResponseLogOnly, nil
	case "block-source":
		return ResponseBlockSource, nil
	case "block-destination":
		return ResponseBlockDestination, nil
	case "alert":
		return ResponseAlert, nil
	case "terminate":
		return ResponseTerminate, nil
	default:
		return 0, fmt.Errorf("unknown response %q", s)
	}
}

// Signature recognizes known malicious traffic by protocol, port pattern,
// and payload byte pattern. Read-mostly configuration.
type Signature struct {
	ID       uint32
	Name     string
	Protocol firewall.Protocol
	SrcPort  *uint16
	DstPort  *uint16
	Payload  []byte
	Severity Severity
	Response Response
	Active   bool
}

// matches reports whether the packet satisfies every specified constraint.
func (s *Signature) matches(pkt *firewall.Packet) bool {
	if s.Protocol != firewall.ProtocolAny && s.Protocol != pkt.Protocol {
		return false
	}
	if s.SrcPort != nil && pkt.SrcPort != *s.SrcPort {
		return false
	}
	if s.DstPort != nil && pkt.DstPort != *s.DstPort {
		return false
	}
	if len(s.Payload) > 0 && !bytes.Contains(pkt.Payload, s.Payload) {
		return false
	}
	return true
}

// Event records one detected intrusion. Events are append-only.
type Event struct {
	ID            string    `json:"id"`
	SrcAddr       string    `json:"src_addr"`
	DstAddr       string    `json:"dst_addr"`
	SrcPort       uint16    `json:"src_port"`
	DstPort       uint16    `json:"dst_port"`
	Protocol      string    `json:"protocol"`
	SignatureID   uint32    `json:"signature_id"`
	SignatureName string    `json:"signature_name"`
	Severity      string    `json:"severity"`
	Timestamp     time.Time `json:"timestamp"`
	Response      string    `json:"response"`
}

// Stats aggregates engine counters for the security manager.
type Stats struct {
	PacketsInspected uint64 `json:"packets_inspected"`
	EventsDetected   uint64 `json:"events_detected"`
	SourcesBlocked   uint64 `json:"sources_blocked"`
	ActiveSignatures int    `json:"active_signatures"`
}
