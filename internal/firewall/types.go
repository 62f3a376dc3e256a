// Package firewall implements the stateful packet rule engine: an ordered,
// mutable rule set evaluated per packet under a readers-biased lock
// discipline. Evaluation never alters rule definitions, only statistics.
package firewall

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
)

var (
	// ErrRuleConflict indicates an administrative mutation collides with an
	// existing rule, e.g. a duplicate id.
	ErrRuleConflict = errors.New("rule conflict")

	// ErrRuleNotFound indicates the referenced rule id does not exist.
	ErrRuleNotFound = errors.New("rule not found")
)

// Action is a firewall verdict. Closed set; matching stays exhaustive.
type Action int

const (
	ActionDeny Action = iota
	ActionAllow
	ActionLog
)

// String returns the configuration name of the action.
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	case ActionLog:
		return "log"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction parses a configuration name into an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "allow":
		return ActionAllow, nil
	case "deny":
		return ActionDeny, nil
	case "log":
		return ActionLog, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// Protocol identifies the transport protocol of a packet or rule filter.
type Protocol int

const (
	ProtocolAny Protocol = iota
	ProtocolTCP
	ProtocolUDP
	ProtocolICMP
)

// String returns the configuration name of the protocol.
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	case ProtocolAny:
		return "any"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ParseProtocol parses a configuration name into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	case "icmp":
		return ProtocolICMP, nil
	case "any", "":
		return ProtocolAny, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// PortRange is an inclusive port interval.
type PortRange struct {
	Start uint16
	End   uint16
}

// Contains reports whether port falls inside the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

// RateLimit caps how many packets a rule may admit per window. Exceeding it
// escalates the verdict to deny regardless of the rule's nominal action.
type RateLimit struct {
	Packets int
	Window  time.Duration
}

// Packet is a parsed frame delivered by the upstream network layer.
// Immutable; discarded after pipeline traversal.
type Packet struct {
	SrcAddr   netip.Addr
	DstAddr   netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Protocol  Protocol
	Payload   []byte
	Size      int
	Timestamp time.Time
	Interface string
}

// Rule is one entry in the ordered rule set. Definitions are mutated only by
// administrative operations; evaluation touches the counters alone.
type Rule struct {
	ID        uint32
	Name      string
	Action    Action
	SrcAddr   *netip.Prefix
	DstAddr   *netip.Prefix
	SrcPorts  *PortRange
	DstPorts  *PortRange
	Protocol  Protocol
	RateLimit *RateLimit
	Priority  int
	Active    bool

	counters *ruleCounters
}

// ruleCounters survive snapshot rebuilds; every clone of a rule shares them.
type ruleCounters struct {
	hits      atomic.Uint64
	bytes     atomic.Uint64
	throttled atomic.Uint64
	lastMatch atomic.Int64 // unix nanos
}

// clone returns a copy of the rule definition sharing the original's
// counters. Evaluation snapshots hold clones, so in-place mutation of a
// definition under the write lock is never visible to an in-flight scan.
func (r *Rule) clone() *Rule {
	c := *r
	return &c
}

// matches reports whether every specified constraint is satisfied.
// Unspecified constraints are wildcards.
func (r *Rule) matches(pkt *Packet) bool {
	if r.Protocol != ProtocolAny && r.Protocol != pkt.Protocol {
		return false
	}
	if r.SrcAddr != nil && !r.SrcAddr.Contains(pkt.SrcAddr) {
		return false
	}
	if r.DstAddr != nil && !r.DstAddr.Contains(pkt.DstAddr) {
		return false
	}
	if r.SrcPorts != nil && !r.SrcPorts.Contains(pkt.SrcPort) {
		return false
	}
	if r.DstPorts != nil && !r.DstPorts.Contains(pkt.DstPort) {
		return false
	}
	return true
}

// RuleStats is a point-in-time snapshot of one rule's counters.
type RuleStats struct {
	ID        uint32    `json:"id"`
	Name      string    `json:"name"`
	Action    string    `json:"action"`
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	Hits      uint64    `json:"hits"`
	Bytes     uint64    `json:"bytes"`
	Throttled uint64    `json:"throttled"`
	LastMatch time.Time `json:"last_match,omitempty"`
}

// InterfacePolicy overrides evaluation for packets arriving on a named
// ingress interface. An interface with filtering disabled admits its traffic
// without rule evaluation; DefaultAction replaces the engine default for
// unmatched packets on that interface.
type InterfacePolicy struct {
	Enabled       bool
	DefaultAction Action
}

// Verdict is the outcome of evaluating one packet.
type Verdict struct {
	Action    Action
	RuleID    uint32
	RuleName  string
	Matched   bool
	Throttled bool
}

// Stats aggregates engine counters for the security manager.
type Stats struct {
	PacketsEvaluated uint64 `json:"packets_evaluated"`
	PacketsAllowed   uint64 `json:"packets_allowed"`
	PacketsDenied    uint64 `json:"packets_denied"`
	PacketsThrottled uint64 `json:"packets_throttled"`
	RulesMatched     uint64 `json:"rules_matched"`
	ActiveRules      int    `json:"active_rules"`
}
