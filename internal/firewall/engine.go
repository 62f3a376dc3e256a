package firewall

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/events"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
	"grimm.is/bastion/internal/ratelimit"
)

// transientIDBase separates IDS-installed transient blocks from the
// administrative rule id space.
const transientIDBase = 1 << 30

// EngineConfig configures the rule engine.
type EngineConfig struct {
	// DefaultAction applies to packets no rule matches. Default deny.
	DefaultAction Action

	// LogMatches appends a log record for every matched packet.
	LogMatches bool
}

// Engine evaluates packets against an ordered, mutable rule set.
//
// Evaluation takes a non-exclusive read of a prebuilt, priority-ordered
// snapshot of cloned rule values; administrative mutation edits the canonical
// rules and rebuilds the snapshot under the write lock (copy-then-swap), so
// no evaluation ever observes a partially updated set or a half-mutated rule.
type Engine struct {
	mu      sync.RWMutex
	rules   map[uint32]*Rule
	ordered []*Rule // clones sorted by (priority, id); rebuilt on every mutation
	ifaces  map[string]InterfacePolicy

	cfg     EngineConfig
	limiter *ratelimit.Limiter
	clk     clock.Clock
	logger  *logging.Logger
	hub     *events.Hub

	nextTransientID atomic.Uint32

	evaluated atomic.Uint64
	allowed   atomic.Uint64
	denied    atomic.Uint64
	throttled atomic.Uint64
	matched   atomic.Uint64
}

// NewEngine creates a rule engine. hub may be nil; clk nil uses system time.
func NewEngine(cfg EngineConfig, clk clock.Clock, hub *events.Hub, logger *logging.Logger) *Engine {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.WithComponent("firewall")
	}
	return &Engine{
		rules:   make(map[uint32]*Rule),
		ifaces:  make(map[string]InterfacePolicy),
		cfg:     cfg,
		limiter: ratelimit.NewLimiter(clk),
		clk:     clk,
		logger:  logger,
		hub:     hub,
	}
}

// Evaluate scans the active rule set in ascending priority order and returns
// the first matching rule's action; an unmatched packet receives the default
// action. A matched rule over its rate limit escalates to deny.
//
// For a fixed (packet, rule set, default action) the decision is
// deterministic; only statistics change across calls.
func (e *Engine) Evaluate(pkt *Packet) Verdict {
	e.mu.RLock()
	ordered := e.ordered
	policy, hasPolicy := e.ifaces[pkt.Interface]
	e.mu.RUnlock()

	e.evaluated.Add(1)

	if hasPolicy && !policy.Enabled {
		// Filtering is switched off on this ingress interface.
		verdict := Verdict{Action: ActionAllow}
		e.finishVerdict(pkt, nil, verdict)
		return verdict
	}

	for _, r := range ordered {
		if !r.Active || !r.matches(pkt) {
			continue
		}

		e.matched.Add(1)
		r.counters.hits.Add(1)
		r.counters.bytes.Add(uint64(pkt.Size))
		r.counters.lastMatch.Store(e.clk.Now().UnixNano())

		verdict := Verdict{Action: r.Action, RuleID: r.ID, RuleName: r.Name, Matched: true}
		if r.RateLimit != nil && !e.limiter.Allow(r.ID, r.RateLimit.Packets, r.RateLimit.Window) {
			r.counters.throttled.Add(1)
			e.throttled.Add(1)
			verdict.Action = ActionDeny
			verdict.Throttled = true
			metrics.Get().PacketsThrottled.WithLabelValues(r.Name).Inc()
		}

		e.finishVerdict(pkt, r, verdict)
		return verdict
	}

	def := e.cfg.DefaultAction
	if hasPolicy {
		def = policy.DefaultAction
	}
	verdict := Verdict{Action: def}
	e.finishVerdict(pkt, nil, verdict)
	return verdict
}

func (e *Engine) finishVerdict(pkt *Packet, r *Rule, v Verdict) {
	switch v.Action {
	case ActionDeny:
		e.denied.Add(1)
	default:
		// Log rules admit the packet as well as recording it.
		e.allowed.Add(1)
	}
	metrics.Get().PacketsEvaluated.WithLabelValues(v.Action.String()).Inc()

	if r != nil {
		metrics.Get().RuleMatches.WithLabelValues(r.Name, v.Action.String()).Inc()
	}

	logIt := v.Action == ActionLog || (e.cfg.LogMatches && v.Matched)
	if logIt {
		e.logger.Info("packet verdict",
			"rule_id", v.RuleID,
			"action", v.Action.String(),
			"src", pkt.SrcAddr.String(),
			"dst", pkt.DstAddr.String(),
			"dst_port", pkt.DstPort,
			"protocol", pkt.Protocol.String(),
			"throttled", v.Throttled)
	}

	if e.hub != nil && (v.Matched || v.Throttled) {
		t := events.EventFirewallMatch
		if v.Throttled {
			t = events.EventFirewallThrottle
		}
		e.hub.Publish(events.Event{
			Type:   t,
			Source: "firewall",
			Data: events.FirewallMatchData{
				RuleID:    v.RuleID,
				RuleName:  v.RuleName,
				Action:    v.Action.String(),
				SrcAddr:   pkt.SrcAddr.String(),
				DstAddr:   pkt.DstAddr.String(),
				DstPort:   pkt.DstPort,
				Protocol:  pkt.Protocol.String(),
				Throttled: v.Throttled,
			},
		})
	}
}

// AddRule installs a rule. Duplicate ids are a RuleConflict.
func (e *Engine) AddRule(r *Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[r.ID]; exists {
		return fmt.Errorf("add rule %d: %w: duplicate id", r.ID, ErrRuleConflict)
	}
	if r.counters == nil {
		r.counters = &ruleCounters{}
	}
	e.rules[r.ID] = r
	e.rebuildLocked()
	e.logger.Info("rule added", "rule_id", r.ID, "name", r.Name, "action", r.Action.String(), "priority", r.Priority)
	return nil
}

// RemoveRule deletes a rule and its rate-limit state.
func (e *Engine) RemoveRule(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[id]; !exists {
		return fmt.Errorf("remove rule %d: %w", id, ErrRuleNotFound)
	}
	delete(e.rules, id)
	e.limiter.Reset(id)
	e.rebuildLocked()
	e.logger.Info("rule removed", "rule_id", id)
	return nil
}

// SetRulePriority reorders a rule within the set.
func (e *Engine) SetRulePriority(id uint32, priority int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, exists := e.rules[id]
	if !exists {
		return fmt.Errorf("reprioritize rule %d: %w", id, ErrRuleNotFound)
	}
	r.Priority = priority
	e.rebuildLocked()
	return nil
}

// SetRuleActive toggles a rule without removing its counters.
func (e *Engine) SetRuleActive(id uint32, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, exists := e.rules[id]
	if !exists {
		return fmt.Errorf("toggle rule %d: %w", id, ErrRuleNotFound)
	}
	r.Active = active
	e.rebuildLocked()
	return nil
}

// InstallTransientBlock installs a short-lived deny rule for an offending
// source address, ahead of all administrative rules. Used by the intrusion
// detection engine's block-source response. The rule self-expires after ttl
// (ttl <= 0 leaves it until removed).
func (e *Engine) InstallTransientBlock(addr netip.Addr, ttl time.Duration) uint32 {
	id := transientIDBase + e.nextTransientID.Add(1)
	prefix := netip.PrefixFrom(addr, addr.BitLen())

	r := &Rule{
		ID:       id,
		Name:     fmt.Sprintf("transient-block-%s", addr),
		Action:   ActionDeny,
		SrcAddr:  &prefix,
		Protocol: ProtocolAny,
		Priority: -1, // ahead of all administrative rules
		Active:   true,
		counters: &ruleCounters{},
	}

	e.mu.Lock()
	e.rules[id] = r
	e.rebuildLocked()
	e.mu.Unlock()

	e.logger.Warn("transient block installed", "rule_id", id, "src", addr.String(), "ttl", ttl.String())

	if ttl > 0 {
		e.clk.AfterFunc(ttl, func() {
			if err := e.RemoveRule(id); err == nil {
				e.logger.Info("transient block expired", "rule_id", id, "src", addr.String())
			}
		})
	}
	return id
}

// SetInterfacePolicy installs or replaces the policy for an ingress
// interface.
func (e *Engine) SetInterfacePolicy(name string, p InterfacePolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ifaces[name] = p
	e.logger.Info("interface policy set", "interface", name, "enabled", p.Enabled, "default_action", p.DefaultAction.String())
}

// RemoveInterfacePolicy restores engine-default behavior for an interface.
func (e *Engine) RemoveInterfacePolicy(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.ifaces, name)
}

// rebuildLocked rebuilds the evaluation snapshot from clones of the
// canonical rules. Caller holds the write lock.
func (e *Engine) rebuildLocked() {
	ordered := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		ordered = append(ordered, r.clone())
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	e.ordered = ordered

	active := 0
	for _, r := range ordered {
		if r.Active {
			active++
		}
	}
	metrics.Get().ActiveRules.Set(float64(active))
}

// Rules returns a stats snapshot of every rule, in evaluation order.
func (e *Engine) Rules() []RuleStats {
	e.mu.RLock()
	ordered := e.ordered
	e.mu.RUnlock()

	out := make([]RuleStats, 0, len(ordered))
	for _, r := range ordered {
		s := RuleStats{
			ID:        r.ID,
			Name:      r.Name,
			Action:    r.Action.String(),
			Priority:  r.Priority,
			Active:    r.Active,
			Hits:      r.counters.hits.Load(),
			Bytes:     r.counters.bytes.Load(),
			Throttled: r.counters.throttled.Load(),
		}
		if ns := r.counters.lastMatch.Load(); ns != 0 {
			s.LastMatch = time.Unix(0, ns)
		}
		out = append(out, s)
	}
	return out
}

// Stats returns aggregated engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	active := 0
	for _, r := range e.ordered {
		if r.Active {
			active++
		}
	}
	e.mu.RUnlock()

	return Stats{
		PacketsEvaluated: e.evaluated.Load(),
		PacketsAllowed:   e.allowed.Load(),
		PacketsDenied:    e.denied.Load(),
		PacketsThrottled: e.throttled.Load(),
		RulesMatched:     e.matched.Load(),
		ActiveRules:      active,
	}
}
