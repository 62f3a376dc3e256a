package ids

import (
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/events"
	"grimm.is/bastion/internal/firewall"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
)

// maxEvents bounds the in-memory event history. Oldest entries are evicted
// when the bound is reached; the history is otherwise append-only.
const maxEvents = 4096

// Blocker installs short-lived deny rules in response to detections.
// Satisfied by *firewall.Engine.
type Blocker interface {
	InstallTransientBlock(addr netip.Addr, ttl time.Duration) uint32
}

// EngineConfig configures the detection engine.
type EngineConfig struct {
	// BlockTTL is how long a block-source or block-destination response
	// keeps the transient firewall rule installed. Zero means no expiry.
	BlockTTL time.Duration
}

// Engine matches packets against the active signature set and records one
// event per detection. Matching is stable: signatures are scanned in
// ascending id order and the first match wins.
type Engine struct {
	mu      sync.RWMutex
	sigs    map[uint32]*Signature
	ordered []*Signature // clones sorted by id; rebuilt on every mutation
	history []Event

	cfg     EngineConfig
	blocker Blocker
	clk     clock.Clock
	logger  *logging.Logger
	hub     *events.Hub

	inspected atomic.Uint64
	detected  atomic.Uint64
	blocked   atomic.Uint64
}

// NewEngine creates a detection engine. blocker and hub may be nil; clk nil
// uses system time.
func NewEngine(cfg EngineConfig, blocker Blocker, clk clock.Clock, hub *events.Hub, logger *logging.Logger) *Engine {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.WithComponent("ids")
	}
	return &Engine{
		sigs:    make(map[uint32]*Signature),
		cfg:     cfg,
		blocker: blocker,
		clk:     clk,
		logger:  logger,
		hub:     hub,
	}
}

// Inspect matches the packet against active signatures in ascending id order
// and returns the first match's event, or nil when the packet is clean.
// Exactly one event is recorded per detected packet even when several
// signatures would match.
func (e *Engine) Inspect(pkt *firewall.Packet) *Event {
	e.mu.RLock()
	ordered := e.ordered
	e.mu.RUnlock()

	e.inspected.Add(1)

	for _, sig := range ordered {
		if !sig.Active || !sig.matches(pkt) {
			continue
		}
		return e.detect(pkt, sig)
	}
	return nil
}

func (e *Engine) detect(pkt *firewall.Packet, sig *Signature) *Event {
	// The event records the response actually taken. Block responses with no
	// blocker wired degrade to log-only, and the record says so.
	response := sig.Response
	if e.blocker == nil && (response == ResponseBlockSource || response == ResponseBlockDestination) {
		response = ResponseLogOnly
	}

	ev := Event{
		ID:            uuid.NewString(),
		SrcAddr:       pkt.SrcAddr.String(),
		DstAddr:       pkt.DstAddr.String(),
		SrcPort:       pkt.SrcPort,
		DstPort:       pkt.DstPort,
		Protocol:      pkt.Protocol.String(),
		SignatureID:   sig.ID,
		SignatureName: sig.Name,
		Severity:      sig.Severity.String(),
		Timestamp:     e.clk.Now(),
		Response:      response.String(),
	}

	e.mu.Lock()
	if len(e.history) >= maxEvents {
		e.history = e.history[1:]
	}
	e.history = append(e.history, ev)
	e.mu.Unlock()

	e.detected.Add(1)
	metrics.Get().IntrusionEvents.WithLabelValues(ev.Severity, ev.Response).Inc()

	e.logger.Warn("intrusion detected",
		"event_id", ev.ID,
		"signature", sig.Name,
		"severity", ev.Severity,
		"response", ev.Response,
		"src", ev.SrcAddr,
		"dst", ev.DstAddr)

	e.respond(pkt, sig)

	if e.hub != nil {
		e.hub.Publish(events.Event{
			Type:   events.EventIntrusion,
			Source: "ids",
			Data: events.IntrusionData{
				EventID:   ev.ID,
				Signature: sig.Name,
				Severity:  ev.Severity,
				Response:  ev.Response,
				SrcAddr:   ev.SrcAddr,
				DstAddr:   ev.DstAddr,
			},
		})
	}

	return &ev
}

// respond carries out the signature's configured response. Responses needing
// external enforcement degrade to log-only when no blocker is wired.
func (e *Engine) respond(pkt *firewall.Packet, sig *Signature) {
	switch sig.Response {
	case ResponseBlockSource:
		if e.blocker != nil {
			id := e.blocker.InstallTransientBlock(pkt.SrcAddr, e.cfg.BlockTTL)
			e.blocked.Add(1)
			e.logger.Warn("source blocked", "src", pkt.SrcAddr.String(), "rule_id", id)
		}
	case ResponseBlockDestination:
		if e.blocker != nil {
			id := e.blocker.InstallTransientBlock(pkt.DstAddr, e.cfg.BlockTTL)
			e.blocked.Add(1)
			e.logger.Warn("destination blocked", "dst", pkt.DstAddr.String(), "rule_id", id)
		}
	case ResponseAlert:
		e.logger.Audit("intrusion_alert", sig.Name, map[string]any{
			"severity": sig.Severity.String(),
			"src":      pkt.SrcAddr.String(),
			"dst":      pkt.DstAddr.String(),
		})
	}
	// none, log-only, and terminate take no engine-side action; terminate is
	// enforced by the caller dropping the flow.
}

// AddSignature installs a signature. Duplicate ids are a conflict.
func (e *Engine) AddSignature(sig *Signature) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sigs[sig.ID]; exists {
		return fmt.Errorf("add signature %d: %w: duplicate id", sig.ID, firewall.ErrRuleConflict)
	}
	e.sigs[sig.ID] = sig
	e.rebuildLocked()
	e.logger.Info("signature added", "signature_id", sig.ID, "name", sig.Name, "severity", sig.Severity.String())
	return nil
}

// RemoveSignature deletes a signature.
func (e *Engine) RemoveSignature(id uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sigs[id]; !exists {
		return fmt.Errorf("remove signature %d: %w", id, firewall.ErrRuleNotFound)
	}
	delete(e.sigs, id)
	e.rebuildLocked()
	e.logger.Info("signature removed", "signature_id", id)
	return nil
}

// SetSignatureActive toggles a signature without removing it.
func (e *Engine) SetSignatureActive(id uint32, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sig, exists := e.sigs[id]
	if !exists {
		return fmt.Errorf("toggle signature %d: %w", id, firewall.ErrRuleNotFound)
	}
	sig.Active = active
	e.rebuildLocked()
	return nil
}

// rebuildLocked rebuilds the matching snapshot from clones of the canonical
// signatures, so in-place toggles are never visible to an in-flight scan.
// Caller holds the write lock.
func (e *Engine) rebuildLocked() {
	ordered := make([]*Signature, 0, len(e.sigs))
	for _, sig := range e.sigs {
		c := *sig
		ordered = append(ordered, &c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })
	e.ordered = ordered

	active := 0
	for _, sig := range ordered {
		if sig.Active {
			active++
		}
	}
	metrics.Get().ActiveSignatures.Set(float64(active))
}

// Signatures returns a copy of the signature set in id order.
func (e *Engine) Signatures() []Signature {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Signature, 0, len(e.ordered))
	for _, sig := range e.ordered {
		out = append(out, *sig)
	}
	return out
}

// Events returns the most recent events, newest first. limit <= 0 returns
// the whole retained history.
func (e *Engine) Events(limit int) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := len(e.history) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Stats returns aggregated engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	active := 0
	for _, sig := range e.ordered {
		if sig.Active {
			active++
		}
	}
	e.mu.RUnlock()

	return Stats{
		PacketsInspected: e.inspected.Load(),
		EventsDetected:   e.detected.Load(),
		SourcesBlocked:   e.blocked.Load(),
		ActiveSignatures: active,
	}
}
