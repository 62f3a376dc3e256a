package firewall

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/clock"
)

func testPacket(dstPort uint16) *Packet {
	return &Packet{
		SrcAddr:   netip.MustParseAddr("192.168.1.50"),
		DstAddr:   netip.MustParseAddr("10.0.0.1"),
		SrcPort:   41000,
		DstPort:   dstPort,
		Protocol:  ProtocolTCP,
		Payload:   []byte("payload"),
		Size:      64,
		Timestamp: time.Now(),
		Interface: "eth0",
	}
}

func portRange(p uint16) *PortRange {
	return &PortRange{Start: p, End: p}
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)

	// deny telnet at priority 1, allow everything at priority 10
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "deny-telnet", Action: ActionDeny,
		DstPorts: portRange(23), Protocol: ProtocolAny, Priority: 1, Active: true,
	}))
	require.NoError(t, e.AddRule(&Rule{
		ID: 2, Name: "allow-all", Action: ActionAllow,
		Protocol: ProtocolAny, Priority: 10, Active: true,
	}))

	v := e.Evaluate(testPacket(23))
	assert.Equal(t, ActionDeny, v.Action)
	assert.Equal(t, uint32(1), v.RuleID)

	v = e.Evaluate(testPacket(80))
	assert.Equal(t, ActionAllow, v.Action)
	assert.Equal(t, uint32(2), v.RuleID)
}

func TestEvaluate_DefaultAction(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)

	v := e.Evaluate(testPacket(443))
	assert.Equal(t, ActionDeny, v.Action)
	assert.False(t, v.Matched)
}

func TestEvaluate_Deterministic(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "allow-web", Action: ActionAllow,
		DstPorts: portRange(80), Protocol: ProtocolTCP, Priority: 5, Active: true,
	}))

	first := e.Evaluate(testPacket(80))
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, e.Evaluate(testPacket(80)),
			"identical inputs must yield identical decisions")
	}
}

func TestEvaluate_WildcardConstraints(t *testing.T) {
	src := netip.MustParsePrefix("192.168.1.0/24")
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "lan-only", Action: ActionAllow,
		SrcAddr: &src, Protocol: ProtocolAny, Priority: 1, Active: true,
	}))

	v := e.Evaluate(testPacket(80)) // src 192.168.1.50, inside prefix
	assert.Equal(t, ActionAllow, v.Action)

	outside := testPacket(80)
	outside.SrcAddr = netip.MustParseAddr("172.16.0.9")
	v = e.Evaluate(outside)
	assert.Equal(t, ActionDeny, v.Action)
	assert.False(t, v.Matched)
}

func TestEvaluate_ProtocolFilter(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "udp-only", Action: ActionAllow,
		Protocol: ProtocolUDP, Priority: 1, Active: true,
	}))

	v := e.Evaluate(testPacket(53)) // TCP packet
	assert.Equal(t, ActionDeny, v.Action)

	udp := testPacket(53)
	udp.Protocol = ProtocolUDP
	v = e.Evaluate(udp)
	assert.Equal(t, ActionAllow, v.Action)
}

func TestEvaluate_InactiveRuleSkipped(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "disabled-allow", Action: ActionAllow,
		Protocol: ProtocolAny, Priority: 1, Active: false,
	}))

	v := e.Evaluate(testPacket(80))
	assert.Equal(t, ActionDeny, v.Action)

	require.NoError(t, e.SetRuleActive(1, true))
	v = e.Evaluate(testPacket(80))
	assert.Equal(t, ActionAllow, v.Action)
}

func TestEvaluate_RateLimitEscalatesToDeny(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, clk, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "limited-allow", Action: ActionAllow,
		Protocol:  ProtocolAny,
		RateLimit: &RateLimit{Packets: 2, Window: time.Second},
		Priority:  1, Active: true,
	}))

	assert.Equal(t, ActionAllow, e.Evaluate(testPacket(80)).Action)
	assert.Equal(t, ActionAllow, e.Evaluate(testPacket(80)).Action)

	v := e.Evaluate(testPacket(80))
	assert.Equal(t, ActionDeny, v.Action, "over-limit match escalates to deny")
	assert.True(t, v.Throttled)

	clk.Advance(time.Second)
	assert.Equal(t, ActionAllow, e.Evaluate(testPacket(80)).Action, "window refill restores the nominal action")

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.PacketsThrottled)
}

func TestAddRule_DuplicateIDConflict(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{ID: 1, Name: "first", Action: ActionAllow, Active: true}))

	err := e.AddRule(&Rule{ID: 1, Name: "second", Action: ActionDeny, Active: true})
	assert.ErrorIs(t, err, ErrRuleConflict)
}

func TestRemoveRule(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "allow-all", Action: ActionAllow, Protocol: ProtocolAny, Priority: 1, Active: true,
	}))

	assert.Equal(t, ActionAllow, e.Evaluate(testPacket(80)).Action)

	require.NoError(t, e.RemoveRule(1))
	assert.Equal(t, ActionDeny, e.Evaluate(testPacket(80)).Action)

	assert.ErrorIs(t, e.RemoveRule(1), ErrRuleNotFound)
}

func TestSetRulePriority_Reorders(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "deny-web", Action: ActionDeny, DstPorts: portRange(80), Protocol: ProtocolAny, Priority: 1, Active: true,
	}))
	require.NoError(t, e.AddRule(&Rule{
		ID: 2, Name: "allow-web", Action: ActionAllow, DstPorts: portRange(80), Protocol: ProtocolAny, Priority: 5, Active: true,
	}))

	assert.Equal(t, ActionDeny, e.Evaluate(testPacket(80)).Action)

	// Move the allow rule ahead of the deny rule.
	require.NoError(t, e.SetRulePriority(2, 0))
	assert.Equal(t, ActionAllow, e.Evaluate(testPacket(80)).Action)
}

func TestInstallTransientBlock(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionAllow}, nil, nil, nil)

	attacker := netip.MustParseAddr("192.168.1.50")
	id := e.InstallTransientBlock(attacker, 0)
	assert.GreaterOrEqual(t, id, uint32(transientIDBase))

	v := e.Evaluate(testPacket(80)) // src is the blocked address
	assert.Equal(t, ActionDeny, v.Action)
	assert.Equal(t, id, v.RuleID)

	other := testPacket(80)
	other.SrcAddr = netip.MustParseAddr("192.168.1.51")
	assert.Equal(t, ActionAllow, e.Evaluate(other).Action)

	require.NoError(t, e.RemoveRule(id))
	assert.Equal(t, ActionAllow, e.Evaluate(testPacket(80)).Action)
}

func TestRules_CountersAccumulate(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "allow-web", Action: ActionAllow, DstPorts: portRange(80), Protocol: ProtocolAny, Priority: 1, Active: true,
	}))

	for i := 0; i < 3; i++ {
		e.Evaluate(testPacket(80))
	}
	e.Evaluate(testPacket(22)) // unmatched

	rules := e.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, uint64(3), rules[0].Hits)
	assert.Equal(t, uint64(3*64), rules[0].Bytes)
	assert.False(t, rules[0].LastMatch.IsZero())

	stats := e.Stats()
	assert.Equal(t, uint64(4), stats.PacketsEvaluated)
	assert.Equal(t, uint64(3), stats.RulesMatched)
	assert.Equal(t, uint64(1), stats.PacketsDenied)
}

func TestEngine_ConcurrentEvaluateAndMutate(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "allow-web", Action: ActionAllow, DstPorts: portRange(80), Protocol: ProtocolAny, Priority: 1, Active: true,
	}))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					v := e.Evaluate(testPacket(80))
					// The verdict is always coherent: either the allow rule
					// matched or the default deny applied, never a torn state.
					if v.Matched && v.Action != ActionAllow {
						t.Error("matched verdict with wrong action")
						return
					}
				}
			}
		}()
	}

	for i := uint32(100); i < 150; i++ {
		require.NoError(t, e.AddRule(&Rule{
			ID: i, Name: "churn", Action: ActionDeny, DstPorts: portRange(9999), Protocol: ProtocolAny, Priority: 50, Active: true,
		}))
		require.NoError(t, e.RemoveRule(i))
	}

	// In-place definition mutations must also be invisible to in-flight
	// scans; the snapshot holds clones, not the mutated rules.
	for i := 0; i < 200; i++ {
		require.NoError(t, e.SetRuleActive(1, i%2 == 0))
		require.NoError(t, e.SetRulePriority(1, i%3))
	}
	require.NoError(t, e.SetRuleActive(1, true))

	close(stop)
	wg.Wait()
}

func TestEvaluate_SnapshotIsolatedFromToggle(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "allow-web", Action: ActionAllow, DstPorts: portRange(80), Protocol: ProtocolAny, Priority: 1, Active: true,
	}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					v := e.Evaluate(testPacket(80))
					if v.Matched && v.Action != ActionAllow {
						t.Error("matched verdict with wrong action")
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		require.NoError(t, e.SetRuleActive(1, i%2 == 0))
		require.NoError(t, e.SetRulePriority(1, i%5))
	}

	close(stop)
	wg.Wait()
}

func TestInstallTransientBlock_ExpiresOnClock(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	e := NewEngine(EngineConfig{DefaultAction: ActionAllow}, clk, nil, nil)

	attacker := netip.MustParseAddr("192.168.1.50")
	e.InstallTransientBlock(attacker, 5*time.Minute)

	assert.Equal(t, ActionDeny, e.Evaluate(testPacket(80)).Action)

	clk.Advance(4 * time.Minute)
	assert.Equal(t, ActionDeny, e.Evaluate(testPacket(80)).Action, "block holds until the ttl elapses")

	clk.Advance(time.Minute)
	assert.Equal(t, ActionAllow, e.Evaluate(testPacket(80)).Action, "expired block no longer matches")
}

func TestEvaluate_InterfacePolicy(t *testing.T) {
	e := NewEngine(EngineConfig{DefaultAction: ActionDeny}, nil, nil, nil)
	require.NoError(t, e.AddRule(&Rule{
		ID: 1, Name: "deny-web", Action: ActionDeny, DstPorts: portRange(80), Protocol: ProtocolAny, Priority: 1, Active: true,
	}))

	// Unmatched traffic on a configured interface takes that interface's
	// default action instead of the engine default.
	e.SetInterfacePolicy("eth0", InterfacePolicy{Enabled: true, DefaultAction: ActionAllow})
	v := e.Evaluate(testPacket(443))
	assert.Equal(t, ActionAllow, v.Action)
	assert.False(t, v.Matched)

	// Rules still apply on an enabled interface.
	assert.Equal(t, ActionDeny, e.Evaluate(testPacket(80)).Action)

	// Disabling filtering on the interface bypasses the rule set entirely.
	e.SetInterfacePolicy("eth0", InterfacePolicy{Enabled: false, DefaultAction: ActionDeny})
	assert.Equal(t, ActionAllow, e.Evaluate(testPacket(80)).Action)

	// Interfaces without a policy keep engine defaults.
	other := testPacket(443)
	other.Interface = "eth1"
	assert.Equal(t, ActionDeny, e.Evaluate(other).Action)

	e.RemoveInterfacePolicy("eth0")
	assert.Equal(t, ActionDeny, e.Evaluate(testPacket(443)).Action)
}
