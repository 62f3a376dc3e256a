// Package manager is the composition root of the security subsystem. It
// brings up the engines named by the configuration, runs boot verification,
// and exposes unified status, statistics, and the append-only violation
// sink. The manager never makes security decisions itself.
package manager

import (
	"context"
	"fmt"

	"grimm.is/bastion/internal/audit"
	"grimm.is/bastion/internal/bootverify"
	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/crypto"
	"grimm.is/bastion/internal/events"
	"grimm.is/bastion/internal/firewall"
	"grimm.is/bastion/internal/health"
	"grimm.is/bastion/internal/ids"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
	"grimm.is/bastion/internal/vpn"
)

// Manager owns the engine set and the shared infrastructure (event hub,
// audit store, health checker, crypto provider).
type Manager struct {
	cfg *config.Config

	clk      clock.Clock
	logger   *logging.Logger
	hub      *events.Hub
	provider crypto.Provider
	checker  *health.Checker
	store    *audit.Store

	verifier *bootverify.Verifier
	recorder *bootverify.Recorder

	firewall *firewall.Engine
	ids      *ids.Engine
	vpn      *vpn.Manager

	bootResult *bootverify.Result
}

// New brings up the engines the configuration enables. A hardware security
// requirement that cannot be met fails init in strict mode and falls back to
// the software provider otherwise.
func New(cfg *config.Config, clk clock.Clock) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if clk == nil {
		clk = &clock.RealClock{}
	}

	m := &Manager{
		cfg:     cfg,
		clk:     clk,
		logger:  logging.WithComponent("manager"),
		hub:     events.NewHub(),
		checker: health.NewChecker(),
	}

	if err := m.initProvider(); err != nil {
		return nil, err
	}
	if err := m.initAudit(); err != nil {
		return nil, err
	}
	if err := m.initEngines(); err != nil {
		m.Close()
		return nil, err
	}

	m.registerHealthChecks()
	m.logger.Info("security manager initialized",
		"boot_verify", m.bootEnabled(),
		"firewall", m.firewall != nil,
		"ids", m.ids != nil,
		"vpn", m.vpn != nil)
	return m, nil
}

func (m *Manager) initProvider() error {
	useHW := m.cfg.Boot != nil && m.cfg.Boot.UseHardwareSecurity

	provider, err := crypto.New(useHW)
	if err != nil {
		strict := m.cfg.Manager != nil && m.cfg.Manager.StrictMode
		if strict {
			return fmt.Errorf("init crypto provider: %w", err)
		}
		m.logger.Warn("hardware security unavailable, falling back to software provider", "error", err)
		if provider, err = crypto.NewSoftwareProvider(); err != nil {
			return fmt.Errorf("init software provider: %w", err)
		}
	}
	m.provider = provider
	return nil
}

func (m *Manager) initAudit() error {
	dbPath := ":memory:"
	retention := 0
	if m.cfg.Audit != nil {
		if m.cfg.Audit.DBPath != "" {
			dbPath = m.cfg.Audit.DBPath
		}
		retention = m.cfg.Audit.RetentionDays
	}

	store, err := audit.NewStore(dbPath, retention, m.clk)
	if err != nil {
		return fmt.Errorf("init audit store: %w", err)
	}
	m.store = store
	return nil
}

func (m *Manager) initEngines() error {
	mc := m.cfg.Manager
	if mc == nil {
		mc = &config.ManagerConfig{}
	}
	net := m.cfg.Network
	if net == nil {
		net = &config.NetworkConfig{}
	}

	if mc.EnableFirewall {
		engineCfg, err := net.EngineConfig()
		if err != nil {
			return fmt.Errorf("init firewall: %w", err)
		}
		m.firewall = firewall.NewEngine(engineCfg, m.clk, m.hub, nil)
		for _, rc := range net.Rules {
			rule, err := rc.ToRule()
			if err != nil {
				return fmt.Errorf("init firewall: %w", err)
			}
			if err := m.firewall.AddRule(rule); err != nil {
				return fmt.Errorf("init firewall: %w", err)
			}
		}
		for _, ic := range net.Interfaces {
			policy, err := ic.ToPolicy(engineCfg.DefaultAction)
			if err != nil {
				return fmt.Errorf("init firewall: %w", err)
			}
			m.firewall.SetInterfacePolicy(ic.Name, policy)
		}
	}

	if mc.EnableIDS {
		ttl, err := net.BlockTTLDuration()
		if err != nil {
			return fmt.Errorf("init ids: %w", err)
		}
		var blocker ids.Blocker
		if m.firewall != nil {
			blocker = m.firewall
		}
		m.ids = ids.NewEngine(ids.EngineConfig{BlockTTL: ttl}, blocker, m.clk, m.hub, nil)
		for _, sc := range net.Signatures {
			sig, err := sc.ToSignature()
			if err != nil {
				return fmt.Errorf("init ids: %w", err)
			}
			if err := m.ids.AddSignature(sig); err != nil {
				return fmt.Errorf("init ids: %w", err)
			}
		}
		for _, pack := range net.SignaturePacks {
			if _, err := m.ids.LoadSignaturePack(pack); err != nil {
				return fmt.Errorf("init ids: %w", err)
			}
		}
	}

	if mc.EnableVPN {
		m.vpn = vpn.NewManager(vpn.ManagerConfig{TamperThreshold: net.TamperThreshold}, m.provider, m.clk, m.hub, nil)
		for _, tc := range net.Tunnels {
			tunnelCfg, err := tc.ToTunnelConfig()
			if err != nil {
				return fmt.Errorf("init vpn: %w", err)
			}
			if _, err := m.vpn.CreateTunnel(tunnelCfg); err != nil {
				// A failed handshake leaves the tunnel closed but does not
				// fail init; the status surface reports it.
				m.logger.Error("startup tunnel failed", "tunnel_id", tc.ID, "error", err)
			}
		}
	}

	if m.bootEnabled() {
		if err := m.initBootVerifier(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) bootEnabled() bool {
	return m.cfg.Manager != nil && m.cfg.Manager.EnableBootVerify && m.cfg.Boot != nil
}

func (m *Manager) initBootVerifier() error {
	bootCfg, err := m.cfg.Boot.ToVerifyConfig()
	if err != nil {
		return fmt.Errorf("init boot verifier: %w", err)
	}
	if m.cfg.Manager != nil {
		bootCfg.VerifyChain = bootCfg.VerifyChain && m.cfg.Manager.EnableChainVerify
		bootCfg.MeasuredBoot = bootCfg.MeasuredBoot && m.cfg.Manager.EnableMeasuredBoot
		bootCfg.StrictMode = bootCfg.StrictMode || m.cfg.Manager.StrictMode
	}

	if bootCfg.MeasuredBoot {
		m.recorder = bootverify.NewRecorder(m.provider, m.clk)
	}
	m.verifier = bootverify.NewVerifier(bootCfg, m.provider, bootverify.FileImageReader{}, m.recorder, m.hub, nil)

	for _, stage := range m.cfg.Boot.Stages {
		elem, err := stage.ToChainElement()
		if err != nil {
			return fmt.Errorf("init boot verifier: %w", err)
		}
		if err := m.verifier.AddElement(elem); err != nil {
			return fmt.Errorf("init boot verifier: %w", err)
		}
	}
	return nil
}

// VerifyBoot runs chain verification once and records the outcome. A failed
// chain is reported through status and the audit log; the caller decides
// halt versus degrade.
func (m *Manager) VerifyBoot() (bootverify.Result, error) {
	if m.verifier == nil {
		return bootverify.Result{}, fmt.Errorf("boot verification not enabled")
	}

	result := m.verifier.VerifyChain()
	m.bootResult = &result

	if !result.OK {
		m.RecordViolation(audit.Violation{
			Source:   "bootverify",
			Kind:     "boot_verification_failed",
			Severity: "critical",
			Detail:   result.String(),
		})
	}
	return result, nil
}

// AttestationReport returns the sealed measured boot report, if one exists.
func (m *Manager) AttestationReport() (*bootverify.AttestationReport, bool) {
	if m.recorder == nil {
		return nil, false
	}
	return m.recorder.Report()
}

// RecordViolation appends to the audit log and fans the violation out to
// subscribers. The manager records; it never judges.
func (m *Manager) RecordViolation(v audit.Violation) {
	if v.Timestamp.IsZero() {
		v.Timestamp = m.clk.Now()
	}
	if err := m.store.Append(v); err != nil {
		m.logger.Error("audit append failed", "source", v.Source, "kind", v.Kind, "error", err)
	}

	metrics.Get().ViolationsRecorded.WithLabelValues(v.Source, v.Kind).Inc()
	m.logger.Audit("violation", v.Source, map[string]any{
		"kind":     v.Kind,
		"severity": v.Severity,
		"detail":   v.Detail,
	})

	m.hub.Publish(events.Event{
		Type:   events.EventViolation,
		Source: v.Source,
		Data: events.ViolationData{
			Source:   v.Source,
			Kind:     v.Kind,
			Detail:   v.Detail,
			Severity: v.Severity,
		},
	})
}

// Hub exposes the event bus for subscribers (API event stream, tests).
func (m *Manager) Hub() *events.Hub { return m.hub }

// Firewall returns the firewall engine, nil when disabled.
func (m *Manager) Firewall() *firewall.Engine { return m.firewall }

// IDS returns the intrusion detection engine, nil when disabled.
func (m *Manager) IDS() *ids.Engine { return m.ids }

// VPN returns the tunnel manager, nil when disabled.
func (m *Manager) VPN() *vpn.Manager { return m.vpn }

// Audit returns the violation store.
func (m *Manager) Audit() *audit.Store { return m.store }

// Checker returns the health checker.
func (m *Manager) Checker() *health.Checker { return m.checker }

func (m *Manager) registerHealthChecks() {
	if m.verifier != nil {
		m.checker.Register("boot", func(ctx context.Context) health.Check {
			c := health.Check{LastChecked: m.clk.Now()}
			switch {
			case m.bootResult == nil:
				c.Status = health.StatusDegraded
				c.Message = "chain not yet verified"
			case m.bootResult.OK:
				c.Status = health.StatusHealthy
				c.Message = "chain verified"
			default:
				c.Status = health.StatusUnhealthy
				c.Message = m.bootResult.String()
			}
			return c
		})
	}
	if m.firewall != nil {
		m.checker.Register("firewall", func(ctx context.Context) health.Check {
			s := m.firewall.Stats()
			return health.Check{
				Status:      health.StatusHealthy,
				Message:     fmt.Sprintf("%d active rules", s.ActiveRules),
				LastChecked: m.clk.Now(),
			}
		})
	}
	if m.ids != nil {
		m.checker.Register("ids", func(ctx context.Context) health.Check {
			s := m.ids.Stats()
			return health.Check{
				Status:      health.StatusHealthy,
				Message:     fmt.Sprintf("%d active signatures", s.ActiveSignatures),
				LastChecked: m.clk.Now(),
			}
		})
	}
	if m.vpn != nil {
		m.checker.Register("vpn", func(ctx context.Context) health.Check {
			s := m.vpn.Stats()
			c := health.Check{
				Status:      health.StatusHealthy,
				Message:     fmt.Sprintf("%d active tunnels", s.TunnelsActive),
				LastChecked: m.clk.Now(),
			}
			if s.TunnelsDegraded > 0 {
				c.Status = health.StatusDegraded
				c.Message = fmt.Sprintf("%d of %d tunnels degraded", s.TunnelsDegraded, s.TunnelsActive)
			}
			return c
		})
	}
}

// Close releases the audit store and closes all tunnels.
func (m *Manager) Close() error {
	if m.vpn != nil {
		for _, t := range m.vpn.Tunnels() {
			m.vpn.CloseTunnel(t.ID)
		}
	}
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
