package config

import (
	"fmt"

	"grimm.is/bastion/internal/firewall"
	"grimm.is/bastion/internal/logging"
)

// Validate checks the configuration for structural errors: unparseable
// enums, malformed addresses and keys, and duplicate ids. It does not touch
// the filesystem; referenced image and pack paths are checked at startup.
func (c *Config) Validate() error {
	if c.Boot != nil {
		if err := c.Boot.validate(); err != nil {
			return fmt.Errorf("boot: %w", err)
		}
	}
	if c.Network != nil {
		if err := c.Network.validate(); err != nil {
			return fmt.Errorf("network: %w", err)
		}
	}
	if c.Audit != nil && c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit: retention_days must not be negative")
	}
	if c.Logging != nil && c.Logging.Level != "" {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}
	return nil
}

func (b *BootConfig) validate() error {
	if _, err := b.ToVerifyConfig(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(b.Stages))
	for _, s := range b.Stages {
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
		if _, err := s.ToChainElement(); err != nil {
			return err
		}
		if s.Parent != "" && !seen[s.Parent] {
			return fmt.Errorf("stage %q: parent %q not declared before it", s.Name, s.Parent)
		}
	}
	return nil
}

func (n *NetworkConfig) validate() error {
	if _, err := n.EngineConfig(); err != nil {
		return err
	}
	if _, err := n.BlockTTLDuration(); err != nil {
		return err
	}

	ruleIDs := make(map[uint32]bool, len(n.Rules))
	for _, r := range n.Rules {
		if ruleIDs[r.ID] {
			return fmt.Errorf("duplicate rule id %d", r.ID)
		}
		ruleIDs[r.ID] = true
		if _, err := r.ToRule(); err != nil {
			return err
		}
	}

	sigIDs := make(map[uint32]bool, len(n.Signatures))
	for _, s := range n.Signatures {
		if sigIDs[s.ID] {
			return fmt.Errorf("duplicate signature id %d", s.ID)
		}
		sigIDs[s.ID] = true
		if _, err := s.ToSignature(); err != nil {
			return err
		}
	}

	ifaceNames := make(map[string]bool, len(n.Interfaces))
	for _, ic := range n.Interfaces {
		if ifaceNames[ic.Name] {
			return fmt.Errorf("duplicate interface %q", ic.Name)
		}
		ifaceNames[ic.Name] = true
		if _, err := ic.ToPolicy(firewall.ActionDeny); err != nil {
			return err
		}
	}

	tunnelIDs := make(map[string]bool, len(n.Tunnels))
	for _, t := range n.Tunnels {
		if tunnelIDs[t.ID] {
			return fmt.Errorf("duplicate tunnel id %q", t.ID)
		}
		tunnelIDs[t.ID] = true
		if _, err := t.ToTunnelConfig(); err != nil {
			return err
		}
	}
	return nil
}
