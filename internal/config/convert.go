package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"grimm.is/bastion/internal/bootverify"
	"grimm.is/bastion/internal/crypto"
	"grimm.is/bastion/internal/firewall"
	"grimm.is/bastion/internal/ids"
	"grimm.is/bastion/internal/vpn"
)

// EngineConfig converts the network block into firewall engine settings.
func (n *NetworkConfig) EngineConfig() (firewall.EngineConfig, error) {
	cfg := firewall.EngineConfig{DefaultAction: firewall.ActionDeny, LogMatches: n.LogMatches}
	if n.DefaultAction != "" {
		action, err := firewall.ParseAction(n.DefaultAction)
		if err != nil {
			return cfg, fmt.Errorf("default_action: %w", err)
		}
		cfg.DefaultAction = action
	}
	return cfg, nil
}

// ToPolicy converts an interface block into an engine policy. fallback is
// the engine default action, applied when the block leaves default_action
// unset.
func (ic InterfaceConfig) ToPolicy(fallback firewall.Action) (firewall.InterfacePolicy, error) {
	action := fallback
	if ic.DefaultAction != "" {
		a, err := firewall.ParseAction(ic.DefaultAction)
		if err != nil {
			return firewall.InterfacePolicy{}, fmt.Errorf("interface %q: %w", ic.Name, err)
		}
		action = a
	}
	return firewall.InterfacePolicy{Enabled: !ic.Disabled, DefaultAction: action}, nil
}

// ToRule converts a rule block into a firewall rule.
func (r RuleConfig) ToRule() (*firewall.Rule, error) {
	action, err := firewall.ParseAction(r.Action)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	proto, err := firewall.ParseProtocol(r.Protocol)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.Name, err)
	}

	rule := &firewall.Rule{
		ID:       r.ID,
		Name:     r.Name,
		Action:   action,
		Protocol: proto,
		Priority: r.Priority,
		Active:   !r.Disabled,
	}

	if rule.SrcAddr, err = parsePrefix(r.SrcAddr); err != nil {
		return nil, fmt.Errorf("rule %q: src_addr: %w", r.Name, err)
	}
	if rule.DstAddr, err = parsePrefix(r.DstAddr); err != nil {
		return nil, fmt.Errorf("rule %q: dst_addr: %w", r.Name, err)
	}
	if rule.SrcPorts, err = parsePortRange(r.SrcPort); err != nil {
		return nil, fmt.Errorf("rule %q: src_port: %w", r.Name, err)
	}
	if rule.DstPorts, err = parsePortRange(r.DstPort); err != nil {
		return nil, fmt.Errorf("rule %q: dst_port: %w", r.Name, err)
	}
	if rule.RateLimit, err = parseRateLimit(r.RateLimit); err != nil {
		return nil, fmt.Errorf("rule %q: rate_limit: %w", r.Name, err)
	}
	return rule, nil
}

// ToSignature converts a signature block into an intrusion signature.
func (s SignatureConfig) ToSignature() (*ids.Signature, error) {
	proto, err := firewall.ParseProtocol(s.Protocol)
	if err != nil {
		return nil, fmt.Errorf("signature %q: %w", s.Name, err)
	}
	sev, err := ids.ParseSeverity(s.Severity)
	if err != nil {
		return nil, fmt.Errorf("signature %q: %w", s.Name, err)
	}
	resp, err := ids.ParseResponse(s.Response)
	if err != nil {
		return nil, fmt.Errorf("signature %q: %w", s.Name, err)
	}

	sig := &ids.Signature{
		ID:       s.ID,
		Name:     s.Name,
		Protocol: proto,
		Payload:  []byte(s.Payload),
		Severity: sev,
		Response: resp,
		Active:   !s.Disabled,
	}
	if sig.SrcPort, err = toPort(s.SrcPort); err != nil {
		return nil, fmt.Errorf("signature %q: src_port: %w", s.Name, err)
	}
	if sig.DstPort, err = toPort(s.DstPort); err != nil {
		return nil, fmt.Errorf("signature %q: dst_port: %w", s.Name, err)
	}
	return sig, nil
}

// ToTunnelConfig converts a tunnel block into a VPN tunnel config.
func (t TunnelConfig) ToTunnelConfig() (vpn.TunnelConfig, error) {
	enc, err := vpn.ParseEncryption(t.Encryption)
	if err != nil {
		return vpn.TunnelConfig{}, fmt.Errorf("tunnel %q: %w", t.ID, err)
	}
	auth, err := vpn.ParseAuth(t.Auth)
	if err != nil {
		return vpn.TunnelConfig{}, fmt.Errorf("tunnel %q: %w", t.ID, err)
	}
	key, err := hex.DecodeString(t.RemoteKey)
	if err != nil {
		return vpn.TunnelConfig{}, fmt.Errorf("tunnel %q: remote_key: %w", t.ID, err)
	}
	return vpn.TunnelConfig{
		ID:         t.ID,
		LocalAddr:  t.LocalAddr,
		RemoteAddr: t.RemoteAddr,
		Encryption: enc,
		Auth:       auth,
		RemoteKey:  key,
	}, nil
}

// ToVerifyConfig converts the boot block into verifier settings.
func (b *BootConfig) ToVerifyConfig() (bootverify.Config, error) {
	cfg := bootverify.Config{
		VerifyImages:        b.VerifyImages,
		VerifyChain:         b.VerifyChain,
		MeasuredBoot:        b.MeasuredBoot,
		UseHardwareSecurity: b.UseHardwareSecurity,
		StrictMode:          b.StrictMode,
	}
	if b.TrustAnchor != "" {
		anchor, err := hex.DecodeString(b.TrustAnchor)
		if err != nil {
			return cfg, fmt.Errorf("trust_anchor: %w", err)
		}
		if len(anchor) != ed25519.PublicKeySize {
			return cfg, fmt.Errorf("trust_anchor: expected %d bytes, got %d", ed25519.PublicKeySize, len(anchor))
		}
		cfg.TrustAnchor = ed25519.PublicKey(anchor)
	}
	return cfg, nil
}

// ToChainElement converts a stage block into a boot chain element.
func (s BootStage) ToChainElement() (*bootverify.ChainElement, error) {
	ctype, err := bootverify.ParseComponentType(s.Type)
	if err != nil {
		return nil, fmt.Errorf("stage %q: %w", s.Name, err)
	}

	hash, err := hex.DecodeString(s.Hash)
	if err != nil {
		return nil, fmt.Errorf("stage %q: hash: %w", s.Name, err)
	}
	if len(hash) != crypto.HashSize {
		return nil, fmt.Errorf("stage %q: hash: expected %d bytes, got %d", s.Name, crypto.HashSize, len(hash))
	}

	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return nil, fmt.Errorf("stage %q: signature: %w", s.Name, err)
	}

	elem := &bootverify.ChainElement{
		Name:   s.Name,
		Type:   ctype,
		Parent: s.Parent,
		Image: bootverify.ImageInfo{
			Location:  s.Image,
			Signature: sig,
			Version:   s.Version,
			Arch:      s.Arch,
		},
	}
	copy(elem.Image.Hash[:], hash)

	if s.NextStageKey != "" {
		key, err := hex.DecodeString(s.NextStageKey)
		if err != nil {
			return nil, fmt.Errorf("stage %q: next_stage_key: %w", s.Name, err)
		}
		elem.NextStageKey = ed25519.PublicKey(key)
	}
	if s.BuildTimestamp != "" {
		ts, err := time.Parse(time.RFC3339, s.BuildTimestamp)
		if err != nil {
			return nil, fmt.Errorf("stage %q: build_timestamp: %w", s.Name, err)
		}
		elem.Image.BuildTimestamp = ts
	}
	return elem, nil
}

// BlockTTLDuration parses the IDS block TTL. Empty means no expiry.
func (n *NetworkConfig) BlockTTLDuration() (time.Duration, error) {
	if n.BlockTTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(n.BlockTTL)
	if err != nil {
		return 0, fmt.Errorf("block_ttl: %w", err)
	}
	return d, nil
}

func parsePrefix(s string) (*netip.Prefix, error) {
	if s == "" {
		return nil, nil
	}
	// Bare addresses are treated as single-host prefixes.
	if !strings.Contains(s, "/") {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		p := netip.PrefixFrom(addr, addr.BitLen())
		return &p, nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// parsePortRange accepts "80" or "8000-8080".
func parsePortRange(s string) (*firewall.PortRange, error) {
	if s == "" {
		return nil, nil
	}
	start, end, found := strings.Cut(s, "-")
	lo, err := strconv.ParseUint(start, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("bad port %q", s)
	}
	hi := lo
	if found {
		if hi, err = strconv.ParseUint(end, 10, 16); err != nil {
			return nil, fmt.Errorf("bad port %q", s)
		}
	}
	if hi < lo {
		return nil, fmt.Errorf("inverted port range %q", s)
	}
	return &firewall.PortRange{Start: uint16(lo), End: uint16(hi)}, nil
}

// parseRateLimit accepts "count/window", e.g. "100/1s".
func parseRateLimit(s string) (*firewall.RateLimit, error) {
	if s == "" {
		return nil, nil
	}
	countStr, windowStr, found := strings.Cut(s, "/")
	if !found {
		return nil, fmt.Errorf("expected count/window, got %q", s)
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return nil, fmt.Errorf("bad packet count %q", countStr)
	}
	window, err := time.ParseDuration(windowStr)
	if err != nil || window <= 0 {
		return nil, fmt.Errorf("bad window %q", windowStr)
	}
	return &firewall.RateLimit{Packets: count, Window: window}, nil
}

func toPort(p *int) (*uint16, error) {
	if p == nil {
		return nil, nil
	}
	if *p < 0 || *p > 65535 {
		return nil, fmt.Errorf("port %d out of range", *p)
	}
	v := uint16(*p)
	return &v, nil
}
