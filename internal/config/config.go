// Package config defines the security subsystem configuration schema and its
// HCL/JSON loaders. The on-disk format is HCL; JSON is accepted for
// machine-generated configs.
package config

import (
	"grimm.is/bastion/internal/logging"
)

// Config is the top-level structure for the security subsystem configuration.
type Config struct {
	Boot    *BootConfig    `hcl:"boot,block" json:"boot,omitempty"`
	Network *NetworkConfig `hcl:"network,block" json:"network,omitempty"`
	Manager *ManagerConfig `hcl:"manager,block" json:"manager,omitempty"`
	Logging *LoggingConfig `hcl:"logging,block" json:"logging,omitempty"`
	Audit   *AuditConfig   `hcl:"audit,block" json:"audit,omitempty"`
	API     *APIConfig     `hcl:"api,block" json:"api,omitempty"`
}

// BootConfig configures boot chain verification and measured boot.
type BootConfig struct {
	VerifyImages        bool   `hcl:"verify_images,optional" json:"verify_images"`
	VerifyChain         bool   `hcl:"verify_chain,optional" json:"verify_chain"`
	MeasuredBoot        bool   `hcl:"measured_boot,optional" json:"measured_boot"`
	UseHardwareSecurity bool   `hcl:"use_hardware_security,optional" json:"use_hardware_security"`
	StrictMode          bool   `hcl:"strict_mode,optional" json:"strict_mode"`

	// TrustAnchor is the hex-encoded root public key the first chain
	// element is verified against.
	TrustAnchor string `hcl:"trust_anchor,optional" json:"trust_anchor,omitempty"`

	Stages []BootStage `hcl:"stage,block" json:"stages,omitempty"`
}

// BootStage declares one boot chain element.
type BootStage struct {
	Name string `hcl:"name,label" json:"name"`
	Type string `hcl:"type" json:"type"`

	Image string `hcl:"image" json:"image"`
	// Hash is the hex-encoded expected content hash of the image.
	Hash string `hcl:"hash" json:"hash"`
	// Signature is the hex-encoded signature over the expected hash.
	Signature string `hcl:"signature" json:"signature"`

	Parent string `hcl:"parent,optional" json:"parent,omitempty"`
	// NextStageKey is the hex-encoded public key delegated to verify the
	// next stage. Empty falls back to the trust anchor.
	NextStageKey string `hcl:"next_stage_key,optional" json:"next_stage_key,omitempty"`

	Version        string `hcl:"version,optional" json:"version,omitempty"`
	Arch           string `hcl:"arch,optional" json:"arch,omitempty"`
	BuildTimestamp string `hcl:"build_timestamp,optional" json:"build_timestamp,omitempty"`
}

// NetworkConfig configures the firewall, IDS, and VPN engines.
type NetworkConfig struct {
	DefaultAction string `hcl:"default_action,optional" json:"default_action,omitempty"`
	LogMatches    bool   `hcl:"log_matches,optional" json:"log_matches"`

	Rules      []RuleConfig      `hcl:"rule,block" json:"rules,omitempty"`
	Signatures []SignatureConfig `hcl:"signature,block" json:"signatures,omitempty"`
	Tunnels    []TunnelConfig    `hcl:"tunnel,block" json:"tunnels,omitempty"`
	Interfaces []InterfaceConfig `hcl:"interface,block" json:"interfaces,omitempty"`

	// SignaturePacks are YAML pack files loaded in addition to inline
	// signature blocks.
	SignaturePacks []string `hcl:"signature_packs,optional" json:"signature_packs,omitempty"`

	// BlockTTL is how long IDS-installed transient blocks stay active,
	// as a duration string. Empty means no expiry.
	BlockTTL string `hcl:"block_ttl,optional" json:"block_ttl,omitempty"`

	// TamperThreshold is the per-tunnel decrypt failure count that forces
	// degraded state.
	TamperThreshold int `hcl:"tamper_threshold,optional" json:"tamper_threshold,omitempty"`
}

// RuleConfig declares one firewall rule. The block label is the rule name.
type RuleConfig struct {
	Name     string `hcl:"name,label" json:"name"`
	ID       uint32 `hcl:"id" json:"id"`
	Action   string `hcl:"action" json:"action"`
	SrcAddr  string `hcl:"src_addr,optional" json:"src_addr,omitempty"`
	DstAddr  string `hcl:"dst_addr,optional" json:"dst_addr,omitempty"`
	SrcPort  string `hcl:"src_port,optional" json:"src_port,omitempty"`
	DstPort  string `hcl:"dst_port,optional" json:"dst_port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Priority int    `hcl:"priority,optional" json:"priority"`
	Disabled bool   `hcl:"disabled,optional" json:"disabled,omitempty"`

	// RateLimit caps admitted packets, e.g. "100/1s". Empty means no limit.
	RateLimit string `hcl:"rate_limit,optional" json:"rate_limit,omitempty"`
}

// SignatureConfig declares one intrusion signature inline. The block label
// is the signature name.
type SignatureConfig struct {
	Name     string `hcl:"name,label" json:"name"`
	ID       uint32 `hcl:"id" json:"id"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	SrcPort  *int   `hcl:"src_port,optional" json:"src_port,omitempty"`
	DstPort  *int   `hcl:"dst_port,optional" json:"dst_port,omitempty"`
	Payload  string `hcl:"payload,optional" json:"payload,omitempty"`
	Severity string `hcl:"severity" json:"severity"`
	Response string `hcl:"response,optional" json:"response,omitempty"`
	Disabled bool   `hcl:"disabled,optional" json:"disabled,omitempty"`
}

// InterfaceConfig overrides firewall behavior for one ingress interface.
// A disabled interface admits its traffic without rule evaluation.
type InterfaceConfig struct {
	Name          string `hcl:"name,label" json:"name"`
	Disabled      bool   `hcl:"disabled,optional" json:"disabled,omitempty"`
	DefaultAction string `hcl:"default_action,optional" json:"default_action,omitempty"`
}

// TunnelConfig declares one VPN tunnel to establish at startup.
type TunnelConfig struct {
	ID         string `hcl:"id,label" json:"id"`
	LocalAddr  string `hcl:"local_addr,optional" json:"local_addr,omitempty"`
	RemoteAddr string `hcl:"remote_addr" json:"remote_addr"`
	Encryption string `hcl:"encryption,optional" json:"encryption,omitempty"`
	Auth       string `hcl:"auth,optional" json:"auth,omitempty"`
	// RemoteKey is the hex-encoded peer public key.
	RemoteKey string `hcl:"remote_key" json:"remote_key"`
}

// ManagerConfig selects which engines the security manager brings up.
type ManagerConfig struct {
	EnableBootVerify   bool `hcl:"enable_boot_verify,optional" json:"enable_boot_verify"`
	EnableChainVerify  bool `hcl:"enable_chain_verify,optional" json:"enable_chain_verify"`
	EnableMeasuredBoot bool `hcl:"enable_measured_boot,optional" json:"enable_measured_boot"`
	EnableFirewall     bool `hcl:"enable_firewall,optional" json:"enable_firewall"`
	EnableIDS          bool `hcl:"enable_ids,optional" json:"enable_ids"`
	EnableVPN          bool `hcl:"enable_vpn,optional" json:"enable_vpn"`
	StrictMode         bool `hcl:"strict_mode,optional" json:"strict_mode"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level     string `hcl:"level,optional" json:"level,omitempty"`
	JSON      bool   `hcl:"json,optional" json:"json"`
	File      string `hcl:"file,optional" json:"file,omitempty"`
	AddSource bool   `hcl:"add_source,optional" json:"add_source"`
}

// ToLoggingConfig converts the block into the logging package's config.
func (l *LoggingConfig) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	if l == nil {
		return cfg
	}
	if level, err := logging.ParseLevel(l.Level); err == nil {
		cfg.Level = level
	}
	cfg.JSON = l.JSON
	cfg.AddSource = l.AddSource
	return cfg
}

// AuditConfig configures the append-only violation store.
type AuditConfig struct {
	DBPath        string `hcl:"db_path,optional" json:"db_path,omitempty"`
	RetentionDays int    `hcl:"retention_days,optional" json:"retention_days,omitempty"`
}

// APIConfig configures the admin HTTP API.
type APIConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"`
}

// Default returns a configuration with every engine enabled, default-deny
// firewall policy, and software-only crypto.
func Default() *Config {
	return &Config{
		Boot: &BootConfig{
			VerifyImages: true,
			VerifyChain:  true,
			MeasuredBoot: true,
		},
		Network: &NetworkConfig{
			DefaultAction: "deny",
		},
		Manager: &ManagerConfig{
			EnableBootVerify:   true,
			EnableChainVerify:  true,
			EnableMeasuredBoot: true,
			EnableFirewall:     true,
			EnableIDS:          true,
			EnableVPN:          true,
		},
		Logging: &LoggingConfig{Level: "info"},
		Audit:   &AuditConfig{DBPath: "/var/lib/bastion/audit.db", RetentionDays: 90},
		API:     &APIConfig{Listen: "127.0.0.1:8440"},
	}
}
