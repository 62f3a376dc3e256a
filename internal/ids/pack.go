package ids

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"grimm.is/bastion/internal/firewall"
)

// packSignature is the YAML shape of one signature in a pack file.
type packSignature struct {
	ID       uint32  `yaml:"id"`
	Name     string  `yaml:"name"`
	Protocol string  `yaml:"protocol"`
	SrcPort  *uint16 `yaml:"src_port"`
	DstPort  *uint16 `yaml:"dst_port"`
	Payload  string  `yaml:"payload"`
	Severity string  `yaml:"severity"`
	Response string  `yaml:"response"`
	Disabled bool    `yaml:"disabled"`
}

type signaturePack struct {
	Name       string          `yaml:"name"`
	Signatures []packSignature `yaml:"signatures"`
}

// LoadSignaturePack reads a YAML signature pack and installs every entry.
// Entries marked disabled are installed inactive. The load is not atomic:
// on a conflict or parse error, entries installed before the failure remain.
func (e *Engine) LoadSignaturePack(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read signature pack: %w", err)
	}
	return e.loadPack(data)
}

func (e *Engine) loadPack(data []byte) (int, error) {
	var pack signaturePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return 0, fmt.Errorf("parse signature pack: %w", err)
	}

	loaded := 0
	for _, ps := range pack.Signatures {
		sig, err := ps.toSignature()
		if err != nil {
			return loaded, fmt.Errorf("signature pack %q entry %d: %w", pack.Name, ps.ID, err)
		}
		if err := e.AddSignature(sig); err != nil {
			return loaded, err
		}
		loaded++
	}

	e.logger.Info("signature pack loaded", "pack", pack.Name, "signatures", loaded)
	return loaded, nil
}

func (ps packSignature) toSignature() (*Signature, error) {
	proto, err := firewall.ParseProtocol(ps.Protocol)
	if err != nil {
		return nil, err
	}
	sev, err := ParseSeverity(ps.Severity)
	if err != nil {
		return nil, err
	}
	resp, err := ParseResponse(ps.Response)
	if err != nil {
		return nil, err
	}
	return &Signature{
		ID:       ps.ID,
		Name:     ps.Name,
		Protocol: proto,
		SrcPort:  ps.SrcPort,
		DstPort:  ps.DstPort,
		Payload:  []byte(ps.Payload),
		Severity: sev,
		Response: resp,
		Active:   !ps.Disabled,
	}, nil
}
