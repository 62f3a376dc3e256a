package bootverify

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/crypto"
)

// NumRegisters is the size of the measurement register bank.
const NumRegisters = 16

// Register indices by component type. The remaining registers are reserved
// for later platform measurements (config, policy, runtime).
const (
	RegisterFirmware     = 0
	RegisterBootloader   = 1
	RegisterSecureKernel = 2
	RegisterKernel       = 3
)

// BootEvent is one append-only entry in the boot event log.
type BootEvent struct {
	Stage     string                `json:"stage"`
	Register  int                   `json:"register"`
	Timestamp time.Time             `json:"timestamp"`
	Hash      [crypto.HashSize]byte `json:"hash"`
	Failure   string                `json:"failure,omitempty"`
}

// AttestationReport is the signed summary of boot measurements, produced
// exactly once per boot after the chain completes, immutable thereafter.
type AttestationReport struct {
	Registers [NumRegisters][crypto.HashSize]byte `json:"registers"`
	Events    []BootEvent                         `json:"events"`
	Signature []byte                              `json:"signature"`
}

// payload returns the signed portion of the report in a stable encoding.
func (r *AttestationReport) payload() ([]byte, error) {
	return json.Marshal(struct {
		Registers [NumRegisters][crypto.HashSize]byte `json:"registers"`
		Events    []BootEvent                         `json:"events"`
	}{r.Registers, r.Events})
}

// VerifyReport checks the report signature against the attestation identity.
func VerifyReport(report *AttestationReport, provider crypto.Provider) (bool, error) {
	payload, err := report.payload()
	if err != nil {
		return false, fmt.Errorf("encode report payload: %w", err)
	}
	return provider.Verify(payload, report.Signature, provider.PublicKey()), nil
}

// Recorder implements measured boot: it extends a per-component-type
// measurement register with each verified element's hash and keeps the
// boot event log that feeds the attestation report.
type Recorder struct {
	provider crypto.Provider
	clk      clock.Clock

	registers [NumRegisters][crypto.HashSize]byte
	log       []BootEvent

	report *AttestationReport
}

// NewRecorder creates a measured boot recorder.
func NewRecorder(provider crypto.Provider, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Recorder{provider: provider, clk: clk}
}

// registerFor maps a component type to its measurement register.
func registerFor(t ComponentType) int {
	switch t {
	case ComponentFirmware:
		return RegisterFirmware
	case ComponentBootloader:
		return RegisterBootloader
	case ComponentSecureKernel:
		return RegisterSecureKernel
	default:
		return RegisterKernel
	}
}

// Extend folds a verified element's hash into its component register:
// reg = H(reg || hash), and appends a boot event. No-op once sealed.
func (rec *Recorder) Extend(el *ChainElement) {
	if rec.report != nil {
		return
	}

	idx := registerFor(el.Type)
	buf := make([]byte, 0, crypto.HashSize*2)
	buf = append(buf, rec.registers[idx][:]...)
	buf = append(buf, el.Image.Hash[:]...)
	rec.registers[idx] = rec.provider.Hash(buf)

	rec.log = append(rec.log, BootEvent{
		Stage:     el.Name,
		Register:  idx,
		Timestamp: rec.clk.Now(),
		Hash:      el.Image.Hash,
	})
}

// RecordFailure appends a failure entry to the event log so the attestation
// report reflects an aborted chain.
func (rec *Recorder) RecordFailure(stage string, err error) {
	if rec.report != nil {
		return
	}
	rec.log = append(rec.log, BootEvent{
		Stage:     stage,
		Register:  -1,
		Timestamp: rec.clk.Now(),
		Failure:   err.Error(),
	})
}

// Registers returns a copy of the current measurement register bank.
func (rec *Recorder) Registers() [NumRegisters][crypto.HashSize]byte {
	return rec.registers
}

// Events returns the boot event log.
func (rec *Recorder) Events() []BootEvent {
	out := make([]BootEvent, len(rec.log))
	copy(out, rec.log)
	return out
}

// Seal produces the attestation report, exactly once. Subsequent calls
// return the same immutable report.
func (rec *Recorder) Seal() (*AttestationReport, error) {
	if rec.report != nil {
		return rec.report, nil
	}
	if rec.provider == nil {
		return nil, errors.New("seal: no cryptographic provider")
	}

	report := &AttestationReport{
		Registers: rec.registers,
		Events:    rec.Events(),
	}
	payload, err := report.payload()
	if err != nil {
		return nil, fmt.Errorf("encode report payload: %w", err)
	}
	sig, err := rec.provider.Attest(payload)
	if err != nil {
		return nil, fmt.Errorf("attest report: %w", err)
	}
	report.Signature = sig

	rec.report = report
	return report, nil
}

// Report returns the sealed report, if any.
func (rec *Recorder) Report() (*AttestationReport, bool) {
	return rec.report, rec.report != nil
}
