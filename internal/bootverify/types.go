// Package bootverify implements boot chain verification and measured boot
// attestation. The verifier walks an ordered, non-branching chain of boot
// stages (firmware → bootloader → secure kernel → kernel) and refuses to
// advance past any element whose integrity or signature cannot be
// established against the trust anchor.
package bootverify

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"grimm.is/bastion/internal/crypto"
)

// Boot-time failures are always fatal to the verification pipeline.
// The caller decides halt vs. degrade; the verifier never advances past a
// failed element and never retries.
var (
	// ErrIntegrityViolation indicates a recomputed image hash did not match
	// the declared hash.
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrSignatureInvalid indicates an image signature did not verify
	// against the trust anchor or the parent-delegated key.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrChainBroken indicates the chain ordering is malformed: a missing
	// or unverified parent, a branch, or an out-of-order element.
	ErrChainBroken = errors.New("boot chain broken")
)

// ComponentType classifies a boot chain element.
type ComponentType int

const (
	ComponentFirmware ComponentType = iota
	ComponentBootloader
	ComponentSecureKernel
	ComponentKernel
)

// String returns the configuration name of the component type.
func (c ComponentType) String() string {
	switch c {
	case ComponentFirmware:
		return "firmware"
	case ComponentBootloader:
		return "bootloader"
	case ComponentSecureKernel:
		return "secure-kernel"
	case ComponentKernel:
		return "kernel"
	default:
		return fmt.Sprintf("component(%d)", int(c))
	}
}

// ParseComponentType parses a configuration name into a ComponentType.
func ParseComponentType(s string) (ComponentType, error) {
	switch s {
	case "firmware":
		return ComponentFirmware, nil
	case "bootloader":
		return ComponentBootloader, nil
	case "secure-kernel":
		return ComponentSecureKernel, nil
	case "kernel":
		return ComponentKernel, nil
	default:
		return 0, fmt.Errorf("unknown component type %q", s)
	}
}

// ImageInfo describes a boot stage image. Captured once at stage discovery
// and treated as immutable input to verification.
type ImageInfo struct {
	Location       string // staged image path
	Size           int64
	Hash           [crypto.HashSize]byte
	Signature      []byte
	BuildTimestamp time.Time
	Version        string
	Arch           string
}

// ChainElement is one stage in the boot chain. The verified flag transitions
// false→true exactly once, only via the verifier, and never reverts.
type ChainElement struct {
	Name   string
	Type   ComponentType
	Image  ImageInfo
	Parent string // empty for the chain root

	// NextStageKey, when set, is the public key this stage vouches for its
	// child. A child verifies against it instead of the trust anchor.
	NextStageKey ed25519.PublicKey

	verified bool
}

// Verified reports whether this element passed verification.
func (e *ChainElement) Verified() bool {
	return e.verified
}

// Config controls boot verification behavior.
type Config struct {
	VerifyImages        bool
	VerifyChain         bool
	MeasuredBoot        bool
	UseHardwareSecurity bool
	StrictMode          bool
	TrustAnchor         ed25519.PublicKey
}

// Result is the single terminal outcome of a chain verification run:
// success, or failure naming the element and reason. Never partial.
type Result struct {
	OK          bool
	FailedStage string
	Err         error
	Anomalies   []string // non-fatal metadata findings (permissive mode only)
}

// String renders the outcome for operator-facing logs.
func (r Result) String() string {
	if r.OK {
		return "success"
	}
	return fmt.Sprintf("failure at %q: %v", r.FailedStage, r.Err)
}
