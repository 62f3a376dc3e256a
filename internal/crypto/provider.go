// Package crypto exposes the cryptographic primitive provider consumed by the
// boot verifier and the VPN tunnel manager. The subsystem never implements
// primitives itself; it calls this surface, which may be backed by software
// or by a dedicated hardware module.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrCapabilityUnavailable is returned when a hardware-backed provider is
// requested but no hardware security module is present.
var ErrCapabilityUnavailable = errors.New("hardware security capability unavailable")

// HashSize is the size of all digests produced by Provider.Hash.
const HashSize = sha256.Size

// Provider is the primitive surface consumed by the boot verifier and the
// VPN manager: hash, sign, verify, random, derive_key, attest.
type Provider interface {
	// Hash returns the digest of data.
	Hash(data []byte) [HashSize]byte

	// Sign signs data with the provider's signing key.
	Sign(data []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature of data under key.
	Verify(data, sig []byte, key ed25519.PublicKey) bool

	// Random fills buf with cryptographically secure random bytes.
	Random(buf []byte) error

	// DeriveKey derives size bytes of key material from handshake data.
	DeriveKey(handshake []byte, size int) ([]byte, error)

	// Attest signs an attestation payload with the provider's attestation
	// identity and returns the signature.
	Attest(data []byte) ([]byte, error)

	// PublicKey returns the provider's signing public key.
	PublicKey() ed25519.PublicKey
}

// New returns a Provider. When useHardware is set, a hardware-backed module
// is required; none is present on this build, so the caller receives
// ErrCapabilityUnavailable and decides whether to fail or fall back to the
// software path.
func New(useHardware bool) (Provider, error) {
	if useHardware {
		return nil, fmt.Errorf("new provider: %w", ErrCapabilityUnavailable)
	}
	return NewSoftwareProvider()
}

// SoftwareProvider implements Provider on stdlib and x/crypto primitives.
// Assurance is lower than a hardware module but functionality is identical.
type SoftwareProvider struct {
	signKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
}

// NewSoftwareProvider creates a software provider with a fresh signing key.
func NewSoftwareProvider() (*SoftwareProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &SoftwareProvider{signKey: priv, pubKey: pub}, nil
}

// NewSoftwareProviderFromSeed creates a provider with a deterministic key.
// Intended for tests and for pre-provisioned attestation identities.
func NewSoftwareProviderFromSeed(seed []byte) (*SoftwareProvider, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &SoftwareProvider{
		signKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Hash returns the SHA-256 digest of data.
func (p *SoftwareProvider) Hash(data []byte) [HashSize]byte {
	return sha256.Sum256(data)
}

// Sign signs data with the provider's ed25519 key.
func (p *SoftwareProvider) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(p.signKey, data), nil
}

// Verify reports whether sig is a valid ed25519 signature of data under key.
func (p *SoftwareProvider) Verify(data, sig []byte, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(key, data, sig)
}

// Random fills buf from the system CSPRNG.
func (p *SoftwareProvider) Random(buf []byte) error {
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("read random: %w", err)
	}
	return nil
}

// DeriveKey derives size bytes from handshake data via HKDF-SHA256.
func (p *SoftwareProvider) DeriveKey(handshake []byte, size int) ([]byte, error) {
	if len(handshake) == 0 {
		return nil, errors.New("derive key: empty handshake data")
	}
	key := make([]byte, size)
	r := hkdf.New(sha256.New, handshake, nil, []byte("bastion tunnel session"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Attest signs an attestation payload. The software provider uses its
// signing key as the attestation identity.
func (p *SoftwareProvider) Attest(data []byte) ([]byte, error) {
	return ed25519.Sign(p.signKey, data), nil
}

// PublicKey returns the signing public key.
func (p *SoftwareProvider) PublicKey() ed25519.PublicKey {
	return p.pubKey
}
