// Package vpn manages encrypted point-to-point tunnels: handshake, sealed
// transport, tamper accounting, and teardown. Key material lives only for
// the lifetime of a tunnel and is zeroized on close.
package vpn

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrHandshakeFailed indicates the key exchange did not complete. The
	// tunnel transitions to closed; handshakes are never auto-retried.
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrTunnelTampered indicates an authentication tag mismatch on decrypt.
	// The packet is dropped; the tunnel survives isolated failures.
	ErrTunnelTampered = errors.New("tunnel data tampered")

	// ErrTunnelClosed indicates an operation on a closed tunnel. Closed
	// tunnels are never reused, only recreated.
	ErrTunnelClosed = errors.New("tunnel closed")

	// ErrTunnelNotFound indicates an unknown tunnel id.
	ErrTunnelNotFound = errors.New("tunnel not found")
)

// Encryption selects the tunnel cipher.
type Encryption int

const (
	EncryptionNone Encryption = iota
	EncryptionAES128
	EncryptionAES256
	EncryptionChaCha20
)

// String returns the configuration name of the cipher.
func (e Encryption) String() string {
	switch e {
	case EncryptionNone:
		return "none"
	case EncryptionAES128:
		return "aes128"
	case EncryptionAES256:
		return "aes256"
	case EncryptionChaCha20:
		return "chacha20"
	default:
		return fmt.Sprintf("encryption(%d)", int(e))
	}
}

// ParseEncryption parses a configuration name into an Encryption.
func ParseEncryption(s string) (Encryption, error) {
	switch s {
	case "none", "":
		return EncryptionNone, nil
	case "aes128":
		return EncryptionAES128, nil
	case "aes256":
		return EncryptionAES256, nil
	case "chacha20":
		return EncryptionChaCha20, nil
	default:
		return 0, fmt.Errorf("unknown encryption %q", s)
	}
}

// keySize returns the session key length the cipher needs.
func (e Encryption) keySize() int {
	switch e {
	case EncryptionAES128:
		return 16
	case EncryptionAES256, EncryptionChaCha20:
		return 32
	default:
		return 0
	}
}

// Auth selects the integrity mechanism for unencrypted tunnels. AEAD
// ciphers carry their own authentication; Auth applies when Encryption is
// none.
type Auth int

const (
	AuthNone Auth = iota
	AuthSHA256
	AuthSHA384
	AuthHMACSHA256
)

// String returns the configuration name of the auth mechanism.
func (a Auth) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthSHA256:
		return "sha256"
	case AuthSHA384:
		return "sha384"
	case AuthHMACSHA256:
		return "hmac-sha256"
	default:
		return fmt.Sprintf("auth(%d)", int(a))
	}
}

// ParseAuth parses a configuration name into an Auth.
func ParseAuth(s string) (Auth, error) {
	switch s {
	case "none", "":
		return AuthNone, nil
	case "sha256":
		return AuthSHA256, nil
	case "sha384":
		return AuthSHA384, nil
	case "hmac-sha256":
		return AuthHMACSHA256, nil
	default:
		return 0, fmt.Errorf("unknown auth %q", s)
	}
}

// Status is the tunnel lifecycle state. Transitions are monotonic except
// established and degraded, which may oscillate before forced teardown.
type Status int

const (
	StatusConnecting Status = iota
	StatusEstablished
	StatusDegraded
	StatusClosed
)

// String returns the reporting name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusEstablished:
		return "established"
	case StatusDegraded:
		return "degraded"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// TunnelConfig describes one tunnel to establish.
type TunnelConfig struct {
	// ID identifies the tunnel. Empty generates one.
	ID string

	LocalAddr  string
	RemoteAddr string

	Encryption Encryption
	Auth       Auth

	// RemoteKey is the peer's public key contributed to the handshake.
	RemoteKey []byte
}

// TunnelInfo is a point-in-time snapshot of one tunnel.
type TunnelInfo struct {
	ID           string    `json:"id"`
	LocalAddr    string    `json:"local_addr"`
	RemoteAddr   string    `json:"remote_addr"`
	Encryption   string    `json:"encryption"`
	Auth         string    `json:"auth"`
	Status       string    `json:"status"`
	Established  time.Time `json:"established,omitempty"`
	BytesIn      uint64    `json:"bytes_in"`
	BytesOut     uint64    `json:"bytes_out"`
	TamperCount  uint64    `json:"tamper_count"`
	PacketsSent  uint64    `json:"packets_sent"`
	PacketsRecvd uint64    `json:"packets_received"`
}

// Stats aggregates manager counters for the security manager.
type Stats struct {
	TunnelsActive   int    `json:"tunnels_active"`
	TunnelsDegraded int    `json:"tunnels_degraded"`
	TunnelsClosed   uint64 `json:"tunnels_closed"`
	HandshakeFails  uint64 `json:"handshake_failures"`
	TamperDetected  uint64 `json:"tamper_detected"`
}
