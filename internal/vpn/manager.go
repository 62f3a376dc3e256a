package vpn

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"grimm.is/bastion/internal/clock"
	"grimm.is/bastion/internal/crypto"
	"grimm.is/bastion/internal/events"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/metrics"
)

const (
	// remoteKeySize is the expected peer public key length.
	remoteKeySize = 32

	// nonceSize is the AEAD nonce length. Both GCM and ChaCha20-Poly1305
	// use 96-bit nonces.
	nonceSize = 12

	// defaultTamperThreshold is the tag-mismatch count that forces a tunnel
	// into degraded state. Twice the threshold forces teardown.
	defaultTamperThreshold = 3
)

// tunnel holds one tunnel's state. All field access is serialized by mu;
// independent tunnels proceed concurrently.
type tunnel struct {
	mu sync.Mutex

	id  string
	cfg TunnelConfig

	// status is stored atomically so snapshots and gauge accounting can
	// read it without taking mu. Writes happen only under mu.
	status      atomic.Int32
	established time.Time

	key   []byte
	aead  cipher.AEAD
	nonce uint64

	tamperCount uint64
	bytesIn     uint64
	bytesOut    uint64
	pktsSent    uint64
	pktsRecvd   uint64
}

func (t *tunnel) getStatus() Status {
	return Status(t.status.Load())
}

func (t *tunnel) setStatus(s Status) {
	t.status.Store(int32(s))
}

// Manager owns the tunnel table and its lifecycle.
type Manager struct {
	mu      sync.RWMutex
	tunnels map[string]*tunnel

	provider        crypto.Provider
	clk             clock.Clock
	logger          *logging.Logger
	hub             *events.Hub
	tamperThreshold uint64

	closed         atomic.Uint64
	handshakeFails atomic.Uint64
	tampered       atomic.Uint64
}

// ManagerConfig configures the tunnel manager.
type ManagerConfig struct {
	// TamperThreshold is the per-tunnel decrypt failure count that forces
	// degraded state. Zero uses the default.
	TamperThreshold int
}

// NewManager creates a tunnel manager backed by the given primitive
// provider. hub may be nil; clk nil uses system time.
func NewManager(cfg ManagerConfig, provider crypto.Provider, clk clock.Clock, hub *events.Hub, logger *logging.Logger) *Manager {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	if logger == nil {
		logger = logging.WithComponent("vpn")
	}
	threshold := uint64(cfg.TamperThreshold)
	if threshold == 0 {
		threshold = defaultTamperThreshold
	}
	return &Manager{
		tunnels:         make(map[string]*tunnel),
		provider:        provider,
		clk:             clk,
		logger:          logger,
		hub:             hub,
		tamperThreshold: threshold,
	}
}

// CreateTunnel performs the key-exchange handshake and registers the tunnel.
// Success leaves it established; any handshake failure leaves it closed and
// is never auto-retried.
func (m *Manager) CreateTunnel(cfg TunnelConfig) (string, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.tunnels[cfg.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("tunnel %s: %w: duplicate id", cfg.ID, ErrHandshakeFailed)
	}
	t := &tunnel{id: cfg.ID, cfg: cfg}
	t.setStatus(StatusConnecting)
	m.tunnels[cfg.ID] = t
	m.mu.Unlock()

	if err := m.handshake(t); err != nil {
		t.mu.Lock()
		t.setStatus(StatusClosed)
		t.mu.Unlock()
		m.handshakeFails.Add(1)
		metrics.Get().TunnelHandshakes.WithLabelValues("failure").Inc()
		m.publishState(t, "handshake failed")
		m.logger.Error("tunnel handshake failed", "tunnel_id", cfg.ID, "remote", cfg.RemoteAddr, "error", err)
		return cfg.ID, fmt.Errorf("tunnel %s: %w: %v", cfg.ID, ErrHandshakeFailed, err)
	}

	t.mu.Lock()
	t.setStatus(StatusEstablished)
	t.established = m.clk.Now()
	t.mu.Unlock()

	metrics.Get().TunnelHandshakes.WithLabelValues("success").Inc()
	m.updateActiveGauge()
	m.publishState(t, "")
	m.logger.Info("tunnel established",
		"tunnel_id", cfg.ID,
		"remote", cfg.RemoteAddr,
		"encryption", cfg.Encryption.String(),
		"auth", cfg.Auth.String())
	return cfg.ID, nil
}

// handshake validates the peer key, mixes in a local ephemeral contribution,
// and derives the session key and cipher state.
func (m *Manager) handshake(t *tunnel) error {
	if len(t.cfg.RemoteKey) != remoteKeySize {
		return fmt.Errorf("remote key must be %d bytes, got %d", remoteKeySize, len(t.cfg.RemoteKey))
	}

	local := make([]byte, remoteKeySize)
	if err := m.provider.Random(local); err != nil {
		return err
	}

	material := make([]byte, 0, 2*remoteKeySize)
	material = append(material, t.cfg.RemoteKey...)
	material = append(material, local...)

	size := t.cfg.Encryption.keySize()
	if size == 0 {
		// Unencrypted tunnels still derive a key for the auth tag.
		size = sha256.Size
	}
	key, err := m.provider.DeriveKey(material, size)
	if err != nil {
		return err
	}

	aead, err := newAEAD(t.cfg.Encryption, key)
	if err != nil {
		zeroize(key)
		return err
	}

	t.mu.Lock()
	t.key = key
	t.aead = aead
	t.mu.Unlock()
	return nil
}

func newAEAD(enc Encryption, key []byte) (cipher.AEAD, error) {
	switch enc {
	case EncryptionNone:
		return nil, nil
	case EncryptionAES128, EncryptionAES256:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case EncryptionChaCha20:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unknown encryption %d", int(enc))
	}
}

// Encrypt seals plaintext for transmission on the tunnel. The frame is
// nonce || ciphertext for AEAD ciphers, or plaintext || tag for
// authenticated-only tunnels.
func (m *Manager) Encrypt(id string, plaintext []byte) ([]byte, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.getStatus() == StatusClosed {
		return nil, fmt.Errorf("encrypt on tunnel %s: %w", id, ErrTunnelClosed)
	}

	var frame []byte
	if t.aead != nil {
		nonce := make([]byte, nonceSize)
		t.nonce++
		binary.BigEndian.PutUint64(nonce[nonceSize-8:], t.nonce)
		frame = append(nonce, t.aead.Seal(nil, nonce, plaintext, nil)...)
	} else {
		frame = append([]byte(nil), plaintext...)
		frame = append(frame, authTag(t.cfg.Auth, t.key, plaintext)...)
	}

	t.bytesOut += uint64(len(plaintext))
	t.pktsSent++
	metrics.Get().TunnelBytes.WithLabelValues(id, "out").Add(float64(len(plaintext)))
	return frame, nil
}

// Decrypt opens a received frame. A tag mismatch drops the frame with
// ErrTunnelTampered; repeated mismatches degrade the tunnel and eventually
// force teardown.
func (m *Manager) Decrypt(id string, frame []byte) ([]byte, error) {
	t, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.getStatus() == StatusClosed {
		return nil, fmt.Errorf("decrypt on tunnel %s: %w", id, ErrTunnelClosed)
	}

	plaintext, err := t.open(frame)
	if err != nil {
		return nil, m.recordTamperLocked(t)
	}

	// A clean decrypt on a degraded tunnel restores it.
	if t.getStatus() == StatusDegraded {
		t.setStatus(StatusEstablished)
		m.logger.Info("tunnel recovered", "tunnel_id", t.id)
	}

	t.bytesIn += uint64(len(plaintext))
	t.pktsRecvd++
	metrics.Get().TunnelBytes.WithLabelValues(id, "in").Add(float64(len(plaintext)))
	return plaintext, nil
}

// open verifies and unseals a frame. Caller holds t.mu.
func (t *tunnel) open(frame []byte) ([]byte, error) {
	if t.aead != nil {
		if len(frame) < nonceSize {
			return nil, fmt.Errorf("frame too short")
		}
		return t.aead.Open(nil, frame[:nonceSize], frame[nonceSize:], nil)
	}

	tagLen := len(authTag(t.cfg.Auth, t.key, nil))
	if len(frame) < tagLen {
		return nil, fmt.Errorf("frame too short")
	}
	body, tag := frame[:len(frame)-tagLen], frame[len(frame)-tagLen:]
	if tagLen > 0 && subtle.ConstantTimeCompare(tag, authTag(t.cfg.Auth, t.key, body)) != 1 {
		return nil, fmt.Errorf("auth tag mismatch")
	}
	return append([]byte(nil), body...), nil
}

// authTag computes the integrity tag for authenticated-only tunnels.
func authTag(a Auth, key, body []byte) []byte {
	switch a {
	case AuthSHA256, AuthHMACSHA256:
		mac := hmac.New(sha256.New, key)
		mac.Write(body)
		return mac.Sum(nil)
	case AuthSHA384:
		mac := hmac.New(sha512.New384, key)
		mac.Write(body)
		return mac.Sum(nil)
	default:
		return nil
	}
}

// recordTamperLocked accounts one decrypt failure and applies the
// degrade/teardown policy. Caller holds t.mu.
func (m *Manager) recordTamperLocked(t *tunnel) error {
	t.tamperCount++
	m.tampered.Add(1)
	metrics.Get().TunnelTampered.WithLabelValues(t.id).Inc()

	m.logger.Warn("tunnel data tampered",
		"tunnel_id", t.id,
		"tamper_count", t.tamperCount,
		"threshold", m.tamperThreshold)

	if m.hub != nil {
		m.hub.Publish(events.Event{
			Type:   events.EventTunnelTamper,
			Source: "vpn",
			Data: events.TunnelStateData{
				TunnelID: t.id,
				Status:   t.getStatus().String(),
				Remote:   t.cfg.RemoteAddr,
				Reason:   "auth tag mismatch",
			},
		})
	}

	switch {
	case t.tamperCount >= 2*m.tamperThreshold:
		m.closeLocked(t, "tamper threshold exceeded, forced teardown")
	case t.tamperCount >= m.tamperThreshold && t.getStatus() == StatusEstablished:
		t.setStatus(StatusDegraded)
		m.logger.Warn("tunnel degraded", "tunnel_id", t.id)
		m.publishState(t, "repeated tamper")
	}

	return fmt.Errorf("decrypt on tunnel %s: %w", t.id, ErrTunnelTampered)
}

// CloseTunnel zeroizes key material and transitions the tunnel to closed.
// Idempotent; a closed tunnel stays closed.
func (m *Manager) CloseTunnel(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.getStatus() != StatusClosed {
		m.closeLocked(t, "closed by request")
	}
	t.mu.Unlock()
	return nil
}

// closeLocked performs the irreversible close. Caller holds t.mu.
func (m *Manager) closeLocked(t *tunnel, reason string) {
	zeroize(t.key)
	t.key = nil
	t.aead = nil
	t.setStatus(StatusClosed)

	m.closed.Add(1)
	m.updateActiveGauge()
	m.publishState(t, reason)
	m.logger.Info("tunnel closed", "tunnel_id", t.id, "reason", reason)
}

// RemoveTunnel closes the tunnel if needed and drops it from the table.
func (m *Manager) RemoveTunnel(id string) error {
	if err := m.CloseTunnel(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.tunnels, id)
	m.mu.Unlock()
	m.updateActiveGauge()
	return nil
}

// Status returns the tunnel's lifecycle state.
func (m *Manager) Status(id string) (Status, error) {
	t, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return t.getStatus(), nil
}

// Tunnels returns a snapshot of every tunnel in the table.
func (m *Manager) Tunnels() []TunnelInfo {
	m.mu.RLock()
	list := make([]*tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		list = append(list, t)
	}
	m.mu.RUnlock()

	out := make([]TunnelInfo, 0, len(list))
	for _, t := range list {
		t.mu.Lock()
		out = append(out, TunnelInfo{
			ID:           t.id,
			LocalAddr:    t.cfg.LocalAddr,
			RemoteAddr:   t.cfg.RemoteAddr,
			Encryption:   t.cfg.Encryption.String(),
			Auth:         t.cfg.Auth.String(),
			Status:       t.getStatus().String(),
			Established:  t.established,
			BytesIn:      t.bytesIn,
			BytesOut:     t.bytesOut,
			TamperCount:  t.tamperCount,
			PacketsSent:  t.pktsSent,
			PacketsRecvd: t.pktsRecvd,
		})
		t.mu.Unlock()
	}
	return out
}

// Stats returns aggregated manager counters.
func (m *Manager) Stats() Stats {
	active, degraded := m.countStates()
	return Stats{
		TunnelsActive:   active,
		TunnelsDegraded: degraded,
		TunnelsClosed:   m.closed.Load(),
		HandshakeFails:  m.handshakeFails.Load(),
		TamperDetected:  m.tampered.Load(),
	}
}

func (m *Manager) lookup(id string) (*tunnel, error) {
	m.mu.RLock()
	t, ok := m.tunnels[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tunnel %s: %w", id, ErrTunnelNotFound)
	}
	return t, nil
}

func (m *Manager) countStates() (active, degraded int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tunnels {
		switch t.getStatus() {
		case StatusEstablished:
			active++
		case StatusDegraded:
			active++
			degraded++
		}
	}
	return active, degraded
}

func (m *Manager) updateActiveGauge() {
	active, _ := m.countStates()
	metrics.Get().TunnelsActive.Set(float64(active))
}

func (m *Manager) publishState(t *tunnel, reason string) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(events.Event{
		Type:   events.EventTunnelState,
		Source: "vpn",
		Data: events.TunnelStateData{
			TunnelID: t.id,
			Status:   t.getStatus().String(),
			Remote:   t.cfg.RemoteAddr,
			Reason:   reason,
		},
	})
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
