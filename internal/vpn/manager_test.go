package vpn

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/crypto"
)

func testManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	provider, err := crypto.NewSoftwareProvider()
	require.NoError(t, err)
	return NewManager(cfg, provider, nil, nil, nil)
}

func remoteKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func establish(t *testing.T, m *Manager, enc Encryption, auth Auth) string {
	t.Helper()
	id, err := m.CreateTunnel(TunnelConfig{
		LocalAddr:  "10.0.0.1:500",
		RemoteAddr: "198.51.100.2:500",
		Encryption: enc,
		Auth:       auth,
		RemoteKey:  remoteKey(),
	})
	require.NoError(t, err)
	return id
}

func TestCreateTunnel_Established(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	id := establish(t, m, EncryptionChaCha20, AuthNone)

	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusEstablished, st)

	stats := m.Stats()
	assert.Equal(t, 1, stats.TunnelsActive)
}

func TestCreateTunnel_InvalidRemoteKey(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	id, err := m.CreateTunnel(TunnelConfig{
		RemoteAddr: "198.51.100.2:500",
		Encryption: EncryptionAES256,
		RemoteKey:  []byte("short"),
	})
	require.ErrorIs(t, err, ErrHandshakeFailed)

	// Failed handshake leaves the tunnel closed, never established.
	st, statusErr := m.Status(id)
	require.NoError(t, statusErr)
	assert.Equal(t, StatusClosed, st)
	assert.Equal(t, uint64(1), m.Stats().HandshakeFails)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		enc  Encryption
		auth Auth
	}{
		{"aes128", EncryptionAES128, AuthNone},
		{"aes256", EncryptionAES256, AuthNone},
		{"chacha20", EncryptionChaCha20, AuthNone},
		{"plain-hmac", EncryptionNone, AuthHMACSHA256},
		{"plain-sha384", EncryptionNone, AuthSHA384},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := testManager(t, ManagerConfig{})
			id := establish(t, m, tc.enc, tc.auth)

			msg := []byte("the quick brown fox")
			frame, err := m.Encrypt(id, msg)
			require.NoError(t, err)
			if tc.enc != EncryptionNone {
				assert.False(t, bytes.Contains(frame, msg), "ciphertext must not contain plaintext")
			}

			got, err := m.Decrypt(id, frame)
			require.NoError(t, err)
			assert.Equal(t, msg, got)
		})
	}
}

func TestDecrypt_TamperDetected(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	id := establish(t, m, EncryptionAES256, AuthNone)

	frame, err := m.Encrypt(id, []byte("payload"))
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xff

	_, err = m.Decrypt(id, frame)
	assert.ErrorIs(t, err, ErrTunnelTampered)

	// A single failure drops the packet but keeps the tunnel up.
	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusEstablished, st)
}

func TestDecrypt_RepeatedTamperDegradesThenCloses(t *testing.T) {
	m := testManager(t, ManagerConfig{TamperThreshold: 2})
	id := establish(t, m, EncryptionChaCha20, AuthNone)

	bad := []byte("not a valid frame at all")
	for i := 0; i < 2; i++ {
		_, err := m.Decrypt(id, bad)
		assert.ErrorIs(t, err, ErrTunnelTampered)
	}

	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, st)

	// Past twice the threshold the tunnel is forcibly torn down.
	for i := 0; i < 2; i++ {
		m.Decrypt(id, bad)
	}
	st, err = m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, st)

	_, err = m.Decrypt(id, bad)
	assert.ErrorIs(t, err, ErrTunnelClosed)
}

func TestDecrypt_CleanFrameRecoversDegraded(t *testing.T) {
	m := testManager(t, ManagerConfig{TamperThreshold: 2})
	id := establish(t, m, EncryptionAES128, AuthNone)

	frame, err := m.Encrypt(id, []byte("hello"))
	require.NoError(t, err)

	bad := []byte("garbage garbage garbage")
	m.Decrypt(id, bad)
	m.Decrypt(id, bad)

	st, _ := m.Status(id)
	require.Equal(t, StatusDegraded, st)

	_, err = m.Decrypt(id, frame)
	require.NoError(t, err)
	st, _ = m.Status(id)
	assert.Equal(t, StatusEstablished, st)
}

func TestCloseTunnel_Idempotent(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	id := establish(t, m, EncryptionAES256, AuthNone)

	require.NoError(t, m.CloseTunnel(id))
	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, st)

	// Second close is a no-op, still closed, key never reactivated.
	require.NoError(t, m.CloseTunnel(id))
	st, err = m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, st)

	_, err = m.Encrypt(id, []byte("after close"))
	assert.ErrorIs(t, err, ErrTunnelClosed)
	_, err = m.Decrypt(id, []byte("after close"))
	assert.ErrorIs(t, err, ErrTunnelClosed)

	assert.Equal(t, uint64(1), m.Stats().TunnelsClosed)
}

func TestCloseTunnel_ZeroizesKey(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	id := establish(t, m, EncryptionAES256, AuthNone)

	tun, err := m.lookup(id)
	require.NoError(t, err)
	key := tun.key
	require.NotEmpty(t, key)

	require.NoError(t, m.CloseTunnel(id))
	assert.Nil(t, tun.key)
	assert.Equal(t, make([]byte, len(key)), key, "key material wiped in place")
}

func TestRemoveTunnel(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	id := establish(t, m, EncryptionChaCha20, AuthNone)

	require.NoError(t, m.RemoveTunnel(id))
	_, err := m.Status(id)
	assert.ErrorIs(t, err, ErrTunnelNotFound)
	assert.Empty(t, m.Tunnels())
}

func TestCreateTunnel_DuplicateID(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	_, err := m.CreateTunnel(TunnelConfig{ID: "t1", RemoteKey: remoteKey(), Encryption: EncryptionAES128})
	require.NoError(t, err)

	_, err = m.CreateTunnel(TunnelConfig{ID: "t1", RemoteKey: remoteKey(), Encryption: EncryptionAES128})
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestTunnels_Snapshot(t *testing.T) {
	m := testManager(t, ManagerConfig{})
	id := establish(t, m, EncryptionAES256, AuthNone)

	frame, err := m.Encrypt(id, []byte("12345"))
	require.NoError(t, err)
	_, err = m.Decrypt(id, frame)
	require.NoError(t, err)

	infos := m.Tunnels()
	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, id, info.ID)
	assert.Equal(t, "established", info.Status)
	assert.Equal(t, "aes256", info.Encryption)
	assert.Equal(t, uint64(5), info.BytesOut)
	assert.Equal(t, uint64(5), info.BytesIn)
	assert.Equal(t, uint64(1), info.PacketsSent)
	assert.Equal(t, uint64(1), info.PacketsRecvd)
}
