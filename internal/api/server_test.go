package api

import (
	"encoding/json"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/bastion/internal/audit"
	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/events"
	"grimm.is/bastion/internal/firewall"
	"grimm.is/bastion/internal/manager"
)

func testServer(t *testing.T) (*Server, *manager.Manager) {
	t.Helper()
	cfg := &config.Config{
		Network: &config.NetworkConfig{
			DefaultAction: "deny",
			Rules: []config.RuleConfig{
				{Name: "allow-web", ID: 1, Action: "allow", DstPort: "80", Priority: 1},
			},
			Signatures: []config.SignatureConfig{
				{Name: "sqli", ID: 10, Payload: "SELECT * FROM", Severity: "high", Response: "log-only"},
			},
		},
		Manager: &config.ManagerConfig{EnableFirewall: true, EnableIDS: true, EnableVPN: true},
		Audit:   &config.AuditConfig{DBPath: ":memory:"},
	}
	mgr, err := manager.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return NewServer(mgr, config.APIConfig{}), mgr
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHandleStatus(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/api/v1/status")
	require.Equal(t, 200, rec.Code)

	var status manager.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Firewall.Enabled)
	assert.True(t, status.IDS.Enabled)
	assert.False(t, status.BootVerify.Enabled)
}

func TestHandleStats(t *testing.T) {
	s, mgr := testServer(t)
	mgr.ProcessPacket(&firewall.Packet{
		SrcAddr: netip.MustParseAddr("10.0.0.1"), DstAddr: netip.MustParseAddr("10.0.0.2"),
		DstPort: 80, Protocol: firewall.ProtocolTCP, Size: 10, Timestamp: time.Now(),
	}, "")

	rec := get(t, s, "/api/v1/stats")
	require.Equal(t, 200, rec.Code)

	var stats manager.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.Firewall.PacketsEvaluated)
}

func TestHandleRules(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/api/v1/rules")
	require.Equal(t, 200, rec.Code)

	var rules []firewall.RuleStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 1)
	assert.Equal(t, "allow-web", rules[0].Name)
}

func TestHandleAudit(t *testing.T) {
	s, mgr := testServer(t)
	mgr.RecordViolation(audit.Violation{Source: "ids", Kind: "intrusion", Severity: "high"})

	rec := get(t, s, "/api/v1/audit?limit=5")
	require.Equal(t, 200, rec.Code)

	var violations []audit.Violation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &violations))
	require.Len(t, violations, 1)
	assert.Equal(t, "intrusion", violations[0].Kind)

	rec = get(t, s, "/api/v1/audit?source=firewall")
	require.Equal(t, 200, rec.Code)
	violations = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &violations))
	assert.Empty(t, violations, "filter excludes other sources")
}

func TestHandleAttestation_NoneSealed(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/api/v1/attestation")
	assert.Equal(t, 404, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := testServer(t)

	rec := get(t, s, "/healthz")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "firewall")

	rec = get(t, s, "/livez")
	assert.Equal(t, 200, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/metrics")
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "security_")
}

func TestEventsWS_StreamsViolations(t *testing.T) {
	s, mgr := testServer(t)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws?types=audit.violation"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its hub subscription.
	time.Sleep(100 * time.Millisecond)

	mgr.RecordViolation(audit.Violation{Source: "vpn", Kind: "tunnel_tampered", Severity: "medium"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.EventViolation, ev.Type)
	assert.Equal(t, "vpn", ev.Source)
}
