package relay

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PairingTimeout = 2 * time.Second
	cfg.IdleTimeout = 5 * time.Second
	cfg.RatePerSecond = 200
	cfg.RateBurst = 400
	return cfg
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(cfg, testLogger())
	require.NoError(t, err)
	s.startedAt = time.Now()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return strings.Replace(ts.URL, "http", "ws", 1) + path
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	return id
}

func handshakeFrame(t *testing.T, id *identity.Identity, mesh common.MeshID) []byte {
	t.Helper()
	auth, err := id.NewSessionAuth(time.Now().UnixMilli())
	require.NoError(t, err)
	frame, err := common.EncodeFrame(common.FrameHandshake, common.Handshake{
		NodeID:    id.NodeID(),
		PublicKey: id.PublicKey(),
		MeshID:    mesh,
		Auth:      auth,
	})
	require.NoError(t, err)
	return frame
}

// attach dials the pairing path and sends the authenticated hello.
func attach(t *testing.T, ts *httptest.Server, sessionID string, hello []byte) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/relay/"+sessionID), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, hello))
	return ws
}

func readBinary(t *testing.T, ws *websocket.Conn, timeout time.Duration) []byte {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(timeout))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	return data
}

func expectClosed(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		assert.True(t, websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
		return
	}
}

func TestPairAndSplice(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	mesh, err := common.NewMeshID()
	require.NoError(t, err)

	alice := newIdentity(t)
	bob := newIdentity(t)
	helloA := handshakeFrame(t, alice, mesh)
	helloB := handshakeFrame(t, bob, mesh)

	wsA := attach(t, ts, "session-1", helloA)
	wsB := attach(t, ts, "session-1", helloB)

	// Each side receives the partner's hello first.
	gotOnB := readBinary(t, wsB, 3*time.Second)
	assert.True(t, bytes.Equal(helloA, gotOnB))
	gotOnA := readBinary(t, wsA, 3*time.Second)
	assert.True(t, bytes.Equal(helloB, gotOnA))

	// Then arbitrary frames flow both ways.
	ping, err := common.EncodeFrame(common.FrameHeartbeat, common.Heartbeat{
		NodeID: alice.NodeID(), Sequence: 7,
	})
	require.NoError(t, err)
	require.NoError(t, wsA.WriteMessage(websocket.BinaryMessage, ping))
	assert.True(t, bytes.Equal(ping, readBinary(t, wsB, 3*time.Second)))

	pong, err := common.EncodeFrame(common.FrameHeartbeat, common.Heartbeat{
		NodeID: bob.NodeID(), Sequence: 8, AckSeq: 7,
	})
	require.NoError(t, err)
	require.NoError(t, wsB.WriteMessage(websocket.BinaryMessage, pong))
	assert.True(t, bytes.Equal(pong, readBinary(t, wsA, 3*time.Second)))
}

func TestPartnerCloseTearsDownCircuit(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	mesh, err := common.NewMeshID()
	require.NoError(t, err)

	wsA := attach(t, ts, "session-1", handshakeFrame(t, newIdentity(t), mesh))
	wsB := attach(t, ts, "session-1", handshakeFrame(t, newIdentity(t), mesh))

	readBinary(t, wsA, 3*time.Second)
	readBinary(t, wsB, 3*time.Second)

	wsA.Close()
	wsB.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := wsB.ReadMessage(); err != nil {
			break
		}
	}
}

func TestPairingTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PairingTimeout = 300 * time.Millisecond
	_, ts := newTestServer(t, cfg)
	mesh, err := common.NewMeshID()
	require.NoError(t, err)

	ws := attach(t, ts, "lonely", handshakeFrame(t, newIdentity(t), mesh))
	expectClosed(t, ws, websocket.CloseTryAgainLater)
}

func TestThirdClientRejected(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())
	mesh, err := common.NewMeshID()
	require.NoError(t, err)

	attach(t, ts, "session-1", handshakeFrame(t, newIdentity(t), mesh))
	attach(t, ts, "session-1", handshakeFrame(t, newIdentity(t), mesh))

	// Give the first two time to pair so the session is full, not replaced.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		sess := srv.sessions["session-1"]
		if sess == nil {
			return false
		}
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return len(sess.sides) == 2
	}, 2*time.Second, 20*time.Millisecond)

	third := attach(t, ts, "session-1", handshakeFrame(t, newIdentity(t), mesh))
	expectClosed(t, third, websocket.ClosePolicyViolation)
}

func TestAttachRejectsTamperedAuth(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	mesh, err := common.NewMeshID()
	require.NoError(t, err)

	id := newIdentity(t)
	auth, err := id.NewSessionAuth(time.Now().UnixMilli())
	require.NoError(t, err)
	auth.Signature[0] ^= 0xFF
	frame, err := common.EncodeFrame(common.FrameHandshake, common.Handshake{
		NodeID:    id.NodeID(),
		PublicKey: id.PublicKey(),
		MeshID:    mesh,
		Auth:      auth,
	})
	require.NoError(t, err)

	ws := attach(t, ts, "session-1", frame)
	expectClosed(t, ws, websocket.ClosePolicyViolation)
}

func TestAttachRejectsForeignKey(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	mesh, err := common.NewMeshID()
	require.NoError(t, err)

	// Auth signed by one key, handshake claiming another key's node id.
	signer := newIdentity(t)
	imposterPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	auth, err := signer.NewSessionAuth(time.Now().UnixMilli())
	require.NoError(t, err)
	frame, err := common.EncodeFrame(common.FrameHandshake, common.Handshake{
		NodeID:    signer.NodeID(),
		PublicKey: imposterPub,
		MeshID:    mesh,
		Auth:      auth,
	})
	require.NoError(t, err)

	ws := attach(t, ts, "session-1", frame)
	expectClosed(t, ws, websocket.ClosePolicyViolation)
}

func TestNonceReplayByOtherNodeRejected(t *testing.T) {
	_, ts := newTestServer(t, testConfig())
	mesh, err := common.NewMeshID()
	require.NoError(t, err)

	alice := newIdentity(t)
	mallory := newIdentity(t)

	authA, err := alice.NewSessionAuth(time.Now().UnixMilli())
	require.NoError(t, err)
	helloA, err := common.EncodeFrame(common.FrameHandshake, common.Handshake{
		NodeID: alice.NodeID(), PublicKey: alice.PublicKey(), MeshID: mesh, Auth: authA,
	})
	require.NoError(t, err)
	attach(t, ts, "session-1", helloA)

	// Mallory signs a valid auth of their own but lifts Alice's nonce.
	authM := common.SessionAuth{
		NodeID:    mallory.NodeID(),
		Nonce:     authA.Nonce,
		Timestamp: time.Now().UnixMilli(),
	}
	authM.Signature = mallory.Sign(authM.SigningBytes())
	helloM, err := common.EncodeFrame(common.FrameHandshake, common.Handshake{
		NodeID: mallory.NodeID(), PublicKey: mallory.PublicKey(), MeshID: mesh, Auth: authM,
	})
	require.NoError(t, err)

	replay := attach(t, ts, "session-2", helloM)
	expectClosed(t, replay, websocket.ClosePolicyViolation)
}

func TestNonceReuseBySameNodeAccepted(t *testing.T) {
	srv, ts := newTestServer(t, testConfig())
	mesh, err := common.NewMeshID()
	require.NoError(t, err)

	id := newIdentity(t)
	hello := handshakeFrame(t, id, mesh)

	first := attach(t, ts, "session-1", hello)
	first.Close()

	// Wait for the relay to reap the dropped attachment.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.sessions) == 0
	}, 2*time.Second, 20*time.Millisecond)

	// Reconnecting with the same nonce is the crash-recovery path.
	second := attach(t, ts, "session-1", hello)
	partner := attach(t, ts, "session-1", handshakeFrame(t, newIdentity(t), mesh))

	got := readBinary(t, partner, 3*time.Second)
	assert.True(t, bytes.Equal(hello, got))
	got = readBinary(t, second, 3*time.Second)
	require.NotEmpty(t, got)
}

func TestStaleAuthTimestampRejected(t *testing.T) {
	cfg := testConfig()
	cfg.AuthWindow = 30 * time.Second
	_, ts := newTestServer(t, cfg)
	mesh, err := common.NewMeshID()
	require.NoError(t, err)

	id := newIdentity(t)
	auth, err := id.NewSessionAuth(time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, err)
	frame, err := common.EncodeFrame(common.FrameHandshake, common.Handshake{
		NodeID:    id.NodeID(),
		PublicKey: id.PublicKey(),
		MeshID:    mesh,
		Auth:      auth,
	})
	require.NoError(t, err)

	ws := attach(t, ts, "session-1", frame)
	expectClosed(t, ws, websocket.ClosePolicyViolation)
}

func TestFirstFrameMustBeHandshake(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	frame, err := common.EncodeFrame(common.FrameHeartbeat, common.Heartbeat{Sequence: 1})
	require.NoError(t, err)
	ws := attach(t, ts, "session-1", frame)
	expectClosed(t, ws, websocket.ClosePolicyViolation)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.Sessions)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "atmosphere_relay_")
}

func vendInvite(t *testing.T, ts *httptest.Server, encoded string) vendResponse {
	t.Helper()
	body, err := json.Marshal(vendRequest{Token: encoded})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/invite", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var vr vendResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vr))
	return vr
}

func TestInviteVendAndFetch(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	mesh, err := common.NewMeshID()
	require.NoError(t, err)
	meshPub, meshPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	founder := newIdentity(t)

	tok, err := identity.CreateInvite(mesh, meshPriv, founder.NodeID(),
		[]string{"member"}, []common.Endpoint{common.RelayEndpoint("wss://relay.example.com", "s1")},
		time.Hour, time.Now())
	require.NoError(t, err)
	encoded, err := identity.EncodeInvite(tok)
	require.NoError(t, err)

	vr := vendInvite(t, ts, encoded)
	assert.Regexp(t, `^[A-Z2-9]{4}(-[A-Z2-9]{4}){3}$`, vr.Code)
	assert.Greater(t, vr.ExpiresAt, time.Now().UnixMilli())

	resp, err := http.Get(ts.URL + "/invite/" + vr.Code)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fr fetchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fr))
	assert.Equal(t, encoded, fr.Token)

	// The fetched token still verifies offline.
	fetched, err := identity.DecodeInvite(fr.Token)
	require.NoError(t, err)
	require.NoError(t, identity.VerifyInvite(fetched, meshPub, time.Now(), identity.VerifyOptions{}))
}

func TestInviteFetchNormalizesCode(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	mesh, err := common.NewMeshID()
	require.NoError(t, err)
	_, meshPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tok, err := identity.CreateInvite(mesh, meshPriv, newIdentity(t).NodeID(),
		nil, nil, time.Hour, time.Now())
	require.NoError(t, err)
	encoded, err := identity.EncodeInvite(tok)
	require.NoError(t, err)

	vr := vendInvite(t, ts, encoded)
	sloppy := strings.ToLower(strings.ReplaceAll(vr.Code, "-", ""))

	resp, err := http.Get(ts.URL + "/invite/" + sloppy)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestInviteUnknownCode(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	resp, err := http.Get(ts.URL + "/invite/AAAA-AAAA-AAAA-AAAA")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInviteVendRejectsExpired(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	mesh, err := common.NewMeshID()
	require.NoError(t, err)
	_, meshPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tok, err := identity.CreateInvite(mesh, meshPriv, newIdentity(t).NodeID(),
		nil, nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	encoded, err := identity.EncodeInvite(tok)
	require.NoError(t, err)

	body, err := json.Marshal(vendRequest{Token: encoded})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/invite", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInviteVendRejectsGarbage(t *testing.T) {
	_, ts := newTestServer(t, testConfig())

	body, err := json.Marshal(vendRequest{Token: "not-a-token"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/invite", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInviteVaultGC(t *testing.T) {
	v := newInviteVault()
	now := time.Now()
	v.now = func() time.Time { return now }

	v.put("AAAA-AAAA-AAAA-AAAA", "tok1", now.Add(time.Minute))
	v.put("BBBB-BBBB-BBBB-BBBB", "tok2", now.Add(time.Hour))
	require.Equal(t, 2, v.size())

	now = now.Add(30 * time.Minute)
	assert.Equal(t, 1, v.gc())
	assert.Equal(t, 1, v.size())

	_, ok := v.get("AAAA-AAAA-AAAA-AAAA")
	assert.False(t, ok)
	tok, ok := v.get("BBBB-BBBB-BBBB-BBBB")
	assert.True(t, ok)
	assert.Equal(t, "tok2", tok)
}

func TestRateLimitKicksIn(t *testing.T) {
	cfg := testConfig()
	cfg.RatePerSecond = 2
	cfg.RateBurst = 2
	_, ts := newTestServer(t, cfg)

	limited := false
	for i := 0; i < 20; i++ {
		resp, err := http.Get(ts.URL + "/health")
		require.NoError(t, err)
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "rate limit never engaged")
}
