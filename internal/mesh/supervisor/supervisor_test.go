package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/relay"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingHandler captures demuxed frames for assertions.
type recordingHandler struct {
	mu       sync.Mutex
	gossip   []*common.GossipEnvelope
	requests []*common.IntentRequest
	resps    []*common.IntentResponse
}

func (h *recordingHandler) HandleGossip(_ common.NodeID, env *common.GossipEnvelope) {
	h.mu.Lock()
	h.gossip = append(h.gossip, env)
	h.mu.Unlock()
}
func (h *recordingHandler) HandleAntiEntropyReq(common.NodeID, *common.AntiEntropyReq)   {}
func (h *recordingHandler) HandleAntiEntropyResp(common.NodeID, *common.AntiEntropyResp) {}
func (h *recordingHandler) HandleIntentRequest(_ common.NodeID, req *common.IntentRequest) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	h.mu.Unlock()
}
func (h *recordingHandler) HandleIntentResponse(_ common.NodeID, resp *common.IntentResponse) {
	h.mu.Lock()
	h.resps = append(h.resps, resp)
	h.mu.Unlock()
}
func (h *recordingHandler) HandleRevocation(common.NodeID, *common.Revocation) {}

func (h *recordingHandler) gossipCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.gossip)
}

func (h *recordingHandler) requestCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.requests)
}

type testSup struct {
	sup     *Supervisor
	id      *identity.Identity
	handler *recordingHandler
	lan     *transport.LANAdapter
	ble     *transport.BLEAdapter
	relay   *transport.RelayAdapter
}

// fastConfig keeps probe and heartbeat cadence test-sized.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ProbeInterval = 200 * time.Millisecond
	cfg.ConnectedMultiplier = 2
	cfg.ProbeTimeout = time.Second
	cfg.ReconnectMin = 100 * time.Millisecond
	cfg.ReconnectMax = time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.FrameTTL = 3 * time.Second
	cfg.HeartbeatIntervals = map[common.TransportKind]time.Duration{
		common.TransportLAN:   200 * time.Millisecond,
		common.TransportUDP:   200 * time.Millisecond,
		common.TransportRelay: 200 * time.Millisecond,
		common.TransportBLE:   100 * time.Millisecond,
	}
	return cfg
}

func newTestSup(t *testing.T, mesh common.MeshID, hub *transport.BLEHub) *testSup {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	lanCfg := transport.DefaultLANConfig()
	lanCfg.ListenHost = "127.0.0.1"
	lanCfg.Port = 0
	lan := transport.NewLANAdapter(lanCfg, testLogger())

	adapters := []transport.Adapter{lan}
	var ble *transport.BLEAdapter
	if hub != nil {
		bleCfg := transport.DefaultBLEConfig()
		bleCfg.Hub = hub
		ble = transport.NewBLEAdapter(bleCfg, testLogger())
		adapters = append(adapters, ble)
	}

	sup, err := New(fastConfig(), id, adapters, testLogger())
	require.NoError(t, err)
	sup.SetMesh(mesh)
	handler := &recordingHandler{}
	sup.SetHandler(handler)

	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(func() { sup.Stop() })
	return &testSup{sup: sup, id: id, handler: handler, lan: lan, ble: ble}
}

func lanEndpointOf(ts *testSup) common.Endpoint {
	return common.LANEndpoint("127.0.0.1", ts.lan.Port())
}

// newRelaySup builds a supervisor whose only path to anyone is a relay.
func newRelaySup(t *testing.T, mesh common.MeshID) *testSup {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	ra := transport.NewRelayAdapter(transport.DefaultRelayConfig(), testLogger())
	sup, err := New(fastConfig(), id, []transport.Adapter{ra}, testLogger())
	require.NoError(t, err)
	sup.SetMesh(mesh)
	handler := &recordingHandler{}
	sup.SetHandler(handler)
	ra.SetHello(sup.Hello)

	require.NoError(t, sup.Start(context.Background()))
	t.Cleanup(func() { sup.Stop() })
	return &testSup{sup: sup, id: id, handler: handler, relay: ra}
}

func startRelayServer(t *testing.T) string {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv, err := relay.NewServer(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return "http://" + srv.Addr()
}

func gossipFrame(t *testing.T, origin common.NodeID) []byte {
	t.Helper()
	frame, err := common.EncodeFrame(common.FrameGossip, &common.GossipEnvelope{
		Kind:          common.RecordCost,
		RecordID:      "cost",
		RecordBytes:   []byte{0xa0},
		OriginNodeID:  origin,
		OriginVersion: 1,
		TTLHops:       4,
	})
	require.NoError(t, err)
	return frame
}

func TestLANConnectAndFrameDelivery(t *testing.T) {
	mesh := common.MeshID("00112233aabbccdd")
	a := newTestSup(t, mesh, nil)
	b := newTestSup(t, mesh, nil)

	a.sup.AddPeer(b.id.NodeID(), nil, []common.Endpoint{lanEndpointOf(b)})

	require.Eventually(t, func() bool {
		return a.sup.IsConnected(b.id.NodeID())
	}, 5*time.Second, 20*time.Millisecond, "dialer never connected")
	require.Eventually(t, func() bool {
		return b.sup.IsConnected(a.id.NodeID())
	}, 5*time.Second, 20*time.Millisecond, "listener never adopted the inbound connection")

	// The handshake proves the key on both sides.
	pub, ok := b.sup.PeerKey(a.id.NodeID())
	require.True(t, ok)
	assert.Equal(t, []byte(a.id.PublicKey()), []byte(pub))

	require.NoError(t, a.sup.SendFrame(context.Background(), b.id.NodeID(), gossipFrame(t, a.id.NodeID())))
	require.Eventually(t, func() bool {
		return b.handler.gossipCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, common.TransportLAN, a.sup.PeerTransport(b.id.NodeID()))

	// Heartbeats run at test cadence; the echoed sequence yields an RTT.
	require.Eventually(t, func() bool {
		return a.sup.PeerRTTMs(b.id.NodeID()) > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestHandshakeWrongMeshRejected(t *testing.T) {
	a := newTestSup(t, common.MeshID("00112233aabbccdd"), nil)
	b := newTestSup(t, common.MeshID("ffeeddccbbaa9988"), nil)

	a.sup.AddPeer(b.id.NodeID(), nil, []common.Endpoint{lanEndpointOf(b)})

	time.Sleep(1500 * time.Millisecond)
	assert.False(t, b.sup.IsConnected(a.id.NodeID()),
		"listener must reject a handshake for a different mesh")
}

func TestFailoverReplaysPendingAndDedups(t *testing.T) {
	mesh := common.MeshID("00112233aabbccdd")
	hub := transport.NewBLEHub()
	a := newTestSup(t, mesh, hub)
	b := newTestSup(t, mesh, hub)

	events := a.sup.Subscribe(32)

	a.sup.AddPeer(b.id.NodeID(), nil, []common.Endpoint{
		lanEndpointOf(b),
		common.BLEEndpoint(b.ble.MAC()),
	})
	require.Eventually(t, func() bool {
		return a.sup.IsConnected(b.id.NodeID()) &&
			a.sup.PeerTransport(b.id.NodeID()) == common.TransportLAN
	}, 5*time.Second, 20*time.Millisecond)

	req := common.IntentRequest{
		RequestID:    "req-1",
		OriginNodeID: a.id.NodeID(),
		CapabilityID: "cap-1",
		Intent:       "do the thing",
		Deadline:     time.Now().Add(time.Minute).UnixMilli(),
	}
	frame, err := common.EncodeFrame(common.FrameIntentRequest, &req)
	require.NoError(t, err)
	require.NoError(t, a.sup.SendRequest(context.Background(), b.id.NodeID(), req.RequestID, frame))

	require.Eventually(t, func() bool {
		return b.handler.requestCount() == 1
	}, 3*time.Second, 20*time.Millisecond)

	// Kill the LAN path from B's side: its conns close, its listener stays
	// down, and A must fail over to BLE.
	b.sup.RemovePeer(a.id.NodeID())
	require.NoError(t, b.lan.Stop())

	var switched bool
	deadline := time.After(10 * time.Second)
	for !switched {
		select {
		case ev := <-events:
			if ev.Type == EventTransportSwitch && ev.New == common.TransportBLE {
				switched = true
			}
		case <-deadline:
			t.Fatal("no transport switch to ble observed")
		}
	}

	require.Eventually(t, func() bool {
		return a.sup.PeerTransport(b.id.NodeID()) == common.TransportBLE
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, a.sup.Metrics().PendingReplayed, uint64(1),
		"pending request must replay on the new transport")

	// The replayed copy reaches B but the dedup filter serves it once.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, b.handler.requestCount())
}

func TestPeerDeadAfterSuspectHold(t *testing.T) {
	mesh := common.MeshID("00112233aabbccdd")
	hub := transport.NewBLEHub()
	a := newTestSup(t, mesh, hub)
	b := newTestSup(t, mesh, hub)

	events := a.sup.Subscribe(32)

	// BLE only, so losing it leaves no fallback.
	a.sup.AddPeer(b.id.NodeID(), nil, []common.Endpoint{common.BLEEndpoint(b.ble.MAC())})
	require.Eventually(t, func() bool {
		return a.sup.IsConnected(b.id.NodeID())
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, b.sup.Stop())

	var sawSuspect, sawDead bool
	deadline := time.After(10 * time.Second)
	for !sawDead {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventPeerSuspect:
				sawSuspect = true
			case EventPeerDead:
				sawDead = true
			}
		case <-deadline:
			t.Fatalf("peer never died (suspect=%v)", sawSuspect)
		}
	}
	assert.True(t, sawSuspect, "dead must pass through suspect first")

	for _, info := range a.sup.Peers() {
		if info.NodeID == b.id.NodeID() {
			assert.Equal(t, "dead", info.State)
		}
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	a := newTestSup(t, common.MeshID("00112233aabbccdd"), nil)
	err := a.sup.SendFrame(context.Background(), common.NodeID("deadbeefdeadbeefdeadbeefdeadbeef"), []byte{1})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindPeerUnreachable))
}

func TestQueueFullIsTransient(t *testing.T) {
	cfg := fastConfig()
	cfg.SendQueue = 1
	id, err := identity.Generate()
	require.NoError(t, err)
	sup, err := New(cfg, id, nil, testLogger())
	require.NoError(t, err)

	peer := common.NodeID("deadbeefdeadbeefdeadbeefdeadbeef")
	// Bypass Start so no writer drains the queue.
	p, _ := sup.peers.getOrCreate(peer, cfg.SendQueue)
	require.NoError(t, sup.enqueue(p, queuedFrame{bytes: []byte{1}, enqueued: time.Now()}))

	err = sup.SendFrame(context.Background(), peer, []byte{2})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTransient))
}

func TestDispatchBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.SendQueue = 1
	id, err := identity.Generate()
	require.NoError(t, err)
	sup, err := New(cfg, id, nil, testLogger())
	require.NoError(t, err)

	peer := common.NodeID("deadbeefdeadbeefdeadbeefdeadbeef")
	// Bypass Start so no writer drains the queue, then fill it.
	p, _ := sup.peers.getOrCreate(peer, cfg.SendQueue)
	require.NoError(t, sup.enqueue(p, queuedFrame{bytes: []byte{1}, enqueued: time.Now()}))

	var last error
	for i := 0; i < 6; i++ {
		last = sup.SendRequest(context.Background(), peer, fmt.Sprintf("req-%d", i), []byte{2})
		require.Error(t, last)
	}
	require.ErrorIs(t, last, gobreaker.ErrOpenState,
		"five straight queue-full failures must trip the breaker")
	assert.True(t, common.IsKind(last, common.KindTransient))
}

// TestRelayInvitePairing drives the issuer-side rendezvous: the issuer
// parks on the session its invite advertises, and a joiner holding
// nothing but that endpoint pairs with it through a live relay.
func TestRelayInvitePairing(t *testing.T) {
	mesh := common.MeshID("00112233aabbccdd")
	url := startRelayServer(t)
	issuer := newRelaySup(t, mesh)
	joiner := newRelaySup(t, mesh)

	ep := common.RelayEndpoint(url, "6de1b44ef0a94ad1b0f478788d42ac11")
	issuer.relay.Attach(ep)
	joiner.sup.AddPeer(issuer.id.NodeID(), nil, []common.Endpoint{ep})

	require.Eventually(t, func() bool {
		return joiner.sup.IsConnected(issuer.id.NodeID())
	}, 10*time.Second, 20*time.Millisecond, "joiner never paired through the relay")
	require.Eventually(t, func() bool {
		return issuer.sup.IsConnected(joiner.id.NodeID())
	}, 10*time.Second, 20*time.Millisecond, "issuer never adopted the relayed connection")
	assert.Equal(t, common.TransportRelay, joiner.sup.PeerTransport(issuer.id.NodeID()))

	// Frames traverse the splice end to end.
	require.NoError(t, joiner.sup.SendFrame(context.Background(), issuer.id.NodeID(), gossipFrame(t, joiner.id.NodeID())))
	require.Eventually(t, func() bool {
		return issuer.handler.gossipCount() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

// TestRelayReconnectMeetsOnPairSession covers the steady-state side:
// each peer knows the other's key but only a stale, distinct session
// id, the shape a reconnect is in once the invite session is gone. Both
// dials must meet in the session derived from the pair.
func TestRelayReconnectMeetsOnPairSession(t *testing.T) {
	mesh := common.MeshID("00112233aabbccdd")
	url := startRelayServer(t)
	a := newRelaySup(t, mesh)
	b := newRelaySup(t, mesh)

	a.sup.AddPeer(b.id.NodeID(), b.id.PublicKey(),
		[]common.Endpoint{common.RelayEndpoint(url, "00000000000000000000000000000001")})
	b.sup.AddPeer(a.id.NodeID(), a.id.PublicKey(),
		[]common.Endpoint{common.RelayEndpoint(url, "00000000000000000000000000000002")})

	require.Eventually(t, func() bool {
		return a.sup.IsConnected(b.id.NodeID()) && b.sup.IsConnected(a.id.NodeID())
	}, 10*time.Second, 20*time.Millisecond, "peers never met on the pair session")

	require.NoError(t, a.sup.SendFrame(context.Background(), b.id.NodeID(), gossipFrame(t, a.id.NodeID())))
	require.Eventually(t, func() bool {
		return b.handler.gossipCount() == 1
	}, 3*time.Second, 20*time.Millisecond)
}
