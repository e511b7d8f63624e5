package gossip

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/routing"
)

// memNetwork connects engines in memory, delivering frames by direct
// dispatch so a whole mesh runs inside one test.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[common.NodeID]*simNode
	links map[common.NodeID]map[common.NodeID]bool
}

type simNode struct {
	id     *identity.Identity
	reg    *registry.Registry
	routes *routing.Table
	eng    *Engine
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes: make(map[common.NodeID]*simNode),
		links: make(map[common.NodeID]map[common.NodeID]bool),
	}
}

func (n *memNetwork) addNode(t *testing.T, cfg Config) *simNode {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	sn := &simNode{
		id:     id,
		reg:    registry.New(registry.DefaultConfig(), id, nil, testLogger()),
		routes: routing.New(routing.DefaultConfig(), testLogger()),
	}
	eng, err := New(cfg, id.NodeID(), sn.reg, sn.routes, &memSender{net: n, self: id.NodeID()}, testLogger())
	require.NoError(t, err)
	sn.eng = eng

	n.mu.Lock()
	n.nodes[id.NodeID()] = sn
	n.links[id.NodeID()] = make(map[common.NodeID]bool)
	n.mu.Unlock()
	return sn
}

func (n *memNetwork) link(a, b common.NodeID) {
	n.mu.Lock()
	n.links[a][b] = true
	n.links[b][a] = true
	n.mu.Unlock()
}

func (n *memNetwork) unlinkAll(a common.NodeID) {
	n.mu.Lock()
	for b := range n.links[a] {
		delete(n.links[b], a)
	}
	n.links[a] = make(map[common.NodeID]bool)
	n.mu.Unlock()
}

func (n *memNetwork) peersOf(a common.NodeID) []common.NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]common.NodeID, 0, len(n.links[a]))
	for b := range n.links[a] {
		out = append(out, b)
	}
	return out
}

func (n *memNetwork) nodeFor(id common.NodeID) (*simNode, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	sn, ok := n.nodes[id]
	return sn, ok
}

func (n *memNetwork) linked(a, b common.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.links[a][b]
}

type memSender struct {
	net  *memNetwork
	self common.NodeID
}

func (s *memSender) ConnectedPeers() []common.NodeID {
	return s.net.peersOf(s.self)
}

func (s *memSender) SendFrame(_ context.Context, peer common.NodeID, frame []byte) error {
	if !s.net.linked(s.self, peer) {
		return common.Ef(common.KindPeerUnreachable, "sim send", "no link %s -> %s", s.self.Short(), peer.Short())
	}
	target, ok := s.net.nodeFor(peer)
	if !ok {
		return common.Ef(common.KindPeerUnreachable, "sim send", "unknown node %s", peer.Short())
	}
	f, err := common.DecodeFrame(frame)
	if err != nil {
		return err
	}
	switch f.Type {
	case common.FrameGossip:
		var env common.GossipEnvelope
		if err := common.DecodePayload(f, &env); err != nil {
			return err
		}
		target.eng.Ingest(s.self, &env)
	case common.FrameAntiEntropyReq:
		var req common.AntiEntropyReq
		if err := common.DecodePayload(f, &req); err != nil {
			return err
		}
		target.eng.HandleAntiEntropyReq(s.self, &req)
	case common.FrameAntiEntropyResp:
		var resp common.AntiEntropyResp
		if err := common.DecodePayload(f, &resp); err != nil {
			return err
		}
		target.eng.HandleAntiEntropyResp(s.self, &resp)
	}
	return nil
}

func (s *memSender) PeerRTTMs(common.NodeID) float64            { return 5 }
func (s *memSender) PeerTransport(common.NodeID) common.TransportKind { return common.TransportLAN }

func simConfig() Config {
	cfg := DefaultConfig()
	cfg.AntiEntropyInterval = 200 * time.Millisecond
	return cfg
}

// buildMesh wires count nodes into a ring with random chords, a connected
// graph with small diameter like a real mesh after a few joins.
func buildMesh(t *testing.T, net *memNetwork, count int) []*simNode {
	t.Helper()
	nodes := make([]*simNode, count)
	for i := range nodes {
		nodes[i] = net.addNode(t, simConfig())
	}
	for i := range nodes {
		next := nodes[(i+1)%count]
		net.link(nodes[i].id.NodeID(), next.id.NodeID())
		chord := nodes[rand.Intn(count)]
		if chord != nodes[i] {
			net.link(nodes[i].id.NodeID(), chord.id.NodeID())
		}
	}
	for _, sn := range nodes {
		require.NoError(t, sn.eng.Start(context.Background()))
	}
	t.Cleanup(func() {
		for _, sn := range nodes {
			_ = sn.eng.Stop()
		}
	})
	return nodes
}

func haveCap(nodes []*simNode, capID string, skip *simNode) int {
	n := 0
	for _, sn := range nodes {
		if sn == skip {
			continue
		}
		if _, ok := sn.reg.Snapshot().Caps[capID]; ok {
			n++
		}
	}
	return n
}

func TestConvergenceAcrossMesh(t *testing.T) {
	const count = 20
	net := newMemNetwork()
	nodes := buildMesh(t, net, count)

	origin := nodes[0]
	rec := signedCap(t, origin.id, "cap-converge", "echo text back", 1)
	origin.eng.PublishCapability(rec)

	require.Eventually(t, func() bool {
		return haveCap(nodes, "cap-converge", origin) == count-1
	}, 8*time.Second, 20*time.Millisecond, "every node should hold the record")

	// Distant nodes learned the route through gossip, not direct contact.
	var maxHops int
	for _, sn := range nodes[1:] {
		for _, e := range sn.routes.Snapshot().Lookup("cap-converge") {
			if e.HopCount > maxHops {
				maxHops = e.HopCount
			}
		}
	}
	assert.Greater(t, maxHops, 1, "some node is more than one hop from the origin")
}

func TestConvergenceUnderChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("churn simulation")
	}
	const count = 25
	net := newMemNetwork()
	nodes := buildMesh(t, net, count)

	origin := nodes[0]
	rec := signedCap(t, origin.id, "cap-churn", "survive churn", 1)
	origin.eng.PublishCapability(rec)

	// One second of churn: every 100 ms a random non-origin node drops off
	// and rejoins somewhere else in the ring.
	for i := 0; i < 10; i++ {
		victim := nodes[1+rand.Intn(count-1)]
		net.unlinkAll(victim.id.NodeID())
		a := nodes[rand.Intn(count)]
		b := nodes[rand.Intn(count)]
		if a != victim {
			net.link(victim.id.NodeID(), a.id.NodeID())
		}
		if b != victim {
			net.link(victim.id.NodeID(), b.id.NodeID())
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Anti-entropy repairs whatever the churn dropped.
	require.Eventually(t, func() bool {
		return haveCap(nodes, "cap-churn", origin) == count-1
	}, 10*time.Second, 50*time.Millisecond)
}

func TestAntiEntropyRepairsOfflineNode(t *testing.T) {
	net := newMemNetwork()
	cfg := simConfig()
	a := net.addNode(t, cfg)
	b := net.addNode(t, cfg)
	require.NoError(t, a.eng.Start(context.Background()))
	require.NoError(t, b.eng.Start(context.Background()))
	t.Cleanup(func() { _ = a.eng.Stop(); _ = b.eng.Stop() })

	// A learns three lineages while B is offline.
	owner, err := identity.Generate()
	require.NoError(t, err)
	from := peerIDs(t, 1)[0]
	a.eng.process(work{from: from, env: capEnvelope(t, signedCap(t, owner, "cap-1", "one", 1), 4, 0, 0)})
	a.eng.process(work{from: from, env: capEnvelope(t, signedCap(t, owner, "cap-2", "two", 1), 4, 0, 0)})
	a.eng.process(work{from: from, env: costEnvelope(t, signedCost(t, owner, 0.2, 5), 4)})

	// B comes online; one digest exchange pulls everything over.
	net.link(a.id.NodeID(), b.id.NodeID())
	b.eng.SyncWith(a.id.NodeID())

	require.Eventually(t, func() bool {
		snap := b.reg.Snapshot()
		_, c1 := snap.Caps["cap-1"]
		_, c2 := snap.Caps["cap-2"]
		_, cost := snap.Costs[owner.NodeID()]
		return c1 && c2 && cost
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, a.eng.DigestRollup(), b.eng.DigestRollup(), "digests agree after repair")
}

func TestAntiEntropyTwoWayRepair(t *testing.T) {
	net := newMemNetwork()
	cfg := simConfig()
	a := net.addNode(t, cfg)
	b := net.addNode(t, cfg)
	require.NoError(t, a.eng.Start(context.Background()))
	require.NoError(t, b.eng.Start(context.Background()))
	t.Cleanup(func() { _ = a.eng.Stop(); _ = b.eng.Stop() })

	ownerA, err := identity.Generate()
	require.NoError(t, err)
	ownerB, err := identity.Generate()
	require.NoError(t, err)
	from := peerIDs(t, 1)[0]
	a.eng.process(work{from: from, env: capEnvelope(t, signedCap(t, ownerA, "cap-a", "held by a", 1), 4, 0, 0)})
	b.eng.process(work{from: from, env: capEnvelope(t, signedCap(t, ownerB, "cap-b", "held by b", 1), 4, 0, 0)})

	net.link(a.id.NodeID(), b.id.NodeID())
	a.eng.SyncWith(b.id.NodeID())

	require.Eventually(t, func() bool {
		_, aHasB := a.reg.Snapshot().Caps["cap-b"]
		_, bHasA := b.reg.Snapshot().Caps["cap-a"]
		return aHasB && bHasA
	}, 3*time.Second, 10*time.Millisecond, "repair flows both directions from one digest")
}

func TestRevocationPropagates(t *testing.T) {
	const count = 8
	net := newMemNetwork()
	nodes := buildMesh(t, net, count)
	meshKey, meshID := meshKeyPair(t)
	for _, sn := range nodes {
		sn.eng.SetMesh(meshID, meshKey.PublicKey())
	}

	victim := nodes[count-1]
	rec := signedCap(t, victim.id, "cap-victim", "to be revoked", 1)
	victim.eng.PublishCapability(rec)
	require.Eventually(t, func() bool {
		return haveCap(nodes, "cap-victim", victim) == count-1
	}, 8*time.Second, 20*time.Millisecond)

	rev := signedRevocation(t, meshKey, meshID, victim.id.NodeID(), uint64(time.Now().UnixMilli()))
	nodes[0].eng.PublishRevocation(rev)

	require.Eventually(t, func() bool {
		for _, sn := range nodes[:count-1] {
			if !sn.eng.IsUntrusted(victim.id.NodeID()) {
				return false
			}
			if _, ok := sn.reg.Snapshot().Caps["cap-victim"]; ok {
				return false
			}
		}
		return true
	}, 8*time.Second, 20*time.Millisecond, "every node learns the revocation and drops the records")
}
