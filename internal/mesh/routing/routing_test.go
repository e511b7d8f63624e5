package routing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nodeID(i int) common.NodeID {
	return common.NodeID(fmt.Sprintf("%032x", i))
}

func newTestTable() *Table {
	return New(DefaultConfig(), testLogger())
}

func TestObserveSynthesizesEntry(t *testing.T) {
	tab := newTestTable()
	tab.Observe(Advertisement{
		CapabilityID:  "cap-1",
		Owner:         nodeID(1),
		From:          nodeID(2),
		Via:           common.TransportLAN,
		HopCount:      2,
		PathLatencyMs: 40,
		RTTMs:         10,
		CostMult:      2.0,
	})

	list := tab.Snapshot().Lookup("cap-1")
	require.Len(t, list, 1)
	e := list[0]
	assert.Equal(t, nodeID(1), e.OwnerNodeID)
	assert.Equal(t, nodeID(2), e.NextHop)
	assert.Equal(t, common.TransportLAN, e.ViaTransport)
	assert.Equal(t, 3, e.HopCount, "one hop added for the local leg")
	assert.InDelta(t, 50.0, e.LatencyMs, 1e-9, "rtt to forwarder plus advertised path latency")
	assert.InDelta(t, 2.0, e.CostMult, 1e-9)
	assert.InDelta(t, 1.0, e.Reliability, 1e-9, "entries start optimistic")
}

func TestObserveUpdatesInPlace(t *testing.T) {
	tab := newTestTable()
	ad := Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(2), HopCount: 3, RTTMs: 5}
	tab.Observe(ad)

	ad.HopCount = 1
	ad.PathLatencyMs = 8
	tab.Observe(ad)

	list := tab.Snapshot().Lookup("cap-1")
	require.Len(t, list, 1, "same (capability, next_hop) must not duplicate")
	assert.Equal(t, 2, list[0].HopCount)
	assert.InDelta(t, 13.0, list[0].LatencyMs, 1e-9)
}

func TestObserveIgnoresEmptyKeys(t *testing.T) {
	tab := newTestTable()
	tab.Observe(Advertisement{CapabilityID: "", From: nodeID(1)})
	tab.Observe(Advertisement{CapabilityID: "cap-1", From: ""})
	assert.Equal(t, 0, tab.Snapshot().Size())
}

func TestTopKRetention(t *testing.T) {
	tab := newTestTable()
	// Twelve next hops with increasing hop counts; worse paths score lower.
	for i := 0; i < 12; i++ {
		tab.Observe(Advertisement{
			CapabilityID: "cap-1",
			Owner:        nodeID(1),
			From:         nodeID(10 + i),
			HopCount:     i,
		})
	}
	list := tab.Snapshot().Lookup("cap-1")
	require.Len(t, list, 8)
	// Survivors are the lowest-hop paths, best first.
	assert.Equal(t, 1, list[0].HopCount)
	assert.Equal(t, 8, list[len(list)-1].HopCount)
	for i := 1; i < len(list); i++ {
		assert.GreaterOrEqual(t, list[i-1].RetainedScore, list[i].RetainedScore)
	}
}

func TestScoreEntry(t *testing.T) {
	e := &common.RouteEntry{HopCount: 2, CostMult: 2.0, Reliability: 0.8}
	want := 0.9 * math.Pow(0.95, 2) * 0.8 / 2.0
	assert.InDelta(t, want, ScoreEntry(e, 0.9), 1e-9)

	// Zero cost multiplier prices neutral rather than dividing by zero.
	e2 := &common.RouteEntry{HopCount: 0, Reliability: 1.0}
	assert.InDelta(t, 0.5, ScoreEntry(e2, 0.5), 1e-9)
}

func TestReliabilityEWMA(t *testing.T) {
	tab := newTestTable()
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(2)})

	tab.ReportOutcome("cap-1", nodeID(2), false)
	assert.InDelta(t, 0.8, tab.Snapshot().Lookup("cap-1")[0].Reliability, 1e-9)

	tab.ReportOutcome("cap-1", nodeID(2), false)
	assert.InDelta(t, 0.64, tab.Snapshot().Lookup("cap-1")[0].Reliability, 1e-9)

	tab.ReportOutcome("cap-1", nodeID(2), true)
	assert.InDelta(t, 0.712, tab.Snapshot().Lookup("cap-1")[0].Reliability, 1e-9)

	// Outcomes for entries that decayed away are dropped silently.
	tab.ReportOutcome("cap-gone", nodeID(2), true)
	tab.ReportOutcome("cap-1", nodeID(99), true)
}

func TestObserveCostReprices(t *testing.T) {
	tab := newTestTable()
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(2)})
	tab.Observe(Advertisement{CapabilityID: "cap-2", Owner: nodeID(1), From: nodeID(3)})
	tab.Observe(Advertisement{CapabilityID: "cap-3", Owner: nodeID(7), From: nodeID(2)})

	tab.ObserveCost(nodeID(1), 3.0)

	snap := tab.Snapshot()
	assert.InDelta(t, 3.0, snap.Lookup("cap-1")[0].CostMult, 1e-9)
	assert.InDelta(t, 3.0, snap.Lookup("cap-2")[0].CostMult, 1e-9)
	assert.InDelta(t, 0.0, snap.Lookup("cap-3")[0].CostMult, 1e-9, "other owners untouched")

	tab.ObserveCost(nodeID(1), 0)
	assert.InDelta(t, 3.0, tab.Snapshot().Lookup("cap-1")[0].CostMult, 1e-9, "zero multiplier ignored")
}

func TestDecayAndEvict(t *testing.T) {
	tab := newTestTable()
	now := time.UnixMilli(1_700_000_000_000)
	tab.now = func() time.Time { return now }

	tab.Observe(Advertisement{CapabilityID: "cap-old", Owner: nodeID(1), From: nodeID(2), HopCount: 0})
	tab.Observe(Advertisement{CapabilityID: "cap-fresh", Owner: nodeID(1), From: nodeID(3), HopCount: 0})

	// Seven minutes idle: two minutes beyond the fresh window, so two
	// halvings on top of the hop-1 locality factor.
	now = now.Add(7 * time.Minute)
	tab.Observe(Advertisement{CapabilityID: "cap-fresh", Owner: nodeID(1), From: nodeID(3), HopCount: 0})

	assert.Equal(t, 0, tab.sweep(), "nothing below the floor yet")
	old := tab.Snapshot().Lookup("cap-old")
	require.Len(t, old, 1)
	assert.InDelta(t, 0.95*0.25, old[0].RetainedScore, 1e-9)

	// Fifteen minutes idle decays 0.95 x 0.5^10, far below 0.05.
	now = now.Add(8 * time.Minute)
	assert.Equal(t, 1, tab.sweep())

	snap := tab.Snapshot()
	assert.Empty(t, snap.Lookup("cap-old"))
	require.Len(t, snap.Lookup("cap-fresh"), 1, "recently refreshed entry survives")
}

func TestEvictCapability(t *testing.T) {
	tab := newTestTable()
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(2)})
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(3)})

	tab.EvictCapability("cap-1")
	assert.Empty(t, tab.Snapshot().Lookup("cap-1"))

	tab.EvictCapability("cap-1") // idempotent
}

func TestEvictRoute(t *testing.T) {
	tab := newTestTable()
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(2)})
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(3)})

	tab.EvictRoute("cap-1", nodeID(2))

	list := tab.Snapshot().Lookup("cap-1")
	require.Len(t, list, 1)
	assert.Equal(t, nodeID(3), list[0].NextHop)

	tab.EvictRoute("cap-1", nodeID(3))
	assert.Equal(t, 0, tab.Snapshot().Size(), "empty capability bucket is removed")
	tab.EvictRoute("cap-1", nodeID(3)) // idempotent
}

func TestEvictOwner(t *testing.T) {
	tab := newTestTable()
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(2)})
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(3)})
	tab.Observe(Advertisement{CapabilityID: "cap-2", Owner: nodeID(5), From: nodeID(2)})

	assert.Equal(t, 2, tab.EvictOwner(nodeID(1)), "all routes to the owner's capabilities go")

	snap := tab.Snapshot()
	assert.Empty(t, snap.Lookup("cap-1"))
	require.Len(t, snap.Lookup("cap-2"), 1)
	assert.Equal(t, 0, tab.EvictOwner(nodeID(1)))
}

func TestEvictPeer(t *testing.T) {
	tab := newTestTable()
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(2)})
	tab.Observe(Advertisement{CapabilityID: "cap-2", Owner: nodeID(1), From: nodeID(2)})
	tab.Observe(Advertisement{CapabilityID: "cap-2", Owner: nodeID(1), From: nodeID(3)})

	assert.Equal(t, 2, tab.EvictPeer(nodeID(2)))

	snap := tab.Snapshot()
	assert.Empty(t, snap.Lookup("cap-1"))
	require.Len(t, snap.Lookup("cap-2"), 1)
	assert.Equal(t, nodeID(3), snap.Lookup("cap-2")[0].NextHop)

	assert.Equal(t, 0, tab.EvictPeer(nodeID(2)))
}

func TestSnapshotIsolation(t *testing.T) {
	tab := newTestTable()
	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(2)})

	before := tab.Snapshot()
	entry := before.Lookup("cap-1")[0]
	tab.ReportOutcome("cap-1", nodeID(2), false)

	assert.InDelta(t, 1.0, entry.Reliability, 1e-9, "snapshot entries are immutable copies")
	assert.InDelta(t, 0.8, tab.Snapshot().Lookup("cap-1")[0].Reliability, 1e-9)
}

func TestSweepLoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	cfg.FreshFor = 20 * time.Millisecond
	cfg.HalfLife = 10 * time.Millisecond
	tab := New(cfg, testLogger())

	tab.Observe(Advertisement{CapabilityID: "cap-1", Owner: nodeID(1), From: nodeID(2)})
	require.NoError(t, tab.Start(context.Background()))

	// Five half-lives past the fresh window is under the 0.05 floor.
	require.Eventually(t, func() bool {
		return tab.Snapshot().Size() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tab.Stop())
	require.NoError(t, tab.Stop(), "double stop is a no-op")
}
