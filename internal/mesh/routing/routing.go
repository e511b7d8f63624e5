// Package routing maintains the gradient table: for every capability the
// mesh has gossiped about, up to K next-hop entries with the quality
// signals needed to pick one at dispatch time. The table never probes the
// network itself; it is fed by gossip observations and dispatch outcomes,
// and entries that stop being refreshed decay away.
package routing

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

const (
	localityBase = 0.95
	// ewmaAlpha weights the newest dispatch outcome in an entry's
	// reliability estimate.
	ewmaAlpha = 0.2
)

// Config tunes retention and decay.
type Config struct {
	// MaxPerCapability caps the entries kept per capability id.
	MaxPerCapability int
	// FreshFor is how long an entry keeps its full retained score
	// without being re-observed.
	FreshFor time.Duration
	// HalfLife is how much additional idleness halves the score again.
	HalfLife time.Duration
	// EvictBelow drops entries whose retained score decays under it.
	EvictBelow float64
	// SweepInterval is the decay sweep cadence.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPerCapability: 8,
		FreshFor:         5 * time.Minute,
		HalfLife:         time.Minute,
		EvictBelow:       0.05,
		SweepInterval:    30 * time.Second,
	}
}

// Advertisement is one gossip observation: peer From forwarded a
// capability originated by Owner. Hop count and path latency are the
// advertised values before this node adds its own leg.
type Advertisement struct {
	CapabilityID  string
	Owner         common.NodeID
	From          common.NodeID
	Via           common.TransportKind
	HopCount      int
	PathLatencyMs float64
	RTTMs         float64
	// CostMult is the owner's current cost multiplier if known; zero
	// means price neutral until a cost sample arrives.
	CostMult float64
}

// Snapshot is an immutable view of the table. Entries are copies, sorted
// by retained score descending per capability.
type Snapshot struct {
	Entries map[string][]*common.RouteEntry
}

// Lookup returns the entries for one capability, best first.
func (s *Snapshot) Lookup(capabilityID string) []*common.RouteEntry {
	return s.Entries[capabilityID]
}

// Size counts entries across all capabilities.
func (s *Snapshot) Size() int {
	n := 0
	for _, list := range s.Entries {
		n += len(list)
	}
	return n
}

// ScoreEntry computes the dispatch-time score for an entry given the
// query similarity. Decay never feeds into dispatch scores; it only
// governs retention.
func ScoreEntry(e *common.RouteEntry, similarity float64) float64 {
	score := similarity * math.Pow(localityBase, float64(e.HopCount)) * e.Reliability
	if e.CostMult > 0 {
		score /= e.CostMult
	}
	return score
}

// Table is the per-capability gradient table.
type Table struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]map[common.NodeID]*common.RouteEntry
	snap    atomic.Pointer[Snapshot]

	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

func New(cfg Config, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPerCapability <= 0 {
		cfg.MaxPerCapability = 8
	}
	if cfg.FreshFor <= 0 {
		cfg.FreshFor = 5 * time.Minute
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = time.Minute
	}
	if cfg.EvictBelow <= 0 {
		cfg.EvictBelow = 0.05
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	t := &Table{
		cfg:      cfg,
		logger:   logger.With("component", "routing"),
		entries:  make(map[string]map[common.NodeID]*common.RouteEntry),
		shutdown: make(chan struct{}),
		now:      time.Now,
	}
	t.snap.Store(&Snapshot{Entries: map[string][]*common.RouteEntry{}})
	return t
}

func (t *Table) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return nil
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return nil
}

func (t *Table) Stop() error {
	if !t.running.CompareAndSwap(true, false) {
		return nil
	}
	close(t.shutdown)
	t.wg.Wait()
	return nil
}

// Snapshot returns the current copy-on-write view.
func (t *Table) Snapshot() *Snapshot { return t.snap.Load() }

// Observe upserts the entry (capability, next_hop=From) from one gossip
// arrival. Hops gain one for the leg this node adds; latency gains the
// measured RTT to the forwarder.
func (t *Table) Observe(ad Advertisement) {
	if ad.CapabilityID == "" || ad.From == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	byHop, ok := t.entries[ad.CapabilityID]
	if !ok {
		byHop = make(map[common.NodeID]*common.RouteEntry)
		t.entries[ad.CapabilityID] = byHop
	}

	e, ok := byHop[ad.From]
	if !ok {
		e = &common.RouteEntry{
			CapabilityID: ad.CapabilityID,
			OwnerNodeID:  ad.Owner,
			NextHop:      ad.From,
			Reliability:  1.0,
		}
		byHop[ad.From] = e
	}
	e.ViaTransport = ad.Via
	e.HopCount = ad.HopCount + 1
	e.LatencyMs = ad.RTTMs + ad.PathLatencyMs
	if ad.CostMult > 0 {
		e.CostMult = ad.CostMult
	}
	e.LastUpdated = t.now()

	t.trimLocked(ad.CapabilityID)
	t.rebuildLocked()
}

// ObserveCost reprices every entry owned by the node; called when a fresh
// cost sample is merged.
func (t *Table) ObserveCost(owner common.NodeID, costMult float64) {
	if costMult <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := false
	for _, byHop := range t.entries {
		for _, e := range byHop {
			if e.OwnerNodeID == owner {
				e.CostMult = costMult
				changed = true
			}
		}
	}
	if changed {
		t.rebuildLocked()
	}
}

// ReportOutcome feeds one dispatch result into the entry's reliability
// EWMA. Unknown entries are ignored; they may have decayed mid-flight.
func (t *Table) ReportOutcome(capabilityID string, nextHop common.NodeID, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byHop, ok := t.entries[capabilityID]
	if !ok {
		return
	}
	e, ok := byHop[nextHop]
	if !ok {
		return
	}
	sample := 0.0
	if success {
		sample = 1.0
	}
	e.Reliability = ewmaAlpha*sample + (1-ewmaAlpha)*e.Reliability
	t.rebuildLocked()
}

// EvictCapability drops every route for a capability, used when its
// tombstone arrives.
func (t *Table) EvictCapability(capabilityID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[capabilityID]; !ok {
		return
	}
	delete(t.entries, capabilityID)
	t.rebuildLocked()
}

// EvictRoute drops one (capability, next_hop) entry, used when a dispatch
// comes back UnknownCapability.
func (t *Table) EvictRoute(capabilityID string, nextHop common.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	byHop, ok := t.entries[capabilityID]
	if !ok {
		return
	}
	if _, ok := byHop[nextHop]; !ok {
		return
	}
	delete(byHop, nextHop)
	if len(byHop) == 0 {
		delete(t.entries, capabilityID)
	}
	t.rebuildLocked()
}

// EvictOwner drops every entry pointing at capabilities owned by a node,
// regardless of next hop; used when the owner is revoked.
func (t *Table) EvictOwner(owner common.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for capID, byHop := range t.entries {
		for hop, e := range byHop {
			if e.OwnerNodeID == owner {
				delete(byHop, hop)
				evicted++
			}
		}
		if len(byHop) == 0 {
			delete(t.entries, capID)
		}
	}
	if evicted > 0 {
		t.rebuildLocked()
	}
	return evicted
}

// EvictPeer drops every entry routed through a peer, used when the
// supervisor declares it Dead.
func (t *Table) EvictPeer(peer common.NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for capID, byHop := range t.entries {
		if _, ok := byHop[peer]; ok {
			delete(byHop, peer)
			evicted++
			if len(byHop) == 0 {
				delete(t.entries, capID)
			}
		}
	}
	if evicted > 0 {
		t.rebuildLocked()
		t.logger.Debug("evicted dead peer routes",
			slog.String("peer", peer.Short()), slog.Int("entries", evicted))
	}
	return evicted
}

// retained computes the score used for top-K retention and decay
// eviction. Similarity is unknowable here, so retention compares entries
// on path quality alone.
func (t *Table) retained(e *common.RouteEntry, now time.Time) float64 {
	score := math.Pow(localityBase, float64(e.HopCount)) * e.Reliability
	if e.CostMult > 0 {
		score /= e.CostMult
	}
	if idle := now.Sub(e.LastUpdated); idle > t.cfg.FreshFor {
		extra := idle - t.cfg.FreshFor
		score *= math.Pow(0.5, float64(extra)/float64(t.cfg.HalfLife))
	}
	return score
}

// trimLocked enforces the per-capability cap; callers hold t.mu.
func (t *Table) trimLocked(capabilityID string) {
	byHop := t.entries[capabilityID]
	now := t.now()
	for len(byHop) > t.cfg.MaxPerCapability {
		var worst common.NodeID
		worstScore := math.Inf(1)
		for hop, e := range byHop {
			if s := t.retained(e, now); s < worstScore {
				worstScore = s
				worst = hop
			}
		}
		delete(byHop, worst)
	}
}

// rebuildLocked publishes a fresh snapshot; callers hold t.mu.
func (t *Table) rebuildLocked() {
	now := t.now()
	out := make(map[string][]*common.RouteEntry, len(t.entries))
	for capID, byHop := range t.entries {
		list := make([]*common.RouteEntry, 0, len(byHop))
		for _, e := range byHop {
			cp := *e
			cp.RetainedScore = t.retained(e, now)
			list = append(list, &cp)
		}
		sort.Slice(list, func(i, j int) bool {
			return list[i].RetainedScore > list[j].RetainedScore
		})
		out[capID] = list
	}
	t.snap.Store(&Snapshot{Entries: out})
}

func (t *Table) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.shutdown:
			return
		case <-ticker.C:
			if evicted := t.sweep(); evicted > 0 {
				t.logger.Debug("decay sweep", "evicted", evicted)
			}
		}
	}
}

// sweep evicts entries whose retained score decayed below the floor and
// republishes the snapshot so retained scores stay current for readers.
func (t *Table) sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for capID, byHop := range t.entries {
		for hop, e := range byHop {
			if t.retained(e, now) < t.cfg.EvictBelow {
				delete(byHop, hop)
				evicted++
			}
		}
		if len(byHop) == 0 {
			delete(t.entries, capID)
		}
	}
	t.rebuildLocked()
	return evicted
}
