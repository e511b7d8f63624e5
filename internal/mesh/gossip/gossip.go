// Package gossip implements epidemic dissemination of signed mesh
// records: push on publish, pull via periodic anti-entropy, version-wins
// merge. The engine owns the dedup and trust state; durable record
// storage lives in the registry and the gradient table lives in routing.
package gossip

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/routing"
)

// costRecordID is the fixed lineage id for cost samples; one lineage per
// origin keeps every node racing the same version counter.
const costRecordID = "cost"

// Registry is the engine's view of the record store.
type Registry interface {
	MergeCapability(*common.CapabilityRecord) bool
	MergeCost(*common.CostSample) bool
	DropNode(common.NodeID) int
	CostMultiplier(common.NodeID) float64
}

// Routes is the engine's view of the gradient table.
type Routes interface {
	Observe(routing.Advertisement)
	ObserveCost(common.NodeID, float64)
	EvictCapability(string)
	EvictPeer(common.NodeID) int
	EvictOwner(common.NodeID) int
}

// Sender delivers frames to connected peers; the supervisor implements it.
type Sender interface {
	ConnectedPeers() []common.NodeID
	SendFrame(ctx context.Context, peer common.NodeID, frame []byte) error
	PeerRTTMs(peer common.NodeID) float64
	PeerTransport(peer common.NodeID) common.TransportKind
}

// Config tunes the engine.
type Config struct {
	// Fanout is how many peers a locally published record is pushed to;
	// forwards use Fanout-1.
	Fanout int
	// MinTTL floors the initial hop budget.
	MinTTL int
	// QueueSize bounds the ingress queue.
	QueueSize int
	// Workers drain the ingress queue.
	Workers int
	// AntiEntropyInterval paces digest exchange.
	AntiEntropyInterval time.Duration
	// OrphanTTL bounds how long records from unknown origins wait for the
	// origin's identity-bearing record.
	OrphanTTL time.Duration
	// DedupCacheSize bounds the exact-match dedup LRU.
	DedupCacheSize int
	// RatePerSecond and RateBurst shape the per-sender ingress limit.
	RatePerSecond int64
	RateBurst     int64
	// BloomExpected and BloomFPRate size the seen-filter.
	BloomExpected uint
	BloomFPRate   float64
	// SendTimeout bounds each outbound frame handoff.
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Fanout:              3,
		MinTTL:              4,
		QueueSize:           1000,
		Workers:             4,
		AntiEntropyInterval: 60 * time.Second,
		OrphanTTL:           30 * time.Second,
		DedupCacheSize:      100_000,
		RatePerSecond:       100,
		RateBurst:           1000,
		BloomExpected:       100_000,
		BloomFPRate:         0.01,
		SendTimeout:         2 * time.Second,
	}
}

// Metrics counts engine activity since start.
type Metrics struct {
	Received          uint64
	Accepted          uint64
	Duplicates        uint64
	Stale             uint64
	BadSignature      uint64
	RateLimited       uint64
	QueueDropped      uint64
	Forwarded         uint64
	Orphaned          uint64
	OrphansExpired    uint64
	Revocations       uint64
	AntiEntropyRounds uint64
}

type work struct {
	from      common.NodeID
	env       *common.GossipEnvelope
	noForward bool
}

type orphan struct {
	w       work
	expires time.Time
}

// Engine is the gossip engine for one node.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	self   common.NodeID

	registry Registry
	routes   Routes
	sender   Sender

	meshMu  sync.RWMutex
	meshID  common.MeshID
	meshPub ed25519.PublicKey

	mu          sync.Mutex
	envelopes   map[string]*common.GossipEnvelope
	keys        map[common.NodeID]ed25519.PublicKey
	untrusted   map[common.NodeID]time.Time
	orphans     map[common.NodeID][]orphan
	orphanCount int

	seenMu sync.Mutex
	seen   *bloom.BloomFilter
	dedup  *lru.Cache[string, struct{}]

	limiter      *limiter.TokenBucket
	limiterStore *store.MemoryStore

	onLiveness atomic.Pointer[func(from common.NodeID, rec *common.LivenessRecord)]
	onRevoked  atomic.Pointer[func(rev *common.Revocation)]

	queue    chan work
	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time

	metricsMu sync.Mutex
	metrics   Metrics
}

func New(cfg Config, self common.NodeID, registry Registry, routes Routes, sender Sender, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Fanout <= 0 {
		cfg.Fanout = 3
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.AntiEntropyInterval <= 0 {
		cfg.AntiEntropyInterval = 60 * time.Second
	}
	if cfg.OrphanTTL <= 0 {
		cfg.OrphanTTL = 30 * time.Second
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 100_000
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1000
	}
	if cfg.BloomExpected == 0 {
		cfg.BloomExpected = 100_000
	}
	if cfg.BloomFPRate <= 0 {
		cfg.BloomFPRate = 0.01
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}

	dedup, err := lru.New[string, struct{}](cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("gossip dedup cache: %w", err)
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "gossip", "node_id", self.Short()),
		self:      self,
		registry:  registry,
		routes:    routes,
		sender:    sender,
		envelopes: make(map[string]*common.GossipEnvelope),
		keys:      make(map[common.NodeID]ed25519.PublicKey),
		untrusted: make(map[common.NodeID]time.Time),
		orphans:   make(map[common.NodeID][]orphan),
		seen:      bloom.NewWithEstimates(cfg.BloomExpected, cfg.BloomFPRate),
		dedup:     dedup,
		queue:     make(chan work, cfg.QueueSize),
		shutdown:  make(chan struct{}),
		now:       time.Now,
	}
	e.limiterStore = store.NewMemoryStore(time.Minute)
	e.limiter, err = limiter.NewTokenBucket(
		limiter.Config{
			Rate:     cfg.RatePerSecond,
			Duration: time.Second,
			Burst:    cfg.RateBurst,
		},
		e.limiterStore,
	)
	if err != nil {
		return nil, fmt.Errorf("gossip rate limiter: %w", err)
	}
	return e, nil
}

// SetMesh installs the active mesh identity; revocations verify against
// this key only.
func (e *Engine) SetMesh(meshID common.MeshID, meshPub ed25519.PublicKey) {
	e.meshMu.Lock()
	e.meshID = meshID
	e.meshPub = meshPub
	e.meshMu.Unlock()
}

// SetLivenessHandler registers the callback for accepted liveness records.
func (e *Engine) SetLivenessHandler(fn func(from common.NodeID, rec *common.LivenessRecord)) {
	e.onLiveness.Store(&fn)
}

// SetRevokedHandler registers the callback for applied revocations.
func (e *Engine) SetRevokedHandler(fn func(rev *common.Revocation)) {
	e.onRevoked.Store(&fn)
}

func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(2)
	go e.antiEntropyLoop()
	go e.orphanSweepLoop()
	e.logger.Info("gossip engine started",
		"workers", e.cfg.Workers, "fanout", e.cfg.Fanout)
	return nil
}

func (e *Engine) Stop() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.shutdown)
	e.wg.Wait()
	return nil
}

// Metrics returns a copy of the counters.
func (e *Engine) Metrics() Metrics {
	e.metricsMu.Lock()
	defer e.metricsMu.Unlock()
	return e.metrics
}

func (e *Engine) count(f func(*Metrics)) {
	e.metricsMu.Lock()
	f(&e.metrics)
	e.metricsMu.Unlock()
}

// Trust records a peer's public key learned outside gossip, typically
// from a verified handshake, and releases any records waiting on it.
func (e *Engine) Trust(node common.NodeID, pub ed25519.PublicKey) {
	if node == "" || len(pub) != ed25519.PublicKeySize {
		return
	}
	if common.NodeIDFromPublicKey(pub) != node {
		e.logger.Warn("refusing key that does not hash to node id", "node", node.Short())
		return
	}
	e.mu.Lock()
	e.keys[node] = pub
	waiting := e.orphans[node]
	delete(e.orphans, node)
	e.orphanCount -= len(waiting)
	e.mu.Unlock()
	for _, o := range waiting {
		e.enqueue(o.w)
	}
}

// IsUntrusted reports whether the node has been revoked from the mesh.
func (e *Engine) IsUntrusted(node common.NodeID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.untrusted[node]
	return ok
}

// Reinstate clears local revocation state after the operator re-invites
// the node. Trust distribution to other members still requires their own
// re-invite observation; see the revocation notes in DESIGN.md.
func (e *Engine) Reinstate(node common.NodeID) {
	e.mu.Lock()
	delete(e.untrusted, node)
	e.mu.Unlock()
}

// KnownKey returns the cached public key for an origin.
func (e *Engine) KnownKey(node common.NodeID) (ed25519.PublicKey, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pub, ok := e.keys[node]
	return pub, ok
}

// Ingest feeds one envelope received from a peer into the pipeline.
// Drops are silent toward the sender: rate-limited, duplicate, and
// malformed envelopes all vanish here.
func (e *Engine) Ingest(from common.NodeID, env *common.GossipEnvelope) {
	e.count(func(m *Metrics) { m.Received++ })
	if from != "" && !e.limiter.Allow("gossip:"+string(from)) {
		e.count(func(m *Metrics) { m.RateLimited++ })
		return
	}
	if err := env.Validate(); err != nil {
		e.logger.Warn("dropping malformed envelope", "from", from.Short(), "error", err)
		return
	}
	if e.alreadySeen(env.DedupKey()) {
		e.count(func(m *Metrics) { m.Duplicates++ })
		return
	}
	e.enqueue(work{from: from, env: env})
}

// IngestRevocation handles the urgent direct-frame form (0x0A) by
// wrapping it into its envelope lineage.
func (e *Engine) IngestRevocation(from common.NodeID, rev *common.Revocation) {
	body, err := common.Marshal(rev)
	if err != nil {
		return
	}
	origin := from
	if origin == "" {
		origin = e.self
	}
	e.Ingest(from, &common.GossipEnvelope{
		Kind:          common.RecordRevoke,
		RecordID:      string(rev.RevokedNodeID),
		RecordBytes:   body,
		OriginNodeID:  origin,
		OriginVersion: rev.Version,
		TTLHops:       e.initialTTL(),
		OriginSig:     rev.Signature,
	})
}

func (e *Engine) enqueue(w work) {
	select {
	case e.queue <- w:
	default:
		e.count(func(m *Metrics) { m.QueueDropped++ })
		e.logger.Warn("gossip queue full, dropping",
			"kind", w.env.Kind.String(), "from", w.from.Short())
	}
}

func (e *Engine) alreadySeen(key string) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if !e.seen.TestString(key) {
		return false
	}
	return e.dedup.Contains(key)
}

func (e *Engine) markSeen(key string) {
	e.seenMu.Lock()
	e.seen.AddString(key)
	e.dedup.Add(key, struct{}{})
	e.seenMu.Unlock()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.shutdown:
			return
		case w := <-e.queue:
			e.process(w)
		}
	}
}

type verdict int

const (
	verdictOK verdict = iota
	verdictBad
	verdictOrphan
)

func (e *Engine) process(w work) {
	env := w.env
	if env.OriginNodeID == e.self {
		// Own records come back around the ring; nothing to learn.
		return
	}
	if e.IsUntrusted(env.OriginNodeID) && env.Kind != common.RecordRevoke {
		return
	}

	rec, v := e.verify(env)
	switch v {
	case verdictOrphan:
		e.bufferOrphan(w)
		return
	case verdictBad:
		e.count(func(m *Metrics) { m.BadSignature++ })
		e.logger.Warn("dropping record with bad signature",
			"kind", env.Kind.String(),
			"origin", env.OriginNodeID.Short(),
			"from", w.from.Short())
		return
	}

	e.markSeen(env.DedupKey())
	if !e.commit(env) {
		e.count(func(m *Metrics) { m.Stale++ })
		return
	}
	if !e.apply(w, rec) {
		e.count(func(m *Metrics) { m.Stale++ })
		return
	}
	e.count(func(m *Metrics) { m.Accepted++ })
	if !w.noForward {
		e.forward(w)
	}
}

// verify checks the record signature and its binding to the envelope.
// Capability records are self-certifying: the embedded key must hash to
// the owner id, which also teaches the engine new origin keys.
func (e *Engine) verify(env *common.GossipEnvelope) (any, verdict) {
	switch env.Kind {
	case common.RecordCapability:
		var rec common.CapabilityRecord
		if err := common.Unmarshal(env.RecordBytes, &rec); err != nil {
			return nil, verdictBad
		}
		if rec.CapabilityID != env.RecordID ||
			rec.OwnerNodeID != env.OriginNodeID ||
			rec.Version != env.OriginVersion {
			return nil, verdictBad
		}
		if common.NodeIDFromPublicKey(rec.OwnerPubKey) != rec.OwnerNodeID {
			return nil, verdictBad
		}
		sb, err := rec.SigningBytes()
		if err != nil || !identity.Verify(rec.OwnerPubKey, sb, rec.Signature) {
			return nil, verdictBad
		}
		env.OriginSig = rec.Signature
		e.Trust(rec.OwnerNodeID, rec.OwnerPubKey)
		return &rec, verdictOK

	case common.RecordCost:
		var s common.CostSample
		if err := common.Unmarshal(env.RecordBytes, &s); err != nil {
			return nil, verdictBad
		}
		if s.NodeID != env.OriginNodeID || s.Version != env.OriginVersion {
			return nil, verdictBad
		}
		pub, ok := e.KnownKey(env.OriginNodeID)
		if !ok {
			return nil, verdictOrphan
		}
		sb, err := s.SigningBytes()
		if err != nil || !identity.Verify(pub, sb, s.Signature) {
			return nil, verdictBad
		}
		env.OriginSig = s.Signature
		return &s, verdictOK

	case common.RecordRoute:
		var rr common.RouteRefresh
		if err := common.Unmarshal(env.RecordBytes, &rr); err != nil {
			return nil, verdictBad
		}
		if rr.OwnerNodeID != env.OriginNodeID ||
			rr.CapabilityID != env.RecordID ||
			rr.Version != env.OriginVersion {
			return nil, verdictBad
		}
		pub, ok := e.KnownKey(env.OriginNodeID)
		if !ok {
			return nil, verdictOrphan
		}
		sb, err := rr.SigningBytes()
		if err != nil || !identity.Verify(pub, sb, rr.Signature) {
			return nil, verdictBad
		}
		env.OriginSig = rr.Signature
		return &rr, verdictOK

	case common.RecordLiveness:
		var lr common.LivenessRecord
		if err := common.Unmarshal(env.RecordBytes, &lr); err != nil {
			return nil, verdictBad
		}
		if lr.Version != env.OriginVersion || string(lr.SubjectNodeID) != env.RecordID {
			return nil, verdictBad
		}
		pub, ok := e.KnownKey(env.OriginNodeID)
		if !ok {
			return nil, verdictOrphan
		}
		sb, err := lr.SigningBytes()
		if err != nil || !identity.Verify(pub, sb, lr.Signature) {
			return nil, verdictBad
		}
		env.OriginSig = lr.Signature
		return &lr, verdictOK

	case common.RecordRevoke:
		var rev common.Revocation
		if err := common.Unmarshal(env.RecordBytes, &rev); err != nil {
			return nil, verdictBad
		}
		if string(rev.RevokedNodeID) != env.RecordID || rev.Version != env.OriginVersion {
			return nil, verdictBad
		}
		e.meshMu.RLock()
		meshID, meshPub := e.meshID, e.meshPub
		e.meshMu.RUnlock()
		if len(meshPub) != ed25519.PublicKeySize || rev.MeshID != meshID {
			return nil, verdictBad
		}
		sb, err := rev.SigningBytes()
		if err != nil || !identity.Verify(meshPub, sb, rev.Signature) {
			return nil, verdictBad
		}
		env.OriginSig = rev.Signature
		return &rev, verdictOK
	}
	return nil, verdictBad
}

// commit runs the envelope version race. The winner becomes the lineage's
// served copy for anti-entropy.
func (e *Engine) commit(env *common.GossipEnvelope) bool {
	key := env.MergeKey()
	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.envelopes[key]
	if ok && !supersedes(env.OriginVersion, env.OriginSig, existing.OriginVersion, existing.OriginSig) {
		return false
	}
	e.envelopes[key] = env
	return true
}

// supersedes is the shared merge rule: higher version wins, ties go to
// the byte-lexicographically larger signature.
func supersedes(candVersion uint64, candSig []byte, curVersion uint64, curSig []byte) bool {
	if candVersion != curVersion {
		return candVersion > curVersion
	}
	return string(candSig) > string(curSig)
}

// apply pushes an accepted record into the stores it affects.
func (e *Engine) apply(w work, rec any) bool {
	switch r := rec.(type) {
	case *common.CapabilityRecord:
		if !e.registry.MergeCapability(r) {
			return false
		}
		if r.IsTombstone() {
			e.routes.EvictCapability(r.CapabilityID)
		} else if w.from != "" {
			e.routes.Observe(e.advertisement(w, r.CapabilityID, r.OwnerNodeID))
		}
		return true

	case *common.CostSample:
		if !e.registry.MergeCost(r) {
			return false
		}
		e.routes.ObserveCost(r.NodeID, r.CostMultiplier())
		return true

	case *common.RouteRefresh:
		if w.from != "" {
			e.routes.Observe(e.advertisement(w, r.CapabilityID, r.OwnerNodeID))
		}
		return true

	case *common.LivenessRecord:
		if fn := e.onLiveness.Load(); fn != nil {
			(*fn)(w.from, r)
		}
		return true

	case *common.Revocation:
		e.applyRevocation(r)
		return true
	}
	return false
}

func (e *Engine) advertisement(w work, capabilityID string, owner common.NodeID) routing.Advertisement {
	return routing.Advertisement{
		CapabilityID:  capabilityID,
		Owner:         owner,
		From:          w.from,
		Via:           e.sender.PeerTransport(w.from),
		HopCount:      w.env.HopCount,
		PathLatencyMs: w.env.PathLatencyMs,
		RTTMs:         e.sender.PeerRTTMs(w.from),
		CostMult:      e.registry.CostMultiplier(owner),
	}
}

func (e *Engine) applyRevocation(rev *common.Revocation) {
	node := rev.RevokedNodeID
	e.mu.Lock()
	e.untrusted[node] = e.now()
	delete(e.keys, node)
	waiting := e.orphans[node]
	delete(e.orphans, node)
	e.orphanCount -= len(waiting)
	// The revoked node's lineages die with it; only the revocation itself
	// keeps gossiping.
	for key, env := range e.envelopes {
		if env.OriginNodeID == node && env.Kind != common.RecordRevoke {
			delete(e.envelopes, key)
		}
	}
	e.mu.Unlock()

	dropped := e.registry.DropNode(node)
	evicted := e.routes.EvictPeer(node) + e.routes.EvictOwner(node)
	e.count(func(m *Metrics) { m.Revocations++ })
	e.logger.Warn("node revoked from mesh",
		slog.String("node", node.Short()),
		slog.String("reason", rev.Reason),
		slog.Int("records_dropped", dropped),
		slog.Int("routes_evicted", evicted))
	if fn := e.onRevoked.Load(); fn != nil {
		(*fn)(rev)
	}
}

func (e *Engine) bufferOrphan(w work) {
	const (
		maxPerOrigin = 64
		maxTotal     = 1024
	)
	origin := w.env.OriginNodeID
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.orphanCount >= maxTotal || len(e.orphans[origin]) >= maxPerOrigin {
		return
	}
	e.orphans[origin] = append(e.orphans[origin], orphan{
		w:       w,
		expires: e.now().Add(e.cfg.OrphanTTL),
	})
	e.orphanCount++
	e.count(func(m *Metrics) { m.Orphaned++ })
}

func (e *Engine) orphanSweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdown:
			return
		case <-ticker.C:
			e.sweepOrphans()
		}
	}
}

func (e *Engine) sweepOrphans() {
	now := e.now()
	expired := 0
	e.mu.Lock()
	for origin, list := range e.orphans {
		keep := list[:0]
		for _, o := range list {
			if o.expires.After(now) {
				keep = append(keep, o)
			} else {
				expired++
			}
		}
		if len(keep) == 0 {
			delete(e.orphans, origin)
		} else {
			e.orphans[origin] = keep
		}
		e.orphanCount -= len(list) - len(keep)
	}
	e.mu.Unlock()
	if expired > 0 {
		e.count(func(m *Metrics) { m.OrphansExpired += uint64(expired) })
		e.logger.Debug("discarded orphaned records", "count", expired)
	}
}

// PublishCapability pushes a locally signed capability record. Implements
// the registry's publisher.
func (e *Engine) PublishCapability(rec *common.CapabilityRecord) {
	body, err := common.Marshal(rec)
	if err != nil {
		e.logger.Error("encode capability for gossip", "error", err)
		return
	}
	e.publishEnvelope(&common.GossipEnvelope{
		Kind:          common.RecordCapability,
		RecordID:      rec.CapabilityID,
		RecordBytes:   body,
		OriginNodeID:  rec.OwnerNodeID,
		OriginVersion: rec.Version,
		OriginSig:     rec.Signature,
	})
}

// PublishCost pushes a locally signed cost sample.
func (e *Engine) PublishCost(sample *common.CostSample) {
	body, err := common.Marshal(sample)
	if err != nil {
		e.logger.Error("encode cost sample for gossip", "error", err)
		return
	}
	e.publishEnvelope(&common.GossipEnvelope{
		Kind:          common.RecordCost,
		RecordID:      costRecordID,
		RecordBytes:   body,
		OriginNodeID:  sample.NodeID,
		OriginVersion: sample.Version,
		OriginSig:     sample.Signature,
	})
}

// PublishRefresh pushes a locally signed route refresh.
func (e *Engine) PublishRefresh(rr *common.RouteRefresh) {
	body, err := common.Marshal(rr)
	if err != nil {
		e.logger.Error("encode route refresh for gossip", "error", err)
		return
	}
	e.publishEnvelope(&common.GossipEnvelope{
		Kind:          common.RecordRoute,
		RecordID:      rr.CapabilityID,
		RecordBytes:   body,
		OriginNodeID:  rr.OwnerNodeID,
		OriginVersion: rr.Version,
		OriginSig:     rr.Signature,
	})
}

// PublishLiveness pushes the supervisor's judgement of another node.
func (e *Engine) PublishLiveness(rec *common.LivenessRecord) {
	body, err := common.Marshal(rec)
	if err != nil {
		e.logger.Error("encode liveness for gossip", "error", err)
		return
	}
	e.publishEnvelope(&common.GossipEnvelope{
		Kind:          common.RecordLiveness,
		RecordID:      string(rec.SubjectNodeID),
		RecordBytes:   body,
		OriginNodeID:  e.self,
		OriginVersion: rec.Version,
		OriginSig:     rec.Signature,
	})
}

// PublishRevocation pushes a mesh-key-signed revocation and applies it
// locally at once.
func (e *Engine) PublishRevocation(rev *common.Revocation) {
	body, err := common.Marshal(rev)
	if err != nil {
		e.logger.Error("encode revocation for gossip", "error", err)
		return
	}
	e.applyRevocation(rev)
	e.publishEnvelope(&common.GossipEnvelope{
		Kind:          common.RecordRevoke,
		RecordID:      string(rev.RevokedNodeID),
		RecordBytes:   body,
		OriginNodeID:  e.self,
		OriginVersion: rev.Version,
		OriginSig:     rev.Signature,
	})
}

func (e *Engine) publishEnvelope(env *common.GossipEnvelope) {
	env.TTLHops = e.initialTTL()
	env.HopCount = 0
	env.PathLatencyMs = 0
	e.commit(env)
	e.markSeen(env.DedupKey())

	frame, err := common.EncodeFrame(common.FrameGossip, env)
	if err != nil {
		e.logger.Error("encode gossip frame", "error", err)
		return
	}
	targets := e.pickPeers(e.cfg.Fanout, "")
	for _, peer := range targets {
		e.send(peer, frame)
	}
	e.logger.Debug("published record",
		"kind", env.Kind.String(),
		"record_id", common.ShortID(env.RecordID),
		"version", env.OriginVersion,
		"targets", len(targets))
}

// forward re-pushes an accepted envelope to Fanout-1 further peers. The
// forwarded copy spends one hop of TTL and accumulates this node's leg in
// the path latency.
func (e *Engine) forward(w work) {
	env := w.env
	if env.TTLHops <= 0 {
		return
	}
	fwd := *env
	fwd.TTLHops--
	fwd.HopCount++
	fwd.PathLatencyMs += e.sender.PeerRTTMs(w.from)

	frame, err := common.EncodeFrame(common.FrameGossip, &fwd)
	if err != nil {
		return
	}
	targets := e.pickPeers(e.cfg.Fanout-1, w.from)
	for _, peer := range targets {
		if peer == env.OriginNodeID {
			continue
		}
		e.send(peer, frame)
	}
	if len(targets) > 0 {
		e.count(func(m *Metrics) { m.Forwarded++ })
	}
}

func (e *Engine) send(peer common.NodeID, frame []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()
	if err := e.sender.SendFrame(ctx, peer, frame); err != nil {
		e.logger.Debug("gossip send failed", "peer", peer.Short(), "error", err)
	}
}

// pickPeers selects up to n random connected peers, excluding one.
func (e *Engine) pickPeers(n int, exclude common.NodeID) []common.NodeID {
	peers := e.sender.ConnectedPeers()
	candidates := peers[:0:0]
	for _, p := range peers {
		if p != exclude && p != e.self {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) <= n {
		return candidates
	}
	picked := make([]common.NodeID, 0, n)
	for _, i := range rand.Perm(len(candidates))[:n] {
		picked = append(picked, candidates[i])
	}
	return picked
}

// initialTTL is ceil(log2(connected peers)) + 2, floored at MinTTL.
func (e *Engine) initialTTL() int {
	n := len(e.sender.ConnectedPeers())
	if n < 2 {
		return e.cfg.MinTTL
	}
	ttl := int(math.Ceil(math.Log2(float64(n)))) + 2
	if ttl < e.cfg.MinTTL {
		ttl = e.cfg.MinTTL
	}
	return ttl
}

// ExportCache returns the committed envelopes for spilling to disk.
func (e *Engine) ExportCache() []*common.GossipEnvelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*common.GossipEnvelope, 0, len(e.envelopes))
	for _, env := range e.envelopes {
		out = append(out, env)
	}
	return out
}

// ImportCache replays spilled envelopes through the pipeline without
// forwarding. Capability records go first so their keys unlock the rest.
func (e *Engine) ImportCache(envs []*common.GossipEnvelope) {
	ordered := make([]*common.GossipEnvelope, 0, len(envs))
	for _, env := range envs {
		if env.Kind == common.RecordCapability {
			ordered = append(ordered, env)
		}
	}
	for _, env := range envs {
		if env.Kind != common.RecordCapability {
			ordered = append(ordered, env)
		}
	}
	for _, env := range ordered {
		if err := env.Validate(); err != nil {
			continue
		}
		e.enqueue(work{env: env, noForward: true})
	}
}
