// Package registry keeps the node's view of who can do what and at what
// cost: local capabilities with their executors, remote capability
// records, and the latest cost sample per node. Writes go through a
// version-wins merge; reads come from copy-on-write snapshots so routing
// never waits on a lock.
package registry

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/embed"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
)

// Executor runs one local capability invocation.
type Executor func(ctx context.Context, intent string, intentContext map[string]string) ([]byte, error)

// Publisher hands freshly signed local records to the gossip layer.
type Publisher interface {
	PublishCapability(rec *common.CapabilityRecord)
	PublishCost(sample *common.CostSample)
	PublishRefresh(rr *common.RouteRefresh)
}

// Config tunes the registry.
type Config struct {
	SampleInterval    time.Duration
	ForcePublishAfter time.Duration
	TombstoneTTL      time.Duration
	GCInterval        time.Duration
	// RefreshInterval paces route refreshes for live local capabilities;
	// it must undercut the routing table's fresh window or remote entries
	// decay between refreshes.
	RefreshInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		SampleInterval:    10 * time.Second,
		ForcePublishAfter: 5 * time.Minute,
		TombstoneTTL:      24 * time.Hour,
		GCInterval:        10 * time.Minute,
		RefreshInterval:   4 * time.Minute,
	}
}

// Snapshot is an immutable view of every known record. Maps must not be
// mutated by readers.
type Snapshot struct {
	Caps  map[string]*common.CapabilityRecord
	Costs map[common.NodeID]*common.CostSample
}

// CostMultiplier derives the cost for a node, neutral when no sample is
// known yet.
func (s *Snapshot) CostMultiplier(node common.NodeID) float64 {
	if sample, ok := s.Costs[node]; ok {
		return sample.CostMultiplier()
	}
	return 1.0
}

// Registry stores capability and cost records for the whole mesh.
type Registry struct {
	cfg       Config
	logger    *slog.Logger
	id        *identity.Identity
	sampler   Sampler
	publisher Publisher

	mu        sync.Mutex
	caps      map[string]*common.CapabilityRecord
	costs     map[common.NodeID]*common.CostSample
	executors map[string]Executor
	versions  map[string]uint64
	snap      atomic.Pointer[Snapshot]

	lastPublished   *common.CostSample
	lastPublishedAt time.Time
	costVersion     uint64

	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

func New(cfg Config, id *identity.Identity, sampler Sampler, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	if cfg.ForcePublishAfter <= 0 {
		cfg.ForcePublishAfter = 5 * time.Minute
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = 24 * time.Hour
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = 10 * time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 4 * time.Minute
	}
	if sampler == nil {
		sampler = NewStaticSampler(Reading{PluggedIn: true, BatteryPercent: 100})
	}
	r := &Registry{
		cfg:       cfg,
		logger:    logger.With("component", "registry", "node_id", id.NodeID().Short()),
		id:        id,
		sampler:   sampler,
		caps:      make(map[string]*common.CapabilityRecord),
		costs:     make(map[common.NodeID]*common.CostSample),
		executors: make(map[string]Executor),
		versions:  make(map[string]uint64),
		shutdown:  make(chan struct{}),
		now:       time.Now,
	}
	r.snap.Store(&Snapshot{
		Caps:  map[string]*common.CapabilityRecord{},
		Costs: map[common.NodeID]*common.CostSample{},
	})
	return r
}

// SetPublisher wires the gossip layer in; call before Start.
func (r *Registry) SetPublisher(p Publisher) { r.publisher = p }

func (r *Registry) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	r.wg.Add(3)
	go r.sampleLoop()
	go r.gcLoop()
	go r.refreshLoop()
	r.logger.Info("registry started", "sample_interval", r.cfg.SampleInterval)
	return nil
}

func (r *Registry) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	close(r.shutdown)
	r.wg.Wait()
	return nil
}

// Snapshot returns the current copy-on-write view.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

// CostMultiplier prices a node from the current snapshot.
func (r *Registry) CostMultiplier(node common.NodeID) float64 {
	return r.snap.Load().CostMultiplier(node)
}

// publishSnapshot rebuilds the COW view; callers hold r.mu.
func (r *Registry) publishSnapshot() {
	caps := make(map[string]*common.CapabilityRecord, len(r.caps))
	for k, v := range r.caps {
		caps[k] = v
	}
	costs := make(map[common.NodeID]*common.CostSample, len(r.costs))
	for k, v := range r.costs {
		costs[k] = v
	}
	r.snap.Store(&Snapshot{Caps: caps, Costs: costs})
}

// nextVersion yields a strictly increasing version for a capability.
func (r *Registry) nextVersion(capabilityID string) uint64 {
	v := uint64(r.now().UnixMilli())
	if prev := r.versions[capabilityID]; v <= prev {
		v = prev + 1
	}
	r.versions[capabilityID] = v
	return v
}

// RegisterCapability publishes a new local capability and binds its
// executor. The description drives the embedding, so phrasing matters.
func (r *Registry) RegisterCapability(capType common.CapabilityType, description string,
	tools []string, constraints map[string]string, exec Executor) (string, error) {

	if description == "" {
		return "", common.Ef(common.KindBadRequest, "register capability", "empty description")
	}
	capabilityID := uuid.NewString()

	r.mu.Lock()
	rec := &common.CapabilityRecord{
		CapabilityID: capabilityID,
		OwnerNodeID:  r.id.NodeID(),
		OwnerPubKey:  r.id.PublicKey(),
		Type:         capType,
		Description:  description,
		Embedding:    embed.Text(description),
		Tools:        tools,
		Constraints:  constraints,
		Version:      r.nextVersion(capabilityID),
		UpdatedAt:    r.now().UnixMilli(),
	}
	if err := r.sign(rec); err != nil {
		r.mu.Unlock()
		return "", err
	}
	r.caps[capabilityID] = rec
	r.executors[capabilityID] = exec
	r.publishSnapshot()
	r.mu.Unlock()

	r.logger.Info("capability registered",
		slog.String("capability_id", capabilityID),
		slog.String("type", string(capType)),
	)
	if r.publisher != nil {
		r.publisher.PublishCapability(rec)
	}
	return capabilityID, nil
}

// UnregisterCapability tombstones a local capability so the revocation
// spreads the same way the advertisement did.
func (r *Registry) UnregisterCapability(capabilityID string) error {
	r.mu.Lock()
	existing, ok := r.caps[capabilityID]
	if !ok || existing.OwnerNodeID != r.id.NodeID() {
		r.mu.Unlock()
		return common.Ef(common.KindBadRequest, "unregister capability", "unknown local capability %s", capabilityID)
	}
	tomb := &common.CapabilityRecord{
		CapabilityID: capabilityID,
		OwnerNodeID:  r.id.NodeID(),
		OwnerPubKey:  r.id.PublicKey(),
		Type:         existing.Type,
		Version:      r.nextVersion(capabilityID),
		UpdatedAt:    r.now().UnixMilli(),
	}
	if err := r.sign(tomb); err != nil {
		r.mu.Unlock()
		return err
	}
	r.caps[capabilityID] = tomb
	delete(r.executors, capabilityID)
	r.publishSnapshot()
	r.mu.Unlock()

	r.logger.Info("capability unregistered", slog.String("capability_id", capabilityID))
	if r.publisher != nil {
		r.publisher.PublishCapability(tomb)
	}
	return nil
}

func (r *Registry) sign(rec *common.CapabilityRecord) error {
	sb, err := rec.SigningBytes()
	if err != nil {
		return common.E(common.KindFatal, "sign capability", err)
	}
	rec.Signature = r.id.Sign(sb)
	return nil
}

// Executor returns the bound executor for a local capability.
func (r *Registry) Executor(capabilityID string) (Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executors[capabilityID]
	return exec, ok
}

// RebindExecutor reattaches an executor after records were restored from
// disk; advertisements outlive process restarts, function pointers do not.
func (r *Registry) RebindExecutor(capabilityID string, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.caps[capabilityID]
	if !ok || rec.OwnerNodeID != r.id.NodeID() || rec.IsTombstone() {
		return common.Ef(common.KindBadRequest, "rebind executor", "no live local capability %s", capabilityID)
	}
	r.executors[capabilityID] = exec
	return nil
}

// LocalRecords lists this node's own capability records, tombstones
// included.
func (r *Registry) LocalRecords() []*common.CapabilityRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*common.CapabilityRecord
	for _, rec := range r.caps {
		if rec.OwnerNodeID == r.id.NodeID() {
			out = append(out, rec)
		}
	}
	return out
}

// RestoreLocal reloads own records persisted by a previous run. Executors
// must be rebound separately.
func (r *Registry) RestoreLocal(recs []*common.CapabilityRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range recs {
		if rec.OwnerNodeID != r.id.NodeID() {
			continue
		}
		if rec.Version > r.versions[rec.CapabilityID] {
			r.versions[rec.CapabilityID] = rec.Version
		}
		if ex, ok := r.caps[rec.CapabilityID]; !ok || rec.Version > ex.Version {
			r.caps[rec.CapabilityID] = rec
		}
	}
	r.publishSnapshot()
}

// MergeCapability applies version-wins with a byte-lexicographic
// signature tiebreak; every node running the same rule converges on the
// same winner. Reports whether the record changed the store.
func (r *Registry) MergeCapability(rec *common.CapabilityRecord) bool {
	if err := rec.Validate(); err != nil {
		r.logger.Warn("rejecting malformed capability", "error", err)
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.caps[rec.CapabilityID]
	if ok && !wins(rec.Version, rec.Signature, existing.Version, existing.Signature) {
		return false
	}
	r.caps[rec.CapabilityID] = rec
	r.publishSnapshot()
	return true
}

// MergeCost keeps the freshest sample per node under the same rule.
func (r *Registry) MergeCost(sample *common.CostSample) bool {
	if sample.NodeID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.costs[sample.NodeID]
	if ok && !wins(sample.Version, sample.Signature, existing.Version, existing.Signature) {
		return false
	}
	r.costs[sample.NodeID] = sample
	r.publishSnapshot()
	return true
}

// wins decides whether the candidate beats the incumbent.
func wins(candVersion uint64, candSig []byte, curVersion uint64, curSig []byte) bool {
	if candVersion != curVersion {
		return candVersion > curVersion
	}
	return bytes.Compare(candSig, curSig) > 0
}

// DropNode forgets a node's records, used when a peer is revoked.
func (r *Registry) DropNode(node common.NodeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for id, rec := range r.caps {
		if rec.OwnerNodeID == node {
			delete(r.caps, id)
			dropped++
		}
	}
	if _, ok := r.costs[node]; ok {
		delete(r.costs, node)
		dropped++
	}
	if dropped > 0 {
		r.publishSnapshot()
	}
	return dropped
}

func (r *Registry) gcLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			if removed := r.gcTombstones(); removed > 0 {
				r.logger.Debug("tombstone gc", "removed", removed)
			}
		}
	}
}

func (r *Registry) refreshLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.refreshOnce()
		}
	}
}

// refreshOnce re-advertises live local capabilities so remote gradient
// entries outlast the decay window without regossiping full records.
func (r *Registry) refreshOnce() {
	if r.publisher == nil {
		return
	}
	r.mu.Lock()
	var refreshes []*common.RouteRefresh
	for id, rec := range r.caps {
		if rec.OwnerNodeID != r.id.NodeID() || rec.IsTombstone() {
			continue
		}
		rr := &common.RouteRefresh{
			CapabilityID: id,
			OwnerNodeID:  r.id.NodeID(),
			CapVersion:   rec.Version,
			Version:      r.nextVersion("refresh:" + id),
			RefreshedAt:  r.now().UnixMilli(),
		}
		sb, err := rr.SigningBytes()
		if err != nil {
			r.logger.Error("route refresh encode failed", "error", err)
			continue
		}
		rr.Signature = r.id.Sign(sb)
		refreshes = append(refreshes, rr)
	}
	r.mu.Unlock()

	for _, rr := range refreshes {
		r.publisher.PublishRefresh(rr)
	}
}

// gcTombstones drops tombstones old enough that no replica can still be
// gossiping the record they killed.
func (r *Registry) gcTombstones() int {
	cutoff := r.now().Add(-r.cfg.TombstoneTTL).UnixMilli()
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.caps {
		if rec.IsTombstone() && rec.UpdatedAt < cutoff {
			delete(r.caps, id)
			removed++
		}
	}
	if removed > 0 {
		r.publishSnapshot()
	}
	return removed
}
