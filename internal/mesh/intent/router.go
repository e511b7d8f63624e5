// Package intent turns a natural-language request into a dispatch: embed
// the text, rank the capable nodes by similarity, locality, cost, and
// reliability, then execute locally or send to the best peer with
// failover down the candidate list.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/embed"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/routing"
)

// Dispatcher is the router's view of the connection supervisor.
type Dispatcher interface {
	IsConnected(common.NodeID) bool
	SendRequest(ctx context.Context, peer common.NodeID, requestID string, frame []byte) error
	SendFrame(ctx context.Context, peer common.NodeID, frame []byte) error
	CompleteRequest(peer common.NodeID, requestID string)
	CancelRequest(peer common.NodeID, requestID string)
	Ping(ctx context.Context, peer common.NodeID) error
	QueueDepth(peer common.NodeID) int
}

// Config tunes candidate selection and retry.
type Config struct {
	// SimilarityThreshold drops candidates whose embedding cosine falls
	// under it.
	SimilarityThreshold float64
	// MaxAttempts bounds how many distinct nodes one route call tries.
	MaxAttempts int
	// DefaultDeadline applies when the caller's context carries none.
	DefaultDeadline time.Duration
	// PingBudget bounds the health check preceding each remote dispatch.
	PingBudget time.Duration
	// BusyQueueDepth and BusyPenalty demote peers with a backed-up send
	// queue; OverloadedCPU and OverloadPenalty demote peers reporting
	// heavy load.
	BusyQueueDepth  int
	BusyPenalty     float64
	OverloadedCPU   float64
	OverloadPenalty float64
	// MaxConcurrentLocal bounds simultaneous local executions before the
	// node answers Busy.
	MaxConcurrentLocal int
}

func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.35,
		MaxAttempts:         3,
		DefaultDeadline:     30 * time.Second,
		PingBudget:          500 * time.Millisecond,
		BusyQueueDepth:      10,
		BusyPenalty:         0.7,
		OverloadedCPU:       0.9,
		OverloadPenalty:     0.5,
		MaxConcurrentLocal:  10,
	}
}

// Attempt is one entry in the chain a dispatch walked.
type Attempt struct {
	NodeID       common.NodeID `json:"node_id"`
	CapabilityID string        `json:"capability_id"`
	Local        bool          `json:"local,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Dispatch is the caller-visible outcome of one routed intent.
type Dispatch struct {
	RequestID string        `json:"request_id"`
	Executor  common.NodeID `json:"executor"`
	Local     bool          `json:"local"`
	Result    []byte        `json:"result,omitempty"`
	Attempts  []Attempt     `json:"attempts,omitempty"`
}

// Metrics counts router activity since start.
type Metrics struct {
	Routed       uint64
	LocalRuns    uint64
	RemoteRuns   uint64
	Retries      uint64
	NoCandidates uint64
	Failed       uint64
}

// Router resolves intents to nodes and dispatches them.
type Router struct {
	cfg        Config
	logger     *slog.Logger
	id         *identity.Identity
	reg        *registry.Registry
	routes     *routing.Table
	dispatcher Dispatcher

	keyLookup atomic.Pointer[func(common.NodeID) ([]byte, bool)]

	pendingMu sync.Mutex
	pending   map[string]chan *common.IntentResponse

	localSem chan struct{}

	metricsMu sync.Mutex
	metrics   Metrics
	now       func() time.Time
}

func New(cfg Config, id *identity.Identity, reg *registry.Registry, routes *routing.Table,
	dispatcher Dispatcher, logger *slog.Logger) *Router {

	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = def.DefaultDeadline
	}
	if cfg.PingBudget <= 0 {
		cfg.PingBudget = def.PingBudget
	}
	if cfg.BusyQueueDepth <= 0 {
		cfg.BusyQueueDepth = def.BusyQueueDepth
	}
	if cfg.BusyPenalty <= 0 {
		cfg.BusyPenalty = def.BusyPenalty
	}
	if cfg.OverloadedCPU <= 0 {
		cfg.OverloadedCPU = def.OverloadedCPU
	}
	if cfg.OverloadPenalty <= 0 {
		cfg.OverloadPenalty = def.OverloadPenalty
	}
	if cfg.MaxConcurrentLocal <= 0 {
		cfg.MaxConcurrentLocal = def.MaxConcurrentLocal
	}
	return &Router{
		cfg:        cfg,
		logger:     logger.With("component", "intent", "node_id", id.NodeID().Short()),
		id:         id,
		reg:        reg,
		routes:     routes,
		dispatcher: dispatcher,
		pending:    make(map[string]chan *common.IntentResponse),
		localSem:   make(chan struct{}, cfg.MaxConcurrentLocal),
		now:        time.Now,
	}
}

// SetKeyLookup wires the public-key resolver used to verify remote
// requests and responses.
func (r *Router) SetKeyLookup(fn func(common.NodeID) ([]byte, bool)) {
	r.keyLookup.Store(&fn)
}

// Metrics returns a copy of the counters.
func (r *Router) Metrics() Metrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	return r.metrics
}

func (r *Router) count(f func(*Metrics)) {
	r.metricsMu.Lock()
	f(&r.metrics)
	r.metricsMu.Unlock()
}

// candidate is one scored way to execute an intent.
type candidate struct {
	capabilityID string
	owner        common.NodeID
	nextHop      common.NodeID
	local        bool
	similarity   float64
	score        float64
	entry        *common.RouteEntry
	record       *common.CapabilityRecord
}

// Route embeds the intent, ranks candidates, and dispatches down the
// list until one succeeds or the attempt budget runs out.
func (r *Router) Route(ctx context.Context, intent string, intentCtx map[string]string,
	cons common.IntentConstraints) (*Dispatch, error) {

	if intent == "" {
		return nil, common.Ef(common.KindBadRequest, "route", "empty intent")
	}
	r.count(func(m *Metrics) { m.Routed++ })

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.DefaultDeadline)
		defer cancel()
	}

	vec := embed.Text(intent)
	candidates := r.candidates(vec, cons)
	if len(candidates) == 0 {
		r.count(func(m *Metrics) { m.NoCandidates++ })
		return nil, common.Ef(common.KindNoCapableNode, "route", "no capable node for intent")
	}

	var attempts []Attempt
	tried := make(map[common.NodeID]bool)
	for _, cand := range candidates {
		if len(tried) >= r.cfg.MaxAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}
		// Distinct nodes, not distinct entries: two routes to the same
		// owner count as one attempt target.
		if tried[cand.owner] {
			continue
		}
		tried[cand.owner] = true
		if len(tried) > 1 {
			r.count(func(m *Metrics) { m.Retries++ })
		}

		disp, err := r.attempt(ctx, cand, intent, intentCtx, cons)
		if err == nil {
			disp.Attempts = append(attempts, disp.Attempts...)
			return disp, nil
		}
		attempts = append(attempts, Attempt{
			NodeID:       cand.owner,
			CapabilityID: cand.capabilityID,
			Local:        cand.local,
			Error:        err.Error(),
		})
		if common.IsKind(err, common.KindBadRequest) {
			break
		}
	}

	r.count(func(m *Metrics) { m.Failed++ })
	err := common.Ef(common.KindAllRetriesFailed, "route", "%d nodes attempted", len(attempts))
	if len(attempts) == 0 {
		err = common.Ef(common.KindNoCapableNode, "route", "no reachable candidate")
	}
	return &Dispatch{Attempts: attempts}, err
}

// RouteAll dispatches each intent independently and gathers the results;
// one intent failing never fails the batch.
func (r *Router) RouteAll(ctx context.Context, intents []string, intentCtx map[string]string,
	cons common.IntentConstraints) ([]*Dispatch, []error) {

	results := make([]*Dispatch, len(intents))
	errs := make([]error, len(intents))
	var wg sync.WaitGroup
	for i, it := range intents {
		wg.Add(1)
		go func(i int, it string) {
			defer wg.Done()
			results[i], errs[i] = r.Route(ctx, it, intentCtx, cons)
		}(i, it)
	}
	wg.Wait()
	return results, errs
}

// candidates assembles and scores every way this node knows to execute
// the intent: local capabilities plus the gradient table, filtered by
// similarity, connectivity, and the caller's hard constraints.
func (r *Router) candidates(vec []float32, cons common.IntentConstraints) []candidate {
	snap := r.reg.Snapshot()
	self := r.id.NodeID()
	excluded := make(map[common.NodeID]bool, len(cons.ExcludeNodes))
	for _, n := range cons.ExcludeNodes {
		excluded[n] = true
	}

	var out []candidate
	for _, rec := range snap.Caps {
		if rec.OwnerNodeID != self || rec.IsTombstone() {
			continue
		}
		if excluded[self] {
			continue
		}
		if cons.RequireGPU && !hasGPU(rec) {
			continue
		}
		sim := embed.Cosine(vec, rec.Embedding)
		if sim < r.cfg.SimilarityThreshold {
			continue
		}
		score := sim * snapshotCostInv(snap, self)
		if r.overloaded(snap, self) {
			score *= r.cfg.OverloadPenalty
		}
		out = append(out, candidate{
			capabilityID: rec.CapabilityID,
			owner:        self,
			nextHop:      self,
			local:        true,
			similarity:   sim,
			score:        score,
			record:       rec,
		})
	}

	if !cons.LocalOnly {
		routeSnap := r.routes.Snapshot()
		for capID, entries := range routeSnap.Entries {
			rec, ok := snap.Caps[capID]
			if !ok || rec.IsTombstone() || rec.OwnerNodeID == self {
				continue
			}
			sim := embed.Cosine(vec, rec.Embedding)
			if sim < r.cfg.SimilarityThreshold {
				continue
			}
			if cons.RequireGPU && !hasGPU(rec) {
				continue
			}
			for _, e := range entries {
				if excluded[e.OwnerNodeID] || excluded[e.NextHop] {
					continue
				}
				if !r.dispatcher.IsConnected(e.NextHop) {
					continue
				}
				if cons.MaxHops > 0 && e.HopCount > cons.MaxHops {
					continue
				}
				if cons.MaxLatencyMs > 0 && e.LatencyMs > cons.MaxLatencyMs {
					continue
				}
				score := routing.ScoreEntry(e, sim)
				if r.dispatcher.QueueDepth(e.NextHop) > r.cfg.BusyQueueDepth {
					score *= r.cfg.BusyPenalty
				}
				if r.overloaded(snap, e.OwnerNodeID) {
					score *= r.cfg.OverloadPenalty
				}
				out = append(out, candidate{
					capabilityID: capID,
					owner:        e.OwnerNodeID,
					nextHop:      e.NextHop,
					similarity:   sim,
					score:        score,
					entry:        e,
					record:       rec,
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		// Local execution wins score ties; it has no network to lose.
		if out[i].score == out[j].score {
			return out[i].local && !out[j].local
		}
		return out[i].score > out[j].score
	})
	return out
}

func hasGPU(rec *common.CapabilityRecord) bool {
	return rec.Constraints["gpu"] == "true"
}

func snapshotCostInv(snap *registry.Snapshot, node common.NodeID) float64 {
	return 1.0 / snap.CostMultiplier(node)
}

func (r *Router) overloaded(snap *registry.Snapshot, node common.NodeID) bool {
	sample, ok := snap.Costs[node]
	return ok && sample.CPULoad > r.cfg.OverloadedCPU
}

// attempt runs one candidate to completion.
func (r *Router) attempt(ctx context.Context, cand candidate, intent string,
	intentCtx map[string]string, cons common.IntentConstraints) (*Dispatch, error) {

	if cand.local {
		return r.executeLocal(ctx, cand, intent, intentCtx)
	}
	return r.dispatchRemote(ctx, cand, intent, intentCtx, cons)
}

func (r *Router) executeLocal(ctx context.Context, cand candidate, intent string,
	intentCtx map[string]string) (*Dispatch, error) {

	exec, ok := r.reg.Executor(cand.capabilityID)
	if !ok || exec == nil {
		return nil, common.Ef(common.KindNoCapableNode, "execute local", "capability %s has no executor", common.ShortID(cand.capabilityID))
	}
	select {
	case r.localSem <- struct{}{}:
		defer func() { <-r.localSem }()
	default:
		return nil, common.Ef(common.KindTransient, "execute local", "node busy")
	}

	result, err := exec(ctx, intent, intentCtx)
	if err != nil {
		return nil, fmt.Errorf("execute local %s: %w", common.ShortID(cand.capabilityID), err)
	}
	r.count(func(m *Metrics) { m.LocalRuns++ })
	return &Dispatch{
		RequestID: uuid.NewString(),
		Executor:  r.id.NodeID(),
		Local:     true,
		Result:    result,
	}, nil
}

func (r *Router) dispatchRemote(ctx context.Context, cand candidate, intent string,
	intentCtx map[string]string, cons common.IntentConstraints) (*Dispatch, error) {

	// A transport that died since the last probe round wastes a whole
	// attempt; one cheap ping first keeps the budget for live peers.
	pingCtx, cancel := context.WithTimeout(ctx, r.cfg.PingBudget)
	err := r.dispatcher.Ping(pingCtx, cand.nextHop)
	cancel()
	if err != nil {
		r.routes.ReportOutcome(cand.capabilityID, cand.nextHop, false)
		return nil, fmt.Errorf("pre-dispatch ping %s: %w", cand.nextHop.Short(), err)
	}

	deadline, _ := ctx.Deadline()
	req := common.IntentRequest{
		RequestID:    uuid.NewString(),
		OriginNodeID: r.id.NodeID(),
		CapabilityID: cand.capabilityID,
		Intent:       intent,
		Context:      intentCtx,
		Constraints:  cons,
		Deadline:     deadline.UnixMilli(),
	}
	body, err := req.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("sign intent request: %w", err)
	}
	req.Signature = r.id.Sign(body)
	frame, err := common.EncodeFrame(common.FrameIntentRequest, &req)
	if err != nil {
		return nil, err
	}

	ch := make(chan *common.IntentResponse, 1)
	r.pendingMu.Lock()
	r.pending[req.RequestID] = ch
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, req.RequestID)
		r.pendingMu.Unlock()
	}()

	if err := r.dispatcher.SendRequest(ctx, cand.nextHop, req.RequestID, frame); err != nil {
		r.routes.ReportOutcome(cand.capabilityID, cand.nextHop, false)
		return nil, fmt.Errorf("dispatch to %s: %w", cand.nextHop.Short(), err)
	}

	select {
	case <-ctx.Done():
		// The remote may still execute the already-sent copy; only the
		// local bookkeeping is cancelled.
		r.dispatcher.CancelRequest(cand.nextHop, req.RequestID)
		return nil, common.E(common.KindTransient, "dispatch wait", ctx.Err())
	case resp := <-ch:
		r.dispatcher.CompleteRequest(cand.nextHop, req.RequestID)
		return r.finishRemote(cand, resp)
	}
}

func (r *Router) finishRemote(cand candidate, resp *common.IntentResponse) (*Dispatch, error) {
	switch resp.Status {
	case common.IntentOK:
		r.routes.ReportOutcome(cand.capabilityID, cand.nextHop, true)
		r.count(func(m *Metrics) { m.RemoteRuns++ })
		return &Dispatch{
			RequestID: resp.RequestID,
			Executor:  resp.NodeID,
			Result:    resp.Result,
		}, nil

	case common.IntentBusy:
		// Not a reliability signal; the peer answered promptly, it just
		// has no room.
		return nil, common.Ef(common.KindTransient, "dispatch", "peer %s busy", resp.NodeID.Short())

	case common.IntentUnknownCapability:
		// The capability disappeared between lookup and dispatch; the
		// stale entry must not keep winning selection.
		r.routes.EvictRoute(cand.capabilityID, cand.nextHop)
		return nil, common.Ef(common.KindTransient, "dispatch", "peer %s no longer serves %s",
			resp.NodeID.Short(), common.ShortID(cand.capabilityID))

	default:
		r.routes.ReportOutcome(cand.capabilityID, cand.nextHop, false)
		return nil, common.Ef(common.KindTransient, "dispatch", "peer %s failed: %s", resp.NodeID.Short(), resp.Error)
	}
}
