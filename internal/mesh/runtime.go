// Package mesh assembles the node runtime: identity, transports, the
// connection supervisor, gossip, the registry, the gradient table, the
// intent router, and the durable store, wired together and lifecycled
// as one unit.
package mesh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/config"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/gossip"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/intent"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/registry"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/routing"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/store"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/stun"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/supervisor"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/transport"
)

// spillInterval paces the periodic flush of gossip and capability state.
const spillInterval = 30 * time.Second

// Config bundles every component's tunables under the node settings.
// Zero values defer to each component's defaults.
type Config struct {
	Node       config.Node
	Transport  transport.Config
	Supervisor supervisor.Config
	Gossip     gossip.Config
	Registry   registry.Config
	Routing    routing.Config
	Intent     intent.Config
	Store      store.Config
	STUN       stun.Config

	// Sampler overrides the cost sampler, mainly for tests.
	Sampler registry.Sampler
	// BLEHub enables the BLE adapter on the given in-process medium.
	// Without a medium the adapter has nothing to talk through.
	BLEHub *transport.BLEHub
}

func DefaultRuntimeConfig() Config {
	return Config{
		Node:      config.DefaultNode(),
		Transport: transport.DefaultConfig(),
	}
}

// Runtime is one running mesh node.
type Runtime struct {
	cfg    Config
	logger *slog.Logger

	id    *identity.Identity
	store *store.Store

	lan   *transport.LANAdapter
	udp   *transport.UDPAdapter
	relay *transport.RelayAdapter
	ble   *transport.BLEAdapter
	stun  *stun.Client

	sup    *supervisor.Supervisor
	engine *gossip.Engine
	reg    *registry.Registry
	routes *routing.Table
	router *intent.Router
	admin  *adminServer

	meshPriv ed25519.PrivateKey // held only by key holders (founder)
	bootTime time.Time
	started  bool
	shutdown chan struct{}
	stopped  chan struct{}

	livenessVer atomic.Uint64
}

// New builds the runtime: loads or creates the identity, opens the
// store, and wires every component. Nothing listens until Start.
func New(cfg Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Node.Validate(); err != nil {
		return nil, common.E(common.KindFatal, "runtime", err)
	}

	id, err := identity.LoadOrCreate(cfg.Node.Home)
	if err != nil {
		return nil, err
	}
	logger = logger.With("node_id", id.NodeID().Short())

	storeCfg := cfg.Store
	if storeCfg.Dir == "" {
		storeCfg.Dir = cfg.Node.Home
	}
	st, err := store.Open(storeCfg, logger)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:      cfg,
		logger:   logger.With("component", "runtime"),
		id:       id,
		store:    st,
		bootTime: time.Now(),
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	stunCfg := cfg.STUN
	if len(stunCfg.Servers) == 0 {
		stunCfg.Servers = cfg.Node.STUNServers
	}
	r.stun = stun.NewClient(stunCfg, logger)

	// Node-level ports are authoritative; the transport sub-config keeps
	// only the behavioral tunables.
	lanCfg := cfg.Transport.LAN
	lanCfg.Port = cfg.Node.ListenPort
	r.lan = transport.NewLANAdapter(lanCfg, logger)

	udpCfg := cfg.Transport.UDP
	udpCfg.Port = cfg.Node.UDPPort
	r.udp = transport.NewUDPAdapter(udpCfg, logger)

	r.relay = transport.NewRelayAdapter(cfg.Transport.Relay, logger)

	adapters := []transport.Adapter{r.lan, r.udp, r.relay}
	if cfg.BLEHub != nil {
		bleCfg := cfg.Transport.BLE
		bleCfg.Hub = cfg.BLEHub
		r.ble = transport.NewBLEAdapter(bleCfg, logger)
		adapters = append(adapters, r.ble)
	}

	supCfg := cfg.Supervisor
	if len(supCfg.RelayURLs) == 0 {
		supCfg.RelayURLs = cfg.Node.RelayURLs
	}
	r.sup, err = supervisor.New(supCfg, id, adapters, logger)
	if err != nil {
		return nil, err
	}
	r.relay.SetHello(r.sup.Hello)
	r.reg = registry.New(cfg.Registry, id, cfg.Sampler, logger)
	r.routes = routing.New(cfg.Routing, logger)
	r.engine, err = gossip.New(cfg.Gossip, id.NodeID(), r.reg, r.routes, r.sup, logger)
	if err != nil {
		return nil, err
	}
	r.router = intent.New(cfg.Intent, id, r.reg, r.routes, r.sup, logger)

	r.wire()
	if cfg.Node.AdminAddr != "" {
		r.admin = newAdminServer(cfg.Node.AdminAddr, r, logger)
	}
	return r, nil
}

// wire connects the callback seams between components. The supervisor
// demuxes frames upward, gossip publishes downward through the
// supervisor, and everything identity-shaped flows into the engine's
// trust map.
func (r *Runtime) wire() {
	r.reg.SetPublisher(r.engine)
	r.sup.SetHandler(&frameHandler{engine: r.engine, router: r.router})
	r.sup.SetKeyLearned(r.engine.Trust)
	r.sup.SetDigestMismatch(func(peer common.NodeID) {
		// A digest gap at handshake time means we were partitioned;
		// one anti-entropy round with that peer closes it.
		go r.engine.SyncWith(peer)
	})
	r.sup.SetDigestFunc(r.engine.DigestRollup)
	r.sup.SetCostFunc(func() float64 {
		if sample := r.reg.LastPublishedSample(); sample != nil {
			return sample.CostMultiplier()
		}
		return 1.0
	})
	r.router.SetKeyLookup(func(node common.NodeID) ([]byte, bool) {
		if pub, ok := r.engine.KnownKey(node); ok {
			return pub, true
		}
		if pub, ok := r.sup.PeerKey(node); ok {
			return pub, true
		}
		return nil, false
	})
	r.engine.SetLivenessHandler(func(_ common.NodeID, rec *common.LivenessRecord) {
		// Third-party dead reports only clear routes through the subject;
		// our own supervisor owns the peer's liveness state.
		if rec.State == common.LivenessDead && rec.SubjectNodeID != r.id.NodeID() {
			r.routes.EvictPeer(rec.SubjectNodeID)
		}
	})
	r.engine.SetRevokedHandler(func(rev *common.Revocation) {
		r.sup.RemovePeer(rev.RevokedNodeID)
	})
}

// frameHandler fans supervisor-demuxed frames out to gossip and the
// intent router.
type frameHandler struct {
	engine *gossip.Engine
	router *intent.Router
}

func (h *frameHandler) HandleGossip(from common.NodeID, env *common.GossipEnvelope) {
	h.engine.Ingest(from, env)
}

func (h *frameHandler) HandleAntiEntropyReq(from common.NodeID, req *common.AntiEntropyReq) {
	h.engine.HandleAntiEntropyReq(from, req)
}

func (h *frameHandler) HandleAntiEntropyResp(from common.NodeID, resp *common.AntiEntropyResp) {
	h.engine.HandleAntiEntropyResp(from, resp)
}

func (h *frameHandler) HandleIntentRequest(from common.NodeID, req *common.IntentRequest) {
	h.router.HandleIntentRequest(from, req)
}

func (h *frameHandler) HandleIntentResponse(from common.NodeID, resp *common.IntentResponse) {
	h.router.HandleIntentResponse(from, resp)
}

func (h *frameHandler) HandleRevocation(from common.NodeID, rev *common.Revocation) {
	h.engine.IngestRevocation(from, rev)
}

// Start brings the node up: adapters and loops first, then restored
// state, then the saved-mesh reconnects.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	r.started = true

	if err := r.sup.Start(ctx); err != nil {
		return err
	}
	if err := r.reg.Start(ctx); err != nil {
		return err
	}
	if err := r.routes.Start(ctx); err != nil {
		return err
	}
	if err := r.engine.Start(ctx); err != nil {
		return err
	}

	if recs, err := r.store.LoadCapabilities(); err == nil && len(recs) > 0 {
		r.reg.RestoreLocal(recs)
		r.logger.Info("restored local capabilities", "count", len(recs))
	}
	if envs, err := r.store.LoadGossipCache(); err == nil && len(envs) > 0 {
		r.engine.ImportCache(envs)
		r.logger.Info("replayed gossip cache", "count", len(envs))
	}

	if active, ok := r.store.Active(); ok {
		r.applyMesh(active.MeshID, active.MeshPubKey)
	}
	for _, m := range r.store.ReconnectTargets() {
		if active, ok := r.store.Active(); !ok || active.MeshID != m.MeshID {
			continue
		}
		if m.FounderNodeID != "" && m.FounderNodeID != r.id.NodeID() {
			r.sup.AddPeer(m.FounderNodeID, nil, m.Endpoints)
		}
	}

	if len(r.stunClientServers()) > 0 {
		go r.discoverPublicEndpoint(ctx)
	}

	go r.eventLoop()
	go r.spillLoop()

	if r.admin != nil {
		if err := r.admin.start(); err != nil {
			return err
		}
	}
	r.logger.Info("node started", "home", r.cfg.Node.Home)
	return nil
}

func (r *Runtime) stunClientServers() []string {
	if len(r.cfg.STUN.Servers) > 0 {
		return r.cfg.STUN.Servers
	}
	return r.cfg.Node.STUNServers
}

func (r *Runtime) discoverPublicEndpoint(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ep, err := r.udp.DiscoverPublic(ctx, r.stun)
	if err != nil {
		r.logger.Warn("public endpoint discovery failed", "error", err)
		return
	}
	r.logger.Info("public endpoint discovered", "host", ep.Host, "port", ep.Port)
}

// eventLoop reacts to supervisor transitions: route hygiene on death,
// liveness gossip, and last-connected bookkeeping.
func (r *Runtime) eventLoop() {
	events := r.sup.Subscribe(64)
	for {
		select {
		case <-r.shutdown:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case supervisor.EventPeerConnected:
				if active, ok := r.store.Active(); ok {
					if err := r.store.TouchConnected(active.MeshID); err != nil {
						r.logger.Warn("touch mesh failed", "error", err)
					}
				}
				r.publishLiveness(ev.Peer, common.LivenessConnected)
			case supervisor.EventPeerDead:
				// Routes through a dead peer are unusable regardless of
				// who owns the capability at the far end.
				r.routes.EvictPeer(ev.Peer)
				r.publishLiveness(ev.Peer, common.LivenessDead)
			}
		}
	}
}

// nextLivenessVersion hands out wall-clock versions that never repeat:
// two transitions inside the same millisecond would otherwise collide
// under version-wins merging.
func (r *Runtime) nextLivenessVersion() uint64 {
	for {
		prev := r.livenessVer.Load()
		next := uint64(time.Now().UnixMilli())
		if next <= prev {
			next = prev + 1
		}
		if r.livenessVer.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (r *Runtime) publishLiveness(subject common.NodeID, state common.LivenessState) {
	rec := &common.LivenessRecord{
		SubjectNodeID: subject,
		State:         state,
		PeerCount:     len(r.sup.ConnectedPeers()),
		ObservedAt:    time.Now().UnixMilli(),
		Version:       r.nextLivenessVersion(),
	}
	body, err := rec.SigningBytes()
	if err != nil {
		return
	}
	rec.Signature = r.id.Sign(body)
	r.engine.PublishLiveness(rec)
}

// spillLoop periodically flushes the gossip cache and local capability
// records so a restart resumes warm.
func (r *Runtime) spillLoop() {
	ticker := time.NewTicker(spillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.spill()
		}
	}
}

func (r *Runtime) spill() {
	if err := r.store.SaveCapabilities(r.reg.LocalRecords()); err != nil {
		r.logger.Warn("capability spill failed", "error", err)
	}
	if err := r.store.SaveGossipCache(r.engine.ExportCache()); err != nil {
		r.logger.Warn("gossip cache spill failed", "error", err)
	}
}

// Stop flushes state and brings every component down.
func (r *Runtime) Stop() error {
	if !r.started {
		return nil
	}
	r.started = false
	close(r.shutdown)

	if r.admin != nil {
		r.admin.stop()
	}
	r.spill()
	if err := r.engine.Stop(); err != nil {
		r.logger.Warn("gossip stop failed", "error", err)
	}
	if err := r.routes.Stop(); err != nil {
		r.logger.Warn("routing stop failed", "error", err)
	}
	if err := r.reg.Stop(); err != nil {
		r.logger.Warn("registry stop failed", "error", err)
	}
	if err := r.sup.Stop(); err != nil {
		r.logger.Warn("supervisor stop failed", "error", err)
	}
	close(r.stopped)
	r.logger.Info("node stopped")
	return nil
}

// NodeID returns this node's identifier.
func (r *Runtime) NodeID() common.NodeID { return r.id.NodeID() }

func (r *Runtime) applyMesh(meshID common.MeshID, meshPub []byte) {
	r.sup.SetMesh(meshID)
	r.engine.SetMesh(meshID, meshPub)
	if priv, err := identity.LoadMeshKey(r.cfg.Node.Home, meshID); err == nil {
		r.meshPriv = priv
	}
}

// CreateMesh founds a new mesh: fresh mesh id, fresh signing key saved
// to the keystore, and this node recorded as founder.
func (r *Runtime) CreateMesh(name string) (*common.SavedMesh, error) {
	meshID, err := common.NewMeshID()
	if err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate mesh key: %w", err)
	}
	if err := identity.SaveMeshKey(r.cfg.Node.Home, meshID, priv); err != nil {
		return nil, err
	}
	saved := &common.SavedMesh{
		MeshID:        meshID,
		MeshName:      name,
		MeshPubKey:    pub,
		FounderNodeID: r.id.NodeID(),
		JoinedAt:      time.Now().UnixMilli(),
		AutoReconnect: true,
	}
	if err := r.store.Upsert(saved); err != nil {
		return nil, err
	}
	if err := r.store.Activate(meshID); err != nil {
		return nil, err
	}
	r.meshPriv = priv
	r.applyMesh(meshID, pub)
	r.logger.Info("mesh created", "mesh_id", meshID.String(), "name", name)
	return saved, nil
}

// Invite issues a signed join token for the active mesh, carrying every
// endpoint this node is currently reachable at. Only a mesh-key holder
// can issue invites.
func (r *Runtime) Invite(ttl time.Duration) (string, error) {
	active, ok := r.store.Active()
	if !ok {
		return "", common.Ef(common.KindBadRequest, "invite", "no active mesh")
	}
	if r.meshPriv == nil {
		return "", common.Ef(common.KindBadRequest, "invite", "this node does not hold the mesh key")
	}
	var eps []common.Endpoint
	eps = append(eps, r.lan.LocalEndpoints()...)
	eps = append(eps, r.udp.LocalEndpoints()...)
	for _, u := range r.cfg.Node.RelayURLs {
		ep := common.RelayEndpoint(u, uuid.NewString())
		eps = append(eps, ep)
		// Park on the advertised session so a joiner dialing it finds a
		// partner; the attachment expires with the invite.
		r.relay.Attach(ep)
		session := ep.SessionID
		hold := ttl
		if hold <= 0 {
			hold = time.Hour
		}
		time.AfterFunc(hold, func() { r.relay.Detach(session) })
	}
	if r.ble != nil {
		eps = append(eps, r.ble.LocalEndpoints()...)
	}
	tok, err := identity.CreateInvite(active.MeshID, r.meshPriv, r.id.NodeID(), nil, eps, ttl, time.Now())
	if err != nil {
		return "", err
	}
	return identity.EncodeInvite(tok)
}

// Join verifies an invite offline and adopts its mesh: saved, activated,
// and the issuer supervised at the token's endpoints. Short-codes are
// resolved through the configured relays first.
func (r *Runtime) Join(ctx context.Context, tokenOrCode string) (*common.SavedMesh, error) {
	encoded := tokenOrCode
	if identity.LooksLikeShortCode(tokenOrCode) {
		resolved, err := r.resolveShortCode(ctx, tokenOrCode)
		if err != nil {
			return nil, err
		}
		encoded = resolved
	}
	tok, err := identity.DecodeInvite(encoded)
	if err != nil {
		return nil, err
	}
	err = identity.VerifyInvite(tok, tok.MeshPubKey, time.Now(), identity.VerifyOptions{AcceptLegacyNonce: true})
	if err != nil {
		return nil, common.E(common.KindBadRequest, "join", err)
	}

	saved := &common.SavedMesh{
		MeshID:        tok.MeshID,
		MeshName:      tok.MeshID.String(),
		MeshPubKey:    tok.MeshPubKey,
		FounderNodeID: tok.IssuerNodeID,
		Endpoints:     tok.Endpoints,
		JoinedAt:      time.Now().UnixMilli(),
		AutoReconnect: true,
	}
	if existing, ok := r.store.Mesh(tok.MeshID); ok {
		saved.MeshName = existing.MeshName
		saved.JoinedAt = existing.JoinedAt
		saved.LastConnected = existing.LastConnected
	}
	if err := r.store.Upsert(saved); err != nil {
		return nil, err
	}
	if err := r.store.Activate(tok.MeshID); err != nil {
		return nil, err
	}
	r.applyMesh(tok.MeshID, tok.MeshPubKey)
	if tok.IssuerNodeID != "" && tok.IssuerNodeID != r.id.NodeID() {
		r.sup.AddPeer(tok.IssuerNodeID, nil, tok.Endpoints)
	}
	r.logger.Info("joined mesh", "mesh_id", tok.MeshID.String(), "issuer", tok.IssuerNodeID.Short())
	return saved, nil
}

// ForgetMesh drops a saved mesh.
func (r *Runtime) ForgetMesh(id common.MeshID) error { return r.store.Forget(id) }

// Meshes lists the saved meshes.
func (r *Runtime) Meshes() []*common.SavedMesh { return r.store.Meshes() }

// Revoke expels a node from the active mesh. Requires the mesh key; the
// revocation gossips so every member drops the node's records.
func (r *Runtime) Revoke(node common.NodeID, reason string) error {
	active, ok := r.store.Active()
	if !ok {
		return common.Ef(common.KindBadRequest, "revoke", "no active mesh")
	}
	if r.meshPriv == nil {
		return common.Ef(common.KindBadRequest, "revoke", "this node does not hold the mesh key")
	}
	now := time.Now().UnixMilli()
	rev := &common.Revocation{
		MeshID:        active.MeshID,
		RevokedNodeID: node,
		Reason:        reason,
		RevokedAt:     now,
		Version:       uint64(now),
	}
	body, err := rev.SigningBytes()
	if err != nil {
		return err
	}
	rev.Signature = ed25519.Sign(r.meshPriv, body)
	r.engine.PublishRevocation(rev)
	r.sup.RemovePeer(node)
	return nil
}

// AddPeer registers a peer manually, e.g. from a LAN discovery hint.
func (r *Runtime) AddPeer(id common.NodeID, endpoints []common.Endpoint) {
	r.sup.AddPeer(id, nil, endpoints)
}

// RegisterCapability publishes a capability backed by the executor.
func (r *Runtime) RegisterCapability(capType common.CapabilityType, description string,
	tools []string, constraints map[string]string, exec registry.Executor) (string, error) {
	return r.reg.RegisterCapability(capType, description, tools, constraints, exec)
}

// UnregisterCapability retracts a local capability.
func (r *Runtime) UnregisterCapability(capabilityID string) error {
	return r.reg.UnregisterCapability(capabilityID)
}

// Route dispatches one intent through the router.
func (r *Runtime) Route(ctx context.Context, intentText string, intentCtx map[string]string,
	cons common.IntentConstraints) (*intent.Dispatch, error) {
	return r.router.Route(ctx, intentText, intentCtx, cons)
}

// RouteAll dispatches a batch of intents.
func (r *Runtime) RouteAll(ctx context.Context, intents []string, intentCtx map[string]string,
	cons common.IntentConstraints) ([]*intent.Dispatch, []error) {
	return r.router.RouteAll(ctx, intents, intentCtx, cons)
}

// Peers returns the supervisor's per-peer snapshot.
func (r *Runtime) Peers() []supervisor.PeerInfo { return r.sup.Peers() }
