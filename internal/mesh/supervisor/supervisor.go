// Package supervisor owns per-peer connectivity: it probes the four
// transports in parallel, picks the best one that answers, fails over
// when the active transport dies, and replays in-flight requests on the
// new path. It also runs the per-transport heartbeat loops that drive
// the Suspect and Dead transitions.
package supervisor

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/transport"
)

// transportPriority is the static selection order; earlier wins when
// several transports probe healthy.
var transportPriority = []common.TransportKind{
	common.TransportLAN,
	common.TransportUDP,
	common.TransportRelay,
	common.TransportBLE,
}

// Handler receives the frames the supervisor does not consume itself.
// The runtime wires gossip and the intent router in here.
type Handler interface {
	HandleGossip(from common.NodeID, env *common.GossipEnvelope)
	HandleAntiEntropyReq(from common.NodeID, req *common.AntiEntropyReq)
	HandleAntiEntropyResp(from common.NodeID, resp *common.AntiEntropyResp)
	HandleIntentRequest(from common.NodeID, req *common.IntentRequest)
	HandleIntentResponse(from common.NodeID, resp *common.IntentResponse)
	HandleRevocation(from common.NodeID, rev *common.Revocation)
}

// Config tunes probing, selection, and liveness.
type Config struct {
	// ProbeInterval paces the per-peer probe loop; multiplied by
	// ConnectedMultiplier while the peer is Connected.
	ProbeInterval       time.Duration
	ConnectedMultiplier int
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// ProbeFresh is how long a probe success keeps a transport selectable.
	ProbeFresh time.Duration
	// ReconnectMin and ReconnectMax bound the backoff while no transport
	// answers.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// SendQueue bounds the per-peer outbound queue.
	SendQueue int
	// HandshakeTimeout bounds the open-to-ack exchange.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame handoff to a connection.
	WriteTimeout time.Duration
	// FrameTTL is how long a queued frame may wait for a working transport
	// before it is dropped.
	FrameTTL time.Duration
	// HeartbeatIntervals override the per-transport heartbeat cadence.
	HeartbeatIntervals map[common.TransportKind]time.Duration
	// RequestDedupSize bounds the (origin, request id) replay filter.
	RequestDedupSize int
	// RelayURLs are this node's own relays, used to seed a relay path
	// for peers that never advertised one.
	RelayURLs []string
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval:       10 * time.Second,
		ConnectedMultiplier: 6,
		ProbeTimeout:        2 * time.Second,
		ProbeFresh:          30 * time.Second,
		ReconnectMin:        time.Second,
		ReconnectMax:        60 * time.Second,
		SendQueue:           256,
		HandshakeTimeout:    5 * time.Second,
		WriteTimeout:        5 * time.Second,
		FrameTTL:            10 * time.Second,
		HeartbeatIntervals: map[common.TransportKind]time.Duration{
			common.TransportLAN:   15 * time.Second,
			common.TransportUDP:   30 * time.Second,
			common.TransportRelay: 60 * time.Second,
			common.TransportBLE:   30 * time.Second,
		},
		RequestDedupSize: 4096,
	}
}

// Metrics counts supervisor activity since start.
type Metrics struct {
	ProbeRounds       uint64
	TransportSwitches uint64
	PendingReplayed   uint64
	FramesDropped     uint64
	PeersSuspected    uint64
	PeersDied         uint64
}

// Supervisor maintains the peer map and the active-transport choice for
// every peer. It implements the frame-sending surface gossip and the
// intent router build on.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	id     *identity.Identity

	meshMu sync.RWMutex
	meshID common.MeshID

	adapters map[common.TransportKind]transport.Adapter
	peers    *peerMap
	events   *bus

	handler        atomic.Pointer[Handler]
	keyLearned     atomic.Pointer[func(common.NodeID, ed25519.PublicKey)]
	digestMismatch atomic.Pointer[func(common.NodeID)]
	costFn         atomic.Pointer[func() float64]
	digestFn       atomic.Pointer[func() []byte]

	reqDedup *lru.Cache[string, struct{}]

	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time

	metricsMu sync.Mutex
	metrics   Metrics
}

func New(cfg Config, id *identity.Identity, adapters []transport.Adapter, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.ConnectedMultiplier <= 0 {
		cfg.ConnectedMultiplier = def.ConnectedMultiplier
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ProbeFresh <= 0 {
		cfg.ProbeFresh = def.ProbeFresh
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.FrameTTL <= 0 {
		cfg.FrameTTL = def.FrameTTL
	}
	if cfg.HeartbeatIntervals == nil {
		cfg.HeartbeatIntervals = def.HeartbeatIntervals
	}
	if cfg.RequestDedupSize <= 0 {
		cfg.RequestDedupSize = def.RequestDedupSize
	}

	dedup, err := lru.New[string, struct{}](cfg.RequestDedupSize)
	if err != nil {
		return nil, fmt.Errorf("supervisor request dedup: %w", err)
	}
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger.With("component", "supervisor", "node_id", id.NodeID().Short()),
		id:       id,
		adapters: make(map[common.TransportKind]transport.Adapter, len(adapters)),
		peers:    newPeerMap(),
		events:   newBus(),
		reqDedup: dedup,
		shutdown: make(chan struct{}),
		now:      time.Now,
	}
	for _, a := range adapters {
		s.adapters[a.Kind()] = a
	}
	return s, nil
}

// SetHandler wires the upward frame consumers; call before Start.
func (s *Supervisor) SetHandler(h Handler) { s.handler.Store(&h) }

// SetKeyLearned registers the callback for keys proven by handshakes.
func (s *Supervisor) SetKeyLearned(fn func(common.NodeID, ed25519.PublicKey)) {
	s.keyLearned.Store(&fn)
}

// SetDigestMismatch registers the callback fired when a handshake digest
// differs from ours; the runtime wires it to an anti-entropy round.
func (s *Supervisor) SetDigestMismatch(fn func(common.NodeID)) {
	s.digestMismatch.Store(&fn)
}

// SetCostFunc supplies the local cost multiplier carried in heartbeats.
func (s *Supervisor) SetCostFunc(fn func() float64) { s.costFn.Store(&fn) }

// SetDigestFunc supplies the gossip digest rollup carried in handshakes.
func (s *Supervisor) SetDigestFunc(fn func() []byte) { s.digestFn.Store(&fn) }

// SetMesh installs the mesh this node handshakes under.
func (s *Supervisor) SetMesh(meshID common.MeshID) {
	s.meshMu.Lock()
	s.meshID = meshID
	s.meshMu.Unlock()
}

func (s *Supervisor) mesh() common.MeshID {
	s.meshMu.RLock()
	defer s.meshMu.RUnlock()
	return s.meshID
}

// Subscribe returns a buffered event stream. Events are dropped rather
// than block the supervisor when the subscriber lags.
func (s *Supervisor) Subscribe(buffer int) <-chan Event {
	return s.events.subscribe(buffer)
}

// Metrics returns a copy of the counters.
func (s *Supervisor) Metrics() Metrics {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	return s.metrics
}

func (s *Supervisor) count(f func(*Metrics)) {
	s.metricsMu.Lock()
	f(&s.metrics)
	s.metricsMu.Unlock()
}

func (s *Supervisor) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	for kind, a := range s.adapters {
		if err := a.Start(ctx); err != nil {
			return common.E(common.KindFatal, "supervisor start", fmt.Errorf("%s adapter: %w", kind, err))
		}
		s.wg.Add(1)
		go s.acceptLoop(a)
	}
	s.logger.Info("supervisor started", "adapters", len(s.adapters))
	return nil
}

func (s *Supervisor) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.shutdown)
	for _, p := range s.peers.all() {
		s.stopPeer(p)
	}
	for kind, a := range s.adapters {
		if err := a.Stop(); err != nil {
			s.logger.Warn("adapter stop failed", "transport", kind.String(), "error", err)
		}
	}
	s.wg.Wait()
	return nil
}

func (s *Supervisor) stopPeer(p *peerState) {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stop)
	}
	for _, ts := range p.transports {
		if ts.conn != nil {
			ts.conn.Close()
		}
	}
	p.mu.Unlock()
}

// AddPeer registers a peer with the endpoints it may be reached at and
// starts supervising it. Safe to call repeatedly; later calls merge
// endpoints.
func (s *Supervisor) AddPeer(id common.NodeID, pub ed25519.PublicKey, eps []common.Endpoint) {
	if id == "" || id == s.id.NodeID() {
		return
	}
	p, created := s.peers.getOrCreate(id, s.cfg.SendQueue)
	if len(pub) == ed25519.PublicKeySize {
		p.mu.Lock()
		p.pub = pub
		p.mu.Unlock()
	}
	p.mergeEndpoints(eps)
	s.seedRelayEndpoint(p)
	if created {
		s.startPeer(p)
		s.logger.Info("peer added", "peer", id.Short(), "endpoints", len(eps))
	} else {
		p.pulse(p.kick)
	}
}

// seedRelayEndpoint gives a peer a relay path on our own relays when no
// invite advertised one, under the session id both sides derive from
// the pair.
func (s *Supervisor) seedRelayEndpoint(p *peerState) {
	if len(s.cfg.RelayURLs) == 0 {
		return
	}
	if _, ok := s.adapters[common.TransportRelay]; !ok {
		return
	}
	ep := common.RelayEndpoint(s.cfg.RelayURLs[0], common.PairSessionID(s.id.NodeID(), p.id))
	p.mu.Lock()
	if p.transportLocked(common.TransportRelay).endpoint == nil {
		p.transports[common.TransportRelay].endpoint = &ep
	}
	p.mu.Unlock()
}

// RemovePeer drops all state for a peer and closes its connections.
func (s *Supervisor) RemovePeer(id common.NodeID) {
	p, ok := s.peers.remove(id)
	if !ok {
		return
	}
	s.stopPeer(p)
	s.logger.Info("peer removed", "peer", id.Short())
}

func (s *Supervisor) startPeer(p *peerState) {
	s.wg.Add(2)
	go s.peerLoop(p)
	go s.writeLoop(p)
}

// Peers lists a snapshot of every supervised peer.
func (s *Supervisor) Peers() []PeerInfo {
	all := s.peers.all()
	out := make([]PeerInfo, 0, len(all))
	for _, p := range all {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// PeerKey returns the proven public key for a peer, if known.
func (s *Supervisor) PeerKey(id common.NodeID) (ed25519.PublicKey, bool) {
	p, ok := s.peers.get(id)
	if !ok {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pub) != ed25519.PublicKeySize {
		return nil, false
	}
	return p.pub, true
}

// ConnectedPeers implements the gossip sender surface.
func (s *Supervisor) ConnectedPeers() []common.NodeID {
	var out []common.NodeID
	for _, p := range s.peers.all() {
		p.mu.Lock()
		if p.state == common.LivenessConnected {
			out = append(out, p.id)
		}
		p.mu.Unlock()
	}
	return out
}

// IsConnected reports whether the peer currently has an active transport.
func (s *Supervisor) IsConnected(id common.NodeID) bool {
	p, ok := s.peers.get(id)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == common.LivenessConnected
}

// PeerRTTMs returns the RTT EWMA of the peer's active transport.
func (s *Supervisor) PeerRTTMs(id common.NodeID) float64 {
	p, ok := s.peers.get(id)
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasActive {
		return 0
	}
	if ts := p.transports[p.active]; ts != nil {
		return ts.rttEWMA
	}
	return 0
}

// PeerTransport returns the peer's active transport kind.
func (s *Supervisor) PeerTransport(id common.NodeID) common.TransportKind {
	p, ok := s.peers.get(id)
	if !ok {
		return common.TransportLAN
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasActive {
		return common.TransportLAN
	}
	return p.active
}

// QueueDepth reports the peer's outbound queue occupancy.
func (s *Supervisor) QueueDepth(id common.NodeID) int {
	p, ok := s.peers.get(id)
	if !ok {
		return 0
	}
	return len(p.sendQ)
}

// SendFrame queues one frame for the peer's active transport. A full
// queue fails immediately; gossip tolerates the loss and anti-entropy
// repairs it.
func (s *Supervisor) SendFrame(ctx context.Context, peer common.NodeID, frame []byte) error {
	p, ok := s.peers.get(peer)
	if !ok {
		return common.Ef(common.KindPeerUnreachable, "send frame", "unknown peer %s", peer.Short())
	}
	return s.enqueue(p, queuedFrame{bytes: frame, enqueued: s.now()})
}

// SendRequest queues a request frame and records it in the pending map so
// a transport switch replays it. The per-peer circuit breaker sits in
// front: a peer that keeps refusing sends fails fast for a while.
func (s *Supervisor) SendRequest(ctx context.Context, peer common.NodeID, requestID string, frame []byte) error {
	p, ok := s.peers.get(peer)
	if !ok {
		return common.Ef(common.KindPeerUnreachable, "send request", "unknown peer %s", peer.Short())
	}
	_, err := p.breaker.Execute(func() (any, error) {
		p.mu.Lock()
		p.pending[requestID] = frame
		p.mu.Unlock()
		if err := s.enqueue(p, queuedFrame{bytes: frame, requestID: requestID, enqueued: s.now()}); err != nil {
			p.mu.Lock()
			delete(p.pending, requestID)
			p.mu.Unlock()
			return nil, err
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return common.E(common.KindTransient, "send request", err)
	}
	return err
}

// CompleteRequest clears a pending request once its response arrived.
func (s *Supervisor) CompleteRequest(peer common.NodeID, requestID string) {
	if p, ok := s.peers.get(peer); ok {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}
}

// CancelRequest removes a cancelled request from the pending map. Any
// copy already on the wire is still honored by the remote.
func (s *Supervisor) CancelRequest(peer common.NodeID, requestID string) {
	s.CompleteRequest(peer, requestID)
}

// Ping verifies the peer's active transport answers a probe within the
// context deadline. The router calls this right before dispatch.
func (s *Supervisor) Ping(ctx context.Context, peer common.NodeID) error {
	p, ok := s.peers.get(peer)
	if !ok {
		return common.Ef(common.KindPeerUnreachable, "ping", "unknown peer %s", peer.Short())
	}
	p.mu.Lock()
	if !p.hasActive {
		p.mu.Unlock()
		return common.Ef(common.KindPeerUnreachable, "ping", "peer %s has no active transport", peer.Short())
	}
	kind := p.active
	ts := p.transports[kind]
	var ep *common.Endpoint
	if ts != nil {
		ep = ts.endpoint
	}
	healthy := ts != nil && ts.healthyConn()
	p.mu.Unlock()

	if !healthy {
		return common.Ef(common.KindPeerUnreachable, "ping", "peer %s active transport %s is down", peer.Short(), kind)
	}
	adapter, ok := s.adapters[kind]
	if !ok || ep == nil {
		// Inbound-only path: the open connection is the best evidence
		// available.
		return nil
	}
	res, err := adapter.Probe(ctx, *ep)
	if err != nil {
		return common.E(common.KindTransient, "ping", err)
	}
	if !res.Reachable {
		return common.Ef(common.KindTransient, "ping", "peer %s did not answer on %s", peer.Short(), kind)
	}
	p.mu.Lock()
	p.transportLocked(kind).observeRTT(float64(res.RTT.Milliseconds()))
	p.mu.Unlock()
	return nil
}

func (s *Supervisor) enqueue(p *peerState, f queuedFrame) error {
	select {
	case p.sendQ <- f:
		return nil
	default:
		s.count(func(m *Metrics) { m.FramesDropped++ })
		return common.Ef(common.KindTransient, "enqueue frame", "peer %s send queue full", p.id.Short())
	}
}

// writeLoop drains one peer's send queue onto whatever transport is
// active, waiting out failovers up to the frame TTL.
func (s *Supervisor) writeLoop(p *peerState) {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case <-p.stop:
			return
		case f := <-p.sendQ:
			s.deliver(p, f)
		}
	}
}

func (s *Supervisor) deliver(p *peerState, f queuedFrame) {
	deadline := f.enqueued.Add(s.cfg.FrameTTL)
	for {
		if s.now().After(deadline) {
			s.count(func(m *Metrics) { m.FramesDropped++ })
			s.logger.Debug("dropping frame after transport wait",
				"peer", p.id.Short(), "request_id", f.requestID)
			return
		}
		conn, kind := p.activeConn()
		if conn == nil {
			select {
			case <-s.shutdown:
				return
			case <-p.stop:
				return
			case <-p.notify:
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
		err := conn.Send(ctx, f.bytes)
		cancel()
		if err == nil {
			return
		}
		s.logger.Debug("send failed, marking transport unhealthy",
			"peer", p.id.Short(), "transport", kind.String(), "error", err)
		s.markUnhealthy(p, kind)
	}
}

// acceptLoop hands inbound connections to the handshake path.
func (s *Supervisor) acceptLoop(a transport.Adapter) {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case conn, ok := <-a.Accept():
			if !ok {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleInbound(conn)
			}()
		}
	}
}

// handleInbound authenticates an unsolicited connection. The first frame
// must be a handshake whose key hashes to the claimed node id and whose
// session auth verifies under that key.
func (s *Supervisor) handleInbound(conn transport.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	raw, err := conn.Receive(ctx)
	if err != nil {
		conn.Close()
		return
	}
	f, err := common.DecodeFrame(raw)
	if err != nil || f.Type != common.FrameHandshake {
		s.logger.Warn("closing connection: first frame was not a handshake",
			"transport", conn.Kind().String())
		conn.Close()
		return
	}
	var hs common.Handshake
	if err := common.DecodePayload(f, &hs); err != nil {
		conn.Close()
		return
	}
	if err := s.verifyHandshake(&hs); err != nil {
		s.logger.Warn("rejecting handshake",
			"peer", hs.NodeID.Short(), "error", err)
		conn.Close()
		return
	}

	ack, err := s.handshakeAck()
	if err != nil {
		conn.Close()
		return
	}
	sendCtx, sendCancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	err = conn.Send(sendCtx, ack)
	sendCancel()
	if err != nil {
		conn.Close()
		return
	}

	s.adoptConn(hs.NodeID, ed25519.PublicKey(hs.PublicKey), conn, hs.CapsDigest)
}

func (s *Supervisor) verifyHandshake(hs *common.Handshake) error {
	if len(hs.PublicKey) != ed25519.PublicKeySize {
		return common.Ef(common.KindBadRequest, "verify handshake", "bad public key length %d", len(hs.PublicKey))
	}
	if common.NodeIDFromPublicKey(hs.PublicKey) != hs.NodeID {
		return common.Ef(common.KindInvalidSignature, "verify handshake", "public key does not hash to node id")
	}
	if mesh := s.mesh(); mesh != "" && hs.MeshID != mesh {
		return common.Ef(common.KindBadRequest, "verify handshake", "wrong mesh %s", hs.MeshID)
	}
	if err := identity.VerifySessionAuth(&hs.Auth, hs.PublicKey); err != nil {
		return err
	}
	if hs.Auth.NodeID != hs.NodeID {
		return common.Ef(common.KindReplayMismatch, "verify handshake", "session auth node id mismatch")
	}
	return nil
}

// Hello returns a fresh signed handshake frame. The relay adapter sends
// it when parking on an advertised rendezvous session, where it doubles
// as relay authentication and the peer-level greeting.
func (s *Supervisor) Hello() ([]byte, error) { return s.handshakeFrame() }

func (s *Supervisor) handshakeFrame() ([]byte, error) {
	auth, err := s.id.NewSessionAuth(s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	hs := common.Handshake{
		NodeID:    s.id.NodeID(),
		PublicKey: s.id.PublicKey(),
		MeshID:    s.mesh(),
		Auth:      auth,
	}
	if fn := s.digestFn.Load(); fn != nil {
		hs.CapsDigest = (*fn)()
	}
	return common.EncodeFrame(common.FrameHandshake, &hs)
}

func (s *Supervisor) handshakeAck() ([]byte, error) {
	auth, err := s.id.NewSessionAuth(s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	return common.EncodeFrame(common.FrameHandshakeAck, &common.HandshakeAck{
		NodeID:    s.id.NodeID(),
		PublicKey: s.id.PublicKey(),
		Auth:      auth,
	})
}

// adoptConn attaches an authenticated connection to its peer, starting
// supervision if the peer is new.
func (s *Supervisor) adoptConn(id common.NodeID, pub ed25519.PublicKey, conn transport.Conn, capsDigest []byte) {
	p, created := s.peers.getOrCreate(id, s.cfg.SendQueue)
	kind := conn.Kind()

	p.mu.Lock()
	p.pub = pub
	ts := p.transportLocked(kind)
	if kind == common.TransportRelay && ts.endpoint == nil {
		// An inbound pairing proves the relay works; keep it as the
		// dialable path for the reconnect side of a failover.
		remote := conn.RemoteEndpoint()
		ts.endpoint = &remote
	}
	if ts.conn != nil && ts.conn != conn {
		ts.conn.Close()
		if ts.connPump != nil {
			close(ts.connPump)
		}
	}
	now := s.now()
	pump := make(chan struct{})
	ts.conn = conn
	ts.connPump = pump
	ts.attachedAt = now
	ts.hbLastRecv = now
	ts.hbMissed = 0
	p.lastSeen = now
	wasConnected := p.state == common.LivenessConnected
	if !p.hasActive || kind < p.active {
		p.active = kind
		p.hasActive = true
		p.lastActive = kind
		p.everHadActive = true
	}
	p.state = common.LivenessConnected
	p.mu.Unlock()

	if fn := s.keyLearned.Load(); fn != nil {
		(*fn)(id, pub)
	}
	if len(capsDigest) > 0 {
		if fn := s.digestFn.Load(); fn != nil {
			if local := (*fn)(); len(local) > 0 && string(local) != string(capsDigest) {
				if mm := s.digestMismatch.Load(); mm != nil {
					(*mm)(id)
				}
			}
		}
	}

	p.pulse(p.notify)
	p.pulse(p.kick)
	if created {
		s.seedRelayEndpoint(p)
		s.startPeer(p)
	}
	if !wasConnected {
		s.events.publish(Event{Type: EventPeerConnected, Peer: id, New: kind, At: s.now()})
	}
	s.wg.Add(2)
	go s.readPump(p, kind, conn, pump)
	go s.heartbeatLoop(p, kind, conn, pump)
	s.logger.Info("connection established",
		"peer", id.Short(), "transport", kind.String(), "inbound", true)
}

// readPump drains one connection, demuxing frames upward until it closes.
func (s *Supervisor) readPump(p *peerState, kind common.TransportKind, conn transport.Conn, pump chan struct{}) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.shutdown:
		case <-p.stop:
		case <-pump:
		case <-ctx.Done():
		}
		cancel()
		conn.Close()
	}()

	for {
		raw, err := conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				s.logger.Debug("receive failed",
					"peer", p.id.Short(), "transport", kind.String(), "error", err)
			}
			s.markUnhealthy(p, kind)
			return
		}
		f, err := common.DecodeFrame(raw)
		if err != nil {
			// Malformed framing is a protocol violation; drop the
			// connection rather than guess at the stream state.
			s.logger.Warn("malformed frame, closing connection",
				"peer", p.id.Short(), "transport", kind.String(), "error", err)
			s.markUnhealthy(p, kind)
			return
		}
		p.mu.Lock()
		p.lastSeen = s.now()
		p.mu.Unlock()
		s.dispatchFrame(p, kind, f)
	}
}

func (s *Supervisor) dispatchFrame(p *peerState, kind common.TransportKind, f common.Frame) {
	hp := s.handler.Load()
	switch f.Type {
	case common.FrameHeartbeat:
		var hb common.Heartbeat
		if common.DecodePayload(f, &hb) == nil {
			s.handleHeartbeat(p, kind, &hb)
		}

	case common.FrameTransportSwitch:
		var sw common.TransportSwitch
		if common.DecodePayload(f, &sw) == nil {
			p.mu.Lock()
			p.announced = sw.New
			p.mu.Unlock()
			s.logger.Debug("peer announced transport switch",
				"peer", p.id.Short(), "old", sw.Old.String(), "new", sw.New.String())
		}

	case common.FrameGossip:
		var env common.GossipEnvelope
		if common.DecodePayload(f, &env) == nil && hp != nil {
			(*hp).HandleGossip(p.id, &env)
		}

	case common.FrameAntiEntropyReq:
		var req common.AntiEntropyReq
		if common.DecodePayload(f, &req) == nil && hp != nil {
			(*hp).HandleAntiEntropyReq(p.id, &req)
		}

	case common.FrameAntiEntropyResp:
		var resp common.AntiEntropyResp
		if common.DecodePayload(f, &resp) == nil && hp != nil {
			(*hp).HandleAntiEntropyResp(p.id, &resp)
		}

	case common.FrameIntentRequest:
		var req common.IntentRequest
		if common.DecodePayload(f, &req) != nil {
			return
		}
		// Replayed copies after a transport switch are expected; serve
		// each request once.
		key := string(req.OriginNodeID) + "|" + req.RequestID
		if found, _ := s.reqDedup.ContainsOrAdd(key, struct{}{}); found {
			return
		}
		if hp != nil {
			(*hp).HandleIntentRequest(p.id, &req)
		}

	case common.FrameIntentResponse:
		var resp common.IntentResponse
		if common.DecodePayload(f, &resp) == nil && hp != nil {
			(*hp).HandleIntentResponse(p.id, &resp)
		}

	case common.FrameRevocation:
		var rev common.Revocation
		if common.DecodePayload(f, &rev) == nil && hp != nil {
			(*hp).HandleRevocation(p.id, &rev)
		}

	case common.FrameHandshake, common.FrameHandshakeAck:
		// Already consumed during connection establishment; repeated
		// handshakes on a live connection are noise.
	}
}

// markUnhealthy records a transport failure, closing its connection and
// demoting the peer when it was the last healthy path.
func (s *Supervisor) markUnhealthy(p *peerState, kind common.TransportKind) {
	now := s.now()
	p.mu.Lock()
	ts := p.transports[kind]
	if ts == nil {
		p.mu.Unlock()
		return
	}
	ts.unhealthyAt = now
	ts.lastProbeOK = time.Time{}
	if ts.conn != nil {
		ts.conn.Close()
	}
	if ts.connPump != nil {
		close(ts.connPump)
		ts.connPump = nil
	}
	ts.conn = nil

	wasActive := p.hasActive && p.active == kind
	if wasActive {
		p.hasActive = false
		p.lastActive = kind
		p.everHadActive = true
	}
	anyHealthy := false
	for _, other := range p.transports {
		if other.healthyConn() {
			anyHealthy = true
			break
		}
	}
	demoted := false
	if !anyHealthy && p.state == common.LivenessConnected {
		p.state = common.LivenessSuspect
		p.suspectAt = now
		hbInterval := s.cfg.HeartbeatIntervals[kind]
		if hbInterval <= 0 {
			hbInterval = 30 * time.Second
		}
		p.suspectHold = 2 * 3 * hbInterval
		demoted = true
	}
	p.mu.Unlock()

	if demoted {
		s.count(func(m *Metrics) { m.PeersSuspected++ })
		s.events.publish(Event{Type: EventPeerSuspect, Peer: p.id, Old: kind, At: now})
		s.logger.Warn("peer suspect: last healthy transport failed",
			"peer", p.id.Short(), "transport", kind.String())
	}
	p.pulse(p.kick)
}

// peerLoop is the per-peer probe and selection loop.
func (s *Supervisor) peerLoop(p *peerState) {
	defer s.wg.Done()
	timer := time.NewTimer(10 * time.Millisecond)
	defer timer.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-p.stop:
			return
		case <-p.kick:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
		s.probeAndSelect(p)
		timer.Reset(s.nextProbeDelay(p))
	}
}

func (s *Supervisor) nextProbeDelay(p *peerState) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case common.LivenessConnected:
		return s.cfg.ProbeInterval * time.Duration(s.cfg.ConnectedMultiplier)
	case common.LivenessSuspect, common.LivenessDead:
		return p.backoff
	default:
		return s.cfg.ProbeInterval
	}
}

type probeOutcome struct {
	kind common.TransportKind
	res  transport.ProbeResult
	err  error
}

// probeAndSelect runs one probe round and applies the selection rule:
// the healthiest transport with the highest static priority wins.
func (s *Supervisor) probeAndSelect(p *peerState) {
	s.count(func(m *Metrics) { m.ProbeRounds++ })

	p.mu.Lock()
	if p.state == common.LivenessUnknown {
		p.state = common.LivenessProbing
	}
	targets := make(map[common.TransportKind]common.Endpoint)
	for kind, ts := range p.transports {
		if ts.endpoint != nil {
			if _, ok := s.adapters[kind]; ok {
				targets[kind] = *ts.endpoint
			}
		}
	}
	p.mu.Unlock()

	if len(targets) > 0 {
		results := make(chan probeOutcome, len(targets))
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
		for kind, ep := range targets {
			kind, ep := kind, ep
			go func() {
				res, err := s.adapters[kind].Probe(ctx, ep)
				results <- probeOutcome{kind: kind, res: res, err: err}
			}()
		}
		now := s.now()
		for range targets {
			out := <-results
			if out.err != nil || !out.res.Reachable {
				continue
			}
			p.mu.Lock()
			ts := p.transportLocked(out.kind)
			ts.lastProbeOK = now
			ts.observeRTT(float64(out.res.RTT.Milliseconds()))
			p.mu.Unlock()
		}
		cancel()
	}

	s.selectTransport(p)
}

// eligible reports whether a transport may carry traffic right now:
// either its probe succeeded recently, or it already holds a healthy
// connection (the inbound-only case, where we never learned an endpoint).
func (s *Supervisor) eligibleLocked(ts *transportState, now time.Time) bool {
	if ts.healthyConn() {
		return true
	}
	if ts.lastProbeOK.IsZero() {
		return false
	}
	return now.Sub(ts.lastProbeOK) <= s.cfg.ProbeFresh
}

func (s *Supervisor) selectTransport(p *peerState) {
	now := s.now()

	p.mu.Lock()
	var chosen common.TransportKind
	found := false
	for _, kind := range transportPriority {
		ts, ok := p.transports[kind]
		if !ok {
			continue
		}
		if s.eligibleLocked(ts, now) {
			chosen = kind
			found = true
			break
		}
	}

	if !found {
		// Nothing answered: back off, then keep trying until something
		// does. Suspect ages into Dead here.
		if p.backoff == 0 {
			p.backoff = s.cfg.ReconnectMin
		} else {
			p.backoff *= 2
			if p.backoff > s.cfg.ReconnectMax {
				p.backoff = s.cfg.ReconnectMax
			}
		}
		died := false
		if p.state == common.LivenessSuspect && now.Sub(p.suspectAt) >= p.suspectHold {
			p.state = common.LivenessDead
			died = true
		}
		state := p.state
		p.mu.Unlock()

		if died {
			s.count(func(m *Metrics) { m.PeersDied++ })
			s.events.publish(Event{Type: EventPeerDead, Peer: p.id, At: now})
			s.logger.Warn("peer dead", "peer", p.id.Short())
		} else if state != common.LivenessDead {
			s.events.publish(Event{Type: EventPeerReconnecting, Peer: p.id, At: now})
		}
		return
	}

	p.backoff = 0
	prevActive, hadActive := p.active, p.hasActive
	ts := p.transports[chosen]
	needConn := !ts.healthyConn()
	var ep *common.Endpoint
	if needConn {
		ep = ts.endpoint
	}
	pubKnown := len(p.pub) == ed25519.PublicKeySize
	p.mu.Unlock()

	if needConn {
		if ep == nil {
			return
		}
		if chosen == common.TransportRelay && pubKnown {
			// Once the peer has proven its key, rendezvous on the pair
			// session both sides derive; an advertised invite session is
			// single-use and only its issuer parks there.
			e := *ep
			e.SessionID = common.PairSessionID(s.id.NodeID(), p.id)
			ep = &e
		}
		if err := s.dialAndAttach(p, chosen, *ep); err != nil {
			s.logger.Debug("dial failed",
				"peer", p.id.Short(), "transport", chosen.String(), "error", err)
			p.mu.Lock()
			// A probe that answered but a dial that failed should not keep
			// winning selection; stale the probe and let the next round
			// try the next transport down.
			p.transportLocked(chosen).lastProbeOK = time.Time{}
			p.mu.Unlock()
			return
		}
	}

	p.mu.Lock()
	ts = p.transports[chosen]
	if !ts.healthyConn() {
		p.mu.Unlock()
		return
	}
	switched := hadActive && prevActive != chosen
	if !hadActive && p.everHadActive && p.lastActive != chosen {
		switched = true
		prevActive = p.lastActive
	}
	promoted := !hadActive
	p.active = chosen
	p.hasActive = true
	p.lastActive = chosen
	p.everHadActive = true
	wasDown := p.state != common.LivenessConnected
	p.state = common.LivenessConnected
	var replay [][]byte
	if switched || promoted {
		for _, frame := range p.pending {
			replay = append(replay, frame)
		}
	}
	p.mu.Unlock()

	p.pulse(p.notify)
	if wasDown {
		s.events.publish(Event{Type: EventPeerConnected, Peer: p.id, New: chosen, At: now})
	}
	if switched {
		s.count(func(m *Metrics) { m.TransportSwitches++ })
		s.events.publish(Event{Type: EventTransportSwitch, Peer: p.id, Old: prevActive, New: chosen, At: now})
		s.sendTransportSwitch(p, prevActive, chosen)
		s.logger.Info("transport switched",
			"peer", p.id.Short(), "old", prevActive.String(), "new", chosen.String())
	}
	if len(replay) > 0 {
		s.count(func(m *Metrics) { m.PendingReplayed += uint64(len(replay)) })
		for _, frame := range replay {
			// Best effort; the pending map still holds the frame for the
			// next switch if the queue is full right now.
			_ = s.enqueue(p, queuedFrame{bytes: frame, enqueued: now})
		}
		s.logger.Info("replayed pending requests",
			"peer", p.id.Short(), "count", len(replay), "transport", chosen.String())
	}
}

// dialAndAttach opens a connection, runs the handshake, and wires the
// pumps. The dialer sends first and expects an ack carrying the peer's
// proven identity.
func (s *Supervisor) dialAndAttach(p *peerState, kind common.TransportKind, ep common.Endpoint) error {
	adapter, ok := s.adapters[kind]
	if !ok {
		return common.Ef(common.KindBadRequest, "dial", "no %s adapter", kind)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := adapter.Open(ctx, ep)
	if err != nil {
		return err
	}
	hello, err := s.handshakeFrame()
	if err != nil {
		conn.Close()
		return err
	}
	if err := conn.Send(ctx, hello); err != nil {
		conn.Close()
		return err
	}
	raw, err := conn.Receive(ctx)
	if err != nil {
		conn.Close()
		return err
	}
	f, err := common.DecodeFrame(raw)
	if err != nil {
		conn.Close()
		return common.E(common.KindBadRequest, "dial", err)
	}
	var pub ed25519.PublicKey
	switch f.Type {
	case common.FrameHandshakeAck:
		var ack common.HandshakeAck
		if err := common.DecodePayload(f, &ack); err != nil {
			conn.Close()
			return err
		}
		if len(ack.PublicKey) != ed25519.PublicKeySize ||
			common.NodeIDFromPublicKey(ack.PublicKey) != ack.NodeID ||
			ack.NodeID != p.id {
			conn.Close()
			return common.Ef(common.KindInvalidSignature, "dial", "handshake ack identity mismatch")
		}
		if err := identity.VerifySessionAuth(&ack.Auth, ack.PublicKey); err != nil {
			conn.Close()
			return err
		}
		pub = ed25519.PublicKey(ack.PublicKey)

	case common.FrameHandshake:
		// A relayed rendezvous splices both hellos: when the far side
		// dialed or parked too, its handshake arrives where the ack
		// would. Answer it like a listener and the connection stands;
		// the surplus ack each side then receives is ignored upstream.
		var hs common.Handshake
		if err := common.DecodePayload(f, &hs); err != nil {
			conn.Close()
			return err
		}
		if hs.NodeID != p.id {
			conn.Close()
			return common.Ef(common.KindInvalidSignature, "dial", "handshake from unexpected node %s", hs.NodeID.Short())
		}
		if err := s.verifyHandshake(&hs); err != nil {
			conn.Close()
			return err
		}
		ack, err := s.handshakeAck()
		if err != nil {
			conn.Close()
			return err
		}
		if err := conn.Send(ctx, ack); err != nil {
			conn.Close()
			return err
		}
		pub = ed25519.PublicKey(hs.PublicKey)

	default:
		conn.Close()
		return common.Ef(common.KindBadRequest, "dial", "expected handshake ack, got %v", f.Type)
	}

	now := s.now()
	pump := make(chan struct{})
	p.mu.Lock()
	p.pub = pub
	ts := p.transportLocked(kind)
	if ts.conn != nil && ts.conn != conn {
		ts.conn.Close()
		if ts.connPump != nil {
			close(ts.connPump)
		}
	}
	ts.conn = conn
	ts.connPump = pump
	ts.attachedAt = now
	ts.hbLastRecv = now
	ts.hbMissed = 0
	p.lastSeen = now
	p.mu.Unlock()

	if fn := s.keyLearned.Load(); fn != nil {
		(*fn)(p.id, pub)
	}
	s.wg.Add(2)
	go s.readPump(p, kind, conn, pump)
	go s.heartbeatLoop(p, kind, conn, pump)
	s.logger.Info("connection established",
		"peer", p.id.Short(), "transport", kind.String(), "inbound", false)
	return nil
}

func (s *Supervisor) sendTransportSwitch(p *peerState, old, next common.TransportKind) {
	sw := common.TransportSwitch{
		NodeID: s.id.NodeID(),
		Old:    old,
		New:    next,
		At:     s.now().UnixMilli(),
	}
	body, err := sw.SigningBytes()
	if err != nil {
		return
	}
	sw.Signature = s.id.Sign(body)
	frame, err := common.EncodeFrame(common.FrameTransportSwitch, &sw)
	if err != nil {
		return
	}
	_ = s.enqueue(p, queuedFrame{bytes: frame, enqueued: s.now()})
}
