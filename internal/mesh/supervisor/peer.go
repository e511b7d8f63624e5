package supervisor

import (
	"crypto/ed25519"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/transport"
)

const shardCount = 16

// rttAlpha weights fresh RTT samples into the per-transport EWMA.
const rttAlpha = 0.2

// transportState is everything the supervisor tracks about one way of
// reaching a peer. Guarded by the owning peerState's mutex.
type transportState struct {
	endpoint     *common.Endpoint
	conn         transport.Conn
	connPump     chan struct{} // closed to stop the conn's pumps
	rttEWMA      float64       // milliseconds
	lastProbeOK  time.Time
	unhealthyAt  time.Time
	attachedAt   time.Time
	hbSeq        uint64
	hbRecvSeq    uint64
	hbLastRecv   time.Time
	hbMissed     int
	hbSentAt     map[uint64]time.Time
}

// observeRTT folds one sample into the EWMA.
func (t *transportState) observeRTT(ms float64) {
	if ms <= 0 {
		return
	}
	if t.rttEWMA == 0 {
		t.rttEWMA = ms
		return
	}
	t.rttEWMA = rttAlpha*ms + (1-rttAlpha)*t.rttEWMA
}

// healthyConn reports whether this transport currently carries an open
// connection that has not been marked unhealthy since it attached.
func (t *transportState) healthyConn() bool {
	return t.conn != nil && t.conn.IsOpen() && t.unhealthyAt.Before(t.attachedAt)
}

type queuedFrame struct {
	bytes     []byte
	requestID string
	enqueued  time.Time
}

// peerState is the supervisor's record of one peer: identity, endpoints,
// live connections, the active-transport choice, and the pending dispatch
// map replayed on failover.
type peerState struct {
	id common.NodeID

	mu         sync.Mutex
	pub        ed25519.PublicKey
	state      common.LivenessState
	active     common.TransportKind
	hasActive  bool
	// lastActive remembers the transport that carried traffic most
	// recently, so a failover still reads as a switch after the dead
	// transport was cleared.
	lastActive    common.TransportKind
	everHadActive bool
	transports    map[common.TransportKind]*transportState
	pending       map[string][]byte
	lastSeen      time.Time
	suspectAt     time.Time
	// suspectHold is how long Suspect lasts before Dead, fixed at
	// 2 x heartbeat timeout of the transport that failed last.
	suspectHold time.Duration
	backoff     time.Duration
	announced   common.TransportKind // peer's own transport-switch claim

	sendQ   chan queuedFrame
	notify  chan struct{} // pulsed when the active conn changes
	kick    chan struct{} // pulsed to wake the probe loop early
	stop    chan struct{}
	stopped bool

	breaker *gobreaker.CircuitBreaker
}

func newPeerState(id common.NodeID, queueSize int) *peerState {
	p := &peerState{
		id:         id,
		state:      common.LivenessUnknown,
		transports: make(map[common.TransportKind]*transportState),
		pending:    make(map[string][]byte),
		sendQ:      make(chan queuedFrame, queueSize),
		notify:     make(chan struct{}, 1),
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatch:" + id.Short(),
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	return p
}

func (p *peerState) transportLocked(kind common.TransportKind) *transportState {
	ts, ok := p.transports[kind]
	if !ok {
		ts = &transportState{hbSentAt: make(map[uint64]time.Time)}
		p.transports[kind] = ts
	}
	return ts
}

// mergeEndpoints records fresh addresses, one per transport kind.
func (p *peerState) mergeEndpoints(eps []common.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range eps {
		if ep.Validate() != nil {
			continue
		}
		ep := ep
		p.transportLocked(ep.Kind).endpoint = &ep
	}
}

// activeConn returns the connection currently carrying traffic, nil when
// the peer is between transports.
func (p *peerState) activeConn() (transport.Conn, common.TransportKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasActive {
		return nil, 0
	}
	ts := p.transports[p.active]
	if ts == nil || !ts.healthyConn() {
		return nil, 0
	}
	return ts.conn, p.active
}

func (p *peerState) pulse(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// PeerInfo is the externally visible snapshot of one peer.
type PeerInfo struct {
	NodeID          common.NodeID        `json:"node_id"`
	State           string               `json:"state"`
	ActiveTransport string               `json:"active_transport,omitempty"`
	RTTMs           map[string]float64   `json:"rtt_ms,omitempty"`
	Endpoints       []common.Endpoint    `json:"endpoints,omitempty"`
	LastSeen        time.Time            `json:"last_seen"`
	QueueDepth      int                  `json:"queue_depth"`
	PendingRequests int                  `json:"pending_requests"`
	Transports      []string             `json:"transports,omitempty"`
}

func (p *peerState) info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := PeerInfo{
		NodeID:          p.id,
		State:           p.state.String(),
		LastSeen:        p.lastSeen,
		QueueDepth:      len(p.sendQ),
		PendingRequests: len(p.pending),
		RTTMs:           make(map[string]float64, len(p.transports)),
	}
	if p.hasActive {
		info.ActiveTransport = p.active.String()
	}
	for kind, ts := range p.transports {
		if ts.rttEWMA > 0 {
			info.RTTMs[kind.String()] = ts.rttEWMA
		}
		if ts.endpoint != nil {
			info.Endpoints = append(info.Endpoints, *ts.endpoint)
		}
		if ts.healthyConn() {
			info.Transports = append(info.Transports, kind.String())
		}
	}
	return info
}

// shard is one slice of the peer map; sharding keeps unrelated peers from
// contending on a single lock.
type shard struct {
	mu    sync.RWMutex
	peers map[common.NodeID]*peerState
}

type peerMap struct {
	shards [shardCount]*shard
}

func newPeerMap() *peerMap {
	m := &peerMap{}
	for i := range m.shards {
		m.shards[i] = &shard{peers: make(map[common.NodeID]*peerState)}
	}
	return m
}

func (m *peerMap) shardFor(id common.NodeID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()%shardCount]
}

func (m *peerMap) get(id common.NodeID) (*peerState, bool) {
	s := m.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	return p, ok
}

// getOrCreate returns the peer state, creating it when first seen. The
// second result reports whether the peer is new.
func (m *peerMap) getOrCreate(id common.NodeID, queueSize int) (*peerState, bool) {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[id]; ok {
		return p, false
	}
	p := newPeerState(id, queueSize)
	s.peers[id] = p
	return p, true
}

func (m *peerMap) remove(id common.NodeID) (*peerState, bool) {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if ok {
		delete(s.peers, id)
	}
	return p, ok
}

func (m *peerMap) all() []*peerState {
	var out []*peerState
	for _, s := range m.shards {
		s.mu.RLock()
		for _, p := range s.peers {
			out = append(out, p)
		}
		s.mu.RUnlock()
	}
	return out
}
