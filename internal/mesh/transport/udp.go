package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/stun"
)

// UDPConfig tunes the hole-punched datagram adapter.
type UDPConfig struct {
	ListenHost       string
	Port             int
	PunchAttempts    int
	PunchInterval    time.Duration
	ReassemblyWindow time.Duration
	RecvBuffer       int
}

func DefaultUDPConfig() UDPConfig {
	return UDPConfig{
		ListenHost:       "0.0.0.0",
		Port:             0,
		PunchAttempts:    5,
		PunchInterval:    300 * time.Millisecond,
		ReassemblyWindow: 10 * time.Second,
		RecvBuffer:       64,
	}
}

// Punch packets are tiny fixed-layout datagrams outside the fragment
// framing: 4 magic bytes, a type byte, an 8-byte nonce the pong echoes.
const (
	punchLen      = 13
	punchTypePing = 0x01
	punchTypePong = 0x02
)

var punchMagic = [4]byte{'A', 'T', 'M', 'P'}

// UDPAdapter owns one UDP socket shared by three traffic classes: STUN
// responses (handed to the discovery client through a shim), punch
// ping/pong, and fragmented data frames. Sharing the socket is what makes
// the NAT mapping discovered over STUN usable for peer traffic.
type UDPAdapter struct {
	cfg    UDPConfig
	logger *slog.Logger

	sock    *net.UDPConn
	accepts chan Conn

	mu      sync.RWMutex
	conns   map[string]*udpConn
	waiters map[uint64]chan *net.UDPAddr

	stunCh   chan stunPacket
	stunDead atomic.Value // time.Time

	public   atomic.Value // common.Endpoint
	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type stunPacket struct {
	data []byte
	addr *net.UDPAddr
}

func NewUDPAdapter(cfg UDPConfig, logger *slog.Logger) *UDPAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PunchAttempts <= 0 {
		cfg.PunchAttempts = 5
	}
	if cfg.PunchInterval <= 0 {
		cfg.PunchInterval = 300 * time.Millisecond
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 64
	}
	return &UDPAdapter{
		cfg:      cfg,
		logger:   logger.With("component", "transport", "kind", "udp"),
		accepts:  make(chan Conn, 16),
		conns:    make(map[string]*udpConn),
		waiters:  make(map[uint64]chan *net.UDPAddr),
		stunCh:   make(chan stunPacket, 8),
		shutdown: make(chan struct{}),
	}
}

func (a *UDPAdapter) Kind() common.TransportKind { return common.TransportUDP }

func (a *UDPAdapter) MaxFrame() int { return common.MaxFrameStream }

func (a *UDPAdapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}
	addr := &net.UDPAddr{IP: net.ParseIP(a.cfg.ListenHost), Port: a.cfg.Port}
	sock, err := net.ListenUDP("udp4", addr)
	if err != nil {
		a.running.Store(false)
		return common.E(common.KindFatal, "udp listen", err)
	}
	a.sock = sock
	a.logger.Info("listening", "addr", sock.LocalAddr().String())

	a.wg.Add(2)
	go a.readLoop()
	go a.gcLoop()
	return nil
}

func (a *UDPAdapter) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	close(a.shutdown)
	if a.sock != nil {
		a.sock.Close()
	}
	a.wg.Wait()

	a.mu.Lock()
	conns := make([]*udpConn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (a *UDPAdapter) Accept() <-chan Conn { return a.accepts }

// LocalPort reports the bound socket port.
func (a *UDPAdapter) LocalPort() int {
	if a.sock == nil {
		return a.cfg.Port
	}
	return a.sock.LocalAddr().(*net.UDPAddr).Port
}

// DiscoverPublic runs STUN discovery over the shared socket and remembers
// the mapping for LocalEndpoints.
func (a *UDPAdapter) DiscoverPublic(ctx context.Context, client *stun.Client) (common.Endpoint, error) {
	if a.sock == nil {
		return common.Endpoint{}, common.Ef(common.KindBadRequest, "udp discover", "adapter not started")
	}
	ep, err := client.DiscoverOn(ctx, &stunShim{a: a})
	if err != nil {
		return common.Endpoint{}, err
	}
	a.public.Store(ep)
	return ep, nil
}

func (a *UDPAdapter) LocalEndpoints() []common.Endpoint {
	ep, ok := a.public.Load().(common.Endpoint)
	if !ok {
		return nil
	}
	return []common.Endpoint{ep}
}

// Open punches a hole toward the endpoint: ping bursts until a pong comes
// back or the attempts run out. Both sides punching at once is the normal
// case; a lone pong is enough to consider the path open.
func (a *UDPAdapter) Open(ctx context.Context, ep common.Endpoint) (Conn, error) {
	raddr, err := a.resolve(ep)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	existing := a.conns[raddr.String()]
	a.mu.RUnlock()
	if existing != nil && existing.IsOpen() {
		return existing, nil
	}

	if _, err := a.punch(ctx, raddr, a.cfg.PunchAttempts); err != nil {
		return nil, err
	}
	return a.connFor(raddr, false), nil
}

// Probe is a single punch round-trip.
func (a *UDPAdapter) Probe(ctx context.Context, ep common.Endpoint) (ProbeResult, error) {
	raddr, err := a.resolve(ep)
	if err != nil {
		return ProbeResult{}, err
	}
	start := time.Now()
	if _, err := a.punch(ctx, raddr, 1); err != nil {
		return ProbeResult{}, err
	}
	return ProbeResult{Reachable: true, RTT: time.Since(start)}, nil
}

func (a *UDPAdapter) resolve(ep common.Endpoint) (*net.UDPAddr, error) {
	if err := ep.Validate(); err != nil {
		return nil, common.E(common.KindBadRequest, "udp open", err)
	}
	raddr, err := net.ResolveUDPAddr("udp4", ep.Addr())
	if err != nil {
		return nil, common.E(common.KindBadRequest, "udp open", err)
	}
	return raddr, nil
}

func (a *UDPAdapter) punch(ctx context.Context, raddr *net.UDPAddr, attempts int) (time.Duration, error) {
	if a.sock == nil {
		return 0, common.Ef(common.KindBadRequest, "udp punch", "adapter not started")
	}
	nonce, ping, err := newPunchPacket(punchTypePing)
	if err != nil {
		return 0, err
	}

	ch := make(chan *net.UDPAddr, 1)
	a.mu.Lock()
	a.waiters[nonce] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiters, nonce)
		a.mu.Unlock()
	}()

	start := time.Now()
	for i := 0; i < attempts; i++ {
		if _, err := a.sock.WriteToUDP(ping, raddr); err != nil {
			return 0, common.E(common.KindTransient, "udp punch", err)
		}
		timer := time.NewTimer(a.cfg.PunchInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, common.E(common.KindTransient, "udp punch", ctx.Err())
		case <-a.shutdown:
			timer.Stop()
			return 0, common.Ef(common.KindTransient, "udp punch", "adapter stopped")
		case from := <-ch:
			timer.Stop()
			if from.String() != raddr.String() {
				// Pong from an unexpected address; treat the mapped
				// address as authoritative and keep waiting.
				continue
			}
			return time.Since(start), nil
		case <-timer.C:
		}
	}
	return 0, common.Ef(common.KindPeerUnreachable, "udp punch", "no pong from %s after %d attempts", raddr, attempts)
}

func newPunchPacket(typ byte) (uint64, []byte, error) {
	buf := make([]byte, punchLen)
	copy(buf[:4], punchMagic[:])
	buf[4] = typ
	if _, err := rand.Read(buf[5:]); err != nil {
		return 0, nil, common.E(common.KindFatal, "udp punch", err)
	}
	return binary.BigEndian.Uint64(buf[5:]), buf, nil
}

func isPunch(b []byte) bool {
	return len(b) == punchLen && b[0] == punchMagic[0] && b[1] == punchMagic[1] &&
		b[2] == punchMagic[2] && b[3] == punchMagic[3]
}

func (a *UDPAdapter) readLoop() {
	defer a.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, raddr, err := a.sock.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-a.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("read failed", "error", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		switch {
		case stun.IsSTUN(pkt):
			select {
			case a.stunCh <- stunPacket{data: pkt, addr: raddr}:
			default:
			}
		case isPunch(pkt):
			a.handlePunch(pkt, raddr)
		case isFragment(pkt):
			a.handleFragment(pkt, raddr)
		default:
			// Unknown datagram shape; ignore.
		}
	}
}

func (a *UDPAdapter) handlePunch(pkt []byte, raddr *net.UDPAddr) {
	nonce := binary.BigEndian.Uint64(pkt[5:])
	switch pkt[4] {
	case punchTypePing:
		pong := make([]byte, punchLen)
		copy(pong, pkt)
		pong[4] = punchTypePong
		a.sock.WriteToUDP(pong, raddr)
		// A ping means the peer wants this path; surface a connection so
		// the local side can talk back without its own punch.
		a.connFor(raddr, true)
	case punchTypePong:
		a.mu.RLock()
		ch := a.waiters[nonce]
		a.mu.RUnlock()
		if ch != nil {
			select {
			case ch <- raddr:
			default:
			}
		}
	}
}

func (a *UDPAdapter) handleFragment(pkt []byte, raddr *net.UDPAddr) {
	c, ok := parseChunk(pkt)
	if !ok {
		return
	}
	conn := a.connFor(raddr, true)
	frame := conn.reasm.offer(c)
	if frame == nil {
		return
	}
	conn.deliver(frame)
}

// connFor returns the connection for a remote address, creating and
// announcing it when asked to.
func (a *UDPAdapter) connFor(raddr *net.UDPAddr, announce bool) *udpConn {
	key := raddr.String()

	a.mu.Lock()
	conn, ok := a.conns[key]
	if ok && conn.IsOpen() {
		a.mu.Unlock()
		return conn
	}
	conn = &udpConn{
		a:      a,
		raddr:  raddr,
		remote: common.PublicEndpoint(raddr.IP.String(), raddr.Port),
		stats:  newStatsBox(),
		frames: make(chan []byte, a.cfg.RecvBuffer),
		done:   make(chan struct{}),
		reasm:  newReassembler(a.cfg.ReassemblyWindow, common.MaxFrameStream),
	}
	a.conns[key] = conn
	a.mu.Unlock()

	if announce {
		select {
		case a.accepts <- conn:
		default:
			a.logger.Warn("accept backlog full", "remote", key)
		}
	}
	return conn
}

func (a *UDPAdapter) dropConn(key string) {
	a.mu.Lock()
	delete(a.conns, key)
	a.mu.Unlock()
}

func (a *UDPAdapter) gcLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.shutdown:
			return
		case <-ticker.C:
			a.mu.RLock()
			conns := make([]*udpConn, 0, len(a.conns))
			for _, c := range a.conns {
				conns = append(conns, c)
			}
			a.mu.RUnlock()
			for _, c := range conns {
				c.reasm.gc()
			}
		}
	}
}

// udpConn is one punched path. Frames are fragmented on send and
// reassembled by the adapter's read loop; delivery is lossy and unordered
// like the datagrams underneath.
type udpConn struct {
	a      *UDPAdapter
	raddr  *net.UDPAddr
	remote common.Endpoint
	stats  *statsBox
	reasm  *reassembler

	frames chan []byte
	done   chan struct{}
	closed atomic.Bool
}

func (u *udpConn) Send(ctx context.Context, frame []byte) error {
	if u.closed.Load() {
		return common.Ef(common.KindTransient, "udp send", "connection closed")
	}
	if len(frame) > common.MaxFrameStream {
		return common.Ef(common.KindBadRequest, "udp send", "frame of %d bytes exceeds limit", len(frame))
	}
	chunks, err := fragment(frame, common.MaxFrameUDP)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return common.E(common.KindTransient, "udp send", err)
		}
		if _, err := u.a.sock.WriteToUDP(ch, u.raddr); err != nil {
			return common.E(common.KindTransient, "udp send", err)
		}
	}
	u.stats.sent(len(frame))
	return nil
}

func (u *udpConn) deliver(frame []byte) {
	u.stats.recv(len(frame))
	select {
	case u.frames <- frame:
	case <-u.done:
	default:
		// Receiver is not keeping up; datagram transports drop.
	}
}

func (u *udpConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, common.E(common.KindTransient, "udp receive", ctx.Err())
	case <-u.done:
		return nil, io.EOF
	case frame := <-u.frames:
		return frame, nil
	}
}

func (u *udpConn) Close() error {
	if !u.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(u.done)
	u.a.dropConn(u.raddr.String())
	return nil
}

func (u *udpConn) IsOpen() bool { return !u.closed.Load() }

func (u *udpConn) Kind() common.TransportKind { return common.TransportUDP }

func (u *udpConn) RemoteEndpoint() common.Endpoint { return u.remote }

func (u *udpConn) Stats() ConnStats { return u.stats.snapshot() }

// stunShim exposes the shared socket to the STUN client. Reads come from
// the demuxed STUN channel rather than the socket itself so peer traffic
// keeps flowing during discovery.
type stunShim struct {
	a        *UDPAdapter
	deadline time.Time
}

func (s *stunShim) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	return s.a.sock.WriteToUDP(b, addr)
}

func (s *stunShim) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	var timeout <-chan time.Time
	if !s.deadline.IsZero() {
		wait := time.Until(s.deadline)
		if wait <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case pkt := <-s.a.stunCh:
		n := copy(b, pkt.data)
		return n, pkt.addr, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-s.a.shutdown:
		return 0, nil, net.ErrClosed
	}
}

func (s *stunShim) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

func (s *stunShim) LocalAddr() net.Addr { return s.a.sock.LocalAddr() }
