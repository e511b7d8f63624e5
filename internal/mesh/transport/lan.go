package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// LANConfig tunes the TCP adapter.
type LANConfig struct {
	ListenHost    string
	Port          int
	DialTimeout   time.Duration
	AcceptBacklog int
	RecvBuffer    int
}

func DefaultLANConfig() LANConfig {
	return LANConfig{
		ListenHost:    "0.0.0.0",
		Port:          7654,
		DialTimeout:   2 * time.Second,
		AcceptBacklog: 16,
		RecvBuffer:    32,
	}
}

// LANAdapter carries frames over plain TCP on the local network.
type LANAdapter struct {
	cfg    LANConfig
	logger *slog.Logger

	listener net.Listener
	accepts  chan Conn
	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

func NewLANAdapter(cfg LANConfig, logger *slog.Logger) *LANAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = 16
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 32
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	return &LANAdapter{
		cfg:      cfg,
		logger:   logger.With("component", "transport", "kind", "lan"),
		accepts:  make(chan Conn, cfg.AcceptBacklog),
		shutdown: make(chan struct{}),
	}
}

func (a *LANAdapter) Kind() common.TransportKind { return common.TransportLAN }

func (a *LANAdapter) MaxFrame() int { return common.MaxFrameStream }

func (a *LANAdapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}
	addr := net.JoinHostPort(a.cfg.ListenHost, fmt.Sprintf("%d", a.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.running.Store(false)
		return common.E(common.KindFatal, "lan listen", err)
	}
	a.listener = ln
	a.logger.Info("listening", "addr", ln.Addr().String())

	a.wg.Add(1)
	go a.acceptLoop()
	return nil
}

func (a *LANAdapter) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	close(a.shutdown)
	if a.listener != nil {
		a.listener.Close()
	}
	a.wg.Wait()
	return nil
}

func (a *LANAdapter) acceptLoop() {
	defer a.wg.Done()
	for {
		c, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("accept failed", "error", err)
			continue
		}
		conn := newStreamConn(c, common.TransportLAN, remoteLANEndpoint(c), a.cfg.RecvBuffer)
		select {
		case a.accepts <- conn:
		default:
			// Backlog full; shedding beats stalling the listener.
			a.logger.Warn("accept backlog full, dropping connection", "remote", c.RemoteAddr().String())
			conn.Close()
		}
	}
}

func (a *LANAdapter) Accept() <-chan Conn { return a.accepts }

func (a *LANAdapter) Open(ctx context.Context, ep common.Endpoint) (Conn, error) {
	if err := ep.Validate(); err != nil {
		return nil, common.E(common.KindBadRequest, "lan open", err)
	}
	d := net.Dialer{Timeout: a.cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return nil, common.E(common.KindPeerUnreachable, "lan open", err)
	}
	return newStreamConn(c, common.TransportLAN, ep, a.cfg.RecvBuffer), nil
}

// Probe dials and immediately closes; the TCP handshake itself is the
// round-trip.
func (a *LANAdapter) Probe(ctx context.Context, ep common.Endpoint) (ProbeResult, error) {
	if err := ep.Validate(); err != nil {
		return ProbeResult{}, common.E(common.KindBadRequest, "lan probe", err)
	}
	start := time.Now()
	d := net.Dialer{Timeout: a.cfg.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", ep.Addr())
	if err != nil {
		return ProbeResult{}, common.E(common.KindPeerUnreachable, "lan probe", err)
	}
	c.Close()
	return ProbeResult{Reachable: true, RTT: time.Since(start)}, nil
}

func (a *LANAdapter) LocalEndpoints() []common.Endpoint {
	if a.listener == nil {
		return nil
	}
	port := a.listener.Addr().(*net.TCPAddr).Port
	var eps []common.Endpoint
	for _, ip := range localUnicastIPs() {
		eps = append(eps, common.LANEndpoint(ip, port))
	}
	if len(eps) == 0 {
		eps = append(eps, common.LANEndpoint("127.0.0.1", port))
	}
	return eps
}

// Port reports the bound listener port, which differs from the configured
// one when an ephemeral port was requested.
func (a *LANAdapter) Port() int {
	if a.listener == nil {
		return a.cfg.Port
	}
	return a.listener.Addr().(*net.TCPAddr).Port
}

func remoteLANEndpoint(c net.Conn) common.Endpoint {
	if ta, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return common.LANEndpoint(ta.IP.String(), ta.Port)
	}
	return common.Endpoint{Kind: common.TransportLAN}
}

func localUnicastIPs() []string {
	var out []string
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return out
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		out = append(out, ip.String())
	}
	return out
}

// streamConn frames an ordered byte stream (TCP). A dedicated reader
// goroutine feeds the frame channel so Receive honors cancellation.
type streamConn struct {
	c      net.Conn
	kind   common.TransportKind
	remote common.Endpoint
	stats  *statsBox

	frames  chan []byte
	done    chan struct{}
	readErr atomic.Value // error

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newStreamConn(c net.Conn, kind common.TransportKind, remote common.Endpoint, recvBuffer int) *streamConn {
	sc := &streamConn{
		c:      c,
		kind:   kind,
		remote: remote,
		stats:  newStatsBox(),
		frames: make(chan []byte, recvBuffer),
		done:   make(chan struct{}),
	}
	go sc.readLoop()
	return sc
}

func (s *streamConn) readLoop() {
	for {
		frame, err := common.ReadFrame(s.c, common.MaxFrameStream)
		if err != nil {
			if s.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				s.readErr.Store(io.EOF)
			} else {
				s.readErr.Store(err)
			}
			close(s.frames)
			return
		}
		s.stats.recv(len(frame))
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
}

func (s *streamConn) Send(ctx context.Context, frame []byte) error {
	if s.closed.Load() {
		return common.Ef(common.KindTransient, "lan send", "connection closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		s.c.SetWriteDeadline(deadline)
	} else {
		s.c.SetWriteDeadline(time.Time{})
	}
	if err := common.WriteFrame(s.c, frame, common.MaxFrameStream); err != nil {
		if common.IsKind(err, common.KindBadRequest) {
			return err
		}
		return common.E(common.KindTransient, "lan send", err)
	}
	s.stats.sent(len(frame))
	return nil
}

func (s *streamConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, common.E(common.KindTransient, "lan receive", ctx.Err())
	case frame, ok := <-s.frames:
		if !ok {
			if err, _ := s.readErr.Load().(error); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return frame, nil
	}
}

func (s *streamConn) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	return s.c.Close()
}

func (s *streamConn) IsOpen() bool { return !s.closed.Load() }

func (s *streamConn) Kind() common.TransportKind { return s.kind }

func (s *streamConn) RemoteEndpoint() common.Endpoint { return s.remote }

func (s *streamConn) Stats() ConnStats { return s.stats.snapshot() }
