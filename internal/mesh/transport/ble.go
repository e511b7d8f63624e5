package transport

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// The BLE adapter is a stub: it speaks the real chunked framing a GATT
// characteristic would carry (220-byte writes) but moves bytes through an
// in-process hub instead of a radio. Swapping the hub for a real BLE
// stack changes transmit and discovery, not framing or pairing.

// MaxFrameBLELogical caps the frame size carried over BLE after
// reassembly. The radio path is a last resort; big payloads belong on the
// other transports.
const MaxFrameBLELogical = 64 * 1024

// BLEConfig tunes the stub adapter.
type BLEConfig struct {
	MAC              string
	Hub              *BLEHub
	RecvBuffer       int
	ReassemblyWindow time.Duration
}

func DefaultBLEConfig() BLEConfig {
	return BLEConfig{
		RecvBuffer:       16,
		ReassemblyWindow: 10 * time.Second,
	}
}

// BLEHub is the stand-in medium: adapters register under their MAC and
// writes are routed between them.
type BLEHub struct {
	mu       sync.RWMutex
	adapters map[string]*BLEAdapter
}

func NewBLEHub() *BLEHub {
	return &BLEHub{adapters: make(map[string]*BLEAdapter)}
}

func (h *BLEHub) register(a *BLEAdapter) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.adapters[a.mac]; ok {
		return common.Ef(common.KindBadRequest, "ble register", "mac %s already registered", a.mac)
	}
	h.adapters[a.mac] = a
	return nil
}

func (h *BLEHub) unregister(mac string) {
	h.mu.Lock()
	delete(h.adapters, mac)
	h.mu.Unlock()
}

func (h *BLEHub) lookup(mac string) *BLEAdapter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.adapters[mac]
}

// BLEAdapter carries frames in 220-byte chunks between hub members.
type BLEAdapter struct {
	cfg    BLEConfig
	logger *slog.Logger
	mac    string
	hub    *BLEHub

	accepts chan Conn

	mu    sync.RWMutex
	conns map[string]*bleConn

	running  atomic.Bool
	shutdown chan struct{}
}

func NewBLEAdapter(cfg BLEConfig, logger *slog.Logger) *BLEAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecvBuffer <= 0 {
		cfg.RecvBuffer = 16
	}
	if cfg.Hub == nil {
		cfg.Hub = NewBLEHub()
	}
	if cfg.MAC == "" {
		cfg.MAC = randomMAC()
	}
	return &BLEAdapter{
		cfg:      cfg,
		logger:   logger.With("component", "transport", "kind", "ble"),
		mac:      cfg.MAC,
		hub:      cfg.Hub,
		accepts:  make(chan Conn, 8),
		conns:    make(map[string]*bleConn),
		shutdown: make(chan struct{}),
	}
}

func randomMAC() string {
	var b [6]byte
	rand.Read(b[:])
	b[0] = (b[0] | 0x02) &^ 0x01 // locally administered, unicast
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", b[0], b[1], b[2], b[3], b[4], b[5])
}

func (a *BLEAdapter) Kind() common.TransportKind { return common.TransportBLE }

func (a *BLEAdapter) MaxFrame() int { return MaxFrameBLELogical }

func (a *BLEAdapter) MAC() string { return a.mac }

func (a *BLEAdapter) Start(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.hub.register(a); err != nil {
		a.running.Store(false)
		return err
	}
	a.logger.Info("advertising", "mac", a.mac)
	return nil
}

func (a *BLEAdapter) Stop() error {
	if !a.running.CompareAndSwap(true, false) {
		return nil
	}
	close(a.shutdown)
	a.hub.unregister(a.mac)

	a.mu.Lock()
	conns := make([]*bleConn, 0, len(a.conns))
	for _, c := range a.conns {
		conns = append(conns, c)
	}
	a.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

func (a *BLEAdapter) Accept() <-chan Conn { return a.accepts }

func (a *BLEAdapter) LocalEndpoints() []common.Endpoint {
	if !a.running.Load() {
		return nil
	}
	return []common.Endpoint{common.BLEEndpoint(a.mac)}
}

func (a *BLEAdapter) Open(ctx context.Context, ep common.Endpoint) (Conn, error) {
	if err := ep.Validate(); err != nil {
		return nil, common.E(common.KindBadRequest, "ble open", err)
	}
	if !a.running.Load() {
		return nil, common.Ef(common.KindBadRequest, "ble open", "adapter not started")
	}
	peer := a.hub.lookup(ep.MAC)
	if peer == nil {
		return nil, common.Ef(common.KindPeerUnreachable, "ble open", "no device at %s", ep.MAC)
	}
	conn := a.connFor(ep.MAC, false)
	peer.connFor(a.mac, true)
	return conn, nil
}

func (a *BLEAdapter) Probe(ctx context.Context, ep common.Endpoint) (ProbeResult, error) {
	if err := ep.Validate(); err != nil {
		return ProbeResult{}, common.E(common.KindBadRequest, "ble probe", err)
	}
	start := time.Now()
	if a.hub.lookup(ep.MAC) == nil {
		return ProbeResult{}, common.Ef(common.KindPeerUnreachable, "ble probe", "no device at %s", ep.MAC)
	}
	return ProbeResult{Reachable: true, RTT: time.Since(start)}, nil
}

func (a *BLEAdapter) connFor(mac string, announce bool) *bleConn {
	a.mu.Lock()
	conn, ok := a.conns[mac]
	if ok && conn.IsOpen() {
		a.mu.Unlock()
		return conn
	}
	conn = &bleConn{
		a:      a,
		mac:    mac,
		remote: common.BLEEndpoint(mac),
		stats:  newStatsBox(),
		frames: make(chan []byte, a.cfg.RecvBuffer),
		done:   make(chan struct{}),
		reasm:  newReassembler(a.cfg.ReassemblyWindow, MaxFrameBLELogical),
	}
	a.conns[mac] = conn
	a.mu.Unlock()

	if announce {
		select {
		case a.accepts <- conn:
		default:
			a.logger.Warn("accept backlog full", "remote", mac)
		}
	}
	return conn
}

func (a *BLEAdapter) dropConn(mac string) {
	a.mu.Lock()
	delete(a.conns, mac)
	a.mu.Unlock()
}

// receive handles one 220-byte write arriving from a hub peer.
func (a *BLEAdapter) receive(fromMAC string, pkt []byte) {
	if !a.running.Load() {
		return
	}
	c, ok := parseChunk(pkt)
	if !ok {
		return
	}
	conn := a.connFor(fromMAC, true)
	frame := conn.reasm.offer(c)
	if frame == nil {
		return
	}
	conn.deliver(frame)
}

// bleConn is one peered device link.
type bleConn struct {
	a      *BLEAdapter
	mac    string
	remote common.Endpoint
	stats  *statsBox
	reasm  *reassembler

	frames chan []byte
	done   chan struct{}
	closed atomic.Bool
}

func (b *bleConn) Send(ctx context.Context, frame []byte) error {
	if b.closed.Load() {
		return common.Ef(common.KindTransient, "ble send", "connection closed")
	}
	if len(frame) > MaxFrameBLELogical {
		return common.Ef(common.KindBadRequest, "ble send", "frame of %d bytes exceeds limit", len(frame))
	}
	peer := b.a.hub.lookup(b.mac)
	if peer == nil {
		return common.Ef(common.KindPeerUnreachable, "ble send", "device %s out of range", b.mac)
	}
	chunks, err := fragment(frame, common.MaxFrameBLE)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return common.E(common.KindTransient, "ble send", err)
		}
		peer.receive(b.a.mac, ch)
	}
	b.stats.sent(len(frame))
	return nil
}

func (b *bleConn) deliver(frame []byte) {
	b.stats.recv(len(frame))
	select {
	case b.frames <- frame:
	case <-b.done:
	default:
	}
}

func (b *bleConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, common.E(common.KindTransient, "ble receive", ctx.Err())
	case <-b.done:
		return nil, io.EOF
	case frame := <-b.frames:
		return frame, nil
	}
}

func (b *bleConn) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)
	b.a.dropConn(b.mac)
	return nil
}

func (b *bleConn) IsOpen() bool { return !b.closed.Load() }

func (b *bleConn) Kind() common.TransportKind { return common.TransportBLE }

func (b *bleConn) RemoteEndpoint() common.Endpoint { return b.remote }

func (b *bleConn) Stats() ConnStats { return b.stats.snapshot() }

// GeneratePairingKey makes one side's ephemeral key for BLE pairing.
func GeneratePairingKey() (*ecdh.PrivateKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, common.E(common.KindFatal, "ble pairing", err)
	}
	return key, nil
}

// PairingCode derives the six-digit confirmation code both sides display
// after exchanging public keys. Matching codes mean no one sat in the
// middle of the exchange.
func PairingCode(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) (string, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return "", common.E(common.KindBadRequest, "ble pairing", err)
	}
	sum := sha256.Sum256(secret)
	code := binary.BigEndian.Uint32(sum[:4]) % 1_000_000
	return fmt.Sprintf("%06d", code), nil
}
