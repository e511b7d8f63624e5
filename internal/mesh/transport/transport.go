// Package transport implements the four adapters peers are reached over:
// LAN TCP, relayed WebSocket, hole-punched UDP, and a BLE stub. Adapters
// differ in connection establishment, MTU, and ordering; everything above
// them sees the same frame-oriented surface.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// ProbeResult reports one liveness round-trip.
type ProbeResult struct {
	Reachable bool
	RTT       time.Duration
}

// Conn is one established connection to a peer. Send delivers exactly one
// frame per call; Receive yields frames until the connection closes, then
// returns io.EOF. LAN and relay preserve order; UDP and BLE do not.
type Conn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
	IsOpen() bool
	Kind() common.TransportKind
	RemoteEndpoint() common.Endpoint
	Stats() ConnStats
}

// Adapter is the uniform capability set over one transport kind.
type Adapter interface {
	Kind() common.TransportKind

	// Start brings up listeners and background loops; Stop tears them down.
	Start(ctx context.Context) error
	Stop() error

	// Probe answers "is this endpoint reachable right now" with one cheap
	// round-trip and no side effects.
	Probe(ctx context.Context, ep common.Endpoint) (ProbeResult, error)

	// Open establishes a connection to the endpoint.
	Open(ctx context.Context, ep common.Endpoint) (Conn, error)

	// Accept yields inbound connections. Adapters that cannot receive
	// unsolicited connections return a channel that never delivers.
	Accept() <-chan Conn

	// LocalEndpoints describes how peers may reach this adapter.
	LocalEndpoints() []common.Endpoint

	// MaxFrame is the largest logical frame this adapter will carry.
	MaxFrame() int
}

// ConnStats is the running tally every connection keeps.
type ConnStats struct {
	Opened       time.Time `json:"opened"`
	FramesSent   uint64    `json:"frames_sent"`
	FramesRecv   uint64    `json:"frames_recv"`
	BytesSent    uint64    `json:"bytes_sent"`
	BytesRecv    uint64    `json:"bytes_recv"`
	LastActivity time.Time `json:"last_activity"`
}

type statsBox struct {
	mu sync.Mutex
	s  ConnStats
}

func newStatsBox() *statsBox {
	now := time.Now()
	return &statsBox{s: ConnStats{Opened: now, LastActivity: now}}
}

func (b *statsBox) sent(n int) {
	b.mu.Lock()
	b.s.FramesSent++
	b.s.BytesSent += uint64(n)
	b.s.LastActivity = time.Now()
	b.mu.Unlock()
}

func (b *statsBox) recv(n int) {
	b.mu.Lock()
	b.s.FramesRecv++
	b.s.BytesRecv += uint64(n)
	b.s.LastActivity = time.Now()
	b.mu.Unlock()
}

func (b *statsBox) snapshot() ConnStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

// Config bundles the per-adapter settings.
type Config struct {
	LAN   LANConfig
	UDP   UDPConfig
	Relay RelayConfig
	BLE   BLEConfig
}

func DefaultConfig() Config {
	return Config{
		LAN:   DefaultLANConfig(),
		UDP:   DefaultUDPConfig(),
		Relay: DefaultRelayConfig(),
		BLE:   DefaultBLEConfig(),
	}
}
