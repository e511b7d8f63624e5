// Package stun discovers this node's public (ip, port) mapping by asking
// a STUN server for the XOR-MAPPED-ADDRESS it sees. The query runs on the
// same socket the hole-punch transport later uses, so the discovered
// mapping is the one peers can actually reach.
package stun

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/stun"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// Config tunes discovery. Defaults follow the retry contract: base 250 ms
// backoff, doubled, three rounds across the server list in order.
type Config struct {
	Servers          []string
	PerServerTimeout time.Duration
	MaxRounds        int
	BackoffBase      time.Duration
	CacheFresh       time.Duration
	CacheStale       time.Duration
}

func DefaultConfig() Config {
	return Config{
		PerServerTimeout: time.Second,
		MaxRounds:        3,
		BackoffBase:      250 * time.Millisecond,
		CacheFresh:       10 * time.Minute,
		CacheStale:       30 * time.Minute,
	}
}

// Conn is the slice of *net.UDPConn discovery needs. Discovery assumes
// exclusive use of the socket while it runs.
type Conn interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
}

type cachedMapping struct {
	endpoint common.Endpoint
	at       time.Time
}

// Client performs discovery and caches mappings per local port.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	cache map[int]cachedMapping

	now func() time.Time
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PerServerTimeout <= 0 {
		cfg.PerServerTimeout = time.Second
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("component", "stun"),
		cache:  make(map[int]cachedMapping),
		now:    time.Now,
	}
}

// Discover binds a fresh UDP socket on localPort and resolves the public
// mapping for it. Use DiscoverOn when the transport already owns the
// socket.
func (c *Client) Discover(ctx context.Context, localPort int) (common.Endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: localPort})
	if err != nil {
		return common.Endpoint{}, common.E(common.KindTransient, "stun discover", err)
	}
	defer conn.Close()
	return c.DiscoverOn(ctx, conn)
}

// DiscoverOn resolves the public mapping for an already-bound socket,
// consulting the cache first. A fresh failure falls back to a cached
// mapping younger than the stale window.
func (c *Client) DiscoverOn(ctx context.Context, conn Conn) (common.Endpoint, error) {
	port := localPort(conn)

	if ep, ok := c.cached(port, c.cfg.CacheFresh); ok {
		return ep, nil
	}

	ep, err := c.query(ctx, conn)
	if err == nil {
		c.store(port, ep)
		return ep, nil
	}

	if stale, ok := c.cached(port, c.cfg.CacheStale); ok {
		c.logger.Warn("discovery failed, serving stale mapping",
			"port", port, "endpoint", stale.String(), "error", err)
		return stale, nil
	}
	return common.Endpoint{}, err
}

// Invalidate drops the cached mapping for a port, forcing the next
// discovery to hit the network.
func (c *Client) Invalidate(port int) {
	c.mu.Lock()
	delete(c.cache, port)
	c.mu.Unlock()
}

func (c *Client) cached(port int, maxAge time.Duration) (common.Endpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.cache[port]
	if !ok || c.now().Sub(m.at) > maxAge {
		return common.Endpoint{}, false
	}
	return m.endpoint, true
}

func (c *Client) store(port int, ep common.Endpoint) {
	c.mu.Lock()
	c.cache[port] = cachedMapping{endpoint: ep, at: c.now()}
	c.mu.Unlock()
}

func (c *Client) query(ctx context.Context, conn Conn) (common.Endpoint, error) {
	if len(c.cfg.Servers) == 0 {
		return common.Endpoint{}, common.Ef(common.KindBadRequest, "stun discover", "no servers configured")
	}

	backoff := c.cfg.BackoffBase
	for round := 0; round < c.cfg.MaxRounds; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return common.Endpoint{}, common.E(common.KindTransient, "stun discover", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		for _, server := range c.cfg.Servers {
			ep, err := c.queryServer(ctx, conn, server)
			if err == nil {
				return ep, nil
			}
			if ctx.Err() != nil {
				return common.Endpoint{}, common.E(common.KindTransient, "stun discover", ctx.Err())
			}
			c.logger.Debug("server query failed", "server", server, "round", round, "error", err)
		}
	}
	return common.Endpoint{}, common.Ef(common.KindTransient, "stun discover",
		"no response from any of %d servers", len(c.cfg.Servers))
}

func (c *Client) queryServer(ctx context.Context, conn Conn, server string) (common.Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return common.Endpoint{}, fmt.Errorf("resolve %s: %w", server, err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return common.Endpoint{}, fmt.Errorf("build binding request: %w", err)
	}
	if _, err := conn.WriteToUDP(req.Raw, addr); err != nil {
		return common.Endpoint{}, fmt.Errorf("send to %s: %w", server, err)
	}

	deadline := time.Now().Add(c.cfg.PerServerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return common.Endpoint{}, fmt.Errorf("set deadline: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return common.Endpoint{}, fmt.Errorf("read from %s: %w", server, err)
		}
		ep, err := ParseBindingResponse(buf[:n], req.TransactionID)
		if err != nil {
			// Unrelated or malformed packet; keep reading until deadline.
			c.logger.Debug("discarding packet", "server", server, "error", err)
			continue
		}
		return ep, nil
	}
}

// ParseBindingResponse validates a Binding Response against the expected
// transaction id and extracts the mapped address, preferring
// XOR-MAPPED-ADDRESS and falling back to MAPPED-ADDRESS.
func ParseBindingResponse(b []byte, txID [stun.TransactionIDSize]byte) (common.Endpoint, error) {
	if !stun.IsMessage(b) {
		return common.Endpoint{}, fmt.Errorf("not a stun message")
	}
	msg := &stun.Message{Raw: append([]byte(nil), b...)}
	if err := msg.Decode(); err != nil {
		return common.Endpoint{}, fmt.Errorf("decode response: %w", err)
	}
	if msg.TransactionID != txID {
		return common.Endpoint{}, fmt.Errorf("transaction id mismatch")
	}
	if msg.Type.Method != stun.MethodBinding || msg.Type.Class != stun.ClassSuccessResponse {
		return common.Endpoint{}, fmt.Errorf("unexpected message type %s", msg.Type)
	}

	var xor stun.XORMappedAddress
	if err := xor.GetFrom(msg); err == nil {
		return common.PublicEndpoint(xor.IP.String(), xor.Port), nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(msg); err == nil {
		return common.PublicEndpoint(mapped.IP.String(), mapped.Port), nil
	}
	return common.Endpoint{}, fmt.Errorf("response carries no mapped address")
}

// IsSTUN reports whether a datagram is a STUN message, used by the UDP
// transport to demux discovery traffic from mesh frames.
func IsSTUN(b []byte) bool {
	return stun.IsMessage(b)
}

func localPort(conn Conn) int {
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return ua.Port
	}
	return 0
}
