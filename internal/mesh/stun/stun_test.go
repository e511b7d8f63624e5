package stun

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// fakeServer answers binding requests on a loopback UDP socket.
// respond may return nil to stay silent.
func fakeServer(t *testing.T, respond func(req *stun.Message) []byte) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			msg := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := msg.Decode(); err != nil {
				continue
			}
			if out := respond(msg); out != nil {
				conn.WriteToUDP(out, from)
			}
		}
	}()
	return conn.LocalAddr().String()
}

func goodResponder(ip string, port int) func(req *stun.Message) []byte {
	return func(req *stun.Message) []byte {
		resp, err := stun.Build(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: net.ParseIP(ip), Port: port},
		)
		if err != nil {
			return nil
		}
		return resp.Raw
	}
}

func testConfig(servers ...string) Config {
	cfg := DefaultConfig()
	cfg.Servers = servers
	cfg.PerServerTimeout = 200 * time.Millisecond
	cfg.BackoffBase = 10 * time.Millisecond
	return cfg
}

func TestDiscover(t *testing.T) {
	addr := fakeServer(t, goodResponder("203.0.113.7", 43210))
	c := NewClient(testConfig(addr), nil)

	ep, err := c.Discover(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, common.TransportUDP, ep.Kind)
	assert.Equal(t, "203.0.113.7", ep.Host)
	assert.Equal(t, 43210, ep.Port)
}

func TestDiscoverSkipsMalformedServer(t *testing.T) {
	bad := fakeServer(t, func(req *stun.Message) []byte {
		return []byte("definitely not stun")
	})
	good := fakeServer(t, goodResponder("198.51.100.2", 50000))

	c := NewClient(testConfig(bad, good), nil)
	ep, err := c.DiscoverOn(context.Background(), mustSocket(t))
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.2", ep.Host)
}

func TestDiscoverNoResponse(t *testing.T) {
	silent := fakeServer(t, func(req *stun.Message) []byte { return nil })
	cfg := testConfig(silent)
	cfg.MaxRounds = 2
	c := NewClient(cfg, nil)

	_, err := c.DiscoverOn(context.Background(), mustSocket(t))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindTransient))
}

func TestDiscoverNoServersConfigured(t *testing.T) {
	c := NewClient(testConfig(), nil)
	_, err := c.DiscoverOn(context.Background(), mustSocket(t))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindBadRequest))
}

func TestDiscoverUsesCache(t *testing.T) {
	var hits atomic.Int32
	addr := fakeServer(t, func(req *stun.Message) []byte {
		hits.Add(1)
		return goodResponder("203.0.113.7", 43210)(req)
	})
	c := NewClient(testConfig(addr), nil)
	sock := mustSocket(t)

	_, err := c.DiscoverOn(context.Background(), sock)
	require.NoError(t, err)
	_, err = c.DiscoverOn(context.Background(), sock)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load(), "second discovery should come from cache")
}

func TestDiscoverServesStaleOnFailure(t *testing.T) {
	addr := fakeServer(t, goodResponder("203.0.113.7", 43210))
	c := NewClient(testConfig(addr), nil)
	sock := mustSocket(t)

	base := time.Now()
	c.now = func() time.Time { return base }
	ep, err := c.DiscoverOn(context.Background(), sock)
	require.NoError(t, err)

	// Past fresh, inside stale; server list now points nowhere.
	c.cfg.Servers = []string{"127.0.0.1:1"}
	c.cfg.MaxRounds = 1
	c.now = func() time.Time { return base.Add(15 * time.Minute) }

	got, err := c.DiscoverOn(context.Background(), sock)
	require.NoError(t, err)
	assert.Equal(t, ep, got)

	// Past stale: failure surfaces.
	c.now = func() time.Time { return base.Add(45 * time.Minute) }
	_, err = c.DiscoverOn(context.Background(), sock)
	require.Error(t, err)
}

func TestInvalidate(t *testing.T) {
	var hits atomic.Int32
	addr := fakeServer(t, func(req *stun.Message) []byte {
		hits.Add(1)
		return goodResponder("203.0.113.7", 43210)(req)
	})
	c := NewClient(testConfig(addr), nil)
	sock := mustSocket(t)

	_, err := c.DiscoverOn(context.Background(), sock)
	require.NoError(t, err)
	c.Invalidate(localPort(sock))
	_, err = c.DiscoverOn(context.Background(), sock)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func mustSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// rawBindingResponse hand-encodes a Binding Response so the XOR decode is
// checked against the classic wire format, not just pion's own encoder.
func rawBindingResponse(txID [stun.TransactionIDSize]byte, ip net.IP, port int) []byte {
	const magicCookie = 0x2112A442

	attr := make([]byte, 12)
	binary.BigEndian.PutUint16(attr[0:], 0x0020) // XOR-MAPPED-ADDRESS
	binary.BigEndian.PutUint16(attr[2:], 8)
	attr[4] = 0x00
	attr[5] = 0x01 // IPv4
	binary.BigEndian.PutUint16(attr[6:], uint16(port)^uint16(magicCookie>>16))
	ip4 := ip.To4()
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], magicCookie)
	for i := 0; i < 4; i++ {
		attr[8+i] = ip4[i] ^ cookie[i]
	}

	msg := make([]byte, 20, 20+len(attr))
	binary.BigEndian.PutUint16(msg[0:], 0x0101) // binding success
	binary.BigEndian.PutUint16(msg[2:], uint16(len(attr)))
	binary.BigEndian.PutUint32(msg[4:], magicCookie)
	copy(msg[8:], txID[:])
	return append(msg, attr...)
}

func TestXORDecodeAtByteBoundaries(t *testing.T) {
	txID := stun.NewTransactionID()

	// Every octet at 0x00 or 0xFF: all 16 corner IPv4 addresses.
	for mask := 0; mask < 16; mask++ {
		var octets [4]byte
		for bit := 0; bit < 4; bit++ {
			if mask&(1<<bit) != 0 {
				octets[bit] = 0xFF
			}
		}
		ip := net.IPv4(octets[0], octets[1], octets[2], octets[3])
		name := fmt.Sprintf("%d.%d.%d.%d", octets[0], octets[1], octets[2], octets[3])
		t.Run(name, func(t *testing.T) {
			raw := rawBindingResponse(txID, ip, 0xABCD)
			ep, err := ParseBindingResponse(raw, txID)
			require.NoError(t, err)
			assert.Equal(t, name, ep.Host)
			assert.Equal(t, 0xABCD, ep.Port)
		})
	}
}

func TestParseBindingResponseRejects(t *testing.T) {
	txID := stun.NewTransactionID()
	good := rawBindingResponse(txID, net.IPv4(8, 8, 8, 8), 1234)

	_, err := ParseBindingResponse([]byte("junk"), txID)
	assert.Error(t, err)

	other := stun.NewTransactionID()
	_, err = ParseBindingResponse(good, other)
	assert.Error(t, err, "transaction id mismatch")

	// A success response with no address attribute.
	empty, err := stun.Build(stun.NewTransactionIDSetter(txID), stun.BindingSuccess)
	require.NoError(t, err)
	_, err = ParseBindingResponse(empty.Raw, txID)
	assert.Error(t, err)
}
