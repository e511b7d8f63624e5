package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	meshstun "github.com/atmosphere-mesh/atmosphere/internal/mesh/stun"
)

func testUDPConfig() UDPConfig {
	cfg := DefaultUDPConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.PunchAttempts = 3
	cfg.PunchInterval = 100 * time.Millisecond
	return cfg
}

func startUDP(t *testing.T) *UDPAdapter {
	t.Helper()
	a := NewUDPAdapter(testUDPConfig(), testLogger())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop() })
	return a
}

func TestUDPPunchAndExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alpha := startUDP(t)
	beta := startUDP(t)

	out, err := alpha.Open(ctx, common.PublicEndpoint("127.0.0.1", beta.LocalPort()))
	require.NoError(t, err)
	assert.Equal(t, common.TransportUDP, out.Kind())

	// The punch ping surfaces the reverse connection on the far side.
	var in Conn
	select {
	case in = <-beta.Accept():
	case <-ctx.Done():
		t.Fatal("no inbound connection after punch")
	}

	require.NoError(t, out.Send(ctx, []byte("datagram hello")))
	got, err := in.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("datagram hello"), got)

	require.NoError(t, in.Send(ctx, []byte("datagram reply")))
	got, err = out.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("datagram reply"), got)
}

func TestUDPFragmentedFrame(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alpha := startUDP(t)
	beta := startUDP(t)

	out, err := alpha.Open(ctx, common.PublicEndpoint("127.0.0.1", beta.LocalPort()))
	require.NoError(t, err)
	in := <-beta.Accept()

	// Well past one datagram, so the frame crosses the chunking path.
	frame := randomFrame(t, 40*1024)
	require.NoError(t, out.Send(ctx, frame))

	got, err := in.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(frame, got))
	assert.Equal(t, uint64(len(frame)), in.Stats().BytesRecv)
}

func TestUDPOpenReusesConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alpha := startUDP(t)
	beta := startUDP(t)

	ep := common.PublicEndpoint("127.0.0.1", beta.LocalPort())
	first, err := alpha.Open(ctx, ep)
	require.NoError(t, err)
	second, err := alpha.Open(ctx, ep)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestUDPPunchTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alpha := startUDP(t)

	// Bind then close a socket so the port is dark.
	dead, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	deadPort := dead.LocalAddr().(*net.UDPAddr).Port
	dead.Close()

	_, err = alpha.Open(ctx, common.PublicEndpoint("127.0.0.1", deadPort))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindPeerUnreachable))
}

func TestUDPProbe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alpha := startUDP(t)
	beta := startUDP(t)

	res, err := alpha.Probe(ctx, common.PublicEndpoint("127.0.0.1", beta.LocalPort()))
	require.NoError(t, err)
	assert.True(t, res.Reachable)
	assert.Greater(t, res.RTT, time.Duration(0))
}

func TestUDPSendOversizeRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alpha := startUDP(t)
	beta := startUDP(t)

	out, err := alpha.Open(ctx, common.PublicEndpoint("127.0.0.1", beta.LocalPort()))
	require.NoError(t, err)

	err = out.Send(ctx, make([]byte, common.MaxFrameStream+1))
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindBadRequest))
}

func TestUDPCloseRemovesConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alpha := startUDP(t)
	beta := startUDP(t)

	ep := common.PublicEndpoint("127.0.0.1", beta.LocalPort())
	first, err := alpha.Open(ctx, ep)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	assert.False(t, first.IsOpen())

	second, err := alpha.Open(ctx, ep)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, second.IsOpen())
}

// The shared socket must keep STUN discovery working while punch and data
// traffic use the same port.
func TestUDPSharedSocketSTUNDiscovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()
	go func() {
		buf := make([]byte, 1500)
		for {
			n, raddr, err := server.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var req stun.Message
			req.Raw = append([]byte{}, buf[:n]...)
			if req.Decode() != nil {
				continue
			}
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(req.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 9), Port: 43210},
			)
			if err != nil {
				continue
			}
			server.WriteToUDP(resp.Raw, raddr)
		}
	}()

	alpha := startUDP(t)
	cfg := meshstun.DefaultConfig()
	cfg.Servers = []string{server.LocalAddr().String()}
	cfg.PerServerTimeout = time.Second
	client := meshstun.NewClient(cfg, testLogger())

	ep, err := alpha.DiscoverPublic(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", ep.Host)
	assert.Equal(t, 43210, ep.Port)
	assert.Equal(t, []common.Endpoint{ep}, alpha.LocalEndpoints())
}
