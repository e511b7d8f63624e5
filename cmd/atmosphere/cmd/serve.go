package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mesh node until interrupted",
	Long: `Start the node: LAN and UDP listeners, relay dialer, gossip, and
the loopback admin socket. Saved meshes with auto-reconnect rejoin on
startup.

Examples:
  atmosphere serve
  atmosphere serve --port 7700 --relay wss://relay.example.net
  ATMOSPHERE_STUN_SERVERS=stun.example.net:3478 atmosphere serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.Int("port", config.DefaultNode().ListenPort, "LAN TCP listen port (0 for ephemeral)")
	f.Int("udp-port", 0, "UDP hole-punch port (0 for ephemeral)")
	f.StringSlice("stun", config.DefaultNode().STUNServers, "STUN servers for public endpoint discovery")
	f.StringSlice("relay", nil, "relay websocket URLs")
	v.BindPFlags(f)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	node := buildNodeConfig(cmd)
	logger := newLogger(node.LogLevel)

	cfg := mesh.DefaultRuntimeConfig()
	cfg.Node = node
	rt, err := mesh.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		rt.Stop()
		return err
	}
	<-ctx.Done()
	return rt.Stop()
}
