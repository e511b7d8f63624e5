package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a relay server",
	Long: `Run the websocket relay that pairs NAT-bound nodes and vends
invite short-codes. The relay splices opaque frames; it never sees
plaintext mesh traffic it can interpret.

Example:
  atmosphere relay --listen 0.0.0.0:7880`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func init() {
	f := relayCmd.Flags()
	f.String("listen", relay.DefaultConfig().ListenAddr, "listen address")
	f.Duration("pairing-timeout", relay.DefaultConfig().PairingTimeout, "how long a lone side waits for its partner")
	f.Duration("idle-timeout", relay.DefaultConfig().IdleTimeout, "drop sessions idle longer than this")
	rootCmd.AddCommand(relayCmd)
}

func runRelay(cmd *cobra.Command, _ []string) error {
	cfg := relay.DefaultConfig()
	cfg.ListenAddr, _ = cmd.Flags().GetString("listen")
	cfg.PairingTimeout, _ = cmd.Flags().GetDuration("pairing-timeout")
	cfg.IdleTimeout, _ = cmd.Flags().GetDuration("idle-timeout")

	logger := newLogger(v.GetString("log-level"))
	srv, err := relay.NewServer(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
