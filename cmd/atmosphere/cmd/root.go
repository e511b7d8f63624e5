// Package cmd implements the atmosphere command tree. Mesh-mutating
// commands talk to a running node over its loopback admin socket and
// fall back to operating on the state directory when no node is up.
package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/config"
)

var (
	v = viper.New()

	rootCmd = &cobra.Command{
		Use:   "atmosphere",
		Short: "Personal mesh node for intent routing across your devices",
		Long: `atmosphere runs a mesh node that advertises this device's
capabilities, learns routes to capabilities on your other devices, and
dispatches intents to whichever node scores best.

Typical flow:
  atmosphere serve                      # on every device
  atmosphere create home                # on the first device
  atmosphere invite                     # prints a join token
  atmosphere join <token>               # on the next device`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("home", config.DefaultNode().Home, "state directory")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("admin", config.DefaultNode().AdminAddr, "admin address of the running node")
	pf.Bool("json", false, "machine-readable output")

	v.SetEnvPrefix("ATMOSPHERE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.BindPFlags(pf)
}

// Execute runs the command tree and maps errors onto exit codes:
// 0 clean, 2 for rejected input (bad invite, unknown mesh), 1 otherwise.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if common.IsKind(err, common.KindBadRequest) {
			return 2
		}
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(level),
	}))
}

// buildNodeConfig layers flag > env > default, using the documented
// ATMOSPHERE_* names for the env leg.
func buildNodeConfig(cmd *cobra.Command) config.Node {
	node := config.DefaultNode()
	node.ApplyEnv(os.Getenv)
	node.AdminAddr = v.GetString("admin")

	f := cmd.Flags()
	if f.Changed("home") {
		node.Home = v.GetString("home")
	}
	if f.Changed("log-level") {
		node.LogLevel = v.GetString("log-level")
	}
	if f.Changed("port") {
		node.ListenPort = v.GetInt("port")
	}
	if f.Changed("udp-port") {
		node.UDPPort = v.GetInt("udp-port")
	}
	if f.Changed("stun") {
		node.STUNServers = v.GetStringSlice("stun")
	}
	if f.Changed("relay") {
		node.RelayURLs = v.GetStringSlice("relay")
	}
	return node
}

// openOffline builds a runtime over the state directory without starting
// any listeners, for commands that run while no node is up.
func openOffline(cmd *cobra.Command) (*mesh.Runtime, error) {
	cfg := mesh.DefaultRuntimeConfig()
	cfg.Node = buildNodeConfig(cmd)
	cfg.Node.AdminAddr = ""
	return mesh.New(cfg, newLogger("warn"))
}

// Admin HTTP client.

func adminURL(path string) string {
	return "http://" + v.GetString("admin") + path
}

func daemonUp() bool {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(adminURL("/status"))
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func adminGet(path string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(adminURL(path))
	if err != nil {
		return fmt.Errorf("admin %s: %w (is the node running?)", path, err)
	}
	return decodeAdminResponse(path, resp, out)
}

func adminPost(method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, adminURL(path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("admin %s: %w (is the node running?)", path, err)
	}
	return decodeAdminResponse(path, resp, out)
}

func decodeAdminResponse(path string, resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		if resp.StatusCode == http.StatusBadRequest {
			return common.Ef(common.KindBadRequest, "admin "+path, "%s", e.Error)
		}
		return fmt.Errorf("admin %s: %s", path, e.Error)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func jsonOut() bool { return v.GetBool("json") }

func printJSON(val any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}
