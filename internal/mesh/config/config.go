// Package config carries the node-level settings shared across
// components. Component-specific tunables live with their components;
// this is only what the process needs before any of them start.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Environment variables honored by every entry point.
const (
	EnvHome        = "ATMOSPHERE_HOME"
	EnvSTUNServers = "ATMOSPHERE_STUN_SERVERS"
	EnvRelayURLs   = "ATMOSPHERE_RELAY_URLS"
	EnvLogLevel    = "ATMOSPHERE_LOG_LEVEL"
)

// Node is the top-level runtime configuration.
type Node struct {
	// Home is the state directory: identity.key, meshes.json,
	// capabilities.cbor, gossip_cache.cbor.
	Home string

	// ListenPort is the LAN TCP listener port. 0 picks an ephemeral port.
	ListenPort int

	// UDPPort is the hole-punch socket port, shared with STUN discovery so
	// the discovered mapping matches the socket peers will punch toward.
	UDPPort int

	// AdminAddr serves the local snapshot endpoints backing the CLI.
	// Loopback only; empty disables it.
	AdminAddr string

	STUNServers []string
	RelayURLs   []string

	LogLevel string
}

// DefaultNode returns the stock configuration.
func DefaultNode() Node {
	return Node{
		Home:       defaultHome(),
		ListenPort: 7654,
		UDPPort:    0,
		AdminAddr:  "127.0.0.1:7655",
		STUNServers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
		},
		LogLevel: "info",
	}
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atmosphere"
	}
	return filepath.Join(home, ".atmosphere")
}

// ApplyEnv overlays environment values onto the config. getenv is a
// parameter so tests can inject without touching the process environment.
func (c *Node) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvHome); v != "" {
		c.Home = v
	}
	if v := getenv(EnvSTUNServers); v != "" {
		c.STUNServers = splitList(v)
	}
	if v := getenv(EnvRelayURLs); v != "" {
		c.RelayURLs = splitList(v)
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Node) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("config: home directory is empty")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.ListenPort)
	}
	if c.UDPPort < 0 || c.UDPPort > 65535 {
		return fmt.Errorf("config: udp port %d out of range", c.UDPPort)
	}
	return nil
}

// ParseLogLevel maps the env form onto slog levels, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
