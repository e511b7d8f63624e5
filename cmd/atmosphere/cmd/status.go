package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running node's status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List supervised peers and their transports",
	Args:  cobra.NoArgs,
	RunE:  runPeers,
}

var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Show how this node can be reached",
	Args:  cobra.NoArgs,
	RunE:  runNetwork,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(peersCmd)
	rootCmd.AddCommand(networkCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	var status mesh.StatusSnapshot
	if err := adminGet("/status", &status); err != nil {
		return err
	}
	if jsonOut() {
		return printJSON(status)
	}

	fmt.Printf("Node:      %s\n", status.NodeID)
	if status.MeshID != "" {
		holder := ""
		if status.KeyHolder {
			holder = " (key holder)"
		}
		fmt.Printf("Mesh:      %s [%s]%s\n", status.MeshName, status.MeshID, holder)
	} else {
		fmt.Println("Mesh:      none")
	}
	fmt.Printf("Peers:     %d connected / %d known\n", status.Connected, status.Peers)
	fmt.Printf("Routes:    %d\n", status.Routes)
	fmt.Printf("Uptime:    %s\n", status.Uptime)
	fmt.Printf("Gossip:    %d received, %d accepted, %d forwarded, %d stale\n",
		status.Gossip["received"], status.Gossip["accepted"],
		status.Gossip["forwarded"], status.Gossip["stale"])
	fmt.Printf("Intents:   %d routed (%d local, %d remote), %d retries, %d failed\n",
		status.Intent["routed"], status.Intent["local_runs"], status.Intent["remote_runs"],
		status.Intent["retries"], status.Intent["failed"])
	return nil
}

func runPeers(_ *cobra.Command, _ []string) error {
	var peers []supervisor.PeerInfo
	if err := adminGet("/peers", &peers); err != nil {
		return err
	}
	if jsonOut() {
		return printJSON(peers)
	}
	if len(peers) == 0 {
		fmt.Println("No peers")
		return nil
	}

	w := newTable()
	printTableHeader(w, "PEER", "STATE", "TRANSPORT", "RTT", "QUEUE", "LAST SEEN")
	for _, p := range peers {
		rtt := "-"
		if ms, ok := p.RTTMs[p.ActiveTransport]; ok {
			rtt = fmt.Sprintf("%.1fms", ms)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			p.NodeID.Short(), p.State, orDash(p.ActiveTransport), rtt,
			p.QueueDepth, p.LastSeen.Format(time.TimeOnly))
	}
	return w.Flush()
}

func runNetwork(_ *cobra.Command, _ []string) error {
	var net mesh.NetworkSnapshot
	if err := adminGet("/network", &net); err != nil {
		return err
	}
	if jsonOut() {
		return printJSON(net)
	}

	printEndpoints := func(label string, eps []string) {
		if len(eps) == 0 {
			fmt.Printf("%-8s -\n", label)
			return
		}
		fmt.Printf("%-8s %s\n", label, strings.Join(eps, ", "))
	}
	var lan, public, ble []string
	for _, ep := range net.LAN {
		lan = append(lan, ep.Addr())
	}
	for _, ep := range net.Public {
		public = append(public, ep.Addr())
	}
	for _, ep := range net.BLE {
		ble = append(ble, ep.Addr())
	}
	printEndpoints("LAN:", lan)
	printEndpoints("Public:", public)
	printEndpoints("BLE:", ble)
	printEndpoints("Relays:", net.RelayURLs)
	printEndpoints("STUN:", net.STUNServers)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func printTableHeader(w *tabwriter.Writer, cols ...string) {
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}
