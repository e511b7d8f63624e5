package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Found a new mesh with this node as key holder",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

var joinCmd = &cobra.Command{
	Use:   "join <token-or-code>",
	Short: "Join a mesh from an invite token or relay short-code",
	Long: `Verify the invite offline against the mesh key embedded in it and
adopt the mesh. Short-codes (XXXX-XXXX) are resolved through the
configured relays first.

Against a running node the join connects immediately; otherwise it is
saved and the next 'atmosphere serve' reconnects.`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

var inviteCmd = &cobra.Command{
	Use:   "invite",
	Short: "Issue a join token for the active mesh",
	Long: `Issue a signed invite carrying every endpoint this node is
currently reachable at. Requires the mesh key, which only the founding
node holds, and a running node, since the endpoints come from its live
listeners.`,
	Args: cobra.NoArgs,
	RunE: runInvite,
}

var meshesCmd = &cobra.Command{
	Use:   "meshes",
	Short: "List saved meshes",
	Args:  cobra.NoArgs,
	RunE:  runMeshes,
}

var forgetCmd = &cobra.Command{
	Use:   "forget <mesh-id>",
	Short: "Drop a saved mesh",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <node-id>",
	Short: "Expel a node from the active mesh",
	Long: `Sign and gossip a revocation for the node. Requires the mesh key
and a running node so the revocation reaches the mesh.`,
	Args: cobra.ExactArgs(1),
	RunE: runRevoke,
}

func init() {
	inviteCmd.Flags().Duration("ttl", 24*time.Hour, "invite validity window")
	revokeCmd.Flags().String("reason", "", "reason recorded in the revocation")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(inviteCmd)
	rootCmd.AddCommand(meshesCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(revokeCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	var saved *common.SavedMesh

	if daemonUp() {
		saved = &common.SavedMesh{}
		if err := adminPost(http.MethodPost, "/mesh", map[string]string{"name": name}, saved); err != nil {
			return err
		}
	} else {
		rt, err := openOffline(cmd)
		if err != nil {
			return err
		}
		if saved, err = rt.CreateMesh(name); err != nil {
			return err
		}
	}

	if jsonOut() {
		return printJSON(saved)
	}
	fmt.Printf("Created mesh %s (%s)\n", saved.MeshName, saved.MeshID)
	fmt.Println("This node holds the mesh key; run 'atmosphere invite' to add devices.")
	return nil
}

func runJoin(cmd *cobra.Command, args []string) error {
	token := args[0]
	var saved *common.SavedMesh

	if daemonUp() {
		saved = &common.SavedMesh{}
		if err := adminPost(http.MethodPost, "/join", map[string]string{"token": token}, saved); err != nil {
			return err
		}
		if jsonOut() {
			return printJSON(saved)
		}
		fmt.Printf("Joined mesh %s\n", saved.MeshID)
		return nil
	}

	rt, err := openOffline(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if saved, err = rt.Join(ctx, token); err != nil {
		return err
	}
	if jsonOut() {
		return printJSON(saved)
	}
	fmt.Printf("Joined mesh %s\n", saved.MeshID)
	fmt.Println("Run 'atmosphere serve' to connect.")
	return nil
}

func runInvite(cmd *cobra.Command, _ []string) error {
	ttl, _ := cmd.Flags().GetDuration("ttl")
	var resp struct {
		Token string `json:"token"`
	}
	err := adminPost(http.MethodPost, "/invite", map[string]int64{"ttl_ms": ttl.Milliseconds()}, &resp)
	if err != nil {
		return err
	}
	if jsonOut() {
		return printJSON(resp)
	}
	fmt.Println(resp.Token)
	return nil
}

func runMeshes(cmd *cobra.Command, _ []string) error {
	var meshes []*common.SavedMesh

	if daemonUp() {
		if err := adminGet("/meshes", &meshes); err != nil {
			return err
		}
	} else {
		rt, err := openOffline(cmd)
		if err != nil {
			return err
		}
		meshes = rt.Meshes()
	}

	if jsonOut() {
		return printJSON(meshes)
	}
	if len(meshes) == 0 {
		fmt.Println("No saved meshes")
		return nil
	}
	w := newTable()
	printTableHeader(w, "MESH", "NAME", "FOUNDER", "LAST CONNECTED", "AUTO")
	for _, m := range meshes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n",
			m.MeshID, m.MeshName, m.FounderNodeID.Short(), formatMillis(m.LastConnected), m.AutoReconnect)
	}
	return w.Flush()
}

func runForget(cmd *cobra.Command, args []string) error {
	id := args[0]

	if daemonUp() {
		if err := adminPost(http.MethodDelete, "/mesh/"+id, struct{}{}, nil); err != nil {
			return err
		}
	} else {
		rt, err := openOffline(cmd)
		if err != nil {
			return err
		}
		if err := rt.ForgetMesh(common.MeshID(id)); err != nil {
			return err
		}
	}
	fmt.Printf("Forgot mesh %s\n", id)
	return nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	body := map[string]string{"node_id": args[0], "reason": reason}
	if err := adminPost(http.MethodPost, "/revoke", body, nil); err != nil {
		return err
	}
	fmt.Printf("Revoked node %s\n", args[0])
	return nil
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
