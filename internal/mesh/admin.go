package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh/supervisor"
)

// StatusSnapshot is the /status payload: identity, mesh scope, and the
// per-component counters.
type StatusSnapshot struct {
	NodeID     common.NodeID     `json:"node_id"`
	MeshID     common.MeshID     `json:"mesh_id,omitempty"`
	MeshName   string            `json:"mesh_name,omitempty"`
	KeyHolder  bool              `json:"key_holder"`
	Peers      int               `json:"peers"`
	Connected  int               `json:"connected"`
	Gossip     map[string]uint64 `json:"gossip"`
	Supervisor map[string]uint64 `json:"supervisor"`
	Intent     map[string]uint64 `json:"intent"`
	Routes     int               `json:"routes"`
	Uptime     string            `json:"uptime"`
}

// NetworkSnapshot is the /network payload: how this node can currently
// be reached.
type NetworkSnapshot struct {
	LAN         []common.Endpoint `json:"lan,omitempty"`
	Public      []common.Endpoint `json:"public,omitempty"`
	BLE         []common.Endpoint `json:"ble,omitempty"`
	RelayURLs   []string          `json:"relay_urls,omitempty"`
	STUNServers []string          `json:"stun_servers,omitempty"`
}

// AdminAddr reports the bound admin address, empty when the admin
// surface is disabled.
func (r *Runtime) AdminAddr() string {
	if r.admin == nil {
		return ""
	}
	return r.admin.bound
}

// Status assembles the runtime's status snapshot.
func (r *Runtime) Status() StatusSnapshot {
	gm := r.engine.Metrics()
	sm := r.sup.Metrics()
	im := r.router.Metrics()
	peers := r.sup.Peers()
	connected := 0
	for _, p := range peers {
		if p.State == "connected" {
			connected++
		}
	}
	snap := StatusSnapshot{
		NodeID:    r.id.NodeID(),
		KeyHolder: r.meshPriv != nil,
		Peers:     len(peers),
		Connected: connected,
		Gossip: map[string]uint64{
			"received":  gm.Received,
			"accepted":  gm.Accepted,
			"forwarded": gm.Forwarded,
			"stale":     gm.Stale,
			"bad_sig":   gm.BadSignature,
		},
		Supervisor: map[string]uint64{
			"probe_rounds":       sm.ProbeRounds,
			"transport_switches": sm.TransportSwitches,
			"pending_replayed":   sm.PendingReplayed,
			"peers_suspected":    sm.PeersSuspected,
			"peers_died":         sm.PeersDied,
		},
		Intent: map[string]uint64{
			"routed":      im.Routed,
			"local_runs":  im.LocalRuns,
			"remote_runs": im.RemoteRuns,
			"retries":     im.Retries,
			"failed":      im.Failed,
		},
		Routes: r.routes.Snapshot().Size(),
		Uptime: time.Since(r.startedAt()).Round(time.Second).String(),
	}
	if active, ok := r.store.Active(); ok {
		snap.MeshID = active.MeshID
		snap.MeshName = active.MeshName
	}
	return snap
}

func (r *Runtime) startedAt() time.Time {
	// Uptime is approximate; the admin surface is informational.
	return r.bootTime
}

// Network assembles the reachability snapshot.
func (r *Runtime) Network() NetworkSnapshot {
	snap := NetworkSnapshot{
		LAN:         r.lan.LocalEndpoints(),
		Public:      r.udp.LocalEndpoints(),
		RelayURLs:   r.cfg.Node.RelayURLs,
		STUNServers: r.stunClientServers(),
	}
	if r.ble != nil {
		snap.BLE = r.ble.LocalEndpoints()
	}
	return snap
}

// resolveShortCode fetches the full invite token for a vended short-code
// from the configured relays, first answer wins.
func (r *Runtime) resolveShortCode(ctx context.Context, code string) (string, error) {
	normalized, err := identity.NormalizeShortCode(code)
	if err != nil {
		return "", common.E(common.KindBadRequest, "resolve invite code", err)
	}
	if len(r.cfg.Node.RelayURLs) == 0 {
		return "", common.Ef(common.KindBadRequest, "resolve invite code", "no relay configured to resolve %q", code)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for _, relayURL := range r.cfg.Node.RelayURLs {
		token, err := fetchInvite(ctx, client, relayURL, normalized)
		if err == nil {
			return token, nil
		}
		lastErr = err
	}
	return "", fmt.Errorf("resolve invite code: %w", lastErr)
}

func fetchInvite(ctx context.Context, client *http.Client, relayURL, code string) (string, error) {
	base := strings.TrimSuffix(relayURL, "/")
	base = strings.Replace(base, "ws://", "http://", 1)
	base = strings.Replace(base, "wss://", "https://", 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/invite/"+code, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("relay answered %d for code", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode invite fetch: %w", err)
	}
	return body.Token, nil
}

// adminServer exposes the local snapshot endpoints the CLI reads. It
// binds loopback only; this is an operator surface, not a mesh surface.
type adminServer struct {
	addr   string
	rt     *Runtime
	logger *slog.Logger
	srv    *http.Server
	bound  string
}

func newAdminServer(addr string, rt *Runtime, logger *slog.Logger) *adminServer {
	return &adminServer{
		addr:   addr,
		rt:     rt,
		logger: logger.With("component", "admin"),
	}
}

func (a *adminServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", a.handleStatus)
	r.Get("/peers", a.handlePeers)
	r.Get("/network", a.handleNetwork)
	r.Get("/meshes", a.handleMeshes)
	r.Post("/mesh", a.handleCreateMesh)
	r.Delete("/mesh/{id}", a.handleForgetMesh)
	r.Post("/invite", a.handleInvite)
	r.Post("/join", a.handleJoin)
	r.Post("/revoke", a.handleRevoke)
	return r
}

func (a *adminServer) start() error {
	host, _, err := net.SplitHostPort(a.addr)
	if err != nil {
		return common.E(common.KindFatal, "admin listen", err)
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return common.Ef(common.KindFatal, "admin listen", "refusing non-loopback admin address %q", a.addr)
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return common.E(common.KindFatal, "admin listen", err)
	}
	a.bound = ln.Addr().String()
	a.srv = &http.Server{Handler: a.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("admin server failed", "error", err)
		}
	}()
	a.logger.Info("admin listening", "addr", ln.Addr().String())
	return nil
}

func (a *adminServer) stop() {
	if a.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(ctx); err != nil {
		a.logger.Warn("admin shutdown failed", "error", err)
	}
}

func (a *adminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.rt.Status())
}

func (a *adminServer) handlePeers(w http.ResponseWriter, _ *http.Request) {
	peers := a.rt.Peers()
	if peers == nil {
		peers = []supervisor.PeerInfo{}
	}
	writeJSON(w, peers)
}

func (a *adminServer) handleNetwork(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.rt.Network())
}

func (a *adminServer) handleMeshes(w http.ResponseWriter, _ *http.Request) {
	meshes := a.rt.Meshes()
	if meshes == nil {
		meshes = []*common.SavedMesh{}
	}
	writeJSON(w, meshes)
}

func (a *adminServer) handleCreateMesh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, common.E(common.KindBadRequest, "create mesh", err))
		return
	}
	saved, err := a.rt.CreateMesh(body.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, saved)
}

func (a *adminServer) handleForgetMesh(w http.ResponseWriter, r *http.Request) {
	id := common.MeshID(chi.URLParam(r, "id"))
	if err := a.rt.ForgetMesh(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"forgotten": id.String()})
}

func (a *adminServer) handleInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TTLMs int64 `json:"ttl_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, common.E(common.KindBadRequest, "invite", err))
		return
	}
	ttl := time.Duration(body.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	token, err := a.rt.Invite(ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"token": token})
}

func (a *adminServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, common.E(common.KindBadRequest, "join", err))
		return
	}
	saved, err := a.rt.Join(r.Context(), body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, saved)
}

func (a *adminServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID common.NodeID `json:"node_id"`
		Reason string        `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, common.E(common.KindBadRequest, "revoke", err))
		return
	}
	if err := a.rt.Revoke(body.NodeID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"revoked": body.NodeID.String()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeError maps rejected inputs to 400 and everything else to 500 so
// the CLI can distinguish "you sent garbage" from "the node is broken".
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if common.IsKind(err, common.KindBadRequest) {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
