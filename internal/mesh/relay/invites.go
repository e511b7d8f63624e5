package relay

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/identity"
)

// The relay vends invites: a founder posts a signed token and hands the
// short code to the joiner out of band. The joiner trades the code for
// the full token and verifies it offline against the mesh key, so the
// relay stores opaque blobs and can forge nothing.

const (
	defaultVendTTL = time.Hour
	maxVendTTL     = 24 * time.Hour
	maxVendEntries = 10000
)

type vendEntry struct {
	encoded   string
	expiresAt time.Time
}

type inviteVault struct {
	mu      sync.RWMutex
	entries map[string]vendEntry
	now     func() time.Time
}

func newInviteVault() *inviteVault {
	return &inviteVault{
		entries: make(map[string]vendEntry),
		now:     time.Now,
	}
}

func (v *inviteVault) put(code, encoded string, expiresAt time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.entries) >= maxVendEntries {
		if _, exists := v.entries[code]; !exists {
			return false
		}
	}
	v.entries[code] = vendEntry{encoded: encoded, expiresAt: expiresAt}
	return true
}

func (v *inviteVault) get(code string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entries[code]
	if !ok || v.now().After(e.expiresAt) {
		return "", false
	}
	return e.encoded, true
}

func (v *inviteVault) gc() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	removed := 0
	for code, e := range v.entries {
		if now.After(e.expiresAt) {
			delete(v.entries, code)
			removed++
		}
	}
	return removed
}

func (v *inviteVault) size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

type vendRequest struct {
	Token string `json:"token"`
	TTLs  int64  `json:"ttl_s,omitempty"`
}

type vendResponse struct {
	Code      string `json:"code"`
	ExpiresAt int64  `json:"expires_at"`
}

type fetchResponse struct {
	Token string `json:"token"`
}

// handleVendInvite stores a posted invite under its short code.
func (s *Server) handleVendInvite(w http.ResponseWriter, r *http.Request) {
	var req vendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tok, err := identity.DecodeInvite(req.Token)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid invite token")
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(req.Token)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid invite token")
		return
	}

	now := s.now()
	tokenExpiry := time.UnixMilli(tok.ExpiresAt)
	if !tokenExpiry.After(now) {
		httpError(w, http.StatusBadRequest, "invite already expired")
		return
	}

	ttl := defaultVendTTL
	if req.TTLs > 0 {
		ttl = time.Duration(req.TTLs) * time.Second
	}
	if ttl > maxVendTTL {
		ttl = maxVendTTL
	}
	expiresAt := now.Add(ttl)
	if expiresAt.After(tokenExpiry) {
		expiresAt = tokenExpiry
	}

	code := identity.ShortCodeFromBytes(raw)
	if !s.invites.put(code, req.Token, expiresAt) {
		httpError(w, http.StatusInsufficientStorage, "invite store full")
		return
	}
	invitesVended.Inc()
	s.logger.Info("invite vended",
		slog.String("code", code),
		slog.String("mesh_id", string(tok.MeshID)),
		slog.Time("expires_at", expiresAt),
	)

	writeJSON(w, http.StatusCreated, vendResponse{Code: code, ExpiresAt: expiresAt.UnixMilli()})
}

// handleFetchInvite trades a short code for the stored token.
func (s *Server) handleFetchInvite(w http.ResponseWriter, r *http.Request) {
	code, err := identity.NormalizeShortCode(chi.URLParam(r, "code"))
	if err != nil {
		httpError(w, http.StatusBadRequest, "malformed invite code")
		return
	}
	encoded, ok := s.invites.get(code)
	if !ok {
		httpError(w, http.StatusNotFound, "unknown or expired invite code")
		return
	}
	invitesFetched.Inc()
	writeJSON(w, http.StatusOK, fetchResponse{Token: encoded})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
