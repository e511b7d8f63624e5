// Package store persists the node's durable state under its home
// directory: the saved-mesh list, the local capability records, and the
// spilled gossip cache. Every write lands via write-temp-fsync-rename, so
// a crash mid-write leaves the previous file intact.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

const (
	meshesFile       = "meshes.json"
	capabilitiesFile = "capabilities.cbor"
	gossipCacheFile  = "gossip_cache.cbor"
)

// Config locates the store and bounds the gossip spill.
type Config struct {
	// Dir is the node home directory, created 0700 when missing.
	Dir string
	// GossipCacheLimit caps how many envelopes spill to disk; newest win.
	GossipCacheLimit int
}

func DefaultConfig() Config {
	return Config{GossipCacheLimit: 4096}
}

// meshFile is the on-disk shape of meshes.json. The slice keeps join
// order; Active names the mesh the router scopes to.
type meshFile struct {
	Active common.MeshID       `json:"active,omitempty"`
	Meshes []*common.SavedMesh `json:"meshes"`
}

// Store is the durable-state owner. All methods are safe for concurrent
// use; the mutex serializes writers so renames never race.
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active common.MeshID
	meshes []*common.SavedMesh

	now func() time.Time
}

// Open loads meshes.json (or starts empty when absent) and returns the
// store. A corrupt meshes.json is a hard error; silently dropping saved
// meshes would strand the node.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, common.Ef(common.KindBadRequest, "open store", "empty directory")
	}
	if cfg.GossipCacheLimit <= 0 {
		cfg.GossipCacheLimit = DefaultConfig().GossipCacheLimit
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &Store{
		cfg:    cfg,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}
	if err := s.loadMeshes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) path(name string) string { return filepath.Join(s.cfg.Dir, name) }

func (s *Store) loadMeshes() error {
	data, err := os.ReadFile(s.path(meshesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", meshesFile, err)
	}
	var f meshFile
	if err := json.Unmarshal(data, &f); err != nil {
		return common.Ef(common.KindFatal, "load meshes", "corrupt %s: %v", meshesFile, err)
	}
	s.meshes = f.Meshes
	s.active = f.Active
	return nil
}

// flushMeshesLocked writes the mesh list; callers hold s.mu.
func (s *Store) flushMeshesLocked() error {
	data, err := json.MarshalIndent(&meshFile{Active: s.active, Meshes: s.meshes}, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path(meshesFile), data, 0o600)
}

// Meshes returns the saved meshes in join order.
func (s *Store) Meshes() []*common.SavedMesh {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*common.SavedMesh, len(s.meshes))
	for i, m := range s.meshes {
		cp := *m
		out[i] = &cp
	}
	return out
}

// Mesh returns one saved mesh by id.
func (s *Store) Mesh(id common.MeshID) (*common.SavedMesh, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.meshes {
		if m.MeshID == id {
			cp := *m
			return &cp, true
		}
	}
	return nil, false
}

// Upsert saves or replaces a mesh entry and flushes.
func (s *Store) Upsert(mesh *common.SavedMesh) error {
	if mesh == nil || mesh.MeshID == "" {
		return common.Ef(common.KindBadRequest, "save mesh", "missing mesh id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *mesh
	replaced := false
	for i, m := range s.meshes {
		if m.MeshID == mesh.MeshID {
			s.meshes[i] = &cp
			replaced = true
			break
		}
	}
	if !replaced {
		s.meshes = append(s.meshes, &cp)
	}
	return s.flushMeshesLocked()
}

// TouchConnected stamps last_connected for a mesh and flushes.
func (s *Store) TouchConnected(id common.MeshID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.meshes {
		if m.MeshID == id {
			m.LastConnected = s.now().UnixMilli()
			return s.flushMeshesLocked()
		}
	}
	return common.Ef(common.KindBadRequest, "touch mesh", "unknown mesh %s", id)
}

// Activate marks the mesh the router scopes to.
func (s *Store) Activate(id common.MeshID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.meshes {
		if m.MeshID == id {
			s.active = id
			return s.flushMeshesLocked()
		}
	}
	return common.Ef(common.KindBadRequest, "activate mesh", "unknown mesh %s", id)
}

// Active returns the currently active mesh, if any.
func (s *Store) Active() (*common.SavedMesh, bool) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == "" {
		return nil, false
	}
	return s.Mesh(active)
}

// Forget removes a mesh entry and flushes. Forgetting the active mesh
// clears the active marker.
func (s *Store) Forget(id common.MeshID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.meshes {
		if m.MeshID == id {
			s.meshes = append(s.meshes[:i], s.meshes[i+1:]...)
			if s.active == id {
				s.active = ""
			}
			return s.flushMeshesLocked()
		}
	}
	return common.Ef(common.KindBadRequest, "forget mesh", "unknown mesh %s", id)
}

// ReconnectTargets returns the meshes to rejoin at startup: entries with
// auto_reconnect set, most recently connected first.
func (s *Store) ReconnectTargets() []*common.SavedMesh {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*common.SavedMesh
	for _, m := range s.meshes {
		if m.AutoReconnect {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastConnected > out[j].LastConnected
	})
	return out
}

// writeFileAtomic stages the bytes in a temp file in the target's
// directory, fsyncs, then renames over the target.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	// Syncing the directory pins the rename itself.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
