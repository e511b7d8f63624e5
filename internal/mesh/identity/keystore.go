package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

const (
	identityFile = "identity.key"
	keyFileMode  = 0o600
)

// LoadOrCreate reads the node seed from dir, generating and persisting a
// fresh one on first run. A key file that exists but cannot be used is a
// fatal condition: silently regenerating would change the node's identity.
func LoadOrCreate(dir string) (*Identity, error) {
	path := filepath.Join(dir, identityFile)
	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
		id, err := FromSeed(seed)
		if err != nil {
			return nil, common.E(common.KindFatal, "keystore", fmt.Errorf("corrupt %s: %w", path, err))
		}
		return id, nil
	case errors.Is(err, fs.ErrNotExist):
		id, err := Generate()
		if err != nil {
			return nil, common.E(common.KindFatal, "keystore", err)
		}
		if err := writeKeyFile(path, id.Seed()); err != nil {
			return nil, common.E(common.KindFatal, "keystore", err)
		}
		return id, nil
	default:
		return nil, common.E(common.KindFatal, "keystore", fmt.Errorf("read %s: %w", path, err))
	}
}

// MeshKeyPath returns where the founder's mesh signing seed lives.
func MeshKeyPath(dir string, meshID common.MeshID) string {
	return filepath.Join(dir, fmt.Sprintf("mesh_%s.key", meshID))
}

// SaveMeshKey persists the mesh signing seed so the founder can issue
// invites across restarts.
func SaveMeshKey(dir string, meshID common.MeshID, priv ed25519.PrivateKey) error {
	if err := writeKeyFile(MeshKeyPath(dir, meshID), priv.Seed()); err != nil {
		return fmt.Errorf("save mesh key: %w", err)
	}
	return nil
}

// LoadMeshKey reads the founder's mesh signing key, if this node holds it.
func LoadMeshKey(dir string, meshID common.MeshID) (ed25519.PrivateKey, error) {
	seed, err := os.ReadFile(MeshKeyPath(dir, meshID))
	if err != nil {
		return nil, fmt.Errorf("load mesh key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, common.Ef(common.KindFatal, "load mesh key", "corrupt seed: %d bytes", len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func writeKeyFile(path string, seed []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, seed, keyFileMode); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit key file: %w", err)
	}
	return nil
}
