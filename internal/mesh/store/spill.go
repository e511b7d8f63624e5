package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// capabilityFile and cacheFile wrap the spilled slices so the format can
// grow a field without breaking old files.
type capabilityFile struct {
	Records []*common.CapabilityRecord `cbor:"1,keyasint"`
}

type cacheFile struct {
	Envelopes []*common.GossipEnvelope `cbor:"1,keyasint"`
}

// SaveCapabilities persists the node's own capability records so a
// restart re-advertises them without re-registration.
func (s *Store) SaveCapabilities(records []*common.CapabilityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := common.Marshal(&capabilityFile{Records: records})
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	return writeFileAtomic(s.path(capabilitiesFile), data, 0o600)
}

// LoadCapabilities returns the persisted local records; a missing file is
// an empty slice, a corrupt file is dropped with a warning since the
// records regenerate on the next registration.
func (s *Store) LoadCapabilities() ([]*common.CapabilityRecord, error) {
	data, err := os.ReadFile(s.path(capabilitiesFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", capabilitiesFile, err)
	}
	var f capabilityFile
	if err := common.Unmarshal(data, &f); err != nil {
		s.logger.Warn("dropping corrupt capability spill", "error", err)
		return nil, nil
	}
	return f.Records, nil
}

// SaveGossipCache spills received envelopes, newest-first trimming to the
// configured bound.
func (s *Store) SaveGossipCache(envs []*common.GossipEnvelope) error {
	if len(envs) > s.cfg.GossipCacheLimit {
		envs = envs[len(envs)-s.cfg.GossipCacheLimit:]
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := common.Marshal(&cacheFile{Envelopes: envs})
	if err != nil {
		return fmt.Errorf("encode gossip cache: %w", err)
	}
	return writeFileAtomic(s.path(gossipCacheFile), data, 0o600)
}

// LoadGossipCache returns the spilled envelopes for replay through the
// gossip pipeline. Corruption degrades to an empty cache; anti-entropy
// refills it.
func (s *Store) LoadGossipCache() ([]*common.GossipEnvelope, error) {
	data, err := os.ReadFile(s.path(gossipCacheFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", gossipCacheFile, err)
	}
	var f cacheFile
	if err := common.Unmarshal(data, &f); err != nil {
		s.logger.Warn("dropping corrupt gossip cache", "error", err)
		return nil, nil
	}
	return f.Envelopes, nil
}
