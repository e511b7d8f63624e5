package store

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Dir: t.TempDir()}, testLogger())
	require.NoError(t, err)
	return s
}

func savedMesh(id common.MeshID, name string, lastConnected int64, auto bool) *common.SavedMesh {
	return &common.SavedMesh{
		MeshID:        id,
		MeshName:      name,
		MeshPubKey:    make([]byte, 32),
		FounderNodeID: common.NodeID("0123456789abcdef0123456789abcdef"),
		JoinedAt:      time.Now().UnixMilli(),
		LastConnected: lastConnected,
		AutoReconnect: auto,
	}
}

func TestUpsertAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir}, testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Upsert(savedMesh("00112233aabbccdd", "home", 100, true)))
	require.NoError(t, s.Upsert(savedMesh("ffeeddccbbaa9988", "office", 200, false)))
	require.NoError(t, s.Activate("00112233aabbccdd"))

	// Update in place keeps the join order.
	updated := savedMesh("00112233aabbccdd", "home renamed", 300, true)
	require.NoError(t, s.Upsert(updated))

	s2, err := Open(Config{Dir: dir}, testLogger())
	require.NoError(t, err)
	meshes := s2.Meshes()
	require.Len(t, meshes, 2)
	assert.Equal(t, common.MeshID("00112233aabbccdd"), meshes[0].MeshID)
	assert.Equal(t, "home renamed", meshes[0].MeshName)
	assert.Equal(t, common.MeshID("ffeeddccbbaa9988"), meshes[1].MeshID)

	active, ok := s2.Active()
	require.True(t, ok)
	assert.Equal(t, "home renamed", active.MeshName)
}

func TestForgetClearsActive(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Upsert(savedMesh("00112233aabbccdd", "home", 0, false)))
	require.NoError(t, s.Activate("00112233aabbccdd"))
	require.NoError(t, s.Forget("00112233aabbccdd"))

	_, ok := s.Active()
	assert.False(t, ok)
	assert.Empty(t, s.Meshes())

	err := s.Forget("00112233aabbccdd")
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindBadRequest))
}

func TestReconnectTargetsOrdering(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Upsert(savedMesh("1111111111111111", "oldest", 100, true)))
	require.NoError(t, s.Upsert(savedMesh("2222222222222222", "manual", 500, false)))
	require.NoError(t, s.Upsert(savedMesh("3333333333333333", "newest", 300, true)))

	targets := s.ReconnectTargets()
	require.Len(t, targets, 2, "auto_reconnect=false never rejoins on its own")
	assert.Equal(t, common.MeshID("3333333333333333"), targets[0].MeshID)
	assert.Equal(t, common.MeshID("1111111111111111"), targets[1].MeshID)
}

func TestTouchConnected(t *testing.T) {
	s := openTestStore(t)
	s.now = func() time.Time { return time.UnixMilli(42_000) }
	require.NoError(t, s.Upsert(savedMesh("00112233aabbccdd", "home", 0, true)))
	require.NoError(t, s.TouchConnected("00112233aabbccdd"))

	m, ok := s.Mesh("00112233aabbccdd")
	require.True(t, ok)
	assert.Equal(t, int64(42_000), m.LastConnected)
}

func TestCorruptMeshFileIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, meshesFile), []byte("{not json"), 0o600))

	_, err := Open(Config{Dir: dir}, testLogger())
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindFatal))
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir}, testLogger())
	require.NoError(t, err)
	require.NoError(t, s.Upsert(savedMesh("00112233aabbccdd", "home", 0, false)))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, meshesFile, entries[0].Name())

	// The file on disk is valid JSON at every observable point.
	data, err := os.ReadFile(filepath.Join(dir, meshesFile))
	require.NoError(t, err)
	var f meshFile
	require.NoError(t, json.Unmarshal(data, &f))
	require.Len(t, f.Meshes, 1)
}

func TestCapabilitySpillRoundTrip(t *testing.T) {
	s := openTestStore(t)
	emb := make([]float32, common.EmbeddingDim)
	emb[0] = 1
	records := []*common.CapabilityRecord{{
		CapabilityID: "cap-1",
		OwnerNodeID:  common.NodeID("0123456789abcdef0123456789abcdef"),
		OwnerPubKey:  make([]byte, 32),
		Type:         common.CapTool,
		Description:  "echo text back",
		Embedding:    emb,
		Version:      7,
		UpdatedAt:    1000,
		Signature:    []byte("sig"),
	}}
	require.NoError(t, s.SaveCapabilities(records))

	got, err := s.LoadCapabilities()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cap-1", got[0].CapabilityID)
	assert.Equal(t, uint64(7), got[0].Version)
	assert.Len(t, got[0].Embedding, common.EmbeddingDim)
}

func TestGossipCacheBounded(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir(), GossipCacheLimit: 3}, testLogger())
	require.NoError(t, err)

	var envs []*common.GossipEnvelope
	for i := 0; i < 10; i++ {
		envs = append(envs, &common.GossipEnvelope{
			Kind:          common.RecordCost,
			RecordID:      "cost",
			RecordBytes:   []byte{0xa0},
			OriginNodeID:  common.NodeID("0123456789abcdef0123456789abcdef"),
			OriginVersion: uint64(i + 1),
			TTLHops:       4,
		})
	}
	require.NoError(t, s.SaveGossipCache(envs))

	got, err := s.LoadGossipCache()
	require.NoError(t, err)
	require.Len(t, got, 3, "spill keeps only the newest entries")
	assert.Equal(t, uint64(8), got[0].OriginVersion)
	assert.Equal(t, uint64(10), got[2].OriginVersion)
}

func TestCorruptSpillDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{Dir: dir}, testLogger())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, gossipCacheFile), []byte("garbage"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, capabilitiesFile), []byte("garbage"), 0o600))

	envs, err := s.LoadGossipCache()
	require.NoError(t, err)
	assert.Empty(t, envs)

	recs, err := s.LoadCapabilities()
	require.NoError(t, err)
	assert.Empty(t, recs)
}
