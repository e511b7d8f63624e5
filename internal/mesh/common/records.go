package common

import (
	"fmt"
	"time"
)

// RecordKind discriminates the record families carried by gossip.
type RecordKind int

const (
	RecordCapability RecordKind = iota + 1
	RecordCost
	RecordRoute
	RecordRevoke
	RecordLiveness
)

func (k RecordKind) String() string {
	switch k {
	case RecordCapability:
		return "cap"
	case RecordCost:
		return "cost"
	case RecordRoute:
		return "route"
	case RecordRevoke:
		return "revoke"
	case RecordLiveness:
		return "liveness"
	default:
		return "unknown"
	}
}

// CapabilityType tags what family of work a capability performs.
type CapabilityType string

const (
	CapLLM        CapabilityType = "llm"
	CapEmbeddings CapabilityType = "embeddings"
	CapVision     CapabilityType = "vision"
	CapSensor     CapabilityType = "sensor"
	CapTool       CapabilityType = "tool"
	CapRAG        CapabilityType = "rag"
	CapCustom     CapabilityType = "custom"
)

// EmbeddingDim is the fixed dimensionality of capability and intent
// embeddings. Every node derives embeddings with the same deterministic
// function, so vectors are comparable mesh-wide.
const EmbeddingDim = 384

// CapabilityRecord is a node's signed, versioned declaration that it can
// perform work matching the embedded description. Versions strictly
// increase per (owner, capability id); mutation is a new version, deletion
// is a tombstone (empty description, no tools, no embedding).
type CapabilityRecord struct {
	CapabilityID string            `cbor:"1,keyasint" json:"capability_id"`
	OwnerNodeID  NodeID            `cbor:"2,keyasint" json:"owner_node_id"`
	OwnerPubKey  []byte            `cbor:"3,keyasint" json:"owner_pub_key"`
	Type         CapabilityType    `cbor:"4,keyasint" json:"type"`
	Description  string            `cbor:"5,keyasint,omitempty" json:"description,omitempty"`
	Embedding    []float32         `cbor:"6,keyasint,omitempty" json:"-"`
	Tools        []string          `cbor:"7,keyasint,omitempty" json:"tools,omitempty"`
	Constraints  map[string]string `cbor:"8,keyasint,omitempty" json:"constraints,omitempty"`
	Version      uint64            `cbor:"9,keyasint" json:"version"`
	UpdatedAt    int64             `cbor:"10,keyasint" json:"updated_at"` // unix millis
	Signature    []byte            `cbor:"11,keyasint,omitempty" json:"-"`
}

// IsTombstone reports whether this version retracts the capability.
func (c *CapabilityRecord) IsTombstone() bool {
	return c.Description == "" && len(c.Tools) == 0 && len(c.Embedding) == 0
}

// SigningBytes returns the deterministic encoding of the record with the
// signature cleared, the exact bytes the owner signs.
func (c *CapabilityRecord) SigningBytes() ([]byte, error) {
	cp := *c
	cp.Signature = nil
	return MarshalDeterministic(&cp)
}

func (c *CapabilityRecord) Validate() error {
	if c.CapabilityID == "" {
		return fmt.Errorf("capability record missing id")
	}
	if !c.OwnerNodeID.Valid() {
		return fmt.Errorf("capability %s: invalid owner id %q", c.CapabilityID, c.OwnerNodeID)
	}
	if c.Version == 0 {
		return fmt.Errorf("capability %s: version must start at 1", c.CapabilityID)
	}
	if !c.IsTombstone() && len(c.Embedding) != EmbeddingDim {
		return fmt.Errorf("capability %s: embedding dim %d, want %d", c.CapabilityID, len(c.Embedding), EmbeddingDim)
	}
	return nil
}

// CostSample is a node's signed snapshot of its resource state. The scalar
// cost multiplier is derived from it deterministically, so every reader
// prices the node identically.
type CostSample struct {
	NodeID         NodeID  `cbor:"1,keyasint" json:"node_id"`
	PluggedIn      bool    `cbor:"2,keyasint" json:"plugged_in"`
	BatteryPercent float64 `cbor:"3,keyasint" json:"battery_percent"`
	CPULoad        float64 `cbor:"4,keyasint" json:"cpu_load"`
	GPULoad        float64 `cbor:"5,keyasint" json:"gpu_load"`
	MemoryPercent  float64 `cbor:"6,keyasint" json:"memory_percent"`
	NetworkMetered bool    `cbor:"7,keyasint" json:"network_metered"`
	SampledAt      int64   `cbor:"8,keyasint" json:"sampled_at"` // unix millis
	Version        uint64  `cbor:"9,keyasint" json:"version"`
	Signature      []byte  `cbor:"10,keyasint,omitempty" json:"-"`
}

func (s *CostSample) SigningBytes() ([]byte, error) {
	cp := *s
	cp.Signature = nil
	return MarshalDeterministic(&cp)
}

// RouteRefresh is a lightweight re-advertisement the owner publishes for a
// live capability, so remote gradient entries survive the decay window
// without regossiping the full record.
type RouteRefresh struct {
	CapabilityID string `cbor:"1,keyasint" json:"capability_id"`
	OwnerNodeID  NodeID `cbor:"2,keyasint" json:"owner_node_id"`
	CapVersion   uint64 `cbor:"3,keyasint" json:"cap_version"`
	Version      uint64 `cbor:"4,keyasint" json:"version"`
	RefreshedAt  int64  `cbor:"5,keyasint" json:"refreshed_at"` // unix millis
	Signature    []byte `cbor:"6,keyasint,omitempty" json:"-"`
}

func (r *RouteRefresh) SigningBytes() ([]byte, error) {
	cp := *r
	cp.Signature = nil
	return MarshalDeterministic(&cp)
}

// Revocation evicts a node from the mesh. Only the mesh key may sign one;
// it supersedes every record originated by the revoked node.
type Revocation struct {
	MeshID        MeshID `cbor:"1,keyasint" json:"mesh_id"`
	RevokedNodeID NodeID `cbor:"2,keyasint" json:"revoked_node_id"`
	Reason        string `cbor:"3,keyasint,omitempty" json:"reason,omitempty"`
	RevokedAt     int64  `cbor:"4,keyasint" json:"revoked_at"` // unix millis
	Version       uint64 `cbor:"5,keyasint" json:"version"`
	Signature     []byte `cbor:"6,keyasint,omitempty" json:"-"`
}

func (r *Revocation) SigningBytes() ([]byte, error) {
	cp := *r
	cp.Signature = nil
	return MarshalDeterministic(&cp)
}

// LivenessState is the supervisor's judgement of a peer.
type LivenessState int

const (
	LivenessUnknown LivenessState = iota
	LivenessProbing
	LivenessConnected
	LivenessSuspect
	LivenessDead
)

func (s LivenessState) String() string {
	switch s {
	case LivenessUnknown:
		return "unknown"
	case LivenessProbing:
		return "probing"
	case LivenessConnected:
		return "connected"
	case LivenessSuspect:
		return "suspect"
	case LivenessDead:
		return "dead"
	default:
		return "invalid"
	}
}

// LivenessRecord is an observer's gossiped judgement of another node, a
// hint that lets the mesh converge on departures faster than per-node
// heartbeat timeouts alone.
type LivenessRecord struct {
	SubjectNodeID NodeID        `cbor:"1,keyasint" json:"subject_node_id"`
	State         LivenessState `cbor:"2,keyasint" json:"state"`
	PeerCount     int           `cbor:"3,keyasint" json:"peer_count"`
	ObservedAt    int64         `cbor:"4,keyasint" json:"observed_at"` // unix millis
	Version       uint64        `cbor:"5,keyasint" json:"version"`
	Signature     []byte        `cbor:"6,keyasint,omitempty" json:"-"`
}

func (l *LivenessRecord) SigningBytes() ([]byte, error) {
	cp := *l
	cp.Signature = nil
	return MarshalDeterministic(&cp)
}

// GossipEnvelope wraps one record for epidemic dissemination.
//
// TTLHops decrements at each forward; HopCount increments, so a receiver
// knows how far the record has travelled. PathLatencyMs accumulates the
// forwarders' measured RTT toward the origin, giving gradient entries a
// latency estimate without extra probing.
type GossipEnvelope struct {
	Kind          RecordKind `cbor:"1,keyasint" json:"kind"`
	RecordID      string     `cbor:"2,keyasint" json:"record_id"`
	RecordBytes   []byte     `cbor:"3,keyasint" json:"-"`
	OriginNodeID  NodeID     `cbor:"4,keyasint" json:"origin_node_id"`
	OriginVersion uint64     `cbor:"5,keyasint" json:"origin_version"`
	TTLHops       int        `cbor:"6,keyasint" json:"ttl_hops"`
	HopCount      int        `cbor:"7,keyasint" json:"hop_count"`
	PathLatencyMs float64    `cbor:"8,keyasint" json:"path_latency_ms"`
	OriginSig     []byte     `cbor:"9,keyasint" json:"-"`
	WitnessSigs   [][]byte   `cbor:"10,keyasint,omitempty" json:"-"`
}

// DedupKey identifies one committed version of one record.
func (e *GossipEnvelope) DedupKey() string {
	return fmt.Sprintf("%d|%s|%s|%d", e.Kind, e.OriginNodeID, e.RecordID, e.OriginVersion)
}

// MergeKey identifies the record lineage the version race runs over.
func (e *GossipEnvelope) MergeKey() string {
	return fmt.Sprintf("%d|%s|%s", e.Kind, e.OriginNodeID, e.RecordID)
}

func (e *GossipEnvelope) Validate() error {
	if e.Kind < RecordCapability || e.Kind > RecordLiveness {
		return fmt.Errorf("envelope: unknown record kind %d", e.Kind)
	}
	if e.RecordID == "" {
		return fmt.Errorf("envelope: missing record id")
	}
	if !e.OriginNodeID.Valid() {
		return fmt.Errorf("envelope: invalid origin %q", e.OriginNodeID)
	}
	if len(e.RecordBytes) == 0 {
		return fmt.Errorf("envelope: empty record body")
	}
	if e.TTLHops < 0 || e.HopCount < 0 {
		return fmt.Errorf("envelope: negative hop fields")
	}
	return nil
}

// RouteEntry is one gradient-table row: reach capability CapabilityID by
// sending to NextHop. Entries are derived from observed gossip and decay
// without refresh.
type RouteEntry struct {
	CapabilityID  string        `json:"capability_id"`
	OwnerNodeID   NodeID        `json:"owner_node_id"`
	NextHop       NodeID        `json:"next_hop"`
	ViaTransport  TransportKind `json:"via_transport"`
	HopCount      int           `json:"hop_count"`
	LatencyMs     float64       `json:"latency_ms"`
	CostMult      float64       `json:"cost_multiplier"`
	Reliability   float64       `json:"reliability"`
	LastUpdated   time.Time     `json:"last_updated"`
	RetainedScore float64       `json:"score"`
}

// SavedMesh is one row of the saved-mesh store.
type SavedMesh struct {
	MeshID        MeshID     `cbor:"1,keyasint" json:"mesh_id"`
	MeshName      string     `cbor:"2,keyasint" json:"mesh_name"`
	MeshPubKey    []byte     `cbor:"3,keyasint" json:"mesh_pub_key"`
	FounderNodeID NodeID     `cbor:"4,keyasint" json:"founder_node_id"`
	RelayToken    string     `cbor:"5,keyasint,omitempty" json:"relay_token,omitempty"`
	Endpoints     []Endpoint `cbor:"6,keyasint,omitempty" json:"endpoints,omitempty"`
	JoinedAt      int64      `cbor:"7,keyasint" json:"joined_at"`         // unix millis
	LastConnected int64      `cbor:"8,keyasint" json:"last_connected"`    // unix millis
	AutoReconnect bool       `cbor:"9,keyasint" json:"auto_reconnect"`
}
