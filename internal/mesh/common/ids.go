package common

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NodeID is the lowercase-hex form of a node's 16-byte identifier: the
// first 16 bytes of SHA-256 over the node's Ed25519 public key. An ID
// cannot be claimed without holding the matching private key.
type NodeID string

// MeshID is the lowercase-hex form of an 8-byte mesh identifier,
// generated once by the mesh founder.
type MeshID string

const (
	nodeIDBytes = 16
	meshIDBytes = 8
)

// NodeIDFromPublicKey derives the stable node identifier from a public key.
func NodeIDFromPublicKey(pub ed25519.PublicKey) NodeID {
	sum := sha256.Sum256(pub)
	return NodeID(hex.EncodeToString(sum[:nodeIDBytes]))
}

// NewMeshID generates a random mesh identifier.
func NewMeshID() (MeshID, error) {
	b := make([]byte, meshIDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate mesh id: %w", err)
	}
	return MeshID(hex.EncodeToString(b)), nil
}

func (n NodeID) String() string { return string(n) }

// Short returns the first 8 hex characters, used in log attributes.
func (n NodeID) Short() string { return ShortID(string(n)) }

func (n NodeID) Valid() bool {
	if len(n) != nodeIDBytes*2 {
		return false
	}
	_, err := hex.DecodeString(string(n))
	return err == nil
}

func (m MeshID) String() string { return string(m) }

func (m MeshID) Valid() bool {
	if len(m) != meshIDBytes*2 {
		return false
	}
	_, err := hex.DecodeString(string(m))
	return err == nil
}

// ParseNodeID validates the 32-char lowercase hex form.
func ParseNodeID(s string) (NodeID, error) {
	id := NodeID(s)
	if !id.Valid() {
		return "", fmt.Errorf("invalid node id %q", s)
	}
	return id, nil
}

// ParseMeshID validates the 16-char lowercase hex form.
func ParseMeshID(s string) (MeshID, error) {
	id := MeshID(s)
	if !id.Valid() {
		return "", fmt.Errorf("invalid mesh id %q", s)
	}
	return id, nil
}

// PairSessionID derives the relay session two peers share: both sides
// compute the same id from the unordered pair, so failover dials meet
// in one session instead of each peer waiting in its own.
func PairSessionID(a, b NodeID) string {
	lo, hi := a, b
	if hi < lo {
		lo, hi = hi, lo
	}
	sum := sha256.Sum256([]byte(string(lo) + ":" + string(hi)))
	return hex.EncodeToString(sum[:nodeIDBytes])
}

// ShortID truncates a hex identifier for log output.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
