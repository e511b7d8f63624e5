// Package identity holds the node's Ed25519 key material and the
// offline-verifiable invite scheme. A node's identity is its public key;
// the node id is derived from it, so neither can be spoofed independently.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// Identity is a node's signing key pair plus the derived node id.
type Identity struct {
	nodeID common.NodeID
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{nodeID: common.NodeIDFromPublicKey(pub), pub: pub, priv: priv}, nil
}

// FromSeed rebuilds an identity from a persisted 32-byte seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, common.Ef(common.KindFatal, "identity from seed", "seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{nodeID: common.NodeIDFromPublicKey(pub), pub: pub, priv: priv}, nil
}

func (id *Identity) NodeID() common.NodeID { return id.nodeID }

func (id *Identity) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, len(id.pub))
	copy(out, id.pub)
	return out
}

// Seed exposes the private seed for keystore persistence only.
func (id *Identity) Seed() []byte {
	return id.priv.Seed()
}

// Sign signs arbitrary bytes with the node key.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// Verify checks a signature against any public key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// NewNonce returns a random 16-byte session nonce.
func NewNonce() ([]byte, error) {
	n := make([]byte, 16)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// NewSessionAuth builds and signs the per-connection auth envelope.
func (id *Identity) NewSessionAuth(nowMillis int64) (common.SessionAuth, error) {
	nonce, err := NewNonce()
	if err != nil {
		return common.SessionAuth{}, err
	}
	auth := common.SessionAuth{NodeID: id.nodeID, Nonce: nonce, Timestamp: nowMillis}
	auth.Signature = id.Sign(auth.SigningBytes())
	return auth, nil
}

// VerifySessionAuth checks the auth signature and that the embedded node
// id matches the presented public key.
func VerifySessionAuth(auth *common.SessionAuth, pub ed25519.PublicKey) error {
	if common.NodeIDFromPublicKey(pub) != auth.NodeID {
		return common.Ef(common.KindInvalidSignature, "session auth", "node id %s does not match public key", auth.NodeID.Short())
	}
	if !Verify(pub, auth.SigningBytes(), auth.Signature) {
		return common.Ef(common.KindInvalidSignature, "session auth", "bad signature from %s", auth.NodeID.Short())
	}
	return nil
}
