package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/mesh/common"
)

// Invite verification failures, matchable with errors.Is.
var (
	ErrBadSignature = common.E(common.KindInvalidSignature, "", nil)
	ErrExpired      = common.E(common.KindExpired, "", nil)
	ErrWrongMesh    = common.E(common.KindBadRequest, "", nil)
)

// InviteToken is a self-contained, offline-verifiable permission to join a
// mesh. Only the mesh key signs invites. The session nonce is not part of
// the signed body; LegacyNonce exists to verify tokens minted by older
// peers that still bind one in, and is covered by the signature when set.
type InviteToken struct {
	MeshID        common.MeshID     `cbor:"1,keyasint" json:"mesh_id"`
	MeshPubKey    []byte            `cbor:"2,keyasint" json:"mesh_pub_key"`
	IssuerNodeID  common.NodeID     `cbor:"3,keyasint" json:"issuer_node_id"`
	Grants        []string          `cbor:"4,keyasint,omitempty" json:"grants,omitempty"`
	Endpoints     []common.Endpoint `cbor:"5,keyasint,omitempty" json:"endpoints,omitempty"`
	CreatedAt     int64             `cbor:"6,keyasint" json:"created_at"`  // unix millis
	ExpiresAt     int64             `cbor:"7,keyasint" json:"expires_at"`  // unix millis
	LegacyNonce   []byte            `cbor:"8,keyasint,omitempty" json:"-"`
	Signature     []byte            `cbor:"9,keyasint,omitempty" json:"-"`
}

// SigningBytes is the deterministic encoding with the signature cleared.
func (t *InviteToken) SigningBytes() ([]byte, error) {
	cp := *t
	cp.Signature = nil
	return common.MarshalDeterministic(&cp)
}

// CreateInvite mints a token for the given mesh, valid from now for ttl.
func CreateInvite(meshID common.MeshID, meshPriv ed25519.PrivateKey, issuer common.NodeID,
	grants []string, endpoints []common.Endpoint, ttl time.Duration, now time.Time) (*InviteToken, error) {

	if ttl <= 0 {
		return nil, common.Ef(common.KindBadRequest, "create invite", "ttl must be positive, got %s", ttl)
	}
	tok := &InviteToken{
		MeshID:       meshID,
		MeshPubKey:   meshPriv.Public().(ed25519.PublicKey),
		IssuerNodeID: issuer,
		Grants:       grants,
		Endpoints:    endpoints,
		CreatedAt:    now.UnixMilli(),
		ExpiresAt:    now.Add(ttl).UnixMilli(),
	}
	body, err := tok.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}
	tok.Signature = ed25519.Sign(meshPriv, body)
	return tok, nil
}

// VerifyOptions tune invite acceptance.
type VerifyOptions struct {
	// AcceptLegacyNonce keeps tokens with the nonce bound into the signed
	// body verifiable during the migration window.
	AcceptLegacyNonce bool
}

// VerifyInvite checks a token against the expected mesh public key and the
// given clock. It needs nothing else: no network, no shared state.
func VerifyInvite(tok *InviteToken, meshPub ed25519.PublicKey, now time.Time, opts VerifyOptions) error {
	if !bytes.Equal(tok.MeshPubKey, meshPub) {
		return fmt.Errorf("verify invite for mesh %s: %w", tok.MeshID, ErrWrongMesh)
	}
	if len(tok.LegacyNonce) > 0 && !opts.AcceptLegacyNonce {
		return common.Ef(common.KindBadRequest, "verify invite", "legacy nonce layout no longer accepted")
	}
	body, err := tok.SigningBytes()
	if err != nil {
		return fmt.Errorf("verify invite: %w", err)
	}
	if !Verify(meshPub, body, tok.Signature) {
		return fmt.Errorf("verify invite for mesh %s: %w", tok.MeshID, ErrBadSignature)
	}
	if now.UnixMilli() >= tok.ExpiresAt {
		return fmt.Errorf("invite for mesh %s expired at %d: %w", tok.MeshID, tok.ExpiresAt, ErrExpired)
	}
	return nil
}

// EncodeInvite renders the token for out-of-band transfer.
func EncodeInvite(tok *InviteToken) (string, error) {
	b, err := common.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("encode invite: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeInvite parses the base64url form back into a token.
func DecodeInvite(s string) (*InviteToken, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, common.E(common.KindBadRequest, "decode invite", err)
	}
	var tok InviteToken
	if err := common.Unmarshal(b, &tok); err != nil {
		return nil, common.E(common.KindBadRequest, "decode invite", err)
	}
	if !tok.MeshID.Valid() || len(tok.MeshPubKey) != ed25519.PublicKeySize {
		return nil, common.Ef(common.KindBadRequest, "decode invite", "malformed token")
	}
	return &tok, nil
}
