package common

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// FrameType is the top-level wire discriminator.
type FrameType uint8

const (
	FrameHandshake       FrameType = 0x01
	FrameHandshakeAck    FrameType = 0x02
	FrameHeartbeat       FrameType = 0x03
	FrameGossip          FrameType = 0x04
	FrameAntiEntropyReq  FrameType = 0x05
	FrameAntiEntropyResp FrameType = 0x06
	FrameIntentRequest   FrameType = 0x07
	FrameIntentResponse  FrameType = 0x08
	FrameTransportSwitch FrameType = 0x09
	FrameRevocation      FrameType = 0x0A
)

func (t FrameType) String() string {
	switch t {
	case FrameHandshake:
		return "handshake"
	case FrameHandshakeAck:
		return "handshake_ack"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameGossip:
		return "gossip"
	case FrameAntiEntropyReq:
		return "anti_entropy_req"
	case FrameAntiEntropyResp:
		return "anti_entropy_resp"
	case FrameIntentRequest:
		return "intent_request"
	case FrameIntentResponse:
		return "intent_response"
	case FrameTransportSwitch:
		return "transport_switch"
	case FrameRevocation:
		return "revocation"
	default:
		return fmt.Sprintf("frame_0x%02x", uint8(t))
	}
}

// Per-transport frame ceilings, applied to the CBOR body before the
// length prefix. UDP frames above their ceiling are fragmented below the
// frame layer; BLE payloads use a 1-byte length prefix instead of u32.
const (
	MaxFrameStream = 1 << 20 // LAN and relay
	MaxFrameUDP    = 4 * 1024
	MaxFrameBLE    = 220
)

// Frame is the outermost wire envelope: a CBOR map of type and payload.
type Frame struct {
	Type    FrameType       `cbor:"1,keyasint"`
	Payload cbor.RawMessage `cbor:"2,keyasint"`
}

// EncodeFrame wraps a payload struct into serialized frame bytes, without
// the stream length prefix.
func EncodeFrame(t FrameType, payload any) ([]byte, error) {
	body, err := Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	b, err := Marshal(&Frame{Type: t, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return b, nil
}

// DecodeFrame parses serialized frame bytes into the discriminator and the
// still-encoded payload.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type < FrameHandshake || f.Type > FrameRevocation {
		return Frame{}, &Error{Kind: KindBadRequest, Op: "decode frame", Err: fmt.Errorf("unknown frame type 0x%02x", uint8(f.Type))}
	}
	return f, nil
}

// DecodePayload unmarshals a frame payload into its typed struct.
func DecodePayload(f Frame, v any) error {
	if err := Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// WriteFrame writes one u32 big-endian length-prefixed frame.
func WriteFrame(w io.Writer, frame []byte, maxSize int) error {
	if len(frame) > maxSize {
		return &Error{Kind: KindBadRequest, Op: "write frame", Err: fmt.Errorf("frame %d bytes exceeds %d", len(frame), maxSize)}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one u32 big-endian length-prefixed frame. Oversized
// lengths fail without consuming the body, so a bad peer cannot make the
// reader allocate unbounded memory.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, &Error{Kind: KindBadRequest, Op: "read frame", Err: fmt.Errorf("zero-length frame")}
	}
	if int(n) > maxSize {
		return nil, &Error{Kind: KindBadRequest, Op: "read frame", Err: fmt.Errorf("frame %d bytes exceeds %d", n, maxSize)}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

// SessionAuth is the per-connection proof of identity. Replay protection
// is keyed (nonce, node id): the same node may present its nonce again on
// reconnect, a different node presenting a seen nonce is rejected.
type SessionAuth struct {
	NodeID    NodeID `cbor:"1,keyasint" json:"node_id"`
	Nonce     []byte `cbor:"2,keyasint" json:"nonce"`
	Timestamp int64  `cbor:"3,keyasint" json:"timestamp"` // unix millis
	Signature []byte `cbor:"4,keyasint" json:"-"`
}

// SigningBytes is nonce followed by the big-endian timestamp.
func (a *SessionAuth) SigningBytes() []byte {
	b := make([]byte, 0, len(a.Nonce)+8)
	b = append(b, a.Nonce...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(a.Timestamp))
	return append(b, ts[:]...)
}

// Handshake opens every connection; the receiver learns the peer's key and
// verifies the session auth before any other frame is accepted.
type Handshake struct {
	NodeID     NodeID      `cbor:"1,keyasint" json:"node_id"`
	PublicKey  []byte      `cbor:"2,keyasint" json:"public_key"`
	MeshID     MeshID      `cbor:"3,keyasint" json:"mesh_id"`
	Auth       SessionAuth `cbor:"4,keyasint" json:"auth"`
	CapsDigest []byte      `cbor:"5,keyasint,omitempty" json:"caps_digest,omitempty"`
}

type HandshakeAck struct {
	NodeID    NodeID      `cbor:"1,keyasint" json:"node_id"`
	PublicKey []byte      `cbor:"2,keyasint" json:"public_key"`
	Auth      SessionAuth `cbor:"3,keyasint" json:"auth"`
}

// Heartbeat keeps a (peer, transport) pair alive. AckSeq echoes the
// highest sequence received from the other side; matching it against our
// send times yields an RTT sample without synchronized clocks.
type Heartbeat struct {
	NodeID    NodeID        `cbor:"1,keyasint" json:"node_id"`
	Transport TransportKind `cbor:"2,keyasint" json:"transport"`
	Sequence  uint64        `cbor:"3,keyasint" json:"sequence"`
	AckSeq    uint64        `cbor:"4,keyasint" json:"ack_seq"`
	CostMult  float64       `cbor:"5,keyasint" json:"cost_multiplier"`
	PeerCount int           `cbor:"6,keyasint" json:"peer_count"`
	SentAt    int64         `cbor:"7,keyasint" json:"sent_at"` // unix millis
	Signature []byte        `cbor:"8,keyasint" json:"-"`
}

func (h *Heartbeat) SigningBytes() ([]byte, error) {
	cp := *h
	cp.Signature = nil
	return MarshalDeterministic(&cp)
}

// Digest summarizes a node's gossip state for anti-entropy: highest known
// version per record lineage, plus a rollup hash for cheap equality.
type Digest struct {
	Entries map[string]uint64 `cbor:"1,keyasint" json:"entries"`
	Rollup  []byte            `cbor:"2,keyasint" json:"rollup"`
}

type AntiEntropyReq struct {
	Digest Digest `cbor:"1,keyasint" json:"digest"`
}

// AntiEntropyResp carries both directions of the repair: envelopes the
// responder is ahead on, and lineage keys it wants from the requester.
type AntiEntropyResp struct {
	Missing []GossipEnvelope `cbor:"1,keyasint,omitempty" json:"missing,omitempty"`
	Want    []string         `cbor:"2,keyasint,omitempty" json:"want,omitempty"`
}

// IntentConstraints are the hard filters a caller may attach to a route
// request. Zero values mean unconstrained.
type IntentConstraints struct {
	LocalOnly    bool     `cbor:"1,keyasint,omitempty" json:"local_only,omitempty"`
	RequireGPU   bool     `cbor:"2,keyasint,omitempty" json:"require_gpu,omitempty"`
	MaxLatencyMs float64  `cbor:"3,keyasint,omitempty" json:"max_latency_ms,omitempty"`
	ExcludeNodes []NodeID `cbor:"4,keyasint,omitempty" json:"exclude_nodes,omitempty"`
	MaxHops      int      `cbor:"5,keyasint,omitempty" json:"max_hops,omitempty"`
}

// IntentRequest asks the receiver to execute intent against the named
// capability before Deadline.
type IntentRequest struct {
	RequestID    string            `cbor:"1,keyasint" json:"request_id"`
	OriginNodeID NodeID            `cbor:"2,keyasint" json:"origin_node_id"`
	CapabilityID string            `cbor:"3,keyasint" json:"capability_id"`
	Intent       string            `cbor:"4,keyasint" json:"intent"`
	Context      map[string]string `cbor:"5,keyasint,omitempty" json:"context,omitempty"`
	Constraints  IntentConstraints `cbor:"6,keyasint,omitempty" json:"constraints,omitempty"`
	Deadline     int64             `cbor:"7,keyasint" json:"deadline"` // unix millis
	Signature    []byte            `cbor:"8,keyasint" json:"-"`
}

func (r *IntentRequest) SigningBytes() ([]byte, error) {
	cp := *r
	cp.Signature = nil
	return MarshalDeterministic(&cp)
}

// IntentStatus is the remote executor's verdict.
type IntentStatus string

const (
	IntentOK                IntentStatus = "ok"
	IntentBusy              IntentStatus = "busy"
	IntentUnknownCapability IntentStatus = "unknown_capability"
	IntentError             IntentStatus = "error"
)

type IntentResponse struct {
	RequestID string       `cbor:"1,keyasint" json:"request_id"`
	NodeID    NodeID       `cbor:"2,keyasint" json:"node_id"`
	Status    IntentStatus `cbor:"3,keyasint" json:"status"`
	Result    []byte       `cbor:"4,keyasint,omitempty" json:"result,omitempty"`
	Error     string       `cbor:"5,keyasint,omitempty" json:"error,omitempty"`
	Signature []byte       `cbor:"6,keyasint" json:"-"`
}

func (r *IntentResponse) SigningBytes() ([]byte, error) {
	cp := *r
	cp.Signature = nil
	return MarshalDeterministic(&cp)
}

// TransportSwitch informs the peer that subsequent traffic arrives over a
// different transport, so it can rebind ordering expectations.
type TransportSwitch struct {
	NodeID    NodeID        `cbor:"1,keyasint" json:"node_id"`
	Old       TransportKind `cbor:"2,keyasint" json:"old"`
	New       TransportKind `cbor:"3,keyasint" json:"new"`
	At        int64         `cbor:"4,keyasint" json:"at"` // unix millis
	Signature []byte        `cbor:"5,keyasint" json:"-"`
}

func (s *TransportSwitch) SigningBytes() ([]byte, error) {
	cp := *s
	cp.Signature = nil
	return MarshalDeterministic(&cp)
}
