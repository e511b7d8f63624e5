package common

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how callers should react, not by where they
// came from.
type Kind int

const (
	// KindTransient covers transport blips, timeouts, and busy peers.
	// Retried within the caller's budget.
	KindTransient Kind = iota + 1
	// KindPeerUnreachable means every transport to the peer failed.
	KindPeerUnreachable
	// KindInvalidSignature marks records or frames that fail verification.
	KindInvalidSignature
	// KindExpired marks tokens or records past their validity window.
	KindExpired
	// KindRevoked marks records from a node the mesh key has revoked.
	KindRevoked
	// KindNoCapableNode means routing found no candidate at all.
	KindNoCapableNode
	// KindAllRetriesFailed means candidates existed but every attempt failed.
	KindAllRetriesFailed
	// KindBadRequest covers malformed frames and invalid parameters.
	KindBadRequest
	// KindReplayMismatch marks a session nonce presented by a different node.
	KindReplayMismatch
	// KindFatal short-circuits the runtime: keystore corruption, port in use.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPeerUnreachable:
		return "peer_unreachable"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindExpired:
		return "expired"
	case KindRevoked:
		return "revoked"
	case KindNoCapableNode:
		return "no_capable_node"
	case KindAllRetriesFailed:
		return "all_retries_failed"
	case KindBadRequest:
		return "bad_request"
	case KindReplayMismatch:
		return "replay_mismatch"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare kind sentinel.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Op == "" && other.Err == nil && other.Kind == e.Kind
	}
	return false
}

// E builds a kinded error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a kinded error from a format string.
func Ef(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain, defaulting to transient
// for plain errors so unknown failures stay retryable.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the router may try another candidate after
// this failure.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindPeerUnreachable:
		return true
	default:
		return false
	}
}
