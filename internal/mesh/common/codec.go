package common

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Two encoders: the wire encoder for frames, and the deterministic core
// encoder for anything that gets signed, so signing bytes are identical on
// every node regardless of map iteration order.
var (
	wireEncMode cbor.EncMode
	detEncMode  cbor.EncMode
	wireDecMode cbor.DecMode
)

func init() {
	var err error
	wireEncMode, err = cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor wire enc mode: %v", err))
	}
	detEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor det enc mode: %v", err))
	}
	wireDecMode, err = cbor.DecOptions{
		MaxArrayElements: 65536,
		MaxMapPairs:      65536,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor dec mode: %v", err))
	}
}

// Marshal encodes a value for the wire.
func Marshal(v any) ([]byte, error) {
	b, err := wireEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor marshal: %w", err)
	}
	return b, nil
}

// MarshalDeterministic encodes a value with the deterministic core rules.
// Used for signing bytes and digests.
func MarshalDeterministic(v any) ([]byte, error) {
	b, err := detEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor det marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes wire bytes with bounded decode limits.
func Unmarshal(b []byte, v any) error {
	if err := wireDecMode.Unmarshal(b, v); err != nil {
		return fmt.Errorf("cbor unmarshal: %w", err)
	}
	return nil
}
