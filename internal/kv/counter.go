package kv

import (
	"encoding/binary"
	"fmt"
)

const counterSize = 8

// EncodeDelta maps a signed delta onto the unsigned accumulator domain.
//
// AddUnsigned has no subtraction, so a negative delta is sent as its two's complement
// modulo 2^64: adding 2^64-1 to an accumulator is the same as subtracting one, once the
// accumulator is read back through DecodeCounter.
func EncodeDelta(delta int64) uint64 {
	return uint64(delta)
}

// DecodeCounter reads an accumulator value as a signed count.
func DecodeCounter(raw []byte) (int64, error) {
	value, err := decodeUnsigned(raw)
	if err != nil {
		return 0, err
	}
	return int64(value), nil
}

func encodeUnsigned(value uint64) []byte {
	raw := make([]byte, counterSize)
	binary.BigEndian.PutUint64(raw, value)
	return raw
}

func decodeUnsigned(raw []byte) (uint64, error) {
	if len(raw) != counterSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrNotCounter, len(raw))
	}
	return binary.BigEndian.Uint64(raw), nil
}

// addUnsigned applies a mutation to the current raw value, treating a missing value as zero.
func addUnsigned(current []byte, exists bool, delta uint64) ([]byte, error) {
	var base uint64
	if exists {
		value, err := decodeUnsigned(current)
		if err != nil {
			return nil, err
		}
		base = value
	}
	return encodeUnsigned(base + delta), nil
}
