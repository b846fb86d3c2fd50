// Package types defines the core content-addressing type shared by the
// merkle tree store and its callers.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// HashSize is the length in bytes of a Hash.
const HashSize = 32

// ErrInvalidHash is returned when a hash has invalid length.
var ErrInvalidHash = errors.New("invalid hash: must be 32 bytes")

// Hash is a 32-byte content-addressed identifier. It is used both as a
// block hash (the store's primary key) and as a general-purpose digest
// for leaf and node values inside a Merkle tree.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	data, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromHex parses a hex-encoded hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	data, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hex decode: %w", err)
	}
	if len(data) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], data)
	return h, nil
}

// HashFromBytes creates a Hash from a byte slice.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrInvalidHash
	}
	copy(h[:], b)
	return h, nil
}

// String returns the base58-encoded representation.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Hex returns the hex-encoded representation.
func (h Hash) Hex() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Equals returns true if two hashes are equal.
func (h Hash) Equals(other Hash) bool {
	return h == other
}

// Bytes returns the hash as a byte slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromBase58(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
