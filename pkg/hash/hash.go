// Package hash defines the content hash that identifies every node in the
// DAG. A node's identity is the SHA-512 digest of its canonical byte
// encoding; two nodes with the same structural content always share the
// same hash.
package hash

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
)

// Size is the digest width in bytes.
const Size = sha512.Size

// Hash is a fixed-width content digest.
type Hash [Size]byte

// Zero is the all-zero hash. It never identifies a stored node.
var Zero Hash

// Sum computes the content hash of the given canonical bytes.
func Sum(data []byte) Hash {
	return sha512.Sum512(data)
}

// FromHex parses a hex-encoded hash.
func FromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parse hash: %w", err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("parse hash: expected %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Zero
}

// Bytes returns the digest as a slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated hex form for log output.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:6])
}

// Compare orders hashes bytewise.
func Compare(a, b Hash) int {
	return bytes.Compare(a[:], b[:])
}
