// Package sequence implements the 8-byte monotonic counters carried by
// continuous authentication messages.
package sequence

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

const (
	// Size is the size of a sequence number in bytes.
	Size = 8
)

// Zero is an uninitialized sequence number.
var Zero = Number{}

// Number is a 64-bit counter treated as a big-endian integer. On the wire it
// is always transferred length-prefixed with length 8.
type Number [Size]byte

// Random returns a sequence number seeded from the CSPRNG. Each side seeds
// its own outgoing counter per session to avoid cross-session replay; a
// zero seed is rerolled so seeded counters are distinguishable from an
// uninitialized Number.
func Random() (Number, error) {
	var n Number
	for {
		if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
			return Zero, fmt.Errorf("seed sequence number: %w", err)
		}
		if n != Zero {
			return n, nil
		}
	}
}

// FromBytes creates a Number from a byte slice.
func FromBytes(b []byte) (Number, error) {
	if len(b) != Size {
		return Zero, fmt.Errorf("invalid sequence number length: got %d bytes, expected %d", len(b), Size)
	}
	var n Number
	copy(n[:], b)
	return n, nil
}

// Bytes returns the Number as a byte slice.
func (n Number) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, n[:])
	return b
}

// Increment adds one to the counter, rippling the carry through the
// big-endian bytes. Wrapping past 2^64 is not part of the protocol;
// sessions are expected to rotate long before it can happen.
func (n *Number) Increment() {
	for i := Size - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}

// Equal reports whether two counters hold the same value. The comparison is
// constant time.
func (n Number) Equal(other Number) bool {
	return subtle.ConstantTimeCompare(n[:], other[:]) == 1
}

// IsZero reports whether the counter is uninitialized.
func (n Number) IsZero() bool {
	return n == Zero
}

// String returns the hex representation of the counter.
func (n Number) String() string {
	return hex.EncodeToString(n[:])
}
