// Package commitment builds and checks one-way hash commitments over ordered byte tuples.
//
// A commitment is Keccak-256 over the concatenation of every part, each prefixed
// with its length as a big-endian uint64, so ("ab","c") and ("a","bc") never collide.
package commitment

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Size is the byte length of a commitment.
const Size = 32

// NonceSize is the byte length of nonces produced by NewNonce.
const NonceSize = 32

// Commitment is a Keccak-256 digest binding a tuple of secret values.
type Commitment [Size]byte

// Zero is the unset commitment.
var Zero Commitment

// Commit hashes the ordered parts into a commitment.
func Commit(parts ...[]byte) Commitment {
	h := sha3.NewLegacyKeccak256()
	var lenBuf [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(p)))
		h.Write(lenBuf[:])
		h.Write(p)
	}
	var c Commitment
	h.Sum(c[:0])
	return c
}

// Verify recomputes the commitment over parts and compares it in constant time.
func Verify(c Commitment, parts ...[]byte) bool {
	got := Commit(parts...)
	return subtle.ConstantTimeCompare(c[:], got[:]) == 1
}

// Equal compares two commitments in constant time.
func Equal(a, b Commitment) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// Identity commits to a single identity, as used for supervisor commitments.
func Identity(id string) Commitment {
	return Commit([]byte(id))
}

// Bid commits to a contractor identity together with a nonce of their choosing.
func Bid(id string, nonce []byte) Commitment {
	return Commit([]byte(id), nonce)
}

// NewNonce returns NonceSize random bytes.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return n, nil
}

// IsZero reports whether c is unset.
func (c Commitment) IsZero() bool {
	return c == Zero
}

func (c Commitment) String() string {
	return "0x" + hex.EncodeToString(c[:])
}

// Bytes returns a copy of the digest.
func (c Commitment) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, c[:])
	return b
}

func (c Commitment) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Commitment) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Parse decodes a hex commitment, with or without a 0x prefix.
func Parse(s string) (Commitment, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return Zero, fmt.Errorf("invalid commitment %q: %w", s, err)
	}
	return FromBytes(raw)
}

// FromBytes copies a Size-byte digest into a commitment.
func FromBytes(b []byte) (Commitment, error) {
	var c Commitment
	if len(b) != Size {
		return Zero, fmt.Errorf("invalid commitment length %d, want %d", len(b), Size)
	}
	copy(c[:], b)
	return c, nil
}
