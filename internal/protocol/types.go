package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// AddressSize is the size of an account address in bytes.
const AddressSize = 20

// Address identifies an account: an operator, a requester, or a protocol role.
type Address [AddressSize]byte

// Hash is a 32-byte digest.
type Hash [32]byte

// ZeroAddress is the unset address.
var ZeroAddress Address

// ParseAddress parses a hex address with or without the 0x prefix.
func ParseAddress(s string) (Address, error) {
	var a Address

	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return a, fmt.Errorf("decode address %q: %w", s, err)
	}

	if len(raw) != AddressSize {
		return a, fmt.Errorf("invalid address length: got %d, want %d", len(raw), AddressSize)
	}

	copy(a[:], raw)

	return a, nil
}

// DeriveAddress derives a deterministic role address from a label.
// Address = first 20 bytes of BLAKE3("e3-address" || label).
func DeriveAddress(label string) Address {
	h := blake3.New()
	h.Write([]byte("e3-address"))
	h.Write([]byte(label))

	var sum Hash
	h.Sum(sum[:0])

	var a Address
	copy(a[:], sum[:AddressSize])

	return a
}

// String returns the 0x-prefixed hex form.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// String returns the hex form of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a 32-byte hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash

	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return h, fmt.Errorf("decode hash %q: %w", s, err)
	}

	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(raw), len(h))
	}

	copy(h[:], raw)

	return h, nil
}

// Digest returns BLAKE3 over the concatenation of parts.
func Digest(parts ...[]byte) Hash {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}

	var out Hash
	h.Sum(out[:0])

	return out
}

// MarshalText encodes the address in its String form.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// MarshalText encodes the hash in its String form.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses the String form.
func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

// UnmarshalText parses the String form.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}
