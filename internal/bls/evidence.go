package bls

import (
	"encoding/binary"
	"fmt"

	"E3Kernel/internal/protocol"
)

// equivocationSize is slot + two digests + two signatures.
const equivocationSize = 8 + 32 + 32 + SignatureSize + SignatureSize

// Equivocation is evidence that one member signed two different digests
// for the same slot of an E3.
type Equivocation struct {
	Slot    uint64
	DigestA protocol.Hash
	DigestB protocol.Hash
	SigA    []byte
	SigB    []byte
}

// Encode returns the fixed-size wire form.
func (e Equivocation) Encode() []byte {
	out := make([]byte, 0, equivocationSize)
	out = binary.BigEndian.AppendUint64(out, e.Slot)
	out = append(out, e.DigestA[:]...)
	out = append(out, e.DigestB[:]...)
	out = append(out, pad(e.SigA)...)
	out = append(out, pad(e.SigB)...)

	return out
}

func pad(sig []byte) []byte {
	out := make([]byte, SignatureSize)
	copy(out, sig)

	return out
}

// DecodeEquivocation parses the wire form.
func DecodeEquivocation(b []byte) (Equivocation, error) {
	if len(b) != equivocationSize {
		return Equivocation{}, fmt.Errorf("equivocation evidence is %d bytes, want %d", len(b), equivocationSize)
	}

	var e Equivocation
	e.Slot = binary.BigEndian.Uint64(b[:8])
	copy(e.DigestA[:], b[8:40])
	copy(e.DigestB[:], b[40:72])
	e.SigA = append([]byte(nil), b[72:72+SignatureSize]...)
	e.SigB = append([]byte(nil), b[72+SignatureSize:]...)

	return e, nil
}

// Valid reports whether the evidence proves the holder of publicKey
// signed two different digests for the same slot of e3.
func (e Equivocation) Valid(e3 uint64, publicKey []byte) bool {
	if e.DigestA == e.DigestB {
		return false
	}

	return Verify(e.SigA, VoteMessage(e3, e.Slot, e.DigestA), publicKey) &&
		Verify(e.SigB, VoteMessage(e3, e.Slot, e.DigestB), publicKey)
}
