package verifier

import (
	"context"
	"fmt"

	"E3Kernel/internal/bls"
	"E3Kernel/internal/protocol"
)

// KeyLookup resolves an operator's attestation key.
type KeyLookup func(operator protocol.Address) []byte

// Equivocation verifies double-signing evidence: the payload proof is a
// bls.Equivocation by the payload subject for the payload E3.
type Equivocation struct {
	keys KeyLookup
}

// NewEquivocation creates an equivocation verifier.
func NewEquivocation(keys KeyLookup) *Equivocation {
	return &Equivocation{keys: keys}
}

// Verify implements Verifier.
func (v *Equivocation) Verify(_ context.Context, payload []byte) (bool, error) {
	p, err := DecodePayload(payload)
	if err != nil {
		return false, err
	}

	key := v.keys(p.Subject)
	if len(key) == 0 {
		return false, nil
	}

	ev, err := bls.DecodeEquivocation(p.Proof)
	if err != nil {
		return false, fmt.Errorf("equivocation by %s:\n%w", p.Subject, err)
	}

	return ev.Valid(p.E3, key), nil
}
