package bls

import (
	"fmt"
	"sync"

	"E3Kernel/internal/protocol"
)

// Collector gathers the committee signatures attesting one aggregated
// public key and aggregates them once every member signed.
// It is safe for concurrent use.
type Collector struct {
	e3      uint64
	message []byte
	members []protocol.Address
	keys    map[protocol.Address][]byte

	mu   sync.Mutex
	sigs map[protocol.Address][]byte
}

// NewCollector creates a collector for the committee of e3 attesting publicKey.
// keys returns each member's registered BLS key.
func NewCollector(e3 uint64, publicKey []byte, members []protocol.Address, keys func(protocol.Address) []byte) (*Collector, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("collect e3 %d: empty committee", e3)
	}

	c := &Collector{
		e3:      e3,
		message: CommitteeMessage(e3, publicKey),
		members: append([]protocol.Address(nil), members...),
		keys:    make(map[protocol.Address][]byte, len(members)),
		sigs:    make(map[protocol.Address][]byte, len(members)),
	}

	for _, m := range members {
		k := keys(m)
		if k == nil {
			return nil, fmt.Errorf("collect e3 %d: member %s has no key: %w", e3, m, protocol.ErrNotMember)
		}

		c.keys[m] = k
	}

	return c, nil
}

// Message returns the bytes every member signs.
func (c *Collector) Message() []byte {
	return c.message
}

// Add verifies and records a member signature. It reports whether
// every member has now signed. A repeated signature replaces the first.
func (c *Collector) Add(member protocol.Address, signature []byte) (bool, error) {
	key, ok := c.keys[member]
	if !ok {
		return false, fmt.Errorf("attest e3 %d by %s: %w", c.e3, member, protocol.ErrNotMember)
	}

	if !Verify(signature, c.message, key) {
		return false, fmt.Errorf("attest e3 %d by %s: %w", c.e3, member, protocol.ErrInvalidAttestation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sigs[member] = append([]byte(nil), signature...)

	return len(c.sigs) == len(c.members), nil
}

// Missing returns the members that have not signed yet, in committee order.
func (c *Collector) Missing() []protocol.Address {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []protocol.Address
	for _, m := range c.members {
		if _, ok := c.sigs[m]; !ok {
			out = append(out, m)
		}
	}

	return out
}

// Attestation aggregates the collected signatures in committee order.
func (c *Collector) Attestation() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sigs) != len(c.members) {
		return nil, fmt.Errorf("attest e3 %d: %d of %d signatures: %w", c.e3, len(c.sigs), len(c.members), protocol.ErrInvalidAttestation)
	}

	sigs := make([][]byte, len(c.members))
	for i, m := range c.members {
		sigs[i] = c.sigs[m]
	}

	return Aggregate(sigs)
}
