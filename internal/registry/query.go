package registry

import (
	"bytes"
	"fmt"
	"sort"

	"E3Kernel/internal/merkle"
	"E3Kernel/internal/protocol"
)

// Root returns the current membership root.
func (r *Registry) Root() protocol.Hash {
	return r.tree.Root()
}

// Size returns the number of leaf slots, including removed nodes.
func (r *Registry) Size() int {
	return r.tree.Size()
}

// RootAt returns the membership root snapshotted for e3.
func (r *Registry) RootAt(id uint64) (protocol.Hash, bool) {
	s, ok := r.roots[id]

	return s.Root, ok
}

// IsEnabled reports whether node is currently in the tree.
func (r *Registry) IsEnabled(node protocol.Address) bool {
	return r.tree.Has(Leaf(node))
}

// AttestationKey returns the BLS key registered for node.
func (r *Registry) AttestationKey(node protocol.Address) []byte {
	return r.keys[node]
}

// GenerateProof builds a membership proof of node against the current root.
func (r *Registry) GenerateProof(node protocol.Address) (merkle.Proof, error) {
	index, ok := r.tree.IndexOf(Leaf(node))
	if !ok {
		return merkle.Proof{}, fmt.Errorf("proof for %s: %w", node, protocol.ErrNotMember)
	}

	return r.tree.GenerateProof(index)
}

// VerifyMembership checks that node was enabled when e3 requested its committee.
func (r *Registry) VerifyMembership(id uint64, node protocol.Address, proof merkle.Proof) bool {
	root, ok := r.RootAt(id)
	if !ok || proof.Leaf != Leaf(node) {
		return false
	}

	return merkle.Verify(root, proof)
}

// CommitteePublicKey returns the published public key of e3.
func (r *Registry) CommitteePublicKey(id uint64) ([]byte, bool) {
	c, ok := r.committees[id]
	if !ok {
		return nil, false
	}

	return c.PublicKey, true
}

// Committee returns the published committee of e3.
func (r *Registry) Committee(id uint64) (Committee, bool) {
	c, ok := r.committees[id]
	if !ok {
		return Committee{}, false
	}

	out := *c
	out.Members = append([]protocol.Address(nil), c.Members...)

	return out, true
}

// Export returns the serializable state.
func (r *Registry) Export() State {
	s := State{Leaves: r.tree.Leaves()}

	for node, key := range r.keys {
		s.Keys = append(s.Keys, Member{Node: node, Key: key})
	}
	sort.Slice(s.Keys, func(i, j int) bool {
		return bytes.Compare(s.Keys[i].Node[:], s.Keys[j].Node[:]) < 0
	})

	for _, snap := range r.roots {
		s.Roots = append(s.Roots, snap)
	}
	sort.Slice(s.Roots, func(i, j int) bool { return s.Roots[i].E3 < s.Roots[j].E3 })

	for _, c := range r.committees {
		s.Committees = append(s.Committees, *c)
	}
	sort.Slice(s.Committees, func(i, j int) bool { return s.Committees[i].E3 < s.Committees[j].E3 })

	return s
}

// Import replaces the state.
func (r *Registry) Import(s State) {
	r.tree = merkle.FromLeaves(s.Leaves)
	r.keys = make(map[protocol.Address][]byte, len(s.Keys))
	r.roots = make(map[uint64]RootSnapshot, len(s.Roots))
	r.committees = make(map[uint64]*Committee, len(s.Committees))

	for _, m := range s.Keys {
		r.keys[m.Node] = m.Key
	}

	for _, snap := range s.Roots {
		r.roots[snap.E3] = snap
	}

	for _, c := range s.Committees {
		c := c
		r.committees[c.E3] = &c
	}
}
