// Package merkle implements a lean incremental Merkle tree over BLAKE3.
//
// A parent is H(left || right) when both children exist and equals the
// left child otherwise, so the tree never pads with zero subtrees.
// Removing a leaf overwrites it with the zero hash.
package merkle

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"E3Kernel/internal/protocol"
)

var (
	ErrZeroLeaf     = errors.New("zero leaf")
	ErrLeafExists   = errors.New("leaf already in tree")
	ErrOutOfRange   = errors.New("leaf index out of range")
	ErrLeafNotFound = errors.New("leaf not found")
)

// Proof is a membership proof for one leaf.
type Proof struct {
	Index    int             // Index is the leaf position
	Leaf     protocol.Hash   // Leaf is the proven value
	Siblings []protocol.Hash // Siblings are the existing sibling nodes, leaf to root
	Right    []bool          // Right[i] is true when the path node is a right child at Siblings[i]
}

// Tree is a lean incremental Merkle tree.
type Tree struct {
	levels [][]protocol.Hash
	index  map[protocol.Hash]int
}

// New creates an empty tree.
func New() *Tree {
	return &Tree{
		levels: [][]protocol.Hash{nil},
		index:  make(map[protocol.Hash]int),
	}
}

// HashPair combines two nodes.
func HashPair(left, right protocol.Hash) protocol.Hash {
	h := blake3.New()
	h.Write(left[:])
	h.Write(right[:])

	var out protocol.Hash
	h.Sum(out[:0])

	return out
}

// Size returns the number of leaf slots, including removed ones.
func (t *Tree) Size() int {
	return len(t.levels[0])
}

// Depth returns the number of levels above the leaves.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}

// Root returns the current root, or the zero hash for an empty tree.
func (t *Tree) Root() protocol.Hash {
	top := t.levels[len(t.levels)-1]
	if len(top) == 0 {
		return protocol.Hash{}
	}

	return top[0]
}

// Insert appends a leaf and returns its index.
func (t *Tree) Insert(leaf protocol.Hash) (int, error) {
	if leaf.IsZero() {
		return 0, ErrZeroLeaf
	}

	if _, ok := t.index[leaf]; ok {
		return 0, fmt.Errorf("insert %s: %w", leaf, ErrLeafExists)
	}

	i := len(t.levels[0])
	t.levels[0] = append(t.levels[0], leaf)
	t.index[leaf] = i
	t.recompute(i)

	return i, nil
}

// Update replaces the leaf at index.
func (t *Tree) Update(index int, leaf protocol.Hash) error {
	if index < 0 || index >= len(t.levels[0]) {
		return fmt.Errorf("update %d: %w", index, ErrOutOfRange)
	}

	if !leaf.IsZero() {
		if at, ok := t.index[leaf]; ok && at != index {
			return fmt.Errorf("update %d to %s: %w", index, leaf, ErrLeafExists)
		}
	}

	old := t.levels[0][index]
	if !old.IsZero() {
		delete(t.index, old)
	}

	t.levels[0][index] = leaf
	if !leaf.IsZero() {
		t.index[leaf] = index
	}
	t.recompute(index)

	return nil
}

// Remove zeroes the leaf at index.
func (t *Tree) Remove(index int) error {
	return t.Update(index, protocol.Hash{})
}

// IndexOf returns the position of a present leaf.
func (t *Tree) IndexOf(leaf protocol.Hash) (int, bool) {
	i, ok := t.index[leaf]

	return i, ok
}

// Has reports whether a leaf is present.
func (t *Tree) Has(leaf protocol.Hash) bool {
	_, ok := t.index[leaf]

	return ok
}

// GenerateProof builds the proof for the leaf at index.
func (t *Tree) GenerateProof(index int) (Proof, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return Proof{}, fmt.Errorf("proof %d: %w", index, ErrOutOfRange)
	}

	p := Proof{Index: index, Leaf: t.levels[0][index]}

	i := index
	for l := 0; l < len(t.levels)-1; l++ {
		sib := i ^ 1
		if sib < len(t.levels[l]) {
			p.Siblings = append(p.Siblings, t.levels[l][sib])
			p.Right = append(p.Right, i%2 == 1)
		}
		i /= 2
	}

	return p, nil
}

// Verify checks a proof against a root.
func Verify(root protocol.Hash, p Proof) bool {
	if len(p.Siblings) != len(p.Right) || p.Leaf.IsZero() {
		return false
	}

	node := p.Leaf
	for i, sib := range p.Siblings {
		if p.Right[i] {
			node = HashPair(sib, node)
		} else {
			node = HashPair(node, sib)
		}
	}

	return node == root
}

// recompute refreshes every ancestor of the leaf at index.
func (t *Tree) recompute(index int) {
	for l := 0; len(t.levels[l]) > 1; l++ {
		if l+1 == len(t.levels) {
			t.levels = append(t.levels, nil)
		}

		level := t.levels[l]
		p := index / 2

		node := level[2*p]
		if 2*p+1 < len(level) {
			node = HashPair(node, level[2*p+1])
		}

		if p < len(t.levels[l+1]) {
			t.levels[l+1][p] = node
		} else {
			t.levels[l+1] = append(t.levels[l+1], node)
		}

		index = p
	}
}

// Leaves returns a copy of every leaf slot in order.
func (t *Tree) Leaves() []protocol.Hash {
	return append([]protocol.Hash(nil), t.levels[0]...)
}

// FromLeaves rebuilds a tree from its leaf slots.
func FromLeaves(leaves []protocol.Hash) *Tree {
	t := New()

	for i, leaf := range leaves {
		t.levels[0] = append(t.levels[0], leaf)
		if !leaf.IsZero() {
			t.index[leaf] = i
		}
		t.recompute(i)
	}

	return t
}
