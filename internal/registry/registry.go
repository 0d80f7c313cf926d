// Package registry maintains the ciphernode membership tree, snapshots
// its root per E3 and bridges committee formation to sortition.
package registry

import (
	"fmt"

	"E3Kernel/internal/bls"
	"E3Kernel/internal/events"
	"E3Kernel/internal/merkle"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/sortition"
)

// Roles are the accounts the registry acts as or trusts.
type Roles struct {
	Self        protocol.Address // Self is the registry's own identity towards sortition
	Bonding     protocol.Address // Bonding may add and remove nodes
	Coordinator protocol.Address // Coordinator requests and publishes committees
}

// Committee is a published committee of one E3.
type Committee struct {
	E3            uint64
	Members       []protocol.Address
	PublicKey     []byte
	PublicKeyHash protocol.Hash
}

// Member is one node attestation key.
type Member struct {
	Node protocol.Address
	Key  []byte
}

// RootSnapshot is the membership root captured when a committee was requested.
type RootSnapshot struct {
	E3   uint64
	Root protocol.Hash
	Size int
}

// State is the serializable form of the registry.
type State struct {
	Leaves     []protocol.Hash
	Keys       []Member
	Roots      []RootSnapshot
	Committees []Committee
}

// Registry is the ciphernode registry.
type Registry struct {
	params    *params.Params
	sortition *sortition.Sortition
	roles     Roles
	emitter   events.Emitter

	tree       *merkle.Tree
	keys       map[protocol.Address][]byte
	roots      map[uint64]RootSnapshot
	committees map[uint64]*Committee
}

// New creates an empty registry.
func New(p *params.Params, s *sortition.Sortition, roles Roles, emitter events.Emitter) *Registry {
	return &Registry{
		params:     p,
		sortition:  s,
		roles:      roles,
		emitter:    emitter,
		tree:       merkle.New(),
		keys:       make(map[protocol.Address][]byte),
		roots:      make(map[uint64]RootSnapshot),
		committees: make(map[uint64]*Committee),
	}
}

// Leaf returns the membership tree leaf of a node.
func Leaf(node protocol.Address) protocol.Hash {
	return protocol.Digest([]byte("e3-node"), node[:])
}

func (r *Registry) canManage(caller protocol.Address) bool {
	return caller == r.roles.Bonding || r.params.IsOwner(caller)
}

// AddCiphernode inserts a node into the membership tree.
func (r *Registry) AddCiphernode(caller, node protocol.Address, attestationKey []byte) error {
	if !r.canManage(caller) {
		return fmt.Errorf("add ciphernode: %w", protocol.ErrUnauthorized)
	}

	leaf := Leaf(node)
	if r.tree.Has(leaf) {
		return fmt.Errorf("add ciphernode %s: %w", node, protocol.ErrAlreadyMember)
	}

	if len(attestationKey) > 0 {
		if err := bls.ValidateKey(attestationKey); err != nil {
			return fmt.Errorf("add ciphernode %s: %w", node, err)
		}
	}

	index, err := r.tree.Insert(leaf)
	if err != nil {
		return fmt.Errorf("add ciphernode %s:\n%w", node, err)
	}

	r.keys[node] = append([]byte(nil), attestationKey...)

	r.emitter.Emit(events.CiphernodeAdded, 0,
		events.Addr("node", node),
		events.Uint("index", uint64(index)),
		events.Uint("size", uint64(r.tree.Size())),
		events.Str("root", r.tree.Root().String()))

	return nil
}

// RemoveCiphernode zeroes a node's leaf. Its attestation key is kept for
// committees it already sits on.
func (r *Registry) RemoveCiphernode(caller, node protocol.Address) error {
	if !r.canManage(caller) {
		return fmt.Errorf("remove ciphernode: %w", protocol.ErrUnauthorized)
	}

	index, ok := r.tree.IndexOf(Leaf(node))
	if !ok {
		return fmt.Errorf("remove ciphernode %s: %w", node, protocol.ErrNotMember)
	}

	if err := r.tree.Remove(index); err != nil {
		return fmt.Errorf("remove ciphernode %s:\n%w", node, err)
	}

	r.emitter.Emit(events.CiphernodeRemoved, 0,
		events.Addr("node", node),
		events.Uint("index", uint64(index)),
		events.Str("root", r.tree.Root().String()))

	return nil
}

// RequestCommittee snapshots the membership root and opens sortition for e3.
func (r *Registry) RequestCommittee(caller protocol.Address, id, threshold uint64, seed protocol.Hash, requestBlock uint64) error {
	if caller != r.roles.Coordinator {
		return fmt.Errorf("request committee %d: %w", id, protocol.ErrUnauthorized)
	}

	if _, ok := r.roots[id]; ok {
		return fmt.Errorf("request committee %d: %w", id, protocol.ErrRoundExists)
	}

	if err := r.sortition.InitializeRound(r.roles.Self, id, threshold, seed, requestBlock); err != nil {
		return fmt.Errorf("request committee %d:\n%w", id, err)
	}

	snap := RootSnapshot{E3: id, Root: r.tree.Root(), Size: r.tree.Size()}
	r.roots[id] = snap

	r.emitter.Emit(events.CommitteeRequested, id,
		events.Uint("threshold", threshold),
		events.Str("root", snap.Root.String()),
		events.Uint("size", uint64(snap.Size)))

	return nil
}

// FinalizeCommittee closes sortition for e3 and returns the selected members.
func (r *Registry) FinalizeCommittee(caller protocol.Address, id uint64) ([]protocol.Address, error) {
	if caller != r.roles.Coordinator {
		return nil, fmt.Errorf("finalize committee %d: %w", id, protocol.ErrUnauthorized)
	}

	members, err := r.sortition.FinalizeRound(r.roles.Self, id)
	if err != nil {
		return nil, fmt.Errorf("finalize committee %d:\n%w", id, err)
	}

	return members, nil
}

// PublishCommittee records the aggregated public key of e3 after checking
// that every committee member attested it.
func (r *Registry) PublishCommittee(caller protocol.Address, id uint64, publicKey, attestation []byte) error {
	if caller != r.roles.Coordinator {
		return fmt.Errorf("publish committee %d: %w", id, protocol.ErrUnauthorized)
	}

	if _, ok := r.committees[id]; ok {
		return fmt.Errorf("publish committee %d: %w", id, protocol.ErrCommitteeAlreadyPublished)
	}

	members, err := r.sortition.Committee(id)
	if err != nil {
		return fmt.Errorf("publish committee %d: %w", id, protocol.ErrCommitteeNotFinalized)
	}

	keys := make([][]byte, len(members))
	for i, m := range members {
		keys[i] = r.keys[m]
	}

	if !bls.VerifyAggregate(attestation, bls.CommitteeMessage(id, publicKey), keys) {
		return fmt.Errorf("publish committee %d: %w", id, protocol.ErrInvalidAttestation)
	}

	c := &Committee{
		E3:            id,
		Members:       members,
		PublicKey:     append([]byte(nil), publicKey...),
		PublicKeyHash: protocol.Digest(publicKey),
	}
	r.committees[id] = c

	r.emitter.Emit(events.CommitteePublished, id,
		events.Uint("members", uint64(len(members))),
		events.Str("publicKeyHash", c.PublicKeyHash.String()))

	return nil
}
