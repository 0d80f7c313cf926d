package kernel

import (
	"fmt"

	"E3Kernel/internal/bls"
	"E3Kernel/internal/bonding"
	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/merkle"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/refund"
	"E3Kernel/internal/registry"
	"E3Kernel/internal/slashing"
	"E3Kernel/internal/sortition"
)

// Params returns the current protocol parameters.
func (k *Kernel) Params() params.Values {
	var v params.Values
	k.view(func() { v = k.params.Get() })

	return v
}

// Height returns the number of committed operations.
func (k *Kernel) Height() uint64 {
	var h uint64
	k.view(func() { h = k.height })

	return h
}

// ProgramVerifier returns the verifier bound to an enabled program.
func (k *Kernel) ProgramVerifier(program string) (string, bool) {
	var (
		name string
		ok   bool
	)
	k.view(func() { name, ok = k.programs[program] })

	return name, ok
}

// SchemeVerifier returns the decryption verifier bound to an enabled scheme.
func (k *Kernel) SchemeVerifier(scheme string) (string, bool) {
	var (
		name string
		ok   bool
	)
	k.view(func() { name, ok = k.schemes[scheme] })

	return name, ok
}

// Instance returns a copy of an E3.
func (k *Kernel) Instance(id uint64) (lifecycle.Instance, error) {
	var (
		inst lifecycle.Instance
		err  error
	)
	k.view(func() { inst, err = k.lifecycle.Instance(id) })

	return inst, err
}

// Instances returns the number of E3s ever requested.
func (k *Kernel) Instances() uint64 {
	var n uint64
	k.view(func() { n = k.lifecycle.Count() })

	return n
}

// CheckFailureCondition reports whether MarkE3Failed would succeed now.
func (k *Kernel) CheckFailureCondition(id uint64) (bool, protocol.FailureReason) {
	var (
		ok     bool
		reason protocol.FailureReason
	)
	k.view(func() { ok, reason = k.lifecycle.CheckFailureCondition(id) })

	return ok, reason
}

// Operator returns an operator record.
func (k *Kernel) Operator(op protocol.Address) (bonding.Operator, bool) {
	var (
		o  bonding.Operator
		ok bool
	)
	k.view(func() { o, ok = k.bonding.Operator(op) })

	return o, ok
}

// AvailableTickets returns the tickets op may submit.
func (k *Kernel) AvailableTickets(op protocol.Address) uint64 {
	var n uint64
	k.view(func() { n = k.bonding.AvailableTickets(op) })

	return n
}

// Round returns the sortition round of an E3.
func (k *Kernel) Round(id uint64) (sortition.Round, bool) {
	var (
		r  sortition.Round
		ok bool
	)
	k.view(func() { r, ok = k.sortition.Round(id) })

	return r, ok
}

// Committee returns the published committee of an E3.
func (k *Kernel) Committee(id uint64) (registry.Committee, bool) {
	var (
		c  registry.Committee
		ok bool
	)
	k.view(func() { c, ok = k.registry.Committee(id) })

	return c, ok
}

// Distribution returns the refund distribution of a failed E3.
func (k *Kernel) Distribution(id uint64) (refund.Distribution, bool) {
	var (
		d  refund.Distribution
		ok bool
	)
	k.view(func() { d, ok = k.refund.Distribution(id) })

	return d, ok
}

// Proposal returns a slash proposal.
func (k *Kernel) Proposal(id uint64) (slashing.Proposal, error) {
	var (
		p   slashing.Proposal
		err error
	)
	k.view(func() { p, err = k.slashing.Proposal(id) })

	return p, err
}

// BalanceOf returns the balance of account in asset.
func (k *Kernel) BalanceOf(asset Asset, account protocol.Address) (uint64, error) {
	var (
		n   uint64
		err error
	)
	k.view(func() {
		l, lerr := k.ledger(asset)
		if lerr != nil {
			err = lerr
			return
		}

		n = l.BalanceOf(account)
	})

	return n, err
}

// Root returns the current ciphernode membership root.
func (k *Kernel) Root() protocol.Hash {
	var h protocol.Hash
	k.view(func() { h = k.registry.Root() })

	return h
}

// GenerateProof returns the membership proof of node against the current root.
func (k *Kernel) GenerateProof(node protocol.Address) (merkle.Proof, error) {
	var (
		p   merkle.Proof
		err error
	)
	k.view(func() { p, err = k.registry.GenerateProof(node) })
	if err != nil {
		return merkle.Proof{}, fmt.Errorf("proof for %s:\n%w", node, err)
	}

	return p, nil
}

// VerifyMembership checks proof against the root snapshot taken when id was requested.
func (k *Kernel) VerifyMembership(id uint64, node protocol.Address, proof merkle.Proof) bool {
	var ok bool
	k.view(func() { ok = k.registry.VerifyMembership(id, node, proof) })

	return ok
}

// AttestationCollector prepares the collection of committee signatures
// over publicKey for a finalized committee.
func (k *Kernel) AttestationCollector(id uint64, publicKey []byte) (*bls.Collector, error) {
	var (
		c   *bls.Collector
		err error
	)
	k.view(func() {
		r, ok := k.sortition.Round(id)
		if !ok {
			err = fmt.Errorf("collect attestations for e3 %d: %w", id, protocol.ErrRoundNotFound)
			return
		}

		if !r.Finalized {
			err = fmt.Errorf("collect attestations for e3 %d: %w", id, protocol.ErrCommitteeNotFinalized)
			return
		}

		c, err = bls.NewCollector(id, publicKey, r.Committee, k.registry.AttestationKey)
	})

	return c, err
}
