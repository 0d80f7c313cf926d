package kernel

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/verifier"
)

// Payload kinds passed to program and scheme verifiers.
const (
	KindParams     = "params"
	KindCiphertext = "ciphertext"
	KindPlaintext  = "plaintext"
)

// Request describes a new E3.
type Request struct {
	Threshold        lifecycle.Threshold
	Program          string
	Scheme           string
	Seed             protocol.Hash // Seed defaults to a digest of the requester, a nonce and the time
	ActivationExpiry time.Time
	ProgramParams    []byte
}

// Quote returns the fee of a committee of n members.
func (k *Kernel) Quote(n uint64) uint64 {
	var fee uint64
	k.view(func() { fee = k.quote(n) })

	return fee
}

func (k *Kernel) quote(n uint64) uint64 {
	v := k.params.Get()

	return protocol.SafeAdd(v.BaseFee, protocol.MulDiv(v.PerNodeFee, n, 1))
}

// check runs a verifier and turns a negative verdict into ErrVerificationFailed.
func (k *Kernel) check(ctx context.Context, name string, p verifier.Payload) error {
	ok, err := k.verifiers.Check(ctx, name, p)
	if err != nil {
		return fmt.Errorf("%s check of e3 %d:\n%w", p.Kind, p.E3, err)
	}

	if !ok {
		return fmt.Errorf("%s check of e3 %d: %w", p.Kind, p.E3, protocol.ErrVerificationFailed)
	}

	return nil
}

// Request escrows the quoted fee from the requester and opens sortition
// for a new E3. The requester approves the kernel account first.
func (k *Kernel) Request(ctx context.Context, requester protocol.Address, req Request) (uint64, error) {
	var id uint64

	err := k.update("request", func() error {
		if err := k.external(requester); err != nil {
			return err
		}

		programVerifier, ok := k.programs[req.Program]
		if !ok {
			return fmt.Errorf("request program %q: %w", req.Program, protocol.ErrProgramNotEnabled)
		}

		schemeVerifier, ok := k.schemes[req.Scheme]
		if !ok {
			return fmt.Errorf("request scheme %q: %w", req.Scheme, protocol.ErrSchemeNotEnabled)
		}

		if limit := k.params.Get().MaxCommitteeSize; req.Threshold.N > limit {
			return fmt.Errorf("request committee of %d, max %d: %w", req.Threshold.N, limit, protocol.ErrInvalidConfiguration)
		}

		if err := k.check(ctx, programVerifier, verifier.Payload{
			Kind:    KindParams,
			Subject: requester,
			Data:    req.ProgramParams,
		}); err != nil {
			return err
		}

		fee := k.quote(req.Threshold.N)
		if err := k.payment.TransferFrom(k.accounts.Kernel, requester, k.accounts.Kernel, fee); err != nil {
			return fmt.Errorf("request fee %d: %w:\n%w", fee, protocol.ErrInsufficientPayment, err)
		}

		k.nonce++
		seed := req.Seed
		if seed.IsZero() {
			seed = k.seed(requester)
		}

		var err error
		id, err = k.lifecycle.OnE3Requested(k.accounts.Kernel, lifecycle.Request{
			Requester:        requester,
			Threshold:        req.Threshold,
			Program:          req.Program,
			Scheme:           req.Scheme,
			Payment:          fee,
			Seed:             seed,
			ActivationExpiry: req.ActivationExpiry,
			ProgramParams:    req.ProgramParams,
		})
		if err != nil {
			return err
		}

		k.bound[id] = InstanceBinding{E3: id, ProgramVerifier: programVerifier, SchemeVerifier: schemeVerifier}

		return k.registry.RequestCommittee(k.accounts.Kernel, id, req.Threshold.N, seed, k.height)
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

func (k *Kernel) seed(requester protocol.Address) protocol.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], k.nonce)
	binary.BigEndian.PutUint64(buf[8:], uint64(k.clock.Now().UnixNano()))

	return protocol.Digest(requester[:], buf[:])
}

// SubmitTicket enters one of the operator's tickets into the sortition of id.
func (k *Kernel) SubmitTicket(op protocol.Address, id, ticket uint64) error {
	return k.update("submit ticket", func() error {
		if stage := k.lifecycle.Stage(id); stage != protocol.StageRequested {
			return fmt.Errorf("submit ticket to e3 %d in %s: %w", id, stage, protocol.ErrInvalidStage)
		}

		return k.sortition.SubmitTicket(id, op, ticket)
	})
}

// FinalizeCommittee closes the sortition of id once its window passed.
// Anyone may call it. An undersized committee fails the instance and
// settles its refund; the returned committee is then shorter than n.
func (k *Kernel) FinalizeCommittee(id uint64) ([]protocol.Address, error) {
	var members []protocol.Address

	err := k.update("finalize committee", func() error {
		inst, err := k.lifecycle.Instance(id)
		if err != nil {
			return err
		}

		if inst.Stage != protocol.StageRequested {
			return fmt.Errorf("finalize committee of e3 %d in %s: %w", id, inst.Stage, protocol.ErrInvalidStage)
		}

		members, err = k.registry.FinalizeCommittee(k.accounts.Kernel, id)
		if err != nil {
			return err
		}

		if uint64(len(members)) < inst.Threshold.N {
			if err := k.lifecycle.FailE3(k.accounts.Kernel, id, protocol.FailureInsufficientCommitteeMembers); err != nil {
				return err
			}

			return k.settle(id)
		}

		return k.lifecycle.OnCommitteeFinalized(k.accounts.Kernel, id)
	})
	if err != nil {
		return nil, err
	}

	return members, nil
}

// PublishCommittee records the committee public key of id, attested by
// every member's aggregated BLS signature.
func (k *Kernel) PublishCommittee(id uint64, publicKey, attestation []byte) error {
	return k.update("publish committee", func() error {
		if stage := k.lifecycle.Stage(id); stage != protocol.StageCommitteeFinalized {
			return fmt.Errorf("publish committee of e3 %d in %s: %w", id, stage, protocol.ErrInvalidStage)
		}

		if err := k.registry.PublishCommittee(k.accounts.Kernel, id, publicKey, attestation); err != nil {
			return err
		}

		return k.lifecycle.OnKeyPublished(k.accounts.Kernel, id, protocol.Digest(publicKey))
	})
}

// Activate opens inputs of id until inputDeadline. Requester only.
func (k *Kernel) Activate(caller protocol.Address, id uint64, inputDeadline time.Time) error {
	return k.update("activate", func() error {
		inst, err := k.lifecycle.Instance(id)
		if err != nil {
			return err
		}

		if caller != inst.Requester {
			return fmt.Errorf("activate e3 %d: %w", id, protocol.ErrUnauthorized)
		}

		return k.lifecycle.OnActivated(k.accounts.Kernel, id, inputDeadline)
	})
}

// PublishInput records one encrypted input of id.
func (k *Kernel) PublishInput(id uint64, data []byte) error {
	return k.update("publish input", func() error {
		return k.lifecycle.OnInputPublished(k.accounts.Kernel, id, protocol.Digest(data))
	})
}

// member checks that caller sits on the committee of id.
func (k *Kernel) member(caller protocol.Address, id uint64) error {
	if !k.sortition.IsCommitteeMember(id, caller) {
		return fmt.Errorf("e3 %d: %s not in committee: %w", id, caller, protocol.ErrUnauthorized)
	}

	return nil
}

// PublishCiphertextOutput records the computed ciphertext of id after the
// program verifier accepted proof. Committee members only.
func (k *Kernel) PublishCiphertextOutput(ctx context.Context, caller protocol.Address, id uint64, output, proof []byte) error {
	return k.update("publish ciphertext", func() error {
		if err := k.member(caller, id); err != nil {
			return err
		}

		if stage := k.lifecycle.Stage(id); stage != protocol.StageActivated {
			return fmt.Errorf("ciphertext of e3 %d in %s: %w", id, stage, protocol.ErrInvalidStage)
		}

		if err := k.check(ctx, k.bound[id].ProgramVerifier, verifier.Payload{
			E3:      id,
			Kind:    KindCiphertext,
			Subject: caller,
			Data:    output,
			Proof:   proof,
		}); err != nil {
			return err
		}

		return k.lifecycle.OnCiphertextPublished(k.accounts.Kernel, id, output)
	})
}

// PublishPlaintextOutput records the decrypted result of id after the
// scheme verifier accepted proof, completes the instance and pays the
// committee. Committee members only.
func (k *Kernel) PublishPlaintextOutput(ctx context.Context, caller protocol.Address, id uint64, output, proof []byte) error {
	return k.update("publish plaintext", func() error {
		if err := k.member(caller, id); err != nil {
			return err
		}

		inst, err := k.lifecycle.Instance(id)
		if err != nil {
			return err
		}

		if inst.Stage != protocol.StageCiphertextReady {
			return fmt.Errorf("plaintext of e3 %d in %s: %w", id, inst.Stage, protocol.ErrInvalidStage)
		}

		if err := k.check(ctx, k.bound[id].SchemeVerifier, verifier.Payload{
			E3:      id,
			Kind:    KindPlaintext,
			Subject: caller,
			Data:    output,
			Proof:   proof,
		}); err != nil {
			return err
		}

		if err := k.lifecycle.OnPlaintextPublished(k.accounts.Kernel, id, output); err != nil {
			return err
		}

		return k.reward(inst)
	})
}

// reward moves the escrowed payment of a completed instance to the
// committee, excluding slashed members, and releases queued slashed funds.
func (k *Kernel) reward(inst lifecycle.Instance) error {
	if err := k.payment.Transfer(k.accounts.Kernel, k.accounts.Bonding, inst.Payment); err != nil {
		return fmt.Errorf("reward e3 %d:\n%w", inst.ID, err)
	}

	if err := k.bonding.DistributeRewards(k.accounts.Kernel, inst.ID, k.honest(inst.ID), inst.Payment); err != nil {
		return err
	}

	_, err := k.refund.ReleasePending(k.accounts.Kernel, inst.ID)

	return err
}

// honest returns the committee of id minus slashed members, or nil when
// no committee was selected.
func (k *Kernel) honest(id uint64) []protocol.Address {
	committee, err := k.sortition.Committee(id)
	if err != nil {
		return nil
	}

	out := make([]protocol.Address, 0, len(committee))
	for _, m := range committee {
		if !k.slashing.IsSlashed(id, m) {
			out = append(out, m)
		}
	}

	return out
}

// settle moves the escrowed payment of a failed instance to the refund
// escrow and calculates its distribution.
func (k *Kernel) settle(id uint64) error {
	inst, err := k.lifecycle.Instance(id)
	if err != nil {
		return err
	}

	if err := k.payment.Transfer(k.accounts.Kernel, k.accounts.Refund, inst.Payment); err != nil {
		return fmt.Errorf("settle e3 %d:\n%w", id, err)
	}

	if _, err := k.refund.CalculateRefund(k.accounts.Kernel, id, inst.Payment, k.honest(id)); err != nil {
		return err
	}

	return nil
}

// MarkE3Failed fails an instance whose stage deadline passed and settles
// its refund. Anyone may call it.
func (k *Kernel) MarkE3Failed(id uint64) (protocol.FailureReason, error) {
	var reason protocol.FailureReason

	err := k.update("mark failed", func() error {
		var err error
		if reason, err = k.lifecycle.MarkE3Failed(id); err != nil {
			return err
		}

		return k.settle(id)
	})
	if err != nil {
		return protocol.FailureNone, err
	}

	return reason, nil
}

// ClaimRequesterRefund pays the requester's share of a failed instance.
func (k *Kernel) ClaimRequesterRefund(caller protocol.Address, id uint64) (uint64, error) {
	return k.claim("claim requester refund", func() (uint64, error) {
		return k.refund.ClaimRequesterRefund(caller, id)
	})
}

// ClaimHonestNodeReward pays one honest member's share of a failed instance.
func (k *Kernel) ClaimHonestNodeReward(caller protocol.Address, id uint64) (uint64, error) {
	return k.claim("claim honest node reward", func() (uint64, error) {
		return k.refund.ClaimHonestNodeReward(caller, id)
	})
}

// ClaimProtocolShare pays the unclaimed protocol share of a failed instance to the treasury.
func (k *Kernel) ClaimProtocolShare(caller protocol.Address, id uint64) (uint64, error) {
	return k.claim("claim protocol share", func() (uint64, error) {
		return k.refund.ClaimProtocolShare(caller, id)
	})
}

func (k *Kernel) claim(op string, fn func() (uint64, error)) (uint64, error) {
	var amount uint64

	err := k.update(op, func() error {
		var err error
		amount, err = fn()

		return err
	})
	if err != nil {
		return 0, err
	}

	return amount, nil
}
