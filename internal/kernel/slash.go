package kernel

import (
	"context"
	"fmt"

	"E3Kernel/internal/protocol"
	"E3Kernel/internal/slashing"
)

// ProposeSlash files a slash against operator. A proof-backed proposal
// executes at once and may fail the instance it concerns.
func (k *Kernel) ProposeSlash(ctx context.Context, caller protocol.Address, e3 uint64, operator protocol.Address, reason string, proof []byte) (slashing.Proposal, error) {
	var p slashing.Proposal

	err := k.update("propose slash", func() error {
		if err := k.external(caller); err != nil {
			return err
		}

		if e3 != 0 {
			if _, err := k.lifecycle.Instance(e3); err != nil {
				return err
			}
		}

		var err error
		if p, err = k.slashing.ProposeSlash(ctx, caller, e3, operator, reason, proof); err != nil {
			return err
		}

		if !p.Executed {
			return nil
		}

		return k.afterSlash(e3, operator)
	})
	if err != nil {
		return slashing.Proposal{}, err
	}

	return p, nil
}

// FileAppeal contests a pending proposal. Accused operator only.
func (k *Kernel) FileAppeal(caller protocol.Address, id uint64, evidence string) error {
	return k.update("file appeal", func() error {
		return k.slashing.FileAppeal(caller, id, evidence)
	})
}

// ResolveAppeal decides an appeal. Owner only.
func (k *Kernel) ResolveAppeal(caller protocol.Address, id uint64, upheld bool) error {
	return k.update("resolve appeal", func() error {
		return k.slashing.ResolveAppeal(caller, id, upheld)
	})
}

// ExecuteSlash applies a proposal whose appeal window passed. Anyone may call it.
func (k *Kernel) ExecuteSlash(id uint64) (slashing.Proposal, error) {
	var p slashing.Proposal

	err := k.update("execute slash", func() error {
		var err error
		if p, err = k.slashing.ExecuteSlash(id); err != nil {
			return err
		}

		return k.afterSlash(p.E3, p.Operator)
	})
	if err != nil {
		return slashing.Proposal{}, err
	}

	return p, nil
}

// afterSlash reacts to an executed slash of operator for instance e3. A
// running instance whose unslashed committee fell below the threshold
// fails and is settled. A failed instance drops the operator from its
// honest set. Slashed funds of a completed instance go to the treasury.
func (k *Kernel) afterSlash(e3 uint64, operator protocol.Address) error {
	if e3 == 0 {
		return nil
	}

	inst, err := k.lifecycle.Instance(e3)
	if err != nil {
		return err
	}

	switch {
	case inst.Stage == protocol.StageComplete:
		_, err := k.refund.ReleasePending(k.accounts.Kernel, e3)

		return err
	case inst.Stage == protocol.StageFailed:
		_, err := k.refund.ExcludeHonestNode(k.accounts.Kernel, e3, operator)

		return err
	case inst.Stage < protocol.StageCommitteeFinalized:
		return nil
	}

	if uint64(len(k.honest(e3))) >= inst.Threshold.M {
		return nil
	}

	if err := k.lifecycle.FailE3(k.accounts.Kernel, e3, protocol.FailureCommitteeSlashed); err != nil {
		return fmt.Errorf("fail slashed e3 %d:\n%w", e3, err)
	}

	return k.settle(e3)
}
