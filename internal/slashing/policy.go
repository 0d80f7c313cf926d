package slashing

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"E3Kernel/internal/protocol"
)

// Policy is the penalty applied for one slash reason.
type Policy struct {
	TicketPenalty  uint64        // TicketPenalty is taken from the ticket balance
	LicensePenalty uint64        // LicensePenalty is taken from the license bond
	RequiresProof  bool          // RequiresProof makes proposals permissionless and immediate
	Verifier       string        // Verifier names the proof verifier
	BanNode        bool          // BanNode bans the operator on execution
	AppealWindow   time.Duration // AppealWindow delays execution of unproven proposals
	Enabled        bool
}

// validate reports every inconsistency. has reports whether a verifier exists.
func (p Policy) validate(has func(string) bool) error {
	if !p.Enabled {
		return nil
	}

	var result *multierror.Error

	if p.TicketPenalty == 0 && p.LicensePenalty == 0 && !p.BanNode {
		result = multierror.Append(result, fmt.Errorf("policy has no penalty"))
	}

	if p.RequiresProof {
		if p.Verifier == "" {
			result = multierror.Append(result, fmt.Errorf("proof required without verifier"))
		} else if !has(p.Verifier) {
			result = multierror.Append(result, fmt.Errorf("verifier %q not registered", p.Verifier))
		}
	} else if p.AppealWindow <= 0 {
		result = multierror.Append(result, fmt.Errorf("appeal window %s not positive", p.AppealWindow))
	}

	return result.ErrorOrNil()
}

// Proposal is one pending or executed slash.
type Proposal struct {
	ID           uint64
	E3           uint64
	Operator     protocol.Address
	Reason       string
	Proposer     protocol.Address
	ProofBacked  bool
	ProposedAt   time.Time
	ExecutableAt time.Time
	Policy       Policy

	Appealed       bool
	AppealEvidence string
	Resolved       bool
	Upheld         bool // Upheld cancels the slash

	Executed       bool
	TicketSlashed  uint64
	LicenseSlashed uint64
}

// NamedPolicy pairs a reason with its policy in the serialized state.
type NamedPolicy struct {
	Reason string
	Policy Policy
}

// State is the serializable slashing state.
type State struct {
	Policies  []NamedPolicy
	Proposals []Proposal
}
