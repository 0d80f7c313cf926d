// Package slashing turns misbehaviour reports into penalties on the
// bonding registry: policies per reason, proof-backed or appealable
// proposals, and execution.
package slashing

import (
	"context"
	"fmt"
	"sort"

	"E3Kernel/internal/events"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/verifier"
)

// Bonding is the penalty surface of the bonding registry.
type Bonding interface {
	SlashTicketBalance(caller, op protocol.Address, amount uint64, e3 uint64) (uint64, error)
	SlashLicenseBond(caller, op protocol.Address, amount uint64) (uint64, error)
	Ban(caller, op protocol.Address) error
}

// Verifiers runs named proof verifiers.
type Verifiers interface {
	Has(name string) bool
	Check(ctx context.Context, name string, p verifier.Payload) (bool, error)
}

// Roles are the accounts the manager acts as or trusts.
type Roles struct {
	Self      protocol.Address   // Self is the slasher role on the bonding registry
	Proposers []protocol.Address // Proposers may file proposals that carry no proof
}

// Manager is the slashing manager.
type Manager struct {
	params    *params.Params
	bonding   Bonding
	verifiers Verifiers
	roles     Roles
	clock     protocol.Clock
	emitter   events.Emitter

	policies  map[string]Policy
	proposals []Proposal
}

// New creates a manager without policies.
func New(p *params.Params, bonding Bonding, verifiers Verifiers, roles Roles, clock protocol.Clock, emitter events.Emitter) *Manager {
	return &Manager{
		params:    p,
		bonding:   bonding,
		verifiers: verifiers,
		roles:     roles,
		clock:     clock,
		emitter:   emitter,
		policies:  make(map[string]Policy),
	}
}

// SetPolicy replaces the policy of reason.
func (m *Manager) SetPolicy(caller protocol.Address, reason string, p Policy) error {
	if !m.params.IsOwner(caller) {
		return fmt.Errorf("set slash policy: %w", protocol.ErrUnauthorized)
	}

	if reason == "" {
		return fmt.Errorf("set slash policy without reason: %w", protocol.ErrInvalidConfiguration)
	}

	if err := p.validate(m.verifiers.Has); err != nil {
		return fmt.Errorf("set slash policy %q: %w:\n%w", reason, protocol.ErrInvalidConfiguration, err)
	}

	m.policies[reason] = p
	m.emitter.Emit(events.SlashPolicyUpdated, 0,
		events.Str("reason", reason),
		events.Bool("enabled", p.Enabled),
		events.Uint("ticketPenalty", p.TicketPenalty),
		events.Uint("licensePenalty", p.LicensePenalty),
		events.Bool("requiresProof", p.RequiresProof),
		events.Str("verifier", p.Verifier),
		events.Bool("banNode", p.BanNode),
		events.Duration("appealWindow", p.AppealWindow))

	return nil
}

func (m *Manager) isProposer(caller protocol.Address) bool {
	for _, p := range m.roles.Proposers {
		if p == caller {
			return true
		}
	}

	return false
}

// ProposeSlash files a slash against operator for reason. Proof-backed
// proposals are verified and executed at once; others wait out the
// appeal window. Returns the proposal as stored.
func (m *Manager) ProposeSlash(ctx context.Context, caller protocol.Address, e3 uint64, operator protocol.Address, reason string, proof []byte) (Proposal, error) {
	policy, ok := m.policies[reason]
	if !ok || !policy.Enabled {
		return Proposal{}, fmt.Errorf("propose slash %q: %w", reason, protocol.ErrPolicyDisabled)
	}

	if policy.RequiresProof {
		valid, err := m.verifiers.Check(ctx, policy.Verifier, verifier.Payload{
			E3:      e3,
			Kind:    reason,
			Subject: operator,
			Proof:   proof,
		})
		if err != nil {
			return Proposal{}, fmt.Errorf("propose slash %q: %w:\n%w", reason, protocol.ErrInvalidProof, err)
		}

		if !valid {
			return Proposal{}, fmt.Errorf("propose slash %q: %w", reason, protocol.ErrInvalidProof)
		}
	} else if !m.isProposer(caller) {
		return Proposal{}, fmt.Errorf("propose slash %q: %w", reason, protocol.ErrUnauthorized)
	}

	now := m.clock.Now()
	m.proposals = append(m.proposals, Proposal{
		ID:           uint64(len(m.proposals)) + 1,
		E3:           e3,
		Operator:     operator,
		Reason:       reason,
		Proposer:     caller,
		ProofBacked:  policy.RequiresProof,
		ProposedAt:   now,
		ExecutableAt: now.Add(policy.AppealWindow),
		Policy:       policy,
	})
	p := &m.proposals[len(m.proposals)-1]
	if policy.RequiresProof {
		p.ExecutableAt = now
	}

	m.emitter.Emit(events.SlashProposed, e3,
		events.Uint("proposal", p.ID),
		events.Addr("operator", operator),
		events.Str("reason", reason),
		events.Addr("proposer", caller),
		events.Bool("proofBacked", p.ProofBacked),
		events.Time("executableAt", p.ExecutableAt))

	if p.ProofBacked {
		if err := m.execute(p); err != nil {
			m.proposals = m.proposals[:len(m.proposals)-1]
			return Proposal{}, err
		}
	}

	return *p, nil
}

func (m *Manager) get(id uint64) (*Proposal, error) {
	if id == 0 || id > uint64(len(m.proposals)) {
		return nil, fmt.Errorf("proposal %d: %w", id, protocol.ErrProposalNotFound)
	}

	return &m.proposals[id-1], nil
}

// FileAppeal contests a pending proposal. Only the accused operator may
// appeal, and only before the proposal becomes executable.
func (m *Manager) FileAppeal(caller protocol.Address, id uint64, evidence string) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}

	switch {
	case caller != p.Operator:
		return fmt.Errorf("appeal proposal %d: %w", id, protocol.ErrUnauthorized)
	case p.Executed:
		return fmt.Errorf("appeal proposal %d: %w", id, protocol.ErrAlreadyExecuted)
	case p.Appealed:
		return fmt.Errorf("appeal proposal %d: %w", id, protocol.ErrAlreadyAppealed)
	case m.clock.Now().After(p.ExecutableAt):
		return fmt.Errorf("appeal proposal %d after %s: %w", id, p.ExecutableAt, protocol.ErrAppealWindowClosed)
	}

	p.Appealed = true
	p.AppealEvidence = evidence
	m.emitter.Emit(events.AppealFiled, p.E3,
		events.Uint("proposal", id),
		events.Addr("operator", caller),
		events.Str("evidence", evidence))

	return nil
}

// ResolveAppeal decides an appeal. An upheld appeal cancels the slash.
func (m *Manager) ResolveAppeal(caller protocol.Address, id uint64, upheld bool) error {
	if !m.params.IsOwner(caller) {
		return fmt.Errorf("resolve appeal: %w", protocol.ErrUnauthorized)
	}

	p, err := m.get(id)
	if err != nil {
		return err
	}

	if !p.Appealed || p.Resolved {
		return fmt.Errorf("resolve appeal of proposal %d: %w", id, protocol.ErrNoAppeal)
	}

	p.Resolved = true
	p.Upheld = upheld
	m.emitter.Emit(events.AppealResolved, p.E3,
		events.Uint("proposal", id),
		events.Bool("upheld", upheld))

	return nil
}

// ExecuteSlash applies a proposal whose appeal window passed. Anyone may call it.
func (m *Manager) ExecuteSlash(id uint64) (Proposal, error) {
	p, err := m.get(id)
	if err != nil {
		return Proposal{}, err
	}

	switch {
	case p.Executed:
		return Proposal{}, fmt.Errorf("execute proposal %d: %w", id, protocol.ErrAlreadyExecuted)
	case p.Appealed && !p.Resolved:
		return Proposal{}, fmt.Errorf("execute proposal %d: %w", id, protocol.ErrAppealPending)
	case p.Upheld:
		return Proposal{}, fmt.Errorf("execute proposal %d: %w", id, protocol.ErrSlashCancelled)
	case !m.clock.Now().After(p.ExecutableAt):
		return Proposal{}, fmt.Errorf("execute proposal %d before %s: %w", id, p.ExecutableAt, protocol.ErrAppealWindowOpen)
	}

	if err := m.execute(p); err != nil {
		return Proposal{}, err
	}

	return *p, nil
}

func (m *Manager) execute(p *Proposal) error {
	ticket, err := m.bonding.SlashTicketBalance(m.roles.Self, p.Operator, p.Policy.TicketPenalty, p.E3)
	if err != nil {
		return fmt.Errorf("execute proposal %d:\n%w", p.ID, err)
	}

	license, err := m.bonding.SlashLicenseBond(m.roles.Self, p.Operator, p.Policy.LicensePenalty)
	if err != nil {
		return fmt.Errorf("execute proposal %d:\n%w", p.ID, err)
	}

	if p.Policy.BanNode {
		if err := m.bonding.Ban(m.roles.Self, p.Operator); err != nil {
			return fmt.Errorf("execute proposal %d:\n%w", p.ID, err)
		}
	}

	p.Executed = true
	p.TicketSlashed = ticket
	p.LicenseSlashed = license

	m.emitter.Emit(events.SlashExecuted, p.E3,
		events.Uint("proposal", p.ID),
		events.Addr("operator", p.Operator),
		events.Str("reason", p.Reason),
		events.Uint("ticketSlashed", ticket),
		events.Uint("licenseSlashed", license),
		events.Bool("banned", p.Policy.BanNode))

	return nil
}

// Policy returns the policy of reason.
func (m *Manager) Policy(reason string) (Policy, bool) {
	p, ok := m.policies[reason]

	return p, ok
}

// Proposal returns a proposal by id.
func (m *Manager) Proposal(id uint64) (Proposal, error) {
	p, err := m.get(id)
	if err != nil {
		return Proposal{}, err
	}

	return *p, nil
}

// Slashed returns the operators with an executed slash for e3, in
// execution order without repeats.
func (m *Manager) Slashed(e3 uint64) []protocol.Address {
	var out []protocol.Address
	seen := make(map[protocol.Address]bool)

	for _, p := range m.proposals {
		if p.E3 != e3 || !p.Executed || seen[p.Operator] {
			continue
		}

		seen[p.Operator] = true
		out = append(out, p.Operator)
	}

	return out
}

// IsSlashed reports whether operator has an executed slash for e3.
func (m *Manager) IsSlashed(e3 uint64, operator protocol.Address) bool {
	for _, p := range m.proposals {
		if p.E3 == e3 && p.Executed && p.Operator == operator {
			return true
		}
	}

	return false
}

// Export returns the serializable state.
func (m *Manager) Export() State {
	s := State{Proposals: append([]Proposal(nil), m.proposals...)}

	for reason, p := range m.policies {
		s.Policies = append(s.Policies, NamedPolicy{Reason: reason, Policy: p})
	}
	sort.Slice(s.Policies, func(i, j int) bool { return s.Policies[i].Reason < s.Policies[j].Reason })

	return s
}

// Import replaces the state.
func (m *Manager) Import(s State) {
	m.proposals = append([]Proposal(nil), s.Proposals...)

	m.policies = make(map[string]Policy, len(s.Policies))
	for _, np := range s.Policies {
		m.policies[np.Reason] = np.Policy
	}
}
