// Package refund computes and pays out the split of a failed instance's
// payment between requester, honest committee nodes and the protocol,
// including slashed funds routed to the instance.
package refund

import (
	"fmt"
	"sort"

	"E3Kernel/internal/events"
	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/token"
)

// Instances resolves lifecycle instances.
type Instances interface {
	Instance(id uint64) (lifecycle.Instance, error)
}

// Roles are the accounts the manager acts as or trusts.
type Roles struct {
	Account     protocol.Address   // Account holds every escrowed payment and slashed fund
	Coordinator protocol.Address   // Coordinator may calculate refunds
	Escrowers   []protocol.Address // Escrowers may route slashed funds
}

// Manager is the refund manager.
type Manager struct {
	params    *params.Params
	payment   token.Token
	instances Instances
	roles     Roles
	emitter   events.Emitter

	distributions map[uint64]*Distribution
	pending       map[uint64]uint64
}

// New creates an empty manager.
func New(p *params.Params, payment token.Token, instances Instances, roles Roles, emitter events.Emitter) *Manager {
	return &Manager{
		params:        p,
		payment:       payment,
		instances:     instances,
		roles:         roles,
		emitter:       emitter,
		distributions: make(map[uint64]*Distribution),
		pending:       make(map[uint64]uint64),
	}
}

// Account returns the escrow address.
func (m *Manager) Account() protocol.Address {
	return m.roles.Account
}

// WorkCompletedBps returns the share of work done when failing in stage.
// Decryption work is never counted: an instance that decrypted is complete.
func (m *Manager) WorkCompletedBps(stage protocol.Stage) uint64 {
	w := m.params.Get().Work

	switch stage {
	case protocol.StageCommitteeFinalized:
		return w.CommitteeFormationBps
	case protocol.StageKeyPublished, protocol.StageActivated, protocol.StageCiphertextReady:
		return w.CommitteeFormationBps + w.DKGBps
	default:
		return 0
	}
}

func (m *Manager) failed(id uint64) (lifecycle.Instance, error) {
	inst, err := m.instances.Instance(id)
	if err != nil {
		return lifecycle.Instance{}, err
	}

	if inst.Stage != protocol.StageFailed {
		return lifecycle.Instance{}, fmt.Errorf("e3 %d in %s: %w", id, inst.Stage, protocol.ErrE3NotFailed)
	}

	return inst, nil
}

// CalculateRefund fixes the distribution of payment for a failed instance.
// The payment must already be held by the escrow account.
func (m *Manager) CalculateRefund(caller protocol.Address, id, payment uint64, honestNodes []protocol.Address) (Distribution, error) {
	if caller != m.roles.Coordinator {
		return Distribution{}, fmt.Errorf("calculate refund: %w", protocol.ErrUnauthorized)
	}

	inst, err := m.failed(id)
	if err != nil {
		return Distribution{}, fmt.Errorf("calculate refund:\n%w", err)
	}

	if _, ok := m.distributions[id]; ok {
		return Distribution{}, fmt.Errorf("calculate refund for e3 %d: %w", id, protocol.ErrRefundAlreadyCalculated)
	}

	work := m.WorkCompletedBps(inst.StageAtFailure)
	protocolBps := m.params.Get().Work.ProtocolBps

	d := &Distribution{
		E3:               id,
		Requester:        inst.Requester,
		OriginalPayment:  payment,
		StageAtFailure:   inst.StageAtFailure,
		WorkCompletedBps: work,
		HonestNodes:      dedupe(honestNodes),
	}

	d.RequesterAmount = protocol.ApplyBps(payment, protocol.BpsMax-work-protocolBps)
	if n := uint64(len(d.HonestNodes)); n > 0 {
		d.HonestNodeAmount = protocol.ApplyBps(payment, work)
		d.HonestNodeAmount -= d.HonestNodeAmount % n
	}
	d.ProtocolAmount = payment - d.RequesterAmount - d.HonestNodeAmount

	m.distributions[id] = d

	m.emitter.Emit(events.RefundCalculated, id,
		events.Addr("requester", d.Requester),
		events.Uint("payment", payment),
		events.Str("stageAtFailure", d.StageAtFailure.String()),
		events.Uint("workCompletedBps", work),
		events.Uint("requesterAmount", d.RequesterAmount),
		events.Uint("honestNodeAmount", d.HonestNodeAmount),
		events.Uint("protocolAmount", d.ProtocolAmount),
		events.Uint("honestNodes", uint64(len(d.HonestNodes))))

	if queued := m.pending[id]; queued > 0 {
		delete(m.pending, id)
		m.routeSlashed(d, queued)
	}

	return d.clone(), nil
}

// EscrowSlashedFunds accounts for slashed funds already transferred to the
// escrow account for instance id.
func (m *Manager) EscrowSlashedFunds(caller protocol.Address, id uint64, amount uint64) error {
	if !m.isEscrower(caller) {
		return fmt.Errorf("escrow slashed funds: %w", protocol.ErrUnauthorized)
	}

	if amount == 0 {
		return fmt.Errorf("escrow slashed funds: %w", protocol.ErrZeroAmount)
	}

	d, ok := m.distributions[id]
	if !ok {
		m.pending[id] = protocol.SafeAdd(m.pending[id], amount)
		m.emitter.Emit(events.SlashedFundsQueued, id,
			events.Uint("amount", amount),
			events.Uint("pending", m.pending[id]))

		return nil
	}

	m.routeSlashed(d, amount)

	return nil
}

func (m *Manager) routeSlashed(d *Distribution, amount uint64) {
	toRequester, toHonest, toProtocol := d.route(amount)

	m.emitter.Emit(events.SlashedFundsRouted, d.E3,
		events.Uint("amount", amount),
		events.Uint("toRequester", toRequester),
		events.Uint("toHonestNodes", toHonest),
		events.Uint("toProtocol", toProtocol))
}

// ExcludeHonestNode drops node from the honest set of a calculated
// distribution after it was slashed for the instance. A node that already
// claimed keeps its payout. When no node claimed yet the honest amount is
// re-split across the remaining nodes; otherwise the excluded share goes
// to the protocol so claimed shares stay equal.
func (m *Manager) ExcludeHonestNode(caller protocol.Address, id uint64, node protocol.Address) (bool, error) {
	if caller != m.roles.Coordinator {
		return false, fmt.Errorf("exclude honest node: %w", protocol.ErrUnauthorized)
	}

	d, ok := m.distributions[id]
	if !ok || !d.isHonest(node) || d.hasClaimed(node) {
		return false, nil
	}

	toProtocol := d.exclude(node)

	m.emitter.Emit(events.HonestNodeExcluded, id,
		events.Addr("node", node),
		events.Uint("honestNodes", uint64(len(d.HonestNodes))),
		events.Uint("honestNodeAmount", d.HonestNodeAmount),
		events.Uint("toProtocol", toProtocol))

	return true, nil
}

// ReleasePending sends slashed funds queued for an instance that will never
// be refunded, because it completed, to the treasury.
func (m *Manager) ReleasePending(caller protocol.Address, id uint64) (uint64, error) {
	if caller != m.roles.Coordinator {
		return 0, fmt.Errorf("release pending slashed funds: %w", protocol.ErrUnauthorized)
	}

	amount := m.pending[id]
	if amount == 0 {
		return 0, nil
	}

	if err := m.payment.Transfer(m.roles.Account, m.params.Treasury(), amount); err != nil {
		return 0, fmt.Errorf("release pending slashed funds of e3 %d:\n%w", id, err)
	}

	delete(m.pending, id)
	m.emitter.Emit(events.SlashedFundsRouted, id,
		events.Uint("amount", amount),
		events.Uint("toRequester", 0),
		events.Uint("toHonestNodes", 0),
		events.Uint("toProtocol", amount))

	return amount, nil
}

func (m *Manager) isEscrower(caller protocol.Address) bool {
	for _, e := range m.roles.Escrowers {
		if e == caller {
			return true
		}
	}

	return false
}

// claimable loads the distribution of a failed instance.
func (m *Manager) claimable(id uint64) (*Distribution, error) {
	if _, err := m.failed(id); err != nil {
		return nil, err
	}

	d, ok := m.distributions[id]
	if !ok {
		return nil, fmt.Errorf("e3 %d: %w", id, protocol.ErrRefundNotCalculated)
	}

	return d, nil
}

// ClaimRequesterRefund pays the requester's share.
func (m *Manager) ClaimRequesterRefund(caller protocol.Address, id uint64) (uint64, error) {
	d, err := m.claimable(id)
	if err != nil {
		return 0, fmt.Errorf("claim requester refund:\n%w", err)
	}

	if caller != d.Requester {
		return 0, fmt.Errorf("claim requester refund for e3 %d: %w", id, protocol.ErrNotRequester)
	}

	if d.RequesterClaimed {
		return 0, fmt.Errorf("claim requester refund for e3 %d: %w", id, protocol.ErrAlreadyClaimed)
	}

	if err := m.payment.Transfer(m.roles.Account, caller, d.RequesterAmount); err != nil {
		return 0, fmt.Errorf("claim requester refund for e3 %d:\n%w", id, err)
	}

	d.RequesterClaimed = true
	m.emitter.Emit(events.RequesterRefunded, id,
		events.Addr("requester", caller),
		events.Uint("amount", d.RequesterAmount))

	return d.RequesterAmount, nil
}

// ClaimHonestNodeReward pays one honest node its equal share.
func (m *Manager) ClaimHonestNodeReward(caller protocol.Address, id uint64) (uint64, error) {
	d, err := m.claimable(id)
	if err != nil {
		return 0, fmt.Errorf("claim honest node reward:\n%w", err)
	}

	if !d.isHonest(caller) {
		return 0, fmt.Errorf("claim honest node reward for e3 %d: %w", id, protocol.ErrNotHonestNode)
	}

	if d.hasClaimed(caller) {
		return 0, fmt.Errorf("claim honest node reward for e3 %d: %w", id, protocol.ErrAlreadyClaimed)
	}

	share := d.PerNodeShare()
	if err := m.payment.Transfer(m.roles.Account, caller, share); err != nil {
		return 0, fmt.Errorf("claim honest node reward for e3 %d:\n%w", id, err)
	}

	d.Claimed = append(d.Claimed, caller)
	m.emitter.Emit(events.HonestNodeRewarded, id,
		events.Addr("node", caller),
		events.Uint("amount", share))

	return share, nil
}

// ClaimProtocolShare pays the unpaid protocol share to the treasury.
// It may be called again after later slashes grow the share.
func (m *Manager) ClaimProtocolShare(caller protocol.Address, id uint64) (uint64, error) {
	treasury := m.params.Treasury()
	if caller != treasury && !m.params.IsOwner(caller) {
		return 0, fmt.Errorf("claim protocol share: %w", protocol.ErrUnauthorized)
	}

	d, err := m.claimable(id)
	if err != nil {
		return 0, fmt.Errorf("claim protocol share:\n%w", err)
	}

	amount := d.ProtocolAmount - d.ProtocolPaid
	switch {
	case d.ProtocolAmount == 0:
		return 0, nil
	case amount == 0:
		return 0, fmt.Errorf("claim protocol share for e3 %d: %w", id, protocol.ErrAlreadyClaimed)
	}

	if err := m.payment.Transfer(m.roles.Account, treasury, amount); err != nil {
		return 0, fmt.Errorf("claim protocol share for e3 %d:\n%w", id, err)
	}

	d.ProtocolPaid += amount
	m.emitter.Emit(events.ProtocolShareClaimed, id,
		events.Addr("treasury", treasury),
		events.Uint("amount", amount))

	return amount, nil
}

// dedupe drops repeated addresses keeping first occurrence order.
func dedupe(nodes []protocol.Address) []protocol.Address {
	seen := make(map[protocol.Address]bool, len(nodes))
	out := make([]protocol.Address, 0, len(nodes))

	for _, n := range nodes {
		if seen[n] {
			continue
		}

		seen[n] = true
		out = append(out, n)
	}

	return out
}

// Distribution returns the calculated distribution of instance id.
func (m *Manager) Distribution(id uint64) (Distribution, bool) {
	d, ok := m.distributions[id]
	if !ok {
		return Distribution{}, false
	}

	return d.clone(), true
}

// PendingSlashed returns slashed funds queued before calculation.
func (m *Manager) PendingSlashed(id uint64) uint64 {
	return m.pending[id]
}

// Export returns the serializable state ordered by instance id.
func (m *Manager) Export() State {
	var s State

	for _, d := range m.distributions {
		s.Distributions = append(s.Distributions, d.clone())
	}
	sort.Slice(s.Distributions, func(i, j int) bool { return s.Distributions[i].E3 < s.Distributions[j].E3 })

	for id, amount := range m.pending {
		s.Pending = append(s.Pending, PendingSlash{E3: id, Amount: amount})
	}
	sort.Slice(s.Pending, func(i, j int) bool { return s.Pending[i].E3 < s.Pending[j].E3 })

	return s
}

// Import replaces the state.
func (m *Manager) Import(s State) {
	m.distributions = make(map[uint64]*Distribution, len(s.Distributions))
	for i := range s.Distributions {
		d := s.Distributions[i].clone()
		m.distributions[d.E3] = &d
	}

	m.pending = make(map[uint64]uint64, len(s.Pending))
	for _, p := range s.Pending {
		m.pending[p.E3] = p.Amount
	}
}
