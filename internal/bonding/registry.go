// Package bonding tracks operator license bonds, ticket balances,
// activation and exit queues: the economic gate for committee selection.
package bonding

import (
	"fmt"
	"time"

	"E3Kernel/internal/events"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/token"
)

// Membership is the ciphernode registry as seen by bonding.
type Membership interface {
	AddCiphernode(caller, node protocol.Address, attestationKey []byte) error
	RemoveCiphernode(caller, node protocol.Address) error
}

// SlashEscrow receives slashed ticket funds for a failed E3.
type SlashEscrow interface {
	EscrowSlashedFunds(caller protocol.Address, e3 uint64, amount uint64) error
}

// Roles are the accounts the registry acts as or trusts.
type Roles struct {
	Account       protocol.Address // Account holds every bond and ticket balance
	Slasher       protocol.Address // Slasher may slash, ban and unban
	Coordinator   protocol.Address // Coordinator may distribute rewards
	RefundAccount protocol.Address // RefundAccount receives slashed ticket funds for an E3
}

// Registry is the bonding registry.
type Registry struct {
	params  *params.Params
	license token.Token
	payment token.Token
	roles   Roles
	clock   protocol.Clock
	emitter events.Emitter

	membership Membership
	escrow     SlashEscrow

	operators []Operator
	index     map[protocol.Address]int
}

// New creates an empty registry.
func New(p *params.Params, license, payment token.Token, roles Roles, clock protocol.Clock, emitter events.Emitter) *Registry {
	return &Registry{
		params:  p,
		license: license,
		payment: payment,
		roles:   roles,
		clock:   clock,
		emitter: emitter,
		index:   make(map[protocol.Address]int),
	}
}

// SetMembership wires the ciphernode registry.
func (r *Registry) SetMembership(m Membership) {
	r.membership = m
}

// SetEscrow wires the refund escrow.
func (r *Registry) SetEscrow(e SlashEscrow) {
	r.escrow = e
}

// Account returns the address holding bonded funds.
func (r *Registry) Account() protocol.Address {
	return r.roles.Account
}

func (r *Registry) lookup(op protocol.Address) *Operator {
	i, ok := r.index[op]
	if !ok {
		return nil
	}

	return &r.operators[i]
}

func (r *Registry) getOrCreate(op protocol.Address) *Operator {
	if o := r.lookup(op); o != nil {
		return o
	}

	r.index[op] = len(r.operators)
	r.operators = append(r.operators, Operator{Address: op})

	return &r.operators[len(r.operators)-1]
}

// licensed reports whether a bond meets the active share of the required bond.
func (r *Registry) licensed(bond uint64) bool {
	v := r.params.Get()

	return bond >= protocol.ApplyBps(v.LicenseRequiredBond, v.LicenseActiveBps)
}

// refresh re-evaluates the activation invariant and emits on change.
func (r *Registry) refresh(o *Operator) {
	active := o.Registered && o.TicketBalance >= r.params.Get().MinTicketBalance && r.licensed(o.LicenseBond)
	if active == o.Active {
		return
	}

	o.Active = active
	r.emitter.Emit(events.OperatorActivationChanged, 0,
		events.Addr("operator", o.Address),
		events.Bool("active", active))
}

// RefreshAll re-evaluates every operator, after a configuration change.
func (r *Registry) RefreshAll() {
	for i := range r.operators {
		r.refresh(&r.operators[i])
	}
}

// BondLicense adds license bond pulled from the operator.
func (r *Registry) BondLicense(op protocol.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("bond license: %w", protocol.ErrZeroAmount)
	}

	if o := r.lookup(op); o != nil && o.ExitRequested {
		return fmt.Errorf("bond license %s: %w", op, protocol.ErrExitInProgress)
	}

	if err := r.license.TransferFrom(r.roles.Account, op, r.roles.Account, amount); err != nil {
		return fmt.Errorf("bond license %s:\n%w", op, err)
	}

	o := r.getOrCreate(op)
	before := o.LicenseBond
	o.LicenseBond += amount

	r.emitter.Emit(events.LicenseBonded, 0,
		events.Addr("operator", op),
		events.Uint("amount", amount),
		events.Uint("before", before),
		events.Uint("after", o.LicenseBond))
	r.refresh(o)

	return nil
}

// UnbondLicense queues license bond for exit.
func (r *Registry) UnbondLicense(op protocol.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("unbond license: %w", protocol.ErrZeroAmount)
	}

	o := r.lookup(op)
	if o == nil || o.LicenseBond < amount {
		return fmt.Errorf("unbond license %s: %w", op, protocol.ErrInsufficientBalance)
	}

	before := o.LicenseBond
	o.LicenseBond -= amount
	o.Exit.queue(0, amount, r.readyAt())

	r.emitter.Emit(events.LicenseUnbonded, 0,
		events.Addr("operator", op),
		events.Uint("amount", amount),
		events.Uint("before", before),
		events.Uint("after", o.LicenseBond),
		events.Time("readyAt", o.Exit.ReadyAt))
	r.refresh(o)

	return nil
}

// RegisterOperator enrolls a licensed operator and adds it to the membership tree.
// Funds still queued from a previous exit are restored to the balances.
func (r *Registry) RegisterOperator(op protocol.Address, nodeKey []byte) error {
	o := r.lookup(op)
	if o == nil {
		return fmt.Errorf("register %s: %w", op, protocol.ErrNotLicensed)
	}

	if o.Banned {
		return fmt.Errorf("register %s: %w", op, protocol.ErrOperatorBanned)
	}

	if o.Registered {
		return fmt.Errorf("register %s: %w", op, protocol.ErrAlreadyRegistered)
	}

	if !r.licensed(o.LicenseBond + o.Exit.LicenseAmount) {
		return fmt.Errorf("register %s: %w", op, protocol.ErrNotLicensed)
	}

	if r.membership == nil {
		return fmt.Errorf("register %s: membership registry not wired", op)
	}

	if err := r.membership.AddCiphernode(r.roles.Account, op, nodeKey); err != nil {
		return fmt.Errorf("register %s:\n%w", op, err)
	}

	o.LicenseBond += o.Exit.LicenseAmount
	o.TicketBalance += o.Exit.TicketAmount
	o.Exit = PendingExit{}
	o.ExitRequested = false
	o.Registered = true
	o.NodeKey = append([]byte(nil), nodeKey...)

	r.emitter.Emit(events.OperatorRegistered, 0,
		events.Addr("operator", op),
		events.Uint("licenseBond", o.LicenseBond),
		events.Uint("ticketBalance", o.TicketBalance))
	r.refresh(o)

	return nil
}

// DeregisterOperator removes the operator from the membership tree and
// queues its full balances for exit.
func (r *Registry) DeregisterOperator(op protocol.Address) error {
	o := r.lookup(op)
	if o == nil || !o.Registered {
		return fmt.Errorf("deregister %s: %w", op, protocol.ErrNotRegistered)
	}

	return r.deregister(o)
}

func (r *Registry) deregister(o *Operator) error {
	if err := r.membership.RemoveCiphernode(r.roles.Account, o.Address); err != nil {
		return fmt.Errorf("deregister %s:\n%w", o.Address, err)
	}

	o.Exit.queue(o.TicketBalance, o.LicenseBond, r.readyAt())
	o.TicketBalance = 0
	o.LicenseBond = 0
	o.Registered = false
	o.ExitRequested = true

	r.emitter.Emit(events.OperatorDeregistered, 0,
		events.Addr("operator", o.Address),
		events.Uint("ticketAmount", o.Exit.TicketAmount),
		events.Uint("licenseAmount", o.Exit.LicenseAmount),
		events.Time("readyAt", o.Exit.ReadyAt))
	r.refresh(o)

	return nil
}

// AddTicketBalance funds the ticket balance from the operator's payment tokens.
func (r *Registry) AddTicketBalance(op protocol.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("add tickets: %w", protocol.ErrZeroAmount)
	}

	o := r.lookup(op)
	if o == nil || !o.Registered {
		return fmt.Errorf("add tickets %s: %w", op, protocol.ErrNotRegistered)
	}

	if o.ExitRequested {
		return fmt.Errorf("add tickets %s: %w", op, protocol.ErrExitInProgress)
	}

	if err := r.payment.TransferFrom(r.roles.Account, op, r.roles.Account, amount); err != nil {
		return fmt.Errorf("add tickets %s:\n%w", op, err)
	}

	r.updateTickets(o, o.TicketBalance+amount, "add")

	return nil
}

// RemoveTicketBalance queues ticket balance for exit.
func (r *Registry) RemoveTicketBalance(op protocol.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("remove tickets: %w", protocol.ErrZeroAmount)
	}

	o := r.lookup(op)
	if o == nil || o.TicketBalance < amount {
		return fmt.Errorf("remove tickets %s: %w", op, protocol.ErrInsufficientBalance)
	}

	o.Exit.queue(amount, 0, r.readyAt())
	r.updateTickets(o, o.TicketBalance-amount, "remove")

	return nil
}

func (r *Registry) updateTickets(o *Operator, balance uint64, reason string) {
	before := o.TicketBalance
	o.TicketBalance = balance

	r.emitter.Emit(events.TicketBalanceUpdated, 0,
		events.Addr("operator", o.Address),
		events.Str("reason", reason),
		events.Uint("before", before),
		events.Uint("after", balance))
	r.refresh(o)
}

// readyAt returns the claim time of funds queued now.
func (r *Registry) readyAt() time.Time {
	return r.clock.Now().Add(r.params.Get().ExitDelay)
}

// ClaimExits withdraws matured queued funds. Partial claims are allowed.
func (r *Registry) ClaimExits(op protocol.Address, ticketAmount, licenseAmount uint64) error {
	if ticketAmount == 0 && licenseAmount == 0 {
		return fmt.Errorf("claim exits: %w", protocol.ErrZeroAmount)
	}

	o := r.lookup(op)
	if o == nil || o.Exit.Empty() {
		return fmt.Errorf("claim exits %s: %w", op, protocol.ErrExitNotReady)
	}

	if ticketAmount > o.Exit.TicketAmount || licenseAmount > o.Exit.LicenseAmount {
		return fmt.Errorf("claim exits %s: %w", op, protocol.ErrInsufficientBalance)
	}

	maturedTickets, maturedLicense := o.Exit.Matured(r.clock.Now())
	if ticketAmount > maturedTickets || licenseAmount > maturedLicense {
		return fmt.Errorf("claim exits %s before %s: %w", op, o.Exit.NextReady(), protocol.ErrExitNotReady)
	}

	if err := r.payment.Transfer(r.roles.Account, op, ticketAmount); err != nil {
		return fmt.Errorf("claim exits %s:\n%w", op, err)
	}

	if err := r.license.Transfer(r.roles.Account, op, licenseAmount); err != nil {
		return fmt.Errorf("claim exits %s:\n%w", op, err)
	}

	o.Exit.withdraw(ticketAmount, licenseAmount)
	if o.Exit.Empty() {
		if !o.Registered {
			o.ExitRequested = false
		}
	}

	r.emitter.Emit(events.ExitClaimed, 0,
		events.Addr("operator", op),
		events.Uint("ticketAmount", ticketAmount),
		events.Uint("licenseAmount", licenseAmount))

	return nil
}

// SlashTicketBalance takes up to amount from the ticket balance, then from
// queued ticket exits. Funds go to the refund escrow of e3, or to the
// treasury when e3 is 0. Returns the amount actually taken.
func (r *Registry) SlashTicketBalance(caller, op protocol.Address, amount uint64, e3 uint64) (uint64, error) {
	if caller != r.roles.Slasher {
		return 0, fmt.Errorf("slash tickets: %w", protocol.ErrUnauthorized)
	}

	o := r.lookup(op)
	if o == nil || amount == 0 {
		return 0, nil
	}

	fromBalance := protocol.Min(amount, o.TicketBalance)
	fromExit := protocol.Min(amount-fromBalance, o.Exit.TicketAmount)
	taken := fromBalance + fromExit
	if taken == 0 {
		return 0, nil
	}

	if e3 != 0 && r.escrow != nil {
		if err := r.payment.Transfer(r.roles.Account, r.roles.RefundAccount, taken); err != nil {
			return 0, fmt.Errorf("slash tickets %s:\n%w", op, err)
		}

		if err := r.escrow.EscrowSlashedFunds(r.roles.Account, e3, taken); err != nil {
			return 0, fmt.Errorf("slash tickets %s:\n%w", op, err)
		}
	} else if err := r.payment.Transfer(r.roles.Account, r.params.Treasury(), taken); err != nil {
		return 0, fmt.Errorf("slash tickets %s:\n%w", op, err)
	}

	o.Exit.forfeit(fromExit, 0)
	r.emitter.Emit(events.OperatorSlashed, e3,
		events.Addr("operator", op),
		events.Str("asset", "ticket"),
		events.Uint("amount", taken),
		events.Uint("fromPendingExit", fromExit))
	if fromBalance > 0 {
		r.updateTickets(o, o.TicketBalance-fromBalance, "slash")
	}

	return taken, nil
}

// SlashLicenseBond takes up to amount from the license bond, then from
// queued license exits, and sends it to the treasury.
func (r *Registry) SlashLicenseBond(caller, op protocol.Address, amount uint64) (uint64, error) {
	if caller != r.roles.Slasher {
		return 0, fmt.Errorf("slash license: %w", protocol.ErrUnauthorized)
	}

	o := r.lookup(op)
	if o == nil || amount == 0 {
		return 0, nil
	}

	fromBond := protocol.Min(amount, o.LicenseBond)
	fromExit := protocol.Min(amount-fromBond, o.Exit.LicenseAmount)
	taken := fromBond + fromExit
	if taken == 0 {
		return 0, nil
	}

	if err := r.license.Transfer(r.roles.Account, r.params.Treasury(), taken); err != nil {
		return 0, fmt.Errorf("slash license %s:\n%w", op, err)
	}

	before := o.LicenseBond
	o.LicenseBond -= fromBond
	o.Exit.forfeit(0, fromExit)

	r.emitter.Emit(events.OperatorSlashed, 0,
		events.Addr("operator", op),
		events.Str("asset", "license"),
		events.Uint("amount", taken),
		events.Uint("before", before),
		events.Uint("after", o.LicenseBond))
	r.refresh(o)

	return taken, nil
}

// Ban blocks an operator from registering and deregisters it if needed.
func (r *Registry) Ban(caller, op protocol.Address) error {
	if caller != r.roles.Slasher && !r.params.IsOwner(caller) {
		return fmt.Errorf("ban: %w", protocol.ErrUnauthorized)
	}

	o := r.getOrCreate(op)
	if o.Banned {
		return nil
	}

	o.Banned = true
	r.emitter.Emit(events.OperatorBanned, 0, events.Addr("operator", op))

	if o.Registered {
		return r.deregister(o)
	}

	return nil
}

// Unban lifts a ban.
func (r *Registry) Unban(caller, op protocol.Address) error {
	if caller != r.roles.Slasher && !r.params.IsOwner(caller) {
		return fmt.Errorf("unban: %w", protocol.ErrUnauthorized)
	}

	o := r.lookup(op)
	if o == nil || !o.Banned {
		return nil
	}

	o.Banned = false
	r.emitter.Emit(events.OperatorUnbanned, 0, events.Addr("operator", op))

	return nil
}

// DistributeRewards splits amount, already held by the registry account,
// evenly across committee members that are still registered. Dust and the
// whole amount when nobody qualifies go to the treasury.
func (r *Registry) DistributeRewards(caller protocol.Address, e3 uint64, committee []protocol.Address, amount uint64) error {
	if caller != r.roles.Coordinator {
		return fmt.Errorf("distribute rewards: %w", protocol.ErrUnauthorized)
	}

	if amount == 0 {
		return nil
	}

	var recipients []protocol.Address
	for _, m := range committee {
		if o := r.lookup(m); o != nil && o.Registered {
			recipients = append(recipients, m)
		}
	}

	var share uint64
	if len(recipients) > 0 {
		share = amount / uint64(len(recipients))
	}

	for _, m := range recipients {
		if err := r.payment.Transfer(r.roles.Account, m, share); err != nil {
			return fmt.Errorf("distribute rewards to %s:\n%w", m, err)
		}
	}

	dust := amount - share*uint64(len(recipients))
	if err := r.payment.Transfer(r.roles.Account, r.params.Treasury(), dust); err != nil {
		return fmt.Errorf("distribute rewards dust:\n%w", err)
	}

	r.emitter.Emit(events.RewardsDistributed, e3,
		events.Uint("amount", amount),
		events.Uint("recipients", uint64(len(recipients))),
		events.Uint("share", share),
		events.Uint("dust", dust))

	return nil
}
