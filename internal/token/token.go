// Package token is the fungible-token boundary used for license bonds,
// ticket balances, request payments and refunds.
package token

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"E3Kernel/internal/events"
	"E3Kernel/internal/protocol"
)

// ErrInsufficientAllowance is returned when a spender exceeds its approval.
var ErrInsufficientAllowance = errors.New("insufficient allowance")

// Token is the transfer interface the kernel moves funds through.
type Token interface {
	Symbol() string
	BalanceOf(account protocol.Address) uint64
	Transfer(from, to protocol.Address, amount uint64) error
	TransferFrom(spender, from, to protocol.Address, amount uint64) error
	Approve(owner, spender protocol.Address, amount uint64) error
	Allowance(owner, spender protocol.Address) uint64
}

type allowanceKey struct {
	owner   protocol.Address
	spender protocol.Address
}

// Ledger is an in-process Token. Not safe for concurrent use; the kernel
// serializes access.
type Ledger struct {
	symbol     string
	balances   map[protocol.Address]uint64
	allowances map[allowanceKey]uint64
	supply     uint64
	emitter    events.Emitter
}

// NewLedger creates an empty ledger.
func NewLedger(symbol string, emitter events.Emitter) *Ledger {
	return &Ledger{
		symbol:     symbol,
		balances:   make(map[protocol.Address]uint64),
		allowances: make(map[allowanceKey]uint64),
		emitter:    emitter,
	}
}

// Symbol returns the token symbol.
func (l *Ledger) Symbol() string {
	return l.symbol
}

// Supply returns the total minted amount.
func (l *Ledger) Supply() uint64 {
	return l.supply
}

// BalanceOf returns the balance of account.
func (l *Ledger) BalanceOf(account protocol.Address) uint64 {
	return l.balances[account]
}

// Allowance returns what spender may still move out of owner.
func (l *Ledger) Allowance(owner, spender protocol.Address) uint64 {
	return l.allowances[allowanceKey{owner, spender}]
}

// Mint credits new tokens to account.
func (l *Ledger) Mint(to protocol.Address, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("mint %s: %w", l.symbol, protocol.ErrZeroAmount)
	}

	if l.supply+amount < l.supply {
		return fmt.Errorf("mint %s: supply overflow", l.symbol)
	}

	l.supply += amount
	l.balances[to] += amount
	l.emitTransfer(protocol.ZeroAddress, to, amount)

	return nil
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to protocol.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}

	if l.balances[from] < amount {
		return fmt.Errorf("transfer %d %s from %s: %w", amount, l.symbol, from, protocol.ErrInsufficientBalance)
	}

	l.balances[from] -= amount
	if l.balances[from] == 0 {
		delete(l.balances, from)
	}
	l.balances[to] += amount
	l.emitTransfer(from, to, amount)

	return nil
}

// TransferFrom moves amount out of from on behalf of spender, consuming allowance.
func (l *Ledger) TransferFrom(spender, from, to protocol.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}

	key := allowanceKey{from, spender}
	if l.allowances[key] < amount {
		return fmt.Errorf("transfer %d %s from %s by %s: %w", amount, l.symbol, from, spender, ErrInsufficientAllowance)
	}

	if err := l.Transfer(from, to, amount); err != nil {
		return err
	}

	l.allowances[key] -= amount
	if l.allowances[key] == 0 {
		delete(l.allowances, key)
	}

	return nil
}

// Approve sets the amount spender may move out of owner.
func (l *Ledger) Approve(owner, spender protocol.Address, amount uint64) error {
	key := allowanceKey{owner, spender}
	if amount == 0 {
		delete(l.allowances, key)
	} else {
		l.allowances[key] = amount
	}

	l.emitter.Emit(events.Approval, 0,
		events.Str("token", l.symbol),
		events.Addr("owner", owner),
		events.Addr("spender", spender),
		events.Uint("amount", amount))

	return nil
}

func (l *Ledger) emitTransfer(from, to protocol.Address, amount uint64) {
	l.emitter.Emit(events.Transfer, 0,
		events.Str("token", l.symbol),
		events.Addr("from", from),
		events.Addr("to", to),
		events.Uint("amount", amount))
}

// Balance is one account balance of a ledger snapshot.
type Balance struct {
	Account protocol.Address
	Amount  uint64
}

// Approval is one allowance of a ledger snapshot.
type Approval struct {
	Owner   protocol.Address
	Spender protocol.Address
	Amount  uint64
}

// State is the serializable form of a ledger, sorted by address.
type State struct {
	Supply     uint64
	Balances   []Balance
	Allowances []Approval
}

// Export returns the serializable state.
func (l *Ledger) Export() State {
	s := State{Supply: l.supply}

	for a, amount := range l.balances {
		s.Balances = append(s.Balances, Balance{Account: a, Amount: amount})
	}
	sort.Slice(s.Balances, func(i, j int) bool {
		return bytes.Compare(s.Balances[i].Account[:], s.Balances[j].Account[:]) < 0
	})

	for k, amount := range l.allowances {
		s.Allowances = append(s.Allowances, Approval{Owner: k.owner, Spender: k.spender, Amount: amount})
	}
	sort.Slice(s.Allowances, func(i, j int) bool {
		a, b := s.Allowances[i], s.Allowances[j]
		if c := bytes.Compare(a.Owner[:], b.Owner[:]); c != 0 {
			return c < 0
		}

		return bytes.Compare(a.Spender[:], b.Spender[:]) < 0
	})

	return s
}

// Import replaces the state.
func (l *Ledger) Import(s State) {
	l.supply = s.Supply
	l.balances = make(map[protocol.Address]uint64, len(s.Balances))
	l.allowances = make(map[allowanceKey]uint64, len(s.Allowances))

	for _, b := range s.Balances {
		l.balances[b.Account] = b.Amount
	}

	for _, a := range s.Allowances {
		l.allowances[allowanceKey{a.Owner, a.Spender}] = a.Amount
	}
}
