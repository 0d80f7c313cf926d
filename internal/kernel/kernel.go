// Package kernel is the execution substrate of the E3 protocol. It wires
// every component together and runs each operation as one serialized,
// all-or-nothing transaction: state is snapshotted before the operation,
// restored on any error, and events are published only on commit.
package kernel

import (
	"fmt"
	"sync"

	"E3Kernel/internal/bonding"
	"E3Kernel/internal/events"
	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/logger"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/refund"
	"E3Kernel/internal/registry"
	"E3Kernel/internal/slashing"
	"E3Kernel/internal/sortition"
	"E3Kernel/internal/storage"
	"E3Kernel/internal/token"
	"E3Kernel/internal/verifier"
)

// EquivocationVerifier is the built-in verifier name for BLS double-signing evidence.
const EquivocationVerifier = "bls-equivocation"

// Accounts are the role addresses of the components.
type Accounts struct {
	Kernel   protocol.Address // Kernel escrows request payments; approve it before requesting
	Bonding  protocol.Address // Bonding holds bonds and tickets; approve it before bonding
	Refund   protocol.Address // Refund escrows failed payments and slashed funds
	Slashing protocol.Address // Slashing is the slasher role on bonding
	Registry protocol.Address // Registry manages sortition rounds
}

// DefaultAccounts derives the role addresses from fixed labels.
func DefaultAccounts() Accounts {
	return Accounts{
		Kernel:   protocol.DeriveAddress("e3kernel/kernel"),
		Bonding:  protocol.DeriveAddress("e3kernel/bonding"),
		Refund:   protocol.DeriveAddress("e3kernel/refund"),
		Slashing: protocol.DeriveAddress("e3kernel/slashing"),
		Registry: protocol.DeriveAddress("e3kernel/registry"),
	}
}

// Config configures a kernel.
type Config struct {
	Owner     protocol.Address
	Treasury  protocol.Address
	Params    params.Values
	Proposers []protocol.Address // Proposers may file slashes without proof
	Clock     protocol.Clock     // Clock defaults to SystemClock
	Verifiers *verifier.Registry // Verifiers defaults to an empty registry
	Store     *storage.Store     // Store enables checkpoints and the event log when set
}

// Kernel owns the protocol state. It is safe for concurrent use; every
// operation is serialized.
type Kernel struct {
	mu sync.Mutex

	accounts  Accounts
	clock     protocol.Clock
	buf       *events.Buffer
	bus       *events.Bus
	store     *storage.Store
	verifiers *verifier.Registry

	params    *params.Params
	license   *token.Ledger
	payment   *token.Ledger
	bonding   *bonding.Registry
	sortition *sortition.Sortition
	registry  *registry.Registry
	lifecycle *lifecycle.Coordinator
	refund    *refund.Manager
	slashing  *slashing.Manager

	programs map[string]string
	schemes  map[string]string
	bound    map[uint64]InstanceBinding
	nonce    uint64
	height   uint64
}

// New builds a kernel. With a store, the latest checkpoint is restored.
func New(cfg Config) (*Kernel, error) {
	if cfg.Clock == nil {
		cfg.Clock = protocol.SystemClock{}
	}

	if cfg.Verifiers == nil {
		cfg.Verifiers = verifier.NewRegistry()
	}

	k := &Kernel{
		accounts:  DefaultAccounts(),
		clock:     cfg.Clock,
		buf:       events.NewBuffer(cfg.Clock),
		store:     cfg.Store,
		verifiers: cfg.Verifiers,
		programs:  make(map[string]string),
		schemes:   make(map[string]string),
		bound:     make(map[uint64]InstanceBinding),
	}

	p, err := params.New(cfg.Owner, cfg.Treasury, cfg.Params, k.buf)
	if err != nil {
		return nil, fmt.Errorf("create params:\n%w", err)
	}

	k.wire(p, cfg.Proposers)

	if !k.verifiers.Has(EquivocationVerifier) {
		if err := k.verifiers.Register(EquivocationVerifier, verifier.NewEquivocation(k.registry.AttestationKey)); err != nil {
			return nil, fmt.Errorf("register equivocation verifier:\n%w", err)
		}
	}

	lastSeq, err := k.load()
	if err != nil {
		return nil, err
	}

	k.bus = events.NewBus(lastSeq)
	k.buf.Discard()

	return k, nil
}

// wire creates every component and connects their hooks.
func (k *Kernel) wire(p *params.Params, proposers []protocol.Address) {
	a := k.accounts

	k.params = p
	k.license = token.NewLedger("E3L", k.buf)
	k.payment = token.NewLedger("E3P", k.buf)
	k.lifecycle = lifecycle.New(p, a.Kernel, k.clock, k.buf)

	k.bonding = bonding.New(p, k.license, k.payment, bonding.Roles{
		Account:       a.Bonding,
		Slasher:       a.Slashing,
		Coordinator:   a.Kernel,
		RefundAccount: a.Refund,
	}, k.clock, k.buf)

	k.sortition = sortition.New(p, k.bonding, a.Registry, k.clock, k.buf)
	k.registry = registry.New(p, k.sortition, registry.Roles{
		Self:        a.Registry,
		Bonding:     a.Bonding,
		Coordinator: a.Kernel,
	}, k.buf)

	k.refund = refund.New(p, k.payment, k.lifecycle, refund.Roles{
		Account:     a.Refund,
		Coordinator: a.Kernel,
		Escrowers:   []protocol.Address{a.Bonding, a.Slashing},
	}, k.buf)

	k.slashing = slashing.New(p, k.bonding, k.verifiers, slashing.Roles{
		Self:      a.Slashing,
		Proposers: proposers,
	}, k.clock, k.buf)

	k.bonding.SetMembership(k.registry)
	k.bonding.SetEscrow(k.refund)
}

// Accounts returns the role addresses.
func (k *Kernel) Accounts() Accounts {
	return k.accounts
}

// Subscribe registers a subscriber for committed events. Subscribers run
// while the kernel lock is held and must not call back into the kernel.
func (k *Kernel) Subscribe(s events.Subscriber) {
	k.bus.Subscribe(s)
}

// LastSeq returns the sequence number of the last committed event.
func (k *Kernel) LastSeq() uint64 {
	return k.bus.LastSeq()
}

// update runs fn as one transaction.
func (k *Kernel) update(op string, fn func() error) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	snap, err := k.snapshot()
	if err != nil {
		return fmt.Errorf("%s: snapshot:\n%w", op, err)
	}

	if err := fn(); err != nil {
		k.rollback(op, snap)
		return err
	}

	k.height++
	pending := k.buf.Drain()

	if err := k.persist(pending); err != nil {
		k.rollback(op, snap)
		return fmt.Errorf("%s: persist:\n%w", op, err)
	}

	k.bus.Publish(k.bus.Sequence(pending))

	return nil
}

func (k *Kernel) rollback(op string, snap []byte) {
	k.buf.Discard()

	if err := k.restore(snap); err != nil {
		// The snapshot was produced by this process; failing to decode it is a bug.
		logger.Error("rollback failed", "op", op, "error", err)
		panic(fmt.Sprintf("kernel: rollback of %s failed: %v", op, err))
	}
}

// external rejects role accounts as callers of public operations.
func (k *Kernel) external(caller protocol.Address) error {
	a := k.accounts
	switch caller {
	case a.Kernel, a.Bonding, a.Refund, a.Slashing, a.Registry, protocol.Address{}:
		return fmt.Errorf("caller %s: %w", caller, protocol.ErrUnauthorized)
	}

	return nil
}

// view runs fn under the kernel lock without a transaction.
func (k *Kernel) view(fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()

	fn()
}
