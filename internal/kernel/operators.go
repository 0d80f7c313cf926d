package kernel

import (
	"fmt"

	"E3Kernel/internal/bls"
	"E3Kernel/internal/protocol"
)

// BondLicense pulls amount license tokens from the operator into its bond.
// The operator approves the bonding account first.
func (k *Kernel) BondLicense(op protocol.Address, amount uint64) error {
	return k.update("bond license", func() error {
		if err := k.external(op); err != nil {
			return err
		}

		return k.bonding.BondLicense(op, amount)
	})
}

// UnbondLicense queues amount of the bond for exit.
func (k *Kernel) UnbondLicense(op protocol.Address, amount uint64) error {
	return k.update("unbond license", func() error {
		return k.bonding.UnbondLicense(op, amount)
	})
}

// RegisterOperator registers op with its BLS node key. possession must be
// a proof of possession of the key.
func (k *Kernel) RegisterOperator(op protocol.Address, nodeKey, possession []byte) error {
	return k.update("register operator", func() error {
		if err := k.external(op); err != nil {
			return err
		}

		if !bls.VerifyPossession(nodeKey, possession) {
			return fmt.Errorf("register operator %s: %w", op, protocol.ErrInvalidAttestation)
		}

		return k.bonding.RegisterOperator(op, nodeKey)
	})
}

// DeregisterOperator leaves the membership and queues every balance for exit.
func (k *Kernel) DeregisterOperator(op protocol.Address) error {
	return k.update("deregister operator", func() error {
		return k.bonding.DeregisterOperator(op)
	})
}

// AddTicketBalance pulls payment tokens from the operator into its ticket balance.
func (k *Kernel) AddTicketBalance(op protocol.Address, amount uint64) error {
	return k.update("add ticket balance", func() error {
		if err := k.external(op); err != nil {
			return err
		}

		return k.bonding.AddTicketBalance(op, amount)
	})
}

// RemoveTicketBalance queues amount of the ticket balance for exit.
func (k *Kernel) RemoveTicketBalance(op protocol.Address, amount uint64) error {
	return k.update("remove ticket balance", func() error {
		return k.bonding.RemoveTicketBalance(op, amount)
	})
}

// ClaimExits withdraws the given amounts of matured exits.
func (k *Kernel) ClaimExits(op protocol.Address, ticketAmount, licenseAmount uint64) error {
	return k.update("claim exits", func() error {
		return k.bonding.ClaimExits(op, ticketAmount, licenseAmount)
	})
}
