package kernel

import (
	"fmt"

	"E3Kernel/internal/events"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/slashing"
	"E3Kernel/internal/token"
)

// Asset selects one of the two kernel tokens.
type Asset uint8

const (
	AssetLicense Asset = iota // AssetLicense is bonded for an operator license
	AssetPayment              // AssetPayment pays for tickets, requests and refunds
)

func (a Asset) String() string {
	if a == AssetLicense {
		return "license"
	}

	return "payment"
}

func (k *Kernel) ledger(a Asset) (*token.Ledger, error) {
	switch a {
	case AssetLicense:
		return k.license, nil
	case AssetPayment:
		return k.payment, nil
	}

	return nil, fmt.Errorf("asset %d: %w", a, protocol.ErrInvalidConfiguration)
}

// Configure runs owner setters on the parameters in one transaction and
// re-evaluates operator activation afterwards. fn receives the parameters
// and must call setters with the caller it was given.
func (k *Kernel) Configure(caller protocol.Address, fn func(p *params.Params, caller protocol.Address) error) error {
	return k.update("configure", func() error {
		if !k.params.IsOwner(caller) {
			return fmt.Errorf("configure: %w", protocol.ErrUnauthorized)
		}

		if err := fn(k.params, caller); err != nil {
			return fmt.Errorf("configure:\n%w", err)
		}

		k.bonding.RefreshAll()

		return nil
	})
}

// Mint creates tokens. Owner only; the ledgers are in-process.
func (k *Kernel) Mint(caller protocol.Address, asset Asset, to protocol.Address, amount uint64) error {
	return k.update("mint", func() error {
		if !k.params.IsOwner(caller) {
			return fmt.Errorf("mint %s: %w", asset, protocol.ErrUnauthorized)
		}

		l, err := k.ledger(asset)
		if err != nil {
			return err
		}

		return l.Mint(to, amount)
	})
}

// Approve lets spender move caller's tokens.
func (k *Kernel) Approve(caller protocol.Address, asset Asset, spender protocol.Address, amount uint64) error {
	return k.update("approve", func() error {
		if err := k.external(caller); err != nil {
			return err
		}

		l, err := k.ledger(asset)
		if err != nil {
			return err
		}

		return l.Approve(caller, spender, amount)
	})
}

// Transfer moves caller's tokens.
func (k *Kernel) Transfer(caller protocol.Address, asset Asset, to protocol.Address, amount uint64) error {
	return k.update("transfer", func() error {
		if err := k.external(caller); err != nil {
			return err
		}

		l, err := k.ledger(asset)
		if err != nil {
			return err
		}

		return l.Transfer(caller, to, amount)
	})
}

func (k *Kernel) bind(caller protocol.Address, table map[string]string, name, verifierName string, kind events.Kind) error {
	if !k.params.IsOwner(caller) {
		return fmt.Errorf("enable %q: %w", name, protocol.ErrUnauthorized)
	}

	if name == "" {
		return fmt.Errorf("enable unnamed entry: %w", protocol.ErrInvalidConfiguration)
	}

	if !k.verifiers.Has(verifierName) {
		return fmt.Errorf("enable %q with verifier %q: %w", name, verifierName, protocol.ErrInvalidConfiguration)
	}

	table[name] = verifierName
	k.buf.Emit(kind, 0, events.Str("name", name), events.Str("verifier", verifierName))

	return nil
}

func (k *Kernel) unbind(caller protocol.Address, table map[string]string, name string, kind events.Kind, notEnabled error) error {
	if !k.params.IsOwner(caller) {
		return fmt.Errorf("disable %q: %w", name, protocol.ErrUnauthorized)
	}

	if _, ok := table[name]; !ok {
		return fmt.Errorf("disable %q: %w", name, notEnabled)
	}

	delete(table, name)
	k.buf.Emit(kind, 0, events.Str("name", name))

	return nil
}

// EnableProgram allows requests for program, checked by the named verifier.
func (k *Kernel) EnableProgram(caller protocol.Address, program, verifierName string) error {
	return k.update("enable program", func() error {
		return k.bind(caller, k.programs, program, verifierName, events.ProgramEnabled)
	})
}

// DisableProgram stops new requests for program. Running instances keep their binding.
func (k *Kernel) DisableProgram(caller protocol.Address, program string) error {
	return k.update("disable program", func() error {
		return k.unbind(caller, k.programs, program, events.ProgramDisabled, protocol.ErrProgramNotEnabled)
	})
}

// EnableEncryptionScheme allows requests for scheme, whose decryption
// proofs are checked by the named verifier.
func (k *Kernel) EnableEncryptionScheme(caller protocol.Address, scheme, verifierName string) error {
	return k.update("enable scheme", func() error {
		return k.bind(caller, k.schemes, scheme, verifierName, events.SchemeEnabled)
	})
}

// DisableEncryptionScheme stops new requests for scheme.
func (k *Kernel) DisableEncryptionScheme(caller protocol.Address, scheme string) error {
	return k.update("disable scheme", func() error {
		return k.unbind(caller, k.schemes, scheme, events.SchemeDisabled, protocol.ErrSchemeNotEnabled)
	})
}

// SetSlashPolicy replaces the slash policy of reason.
func (k *Kernel) SetSlashPolicy(caller protocol.Address, reason string, p slashing.Policy) error {
	return k.update("set slash policy", func() error {
		return k.slashing.SetPolicy(caller, reason, p)
	})
}

// BanOperator bans an operator. Owner only.
func (k *Kernel) BanOperator(caller, op protocol.Address) error {
	return k.update("ban", func() error {
		if !k.params.IsOwner(caller) {
			return fmt.Errorf("ban: %w", protocol.ErrUnauthorized)
		}

		return k.bonding.Ban(caller, op)
	})
}

// UnbanOperator lifts a ban. Owner only.
func (k *Kernel) UnbanOperator(caller, op protocol.Address) error {
	return k.update("unban", func() error {
		if !k.params.IsOwner(caller) {
			return fmt.Errorf("unban: %w", protocol.ErrUnauthorized)
		}

		return k.bonding.Unban(caller, op)
	})
}
