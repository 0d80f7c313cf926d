// Package params holds the owner-gated protocol configuration shared by
// every kernel component: prices, bonding thresholds, windows and the
// work allocation table used for refunds.
package params

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"E3Kernel/internal/events"
	"E3Kernel/internal/protocol"
)

// Timeouts are the per-stage window lengths and their grace periods.
type Timeouts struct {
	CommitteeFormationWindow time.Duration // CommitteeFormationWindow bounds Requested
	DKGWindow                time.Duration // DKGWindow bounds CommitteeFinalized
	ComputeWindow            time.Duration // ComputeWindow runs after the input deadline
	DecryptionWindow         time.Duration // DecryptionWindow bounds CiphertextReady

	CommitteeFormationGrace time.Duration
	DKGGrace                time.Duration
	ActivationGrace         time.Duration
	ComputeGrace            time.Duration
	DecryptionGrace         time.Duration
}

// WorkAllocation splits a payment by stage of work, in basis points.
// The four shares must sum to 10000.
type WorkAllocation struct {
	CommitteeFormationBps uint64
	DKGBps                uint64
	DecryptionBps         uint64
	ProtocolBps           uint64
}

// Total returns the sum of all shares.
func (w WorkAllocation) Total() uint64 {
	return w.CommitteeFormationBps + w.DKGBps + w.DecryptionBps + w.ProtocolBps
}

// Values is the full configuration.
type Values struct {
	TicketPrice         uint64        // TicketPrice is the payment-token cost of one ticket
	LicenseRequiredBond uint64        // LicenseRequiredBond is the full license bond
	LicenseActiveBps    uint64        // LicenseActiveBps is the share of the bond required to stay licensed
	MinTicketBalance    uint64        // MinTicketBalance is the ticket balance required to be active
	ExitDelay           time.Duration // ExitDelay is the wait between exit request and claim
	SubmissionWindow    time.Duration // SubmissionWindow is the sortition ticket window
	MaxCommitteeSize    uint64        // MaxCommitteeSize caps the committee size n
	BaseFee             uint64        // BaseFee is the flat part of a request quote
	PerNodeFee          uint64        // PerNodeFee is charged per committee member

	Timeouts Timeouts
	Work     WorkAllocation
}

// Defaults returns a valid configuration.
func Defaults() Values {
	return Values{
		TicketPrice:         10,
		LicenseRequiredBond: 1_000,
		LicenseActiveBps:    8_000,
		MinTicketBalance:    50,
		ExitDelay:           7 * 24 * time.Hour,
		SubmissionWindow:    10 * time.Minute,
		MaxCommitteeSize:    64,
		BaseFee:             100,
		PerNodeFee:          100,
		Timeouts: Timeouts{
			CommitteeFormationWindow: time.Hour,
			DKGWindow:                time.Hour,
			ComputeWindow:            time.Hour,
			DecryptionWindow:         time.Hour,
		},
		Work: WorkAllocation{
			CommitteeFormationBps: 1_000,
			DKGBps:                3_000,
			DecryptionBps:         5_500,
			ProtocolBps:           500,
		},
	}
}

// Validate reports every out-of-range value.
func (v Values) Validate() error {
	var result *multierror.Error

	if v.TicketPrice == 0 {
		result = multierror.Append(result, fmt.Errorf("ticket price is zero"))
	}

	if v.LicenseRequiredBond == 0 {
		result = multierror.Append(result, fmt.Errorf("license required bond is zero"))
	}

	if v.LicenseActiveBps == 0 || v.LicenseActiveBps > protocol.BpsMax {
		result = multierror.Append(result, fmt.Errorf("license active bps %d outside (0, %d]", v.LicenseActiveBps, protocol.BpsMax))
	}

	if v.MinTicketBalance == 0 {
		result = multierror.Append(result, fmt.Errorf("min ticket balance is zero"))
	}

	if v.ExitDelay <= 0 {
		result = multierror.Append(result, fmt.Errorf("exit delay %s not positive", v.ExitDelay))
	}

	if v.SubmissionWindow <= 0 {
		result = multierror.Append(result, fmt.Errorf("submission window %s not positive", v.SubmissionWindow))
	}

	if v.MaxCommitteeSize == 0 {
		result = multierror.Append(result, fmt.Errorf("max committee size is zero"))
	}

	t := v.Timeouts
	windows := []struct {
		name string
		d    time.Duration
	}{
		{"committee formation window", t.CommitteeFormationWindow},
		{"dkg window", t.DKGWindow},
		{"compute window", t.ComputeWindow},
		{"decryption window", t.DecryptionWindow},
	}
	for _, w := range windows {
		if w.d <= 0 {
			result = multierror.Append(result, fmt.Errorf("%s %s not positive", w.name, w.d))
		}
	}

	graces := []time.Duration{t.CommitteeFormationGrace, t.DKGGrace, t.ActivationGrace, t.ComputeGrace, t.DecryptionGrace}
	for _, g := range graces {
		if g < 0 {
			result = multierror.Append(result, fmt.Errorf("grace period %s negative", g))
			break
		}
	}

	if v.SubmissionWindow > t.CommitteeFormationWindow {
		result = multierror.Append(result, fmt.Errorf("submission window %s exceeds committee formation window %s",
			v.SubmissionWindow, t.CommitteeFormationWindow))
	}

	if total := v.Work.Total(); total != protocol.BpsMax {
		result = multierror.Append(result, fmt.Errorf("work allocation sums to %d, want %d", total, protocol.BpsMax))
	}

	return result.ErrorOrNil()
}

// State is the serializable form of Params.
type State struct {
	Owner    protocol.Address
	Treasury protocol.Address
	Values   Values
}

// Params is the single-authority configuration object.
// Every setter checks the owner, validates the whole result and emits
// ConfigChanged with the old and new value.
type Params struct {
	owner    protocol.Address
	treasury protocol.Address
	values   Values
	emitter  events.Emitter
}

// New creates a configuration owned by owner. The values must be valid.
func New(owner, treasury protocol.Address, values Values, emitter events.Emitter) (*Params, error) {
	if owner.IsZero() || treasury.IsZero() {
		return nil, fmt.Errorf("owner or treasury is zero: %w", protocol.ErrInvalidConfiguration)
	}

	if err := values.Validate(); err != nil {
		return nil, fmt.Errorf("%w:\n%w", protocol.ErrInvalidConfiguration, err)
	}

	return &Params{owner: owner, treasury: treasury, values: values, emitter: emitter}, nil
}

// Get returns a copy of the current values.
func (p *Params) Get() Values {
	return p.values
}

// Owner returns the configuration authority.
func (p *Params) Owner() protocol.Address {
	return p.owner
}

// Treasury returns the protocol treasury address.
func (p *Params) Treasury() protocol.Address {
	return p.treasury
}

// IsOwner reports whether caller is the owner.
func (p *Params) IsOwner(caller protocol.Address) bool {
	return caller == p.owner
}

// TransferOwnership hands the owner role to next.
func (p *Params) TransferOwnership(caller, next protocol.Address) error {
	if caller != p.owner {
		return fmt.Errorf("transfer ownership: %w", protocol.ErrUnauthorized)
	}

	if next.IsZero() {
		return fmt.Errorf("transfer ownership to zero: %w", protocol.ErrInvalidConfiguration)
	}

	old := p.owner
	p.owner = next
	p.emitter.Emit(events.ConfigChanged, 0,
		events.Str("key", "owner"), events.Addr("old", old), events.Addr("new", next))

	return nil
}

// SetTreasury changes the treasury address.
func (p *Params) SetTreasury(caller, treasury protocol.Address) (protocol.Address, protocol.Address, error) {
	if caller == p.owner && treasury.IsZero() {
		return p.treasury, p.treasury, fmt.Errorf("set treasury to zero: %w", protocol.ErrInvalidConfiguration)
	}

	return set(p, caller, "treasury", &p.treasury, treasury)
}

// SetTicketPrice changes the price of one ticket.
func (p *Params) SetTicketPrice(caller protocol.Address, v uint64) (uint64, uint64, error) {
	return set(p, caller, "ticketPrice", &p.values.TicketPrice, v)
}

// SetLicenseRequiredBond changes the full license bond.
func (p *Params) SetLicenseRequiredBond(caller protocol.Address, v uint64) (uint64, uint64, error) {
	return set(p, caller, "licenseRequiredBond", &p.values.LicenseRequiredBond, v)
}

// SetLicenseActiveBps changes the share of the bond required to stay licensed.
func (p *Params) SetLicenseActiveBps(caller protocol.Address, v uint64) (uint64, uint64, error) {
	return set(p, caller, "licenseActiveBps", &p.values.LicenseActiveBps, v)
}

// SetMinTicketBalance changes the ticket balance required to be active.
func (p *Params) SetMinTicketBalance(caller protocol.Address, v uint64) (uint64, uint64, error) {
	return set(p, caller, "minTicketBalance", &p.values.MinTicketBalance, v)
}

// SetExitDelay changes the exit delay.
func (p *Params) SetExitDelay(caller protocol.Address, v time.Duration) (time.Duration, time.Duration, error) {
	return set(p, caller, "exitDelay", &p.values.ExitDelay, v)
}

// SetSubmissionWindow changes the sortition ticket window.
func (p *Params) SetSubmissionWindow(caller protocol.Address, v time.Duration) (time.Duration, time.Duration, error) {
	return set(p, caller, "submissionWindow", &p.values.SubmissionWindow, v)
}

// SetMaxCommitteeSize changes the committee size cap.
func (p *Params) SetMaxCommitteeSize(caller protocol.Address, v uint64) (uint64, uint64, error) {
	return set(p, caller, "maxCommitteeSize", &p.values.MaxCommitteeSize, v)
}

// SetFees changes the quote components.
func (p *Params) SetFees(caller protocol.Address, base, perNode uint64) error {
	if caller != p.owner {
		return fmt.Errorf("set fees: %w", protocol.ErrUnauthorized)
	}

	if _, _, err := set(p, caller, "baseFee", &p.values.BaseFee, base); err != nil {
		return err
	}

	_, _, err := set(p, caller, "perNodeFee", &p.values.PerNodeFee, perNode)

	return err
}

// SetTimeouts replaces every stage window and grace period.
func (p *Params) SetTimeouts(caller protocol.Address, v Timeouts) (Timeouts, Timeouts, error) {
	return set(p, caller, "timeouts", &p.values.Timeouts, v)
}

// SetWorkAllocation replaces the refund work table.
func (p *Params) SetWorkAllocation(caller protocol.Address, v WorkAllocation) (WorkAllocation, WorkAllocation, error) {
	return set(p, caller, "workAllocation", &p.values.Work, v)
}

// set applies one owner-gated change, reverting it when the result is invalid.
func set[T comparable](p *Params, caller protocol.Address, key string, field *T, v T) (T, T, error) {
	old := *field

	if caller != p.owner {
		return old, old, fmt.Errorf("set %s: %w", key, protocol.ErrUnauthorized)
	}

	*field = v
	if err := p.values.Validate(); err != nil {
		*field = old
		return old, old, fmt.Errorf("set %s: %w:\n%w", key, protocol.ErrInvalidConfiguration, err)
	}

	p.emitter.Emit(events.ConfigChanged, 0,
		events.Str("key", key),
		events.Str("old", fmt.Sprintf("%+v", old)),
		events.Str("new", fmt.Sprintf("%+v", v)))

	return old, v, nil
}

// Export returns the serializable state.
func (p *Params) Export() State {
	return State{Owner: p.owner, Treasury: p.treasury, Values: p.values}
}

// Import replaces the state.
func (p *Params) Import(s State) {
	p.owner = s.Owner
	p.treasury = s.Treasury
	p.values = s.Values
}
