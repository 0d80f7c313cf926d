package bonding

import (
	"sort"
	"time"

	"E3Kernel/internal/protocol"
)

// ExitTranche is funds queued by one exit request.
type ExitTranche struct {
	TicketAmount  uint64
	LicenseAmount uint64
	ReadyAt       time.Time
}

// PendingExit is funds queued for withdrawal. Each request matures on its
// own; the totals cover every tranche.
type PendingExit struct {
	TicketAmount  uint64        // TicketAmount is queued payment-token ticket balance
	LicenseAmount uint64        // LicenseAmount is queued license bond
	ReadyAt       time.Time     // ReadyAt is the claim time of the latest tranche
	Tranches      []ExitTranche // Tranches are ordered by ReadyAt
}

// Empty reports whether nothing is queued.
func (p PendingExit) Empty() bool {
	return p.TicketAmount == 0 && p.LicenseAmount == 0
}

// Matured returns the queued amounts claimable at now.
func (p PendingExit) Matured(now time.Time) (ticket, license uint64) {
	for _, t := range p.Tranches {
		if now.Before(t.ReadyAt) {
			break
		}

		ticket += t.TicketAmount
		license += t.LicenseAmount
	}

	return ticket, license
}

// NextReady returns the claim time of the oldest tranche.
func (p PendingExit) NextReady() time.Time {
	if len(p.Tranches) == 0 {
		return time.Time{}
	}

	return p.Tranches[0].ReadyAt
}

func (p *PendingExit) queue(ticket, license uint64, readyAt time.Time) {
	if ticket == 0 && license == 0 {
		return
	}

	// A shorter exit delay can make a new tranche mature before older ones.
	i := sort.Search(len(p.Tranches), func(i int) bool { return !p.Tranches[i].ReadyAt.Before(readyAt) })

	if i < len(p.Tranches) && p.Tranches[i].ReadyAt.Equal(readyAt) {
		p.Tranches[i].TicketAmount += ticket
		p.Tranches[i].LicenseAmount += license
	} else {
		p.Tranches = append(p.Tranches, ExitTranche{})
		copy(p.Tranches[i+1:], p.Tranches[i:])
		p.Tranches[i] = ExitTranche{TicketAmount: ticket, LicenseAmount: license, ReadyAt: readyAt}
	}

	p.TicketAmount += ticket
	p.LicenseAmount += license
	p.ReadyAt = p.Tranches[len(p.Tranches)-1].ReadyAt
}

// withdraw takes amounts from the oldest tranches first. The caller checks
// the amounts against Matured.
func (p *PendingExit) withdraw(ticket, license uint64) {
	for i := range p.Tranches {
		t := &p.Tranches[i]

		dt := min(ticket, t.TicketAmount)
		dl := min(license, t.LicenseAmount)
		t.TicketAmount -= dt
		t.LicenseAmount -= dl
		ticket -= dt
		license -= dl
	}

	p.compact()
}

// forfeit takes amounts from the newest tranches first.
func (p *PendingExit) forfeit(ticket, license uint64) {
	for i := len(p.Tranches) - 1; i >= 0; i-- {
		t := &p.Tranches[i]

		dt := min(ticket, t.TicketAmount)
		dl := min(license, t.LicenseAmount)
		t.TicketAmount -= dt
		t.LicenseAmount -= dl
		ticket -= dt
		license -= dl
	}

	p.compact()
}

// compact drops emptied tranches and recomputes the totals.
func (p *PendingExit) compact() {
	kept := p.Tranches[:0]
	p.TicketAmount, p.LicenseAmount = 0, 0

	for _, t := range p.Tranches {
		if t.TicketAmount == 0 && t.LicenseAmount == 0 {
			continue
		}

		kept = append(kept, t)
		p.TicketAmount += t.TicketAmount
		p.LicenseAmount += t.LicenseAmount
	}

	if len(kept) == 0 {
		*p = PendingExit{}

		return
	}

	p.Tranches = kept
	p.ReadyAt = kept[len(kept)-1].ReadyAt
}

func (p PendingExit) clone() PendingExit {
	p.Tranches = append([]ExitTranche(nil), p.Tranches...)

	return p
}

// Operator is the economic record of one node operator.
type Operator struct {
	Address       protocol.Address
	LicenseBond   uint64
	TicketBalance uint64
	Registered    bool
	Active        bool
	ExitRequested bool
	Banned        bool
	NodeKey       []byte // NodeKey is the BLS attestation public key supplied at registration
	Exit          PendingExit
}

// State is the serializable form of the registry.
type State struct {
	Operators []Operator
}
