package refund

import (
	"E3Kernel/internal/protocol"
)

// Distribution is the computed split of one failed instance's funds.
type Distribution struct {
	E3               uint64
	Requester        protocol.Address
	OriginalPayment  uint64
	StageAtFailure   protocol.Stage
	WorkCompletedBps uint64

	RequesterAmount  uint64 // RequesterAmount grows with slashed funds until the original payment
	HonestNodeAmount uint64 // HonestNodeAmount is always a multiple of len(HonestNodes)
	ProtocolAmount   uint64 // ProtocolAmount absorbs rounding dust
	TotalSlashed     uint64 // TotalSlashed counts every escrowed slash for the instance

	HonestNodes      []protocol.Address
	RequesterClaimed bool
	Claimed          []protocol.Address
	ProtocolPaid     uint64
}

// PerNodeShare returns the amount each honest node may claim.
func (d *Distribution) PerNodeShare() uint64 {
	if len(d.HonestNodes) == 0 {
		return 0
	}

	return d.HonestNodeAmount / uint64(len(d.HonestNodes))
}

func (d *Distribution) isHonest(node protocol.Address) bool {
	for _, h := range d.HonestNodes {
		if h == node {
			return true
		}
	}

	return false
}

func (d *Distribution) hasClaimed(node protocol.Address) bool {
	for _, c := range d.Claimed {
		if c == node {
			return true
		}
	}

	return false
}

// Total returns the funds the distribution accounts for.
func (d *Distribution) Total() uint64 {
	return d.RequesterAmount + d.HonestNodeAmount + d.ProtocolAmount
}

// route applies slashed funds: the requester's gap first, then an even
// split between honest nodes and the protocol. The honest half goes to the
// protocol once any honest node claimed, so per-node shares never change
// after a claim.
func (d *Distribution) route(amount uint64) (toRequester, toHonest, toProtocol uint64) {
	remaining := amount

	if !d.RequesterClaimed {
		gap := d.OriginalPayment - protocol.Min(d.RequesterAmount, d.OriginalPayment)
		toRequester = protocol.Min(gap, remaining)
		remaining -= toRequester
	}

	if n := uint64(len(d.HonestNodes)); n > 0 && len(d.Claimed) == 0 {
		toHonest = remaining / 2
		toHonest -= toHonest % n
	}
	toProtocol = remaining - toHonest

	d.RequesterAmount += toRequester
	d.HonestNodeAmount += toHonest
	d.ProtocolAmount += toProtocol
	d.TotalSlashed += amount

	return toRequester, toHonest, toProtocol
}

// exclude removes an unclaimed honest node and returns the amount moved
// to the protocol.
func (d *Distribution) exclude(node protocol.Address) uint64 {
	n := uint64(len(d.HonestNodes))

	var moved uint64
	if len(d.Claimed) > 0 {
		moved = d.HonestNodeAmount / n
	} else if n > 1 {
		moved = d.HonestNodeAmount % (n - 1)
	} else {
		moved = d.HonestNodeAmount
	}

	kept := make([]protocol.Address, 0, n-1)
	for _, h := range d.HonestNodes {
		if h != node {
			kept = append(kept, h)
		}
	}

	d.HonestNodes = kept
	d.HonestNodeAmount -= moved
	d.ProtocolAmount += moved

	return moved
}

func (d *Distribution) clone() Distribution {
	c := *d
	c.HonestNodes = append([]protocol.Address(nil), d.HonestNodes...)
	c.Claimed = append([]protocol.Address(nil), d.Claimed...)

	return c
}

// PendingSlash is slashed funds received before the refund was calculated.
type PendingSlash struct {
	E3     uint64
	Amount uint64
}

// State is the serializable refund state.
type State struct {
	Distributions []Distribution
	Pending       []PendingSlash
}
