package bonding

import (
	"E3Kernel/internal/protocol"
)

// Operator returns a copy of the operator record.
func (r *Registry) Operator(op protocol.Address) (Operator, bool) {
	o := r.lookup(op)
	if o == nil {
		return Operator{}, false
	}

	out := *o
	out.NodeKey = append([]byte(nil), o.NodeKey...)
	out.Exit = o.Exit.clone()

	return out, true
}

// IsActive reports whether the operator may take part in sortition.
func (r *Registry) IsActive(op protocol.Address) bool {
	o := r.lookup(op)

	return o != nil && o.Active
}

// IsRegistered reports whether the operator is registered.
func (r *Registry) IsRegistered(op protocol.Address) bool {
	o := r.lookup(op)

	return o != nil && o.Registered
}

// IsLicensed reports whether the operator's bond meets the license threshold.
func (r *Registry) IsLicensed(op protocol.Address) bool {
	o := r.lookup(op)

	return o != nil && r.licensed(o.LicenseBond)
}

// AvailableTickets returns ticketBalance / ticketPrice.
func (r *Registry) AvailableTickets(op protocol.Address) uint64 {
	o := r.lookup(op)
	if o == nil {
		return 0
	}

	return o.TicketBalance / r.params.Get().TicketPrice
}

// NodeKey returns the registered BLS attestation key.
func (r *Registry) NodeKey(op protocol.Address) []byte {
	o := r.lookup(op)
	if o == nil {
		return nil
	}

	return o.NodeKey
}

// Operators returns copies of every operator record in creation order.
func (r *Registry) Operators() []Operator {
	out := make([]Operator, len(r.operators))
	for i, o := range r.operators {
		out[i] = o
		out[i].Exit = o.Exit.clone()
	}

	return out
}

// ActiveCount returns the number of active operators.
func (r *Registry) ActiveCount() int {
	n := 0
	for _, o := range r.operators {
		if o.Active {
			n++
		}
	}

	return n
}

// Export returns the serializable state.
func (r *Registry) Export() State {
	return State{Operators: r.Operators()}
}

// Import replaces the state.
func (r *Registry) Import(s State) {
	r.operators = append([]Operator(nil), s.Operators...)
	r.index = make(map[protocol.Address]int, len(r.operators))

	for i, o := range r.operators {
		r.index[o.Address] = i
	}
}
