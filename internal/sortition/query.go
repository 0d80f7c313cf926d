package sortition

import (
	"fmt"
	"sort"

	"E3Kernel/internal/protocol"
)

// TopNodes returns the current top operators of e3 in score order.
func (s *Sortition) TopNodes(id uint64) ([]protocol.Address, error) {
	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("top nodes of %d: %w", id, protocol.ErrRoundNotFound)
	}

	out := make([]protocol.Address, len(r.Top))
	for i, e := range r.Top {
		out[i] = e.Operator
	}

	return out, nil
}

// TopEntries returns the scored top list of e3.
func (s *Sortition) TopEntries(id uint64) []Entry {
	r, ok := s.rounds[id]
	if !ok {
		return nil
	}

	return append([]Entry(nil), r.Top...)
}

// Submission returns the ticket operator submitted to e3.
func (s *Sortition) Submission(id uint64, operator protocol.Address) (Entry, bool) {
	r, ok := s.rounds[id]
	if !ok {
		return Entry{}, false
	}

	i, ok := r.submitted[operator]
	if !ok {
		return Entry{}, false
	}

	return r.Submissions[i], true
}

// Round returns a copy of the round of e3.
func (s *Sortition) Round(id uint64) (Round, bool) {
	r, ok := s.rounds[id]
	if !ok {
		return Round{}, false
	}

	return r.clone(), true
}

// Committee returns the finalized committee of e3.
func (s *Sortition) Committee(id uint64) ([]protocol.Address, error) {
	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("committee of %d: %w", id, protocol.ErrRoundNotFound)
	}

	if !r.Finalized {
		return nil, fmt.Errorf("committee of %d: %w", id, protocol.ErrCommitteeNotFinalized)
	}

	return append([]protocol.Address(nil), r.Committee...), nil
}

// IsCommitteeMember reports whether operator sits on the finalized committee of e3.
func (s *Sortition) IsCommitteeMember(id uint64, operator protocol.Address) bool {
	r, ok := s.rounds[id]
	if !ok || !r.Finalized {
		return false
	}

	for _, m := range r.Committee {
		if m == operator {
			return true
		}
	}

	return false
}

func (r *Round) clone() Round {
	c := *r
	c.Top = append([]Entry(nil), r.Top...)
	c.Submissions = append([]Entry(nil), r.Submissions...)
	c.Committee = append([]protocol.Address(nil), r.Committee...)
	c.submitted = nil

	return c
}

// Export returns the serializable state.
func (s *Sortition) Export() State {
	st := State{Rounds: make([]Round, 0, len(s.rounds))}
	for _, r := range s.rounds {
		st.Rounds = append(st.Rounds, r.clone())
	}

	sort.Slice(st.Rounds, func(i, j int) bool { return st.Rounds[i].ID < st.Rounds[j].ID })

	return st
}

// Import replaces the state.
func (s *Sortition) Import(st State) {
	s.rounds = make(map[uint64]*Round, len(st.Rounds))

	for _, r := range st.Rounds {
		r := r.clone()
		r.submitted = make(map[protocol.Address]int, len(r.Submissions))
		for i, e := range r.Submissions {
			r.submitted[e.Operator] = i
		}

		s.rounds[r.ID] = &r
	}
}
