// Package sortition runs the per-E3 ticket lottery that selects a
// committee: each active operator submits one ticket, the lowest
// scores are kept in a bounded list of size threshold.
package sortition

import (
	"fmt"
	"sort"
	"time"

	"E3Kernel/internal/events"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
)

// TicketSource is the bonding registry as seen by sortition.
type TicketSource interface {
	AvailableTickets(op protocol.Address) uint64
	IsActive(op protocol.Address) bool
}

// Entry is one scored ticket.
type Entry struct {
	Operator protocol.Address
	Ticket   uint64
	Score    protocol.Hash
}

// Round is one committee lottery.
type Round struct {
	ID           uint64
	Threshold    uint64
	Seed         protocol.Hash
	RequestBlock uint64
	Deadline     time.Time
	Finalized    bool
	Top          []Entry // Top is sorted ascending by score, at most Threshold long
	Submissions  []Entry // Submissions holds every accepted ticket in arrival order
	Committee    []protocol.Address

	submitted map[protocol.Address]int
}

// State is the serializable form of the sortition, rounds ordered by id.
type State struct {
	Rounds []Round
}

// Sortition holds every round.
type Sortition struct {
	params      *params.Params
	tickets     TicketSource
	coordinator protocol.Address
	clock       protocol.Clock
	emitter     events.Emitter

	rounds map[uint64]*Round
}

// New creates a sortition accepting round management from coordinator.
func New(p *params.Params, tickets TicketSource, coordinator protocol.Address, clock protocol.Clock, emitter events.Emitter) *Sortition {
	return &Sortition{
		params:      p,
		tickets:     tickets,
		coordinator: coordinator,
		clock:       clock,
		emitter:     emitter,
		rounds:      make(map[uint64]*Round),
	}
}

// InitializeRound opens the lottery for e3.
func (s *Sortition) InitializeRound(caller protocol.Address, id, threshold uint64, seed protocol.Hash, requestBlock uint64) error {
	if caller != s.coordinator {
		return fmt.Errorf("initialize round %d: %w", id, protocol.ErrUnauthorized)
	}

	if r, ok := s.rounds[id]; ok {
		if r.Finalized {
			return fmt.Errorf("initialize round %d: %w", id, protocol.ErrCommitteeAlreadyFinalized)
		}

		return fmt.Errorf("initialize round %d: %w", id, protocol.ErrRoundExists)
	}

	if threshold == 0 {
		return fmt.Errorf("initialize round %d with zero threshold: %w", id, protocol.ErrInvalidConfiguration)
	}

	r := &Round{
		ID:           id,
		Threshold:    threshold,
		Seed:         seed,
		RequestBlock: requestBlock,
		Deadline:     s.clock.Now().Add(s.params.Get().SubmissionWindow),
		submitted:    make(map[protocol.Address]int),
	}
	s.rounds[id] = r

	s.emitter.Emit(events.RoundInitialized, id,
		events.Uint("threshold", threshold),
		events.Str("seed", seed.String()),
		events.Uint("requestBlock", requestBlock),
		events.Time("deadline", r.Deadline))

	return nil
}

// SubmitTicket enters operator's ticket into the round of e3.
func (s *Sortition) SubmitTicket(id uint64, operator protocol.Address, ticket uint64) error {
	r, ok := s.rounds[id]
	if !ok {
		return fmt.Errorf("submit ticket to %d: %w", id, protocol.ErrRoundNotFound)
	}

	if r.Finalized {
		return fmt.Errorf("submit ticket to %d: %w", id, protocol.ErrCommitteeAlreadyFinalized)
	}

	if s.clock.Now().After(r.Deadline) {
		return fmt.Errorf("submit ticket to %d: %w", id, protocol.ErrSubmissionWindowClosed)
	}

	if !s.tickets.IsActive(operator) {
		return fmt.Errorf("submit ticket to %d from %s: %w", id, operator, protocol.ErrNodeNotEligible)
	}

	if ticket == 0 || ticket > s.tickets.AvailableTickets(operator) {
		return fmt.Errorf("submit ticket %d to %d from %s: %w", ticket, id, operator, protocol.ErrInvalidTicketNumber)
	}

	if _, dup := r.submitted[operator]; dup {
		return fmt.Errorf("submit ticket to %d from %s: %w", id, operator, protocol.ErrNodeAlreadySubmitted)
	}

	e := Entry{Operator: operator, Ticket: ticket, Score: Score(operator, ticket, id, r.Seed)}
	r.submitted[operator] = len(r.Submissions)
	r.Submissions = append(r.Submissions, e)

	evicted, inserted := r.insert(e)

	s.emitter.Emit(events.TicketSubmitted, id,
		events.Addr("operator", operator),
		events.Uint("ticket", ticket),
		events.Str("score", e.Score.String()),
		events.Bool("inTop", inserted))

	if evicted != nil {
		s.emitter.Emit(events.NodeEvicted, id,
			events.Addr("operator", evicted.Operator),
			events.Str("score", evicted.Score.String()),
			events.Addr("by", operator))
	}

	return nil
}

// insert places e in the bounded top list. Equal scores keep arrival order.
// Returns the displaced entry, if any, and whether e made the list.
func (r *Round) insert(e Entry) (*Entry, bool) {
	full := uint64(len(r.Top)) >= r.Threshold
	if full && !Less(e.Score, r.Top[len(r.Top)-1].Score) {
		return nil, false
	}

	var evicted *Entry
	if full {
		worst := r.Top[len(r.Top)-1]
		evicted = &worst
		r.Top = r.Top[:len(r.Top)-1]
	}

	pos := sort.Search(len(r.Top), func(i int) bool {
		return Less(e.Score, r.Top[i].Score)
	})

	r.Top = append(r.Top, Entry{})
	copy(r.Top[pos+1:], r.Top[pos:])
	r.Top[pos] = e

	return evicted, true
}

// FinalizeRound freezes the top list as the committee of e3.
// A committee smaller than the threshold is reported, not rejected.
func (s *Sortition) FinalizeRound(caller protocol.Address, id uint64) ([]protocol.Address, error) {
	if caller != s.coordinator {
		return nil, fmt.Errorf("finalize round %d: %w", id, protocol.ErrUnauthorized)
	}

	r, ok := s.rounds[id]
	if !ok {
		return nil, fmt.Errorf("finalize round %d: %w", id, protocol.ErrRoundNotFound)
	}

	if r.Finalized {
		return nil, fmt.Errorf("finalize round %d: %w", id, protocol.ErrCommitteeAlreadyFinalized)
	}

	if !s.clock.Now().After(r.Deadline) {
		return nil, fmt.Errorf("finalize round %d before %s: %w", id, r.Deadline, protocol.ErrSubmissionWindowNotClosed)
	}

	r.Finalized = true
	r.Committee = make([]protocol.Address, len(r.Top))
	for i, e := range r.Top {
		r.Committee[i] = e.Operator
	}

	s.emitter.Emit(events.CommitteeFinalized, id,
		events.Uint("members", uint64(len(r.Committee))),
		events.Uint("threshold", r.Threshold),
		events.Bool("insufficient", uint64(len(r.Committee)) < r.Threshold))

	return append([]protocol.Address(nil), r.Committee...), nil
}
