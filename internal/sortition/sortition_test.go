package sortition

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"E3Kernel/internal/events"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
)

var (
	owner       = protocol.DeriveAddress("owner")
	treasury    = protocol.DeriveAddress("treasury")
	coordinator = protocol.DeriveAddress("coordinator")
	seed        = protocol.Digest([]byte("fixed seed"))
)

// fakeTickets grants every listed operator the same ticket count.
type fakeTickets struct {
	available map[protocol.Address]uint64
}

func (f fakeTickets) AvailableTickets(op protocol.Address) uint64 { return f.available[op] }
func (f fakeTickets) IsActive(op protocol.Address) bool           { return f.available[op] > 0 }

func operators(n int) []protocol.Address {
	out := make([]protocol.Address, n)
	for i := range out {
		out[i] = protocol.DeriveAddress(fmt.Sprintf("node-%d", i))
	}

	return out
}

func newTestSortition(t *testing.T, ops []protocol.Address, tickets uint64) (*Sortition, *protocol.ManualClock, *events.Buffer) {
	t.Helper()

	clock := protocol.NewManualClock(time.Unix(1_700_000_000, 0).UTC())
	buf := events.NewBuffer(clock)

	p, err := params.New(owner, treasury, params.Defaults(), buf)
	require.NoError(t, err)

	src := fakeTickets{available: make(map[protocol.Address]uint64)}
	for _, op := range ops {
		src.available[op] = tickets
	}

	return New(p, src, coordinator, clock, buf), clock, buf
}

// TestThreeOfFour tests the canonical threshold scenario.
func TestThreeOfFour(t *testing.T) {
	ops := operators(4)
	s, clock, _ := newTestSortition(t, ops, 1)

	require.NoError(t, s.InitializeRound(coordinator, 1, 3, seed, 100))
	for _, op := range ops {
		require.NoError(t, s.SubmitTicket(1, op, 1))
	}

	clock.Advance(11 * time.Minute)
	committee, err := s.FinalizeRound(coordinator, 1)
	require.NoError(t, err)
	require.Len(t, committee, 3)

	scores := make(map[protocol.Address]protocol.Hash)
	for _, op := range ops {
		scores[op] = Score(op, 1, 1, seed)
	}

	for i := 1; i < len(committee); i++ {
		require.True(t, Less(scores[committee[i-1]], scores[committee[i]]))
	}

	sorted := append([]protocol.Address(nil), ops...)
	sort.Slice(sorted, func(i, j int) bool { return Less(scores[sorted[i]], scores[sorted[j]]) })
	require.Equal(t, sorted[:3], committee)
}

// TestRoundGuards tests initialization and finalization errors.
func TestRoundGuards(t *testing.T) {
	ops := operators(2)
	s, clock, _ := newTestSortition(t, ops, 1)

	require.ErrorIs(t, s.InitializeRound(owner, 1, 2, seed, 0), protocol.ErrUnauthorized)
	require.ErrorIs(t, s.InitializeRound(coordinator, 1, 0, seed, 0), protocol.ErrInvalidConfiguration)
	require.NoError(t, s.InitializeRound(coordinator, 1, 2, seed, 0))
	require.ErrorIs(t, s.InitializeRound(coordinator, 1, 2, seed, 0), protocol.ErrRoundExists)

	_, err := s.FinalizeRound(coordinator, 1)
	require.ErrorIs(t, err, protocol.ErrSubmissionWindowNotClosed)

	_, err = s.FinalizeRound(coordinator, 2)
	require.ErrorIs(t, err, protocol.ErrRoundNotFound)

	clock.Advance(time.Hour)
	_, err = s.FinalizeRound(coordinator, 1)
	require.NoError(t, err)

	_, err = s.FinalizeRound(coordinator, 1)
	require.ErrorIs(t, err, protocol.ErrCommitteeAlreadyFinalized)
	require.ErrorIs(t, s.InitializeRound(coordinator, 1, 2, seed, 0), protocol.ErrCommitteeAlreadyFinalized)
	require.ErrorIs(t, s.SubmitTicket(1, ops[0], 1), protocol.ErrCommitteeAlreadyFinalized)
}

// TestSubmitGuards tests ticket submission errors.
func TestSubmitGuards(t *testing.T) {
	ops := operators(2)
	s, clock, _ := newTestSortition(t, ops, 3)
	outsider := protocol.DeriveAddress("outsider")

	require.ErrorIs(t, s.SubmitTicket(9, ops[0], 1), protocol.ErrRoundNotFound)
	require.NoError(t, s.InitializeRound(coordinator, 1, 2, seed, 0))

	require.ErrorIs(t, s.SubmitTicket(1, outsider, 1), protocol.ErrNodeNotEligible)
	require.ErrorIs(t, s.SubmitTicket(1, ops[0], 0), protocol.ErrInvalidTicketNumber)
	require.ErrorIs(t, s.SubmitTicket(1, ops[0], 4), protocol.ErrInvalidTicketNumber)

	require.NoError(t, s.SubmitTicket(1, ops[0], 3))
	require.ErrorIs(t, s.SubmitTicket(1, ops[0], 2), protocol.ErrNodeAlreadySubmitted)

	sub, ok := s.Submission(1, ops[0])
	require.True(t, ok)
	require.Equal(t, uint64(3), sub.Ticket)

	clock.Advance(10 * time.Minute)
	require.NoError(t, s.SubmitTicket(1, ops[1], 1))

	clock.Advance(time.Second)
	require.ErrorIs(t, s.SubmitTicket(1, ops[1], 1), protocol.ErrSubmissionWindowClosed)
}

// TestInsertTieKeepsArrivalOrder tests equal scores never displace earlier entries.
func TestInsertTieKeepsArrivalOrder(t *testing.T) {
	r := &Round{Threshold: 2}
	score := protocol.Hash{0x10}
	a := Entry{Operator: protocol.DeriveAddress("a"), Score: score}
	b := Entry{Operator: protocol.DeriveAddress("b"), Score: score}
	c := Entry{Operator: protocol.DeriveAddress("c"), Score: score}

	r.insert(a)
	r.insert(b)

	evicted, inserted := r.insert(c)
	require.Nil(t, evicted)
	require.False(t, inserted)
	require.Equal(t, []Entry{a, b}, r.Top)

	better := Entry{Operator: protocol.DeriveAddress("d"), Score: protocol.Hash{0x01}}
	evicted, inserted = r.insert(better)
	require.True(t, inserted)
	require.Equal(t, b, *evicted)
	require.Equal(t, []Entry{better, a}, r.Top)
}

// TestReplaceWorstEmitsEviction tests the eviction event names the displaced node.
func TestReplaceWorstEmitsEviction(t *testing.T) {
	ops := operators(12)
	s, _, buf := newTestSortition(t, ops, 1)
	require.NoError(t, s.InitializeRound(coordinator, 5, 1, seed, 0))

	for _, op := range ops {
		before := s.TopEntries(5)
		require.NoError(t, s.SubmitTicket(5, op, 1))
		after := s.TopEntries(5)
		require.Len(t, after, 1)

		if len(before) == 1 && after[0].Operator == op {
			e, ok := buf.Last(events.NodeEvicted)
			require.True(t, ok)
			evicted, _ := e.Get("operator")
			require.Equal(t, before[0].Operator.String(), evicted)
		}
	}
}

// TestTopListProperties tests bound, order and selection against a reference sort.
func TestTopListProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(rt, "operators")
		threshold := rapid.Uint64Range(1, 10).Draw(rt, "threshold")
		ops := operators(n)

		s, _, _ := newTestSortition(t, ops, 5)
		if err := s.InitializeRound(coordinator, 1, threshold, seed, 0); err != nil {
			rt.Fatalf("init: %v", err)
		}

		var all []Entry
		for _, op := range ops {
			ticket := rapid.Uint64Range(1, 5).Draw(rt, "ticket")
			before := s.TopEntries(1)

			if err := s.SubmitTicket(1, op, ticket); err != nil {
				rt.Fatalf("submit: %v", err)
			}
			all = append(all, Entry{Operator: op, Ticket: ticket, Score: Score(op, ticket, 1, seed)})

			top := s.TopEntries(1)
			if uint64(len(top)) > threshold {
				rt.Fatalf("top list %d exceeds threshold %d", len(top), threshold)
			}

			for i := 1; i < len(top); i++ {
				if Less(top[i].Score, top[i-1].Score) {
					rt.Fatalf("top list not sorted at %d", i)
				}
			}

			if uint64(len(before)) == threshold && len(top) != len(before) {
				rt.Fatalf("full list changed length %d -> %d", len(before), len(top))
			}
		}

		sort.SliceStable(all, func(i, j int) bool { return Less(all[i].Score, all[j].Score) })
		k := int(threshold)
		if k > len(all) {
			k = len(all)
		}

		require.Equal(rt, all[:k], s.TopEntries(1))
	})
}

// TestExportImport tests a restored round still rejects duplicates.
func TestExportImport(t *testing.T) {
	ops := operators(3)
	s, _, _ := newTestSortition(t, ops, 1)
	require.NoError(t, s.InitializeRound(coordinator, 1, 2, seed, 0))
	require.NoError(t, s.SubmitTicket(1, ops[0], 1))

	snap := s.Export()
	require.NoError(t, s.SubmitTicket(1, ops[1], 1))

	s.Import(snap)
	require.Len(t, s.TopEntries(1), 1)
	require.ErrorIs(t, s.SubmitTicket(1, ops[0], 1), protocol.ErrNodeAlreadySubmitted)
	require.NoError(t, s.SubmitTicket(1, ops[1], 1))
}
