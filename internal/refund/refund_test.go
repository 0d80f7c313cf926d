package refund

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"E3Kernel/internal/events"
	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/token"
)

var (
	owner       = protocol.DeriveAddress("owner")
	treasury    = protocol.DeriveAddress("treasury")
	coordinator = protocol.DeriveAddress("coordinator")
	escrower    = protocol.DeriveAddress("bonding")
	account     = protocol.DeriveAddress("refund")
	requester   = protocol.DeriveAddress("requester")
)

type fakeInstances map[uint64]lifecycle.Instance

func (f fakeInstances) Instance(id uint64) (lifecycle.Instance, error) {
	inst, ok := f[id]
	if !ok {
		return lifecycle.Instance{}, fmt.Errorf("e3 %d: %w", id, protocol.ErrE3NotFound)
	}

	return inst, nil
}

type fixture struct {
	buf       *events.Buffer
	ledger    *token.Ledger
	instances fakeInstances
	m         *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	buf := events.NewBuffer(protocol.NewManualClock(time.Unix(1_700_000_000, 0)))

	p, err := params.New(owner, treasury, params.Defaults(), buf)
	require.NoError(t, err)

	f := &fixture{
		buf:       buf,
		ledger:    token.NewLedger("FEE", buf),
		instances: fakeInstances{},
	}
	f.m = New(p, f.ledger, f.instances, Roles{
		Account:     account,
		Coordinator: coordinator,
		Escrowers:   []protocol.Address{escrower},
	}, buf)

	return f
}

// fail registers a failed instance and funds the escrow with its payment.
func (f *fixture) fail(t *testing.T, id uint64, stage protocol.Stage, payment uint64) {
	t.Helper()

	f.instances[id] = lifecycle.Instance{
		ID:             id,
		Stage:          protocol.StageFailed,
		Requester:      requester,
		Payment:        payment,
		StageAtFailure: stage,
	}
	require.NoError(t, f.ledger.Mint(account, payment))
}

func (f *fixture) slash(t *testing.T, id, amount uint64) {
	t.Helper()

	require.NoError(t, f.ledger.Mint(account, amount))
	require.NoError(t, f.m.EscrowSlashedFunds(escrower, id, amount))
}

func nodes(n int) []protocol.Address {
	out := make([]protocol.Address, n)
	for i := range out {
		out[i] = protocol.DeriveAddress(fmt.Sprintf("node-%d", i))
	}

	return out
}

// TestCommitteeFormationTimeoutRefund tests the requester gets 95% back
// when the committee never formed.
func TestCommitteeFormationTimeoutRefund(t *testing.T) {
	f := newFixture(t)
	f.fail(t, 1, protocol.StageRequested, 1_000_000)

	d, err := f.m.CalculateRefund(coordinator, 1, 1_000_000, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0), d.WorkCompletedBps)
	require.Equal(t, uint64(950_000), d.RequesterAmount)
	require.Equal(t, uint64(0), d.HonestNodeAmount)
	require.Equal(t, uint64(50_000), d.ProtocolAmount)

	got, err := f.m.ClaimRequesterRefund(requester, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(950_000), got)
	require.Equal(t, uint64(950_000), f.ledger.BalanceOf(requester))

	_, err = f.m.ClaimRequesterRefund(requester, 1)
	require.ErrorIs(t, err, protocol.ErrAlreadyClaimed)
}

// TestWorkCompletedByStage tests the stage table.
func TestWorkCompletedByStage(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, uint64(0), f.m.WorkCompletedBps(protocol.StageRequested))
	require.Equal(t, uint64(1000), f.m.WorkCompletedBps(protocol.StageCommitteeFinalized))
	require.Equal(t, uint64(4000), f.m.WorkCompletedBps(protocol.StageKeyPublished))
	require.Equal(t, uint64(4000), f.m.WorkCompletedBps(protocol.StageCiphertextReady))
}

// TestHonestNodeShares tests rounding to a multiple of the node count.
func TestHonestNodeShares(t *testing.T) {
	f := newFixture(t)
	f.fail(t, 1, protocol.StageActivated, 1_000)
	honest := nodes(3)

	d, err := f.m.CalculateRefund(coordinator, 1, 1_000, honest)
	require.NoError(t, err)
	require.Equal(t, uint64(550), d.RequesterAmount)
	require.Equal(t, uint64(399), d.HonestNodeAmount)
	require.Equal(t, uint64(51), d.ProtocolAmount)

	for _, n := range honest {
		got, err := f.m.ClaimHonestNodeReward(n, 1)
		require.NoError(t, err)
		require.Equal(t, uint64(133), got)
	}

	_, err = f.m.ClaimHonestNodeReward(honest[0], 1)
	require.ErrorIs(t, err, protocol.ErrAlreadyClaimed)

	_, err = f.m.ClaimHonestNodeReward(requester, 1)
	require.ErrorIs(t, err, protocol.ErrNotHonestNode)

	got, err := f.m.ClaimProtocolShare(treasury, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(51), got)
	require.Equal(t, uint64(550), f.ledger.BalanceOf(account))
}

// TestCalculateGuards tests role, stage and replay checks.
func TestCalculateGuards(t *testing.T) {
	f := newFixture(t)
	f.instances[2] = lifecycle.Instance{ID: 2, Stage: protocol.StageActivated}
	f.fail(t, 1, protocol.StageRequested, 100)

	_, err := f.m.CalculateRefund(requester, 1, 100, nil)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)

	_, err = f.m.CalculateRefund(coordinator, 2, 100, nil)
	require.ErrorIs(t, err, protocol.ErrE3NotFailed)

	_, err = f.m.ClaimRequesterRefund(requester, 1)
	require.ErrorIs(t, err, protocol.ErrRefundNotCalculated)

	_, err = f.m.CalculateRefund(coordinator, 1, 100, nil)
	require.NoError(t, err)

	_, err = f.m.CalculateRefund(coordinator, 1, 100, nil)
	require.ErrorIs(t, err, protocol.ErrRefundAlreadyCalculated)

	_, err = f.m.ClaimRequesterRefund(treasury, 1)
	require.ErrorIs(t, err, protocol.ErrNotRequester)

	_, err = f.m.ClaimProtocolShare(requester, 1)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)

	require.ErrorIs(t, f.m.EscrowSlashedFunds(requester, 1, 10), protocol.ErrUnauthorized)
}

// TestPendingSlashFolded tests funds escrowed before calculation are applied.
func TestPendingSlashFolded(t *testing.T) {
	f := newFixture(t)
	f.fail(t, 1, protocol.StageKeyPublished, 1_000)
	honest := nodes(2)

	f.slash(t, 1, 300)
	f.slash(t, 1, 200)
	require.Equal(t, uint64(500), f.m.PendingSlashed(1))

	d, err := f.m.CalculateRefund(coordinator, 1, 1_000, honest)
	require.NoError(t, err)
	require.Equal(t, uint64(0), f.m.PendingSlashed(1))

	// Base split 550/400/50; the 450 gap is filled first, 50 left splits 24/26.
	require.Equal(t, uint64(1_000), d.RequesterAmount)
	require.Equal(t, uint64(424), d.HonestNodeAmount)
	require.Equal(t, uint64(76), d.ProtocolAmount)
	require.Equal(t, uint64(500), d.TotalSlashed)
	require.Equal(t, uint64(1_500), d.Total())
}

// TestSlashAfterClaims tests routing once the requester and a node claimed.
func TestSlashAfterClaims(t *testing.T) {
	f := newFixture(t)
	f.fail(t, 1, protocol.StageKeyPublished, 1_000)
	honest := nodes(2)

	_, err := f.m.CalculateRefund(coordinator, 1, 1_000, honest)
	require.NoError(t, err)

	_, err = f.m.ClaimRequesterRefund(requester, 1)
	require.NoError(t, err)
	_, err = f.m.ClaimHonestNodeReward(honest[0], 1)
	require.NoError(t, err)

	f.slash(t, 1, 100)

	d, ok := f.m.Distribution(1)
	require.True(t, ok)
	require.Equal(t, uint64(550), d.RequesterAmount)
	require.Equal(t, uint64(400), d.HonestNodeAmount)
	require.Equal(t, uint64(150), d.ProtocolAmount)

	got, err := f.m.ClaimHonestNodeReward(honest[1], 1)
	require.NoError(t, err)
	require.Equal(t, uint64(200), got)

	_, err = f.m.ClaimProtocolShare(treasury, 1)
	require.NoError(t, err)
	f.slash(t, 1, 10)

	got, err = f.m.ClaimProtocolShare(treasury, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(10), got)
	require.Equal(t, uint64(0), f.ledger.BalanceOf(account))
}

// TestSlashWithoutHonestNodes tests the honest half goes to the protocol.
func TestSlashWithoutHonestNodes(t *testing.T) {
	f := newFixture(t)
	f.fail(t, 1, protocol.StageRequested, 1_000)

	_, err := f.m.CalculateRefund(coordinator, 1, 1_000, nil)
	require.NoError(t, err)
	_, err = f.m.ClaimRequesterRefund(requester, 1)
	require.NoError(t, err)

	f.slash(t, 1, 40)

	d, _ := f.m.Distribution(1)
	require.Equal(t, uint64(90), d.ProtocolAmount)
	require.Equal(t, uint64(0), d.HonestNodeAmount)

	e, ok := f.buf.Last(events.SlashedFundsRouted)
	require.True(t, ok)
	require.Equal(t, uint64(40), e.Uint("toProtocol"))
}

// TestDistributionConservation tests every calculated distribution accounts
// for exactly the payment plus slashed funds and never pays out more.
func TestDistributionConservation(t *testing.T) {
	stages := []protocol.Stage{
		protocol.StageRequested,
		protocol.StageCommitteeFinalized,
		protocol.StageKeyPublished,
		protocol.StageActivated,
		protocol.StageCiphertextReady,
	}

	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)

		payment := rapid.Uint64Range(0, 1<<40).Draw(rt, "payment")
		stage := rapid.SampledFrom(stages).Draw(rt, "stage")
		honest := nodes(rapid.IntRange(0, 7).Draw(rt, "honest"))
		before := rapid.SliceOfN(rapid.Uint64Range(1, 1<<30), 0, 3).Draw(rt, "before")
		after := rapid.SliceOfN(rapid.Uint64Range(1, 1<<30), 0, 3).Draw(rt, "after")

		f.fail(t, 1, stage, payment)

		var slashed uint64
		for _, a := range before {
			f.slash(t, 1, a)
			slashed += a
		}

		if _, err := f.m.CalculateRefund(coordinator, 1, payment, honest); err != nil {
			rt.Fatalf("calculate: %v", err)
		}

		if rapid.Bool().Draw(rt, "requesterClaims") {
			if _, err := f.m.ClaimRequesterRefund(requester, 1); err != nil {
				rt.Fatalf("requester claim: %v", err)
			}
		}

		for _, a := range after {
			f.slash(t, 1, a)
			slashed += a
		}

		d, _ := f.m.Distribution(1)
		if d.Total() != payment+slashed {
			rt.Fatalf("total %d, want %d", d.Total(), payment+slashed)
		}

		if n := uint64(len(honest)); n > 0 && d.HonestNodeAmount%n != 0 {
			rt.Fatalf("honest amount %d not a multiple of %d", d.HonestNodeAmount, n)
		}

		if !d.RequesterClaimed {
			if _, err := f.m.ClaimRequesterRefund(requester, 1); err != nil {
				rt.Fatalf("requester claim: %v", err)
			}
		}

		for _, h := range honest {
			if _, err := f.m.ClaimHonestNodeReward(h, 1); err != nil {
				rt.Fatalf("honest claim: %v", err)
			}
		}

		if d.ProtocolAmount > 0 {
			if _, err := f.m.ClaimProtocolShare(treasury, 1); err != nil {
				rt.Fatalf("protocol claim: %v", err)
			}
		}

		if got := f.ledger.BalanceOf(account); got != 0 {
			rt.Fatalf("escrow left with %d", got)
		}
	})
}

// TestExportImport tests the state survives a round trip.
func TestExportImport(t *testing.T) {
	f := newFixture(t)
	f.fail(t, 1, protocol.StageKeyPublished, 1_000)
	f.fail(t, 2, protocol.StageRequested, 500)
	f.slash(t, 2, 20)

	_, err := f.m.CalculateRefund(coordinator, 1, 1_000, nodes(2))
	require.NoError(t, err)
	_, err = f.m.ClaimHonestNodeReward(nodes(2)[1], 1)
	require.NoError(t, err)

	state := f.m.Export()

	g := newFixture(t)
	g.m.Import(state)
	require.Equal(t, state, g.m.Export())
	require.Equal(t, uint64(20), g.m.PendingSlashed(2))

	d, ok := g.m.Distribution(1)
	require.True(t, ok)
	require.Equal(t, []protocol.Address{nodes(2)[1]}, d.Claimed)
}

// TestReleasePending tests queued funds of a completed instance go to the treasury.
func TestReleasePending(t *testing.T) {
	f := newFixture(t)
	f.instances[1] = lifecycle.Instance{ID: 1, Stage: protocol.StageComplete}
	f.slash(t, 1, 70)

	_, err := f.m.ReleasePending(requester, 1)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)

	got, err := f.m.ReleasePending(coordinator, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(70), got)
	require.Equal(t, uint64(70), f.ledger.BalanceOf(treasury))
	require.Equal(t, uint64(0), f.m.PendingSlashed(1))

	got, err = f.m.ReleasePending(coordinator, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), got)
}

// TestExcludeHonestNode tests a node slashed after calculation loses its
// share while the distribution keeps its total.
func TestExcludeHonestNode(t *testing.T) {
	f := newFixture(t)
	honest := nodes(3)
	f.fail(t, 1, protocol.StageCommitteeFinalized, 400)

	d, err := f.m.CalculateRefund(coordinator, 1, 400, honest)
	require.NoError(t, err)
	require.Equal(t, uint64(39), d.HonestNodeAmount)
	require.Equal(t, uint64(21), d.ProtocolAmount)

	_, err = f.m.ExcludeHonestNode(escrower, 1, honest[0])
	require.ErrorIs(t, err, protocol.ErrUnauthorized)

	removed, err := f.m.ExcludeHonestNode(coordinator, 2, honest[0])
	require.NoError(t, err)
	require.False(t, removed)

	removed, err = f.m.ExcludeHonestNode(coordinator, 1, honest[0])
	require.NoError(t, err)
	require.True(t, removed)

	d, _ = f.m.Distribution(1)
	require.Equal(t, honest[1:], d.HonestNodes)
	require.Equal(t, uint64(38), d.HonestNodeAmount)
	require.Equal(t, uint64(22), d.ProtocolAmount)
	require.Equal(t, d.OriginalPayment, d.Total())

	_, ok := f.buf.Last(events.HonestNodeExcluded)
	require.True(t, ok)

	_, err = f.m.ClaimHonestNodeReward(honest[0], 1)
	require.ErrorIs(t, err, protocol.ErrNotHonestNode)

	got, err := f.m.ClaimHonestNodeReward(honest[1], 1)
	require.NoError(t, err)
	require.Equal(t, uint64(19), got)

	removed, err = f.m.ExcludeHonestNode(coordinator, 1, honest[1])
	require.NoError(t, err)
	require.False(t, removed)
}

// TestExcludeAfterClaims tests exclusion after a claim moves only the
// excluded share to the protocol.
func TestExcludeAfterClaims(t *testing.T) {
	f := newFixture(t)
	honest := nodes(3)
	f.fail(t, 1, protocol.StageKeyPublished, 3_000)

	_, err := f.m.CalculateRefund(coordinator, 1, 3_000, honest)
	require.NoError(t, err)

	got, err := f.m.ClaimHonestNodeReward(honest[0], 1)
	require.NoError(t, err)
	require.Equal(t, uint64(400), got)

	removed, err := f.m.ExcludeHonestNode(coordinator, 1, honest[2])
	require.NoError(t, err)
	require.True(t, removed)

	d, _ := f.m.Distribution(1)
	require.Equal(t, uint64(800), d.HonestNodeAmount)
	require.Equal(t, uint64(550), d.ProtocolAmount)
	require.Equal(t, uint64(400), d.PerNodeShare())
	require.Equal(t, d.OriginalPayment, d.Total())

	got, err = f.m.ClaimHonestNodeReward(honest[1], 1)
	require.NoError(t, err)
	require.Equal(t, uint64(400), got)
}

// TestExcludeLastHonestNode tests the whole honest amount goes to the
// protocol when no honest node remains.
func TestExcludeLastHonestNode(t *testing.T) {
	f := newFixture(t)
	honest := nodes(1)
	f.fail(t, 1, protocol.StageCommitteeFinalized, 400)

	_, err := f.m.CalculateRefund(coordinator, 1, 400, honest)
	require.NoError(t, err)

	_, err = f.m.ExcludeHonestNode(coordinator, 1, honest[0])
	require.NoError(t, err)

	d, _ := f.m.Distribution(1)
	require.Empty(t, d.HonestNodes)
	require.Zero(t, d.HonestNodeAmount)
	require.Equal(t, uint64(60), d.ProtocolAmount)
	require.Equal(t, d.OriginalPayment, d.Total())
}

// TestClaimProtocolShareEmpty tests an empty protocol share pays nothing
// without reporting a prior claim.
func TestClaimProtocolShareEmpty(t *testing.T) {
	f := newFixture(t)
	f.instances[1] = lifecycle.Instance{
		ID:             1,
		Stage:          protocol.StageFailed,
		Requester:      requester,
		StageAtFailure: protocol.StageRequested,
	}

	_, err := f.m.CalculateRefund(coordinator, 1, 0, nil)
	require.NoError(t, err)

	got, err := f.m.ClaimProtocolShare(treasury, 1)
	require.NoError(t, err)
	require.Zero(t, got)

	f.fail(t, 2, protocol.StageRequested, 1_000)
	_, err = f.m.CalculateRefund(coordinator, 2, 1_000, nil)
	require.NoError(t, err)

	got, err = f.m.ClaimProtocolShare(treasury, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(50), got)

	_, err = f.m.ClaimProtocolShare(treasury, 2)
	require.ErrorIs(t, err, protocol.ErrAlreadyClaimed)
}
