package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"E3Kernel/internal/events"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
)

var (
	owner       = protocol.DeriveAddress("owner")
	treasury    = protocol.DeriveAddress("treasury")
	coordinator = protocol.DeriveAddress("coordinator")
	requester   = protocol.DeriveAddress("requester")
)

type fixture struct {
	clock  *protocol.ManualClock
	buf    *events.Buffer
	params *params.Params
	c      *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := protocol.NewManualClock(time.Unix(1_700_000_000, 0).UTC())
	buf := events.NewBuffer(clock)

	p, err := params.New(owner, treasury, params.Defaults(), buf)
	require.NoError(t, err)

	return &fixture{clock: clock, buf: buf, params: p, c: New(p, coordinator, clock, buf)}
}

func (f *fixture) request(t *testing.T) uint64 {
	t.Helper()

	id, err := f.c.OnE3Requested(coordinator, Request{
		Requester:        requester,
		Threshold:        Threshold{M: 2, N: 3},
		Program:          "sum",
		Scheme:           "bfv",
		Payment:          1_000_000,
		ActivationExpiry: f.clock.Now().Add(3 * time.Hour),
	})
	require.NoError(t, err)

	return id
}

// advanceTo drives a fresh instance to the given stage.
func (f *fixture) advanceTo(t *testing.T, stage protocol.Stage) uint64 {
	t.Helper()

	id := f.request(t)
	steps := []func() error{
		func() error { return f.c.OnCommitteeFinalized(coordinator, id) },
		func() error { return f.c.OnKeyPublished(coordinator, id, protocol.Digest([]byte("pk"))) },
		func() error { return f.c.OnActivated(coordinator, id, f.clock.Now().Add(time.Minute)) },
		func() error {
			f.clock.Advance(time.Minute)
			return f.c.OnCiphertextPublished(coordinator, id, []byte("ct"))
		},
		func() error { return f.c.OnPlaintextPublished(coordinator, id, []byte("42")) },
	}

	for i := 0; protocol.StageRequested+protocol.Stage(i) < stage; i++ {
		require.NoError(t, steps[i]())
	}
	require.Equal(t, stage, f.c.Stage(id))

	return id
}

// TestHappyPath tests every forward transition and its deadline.
func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	start := f.clock.Now()
	timeouts := f.params.Get().Timeouts

	id := f.request(t)
	require.Equal(t, uint64(1), id)

	d, err := f.c.Deadlines(id)
	require.NoError(t, err)
	require.Equal(t, start.Add(timeouts.CommitteeFormationWindow), d.Committee)

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.c.OnCommitteeFinalized(coordinator, id))
	d, _ = f.c.Deadlines(id)
	require.Equal(t, f.clock.Now().Add(timeouts.DKGWindow), d.DKG)

	require.NoError(t, f.c.OnKeyPublished(coordinator, id, protocol.Digest([]byte("pk"))))
	d, _ = f.c.Deadlines(id)
	require.Equal(t, start.Add(3*time.Hour), d.Activation)

	input := f.clock.Now().Add(30 * time.Minute)
	require.NoError(t, f.c.OnActivated(coordinator, id, input))
	d, _ = f.c.Deadlines(id)
	require.Equal(t, input, d.Input)
	require.Equal(t, input.Add(timeouts.ComputeWindow), d.Compute)

	require.NoError(t, f.c.OnInputPublished(coordinator, id, protocol.Digest([]byte("x"))))
	require.ErrorIs(t, f.c.OnCiphertextPublished(coordinator, id, []byte("ct")), protocol.ErrInputDeadlineNotPassed)

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.c.OnCiphertextPublished(coordinator, id, []byte("ct")))
	d, _ = f.c.Deadlines(id)
	require.Equal(t, f.clock.Now().Add(timeouts.DecryptionWindow), d.Decryption)

	require.NoError(t, f.c.OnPlaintextPublished(coordinator, id, []byte("42")))

	inst, err := f.c.Instance(id)
	require.NoError(t, err)
	require.Equal(t, protocol.StageComplete, inst.Stage)
	require.Equal(t, uint64(1), inst.Inputs)
	require.Equal(t, []byte("42"), inst.PlaintextOutput)
}

// TestTransitionGuards tests role, predecessor and terminal checks.
func TestTransitionGuards(t *testing.T) {
	f := newFixture(t)
	id := f.request(t)

	require.ErrorIs(t, f.c.OnCommitteeFinalized(requester, id), protocol.ErrUnauthorized)
	require.ErrorIs(t, f.c.OnKeyPublished(coordinator, id, protocol.Hash{}), protocol.ErrInvalidStage)
	require.ErrorIs(t, f.c.OnCommitteeFinalized(coordinator, 99), protocol.ErrE3NotFound)

	done := f.advanceTo(t, protocol.StageComplete)
	require.ErrorIs(t, f.c.OnCommitteeFinalized(coordinator, done), protocol.ErrE3AlreadyComplete)
	_, err := f.c.MarkE3Failed(done)
	require.ErrorIs(t, err, protocol.ErrE3AlreadyComplete)

	require.NoError(t, f.c.FailE3(coordinator, id, protocol.FailureInsufficientCommitteeMembers))
	require.ErrorIs(t, f.c.OnCommitteeFinalized(coordinator, id), protocol.ErrE3AlreadyFailed)
	require.ErrorIs(t, f.c.FailE3(coordinator, id, protocol.FailureCommitteeSlashed), protocol.ErrE3AlreadyFailed)
}

// TestRequestValidation tests threshold and expiry validation.
func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.c.OnE3Requested(coordinator, Request{Threshold: Threshold{M: 3, N: 2}, ActivationExpiry: f.clock.Now().Add(time.Hour)})
	require.ErrorIs(t, err, protocol.ErrInvalidConfiguration)

	_, err = f.c.OnE3Requested(coordinator, Request{Threshold: Threshold{M: 1, N: 1}, ActivationExpiry: f.clock.Now()})
	require.ErrorIs(t, err, protocol.ErrActivationWindowClosed)

	_, err = f.c.OnE3Requested(requester, Request{Threshold: Threshold{M: 1, N: 1}, ActivationExpiry: f.clock.Now().Add(time.Hour)})
	require.ErrorIs(t, err, protocol.ErrUnauthorized)
}

// TestCommitteeFormationTimeout tests the formation window and grace.
func TestCommitteeFormationTimeout(t *testing.T) {
	f := newFixture(t)
	id := f.request(t)
	window := f.params.Get().Timeouts.CommitteeFormationWindow

	f.clock.Advance(window)
	ok, _ := f.c.CheckFailureCondition(id)
	require.False(t, ok)

	_, err := f.c.MarkE3Failed(id)
	require.ErrorIs(t, err, protocol.ErrFailureConditionNotMet)

	f.clock.Advance(time.Second)
	ok, reason := f.c.CheckFailureCondition(id)
	require.True(t, ok)
	require.Equal(t, protocol.FailureCommitteeFormationTimeout, reason)

	got, err := f.c.MarkE3Failed(id)
	require.NoError(t, err)
	require.Equal(t, protocol.FailureCommitteeFormationTimeout, got)

	inst, _ := f.c.Instance(id)
	require.Equal(t, protocol.StageRequested, inst.StageAtFailure)

	_, err = f.c.MarkE3Failed(id)
	require.ErrorIs(t, err, protocol.ErrE3AlreadyFailed)
}

// TestGracePeriod tests grace extends the actionable point.
func TestGracePeriod(t *testing.T) {
	f := newFixture(t)
	timeouts := f.params.Get().Timeouts
	timeouts.DKGGrace = 10 * time.Minute
	_, _, err := f.params.SetTimeouts(owner, timeouts)
	require.NoError(t, err)

	id := f.advanceTo(t, protocol.StageCommitteeFinalized)

	f.clock.Advance(timeouts.DKGWindow + 10*time.Minute)
	ok, _ := f.c.CheckFailureCondition(id)
	require.False(t, ok)

	f.clock.Advance(time.Second)
	ok, reason := f.c.CheckFailureCondition(id)
	require.True(t, ok)
	require.Equal(t, protocol.FailureDKGTimeout, reason)
}

// TestReasonPerStage tests each stage maps to its timeout reason.
func TestReasonPerStage(t *testing.T) {
	cases := []struct {
		stage  protocol.Stage
		reason protocol.FailureReason
	}{
		{protocol.StageRequested, protocol.FailureCommitteeFormationTimeout},
		{protocol.StageCommitteeFinalized, protocol.FailureDKGTimeout},
		{protocol.StageKeyPublished, protocol.FailureActivationWindowExpired},
		{protocol.StageActivated, protocol.FailureComputeTimeout},
		{protocol.StageCiphertextReady, protocol.FailureDecryptionTimeout},
	}

	for _, tc := range cases {
		f := newFixture(t)
		id := f.advanceTo(t, tc.stage)

		f.clock.Advance(24 * time.Hour)
		ok, reason := f.c.CheckFailureCondition(id)
		if !ok || reason != tc.reason {
			t.Errorf("%s: got (%v, %s), want (true, %s)", tc.stage, ok, reason, tc.reason)
		}
	}
}

// TestActivationWindow tests late activation and input deadline rules.
func TestActivationWindow(t *testing.T) {
	f := newFixture(t)
	id := f.advanceTo(t, protocol.StageKeyPublished)

	require.ErrorIs(t, f.c.OnActivated(coordinator, id, f.clock.Now()), protocol.ErrInvalidConfiguration)

	f.clock.Advance(4 * time.Hour)
	require.ErrorIs(t, f.c.OnActivated(coordinator, id, f.clock.Now().Add(time.Hour)), protocol.ErrActivationWindowClosed)

	g := newFixture(t)
	active := g.advanceTo(t, protocol.StageActivated)
	g.clock.Advance(time.Minute + time.Second)
	require.ErrorIs(t, g.c.OnInputPublished(coordinator, active, protocol.Hash{}), protocol.ErrInputDeadlinePassed)
}

// TestInstancesIsolated tests failing one instance leaves another untouched.
func TestInstancesIsolated(t *testing.T) {
	f := newFixture(t)
	a := f.request(t)

	f.clock.Advance(30 * time.Minute)
	b := f.request(t)

	f.clock.Advance(31 * time.Minute)
	_, err := f.c.MarkE3Failed(a)
	require.NoError(t, err)

	ok, _ := f.c.CheckFailureCondition(b)
	require.False(t, ok)
	require.NoError(t, f.c.OnCommitteeFinalized(coordinator, b))
	require.Equal(t, protocol.StageFailed, f.c.Stage(a))
}

// TestStageEvents tests transitions emit before/after stage changes.
func TestStageEvents(t *testing.T) {
	f := newFixture(t)
	id := f.request(t)
	f.buf.Discard()

	require.NoError(t, f.c.OnCommitteeFinalized(coordinator, id))

	e, ok := f.buf.Last(events.E3StageChanged)
	require.True(t, ok)
	from, _ := e.Get("from")
	to, _ := e.Get("to")
	require.Equal(t, "Requested", from)
	require.Equal(t, "CommitteeFinalized", to)
	require.Equal(t, id, e.E3)
}
