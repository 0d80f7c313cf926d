package params

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"E3Kernel/internal/events"
	"E3Kernel/internal/protocol"
)

var (
	owner    = protocol.DeriveAddress("owner")
	treasury = protocol.DeriveAddress("treasury")
	stranger = protocol.DeriveAddress("stranger")
)

func newTestParams(t *testing.T) (*Params, *events.Buffer) {
	t.Helper()

	buf := events.NewBuffer(protocol.NewManualClock(time.Unix(0, 0)))

	p, err := New(owner, treasury, Defaults(), buf)
	require.NoError(t, err)

	return p, buf
}

// TestDefaultsValid tests the default configuration passes validation.
func TestDefaultsValid(t *testing.T) {
	require.NoError(t, Defaults().Validate())
	require.Equal(t, uint64(protocol.BpsMax), Defaults().Work.Total())
}

// TestValidateCollectsAll tests every violation is reported at once.
func TestValidateCollectsAll(t *testing.T) {
	v := Defaults()
	v.TicketPrice = 0
	v.LicenseActiveBps = 10_001
	v.Work.ProtocolBps = 0

	err := v.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ticket price")
	require.Contains(t, err.Error(), "license active bps")
	require.Contains(t, err.Error(), "work allocation")
}

// TestSetterReturnsOldNew tests a valid owner change.
func TestSetterReturnsOldNew(t *testing.T) {
	p, buf := newTestParams(t)

	old, next, err := p.SetTicketPrice(owner, 25)
	require.NoError(t, err)
	require.Equal(t, uint64(10), old)
	require.Equal(t, uint64(25), next)
	require.Equal(t, uint64(25), p.Get().TicketPrice)

	e, ok := buf.Last(events.ConfigChanged)
	require.True(t, ok)

	key, _ := e.Get("key")
	prev, _ := e.Get("old")
	now, _ := e.Get("new")
	require.Equal(t, "ticketPrice", key)
	require.Equal(t, "10", prev)
	require.Equal(t, "25", now)
}

// TestSetterRejectsStranger tests the owner gate.
func TestSetterRejectsStranger(t *testing.T) {
	p, buf := newTestParams(t)

	_, _, err := p.SetExitDelay(stranger, time.Hour)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)
	require.Equal(t, Defaults().ExitDelay, p.Get().ExitDelay)
	require.Empty(t, buf.Events())
}

// TestSetterRevertsInvalid tests an invalid change leaves state untouched.
func TestSetterRevertsInvalid(t *testing.T) {
	p, buf := newTestParams(t)

	_, _, err := p.SetWorkAllocation(owner, WorkAllocation{CommitteeFormationBps: 5000, DKGBps: 5000, DecryptionBps: 1})
	require.ErrorIs(t, err, protocol.ErrInvalidConfiguration)
	require.Equal(t, Defaults().Work, p.Get().Work)

	_, _, err = p.SetMinTicketBalance(owner, 0)
	require.True(t, errors.Is(err, protocol.ErrInvalidConfiguration))

	_, _, err = p.SetTreasury(owner, protocol.ZeroAddress)
	require.ErrorIs(t, err, protocol.ErrInvalidConfiguration)
	require.Equal(t, treasury, p.Treasury())

	require.Empty(t, buf.Events())
}

// TestSubmissionWindowBoundedByFormation tests the cross-field rule.
func TestSubmissionWindowBoundedByFormation(t *testing.T) {
	p, _ := newTestParams(t)

	_, _, err := p.SetSubmissionWindow(owner, 2*time.Hour)
	require.ErrorIs(t, err, protocol.ErrInvalidConfiguration)
}

// TestTransferOwnership tests the owner role moves.
func TestTransferOwnership(t *testing.T) {
	p, _ := newTestParams(t)

	require.ErrorIs(t, p.TransferOwnership(stranger, stranger), protocol.ErrUnauthorized)
	require.NoError(t, p.TransferOwnership(owner, stranger))
	require.True(t, p.IsOwner(stranger))

	_, _, err := p.SetTicketPrice(owner, 1)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)
}

// TestExportImport tests state restoration.
func TestExportImport(t *testing.T) {
	p, _ := newTestParams(t)
	snap := p.Export()

	require.NoError(t, p.SetFees(owner, 1, 2))
	p.Import(snap)

	require.Equal(t, Defaults().BaseFee, p.Get().BaseFee)
	require.Equal(t, Defaults().PerNodeFee, p.Get().PerNodeFee)
}
