package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"E3Kernel/internal/api"
	"E3Kernel/internal/kernel"
	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/params"
	"E3Kernel/internal/protocol"
	"E3Kernel/internal/storage"
	"E3Kernel/internal/verifier"
)

var (
	owner     = protocol.DeriveAddress("owner")
	requester = protocol.DeriveAddress("requester")
)

// newTestNode serves a kernel holding one requested E3 whose committee
// formation window has passed.
func newTestNode(t *testing.T) (*Client, *kernel.Kernel) {
	t.Helper()

	store, err := storage.Open(t.TempDir(), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := verifier.NewRegistry()
	require.NoError(t, reg.Register("accept", verifier.Static(true)))

	clock := protocol.NewManualClock(time.Unix(1_700_000_000, 0).UTC())
	k, err := kernel.New(kernel.Config{
		Owner:     owner,
		Treasury:  protocol.DeriveAddress("treasury"),
		Params:    params.Defaults(),
		Clock:     clock,
		Verifiers: reg,
		Store:     store,
	})
	require.NoError(t, err)

	require.NoError(t, k.EnableProgram(owner, "sum", "accept"))
	require.NoError(t, k.EnableEncryptionScheme(owner, "bfv", "accept"))
	require.NoError(t, k.Mint(owner, kernel.AssetPayment, requester, 1_000))
	require.NoError(t, k.Approve(requester, kernel.AssetPayment, k.Accounts().Kernel, 1_000))

	_, err = k.Request(context.Background(), requester, kernel.Request{
		Threshold:        lifecycle.Threshold{M: 2, N: 3},
		Program:          "sum",
		Scheme:           "bfv",
		ActivationExpiry: clock.Now().Add(3 * time.Hour),
	})
	require.NoError(t, err)

	clock.Advance(k.Params().Timeouts.CommitteeFormationWindow + time.Second)

	srv := httptest.NewServer(api.New("", k, nil).Handler())
	t.Cleanup(srv.Close)

	return New(srv.URL), k
}

// TestNewAddress tests base URL normalization.
func TestNewAddress(t *testing.T) {
	require.Equal(t, "http://127.0.0.1:8080", New("127.0.0.1:8080").baseURL)
	require.Equal(t, "http://localhost:8080", New("localhost:8080").baseURL)
	require.Equal(t, "https://node.example", New("https://node.example").baseURL)
}

// TestStatusAndInstance tests the read endpoints.
func TestStatusAndInstance(t *testing.T) {
	c, k := newTestNode(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), status.Instances)
	require.Equal(t, k.LastSeq(), status.LastSeq)

	inst, err := c.Instance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Requested", inst.Stage)
	require.Equal(t, requester, inst.Requester)
	require.Equal(t, uint64(400), inst.Payment)

	round, err := c.Round(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(3), round.Threshold)
}

// TestNotFound tests that API errors surface as StatusError.
func TestNotFound(t *testing.T) {
	c, _ := newTestNode(t)

	_, err := c.Instance(context.Background(), 99)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusNotFound, se.Code)
	require.NotEmpty(t, se.Message)
}

// TestMarkFailedAndRefund tests failing a timed-out E3 and reading its refund.
func TestMarkFailedAndRefund(t *testing.T) {
	c, _ := newTestNode(t)
	ctx := context.Background()

	failure, err := c.Failure(ctx, 1)
	require.NoError(t, err)
	require.True(t, failure.Failable)

	reason, err := c.MarkFailed(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "CommitteeFormationTimeout", reason)

	_, err = c.MarkFailed(ctx, 1)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusConflict, se.Code)

	d, err := c.Refund(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(380), d.RequesterAmount)
	require.Equal(t, uint64(20), d.ProtocolAmount)

	_, err = c.WaitForStage(ctx, 1, protocol.StageComplete, time.Millisecond)
	require.Error(t, err)
}

// TestEvents tests event paging.
func TestEvents(t *testing.T) {
	c, _ := newTestNode(t)

	evs, err := c.Events(context.Background(), 2, 3)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, uint64(2), evs[0].Seq)
	require.Equal(t, uint64(4), evs[2].Seq)
}
