package verifier

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"E3Kernel/internal/bls"
	"E3Kernel/internal/protocol"
)

// Hand-assembled verification modules.
var (
	// verify() returns env.input_len().
	inputLenModule = mustHex(`0061736d01000000
		0105016000017f
		02110103656e7609696e7075745f6c656e0000
		03020100
		070a01067665726966790001
		0a0601040010000b`)

	// verify() returns 1.
	acceptModule = mustHex(`0061736d01000000
		0105016000017f
		03020100
		070a01067665726966790000
		0a0601040041010b`)

	// verify() returns 0.
	rejectModule = mustHex(`0061736d01000000
		0105016000017f
		03020100
		070a01067665726966790000
		0a0601040041000b`)

	// verify() charges 32 gas through env.gas then returns 1.
	gasModule = mustHex(`0061736d01000000
		0109026000017f60017f00
		020b0103656e76036761730001
		03020100
		070a01067665726966790001
		0a0a0108004120100041010b`)

	// exports nothing.
	emptyModule = mustHex(`0061736d01000000`)
)

func mustHex(s string) []byte {
	s = strings.Join(strings.Fields(s), "")

	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}

	return b
}

func newPool(t *testing.T) *Pool {
	t.Helper()

	ctx := context.Background()
	pool, err := NewPool(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close(ctx) })

	return pool
}

// TestStaticAndFunc tests the trivial verifiers.
func TestStaticAndFunc(t *testing.T) {
	ctx := context.Background()

	ok, err := Static(true).Verify(ctx, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _ = Static(false).Verify(ctx, nil)
	require.False(t, ok)

	f := Func(func(_ context.Context, p []byte) (bool, error) { return len(p) == 3, nil })
	ok, _ = f.Verify(ctx, []byte("abc"))
	require.True(t, ok)
}

// TestRegistry tests name binding and lookup.
func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("yes", Static(true)))
	require.NoError(t, r.Register("no", Static(false)))
	require.ErrorIs(t, r.Register("yes", Static(false)), ErrVerifierExists)
	require.ErrorIs(t, r.Register("", Static(true)), protocol.ErrInvalidConfiguration)

	_, err := r.Get("missing")
	require.ErrorIs(t, err, ErrVerifierNotFound)
	require.True(t, r.Has("no"))
	require.Equal(t, []string{"no", "yes"}, r.Names())

	ok, err := r.Check(context.Background(), "yes", Payload{E3: 1, Kind: "ciphertext", Data: []byte("ct")})
	require.NoError(t, err)
	require.True(t, ok)
}

// TestPayloadRoundtrip tests the CBOR form is deterministic and decodable.
func TestPayloadRoundtrip(t *testing.T) {
	p := Payload{E3: 7, Kind: "plaintext", Subject: protocol.DeriveAddress("op"), Data: []byte("42"), Proof: []byte{1, 2}}

	a, err := p.Encode()
	require.NoError(t, err)
	b, err := p.Encode()
	require.NoError(t, err)
	require.Equal(t, a, b)

	got, err := DecodePayload(a)
	require.NoError(t, err)
	require.Equal(t, p, got)

	_, err = DecodePayload([]byte{0xff})
	require.Error(t, err)
}

// TestPool_InputLen tests the host module feeds the payload to the guest.
func TestPool_InputLen(t *testing.T) {
	ctx := context.Background()
	pool := newPool(t)

	id, err := pool.Load(ctx, inputLenModule)
	require.NoError(t, err)
	require.Equal(t, protocol.Digest(inputLenModule), id)

	again, err := pool.Load(ctx, inputLenModule)
	require.NoError(t, err)
	require.Equal(t, id, again)

	result, _, err := pool.Execute(ctx, id, []byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, uint32(5), result)

	v := pool.Module(id, 0)
	ok, err := v.Verify(ctx, nil)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = v.Verify(ctx, []byte{1})
	require.NoError(t, err)
	require.True(t, ok)
}

// TestPool_ConstantModules tests accepting and rejecting modules.
func TestPool_ConstantModules(t *testing.T) {
	ctx := context.Background()
	pool := newPool(t)

	yes, err := pool.Load(ctx, acceptModule)
	require.NoError(t, err)
	no, err := pool.Load(ctx, rejectModule)
	require.NoError(t, err)

	ok, err := pool.Module(yes, 0).Verify(ctx, []byte("x"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = pool.Module(no, 0).Verify(ctx, []byte("x"))
	require.NoError(t, err)
	require.False(t, ok)
}

// TestPool_Gas tests metering and exhaustion.
func TestPool_Gas(t *testing.T) {
	ctx := context.Background()
	pool := newPool(t)

	id, err := pool.Load(ctx, gasModule)
	require.NoError(t, err)

	result, used, err := pool.Execute(ctx, id, nil, 100)
	require.NoError(t, err)
	require.Equal(t, uint32(1), result)
	require.Equal(t, uint64(32), used)

	_, _, err = pool.Execute(ctx, id, nil, 10)
	require.ErrorIs(t, err, ErrGasExhausted)

	ok, err := pool.Module(id, 10).Verify(ctx, nil)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestPool_Errors tests unknown ids, missing exports and unloading.
func TestPool_Errors(t *testing.T) {
	ctx := context.Background()
	pool := newPool(t)

	_, _, err := pool.Execute(ctx, protocol.Hash{}, nil, 0)
	require.ErrorIs(t, err, ErrModuleNotFound)

	_, err = pool.Load(ctx, emptyModule)
	require.Error(t, err)

	_, err = pool.Load(ctx, []byte("not wasm"))
	require.Error(t, err)

	id, err := pool.Load(ctx, acceptModule)
	require.NoError(t, err)
	pool.Unload(ctx, id)

	_, _, err = pool.Execute(ctx, id, nil, 0)
	require.ErrorIs(t, err, ErrModuleNotFound)
}

// TestPool_Concurrent tests parallel executions see their own input.
func TestPool_Concurrent(t *testing.T) {
	ctx := context.Background()
	pool := newPool(t)

	id, err := pool.Load(ctx, inputLenModule)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			result, _, err := pool.Execute(ctx, id, make([]byte, n), 0)
			if err == nil && result != uint32(n) {
				err = errMismatch
			}
			errs <- err
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

var errMismatch = errors.New("result does not match input length")

// TestEquivocation tests the BLS double-signing verifier.
func TestEquivocation(t *testing.T) {
	ctx := context.Background()
	op := protocol.DeriveAddress("op")

	kp, err := bls.FromLabel("op")
	require.NoError(t, err)

	keys := map[protocol.Address][]byte{op: kp.PublicKey()}
	v := NewEquivocation(func(a protocol.Address) []byte { return keys[a] })

	a, b := protocol.Digest([]byte("a")), protocol.Digest([]byte("b"))
	ev := bls.Equivocation{
		Slot:    3,
		DigestA: a,
		DigestB: b,
		SigA:    kp.Sign(bls.VoteMessage(9, 3, a)),
		SigB:    kp.Sign(bls.VoteMessage(9, 3, b)),
	}

	payload := func(subject protocol.Address, e3 uint64, proof []byte) []byte {
		out, err := Payload{E3: e3, Kind: "equivocation", Subject: subject, Proof: proof}.Encode()
		require.NoError(t, err)

		return out
	}

	ok, err := v.Verify(ctx, payload(op, 9, ev.Encode()))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = v.Verify(ctx, payload(op, 10, ev.Encode()))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = v.Verify(ctx, payload(protocol.DeriveAddress("other"), 9, ev.Encode()))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = v.Verify(ctx, payload(op, 9, []byte("short")))
	require.Error(t, err)
}
