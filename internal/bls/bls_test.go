package bls

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"E3Kernel/internal/protocol"
)

func testKeys(t *testing.T, n int) []*KeyPair {
	t.Helper()

	keys := make([]*KeyPair, n)
	for i := range keys {
		k, err := FromLabel(fmt.Sprintf("node-%d", i))
		require.NoError(t, err)
		keys[i] = k
	}

	return keys
}

// TestSignVerify tests a single signature.
func TestSignVerify(t *testing.T) {
	k := testKeys(t, 1)[0]
	msg := []byte("hello")

	sig := k.Sign(msg)
	require.Len(t, sig, SignatureSize)
	require.Len(t, k.PublicKey(), PublicKeySize)
	require.True(t, Verify(sig, msg, k.PublicKey()))
	require.False(t, Verify(sig, []byte("other"), k.PublicKey()))
	require.False(t, Verify(sig[:10], msg, k.PublicKey()))
}

// TestFromLabelDeterministic tests label derivation is stable.
func TestFromLabelDeterministic(t *testing.T) {
	a, err := FromLabel("x")
	require.NoError(t, err)
	b, err := FromLabel("x")
	require.NoError(t, err)

	require.Equal(t, a.PublicKey(), b.PublicKey())

	_, err = FromSeed([]byte("short"))
	require.Error(t, err)
}

// TestCommitteeAttestation tests aggregate verification over every member key.
func TestCommitteeAttestation(t *testing.T) {
	keys := testKeys(t, 3)
	msg := CommitteeMessage(7, []byte("aggregated fhe public key"))

	var sigs, pks [][]byte
	for _, k := range keys {
		sigs = append(sigs, k.Sign(msg))
		pks = append(pks, k.PublicKey())
	}

	agg, err := Aggregate(sigs)
	require.NoError(t, err)
	require.True(t, VerifyAggregate(agg, msg, pks))

	require.False(t, VerifyAggregate(agg, CommitteeMessage(8, []byte("aggregated fhe public key")), pks))
	require.False(t, VerifyAggregate(agg, msg, pks[:2]))
	require.False(t, VerifyAggregate(agg, msg, nil))

	_, err = Aggregate(nil)
	require.ErrorIs(t, err, ErrNoSignatures)
}

// TestPossession tests proofs of possession bind a key.
func TestPossession(t *testing.T) {
	keys := testKeys(t, 2)

	require.True(t, VerifyPossession(keys[0].PublicKey(), keys[0].ProvePossession()))
	require.False(t, VerifyPossession(keys[1].PublicKey(), keys[0].ProvePossession()))
	require.Error(t, ValidateKey([]byte("nope")))
	require.NoError(t, ValidateKey(keys[0].PublicKey()))
}

// TestEquivocation tests evidence validity and encoding.
func TestEquivocation(t *testing.T) {
	keys := testKeys(t, 2)
	a := protocol.Digest([]byte("share a"))
	b := protocol.Digest([]byte("share b"))

	e := Equivocation{
		Slot:    3,
		DigestA: a,
		DigestB: b,
		SigA:    keys[0].Sign(VoteMessage(9, 3, a)),
		SigB:    keys[0].Sign(VoteMessage(9, 3, b)),
	}
	require.True(t, e.Valid(9, keys[0].PublicKey()))
	require.False(t, e.Valid(10, keys[0].PublicKey()))
	require.False(t, e.Valid(9, keys[1].PublicKey()))

	decoded, err := DecodeEquivocation(e.Encode())
	require.NoError(t, err)
	require.Equal(t, e, decoded)

	same := e
	same.DigestB = a
	same.SigB = same.SigA
	require.False(t, same.Valid(9, keys[0].PublicKey()))

	_, err = DecodeEquivocation([]byte{1})
	require.Error(t, err)
}
