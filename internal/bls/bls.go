// Package bls wraps BLS12-381 min-pubkey signatures for committee
// attestations and misbehavior evidence.
package bls

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"

	"E3Kernel/internal/protocol"
)

const (
	// PublicKeySize is the size of a compressed public key.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed signature.
	SignatureSize = 96
)

// dst is the domain separation tag for signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

var (
	ErrNoSignatures     = errors.New("no signatures to aggregate")
	ErrInvalidSignature = errors.New("invalid signature encoding")
	ErrInvalidKey       = errors.New("invalid public key encoding")
)

// KeyPair is a BLS secret and public key.
type KeyPair struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// Generate creates a key pair from random bytes.
func Generate() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("read random seed:\n%w", err)
	}

	return FromSeed(ikm[:])
}

// FromSeed creates a deterministic key pair. The seed must be 32 bytes or more.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed is %d bytes, need at least 32", len(seed))
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("derive bls secret key")
	}

	return &KeyPair{secret: secret, public: new(blst.P1Affine).From(secret)}, nil
}

// FromLabel derives a key pair from a label, for operators without key storage.
func FromLabel(label string) (*KeyPair, error) {
	seed := blake3.Sum256([]byte("e3-bls-keygen" + label))

	return FromSeed(seed[:])
}

// Sign signs message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, dst).Compress()
}

// PublicKey returns the compressed public key.
func (k *KeyPair) PublicKey() []byte {
	return k.public.Compress()
}

// ProvePossession signs the public key itself, binding it to its secret.
func (k *KeyPair) ProvePossession() []byte {
	return k.Sign(possessionMessage(k.PublicKey()))
}

func possessionMessage(publicKey []byte) []byte {
	return append([]byte("e3-pop"), publicKey...)
}

// VerifyPossession checks a proof of possession produced by ProvePossession.
func VerifyPossession(publicKey, proof []byte) bool {
	return Verify(proof, possessionMessage(publicKey), publicKey)
}

func decodeKey(b []byte) (*blst.P1Affine, error) {
	if len(b) != PublicKeySize {
		return nil, ErrInvalidKey
	}

	pk := new(blst.P1Affine).Uncompress(b)
	if pk == nil || !pk.KeyValidate() {
		return nil, ErrInvalidKey
	}

	return pk, nil
}

func decodeSignature(b []byte) (*blst.P2Affine, error) {
	if len(b) != SignatureSize {
		return nil, ErrInvalidSignature
	}

	sig := new(blst.P2Affine).Uncompress(b)
	if sig == nil {
		return nil, ErrInvalidSignature
	}

	return sig, nil
}

// ValidateKey reports whether b is a well-formed public key.
func ValidateKey(b []byte) error {
	_, err := decodeKey(b)

	return err
}

// Verify checks a signature over message.
func Verify(signature, message, publicKey []byte) bool {
	sig, err := decodeSignature(signature)
	if err != nil {
		return false
	}

	pk, err := decodeKey(publicKey)
	if err != nil {
		return false
	}

	return sig.Verify(true, pk, false, message, dst)
}

// Aggregate combines signatures over the same message.
func Aggregate(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, ErrNoSignatures
	}

	sigs := make([]*blst.P2Affine, len(signatures))
	for i, b := range signatures {
		sig, err := decodeSignature(b)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("aggregate %d signatures: %w", len(sigs), ErrInvalidSignature)
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregate checks an aggregate signature of every key over message.
func VerifyAggregate(signature, message []byte, publicKeys [][]byte) bool {
	if len(publicKeys) == 0 {
		return false
	}

	sig, err := decodeSignature(signature)
	if err != nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))
	for i, b := range publicKeys {
		pk, err := decodeKey(b)
		if err != nil {
			return false
		}

		pks[i] = pk
	}

	agg := new(blst.P1Aggregate)
	if !agg.Aggregate(pks, false) {
		return false
	}

	return sig.Verify(true, agg.ToAffine(), false, message, dst)
}

// CommitteeMessage is what every committee member signs to attest the
// aggregated public key of e3: BLAKE3("e3-committee" || e3 || publicKey).
func CommitteeMessage(e3 uint64, publicKey []byte) []byte {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], e3)

	h := blake3.New()
	h.Write([]byte("e3-committee"))
	h.Write(id[:])
	h.Write(publicKey)

	return h.Sum(nil)
}

// VoteMessage is what a committee member signs when it contributes the
// artifact digest for one protocol slot of e3.
func VoteMessage(e3, slot uint64, digest protocol.Hash) []byte {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], e3)
	binary.BigEndian.PutUint64(buf[8:], slot)

	h := blake3.New()
	h.Write([]byte("e3-vote"))
	h.Write(buf[:])
	h.Write(digest[:])

	return h.Sum(nil)
}
