// Package verifier holds the named verification modules bound to E3
// programs, encryption schemes and slashing policies.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"E3Kernel/internal/protocol"
)

var (
	// ErrVerifierNotFound is returned when no verifier is registered under a name.
	ErrVerifierNotFound = errors.New("verifier not found")

	// ErrVerifierExists is returned when registering a taken name.
	ErrVerifierExists = errors.New("verifier already registered")
)

// Verifier checks a payload. A false result with a nil error is a
// rejected payload; an error means the check itself could not run.
type Verifier interface {
	Verify(ctx context.Context, payload []byte) (bool, error)
}

// Func adapts a function to Verifier.
type Func func(ctx context.Context, payload []byte) (bool, error)

// Verify calls f.
func (f Func) Verify(ctx context.Context, payload []byte) (bool, error) {
	return f(ctx, payload)
}

// Static accepts or rejects everything.
type Static bool

// Verify returns the static result.
func (s Static) Verify(context.Context, []byte) (bool, error) {
	return bool(s), nil
}

// Payload is the input handed to a verifier.
type Payload struct {
	E3      uint64           `cbor:"1,keyasint"`
	Kind    string           `cbor:"2,keyasint"` // Kind is "params", "ciphertext", "plaintext" or a slash reason
	Subject protocol.Address `cbor:"3,keyasint"` // Subject is the accused operator for slashing proofs
	Data    []byte           `cbor:"4,keyasint"`
	Proof   []byte           `cbor:"5,keyasint"`
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return em
}()

// Encode returns the deterministic CBOR form.
func (p Payload) Encode() ([]byte, error) {
	b, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload:\n%w", err)
	}

	return b, nil
}

// DecodePayload parses a payload.
func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := cbor.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload:\n%w", err)
	}

	return p, nil
}

// Registry maps names to verifiers. It is safe for concurrent access.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{verifiers: make(map[string]Verifier)}
}

// Register binds a verifier to a name.
func (r *Registry) Register(name string, v Verifier) error {
	if name == "" || v == nil {
		return fmt.Errorf("register verifier %q: %w", name, protocol.ErrInvalidConfiguration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.verifiers[name]; ok {
		return fmt.Errorf("register verifier %q: %w", name, ErrVerifierExists)
	}

	r.verifiers[name] = v

	return nil
}

// Get returns the verifier registered under name.
func (r *Registry) Get(name string) (Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.verifiers[name]
	if !ok {
		return nil, fmt.Errorf("verifier %q: %w", name, ErrVerifierNotFound)
	}

	return v, nil
}

// Has reports whether a verifier is registered under name.
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)

	return err == nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.verifiers))
	for n := range r.verifiers {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Check encodes the payload and runs the named verifier.
func (r *Registry) Check(ctx context.Context, name string, p Payload) (bool, error) {
	v, err := r.Get(name)
	if err != nil {
		return false, err
	}

	b, err := p.Encode()
	if err != nil {
		return false, err
	}

	ok, err := v.Verify(ctx, b)
	if err != nil {
		return false, fmt.Errorf("verifier %q:\n%w", name, err)
	}

	return ok, nil
}
