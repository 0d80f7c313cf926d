package kernel

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"E3Kernel/internal/bonding"
	"E3Kernel/internal/events"
	"E3Kernel/internal/lifecycle"
	"E3Kernel/internal/params"
	"E3Kernel/internal/refund"
	"E3Kernel/internal/registry"
	"E3Kernel/internal/slashing"
	"E3Kernel/internal/sortition"
	"E3Kernel/internal/storage"
	"E3Kernel/internal/token"
)

// checkpointKey stores the latest compressed state. It sorts outside the event prefix.
var checkpointKey = []byte("k:checkpoint")

// checkpointVersion is the current checkpoint format version.
const checkpointVersion = 1

// Binding maps a program or encryption scheme to its verifier.
type Binding struct {
	Name     string
	Verifier string
}

// InstanceBinding pins the verifiers an instance was requested with.
type InstanceBinding struct {
	E3              uint64
	ProgramVerifier string
	SchemeVerifier  string
}

// State is the complete serializable kernel state.
type State struct {
	Params    params.State
	License   token.State
	Payment   token.State
	Bonding   bonding.State
	Sortition sortition.State
	Registry  registry.State
	Lifecycle lifecycle.State
	Refund    refund.State
	Slashing  slashing.State

	Programs []Binding
	Schemes  []Binding
	Bound    []InstanceBinding
	Nonce    uint64
	Height   uint64
}

// checkpoint is the persisted record.
type checkpoint struct {
	Version uint64
	Seq     uint64
	State   State
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano

	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}

	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func exportBindings(m map[string]string) []Binding {
	out := make([]Binding, 0, len(m))
	for name, v := range m {
		out = append(out, Binding{Name: name, Verifier: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func importBindings(b []Binding) map[string]string {
	m := make(map[string]string, len(b))
	for _, x := range b {
		m[x.Name] = x.Verifier
	}

	return m
}

func (k *Kernel) exportBound() []InstanceBinding {
	out := make([]InstanceBinding, 0, len(k.bound))
	for _, b := range k.bound {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].E3 < out[j].E3 })

	return out
}

func (k *Kernel) export() State {
	return State{
		Params:    k.params.Export(),
		License:   k.license.Export(),
		Payment:   k.payment.Export(),
		Bonding:   k.bonding.Export(),
		Sortition: k.sortition.Export(),
		Registry:  k.registry.Export(),
		Lifecycle: k.lifecycle.Export(),
		Refund:    k.refund.Export(),
		Slashing:  k.slashing.Export(),
		Programs:  exportBindings(k.programs),
		Schemes:   exportBindings(k.schemes),
		Bound:     k.exportBound(),
		Nonce:     k.nonce,
		Height:    k.height,
	}
}

func (k *Kernel) importState(s State) {
	k.params.Import(s.Params)
	k.license.Import(s.License)
	k.payment.Import(s.Payment)
	k.bonding.Import(s.Bonding)
	k.sortition.Import(s.Sortition)
	k.registry.Import(s.Registry)
	k.lifecycle.Import(s.Lifecycle)
	k.refund.Import(s.Refund)
	k.slashing.Import(s.Slashing)
	k.programs = importBindings(s.Programs)
	k.schemes = importBindings(s.Schemes)
	k.bound = make(map[uint64]InstanceBinding, len(s.Bound))
	for _, b := range s.Bound {
		k.bound[b.E3] = b
	}
	k.nonce = s.Nonce
	k.height = s.Height
}

// snapshot encodes the current state for rollback.
func (k *Kernel) snapshot() ([]byte, error) {
	return encMode.Marshal(k.export())
}

func (k *Kernel) restore(snap []byte) error {
	var s State
	if err := decMode.Unmarshal(snap, &s); err != nil {
		return fmt.Errorf("decode snapshot:\n%w", err)
	}

	k.importState(s)

	return nil
}

// Export returns a copy of the complete state.
func (k *Kernel) Export() State {
	var s State
	k.view(func() { s = k.export() })

	return s
}

// encodeCheckpoint returns checksum || zstd(cbor(checkpoint)).
func encodeCheckpoint(cp checkpoint) ([]byte, error) {
	raw, err := encMode.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint:\n%w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	sum := blake3.Sum256(raw)

	return encoder.EncodeAll(raw, sum[:]), nil
}

func decodeCheckpoint(data []byte) (checkpoint, error) {
	if len(data) < 32 {
		return checkpoint{}, fmt.Errorf("checkpoint too short: %d bytes", len(data))
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return checkpoint{}, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(data[32:], nil)
	if err != nil {
		return checkpoint{}, fmt.Errorf("decompress checkpoint:\n%w", err)
	}

	sum := blake3.Sum256(raw)
	if !bytes.Equal(sum[:], data[:32]) {
		return checkpoint{}, fmt.Errorf("checkpoint checksum mismatch")
	}

	var cp checkpoint
	if err := decMode.Unmarshal(raw, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("decode checkpoint:\n%w", err)
	}

	if cp.Version != checkpointVersion {
		return checkpoint{}, fmt.Errorf("checkpoint version %d, want %d", cp.Version, checkpointVersion)
	}

	return cp, nil
}

// persist writes the sequenced events and the post-commit checkpoint in
// one batch. Sequence numbers are predicted from the bus; the kernel lock
// guarantees nobody else sequences in between.
func (k *Kernel) persist(pending []events.Event) error {
	if k.store == nil {
		return nil
	}

	base := k.bus.LastSeq()
	sequenced := make([]events.Event, len(pending))
	copy(sequenced, pending)
	for i := range sequenced {
		sequenced[i].Seq = base + uint64(i) + 1
	}

	blob, err := encodeCheckpoint(checkpoint{
		Version: checkpointVersion,
		Seq:     base + uint64(len(pending)),
		State:   k.export(),
	})
	if err != nil {
		return err
	}

	pairs := append(events.Pairs(sequenced), storage.KeyValue{Key: checkpointKey, Value: blob})

	return k.store.Write(pairs)
}

// load restores the latest checkpoint and returns its last sequence number.
func (k *Kernel) load() (uint64, error) {
	if k.store == nil {
		return 0, nil
	}

	data, err := k.store.Get(checkpointKey)
	if err != nil {
		return 0, fmt.Errorf("read checkpoint:\n%w", err)
	}

	if data == nil {
		return 0, nil
	}

	cp, err := decodeCheckpoint(data)
	if err != nil {
		return 0, err
	}

	k.importState(cp.State)

	return cp.Seq, nil
}

// Events returns up to limit persisted events starting at from.
func (k *Kernel) Events(from uint64, limit int) ([]events.Event, error) {
	if k.store == nil {
		return nil, fmt.Errorf("event log requires a store")
	}

	return events.NewLog(k.store).Tail(from, limit)
}
