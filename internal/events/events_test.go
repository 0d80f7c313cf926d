package events

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"E3Kernel/internal/protocol"
	"E3Kernel/internal/storage"
)

func testClock() *protocol.ManualClock {
	return protocol.NewManualClock(time.Unix(1_700_000_000, 0).UTC())
}

// TestCodecRoundtrip tests an event survives flatbuffers encoding.
func TestCodecRoundtrip(t *testing.T) {
	in := Event{
		Seq:  42,
		Kind: TicketSubmitted,
		E3:   7,
		Time: time.Unix(1_700_000_123, 0).UTC(),
		Attrs: []Attr{
			Addr("operator", protocol.DeriveAddress("op")),
			Uint("ticket", 3),
			Bool("evicted", false),
		},
	}

	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

// TestCodecNoAttrs tests an event without attributes decodes with nil attrs.
func TestCodecNoAttrs(t *testing.T) {
	in := Event{Seq: 1, Kind: ConfigChanged, Time: time.Unix(5, 0).UTC()}

	out, err := Decode(Encode(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

// TestDecodeMalformed tests garbage input returns an error instead of panicking.
func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{1, 2})
	require.Error(t, err)

	bad := []byte{0xFF, 0xFF, 0xFF, 0x7F, 0, 0, 0, 0, 0, 0}
	_, err = Decode(bad)
	require.Error(t, err)
}

// TestEventAccessors tests attribute lookup helpers.
func TestEventAccessors(t *testing.T) {
	e := Event{Attrs: []Attr{Uint("amount", 900), Str("reason", "DKGTimeout")}}

	require.Equal(t, uint64(900), e.Uint("amount"))
	require.Equal(t, uint64(0), e.Uint("reason"))
	require.Equal(t, uint64(0), e.Uint("missing"))

	v, ok := e.Get("reason")
	require.True(t, ok)
	require.Equal(t, "DKGTimeout", v)
}

// TestBufferDrainDiscard tests the in-flight buffer.
func TestBufferDrainDiscard(t *testing.T) {
	clock := testClock()
	b := NewBuffer(clock)

	b.Emit(E3Requested, 1, Uint("payment", 10))
	b.Emit(E3StageChanged, 1)
	require.Equal(t, []Kind{E3Requested, E3StageChanged}, b.Kinds())

	last, ok := b.Last(E3Requested)
	require.True(t, ok)
	require.True(t, last.Time.Equal(clock.Now()))

	b.Discard()
	require.Empty(t, b.Events())

	b.Emit(ConfigChanged, 0)
	drained := b.Drain()
	require.Len(t, drained, 1)
	require.Empty(t, b.Events())
}

// TestBusSequence tests sequence numbers are contiguous and ordered.
func TestBusSequence(t *testing.T) {
	bus := NewBus(10)

	var got []uint64
	bus.Subscribe(SubscriberFunc(func(events []Event) {
		for _, e := range events {
			got = append(got, e.Seq)
		}
	}))

	bus.Publish(bus.Sequence([]Event{{Kind: Transfer}, {Kind: Approval}}))
	bus.Publish(bus.Sequence([]Event{{Kind: Transfer}}))
	bus.Publish(nil)

	require.Equal(t, []uint64{11, 12, 13}, got)
	require.Equal(t, uint64(13), bus.LastSeq())
}

// TestBusConcurrentSequence tests concurrent sequencing never reuses a number.
func TestBusConcurrentSequence(t *testing.T) {
	bus := NewBus(0)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for j := 0; j < 50; j++ {
				evs := bus.Sequence([]Event{{Kind: Transfer}})

				mu.Lock()
				seen[evs[0].Seq] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	require.Len(t, seen, 400)
	require.Equal(t, uint64(400), bus.LastSeq())
}

// TestLogAppendRange tests persisted events read back in order.
func TestLogAppendRange(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "db"), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := NewLog(store)

	seq, err := log.LastSeq()
	require.NoError(t, err)
	require.Zero(t, seq)

	bus := NewBus(0)
	bus.Subscribe(log.Subscriber(func(err error) { t.Errorf("append: %v", err) }))

	clock := testClock()
	buf := NewBuffer(clock)
	for i := 0; i < 300; i++ {
		buf.Emit(TicketSubmitted, uint64(i%3), Uint("ticket", uint64(i)))
	}
	bus.Publish(bus.Sequence(buf.Drain()))

	seq, err = log.LastSeq()
	require.NoError(t, err)
	require.Equal(t, uint64(300), seq)

	tail, err := log.Tail(256, 10)
	require.NoError(t, err)
	require.Len(t, tail, 10)
	for i, e := range tail {
		require.Equal(t, uint64(256+i), e.Seq)
		require.Equal(t, uint64(255+i), e.Uint("ticket"))
	}

	all, err := log.Tail(1, 0)
	require.NoError(t, err)
	require.Len(t, all, 300)
}
