package events

import (
	"encoding/binary"
	"errors"
	"fmt"

	"E3Kernel/internal/storage"
)

// errStopRange ends a Range early without surfacing an error.
var errStopRange = errors.New("stop range")

// keyPrefix prefixes every persisted event key.
var keyPrefix = []byte("e:")

// Key returns the storage key of the event with the given sequence number.
func Key(seq uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], seq)

	return key
}

// Log is the persisted, sequence-ordered event history.
type Log struct {
	store *storage.Store
}

// NewLog creates a log over the given store.
func NewLog(store *storage.Store) *Log {
	return &Log{store: store}
}

// Pairs encodes sequenced events into storage writes, so callers can
// commit them in the same batch as other state.
func Pairs(events []Event) []storage.KeyValue {
	pairs := make([]storage.KeyValue, len(events))
	for i, e := range events {
		pairs[i] = storage.KeyValue{Key: Key(e.Seq), Value: Encode(e)}
	}

	return pairs
}

// Append persists sequenced events.
func (l *Log) Append(events []Event) error {
	if len(events) == 0 {
		return nil
	}

	if err := l.store.Write(Pairs(events)); err != nil {
		return fmt.Errorf("append %d events:\n%w", len(events), err)
	}

	return nil
}

// LastSeq returns the highest persisted sequence number, or 0 when empty.
func (l *Log) LastSeq() (uint64, error) {
	key, _, err := l.store.LastWithPrefix(keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("last event:\n%w", err)
	}

	if key == nil {
		return 0, nil
	}

	return binary.BigEndian.Uint64(key[len(keyPrefix):]), nil
}

// Range calls fn for every event with Seq >= from, in order.
// fn returns false to stop.
func (l *Log) Range(from uint64, fn func(Event) bool) error {
	err := l.store.IterateRange(Key(from), storage.PrefixUpperBound(keyPrefix), func(_, value []byte) error {
		e, err := Decode(value)
		if err != nil {
			return err
		}

		if !fn(e) {
			return errStopRange
		}

		return nil
	})
	if err == errStopRange {
		return nil
	}

	return err
}

// Tail returns up to limit events starting at from.
func (l *Log) Tail(from uint64, limit int) ([]Event, error) {
	var out []Event

	err := l.Range(from, func(e Event) bool {
		out = append(out, e)
		return limit <= 0 || len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("read events from %d:\n%w", from, err)
	}

	return out, nil
}

// Subscriber returns a bus subscriber persisting published events.
// Write failures are reported to onError, which may be nil.
func (l *Log) Subscriber(onError func(error)) Subscriber {
	return SubscriberFunc(func(events []Event) {
		if err := l.Append(events); err != nil && onError != nil {
			onError(err)
		}
	})
}
