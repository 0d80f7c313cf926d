package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 200 * time.Millisecond

	// defaultCacheSize is the default block cache size.
	defaultCacheSize = 16 << 20
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage closed")

// Options tunes the store.
type Options struct {
	SyncInterval time.Duration // SyncInterval is the WAL sync period, 0 uses the default
	CacheSize    int64         // CacheSize is the block cache size in bytes, 0 uses the default
	SyncWrites   bool          // SyncWrites makes every batch commit fsync before returning
}

// KeyValue is one write of a batch. A nil Value deletes the key.
type KeyValue struct {
	Key   []byte // Key is the key to write
	Value []byte // Value is the value to store, nil for a delete
}

// Store is the pebble-backed key-value store holding the event log and
// kernel checkpoints. Unless SyncWrites is set, commits are not fsynced
// and a background goroutine syncs the WAL periodically.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	stopSync  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	closedLock sync.RWMutex
	closed     bool
}

// Open opens or creates a store at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                8 << 20,
		MemTableStopWritesThreshold: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s:\n%w", path, err)
	}

	s := &Store{
		db:        db,
		writeOpts: pebble.NoSync,
		stopSync:  make(chan struct{}),
	}

	if opts.SyncWrites {
		s.writeOpts = pebble.Sync
	}

	s.startSyncLoop(opts.SyncInterval)

	return s, nil
}

// Get returns a copy of the value stored under key, or nil when absent.
func (s *Store) Get(key []byte) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	out := make([]byte, len(value))
	copy(out, value)

	return out, nil
}

// Set stores a single key.
func (s *Store) Set(key, value []byte) error {
	return s.Write([]KeyValue{{Key: key, Value: value}})
}

// Delete removes a single key.
func (s *Store) Delete(key []byte) error {
	return s.Write([]KeyValue{{Key: key}})
}

// Write applies every pair atomically: either all are visible or none.
func (s *Store) Write(pairs []KeyValue) error {
	if s.isClosed() {
		return ErrClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, kv := range pairs {
		var err error
		if kv.Value == nil {
			err = batch.Delete(kv.Key, nil)
		} else {
			err = batch.Set(kv.Key, kv.Value, nil)
		}

		if err != nil {
			return fmt.Errorf("batch key %x:\n%w", kv.Key, err)
		}
	}

	return batch.Commit(s.writeOpts)
}

// IteratePrefix calls fn for each pair whose key starts with prefix, in key order.
// Iteration stops at the first error returned by fn.
func (s *Store) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	return s.IterateRange(prefix, PrefixUpperBound(prefix), fn)
}

// IterateRange calls fn for each pair with lower <= key < upper, in key order.
// A nil upper bound is unbounded.
func (s *Store) IterateRange(lower, upper []byte, fn func(key, value []byte) error) error {
	if s.isClosed() {
		return ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// LastWithPrefix returns a copy of the greatest key with the given prefix and its value.
// Returns nil, nil, nil when no key matches.
func (s *Store) LastWithPrefix(prefix []byte) ([]byte, []byte, error) {
	if s.isClosed() {
		return nil, nil, ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, nil, iter.Error()
	}

	value, err := iter.ValueAndErr()
	if err != nil {
		return nil, nil, err
	}

	key := append([]byte(nil), iter.Key()...)
	val := append([]byte(nil), value...)

	return key, val, nil
}

// PrefixUpperBound returns the exclusive upper bound of a prefix scan,
// or nil when the prefix is all 0xFF.
func PrefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil
}

// Close stops the sync loop, flushes the WAL and closes the database.
func (s *Store) Close() error {
	var err error

	s.closeOnce.Do(func() {
		close(s.stopSync)
		s.wg.Wait()

		s.closedLock.Lock()
		s.closed = true
		s.closedLock.Unlock()

		if syncErr := s.sync(); syncErr != nil {
			err = syncErr
		}

		if closeErr := s.db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})

	return err
}

func (s *Store) isClosed() bool {
	s.closedLock.RLock()
	defer s.closedLock.RUnlock()

	return s.closed
}

// startSyncLoop periodically syncs the WAL until Close.
func (s *Store) startSyncLoop(interval time.Duration) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Store) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}
