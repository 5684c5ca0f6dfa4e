// Package kvstore implements a persistent key-value store.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/akrylysov/pogreb"
	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"

	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/metrics"
)

// ErrNoSuchKey is returned by GetTyped on a cache miss.
var ErrNoSuchKey = errors.New("no such key")

// initTimeout is how long Open waits for the store before continuing without it.
const initTimeout = 30 * time.Second

// A key-value store. Typed access is provided by GetTyped and PutTyped.
type KVStore interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Count() uint32
	Close() error
}

type pogrebKVStore struct {
	db *pogreb.DB

	path    string
	logger  *log.Logger
	metrics *metrics.StorageMetrics // if nil, no metrics are emitted

	// Set once the store is opened; opening may finish in a background goroutine.
	initialized atomic.Bool
}

var _ KVStore = (*pogrebKVStore)(nil)

// Get implements KVStore.
func (s *pogrebKVStore) Get(key []byte) ([]byte, error) {
	if !s.initialized.Load() {
		return nil, fmt.Errorf("kvstore: not initialized yet")
	}
	return s.db.Get(key)
}

// Has implements KVStore. An uninitialized store has no keys.
func (s *pogrebKVStore) Has(key []byte) (bool, error) {
	if !s.initialized.Load() {
		return false, nil
	}
	return s.db.Has(key)
}

// Put implements KVStore. Writes to an uninitialized store are dropped.
func (s *pogrebKVStore) Put(key []byte, value []byte) error {
	if !s.initialized.Load() {
		s.logger.Debug("skipping write to uninitialized KVStore", "key", fmt.Sprintf("%x", key))
		return nil
	}
	return s.db.Put(key, value)
}

// Count implements KVStore.
func (s *pogrebKVStore) Count() uint32 {
	if !s.initialized.Load() {
		return 0
	}
	return s.db.Count()
}

// Close implements KVStore.
func (s *pogrebKVStore) Close() error {
	if !s.initialized.Load() {
		// A reindex running in the background is abandoned and restarts next time.
		s.logger.Warn("skipping closing uninitialized KVStore")
		return nil
	}
	s.logger.Info("closing KVStore", "path", s.path)
	return s.db.Close()
}

// cleanBackups removes stacked-up pogreb index backups. pogreb renames its
// index to <name>.bac on every unclean open, so a crash-looping process would
// otherwise grow filenames until the filesystem rejects them.
func (s *pogrebKVStore) cleanBackups() {
	files, err := filepath.Glob(filepath.Join(s.path, "*.bac.bac"))
	if err != nil {
		s.logger.Warn("failed to glob pogreb backup files", "err", err)
		return
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			s.logger.Warn("failed to delete pogreb backup file", "file", f, "err", err)
		}
	}
}

func (s *pogrebKVStore) init() error {
	s.cleanBackups()

	// If a reindex is needed, this can take a long time.
	s.logger.Info("(re)opening KVStore", "path", s.path)
	db, err := pogreb.Open(s.path, &pogreb.Options{BackgroundSyncInterval: -1})
	if err != nil {
		s.logger.Error("failed to initialize pogreb store", "err", err)
		return err
	}

	s.db = db
	s.initialized.Store(true)
	s.logger.Info("KVStore opened", "path", s.path, "entries", db.Count())
	return nil
}

// Open opens the store at path, creating it if needed. If opening takes
// longer than a reindex-free open should, the store is returned
// uninitialized and becomes usable once opening finishes in the background.
// metrics may be nil.
func Open(logger *log.Logger, path string, metrics *metrics.StorageMetrics) (KVStore, error) {
	store := &pogrebKVStore{
		logger:  logger.WithModule("kvstore"),
		path:    path,
		metrics: metrics,
	}

	initErrCh := make(chan error, 1)
	go func() {
		initErrCh <- store.init()
	}()

	select {
	case err := <-initErrCh:
		if err != nil {
			return nil, err
		}
		return store, nil
	case <-time.After(initTimeout):
		store.logger.Warn("KVStore initialization timed out, continuing without cache while the database is reindexing in the background")
		return store, nil
	}
}

func countRead(store KVStore, status metrics.CacheReadStatus) {
	if s, ok := store.(*pogrebKVStore); ok && s.metrics != nil {
		s.metrics.LocalCacheReads(status).Inc()
	}
}

// GetTyped fetches key and decodes it into value. Values are stored as
// snappy-compressed CBOR. A missing key returns ErrNoSuchKey.
func GetTyped[Value any](store KVStore, key []byte, value *Value) error {
	isCached, err := store.Has(key)
	if err != nil {
		countRead(store, metrics.CacheReadStatusError)
		return err
	}
	if !isCached {
		countRead(store, metrics.CacheReadStatusMiss)
		return ErrNoSuchKey
	}
	compressed, err := store.Get(key)
	if err != nil {
		countRead(store, metrics.CacheReadStatusError)
		return fmt.Errorf("fetching key %x: %w", key, err)
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		countRead(store, metrics.CacheReadStatusBadValue)
		return fmt.Errorf("decompressing value of key %x: %w", key, err)
	}
	if err := cbor.Unmarshal(raw, value); err != nil {
		countRead(store, metrics.CacheReadStatusBadValue)
		return fmt.Errorf("decoding value of key %x into %T: %w", key, value, err)
	}
	countRead(store, metrics.CacheReadStatusHit)
	return nil
}

// PutTyped encodes value and stores it under key.
func PutTyped[Value any](store KVStore, key []byte, value *Value) error {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", value, err)
	}
	return store.Put(key, snappy.Encode(nil, raw))
}
