// Package proofcache persists proofs so that identical jobs are proven once.
package proofcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"

	"github.com/rollupkit/orchestrator/cache/kvstore"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/metrics"
	"github.com/rollupkit/orchestrator/prover/job"
)

type record struct {
	Kind      job.Kind `cbor:"kind"`
	Proof     []byte   `cbor:"proof"`
	CreatedAt int64    `cbor:"created_at"`
}

// Cache maps (job kind, circuit input) to a proof.
type Cache struct {
	store  kvstore.KVStore
	logger *log.Logger
}

// Open opens or creates the cache in dir.
func Open(dir string, logger *log.Logger) (*Cache, error) {
	m := metrics.NewDefaultStorageMetrics("proof_cache")
	store, err := kvstore.Open(logger, dir, &m)
	if err != nil {
		return nil, fmt.Errorf("opening proof cache: %w", err)
	}
	return &Cache{
		store:  store,
		logger: logger.WithModule("proof_cache"),
	}, nil
}

// Key returns the cache key of a job: the Keccak-256 hash of the CBOR
// encoding of its kind and input.
func Key(kind job.Kind, input []byte) ([]byte, error) {
	encoded, err := cbor.Marshal([]interface{}{string(kind), input})
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(encoded), nil
}

// Get returns the cached proof, if any. Read errors count as misses.
func (c *Cache) Get(kind job.Kind, input []byte) ([]byte, bool) {
	key, err := Key(kind, input)
	if err != nil {
		c.logger.Warn("error computing cache key", "kind", kind, "err", err)
		return nil, false
	}
	var rec record
	switch err := kvstore.GetTyped(c.store, key, &rec); {
	case errors.Is(err, kvstore.ErrNoSuchKey):
		return nil, false
	case err != nil:
		c.logger.Warn("error reading proof cache", "kind", kind, "err", err)
		return nil, false
	}
	if rec.Kind != kind {
		c.logger.Warn("proof cache entry has mismatched kind", "want", kind, "got", rec.Kind)
		return nil, false
	}
	return rec.Proof, true
}

// Put stores proof for the job. Empty proofs are not cached.
func (c *Cache) Put(kind job.Kind, input []byte, proof []byte) error {
	if len(proof) == 0 {
		return nil
	}
	key, err := Key(kind, input)
	if err != nil {
		return fmt.Errorf("computing cache key: %w", err)
	}
	return kvstore.PutTyped(c.store, key, &record{
		Kind:      kind,
		Proof:     proof,
		CreatedAt: time.Now().Unix(),
	})
}

// Len returns the number of cached proofs.
func (c *Cache) Len() int {
	return int(c.store.Count())
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
