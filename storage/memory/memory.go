// Package memory implements an in-memory proof store.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rollupkit/orchestrator/storage"
)

// Store keeps block proofs and the job ledger in memory. It is intended for
// stub-proof deployments and tests.
type Store struct {
	mu       sync.RWMutex
	blocks   map[uint64]storage.BlockRecord
	outcomes map[uint64][]storage.JobOutcome
}

var _ storage.ProofStore = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		blocks:   make(map[uint64]storage.BlockRecord),
		outcomes: make(map[uint64][]storage.JobOutcome),
	}
}

// RecordJob implements storage.ProofStore.
func (s *Store) RecordJob(ctx context.Context, outcome storage.JobOutcome) error {
	if outcome.ResolvedAt.IsZero() {
		outcome.ResolvedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome.Block] = append(s.outcomes[outcome.Block], outcome)
	return nil
}

// PublishBlock implements storage.ProofStore.
func (s *Store) PublishBlock(ctx context.Context, block storage.BlockRecord) error {
	if block.PublishedAt.IsZero() {
		block.PublishedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[block.Number]; ok {
		return fmt.Errorf("block %d: %w", block.Number, storage.ErrBlockExists)
	}
	block.TxHashes = slices.Clone(block.TxHashes)
	block.Proof = slices.Clone(block.Proof)
	block.CombinedData = slices.Clone(block.CombinedData)
	s.blocks[block.Number] = block
	return nil
}

// Block implements storage.ProofStore.
func (s *Store) Block(ctx context.Context, number uint64) (*storage.BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	block, ok := s.blocks[number]
	if !ok {
		return nil, fmt.Errorf("block %d: %w", number, storage.ErrNotFound)
	}
	return &block, nil
}

// JobOutcomes implements storage.ProofStore.
func (s *Store) JobOutcomes(ctx context.Context, block uint64) ([]storage.JobOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.outcomes[block]), nil
}

// Close implements storage.ProofStore.
func (s *Store) Close() {}
