package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rollupkit/orchestrator/storage"
)

const uniqueViolation = "23505"

const (
	insertBlock = `
		INSERT INTO blocks (number, num_txs, num_public_calls, encrypted_logs_hash, unencrypted_logs_hash, combined_data, proof, published_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	insertBlockTx = `
		INSERT INTO block_txs (block, tx_index, tx_hash)
			VALUES ($1, $2, $3)`

	insertJobOutcome = `
		INSERT INTO job_outcomes (job_id, kind, block, attempt, status, reason, duration_ms, resolved_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)`

	selectBlock = `
		SELECT num_public_calls, encrypted_logs_hash, unencrypted_logs_hash, combined_data, proof, published_at
			FROM blocks
			WHERE number = $1`

	selectBlockTxs = `
		SELECT tx_hash
			FROM block_txs
			WHERE block = $1
			ORDER BY tx_index`

	selectJobOutcomes = `
		SELECT job_id, kind, attempt, status, COALESCE(reason, ''), duration_ms, resolved_at
			FROM job_outcomes
			WHERE block = $1
			ORDER BY resolved_at, attempt`
)

// ProofStore persists block proofs and the job ledger in PostgreSQL.
type ProofStore struct {
	client *Client
}

var _ storage.ProofStore = (*ProofStore)(nil)

// NewProofStore returns a proof store over client. The schema must have been
// migrated already.
func NewProofStore(client *Client) *ProofStore {
	return &ProofStore{client: client}
}

// hex64 renders a hash the way the HEX64 domain stores it.
func hex64(h ethCommon.Hash) string {
	return fmt.Sprintf("%x", h.Bytes())
}

func parseHex64(s string) (ethCommon.Hash, error) {
	b := ethCommon.FromHex(s)
	if len(b) != ethCommon.HashLength {
		return ethCommon.Hash{}, fmt.Errorf("malformed hash %q", s)
	}
	return ethCommon.BytesToHash(b), nil
}

// RecordJob implements storage.ProofStore.
func (s *ProofStore) RecordJob(ctx context.Context, outcome storage.JobOutcome) error {
	if outcome.ResolvedAt.IsZero() {
		outcome.ResolvedAt = time.Now().UTC()
	}
	batch := &storage.QueryBatch{}
	batch.Queue(insertJobOutcome,
		outcome.JobID,
		outcome.Kind,
		outcome.Block,
		outcome.Attempt,
		outcome.Status,
		outcome.Reason,
		outcome.Duration.Milliseconds(),
		outcome.ResolvedAt,
	)
	return s.client.SendBatch(ctx, batch)
}

// PublishBlock implements storage.ProofStore.
func (s *ProofStore) PublishBlock(ctx context.Context, block storage.BlockRecord) error {
	if block.PublishedAt.IsZero() {
		block.PublishedAt = time.Now().UTC()
	}
	batch := &storage.QueryBatch{}
	batch.Queue(insertBlock,
		block.Number,
		len(block.TxHashes),
		block.NumPublicCalls,
		hex64(block.EncryptedLogsHash),
		hex64(block.UnencryptedLogsHash),
		block.CombinedData,
		block.Proof,
		block.PublishedAt,
	)
	for i, h := range block.TxHashes {
		batch.Queue(insertBlockTx, block.Number, i, hex64(h))
	}

	err := s.client.SendBatch(ctx, batch)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("block %d: %w", block.Number, storage.ErrBlockExists)
	}
	return err
}

// Block implements storage.ProofStore.
func (s *ProofStore) Block(ctx context.Context, number uint64) (*storage.BlockRecord, error) {
	block := storage.BlockRecord{Number: number}
	var encLogs, unencLogs string
	err := s.client.QueryRow(ctx, selectBlock, number).Scan(
		&block.NumPublicCalls,
		&encLogs,
		&unencLogs,
		&block.CombinedData,
		&block.Proof,
		&block.PublishedAt,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("block %d: %w", number, storage.ErrNotFound)
	case err != nil:
		return nil, err
	}
	if block.EncryptedLogsHash, err = parseHex64(encLogs); err != nil {
		return nil, err
	}
	if block.UnencryptedLogsHash, err = parseHex64(unencLogs); err != nil {
		return nil, err
	}

	rows, err := s.client.Query(ctx, selectBlockTxs, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		h, err := parseHex64(raw)
		if err != nil {
			return nil, err
		}
		block.TxHashes = append(block.TxHashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &block, nil
}

// JobOutcomes implements storage.ProofStore.
func (s *ProofStore) JobOutcomes(ctx context.Context, block uint64) ([]storage.JobOutcome, error) {
	rows, err := s.client.Query(ctx, selectJobOutcomes, block)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []storage.JobOutcome
	for rows.Next() {
		o := storage.JobOutcome{Block: block}
		var durationMs int64
		if err := rows.Scan(
			&o.JobID,
			&o.Kind,
			&o.Attempt,
			&o.Status,
			&o.Reason,
			&durationMs,
			&o.ResolvedAt,
		); err != nil {
			return nil, err
		}
		o.Duration = time.Duration(durationMs) * time.Millisecond
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// Close implements storage.ProofStore.
func (s *ProofStore) Close() {
	s.client.Close()
}
