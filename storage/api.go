// Package storage defines storage interfaces.
package storage

import (
	"context"
	"errors"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// QueuedQuery is a single query of a batch.
type QueuedQuery struct {
	Cmd  string
	Args []interface{}
}

// QueryBatch represents a batch of queries to be executed atomically.
type QueryBatch struct {
	items []*QueuedQuery
}

// Queue adds query to the batch.
func (b *QueryBatch) Queue(cmd string, args ...interface{}) {
	b.items = append(b.items, &QueuedQuery{Cmd: cmd, Args: args})
}

// Extend adds all queries of qb to the batch.
func (b *QueryBatch) Extend(qb *QueryBatch) {
	if qb == nil {
		return
	}
	b.items = append(b.items, qb.items...)
}

// Len returns the number of queries in the batch.
func (b *QueryBatch) Len() int {
	return len(b.items)
}

// Queries returns the queries in the batch.
func (b *QueryBatch) Queries() []*QueuedQuery {
	return b.items
}

// AsPgxBatch converts the batch to a pgx.Batch.
func (b *QueryBatch) AsPgxBatch() pgx.Batch {
	pgxBatch := pgx.Batch{}
	for _, q := range b.items {
		pgxBatch.Queue(q.Cmd, q.Args...)
	}
	return pgxBatch
}

// QueryResults represents the results from a read query.
type QueryResults = pgx.Rows

// QueryResult represents the result from a read query.
type QueryResult = pgx.Row

// TargetStorage defines an interface for reading and writing
// SQL-backed data.
type TargetStorage interface {
	// SendBatch sends a batch of queries to be applied to target storage.
	SendBatch(ctx context.Context, batch *QueryBatch) error

	// Query submits a query to fetch data from target storage.
	Query(ctx context.Context, sql string, args ...interface{}) (QueryResults, error)

	// QueryRow submits a query to fetch a single row of data from target storage.
	QueryRow(ctx context.Context, sql string, args ...interface{}) QueryResult

	// Close shuts down the target storage client.
	Close()

	// Name returns the name of the target storage.
	Name() string
}

// JobOutcome is the ledger entry of one resolved or cancelled proving job.
type JobOutcome struct {
	JobID    uuid.UUID
	Kind     string
	Block    uint64
	Attempt  int
	Status   string
	Reason   string
	Duration time.Duration
	// ResolvedAt is set by the store if zero.
	ResolvedAt time.Time
}

// BlockRecord is a proven block as handed to block consumers.
type BlockRecord struct {
	Number              uint64
	TxHashes            []ethCommon.Hash
	NumPublicCalls      int
	EncryptedLogsHash   ethCommon.Hash
	UnencryptedLogsHash ethCommon.Hash
	// CombinedData is the CBOR encoding of the block's combined accumulated data.
	CombinedData []byte
	Proof        []byte
	// PublishedAt is set by the store if zero.
	PublishedAt time.Time
}

// ProofStore persists block proofs and the job ledger.
type ProofStore interface {
	// RecordJob appends a job outcome to the ledger.
	RecordJob(ctx context.Context, outcome JobOutcome) error

	// PublishBlock stores a proven block. Publishing the same block number
	// twice fails.
	PublishBlock(ctx context.Context, block BlockRecord) error

	// Block returns a published block, or ErrNotFound.
	Block(ctx context.Context, number uint64) (*BlockRecord, error)

	// JobOutcomes returns the ledger entries of a block, oldest first.
	JobOutcomes(ctx context.Context, block uint64) ([]JobOutcome, error)

	// Close releases the store's resources.
	Close()
}

// ErrBlockExists is returned by PublishBlock for an already published block.
var ErrBlockExists = errors.New("block already published")
