// Package prover defines the interface of the block prover.
package prover

import (
	"context"
	"time"

	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/prover/job"
	"github.com/rollupkit/orchestrator/txeffects"
)

// Block is an ordered list of transactions to prove under one number.
type Block struct {
	Number uint64          `json:"number"`
	Txs    []*txeffects.Tx `json:"txs"`
}

// BlockProof is the result of proving a block.
type BlockProof struct {
	Number   uint64                             `json:"number"`
	Combined *txeffects.CombinedAccumulatedData `json:"combined"`
	// BaseProofs are the base rollup proofs, in transaction order.
	BaseProofs [][]byte `json:"baseProofs"`
	// Proof is the root rollup proof.
	Proof []byte `json:"proof"`
}

// BlockState is the proving state of a tracked block.
type BlockState string

const (
	BlockProving   BlockState = "proving"
	BlockProven    BlockState = "proven"
	BlockFailed    BlockState = "failed"
	BlockCancelled BlockState = "cancelled"
	// BlockPublished blocks are no longer tracked and were handed to the proof store.
	BlockPublished BlockState = "published"
)

// BlockStatus describes the progress of a block.
type BlockStatus struct {
	Number       uint64     `json:"number"`
	State        BlockState `json:"state"`
	NumTxs       int        `json:"numTxs"`
	JobsEnqueued int64      `json:"jobsEnqueued"`
	JobsResolved int64      `json:"jobsResolved"`
	Error        string     `json:"error,omitempty"`
}

// Status is a snapshot of the block prover.
type Status struct {
	Started     bool                `json:"started"`
	LiveAgents  int                 `json:"liveAgents"`
	PendingJobs int                 `json:"pendingJobs"`
	Jobs        []job.Info          `json:"jobs"`
	Blocks      []BlockStatus       `json:"blocks"`
	Config      config.ProverConfig `json:"config"`
	Uptime      time.Duration       `json:"uptime"`
}

// Client proves blocks of transactions.
type Client interface {
	// Start starts the local prover agents.
	Start(ctx context.Context) error

	// Stop cancels all tracked blocks and stops the agents.
	Stop() error

	// AddTransactions starts proving the transactions of a new block.
	AddTransactions(ctx context.Context, block Block) error

	// WaitForBlock blocks until all transaction level jobs of the block
	// resolved, or the block failed or was cancelled.
	WaitForBlock(ctx context.Context, number uint64) error

	// BuildBlock assembles the block proof of a fully proven block.
	BuildBlock(ctx context.Context, number uint64) (*BlockProof, error)

	// CancelBlock stops proving a block.
	CancelBlock(number uint64) error

	// BlockStatus reports the progress of a block.
	BlockStatus(ctx context.Context, number uint64) (*BlockStatus, error)

	// ProvingJobSource returns the source agents claim jobs from.
	ProvingJobSource() job.Source

	// UpdateProverConfig merges update into the live prover settings.
	UpdateProverConfig(ctx context.Context, update config.ProverConfigUpdate) error

	// Status returns a snapshot of the block prover.
	Status() Status
}
