package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/rollupkit/orchestrator/metrics"
	"github.com/rollupkit/orchestrator/prover"
	"github.com/rollupkit/orchestrator/prover/job"
	"github.com/rollupkit/orchestrator/storage"
	"github.com/rollupkit/orchestrator/txeffects"
)

const ledgerTimeout = 10 * time.Second

type blockState struct {
	block prover.Block

	// ctx is cancelled when the block is cancelled or forgotten.
	ctx    context.Context
	cancel context.CancelFunc

	// done is closed once all transaction pipelines finished; err and
	// baseProofs are immutable afterwards.
	done       chan struct{}
	err        error
	baseProofs [][]byte

	cancelled    atomic.Bool
	building     atomic.Bool
	jobsEnqueued atomic.Int64
	jobsResolved atomic.Int64
}

func newBlockState(block prover.Block) *blockState {
	ctx, cancel := context.WithCancel(context.Background())
	return &blockState{
		block:      block,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		baseProofs: make([][]byte, len(block.Txs)),
	}
}

func (bs *blockState) status() prover.BlockStatus {
	status := prover.BlockStatus{
		Number:       bs.block.Number,
		State:        prover.BlockProving,
		NumTxs:       len(bs.block.Txs),
		JobsEnqueued: bs.jobsEnqueued.Load(),
		JobsResolved: bs.jobsResolved.Load(),
	}
	select {
	case <-bs.done:
		switch {
		case bs.err == nil:
			status.State = prover.BlockProven
		case errors.Is(bs.err, ErrBlockCancelled):
			status.State = prover.BlockCancelled
			status.Error = bs.err.Error()
		default:
			status.State = prover.BlockFailed
			status.Error = bs.err.Error()
		}
	default:
		if bs.cancelled.Load() {
			status.State = prover.BlockCancelled
		}
	}
	return status
}

// publicKernelInput is the circuit input of a public kernel job: one public
// call of a transaction, on top of the proofs of the previous phase.
type publicKernelInput struct {
	TxHash         ethCommon.Hash        `cbor:"1,keyasint"`
	Index          int                   `cbor:"2,keyasint"`
	Request        txeffects.CallRequest `cbor:"3,keyasint"`
	PreviousProofs [][]byte              `cbor:"4,keyasint"`
}

type baseRollupInput struct {
	TxHash       ethCommon.Hash               `cbor:"1,keyasint"`
	Kernel       txeffects.KernelPublicInputs `cbor:"2,keyasint"`
	KernelProof  []byte                       `cbor:"3,keyasint"`
	PublicProofs [][]byte                     `cbor:"4,keyasint"`
}

type rootRollupInput struct {
	Number              uint64           `cbor:"1,keyasint"`
	TxHashes            []ethCommon.Hash `cbor:"2,keyasint"`
	EncryptedLogsHash   ethCommon.Hash   `cbor:"3,keyasint"`
	UnencryptedLogsHash ethCommon.Hash   `cbor:"4,keyasint"`
	BaseProofs          [][]byte         `cbor:"5,keyasint"`
}

// proveBlock runs the pipelines of all transactions of the block and closes
// bs.done once they finish. The first failure cancels the other pipelines.
func (o *Orchestrator) proveBlock(bs *blockState) {
	number := bs.block.Number
	start := time.Now()

	g, ctx := errgroup.WithContext(bs.ctx)
	g.SetLimit(o.cfg.MaxConcurrentTxs)
	for i, tx := range bs.block.Txs {
		i, tx := i, tx
		g.Go(func() error {
			proof, err := o.proveTx(ctx, bs, i, tx)
			if err != nil {
				return fmt.Errorf("tx %d: %w", i, err)
			}
			bs.baseProofs[i] = proof
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		// Outstanding jobs of the other pipelines are of no use anymore.
		o.queue.CancelScope(number)
		if bs.cancelled.Load() {
			err = fmt.Errorf("block %d: %w", number, ErrBlockCancelled)
		} else {
			err = fmt.Errorf("block %d: %w", number, err)
		}
		o.logger.Warn("block proving stopped", "block", number, "err", err, "duration", time.Since(start))
	} else {
		o.logger.Info("block transactions proven", "block", number, "duration", time.Since(start))
	}
	bs.err = err
	close(bs.done)
}

// proveTx proves one transaction: all nonrevertible calls at once, then all
// revertible calls, then the base rollup. It returns the base rollup proof.
func (o *Orchestrator) proveTx(ctx context.Context, bs *blockState, index int, tx *txeffects.Tx) ([]byte, error) {
	txHash, err := tx.Hash()
	if err != nil {
		return nil, err
	}

	var publicProofs [][]byte
	if tx.IsForPublic() {
		pub := tx.Data.ForPublic
		nonRevertible, err := o.provePhase(ctx, bs, job.KindPublicKernelNonRevertible, txHash, pub.EndNonRevertibleData.PublicCalls(), nil)
		if err != nil {
			return nil, fmt.Errorf("nonrevertible phase: %w", err)
		}
		revertible, err := o.provePhase(ctx, bs, job.KindPublicKernelRevertible, txHash, pub.End.PublicCalls(), nonRevertible)
		if err != nil {
			return nil, fmt.Errorf("revertible phase: %w", err)
		}
		publicProofs = append(nonRevertible, revertible...)
	}

	input, err := txeffects.Encode(&baseRollupInput{
		TxHash:       txHash,
		Kernel:       tx.Data,
		KernelProof:  tx.Proof,
		PublicProofs: publicProofs,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding base rollup input: %w", err)
	}
	proofs, err := o.runJobs(ctx, bs, []job.Job{job.New(job.KindBaseRollup, bs.block.Number, input)})
	if err != nil {
		return nil, fmt.Errorf("base rollup: %w", err)
	}
	o.logger.Debug("tx proven", "block", bs.block.Number, "tx_index", index, "tx_hash", txHash)
	return proofs[0], nil
}

// provePhase proves every call of one phase of a transaction in parallel.
func (o *Orchestrator) provePhase(ctx context.Context, bs *blockState, kind job.Kind, txHash ethCommon.Hash, calls []txeffects.CallRequest, previous [][]byte) ([][]byte, error) {
	jobs := make([]job.Job, 0, len(calls))
	for i, call := range calls {
		input, err := txeffects.Encode(&publicKernelInput{
			TxHash:         txHash,
			Index:          i,
			Request:        call,
			PreviousProofs: previous,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding %s input: %w", kind, err)
		}
		jobs = append(jobs, job.New(kind, bs.block.Number, input))
	}
	return o.runJobs(ctx, bs, jobs)
}

// runJobs enqueues all jobs together and waits for all of them, retrying
// failed ones. It returns the proofs in the order of jobs.
func (o *Orchestrator) runJobs(ctx context.Context, bs *blockState, jobs []job.Job) ([][]byte, error) {
	for _, j := range jobs {
		o.enqueue(bs, j)
	}
	proofs := make([][]byte, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			proof, err := o.await(ctx, bs, j)
			proofs[i] = proof
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, j := range jobs {
			// Drops the still outstanding first attempts; retries were
			// removed by await.
			o.queue.Remove(j.ID)
		}
		return nil, err
	}
	return proofs, nil
}

func (o *Orchestrator) enqueue(bs *blockState, j job.Job) {
	if err := o.queue.Enqueue(j); err != nil {
		// Job ids are fresh and kinds are constants.
		panic(fmt.Sprintf("orchestrator: enqueueing job %s: %v", j.ID, err))
	}
	bs.jobsEnqueued.Add(1)
}

// await waits for the logical job j, re-enqueueing it under a fresh id on
// failure until the attempt limit is reached.
func (o *Orchestrator) await(ctx context.Context, bs *blockState, j job.Job) ([]byte, error) {
	for {
		res, err := o.queue.Await(ctx, j.ID)
		switch {
		case errors.Is(err, job.ErrJobCancelled):
			o.recordOutcome(bs, j, metrics.JobStatusCancelled, job.Result{})
			o.queue.Remove(j.ID)
			return nil, fmt.Errorf("%s job %s: %w", j.Kind, j.ID, ErrBlockCancelled)
		case errors.Is(err, job.ErrUnknownJob):
			panic(fmt.Sprintf("orchestrator: awaiting job %s: %v", j.ID, err))
		case err != nil:
			o.queue.Remove(j.ID)
			return nil, err
		}
		o.queue.Remove(j.ID)
		bs.jobsResolved.Add(1)

		if !res.Failed() {
			o.recordOutcome(bs, j, metrics.JobStatusSuccess, res)
			return res.Proof, nil
		}
		o.recordOutcome(bs, j, metrics.JobStatusFailed, res)
		if j.Attempt >= o.cfg.MaxJobAttempts {
			return nil, fmt.Errorf("%w: %s job failed %d times: %w", ErrBlockProvingFailed, j.Kind, j.Attempt, res.Err)
		}

		o.logger.Warn("proving job failed, retrying",
			"block", j.Scope,
			"job_id", j.ID,
			"kind", j.Kind,
			"attempt", j.Attempt,
			"reason", res.Err.Reason,
		)
		o.metrics.JobRetried(string(j.Kind))
		j = j.Retry()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.enqueue(bs, j)
	}
}

// recordOutcome appends the outcome of one attempt to the job ledger. Ledger
// failures are logged and do not fail the block.
func (o *Orchestrator) recordOutcome(bs *blockState, j job.Job, status string, res job.Result) {
	outcome := storage.JobOutcome{
		JobID:    j.ID,
		Kind:     string(j.Kind),
		Block:    j.Scope,
		Attempt:  j.Attempt,
		Status:   status,
		Duration: res.Duration,
	}
	if res.Err != nil {
		outcome.Reason = res.Err.Reason
	}
	// Outcomes of cancelled blocks are recorded too.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(bs.ctx), ledgerTimeout)
	defer cancel()
	if err := o.store.RecordJob(ctx, outcome); err != nil {
		o.logger.Warn("error recording job outcome", "job_id", j.ID, "err", err)
	}
}

// buildBlock proves the root rollup of a block whose transactions are proven
// and publishes the result.
func (o *Orchestrator) buildBlock(ctx context.Context, bs *blockState) (*prover.BlockProof, error) {
	number := bs.block.Number
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(bs.ctx, cancel)
	defer stop()

	combined, err := txeffects.CombineBlock(bs.block.Txs)
	if err != nil {
		return nil, fmt.Errorf("block %d: combining tx effects: %w", number, err)
	}
	input, err := txeffects.Encode(&rootRollupInput{
		Number:              number,
		TxHashes:            combined.TxHashes,
		EncryptedLogsHash:   combined.EncryptedLogsHash,
		UnencryptedLogsHash: combined.UnencryptedLogsHash,
		BaseProofs:          bs.baseProofs,
	})
	if err != nil {
		return nil, fmt.Errorf("block %d: encoding root rollup input: %w", number, err)
	}

	proofs, err := o.runJobs(ctx, bs, []job.Job{job.New(job.KindRootRollup, number, input)})
	if err != nil {
		if bs.cancelled.Load() && !errors.Is(err, ErrBlockCancelled) {
			err = fmt.Errorf("%w: %w", ErrBlockCancelled, err)
		}
		return nil, fmt.Errorf("block %d: root rollup: %w", number, err)
	}

	combinedData, err := txeffects.Encode(combined)
	if err != nil {
		return nil, fmt.Errorf("block %d: encoding combined data: %w", number, err)
	}
	if err := o.store.PublishBlock(ctx, storage.BlockRecord{
		Number:              number,
		TxHashes:            combined.TxHashes,
		NumPublicCalls:      combined.NumPublicCalls,
		EncryptedLogsHash:   combined.EncryptedLogsHash,
		UnencryptedLogsHash: combined.UnencryptedLogsHash,
		CombinedData:        combinedData,
		Proof:               proofs[0],
	}); err != nil {
		return nil, fmt.Errorf("block %d: publishing: %w", number, err)
	}

	o.logger.Info("block built",
		"block", number,
		"num_txs", len(bs.block.Txs),
		"num_public_calls", combined.NumPublicCalls,
		"proof_size", len(proofs[0]),
	)
	return &prover.BlockProof{
		Number:     number,
		Combined:   combined,
		BaseProofs: bs.baseProofs,
		Proof:      proofs[0],
	}, nil
}
