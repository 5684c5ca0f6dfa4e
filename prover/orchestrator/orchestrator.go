// Package orchestrator implements the block prover: it decomposes blocks
// into proving jobs, hands them to agents through the job queue and
// assembles the block proof.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/metrics"
	"github.com/rollupkit/orchestrator/prover"
	"github.com/rollupkit/orchestrator/prover/agent"
	"github.com/rollupkit/orchestrator/prover/health"
	"github.com/rollupkit/orchestrator/prover/job"
	"github.com/rollupkit/orchestrator/storage"
	"github.com/rollupkit/orchestrator/storage/memory"
)

const moduleName = "orchestrator"

var (
	ErrBlockProvingFailed = errors.New("block proving failed")
	ErrInvalidBlock       = errors.New("invalid block")
	ErrIncompleteBlock    = errors.New("block has outstanding jobs")
	ErrUnknownBlock       = errors.New("unknown block")
	ErrDuplicateBlock     = errors.New("block already added")
	ErrBlockCancelled     = errors.New("block cancelled")
	ErrShutdownTimeout    = errors.New("agents did not stop in time")
)

// Orchestrator implements prover.Client over an in-memory job queue and a
// pool of local agents. Out-of-process agents may claim from the same queue.
type Orchestrator struct {
	cfg     config.OrchestratorConfig
	queue   *job.Queue
	pool    *agent.Pool
	store   storage.ProofStore
	checker health.Checker

	// mu serializes lifecycle changes and guards blocks.
	mu        sync.Mutex
	started   bool
	startedAt time.Time
	blocks    map[uint64]*blockState

	logger  *log.Logger
	metrics metrics.ProvingMetrics
}

var _ prover.Client = (*Orchestrator)(nil)

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	store       storage.ProofStore
	checker     health.Checker
	poolOptions []agent.Option
}

// WithProofStore publishes built blocks and the job ledger to store. Without
// it, an in-memory store is used.
func WithProofStore(store storage.ProofStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithHealthChecker makes Start refuse to start agents while checker fails.
func WithHealthChecker(checker health.Checker) Option {
	return func(o *options) {
		o.checker = checker
	}
}

// WithPoolOptions passes options to the local agent pool.
func WithPoolOptions(opts ...agent.Option) Option {
	return func(o *options) {
		o.poolOptions = append(o.poolOptions, opts...)
	}
}

// New returns a stopped orchestrator.
func New(cfg config.OrchestratorConfig, proverCfg config.ProverConfig, logger *log.Logger, opts ...Option) *Orchestrator {
	defaults := config.DefaultOrchestratorConfig()
	if cfg.MaxJobAttempts < 1 {
		cfg.MaxJobAttempts = defaults.MaxJobAttempts
	}
	if cfg.MaxConcurrentTxs < 1 {
		cfg.MaxConcurrentTxs = defaults.MaxConcurrentTxs
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = memory.NewStore()
	}

	queue := job.NewQueue(logger)
	return &Orchestrator{
		cfg:     cfg,
		queue:   queue,
		pool:    agent.NewPool(queue, proverCfg, logger, o.poolOptions...),
		store:   o.store,
		checker: o.checker,
		blocks:  make(map[uint64]*blockState),
		logger:  logger.WithModule(moduleName),
		metrics: metrics.NewDefaultProvingMetrics(),
	}
}

// Start implements prover.Client. Starting a started orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}

	if o.checker != nil {
		checkCtx := ctx
		if hc := o.cfg.HealthCheck; hc != nil && hc.Timeout > 0 {
			var cancel context.CancelFunc
			checkCtx, cancel = context.WithTimeout(ctx, hc.Timeout)
			defer cancel()
		}
		if err := o.checker.Check(checkCtx); err != nil {
			return fmt.Errorf("node health check: %w", err)
		}
	}

	agents := o.pool.Settings().ProverAgents
	o.pool.Resize(agents)
	o.started = true
	o.startedAt = time.Now()
	o.logger.Info("orchestrator started", "agents", agents, "real_proofs", o.pool.Settings().RealProofs)
	return nil
}

// Stop implements prover.Client.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for number, bs := range o.blocks {
		o.cancelLocked(number, bs)
	}
	o.started = false

	if err := o.pool.Stop(o.cfg.ShutdownTimeout); err != nil {
		if errors.Is(err, agent.ErrStopTimeout) {
			return fmt.Errorf("%w after %s", ErrShutdownTimeout, o.cfg.ShutdownTimeout)
		}
		return err
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// AddTransactions implements prover.Client. Proving continues in the
// background; use WaitForBlock or BuildBlock to collect the outcome.
func (o *Orchestrator) AddTransactions(ctx context.Context, block prover.Block) error {
	for i, tx := range block.Txs {
		if tx == nil {
			return fmt.Errorf("block %d: tx %d is nil: %w", block.Number, i, ErrInvalidBlock)
		}
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("block %d: tx %d: %w: %w", block.Number, i, ErrInvalidBlock, err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.blocks[block.Number]; ok {
		return fmt.Errorf("block %d: %w", block.Number, ErrDuplicateBlock)
	}
	bs := newBlockState(block)
	o.blocks[block.Number] = bs

	o.logger.Info("proving block", "block", block.Number, "num_txs", len(block.Txs))
	go o.proveBlock(bs)
	return nil
}

// WaitForBlock implements prover.Client.
func (o *Orchestrator) WaitForBlock(ctx context.Context, number uint64) error {
	bs, err := o.block(number)
	if err != nil {
		return err
	}
	select {
	case <-bs.done:
		return bs.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BuildBlock implements prover.Client. Any outcome other than
// ErrUnknownBlock and ErrIncompleteBlock forgets the block.
func (o *Orchestrator) BuildBlock(ctx context.Context, number uint64) (*prover.BlockProof, error) {
	bs, err := o.block(number)
	if err != nil {
		return nil, err
	}
	select {
	case <-bs.done:
	default:
		return nil, fmt.Errorf("block %d: %w", number, ErrIncompleteBlock)
	}
	if !bs.building.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("block %d: already being built: %w", number, ErrIncompleteBlock)
	}
	defer o.forget(number, bs)

	if bs.err != nil {
		o.metrics.BlockBuilt(metrics.JobStatusFailed)
		return nil, bs.err
	}

	proof, err := o.buildBlock(ctx, bs)
	if err != nil {
		status := metrics.JobStatusFailed
		if errors.Is(err, ErrBlockCancelled) {
			status = metrics.JobStatusCancelled
		}
		o.metrics.BlockBuilt(status)
		return nil, err
	}
	o.metrics.BlockBuilt(metrics.JobStatusSuccess)
	return proof, nil
}

// CancelBlock implements prover.Client.
func (o *Orchestrator) CancelBlock(number uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	bs, ok := o.blocks[number]
	if !ok {
		return fmt.Errorf("block %d: %w", number, ErrUnknownBlock)
	}
	o.cancelLocked(number, bs)
	return nil
}

func (o *Orchestrator) cancelLocked(number uint64, bs *blockState) {
	bs.cancelled.Store(true)
	bs.cancel()
	n := o.queue.CancelScope(number)
	o.logger.Info("block cancelled", "block", number, "cancelled_jobs", n)
}

// BlockStatus implements prover.Client. Blocks no longer tracked are looked
// up in the proof store.
func (o *Orchestrator) BlockStatus(ctx context.Context, number uint64) (*prover.BlockStatus, error) {
	if bs, err := o.block(number); err == nil {
		status := bs.status()
		return &status, nil
	}
	record, err := o.store.Block(ctx, number)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("block %d: %w", number, ErrUnknownBlock)
	case err != nil:
		return nil, err
	}
	return &prover.BlockStatus{
		Number: number,
		State:  prover.BlockPublished,
		NumTxs: len(record.TxHashes),
	}, nil
}

// ProvingJobSource implements prover.Client.
func (o *Orchestrator) ProvingJobSource() job.Source {
	return o.queue
}

// UpdateProverConfig implements prover.Client. The pool of a started
// orchestrator is resized to the new number of agents.
func (o *Orchestrator) UpdateProverConfig(ctx context.Context, update config.ProverConfigUpdate) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	merged, err := update.Apply(o.pool.Settings())
	if err != nil {
		return fmt.Errorf("invalid prover config: %w", err)
	}
	o.pool.UpdateSettings(merged)
	if o.started {
		o.pool.Resize(merged.ProverAgents)
	}
	o.logger.Info("prover config updated",
		"agents", merged.ProverAgents,
		"real_proofs", merged.RealProofs,
		"poll_interval", merged.PollInterval(),
	)
	return nil
}

// Status implements prover.Client.
func (o *Orchestrator) Status() prover.Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := prover.Status{
		Started:     o.started,
		LiveAgents:  o.pool.Len(),
		PendingJobs: o.queue.QueueLength(),
		Jobs:        o.queue.Jobs(),
		Blocks:      make([]prover.BlockStatus, 0, len(o.blocks)),
		Config:      o.pool.Settings(),
	}
	if o.started {
		status.Uptime = time.Since(o.startedAt)
	}
	for _, bs := range o.blocks {
		status.Blocks = append(status.Blocks, bs.status())
	}
	sort.Slice(status.Blocks, func(i, j int) bool {
		return status.Blocks[i].Number < status.Blocks[j].Number
	})
	return status
}

func (o *Orchestrator) block(number uint64) (*blockState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	bs, ok := o.blocks[number]
	if !ok {
		return nil, fmt.Errorf("block %d: %w", number, ErrUnknownBlock)
	}
	return bs, nil
}

func (o *Orchestrator) forget(number uint64, bs *blockState) {
	bs.cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.blocks[number] == bs {
		delete(o.blocks, number)
	}
}
