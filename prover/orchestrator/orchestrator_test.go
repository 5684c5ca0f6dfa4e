package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/prover"
	"github.com/rollupkit/orchestrator/prover/agent"
	"github.com/rollupkit/orchestrator/prover/executor"
	"github.com/rollupkit/orchestrator/prover/job"
	"github.com/rollupkit/orchestrator/storage/memory"
	"github.com/rollupkit/orchestrator/txeffects"
)

const testTimeout = 5 * time.Second

func proverSettings(agents int, realProofs bool) config.ProverConfig {
	cfg := config.DefaultProverConfig()
	cfg.ProverAgents = agents
	cfg.RealProofs = realProofs
	cfg.ProverAgentPollIntervalMs = 2
	return cfg
}

func newTestOrchestrator(t *testing.T, agents int, realProofs bool, opts ...Option) (*Orchestrator, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	opts = append([]Option{WithProofStore(store)}, opts...)
	o := New(config.DefaultOrchestratorConfig(), proverSettings(agents, realProofs), log.NewDefaultLogger("test"), opts...)
	require.NoError(t, o.Start(context.Background()))
	t.Cleanup(func() { _ = o.Stop() })
	return o, store
}

func mockTx(t *testing.T, seed uint64, nonRevertible, revertible int) *txeffects.Tx {
	t.Helper()
	tx, err := txeffects.MockTx(seed, txeffects.MockTxOptions{
		HasLogs:            true,
		NonRevertibleCount: nonRevertible,
		RevertibleCount:    revertible,
	})
	require.NoError(t, err)
	return tx
}

// claim waits for a pending job and claims it.
func claim(t *testing.T, src job.Source) *job.Job {
	t.Helper()
	var j *job.Job
	require.Eventually(t, func() bool {
		j, _ = src.ClaimNext(context.Background(), "test-agent")
		return j != nil
	}, testTimeout, time.Millisecond)
	return j
}

// fakeAgent resolves every job it claims with prove until ctx is done.
func fakeAgent(ctx context.Context, src job.Source, prove func(*job.Job) job.Result) {
	for ctx.Err() == nil {
		j, err := src.ClaimNext(ctx, "fake-agent")
		if err != nil || j == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		_ = src.Resolve(ctx, j.ID, prove(j))
	}
}

func proofOf(j *job.Job) job.Result {
	return job.Result{Proof: []byte(j.Kind)}
}

func TestPhaseOrdering(t *testing.T) {
	o, _ := newTestOrchestrator(t, 0, false)
	src := o.ProvingJobSource()
	ctx := context.Background()

	tx := mockTx(t, 1, 2, 2)
	require.NoError(t, o.AddTransactions(ctx, prover.Block{Number: 1, Txs: []*txeffects.Tx{tx}}))

	// Both nonrevertible calls are available right away.
	first := claim(t, src)
	second := claim(t, src)
	require.Equal(t, job.KindPublicKernelNonRevertible, first.Kind)
	require.Equal(t, job.KindPublicKernelNonRevertible, second.Kind)
	require.NotEqual(t, first.ID, second.ID)

	// Nothing else is enqueued until both resolve.
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, o.queue.QueueLength())
	require.NoError(t, src.Resolve(ctx, first.ID, proofOf(first)))
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, o.queue.QueueLength())
	require.NoError(t, src.Resolve(ctx, second.ID, proofOf(second)))

	third := claim(t, src)
	fourth := claim(t, src)
	require.Equal(t, job.KindPublicKernelRevertible, third.Kind)
	require.Equal(t, job.KindPublicKernelRevertible, fourth.Kind)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, o.queue.QueueLength())
	require.NoError(t, src.Resolve(ctx, third.ID, proofOf(third)))
	require.NoError(t, src.Resolve(ctx, fourth.ID, proofOf(fourth)))

	base := claim(t, src)
	require.Equal(t, job.KindBaseRollup, base.Kind)
	require.Equal(t, uint64(1), base.Scope)

	status, err := o.BlockStatus(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, prover.BlockProving, status.State)
	require.EqualValues(t, 5, status.JobsEnqueued)
	require.EqualValues(t, 4, status.JobsResolved)

	require.NoError(t, src.Resolve(ctx, base.ID, job.Result{Proof: []byte("base")}))
	require.NoError(t, o.WaitForBlock(ctx, 1))

	agentCtx, stopAgent := context.WithCancel(ctx)
	defer stopAgent()
	go fakeAgent(agentCtx, src, proofOf)

	proof, err := o.BuildBlock(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []byte(job.KindRootRollup), proof.Proof)
	require.Equal(t, [][]byte{[]byte("base")}, proof.BaseProofs)
	require.Equal(t, 4, proof.Combined.NumPublicCalls)
}

func TestStubModeBuildsBlocks(t *testing.T) {
	o, store := newTestOrchestrator(t, 2, false)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	block := prover.Block{
		Number: 3,
		Txs: []*txeffects.Tx{
			mockTx(t, 1, 0, 0),
			mockTx(t, 2, 2, 1),
			mockTx(t, 3, 1, 0),
		},
	}
	require.NoError(t, o.AddTransactions(ctx, block))
	require.NoError(t, o.WaitForBlock(ctx, 3))

	proof, err := o.BuildBlock(ctx, 3)
	require.NoError(t, err)
	require.Empty(t, proof.Proof)
	require.Len(t, proof.BaseProofs, 3)
	require.Len(t, proof.Combined.TxHashes, 3)
	require.Equal(t, 4, proof.Combined.NumPublicCalls)

	record, err := store.Block(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, proof.Combined.TxHashes, record.TxHashes)
	require.Equal(t, proof.Combined.EncryptedLogsHash, record.EncryptedLogsHash)

	outcomes, err := store.JobOutcomes(ctx, 3)
	require.NoError(t, err)
	// 3 base rollups, 4 public kernels and the root rollup.
	require.Len(t, outcomes, 8)
	for _, outcome := range outcomes {
		require.Equal(t, "success", outcome.Status)
	}

	// The block is forgotten by the orchestrator and served by the store.
	status, err := o.BlockStatus(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, prover.BlockPublished, status.State)
	_, err = o.BuildBlock(ctx, 3)
	require.ErrorIs(t, err, ErrUnknownBlock)
}

func TestRepeatedFailuresFailTheBlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)
	exec.EXPECT().Execute(gomock.Any(), gomock.Any()).Return(nil, errors.New("bb exited with code 1")).Times(3)

	o, store := newTestOrchestrator(t, 1, true, WithPoolOptions(
		agent.WithExecutorFactory(func(config.ProverConfig) executor.Executor { return exec }),
	))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, o.AddTransactions(ctx, prover.Block{Number: 9, Txs: []*txeffects.Tx{mockTx(t, 1, 0, 0)}}))
	require.ErrorIs(t, o.WaitForBlock(ctx, 9), ErrBlockProvingFailed)

	_, err := o.BuildBlock(ctx, 9)
	require.ErrorIs(t, err, ErrBlockProvingFailed)
	var provingErr *job.ProvingFailedError
	require.ErrorAs(t, err, &provingErr)
	require.Equal(t, "bb exited with code 1", provingErr.Reason)

	outcomes, err := store.JobOutcomes(ctx, 9)
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	for i, outcome := range outcomes {
		require.Equal(t, "failed", outcome.Status)
		require.Equal(t, i+1, outcome.Attempt)
	}

	_, err = o.BuildBlock(ctx, 9)
	require.ErrorIs(t, err, ErrUnknownBlock)
}

func TestRetriedJobSucceeds(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)
	var calls atomic.Int32
	exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, j *job.Job) ([]byte, error) {
			if j.Kind == job.KindBaseRollup && calls.Add(1) <= 2 {
				return nil, errors.New("out of memory")
			}
			return []byte("proof-" + j.Kind), nil
		}).AnyTimes()

	o, _ := newTestOrchestrator(t, 1, true, WithPoolOptions(
		agent.WithExecutorFactory(func(config.ProverConfig) executor.Executor { return exec }),
	))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, o.AddTransactions(ctx, prover.Block{Number: 2, Txs: []*txeffects.Tx{mockTx(t, 1, 0, 0)}}))
	require.NoError(t, o.WaitForBlock(ctx, 2))
	proof, err := o.BuildBlock(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []byte("proof-base-rollup"), proof.BaseProofs[0])
	require.Equal(t, []byte("proof-root-rollup"), proof.Proof)
}

func TestBlockErrors(t *testing.T) {
	o, _ := newTestOrchestrator(t, 0, false)
	ctx := context.Background()

	_, err := o.BuildBlock(ctx, 5)
	require.ErrorIs(t, err, ErrUnknownBlock)
	require.ErrorIs(t, o.WaitForBlock(ctx, 5), ErrUnknownBlock)
	require.ErrorIs(t, o.CancelBlock(5), ErrUnknownBlock)

	block := prover.Block{Number: 5, Txs: []*txeffects.Tx{mockTx(t, 1, 1, 0)}}
	require.NoError(t, o.AddTransactions(ctx, block))
	require.ErrorIs(t, o.AddTransactions(ctx, block), ErrDuplicateBlock)

	_, err = o.BuildBlock(ctx, 5)
	require.ErrorIs(t, err, ErrIncompleteBlock)

	malformed := mockTx(t, 2, 0, 0)
	malformed.Data.ForPublic = &txeffects.ForPublicInputs{}
	err = o.AddTransactions(ctx, prover.Block{Number: 6, Txs: []*txeffects.Tx{malformed}})
	require.ErrorIs(t, err, txeffects.ErrShapeMismatch)
	require.ErrorIs(t, err, ErrInvalidBlock)
	require.ErrorIs(t, o.AddTransactions(ctx, prover.Block{Number: 7, Txs: []*txeffects.Tx{nil}}), ErrInvalidBlock)
	_, err = o.BlockStatus(ctx, 6)
	require.ErrorIs(t, err, ErrUnknownBlock)
}

func TestCancelBlock(t *testing.T) {
	o, store := newTestOrchestrator(t, 0, false)
	src := o.ProvingJobSource()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, o.AddTransactions(ctx, prover.Block{Number: 4, Txs: []*txeffects.Tx{mockTx(t, 1, 2, 0)}}))
	claimed := claim(t, src)

	require.NoError(t, o.CancelBlock(4))
	require.ErrorIs(t, o.WaitForBlock(ctx, 4), ErrBlockCancelled)

	// The agent finishing the cancelled job has its result discarded.
	require.Error(t, src.Resolve(ctx, claimed.ID, proofOf(claimed)))

	status, err := o.BlockStatus(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, prover.BlockCancelled, status.State)

	_, err = o.BuildBlock(ctx, 4)
	require.ErrorIs(t, err, ErrBlockCancelled)
	_, err = store.Block(ctx, 4)
	require.Error(t, err)
	require.Zero(t, o.queue.QueueLength())
}

func TestUpdateProverConfigResizesPool(t *testing.T) {
	o, _ := newTestOrchestrator(t, 1, false)
	ctx := context.Background()
	require.Equal(t, 1, o.Status().LiveAgents)

	for _, k := range []int{4, 2, 0, 3} {
		agents := k
		require.NoError(t, o.UpdateProverConfig(ctx, config.ProverConfigUpdate{ProverAgents: &agents}))
		require.Equal(t, k, o.Status().LiveAgents)
		require.Equal(t, k, o.Status().Config.ProverAgents)
	}

	negative := -1
	require.Error(t, o.UpdateProverConfig(ctx, config.ProverConfigUpdate{ProverAgents: &negative}))
	require.Equal(t, 3, o.Status().LiveAgents)

	// Real proofs need binaries; the merged config is rejected as a whole.
	realProofs := true
	require.Error(t, o.UpdateProverConfig(ctx, config.ProverConfigUpdate{RealProofs: &realProofs}))
	require.False(t, o.Status().Config.RealProofs)
}

func TestUpdateBeforeStart(t *testing.T) {
	o := New(config.DefaultOrchestratorConfig(), proverSettings(1, false), log.NewDefaultLogger("test"))
	agents := 2
	require.NoError(t, o.UpdateProverConfig(context.Background(), config.ProverConfigUpdate{ProverAgents: &agents}))
	require.Equal(t, 0, o.Status().LiveAgents)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Start(context.Background()))
	require.Equal(t, 2, o.Status().LiveAgents)
	require.True(t, o.Status().Started)
	require.NoError(t, o.Stop())
	require.Equal(t, 0, o.Status().LiveAgents)
}

type staticChecker struct {
	err error
}

func (c staticChecker) Check(context.Context) error { return c.err }
func (c staticChecker) Close() error                { return nil }

func TestStartChecksHealth(t *testing.T) {
	unhealthy := New(config.DefaultOrchestratorConfig(), proverSettings(2, false), log.NewDefaultLogger("test"),
		WithHealthChecker(staticChecker{err: errors.New("connection refused")}))
	require.ErrorContains(t, unhealthy.Start(context.Background()), "connection refused")
	require.Equal(t, 0, unhealthy.Status().LiveAgents)
	require.False(t, unhealthy.Status().Started)

	healthy := New(config.DefaultOrchestratorConfig(), proverSettings(2, false), log.NewDefaultLogger("test"),
		WithHealthChecker(staticChecker{}))
	require.NoError(t, healthy.Start(context.Background()))
	require.Equal(t, 2, healthy.Status().LiveAgents)
	require.NoError(t, healthy.Stop())
}

func TestStopTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	exec := executor.NewMockExecutor(ctrl)
	release := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	exec.EXPECT().Execute(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, *job.Job) ([]byte, error) {
			once.Do(func() { close(started) })
			<-release
			return []byte{}, nil
		}).AnyTimes()

	cfg := config.DefaultOrchestratorConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	o := New(cfg, proverSettings(1, true), log.NewDefaultLogger("test"), WithPoolOptions(
		agent.WithExecutorFactory(func(config.ProverConfig) executor.Executor { return exec }),
	))
	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.AddTransactions(context.Background(), prover.Block{Number: 1, Txs: []*txeffects.Tx{mockTx(t, 1, 0, 0)}}))
	<-started

	require.ErrorIs(t, o.Stop(), ErrShutdownTimeout)
	close(release)
	require.NoError(t, o.Stop())
}
