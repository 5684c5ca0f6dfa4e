// Package agent implements prover agents: workers that claim jobs from a job
// source, execute them and report the results back.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rollupkit/orchestrator/common"
	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/metrics"
	"github.com/rollupkit/orchestrator/prover/executor"
	"github.com/rollupkit/orchestrator/prover/job"
)

// ExecutorFactory returns the executor to use under the given settings.
type ExecutorFactory func(cfg config.ProverConfig) executor.Executor

// DefaultExecutorFactory runs the proving binaries when real proofs are
// requested and returns stub proofs otherwise.
func DefaultExecutorFactory(logger *log.Logger) ExecutorFactory {
	return func(cfg config.ProverConfig) executor.Executor {
		if cfg.RealProofs {
			return executor.NewBinaryExecutor(cfg, logger)
		}
		return executor.StubExecutor{}
	}
}

// resolveTimeout bounds reporting a result back to the job source.
const resolveTimeout = 30 * time.Second

// ProofCache stores proofs by job kind and input.
type ProofCache interface {
	Get(kind job.Kind, input []byte) ([]byte, bool)
	Put(kind job.Kind, input []byte, proof []byte) error
}

// Agent claims and executes one job at a time.
type Agent struct {
	id          string
	source      job.Source
	settings    func() config.ProverConfig
	newExecutor ExecutorFactory
	cache       ProofCache

	logger  *log.Logger
	metrics metrics.ProvingMetrics
}

// ID returns the identifier the agent claims jobs under.
func (a *Agent) ID() string {
	return a.id
}

// Run claims and executes jobs until ctx is done. An idle agent waits for the
// poll interval of the current settings before claiming again.
func (a *Agent) Run(ctx context.Context) {
	backoff, err := common.NewBackoff(
		100*time.Millisecond,
		// Cap the timeout at a typical proving job duration.
		10*time.Second,
	)
	if err != nil {
		a.logger.Error("error configuring backoff policy",
			"err", err.Error(),
		)
		return
	}
	a.logger.Info("agent started")

	for {
		var delay time.Duration
		j, err := a.source.ClaimNext(ctx, a.id)
		switch {
		case ctx.Err() != nil:
			a.logger.Info("shutting down agent", "reason", ctx.Err())
			return
		case err != nil:
			a.logger.Warn("error claiming job", "err", err)
			backoff.Failure()
			delay = backoff.Timeout()
		case j == nil:
			delay = a.settings().PollInterval()
		default:
			backoff.Success()
			a.process(ctx, j)
			continue
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			a.logger.Info("shutting down agent", "reason", ctx.Err())
			return
		}
	}
}

// process executes a claimed job and resolves it. A claimed job is always
// executed to completion and resolved, even if ctx is cancelled meanwhile.
func (a *Agent) process(ctx context.Context, j *job.Job) {
	logger := a.logger.With("job_id", j.ID, "kind", j.Kind, "scope", j.Scope, "attempt", j.Attempt)
	ctx = context.WithoutCancel(ctx)

	cancelled, err := a.source.Cancelled(ctx, j.ID)
	switch {
	case errors.Is(err, job.ErrUnknownJob):
		logger.Debug("job no longer known; skipping")
		return
	case err != nil:
		// Cancellation is advisory; a stale result is discarded on resolve.
		logger.Warn("error checking job cancellation", "err", err)
	case cancelled:
		logger.Debug("job cancelled; skipping")
		return
	}

	cfg := a.settings()
	start := time.Now()
	proof, err := a.execute(ctx, cfg, j)
	result := job.Result{Proof: proof, Duration: time.Since(start)}
	if err != nil {
		logger.Error("proving failed", "err", err, "duration", result.Duration)
		result = job.Result{Err: &job.ProvingFailedError{Reason: err.Error()}, Duration: result.Duration}
	} else {
		logger.Info("job proven", "duration", result.Duration, "proof_size", len(proof))
	}

	resolveCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	if err := a.source.Resolve(resolveCtx, j.ID, result); err != nil {
		if errors.Is(err, job.ErrJobCancelled) || errors.Is(err, job.ErrUnknownJob) {
			logger.Debug("job cancelled while executing; result discarded", "err", err)
			return
		}
		logger.Error("error resolving job", "err", err)
	}
}

// execute runs the job on the executor selected by cfg. Panics are turned
// into proving failures so that a misbehaving job cannot take down the agent.
func (a *Agent) execute(ctx context.Context, cfg config.ProverConfig, j *job.Job) (proof []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			proof, err = nil, fmt.Errorf("executor panicked: %v", r)
		}
	}()

	exec := a.newExecutor(cfg)
	if !cfg.RealProofs || a.cache == nil {
		a.metrics.CacheBypassed()
		return exec.Execute(ctx, j)
	}

	if cached, ok := a.cache.Get(j.Kind, j.Input); ok {
		a.logger.Debug("proof cache hit", "job_id", j.ID, "kind", j.Kind)
		return cached, nil
	}
	proof, err = exec.Execute(ctx, j)
	if err != nil {
		return nil, err
	}
	if err := a.cache.Put(j.Kind, j.Input, proof); err != nil {
		a.logger.Warn("error caching proof", "job_id", j.ID, "err", err)
	}
	return proof, nil
}
