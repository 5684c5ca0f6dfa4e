package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rollupkit/orchestrator/common"
	"github.com/rollupkit/orchestrator/config"
	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/metrics"
	"github.com/rollupkit/orchestrator/prover/job"
)

// ErrStopTimeout is returned by Stop when agents did not exit in time.
var ErrStopTimeout = errors.New("timed out waiting for agents to stop")

type runningAgent struct {
	agent  *Agent
	cancel context.CancelFunc
}

// Pool runs a resizable set of agents sharing one job source and one set of
// live settings.
type Pool struct {
	source      job.Source
	newExecutor ExecutorFactory
	cache       ProofCache
	idPrefix    string

	settings atomic.Pointer[config.ProverConfig]

	mu     sync.Mutex
	agents []runningAgent
	nextID int
	// wg tracks every agent goroutine, including ones stopped by Resize that
	// are still finishing their current job.
	wg sync.WaitGroup

	logger  *log.Logger
	metrics metrics.ProvingMetrics
}

// Option configures a Pool.
type Option func(*Pool)

// WithExecutorFactory overrides how agents pick their executor.
func WithExecutorFactory(f ExecutorFactory) Option {
	return func(p *Pool) {
		p.newExecutor = f
	}
}

// WithProofCache makes agents consult cache in real proof mode.
func WithProofCache(cache ProofCache) Option {
	return func(p *Pool) {
		p.cache = cache
	}
}

// WithIDPrefix sets the prefix of agent ids, e.g. to tell apart agents of
// different processes attached to the same source.
func WithIDPrefix(prefix string) Option {
	return func(p *Pool) {
		p.idPrefix = prefix
	}
}

// NewPool returns a pool without agents; call Resize to start some.
func NewPool(source job.Source, cfg config.ProverConfig, logger *log.Logger, opts ...Option) *Pool {
	p := &Pool{
		source:   source,
		idPrefix: "agent",
		logger:   logger.WithModule("prover_agent"),
		metrics:  metrics.NewDefaultProvingMetrics(),
	}
	p.newExecutor = DefaultExecutorFactory(logger)
	for _, opt := range opts {
		opt(p)
	}
	p.settings.Store(&cfg)
	return p
}

// Settings returns the live settings.
func (p *Pool) Settings() config.ProverConfig {
	return *p.settings.Load()
}

// UpdateSettings swaps the live settings. Agents pick them up on their next
// job or poll; the number of agents is left to Resize.
func (p *Pool) UpdateSettings(cfg config.ProverConfig) {
	p.settings.Store(&cfg)
}

// Resize starts or stops agents so that exactly k are live when it returns.
// Stopped agents finish their current job in the background.
func (p *Pool) Resize(k int) {
	if k < 0 {
		k = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.agents) < k {
		p.startLocked()
	}
	for len(p.agents) > k {
		last := p.agents[len(p.agents)-1]
		p.agents = p.agents[:len(p.agents)-1]
		last.cancel()
		p.logger.Info("stopping agent", "agent_id", last.agent.id)
	}
	p.metrics.LiveAgents(len(p.agents))
}

func (p *Pool) startLocked() {
	id := fmt.Sprintf("%s-%d", p.idPrefix, p.nextID)
	p.nextID++
	a := &Agent{
		id:          id,
		source:      p.source,
		settings:    p.Settings,
		newExecutor: p.newExecutor,
		cache:       p.cache,
		logger:      p.logger.With("agent_id", id),
		metrics:     p.metrics,
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.agents = append(p.agents, runningAgent{agent: a, cancel: cancel})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		a.Run(ctx)
	}()
}

// Len returns the number of live agents.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Stop stops all agents and waits up to timeout for them to exit.
func (p *Pool) Stop(timeout time.Duration) error {
	p.Resize(0)

	select {
	case <-common.ClosingChannel(&p.wg):
		p.logger.Info("all agents stopped")
		return nil
	case <-time.After(timeout):
		p.logger.Warn("timed out waiting for agents to stop", "timeout", timeout)
		return ErrStopTimeout
	}
}
