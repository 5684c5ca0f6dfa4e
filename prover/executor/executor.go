// Package executor runs the proving work of a single job.
package executor

//go:generate mockgen -source executor.go -destination mock_executor.go -package executor

import (
	"context"

	"github.com/rollupkit/orchestrator/prover/job"
)

// Executor produces the proof for a job. Any returned error is a proving
// failure of that job; executors do not retry.
type Executor interface {
	Execute(ctx context.Context, j *job.Job) ([]byte, error)
}

// StubExecutor returns an empty proof without running anything.
type StubExecutor struct{}

var _ Executor = StubExecutor{}

// Execute implements Executor.
func (StubExecutor) Execute(ctx context.Context, j *job.Job) ([]byte, error) {
	return []byte{}, nil
}
