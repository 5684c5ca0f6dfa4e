// Package job defines proving jobs and the queue agents claim them from.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicateJob    = errors.New("job already enqueued")
	ErrUnknownJob      = errors.New("unknown job")
	ErrNotClaimed      = errors.New("job not claimed")
	ErrAlreadyResolved = errors.New("job already resolved")
	ErrJobCancelled    = errors.New("job cancelled")
)

// Kind identifies the circuit a job proves.
type Kind string

const (
	KindPublicKernelNonRevertible Kind = "public-kernel-nonrevertible"
	KindPublicKernelRevertible    Kind = "public-kernel-revertible"
	KindBaseRollup                Kind = "base-rollup"
	KindRootRollup                Kind = "root-rollup"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPublicKernelNonRevertible, KindPublicKernelRevertible, KindBaseRollup, KindRootRollup:
		return true
	}
	return false
}

// Job is one unit of proving work.
type Job struct {
	ID   uuid.UUID `json:"id"`
	Kind Kind      `json:"kind"`
	// Scope is the number of the block the job belongs to.
	Scope uint64 `json:"scope"`
	// Input is the serialized circuit input.
	Input []byte `json:"input"`
	// Attempt counts from 1; a retried job gets a new ID and Attempt+1.
	Attempt int `json:"attempt"`
}

// New returns a first attempt job with a fresh ID.
func New(kind Kind, scope uint64, input []byte) Job {
	return Job{
		ID:      uuid.New(),
		Kind:    kind,
		Scope:   scope,
		Input:   input,
		Attempt: 1,
	}
}

// Retry returns the next attempt of j under a fresh ID.
func (j Job) Retry() Job {
	next := j
	next.ID = uuid.New()
	next.Attempt++
	return next
}

// ProvingFailedError reports that an agent could not produce a proof.
type ProvingFailedError struct {
	Reason string `json:"reason"`
}

func (e *ProvingFailedError) Error() string {
	return fmt.Sprintf("proving failed: %s", e.Reason)
}

// Result is the outcome of a job. Exactly one of Proof and Err is meaningful;
// an empty Proof with a nil Err is a valid stub proof.
type Result struct {
	Proof    []byte              `json:"proof"`
	Err      *ProvingFailedError `json:"error,omitempty"`
	Duration time.Duration       `json:"duration"`
}

// Failed reports whether the result carries a proving failure.
func (r Result) Failed() bool {
	return r.Err != nil
}

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateClaimed   State = "claimed"
	StateResolved  State = "resolved"
	StateCancelled State = "cancelled"
)

// Info is a snapshot of a job and its state.
type Info struct {
	Job   Job    `json:"job"`
	State State  `json:"state"`
	Agent string `json:"agent,omitempty"`
}

// Source hands out jobs to agents and accepts their results.
type Source interface {
	// ClaimNext claims a pending job for agentID. It returns nil when no job
	// is pending and never blocks waiting for one.
	ClaimNext(ctx context.Context, agentID string) (*Job, error)
	// Resolve records the result of a claimed job.
	Resolve(ctx context.Context, id uuid.UUID, result Result) error
	// Cancelled reports whether the job was cancelled since it was claimed.
	Cancelled(ctx context.Context, id uuid.UUID) (bool, error)
}
