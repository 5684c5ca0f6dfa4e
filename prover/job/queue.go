package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rollupkit/orchestrator/log"
	"github.com/rollupkit/orchestrator/metrics"
)

type entry struct {
	job    Job
	state  State
	agent  string
	result Result
	// done is closed once the job is resolved or cancelled.
	done chan struct{}
}

// Queue is an in-memory job source. All state transitions happen under a
// single mutex, so a pending job is handed to at most one agent.
type Queue struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*entry
	pending []uuid.UUID

	logger  *log.Logger
	metrics metrics.ProvingMetrics
}

var _ Source = (*Queue)(nil)

// NewQueue returns an empty queue.
func NewQueue(logger *log.Logger) *Queue {
	return &Queue{
		jobs:    make(map[uuid.UUID]*entry),
		logger:  logger.WithModule("job_queue"),
		metrics: metrics.NewDefaultProvingMetrics(),
	}
}

// Enqueue adds a pending job.
func (q *Queue) Enqueue(j Job) error {
	if !j.Kind.Valid() {
		return fmt.Errorf("enqueue job %s: invalid kind %q", j.ID, j.Kind)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[j.ID]; ok {
		return fmt.Errorf("enqueue job %s: %w", j.ID, ErrDuplicateJob)
	}
	q.jobs[j.ID] = &entry{job: j, state: StatePending, done: make(chan struct{})}
	q.pending = append(q.pending, j.ID)
	q.metrics.JobEnqueued(string(j.Kind))
	q.metrics.QueueLength(q.pendingLocked())
	q.logger.Debug("job enqueued", "job_id", j.ID, "kind", j.Kind, "scope", j.Scope, "attempt", j.Attempt)
	return nil
}

// ClaimNext claims the oldest pending job for agentID.
func (q *Queue) ClaimNext(ctx context.Context, agentID string) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		e, ok := q.jobs[id]
		if !ok || e.state != StatePending {
			// Cancelled or removed while pending.
			continue
		}
		e.state = StateClaimed
		e.agent = agentID
		q.metrics.QueueLength(q.pendingLocked())
		j := e.job
		return &j, nil
	}
	return nil, nil
}

// Resolve records the result of a claimed job and wakes up its waiters.
// Results for cancelled jobs are discarded with ErrJobCancelled.
func (q *Queue) Resolve(ctx context.Context, id uuid.UUID, result Result) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("resolve job %s: %w", id, ErrUnknownJob)
	}
	switch e.state {
	case StatePending:
		return fmt.Errorf("resolve job %s: %w", id, ErrNotClaimed)
	case StateResolved:
		return fmt.Errorf("resolve job %s: %w", id, ErrAlreadyResolved)
	case StateCancelled:
		return fmt.Errorf("resolve job %s: %w", id, ErrJobCancelled)
	}
	e.state = StateResolved
	e.result = result
	close(e.done)

	status := metrics.JobStatusSuccess
	if result.Failed() {
		status = metrics.JobStatusFailed
	}
	q.metrics.JobResolved(string(e.job.Kind), status, result.Duration)
	return nil
}

// Await blocks until the job is resolved or cancelled, or ctx is done.
func (q *Queue) Await(ctx context.Context, id uuid.UUID) (Result, error) {
	q.mu.Lock()
	e, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("await job %s: %w", id, ErrUnknownJob)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if e.state == StateCancelled {
		return Result{}, fmt.Errorf("await job %s: %w", id, ErrJobCancelled)
	}
	return e.result, nil
}

// Cancelled reports whether the job was cancelled. Unknown jobs report
// ErrUnknownJob; callers should treat them as cancelled.
func (q *Queue) Cancelled(ctx context.Context, id uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, ErrUnknownJob)
	}
	return e.state == StateCancelled, nil
}

// Cancel marks an outstanding job cancelled. It reports whether the job was
// outstanding; resolved and unknown jobs are left alone.
func (q *Queue) Cancel(id uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return false
	}
	return q.cancelLocked(e)
}

// CancelScope cancels every outstanding job of scope and returns how many
// were cancelled.
func (q *Queue) CancelScope(scope uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.jobs {
		if e.job.Scope == scope && q.cancelLocked(e) {
			n++
		}
	}
	return n
}

func (q *Queue) cancelLocked(e *entry) bool {
	if e.state != StatePending && e.state != StateClaimed {
		return false
	}
	wasPending := e.state == StatePending
	e.state = StateCancelled
	if wasPending {
		q.metrics.QueueLength(q.pendingLocked())
	}
	close(e.done)
	q.metrics.JobResolved(string(e.job.Kind), metrics.JobStatusCancelled, 0)
	q.logger.Debug("job cancelled", "job_id", e.job.ID, "kind", e.job.Kind, "scope", e.job.Scope)
	return true
}

// Remove forgets a job. Outstanding jobs are cancelled first.
func (q *Queue) Remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return
	}
	q.cancelLocked(e)
	delete(q.jobs, id)
}

// Jobs returns a snapshot of all known jobs.
func (q *Queue) Jobs() []Info {
	q.mu.Lock()
	defer q.mu.Unlock()
	infos := make([]Info, 0, len(q.jobs))
	for _, e := range q.jobs {
		infos = append(infos, Info{Job: e.job, State: e.state, Agent: e.agent})
	}
	return infos
}

// QueueLength returns the number of pending jobs.
func (q *Queue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, id := range q.pending {
		if e, ok := q.jobs[id]; ok && e.state == StatePending {
			n++
		}
	}
	return n
}
