package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// AsyncMemoryConnector simulates a source whose jobs finish out of band: a
// started job reports pending for a fixed number of polls before it is ready.
type AsyncMemoryConnector struct {
	*MemoryConnector

	mu           sync.Mutex
	pendingPolls int
	jobs         map[string]*asyncJob
	fetches      int
}

type asyncJob struct {
	polls  int
	result AsyncResult
	err    error
}

// NewAsyncMemoryConnector creates a connector whose jobs stay pending for pendingPolls polls.
func NewAsyncMemoryConnector(pendingPolls int) *AsyncMemoryConnector {
	return &AsyncMemoryConnector{
		MemoryConnector: NewMemoryConnector(),
		pendingPolls:    pendingPolls,
		jobs:            make(map[string]*asyncJob),
	}
}

// Start implements AsyncConnector. The job's outcome is computed up front
// and released once the pending polls are used up.
func (a *AsyncMemoryConnector) Start(ctx context.Context, job AsyncJob) (string, error) {
	var (
		result AsyncResult
		err    error
	)
	switch {
	case job.Query != nil:
		result.Rows, err = a.MemoryConnector.Query(ctx, *job.Query)
		result.Count = len(result.Rows)
	case job.Mutate != nil:
		result.Count, err = a.MemoryConnector.Mutate(ctx, *job.Mutate)
	case job.Consent != nil:
		err = a.MemoryConnector.PropagateConsent(ctx, *job.Consent)
	default:
		return "", fmt.Errorf("async job for %s has no payload", job.Action)
	}

	ref := uuid.New().String()
	a.mu.Lock()
	a.jobs[ref] = &asyncJob{result: result, err: err}
	a.mu.Unlock()
	return ref, nil
}

// Poll implements AsyncConnector.
func (a *AsyncMemoryConnector) Poll(ctx context.Context, jobRef string) (PollStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[jobRef]
	if !ok {
		return "", fmt.Errorf("unknown async job %q", jobRef)
	}
	job.polls++
	switch {
	case job.polls <= a.pendingPolls:
		return PollPending, nil
	case job.err != nil:
		return PollFailed, nil
	default:
		return PollReady, nil
	}
}

// FetchResult implements AsyncConnector.
func (a *AsyncMemoryConnector) FetchResult(_ context.Context, jobRef string) (AsyncResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[jobRef]
	if !ok {
		return AsyncResult{}, fmt.Errorf("unknown async job %q", jobRef)
	}
	a.fetches++
	if job.err != nil {
		return AsyncResult{}, job.err
	}
	rows := make([]domain.Row, len(job.result.Rows))
	copy(rows, job.result.Rows)
	return AsyncResult{Rows: rows, Count: job.result.Count}, nil
}

// Fetches returns how many times FetchResult was called.
func (a *AsyncMemoryConnector) Fetches() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetches
}

// Polls returns how many times a job was polled.
func (a *AsyncMemoryConnector) Polls(jobRef string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if job, ok := a.jobs[jobRef]; ok {
		return job.polls
	}
	return 0
}
