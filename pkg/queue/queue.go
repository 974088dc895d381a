// Package queue carries work between the pipeline and its workers.
//
// Jobs live in named partitions, one per action plus one for pipeline
// re-runs, so a slow erasure backlog never starves access work. A job can
// be delayed: it stays invisible to Pop until its NotBefore time. Delayed
// re-enqueueing is how tasks suspend (async polls, retries with backoff,
// email batch windows) without holding a worker.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-privacy/pkg/domain"
)

// ErrClosed is returned by Push and Pop after Close.
var ErrClosed = errors.New("queue closed")

// Partition names a queue lane.
type Partition string

const (
	PartitionAccess   Partition = "access"
	PartitionErasure  Partition = "erasure"
	PartitionConsent  Partition = "consent"
	PartitionRequests Partition = "requests"
)

// Partitions lists every lane.
func Partitions() []Partition {
	return []Partition{PartitionAccess, PartitionErasure, PartitionConsent, PartitionRequests}
}

// ForAction returns the lane that executes tasks of the action.
func ForAction(action domain.ActionType) Partition {
	switch action {
	case domain.ActionErasure:
		return PartitionErasure
	case domain.ActionConsent:
		return PartitionConsent
	default:
		return PartitionAccess
	}
}

// Kind says what a job asks a worker to do.
type Kind string

const (
	// KindTask executes one RequestTask.
	KindTask Kind = "task"
	// KindRun re-invokes the pipeline of a request.
	KindRun Kind = "run"
)

// Job is one unit of queued work.
type Job struct {
	ID        string    `json:"id"`
	Partition Partition `json:"partition"`
	Kind      Kind      `json:"kind"`
	RequestID string    `json:"request_id"`
	TaskID    string    `json:"task_id,omitempty"`
	// Proceed asks the worker to unblock downstream tasks and resume the
	// pipeline once the task settles.
	Proceed   bool      `json:"proceed,omitempty"`
	NotBefore time.Time `json:"not_before,omitempty"`
	Enqueued  time.Time `json:"enqueued"`
}

// Queue is a partitioned work queue with delayed delivery.
type Queue interface {
	// Push enqueues job and returns its ID, assigning one if empty.
	Push(ctx context.Context, job Job) (string, error)
	// Pop blocks until a job of the partition is due or ctx is done.
	Pop(ctx context.Context, partition Partition) (Job, error)
	// Remove drops a queued job. It reports whether the job was still queued.
	Remove(jobID string) bool
	// Len is the number of queued jobs in the partition, due or not.
	Len(partition Partition) int
	Close()
}

// MemoryQueue is an in-process Queue. Jobs in a partition are delivered in
// NotBefore order, ties broken by push order.
type MemoryQueue struct {
	mu     sync.Mutex
	parts  map[Partition]*jobHeap
	index  map[string]*item
	seq    uint64
	wake   chan struct{}
	closed bool
	now    func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		parts: make(map[Partition]*jobHeap),
		index: make(map[string]*item),
		wake:  make(chan struct{}),
		now:   time.Now,
	}
}

// Push implements Queue.
func (q *MemoryQueue) Push(_ context.Context, job Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Partition == "" {
		job.Partition = PartitionRequests
	}
	if existing, ok := q.index[job.ID]; ok {
		heap.Remove(q.parts[existing.job.Partition], existing.pos)
	}
	job.Enqueued = q.now()

	h := q.parts[job.Partition]
	if h == nil {
		h = &jobHeap{}
		q.parts[job.Partition] = h
	}
	q.seq++
	it := &item{job: job, seq: q.seq}
	heap.Push(h, it)
	q.index[job.ID] = it
	q.broadcast()
	return job.ID, nil
}

// Pop implements Queue.
func (q *MemoryQueue) Pop(ctx context.Context, partition Partition) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrClosed
		}
		wait := time.Duration(-1)
		if h := q.parts[partition]; h != nil && h.Len() > 0 {
			top := (*h)[0]
			if d := top.job.NotBefore.Sub(q.now()); d > 0 {
				wait = d
			} else {
				heap.Pop(h)
				delete(q.index, top.job.ID)
				q.mu.Unlock()
				return top.job, nil
			}
		}
		wake := q.wake
		q.mu.Unlock()

		if err := q.sleep(ctx, wake, wait); err != nil {
			return Job{}, err
		}
	}
}

// sleep waits for a push, the next due time or cancellation. A negative
// wait means no job is scheduled.
func (q *MemoryQueue) sleep(ctx context.Context, wake <-chan struct{}, wait time.Duration) error {
	var due <-chan time.Time
	if wait >= 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		due = timer.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-due:
	}
	return nil
}

// Remove implements Queue.
func (q *MemoryQueue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[jobID]
	if !ok {
		return false
	}
	heap.Remove(q.parts[it.job.Partition], it.pos)
	delete(q.index, jobID)
	return true
}

// Len implements Queue.
func (q *MemoryQueue) Len(partition Partition) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if h := q.parts[partition]; h != nil {
		return h.Len()
	}
	return 0
}

// Close wakes every blocked Pop with ErrClosed.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

// broadcast wakes all waiters. Caller holds q.mu.
func (q *MemoryQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

type item struct {
	job Job
	seq uint64
	pos int
}

type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].job.NotBefore.Equal(h[j].job.NotBefore) {
		return h[i].job.NotBefore.Before(h[j].job.NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].pos = i
	h[j].pos = j
}

func (h *jobHeap) Push(x any) {
	it := x.(*item)
	it.pos = len(*h)
	*h = append(*h, it)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ Queue = (*MemoryQueue)(nil)
