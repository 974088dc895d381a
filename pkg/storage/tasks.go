package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
)

// newPhaseTasks builds the task rows for every traversal node.
func newPhaseTasks(req domain.PrivacyRequest, action domain.ActionType, tr *graph.Traversal, now time.Time) []domain.RequestTask {
	nodes := tr.Nodes()
	tasks := make([]domain.RequestTask, 0, len(nodes))
	for _, n := range nodes {
		status := domain.TaskPending
		var reason string
		if n.Excluded {
			status = domain.TaskSkipped
			reason = n.ExcludedReason
		}
		tasks = append(tasks, domain.RequestTask{
			ID:                  uuid.New().String(),
			PrivacyRequestID:    req.ID,
			CollectionAddress:   n.Address,
			ActionType:          action,
			Status:              status,
			UpstreamAddresses:   n.Upstream,
			DownstreamAddresses: n.Downstream,
			Generation:          n.Generation,
			IsRoot:              n.IsRoot,
			ErrorMessage:        reason,
			CreatedAt:           now,
			UpdatedAt:           now,
		})
	}
	return tasks
}

// transitionTask validates and applies a CAS transition on a copy of current.
func transitionTask(current, expected domain.RequestTask, to domain.TaskStatus, update domain.TaskUpdate, maxRetries int, now time.Time) (domain.RequestTask, error) {
	if current.Status != expected.Status {
		return domain.RequestTask{}, domain.ErrStaleTask
	}
	if err := domain.ValidateTransition(current, to, maxRetries); err != nil {
		return domain.RequestTask{}, err
	}
	next := current.Clone()
	next.Status = to
	update.Apply(&next)
	next.UpdatedAt = now
	return next, nil
}

// KeyedMutex serialises work per key, e.g. task creation per privacy request.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
