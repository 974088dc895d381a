package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
)

type phaseKey struct {
	requestID string
	action    domain.ActionType
}

// MemoryTaskStore is an in-memory implementation of TaskStore.
type MemoryTaskStore struct {
	mu         sync.RWMutex
	tasks      map[string]domain.RequestTask
	phases     map[phaseKey][]string
	creation   *KeyedMutex
	maxRetries int
	now        func() time.Time
}

// NewMemoryTaskStore creates a new MemoryTaskStore.
func NewMemoryTaskStore(maxRetries int) *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:      make(map[string]domain.RequestTask),
		phases:     make(map[phaseKey][]string),
		creation:   NewKeyedMutex(),
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// CreateTasksForPhase implements TaskStore.
func (s *MemoryTaskStore) CreateTasksForPhase(ctx context.Context, req domain.PrivacyRequest, action domain.ActionType, tr *graph.Traversal) ([]domain.RequestTask, error) {
	unlock := s.creation.Lock(req.ID)
	defer unlock()

	if existing, err := s.ListTasks(ctx, req.ID, action); err != nil || len(existing) > 0 {
		return existing, err
	}

	tasks := newPhaseTasks(req, action, tr, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	key := phaseKey{requestID: req.ID, action: action}
	for _, t := range tasks {
		s.tasks[t.ID] = t
		s.phases[key] = append(s.phases[key], t.ID)
	}
	return cloneTasks(tasks), nil
}

// Get implements TaskStore.
func (s *MemoryTaskStore) Get(_ context.Context, id string) (domain.RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.RequestTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// GetByAddress implements TaskStore.
func (s *MemoryTaskStore) GetByAddress(_ context.Context, requestID string, action domain.ActionType, addr domain.CollectionAddress) (domain.RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.phases[phaseKey{requestID: requestID, action: action}] {
		if t := s.tasks[id]; t.CollectionAddress == addr {
			return t.Clone(), nil
		}
	}
	return domain.RequestTask{}, fmt.Errorf("%w: %s %s for request %s", domain.ErrTaskNotFound, action, addr, requestID)
}

// ListTasks implements TaskStore.
func (s *MemoryTaskStore) ListTasks(_ context.Context, requestID string, action domain.ActionType) ([]domain.RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.phases[phaseKey{requestID: requestID, action: action}]
	tasks := make([]domain.RequestTask, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, s.tasks[id].Clone())
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// HasTasks implements TaskStore.
func (s *MemoryTaskStore) HasTasks(_ context.Context, requestID string, action domain.ActionType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.phases[phaseKey{requestID: requestID, action: action}]) > 0, nil
}

// Transition implements TaskStore.
func (s *MemoryTaskStore) Transition(_ context.Context, task domain.RequestTask, to domain.TaskStatus, update domain.TaskUpdate) (domain.RequestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.tasks[task.ID]
	if !ok {
		return domain.RequestTask{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, task.ID)
	}
	next, err := transitionTask(current, task, to, update, s.maxRetries, s.now())
	if err != nil {
		return domain.RequestTask{}, err
	}
	s.tasks[task.ID] = next
	return next.Clone(), nil
}

// GetReadyTasks implements TaskStore.
func (s *MemoryTaskStore) GetReadyTasks(ctx context.Context, requestID string, action domain.ActionType) ([]domain.RequestTask, error) {
	tasks, err := s.ListTasks(ctx, requestID, action)
	if err != nil {
		return nil, err
	}
	return domain.ReadyTasks(tasks), nil
}

// PhaseState implements TaskStore.
func (s *MemoryTaskStore) PhaseState(ctx context.Context, requestID string, action domain.ActionType) (domain.PhaseState, error) {
	tasks, err := s.ListTasks(ctx, requestID, action)
	if err != nil {
		return "", err
	}
	return domain.ComputePhaseState(tasks), nil
}

// IsPhaseComplete implements TaskStore.
func (s *MemoryTaskStore) IsPhaseComplete(ctx context.Context, requestID string, action domain.ActionType) (bool, error) {
	state, err := s.PhaseState(ctx, requestID, action)
	if err != nil {
		return false, err
	}
	return state.Done(), nil
}

// MemoryResultStore is an in-memory implementation of ResultStore.
type MemoryResultStore struct {
	mu   sync.RWMutex
	rows map[string]map[domain.CollectionAddress][]domain.Row
}

// NewMemoryResultStore creates a new MemoryResultStore.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{rows: make(map[string]map[domain.CollectionAddress][]domain.Row)}
}

// PutRows implements ResultStore.
func (s *MemoryResultStore) PutRows(_ context.Context, requestID string, addr domain.CollectionAddress, rows []domain.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAddr, ok := s.rows[requestID]
	if !ok {
		byAddr = make(map[domain.CollectionAddress][]domain.Row)
		s.rows[requestID] = byAddr
	}
	if _, exists := byAddr[addr]; exists {
		return fmt.Errorf("%w: %s", domain.ErrResultExists, addr)
	}
	byAddr[addr] = cloneRows(rows)
	return nil
}

// Rows implements ResultStore.
func (s *MemoryResultStore) Rows(_ context.Context, requestID string, addr domain.CollectionAddress) ([]domain.Row, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.rows[requestID][addr]
	return cloneRows(rows), ok, nil
}

// AllRows implements ResultStore.
func (s *MemoryResultStore) AllRows(_ context.Context, requestID string) (map[domain.CollectionAddress][]domain.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.CollectionAddress][]domain.Row, len(s.rows[requestID]))
	for addr, rows := range s.rows[requestID] {
		out[addr] = cloneRows(rows)
	}
	return out, nil
}

// DeleteRequest implements ResultStore.
func (s *MemoryResultStore) DeleteRequest(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, requestID)
	return nil
}

// MemoryRequestStore is an in-memory implementation of RequestStore.
type MemoryRequestStore struct {
	mu       sync.Mutex
	requests map[string]domain.PrivacyRequest
	now      func() time.Time
}

// NewMemoryRequestStore creates a new MemoryRequestStore.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]domain.PrivacyRequest), now: time.Now}
}

// Create implements RequestStore.
func (s *MemoryRequestStore) Create(_ context.Context, req domain.PrivacyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return fmt.Errorf("privacy request %s already exists", req.ID)
	}
	now := s.now()
	req.CreatedAt, req.UpdatedAt = now, now
	s.requests[req.ID] = req.Clone()
	return nil
}

// Get implements RequestStore.
func (s *MemoryRequestStore) Get(_ context.Context, id string) (domain.PrivacyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return domain.PrivacyRequest{}, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
	}
	return req.Clone(), nil
}

// Update implements RequestStore.
func (s *MemoryRequestStore) Update(_ context.Context, id string, fn func(*domain.PrivacyRequest) error) (domain.PrivacyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return domain.PrivacyRequest{}, fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
	}
	next := req.Clone()
	if err := fn(&next); err != nil {
		return domain.PrivacyRequest{}, err
	}
	next.UpdatedAt = s.now()
	s.requests[id] = next.Clone()
	return next, nil
}

// List implements RequestStore.
func (s *MemoryRequestStore) List(_ context.Context) ([]domain.PrivacyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PrivacyRequest, 0, len(s.requests))
	for _, id := range slices.Sorted(maps.Keys(s.requests)) {
		out = append(out, s.requests[id].Clone())
	}
	return out, nil
}

func cloneTasks(tasks []domain.RequestTask) []domain.RequestTask {
	out := make([]domain.RequestTask, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

func cloneRows(rows []domain.Row) []domain.Row {
	if rows == nil {
		return nil
	}
	out := make([]domain.Row, len(rows))
	for i, r := range rows {
		out[i] = maps.Clone(r)
	}
	return out
}
