package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
)

// Key layout:
//
//	task/<id>                              -> RequestTask
//	taskidx/<request>/<action>/<address>   -> task id
//	req/<id>                               -> PrivacyRequest
//	result/<request>/<address>             -> []Row
func taskKey(id string) []byte { return []byte("task/" + id) }

func taskIndexPrefix(requestID string, action domain.ActionType) []byte {
	return []byte(fmt.Sprintf("taskidx/%s/%s/", requestID, action))
}

func taskIndexKey(requestID string, action domain.ActionType, addr domain.CollectionAddress) []byte {
	return append(taskIndexPrefix(requestID, action), addr.String()...)
}

func requestKey(id string) []byte { return []byte("req/" + id) }

func resultPrefix(requestID string) []byte { return []byte("result/" + requestID + "/") }

func resultKey(requestID string, addr domain.CollectionAddress) []byte {
	return append(resultPrefix(requestID), addr.String()...)
}

// BadgerTaskStore is a BadgerDB-backed TaskStore.
type BadgerTaskStore struct {
	db         *BadgerDB
	creation   *KeyedMutex
	maxRetries int
	now        func() time.Time
}

// NewBadgerTaskStore creates a task store over db.
func NewBadgerTaskStore(db *BadgerDB, maxRetries int) *BadgerTaskStore {
	return &BadgerTaskStore{db: db, creation: NewKeyedMutex(), maxRetries: maxRetries, now: time.Now}
}

// CreateTasksForPhase implements TaskStore.
func (s *BadgerTaskStore) CreateTasksForPhase(ctx context.Context, req domain.PrivacyRequest, action domain.ActionType, tr *graph.Traversal) ([]domain.RequestTask, error) {
	unlock := s.creation.Lock(req.ID)
	defer unlock()

	var created []domain.RequestTask
	err := s.db.update(func(txn *badger.Txn) error {
		existing, err := listTasks(txn, req.ID, action)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			created = existing
			return nil
		}
		created = newPhaseTasks(req, action, tr, s.now())
		for _, t := range created {
			if err := setJSON(txn, taskKey(t.ID), t); err != nil {
				return err
			}
			if err := txn.Set(taskIndexKey(req.ID, action, t.CollectionAddress), []byte(t.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create %s tasks for %s: %w", action, req.ID, err)
	}
	domain.SortTasks(created)
	return created, nil
}

// Get implements TaskStore.
func (s *BadgerTaskStore) Get(_ context.Context, id string) (domain.RequestTask, error) {
	var task domain.RequestTask
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, taskKey(id), &task)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		return nil
	})
	return task, err
}

// GetByAddress implements TaskStore.
func (s *BadgerTaskStore) GetByAddress(_ context.Context, requestID string, action domain.ActionType, addr domain.CollectionAddress) (domain.RequestTask, error) {
	var task domain.RequestTask
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(taskIndexKey(requestID, action, addr))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s %s for request %s", domain.ErrTaskNotFound, action, addr, requestID)
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		found, err := getJSON(txn, taskKey(string(id)), &task)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		return nil
	})
	return task, err
}

// ListTasks implements TaskStore.
func (s *BadgerTaskStore) ListTasks(_ context.Context, requestID string, action domain.ActionType) ([]domain.RequestTask, error) {
	var tasks []domain.RequestTask
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		tasks, err = listTasks(txn, requestID, action)
		return err
	})
	return tasks, err
}

func listTasks(txn *badger.Txn, requestID string, action domain.ActionType) ([]domain.RequestTask, error) {
	var ids []string
	err := scanPrefix(txn, taskIndexPrefix(requestID, action), func(_, val []byte) error {
		ids = append(ids, string(val))
		return nil
	})
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.RequestTask, 0, len(ids))
	for _, id := range ids {
		var t domain.RequestTask
		found, err := getJSON(txn, taskKey(id), &t)
		if err != nil {
			return nil, err
		}
		if found {
			tasks = append(tasks, t)
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// HasTasks implements TaskStore.
func (s *BadgerTaskStore) HasTasks(ctx context.Context, requestID string, action domain.ActionType) (bool, error) {
	var has bool
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := taskIndexPrefix(requestID, action)
		it.Seek(prefix)
		has = it.ValidForPrefix(prefix)
		return nil
	})
	return has, err
}

// Transition implements TaskStore.
func (s *BadgerTaskStore) Transition(_ context.Context, task domain.RequestTask, to domain.TaskStatus, update domain.TaskUpdate) (domain.RequestTask, error) {
	var next domain.RequestTask
	err := s.db.update(func(txn *badger.Txn) error {
		var current domain.RequestTask
		found, err := getJSON(txn, taskKey(task.ID), &current)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, task.ID)
		}
		next, err = transitionTask(current, task, to, update, s.maxRetries, s.now())
		if err != nil {
			return err
		}
		return setJSON(txn, taskKey(task.ID), next)
	})
	if err != nil {
		return domain.RequestTask{}, err
	}
	return next, nil
}

// GetReadyTasks implements TaskStore.
func (s *BadgerTaskStore) GetReadyTasks(ctx context.Context, requestID string, action domain.ActionType) ([]domain.RequestTask, error) {
	tasks, err := s.ListTasks(ctx, requestID, action)
	if err != nil {
		return nil, err
	}
	return domain.ReadyTasks(tasks), nil
}

// PhaseState implements TaskStore.
func (s *BadgerTaskStore) PhaseState(ctx context.Context, requestID string, action domain.ActionType) (domain.PhaseState, error) {
	tasks, err := s.ListTasks(ctx, requestID, action)
	if err != nil {
		return "", err
	}
	return domain.ComputePhaseState(tasks), nil
}

// IsPhaseComplete implements TaskStore.
func (s *BadgerTaskStore) IsPhaseComplete(ctx context.Context, requestID string, action domain.ActionType) (bool, error) {
	state, err := s.PhaseState(ctx, requestID, action)
	if err != nil {
		return false, err
	}
	return state.Done(), nil
}

// BadgerResultStore is a BadgerDB-backed ResultStore.
type BadgerResultStore struct {
	db *BadgerDB
}

// NewBadgerResultStore creates a result store over db.
func NewBadgerResultStore(db *BadgerDB) *BadgerResultStore {
	return &BadgerResultStore{db: db}
}

// PutRows implements ResultStore.
func (s *BadgerResultStore) PutRows(_ context.Context, requestID string, addr domain.CollectionAddress, rows []domain.Row) error {
	if rows == nil {
		rows = []domain.Row{}
	}
	return s.db.update(func(txn *badger.Txn) error {
		key := resultKey(requestID, addr)
		_, err := txn.Get(key)
		if err == nil {
			return fmt.Errorf("%w: %s", domain.ErrResultExists, addr)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return setJSON(txn, key, rows)
	})
}

// Rows implements ResultStore.
func (s *BadgerResultStore) Rows(_ context.Context, requestID string, addr domain.CollectionAddress) ([]domain.Row, bool, error) {
	var rows []domain.Row
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, resultKey(requestID, addr), &rows)
		return err
	})
	return rows, found, err
}

// AllRows implements ResultStore.
func (s *BadgerResultStore) AllRows(_ context.Context, requestID string) (map[domain.CollectionAddress][]domain.Row, error) {
	out := make(map[domain.CollectionAddress][]domain.Row)
	prefix := resultPrefix(requestID)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(key, val []byte) error {
			addr, err := domain.ParseCollectionAddress(string(key[len(prefix):]))
			if err != nil {
				return err
			}
			var rows []domain.Row
			if err := json.Unmarshal(val, &rows); err != nil {
				return fmt.Errorf("decode rows for %s: %w", addr, err)
			}
			out[addr] = rows
			return nil
		})
	})
	return out, err
}

// DeleteRequest implements ResultStore.
func (s *BadgerResultStore) DeleteRequest(_ context.Context, requestID string) error {
	prefix := resultPrefix(requestID)
	return s.db.update(func(txn *badger.Txn) error {
		var keys [][]byte
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
		return nil
	})
}

// BadgerRequestStore is a BadgerDB-backed RequestStore.
type BadgerRequestStore struct {
	db  *BadgerDB
	now func() time.Time
}

// NewBadgerRequestStore creates a request store over db.
func NewBadgerRequestStore(db *BadgerDB) *BadgerRequestStore {
	return &BadgerRequestStore{db: db, now: time.Now}
}

// Create implements RequestStore.
func (s *BadgerRequestStore) Create(_ context.Context, req domain.PrivacyRequest) error {
	now := s.now()
	req.CreatedAt, req.UpdatedAt = now, now
	return s.db.update(func(txn *badger.Txn) error {
		var existing domain.PrivacyRequest
		found, err := getJSON(txn, requestKey(req.ID), &existing)
		if err != nil {
			return err
		}
		if found {
			return fmt.Errorf("privacy request %s already exists", req.ID)
		}
		return setJSON(txn, requestKey(req.ID), req)
	})
}

// Get implements RequestStore.
func (s *BadgerRequestStore) Get(_ context.Context, id string) (domain.PrivacyRequest, error) {
	var req domain.PrivacyRequest
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, requestKey(id), &req)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
		}
		return nil
	})
	return req, err
}

// Update implements RequestStore.
func (s *BadgerRequestStore) Update(_ context.Context, id string, fn func(*domain.PrivacyRequest) error) (domain.PrivacyRequest, error) {
	var req domain.PrivacyRequest
	err := s.db.update(func(txn *badger.Txn) error {
		req = domain.PrivacyRequest{}
		found, err := getJSON(txn, requestKey(id), &req)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s", domain.ErrRequestNotFound, id)
		}
		if err := fn(&req); err != nil {
			return err
		}
		req.UpdatedAt = s.now()
		return setJSON(txn, requestKey(id), req)
	})
	if err != nil {
		return domain.PrivacyRequest{}, err
	}
	return req, nil
}

// List implements RequestStore.
func (s *BadgerRequestStore) List(_ context.Context) ([]domain.PrivacyRequest, error) {
	var out []domain.PrivacyRequest
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte("req/"), func(_, val []byte) error {
			var req domain.PrivacyRequest
			if err := json.Unmarshal(val, &req); err != nil {
				return err
			}
			out = append(out, req)
			return nil
		})
	})
	return out, err
}
