// Package storage persists privacy requests, their per-node tasks and the
// access results those tasks produce.
//
// Two backends implement the same interfaces: an in-memory store used for
// tests and single-process deployments, and a BadgerDB store that survives
// restarts. Task transitions are compare-and-set on the task's current
// status, so two workers can never both move the same task forward.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
)

// TaskStore persists RequestTasks and enforces the task state machine.
type TaskStore interface {
	// CreateTasksForPhase creates one task per traversal node. It is
	// idempotent: a second call for the same request and action returns the
	// existing tasks. Excluded nodes are created skipped.
	CreateTasksForPhase(ctx context.Context, req domain.PrivacyRequest, action domain.ActionType, tr *graph.Traversal) ([]domain.RequestTask, error)
	Get(ctx context.Context, id string) (domain.RequestTask, error)
	GetByAddress(ctx context.Context, requestID string, action domain.ActionType, addr domain.CollectionAddress) (domain.RequestTask, error)
	ListTasks(ctx context.Context, requestID string, action domain.ActionType) ([]domain.RequestTask, error)
	HasTasks(ctx context.Context, requestID string, action domain.ActionType) (bool, error)
	// Transition moves task to status to if its stored status still equals
	// task.Status, applying update in the same atomic step.
	Transition(ctx context.Context, task domain.RequestTask, to domain.TaskStatus, update domain.TaskUpdate) (domain.RequestTask, error)
	GetReadyTasks(ctx context.Context, requestID string, action domain.ActionType) ([]domain.RequestTask, error)
	PhaseState(ctx context.Context, requestID string, action domain.ActionType) (domain.PhaseState, error)
	IsPhaseComplete(ctx context.Context, requestID string, action domain.ActionType) (bool, error)
}

// ResultStore is the write-once arena of access rows keyed by request and collection.
type ResultStore interface {
	PutRows(ctx context.Context, requestID string, addr domain.CollectionAddress, rows []domain.Row) error
	Rows(ctx context.Context, requestID string, addr domain.CollectionAddress) ([]domain.Row, bool, error)
	AllRows(ctx context.Context, requestID string) (map[domain.CollectionAddress][]domain.Row, error)
	// DeleteRequest drops every row stored for the request.
	DeleteRequest(ctx context.Context, requestID string) error
}

// RequestStore persists PrivacyRequests.
type RequestStore interface {
	Create(ctx context.Context, req domain.PrivacyRequest) error
	Get(ctx context.Context, id string) (domain.PrivacyRequest, error)
	// Update applies fn to the stored request atomically. If fn returns an
	// error nothing is written.
	Update(ctx context.Context, id string, fn func(*domain.PrivacyRequest) error) (domain.PrivacyRequest, error)
	List(ctx context.Context) ([]domain.PrivacyRequest, error)
}

// Config selects and tunes the storage backend.
type Config struct {
	Backend    string // memory | badger
	Path       string
	InMemory   bool
	SyncWrites bool
	GCInterval time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// Store bundles the three stores over one backend.
type Store struct {
	Tasks    TaskStore
	Results  ResultStore
	Requests RequestStore
	closeFn  func() error
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// Open builds a Store for the configured backend.
func Open(cfg Config) (*Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return &Store{
			Tasks:    NewMemoryTaskStore(cfg.MaxRetries),
			Results:  NewMemoryResultStore(),
			Requests: NewMemoryRequestStore(),
		}, nil
	case "badger":
		db, err := OpenBadger(BadgerConfig{
			Path:           cfg.Path,
			InMemory:       cfg.InMemory,
			SyncWrites:     cfg.SyncWrites,
			GCInterval:     cfg.GCInterval,
			GCDiscardRatio: 0.5,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		return &Store{
			Tasks:    NewBadgerTaskStore(db, cfg.MaxRetries),
			Results:  NewBadgerResultStore(db),
			Requests: NewBadgerRequestStore(db),
			closeFn:  db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", domain.ErrConfigInvalid, cfg.Backend)
	}
}
