package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
)

type backend struct {
	name string
	open func(t testing.TB) *Store
}

func backends() []backend {
	return []backend{
		{name: "memory", open: func(testing.TB) *Store {
			s, _ := Open(Config{Backend: "memory", MaxRetries: 2})
			return s
		}},
		{name: "badger", open: func(t testing.TB) *Store {
			s, err := Open(Config{Backend: "badger", InMemory: true, MaxRetries: 2})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func shopTraversal(t testing.TB, filters ...graph.NodeFilter) *graph.Traversal {
	t.Helper()
	users := domain.NewCollectionAddress("shop", "users")
	orders := domain.NewCollectionAddress("shop", "orders")
	g, err := graph.New([]domain.Dataset{{
		Name: "shop",
		Collections: []domain.Collection{
			{Name: "users", Fields: []domain.Field{{Path: "id"}, {Path: "email", Identity: "email"}}},
			{Name: "orders", Fields: []domain.Field{{Path: "user_id", References: []domain.FieldReference{{
				Target: domain.FieldAddress{Collection: users, Path: "id"}, Direction: domain.DirectionFrom,
			}}}}},
			{Name: "order_items", Fields: []domain.Field{{Path: "order_id", References: []domain.FieldReference{{
				Target: domain.FieldAddress{Collection: orders, Path: "user_id"}, Direction: domain.DirectionFrom,
			}}}}},
		},
	}})
	require.NoError(t, err)
	tr, err := graph.BuildTraversal(context.Background(), g, map[string]string{"email": "a@example.com"}, filters...)
	require.NoError(t, err)
	return tr
}

func TestCreateTasksForPhaseIsIdempotent(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			req := domain.PrivacyRequest{ID: "pr-1"}
			tr := shopTraversal(t)

			first, err := s.Tasks.CreateTasksForPhase(ctx, req, domain.ActionAccess, tr)
			require.NoError(t, err)
			require.Len(t, first, 3)

			second, err := s.Tasks.CreateTasksForPhase(ctx, req, domain.ActionAccess, tr)
			require.NoError(t, err)
			assert.Equal(t, ids(first), ids(second))

			has, err := s.Tasks.HasTasks(ctx, "pr-1", domain.ActionErasure)
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestConcurrentCreateProducesOneSet(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tr := shopTraversal(t)
			req := domain.PrivacyRequest{ID: "pr-concurrent"}

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Tasks.CreateTasksForPhase(ctx, req, domain.ActionAccess, tr)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			tasks, err := s.Tasks.ListTasks(ctx, req.ID, domain.ActionAccess)
			require.NoError(t, err)
			assert.Len(t, tasks, 3)
		})
	}
}

func TestExcludedNodesCreatedSkippedAndSatisfyReadiness(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tr := shopTraversal(t, graph.AddressFilter{Reason: "policy", Addresses: map[string]bool{"shop:orders": true}})

			_, err := s.Tasks.CreateTasksForPhase(ctx, domain.PrivacyRequest{ID: "pr"}, domain.ActionAccess, tr)
			require.NoError(t, err)

			orders, err := s.Tasks.GetByAddress(ctx, "pr", domain.ActionAccess, domain.NewCollectionAddress("shop", "orders"))
			require.NoError(t, err)
			assert.Equal(t, domain.TaskSkipped, orders.Status)

			users, err := s.Tasks.GetByAddress(ctx, "pr", domain.ActionAccess, domain.NewCollectionAddress("shop", "users"))
			require.NoError(t, err)
			_, err = s.Tasks.Transition(ctx, users, domain.TaskInProcessing, domain.TaskUpdate{})
			require.NoError(t, err)
			users, _ = s.Tasks.Get(ctx, users.ID)
			_, err = s.Tasks.Transition(ctx, users, domain.TaskComplete, domain.TaskUpdate{RowCount: domain.Ptr(1)})
			require.NoError(t, err)

			ready, err := s.Tasks.GetReadyTasks(ctx, "pr", domain.ActionAccess)
			require.NoError(t, err)
			require.Len(t, ready, 1)
			assert.Equal(t, "order_items", ready[0].CollectionAddress.Collection)
		})
	}
}

func TestTransitionIsCompareAndSet(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tasks, err := s.Tasks.CreateTasksForPhase(ctx, domain.PrivacyRequest{ID: "pr"}, domain.ActionAccess, shopTraversal(t))
			require.NoError(t, err)
			task := tasks[0]

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Tasks.Transition(ctx, task, domain.TaskInProcessing, domain.TaskUpdate{})
					if err == nil {
						wins.Add(1)
						return
					}
					assert.ErrorIs(t, err, domain.ErrStaleTask)
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRetryBudgetFailsClosed(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tasks, err := s.Tasks.CreateTasksForPhase(ctx, domain.PrivacyRequest{ID: "pr"}, domain.ActionAccess, shopTraversal(t))
			require.NoError(t, err)
			task := tasks[0]

			task, err = s.Tasks.Transition(ctx, task, domain.TaskInProcessing, domain.TaskUpdate{})
			require.NoError(t, err)
			task, err = s.Tasks.Transition(ctx, task, domain.TaskError, domain.TaskUpdate{ErrorMessage: domain.Ptr("down")})
			require.NoError(t, err)

			for i := 0; i < 2; i++ {
				task, err = s.Tasks.Transition(ctx, task, domain.TaskRetrying, domain.TaskUpdate{IncrementRetry: true})
				require.NoError(t, err)
				task, err = s.Tasks.Transition(ctx, task, domain.TaskInProcessing, domain.TaskUpdate{})
				require.NoError(t, err)
				task, err = s.Tasks.Transition(ctx, task, domain.TaskError, domain.TaskUpdate{})
				require.NoError(t, err)
			}

			_, err = s.Tasks.Transition(ctx, task, domain.TaskRetrying, domain.TaskUpdate{IncrementRetry: true})
			var invalid *domain.InvalidTransitionError
			require.ErrorAs(t, err, &invalid)

			stored, err := s.Tasks.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.TaskError, stored.Status)
			assert.Equal(t, 2, stored.RetryCount)
		})
	}
}

func TestPhaseStateReportsFailure(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			tasks, err := s.Tasks.CreateTasksForPhase(ctx, domain.PrivacyRequest{ID: "pr"}, domain.ActionAccess, shopTraversal(t))
			require.NoError(t, err)

			state, err := s.Tasks.PhaseState(ctx, "pr", domain.ActionAccess)
			require.NoError(t, err)
			assert.Equal(t, domain.PhaseRunning, state)

			for i, task := range tasks {
				to := domain.TaskComplete
				if i == len(tasks)-1 {
					to = domain.TaskError
				}
				task, err = s.Tasks.Transition(ctx, task, domain.TaskInProcessing, domain.TaskUpdate{})
				require.NoError(t, err)
				_, err = s.Tasks.Transition(ctx, task, to, domain.TaskUpdate{})
				require.NoError(t, err)
			}

			state, err = s.Tasks.PhaseState(ctx, "pr", domain.ActionAccess)
			require.NoError(t, err)
			assert.Equal(t, domain.PhaseFailed, state)
			done, err := s.Tasks.IsPhaseComplete(ctx, "pr", domain.ActionAccess)
			require.NoError(t, err)
			assert.True(t, done)
		})
	}
}

func TestResultArenaIsWriteOnce(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			addr := domain.NewCollectionAddress("shop", "users")

			require.NoError(t, s.Results.PutRows(ctx, "pr", addr, []domain.Row{{"email": "a@example.com"}}))
			err := s.Results.PutRows(ctx, "pr", addr, nil)
			require.ErrorIs(t, err, domain.ErrResultExists)

			rows, ok, err := s.Results.Rows(ctx, "pr", addr)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a@example.com", rows[0]["email"])

			_, ok, err = s.Results.Rows(ctx, "pr", domain.NewCollectionAddress("shop", "orders"))
			require.NoError(t, err)
			assert.False(t, ok)

			all, err := s.Results.AllRows(ctx, "pr")
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestDeleteRequestDropsOnlyThatRequest(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			users := domain.NewCollectionAddress("shop", "users")
			orders := domain.NewCollectionAddress("shop", "orders")

			require.NoError(t, s.Results.PutRows(ctx, "pr", users, []domain.Row{{"id": 1}}))
			require.NoError(t, s.Results.PutRows(ctx, "pr", orders, nil))
			require.NoError(t, s.Results.PutRows(ctx, "other", users, []domain.Row{{"id": 2}}))

			require.NoError(t, s.Results.DeleteRequest(ctx, "pr"))
			require.NoError(t, s.Results.DeleteRequest(ctx, "missing"))

			all, err := s.Results.AllRows(ctx, "pr")
			require.NoError(t, err)
			assert.Empty(t, all)
			_, ok, err := s.Results.Rows(ctx, "other", users)
			require.NoError(t, err)
			assert.True(t, ok)

			// The arena accepts the address again once purged.
			require.NoError(t, s.Results.PutRows(ctx, "pr", users, nil))
		})
	}
}

func TestBadgerStoresShareDatabase(t *testing.T) {
	db, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	addr := domain.NewCollectionAddress("shop", "users")

	require.NoError(t, NewBadgerResultStore(db).PutRows(ctx, "pr", addr, []domain.Row{{"id": 1}}))
	rows, ok, err := NewBadgerResultStore(db).Rows(ctx, "pr", addr)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, rows, 1)

	require.NoError(t, NewBadgerRequestStore(db).Create(ctx, domain.PrivacyRequest{ID: "pr"}))
	got, err := NewBadgerRequestStore(db).Get(ctx, "pr")
	require.NoError(t, err)
	assert.Equal(t, "pr", got.ID)
}

func TestRequestStoreUpdate(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			ctx := context.Background()
			require.NoError(t, s.Requests.Create(ctx, domain.PrivacyRequest{ID: "pr", Status: domain.RequestPending}))
			require.Error(t, s.Requests.Create(ctx, domain.PrivacyRequest{ID: "pr"}))

			updated, err := s.Requests.Update(ctx, "pr", func(r *domain.PrivacyRequest) error {
				r.Status = domain.RequestInProcessing
				r.ResumeStep = domain.StepAccess
				return nil
			})
			require.NoError(t, err)
			assert.Equal(t, domain.StepAccess, updated.ResumeStep)

			_, err = s.Requests.Update(ctx, "pr", func(r *domain.PrivacyRequest) error {
				r.Status = domain.RequestError
				return errors.New("abort")
			})
			require.Error(t, err)

			got, err := s.Requests.Get(ctx, "pr")
			require.NoError(t, err)
			assert.Equal(t, domain.RequestInProcessing, got.Status)

			_, err = s.Requests.Get(ctx, "missing")
			assert.ErrorIs(t, err, domain.ErrRequestNotFound)

			all, err := s.Requests.List(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

// **Property: idempotent task creation**
// Calling CreateTasksForPhase any number of times yields exactly one task
// per traversal node.
func TestIdempotentCreationProperty(t *testing.T) {
	tr := shopTraversal(t)
	rapid.Check(t, func(rt *rapid.T) {
		s := NewMemoryTaskStore(3)
		calls := rapid.IntRange(1, 6).Draw(rt, "calls")
		actions := []domain.ActionType{domain.ActionAccess, domain.ActionErasure}
		for i := 0; i < calls; i++ {
			action := rapid.SampledFrom(actions).Draw(rt, "action")
			if _, err := s.CreateTasksForPhase(context.Background(), domain.PrivacyRequest{ID: "pr"}, action, tr); err != nil {
				rt.Fatalf("create: %v", err)
			}
		}
		for _, action := range actions {
			tasks, _ := s.ListTasks(context.Background(), "pr", action)
			if len(tasks) != 0 && len(tasks) != tr.Len() {
				rt.Fatalf("%s: expected 0 or %d tasks, got %d", action, tr.Len(), len(tasks))
			}
		}
	})
}

func ids(tasks []domain.RequestTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
