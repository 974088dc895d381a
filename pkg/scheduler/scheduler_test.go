package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/engine"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/policy"
	"github.com/polisai/polis-privacy/pkg/queue"
	"github.com/polisai/polis-privacy/pkg/storage"
)

func shopAddr(c string) domain.CollectionAddress {
	return domain.NewCollectionAddress("shop", c)
}

func from(collection, field string) []domain.FieldReference {
	return []domain.FieldReference{{
		Target:    domain.FieldAddress{Collection: shopAddr(collection), Path: domain.FieldPath(field)},
		Direction: domain.DirectionFrom,
	}}
}

func shop(connection string) domain.Dataset {
	return domain.Dataset{
		Name:          "shop",
		ConnectionKey: connection,
		Collections: []domain.Collection{
			{Name: "users", Fields: []domain.Field{
				{Path: "id", PrimaryKey: true},
				{Path: "email", Identity: "email", DataCategories: []string{"user.contact.email"}},
			}},
			{Name: "orders", Fields: []domain.Field{
				{Path: "id", PrimaryKey: true},
				{Path: "user_id", References: from("users", "id")},
			}},
			{Name: "order_items", Fields: []domain.Field{
				{Path: "id", PrimaryKey: true},
				{Path: "order_id", References: from("orders", "id")},
				{Path: "notes", DataCategories: []string{"user.content"}},
			}},
		},
	}
}

var shopRows = map[string][]domain.Row{
	"users":       {{"id": 1, "email": "ana@example.com"}},
	"orders":      {{"id": 10, "user_id": 1}, {"id": 11, "user_id": 1}},
	"order_items": {{"id": 100, "order_id": 10, "notes": "gift"}},
}

type fixture struct {
	sched    *Scheduler
	orch     *engine.Orchestrator
	queue    *queue.MemoryQueue
	store    *storage.Store
	registry *connector.Registry
}

func newFixture(t *testing.T, conn connector.ConnectionConfig, pollInterval time.Duration) *fixture {
	t.Helper()
	store, err := storage.Open(storage.Config{Backend: "memory", MaxRetries: 2})
	require.NoError(t, err)
	registry, err := connector.NewRegistry([]connector.ConnectionConfig{conn}, nil)
	require.NoError(t, err)
	g, err := graph.New([]domain.Dataset{shop(conn.Key)})
	require.NoError(t, err)
	policies, err := policy.NewMemoryProvider(
		policy.Policy{Key: "access", Rules: []policy.Rule{{Name: "all", Action: domain.ActionAccess}}},
		policy.Policy{Key: "erasure", Rules: []policy.Rule{
			{Name: "all", Action: domain.ActionAccess},
			{Name: "erase", Action: domain.ActionErasure, DataCategories: []string{"user.contact", "user.content"}},
		}},
		policy.Policy{Key: "consent", Rules: []policy.Rule{{Name: "opt", Action: domain.ActionConsent}}},
	)
	require.NoError(t, err)

	executor := engine.NewExecutor(engine.ExecutorOptions{
		Connectors:   registry,
		Results:      store.Results,
		Tasks:        store.Tasks,
		Requests:     store.Requests,
		PollInterval: pollInterval,
	})
	retry := governance.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	orch, err := engine.NewOrchestrator(engine.Options{
		Store:      store,
		Graphs:     engine.StaticGraph{G: g},
		Policies:   policies,
		Connectors: registry,
		Executor:   executor,
		Mode:       domain.ModeDistributed,
		Retry:      retry,
	})
	require.NoError(t, err)

	q := queue.NewMemoryQueue()
	t.Cleanup(q.Close)
	sched, err := New(Options{
		Queue:    q,
		Store:    store,
		Pipeline: orch,
		Executor: executor,
		Workers:  2,
		Retry:    retry,
	})
	require.NoError(t, err)
	orch.SetDispatcher(sched)

	return &fixture{sched: sched, orch: orch, queue: q, store: store, registry: registry}
}

func memoryFixture(t *testing.T) *fixture {
	return newFixture(t, connector.ConnectionConfig{Key: "shop_db", Kind: connector.KindMemory, Rows: shopRows}, time.Millisecond)
}

func (f *fixture) start(t *testing.T, policyKey string) domain.PrivacyRequest {
	t.Helper()
	req, err := f.orch.Start(context.Background(), domain.PrivacyRequest{
		PolicyKey: policyKey,
		Identity:  map[string]string{"email": "ana@example.com"},
	})
	require.NoError(t, err)
	return req
}

// runWorkers processes jobs in the background until the test ends.
func (f *fixture) runWorkers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) waitFor(t *testing.T, requestID string, status domain.RequestStatus) domain.PrivacyRequest {
	t.Helper()
	var got domain.PrivacyRequest
	require.Eventually(t, func() bool {
		var err error
		got, err = f.store.Requests.Get(context.Background(), requestID)
		return err == nil && got.Status == status
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

// step pops and processes the next job of a partition.
func (f *fixture) step(t *testing.T, partition queue.Partition) queue.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.queue.Pop(ctx, partition)
	require.NoError(t, err)
	require.NoError(t, f.sched.Process(context.Background(), job))
	return job
}

func (f *fixture) task(t *testing.T, requestID string, action domain.ActionType, collection string) domain.RequestTask {
	t.Helper()
	task, err := f.store.Tasks.GetByAddress(context.Background(), requestID, action, shopAddr(collection))
	require.NoError(t, err)
	return task
}

func TestTasksBecomeReadyInDependencyOrder(t *testing.T) {
	f := memoryFixture(t)
	ctx := context.Background()
	req := f.start(t, "access")

	require.Equal(t, 1, f.queue.Len(queue.PartitionAccess), "only the root is dispatched")
	job := f.step(t, queue.PartitionAccess)
	assert.Equal(t, f.task(t, req.ID, domain.ActionAccess, "users").ID, job.TaskID)
	assert.Equal(t, 1, f.task(t, req.ID, domain.ActionAccess, "users").RowCount)

	complete, err := f.store.Tasks.IsPhaseComplete(ctx, req.ID, domain.ActionAccess)
	require.NoError(t, err)
	assert.False(t, complete)

	job = f.step(t, queue.PartitionAccess)
	assert.Equal(t, f.task(t, req.ID, domain.ActionAccess, "orders").ID, job.TaskID)
	assert.Equal(t, 2, f.task(t, req.ID, domain.ActionAccess, "orders").RowCount)

	job = f.step(t, queue.PartitionAccess)
	assert.Equal(t, f.task(t, req.ID, domain.ActionAccess, "order_items").ID, job.TaskID)

	complete, err = f.store.Tasks.IsPhaseComplete(ctx, req.ID, domain.ActionAccess)
	require.NoError(t, err)
	assert.True(t, complete)

	run := f.step(t, queue.PartitionRequests)
	assert.Equal(t, queue.KindRun, run.Kind)
	got, err := f.store.Requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestComplete, got.Status)
}

func TestDistributedErasureRequestCompletes(t *testing.T) {
	f := memoryFixture(t)
	f.runWorkers(t)

	req := f.start(t, "erasure")
	got := f.waitFor(t, req.ID, domain.RequestComplete)

	assert.Equal(t, domain.ModeDistributed, got.Modes[domain.ActionErasure])
	assert.Equal(t, 1, f.task(t, req.ID, domain.ActionErasure, "users").RowsMasked)
	assert.Equal(t, domain.TaskSkipped, f.task(t, req.ID, domain.ActionErasure, "orders").Status)

	raw, _ := f.registry.Raw("shop_db")
	users := raw.(*connector.MemoryConnector).Snapshot("users")
	assert.Nil(t, users[0]["email"])
}

func TestRetryableErrorIsRequeuedWithBackoff(t *testing.T) {
	f := memoryFixture(t)
	raw, _ := f.registry.Raw("shop_db")
	raw.(*connector.MemoryConnector).FailNext("users", connector.ErrTransient)
	f.runWorkers(t)

	req := f.start(t, "access")
	f.waitFor(t, req.ID, domain.RequestComplete)

	users := f.task(t, req.ID, domain.ActionAccess, "users")
	assert.Equal(t, domain.TaskComplete, users.Status)
	assert.Equal(t, 1, users.RetryCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.sched.Metrics().retries.WithLabelValues("access")))
}

func TestExhaustedRetriesFailDescendants(t *testing.T) {
	f := memoryFixture(t)
	raw, _ := f.registry.Raw("shop_db")
	raw.(*connector.MemoryConnector).FailNext("users", connector.ErrTransient, connector.ErrTransient, connector.ErrTransient)
	f.runWorkers(t)

	req := f.start(t, "access")
	got := f.waitFor(t, req.ID, domain.RequestError)

	users := f.task(t, req.ID, domain.ActionAccess, "users")
	assert.Equal(t, domain.TaskError, users.Status)
	assert.Contains(t, users.ErrorMessage, "max retries exceeded")
	for _, c := range []string{"orders", "order_items"} {
		task := f.task(t, req.ID, domain.ActionAccess, c)
		assert.Equal(t, domain.TaskError, task.Status, c)
		assert.Equal(t, "upstream collection shop:users failed", task.ErrorMessage, c)
	}
	assert.Len(t, got.Report.Failed, 3)
	assert.Equal(t, 0, raw.(*connector.MemoryConnector).Calls("orders"))
}

func TestAsyncTaskSuspendsOnlyWhilePending(t *testing.T) {
	f := newFixture(t, connector.ConnectionConfig{Key: "jobs", Kind: connector.KindAsyncMemory, PendingPolls: 3, Rows: shopRows}, time.Millisecond)
	f.runWorkers(t)

	req := f.start(t, "access")
	f.waitFor(t, req.ID, domain.RequestComplete)

	raw, _ := f.registry.Raw("jobs")
	async := raw.(*connector.AsyncMemoryConnector)
	assert.Equal(t, 3, async.Fetches(), "one fetch per collection")

	users := f.task(t, req.ID, domain.ActionAccess, "users")
	assert.Equal(t, domain.PollPolling, users.PollPhase, "ready job fetched without another suspension")
	assert.Equal(t, 4, async.Polls(users.ExternalJobRef))

	m := f.sched.Metrics()
	assert.Equal(t, 9.0, testutil.ToFloat64(m.asyncPolls.WithLabelValues(string(connector.PollPending))))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.asyncPolls.WithLabelValues(string(connector.PollReady))))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.transitions.WithLabelValues("access", string(domain.TaskPaused))),
		"one suspension per pending poll")
	assert.Equal(t, 2, f.task(t, req.ID, domain.ActionAccess, "orders").RowCount)
}

func TestReadyAsyncJobCompletesInOneInvocation(t *testing.T) {
	f := newFixture(t, connector.ConnectionConfig{Key: "jobs", Kind: connector.KindAsyncMemory, Rows: shopRows}, time.Hour)
	req := f.start(t, "access")

	f.step(t, queue.PartitionAccess)
	users := f.task(t, req.ID, domain.ActionAccess, "users")
	assert.Equal(t, domain.TaskComplete, users.Status)
	assert.Equal(t, 1, users.RowCount)
	assert.Zero(t, testutil.ToFloat64(f.sched.Metrics().transitions.WithLabelValues("access", string(domain.TaskPaused))))
}

func TestRequeueAsyncSkipsBackoff(t *testing.T) {
	f := newFixture(t, connector.ConnectionConfig{Key: "jobs", Kind: connector.KindAsyncMemory, PendingPolls: 100, Rows: shopRows}, time.Hour)
	ctx := context.Background()
	req := f.start(t, "access")

	f.step(t, queue.PartitionAccess) // start and first poll, pending
	users := f.task(t, req.ID, domain.ActionAccess, "users")
	require.Equal(t, domain.TaskPaused, users.Status)
	require.Equal(t, domain.PollPolling, users.PollPhase)

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err := f.queue.Pop(short, queue.PartitionAccess)
	require.ErrorIs(t, err, context.DeadlineExceeded, "next poll is an hour away")

	require.NoError(t, f.sched.RequeueAsync(ctx, users.ID))
	assert.Equal(t, 1, f.queue.Len(queue.PartitionAccess))
	f.step(t, queue.PartitionAccess)

	raw, _ := f.registry.Raw("jobs")
	assert.Equal(t, 2, raw.(*connector.AsyncMemoryConnector).Polls(users.ExternalJobRef))

	err = f.sched.RequeueAsync(ctx, f.task(t, req.ID, domain.ActionAccess, "orders").ID)
	assert.NoError(t, err, "pending tasks may be requeued")
}

func TestCancelFailsOpenTasksAndDropsJobs(t *testing.T) {
	f := memoryFixture(t)
	ctx := context.Background()
	req := f.start(t, "access")
	require.Equal(t, 1, f.queue.Len(queue.PartitionAccess))

	require.NoError(t, f.sched.Cancel(ctx, req.ID))

	got, err := f.store.Requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestCanceled, got.Status)
	assert.Equal(t, 0, f.queue.Len(queue.PartitionAccess))

	tasks, err := f.store.Tasks.ListTasks(ctx, req.ID, domain.ActionAccess)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, domain.TaskError, task.Status)
		assert.Equal(t, "canceled", task.ErrorMessage)
	}

	assert.Error(t, f.sched.Cancel(ctx, req.ID), "already canceled")
}

func TestCancelPurgesStoredRows(t *testing.T) {
	f := memoryFixture(t)
	ctx := context.Background()
	req := f.start(t, "access")
	f.step(t, queue.PartitionAccess)

	_, ok, err := f.store.Results.Rows(ctx, req.ID, shopAddr("users"))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.sched.Cancel(ctx, req.ID))
	all, err := f.store.Results.AllRows(ctx, req.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// cancelingConnector cancels the request from inside its first query, as a
// cancel racing an in-flight worker would.
type cancelingConnector struct {
	*connector.MemoryConnector
	once   sync.Once
	cancel func()
}

func (c *cancelingConnector) Query(ctx context.Context, req connector.QueryRequest) ([]domain.Row, error) {
	c.once.Do(c.cancel)
	return c.MemoryConnector.Query(ctx, req)
}

func TestCancelDuringExecutionStoresNoRows(t *testing.T) {
	f := memoryFixture(t)
	ctx := context.Background()
	req := f.start(t, "access")

	raw, _ := f.registry.Raw("shop_db")
	f.registry.Register(connector.ConnectionConfig{Key: "shop_db", Kind: connector.KindMemory}, &cancelingConnector{
		MemoryConnector: raw.(*connector.MemoryConnector),
		cancel: func() {
			assert.NoError(t, f.sched.Cancel(ctx, req.ID))
		},
	})

	f.step(t, queue.PartitionAccess)

	_, ok, err := f.store.Results.Rows(ctx, req.ID, shopAddr("users"))
	require.NoError(t, err)
	assert.False(t, ok, "rows of a canceled request are not kept")
	users := f.task(t, req.ID, domain.ActionAccess, "users")
	assert.Equal(t, domain.TaskError, users.Status)
	assert.Equal(t, "canceled", users.ErrorMessage)
	assert.Zero(t, f.queue.Len(queue.PartitionAccess), "no downstream work dispatched")
}

func TestUnsupportedConsentSettlesSkipped(t *testing.T) {
	f := memoryFixture(t)
	raw, _ := f.registry.Raw("shop_db")
	raw.(*connector.MemoryConnector).FailNext("users", domain.ErrConsentNotSupported)
	f.runWorkers(t)

	req, err := f.orch.Start(context.Background(), domain.PrivacyRequest{
		PolicyKey: "consent",
		Identity:  map[string]string{"email": "ana@example.com"},
		Consent:   domain.ConsentOptOut,
	})
	require.NoError(t, err)
	got := f.waitFor(t, req.ID, domain.RequestComplete)

	users := f.task(t, req.ID, domain.ActionConsent, "users")
	assert.Equal(t, domain.TaskSkipped, users.Status)
	assert.Equal(t, domain.ErrConsentNotSupported.Error(), users.ErrorMessage)
	assert.False(t, users.ConsentSent)
	assert.True(t, f.task(t, req.ID, domain.ActionConsent, "orders").ConsentSent)

	require.NotNil(t, got.Report)
	require.Len(t, got.Report.Skipped, 1)
	assert.Equal(t, shopAddr("users"), got.Report.Skipped[0].Address)
}

func TestQueuedJobOfCanceledRequestIsDiscarded(t *testing.T) {
	f := memoryFixture(t)
	ctx := context.Background()
	req := f.start(t, "access")

	popCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := f.queue.Pop(popCtx, queue.PartitionAccess)
	require.NoError(t, err)

	_, err = f.store.Requests.Update(ctx, req.ID, func(r *domain.PrivacyRequest) error {
		r.Status = domain.RequestCanceled
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.sched.Process(ctx, job))
	raw, _ := f.registry.Raw("shop_db")
	assert.Equal(t, 0, raw.(*connector.MemoryConnector).Calls("users"))
	assert.Equal(t, domain.TaskPending, f.task(t, req.ID, domain.ActionAccess, "users").Status)
}

func TestRecoverResumesWorkOfDeadWorker(t *testing.T) {
	f := memoryFixture(t)
	ctx := context.Background()
	req := f.start(t, "access")

	// The worker popped the job and claimed the task, then died.
	_, err := f.queue.Pop(ctx, queue.PartitionAccess)
	require.NoError(t, err)
	users := f.task(t, req.ID, domain.ActionAccess, "users")
	_, err = f.store.Tasks.Transition(ctx, users, domain.TaskInProcessing, domain.TaskUpdate{})
	require.NoError(t, err)

	n, err := f.sched.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	users = f.task(t, req.ID, domain.ActionAccess, "users")
	assert.Equal(t, domain.TaskRetrying, users.Status)
	assert.Zero(t, users.RetryCount)
	assert.Equal(t, 1, f.queue.Len(queue.PartitionAccess))
	assert.Equal(t, 1, f.queue.Len(queue.PartitionRequests))

	f.runWorkers(t)
	done := f.waitFor(t, req.ID, domain.RequestComplete)
	assert.Empty(t, done.Report.Failed)
}

func TestRecoverSkipsFinishedRequests(t *testing.T) {
	f := memoryFixture(t)
	f.runWorkers(t)
	req := f.start(t, "access")
	f.waitFor(t, req.ID, domain.RequestComplete)

	n, err := f.sched.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
