package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-privacy/internal/governance"
	"github.com/polisai/polis-privacy/pkg/domain"
)

var orders = domain.NewCollectionAddress("shop", "orders")

func TestMemoryQueryMatchesAnyInput(t *testing.T) {
	m := NewMemoryConnector()
	m.Seed("orders",
		domain.Row{"id": 1, "user_id": 10},
		domain.Row{"id": 2, "user_id": 11},
		domain.Row{"id": 3, "user_id": 12},
	)

	rows, err := m.Query(context.Background(), QueryRequest{
		Address: orders,
		Inputs:  map[domain.FieldPath][]any{"user_id": {10, "12"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0]["id"])
	assert.Equal(t, 3, rows[1]["id"])
}

func TestMemoryMutateMasksByPrimaryKey(t *testing.T) {
	m := NewMemoryConnector()
	m.Seed("orders",
		domain.Row{"id": 1, "address": map[string]any{"street": "Main"}, "note": "x"},
		domain.Row{"id": 2, "address": map[string]any{"street": "Side"}, "note": "y"},
	)
	coll := domain.Collection{Name: "orders", Fields: []domain.Field{{Path: "id", PrimaryKey: true}}}

	n, err := m.Mutate(context.Background(), MutateRequest{
		Address:    orders,
		Collection: coll,
		Rows:       []domain.Row{{"id": 1}},
		Plan:       domain.MaskingPlan{"address.street": MaskString, "note": MaskNull},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows := m.Snapshot("orders")
	assert.Equal(t, "MASKED", rows[0]["address"].(map[string]any)["street"])
	assert.Nil(t, rows[0]["note"])
	assert.Equal(t, "y", rows[1]["note"])
}

func TestAsyncMemoryPendsThenReady(t *testing.T) {
	a := NewAsyncMemoryConnector(2)
	a.Seed("orders", domain.Row{"id": 1, "user_id": 10})
	ctx := context.Background()

	ref, err := a.Start(ctx, AsyncJob{Action: domain.ActionAccess, Query: &QueryRequest{
		Address: orders,
		Inputs:  map[domain.FieldPath][]any{"user_id": {10}},
	}})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		status, err := a.Poll(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, PollPending, status)
	}
	status, err := a.Poll(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, PollReady, status)

	result, err := a.FetchResult(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, result.Rows, 1)
	assert.Equal(t, 1, a.Fetches())
	assert.Equal(t, 3, a.Polls(ref))
}

func TestEmailConnectorBatchesPerRequest(t *testing.T) {
	e := NewEmailConnector("vendor", "privacy@vendor.example", nil)
	ctx := context.Background()
	assert.False(t, e.Capabilities().Access)

	_, err := e.Mutate(ctx, MutateRequest{PrivacyRequestID: "pr-1", Address: orders, Plan: domain.MaskingPlan{"email": MaskNull}})
	require.NoError(t, err)
	_, err = e.Mutate(ctx, MutateRequest{PrivacyRequestID: "pr-1", Address: orders})
	require.NoError(t, err)
	require.NoError(t, e.PropagateConsent(ctx, ConsentRequest{PrivacyRequestID: "pr-2", Address: orders}))

	assert.Len(t, e.Pending("pr-1"), 1)
	n, err := e.Flush(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, e.Pending("pr-1"))
	assert.Len(t, e.Pending("pr-2"), 1)
	assert.Len(t, e.Sent(), 1)
}

func TestClassify(t *testing.T) {
	var retryable *domain.RetryableConnectorError
	var fatal *domain.FatalConnectorError

	assert.ErrorAs(t, Classify(orders, ErrTransient), &retryable)
	assert.ErrorAs(t, Classify(orders, context.DeadlineExceeded), &retryable)
	assert.ErrorAs(t, Classify(orders, governance.ErrCircuitOpen), &retryable)
	assert.ErrorAs(t, Classify(orders, errors.New("dial tcp: connection refused")), &retryable)
	assert.ErrorAs(t, Classify(orders, ErrInvalidSecrets), &fatal)
	assert.ErrorIs(t, Classify(orders, domain.ErrConsentNotSupported), domain.ErrConsentNotSupported)
	assert.NoError(t, Classify(orders, nil))
}

func TestRegistryGovernsCalls(t *testing.T) {
	r, err := NewRegistry([]ConnectionConfig{
		{Key: "db", Kind: KindMemory, Rows: map[string][]domain.Row{"orders": {{"id": 1}}}},
		{Key: "limited", Kind: KindMemory, RateLimit: governance.RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1}},
		{Key: "flaky", Kind: KindMemory, CircuitBreaker: governance.CircuitBreakerConfig{MaxFailures: 1}},
		{Key: "jobs", Kind: KindAsyncMemory},
		{Key: "vendor", Kind: KindEmail},
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	limited, err := r.Get("limited")
	require.NoError(t, err)
	_, err = limited.Query(ctx, QueryRequest{Address: orders})
	require.NoError(t, err)
	_, err = limited.Query(ctx, QueryRequest{Address: orders})
	assert.ErrorIs(t, err, ErrRateLimited)

	raw, _ := r.Raw("flaky")
	raw.(*MemoryConnector).FailNext("orders", ErrTransient)
	flaky, _ := r.Get("flaky")
	_, err = flaky.Query(ctx, QueryRequest{Address: orders})
	assert.ErrorIs(t, err, ErrTransient)
	_, err = flaky.Query(ctx, QueryRequest{Address: orders})
	assert.ErrorIs(t, err, governance.ErrCircuitOpen)

	jobs, _ := r.Get("jobs")
	_, ok := jobs.(AsyncConnector)
	assert.True(t, ok)

	vendor, _ := r.Get("vendor")
	assert.False(t, CapabilitiesOf(vendor).Access)
	assert.Len(t, r.EmailConnectors(), 1)

	_, err = NewRegistry([]ConnectionConfig{{Key: "x", Kind: "oracle"}}, nil)
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
}
