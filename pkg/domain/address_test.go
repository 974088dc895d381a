package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCollectionAddress(t *testing.T) {
	addr, err := ParseCollectionAddress("postgres:users")
	require.NoError(t, err)
	assert.Equal(t, NewCollectionAddress("postgres", "users"), addr)
	assert.Equal(t, "postgres:users", addr.String())

	for _, bad := range []string{"", "users", ":users", "postgres:"} {
		_, err := ParseCollectionAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestCollectionAddressAsJSONMapKey(t *testing.T) {
	in := map[CollectionAddress]int{NewCollectionAddress("db", "orders"): 3}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"db:orders":3}`, string(data))

	var out map[CollectionAddress]int
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestParseFieldAddress(t *testing.T) {
	f, err := ParseFieldAddress("db:orders.customer.id")
	require.NoError(t, err)
	assert.Equal(t, NewCollectionAddress("db", "orders"), f.Collection)
	assert.Equal(t, FieldPath("customer.id"), f.Path)

	_, err = ParseFieldAddress("db:orders")
	assert.Error(t, err)
}

func TestFieldPathValuesFlattensArrays(t *testing.T) {
	row := Row{
		"id": 1,
		"items": []any{
			map[string]any{"sku": "a"},
			map[string]any{"sku": "b"},
			map[string]any{"other": "c"},
		},
		"profile": map[string]any{"email": "x@example.com"},
	}

	assert.Equal(t, []any{1}, FieldPath("id").Values(row))
	assert.Equal(t, []any{"a", "b"}, FieldPath("items.sku").Values(row))
	assert.Equal(t, []any{"x@example.com"}, FieldPath("profile.email").Values(row))
	assert.Empty(t, FieldPath("missing").Values(row))
}

func TestCurrentStepOrdering(t *testing.T) {
	assert.True(t, StepNone.Before(StepPreWebhooks))
	assert.True(t, StepAccess.Before(StepConsent))
	assert.True(t, StepErasure.Before(StepUploadAccess))
	assert.False(t, StepFinalize.Before(StepAccess))

	req := PrivacyRequest{ResumeStep: StepAccess}
	assert.False(t, req.ShouldRunStep(StepAccess))
	assert.True(t, req.ShouldRunStep(StepConsent))

	_, err := ParseCurrentStep("nope")
	assert.Error(t, err)
}

func TestReportAdd(t *testing.T) {
	var r Report
	r.Add(NodeOutcome{Status: TaskComplete})
	r.Add(NodeOutcome{Status: TaskSkipped})
	r.Add(NodeOutcome{Status: TaskError, Reason: "boom"})
	assert.Len(t, r.Succeeded, 1)
	assert.Len(t, r.Skipped, 1)
	assert.Len(t, r.Failed, 1)
	assert.True(t, r.HasFailures())
}
