package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
)

func usersCollection() domain.Collection {
	return domain.Collection{
		Name: "users",
		Fields: []domain.Field{
			{Path: "id", PrimaryKey: true, DataCategories: []string{"user.unique_id"}},
			{Path: "email", Identity: "email", DataCategories: []string{"user.contact.email"}},
			{Path: "name", DataCategories: []string{"user.name"}},
			{Path: "address.city", DataCategories: []string{"user.contact.address.city"}},
			{Path: "plan", DataCategories: []string{"system.operations"}},
		},
	}
}

func erasurePolicy() *Policy {
	return &Policy{
		Key: "erase_contact",
		Rules: []Rule{
			{Name: "access_all", Action: domain.ActionAccess, DataCategories: []string{"user"}},
			{Name: "erase_contact", Action: domain.ActionErasure, DataCategories: []string{"user.contact"}, MaskingStrategy: "string_rewrite"},
			{Name: "erase_name", Action: domain.ActionErasure, DataCategories: []string{"user.name"}},
		},
	}
}

func TestRuleMatchesByPrefix(t *testing.T) {
	rule := Rule{DataCategories: []string{"user.contact"}}

	assert.True(t, rule.Matches("user.contact"))
	assert.True(t, rule.Matches("user.contact.email"))
	assert.False(t, rule.Matches("user.contactless"))
	assert.False(t, rule.Matches("user"))
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{name: "valid", policy: *erasurePolicy()},
		{name: "missing key", policy: Policy{Rules: []Rule{{Action: domain.ActionAccess}}}, wantErr: true},
		{name: "unknown action", policy: Policy{Key: "p", Rules: []Rule{{Action: "delete"}}}, wantErr: true},
		{name: "erasure without categories", policy: Policy{Key: "p", Rules: []Rule{{Action: domain.ActionErasure}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrConfigInvalid)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestAppliesTo(t *testing.T) {
	p := erasurePolicy()
	users := usersCollection()
	system := domain.Collection{Name: "audit", Fields: []domain.Field{{Path: "id", DataCategories: []string{"system.operations"}}}}

	assert.True(t, p.AppliesTo(users, domain.ActionAccess))
	assert.True(t, p.AppliesTo(users, domain.ActionErasure))
	assert.False(t, p.AppliesTo(system, domain.ActionErasure))
	assert.False(t, p.AppliesTo(users, domain.ActionConsent), "no consent rule")

	consent := &Policy{Key: "c", Rules: []Rule{{Action: domain.ActionConsent}}}
	assert.True(t, consent.AppliesTo(system, domain.ActionConsent))
}

func TestMaskingPlan(t *testing.T) {
	p := erasurePolicy()

	plan := p.MaskingPlan(usersCollection())

	assert.Equal(t, domain.MaskingPlan{
		"email":        "string_rewrite",
		"address.city": "string_rewrite",
		"name":         DefaultMaskingStrategy,
	}, plan)
}

func TestMaskingPlanCollectionOverrideWins(t *testing.T) {
	users := usersCollection()
	users.MaskingStrategy = "null_rewrite"

	plan := erasurePolicy().MaskingPlan(users)

	for path, strategy := range plan {
		assert.Equal(t, "null_rewrite", strategy, path)
	}
	assert.NotContains(t, plan, domain.FieldPath("id"))
}

func TestFilterRows(t *testing.T) {
	p := &Policy{Key: "p", Rules: []Rule{{Action: domain.ActionAccess, DataCategories: []string{"user.name"}}}}
	rows := []domain.Row{{"id": 1, "email": "a@x.io", "name": "Ann", "plan": "pro", "address": map[string]any{"city": "Oslo"}}}

	out := p.FilterRows(usersCollection(), rows)

	require.Len(t, out, 1)
	assert.Equal(t, domain.Row{"id": 1, "email": "a@x.io", "name": "Ann"}, out[0])
	assert.Contains(t, rows[0], "plan", "input rows untouched")
}

func TestMemoryProvider(t *testing.T) {
	ctx := context.Background()
	provider, err := NewMemoryProvider(*erasurePolicy())
	require.NoError(t, err)

	got, err := provider.Policy(ctx, "erase_contact")
	require.NoError(t, err)
	assert.Equal(t, "erase_contact", got.Key)

	_, err = provider.Policy(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrPolicyNotFound))

	err = provider.Replace([]Policy{{Key: "a"}, {Key: "a"}})
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, []string{"erase_contact"}, provider.Keys(), "failed replace keeps previous set")
}

func TestFilterExcludesIrrelevantCollections(t *testing.T) {
	ctx := context.Background()
	f := NewFilter(erasurePolicy(), domain.ActionErasure)

	excluded, err := f.Excludes(ctx, graph.Node{Collection: usersCollection()})
	require.NoError(t, err)
	assert.False(t, excluded)

	excluded, err = f.Excludes(ctx, graph.Node{Collection: domain.Collection{Name: "audit"}})
	require.NoError(t, err)
	assert.True(t, excluded)
}
