package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-privacy/pkg/connector"
	"github.com/polisai/polis-privacy/pkg/domain"
	"github.com/polisai/polis-privacy/pkg/graph"
	"github.com/polisai/polis-privacy/pkg/storage"
)

func TestErasureRequiresCompletedAccess(t *testing.T) {
	tests := []struct {
		name    string
		path    []domain.TaskStatus
		wantErr bool
	}{
		{"pending", nil, true},
		{"in processing", []domain.TaskStatus{domain.TaskInProcessing}, true},
		{"error", []domain.TaskStatus{domain.TaskInProcessing, domain.TaskError}, true},
		{"complete", []domain.TaskStatus{domain.TaskInProcessing, domain.TaskComplete}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store, err := storage.Open(storage.Config{Backend: "memory"})
			require.NoError(t, err)
			registry, err := connector.NewRegistry([]connector.ConnectionConfig{
				{Key: "shop_db", Kind: connector.KindMemory, Rows: shopRows},
			}, nil)
			require.NoError(t, err)
			g, err := graph.New([]domain.Dataset{shop("shop_db")})
			require.NoError(t, err)

			req := newRequest("erasure")
			req.ID = "pr-" + tt.name
			tr, err := graph.BuildTraversal(ctx, g, req.Identity)
			require.NoError(t, err)
			tasks, err := store.Tasks.CreateTasksForPhase(ctx, req, domain.ActionAccess, tr)
			require.NoError(t, err)

			task, err := store.Tasks.GetByAddress(ctx, req.ID, domain.ActionAccess, shopAddr("users"))
			require.NoError(t, err)
			require.NotEmpty(t, tasks)
			for _, to := range tt.path {
				task, err = store.Tasks.Transition(ctx, task, to, domain.TaskUpdate{})
				require.NoError(t, err)
			}

			exec := NewExecutor(ExecutorOptions{Connectors: registry, Results: store.Results, Tasks: store.Tasks})
			node, ok := tr.Node(shopAddr("users"))
			require.True(t, ok)
			p := erasurePolicy
			res, err := exec.Execute(ctx, NodeRun{Request: req, Action: domain.ActionErasure, Node: node, Policy: &p})

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "no rows to mask", res.Reason)
				return
			}
			var fatal *domain.FatalConnectorError
			require.ErrorAs(t, err, &fatal)
			assert.ErrorIs(t, err, domain.ErrAccessNotComplete)
			assert.Equal(t, shopAddr("users"), fatal.Address)

			raw, _ := registry.Raw("shop_db")
			users := raw.(*connector.MemoryConnector).Snapshot("users")
			assert.Equal(t, "ana@example.com", users[0]["email"], "nothing is masked")
		})
	}
}
