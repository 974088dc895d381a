package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var allStatuses = []TaskStatus{
	TaskPending, TaskInProcessing, TaskComplete, TaskError, TaskRetrying, TaskPaused, TaskSkipped,
}

func TestValidateTransitionEdges(t *testing.T) {
	tests := []struct {
		name    string
		from    TaskStatus
		to      TaskStatus
		retries int
		wantErr bool
	}{
		{"pending to in_processing", TaskPending, TaskInProcessing, 0, false},
		{"pending to skipped", TaskPending, TaskSkipped, 0, false},
		{"in_processing to complete", TaskInProcessing, TaskComplete, 0, false},
		{"in_processing to retrying", TaskInProcessing, TaskRetrying, 0, false},
		{"in_processing to paused", TaskInProcessing, TaskPaused, 0, false},
		{"in_processing to skipped", TaskInProcessing, TaskSkipped, 0, false},
		{"paused to in_processing", TaskPaused, TaskInProcessing, 0, false},
		{"retrying to in_processing", TaskRetrying, TaskInProcessing, 1, false},
		{"error to retrying within budget", TaskError, TaskRetrying, 2, false},
		{"error to retrying at budget", TaskError, TaskRetrying, 3, true},
		{"error to complete", TaskError, TaskComplete, 0, true},
		{"complete to pending", TaskComplete, TaskPending, 0, true},
		{"skipped to in_processing", TaskSkipped, TaskInProcessing, 0, true},
		{"pending to complete", TaskPending, TaskComplete, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := RequestTask{ID: "t1", Status: tt.from, RetryCount: tt.retries}
			err := ValidateTransition(task, tt.to, 3)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var invalid *InvalidTransitionError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.from, invalid.From)
			assert.Equal(t, tt.to, invalid.To)
		})
	}
}

// **Property: state machine closure**
// From complete, skipped, or error with an exhausted retry budget, every
// transition is rejected with InvalidTransitionError.
func TestTerminalStatesAreClosedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxRetries := rapid.IntRange(0, 5).Draw(t, "max_retries")
		from := rapid.SampledFrom([]TaskStatus{TaskComplete, TaskSkipped, TaskError}).Draw(t, "from")
		to := rapid.SampledFrom(allStatuses).Draw(t, "to")

		task := RequestTask{ID: "task", Status: from}
		if from == TaskError {
			task.RetryCount = maxRetries + rapid.IntRange(0, 3).Draw(t, "over_budget")
		}

		err := ValidateTransition(task, to, maxRetries)
		var invalid *InvalidTransitionError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidTransitionError for %s -> %s, got %v", from, to, err)
		}
	})
}

func TestTaskUpdateApply(t *testing.T) {
	task := RequestTask{RetryCount: 1}
	TaskUpdate{
		RowCount:       Ptr(4),
		ErrorMessage:   Ptr("boom"),
		PollPhase:      Ptr(PollPolling),
		ExternalJobRef: Ptr("job-1"),
		IncrementRetry: true,
	}.Apply(&task)

	assert.Equal(t, 4, task.RowCount)
	assert.Equal(t, "boom", task.ErrorMessage)
	assert.Equal(t, PollPolling, task.PollPhase)
	assert.Equal(t, "job-1", task.ExternalJobRef)
	assert.Equal(t, 2, task.RetryCount)
}

func TestComputePhaseState(t *testing.T) {
	assert.Equal(t, PhaseEmpty, ComputePhaseState(nil))
	assert.Equal(t, PhaseRunning, ComputePhaseState([]RequestTask{{Status: TaskComplete}, {Status: TaskPaused}}))
	assert.Equal(t, PhaseComplete, ComputePhaseState([]RequestTask{{Status: TaskComplete}, {Status: TaskSkipped}}))
	assert.Equal(t, PhaseFailed, ComputePhaseState([]RequestTask{{Status: TaskComplete}, {Status: TaskError}}))
	assert.True(t, PhaseFailed.Done())
	assert.False(t, PhaseRunning.Done())
}

func TestReadyTasksSkippedUpstreamSatisfiesReadiness(t *testing.T) {
	a := NewCollectionAddress("db", "a")
	b := NewCollectionAddress("db", "b")
	c := NewCollectionAddress("db", "c")

	tasks := []RequestTask{
		{ID: "a", CollectionAddress: a, Status: TaskSkipped},
		{ID: "b", CollectionAddress: b, Status: TaskPending, UpstreamAddresses: []CollectionAddress{a}, Generation: 1},
		{ID: "c", CollectionAddress: c, Status: TaskPending, UpstreamAddresses: []CollectionAddress{b}, Generation: 2},
	}

	ready := ReadyTasks(tasks)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

// **Property: readiness monotonicity**
// Completing more tasks never removes a still-pending task from the ready set.
func TestReadyTasksMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "nodes")
		tasks := make([]RequestTask, n)
		for i := range tasks {
			tasks[i] = RequestTask{
				ID:                string(rune('a' + i)),
				CollectionAddress: NewCollectionAddress("db", string(rune('a'+i))),
				Status:            TaskPending,
				Generation:        i,
			}
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, "edge") {
					tasks[i].UpstreamAddresses = append(tasks[i].UpstreamAddresses, tasks[j].CollectionAddress)
				}
			}
		}

		readyIDs := func() map[string]bool {
			ids := map[string]bool{}
			for _, r := range ReadyTasks(tasks) {
				ids[r.ID] = true
			}
			return ids
		}

		before := readyIDs()
		idx := rapid.IntRange(0, n-1).Draw(t, "complete")
		tasks[idx].Status = rapid.SampledFrom([]TaskStatus{TaskComplete, TaskSkipped}).Draw(t, "status")
		after := readyIDs()

		for id := range before {
			if id == tasks[idx].ID {
				continue
			}
			if !after[id] {
				t.Fatalf("task %s was ready before completing %s but not after", id, tasks[idx].ID)
			}
		}
	})
}
