package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-privacy/pkg/domain"
)

func TestPopReturnsJobsInDueOrder(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()

	_, err := q.Push(ctx, Job{ID: "late", Partition: PartitionAccess, NotBefore: now.Add(-time.Second)})
	require.NoError(t, err)
	_, err = q.Push(ctx, Job{ID: "early", Partition: PartitionAccess, NotBefore: now.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = q.Push(ctx, Job{ID: "other", Partition: PartitionErasure})
	require.NoError(t, err)

	first, err := q.Pop(ctx, PartitionAccess)
	require.NoError(t, err)
	assert.Equal(t, "early", first.ID)
	second, err := q.Pop(ctx, PartitionAccess)
	require.NoError(t, err)
	assert.Equal(t, "late", second.ID)
	assert.Equal(t, 1, q.Len(PartitionErasure))
}

func TestDelayedJobIsInvisibleUntilDue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.Push(ctx, Job{Partition: PartitionRequests, NotBefore: time.Now().Add(30 * time.Millisecond)})
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err = q.Pop(short, PartitionRequests)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	start := time.Now()
	job, err := q.Pop(ctx, PartitionRequests)
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestPopWakesOnPush(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var got Job
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, _ = q.Pop(ctx, PartitionConsent)
	}()

	time.Sleep(5 * time.Millisecond)
	id, err := q.Push(ctx, Job{Partition: PartitionConsent, TaskID: "t1"})
	require.NoError(t, err)
	wg.Wait()
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "t1", got.TaskID)
}

func TestRemove(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	id, err := q.Push(ctx, Job{Partition: PartitionAccess})
	require.NoError(t, err)
	_, err = q.Push(ctx, Job{ID: "keep", Partition: PartitionAccess})
	require.NoError(t, err)

	assert.True(t, q.Remove(id))
	assert.False(t, q.Remove(id))
	job, err := q.Pop(ctx, PartitionAccess)
	require.NoError(t, err)
	assert.Equal(t, "keep", job.ID)
}

func TestPushSameIDReplaces(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	_, err := q.Push(ctx, Job{ID: "j", Partition: PartitionAccess, NotBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	_, err = q.Push(ctx, Job{ID: "j", Partition: PartitionAccess})
	require.NoError(t, err)

	assert.Equal(t, 1, q.Len(PartitionAccess))
	job, err := q.Pop(ctx, PartitionAccess)
	require.NoError(t, err)
	assert.Equal(t, "j", job.ID)
}

func TestCloseUnblocksPop(t *testing.T) {
	q := NewMemoryQueue()
	done := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background(), PartitionAccess)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	q.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Close")
	}
	_, err := q.Push(context.Background(), Job{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestForAction(t *testing.T) {
	assert.Equal(t, PartitionAccess, ForAction(domain.ActionAccess))
	assert.Equal(t, PartitionErasure, ForAction(domain.ActionErasure))
	assert.Equal(t, PartitionConsent, ForAction(domain.ActionConsent))
}
