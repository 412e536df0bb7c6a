package queue

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker() *Memory {
	return NewMemory(zerolog.Nop())
}

func TestMemory_SubmitAssignsID(t *testing.T) {
	b := testBroker()
	ctx := context.Background()

	id, err := b.Submit(ctx, Task{Name: "noop", Queue: QueuePruning})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	known, err := b.IsKnown(ctx, id, QueuePruning)
	require.NoError(t, err)
	assert.True(t, known)

	n, err := b.Length(ctx, QueuePruning)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemory_ExplicitIDPreserved(t *testing.T) {
	b := testBroker()
	ctx := context.Background()

	id, err := b.Submit(ctx, Task{Name: "noop", Queue: QueuePruning, ID: "fence-abc-0"})
	require.NoError(t, err)
	assert.Equal(t, "fence-abc-0", id)
}

func TestMemory_PriorityOrder(t *testing.T) {
	b := testBroker()
	ctx := context.Background()

	var order []string
	b.Register("record", func(_ context.Context, t Task) error {
		order = append(order, t.ID)
		return nil
	})

	_, err := b.Submit(ctx, Task{Name: "record", Queue: QueuePruning, ID: "low", Priority: PriorityLow})
	require.NoError(t, err)
	_, err = b.Submit(ctx, Task{Name: "record", Queue: QueuePruning, ID: "high", Priority: PriorityHigh})
	require.NoError(t, err)
	_, err = b.Submit(ctx, Task{Name: "record", Queue: QueuePruning, ID: "medium", Priority: PriorityMedium})
	require.NoError(t, err)

	b.Drain(ctx)
	assert.Equal(t, []string{"high", "medium", "low"}, order)
}

func TestMemory_DrainRunsNestedSubmits(t *testing.T) {
	b := testBroker()
	ctx := context.Background()

	ran := make(map[string]bool)
	b.Register("parent", func(ctx context.Context, _ Task) error {
		ran["parent"] = true
		_, err := b.Submit(ctx, Task{Name: "child", Queue: QueuePruning, ID: "child"})
		return err
	})
	b.Register("child", func(context.Context, Task) error {
		ran["child"] = true
		return nil
	})

	_, err := b.Submit(ctx, Task{Name: "parent", Queue: QueuePruning, ID: "parent"})
	require.NoError(t, err)

	b.Drain(ctx)
	assert.True(t, ran["parent"])
	assert.True(t, ran["child"])
}

func TestMemory_Revoke(t *testing.T) {
	b := testBroker()
	ctx := context.Background()

	ran := false
	b.Register("noop", func(context.Context, Task) error {
		ran = true
		return nil
	})

	id, err := b.Submit(ctx, Task{Name: "noop", Queue: QueueIndexing})
	require.NoError(t, err)

	require.NoError(t, b.Revoke(ctx, id, QueueIndexing))
	require.NoError(t, b.Revoke(ctx, id, QueueIndexing)) // idempotent

	b.Drain(ctx)
	assert.False(t, ran)

	known, err := b.IsKnown(ctx, id, QueueIndexing)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestMemory_QueuedAndReservedIDs(t *testing.T) {
	b := testBroker()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	b.Register("block", func(context.Context, Task) error {
		close(started)
		<-release
		return nil
	})
	b.Register("noop", func(context.Context, Task) error { return nil })

	_, err := b.Submit(ctx, Task{Name: "block", Queue: QueuePruning, ID: "t1", Priority: PriorityHigh})
	require.NoError(t, err)
	_, err = b.Submit(ctx, Task{Name: "noop", Queue: QueuePruning, ID: "t2"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b.Step(ctx)
		close(done)
	}()
	<-started

	queued, err := b.QueuedIDs(ctx, QueuePruning)
	require.NoError(t, err)
	assert.Contains(t, queued, "t2")
	assert.NotContains(t, queued, "t1")

	reserved, err := b.ReservedIDs(ctx, QueuePruning)
	require.NoError(t, err)
	assert.Contains(t, reserved, "t1")

	close(release)
	<-done

	reserved, err = b.ReservedIDs(ctx, QueuePruning)
	require.NoError(t, err)
	assert.Empty(t, reserved)
}
