package fence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/fenceline/internal/kv"
	"github.com/thebtf/fenceline/pkg/models"
)

func testFence(t *testing.T) (*Fence, *kv.Memory) {
	t.Helper()
	store := kv.NewMemory()
	entity := models.EntityRef{Tenant: "acme", EntityID: 42}
	return New(store, models.FamilyPruning, entity), store
}

func TestFence_PayloadRoundTrip(t *testing.T) {
	f, _ := testFence(t)
	ctx := context.Background()

	submitted := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	p := NewPayload(submitted)
	assert.Len(t, p.ID, 8)
	assert.Nil(t, p.Started)
	assert.Nil(t, p.TaskID)

	require.NoError(t, f.SetPayload(ctx, p))

	got, err := f.Payload(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.ID, got.ID)
	assert.True(t, got.Submitted.Equal(submitted))
	assert.Nil(t, got.Started)
	assert.Nil(t, got.TaskID)

	// Partial update must not lose the untouched fields.
	started := submitted.Add(time.Minute)
	taskID := "pruning_abc"
	got.Started = &started
	got.TaskID = &taskID
	require.NoError(t, f.SetPayload(ctx, got))

	again, err := f.Payload(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, p.ID, again.ID)
	assert.True(t, again.Submitted.Equal(submitted))
	require.NotNil(t, again.Started)
	assert.True(t, again.Started.Equal(started))
	require.NotNil(t, again.TaskID)
	assert.Equal(t, taskID, *again.TaskID)
}

func TestFence_PayloadAbsent(t *testing.T) {
	f, _ := testFence(t)

	p, err := f.Payload(context.Background())
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestFence_PayloadVersionMismatch(t *testing.T) {
	f, store := testFence(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, f.Key(), []byte(`{"version":1,"id":"old"}`), 0))
	_, err := f.Payload(ctx)
	require.ErrorIs(t, err, ErrPayloadMismatch)

	require.NoError(t, store.Set(ctx, f.Key(), []byte(`not json at all`), 0))
	_, err = f.Payload(ctx)
	require.ErrorIs(t, err, ErrPayloadMismatch)
}

func TestFence_SetPayloadNilClears(t *testing.T) {
	f, store := testFence(t)
	ctx := context.Background()

	require.NoError(t, f.SetPayload(ctx, NewPayload(time.Now())))

	fenced, err := f.Fenced(ctx)
	require.NoError(t, err)
	require.True(t, fenced)

	active, err := ActiveFences(ctx, store)
	require.NoError(t, err)
	assert.Contains(t, active, f.Key())

	require.NoError(t, f.SetPayload(ctx, nil))

	fenced, err = f.Fenced(ctx)
	require.NoError(t, err)
	assert.False(t, fenced)

	active, err = ActiveFences(ctx, store)
	require.NoError(t, err)
	assert.NotContains(t, active, f.Key())
}

func TestFence_TasksetDrain(t *testing.T) {
	f, _ := testFence(t)
	ctx := context.Background()

	require.NoError(t, f.TasksetAdd(ctx, "t1", "t2", "t3"))

	n, err := f.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, f.TasksetRemove(ctx, "t2"))
	require.NoError(t, f.TasksetRemove(ctx, "t2")) // double-complete is safe

	n, err = f.Remaining(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	members, err := f.TasksetMembers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t3"}, members)
}

func TestFence_ResetIdempotent(t *testing.T) {
	f, store := testFence(t)
	ctx := context.Background()

	require.NoError(t, f.SetPayload(ctx, NewPayload(time.Now())))
	require.NoError(t, f.TasksetAdd(ctx, "t1", "t2"))
	require.NoError(t, f.SetGeneratorComplete(ctx, 2))
	_, err := f.IncrProgress(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, f.SetActive(ctx, time.Minute))

	require.NoError(t, f.Reset(ctx))
	require.NoError(t, f.Reset(ctx)) // second reset is a no-op

	fenced, err := f.Fenced(ctx)
	require.NoError(t, err)
	assert.False(t, fenced)

	n, err := f.Remaining(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, ok, err := f.GeneratorComplete(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	progress, err := f.Progress(ctx)
	require.NoError(t, err)
	assert.Zero(t, progress)

	active, err := ActiveFences(ctx, store)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestFence_GeneratorComplete(t *testing.T) {
	f, _ := testFence(t)
	ctx := context.Background()

	_, ok, err := f.GeneratorComplete(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, f.SetGeneratorComplete(ctx, 17))

	n, ok, err := f.GeneratorComplete(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 17, n)
}

func TestFence_StopFence(t *testing.T) {
	f, _ := testFence(t)
	ctx := context.Background()

	stopped, err := f.Stopped(ctx)
	require.NoError(t, err)
	require.False(t, stopped)

	require.NoError(t, f.SetStop(ctx))
	stopped, err = f.Stopped(ctx)
	require.NoError(t, err)
	assert.True(t, stopped)

	require.NoError(t, f.ClearStop(ctx))
	stopped, err = f.Stopped(ctx)
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestFence_LivenessExpires(t *testing.T) {
	f, store := testFence(t)
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	require.NoError(t, f.SetActive(ctx, time.Second))

	active, err := f.Active(ctx)
	require.NoError(t, err)
	assert.True(t, active)

	now = now.Add(2 * time.Second)
	active, err = f.Active(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestFence_GenerateTasks(t *testing.T) {
	f, _ := testFence(t)
	ctx := context.Background()

	lock := f.JobLock()
	ok, err := lock.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	items := make([]models.WorkItem, 5)
	for i := range items {
		items[i] = models.WorkItem{DocID: string(rune('a' + i))}
	}

	var submitted []string
	submit := func(_ context.Context, taskID string, _ models.WorkItem) error {
		submitted = append(submitted, taskID)
		return nil
	}

	count, err := f.GenerateTasks(ctx, models.NewSliceIter(items), submit, lock, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Len(t, submitted, 5)

	members, err := f.TasksetMembers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, submitted, members)
}

func TestFence_GenerateTasksLockLost(t *testing.T) {
	f, store := testFence(t)
	ctx := context.Background()

	now := time.Now()
	store.SetClock(func() time.Time { return now })

	lock := f.JobLock()
	ok, err := lock.Acquire(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// More items than one renewal interval, so a renew attempt happens.
	items := make([]models.WorkItem, 100)
	count := 0
	submit := func(context.Context, string, models.WorkItem) error {
		count++
		if count == 10 {
			// Holder stalls long enough to lose the lock mid-stream.
			now = now.Add(2 * time.Second)
		}
		return nil
	}

	_, err = f.GenerateTasks(ctx, models.NewSliceIter(items), submit, lock, time.Second)
	require.ErrorIs(t, err, kv.ErrLockLost)
	assert.Less(t, count, 100, "enumeration must abort after losing the lock")
}

func TestScanFences_HealsIndex(t *testing.T) {
	store := kv.NewMemory()
	ctx := context.Background()

	entity := models.EntityRef{Tenant: "acme", EntityID: 7}
	f := New(store, models.FamilyPermissions, entity)
	require.NoError(t, f.SetPayload(ctx, NewPayload(time.Now())))
	require.NoError(t, f.SetActive(ctx, time.Minute))

	// Simulate a lost index entry.
	require.NoError(t, store.SRem(ctx, ActiveFencesKey, f.Key()))
	active, err := ActiveFences(ctx, store)
	require.NoError(t, err)
	require.Empty(t, active)

	found, err := ScanFences(ctx, store, models.FamilyPermissions, "acme")
	require.NoError(t, err)
	// The scan must find the fence and skip its _active suffix key.
	assert.Equal(t, []string{f.Key()}, found)

	active, err = ActiveFences(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{f.Key()}, active)
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key    string
		ok     bool
		family models.JobFamily
		entity models.EntityRef
	}{
		{"acme:pruning_fence_42", true, models.FamilyPruning, models.EntityRef{Tenant: "acme", EntityID: 42}},
		{"pruning_fence_42", true, models.FamilyPruning, models.EntityRef{EntityID: 42}},
		{"acme:vespa_metadata_fence_3/9", true, models.FamilyVespaMetadata, models.EntityRef{Tenant: "acme", EntityID: 3, SecondaryID: 9}},
		{"acme:pruning_fence_42_active", false, "", models.EntityRef{}},
		{"acme:pruning_fence_42_generator_complete", false, "", models.EntityRef{}},
		{"acme:pruning_taskset_42", false, "", models.EntityRef{}},
		{"acme:mystery_fence_42", false, "", models.EntityRef{}},
		{"unrelated", false, "", models.EntityRef{}},
	}

	for _, tt := range tests {
		family, entity, ok := ParseKey(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		if tt.ok {
			assert.Equal(t, tt.family, family, tt.key)
			assert.Equal(t, tt.entity, entity, tt.key)
		}
	}
}

func TestKeyScheme(t *testing.T) {
	entity := models.EntityRef{Tenant: "acme", EntityID: 3, SecondaryID: 9}
	assert.Equal(t, "acme:vespa_metadata_fence_3/9", Key(models.FamilyVespaMetadata, entity))
	assert.Equal(t, "acme:vespa_metadata_taskset_3/9", TasksetKey(models.FamilyVespaMetadata, entity))
	assert.Equal(t, "acme:vespa_metadata_stopfence_3/9", StopKey(models.FamilyVespaMetadata, entity))
	assert.Equal(t, "acme:indexing_creation_lock", CreationLockKey(models.FamilyIndexing, "acme"))

	bare := models.EntityRef{EntityID: 5}
	assert.Equal(t, "indexing_fence_5", Key(models.FamilyIndexing, bare))
}
