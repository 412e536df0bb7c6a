package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/fenceline/internal/config"
	"github.com/thebtf/fenceline/internal/fence"
	"github.com/thebtf/fenceline/internal/kv"
	"github.com/thebtf/fenceline/internal/queue"
	"github.com/thebtf/fenceline/pkg/models"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordedAttempt struct {
	ID       int64
	Family   models.JobFamily
	Entity   models.EntityRef
	Status   models.SyncStatus
	Reason   string
	Docs     int64
	Statuses []models.SyncStatus
}

type fakeRecords struct {
	mu       sync.Mutex
	nextID   int64
	attempts []*recordedAttempt
	hist     map[string]models.SyncHistory
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{hist: make(map[string]models.SyncHistory)}
}

func histKey(family models.JobFamily, entity models.EntityRef) string {
	return string(family) + "|" + entity.Tenant + "|" + entity.String()
}

func (r *fakeRecords) Insert(_ context.Context, family models.JobFamily, entity models.EntityRef) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	a := &recordedAttempt{
		ID:       r.nextID,
		Family:   family,
		Entity:   entity,
		Status:   models.SyncNotStarted,
		Statuses: []models.SyncStatus{models.SyncNotStarted},
	}
	r.attempts = append(r.attempts, a)
	return a.ID, nil
}

func (r *fakeRecords) setStatus(id int64, status models.SyncStatus, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		if a.ID == id {
			a.Status = status
			a.Reason = reason
			a.Statuses = append(a.Statuses, status)
			return nil
		}
	}
	return fmt.Errorf("no attempt %d", id)
}

func (r *fakeRecords) MarkInProgress(_ context.Context, id int64) error {
	return r.setStatus(id, models.SyncInProgress, "")
}

func (r *fakeRecords) MarkSuccess(_ context.Context, id, docs int64) error {
	if err := r.setStatus(id, models.SyncSuccess, ""); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		if a.ID == id {
			a.Docs = docs
		}
	}
	return nil
}

func (r *fakeRecords) MarkFailed(_ context.Context, id int64, reason string) error {
	return r.setStatus(id, models.SyncFailed, reason)
}

func (r *fakeRecords) MarkCancelled(_ context.Context, id int64, reason string) error {
	return r.setStatus(id, models.SyncCancelled, reason)
}

func (r *fakeRecords) UpdateProgress(_ context.Context, id, docs int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.attempts {
		if a.ID == id {
			a.Docs = docs
			return nil
		}
	}
	return fmt.Errorf("no attempt %d", id)
}

func (r *fakeRecords) OpenAttempt(_ context.Context, family models.JobFamily, entity models.EntityRef) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.attempts) - 1; i >= 0; i-- {
		a := r.attempts[i]
		if a.Family == family && a.Entity == entity && !a.Status.Terminal() {
			return a.ID, true, nil
		}
	}
	return 0, false, nil
}

func (r *fakeRecords) History(_ context.Context, family models.JobFamily, entity models.EntityRef) (models.SyncHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hist[histKey(family, entity)], nil
}

// latest returns the most recent attempt for the identity, nil if none.
func (r *fakeRecords) latest(family models.JobFamily, entity models.EntityRef) *recordedAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.attempts) - 1; i >= 0; i-- {
		a := r.attempts[i]
		if a.Family == family && a.Entity == entity {
			return a
		}
	}
	return nil
}

func (r *fakeRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

type fakeEntities struct {
	listings []models.EntityListing
}

func (f *fakeEntities) Entities(context.Context, models.JobFamily, string) ([]models.EntityListing, error) {
	return f.listings, nil
}

// fakeFanOut is a fan-out strategy over a fixed document list.
type fakeFanOut struct {
	family    models.JobFamily
	queueName string
	docs      []string
	dueFn     func(models.EntityRef, models.SyncHistory, time.Time) bool

	mu           sync.Mutex
	executed     []string
	execFail     map[string]int
	finalized    []int64
	failFinalize int
	enumerateErr error
}

func newFakeFanOut(docs ...string) *fakeFanOut {
	return &fakeFanOut{
		family:    models.FamilyPermissions,
		queueName: queue.QueuePermissions,
		docs:      docs,
		execFail:  make(map[string]int),
	}
}

func (s *fakeFanOut) Family() models.JobFamily { return s.family }

func (s *fakeFanOut) Queue() string { return s.queueName }

func (s *fakeFanOut) UnitTaskName() string { return "fenceline.test_unit" }

func (s *fakeFanOut) Due(entity models.EntityRef, hist models.SyncHistory, now time.Time) bool {
	if s.dueFn == nil {
		return true
	}
	return s.dueFn(entity, hist, now)
}

func (s *fakeFanOut) Enumerate(context.Context, models.EntityRef) (models.WorkIterator, error) {
	if s.enumerateErr != nil {
		return nil, s.enumerateErr
	}
	items := make([]models.WorkItem, len(s.docs))
	for i, id := range s.docs {
		items[i] = models.WorkItem{DocID: id}
	}
	return models.NewSliceIter(items), nil
}

func (s *fakeFanOut) ExecuteUnit(_ context.Context, _ models.EntityRef, item models.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execFail[item.DocID] > 0 {
		s.execFail[item.DocID]--
		return errors.New("transient unit failure")
	}
	s.executed = append(s.executed, item.DocID)
	return nil
}

func (s *fakeFanOut) Finalize(_ context.Context, _ models.EntityRef, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFinalize > 0 {
		s.failFinalize--
		return errors.New("finalize failure")
	}
	s.finalized = append(s.finalized, count)
	return nil
}

func (s *fakeFanOut) executedDocs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

func (s *fakeFanOut) finalizedCounts() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.finalized...)
}

// fakeInline is an inline strategy that reports count units of work.
type fakeInline struct {
	family    models.JobFamily
	queueName string
	count     int
	runErr    error
	checkStop bool

	mu        sync.Mutex
	runs      int
	finalized []int64
}

func newFakeInline(count int) *fakeInline {
	return &fakeInline{
		family:    models.FamilyIndexing,
		queueName: queue.QueueIndexing,
		count:     count,
	}
}

func (s *fakeInline) Family() models.JobFamily { return s.family }

func (s *fakeInline) Queue() string { return s.queueName }

func (s *fakeInline) Due(models.EntityRef, models.SyncHistory, time.Time) bool { return true }

func (s *fakeInline) Run(ctx context.Context, _ models.EntityRef, rep *Reporter) (int, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if s.checkStop && rep.ShouldStop(ctx) {
		return 0, ErrStopped
	}
	if s.runErr != nil {
		return 0, s.runErr
	}
	if err := rep.Progress(ctx, "test", int64(s.count)); err != nil {
		return 0, err
	}
	return s.count, nil
}

func (s *fakeInline) Finalize(_ context.Context, _ models.EntityRef, count int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, count)
	return nil
}

type testEnv struct {
	deps    Deps
	store   *kv.Memory
	broker  *queue.Memory
	records *fakeRecords
	clock   *fakeClock
	cfg     *config.Config
}

func newTestEnv(t *testing.T, strategies map[models.JobFamily]Strategy) *testEnv {
	t.Helper()
	clock := newFakeClock()
	store := kv.NewMemory()
	store.SetClock(clock.Now)

	env := &testEnv{
		store:   store,
		broker:  queue.NewMemory(zerolog.Nop()),
		records: newFakeRecords(),
		clock:   clock,
		cfg:     config.Default(),
	}
	env.cfg.UnitTaskMaxRetries = 1
	env.deps = Deps{
		Store:      env.store,
		Broker:     env.broker,
		Records:    env.records,
		Strategies: strategies,
		Config:     env.cfg,
		Log:        zerolog.Nop(),
		Metrics:    NopMetrics(),
		Now:        clock.Now,
	}
	RegisterHandlers(env.deps, env.broker)
	return env
}

func strategyMap(strats ...Strategy) map[models.JobFamily]Strategy {
	m := make(map[models.JobFamily]Strategy, len(strats))
	for _, s := range strats {
		m[s.Family()] = s
	}
	return m
}

func TestTryCreate_ConcurrentSingleWinner(t *testing.T) {
	strat := newFakeFanOut("d1", "d2")
	env := newTestEnv(t, strategyMap(strat))
	entity := models.EntityRef{EntityID: 7}
	ctx := context.Background()

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := TryCreate(ctx, env.deps, strat.Family(), entity)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, env.records.count())

	depth, err := env.broker.Length(ctx, strat.Queue())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestTryCreate_RefusesWhileFenced(t *testing.T) {
	strat := newFakeFanOut("d1")
	env := newTestEnv(t, strategyMap(strat))
	entity := models.EntityRef{EntityID: 3}
	ctx := context.Background()

	_, created, err := TryCreate(ctx, env.deps, strat.Family(), entity)
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = TryCreate(ctx, env.deps, strat.Family(), entity)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, env.records.count())
}

func TestTryCreate_RefusesDuringStop(t *testing.T) {
	strat := newFakeFanOut("d1")
	env := newTestEnv(t, strategyMap(strat))
	entity := models.EntityRef{EntityID: 5}
	ctx := context.Background()

	f := fence.New(env.store, strat.Family(), entity)
	require.NoError(t, f.SetStop(ctx))

	_, created, err := TryCreate(ctx, env.deps, strat.Family(), entity)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 0, env.records.count())

	require.NoError(t, f.ClearStop(ctx))
	_, created, err = TryCreate(ctx, env.deps, strat.Family(), entity)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestTryCreate_IndexingStopBlocksOtherFamilies(t *testing.T) {
	strat := newFakeFanOut("d1")
	env := newTestEnv(t, strategyMap(strat))
	entity := models.EntityRef{EntityID: 9}
	ctx := context.Background()

	// A raised indexing stop fence marks the connector as being torn
	// down; no other family may start against it.
	del := fence.New(env.store, models.FamilyIndexing, models.EntityRef{EntityID: 9})
	require.NoError(t, del.SetStop(ctx))

	_, created, err := TryCreate(ctx, env.deps, strat.Family(), entity)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, del.ClearStop(ctx))
	_, created, err = TryCreate(ctx, env.deps, strat.Family(), entity)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestScheduler_CreatesOnlyDueEntities(t *testing.T) {
	strat := newFakeFanOut("d1")
	strat.dueFn = func(entity models.EntityRef, _ models.SyncHistory, _ time.Time) bool {
		return entity.EntityID == 1
	}
	env := newTestEnv(t, strategyMap(strat))
	env.deps.Entities = &fakeEntities{listings: []models.EntityListing{
		{Ref: models.EntityRef{EntityID: 1}},
		{Ref: models.EntityRef{EntityID: 2}},
	}}
	ctx := context.Background()

	sched := NewScheduler(env.deps)
	require.NoError(t, sched.Tick(ctx))

	assert.Equal(t, 1, env.records.count())
	require.NotNil(t, env.records.latest(strat.Family(), models.EntityRef{EntityID: 1}))
	assert.Nil(t, env.records.latest(strat.Family(), models.EntityRef{EntityID: 2}))

	fenced, err := fence.New(env.store, strat.Family(), models.EntityRef{EntityID: 1}).Fenced(ctx)
	require.NoError(t, err)
	assert.True(t, fenced)
}

func TestScheduler_AppliesSourcePeriodFromListing(t *testing.T) {
	periods := make(map[int64]time.Duration)
	strat := newFakeFanOut("d1")
	strat.dueFn = func(entity models.EntityRef, hist models.SyncHistory, _ time.Time) bool {
		periods[entity.EntityID] = hist.Period
		return false
	}
	env := newTestEnv(t, strategyMap(strat))
	env.deps.Entities = &fakeEntities{listings: []models.EntityListing{
		{Ref: models.EntityRef{EntityID: 1}, SyncPeriod: time.Hour},
		{Ref: models.EntityRef{EntityID: 2}},
	}}

	sched := NewScheduler(env.deps)
	require.NoError(t, sched.Tick(context.Background()))

	// The source-configured period reaches the due decision; a source
	// without one falls through to the family default.
	assert.Equal(t, time.Hour, periods[1])
	assert.Equal(t, time.Duration(0), periods[2])
}
