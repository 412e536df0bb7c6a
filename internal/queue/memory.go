package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Memory is an in-process Broker. Tasks are dispatched to registered
// handlers either synchronously via Drain (tests) or by the background
// loop started with Run (dev mode, single-binary deployments).
type Memory struct {
	log      zerolog.Logger
	mu       sync.Mutex
	queues   map[string][]Task
	reserved map[string]map[string]Task
	handlers map[string]Handler
	seq      int64
}

// NewMemory creates an empty in-memory broker.
func NewMemory(log zerolog.Logger) *Memory {
	return &Memory{
		log:      log.With().Str("component", "queue").Logger(),
		queues:   make(map[string][]Task),
		reserved: make(map[string]map[string]Task),
		handlers: make(map[string]Handler),
	}
}

// Register binds a task name to its handler. Not safe to call after
// dispatch has started.
func (m *Memory) Register(name string, h Handler) {
	m.handlers[name] = h
}

func (m *Memory) Submit(_ context.Context, t Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	m.seq++
	m.queues[t.Queue] = append(m.queues[t.Queue], t)
	// Stable sort keeps FIFO order within a priority class.
	sort.SliceStable(m.queues[t.Queue], func(i, j int) bool {
		return m.queues[t.Queue][i].Priority > m.queues[t.Queue][j].Priority
	})
	return t.ID, nil
}

func (m *Memory) IsKnown(_ context.Context, id, queue string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.queues[queue] {
		if t.ID == id {
			return true, nil
		}
	}
	_, ok := m.reserved[queue][id]
	return ok, nil
}

func (m *Memory) Length(_ context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue]), nil
}

func (m *Memory) QueuedIDs(_ context.Context, queue string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[string]struct{}, len(m.queues[queue]))
	for _, t := range m.queues[queue] {
		ids[t.ID] = struct{}{}
	}
	return ids, nil
}

func (m *Memory) ReservedIDs(_ context.Context, queue string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[string]struct{}, len(m.reserved[queue]))
	for id := range m.reserved[queue] {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (m *Memory) Revoke(_ context.Context, id, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[queue]
	for i, t := range q {
		if t.ID == id {
			m.queues[queue] = append(q[:i], q[i+1:]...)
			return nil
		}
	}
	return nil
}

// pop reserves the highest-priority task from any queue.
func (m *Memory) pop() (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bestQueue string
	for q, tasks := range m.queues {
		if len(tasks) == 0 {
			continue
		}
		if bestQueue == "" || tasks[0].Priority > m.queues[bestQueue][0].Priority {
			bestQueue = q
		}
	}
	if bestQueue == "" {
		return Task{}, false
	}

	t := m.queues[bestQueue][0]
	m.queues[bestQueue] = m.queues[bestQueue][1:]
	if m.reserved[bestQueue] == nil {
		m.reserved[bestQueue] = make(map[string]Task)
	}
	m.reserved[bestQueue][t.ID] = t
	return t, true
}

func (m *Memory) finish(t Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved[t.Queue], t.ID)
}

// execute runs one reserved task through its handler.
func (m *Memory) execute(ctx context.Context, t Task) {
	defer m.finish(t)

	h, ok := m.handlers[t.Name]
	if !ok {
		m.log.Error().Str("task", t.Name).Str("id", t.ID).Msg("No handler registered")
		return
	}
	if err := h(ctx, t); err != nil {
		m.log.Error().Err(err).Str("task", t.Name).Str("id", t.ID).Msg("Task failed")
	}
}

// Drain synchronously runs tasks until every queue is empty. Tasks
// submitted by running tasks are drained too. Test helper.
func (m *Memory) Drain(ctx context.Context) {
	for {
		t, ok := m.pop()
		if !ok {
			return
		}
		m.execute(ctx, t)
	}
}

// Step runs at most one task; reports whether one ran. Lets tests
// interleave task execution with monitor/validator passes.
func (m *Memory) Step(ctx context.Context) bool {
	t, ok := m.pop()
	if !ok {
		return false
	}
	m.execute(ctx, t)
	return true
}

// Run dispatches tasks until ctx is cancelled, with at most maxWorkers
// tasks in flight.
func (m *Memory) Run(ctx context.Context, maxWorkers int64) error {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	sem := semaphore.NewWeighted(maxWorkers)

	for {
		t, ok := m.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// Put the reservation back so a restart can pick it up.
			m.finish(t)
			if _, serr := m.Submit(context.Background(), t); serr != nil {
				return fmt.Errorf("requeue on shutdown: %w", serr)
			}
			return err
		}
		go func(t Task) {
			defer sem.Release(1)
			m.execute(ctx, t)
		}(t)
	}
}
