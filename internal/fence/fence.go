package fence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/thebtf/fenceline/internal/kv"
	"github.com/thebtf/fenceline/pkg/models"
)

// ErrPayloadMismatch is returned by Payload when the stored fence payload
// cannot be read: wrong schema version or undecodable bytes. Callers
// treat it as "orphan, reset me" rather than retrying.
var ErrPayloadMismatch = errors.New("fence: payload schema mismatch")

// DefaultLivenessTTL is how long the liveness flag survives without
// renewal. Validation passes run well inside this window, so an expired
// flag means the holder has genuinely stalled.
const DefaultLivenessTTL = 5 * time.Minute

// lockRenewEvery is how many fanned-out tasks GenerateTasks submits
// between lock renewals.
const lockRenewEvery = 64

// Fence binds the fence/taskset operations for one (family, entity) pair
// to a KV store. It carries no state of its own; two Fence values for the
// same identity are interchangeable.
type Fence struct {
	store  kv.Store
	family models.JobFamily
	entity models.EntityRef
}

// New returns a Fence handle for (family, entity).
func New(store kv.Store, family models.JobFamily, entity models.EntityRef) *Fence {
	return &Fence{store: store, family: family, entity: entity}
}

func (f *Fence) Family() models.JobFamily { return f.family }

func (f *Fence) Entity() models.EntityRef { return f.entity }

// Key returns the fence key.
func (f *Fence) Key() string { return Key(f.family, f.entity) }

// TasksetKey returns the unit-task set key.
func (f *Fence) TasksetKey() string { return TasksetKey(f.family, f.entity) }

func (f *Fence) generatorCompleteKey() string { return f.Key() + suffixGeneratorComplete }

func (f *Fence) progressKey() string { return f.Key() + suffixGeneratorProgress }

func (f *Fence) activeKey() string { return f.Key() + suffixActive }

func (f *Fence) finalizeAttemptsKey() string { return f.Key() + suffixFinalizeAttempts }

// JobLock returns a fresh lock handle for the long-lived generator lock
// of this fence. Each caller gets its own token.
func (f *Fence) JobLock() *kv.Lock {
	return kv.NewLock(f.store, f.Key()+suffixLock)
}

// Fenced reports whether the fence key exists: the primary "is a job
// already running" gate.
func (f *Fence) Fenced(ctx context.Context) (bool, error) {
	return f.store.Exists(ctx, f.Key())
}

// SetPayload writes the full fence payload and indexes the fence as
// active. A nil payload tears the fence record down instead.
//
// Writes are last-write-wins on the whole payload. The creator and the
// generator both call this; each must read-modify-write the entire
// object, never assume its own previous write survived.
func (f *Fence) SetPayload(ctx context.Context, p *models.FencePayload) error {
	if p == nil {
		if err := f.store.Delete(ctx, f.Key()); err != nil {
			return fmt.Errorf("clear fence %s: %w", f.Key(), err)
		}
		if err := f.store.SRem(ctx, ActiveFencesKey, f.Key()); err != nil {
			return fmt.Errorf("deindex fence %s: %w", f.Key(), err)
		}
		return nil
	}

	p.Version = models.PayloadVersion
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal fence payload: %w", err)
	}
	if err := f.store.Set(ctx, f.Key(), raw, 0); err != nil {
		return fmt.Errorf("set fence %s: %w", f.Key(), err)
	}
	if err := f.store.SAdd(ctx, ActiveFencesKey, f.Key()); err != nil {
		return fmt.Errorf("index fence %s: %w", f.Key(), err)
	}
	return nil
}

// Payload reads the current fence payload. Returns (nil, nil) when no
// fence exists and ErrPayloadMismatch when the stored bytes are
// unreadable or carry a different schema version.
func (f *Fence) Payload(ctx context.Context) (*models.FencePayload, error) {
	raw, ok, err := f.store.Get(ctx, f.Key())
	if err != nil {
		return nil, fmt.Errorf("get fence %s: %w", f.Key(), err)
	}
	if !ok {
		return nil, nil
	}

	var p models.FencePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPayloadMismatch, f.Key())
	}
	if p.Version != models.PayloadVersion {
		return nil, fmt.Errorf("%w: %s has version %d", ErrPayloadMismatch, f.Key(), p.Version)
	}
	return &p, nil
}

// NewPayload builds a fresh payload with a short random correlation id.
func NewPayload(now time.Time) *models.FencePayload {
	return &models.FencePayload{
		Version:   models.PayloadVersion,
		ID:        uuid.NewString()[:8],
		Submitted: now,
	}
}

// SetActive renews the liveness flag. In-flight work calls this
// periodically; the validator reads it to tell "recently started" from
// "stalled".
func (f *Fence) SetActive(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLivenessTTL
	}
	if err := f.store.Set(ctx, f.activeKey(), []byte("1"), ttl); err != nil {
		return fmt.Errorf("set liveness %s: %w", f.activeKey(), err)
	}
	return nil
}

// Active reports whether the liveness flag is still live.
func (f *Fence) Active(ctx context.Context) (bool, error) {
	return f.store.Exists(ctx, f.activeKey())
}

// TasksetAdd records unit-task ids as in flight.
func (f *Fence) TasksetAdd(ctx context.Context, ids ...string) error {
	return f.store.SAdd(ctx, f.TasksetKey(), ids...)
}

// TasksetRemove removes a completed unit task. Unit tasks call this as
// their last act, success or failure.
func (f *Fence) TasksetRemove(ctx context.Context, id string) error {
	return f.store.SRem(ctx, f.TasksetKey(), id)
}

// Remaining returns the taskset cardinality.
func (f *Fence) Remaining(ctx context.Context) (int64, error) {
	return f.store.SCard(ctx, f.TasksetKey())
}

// TasksetMembers lists the in-flight unit-task ids.
func (f *Fence) TasksetMembers(ctx context.Context) ([]string, error) {
	return f.store.SMembers(ctx, f.TasksetKey())
}

// SetGeneratorComplete records the final task count. This is a distinct
// signal from the payload: the monitor only trusts remaining==0 once it
// is set.
func (f *Fence) SetGeneratorComplete(ctx context.Context, n int) error {
	if err := f.store.Set(ctx, f.generatorCompleteKey(), []byte(strconv.Itoa(n)), 0); err != nil {
		return fmt.Errorf("set generator_complete %s: %w", f.Key(), err)
	}
	return nil
}

// GeneratorComplete returns the recorded final count; ok=false while the
// generator is still enumerating.
func (f *Fence) GeneratorComplete(ctx context.Context) (int, bool, error) {
	raw, ok, err := f.store.Get(ctx, f.generatorCompleteKey())
	if err != nil {
		return 0, false, fmt.Errorf("get generator_complete %s: %w", f.Key(), err)
	}
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false, fmt.Errorf("parse generator_complete %s: %w", f.Key(), err)
	}
	return n, true, nil
}

// IncrProgress bumps the generator progress counter.
func (f *Fence) IncrProgress(ctx context.Context, n int64) (int64, error) {
	return f.store.IncrBy(ctx, f.progressKey(), n)
}

// Progress reads the generator progress counter.
func (f *Fence) Progress(ctx context.Context) (int64, error) {
	raw, ok, err := f.store.Get(ctx, f.progressKey())
	if err != nil || !ok {
		return 0, err
	}
	n, _ := strconv.ParseInt(string(raw), 10, 64)
	return n, nil
}

// IncrFinalizeAttempts counts consecutive finalization failures for the
// monitor's retry-from-scratch decision. Cleared by Reset.
func (f *Fence) IncrFinalizeAttempts(ctx context.Context) (int64, error) {
	return f.store.IncrBy(ctx, f.finalizeAttemptsKey(), 1)
}

// SetStop raises the stop fence: cooperative cancellation observed by
// Reporter.ShouldStop and by generator loops.
func (f *Fence) SetStop(ctx context.Context) error {
	return f.store.Set(ctx, StopKey(f.family, f.entity), []byte("1"), 0)
}

// Stopped reports whether the stop fence is raised.
func (f *Fence) Stopped(ctx context.Context) (bool, error) {
	return f.store.Exists(ctx, StopKey(f.family, f.entity))
}

// ClearStop lowers the stop fence.
func (f *Fence) ClearStop(ctx context.Context) error {
	return f.store.Delete(ctx, StopKey(f.family, f.entity))
}

// Reset clears the taskset, generator signals, liveness flag, payload and
// index entry. Idempotent: resetting an already-clear fence is a no-op,
// and the validator and monitor may race on it safely.
func (f *Fence) Reset(ctx context.Context) error {
	if err := f.store.Delete(ctx,
		f.TasksetKey(),
		f.generatorCompleteKey(),
		f.progressKey(),
		f.activeKey(),
		f.finalizeAttemptsKey(),
	); err != nil {
		return fmt.Errorf("reset fence %s: %w", f.Key(), err)
	}
	return f.SetPayload(ctx, nil)
}

// SubmitFunc enqueues one unit task under the given broker task id.
type SubmitFunc func(ctx context.Context, taskID string, item models.WorkItem) error

// GenerateTasks fans the iterator out into unit tasks: for each item it
// submits a task, adds the task id to the taskset, and every
// lockRenewEvery items renews the caller's generator lock. Returns the
// number of tasks generated, or kv.ErrLockLost if mutual exclusion was
// lost mid-enumeration (the caller must abort without further writes).
func (f *Fence) GenerateTasks(
	ctx context.Context,
	items models.WorkIterator,
	submit SubmitFunc,
	lock *kv.Lock,
	lockTTL time.Duration,
) (int, error) {
	count := 0
	for {
		item, ok, err := items.Next(ctx)
		if err != nil {
			return count, fmt.Errorf("enumerate %s: %w", f.Key(), err)
		}
		if !ok {
			return count, nil
		}

		taskID := fmt.Sprintf("%s_%s", f.family, uuid.NewString())
		if err := submit(ctx, taskID, item); err != nil {
			return count, fmt.Errorf("submit unit task for %s: %w", f.Key(), err)
		}
		if err := f.TasksetAdd(ctx, taskID); err != nil {
			return count, fmt.Errorf("track unit task for %s: %w", f.Key(), err)
		}
		count++

		if count%lockRenewEvery == 0 {
			if err := lock.Renew(ctx, lockTTL); err != nil {
				return count, err
			}
			if err := f.SetActive(ctx, 0); err != nil {
				return count, err
			}
		}
	}
}

// ActiveFences lists the global active-fence index.
func ActiveFences(ctx context.Context, store kv.Store) ([]string, error) {
	return store.SMembers(ctx, ActiveFencesKey)
}

// ScanFences keyspace-scans one family's fence keys for a tenant,
// re-adding any live fence missing from the index. Fallback path for
// when the index was lost or a write to it was missed.
func ScanFences(ctx context.Context, store kv.Store, family models.JobFamily, tenant string) ([]string, error) {
	keys, err := store.Scan(ctx, ScanPrefix(family, tenant))
	if err != nil {
		return nil, fmt.Errorf("scan fences %s/%s: %w", family, tenant, err)
	}

	var fences []string
	for _, k := range keys {
		if _, _, ok := ParseKey(k); !ok {
			continue
		}
		fences = append(fences, k)
		if err := store.SAdd(ctx, ActiveFencesKey, k); err != nil {
			return nil, fmt.Errorf("heal fence index: %w", err)
		}
	}
	return fences, nil
}
