package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/thebtf/fenceline/internal/fence"
	"github.com/thebtf/fenceline/internal/kv"
	"github.com/thebtf/fenceline/internal/queue"
	"github.com/thebtf/fenceline/pkg/models"
)

// ErrStopped is returned by inline strategies when they observe the stop
// fence and exit early. The generator treats it as cancellation, not
// failure.
var ErrStopped = errors.New("coordinator: stopped by stop fence")

// stopCheckEvery is how many enumerated items pass between stop-fence
// polls during fan-out.
const stopCheckEvery = 32

// RunGenerator executes the generator task for (family, entity) inside a
// worker. taskID is the broker id this execution was enqueued under.
//
// The run begins by busy-waiting, bounded, until the fence payload names
// this task id: the creator may still be writing the full payload, and a
// leftover task from an earlier run must not proceed against a fence it
// does not own. It then takes the long-TTL job lock, marks the payload
// started, runs the family strategy, and records generator_complete.
// Any failure other than lock loss fully resets the fence so the next
// scheduling pass simply retries.
func RunGenerator(ctx context.Context, deps Deps, family models.JobFamily, entity models.EntityRef, taskID string) error {
	deps = deps.normalized()
	log := deps.Log.With().
		Str("family", string(family)).
		Str("tenant", entity.Tenant).
		Str("entity", entity.String()).
		Str("task_id", taskID).
		Logger()

	strat, ok := deps.Strategies[family]
	if !ok {
		return fmt.Errorf("no strategy registered for family %s", family)
	}

	f := fence.New(deps.Store, family, entity)

	payload, err := waitForPayload(ctx, deps, f, taskID)
	if err != nil {
		// Not our fence (stale task) or creator never finished; do not
		// touch the fence, the validator owns cleanup.
		log.Warn().Err(err).Msg("Generator aborting before taking ownership")
		return err
	}

	lock := f.JobLock()
	got, err := lock.Acquire(ctx, JobLockTTL)
	if err != nil {
		return err
	}
	if !got {
		log.Warn().Msg("Job lock held elsewhere, duplicate generator exiting")
		return nil
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	attemptID, haveAttempt, err := deps.Records.OpenAttempt(ctx, family, entity)
	if err != nil {
		return err
	}
	if haveAttempt {
		if err := deps.Records.MarkInProgress(ctx, attemptID); err != nil {
			return err
		}
	}

	started := deps.Now()
	payload.Started = &started
	if err := f.SetPayload(ctx, payload); err != nil {
		return err
	}
	if err := f.SetActive(ctx, deps.Config.LivenessTTL); err != nil {
		return err
	}

	rep := NewReporter(f, lock, deps.Config.LivenessTTL, log, deps.Now)

	count, err := runStrategy(ctx, deps, strat, f, entity, lock, rep)
	switch {
	case errors.Is(err, ErrStopped):
		// Cancellation: exit without generator_complete. The fence stays
		// up until the validator's liveness check reclaims it, which
		// keeps re-creation blocked while teardown settles.
		log.Info().Msg("Generator cancelled by stop fence")
		if haveAttempt {
			_ = deps.Records.MarkCancelled(context.WithoutCancel(ctx), attemptID, "cancelled by stop signal")
		}
		return nil
	case errors.Is(err, kv.ErrLockLost):
		// Mutual exclusion is gone: stop touching the fence entirely and
		// let the validator clean up.
		log.Error().Err(err).Msg("Job lock lost mid-generation")
		return err
	case err != nil:
		log.Error().Err(err).Msg("Generator failed, resetting fence")
		_ = f.Reset(context.WithoutCancel(ctx))
		if haveAttempt {
			_ = deps.Records.MarkFailed(context.WithoutCancel(ctx), attemptID,
				fmt.Sprintf("generator failed: %v", err))
		}
		return err
	}

	payload, perr := f.Payload(ctx)
	if perr != nil || payload == nil {
		return fmt.Errorf("fence payload vanished during generation: %w", perr)
	}
	payload.NumTasks = &count
	if err := f.SetPayload(ctx, payload); err != nil {
		return err
	}
	if err := f.SetGeneratorComplete(ctx, count); err != nil {
		return err
	}

	log.Info().Int("num_tasks", count).Msg("Generator complete")
	return nil
}

// waitForPayload polls until the fence payload carries this execution's
// task id. Deliberate bounded busy-wait: the alternative ordering
// (create fence only after enqueue) reintroduces a race between
// "enqueued" and "fenced".
func waitForPayload(ctx context.Context, deps Deps, f *fence.Fence, taskID string) (*models.FencePayload, error) {
	deadline := deps.Now().Add(PayloadWaitTimeout)
	for {
		payload, err := f.Payload(ctx)
		if err != nil {
			return nil, err
		}
		if payload != nil && payload.TaskID != nil {
			if *payload.TaskID == taskID {
				return payload, nil
			}
			return nil, fmt.Errorf("fence %s owned by task %s, not %s", f.Key(), *payload.TaskID, taskID)
		}
		if !deps.Now().Before(deadline) {
			return nil, fmt.Errorf("timed out waiting for fence payload on %s", f.Key())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(PayloadWaitPoll):
		}
	}
}

// runStrategy dispatches to the family's fan-out or inline behavior.
func runStrategy(
	ctx context.Context,
	deps Deps,
	strat Strategy,
	f *fence.Fence,
	entity models.EntityRef,
	lock *kv.Lock,
	rep *Reporter,
) (int, error) {
	switch s := strat.(type) {
	case FanOutStrategy:
		items, err := s.Enumerate(ctx, entity)
		if err != nil {
			return 0, fmt.Errorf("enumerate: %w", err)
		}
		submit := func(ctx context.Context, unitID string, item models.WorkItem) error {
			_, err := deps.Broker.Submit(ctx, queue.Task{
				Name:     s.UnitTaskName(),
				Queue:    s.Queue(),
				ID:       unitID,
				Priority: queue.PriorityMedium,
				Args: map[string]string{
					argTenant:    entity.Tenant,
					argEntity:    entity.String(),
					argDocID:     item.DocID,
					argFenceTask: unitID,
				},
			})
			return err
		}
		return f.GenerateTasks(ctx, withStopCheck(items, rep), submit, lock, JobLockTTL)

	case InlineStrategy:
		return s.Run(ctx, entity, rep)

	default:
		return 0, fmt.Errorf("strategy for %s implements neither FanOutStrategy nor InlineStrategy", strat.Family())
	}
}

// withStopCheck wraps an iterator to poll the stop fence every
// stopCheckEvery items.
func withStopCheck(items models.WorkIterator, rep *Reporter) models.WorkIterator {
	n := 0
	return models.FuncIter(func(ctx context.Context) (models.WorkItem, bool, error) {
		n++
		if n%stopCheckEvery == 0 && rep.ShouldStop(ctx) {
			return models.WorkItem{}, false, ErrStopped
		}
		return items.Next(ctx)
	})
}
