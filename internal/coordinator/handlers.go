package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/thebtf/fenceline/internal/fence"
	"github.com/thebtf/fenceline/internal/queue"
	"github.com/thebtf/fenceline/pkg/models"
)

// unitRetryBaseDelay is the first backoff step for a failing unit task.
const unitRetryBaseDelay = 200 * time.Millisecond

// RegisterHandlers binds the generator and unit-task handlers for every
// registered strategy onto an in-process broker. External worker fleets
// perform the equivalent registration in their own runtime.
func RegisterHandlers(deps Deps, broker *queue.Memory) {
	for _, strat := range deps.Strategies {
		broker.Register(GeneratorTaskName(strat.Family()), GeneratorHandler(deps, strat.Family()))
		if fan, ok := strat.(FanOutStrategy); ok {
			broker.Register(fan.UnitTaskName(), UnitHandler(deps, fan))
		}
	}
}

// GeneratorHandler adapts RunGenerator to a broker handler.
func GeneratorHandler(deps Deps, family models.JobFamily) queue.Handler {
	return func(ctx context.Context, t queue.Task) error {
		entity, err := taskEntity(t)
		if err != nil {
			return err
		}
		return RunGenerator(ctx, deps, family, entity, t.ID)
	}
}

// UnitHandler runs one fanned-out work item. Failures are retried with
// backoff up to the configured cap, then given up on individually: a bad
// document must not wedge the rest of the taskset. Whatever the outcome,
// the task removes itself from the taskset as its last act, so the
// taskset drains monotonically.
func UnitHandler(deps Deps, strat FanOutStrategy) queue.Handler {
	deps = deps.normalized()
	return func(ctx context.Context, t queue.Task) error {
		entity, err := taskEntity(t)
		if err != nil {
			return err
		}

		f := fence.New(deps.Store, strat.Family(), entity)
		defer func() {
			if err := f.TasksetRemove(context.WithoutCancel(ctx), t.ID); err != nil {
				deps.Log.Error().Err(err).Str("task_id", t.ID).Msg("Taskset removal failed")
			}
		}()

		item := models.WorkItem{DocID: t.Args[argDocID], Args: t.Args}

		var lastErr error
		for attempt := 0; attempt <= deps.Config.UnitTaskMaxRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(unitRetryBaseDelay << (attempt - 1)):
				}
			}
			if lastErr = strat.ExecuteUnit(ctx, entity, item); lastErr == nil {
				deps.Metrics.UnitCompleted(ctx, strat.Family())
				return nil
			}
		}

		deps.Metrics.UnitFailed(ctx, strat.Family())
		deps.Log.Error().Err(lastErr).
			Str("family", string(strat.Family())).
			Str("doc_id", item.DocID).
			Msg("Unit task exhausted retries")
		return fmt.Errorf("unit task %s: %w", t.ID, lastErr)
	}
}

// taskEntity recovers the EntityRef from task args.
func taskEntity(t queue.Task) (models.EntityRef, error) {
	entity, err := models.ParseEntityRef(t.Args[argTenant], t.Args[argEntity])
	if err != nil {
		return models.EntityRef{}, fmt.Errorf("task %s: %w", t.ID, err)
	}
	return entity, nil
}
