package coordinator

import (
	"context"
	"fmt"

	"github.com/thebtf/fenceline/internal/fence"
	"github.com/thebtf/fenceline/internal/kv"
	"github.com/thebtf/fenceline/internal/queue"
	"github.com/thebtf/fenceline/pkg/models"
)

// TryCreate attempts to start a job for (family, entity). It returns
// created=false without error when the job should simply not start right
// now: another creator holds the creation lock, a run is already in
// flight, or a stop/delete is in progress.
//
// The creation lock is held only for the check-and-set below, never for
// the job's duration. The sync record is inserted before the fence is
// written so the monitor can never observe a fence with no record, and a
// minimal fence is written before enqueueing so the window in which a
// fence exists without a task id stays visible and bounded.
func TryCreate(ctx context.Context, deps Deps, family models.JobFamily, entity models.EntityRef) (string, bool, error) {
	deps = deps.normalized()
	log := deps.Log.With().
		Str("family", string(family)).
		Str("tenant", entity.Tenant).
		Str("entity", entity.String()).
		Logger()

	strat, ok := deps.Strategies[family]
	if !ok {
		return "", false, fmt.Errorf("no strategy registered for family %s", family)
	}

	creationLock := kv.NewLock(deps.Store, fence.CreationLockKey(family, entity.Tenant))
	got, err := creationLock.Acquire(ctx, CreationLockTTL)
	if err != nil {
		return "", false, err
	}
	if !got {
		log.Debug().Msg("Creation lock busy, skipping")
		return "", false, nil
	}
	defer func() {
		_ = creationLock.Release(context.WithoutCancel(ctx))
	}()

	f := fence.New(deps.Store, family, entity)

	fenced, err := f.Fenced(ctx)
	if err != nil {
		return "", false, err
	}
	if fenced {
		log.Debug().Msg("Fence already exists, run in flight")
		return "", false, nil
	}

	// A raised stop fence for this identity, or for the entity's indexing
	// family, means a stop or connector deletion is in progress; starting
	// new work against the same entity would race the teardown.
	if blocked, err := stopConflict(ctx, deps, family, entity); err != nil {
		return "", false, err
	} else if blocked {
		log.Debug().Msg("Stop/delete in progress, refusing to create")
		return "", false, nil
	}

	attemptID, err := deps.Records.Insert(ctx, family, entity)
	if err != nil {
		return "", false, fmt.Errorf("insert sync record: %w", err)
	}

	payload := fence.NewPayload(deps.Now())
	if family == models.FamilyIndexing {
		payload.IndexAttemptID = &attemptID
	}
	if err := f.SetPayload(ctx, payload); err != nil {
		return "", false, err
	}
	if err := f.SetActive(ctx, deps.Config.LivenessTTL); err != nil {
		return "", false, err
	}

	taskID, err := deps.Broker.Submit(ctx, queue.Task{
		Name:     GeneratorTaskName(family),
		Queue:    strat.Queue(),
		Priority: queue.PriorityMedium,
		Args: map[string]string{
			argTenant: entity.Tenant,
			argEntity: entity.String(),
		},
	})
	if err != nil {
		// Undo so the next scheduling pass can retry cleanly.
		_ = f.Reset(context.WithoutCancel(ctx))
		_ = deps.Records.MarkFailed(context.WithoutCancel(ctx), attemptID, "failed to enqueue generator task")
		return "", false, fmt.Errorf("enqueue generator: %w", err)
	}

	payload.TaskID = &taskID
	if err := f.SetPayload(ctx, payload); err != nil {
		return "", false, err
	}

	deps.Metrics.FenceCreated(ctx, family)
	log.Info().Str("run_id", payload.ID).Str("task_id", taskID).Msg("Fence created, generator enqueued")
	return payload.ID, true, nil
}

// stopConflict reports whether a stop fence blocks creation for this
// identity.
func stopConflict(ctx context.Context, deps Deps, family models.JobFamily, entity models.EntityRef) (bool, error) {
	own := fence.New(deps.Store, family, entity)
	if stopped, err := own.Stopped(ctx); err != nil || stopped {
		return stopped, err
	}
	if family == models.FamilyIndexing {
		return false, nil
	}
	// Indexing's stop fence doubles as the "connector being deleted"
	// marker the other families must not run against.
	del := fence.New(deps.Store, models.FamilyIndexing, models.EntityRef{Tenant: entity.Tenant, EntityID: entity.EntityID})
	return del.Stopped(ctx)
}
