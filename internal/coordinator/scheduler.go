package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/kv"
	"github.com/thebtf/fenceline/pkg/models"
)

// periodicLockTTL guards one periodic task's pass over one tenant.
const periodicLockTTL = 60 * time.Second

// Scheduler decides, per tenant and family, which entities are due for a
// sync and tries to create their fences.
type Scheduler struct {
	deps Deps
	log  zerolog.Logger
}

// NewScheduler creates a scheduler over deps.
func NewScheduler(deps Deps) *Scheduler {
	deps = deps.normalized()
	return &Scheduler{
		deps: deps,
		log:  deps.Log.With().Str("component", "scheduler").Logger(),
	}
}

// Tick runs one scheduling pass. The cluster-wide scheduler lock is
// re-acquired per tenant so no single pass holds it for long.
func (s *Scheduler) Tick(ctx context.Context) error {
	var errs []error
	for _, tenant := range s.deps.tenants() {
		err := runExclusive(ctx, s.deps.Store, "scheduler", tenant, func(ctx context.Context) error {
			return s.scheduleTenant(ctx, tenant)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %q: %w", tenant, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) scheduleTenant(ctx context.Context, tenant string) error {
	now := s.deps.Now()

	for _, family := range models.AllFamilies {
		strat, ok := s.deps.Strategies[family]
		if !ok {
			continue
		}

		entities, err := s.deps.Entities.Entities(ctx, family, tenant)
		if err != nil {
			return fmt.Errorf("list entities for %s: %w", family, err)
		}

		for _, listing := range entities {
			entity := listing.Ref
			hist, err := s.deps.Records.History(ctx, family, entity)
			if err != nil {
				s.log.Error().Err(err).Str("family", string(family)).Str("entity", entity.String()).
					Msg("History lookup failed, skipping entity")
				continue
			}
			// The per-source period lives on the source's configuration,
			// not in the sync rows, so the listing carries it.
			if listing.SyncPeriod > 0 {
				hist.Period = listing.SyncPeriod
			}
			if !strat.Due(entity, hist, now) {
				continue
			}

			runID, created, err := TryCreate(ctx, s.deps, family, entity)
			if err != nil {
				s.log.Error().Err(err).Str("family", string(family)).Str("entity", entity.String()).
					Msg("Fence creation failed")
				continue
			}
			if created {
				s.log.Debug().Str("family", string(family)).Str("entity", entity.String()).
					Str("run_id", runID).Msg("Sync scheduled")
			}
		}
	}
	return nil
}

// runExclusive runs fn under a short-TTL cluster-wide lock scoped to
// (task name, tenant), so at most one worker performs that periodic task
// for a tenant at a time. A busy lock skips the pass silently; the next
// tick retries.
func runExclusive(ctx context.Context, store kv.Store, name, tenant string, fn func(ctx context.Context) error) error {
	key := "periodic_lock_" + name
	if tenant != "" {
		key = tenant + ":" + key
	}
	lock := kv.NewLock(store, key)
	got, err := lock.Acquire(ctx, periodicLockTTL)
	if err != nil {
		return err
	}
	if !got {
		return nil
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}
