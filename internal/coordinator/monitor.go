package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/fence"
	"github.com/thebtf/fenceline/pkg/models"
)

// maxFinalizeAttempts is how many consecutive finalization failures the
// monitor tolerates before declaring the state broken and resetting the
// fence so the whole job regenerates from scratch.
const maxFinalizeAttempts = 3

// Monitor notices drained tasksets and performs each job's one-time
// terminal bookkeeping.
type Monitor struct {
	deps Deps
	log  zerolog.Logger
}

// NewMonitor creates a monitor over deps.
func NewMonitor(deps Deps) *Monitor {
	deps = deps.normalized()
	return &Monitor{
		deps: deps,
		log:  deps.Log.With().Str("component", "monitor").Logger(),
	}
}

// Tick runs one monitoring pass. Like the scheduler and validator, the
// cluster-wide monitor lock is re-acquired per tenant so no single pass
// holds it for long.
func (m *Monitor) Tick(ctx context.Context) error {
	var errs []error
	for _, tenant := range m.deps.tenants() {
		err := runExclusive(ctx, m.deps.Store, "monitor", tenant, func(ctx context.Context) error {
			return m.CheckTenant(ctx, tenant)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %q: %w", tenant, err))
		}
	}
	return errors.Join(errs...)
}

// CheckAll runs one monitoring pass over every active fence regardless
// of tenant.
func (m *Monitor) CheckAll(ctx context.Context) error {
	return m.checkActive(ctx, func(models.EntityRef) bool { return true })
}

// CheckTenant runs one monitoring pass over one tenant's active fences.
func (m *Monitor) CheckTenant(ctx context.Context, tenant string) error {
	return m.checkActive(ctx, func(entity models.EntityRef) bool {
		return entity.Tenant == tenant
	})
}

func (m *Monitor) checkActive(ctx context.Context, match func(models.EntityRef) bool) error {
	keys, err := fence.ActiveFences(ctx, m.deps.Store)
	if err != nil {
		return err
	}

	var errs []error
	for _, key := range keys {
		family, entity, ok := fence.ParseKey(key)
		if !ok {
			continue // validator reaps stale index entries
		}
		if !match(entity) {
			continue
		}
		if err := m.CheckFence(ctx, family, entity); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// CheckFence evaluates one fence and finalizes it if its work is done.
//
// The ordering guarantee the whole protocol hangs on lives here: a
// drained taskset only means "truly done" after the generator recorded
// generator_complete. Before that, an empty taskset is just the
// enumeration not having started.
func (m *Monitor) CheckFence(ctx context.Context, family models.JobFamily, entity models.EntityRef) error {
	strat, ok := m.deps.Strategies[family]
	if !ok {
		return fmt.Errorf("no strategy registered for family %s", family)
	}

	f := fence.New(m.deps.Store, family, entity)
	log := m.log.With().Str("fence", f.Key()).Logger()

	fenced, err := f.Fenced(ctx)
	if err != nil {
		return err
	}
	if !fenced {
		return nil
	}

	total, complete, err := f.GeneratorComplete(ctx)
	if err != nil {
		return err
	}
	if !complete {
		return nil
	}

	remaining, err := f.Remaining(ctx)
	if err != nil {
		return err
	}

	attemptID, haveAttempt, err := m.deps.Records.OpenAttempt(ctx, family, entity)
	if err != nil {
		return err
	}

	if remaining > 0 {
		if haveAttempt {
			if err := m.deps.Records.UpdateProgress(ctx, attemptID, int64(total)-remaining); err != nil {
				log.Warn().Err(err).Msg("Progress update failed")
			}
		}
		return nil
	}

	if err := strat.Finalize(ctx, entity, int64(total)); err != nil {
		attempts, cerr := f.IncrFinalizeAttempts(ctx)
		if cerr != nil {
			return errors.Join(err, cerr)
		}
		if attempts < maxFinalizeAttempts {
			// Transient finalization failure: leave the fence up and
			// retry on the next pass.
			log.Warn().Err(err).Int64("attempt", attempts).Msg("Finalization failed, will retry")
			return nil
		}
		// Repeated failure means the underlying state is inconsistent
		// (e.g. documents still present after a deletion taskset
		// completed). Retrying in place would loop forever on the same
		// broken state; reset so the whole job regenerates.
		log.Error().Err(err).Int64("attempts", attempts).Msg("Finalization failing repeatedly, resetting fence")
		if haveAttempt {
			_ = m.deps.Records.MarkFailed(ctx, attemptID,
				fmt.Sprintf("finalization failed %d times: %v", attempts, err))
		}
		if rerr := f.Reset(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
		m.deps.Metrics.FenceReset(ctx, family)
		return err
	}

	if haveAttempt {
		if err := m.deps.Records.MarkSuccess(ctx, attemptID, int64(total)); err != nil {
			return err
		}
	}
	if err := f.Reset(ctx); err != nil {
		return err
	}
	if err := f.ClearStop(ctx); err != nil {
		return err
	}

	m.deps.Metrics.JobFinalized(ctx, family)
	log.Info().Int("num_tasks", total).Msg("Job finalized")
	return nil
}
