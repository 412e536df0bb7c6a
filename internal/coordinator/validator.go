package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/fence"
	"github.com/thebtf/fenceline/pkg/models"
)

// Validator detects and repairs orphaned fences: fences that claim a job
// is in flight while nothing observable in the queue backs that claim.
//
// Orphan detection always requires two pieces of evidence before a
// reset: no task found anywhere the queue can be observed, AND an
// expired liveness flag. A fence is never reset on a single failed queue
// lookup; false positives cost a running job, false negatives only cost
// detection latency.
type Validator struct {
	deps Deps
	log  zerolog.Logger
}

// NewValidator creates a validator over deps.
func NewValidator(deps Deps) *Validator {
	deps = deps.normalized()
	return &Validator{
		deps: deps,
		log:  deps.Log.With().Str("component", "validator").Logger(),
	}
}

// Tick runs one cluster-exclusive validation pass, re-acquiring the
// validator lock between tenants.
func (v *Validator) Tick(ctx context.Context) error {
	var errs []error
	for _, tenant := range v.deps.tenants() {
		err := runExclusive(ctx, v.deps.Store, "validator", tenant, func(ctx context.Context) error {
			for family := range v.deps.Strategies {
				if err := v.ValidateFamily(ctx, family, tenant); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %q: %w", tenant, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateAll runs one validation pass over every family and tenant.
func (v *Validator) ValidateAll(ctx context.Context) error {
	var errs []error
	for _, tenant := range v.deps.tenants() {
		for family := range v.deps.Strategies {
			if err := v.ValidateFamily(ctx, family, tenant); err != nil {
				errs = append(errs, fmt.Errorf("%s/%s: %w", family, tenant, err))
			}
		}
	}
	return errors.Join(errs...)
}

// ValidateFamily runs one validation pass for a single family and tenant.
func (v *Validator) ValidateFamily(ctx context.Context, family models.JobFamily, tenant string) error {
	strat, ok := v.deps.Strategies[family]
	if !ok {
		return fmt.Errorf("no strategy registered for family %s", family)
	}

	// Cheap pre-check: a deep queue means a legitimate burst is in
	// flight and lookups against it would be both expensive and noisy.
	depth, err := v.deps.Broker.Length(ctx, strat.Queue())
	if err != nil {
		return err
	}
	if depth > v.deps.Config.MaxQueueDepth {
		v.log.Debug().Str("family", string(family)).Int("depth", depth).Msg("Queue deep, skipping validation")
		return nil
	}

	keys, err := v.candidateKeys(ctx, family, tenant)
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := v.validateFence(ctx, strat, key); err != nil {
			v.log.Error().Err(err).Str("fence", key).Msg("Fence validation error")
		}
	}
	return nil
}

// candidateKeys lists this family's fences in the active index, falling
// back to a keyspace scan (which also heals the index) when the index
// has no entries for the family.
func (v *Validator) candidateKeys(ctx context.Context, family models.JobFamily, tenant string) ([]string, error) {
	indexed, err := fence.ActiveFences(ctx, v.deps.Store)
	if err != nil {
		return nil, err
	}

	prefix := fence.ScanPrefix(family, tenant)
	var keys []string
	for _, key := range indexed {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		return keys, nil
	}
	return fence.ScanFences(ctx, v.deps.Store, family, tenant)
}

func (v *Validator) validateFence(ctx context.Context, strat Strategy, key string) error {
	family, entity, ok := fence.ParseKey(key)
	if !ok {
		// Stale index entry that is not a fence key at all.
		return v.deps.Store.SRem(ctx, fence.ActiveFencesKey, key)
	}

	f := fence.New(v.deps.Store, family, entity)
	log := v.log.With().Str("fence", key).Logger()

	payload, err := f.Payload(ctx)
	if errors.Is(err, fence.ErrPayloadMismatch) {
		// Unreadable payload: there is no safe way to interpret it, so
		// it is treated exactly like a detected orphan. The config knob
		// exists because this silently drops in-flight work during a
		// rolling deploy that changes the payload shape.
		if !v.deps.Config.ResetOnPayloadMismatch {
			log.Error().Msg("Fence payload unreadable; reset disabled, leaving for manual intervention")
			return nil
		}
		log.Warn().Msg("Fence payload unreadable, resetting")
		return v.reset(ctx, f, "fence payload unreadable (schema mismatch)")
	}
	if err != nil {
		return err
	}
	if payload == nil {
		// Indexed but gone: the fence was cleared and the index write
		// was missed.
		return v.deps.Store.SRem(ctx, fence.ActiveFencesKey, key)
	}

	live, err := f.Active(ctx)
	if err != nil {
		return err
	}

	if payload.TaskID == nil {
		// Still being set up by the creator. The liveness flag written
		// at creation separates "creator mid-write" from "creator died
		// between fence write and task-id assignment".
		if live {
			return nil
		}
		log.Warn().Msg("Fence never received a task id and liveness expired, resetting")
		return v.reset(ctx, f, "fence creation never completed")
	}

	queued, err := v.deps.Broker.QueuedIDs(ctx, strat.Queue())
	if err != nil {
		return err
	}
	reserved, err := v.deps.Broker.ReservedIDs(ctx, strat.Queue())
	if err != nil {
		return err
	}

	if known(queued, reserved, *payload.TaskID) {
		// Healthy: the generator is queued or running. Renew liveness on
		// its behalf so a long queue wait does not look like a stall.
		return f.SetActive(ctx, v.deps.Config.LivenessTTL)
	}

	members, err := f.TasksetMembers(ctx)
	if err != nil {
		return err
	}

	// A drained taskset with generator_complete set is a finished job
	// waiting on the monitor, not an orphan.
	if len(members) == 0 {
		if _, complete, err := f.GeneratorComplete(ctx); err != nil {
			return err
		} else if complete {
			return nil
		}
	}

	orphans := 0
	for _, member := range members {
		if !known(queued, reserved, member) {
			orphans++
		}
	}

	// The generator task is gone. If any unit task is still observable
	// the job is alive; if work remains observable nowhere and the
	// liveness flag has expired, the fence is orphaned.
	if len(members) > 0 && orphans == 0 {
		return f.SetActive(ctx, v.deps.Config.LivenessTTL)
	}
	if live {
		return nil
	}

	v.deps.Metrics.OrphanDetected(ctx, family)
	log.Warn().
		Int("taskset_size", len(members)).
		Int("orphans", orphans).
		Str("task_id", *payload.TaskID).
		Msg("Orphaned fence detected, resetting")
	return v.reset(ctx, f, "no queued, reserved or running task found for fence")
}

// reset clears the fence and fails any open attempt so the data layer
// does not show a stuck in-progress state forever.
func (v *Validator) reset(ctx context.Context, f *fence.Fence, reason string) error {
	if err := f.Reset(ctx); err != nil {
		return err
	}
	v.deps.Metrics.FenceReset(ctx, f.Family())

	attemptID, ok, err := v.deps.Records.OpenAttempt(ctx, f.Family(), f.Entity())
	if err != nil {
		return err
	}
	if ok {
		if err := v.deps.Records.MarkFailed(ctx, attemptID, reason); err != nil {
			return err
		}
	}
	return nil
}

func known(queued, reserved map[string]struct{}, id string) bool {
	if _, ok := queued[id]; ok {
		return true
	}
	_, ok := reserved[id]
	return ok
}
