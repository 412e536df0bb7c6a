package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/fence"
	"github.com/thebtf/fenceline/internal/kv"
)

// lockRenewInterval bounds how often Progress renews the distributed
// lock, independent of how chatty the caller is.
const lockRenewInterval = 30 * time.Second

// Reporter is the narrow interface long-running generator work gets:
// report progress, keep the liveness flag and lock alive, and poll for
// cooperative cancellation.
//
// Progress swallows transient KV errors: losing a counter increment is
// harmless. The one error it propagates is lock loss, because continuing
// without mutual exclusion risks duplicate work.
type Reporter struct {
	fence       *fence.Fence
	lock        *kv.Lock
	log         zerolog.Logger
	livenessTTL time.Duration
	now         func() time.Time
	lastRenew   time.Time
}

// NewReporter builds a reporter bound to a fence and its held job lock.
func NewReporter(f *fence.Fence, lock *kv.Lock, livenessTTL time.Duration, log zerolog.Logger, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{
		fence:       f,
		lock:        lock,
		log:         log,
		livenessTTL: livenessTTL,
		now:         now,
		lastRenew:   now(),
	}
}

// Progress records n units of work under tag, renews the liveness flag,
// and - at most once per lockRenewInterval - renews the job lock.
func (r *Reporter) Progress(ctx context.Context, tag string, n int64) error {
	if _, err := r.fence.IncrProgress(ctx, n); err != nil {
		r.log.Warn().Err(err).Str("tag", tag).Msg("Progress counter update failed")
	}
	if err := r.fence.SetActive(ctx, r.livenessTTL); err != nil {
		r.log.Warn().Err(err).Msg("Liveness renewal failed")
	}

	if r.now().Sub(r.lastRenew) < lockRenewInterval {
		return nil
	}
	if err := r.lock.Renew(ctx, JobLockTTL); err != nil {
		return fmt.Errorf("progress %s: %w", tag, err)
	}
	r.lastRenew = r.now()
	return nil
}

// ShouldStop reports whether the stop fence for this job has been raised.
// Callers must cease work promptly and return without completing.
func (r *Reporter) ShouldStop(ctx context.Context) bool {
	stopped, err := r.fence.Stopped(ctx)
	if err != nil {
		// Unreachable store: keep working, the validator arbitrates.
		r.log.Warn().Err(err).Msg("Stop check failed")
		return false
	}
	return stopped
}
