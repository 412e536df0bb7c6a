// Package coordinator implements the fence/taskset coordination protocol:
// try-create, generator execution, progress reporting, orphan validation
// and monitor/finalize. It is the only package that understands the full
// job lifecycle; job families plug in as strategies.
package coordinator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/config"
	"github.com/thebtf/fenceline/internal/kv"
	"github.com/thebtf/fenceline/internal/queue"
	"github.com/thebtf/fenceline/pkg/models"
)

// Task timing constants.
const (
	// CreationLockTTL guards try-create's check-and-set window only.
	CreationLockTTL = 30 * time.Second

	// JobLockTTL covers a generator's full runtime between renewals.
	JobLockTTL = 10 * time.Minute

	// PayloadWaitTimeout bounds the generator's busy-wait for the
	// creator to finish writing the fence payload.
	PayloadWaitTimeout = 60 * time.Second

	// PayloadWaitPoll is the busy-wait polling interval.
	PayloadWaitPoll = 100 * time.Millisecond
)

// SyncRecorder is the relational-store surface the protocol needs: one
// row per attempt with status transitions and a docs-synced counter. The
// gorm store implements it; tests use an in-memory fake.
type SyncRecorder interface {
	Insert(ctx context.Context, family models.JobFamily, entity models.EntityRef) (attemptID int64, err error)
	MarkInProgress(ctx context.Context, attemptID int64) error
	MarkSuccess(ctx context.Context, attemptID int64, docsSynced int64) error
	MarkFailed(ctx context.Context, attemptID int64, reason string) error
	MarkCancelled(ctx context.Context, attemptID int64, reason string) error
	UpdateProgress(ctx context.Context, attemptID int64, docsSynced int64) error
	OpenAttempt(ctx context.Context, family models.JobFamily, entity models.EntityRef) (attemptID int64, ok bool, err error)
	History(ctx context.Context, family models.JobFamily, entity models.EntityRef) (models.SyncHistory, error)
}

// Strategy is the per-family behavior the coordinator dispatches to. A
// strategy additionally implements either FanOutStrategy or
// InlineStrategy.
type Strategy interface {
	Family() models.JobFamily
	// Queue names the broker queue this family's tasks run on.
	Queue() string
	// Due decides whether an entity needs a run now. Per-family policy;
	// the subtle differences between families are intentional.
	Due(entity models.EntityRef, hist models.SyncHistory, now time.Time) bool
	// Finalize performs the family's one-time terminal bookkeeping once
	// the taskset has drained.
	Finalize(ctx context.Context, entity models.EntityRef, count int64) error
}

// FanOutStrategy enumerates work items that each become one unit task.
type FanOutStrategy interface {
	Strategy
	UnitTaskName() string
	Enumerate(ctx context.Context, entity models.EntityRef) (models.WorkIterator, error)
	// ExecuteUnit runs one item. Must be idempotent: unit tasks may be
	// retried or re-run after partial failures.
	ExecuteUnit(ctx context.Context, entity models.EntityRef, item models.WorkItem) error
}

// InlineStrategy runs the whole job inside the generator task instead of
// fanning out (indexing, external-group sync). Progress and cancellation
// flow through the Reporter.
type InlineStrategy interface {
	Strategy
	Run(ctx context.Context, entity models.EntityRef, rep *Reporter) (count int, err error)
}

// EntitySource lists the entities a family could sync for one tenant,
// each carrying its source's configured refresh period. Backed by the
// platform's configuration tables.
type EntitySource interface {
	Entities(ctx context.Context, family models.JobFamily, tenant string) ([]models.EntityListing, error)
}

// Deps bundles everything the coordination routines share.
type Deps struct {
	Store      kv.Store
	Broker     queue.Broker
	Records    SyncRecorder
	Entities   EntitySource
	Strategies map[models.JobFamily]Strategy
	Config     *config.Config
	Log        zerolog.Logger
	Metrics    *Metrics
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// normalized fills optional fields with defaults.
func (d Deps) normalized() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Config == nil {
		d.Config = config.Default()
	}
	if d.Metrics == nil {
		d.Metrics = NopMetrics()
	}
	return d
}

// tenants returns the tenant list to iterate, defaulting to the
// single-tenant empty prefix.
func (d Deps) tenants() []string {
	if len(d.Config.Tenants) == 0 {
		return []string{""}
	}
	return d.Config.Tenants
}

// GeneratorTaskName is the broker task name for a family's generator.
func GeneratorTaskName(family models.JobFamily) string {
	return "fenceline.generator." + string(family)
}

// Task argument keys shared by generator and unit tasks.
const (
	argTenant    = "tenant"
	argEntity    = "entity"
	argDocID     = "doc_id"
	argFenceTask = "fence_task_id"
)
