package family

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/config"
	"github.com/thebtf/fenceline/internal/coordinator"
	"github.com/thebtf/fenceline/internal/queue"
	"github.com/thebtf/fenceline/pkg/models"
)

// indexing runs one connector's document stream through the indexing
// pipeline. Inline: a single long-running call, cancellable via the stop
// fence, with chunk-count progress.
type indexing struct {
	c   Collaborators
	cfg *config.Config
	log zerolog.Logger
}

func (s *indexing) Family() models.JobFamily { return models.FamilyIndexing }

func (s *indexing) Queue() string { return queue.QueueIndexing }

// Due: a brand-new configuration always runs once regardless of period.
// While a future (secondary) configuration is being built and updates to
// the present one are disabled, scheduling is suppressed so the model
// swap can complete against a quiescent index.
func (s *indexing) Due(entity models.EntityRef, hist models.SyncHistory, now time.Time) bool {
	if hist.FutureConfigBuilding && hist.PresentUpdateDisabled {
		return false
	}
	if hist.NewConfiguration {
		return true
	}
	period := hist.Period
	if period <= 0 {
		period = s.cfg.IndexingPeriod
	}
	return now.Sub(hist.LastSuccess) >= period
}

func (s *indexing) Run(ctx context.Context, entity models.EntityRef, rep *coordinator.Reporter) (int, error) {
	if rep.ShouldStop(ctx) {
		return 0, coordinator.ErrStopped
	}

	chunks, err := s.c.Indexer.Index(ctx, entity, IndexOptions{
		Progress: func(ctx context.Context, n int64) error {
			return rep.Progress(ctx, "chunks", n)
		},
		ShouldStop: rep.ShouldStop,
	})
	if err != nil {
		return 0, err
	}
	if rep.ShouldStop(ctx) {
		// The pass returned because it observed the stop signal; treat
		// the partial result as cancellation, not success.
		return 0, coordinator.ErrStopped
	}
	return chunks, nil
}

func (s *indexing) Finalize(ctx context.Context, entity models.EntityRef, count int64) error {
	return s.c.Books.MarkEntitySynced(ctx, models.FamilyIndexing, entity, count)
}
