package family

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/config"
	"github.com/thebtf/fenceline/internal/queue"
	"github.com/thebtf/fenceline/pkg/models"
)

// pruning deletes documents that still exist locally but have vanished
// from the source. One unit task per stale document.
type pruning struct {
	c   Collaborators
	cfg *config.Config
	log zerolog.Logger
}

func (s *pruning) Family() models.JobFamily { return models.FamilyPruning }

func (s *pruning) Queue() string { return queue.QueuePruning }

func (s *pruning) UnitTaskName() string { return "fenceline.prune_document" }

// Due: an entity that has never been pruned measures its period from the
// last successful indexing run instead, and is not due at all until it
// has been indexed once (there is nothing to prune before that).
func (s *pruning) Due(entity models.EntityRef, hist models.SyncHistory, now time.Time) bool {
	baseline := hist.LastSuccess
	if baseline.IsZero() {
		baseline = hist.LastSuccessIndex
	}
	if baseline.IsZero() {
		return false
	}
	period := hist.Period
	if period <= 0 {
		period = s.cfg.PruningPeriod
	}
	return now.Sub(baseline) >= period
}

// Enumerate diffs the local index against the source: everything held
// locally that the source no longer has is one deletion task.
func (s *pruning) Enumerate(ctx context.Context, entity models.EntityRef) (models.WorkIterator, error) {
	sourceIDs, err := s.c.Source.AllDocIDs(ctx, entity)
	if err != nil {
		return nil, err
	}
	localIDs, err := s.c.Index.LocalDocIDs(ctx, entity)
	if err != nil {
		return nil, err
	}

	atSource := make(map[string]struct{}, len(sourceIDs))
	for _, id := range sourceIDs {
		atSource[id] = struct{}{}
	}

	var items []models.WorkItem
	for _, id := range localIDs {
		if _, ok := atSource[id]; !ok {
			items = append(items, models.WorkItem{DocID: id})
		}
	}
	s.log.Debug().Str("entity", entity.String()).Int("stale", len(items)).Msg("Pruning enumeration complete")
	return models.NewSliceIter(items), nil
}

// ExecuteUnit deletes one document. DeleteDoc treats an already-absent
// document as success, which makes re-runs safe.
func (s *pruning) ExecuteUnit(ctx context.Context, entity models.EntityRef, item models.WorkItem) error {
	return s.c.Index.DeleteDoc(ctx, entity, item.DocID)
}

func (s *pruning) Finalize(ctx context.Context, entity models.EntityRef, count int64) error {
	return s.c.Books.MarkEntitySynced(ctx, models.FamilyPruning, entity, count)
}
