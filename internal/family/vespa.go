package family

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/config"
	"github.com/thebtf/fenceline/internal/queue"
	"github.com/thebtf/fenceline/pkg/models"
)

// vespaMetadata pushes per-document metadata (doc sets, ACL, boost,
// hidden) into the vector index for documents flagged stale by document
// set membership or user-group membership changes.
type vespaMetadata struct {
	c   Collaborators
	cfg *config.Config
	log zerolog.Logger
}

func (s *vespaMetadata) Family() models.JobFamily { return models.FamilyVespaMetadata }

func (s *vespaMetadata) Queue() string { return queue.QueueVespaMetadata }

func (s *vespaMetadata) UnitTaskName() string { return "fenceline.sync_doc_metadata" }

// Due: sweeps with nothing stale enumerate zero items and finalize
// immediately, so the default period can stay short. Measured from the
// last attempt rather than the last success so a failing sweep does not
// turn into a hot loop.
func (s *vespaMetadata) Due(entity models.EntityRef, hist models.SyncHistory, now time.Time) bool {
	baseline := hist.LastAttempt
	if baseline.IsZero() {
		return true
	}
	period := hist.Period
	if period <= 0 {
		period = s.cfg.VespaMetadataPeriod
	}
	return now.Sub(baseline) >= period
}

func (s *vespaMetadata) Enumerate(ctx context.Context, entity models.EntityRef) (models.WorkIterator, error) {
	staleIDs, err := s.c.Index.StaleDocIDs(ctx, entity)
	if err != nil {
		return nil, err
	}
	items := make([]models.WorkItem, 0, len(staleIDs))
	for _, id := range staleIDs {
		items = append(items, models.WorkItem{DocID: id})
	}
	return models.NewSliceIter(items), nil
}

// ExecuteUnit rewrites one document's metadata. Last write wins per
// document, so concurrent or repeated pushes converge.
func (s *vespaMetadata) ExecuteUnit(ctx context.Context, entity models.EntityRef, item models.WorkItem) error {
	return s.c.Index.PushDocMetadata(ctx, entity, item.DocID)
}

func (s *vespaMetadata) Finalize(ctx context.Context, entity models.EntityRef, count int64) error {
	return s.c.Books.MarkEntitySynced(ctx, models.FamilyVespaMetadata, entity, count)
}
