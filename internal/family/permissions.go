package family

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/thebtf/fenceline/internal/config"
	"github.com/thebtf/fenceline/internal/queue"
	"github.com/thebtf/fenceline/pkg/models"
)

// permissions fans out one upsert per document, rewriting each
// document's resolved external access set. Last write wins per document.
type permissions struct {
	c   Collaborators
	cfg *config.Config
	log zerolog.Logger
}

func (s *permissions) Family() models.JobFamily { return models.FamilyPermissions }

func (s *permissions) Queue() string { return queue.QueuePermissions }

func (s *permissions) UnitTaskName() string { return "fenceline.sync_doc_permissions" }

// Due: per-source configurable period, with a first run as soon as the
// configuration appears.
func (s *permissions) Due(entity models.EntityRef, hist models.SyncHistory, now time.Time) bool {
	if hist.NewConfiguration {
		return true
	}
	period := hist.Period
	if period <= 0 {
		period = s.cfg.PermissionsPeriod
	}
	return now.Sub(hist.LastSuccess) >= period
}

func (s *permissions) Enumerate(ctx context.Context, entity models.EntityRef) (models.WorkIterator, error) {
	return s.c.Source.DocsWithAccess(ctx, entity)
}

func (s *permissions) ExecuteUnit(ctx context.Context, entity models.EntityRef, item models.WorkItem) error {
	return s.c.Acl.UpsertDocAccess(ctx, entity, item.DocID, item.Args)
}

func (s *permissions) Finalize(ctx context.Context, entity models.EntityRef, count int64) error {
	return s.c.Books.MarkEntitySynced(ctx, models.FamilyPermissions, entity, count)
}
