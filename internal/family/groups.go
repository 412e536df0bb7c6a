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

// externalGroups replaces the entity's entire group mapping in one
// inline task. The roster swap is intentionally not fanned out: a
// half-applied roster is worse than a stale one.
type externalGroups struct {
	c   Collaborators
	cfg *config.Config
	log zerolog.Logger
}

func (s *externalGroups) Family() models.JobFamily { return models.FamilyExternalGroups }

func (s *externalGroups) Queue() string { return queue.QueuePermissions }

// Due: per-source configurable period, first run immediately.
func (s *externalGroups) Due(entity models.EntityRef, hist models.SyncHistory, now time.Time) bool {
	if hist.NewConfiguration {
		return true
	}
	period := hist.Period
	if period <= 0 {
		period = s.cfg.GroupsPeriod
	}
	return now.Sub(hist.LastSuccess) >= period
}

func (s *externalGroups) Run(ctx context.Context, entity models.EntityRef, rep *coordinator.Reporter) (int, error) {
	if rep.ShouldStop(ctx) {
		return 0, coordinator.ErrStopped
	}

	roster, err := s.c.Source.Roster(ctx, entity)
	if err != nil {
		return 0, err
	}
	if err := rep.Progress(ctx, "groups", int64(len(roster))); err != nil {
		return 0, err
	}
	if rep.ShouldStop(ctx) {
		return 0, coordinator.ErrStopped
	}

	if err := s.c.Acl.ReplaceGroups(ctx, entity, roster); err != nil {
		return 0, err
	}
	return len(roster), nil
}

func (s *externalGroups) Finalize(ctx context.Context, entity models.EntityRef, count int64) error {
	return s.c.Books.MarkEntitySynced(ctx, models.FamilyExternalGroups, entity, count)
}
