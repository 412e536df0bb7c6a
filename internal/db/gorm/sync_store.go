package gorm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/fenceline/pkg/models"
)

// SyncStore provides sync-record database operations using GORM. It
// satisfies the coordinator's SyncRecorder interface.
type SyncStore struct {
	db *gorm.DB
}

// NewSyncStore creates a new sync-record store.
func NewSyncStore(store *Store) *SyncStore {
	return &SyncStore{db: store.DB}
}

// Insert creates a not-started record for a new attempt and returns its
// id. Called by try-create before the fence is written.
func (s *SyncStore) Insert(ctx context.Context, family models.JobFamily, entity models.EntityRef) (int64, error) {
	rec := &SyncRecord{
		Family:      string(family),
		Tenant:      entity.Tenant,
		EntityID:    entity.EntityID,
		SecondaryID: entity.SecondaryID,
		Status:      string(models.SyncNotStarted),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, fmt.Errorf("insert sync record: %w", err)
	}
	return rec.ID, nil
}

// MarkInProgress transitions an attempt to in_progress and stamps its
// start time.
func (s *SyncStore) MarkInProgress(ctx context.Context, attemptID int64) error {
	return s.setStatus(ctx, attemptID, models.SyncInProgress, "", map[string]interface{}{
		"started_at_epoch": sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true},
	})
}

// MarkSuccess finalizes an attempt with its docs-synced count.
func (s *SyncStore) MarkSuccess(ctx context.Context, attemptID int64, docsSynced int64) error {
	return s.setStatus(ctx, attemptID, models.SyncSuccess, "", map[string]interface{}{
		"docs_synced":    docsSynced,
		"ended_at_epoch": sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true},
	})
}

// MarkFailed records a terminal failure with a human-readable reason.
func (s *SyncStore) MarkFailed(ctx context.Context, attemptID int64, reason string) error {
	return s.setStatus(ctx, attemptID, models.SyncFailed, reason, map[string]interface{}{
		"ended_at_epoch": sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true},
	})
}

// MarkCancelled records a cooperative cancellation (stop fence observed).
func (s *SyncStore) MarkCancelled(ctx context.Context, attemptID int64, reason string) error {
	return s.setStatus(ctx, attemptID, models.SyncCancelled, reason, map[string]interface{}{
		"ended_at_epoch": sql.NullInt64{Int64: time.Now().UnixMilli(), Valid: true},
	})
}

func (s *SyncStore) setStatus(ctx context.Context, attemptID int64, status models.SyncStatus, reason string, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": string(status)}
	if reason != "" {
		updates["reason"] = sql.NullString{String: reason, Valid: true}
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&SyncRecord{}).Where("id = ?", attemptID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update sync record %d: %w", attemptID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update sync record %d: not found", attemptID)
	}
	return nil
}

// UpdateProgress bumps the docs-synced counter of an in-flight attempt.
func (s *SyncStore) UpdateProgress(ctx context.Context, attemptID int64, docsSynced int64) error {
	return s.db.WithContext(ctx).Model(&SyncRecord{}).
		Where("id = ?", attemptID).
		Update("docs_synced", docsSynced).Error
}

// OpenAttempt returns the most recent non-terminal attempt for the
// identity, if any. The validator uses it to fail stuck attempts on
// fence reset.
func (s *SyncStore) OpenAttempt(ctx context.Context, family models.JobFamily, entity models.EntityRef) (int64, bool, error) {
	var rec SyncRecord
	err := s.db.WithContext(ctx).
		Where("family = ? AND tenant = ? AND entity_id = ? AND secondary_id = ?",
			string(family), entity.Tenant, entity.EntityID, entity.SecondaryID).
		Where("status IN ?", []string{string(models.SyncNotStarted), string(models.SyncInProgress)}).
		Order("created_at_epoch DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find open attempt: %w", err)
	}
	return rec.ID, true, nil
}

// History summarizes past runs for the scheduler's due checks. The
// per-source period is not known here; the scheduler overlays it from
// the entity listing.
func (s *SyncStore) History(ctx context.Context, family models.JobFamily, entity models.EntityRef) (models.SyncHistory, error) {
	hist := models.SyncHistory{}

	var last SyncRecord
	err := s.db.WithContext(ctx).
		Where("family = ? AND tenant = ? AND entity_id = ? AND secondary_id = ?",
			string(family), entity.Tenant, entity.EntityID, entity.SecondaryID).
		Order("created_at_epoch DESC").
		First(&last).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return hist, fmt.Errorf("load sync history: %w", err)
	}
	if err == nil {
		hist.LastAttempt = time.UnixMilli(last.CreatedAtEpoch)
	}

	var lastOK SyncRecord
	err = s.db.WithContext(ctx).
		Where("family = ? AND tenant = ? AND entity_id = ? AND secondary_id = ? AND status = ?",
			string(family), entity.Tenant, entity.EntityID, entity.SecondaryID, string(models.SyncSuccess)).
		Order("ended_at_epoch DESC").
		First(&lastOK).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return hist, fmt.Errorf("load sync history: %w", err)
	}
	if err == nil {
		hist.EverSynced = true
		if lastOK.EndedAtEpoch.Valid {
			hist.LastSuccess = time.UnixMilli(lastOK.EndedAtEpoch.Int64)
		}
	}

	// Pruning falls back to the last successful indexing run when the
	// entity has never been pruned.
	if family == models.FamilyPruning {
		var lastIdx SyncRecord
		err = s.db.WithContext(ctx).
			Where("family = ? AND tenant = ? AND entity_id = ? AND status = ?",
				string(models.FamilyIndexing), entity.Tenant, entity.EntityID, string(models.SyncSuccess)).
			Order("ended_at_epoch DESC").
			First(&lastIdx).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return hist, fmt.Errorf("load sync history: %w", err)
		}
		if err == nil && lastIdx.EndedAtEpoch.Valid {
			hist.LastSuccessIndex = time.UnixMilli(lastIdx.EndedAtEpoch.Int64)
		}
	}

	hist.NewConfiguration = !hist.EverSynced && hist.LastAttempt.IsZero()
	return hist, nil
}
