package gorm

import (
	"database/sql"
	"time"

	"gorm.io/gorm"

	"github.com/thebtf/fenceline/pkg/models"
)

// SyncRecord tracks one sync attempt for one (family, entity) pair. It is
// created before the fence is set so the monitor never observes a fence
// with no record, updated when the generator starts, and finalized by the
// monitor or failed by the validator.
type SyncRecord struct {
	Family         string `gorm:"index:idx_sync_records_identity,priority:1;not null"`
	Tenant         string `gorm:"index:idx_sync_records_identity,priority:2;not null"`
	Status         string `gorm:"type:text;check:status IN ('not_started', 'in_progress', 'success', 'failed', 'cancelled');default:'not_started';index"`
	Reason         sql.NullString
	EntityID       int64 `gorm:"index:idx_sync_records_identity,priority:3;not null"`
	SecondaryID    int64 `gorm:"index:idx_sync_records_identity,priority:4"`
	ID             int64 `gorm:"primaryKey;autoIncrement"`
	DocsSynced     int64 `gorm:"default:0"`
	CreatedAtEpoch int64 `gorm:"index:idx_sync_records_created,sort:desc;not null"`
	StartedAtEpoch sql.NullInt64
	EndedAtEpoch   sql.NullInt64
}

func (SyncRecord) TableName() string { return "sync_records" }

// BeforeCreate hook to ensure timestamps are set.
func (r *SyncRecord) BeforeCreate(tx *gorm.DB) error {
	if r.CreatedAtEpoch == 0 {
		r.CreatedAtEpoch = time.Now().UnixMilli()
	}
	if r.Status == "" {
		r.Status = string(models.SyncNotStarted)
	}
	return nil
}
