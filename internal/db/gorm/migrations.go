package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: sync records
		{
			ID: "001_sync_records",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&SyncRecord{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("sync_records")
			},
		},

		// Migration 002: partial index for the scheduler's "latest
		// non-terminal attempt" lookup.
		{
			ID: "002_sync_records_open_idx",
			Migrate: func(tx *gorm.DB) error {
				return tx.Exec(
					`CREATE INDEX IF NOT EXISTS idx_sync_records_open
					 ON sync_records (family, tenant, entity_id, secondary_id)
					 WHERE status IN ('not_started', 'in_progress')`,
				).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec(`DROP INDEX IF EXISTS idx_sync_records_open`).Error
			},
		},
	})

	return m.Migrate()
}
