package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationArchiveReportsOnHiddenReviews = "2026-07-02_archive_reports_on_hidden_reviews"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationArchiveReportsOnHiddenReviews, apply: archiveReportsOnHiddenReviews},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before report archival was hooked into the hide action can
// hold open reports against already-hidden reviews; archive them.
func archiveReportsOnHiddenReviews(db *gorm.DB) error {
	return db.Exec(
		"UPDATE spam_reports SET is_archived = ? WHERE is_archived = ? AND revision_id IN (SELECT rev.id FROM revisions rev JOIN reviews rv ON rv.id = rev.review_id WHERE rv.is_hidden = ?)",
		true, false, true,
	).Error
}
