package database

import (
	"errors"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/schedules"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillFirstReviewDone = "2026-03-01_backfill_first_review_done"
	migrationRepairZeroVersions      = "2026-03-08_repair_zero_schedule_versions"
)

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
		{name: migrationBackfillFirstReviewDone, apply: backfillFirstReviewDone},
		{name: migrationRepairZeroVersions, apply: repairZeroVersions},
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
		if err := db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Schedules that already have a recorded outcome have completed their first review.
func backfillFirstReviewDone(db *gorm.DB) error {
	reviewed := db.Model(&schedules.ReviewOutcome{}).Select("schedule_id")
	return db.Model(&schedules.ScheduleState{}).
		Where("first_review_done = ?", false).
		Where("schedule_id IN (?)", reviewed).
		Update("first_review_done", true).Error
}

// Version 0 rows predate optimistic locking; the store starts every schedule at 1.
func repairZeroVersions(db *gorm.DB) error {
	return db.Model(&schedules.ScheduleState{}).
		Where("version = ?", 0).
		Update("version", 1).Error
}
