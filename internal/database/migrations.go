package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationFloorVersionstampSequence = "2026-10-01_floor_versionstamp_sequence"

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
		{name: migrationFloorVersionstampSequence, apply: floorVersionstampSequence},
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

// floorVersionstampSequence raises the sequence to the highest stored versionstamp. It is
// idempotent and OpenSQLite reapplies it on every open, so rows imported from another
// database never share a versionstamp with new commits.
func floorVersionstampSequence(db *gorm.DB) error {
	return db.Exec(`INSERT INTO kv_sequence (id, last_versionstamp)
VALUES (1, (SELECT COALESCE(MAX(versionstamp), 0) FROM kv_entries))
ON CONFLICT(id) DO UPDATE SET last_versionstamp = MAX(kv_sequence.last_versionstamp, excluded.last_versionstamp)`).Error
}
