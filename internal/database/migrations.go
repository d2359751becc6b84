package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
)

const (
	migrationNormalizeBlockMetadata = "2026-09-01_normalize_block_metadata"
	migrationStripProviderPrefix    = "2026-09-01_strip_identity_provider_prefix"
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
		{name: migrationNormalizeBlockMetadata, apply: normalizeBlockMetadata},
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeBlockMetadata rewrites blank metadata so every row holds a JSON object.
func normalizeBlockMetadata(db *gorm.DB) error {
	return db.Model(&notes.Block{}).
		Where("metadata IS NULL OR TRIM(metadata) = '' OR metadata = 'null'").
		Update("metadata", "{}").Error
}

// stripProviderPrefix drops a leftover "google:" prefix from canonical user ids.
func stripProviderPrefix(db *gorm.DB) error {
	const prefix = "google:"
	var identities []users.Identity
	if err := db.Where("user_id LIKE ?", prefix+"%").Find(&identities).Error; err != nil {
		return err
	}
	for _, identity := range identities {
		trimmed := identity.UserID[len(prefix):]
		if trimmed == "" {
			continue
		}
		if err := db.Model(&users.Identity{}).
			Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
			Update("user_id", trimmed).Error; err != nil {
			return err
		}
	}
	return nil
}
