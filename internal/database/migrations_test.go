package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
)

func TestMigrateNormalizesBlockMetadata(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")
	database, err := OpenSQLite(databasePath)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&notes.Block{}); err != nil {
		testContext.Fatalf("failed to migrate blocks: %v", err)
	}

	rows := []notes.Block{
		{ID: "b1", NoteID: "note-1", Type: notes.BlockTypeText, CreatedAtSeconds: 1, UpdatedAtSeconds: 1},
		{ID: "b2", NoteID: "note-1", Type: notes.BlockTypeHeading, MetadataJSON: `{"level":2}`, Position: 1, CreatedAtSeconds: 1, UpdatedAtSeconds: 1},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert blocks: %v", err)
	}
	if err := database.Model(&notes.Block{}).Where("id = ?", "b1").Update("metadata", "").Error; err != nil {
		testContext.Fatalf("failed to blank metadata: %v", err)
	}

	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []notes.Block
	if err := database.Order("position ASC").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload blocks: %v", err)
	}
	if stored[0].MetadataJSON != "{}" {
		testContext.Fatalf("expected blank metadata to become {}, got %q", stored[0].MetadataJSON)
	}
	if stored[1].MetadataJSON != `{"level":2}` {
		testContext.Fatalf("expected populated metadata to be kept, got %q", stored[1].MetadataJSON)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeBlockMetadata).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestMigrateStripsProviderPrefixOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "identities.db")
	database, err := OpenSQLite(databasePath)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&users.Identity{}); err != nil {
		testContext.Fatalf("failed to migrate identities: %v", err)
	}
	legacy := users.Identity{Provider: "google", Subject: "sub-1", UserID: "google:user-1"}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert identity: %v", err)
	}

	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored users.Identity
	if err := database.Where("provider = ? AND subject = ?", "google", "sub-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload identity: %v", err)
	}
	if stored.UserID != "user-1" {
		testContext.Fatalf("expected prefix to be stripped, got %q", stored.UserID)
	}

	if err := database.Model(&users.Identity{}).
		Where("provider = ?", "google").
		Update("user_id", "google:again").Error; err != nil {
		testContext.Fatalf("failed to reset identity: %v", err)
	}
	if err := Migrate(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-run migrations: %v", err)
	}
	if err := database.Where("provider = ?", "google").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload identity: %v", err)
	}
	if stored.UserID != "google:again" {
		testContext.Fatalf("expected applied migration to be skipped, got %q", stored.UserID)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, nil); err == nil {
		testContext.Fatalf("expected unknown driver to be rejected")
	}
	if _, err := Open(Config{Driver: DriverPostgres}, nil); err == nil {
		testContext.Fatalf("expected postgres without dsn to be rejected")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "schema.db")
	database, err := Open(Config{Driver: DriverSQLite, Path: databasePath}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"notes", "blocks", "document_states", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}
