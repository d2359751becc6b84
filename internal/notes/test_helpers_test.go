package notes

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	value := c.current
	c.current = c.current.Add(time.Second)
	return value
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:gravity_notes_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Note{}, &Block{}, &DocumentState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &steppingClock{current: time.Unix(1700000600, 0).UTC()}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}

	return service, db
}

func seedBlocks(t *testing.T, db *gorm.DB, blocks ...Block) {
	t.Helper()
	for index := range blocks {
		if blocks[index].MetadataJSON == "" {
			blocks[index].MetadataJSON = "{}"
		}
		if err := db.Create(&blocks[index]).Error; err != nil {
			t.Fatalf("failed to seed block %s: %v", blocks[index].ID, err)
		}
	}
}
