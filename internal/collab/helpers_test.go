package collab

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

const testNoteID = notes.NoteID("note-1")

type sequenceIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequenceIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	value := c.current
	c.current = c.current.Add(time.Second)
	return value
}

func newTestRepository(t *testing.T) (*notes.Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:gravity_collab_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&notes.Note{}, &notes.Block{}, &notes.DocumentState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	clock := &steppingClock{current: time.Unix(1700000000, 0).UTC()}
	service, err := notes.NewService(notes.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}
	return service, db
}

func newTestTransformer(t *testing.T, store BlockStore) *Transformer {
	t.Helper()
	transformer, err := NewTransformer(TransformerConfig{Store: store, IDProvider: &sequenceIDs{prefix: "gen"}})
	if err != nil {
		t.Fatalf("failed to construct transformer: %v", err)
	}
	return transformer
}

func newTestDocumentStore(t *testing.T, repository Repository, configure func(cfg *DocumentStoreConfig)) *DocumentStore {
	t.Helper()
	cfg := DocumentStoreConfig{
		Repository:   repository,
		Transformer:  newTestTransformer(t, repository),
		WriteBackIDs: true,
	}
	if configure != nil {
		configure(&cfg)
	}
	store, err := NewDocumentStore(cfg)
	if err != nil {
		t.Fatalf("failed to construct document store: %v", err)
	}
	return store
}

func seedNote(t *testing.T, db *gorm.DB, noteID notes.NoteID, owner string) {
	t.Helper()
	note := notes.Note{NoteID: noteID.String(), OwnerUserID: owner, CreatedAtSeconds: 1, UpdatedAtSeconds: 1}
	if err := db.Create(&note).Error; err != nil {
		t.Fatalf("failed to seed note: %v", err)
	}
}

func seedBlocks(t *testing.T, db *gorm.DB, blocks ...notes.Block) {
	t.Helper()
	for index := range blocks {
		if blocks[index].MetadataJSON == "" {
			blocks[index].MetadataJSON = "{}"
		}
		if blocks[index].CreatedAtSeconds == 0 {
			blocks[index].CreatedAtSeconds = 1
			blocks[index].UpdatedAtSeconds = 1
		}
		if err := db.Create(&blocks[index]).Error; err != nil {
			t.Fatalf("failed to seed block %s: %v", blocks[index].ID, err)
		}
	}
}

func loadBlocks(t *testing.T, db *gorm.DB, noteID notes.NoteID) []notes.Block {
	t.Helper()
	var blocks []notes.Block
	if err := db.Where("note_id = ?", noteID.String()).Order("position ASC").Order("id ASC").Find(&blocks).Error; err != nil {
		t.Fatalf("failed to load blocks: %v", err)
	}
	return blocks
}

type testNode struct {
	name       string
	attributes map[string]string
	text       string
}

// appendNodes appends elements with a single text child to root and returns the update.
func appendNodes(t *testing.T, doc *crdt.Doc, root string, nodes ...testNode) []byte {
	t.Helper()
	update, err := doc.Transact(func(tx *crdt.Txn) error {
		parent := tx.Root(root)
		for _, node := range nodes {
			element, err := tx.InsertElement(parent, tx.Len(parent), node.name)
			if err != nil {
				return err
			}
			for key, value := range node.attributes {
				if err := tx.SetAttribute(element, key, value); err != nil {
					return err
				}
			}
			text, err := tx.InsertText(element, 0)
			if err != nil {
				return err
			}
			if err := tx.InsertString(text, 0, node.text); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to build document: %v", err)
	}
	return update
}

func deleteNode(t *testing.T, doc *crdt.Doc, root string, index int) []byte {
	t.Helper()
	update, err := doc.Transact(func(tx *crdt.Txn) error {
		return tx.DeleteChild(tx.Root(root), index)
	})
	if err != nil {
		t.Fatalf("failed to delete node: %v", err)
	}
	return update
}

func paragraph(blockID, text string) testNode {
	attributes := map[string]string{}
	if blockID != "" {
		attributes[IDAttribute] = blockID
	}
	return testNode{name: "paragraph", attributes: attributes, text: text}
}
