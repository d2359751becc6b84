package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidBlockID indicates that a block identifier is empty or exceeds storage bounds.
	ErrInvalidBlockID = errors.New("notes: invalid block id")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidNoteID)
	if err != nil {
		return "", err
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// NewBlockID validates a raw block identifier.
func NewBlockID(rawInput string) (string, error) {
	return validateIdentifier(rawInput, ErrInvalidBlockID)
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Note is the externally managed note row. The collaboration engine reads it for attribution only.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	OwnerUserID      string `gorm:"column:owner_user_id;size:190;not null;index:idx_notes_owner"`
	Title            string `gorm:"column:title;size:512;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// BlockType enumerates the relational block categories.
type BlockType string

const (
	BlockTypeText         BlockType = "TEXT"
	BlockTypeHeading      BlockType = "HEADING"
	BlockTypeBulletList   BlockType = "BULLET_LIST"
	BlockTypeNumberedList BlockType = "NUMBERED_LIST"
	BlockTypeTodo         BlockType = "TODO"
	BlockTypeCode         BlockType = "CODE"
	BlockTypeQuote        BlockType = "QUOTE"
	BlockTypeDivider      BlockType = "DIVIDER"
	BlockTypeImage        BlockType = "IMAGE"
	BlockTypeTable        BlockType = "TABLE"
	BlockTypeCallout      BlockType = "CALLOUT"
)

// Block is the relational projection of one top-level document node. Rows are soft-deleted only.
type Block struct {
	ID               string    `gorm:"column:id;primaryKey;size:190;not null"`
	NoteID           string    `gorm:"column:note_id;size:190;not null;index:idx_blocks_note_position,priority:1"`
	Type             BlockType `gorm:"column:type;size:32;not null"`
	Content          string    `gorm:"column:content;type:text;not null;default:''"`
	MetadataJSON     string    `gorm:"column:metadata;type:text;not null;default:'{}'"`
	ParentBlockID    *string   `gorm:"column:parent_block_id;size:190"`
	Position         int       `gorm:"column:position;not null;default:0;index:idx_blocks_note_position,priority:2"`
	CreatedBy        *string   `gorm:"column:created_by;size:190"`
	LastEditedBy     *string   `gorm:"column:last_edited_by;size:190"`
	IsDeleted        bool      `gorm:"column:is_deleted;not null;default:false"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64     `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Block) TableName() string {
	return "blocks"
}

// DocumentState stores the durable CRDT baseline of a note.
type DocumentState struct {
	NoteID      string    `gorm:"column:note_id;primaryKey;size:190;not null"`
	StateVector []byte    `gorm:"column:state_vector;not null"`
	Payload     []byte    `gorm:"column:document_state;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentState) TableName() string {
	return "document_states"
}

// StringPointer returns nil for an empty value.
func StringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

// StringValue dereferences a nullable column.
func StringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
