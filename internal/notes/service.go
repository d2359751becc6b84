package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingMutation = errors.New("block mutation is required")
	noOpLogger         = zap.NewNop()
)

// ErrBlockOwnedByOtherNote indicates that a block id is already used by a different note.
var ErrBlockOwnedByOtherNote = errors.New("notes: block id belongs to another note")

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "notes.service.new"
	opListBlocks          = "notes.list_blocks"
	opApplyBlock          = "notes.apply_block"
	opSoftDeleteBlocks    = "notes.soft_delete_blocks"
	opUpsertDocumentState = "notes.upsert_document_state"
	opLoadDocumentState   = "notes.load_document_state"
	opNoteOwner           = "notes.note_owner"
)

const softDeleteBatchSize = 500

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

type IDProvider interface {
	NewID() (string, error)
}

// Service is the repository for notes, blocks, and document states.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// ListBlocks returns every block of the note, soft-deleted ones included, in position order.
func (s *Service) ListBlocks(ctx context.Context, noteID NoteID) ([]Block, error) {
	return s.listBlocks(ctx, noteID, true)
}

// LiveBlocks returns the note's blocks that are not soft-deleted, in position order.
func (s *Service) LiveBlocks(ctx context.Context, noteID NoteID) ([]Block, error) {
	return s.listBlocks(ctx, noteID, false)
}

func (s *Service) listBlocks(ctx context.Context, noteID NoteID, includeDeleted bool) ([]Block, error) {
	query := s.db.WithContext(ctx).Where("note_id = ?", noteID.String())
	if !includeDeleted {
		query = query.Where("is_deleted = ?", false)
	}
	var blocks []Block
	if err := query.Order("position ASC").Order("created_at_s ASC").Order("id ASC").Find(&blocks).Error; err != nil {
		s.logError(opListBlocks, "query_failed", err, zap.String("note_id", noteID.String()))
		return nil, newServiceError(opListBlocks, "query_failed", err)
	}
	return blocks, nil
}

// BlockMutation decides the next state of a block from the row read under lock, nil when the
// row does not exist yet. Returning write=false skips the save.
type BlockMutation func(current *Block) (next Block, write bool, err error)

// ApplyBlock re-reads the block inside a transaction, locking the row where the database
// supports it, and saves whatever the mutation returns. Timestamps are maintained here.
func (s *Service) ApplyBlock(ctx context.Context, noteID NoteID, blockID string, mutate BlockMutation) error {
	if mutate == nil {
		return newServiceError(opApplyBlock, "missing_mutation", errMissingMutation)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Block
		var current *Block
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", blockID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			current = nil
		} else if err != nil {
			s.logError(opApplyBlock, "block_select_failed", err,
				zap.String("note_id", noteID.String()),
				zap.String("block_id", blockID))
			return newServiceError(opApplyBlock, "block_select_failed", err)
		} else {
			current = &existing
		}

		if current != nil && current.NoteID != noteID.String() {
			return fmt.Errorf("%w: %s", ErrBlockOwnedByOtherNote, blockID)
		}

		next, write, err := mutate(current)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}

		now := s.clock().UTC().Unix()
		next.ID = blockID
		next.NoteID = noteID.String()
		next.UpdatedAtSeconds = now
		if current == nil {
			next.CreatedAtSeconds = now
			if err := tx.Create(&next).Error; err != nil {
				s.logError(opApplyBlock, "block_insert_failed", err,
					zap.String("note_id", noteID.String()),
					zap.String("block_id", blockID))
				return newServiceError(opApplyBlock, "block_insert_failed", err)
			}
			return nil
		}
		next.CreatedAtSeconds = current.CreatedAtSeconds
		if err := tx.Save(&next).Error; err != nil {
			s.logError(opApplyBlock, "block_save_failed", err,
				zap.String("note_id", noteID.String()),
				zap.String("block_id", blockID))
			return newServiceError(opApplyBlock, "block_save_failed", err)
		}
		return nil
	})
}

// SoftDeleteBlocks marks the listed live blocks of the note as deleted and reports how many rows changed.
func (s *Service) SoftDeleteBlocks(ctx context.Context, noteID NoteID, blockIDs []string) (int64, error) {
	if len(blockIDs) == 0 {
		return 0, nil
	}
	now := s.clock().UTC().Unix()
	var affected int64
	for start := 0; start < len(blockIDs); start += softDeleteBatchSize {
		end := min(start+softDeleteBatchSize, len(blockIDs))
		result := s.db.WithContext(ctx).
			Model(&Block{}).
			Where("note_id = ? AND is_deleted = ? AND id IN ?", noteID.String(), false, blockIDs[start:end]).
			Updates(map[string]any{"is_deleted": true, "updated_at_s": now})
		if result.Error != nil {
			s.logError(opSoftDeleteBlocks, "update_failed", result.Error,
				zap.String("note_id", noteID.String()),
				zap.Int("block_count", end-start))
			return affected, newServiceError(opSoftDeleteBlocks, "update_failed", result.Error)
		}
		affected += result.RowsAffected
	}
	return affected, nil
}

// UpsertDocumentState writes the note's encoded CRDT and state vector, replacing any prior row.
func (s *Service) UpsertDocumentState(ctx context.Context, noteID NoteID, stateVector, payload []byte) error {
	state := DocumentState{
		NoteID:      noteID.String(),
		StateVector: stateVector,
		Payload:     payload,
		UpdatedAt:   s.clock().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "note_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"state_vector", "document_state", "updated_at"}),
		}).
		Create(&state).Error
	if err != nil {
		s.logError(opUpsertDocumentState, "upsert_failed", err,
			zap.String("note_id", noteID.String()),
			zap.Int("payload_bytes", len(payload)))
		return newServiceError(opUpsertDocumentState, "upsert_failed", err)
	}
	return nil
}

// LoadDocumentState returns the persisted baseline of a note. found is false when none exists.
func (s *Service) LoadDocumentState(ctx context.Context, noteID NoteID) (DocumentState, bool, error) {
	var state DocumentState
	err := s.db.WithContext(ctx).Where("note_id = ?", noteID.String()).Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return DocumentState{}, false, nil
	}
	if err != nil {
		s.logError(opLoadDocumentState, "query_failed", err, zap.String("note_id", noteID.String()))
		return DocumentState{}, false, newServiceError(opLoadDocumentState, "query_failed", err)
	}
	return state, true, nil
}

// NoteOwner returns the owning user of a note. found is false for unknown notes.
func (s *Service) NoteOwner(ctx context.Context, noteID NoteID) (UserID, bool, error) {
	var note Note
	err := s.db.WithContext(ctx).Select("note_id", "owner_user_id").Where("note_id = ?", noteID.String()).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opNoteOwner, "query_failed", err, zap.String("note_id", noteID.String()))
		return "", false, newServiceError(opNoteOwner, "query_failed", err)
	}
	owner, err := NewUserID(note.OwnerUserID)
	if err != nil {
		return "", false, nil
	}
	return owner, true, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
