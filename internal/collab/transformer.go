package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

// IDAttribute is the element attribute that binds a node to its block row.
const IDAttribute = "id"

const opSyncToBlocks = "collab.sync_to_blocks"

var errMissingBlockStore = errors.New("block store is required")

// BlockStore is the relational storage the transformer projects into.
type BlockStore interface {
	ListBlocks(ctx context.Context, noteID notes.NoteID) ([]notes.Block, error)
	ApplyBlock(ctx context.Context, noteID notes.NoteID, blockID string, mutate notes.BlockMutation) error
	SoftDeleteBlocks(ctx context.Context, noteID notes.NoteID, blockIDs []string) (int64, error)
	NoteOwner(ctx context.Context, noteID notes.NoteID) (notes.UserID, bool, error)
}

// SyncOptions carries per-pass context for SyncToBlocks.
type SyncOptions struct {
	// LastEditor is recorded as last_edited_by on written rows when set.
	LastEditor notes.UserID
}

// AssignedID reports a block id chosen for an element that carried no usable id attribute.
type AssignedID struct {
	Element crdt.ID
	BlockID string
}

// SyncResult summarizes the writes of one projection pass.
type SyncResult struct {
	Created     int
	Updated     int
	Resurrected int
	Unchanged   int
	SoftDeleted int
	AssignedIDs []AssignedID
}

// Writes returns the number of rows the pass wrote.
func (r SyncResult) Writes() int {
	return r.Created + r.Updated + r.Resurrected + r.SoftDeleted
}

// TransformerConfig wires a Transformer.
type TransformerConfig struct {
	Store      BlockStore
	IDProvider notes.IDProvider
	Logger     *zap.Logger
}

// Transformer projects a document root onto block rows and back.
type Transformer struct {
	store      BlockStore
	idProvider notes.IDProvider
	logger     *zap.Logger
}

// NewTransformer validates the configuration and returns a Transformer.
func NewTransformer(cfg TransformerConfig) (*Transformer, error) {
	if cfg.Store == nil {
		return nil, errMissingBlockStore
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = notes.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{store: cfg.Store, idProvider: idProvider, logger: logger}, nil
}

type blockCandidate struct {
	blockID  string
	element  *crdt.ID
	assigned bool
	block    notes.Block
}

type writeOutcome int

const (
	outcomeUnchanged writeOutcome = iota
	outcomeCreated
	outcomeUpdated
	outcomeResurrected
)

// SyncToBlocks projects the direct element children of root onto the note's block rows.
// Rows whose ids no longer appear are soft-deleted; ids that reappear resurrect their row.
func (t *Transformer) SyncToBlocks(ctx context.Context, noteID notes.NoteID, root crdt.Node, options SyncOptions) (SyncResult, error) {
	existing, err := t.store.ListBlocks(ctx, noteID)
	if err != nil {
		return SyncResult{}, err
	}
	candidates, err := t.collectCandidates(noteID, root)
	if err != nil {
		return SyncResult{}, err
	}

	attribution := newAttributionResolver(t, noteID, existing)
	result := SyncResult{}
	present := make(map[string]struct{}, len(candidates))
	for index := range candidates {
		candidate := &candidates[index]
		outcome, err := t.writeCandidate(ctx, noteID, candidate, attribution, options)
		if errors.Is(err, notes.ErrBlockOwnedByOtherNote) {
			t.logger.Warn("block id claimed by another note, assigning a new id",
				zap.String("note_id", noteID.String()),
				zap.String("block_id", candidate.blockID))
			if err := t.reassign(candidate); err != nil {
				return result, err
			}
			outcome, err = t.writeCandidate(ctx, noteID, candidate, attribution, options)
		}
		if err != nil {
			return result, err
		}
		present[candidate.blockID] = struct{}{}
		if candidate.assigned && candidate.element != nil {
			result.AssignedIDs = append(result.AssignedIDs, AssignedID{Element: *candidate.element, BlockID: candidate.blockID})
		}
		switch outcome {
		case outcomeCreated:
			result.Created++
		case outcomeUpdated:
			result.Updated++
		case outcomeResurrected:
			result.Resurrected++
		default:
			result.Unchanged++
		}
	}

	var absent []string
	for _, block := range existing {
		if block.IsDeleted {
			continue
		}
		if _, ok := present[block.ID]; !ok {
			absent = append(absent, block.ID)
		}
	}
	if len(absent) > 0 {
		deleted, err := t.store.SoftDeleteBlocks(ctx, noteID, absent)
		if err != nil {
			return result, err
		}
		result.SoftDeleted = int(deleted)
	}
	return result, nil
}

func (t *Transformer) collectCandidates(noteID notes.NoteID, root crdt.Node) ([]blockCandidate, error) {
	var candidates []blockCandidate
	claimed := make(map[string]struct{})
	position := 0
	for _, child := range root.Children() {
		if !child.IsElement() {
			continue
		}
		attributes := child.Attributes()
		rawID := attributes[IDAttribute]
		delete(attributes, IDAttribute)
		metadata, err := notes.EncodeMetadata(attributes)
		if err != nil {
			return nil, err
		}

		candidate := blockCandidate{
			block: notes.Block{
				NoteID:       noteID.String(),
				Type:         BlockTypeForNode(child.NodeName()),
				Content:      ExtractText(child),
				MetadataJSON: metadata,
				Position:     position,
			},
		}
		if identity, ok := child.(crdt.ElementIdentity); ok {
			elementID := identity.ElementID()
			candidate.element = &elementID
		}
		blockID, err := notes.NewBlockID(rawID)
		_, duplicate := claimed[blockID]
		if err != nil || duplicate {
			if err := t.reassign(&candidate); err != nil {
				return nil, err
			}
		} else {
			candidate.blockID = blockID
		}
		claimed[candidate.blockID] = struct{}{}
		candidates = append(candidates, candidate)
		position++
	}
	return candidates, nil
}

func (t *Transformer) reassign(candidate *blockCandidate) error {
	blockID, err := t.idProvider.NewID()
	if err != nil {
		return fmt.Errorf("%s: id generation failed: %w", opSyncToBlocks, err)
	}
	candidate.blockID = blockID
	candidate.assigned = true
	return nil
}

func (t *Transformer) writeCandidate(ctx context.Context, noteID notes.NoteID, candidate *blockCandidate, attribution *attributionResolver, options SyncOptions) (writeOutcome, error) {
	outcome := outcomeUnchanged
	// Resolved outside the row transaction; the mutation must not touch the store.
	var createdBy *string
	if _, known := attribution.rows[candidate.blockID]; !known {
		createdBy = attribution.forNewRow(ctx)
	}
	lastEditor := notes.StringPointer(options.LastEditor.String())
	err := t.store.ApplyBlock(ctx, noteID, candidate.blockID, func(current *notes.Block) (notes.Block, bool, error) {
		outcome = outcomeUnchanged
		projected := candidate.block
		if current == nil {
			projected.CreatedBy = createdBy
			projected.LastEditedBy = lastEditor
			if projected.LastEditedBy == nil {
				projected.LastEditedBy = createdBy
			}
			outcome = outcomeCreated
			return projected, true, nil
		}
		if !blockDiffers(*current, projected) {
			return *current, false, nil
		}
		next := *current
		next.Type = projected.Type
		next.Content = projected.Content
		next.MetadataJSON = projected.MetadataJSON
		next.Position = projected.Position
		next.ParentBlockID = projected.ParentBlockID
		next.IsDeleted = false
		if lastEditor != nil {
			next.LastEditedBy = lastEditor
		}
		if current.IsDeleted {
			outcome = outcomeResurrected
		} else {
			outcome = outcomeUpdated
		}
		return next, true, nil
	})
	return outcome, err
}

// blockDiffers compares every projected field against the stored row.
func blockDiffers(current, projected notes.Block) bool {
	if current.IsDeleted != projected.IsDeleted {
		return true
	}
	if current.Type != projected.Type || current.Content != projected.Content || current.Position != projected.Position {
		return true
	}
	if notes.StringValue(current.ParentBlockID) != notes.StringValue(projected.ParentBlockID) {
		return true
	}
	return normalizedMetadata(current.MetadataJSON) != projected.MetadataJSON
}

func normalizedMetadata(raw string) string {
	attributes, err := notes.DecodeMetadata(raw)
	if err != nil {
		return raw
	}
	encoded, err := notes.EncodeMetadata(attributes)
	if err != nil {
		return raw
	}
	return encoded
}

type attributionResolver struct {
	transformer *Transformer
	noteID      notes.NoteID
	rows        map[string]notes.Block
	sibling     *string
	resolved    bool
	value       *string
}

func newAttributionResolver(t *Transformer, noteID notes.NoteID, existing []notes.Block) *attributionResolver {
	resolver := &attributionResolver{transformer: t, noteID: noteID, rows: make(map[string]notes.Block, len(existing))}
	for _, block := range existing {
		resolver.rows[block.ID] = block
		if resolver.sibling == nil && block.CreatedBy != nil && !block.IsDeleted {
			resolver.sibling = block.CreatedBy
		}
	}
	if resolver.sibling == nil {
		for _, block := range existing {
			if block.CreatedBy != nil {
				resolver.sibling = block.CreatedBy
				break
			}
		}
	}
	return resolver
}

// forNewRow returns the creator for a row the note has never held: any sibling row's creator,
// else the note owner, else nil.
func (r *attributionResolver) forNewRow(ctx context.Context) *string {
	if r.resolved {
		return r.value
	}
	r.resolved = true
	if r.sibling != nil {
		r.value = r.sibling
		return r.value
	}
	owner, found, err := r.transformer.store.NoteOwner(ctx, r.noteID)
	if err != nil {
		r.transformer.logger.Warn("note owner lookup failed",
			zap.String("note_id", r.noteID.String()),
			zap.Error(err))
	}
	if found {
		r.value = notes.StringPointer(owner.String())
		return r.value
	}
	r.transformer.logger.Warn("block left unattributed",
		zap.String("note_id", r.noteID.String()))
	return nil
}

// ExtractText concatenates the text of every descendant text node in document order.
func ExtractText(node crdt.Node) string {
	var builder strings.Builder
	appendText(&builder, node)
	return builder.String()
}

func appendText(builder *strings.Builder, node crdt.Node) {
	for _, child := range node.Children() {
		switch {
		case child.IsText():
			builder.WriteString(child.Text())
		case child.IsElement():
			appendText(builder, child)
		}
	}
}

// LoadBlocksToDoc appends one element per block to the named root: the block's id and metadata
// become attributes and its content a single text child. It returns the produced update.
func (t *Transformer) LoadBlocksToDoc(doc *crdt.Doc, rootName string, blocks []notes.Block) ([]byte, error) {
	return doc.Transact(func(tx *crdt.Txn) error {
		root := tx.Root(rootName)
		index := tx.Len(root)
		for _, block := range blocks {
			element, err := tx.InsertElement(root, index, NodeForBlockType(block.Type))
			if err != nil {
				return err
			}
			index++
			if err := tx.SetAttribute(element, IDAttribute, block.ID); err != nil {
				return err
			}
			attributes, err := notes.DecodeMetadata(block.MetadataJSON)
			if err != nil {
				t.logger.Warn("block metadata ignored during reconstruction",
					zap.String("note_id", block.NoteID),
					zap.String("block_id", block.ID),
					zap.Error(err))
				attributes = map[string]string{}
			}
			keys := make([]string, 0, len(attributes))
			for key := range attributes {
				if key != IDAttribute && key != "" {
					keys = append(keys, key)
				}
			}
			sort.Strings(keys)
			for _, key := range keys {
				if err := tx.SetAttribute(element, key, attributes[key]); err != nil {
					return err
				}
			}
			text, err := tx.InsertText(element, 0)
			if err != nil {
				return err
			}
			if err := tx.InsertString(text, 0, block.Content); err != nil {
				return err
			}
		}
		return nil
	})
}
