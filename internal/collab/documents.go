package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

const (
	DefaultCanonicalRoot  = "blocks"
	DefaultLegacyRoot     = "prosemirror"
	DefaultFlushThreshold = 100

	triggerBufferSize  = 64
	shutdownFlushLimit = 4
)

var (
	errMissingRepository  = errors.New("repository is required")
	errMissingTransformer = errors.New("transformer is required")
)

// Repository is the storage the document store loads from and flushes into.
type Repository interface {
	BlockStore
	LiveBlocks(ctx context.Context, noteID notes.NoteID) ([]notes.Block, error)
	LoadDocumentState(ctx context.Context, noteID notes.NoteID) (notes.DocumentState, bool, error)
	UpsertDocumentState(ctx context.Context, noteID notes.NoteID, stateVector, payload []byte) error
}

// Broadcaster receives updates the server produced itself, such as id write-back.
type Broadcaster interface {
	BroadcastUpdate(noteID notes.NoteID, update []byte)
}

// DocumentStoreConfig wires a DocumentStore.
type DocumentStoreConfig struct {
	Repository     Repository
	Transformer    *Transformer
	CanonicalRoot  string
	LegacyRoot     string
	FlushThreshold int
	WriteBackIDs   bool
	Broadcaster    Broadcaster
	Metrics        *Metrics
	Logger         *zap.Logger
}

// Document is the cached CRDT of one note plus its flush bookkeeping.
type Document struct {
	noteID notes.NoteID
	doc    *crdt.Doc

	flushMu sync.Mutex

	mu         sync.Mutex
	pending    int
	lastEditor notes.UserID

	// guarded by DocumentStore.mu
	refs int
}

// NoteID returns the note the document belongs to.
func (d *Document) NoteID() notes.NoteID {
	return d.noteID
}

// Doc returns the underlying replica.
func (d *Document) Doc() *crdt.Doc {
	return d.doc
}

// Pending returns the number of merged updates not yet flushed.
func (d *Document) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Document) markDirty(editor notes.UserID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending++
	if editor != "" {
		d.lastEditor = editor
	}
	return d.pending
}

// DocumentStore caches one Document per note and owns its lifecycle.
type DocumentStore struct {
	repository    Repository
	transformer   *Transformer
	canonicalRoot string
	legacyRoot    string
	threshold     int
	writeBackIDs  bool
	metrics       *Metrics
	logger        *zap.Logger

	loads    singleflight.Group
	triggers chan notes.NoteID

	mu          sync.Mutex
	documents   map[notes.NoteID]*Document
	broadcaster Broadcaster
}

// NewDocumentStore validates the configuration and returns an empty store.
func NewDocumentStore(cfg DocumentStoreConfig) (*DocumentStore, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Transformer == nil {
		return nil, errMissingTransformer
	}
	canonicalRoot := cfg.CanonicalRoot
	if canonicalRoot == "" {
		canonicalRoot = DefaultCanonicalRoot
	}
	legacyRoot := cfg.LegacyRoot
	if legacyRoot == "" {
		legacyRoot = DefaultLegacyRoot
	}
	threshold := cfg.FlushThreshold
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DocumentStore{
		repository:    cfg.Repository,
		transformer:   cfg.Transformer,
		canonicalRoot: canonicalRoot,
		legacyRoot:    legacyRoot,
		threshold:     threshold,
		writeBackIDs:  cfg.WriteBackIDs,
		metrics:       cfg.Metrics,
		logger:        logger,
		triggers:      make(chan notes.NoteID, triggerBufferSize),
		documents:     make(map[notes.NoteID]*Document),
		broadcaster:   cfg.Broadcaster,
	}, nil
}

// SetBroadcaster installs the receiver of server-originated updates.
func (s *DocumentStore) SetBroadcaster(broadcaster Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = broadcaster
}

// CanonicalRoot returns the root fragment projected onto blocks.
func (s *DocumentStore) CanonicalRoot() string {
	return s.canonicalRoot
}

// Triggers delivers note ids whose pending counter reached the flush threshold.
func (s *DocumentStore) Triggers() <-chan notes.NoteID {
	return s.triggers
}

// CachedCount returns the number of documents held in memory.
func (s *DocumentStore) CachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.documents)
}

// Get returns the cached document of a note, loading and repairing it on first access.
func (s *DocumentStore) Get(ctx context.Context, noteID notes.NoteID) (*Document, error) {
	if document := s.cached(noteID); document != nil {
		return document, nil
	}
	value, err, _ := s.loads.Do(noteID.String(), func() (any, error) {
		if document := s.cached(noteID); document != nil {
			return document, nil
		}
		document, err := s.load(ctx, noteID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.documents[noteID] = document
		s.mu.Unlock()
		return document, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Document), nil
}

func (s *DocumentStore) cached(noteID notes.NoteID) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documents[noteID]
}

func (s *DocumentStore) load(ctx context.Context, noteID notes.NoteID) (*Document, error) {
	document := &Document{noteID: noteID, doc: crdt.New()}
	state, found, err := s.repository.LoadDocumentState(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if found && len(state.Payload) > 0 {
		if err := document.doc.ApplyUpdate(state.Payload); err != nil {
			s.logger.Warn("persisted document state is unreadable, starting empty",
				zap.String("note_id", noteID.String()),
				zap.Error(err))
			document.doc = crdt.New()
		}
	}

	if document.doc.HasRoot(s.canonicalRoot) {
		return document, nil
	}
	update, err := s.repair(ctx, document)
	if err != nil {
		s.logger.Warn("document reconstruction failed, starting empty",
			zap.String("note_id", noteID.String()),
			zap.Error(err))
		document.doc = crdt.New()
		return document, nil
	}
	if len(update) > 0 {
		document.markDirty("")
		s.logger.Info("document repaired from relational storage",
			zap.String("note_id", noteID.String()),
			zap.Int("root_length", document.doc.RootLength(s.canonicalRoot)))
	}
	return document, nil
}

// repair builds the canonical root of a document that never had one from live block rows, or,
// when there are none, projects legacy root content into rows first and rebuilds from those.
func (s *DocumentStore) repair(ctx context.Context, document *Document) ([]byte, error) {
	blocks, err := s.repository.LiveBlocks(ctx, document.noteID)
	if err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		if document.doc.RootLength(s.legacyRoot) == 0 {
			return nil, nil
		}
		result, err := s.transformer.SyncToBlocks(ctx, document.noteID, document.doc.Root(s.legacyRoot), SyncOptions{})
		if err != nil {
			return nil, fmt.Errorf("legacy projection: %w", err)
		}
		s.metrics.recordSync(result)
		blocks, err = s.repository.LiveBlocks(ctx, document.noteID)
		if err != nil {
			return nil, err
		}
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	return s.transformer.LoadBlocksToDoc(document.doc, s.canonicalRoot, blocks)
}

// ApplyUpdate merges a remote update. Malformed updates are rejected without touching the document.
func (s *DocumentStore) ApplyUpdate(ctx context.Context, noteID notes.NoteID, editor notes.UserID, update []byte) error {
	document, err := s.Get(ctx, noteID)
	if err != nil {
		return err
	}
	if err := document.doc.ApplyUpdate(update); err != nil {
		s.metrics.updateRejected()
		s.logger.Warn("dropping malformed update",
			zap.String("note_id", noteID.String()),
			zap.String("user_id", editor.String()),
			zap.Int("update_bytes", len(update)),
			zap.Error(err))
		return err
	}
	s.metrics.updateApplied()
	if document.markDirty(editor) >= s.threshold {
		s.requestFlush(noteID)
	}
	return nil
}

func (s *DocumentStore) requestFlush(noteID notes.NoteID) {
	select {
	case s.triggers <- noteID:
	default:
	}
}

// StateVector returns the encoded state vector of a note's document.
func (s *DocumentStore) StateVector(ctx context.Context, noteID notes.NoteID) ([]byte, error) {
	document, err := s.Get(ctx, noteID)
	if err != nil {
		return nil, err
	}
	return document.doc.EncodeStateVector()
}

// StateAsUpdate returns what a replica at the encoded vector is missing; an empty vector yields the full state.
func (s *DocumentStore) StateAsUpdate(ctx context.Context, noteID notes.NoteID, encodedVector []byte) ([]byte, error) {
	document, err := s.Get(ctx, noteID)
	if err != nil {
		return nil, err
	}
	var vector crdt.StateVector
	if len(encodedVector) > 0 {
		vector, err = crdt.DecodeStateVector(encodedVector)
		if err != nil {
			return nil, err
		}
	}
	return document.doc.EncodeStateAsUpdate(vector)
}

// Open takes a connection reference on the note's document.
func (s *DocumentStore) Open(ctx context.Context, noteID notes.NoteID) (*Document, error) {
	for {
		document, err := s.Get(ctx, noteID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.documents[noteID] == document {
			document.refs++
			s.mu.Unlock()
			return document, nil
		}
		s.mu.Unlock()
	}
}

// Close releases a connection reference. The last release flushes and evicts the document
// unless it was reopened or changed meanwhile.
func (s *DocumentStore) Close(ctx context.Context, noteID notes.NoteID) error {
	s.mu.Lock()
	document, ok := s.documents[noteID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if document.refs > 0 {
		document.refs--
	}
	remaining := document.refs
	s.mu.Unlock()
	if remaining > 0 {
		return nil
	}

	if err := s.flushDocument(ctx, document); err != nil {
		return err
	}
	s.evictIfIdle(document)
	return nil
}

func (s *DocumentStore) evictIfIdle(document *Document) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if document.refs > 0 || s.documents[document.noteID] != document || document.Pending() > 0 {
		return false
	}
	delete(s.documents, document.noteID)
	return true
}

// EvictIdle drops unreferenced documents with nothing left to flush.
func (s *DocumentStore) EvictIdle() int {
	evicted := 0
	for _, document := range s.snapshot() {
		if s.evictIfIdle(document) {
			evicted++
		}
	}
	return evicted
}

func (s *DocumentStore) snapshot() []*Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	documents := make([]*Document, 0, len(s.documents))
	for _, document := range s.documents {
		documents = append(documents, document)
	}
	return documents
}

// Flush persists a cached note immediately. Unknown notes are a no-op.
func (s *DocumentStore) Flush(ctx context.Context, noteID notes.NoteID) error {
	document := s.cached(noteID)
	if document == nil {
		return nil
	}
	return s.flushDocument(ctx, document)
}

// FlushDirty flushes every cached document with pending updates and returns the first error.
func (s *DocumentStore) FlushDirty(ctx context.Context) error {
	var firstErr error
	for _, document := range s.snapshot() {
		if document.Pending() == 0 {
			continue
		}
		if err := s.flushDocument(ctx, document); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown flushes every cached document.
func (s *DocumentStore) Shutdown(ctx context.Context) error {
	var group errgroup.Group
	group.SetLimit(shutdownFlushLimit)
	for _, document := range s.snapshot() {
		group.Go(func() error {
			return s.flushDocument(ctx, document)
		})
	}
	return group.Wait()
}

// flushDocument resets the pending counter, writes the encoded document and its state vector,
// then projects the canonical root. Any failure restores the counter for the next attempt.
func (s *DocumentStore) flushDocument(ctx context.Context, document *Document) error {
	document.flushMu.Lock()
	defer document.flushMu.Unlock()

	document.mu.Lock()
	pending := document.pending
	editor := document.lastEditor
	document.pending = 0
	document.mu.Unlock()
	if pending == 0 {
		return nil
	}

	if err := s.persist(ctx, document, editor); err != nil {
		document.mu.Lock()
		document.pending += pending
		document.mu.Unlock()
		s.metrics.flush("failed")
		s.logger.Error("document flush failed, re-queued",
			zap.String("note_id", document.noteID.String()),
			zap.Int("pending", pending),
			zap.Error(err))
		return err
	}
	s.metrics.flush("ok")
	return nil
}

func (s *DocumentStore) persist(ctx context.Context, document *Document, editor notes.UserID) error {
	payload, err := document.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	vector, err := document.doc.EncodeStateVector()
	if err != nil {
		return fmt.Errorf("encode state vector: %w", err)
	}
	if err := s.repository.UpsertDocumentState(ctx, document.noteID, vector, payload); err != nil {
		return err
	}

	result, err := s.transformer.SyncToBlocks(ctx, document.noteID, document.doc.Root(s.canonicalRoot), SyncOptions{LastEditor: editor})
	if err != nil {
		return err
	}
	s.metrics.recordSync(result)
	if result.Writes() > 0 {
		s.logger.Debug("document projected",
			zap.String("note_id", document.noteID.String()),
			zap.Int("created", result.Created),
			zap.Int("updated", result.Updated),
			zap.Int("resurrected", result.Resurrected),
			zap.Int("soft_deleted", result.SoftDeleted))
	}
	if s.writeBackIDs && len(result.AssignedIDs) > 0 {
		s.writeBack(document, result.AssignedIDs)
	}
	return nil
}

// writeBack stamps assigned block ids onto their elements so later passes bind instead of
// creating new rows, and relays the change to connected editors.
func (s *DocumentStore) writeBack(document *Document, assigned []AssignedID) {
	update, err := document.doc.Transact(func(tx *crdt.Txn) error {
		for _, assignment := range assigned {
			element, ok := tx.Element(assignment.Element)
			if !ok {
				continue
			}
			if err := tx.SetAttribute(element, IDAttribute, assignment.BlockID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("block id write-back failed",
			zap.String("note_id", document.noteID.String()),
			zap.Error(err))
	}
	if len(update) == 0 {
		return
	}
	document.markDirty("")
	s.mu.Lock()
	broadcaster := s.broadcaster
	s.mu.Unlock()
	if broadcaster != nil {
		broadcaster.BroadcastUpdate(document.noteID, update)
	}
}
