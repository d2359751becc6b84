// Package presence tracks who is editing which note, enforcing the per-note editor limit and
// handing each user a stable color.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

const (
	// DefaultMaxEditors is the number of distinct users allowed on one note.
	DefaultMaxEditors = 5
	// CapacityErrorCode identifies a join rejected because the note is full.
	CapacityErrorCode = "NOTE_AT_CAPACITY"
)

// DefaultPalette is the ordered set of collaborator colors.
var DefaultPalette = []string{
	"#E57373",
	"#64B5F6",
	"#81C784",
	"#FFB74D",
	"#BA68C8",
	"#4DB6AC",
	"#F06292",
	"#A1887F",
}

// Selection is a text selection in editor coordinates.
type Selection struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}

// Session is one connected editor of a note.
type Session struct {
	NoteID       notes.NoteID `json:"noteId"`
	UserID       notes.UserID `json:"userId"`
	SocketID     string       `json:"socketId"`
	Username     string       `json:"username"`
	Avatar       string       `json:"avatar,omitempty"`
	Color        string       `json:"color"`
	Cursor       *int         `json:"cursor,omitempty"`
	Selection    *Selection   `json:"selection,omitempty"`
	ConnectedAt  time.Time    `json:"connectedAt"`
	LastActiveAt time.Time    `json:"lastActiveAt"`
}

// JoinRequest identifies the connection asking to edit a note.
type JoinRequest struct {
	NoteID   notes.NoteID
	UserID   notes.UserID
	Username string
	SocketID string
	Avatar   string
}

// JoinError is the structured rejection of a join.
type JoinError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JoinResult reports the outcome of a join. Capacity rejections are results, not errors.
type JoinResult struct {
	Success        bool
	Collaborator   *Session
	Error          *JoinError
	CurrentEditors int
	MaxEditors     int
}

// Departure describes a removed session.
type Departure struct {
	NoteID   notes.NoteID
	UserID   notes.UserID
	SocketID string
	// StillPresent is true when the user keeps another connection to the same note.
	StillPresent bool
}

// CursorUpdate is the payload broadcast to peers when an editor moves.
type CursorUpdate struct {
	NoteID    notes.NoteID `json:"noteId"`
	UserID    notes.UserID `json:"userId"`
	SocketID  string       `json:"socketId"`
	Username  string       `json:"username"`
	Color     string       `json:"color"`
	Cursor    *int         `json:"cursor,omitempty"`
	Selection *Selection   `json:"selection,omitempty"`
}

// Mirror publishes note rosters for readers outside this process.
type Mirror interface {
	Publish(ctx context.Context, noteID notes.NoteID, roster []Session) error
}

// Config wires a Registry.
type Config struct {
	MaxEditors int
	Palette    []string
	Clock      func() time.Time
	Mirror     Mirror
	Logger     *zap.Logger
}

// Registry indexes sessions by socket and by note.
type Registry struct {
	maxEditors int
	palette    []string
	clock      func() time.Time
	mirror     Mirror
	logger     *zap.Logger

	// mirrorMu orders roster snapshots with their mirror writes so the last write carries the
	// newest roster. Acquired before mu.
	mirrorMu sync.Mutex

	mu       sync.Mutex
	bySocket map[string]*Session
	byNote   map[notes.NoteID]map[string]*Session
	colors   map[notes.UserID]string
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg Config) *Registry {
	maxEditors := cfg.MaxEditors
	if maxEditors <= 0 {
		maxEditors = DefaultMaxEditors
	}
	palette := cfg.Palette
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		maxEditors: maxEditors,
		palette:    append([]string(nil), palette...),
		clock:      clock,
		mirror:     cfg.Mirror,
		logger:     logger,
		bySocket:   make(map[string]*Session),
		byNote:     make(map[notes.NoteID]map[string]*Session),
		colors:     make(map[notes.UserID]string),
	}
}

// MaxEditors returns the per-note distinct user limit.
func (r *Registry) MaxEditors() int {
	return r.maxEditors
}

// Join registers a session unless the note already has the maximum number of distinct users
// and the user is not one of them. Joining again with the same socket replaces its session.
func (r *Registry) Join(ctx context.Context, request JoinRequest) JoinResult {
	r.mu.Lock()
	var vacated notes.NoteID
	if previous, ok := r.bySocket[request.SocketID]; ok {
		r.removeLocked(previous)
		if previous.NoteID != request.NoteID {
			vacated = previous.NoteID
		}
	}

	users := r.distinctUsersLocked(request.NoteID)
	if _, present := users[request.UserID]; !present && len(users) >= r.maxEditors {
		r.mu.Unlock()
		r.publish(ctx, vacated)
		return JoinResult{
			Success: false,
			Error: &JoinError{
				Code:    CapacityErrorCode,
				Message: fmt.Sprintf("This note is at capacity (%d/%d editors)", len(users), r.maxEditors),
			},
			CurrentEditors: len(users),
			MaxEditors:     r.maxEditors,
		}
	}

	now := r.clock().UTC()
	session := &Session{
		NoteID:       request.NoteID,
		UserID:       request.UserID,
		SocketID:     request.SocketID,
		Username:     request.Username,
		Avatar:       request.Avatar,
		Color:        r.colorLocked(request.UserID),
		ConnectedAt:  now,
		LastActiveAt: now,
	}
	r.bySocket[session.SocketID] = session
	sessions, ok := r.byNote[session.NoteID]
	if !ok {
		sessions = make(map[string]*Session)
		r.byNote[session.NoteID] = sessions
	}
	sessions[session.SocketID] = session
	collaborator := *session
	current := len(r.distinctUsersLocked(request.NoteID))
	r.mu.Unlock()

	r.publish(ctx, vacated)
	r.publish(ctx, request.NoteID)
	return JoinResult{
		Success:        true,
		Collaborator:   &collaborator,
		CurrentEditors: current,
		MaxEditors:     r.maxEditors,
	}
}

// Leave removes the session of socketID if it belongs to the given note and user.
func (r *Registry) Leave(ctx context.Context, noteID notes.NoteID, userID notes.UserID, socketID string) (Departure, bool) {
	r.mu.Lock()
	session, ok := r.bySocket[socketID]
	if !ok || session.NoteID != noteID || session.UserID != userID {
		r.mu.Unlock()
		return Departure{}, false
	}
	departure := r.removeLocked(session)
	r.mu.Unlock()
	r.publish(ctx, noteID)
	return departure, true
}

// RemoveSessionBySocketID removes whatever session the socket held.
func (r *Registry) RemoveSessionBySocketID(ctx context.Context, socketID string) (Departure, bool) {
	r.mu.Lock()
	session, ok := r.bySocket[socketID]
	if !ok {
		r.mu.Unlock()
		return Departure{}, false
	}
	departure := r.removeLocked(session)
	r.mu.Unlock()
	r.publish(ctx, departure.NoteID)
	return departure, true
}

// UpdateCursor records the latest cursor and selection of a session. Nil fields clear the value.
func (r *Registry) UpdateCursor(noteID notes.NoteID, userID notes.UserID, socketID string, cursor *int, selection *Selection) (CursorUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.bySocket[socketID]
	if !ok || session.NoteID != noteID || session.UserID != userID {
		return CursorUpdate{}, false
	}
	session.Cursor = copyInt(cursor)
	if selection != nil {
		value := *selection
		session.Selection = &value
	} else {
		session.Selection = nil
	}
	session.LastActiveAt = r.clock().UTC()
	return CursorUpdate{
		NoteID:    session.NoteID,
		UserID:    session.UserID,
		SocketID:  session.SocketID,
		Username:  session.Username,
		Color:     session.Color,
		Cursor:    copyInt(session.Cursor),
		Selection: copySelection(session.Selection),
	}, true
}

// Collaborators returns the sessions of a note ordered by join time, ties by socket id.
func (r *Registry) Collaborators(noteID notes.NoteID) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked(noteID)
}

// DistinctUsers returns how many different users are connected to a note.
func (r *Registry) DistinctUsers(noteID notes.NoteID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.distinctUsersLocked(noteID))
}

// Session returns a copy of the session held by a socket.
func (r *Registry) Session(socketID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.bySocket[socketID]
	if !ok {
		return Session{}, false
	}
	return cloneSession(session), true
}

// SessionCount returns the number of connected sessions across all notes.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySocket)
}

func (r *Registry) removeLocked(session *Session) Departure {
	delete(r.bySocket, session.SocketID)
	if sessions, ok := r.byNote[session.NoteID]; ok {
		delete(sessions, session.SocketID)
		if len(sessions) == 0 {
			delete(r.byNote, session.NoteID)
		}
	}
	_, stillPresent := r.distinctUsersLocked(session.NoteID)[session.UserID]
	return Departure{
		NoteID:       session.NoteID,
		UserID:       session.UserID,
		SocketID:     session.SocketID,
		StillPresent: stillPresent,
	}
}

func (r *Registry) distinctUsersLocked(noteID notes.NoteID) map[notes.UserID]struct{} {
	users := make(map[notes.UserID]struct{})
	for _, session := range r.byNote[noteID] {
		users[session.UserID] = struct{}{}
	}
	return users
}

// colorLocked returns the user's color, assigning the first palette slot no user holds yet,
// or the first slot once the palette is exhausted.
func (r *Registry) colorLocked(userID notes.UserID) string {
	if color, ok := r.colors[userID]; ok {
		return color
	}
	held := make(map[string]struct{}, len(r.colors))
	for _, color := range r.colors {
		held[color] = struct{}{}
	}
	color := r.palette[0]
	for _, candidate := range r.palette {
		if _, taken := held[candidate]; !taken {
			color = candidate
			break
		}
	}
	r.colors[userID] = color
	return color
}

func (r *Registry) rosterLocked(noteID notes.NoteID) []Session {
	sessions := r.byNote[noteID]
	roster := make([]Session, 0, len(sessions))
	for _, session := range sessions {
		roster = append(roster, cloneSession(session))
	}
	sort.Slice(roster, func(left, right int) bool {
		if !roster[left].ConnectedAt.Equal(roster[right].ConnectedAt) {
			return roster[left].ConnectedAt.Before(roster[right].ConnectedAt)
		}
		return roster[left].SocketID < roster[right].SocketID
	})
	return roster
}

// RefreshMirror republishes the roster of every note that has editors, renewing the mirror TTL.
// It returns how many rosters were written.
func (r *Registry) RefreshMirror(ctx context.Context) int {
	if r.mirror == nil {
		return 0
	}
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()

	r.mu.Lock()
	rosters := make(map[notes.NoteID][]Session, len(r.byNote))
	for noteID := range r.byNote {
		rosters[noteID] = r.rosterLocked(noteID)
	}
	r.mu.Unlock()

	for noteID, roster := range rosters {
		r.writeMirror(ctx, noteID, roster)
	}
	return len(rosters)
}

// RunMirrorHeartbeat calls RefreshMirror every interval until ctx is cancelled.
func (r *Registry) RunMirrorHeartbeat(ctx context.Context, interval time.Duration) {
	if r.mirror == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshMirror(ctx)
		}
	}
}

func (r *Registry) publish(ctx context.Context, noteID notes.NoteID) {
	if r.mirror == nil || noteID == "" {
		return
	}
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()
	r.mu.Lock()
	roster := r.rosterLocked(noteID)
	r.mu.Unlock()
	r.writeMirror(ctx, noteID, roster)
}

func (r *Registry) writeMirror(ctx context.Context, noteID notes.NoteID, roster []Session) {
	if err := r.mirror.Publish(ctx, noteID, roster); err != nil {
		r.logger.Warn("presence mirror publish failed",
			zap.String("note_id", noteID.String()),
			zap.Error(err))
	}
}

func cloneSession(session *Session) Session {
	clone := *session
	clone.Cursor = copyInt(session.Cursor)
	clone.Selection = copySelection(session.Selection)
	return clone
}

func copyInt(value *int) *int {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func copySelection(selection *Selection) *Selection {
	if selection == nil {
		return nil
	}
	copied := *selection
	return &copied
}
