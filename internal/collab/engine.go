package collab

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/presence"
)

var (
	// ErrNotJoined indicates that a socket addressed a note it has not joined.
	ErrNotJoined = errors.New("collab: socket has not joined the note")

	errMissingPresence = errors.New("presence registry is required")
)

// EngineConfig wires an Engine.
type EngineConfig struct {
	Documents *DocumentStore
	Presence  *presence.Registry
	Logger    *zap.Logger
}

// Engine is the request/response surface the transport drives for each connection.
type Engine struct {
	documents *DocumentStore
	presence  *presence.Registry
	logger    *zap.Logger
}

// JoinResponse answers a join request.
type JoinResponse struct {
	Success        bool                `json:"success"`
	Collaborator   *presence.Session   `json:"collaborator,omitempty"`
	Error          *presence.JoinError `json:"error,omitempty"`
	CurrentEditors int                 `json:"currentEditors"`
	MaxEditors     int                 `json:"maxEditors"`
	Collaborators  []presence.Session  `json:"collaborators,omitempty"`
}

// UpdateBroadcast is relayed unchanged to every other socket of the note.
type UpdateBroadcast struct {
	NoteID         notes.NoteID       `json:"noteId"`
	Update         notes.UpdateBase64 `json:"update"`
	OriginSocketID string             `json:"-"`
}

// SyncResponse carries the server's half of the sync handshake.
type SyncResponse struct {
	NoteID      notes.NoteID            `json:"noteId"`
	Update      notes.UpdateBase64      `json:"update"`
	StateVector notes.StateVectorBase64 `json:"stateVector"`
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{documents: cfg.Documents, presence: cfg.Presence, logger: logger}, nil
}

// Join registers the connection as an editor and opens the note's document. A socket that was
// editing another note leaves it first; the returned departure lets the transport notify peers.
func (e *Engine) Join(ctx context.Context, request presence.JoinRequest) (JoinResponse, *presence.Departure, error) {
	var moved *presence.Departure
	previous, hadSession := e.presence.Session(request.SocketID)
	if hadSession && previous.NoteID != request.NoteID {
		departure, left, err := e.Disconnect(ctx, request.SocketID)
		if err != nil {
			return JoinResponse{}, nil, err
		}
		if left {
			moved = &departure
		}
		hadSession = false
	}

	result := e.presence.Join(ctx, request)
	response := JoinResponse{
		Success:        result.Success,
		Collaborator:   result.Collaborator,
		Error:          result.Error,
		CurrentEditors: result.CurrentEditors,
		MaxEditors:     result.MaxEditors,
	}
	if !result.Success {
		e.logger.Info("join rejected",
			zap.String("note_id", request.NoteID.String()),
			zap.String("user_id", request.UserID.String()),
			zap.String("reason", result.Error.Code))
		return response, moved, nil
	}

	if !hadSession {
		if _, err := e.documents.Open(ctx, request.NoteID); err != nil {
			e.presence.RemoveSessionBySocketID(ctx, request.SocketID)
			e.logger.Error("document open failed",
				zap.String("note_id", request.NoteID.String()),
				zap.String("socket_id", request.SocketID),
				zap.Error(err))
			return JoinResponse{}, moved, err
		}
	}
	response.Collaborators = e.presence.Collaborators(request.NoteID)
	return response, moved, nil
}

// Leave removes the socket from the note and releases its document reference.
func (e *Engine) Leave(ctx context.Context, noteID notes.NoteID, userID notes.UserID, socketID string) (presence.Departure, bool, error) {
	departure, ok := e.presence.Leave(ctx, noteID, userID, socketID)
	if !ok {
		return presence.Departure{}, false, nil
	}
	return departure, true, e.release(ctx, departure)
}

// Disconnect removes whatever session the socket held.
func (e *Engine) Disconnect(ctx context.Context, socketID string) (presence.Departure, bool, error) {
	departure, ok := e.presence.RemoveSessionBySocketID(ctx, socketID)
	if !ok {
		return presence.Departure{}, false, nil
	}
	return departure, true, e.release(ctx, departure)
}

func (e *Engine) release(ctx context.Context, departure presence.Departure) error {
	if err := e.documents.Close(ctx, departure.NoteID); err != nil {
		e.logger.Error("document close failed",
			zap.String("note_id", departure.NoteID.String()),
			zap.String("socket_id", departure.SocketID),
			zap.Error(err))
		return err
	}
	return nil
}

// ApplyRemoteUpdate merges a base64 update sent by a joined socket and returns the broadcast
// for the other sockets of the note. The payload is relayed byte for byte.
func (e *Engine) ApplyRemoteUpdate(ctx context.Context, noteID notes.NoteID, socketID string, rawUpdate string) (UpdateBroadcast, error) {
	session, ok := e.presence.Session(socketID)
	if !ok || session.NoteID != noteID {
		return UpdateBroadcast{}, ErrNotJoined
	}
	payload, err := notes.NewUpdateBase64(rawUpdate)
	if err != nil {
		return UpdateBroadcast{}, err
	}
	update, err := payload.Bytes()
	if err != nil {
		return UpdateBroadcast{}, err
	}
	if err := e.documents.ApplyUpdate(ctx, noteID, session.UserID, update); err != nil {
		return UpdateBroadcast{}, err
	}
	return UpdateBroadcast{NoteID: noteID, Update: payload, OriginSocketID: socketID}, nil
}

// RequestSync answers with the update the caller is missing given its base64 state vector, or
// the full state when the vector is empty, plus the server's own state vector.
func (e *Engine) RequestSync(ctx context.Context, noteID notes.NoteID, rawStateVector string) (SyncResponse, error) {
	var vector []byte
	if rawStateVector != "" {
		encoded, err := notes.NewStateVectorBase64(rawStateVector)
		if err != nil {
			return SyncResponse{}, err
		}
		vector, err = encoded.Bytes()
		if err != nil {
			return SyncResponse{}, err
		}
	}
	update, err := e.documents.StateAsUpdate(ctx, noteID, vector)
	if err != nil {
		return SyncResponse{}, err
	}
	serverVector, err := e.documents.StateVector(ctx, noteID)
	if err != nil {
		return SyncResponse{}, err
	}
	return SyncResponse{
		NoteID:      noteID,
		Update:      notes.EncodeUpdate(update),
		StateVector: notes.EncodeStateVector(serverVector),
	}, nil
}

// UpdateCursor records ephemeral cursor state and returns the payload for peers.
func (e *Engine) UpdateCursor(noteID notes.NoteID, userID notes.UserID, socketID string, cursor *int, selection *presence.Selection) (presence.CursorUpdate, error) {
	update, ok := e.presence.UpdateCursor(noteID, userID, socketID, cursor, selection)
	if !ok {
		return presence.CursorUpdate{}, ErrNotJoined
	}
	return update, nil
}

// Collaborators returns the note's roster.
func (e *Engine) Collaborators(noteID notes.NoteID) []presence.Session {
	return e.presence.Collaborators(noteID)
}

// SessionCount returns the number of connected editor sessions.
func (e *Engine) SessionCount() int {
	return e.presence.SessionCount()
}
