package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

// RoomHub fans encoded envelopes out to the sockets joined to each note and tracks every live
// connection so they can be closed on shutdown.
type RoomHub struct {
	mu          sync.RWMutex
	rooms       map[notes.NoteID]map[string]*roomSubscriber
	connections map[string]func()
	active      sync.WaitGroup
	logger      *zap.Logger
}

type roomSubscriber struct {
	socketID string
	deliver  func(message []byte) bool
}

// NewRoomHub returns an empty hub.
func NewRoomHub(logger *zap.Logger) *RoomHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomHub{
		rooms:       make(map[notes.NoteID]map[string]*roomSubscriber),
		connections: make(map[string]func()),
		logger:      logger,
	}
}

// Subscribe adds a socket to a note's room. deliver must not block; it reports false when the
// message could not be queued.
func (h *RoomHub) Subscribe(noteID notes.NoteID, socketID string, deliver func(message []byte) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[noteID]; !ok {
		h.rooms[noteID] = make(map[string]*roomSubscriber)
	}
	h.rooms[noteID][socketID] = &roomSubscriber{socketID: socketID, deliver: deliver}
}

// Unsubscribe removes a socket from a note's room.
func (h *RoomHub) Unsubscribe(noteID notes.NoteID, socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.rooms[noteID]
	if subscribers == nil {
		return
	}
	delete(subscribers, socketID)
	if len(subscribers) == 0 {
		delete(h.rooms, noteID)
	}
}

// Publish delivers a message to every socket in the room except the excluded one.
func (h *RoomHub) Publish(noteID notes.NoteID, message []byte, exceptSocketID string) {
	h.mu.RLock()
	subscribers := h.rooms[noteID]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*roomSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		if subscriber.socketID == exceptSocketID {
			continue
		}
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		if !subscriber.deliver(message) {
			h.logger.Debug("room delivery dropped",
				zap.String("note_id", noteID.String()),
				zap.String("socket_id", subscriber.socketID))
		}
	}
}

// BroadcastUpdate relays a server-originated CRDT update to every socket of the note.
func (h *RoomHub) BroadcastUpdate(noteID notes.NoteID, update []byte) {
	message, err := encodeEnvelope(MessageUpdate, noteID, updatePayload{
		NoteID: noteID,
		Update: notes.EncodeUpdate(update).String(),
	})
	if err != nil {
		h.logger.Error("failed to encode server update", zap.String("note_id", noteID.String()), zap.Error(err))
		return
	}
	h.Publish(noteID, message, "")
}

// RoomSize returns the number of sockets subscribed to a note.
func (h *RoomHub) RoomSize(noteID notes.NoteID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[noteID])
}

// Track registers a live connection's close function.
func (h *RoomHub) Track(socketID string, closeConnection func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[socketID]; !ok {
		h.active.Add(1)
	}
	h.connections[socketID] = closeConnection
}

// Untrack forgets a finished connection.
func (h *RoomHub) Untrack(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[socketID]; ok {
		delete(h.connections, socketID)
		h.active.Done()
	}
}

// CloseAll closes every tracked connection and waits until each has finished its disconnect
// handling or ctx expires.
func (h *RoomHub) CloseAll(ctx context.Context) error {
	h.mu.RLock()
	closers := make([]func(), 0, len(h.connections))
	for _, closeConnection := range h.connections {
		closers = append(closers, closeConnection)
	}
	h.mu.RUnlock()
	for _, closeConnection := range closers {
		closeConnection()
	}

	finished := make(chan struct{})
	go func() {
		h.active.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
