package server

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/presence"
)

// Inbound message types.
const (
	MessageJoin        = "join"
	MessageLeave       = "leave"
	MessageUpdate      = "update"
	MessageSyncRequest = "sync-request"
	MessageCursor      = "cursor"
)

// Outbound message types. Update and cursor reuse the inbound names.
const (
	MessageJoined     = "joined"
	MessageJoinError  = "join-error"
	MessageUserJoined = "user-joined"
	MessageUserLeft   = "user-left"
	MessageSync       = "sync"
	MessageError      = "error"
)

// Error codes reported to the sending socket only.
const (
	errorCodeInvalidMessage = "invalid_message"
	errorCodeInvalidNoteID  = "invalid_note_id"
	errorCodeNotJoined      = "not_joined"
	errorCodeInvalidUpdate  = "invalid_update"
	errorCodeSyncFailed     = "sync_failed"
	errorCodeJoinFailed     = "join_failed"
	errorCodeUnknownType    = "unknown_type"
)

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	NoteID  string          `json:"noteId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type updatePayload struct {
	NoteID notes.NoteID `json:"noteId,omitempty"`
	Update string       `json:"update"`
}

type syncRequestPayload struct {
	StateVector string `json:"stateVector,omitempty"`
}

type cursorPayload struct {
	Cursor    *int                `json:"cursor,omitempty"`
	Selection *presence.Selection `json:"selection,omitempty"`
}

type userLeftPayload struct {
	NoteID       notes.NoteID `json:"noteId"`
	UserID       notes.UserID `json:"userId"`
	SocketID     string       `json:"socketId"`
	StillPresent bool         `json:"stillPresent"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type collaboratorsResponse struct {
	NoteID         notes.NoteID       `json:"noteId"`
	CurrentEditors int                `json:"currentEditors"`
	Collaborators  []presence.Session `json:"collaborators"`
}

func encodeEnvelope(messageType string, noteID notes.NoteID, payload any) ([]byte, error) {
	envelope := Envelope{Type: messageType, NoteID: noteID.String()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		envelope.Payload = raw
	}
	return json.Marshal(envelope)
}

func departurePayload(departure presence.Departure) userLeftPayload {
	return userLeftPayload{
		NoteID:       departure.NoteID,
		UserID:       departure.UserID,
		SocketID:     departure.SocketID,
		StillPresent: departure.StillPresent,
	}
}

func countDistinctUsers(sessions []presence.Session) int {
	seen := make(map[notes.UserID]struct{}, len(sessions))
	for _, session := range sessions {
		seen[session.UserID] = struct{}{}
	}
	return len(seen)
}
