package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
)

const (
	sendBufferSize    = 256
	maxMessageBytes   = 4 << 20
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = pongWait * 9 / 10
	closeGracePeriod  = time.Second
	closeReasonPolicy = "slow consumer"
)

// collabConnection serves one websocket. Inbound messages are handled in order on the read
// goroutine; outbound messages are queued and written by the write goroutine.
type collabConnection struct {
	socketID string
	profile  users.Profile
	conn     *websocket.Conn
	engine   *collab.Engine
	hub      *RoomHub
	logger   *zap.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// owned by the read goroutine
	noteID notes.NoteID
}

func newCollabConnection(socketID string, profile users.Profile, conn *websocket.Conn, engine *collab.Engine, hub *RoomHub, logger *zap.Logger) *collabConnection {
	return &collabConnection{
		socketID: socketID,
		profile:  profile,
		conn:     conn,
		engine:   engine,
		hub:      hub,
		logger: logger.With(
			zap.String("socket_id", socketID),
			zap.String("user_id", profile.UserID.String())),
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *collabConnection) serve(ctx context.Context) {
	c.hub.Track(c.socketID, func() { c.close(websocket.CloseGoingAway, "server shutting down") })
	defer c.hub.Untrack(c.socketID)

	writerDone := make(chan struct{})
	go func() {
		c.writeLoop()
		close(writerDone)
	}()

	c.readLoop(ctx)
	c.close(websocket.CloseNormalClosure, "")
	<-writerDone
	c.disconnect(ctx)
}

func (c *collabConnection) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.sendError("", errorCodeInvalidMessage, "expected a text message")
			continue
		}
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			c.sendError("", errorCodeInvalidMessage, "message is not a valid envelope")
			continue
		}
		c.handle(ctx, envelope)
	}
}

func (c *collabConnection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// enqueue queues a message without blocking. A full queue means the peer cannot keep up, and
// the connection is closed so it resynchronizes on reconnect instead of silently missing updates.
func (c *collabConnection) enqueue(message []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- message:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("closing slow websocket consumer", zap.Int("queued", len(c.send)))
		c.close(websocket.ClosePolicyViolation, closeReasonPolicy)
		return false
	}
}

func (c *collabConnection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			message := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGracePeriod))
		}
		_ = c.conn.Close()
	})
}

func (c *collabConnection) disconnect(ctx context.Context) {
	departure, left, err := c.engine.Disconnect(ctx, c.socketID)
	if err != nil {
		c.logger.Warn("disconnect cleanup failed", zap.Error(err))
	}
	if left {
		c.announceDeparture(departure)
	}
}

func (c *collabConnection) handle(ctx context.Context, envelope Envelope) {
	switch envelope.Type {
	case MessageJoin:
		c.handleJoin(ctx, envelope)
	case MessageLeave:
		c.handleLeave(ctx, envelope)
	case MessageUpdate:
		c.handleUpdate(ctx, envelope)
	case MessageSyncRequest:
		c.handleSyncRequest(ctx, envelope)
	case MessageCursor:
		c.handleCursor(envelope)
	default:
		c.sendError(envelope.NoteID, errorCodeUnknownType, "unknown message type "+envelope.Type)
	}
}

func (c *collabConnection) handleJoin(ctx context.Context, envelope Envelope) {
	noteID, err := notes.NewNoteID(envelope.NoteID)
	if err != nil {
		c.sendError(envelope.NoteID, errorCodeInvalidNoteID, err.Error())
		return
	}
	response, moved, err := c.engine.Join(ctx, presence.JoinRequest{
		NoteID:   noteID,
		UserID:   c.profile.UserID,
		Username: c.profile.DisplayName,
		Avatar:   c.profile.AvatarURL,
		SocketID: c.socketID,
	})
	if moved != nil {
		c.announceDeparture(*moved)
		c.noteID = ""
	}
	if err != nil {
		c.sendError(noteID.String(), errorCodeJoinFailed, "note could not be opened")
		return
	}
	if !response.Success {
		c.sendEnvelope(MessageJoinError, noteID, response)
		return
	}

	c.noteID = noteID
	c.hub.Subscribe(noteID, c.socketID, c.enqueue)
	c.sendEnvelope(MessageJoined, noteID, response)
	c.publish(noteID, MessageUserJoined, response.Collaborator)
}

func (c *collabConnection) handleLeave(ctx context.Context, envelope Envelope) {
	noteID := notes.NoteID(envelope.NoteID)
	if c.noteID == "" || noteID != c.noteID {
		c.sendError(envelope.NoteID, errorCodeNotJoined, collab.ErrNotJoined.Error())
		return
	}
	departure, left, err := c.engine.Leave(ctx, noteID, c.profile.UserID, c.socketID)
	if err != nil {
		c.logger.Warn("leave cleanup failed", zap.String("note_id", noteID.String()), zap.Error(err))
	}
	c.noteID = ""
	if left {
		c.announceDeparture(departure)
	}
}

func (c *collabConnection) handleUpdate(ctx context.Context, envelope Envelope) {
	noteID := notes.NoteID(envelope.NoteID)
	var payload updatePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		c.sendError(envelope.NoteID, errorCodeInvalidMessage, "update payload is malformed")
		return
	}
	broadcast, err := c.engine.ApplyRemoteUpdate(ctx, noteID, c.socketID, payload.Update)
	if err != nil {
		if errors.Is(err, collab.ErrNotJoined) {
			c.sendError(envelope.NoteID, errorCodeNotJoined, err.Error())
			return
		}
		c.sendError(envelope.NoteID, errorCodeInvalidUpdate, err.Error())
		return
	}
	c.publish(noteID, MessageUpdate, updatePayload{NoteID: broadcast.NoteID, Update: broadcast.Update.String()})
}

func (c *collabConnection) handleSyncRequest(ctx context.Context, envelope Envelope) {
	noteID, err := notes.NewNoteID(envelope.NoteID)
	if err != nil {
		c.sendError(envelope.NoteID, errorCodeInvalidNoteID, err.Error())
		return
	}
	var payload syncRequestPayload
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			c.sendError(envelope.NoteID, errorCodeInvalidMessage, "sync payload is malformed")
			return
		}
	}
	response, err := c.engine.RequestSync(ctx, noteID, payload.StateVector)
	if err != nil {
		c.logger.Info("sync request failed", zap.String("note_id", noteID.String()), zap.Error(err))
		c.sendError(envelope.NoteID, errorCodeSyncFailed, err.Error())
		return
	}
	c.sendEnvelope(MessageSync, noteID, response)
}

func (c *collabConnection) handleCursor(envelope Envelope) {
	noteID := notes.NoteID(envelope.NoteID)
	var payload cursorPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		c.sendError(envelope.NoteID, errorCodeInvalidMessage, "cursor payload is malformed")
		return
	}
	update, err := c.engine.UpdateCursor(noteID, c.profile.UserID, c.socketID, payload.Cursor, payload.Selection)
	if err != nil {
		c.sendError(envelope.NoteID, errorCodeNotJoined, err.Error())
		return
	}
	c.publish(noteID, MessageCursor, update)
}

func (c *collabConnection) announceDeparture(departure presence.Departure) {
	c.hub.Unsubscribe(departure.NoteID, departure.SocketID)
	c.publish(departure.NoteID, MessageUserLeft, departurePayload(departure))
}

func (c *collabConnection) publish(noteID notes.NoteID, messageType string, payload any) {
	message, err := encodeEnvelope(messageType, noteID, payload)
	if err != nil {
		c.logger.Error("failed to encode broadcast", zap.String("type", messageType), zap.Error(err))
		return
	}
	c.hub.Publish(noteID, message, c.socketID)
}

func (c *collabConnection) sendEnvelope(messageType string, noteID notes.NoteID, payload any) {
	message, err := encodeEnvelope(messageType, noteID, payload)
	if err != nil {
		c.logger.Error("failed to encode reply", zap.String("type", messageType), zap.Error(err))
		return
	}
	c.enqueue(message)
}

func (c *collabConnection) sendError(noteID string, code, message string) {
	c.sendEnvelope(MessageError, notes.NoteID(noteID), errorPayload{Code: code, Message: message})
}
