package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/presence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/users"
)

const (
	testSigningSecret = "server-test-secret"
	testCookieName    = "app_session"
	testNoteID        = "note-1"
	readTimeout       = 2 * time.Second
)

type testStack struct {
	server    *httptest.Server
	documents *collab.DocumentStore
	notes     *notes.Service
	hub       *RoomHub
	issuer    *auth.SessionIssuer
}

func newTestStack(t *testing.T, presenceConfig presence.Config) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:gravity_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&notes.Note{}, &notes.Block{}, &notes.DocumentState{}, &users.Identity{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	notesService, err := notes.NewService(notes.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}
	transformer, err := collab.NewTransformer(collab.TransformerConfig{Store: notesService, IDProvider: notes.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build transformer: %v", err)
	}
	hub := NewRoomHub(zap.NewNop())
	documents, err := collab.NewDocumentStore(collab.DocumentStoreConfig{
		Repository:   notesService,
		Transformer:  transformer,
		WriteBackIDs: true,
		Broadcaster:  hub,
	})
	if err != nil {
		t.Fatalf("failed to build document store: %v", err)
	}
	engine, err := collab.NewEngine(collab.EngineConfig{
		Documents: documents,
		Presence:  presence.NewRegistry(presenceConfig),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build session issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Profiles:         usersService,
		Engine:           engine,
		Hub:              hub,
		SocketIDs:        notes.NewULIDProvider(nil),
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.CloseAll(ctx)
		server.Close()
	})
	return &testStack{server: server, documents: documents, notes: notesService, hub: hub, issuer: issuer}
}

func (s *testStack) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.SessionProfile{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return token
}

func (s *testStack) dial(t *testing.T, userID, displayName string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token(t, userID, displayName))
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/collab/ws"
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	_ = response.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, messageType, noteID string, payload any) {
	t.Helper()
	envelope := Envelope{Type: messageType, NoteID: noteID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
		envelope.Payload = raw
	}
	if err := conn.WriteJSON(envelope); err != nil {
		t.Fatalf("failed to send %s: %v", messageType, err)
	}
}

// readUntil skips envelopes of other types until one of messageType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, messageType string, target any) Envelope {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		var envelope Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			t.Fatalf("waiting for %s: %v", messageType, err)
		}
		if envelope.Type != messageType {
			continue
		}
		if target != nil {
			if err := json.Unmarshal(envelope.Payload, target); err != nil {
				t.Fatalf("failed to decode %s payload: %v", messageType, err)
			}
		}
		return envelope
	}
}

func joinAs(t *testing.T, conn *websocket.Conn, noteID string) collab.JoinResponse {
	t.Helper()
	send(t, conn, MessageJoin, noteID, nil)
	var response collab.JoinResponse
	readUntil(t, conn, MessageJoined, &response)
	return response
}

func paragraphUpdate(t *testing.T, doc *crdt.Doc, blockID, text string) string {
	t.Helper()
	update, err := doc.Transact(func(tx *crdt.Txn) error {
		root := tx.Root(collab.DefaultCanonicalRoot)
		element, err := tx.InsertElement(root, tx.Len(root), "paragraph")
		if err != nil {
			return err
		}
		if blockID != "" {
			if err := tx.SetAttribute(element, collab.IDAttribute, blockID); err != nil {
				return err
			}
		}
		textNode, err := tx.InsertText(element, 0)
		if err != nil {
			return err
		}
		return tx.InsertString(textNode, 0, text)
	})
	if err != nil {
		t.Fatalf("failed to build update: %v", err)
	}
	return notes.EncodeUpdate(update).String()
}

func applyEncoded(t *testing.T, doc *crdt.Doc, encoded string) {
	t.Helper()
	payload, err := notes.UpdateBase64(encoded).Bytes()
	if err != nil {
		t.Fatalf("invalid base64 update: %v", err)
	}
	if err := doc.ApplyUpdate(payload); err != nil {
		t.Fatalf("failed to apply update: %v", err)
	}
}

func TestCollabSocketRelaysUpdatesAndPresence(t *testing.T) {
	stack := newTestStack(t, presence.Config{})
	alice := stack.dial(t, "alice", "Alice")
	bob := stack.dial(t, "bob", "Bob")

	if response := joinAs(t, alice, testNoteID); !response.Success || response.CurrentEditors != 1 {
		t.Fatalf("unexpected join response %+v", response)
	}
	if response := joinAs(t, bob, testNoteID); response.CurrentEditors != 2 || len(response.Collaborators) != 2 {
		t.Fatalf("unexpected second join response %+v", response)
	}
	var joined presence.Session
	readUntil(t, alice, MessageUserJoined, &joined)
	if joined.UserID != "bob" || joined.Username != "Bob" || joined.Color == "" {
		t.Fatalf("unexpected user-joined payload %+v", joined)
	}

	author := crdt.NewWithClientID(100)
	encoded := paragraphUpdate(t, author, "b1", "hello")
	send(t, alice, MessageUpdate, testNoteID, updatePayload{Update: encoded})
	var relayed updatePayload
	readUntil(t, bob, MessageUpdate, &relayed)
	if relayed.Update != encoded {
		t.Fatalf("expected the update bytes to be relayed unchanged")
	}

	send(t, bob, MessageSyncRequest, testNoteID, nil)
	var synced collab.SyncResponse
	readUntil(t, bob, MessageSync, &synced)
	reader := crdt.NewWithClientID(200)
	applyEncoded(t, reader, synced.Update.String())
	if reader.Root(collab.DefaultCanonicalRoot).String() != author.Root(collab.DefaultCanonicalRoot).String() {
		t.Fatalf("sync did not converge: %s", reader.Root(collab.DefaultCanonicalRoot).String())
	}

	position := 3
	send(t, bob, MessageCursor, testNoteID, cursorPayload{Cursor: &position})
	var cursor presence.CursorUpdate
	readUntil(t, alice, MessageCursor, &cursor)
	if cursor.UserID != "bob" || cursor.Cursor == nil || *cursor.Cursor != 3 {
		t.Fatalf("unexpected cursor payload %+v", cursor)
	}

	request, _ := http.NewRequest(http.MethodGet, stack.server.URL+"/notes/"+testNoteID+"/collaborators", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+stack.token(t, "carol", "Carol"))
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("roster request failed: %v", err)
	}
	defer response.Body.Close()
	var roster collaboratorsResponse
	if err := json.NewDecoder(response.Body).Decode(&roster); err != nil {
		t.Fatalf("failed to decode roster: %v", err)
	}
	if response.StatusCode != http.StatusOK || roster.CurrentEditors != 2 || len(roster.Collaborators) != 2 {
		t.Fatalf("unexpected roster %d %+v", response.StatusCode, roster)
	}

	_ = bob.Close()
	var left userLeftPayload
	readUntil(t, alice, MessageUserLeft, &left)
	if left.UserID != "bob" || left.StillPresent {
		t.Fatalf("unexpected user-left payload %+v", left)
	}
}

func TestCollabSocketWritesAssignedIDsBack(t *testing.T) {
	stack := newTestStack(t, presence.Config{})
	alice := stack.dial(t, "alice", "Alice")
	joinAs(t, alice, testNoteID)

	author := crdt.NewWithClientID(100)
	send(t, alice, MessageUpdate, testNoteID, updatePayload{Update: paragraphUpdate(t, author, "", "unbound")})
	send(t, alice, MessageSyncRequest, testNoteID, nil)
	readUntil(t, alice, MessageSync, nil)

	if err := stack.documents.Flush(context.Background(), testNoteID); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	var writeBack updatePayload
	readUntil(t, alice, MessageUpdate, &writeBack)
	applyEncoded(t, author, writeBack.Update)
	if rendered := author.Root(collab.DefaultCanonicalRoot).String(); !strings.Contains(rendered, `id="`) {
		t.Fatalf("expected the assigned id on the client, got %s", rendered)
	}
}

func TestCollabSocketReportsErrorsToSenderOnly(t *testing.T) {
	stack := newTestStack(t, presence.Config{})
	alice := stack.dial(t, "alice", "Alice")

	update := paragraphUpdate(t, crdt.NewWithClientID(100), "b1", "too early")
	send(t, alice, MessageUpdate, testNoteID, updatePayload{Update: update})
	var failure errorPayload
	readUntil(t, alice, MessageError, &failure)
	if failure.Code != errorCodeNotJoined {
		t.Fatalf("expected not_joined, got %+v", failure)
	}

	joinAs(t, alice, testNoteID)
	send(t, alice, MessageUpdate, testNoteID, updatePayload{Update: notes.EncodeUpdate([]byte{0xc1}).String()})
	readUntil(t, alice, MessageError, &failure)
	if failure.Code != errorCodeInvalidUpdate {
		t.Fatalf("expected invalid_update, got %+v", failure)
	}

	send(t, alice, "shout", testNoteID, nil)
	readUntil(t, alice, MessageError, &failure)
	if failure.Code != errorCodeUnknownType {
		t.Fatalf("expected unknown_type, got %+v", failure)
	}
}

func TestCollabSocketRejectsJoinAtCapacity(t *testing.T) {
	stack := newTestStack(t, presence.Config{MaxEditors: 1})
	alice := stack.dial(t, "alice", "Alice")
	bob := stack.dial(t, "bob", "Bob")
	joinAs(t, alice, testNoteID)

	send(t, bob, MessageJoin, testNoteID, nil)
	var rejection collab.JoinResponse
	readUntil(t, bob, MessageJoinError, &rejection)
	if rejection.Success || rejection.Error == nil || rejection.Error.Code != presence.CapacityErrorCode {
		t.Fatalf("unexpected rejection %+v", rejection)
	}
	if rejection.CurrentEditors != 1 || rejection.MaxEditors != 1 {
		t.Fatalf("unexpected capacity counts %+v", rejection)
	}

	aliceAgain := stack.dial(t, "alice", "Alice")
	if response := joinAs(t, aliceAgain, testNoteID); !response.Success {
		t.Fatalf("a second connection of a joined user must be accepted")
	}
}

func TestCollabSocketRequiresSession(t *testing.T) {
	stack := newTestStack(t, presence.Config{})
	url := "ws" + strings.TrimPrefix(stack.server.URL, "http") + "/collab/ws"
	_, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial without a session to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", response)
	}
}

func TestCollabSocketRejectsCrossOriginHandshakeByDefault(t *testing.T) {
	stack := newTestStack(t, presence.Config{})
	url := "ws" + strings.TrimPrefix(stack.server.URL, "http") + "/collab/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+stack.token(t, "alice", "Alice"))
	header.Set("Origin", "https://evil.example.com")
	_, response, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected cross-origin handshake to fail")
	}
	if response == nil || response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", response)
	}

	header.Set("Origin", stack.server.URL)
	conn, response, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("expected same-origin handshake to succeed: %v", err)
	}
	_ = response.Body.Close()
	_ = conn.Close()
}

func TestCollabSocketAcceptsQueryTokenOnHandshake(t *testing.T) {
	stack := newTestStack(t, presence.Config{})
	url := "ws" + strings.TrimPrefix(stack.server.URL, "http") + "/collab/ws?" +
		auth.AccessTokenQueryParameter + "=" + stack.token(t, "alice", "Alice")
	conn, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	_ = response.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	joinAs(t, conn, testNoteID)
}

func TestCollaboratorsIgnoresQueryToken(t *testing.T) {
	stack := newTestStack(t, presence.Config{})
	response, err := http.Get(stack.server.URL + "/notes/" + testNoteID + "/collaborators?" +
		auth.AccessTokenQueryParameter + "=" + stack.token(t, "alice", "Alice"))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", response.StatusCode)
	}
}

func TestCloseAllFlushesConnectedDocuments(t *testing.T) {
	stack := newTestStack(t, presence.Config{})
	alice := stack.dial(t, "alice", "Alice")
	joinAs(t, alice, testNoteID)
	send(t, alice, MessageUpdate, testNoteID, updatePayload{Update: paragraphUpdate(t, crdt.NewWithClientID(100), "b1", "saved")})
	send(t, alice, MessageSyncRequest, testNoteID, nil)
	readUntil(t, alice, MessageSync, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stack.hub.CloseAll(ctx); err != nil {
		t.Fatalf("close all failed: %v", err)
	}
	if _, found, err := stack.notes.LoadDocumentState(ctx, testNoteID); err != nil || !found {
		t.Fatalf("expected the document to be flushed on disconnect, found=%v err=%v", found, err)
	}
	if stack.documents.CachedCount() != 0 {
		t.Fatalf("expected the document to be evicted")
	}
}
