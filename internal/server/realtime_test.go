package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	messages [][]byte
	accept   bool
}

func (s *recordingSubscriber) deliver(message []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accept {
		return false
	}
	s.messages = append(s.messages, message)
	return true
}

func (s *recordingSubscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func TestRoomHubPublishesToRoomExceptOrigin(t *testing.T) {
	hub := NewRoomHub(nil)
	origin := &recordingSubscriber{accept: true}
	peer := &recordingSubscriber{accept: true}
	stranger := &recordingSubscriber{accept: true}
	hub.Subscribe("note-1", "socket-1", origin.deliver)
	hub.Subscribe("note-1", "socket-2", peer.deliver)
	hub.Subscribe("note-2", "socket-3", stranger.deliver)

	hub.Publish("note-1", []byte(`{"type":"cursor"}`), "socket-1")

	if origin.count() != 0 {
		t.Fatalf("origin must not receive its own message")
	}
	if peer.count() != 1 {
		t.Fatalf("expected peer delivery, got %d", peer.count())
	}
	if stranger.count() != 0 {
		t.Fatalf("rooms must be isolated by note")
	}
}

func TestRoomHubUnsubscribeDropsEmptyRooms(t *testing.T) {
	hub := NewRoomHub(nil)
	subscriber := &recordingSubscriber{accept: true}
	hub.Subscribe("note-1", "socket-1", subscriber.deliver)
	if hub.RoomSize("note-1") != 1 {
		t.Fatalf("expected one subscriber")
	}
	hub.Unsubscribe("note-1", "socket-1")
	hub.Unsubscribe("note-1", "socket-1")
	if hub.RoomSize("note-1") != 0 {
		t.Fatalf("expected empty room")
	}
	hub.Publish("note-1", []byte("{}"), "")
	if subscriber.count() != 0 {
		t.Fatalf("unsubscribed socket must not receive messages")
	}
}

func TestRoomHubBroadcastUpdateReachesEverySocket(t *testing.T) {
	hub := NewRoomHub(nil)
	first := &recordingSubscriber{accept: true}
	second := &recordingSubscriber{accept: true}
	refusing := &recordingSubscriber{accept: false}
	hub.Subscribe("note-1", "socket-1", first.deliver)
	hub.Subscribe("note-1", "socket-2", second.deliver)
	hub.Subscribe("note-1", "socket-3", refusing.deliver)

	hub.BroadcastUpdate("note-1", []byte{1, 2, 3})

	if first.count() != 1 || second.count() != 1 {
		t.Fatalf("expected both sockets to receive the server update")
	}
	var envelope Envelope
	if err := json.Unmarshal(first.messages[0], &envelope); err != nil {
		t.Fatalf("invalid envelope: %v", err)
	}
	var payload updatePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if envelope.Type != MessageUpdate || envelope.NoteID != "note-1" || payload.Update != notes.EncodeUpdate([]byte{1, 2, 3}).String() {
		t.Fatalf("unexpected broadcast %+v %+v", envelope, payload)
	}
}

func TestRoomHubCloseAllWaitsForConnections(t *testing.T) {
	hub := NewRoomHub(nil)
	closed := make(chan struct{})
	hub.Track("socket-1", func() {
		go func() {
			time.Sleep(20 * time.Millisecond)
			close(closed)
			hub.Untrack("socket-1")
		}()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := hub.CloseAll(ctx); err != nil {
		t.Fatalf("close all failed: %v", err)
	}
	select {
	case <-closed:
	default:
		t.Fatalf("expected CloseAll to wait for the connection to finish")
	}
}

func TestRoomHubCloseAllHonorsDeadline(t *testing.T) {
	hub := NewRoomHub(nil)
	hub.Track("socket-1", func() {})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := hub.CloseAll(ctx); err == nil {
		t.Fatalf("expected deadline error for a connection that never finishes")
	}
	hub.Untrack("socket-1")
}
