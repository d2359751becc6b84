package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestMirror(t *testing.T) (*RedisMirror, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	mirror, err := NewRedisMirror(context.Background(), "redis://"+server.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create redis mirror: %v", err)
	}
	t.Cleanup(func() { _ = mirror.Close() })
	return mirror, server
}

func TestRegistryPublishesRosterToRedis(t *testing.T) {
	mirror, server := setupTestMirror(t)
	registry := newTestRegistry(mirror)
	ctx := context.Background()

	join(t, registry, "note-1", "user-1", "socket-1")
	join(t, registry, "note-1", "user-2", "socket-2")

	roster, err := mirror.Roster(ctx, "note-1")
	if err != nil {
		t.Fatalf("roster lookup failed: %v", err)
	}
	if len(roster) != 2 || roster[0].UserID != "user-1" || roster[1].UserID != "user-2" {
		t.Fatalf("unexpected mirrored roster %+v", roster)
	}
	if ttl := server.TTL("collab:presence:note-1"); ttl != time.Minute {
		t.Fatalf("expected roster ttl, got %v", ttl)
	}

	registry.RemoveSessionBySocketID(ctx, "socket-1")
	registry.RemoveSessionBySocketID(ctx, "socket-2")
	if server.Exists("collab:presence:note-1") {
		t.Fatalf("expected empty roster to delete the key")
	}
	roster, err = mirror.Roster(ctx, "note-1")
	if err != nil || len(roster) != 0 {
		t.Fatalf("expected empty roster, got %+v %v", roster, err)
	}
}

func TestRefreshKeepsLiveRosterPastTTL(t *testing.T) {
	mirror, server := setupTestMirror(t)
	registry := newTestRegistry(mirror)
	ctx := context.Background()
	join(t, registry, "note-1", "user-1", "socket-1")

	for step := 0; step < 4; step++ {
		server.FastForward(30 * time.Second)
		position := step
		registry.UpdateCursor("note-1", "user-1", "socket-1", &position, nil)
		if refreshed := registry.RefreshMirror(ctx); refreshed != 1 {
			t.Fatalf("expected one roster refreshed, got %d", refreshed)
		}
	}

	roster, err := mirror.Roster(ctx, "note-1")
	if err != nil {
		t.Fatalf("roster lookup failed: %v", err)
	}
	if len(roster) != 1 || roster[0].UserID != "user-1" {
		t.Fatalf("expected the connected editor to stay mirrored, got %+v", roster)
	}
	if roster[0].Cursor == nil || *roster[0].Cursor != 3 {
		t.Fatalf("expected the refreshed roster to carry the latest cursor, got %+v", roster[0].Cursor)
	}
}

func TestAbandonedRosterExpiresWithTTL(t *testing.T) {
	mirror, server := setupTestMirror(t)
	ctx := context.Background()
	if err := mirror.Publish(ctx, "note-1", []Session{{NoteID: "note-1", UserID: "user-1", SocketID: "socket-1"}}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	server.FastForward(2 * time.Minute)
	roster, err := mirror.Roster(ctx, "note-1")
	if err != nil {
		t.Fatalf("roster lookup failed: %v", err)
	}
	if len(roster) != 0 {
		t.Fatalf("expected a roster nobody refreshes to expire")
	}
}

func TestMirrorHeartbeatRenewsTTL(t *testing.T) {
	mirror, server := setupTestMirror(t)
	registry := newTestRegistry(mirror)
	join(t, registry, "note-1", "user-1", "socket-1")
	server.SetTTL("collab:presence:note-1", time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		registry.RunMirrorHeartbeat(ctx, 10*time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for server.TTL("collab:presence:note-1") != mirror.TTL() {
		if time.Now().After(deadline) {
			t.Fatalf("expected the heartbeat to renew the roster ttl, got %v", server.TTL("collab:presence:note-1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewRedisMirrorRejectsBadURL(t *testing.T) {
	if _, err := NewRedisMirror(context.Background(), "not-a-url", time.Minute); err == nil {
		t.Fatalf("expected parse error")
	}
}
