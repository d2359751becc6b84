package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/notes"
)

// DefaultMirrorTTL bounds how long a roster survives if this process stops publishing.
const DefaultMirrorTTL = 2 * time.Minute

const mirrorKeyPrefix = "collab:presence:"

// RedisMirror stores each note roster as JSON under collab:presence:<noteId>.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror parses redisURL, verifies connectivity, and returns a mirror.
func NewRedisMirror(ctx context.Context, redisURL string, ttl time.Duration) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisMirrorWithClient(client, ttl), nil
}

// NewRedisMirrorWithClient wraps an existing client.
func NewRedisMirrorWithClient(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = DefaultMirrorTTL
	}
	return &RedisMirror{client: client, ttl: ttl}
}

func (m *RedisMirror) key(noteID notes.NoteID) string {
	return mirrorKeyPrefix + noteID.String()
}

// Publish replaces the stored roster; an empty roster deletes the key.
func (m *RedisMirror) Publish(ctx context.Context, noteID notes.NoteID, roster []Session) error {
	key := m.key(noteID)
	if len(roster) == 0 {
		if err := m.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("delete roster: %w", err)
		}
		return nil
	}
	payload, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	if err := m.client.Set(ctx, key, payload, m.ttl).Err(); err != nil {
		return fmt.Errorf("save roster: %w", err)
	}
	return nil
}

// Roster reads a published roster. A missing key is an empty roster.
func (m *RedisMirror) Roster(ctx context.Context, noteID notes.NoteID) ([]Session, error) {
	payload, err := m.client.Get(ctx, m.key(noteID)).Bytes()
	if err == redis.Nil {
		return []Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup roster: %w", err)
	}
	var roster []Session
	if err := json.Unmarshal(payload, &roster); err != nil {
		return nil, fmt.Errorf("unmarshal roster: %w", err)
	}
	return roster, nil
}

// TTL returns how long a published roster lives without being refreshed.
func (m *RedisMirror) TTL() time.Duration {
	return m.ttl
}

// Close closes the Redis connection.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
