// Package presence keeps an external liveness record per participant in
// Redis. The record lets other processes (the recorder, operators, a second
// server instance) see who is online and what they are doing without
// touching the in-memory lobby state.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// DefaultTTL covers three missed heartbeats at the default interval.
	DefaultTTL = 90 * time.Second

	// Status values mirror the lobby's per-identity state.
	StatusIdle   = "idle"
	StatusQueued = "queued"
	StatusInCall = "in-call"
)

// Record is a participant's liveness state stored in Redis.
type Record struct {
	ID          string `redis:"id"`
	Status      string `redis:"status"`       // idle | queued | in-call
	Server      string `redis:"server"`       // which server instance holds the connection
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastSeen    int64  `redis:"last_seen"`    // unix timestamp
}

// Store manages presence records in Redis.
type Store struct {
	client     redis.Cmdable
	serverName string
	ttl        time.Duration
	now        func() time.Time
}

// NewStore creates a presence store. A non-positive ttl uses DefaultTTL.
func NewStore(client redis.Cmdable, serverName string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, serverName: serverName, ttl: ttl, now: time.Now}
}

// Connect writes a fresh idle record for id.
func (s *Store) Connect(ctx context.Context, id string) error {
	key := KeyPrefix + id
	now := s.now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           id,
		"status":       StatusIdle,
		"server":       s.serverName,
		"connected_at": now,
		"last_seen":    now,
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: connect %s: %w", id, err)
	}
	return nil
}

// Touch refreshes last_seen and the TTL. It is called on every heartbeat.
func (s *Store) Touch(ctx context.Context, id string) error {
	key := KeyPrefix + id
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "last_seen", s.now().Unix())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: touch %s: %w", id, err)
	}
	return nil
}

// SetStatus updates the status and refreshes the TTL.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	key := KeyPrefix + id
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "status", status, "last_seen", s.now().Unix())
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set status %s: %w", id, err)
	}
	return nil
}

// Get returns id's record, or nil if there is none.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	var rec Record
	if err := s.client.HGetAll(ctx, KeyPrefix+id).Scan(&rec); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", id, err)
	}
	if rec.ID == "" {
		return nil, nil
	}
	return &rec, nil
}

// Disconnect removes id's record.
func (s *Store) Disconnect(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, KeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("presence: disconnect %s: %w", id, err)
	}
	return nil
}
