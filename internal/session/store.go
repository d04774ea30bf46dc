package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// TTL bounds how long a record outlives a server that died without
	// cleaning up.
	TTL = 1 * time.Hour

	StatusConnected = "connected" // upgraded, no report yet
	StatusSearching = "searching"
	StatusPaired    = "paired"
)

// Presence is the stored state of one connection.
type Presence struct {
	ConnID     string `redis:"conn_id"`
	DeviceID   string `redis:"device_id"`
	Status     string `redis:"status"`
	PeerID     string `redis:"peer_id"` // empty unless paired
	Server     string `redis:"server"`
	CreatedAt  int64  `redis:"created_at"`  // unix seconds
	LastActive int64  `redis:"last_active"` // unix seconds
}

// Store manages presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string
	now        func() time.Time
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// NewStore creates a store on an existing client. serverName is recorded in
// every presence record.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName, now: time.Now}
}

func key(connID string) string {
	return KeyPrefix + connID
}

// Create writes a fresh record for connID.
func (s *Store) Create(ctx context.Context, connID string) error {
	now := s.now().Unix()
	fields := map[string]interface{}{
		"conn_id":     connID,
		"device_id":   "",
		"status":      StatusConnected,
		"peer_id":     "",
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(connID), fields)
	pipe.Expire(ctx, key(connID), TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", connID, err)
	}
	return nil
}

// SetDevice records the device id reported on connID and marks it searching.
func (s *Store) SetDevice(ctx context.Context, connID, deviceID string) error {
	return s.update(ctx, connID, "device_id", deviceID, "status", StatusSearching, "peer_id", "")
}

// UpdateStatus sets the pairing status and peer. peerID is ignored unless
// status is StatusPaired.
func (s *Store) UpdateStatus(ctx context.Context, connID, status, peerID string) error {
	if status != StatusPaired {
		peerID = ""
	}
	return s.update(ctx, connID, "status", status, "peer_id", peerID)
}

// RefreshTTL extends the record's lifetime.
func (s *Store) RefreshTTL(ctx context.Context, connID string) error {
	if err := s.client.Expire(ctx, key(connID), TTL).Err(); err != nil {
		return fmt.Errorf("session: refresh %s: %w", connID, err)
	}
	return nil
}

// update writes fields to an existing record and refreshes its TTL. Records
// that expired or were deleted are not recreated.
func (s *Store) update(ctx context.Context, connID string, fields ...interface{}) error {
	k := key(connID)
	n, err := s.client.Exists(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("session: update %s: %w", connID, err)
	}
	if n == 0 {
		return nil
	}

	fields = append(fields, "last_active", s.now().Unix())
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, k, fields...)
	pipe.Expire(ctx, k, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: update %s: %w", connID, err)
	}
	return nil
}

// Get returns the record for connID, or nil if there is none.
func (s *Store) Get(ctx context.Context, connID string) (*Presence, error) {
	var p Presence
	if err := s.client.HGetAll(ctx, key(connID)).Scan(&p); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: get %s: %w", connID, err)
	}
	if p.ConnID == "" {
		return nil, nil
	}
	return &p, nil
}

// Delete removes the record for connID.
func (s *Store) Delete(ctx context.Context, connID string) error {
	if err := s.client.Del(ctx, key(connID)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", connID, err)
	}
	return nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
