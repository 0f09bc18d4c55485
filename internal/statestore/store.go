// Package statestore keeps investigation session state, session log streams,
// and break-glass cluster locks in Redis. Every operation degrades softly:
// when Redis is down the control plane keeps serving, approvals just lose
// their resume state and locks read as unlocked.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	sessionPrefix = "session:"
	logsPrefix    = "logs:"
	lockPrefix    = "lock:"

	// DefaultTTL bounds how long a paused session stays resumable.
	DefaultTTL = time.Hour

	lockValue = "LOCKED"
	pingWait  = 500 * time.Millisecond
)

// Store is the Redis-backed session state store.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
	ttl time.Duration
}

// New connects to Redis. The connection is verified lazily; a dead Redis at
// construction time is not an error.
func New(addr, password string, ttl time.Duration, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	return &Store{rdb: rdb, log: log, ttl: ttl}
}

// Available reports whether Redis responds to a short ping.
func (s *Store) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingWait)
	defer cancel()
	return s.rdb.Ping(ctx).Err() == nil
}

// Set stores a session document as JSON with the store TTL.
// Returns false (and logs) instead of failing when Redis is unavailable.
func (s *Store) Set(ctx context.Context, sessionID string, doc map[string]interface{}) bool {
	payload, err := json.Marshal(doc)
	if err != nil {
		s.log.Warn("session state not serializable", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	if err := s.rdb.Set(ctx, sessionPrefix+sessionID, payload, s.ttl).Err(); err != nil {
		s.log.Warn("redis set failed, continuing without session state",
			zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return true
}

// Get returns the session document, or nil when absent or Redis is down.
func (s *Store) Get(ctx context.Context, sessionID string) map[string]interface{} {
	raw, err := s.rdb.Get(ctx, sessionPrefix+sessionID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("redis get failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.log.Warn("corrupt session state", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	return doc
}

// Delete removes a session document.
func (s *Store) Delete(ctx context.Context, sessionID string) bool {
	if err := s.rdb.Del(ctx, sessionPrefix+sessionID).Err(); err != nil {
		s.log.Warn("redis del failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return true
}

// AppendLog atomically appends one line to the session log stream. The TTL
// is set when the stream is created, so the whole stream expires together.
func (s *Store) AppendLog(ctx context.Context, sessionID, line string) bool {
	key := logsPrefix + sessionID
	if err := s.rdb.RPush(ctx, key, line).Err(); err != nil {
		s.log.Warn("redis rpush failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	if n, err := s.rdb.LLen(ctx, key).Result(); err == nil && n == 1 {
		if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
			s.log.Warn("redis expire failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return true
}

// GetLogs returns all log lines for a session, oldest first. Empty when the
// session is unknown or Redis is down.
func (s *Store) GetLogs(ctx context.Context, sessionID string) []string {
	lines, err := s.rdb.LRange(ctx, logsPrefix+sessionID, 0, -1).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("redis lrange failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		return []string{}
	}
	return lines
}

// SetClusterLock toggles the break-glass lock. Locks carry no TTL: an
// operator who pulled the cord must push it back deliberately.
func (s *Store) SetClusterLock(ctx context.Context, clusterID string, locked bool) bool {
	key := lockPrefix + clusterID
	var err error
	if locked {
		err = s.rdb.Set(ctx, key, lockValue, 0).Err()
	} else {
		err = s.rdb.Del(ctx, key).Err()
	}
	if err != nil {
		s.log.Warn("redis lock update failed", zap.String("cluster_id", clusterID), zap.Error(err))
		return false
	}
	return true
}

// IsClusterLocked reports the break-glass state. Fails open (unlocked) when
// Redis is down; the policy gate remains the primary safety net.
func (s *Store) IsClusterLocked(ctx context.Context, clusterID string) bool {
	n, err := s.rdb.Exists(ctx, lockPrefix+clusterID).Result()
	if err != nil {
		s.log.Warn("redis exists failed", zap.String("cluster_id", clusterID), zap.Error(err))
		return false
	}
	return n > 0
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}
