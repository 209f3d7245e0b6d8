package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for hot state.
const (
	typingPrefix = "typing:"
	recentPrefix = "recent:"
)

// HotStore keeps short-lived chat state in Redis: typing indicators that
// auto-expire, and a capped cache of each room's most recent messages used
// for report snapshots. Nothing in here is authoritative.
type HotStore struct {
	rdb       *redis.Client
	typingTTL time.Duration
	recentMax int64
	recentTTL time.Duration
}

// NewHotStore creates a hot store backed by Redis.
func NewHotStore(rdb *redis.Client, typingTTL time.Duration, recentMax int, recentTTL time.Duration) *HotStore {
	return &HotStore{
		rdb:       rdb,
		typingTTL: typingTTL,
		recentMax: int64(recentMax),
		recentTTL: recentTTL,
	}
}

// SetTyping records or clears a session's typing flag for a room. The flag
// carries a TTL so a vanished client cannot leave a stuck indicator.
func (s *HotStore) SetTyping(ctx context.Context, roomID, sessionID string, typing bool) error {
	key := typingPrefix + roomID + ":" + sessionID
	var err error
	if typing {
		err = s.rdb.Set(ctx, key, "1", s.typingTTL).Err()
	} else {
		err = s.rdb.Del(ctx, key).Err()
	}
	if err != nil {
		return fmt.Errorf("store: set typing: %w", err)
	}
	return nil
}

// IsTyping reports whether a session's typing flag is currently set.
func (s *HotStore) IsTyping(ctx context.Context, roomID, sessionID string) (bool, error) {
	key := typingPrefix + roomID + ":" + sessionID
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("store: check typing: %w", err)
	}
	return n > 0, nil
}

// RecentEntry is one cached message in a room's recent list.
type RecentEntry struct {
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
	Ts       int64  `json:"ts"`
}

// PushRecent prepends a message to the room's recent list, trims it to the
// configured cap and refreshes the list TTL. Runs as a single pipeline.
func (s *HotStore) PushRecent(ctx context.Context, roomID string, payload []byte) error {
	key := recentPrefix + roomID
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, s.recentMax-1)
	pipe.Expire(ctx, key, s.recentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: push recent: %w", err)
	}
	return nil
}

// Recent returns the room's cached messages, newest first.
func (s *HotStore) Recent(ctx context.Context, roomID string) ([][]byte, error) {
	raw, err := s.rdb.LRange(ctx, recentPrefix+roomID, 0, s.recentMax-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: read recent: %w", err)
	}
	out := make([][]byte, len(raw))
	for i, v := range raw {
		out[i] = []byte(v)
	}
	return out, nil
}

// ClearRoom drops a room's hot state when the pair dissolves.
func (s *HotStore) ClearRoom(ctx context.Context, roomID string, sessionIDs ...string) error {
	keys := []string{recentPrefix + roomID}
	for _, sid := range sessionIDs {
		keys = append(keys, typingPrefix+roomID+":"+sid)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store: clear room: %w", err)
	}
	return nil
}
