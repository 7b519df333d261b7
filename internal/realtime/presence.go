package realtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceOnlineSetKey   = "ws:online_users"
	presenceLastSeenPrefix = "ws:last_seen:"
	defaultPresenceTTL     = 90 * time.Second
)

// RedisPresence mirrors the registry's online set into Redis so other tools
// can read it. A nil *RedisPresence is valid and does nothing.
type RedisPresence struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisPresence returns nil when rdb is nil.
func NewRedisPresence(rdb *redis.Client, ttl time.Duration) *RedisPresence {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RedisPresence{rdb: rdb, ttl: ttl}
}

// MarkOnline adds the user to the online set and refreshes the last-seen key.
func (p *RedisPresence) MarkOnline(ctx context.Context, userID uint) error {
	if p == nil {
		return nil
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	if err := p.rdb.SAdd(ctx, presenceOnlineSetKey, uid).Err(); err != nil {
		return fmt.Errorf("presence SADD user %d: %w", userID, err)
	}
	return p.Touch(ctx, userID)
}

// Touch refreshes the last-seen key so the entry outlives its TTL.
func (p *RedisPresence) Touch(ctx context.Context, userID uint) error {
	if p == nil {
		return nil
	}
	if err := p.rdb.SetEx(ctx, lastSeenKey(userID), strconv.FormatInt(time.Now().Unix(), 10), p.ttl).Err(); err != nil {
		return fmt.Errorf("presence SETEX user %d: %w", userID, err)
	}
	return nil
}

// MarkOffline removes the user from the online set. The last-seen key is
// left to expire.
func (p *RedisPresence) MarkOffline(ctx context.Context, userID uint) error {
	if p == nil {
		return nil
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	if err := p.rdb.SRem(ctx, presenceOnlineSetKey, uid).Err(); err != nil {
		return fmt.Errorf("presence SREM user %d: %w", userID, err)
	}
	return nil
}

// OnlineUserIDs lists mirrored online users, pruning entries whose
// last-seen key has expired.
func (p *RedisPresence) OnlineUserIDs(ctx context.Context) ([]uint, error) {
	if p == nil {
		return nil, nil
	}
	members, err := p.rdb.SMembers(ctx, presenceOnlineSetKey).Result()
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(members))
	for _, raw := range members {
		id64, parseErr := strconv.ParseUint(raw, 10, 32)
		if parseErr != nil {
			continue
		}
		exists, existsErr := p.rdb.Exists(ctx, lastSeenKey(uint(id64))).Result()
		if existsErr != nil {
			continue
		}
		if exists == 0 {
			_ = p.rdb.SRem(ctx, presenceOnlineSetKey, raw).Err()
			continue
		}
		ids = append(ids, uint(id64))
	}
	return ids, nil
}

func lastSeenKey(userID uint) string {
	return presenceLastSeenPrefix + strconv.FormatUint(uint64(userID), 10)
}
