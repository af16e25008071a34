package ptyreg

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence abstracts the minimal Redis surface this package needs, in the
// same spirit as the ratelimiter persistence layer's RedisEvaler: a small
// interface wrapping exactly the calls used, so tests can fake it without
// a live Redis.
type Presence interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisPresence adapts a *redis.Client to Presence.
type RedisPresence struct {
	Client *redis.Client
}

func (p RedisPresence) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return p.Client.Set(ctx, key, value, ttl).Err()
}

func (p RedisPresence) Del(ctx context.Context, keys ...string) error {
	return p.Client.Del(ctx, keys...).Err()
}

// RedisRegistry decorates a Registry with best-effort presence publishing:
// a live pty.File and websocket.Conn can't cross a process boundary, so
// the only thing worth sharing between multiple alpamon processes on one
// host is the fact that a session exists. Insert/Remove additionally
// SET/DEL a TTLed marker key; Resize/Get/CloseAll still operate purely
// in-process against the embedded Registry, which remains authoritative.
type RedisRegistry struct {
	*Registry
	presence Presence
	prefix   string
	ttl      time.Duration
}

// NewRedisRegistry wraps a fresh Registry with presence publishing through
// presence. prefix defaults to "alpamon:pty:"; ttl defaults to one hour.
func NewRedisRegistry(presence Presence, prefix string, ttl time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = "alpamon:pty:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisRegistry{Registry: New(), presence: presence, prefix: prefix, ttl: ttl}
}

// Insert registers the session locally, then best-effort publishes its
// presence; a publish failure never blocks the PTY bridge from starting.
func (r *RedisRegistry) Insert(id string, s Session) {
	r.Registry.Insert(id, s)
	if r.presence == nil {
		return
	}
	if err := r.presence.Set(context.Background(), r.prefix+id, time.Now().Unix(), r.ttl); err != nil {
		log.Warnf("ptyreg: publishing presence for %s: %v", id, err)
	}
}

// Remove deletes the session locally, then clears its presence marker.
func (r *RedisRegistry) Remove(id string) {
	r.Registry.Remove(id)
	if r.presence == nil {
		return
	}
	if err := r.presence.Del(context.Background(), r.prefix+id); err != nil {
		log.Warnf("ptyreg: clearing presence for %s: %v", id, err)
	}
}
