package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/glasslink/link"
	"github.com/user/glasslink/logger"
)

const (
	DefaultSessionTTL = 30 * time.Second
	shadowTTL         = 24 * time.Hour
)

// KV is the part of *redis.Client the registry needs
type KV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Registry advertises the live phone link in redis so other services can
// find it. The session key expires unless keep-alives keep refreshing it.
type Registry struct {
	kv       KV
	deviceID string
	ttl      time.Duration
	prefix   string
}

func NewRegistry(kv KV, deviceID string, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Registry{
		kv:       kv,
		deviceID: deviceID,
		ttl:      ttl,
		prefix:   "registry",
	}
}

func (r *Registry) sessionKey() string {
	return fmt.Sprintf("glasslink:sess:%s", r.deviceID)
}

func (r *Registry) shadowKey() string {
	return fmt.Sprintf("glasslink:shadow:%s", r.deviceID)
}

// Register records the session as linked
func (r *Registry) Register(ctx context.Context, info link.SessionInfo) error {
	value := fmt.Sprintf("%s:%s:%d", info.ID, info.Transport, info.PayloadSize)
	if err := r.kv.Set(ctx, r.sessionKey(), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("bridge: register session: %w", err)
	}
	r.updateShadow(ctx, info.State)
	logger.Info(r.prefix, "Session registered: %s -> %s", r.deviceID, value)
	return nil
}

// Refresh extends the session key
func (r *Registry) Refresh(ctx context.Context) error {
	if err := r.kv.Expire(ctx, r.sessionKey(), r.ttl).Err(); err != nil {
		return fmt.Errorf("bridge: refresh session: %w", err)
	}
	r.kv.HSet(ctx, r.shadowKey(), "ts", time.Now().Unix())
	return nil
}

// Remove deletes the session key and records the final state in the shadow
func (r *Registry) Remove(ctx context.Context, state string) error {
	r.updateShadow(ctx, state)
	if err := r.kv.Del(ctx, r.sessionKey()).Err(); err != nil {
		return fmt.Errorf("bridge: remove session: %w", err)
	}
	logger.Info(r.prefix, "Session removed: %s", r.deviceID)
	return nil
}

func (r *Registry) updateShadow(ctx context.Context, state string) {
	key := r.shadowKey()
	r.kv.HSet(ctx, key, "state", state, "ts", time.Now().Unix())
	r.kv.Expire(ctx, key, shadowTTL)
}

// Track keeps the registry in step with a session: registered on Ready,
// refreshed by keep-alives, removed when the link drops.
func (r *Registry) Track(s *link.Session) {
	s.OnStateChange(func(c link.StateChange) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var err error
		switch {
		case c.To == link.Ready:
			err = r.Register(ctx, s.Info())
		case c.From.Linked() && !c.To.Linked():
			err = r.Remove(ctx, c.To.String())
		}
		if err != nil {
			logger.Warn(r.prefix, "%v", err)
		}
	})
	s.OnKeepAlive(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.Refresh(ctx); err != nil {
			logger.Debug(r.prefix, "%v", err)
		}
	})
}
