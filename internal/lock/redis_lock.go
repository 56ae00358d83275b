package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is an advisory lock keyed by an arbitrary string, shared by
// every worker process that talks to the same Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
	log    *zap.Logger
}

func NewRedisLocker(client *redis.Client, prefix string, log *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, log: log}
}

// TryLock acquires key for ttl without blocking. When ok is false another
// holder owns the key and unlock is nil.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err = l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}

	return func() {
		// the caller's ctx may already be cancelled on shutdown
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Err(); err != nil {
			l.log.Warn("failed to release lock", zap.String("key", fullKey), zap.Error(err))
		}
	}, true, nil
}
