package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// unlockScript 只删除自己持有的锁
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// ErrLockHeld 锁已被其他实例持有
var ErrLockHeld = errors.New("job lock is held by another instance")

// RedisLocker 基于 redis 的分布式任务锁
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker 创建分布式任务锁
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, prefix: "payrecon:job:", ttl: ttl}
}

// Lock 实现 gocron.Locker
func (l *RedisLocker) Lock(ctx context.Context, key string) (gocron.Lock, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire job lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLock{client: l.client, key: l.prefix + key, token: token}, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

// Unlock 实现 gocron.Lock
func (l *redisLock) Unlock(ctx context.Context) error {
	return unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}
