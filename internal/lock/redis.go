package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// 锁不存在时 SET PX，自己持有时续期，否则失败
var acquireScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v == false then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
if v == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// 仅删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// redisLocker Redis 分布式锁，锁过期交给 key TTL
type redisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker 创建 Redis 锁
func NewRedisLocker(client *redis.Client, prefix string) Locker {
	return &redisLocker{client: client, prefix: prefix + "lock:"}
}

func (l *redisLocker) key(appID string) string {
	return l.prefix + appID
}

func (l *redisLocker) Acquire(ctx context.Context, appID, holder string, timeout time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, []string{l.key(appID)}, holder, timeout.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *redisLocker) Release(ctx context.Context, appID, holder string) error {
	return releaseScript.Run(ctx, l.client, []string{l.key(appID)}, holder).Err()
}
