package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store 幂等键的底层存储，所有写操作必须是原子的
type Store interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndSet 当前值以 prefix 开头时才覆盖为 value
	CompareAndSet(ctx context.Context, key, prefix, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete 当前值以 prefix 开头时才删除
	CompareAndDelete(ctx context.Context, key, prefix string) (bool, error)
}

// 与分布式锁的解锁脚本同一思路：比较和写入放在一个 Lua 脚本里执行
var (
	compareAndSetScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)
	compareAndDeleteScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key, prefix, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndSetScript.Run(ctx, s.client, []string{key}, prefix, value, ttl.Milliseconds()).Int()
	return n == 1, err
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, prefix string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, prefix).Int()
	return n == 1, err
}
