package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 加锁：SET key value NX PX ttl
//   - NX 保证互斥，过期时间防止持有者崩溃后死锁
//   - value 是持有者标识，释放时校验，避免删掉别人的锁
//
// 释放：Lua 脚本把"比较 + 删除"合成一个原子操作
//
// 多实例部署时，发件箱投递任务每一轮都先抢这把锁，
// 保证同一时刻只有一个实例在投递，否则同一申请的事件可能被不同实例乱序发出
// ============================================================================

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Unlock 只释放自己持有的锁，返回是否真的删除了
func (l *DistributedLock) Unlock(ctx context.Context) (bool, error) {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// NewPublisherLock 发件箱投递锁，value 使用实例ID便于排查是谁持有
func NewPublisherLock(client *redis.Client, instanceID string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, "outbox:publisher:lock", instanceID, ttl)
}
