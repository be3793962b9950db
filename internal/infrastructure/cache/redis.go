package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditflow/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("缓存未命中")

func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// 二次删除的延迟，需要覆盖一次读库加回填的耗时
const defaultEvictDelay = 500 * time.Millisecond

// Cache 以 JSON 形式存取对象的简单读穿缓存
type Cache struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	evictDelay time.Duration
}

func NewCache(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: prefix, ttl: ttl, evictDelay: defaultEvictDelay}
}

func (c *Cache) key(id string) string {
	return c.prefix + id
}

// Get 未命中返回 ErrMiss
func (c *Cache) Get(ctx context.Context, id string, dst interface{}) error {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func (c *Cache) Set(ctx context.Context, id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(id), raw, c.ttl).Err()
}

func (c *Cache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, c.key(id)).Err()
}

// Evict 延迟双删：立即删除一次，evictDelay 之后再删一次
// 提交前读到旧行的请求可能在第一次删除之后才回填，第二次删除把它清掉
func (c *Cache) Evict(ctx context.Context, id string) error {
	err := c.Delete(ctx, id)
	time.AfterFunc(c.evictDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Delete(ctx, id)
	})
	return err
}

// setIfAbsent 只在 key 不存在时写入，不覆盖别处已经写好的值
func (c *Cache) setIfAbsent(ctx context.Context, id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.SetNX(ctx, c.key(id), raw, c.ttl).Err()
}

// GetOrLoad 先查缓存，未命中时调用 load 并回填
// 回填用 SETNX，缓存本身出错时直接走 load，不影响读请求
func GetOrLoad[T any](ctx context.Context, c *Cache, id string, load func(context.Context) (*T, error)) (*T, error) {
	var cached T
	if err := c.Get(ctx, id, &cached); err == nil {
		return &cached, nil
	}

	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.setIfAbsent(ctx, id, v)
	return v, nil
}
