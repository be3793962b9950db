// Package dedup 保证同一个事件 ID 的副作用在一个阶段内最多执行一次，broker 重复投递也一样
//
// 占位用 SET NX 写入 <prefix><eventType>:<eventId>。初始为 pending，TTL 较短；
// 阶段提交后 Confirm 把它改成 done 并使用保留期 TTL。提交前失败的阶段调用 Release，
// 重新投递的消息可以再次处理。进程中途退出留下的 pending 占位会自然过期。
//
// Redis 故障时放行：IsClaimed 返回 false，TryClaim 返回 true。
// 数据库侧的条件更新和唯一键保证 Redis 不可用期间重复处理也不会产生重复结果。
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"creditflow/internal/config"

	"go.uber.org/zap"
)

const (
	StatePending = "pending"
	StateDone    = "done"
)

// Claim 幂等键中记录的诊断信息
type Claim struct {
	Claimant  string    `json:"claimant"`
	State     string    `json:"state"`
	ClaimedAt time.Time `json:"claimed_at"`
}

type Service struct {
	store         Store
	prefix        string
	ttl           time.Duration
	processingTTL time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

func NewService(store Store, cfg config.DedupConfig, logger *zap.Logger) *Service {
	return &Service{
		store:         store,
		prefix:        cfg.Prefix,
		ttl:           cfg.TTL,
		processingTTL: cfg.ProcessingTTL,
		logger:        logger.Named("Dedup"),
		now:           time.Now,
	}
}

func (s *Service) Key(eventType, eventID string) string {
	return s.prefix + eventType + ":" + eventID
}

func (s *Service) value(claimant, state string) string {
	return fmt.Sprintf("%s|%s|%d", claimant, state, s.now().UnixMilli())
}

func (s *Service) claimTTL() time.Duration {
	if s.processingTTL > 0 {
		return s.processingTTL
	}
	return s.ttl
}

// IsClaimed 存储异常时返回 false（放行）
func (s *Service) IsClaimed(ctx context.Context, eventType, eventID string) bool {
	key := s.Key(eventType, eventID)
	ok, err := s.store.Exists(ctx, key)
	if err != nil {
		s.logger.Warn("查询幂等键失败，按未处理放行", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

// TryClaim 只有第一个调用者返回 true；存储异常时返回 true（放行）
func (s *Service) TryClaim(ctx context.Context, eventType, eventID, claimant string) bool {
	key := s.Key(eventType, eventID)
	ok, err := s.store.SetIfAbsent(ctx, key, s.value(claimant, StatePending), s.claimTTL())
	if err != nil {
		s.logger.Warn("写入幂等键失败，按首次处理放行", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

// Acquire 先用 EXISTS 快速判断已处理的事件，再尝试占位
func (s *Service) Acquire(ctx context.Context, eventType, eventID, claimant string) bool {
	if s.IsClaimed(ctx, eventType, eventID) {
		return false
	}
	return s.TryClaim(ctx, eventType, eventID, claimant)
}

// Confirm 业务提交后把本实例的 pending 占位改为 done，并延长到保留期
func (s *Service) Confirm(ctx context.Context, eventType, eventID, claimant string) error {
	key := s.Key(eventType, eventID)
	ok, err := s.store.CompareAndSet(ctx, key, claimant+"|"+StatePending+"|", s.value(claimant, StateDone), s.ttl)
	if err != nil {
		return fmt.Errorf("确认幂等键 %s 失败: %w", key, err)
	}
	if !ok {
		// 占位已过期或写入时放行了，补写一条 done 记录
		if _, err := s.store.SetIfAbsent(ctx, key, s.value(claimant, StateDone), s.ttl); err != nil {
			return fmt.Errorf("补写幂等键 %s 失败: %w", key, err)
		}
	}
	return nil
}

// Release 处理失败时删除本实例的 pending 占位，已确认的占位不会被删除
func (s *Service) Release(ctx context.Context, eventType, eventID, claimant string) error {
	key := s.Key(eventType, eventID)
	if _, err := s.store.CompareAndDelete(ctx, key, claimant+"|"+StatePending+"|"); err != nil {
		return fmt.Errorf("释放幂等键 %s 失败: %w", key, err)
	}
	return nil
}

// ClaimInfo 返回 nil 表示没有占位
func (s *Service) ClaimInfo(ctx context.Context, eventType, eventID string) (*Claim, error) {
	raw, ok, err := s.store.Get(ctx, s.Key(eventType, eventID))
	if err != nil || !ok {
		return nil, err
	}
	return parseClaim(raw), nil
}

func parseClaim(raw string) *Claim {
	parts := strings.Split(raw, "|")
	if len(parts) < 3 {
		return &Claim{Claimant: raw}
	}
	n := len(parts)
	c := &Claim{
		Claimant: strings.Join(parts[:n-2], "|"),
		State:    parts[n-2],
	}
	if ms, err := strconv.ParseInt(parts[n-1], 10, 64); err == nil {
		c.ClaimedAt = time.UnixMilli(ms)
	}
	return c
}
