// Package consumer 流水线各阶段的消费逻辑
//
// 每个阶段只消费一种事件：先在幂等层占位，再以数据库中的最新状态计算业务变更，
// 最后把变更和下游事件通过发件箱在同一事务内提交。
package consumer

import (
	"context"
	"fmt"

	"creditflow/internal/apperr"
	"creditflow/internal/dedup"
	"creditflow/internal/event"
	"creditflow/internal/infrastructure/mq"
	"creditflow/internal/outbox"

	"go.uber.org/zap"
)

// State 一次投递在阶段内的处理状态
type State string

const (
	StateReceived   State = "received"
	StateClaimed    State = "claimed"
	StateProcessing State = "processing"
	StateCommitted  State = "committed"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

// Outcome 处理结果：业务写入、需要发出的事件、提交后的回调
// Process 返回 nil 表示无需处理（例如申请已经越过本阶段）
type Outcome struct {
	Apply       outbox.ApplyFunc
	Emit        []event.Event
	AfterCommit func(ctx context.Context)
}

type Processor interface {
	Name() string
	Consumes() event.Type
	Process(ctx context.Context, evt event.Event) (*Outcome, error)
}

// CacheEvicter 状态变更提交后清理读缓存
type CacheEvicter interface {
	Evict(ctx context.Context, id string) error
}

type Stage struct {
	processor Processor
	registry  *event.Registry
	dedup     *dedup.Service
	writer    *outbox.Writer
	claimant  string
	logger    *zap.Logger
}

func NewStage(processor Processor, registry *event.Registry, dedupSvc *dedup.Service, writer *outbox.Writer, instanceID string, logger *zap.Logger) *Stage {
	return &Stage{
		processor: processor,
		registry:  registry,
		dedup:     dedupSvc,
		writer:    writer,
		claimant:  processor.Name() + "@" + instanceID,
		logger:    logger.Named("Stage").With(zap.String("stage", processor.Name())),
	}
}

func (s *Stage) Name() string { return s.processor.Name() }

// Topic 本阶段订阅的主题
func (s *Stage) Topic() string { return s.registry.Topic(s.processor.Consumes()) }

// Handle 满足 mq.HandlerFunc，返回 nil 即可确认消息
func (s *Stage) Handle(ctx context.Context, msg *mq.Message) error {
	_, err := s.Process(ctx, msg)
	return err
}

// Process 处理一条投递并返回最终状态
func (s *Stage) Process(ctx context.Context, msg *mq.Message) (State, error) {
	typ, err := s.resolveType(msg)
	if err != nil {
		return StateFailed, err
	}
	evt, err := s.registry.Decode(typ, msg.Value)
	if err != nil {
		return StateFailed, err
	}

	eventID := evt.EventID()
	log := s.logger.With(zap.String("event_type", string(typ)), zap.String("event_id", eventID))
	trace(log, StateReceived)

	if !s.dedup.Acquire(ctx, string(typ), eventID, s.claimant) {
		log.Info("事件已处理过，跳过")
		return StateSkipped, nil
	}
	trace(log, StateClaimed)

	trace(log, StateProcessing)
	outcome, err := s.processor.Process(ctx, evt)
	if err != nil {
		s.release(ctx, log, typ, eventID)
		return StateFailed, err
	}

	if outcome == nil {
		s.confirm(ctx, log, typ, eventID)
		log.Info("申请已越过本阶段，无需处理")
		return StateSkipped, nil
	}

	if err := s.writer.Commit(ctx, outcome.Apply, outcome.Emit...); err != nil {
		s.release(ctx, log, typ, eventID)
		return StateFailed, err
	}

	s.confirm(ctx, log, typ, eventID)
	if outcome.AfterCommit != nil {
		outcome.AfterCommit(ctx)
	}
	log.Info("阶段处理完成", zap.Int("emitted", len(outcome.Emit)))
	return StateCommitted, nil
}

func (s *Stage) resolveType(msg *mq.Message) (event.Type, error) {
	typ := event.Type(msg.Header(mq.HeaderEventType))
	if typ == "" {
		t, ok := s.registry.TypeForTopic(msg.Topic)
		if !ok {
			return "", apperr.Validation("consumer.resolveType", fmt.Errorf("无法确定消息类型: topic=%s", msg.Topic))
		}
		typ = t
	}
	if typ != s.processor.Consumes() {
		return "", apperr.Validation("consumer.resolveType",
			fmt.Errorf("阶段 %s 不处理 %s 类型的消息", s.processor.Name(), typ))
	}
	return typ, nil
}

func trace(log *zap.Logger, st State) {
	log.Debug("状态流转", zap.String("state", string(st)))
}

func (s *Stage) confirm(ctx context.Context, log *zap.Logger, typ event.Type, eventID string) {
	if err := s.dedup.Confirm(ctx, string(typ), eventID, s.claimant); err != nil {
		// 占位会在处理窗口后过期，重投时由数据库的条件更新兜底
		log.Warn("确认幂等键失败", zap.Error(err))
	}
}

func (s *Stage) release(ctx context.Context, log *zap.Logger, typ event.Type, eventID string) {
	if err := s.dedup.Release(ctx, string(typ), eventID, s.claimant); err != nil {
		log.Warn("释放幂等键失败", zap.Error(err))
	}
}
