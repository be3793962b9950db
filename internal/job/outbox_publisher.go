package job

import (
	"context"
	"strconv"
	"sync"

	"creditflow/internal/config"
	"creditflow/internal/event"
	"creditflow/internal/infrastructure/lock"
	"creditflow/internal/infrastructure/mq"
	"creditflow/internal/model"
	"creditflow/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// OutboxPublisher 把发件箱中未投递的事件转发到 Kafka
//
// 同一 message_key（即同一申请）的事件严格按写入顺序串行投递，
// 某条失败后本轮跳过该 key 剩余的事件，保证后面的事件不会先于前面的到达；
// 不同 key 之间可以并发投递。失败的事件永远不会放弃，只会累计 retry_count。
type OutboxPublisher struct {
	runner
	outboxRepo   *repository.OutboxRepository
	registry     *event.Registry
	publisher    mq.Publisher
	lock         *lock.DistributedLock
	batchSize    int
	concurrency  int
	maxRetryWarn int
}

// RunResult 一轮投递的统计
type RunResult struct {
	Fetched   int
	Published int
	Failed    int
	Deferred  int // 因同 key 前序事件失败而推迟到下一轮
	Skipped   bool
}

// NewOutboxPublisher locker 为 nil 时不加分布式锁
func NewOutboxPublisher(db *gorm.DB, registry *event.Registry, publisher mq.Publisher, locker *lock.DistributedLock, cfg config.OutboxConfig, logger *zap.Logger) *OutboxPublisher {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	named := logger.Named("OutboxPublisher")
	return &OutboxPublisher{
		runner:       runner{interval: cfg.Interval, logger: named},
		outboxRepo:   repository.NewOutboxRepository(db),
		registry:     registry,
		publisher:    publisher,
		lock:         locker,
		batchSize:    cfg.BatchSize,
		concurrency:  concurrency,
		maxRetryWarn: cfg.MaxRetryWarn,
	}
}

func (p *OutboxPublisher) Start(ctx context.Context) error {
	return p.loop(ctx, func(ctx context.Context) { p.RunOnce(ctx) })
}

// RunOnce 执行一轮投递，单条失败不会向外传播
func (p *OutboxPublisher) RunOnce(ctx context.Context) RunResult {
	if p.lock != nil {
		ok, err := p.lock.TryLock(ctx)
		if err != nil {
			p.logger.Warn("获取投递锁失败，跳过本轮", zap.Error(err))
			return RunResult{Skipped: true}
		}
		if !ok {
			return RunResult{Skipped: true}
		}
		defer func() {
			if _, err := p.lock.Unlock(context.Background()); err != nil {
				p.logger.Warn("释放投递锁失败", zap.Error(err))
			}
		}()
	}

	rows, err := p.outboxRepo.FetchUnpublished(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("查询待投递事件失败", zap.Error(err))
		return RunResult{}
	}

	result := RunResult{Fetched: len(rows)}
	if len(rows) == 0 {
		return result
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, group := range groupByKey(rows) {
		group := group
		g.Go(func() error {
			published, failed, deferred := p.publishGroup(ctx, group)
			mu.Lock()
			result.Published += published
			result.Failed += failed
			result.Deferred += deferred
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if result.Failed > 0 {
		p.logger.Warn("本轮投递存在失败",
			zap.Int("fetched", result.Fetched),
			zap.Int("published", result.Published),
			zap.Int("failed", result.Failed),
			zap.Int("deferred", result.Deferred),
		)
	} else {
		p.logger.Debug("本轮投递完成", zap.Int("published", result.Published))
	}
	return result
}

// groupByKey 按 message_key 分组，组内以及组间都保持原有顺序
func groupByKey(rows []*model.OutboxEvent) [][]*model.OutboxEvent {
	index := make(map[string]int)
	var groups [][]*model.OutboxEvent
	for _, row := range rows {
		i, ok := index[row.MessageKey]
		if !ok {
			i = len(groups)
			index[row.MessageKey] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], row)
	}
	return groups
}

func (p *OutboxPublisher) publishGroup(ctx context.Context, rows []*model.OutboxEvent) (published, failed, deferred int) {
	for i, row := range rows {
		if err := p.publishRow(ctx, row); err != nil {
			p.recordFailure(ctx, row, err)
			return published, 1, len(rows) - i - 1
		}
		published++
	}
	return published, 0, 0
}

func (p *OutboxPublisher) publishRow(ctx context.Context, row *model.OutboxEvent) error {
	// 投递前按类型解析一遍，损坏的记录不会发到下游
	if _, err := p.registry.Decode(event.Type(row.EventType), []byte(row.Payload)); err != nil {
		return err
	}

	msg := &mq.Message{
		Topic: row.Destination,
		Key:   row.MessageKey,
		Value: []byte(row.Payload),
		Headers: map[string]string{
			mq.HeaderEventType:     row.EventType,
			mq.HeaderEventID:       row.EventID,
			mq.HeaderSchemaVersion: strconv.Itoa(row.SchemaVersion),
		},
	}
	if err := p.publisher.Publish(ctx, msg); err != nil {
		return err
	}

	marked, err := p.outboxRepo.MarkPublished(ctx, row.ID)
	if err != nil {
		// 消息已经发出，下一轮会重复发送，由消费端幂等兜底
		p.logger.Error("标记已投递失败",
			zap.Int64("id", row.ID),
			zap.String("event_id", row.EventID),
			zap.Error(err),
		)
		return nil
	}
	if !marked {
		p.logger.Warn("事件已被其他实例标记为已投递", zap.Int64("id", row.ID), zap.String("event_id", row.EventID))
	}
	p.logger.Debug("事件投递成功",
		zap.Int64("id", row.ID),
		zap.String("event_type", row.EventType),
		zap.String("event_id", row.EventID),
		zap.String("topic", row.Destination),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	)
	return nil
}

func (p *OutboxPublisher) recordFailure(ctx context.Context, row *model.OutboxEvent, cause error) {
	if err := p.outboxRepo.RecordFailure(ctx, row.ID, cause.Error()); err != nil {
		p.logger.Error("记录投递失败信息失败", zap.Int64("id", row.ID), zap.Error(err))
	}

	retries := row.RetryCount + 1
	fields := []zap.Field{
		zap.Int64("id", row.ID),
		zap.String("event_type", row.EventType),
		zap.String("event_id", row.EventID),
		zap.String("message_key", row.MessageKey),
		zap.Int("retry_count", retries),
		zap.Error(cause),
	}
	if p.maxRetryWarn > 0 && retries >= p.maxRetryWarn {
		p.logger.Error("事件多次投递失败，需要人工介入", fields...)
		return
	}
	p.logger.Warn("事件投递失败，下一轮重试", fields...)
}
