package mq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"creditflow/internal/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// HandlerFunc 返回 nil 才会提交位点；返回错误会结束当前会话，消息由 broker 重新投递
type HandlerFunc func(ctx context.Context, msg *Message) error

// NewConsumerGroup 创建消费组，新组从最早的位点开始消费
func NewConsumerGroup(cfg *config.KafkaConfig, groupID string, sessionTimeout time.Duration) (sarama.ConsumerGroup, error) {
	kafkaConfig, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	kafkaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	kafkaConfig.Consumer.Offsets.AutoCommit.Enable = true
	if sessionTimeout > 0 {
		kafkaConfig.Consumer.Group.Session.Timeout = sessionTimeout
	}

	group, err := sarama.NewConsumerGroup(cfg.Brokers, groupID, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建消费组 %s 失败: %w", groupID, err)
	}
	return group, nil
}

// GroupConsumer 消费组中的一个成员
type GroupConsumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler HandlerFunc
	logger  *zap.Logger
	backoff time.Duration
}

func NewGroupConsumer(group sarama.ConsumerGroup, topics []string, handler HandlerFunc, logger *zap.Logger) *GroupConsumer {
	return &GroupConsumer{
		group:   group,
		topics:  topics,
		handler: handler,
		logger:  logger.Named("GroupConsumer"),
		backoff: time.Second,
	}
}

// Run 阻塞消费直到 ctx 取消，每次 rebalance 或会话出错后重新加入
func (c *GroupConsumer) Run(ctx context.Context) error {
	c.logger.Info("消费者启动", zap.Strings("topics", c.topics))
	defer func() {
		if err := c.group.Close(); err != nil {
			c.logger.Warn("关闭消费组失败", zap.Error(err))
		}
	}()

	for {
		err := c.group.Consume(ctx, c.topics, c)
		if ctx.Err() != nil {
			c.logger.Info("收到停止信号，消费者退出")
			return nil
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return nil
		}
		if err != nil {
			c.logger.Error("消费会话异常结束，稍后重新加入", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
		}
	}
}

func (c *GroupConsumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *GroupConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *GroupConsumer) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			msg := fromConsumerMessage(m)
			if err := c.handler(sess.Context(), msg); err != nil {
				c.logger.Error("消息处理失败，位点不提交",
					zap.String("topic", m.Topic),
					zap.Int32("partition", m.Partition),
					zap.Int64("offset", m.Offset),
					zap.Error(err),
				)
				return err
			}
			sess.MarkMessage(m, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
