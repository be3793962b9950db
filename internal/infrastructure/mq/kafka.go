package mq

import (
	"context"
	"fmt"
	"time"

	"creditflow/internal/config"

	"github.com/IBM/sarama"
)

const (
	HeaderEventType     = "event_type"
	HeaderEventID       = "event_id"
	HeaderSchemaVersion = "schema_version"
)

// Message 与具体 MQ 实现无关的消息
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

func (m *Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Publisher 同步发送，返回 nil 表示 broker 已确认
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

func newSaramaConfig(cfg *config.KafkaConfig) (*sarama.Config, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.ClientID = cfg.ClientID
	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka.version 非法: %w", err)
		}
		kafkaConfig.Version = version
	}
	return kafkaConfig, nil
}

// NewSyncProducer 创建 Kafka 同步生产者
func NewSyncProducer(cfg *config.KafkaConfig) (sarama.SyncProducer, error) {
	kafkaConfig, err := newSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求
	// 按 key 哈希分区，同一申请的事件落在同一分区
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	return producer, nil
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
}

func NewKafkaPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
	}
	for k, v := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := p.producer.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("发送消息到 %s 失败: %w", msg.Topic, err)
	}
	msg.Partition = partition
	msg.Offset = offset
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

func fromConsumerMessage(m *sarama.ConsumerMessage) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		if h == nil {
			continue
		}
		headers[string(h.Key)] = string(h.Value)
	}
	return &Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Value:     m.Value,
		Headers:   headers,
		Partition: m.Partition,
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
	}
}
