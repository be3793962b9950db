package testutil

import (
	"context"
	"errors"
	"sync"

	"creditflow/internal/infrastructure/mq"
)

var ErrBrokerDown = errors.New("broker unavailable")

// CapturePublisher 记录发出的消息，可以模拟 broker 不可用
type CapturePublisher struct {
	mu       sync.Mutex
	messages []*mq.Message
	offset   int64
	down     bool
	failKeys map[string]bool
}

func NewCapturePublisher() *CapturePublisher {
	return &CapturePublisher{failKeys: make(map[string]bool)}
}

func (p *CapturePublisher) Publish(_ context.Context, msg *mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down || p.failKeys[msg.Key] {
		return ErrBrokerDown
	}
	msg.Offset = p.offset
	p.offset++
	p.messages = append(p.messages, msg)
	return nil
}

func (p *CapturePublisher) Close() error { return nil }

func (p *CapturePublisher) SetDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

// FailKey 只让某个 key 的消息发送失败
func (p *CapturePublisher) FailKey(key string, fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failKeys[key] = fail
}

func (p *CapturePublisher) Messages() []*mq.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*mq.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Drain 取出并清空已记录的消息
func (p *CapturePublisher) Drain() []*mq.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.messages
	p.messages = nil
	return out
}

// ByTopic 已记录消息中属于某个主题的部分
func (p *CapturePublisher) ByTopic(topic string) []*mq.Message {
	var out []*mq.Message
	for _, m := range p.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
