package mq

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"creditflow/internal/apperr"

	"go.uber.org/zap"
)

// DeadLetterFunc 持久化无法处理的消息，返回 nil 后该消息的位点才会提交
type DeadLetterFunc func(ctx context.Context, msg *Message, attempts int, cause error) error

// RetryingHandler 在原地重试处理函数：
// 校验错误直接进死信，其余错误按退避重试到上限后进死信
type RetryingHandler struct {
	next        HandlerFunc
	deadLetter  DeadLetterFunc
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
}

func NewRetryingHandler(next HandlerFunc, deadLetter DeadLetterFunc, maxAttempts int, backoff time.Duration, logger *zap.Logger) *RetryingHandler {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &RetryingHandler{
		next:        next,
		deadLetter:  deadLetter,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger.Named("RetryingHandler"),
	}
}

func (h *RetryingHandler) Handle(ctx context.Context, msg *Message) error {
	var (
		err      error
		attempts int
	)
	for attempts < h.maxAttempts {
		attempts++
		err = h.call(ctx, msg)
		if err == nil {
			return nil
		}
		if apperr.IsValidation(err) {
			break
		}
		if attempts < h.maxAttempts {
			h.logger.Warn("消息处理失败，准备重试",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Int("attempt", attempts),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.backoff * time.Duration(attempts)):
			}
		}
	}

	h.logger.Error("消息进入死信",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("key", msg.Key),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	if dlErr := h.deadLetter(ctx, msg, attempts, err); dlErr != nil {
		return fmt.Errorf("写入死信失败: %w", dlErr)
	}
	return nil
}

func (h *RetryingHandler) call(ctx context.Context, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("消息处理 panic",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
				zap.String("topic", msg.Topic),
			)
			err = apperr.Transient("mq.Handle", fmt.Errorf("panic: %v", r))
		}
	}()
	return h.next(ctx, msg)
}
