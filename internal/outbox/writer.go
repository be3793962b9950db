// Package outbox 事务发件箱的写入端，业务变更和对应事件在同一事务内提交
// 这里不直接访问 broker
package outbox

import (
	"context"
	"fmt"

	"creditflow/internal/apperr"
	"creditflow/internal/event"
	"creditflow/internal/model"
	"creditflow/internal/repository"

	"gorm.io/gorm"
)

// ApplyFunc 在事务内执行业务写入，只能使用传入的 tx
type ApplyFunc func(tx *gorm.DB) error

type Writer struct {
	db         *gorm.DB
	registry   *event.Registry
	outboxRepo *repository.OutboxRepository
}

func NewWriter(db *gorm.DB, registry *event.Registry) *Writer {
	return &Writer{
		db:         db,
		registry:   registry,
		outboxRepo: repository.NewOutboxRepository(db),
	}
}

// Commit 先编码校验所有事件，再在一个事务里执行 apply 并写入发件箱
// 事件非法返回 ValidationError 且不写任何数据；存储失败返回 PersistenceError，整体回滚
func (w *Writer) Commit(ctx context.Context, apply ApplyFunc, events ...event.Event) error {
	rows := make([]*model.OutboxEvent, 0, len(events))
	for _, evt := range events {
		enc, err := w.registry.Encode(evt)
		if err != nil {
			return err
		}
		rows = append(rows, &model.OutboxEvent{
			EventID:       enc.EventID,
			EventType:     string(enc.Type),
			MessageKey:    enc.Key,
			Destination:   enc.Topic,
			Payload:       string(enc.Payload),
			SchemaVersion: enc.SchemaVersion,
		})
	}

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if apply != nil {
			if err := apply(tx); err != nil {
				return err
			}
		}
		for _, row := range rows {
			if err := w.outboxRepo.Create(ctx, tx, row); err != nil {
				return fmt.Errorf("写入发件箱失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		// 业务层已经分类的错误原样返回，其余一律视为持久化失败
		if apperr.IsValidation(err) || apperr.IsConflict(err) {
			return err
		}
		return apperr.Persistence("outbox.Commit", err)
	}
	return nil
}
