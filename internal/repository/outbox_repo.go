package repository

import (
	"context"
	"time"

	"creditflow/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(evt).Error
}

// FetchUnpublished 按写入顺序取未投递的事件，id 作为同一时间戳内的次序
func (r *OutboxRepository) FetchUnpublished(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published = ?", false).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// MarkPublished published 与 published_at 在同一条 UPDATE 中写入
// 返回 false 表示记录已经被标记过
func (r *OutboxRepository) MarkPublished(ctx context.Context, id int64) (bool, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND published = ?", id, false).
		Updates(map[string]interface{}{
			"published":    true,
			"published_at": &now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *OutboxRepository) RecordFailure(ctx context.Context, id int64, errMsg string) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND published = ?", id, false).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  errMsg,
			"updated_at":  time.Now(),
		}).Error
}

// FindStuck 创建时间早于 before 仍未投递的事件
func (r *OutboxRepository) FindStuck(ctx context.Context, before time.Time, limit int) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("published = ? AND created_at < ?", false, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *OutboxRepository) CountUnpublished(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("published = ?", false).
		Count(&count).Error
	return count, err
}

// HasUnpublished 某个事件是否还有待投递的记录
func (r *OutboxRepository) HasUnpublished(ctx context.Context, eventType, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("event_type = ? AND event_id = ? AND published = ?", eventType, eventID, false).
		Count(&count).Error
	return count > 0, err
}

func (r *OutboxRepository) ListByEventID(ctx context.Context, eventID string) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

type OutboxStats struct {
	Unpublished         int64      `json:"unpublished"`
	Retrying            int64      `json:"retrying"`
	OldestUnpublishedAt *time.Time `json:"oldest_unpublished_at,omitempty"`
}

func (r *OutboxRepository) Stats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	db := r.db.WithContext(ctx).Model(&model.OutboxEvent{})

	if err := db.Session(&gorm.Session{}).Where("published = ?", false).Count(&stats.Unpublished).Error; err != nil {
		return nil, err
	}
	if err := db.Session(&gorm.Session{}).Where("published = ? AND retry_count > 0", false).Count(&stats.Retrying).Error; err != nil {
		return nil, err
	}
	if stats.Unpublished > 0 {
		var oldest model.OutboxEvent
		err := r.db.WithContext(ctx).
			Where("published = ?", false).
			Order("created_at ASC").
			First(&oldest).Error
		if err != nil {
			return nil, err
		}
		stats.OldestUnpublishedAt = &oldest.CreatedAt
	}
	return stats, nil
}
