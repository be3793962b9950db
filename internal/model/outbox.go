package model

import (
	"time"
)

// OutboxEvent 发件箱表
// 与业务数据在同一事务中写入，由后台投递任务异步转发到 Kafka
//
// 【不变量】
// 1. published = true 的记录不会被再次投递
// 2. published_at 当且仅当 published = true 时有值
// 3. 核心逻辑从不删除记录，清理交给外部运维任务
type OutboxEvent struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID       string     `gorm:"type:varchar(64);index;not null" json:"event_id"`
	EventType     string     `gorm:"type:varchar(64);not null" json:"event_type"`
	MessageKey    string     `gorm:"type:varchar(64);not null" json:"message_key"` // Kafka 分区键，同一申请的事件落在同一分区
	Destination   string     `gorm:"type:varchar(128);not null" json:"destination"`
	Payload       string     `gorm:"type:mediumtext;not null" json:"payload"`
	SchemaVersion int        `gorm:"not null;default:1" json:"schema_version"`
	Published     bool       `gorm:"index;not null;default:false" json:"published"`
	PublishedAt   *time.Time `json:"published_at"`
	RetryCount    int        `gorm:"not null;default:0" json:"retry_count"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxEvent) TableName() string {
	return "outbox_event"
}
