package model

import (
	"time"
)

const (
	FailureTypeValidation = "validation"
	FailureTypeConflict   = "conflict"
	FailureTypeTransient  = "transient"
)

const (
	PayloadEncodingText   = "text"
	PayloadEncodingBase64 = "base64"
)

// DeadLetter 超过重试上限或无法解析的消息，留待人工处理
type DeadLetter struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	DeadLetterID    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"dead_letter_id"`
	Stage           string    `gorm:"type:varchar(64);index;not null" json:"stage"`
	Topic           string    `gorm:"type:varchar(128);not null" json:"topic"`
	Partition       int32     `gorm:"not null" json:"partition"`
	Offset          int64     `gorm:"not null" json:"offset"`
	MessageKey      string    `gorm:"type:varchar(64)" json:"message_key"`
	EventType       string    `gorm:"type:varchar(64)" json:"event_type"`
	EventID         string    `gorm:"type:varchar(64);index" json:"event_id"`
	Payload         string    `gorm:"type:mediumtext" json:"payload"`
	PayloadEncoding string    `gorm:"type:varchar(10);not null;default:text" json:"payload_encoding"`
	FailureType     string    `gorm:"type:varchar(20);not null" json:"failure_type"`
	Attempts        int       `gorm:"not null" json:"attempts"`
	LastError       string    `gorm:"type:text" json:"last_error"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (DeadLetter) TableName() string {
	return "dead_letter"
}
