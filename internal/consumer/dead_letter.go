package consumer

import (
	"context"
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"creditflow/internal/apperr"
	"creditflow/internal/event"
	"creditflow/internal/infrastructure/mq"
	"creditflow/internal/model"
	"creditflow/internal/outbox"
	"creditflow/internal/repository"
	"creditflow/pkg/idgen"

	"gorm.io/gorm"
)

// 与 dead_letter / outbox_event 的列宽保持一致，单位是字符
const (
	maxDeadLetterError = 2000
	maxKeyWidth        = 64
	maxTopicWidth      = 128
)

// DeadLetterWriter 把无法处理的消息落库，并通过发件箱通知死信主题
type DeadLetterWriter struct {
	stage  string
	writer *outbox.Writer
	repo   *repository.DeadLetterRepository
}

func NewDeadLetterWriter(stage string, db *gorm.DB, writer *outbox.Writer) *DeadLetterWriter {
	return &DeadLetterWriter{
		stage:  stage,
		writer: writer,
		repo:   repository.NewDeadLetterRepository(db),
	}
}

// Write 满足 mq.DeadLetterFunc
func (w *DeadLetterWriter) Write(ctx context.Context, msg *mq.Message, attempts int, cause error) error {
	lastError := ""
	if cause != nil {
		lastError = clampText(cause.Error(), maxDeadLetterError)
	}
	payload, encoding := encodePayload(msg.Value)

	// broker 带来的字段可能是非法 UTF-8 或超出列宽，落库前统一清洗
	dl := &model.DeadLetter{
		DeadLetterID:    idgen.GenerateDeadLetterID(),
		Stage:           w.stage,
		Topic:           clampText(msg.Topic, maxTopicWidth),
		Partition:       msg.Partition,
		Offset:          msg.Offset,
		MessageKey:      clampText(msg.Key, maxKeyWidth),
		EventType:       clampText(msg.Header(mq.HeaderEventType), maxKeyWidth),
		EventID:         clampText(msg.Header(mq.HeaderEventID), maxKeyWidth),
		Payload:         payload,
		PayloadEncoding: encoding,
		FailureType:     apperr.FailureType(cause),
		Attempts:        attempts,
		LastError:       lastError,
	}

	return w.writer.Commit(ctx, func(tx *gorm.DB) error {
		return w.repo.Create(ctx, tx, dl)
	}, &event.DeadLetterRecorded{
		DeadLetterID: dl.DeadLetterID,
		Stage:        dl.Stage,
		SourceTopic:  dl.Topic,
		Partition:    dl.Partition,
		Offset:       dl.Offset,
		MessageKey:   dl.MessageKey,
		SourceType:   dl.EventType,
		SourceID:     dl.EventID,
		FailureType:  dl.FailureType,
		Attempts:     dl.Attempts,
		LastError:    dl.LastError,
		Payload:      dl.Payload,
		Encoding:     dl.PayloadEncoding,
	})
}

// clampText 替换非法 UTF-8 并按字符截断
func clampText(s string, limit int) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

// encodePayload 合法 UTF-8 原样保存，否则保存 base64，原始字节始终可以还原
func encodePayload(raw []byte) (string, string) {
	if utf8.Valid(raw) {
		return string(raw), model.PayloadEncodingText
	}
	return base64.StdEncoding.EncodeToString(raw), model.PayloadEncodingBase64
}
