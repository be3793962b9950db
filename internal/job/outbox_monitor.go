package job

import (
	"context"
	"time"

	"creditflow/internal/config"
	"creditflow/internal/model"
	"creditflow/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxMonitor 只负责观测：长时间未投递的事件和积压总量
type OutboxMonitor struct {
	runner
	outboxRepo *repository.OutboxRepository
	stuckAfter time.Duration
	stuckLimit int
	queueWarn  int64
	now        func() time.Time
}

type MonitorReport struct {
	Stuck       []*model.OutboxEvent
	Unpublished int64
	QueueAlert  bool
}

func NewOutboxMonitor(db *gorm.DB, cfg config.MonitorConfig, logger *zap.Logger) *OutboxMonitor {
	return &OutboxMonitor{
		runner:     runner{interval: cfg.Interval, logger: logger.Named("OutboxMonitor")},
		outboxRepo: repository.NewOutboxRepository(db),
		stuckAfter: cfg.StuckAfter,
		stuckLimit: cfg.StuckLimit,
		queueWarn:  cfg.QueueWarn,
		now:        time.Now,
	}
}

func (m *OutboxMonitor) Start(ctx context.Context) error {
	return m.loop(ctx, func(ctx context.Context) {
		if _, err := m.Check(ctx); err != nil {
			m.logger.Error("检查发件箱失败", zap.Error(err))
		}
	})
}

func (m *OutboxMonitor) Check(ctx context.Context) (*MonitorReport, error) {
	now := m.now()
	stuck, err := m.outboxRepo.FindStuck(ctx, now.Add(-m.stuckAfter), m.stuckLimit)
	if err != nil {
		return nil, err
	}
	for _, row := range stuck {
		m.logger.Warn("事件长时间未投递",
			zap.Int64("id", row.ID),
			zap.String("event_type", row.EventType),
			zap.String("event_id", row.EventID),
			zap.Duration("age", now.Sub(row.CreatedAt)),
			zap.Int("retry_count", row.RetryCount),
			zap.String("last_error", row.LastError),
		)
	}

	count, err := m.outboxRepo.CountUnpublished(ctx)
	if err != nil {
		return nil, err
	}
	report := &MonitorReport{Stuck: stuck, Unpublished: count}
	if m.queueWarn > 0 && count > m.queueWarn {
		report.QueueAlert = true
		m.logger.Warn("发件箱积压过多", zap.Int64("unpublished", count), zap.Int64("threshold", m.queueWarn))
	}
	return report, nil
}
