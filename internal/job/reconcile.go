package job

import (
	"context"
	"errors"
	"time"

	"creditflow/internal/config"
	"creditflow/internal/dedup"
	"creditflow/internal/event"
	"creditflow/internal/model"
	"creditflow/internal/outbox"
	"creditflow/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReconcileJob 补偿任务
//
// 阶段在占位之后、提交之前崩溃时，pending 占位会在处理窗口后过期，
// 但 broker 可能已经提交了位点，事件不会再被投递。
// 本任务找出长时间停留在中间状态、没有待投递事件、也没有有效占位的申请，
// 用同一个事件ID重新写一条发件箱记录；重复通知由幂等层和条件更新兜底。
type ReconcileJob struct {
	runner
	apps        *repository.ApplicationRepository
	assessments *repository.AssessmentRepository
	outboxRepo  *repository.OutboxRepository
	dedup       *dedup.Service
	writer      *outbox.Writer
	staleAfter  time.Duration
	batchSize   int
	now         func() time.Time
}

func NewReconcileJob(db *gorm.DB, writer *outbox.Writer, dedupSvc *dedup.Service, cfg config.ReconcileConfig, logger *zap.Logger) *ReconcileJob {
	return &ReconcileJob{
		runner:      runner{interval: cfg.Interval, logger: logger.Named("ReconcileJob")},
		apps:        repository.NewApplicationRepository(db),
		assessments: repository.NewAssessmentRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		dedup:       dedupSvc,
		writer:      writer,
		staleAfter:  cfg.StaleAfter,
		batchSize:   cfg.BatchSize,
		now:         time.Now,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) error {
	return j.loop(ctx, func(ctx context.Context) {
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger.Error("补偿任务执行失败", zap.Error(err))
		}
	})
}

// RunOnce 返回本轮重新通知的申请数
func (j *ReconcileJob) RunOnce(ctx context.Context) (int, error) {
	before := j.now().Add(-j.staleAfter)
	apps, err := j.apps.ListStale(ctx,
		[]string{model.ApplicationStatusSubmitted, model.ApplicationStatusRiskAssessed},
		before, j.batchSize)
	if err != nil {
		return 0, err
	}
	if len(apps) == 0 {
		return 0, nil
	}

	j.logger.Info("发现停滞的申请", zap.Int("count", len(apps)))

	reannounced := 0
	for _, app := range apps {
		ok, err := j.reconcile(ctx, app)
		if err != nil {
			j.logger.Error("补偿申请失败", zap.String("application_id", app.ApplicationID), zap.Error(err))
			continue
		}
		if ok {
			reannounced++
		}
	}
	return reannounced, nil
}

func (j *ReconcileJob) reconcile(ctx context.Context, app *model.CreditApplication) (bool, error) {
	evt, err := j.inboundEvent(ctx, app)
	if err != nil {
		return false, err
	}
	typ, eventID := string(evt.EventType()), evt.EventID()
	log := j.logger.With(zap.String("application_id", app.ApplicationID), zap.String("event_type", typ))

	pending, err := j.outboxRepo.HasUnpublished(ctx, typ, eventID)
	if err != nil {
		return false, err
	}
	if pending {
		log.Debug("事件仍在发件箱中等待投递")
		return false, nil
	}

	claim, err := j.dedup.ClaimInfo(ctx, typ, eventID)
	if err != nil {
		// 查询不到占位时宁可不补，重复通知虽然无害但不必要
		return false, err
	}
	if claim != nil {
		log.Debug("事件仍有有效占位", zap.String("claimant", claim.Claimant), zap.String("state", claim.State))
		return false, nil
	}

	err = j.writer.Commit(ctx, func(tx *gorm.DB) error {
		return j.apps.Touch(ctx, tx, app.ApplicationID)
	}, evt)
	if err != nil {
		return false, err
	}
	log.Warn("已重新通知停滞的申请", zap.String("status", app.Status), zap.String("event_id", eventID))
	return true, nil
}

// inboundEvent 根据当前状态重建下一阶段需要消费的事件
func (j *ReconcileJob) inboundEvent(ctx context.Context, app *model.CreditApplication) (event.Event, error) {
	switch app.Status {
	case model.ApplicationStatusSubmitted:
		return &event.ApplicationSubmitted{
			ApplicationID:   app.ApplicationID,
			CustomerID:      app.CustomerID,
			RequestedAmount: app.RequestedAmount,
			CreditScore:     app.CreditScore,
			AnnualIncome:    app.AnnualIncome,
			Meta:            event.Meta{Timestamp: app.SubmittedAt},
		}, nil
	case model.ApplicationStatusRiskAssessed:
		a, err := j.assessments.GetByApplicationID(ctx, app.ApplicationID)
		if err != nil {
			return nil, err
		}
		return &event.RiskAssessed{
			AssessmentID:    a.AssessmentID,
			ApplicationID:   a.ApplicationID,
			RiskLevel:       a.RiskLevel,
			RiskScore:       a.RiskScore,
			AssessmentNotes: a.AssessmentNotes,
			Meta:            event.Meta{Timestamp: a.AssessedAt},
		}, nil
	default:
		return nil, errors.New("申请状态无需补偿: " + app.Status)
	}
}
