package service

import (
	"context"
	"time"

	"creditflow/internal/event"
	"creditflow/internal/infrastructure/cache"
	"creditflow/internal/model"
	"creditflow/internal/outbox"
	"creditflow/internal/repository"
	"creditflow/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ApplicationService struct {
	writer          *outbox.Writer
	appRepo         *repository.ApplicationRepository
	assessmentRepo  *repository.AssessmentRepository
	outboxRepo      *repository.OutboxRepository
	appCache        *cache.Cache
	assessmentCache *cache.Cache
	logger          *zap.Logger
}

func NewApplicationService(db *gorm.DB, writer *outbox.Writer, appCache, assessmentCache *cache.Cache, logger *zap.Logger) *ApplicationService {
	return &ApplicationService{
		writer:          writer,
		appRepo:         repository.NewApplicationRepository(db),
		assessmentRepo:  repository.NewAssessmentRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		appCache:        appCache,
		assessmentCache: assessmentCache,
		logger:          logger.Named("ApplicationService"),
	}
}

type SubmitRequest struct {
	CustomerID      string
	RequestedAmount decimal.Decimal
	CreditScore     *int
	AnnualIncome    decimal.Decimal
}

// Submit 申请和 CreditApplicationSubmitted 事件在同一个事务里落库
// 参数非法返回 ValidationError，存储失败返回 PersistenceError
func (s *ApplicationService) Submit(ctx context.Context, req *SubmitRequest) (*model.CreditApplication, error) {
	now := time.Now()
	app := &model.CreditApplication{
		ApplicationID:   idgen.GenerateApplicationID(),
		CustomerID:      req.CustomerID,
		RequestedAmount: req.RequestedAmount,
		CreditScore:     req.CreditScore,
		AnnualIncome:    req.AnnualIncome,
		Status:          model.ApplicationStatusSubmitted,
		SubmittedAt:     now,
	}

	err := s.writer.Commit(ctx, func(tx *gorm.DB) error {
		return s.appRepo.Create(ctx, tx, app)
	}, &event.ApplicationSubmitted{
		ApplicationID:   app.ApplicationID,
		CustomerID:      app.CustomerID,
		RequestedAmount: app.RequestedAmount,
		CreditScore:     app.CreditScore,
		AnnualIncome:    app.AnnualIncome,
		Meta:            event.Meta{Timestamp: now},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("申请已提交",
		zap.String("application_id", app.ApplicationID),
		zap.String("customer_id", app.CustomerID),
		zap.String("requested_amount", app.RequestedAmount.String()),
	)
	return app, nil
}

func (s *ApplicationService) Get(ctx context.Context, applicationID string) (*model.CreditApplication, error) {
	return cache.GetOrLoad(ctx, s.appCache, applicationID, func(ctx context.Context) (*model.CreditApplication, error) {
		return s.appRepo.GetByApplicationID(ctx, applicationID)
	})
}

// GetAssessment 评估结果写入后不再变化，可以放心缓存
func (s *ApplicationService) GetAssessment(ctx context.Context, applicationID string) (*model.RiskAssessment, error) {
	return cache.GetOrLoad(ctx, s.assessmentCache, applicationID, func(ctx context.Context) (*model.RiskAssessment, error) {
		return s.assessmentRepo.GetByApplicationID(ctx, applicationID)
	})
}

func (s *ApplicationService) OutboxStats(ctx context.Context) (*repository.OutboxStats, error) {
	return s.outboxRepo.Stats(ctx)
}
