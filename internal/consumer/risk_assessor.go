package consumer

import (
	"context"
	"errors"
	"time"

	"creditflow/internal/apperr"
	"creditflow/internal/event"
	"creditflow/internal/model"
	"creditflow/internal/repository"
	"creditflow/internal/risk"
	"creditflow/pkg/idgen"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const StageRiskAssessment = "risk-assessment"

// RiskAssessor 消费 CreditApplicationSubmitted，写入风险评估并推进到 RISK_ASSESSED
type RiskAssessor struct {
	apps        *repository.ApplicationRepository
	assessments *repository.AssessmentRepository
	cache       CacheEvicter
	logger      *zap.Logger
}

func NewRiskAssessor(db *gorm.DB, cache CacheEvicter, logger *zap.Logger) *RiskAssessor {
	return &RiskAssessor{
		apps:        repository.NewApplicationRepository(db),
		assessments: repository.NewAssessmentRepository(db),
		cache:       cache,
		logger:      logger.Named("RiskAssessor"),
	}
}

func (p *RiskAssessor) Name() string         { return StageRiskAssessment }
func (p *RiskAssessor) Consumes() event.Type { return event.TypeApplicationSubmitted }

func (p *RiskAssessor) Process(ctx context.Context, evt event.Event) (*Outcome, error) {
	submitted, ok := evt.(*event.ApplicationSubmitted)
	if !ok {
		return nil, apperr.Validation("RiskAssessor.Process", errors.New("事件类型与阶段不匹配"))
	}

	app, err := loadApplication(ctx, p.apps, submitted.ApplicationID)
	if err != nil {
		return nil, err
	}
	if model.StatusReached(app.Status, model.ApplicationStatusRiskAssessed) {
		return nil, nil
	}

	result := risk.Assess(risk.Input{
		CreditScore:     app.CreditScore,
		AnnualIncome:    app.AnnualIncome,
		RequestedAmount: app.RequestedAmount,
	})

	now := time.Now()
	assessment := &model.RiskAssessment{
		AssessmentID:    idgen.GenerateAssessmentID(),
		ApplicationID:   app.ApplicationID,
		RiskLevel:       result.Level,
		RiskScore:       result.Score,
		AssessmentNotes: result.Notes,
		AssessedAt:      now,
	}

	p.logger.Info("风险评估完成",
		zap.String("application_id", app.ApplicationID),
		zap.String("risk_level", string(result.Level)),
		zap.String("risk_score", result.Score.String()),
	)

	return &Outcome{
		Apply: func(tx *gorm.DB) error {
			if err := p.assessments.Create(ctx, tx, assessment); err != nil {
				return err
			}
			return transition(ctx, p.apps, tx, app.ApplicationID,
				model.ApplicationStatusSubmitted, model.ApplicationStatusRiskAssessed, nil)
		},
		Emit: []event.Event{&event.RiskAssessed{
			AssessmentID:    assessment.AssessmentID,
			ApplicationID:   assessment.ApplicationID,
			RiskLevel:       assessment.RiskLevel,
			RiskScore:       assessment.RiskScore,
			AssessmentNotes: assessment.AssessmentNotes,
			Meta:            event.Meta{Timestamp: now},
		}},
		AfterCommit: evictApplication(p.cache, p.logger, app.ApplicationID),
	}, nil
}

func loadApplication(ctx context.Context, apps *repository.ApplicationRepository, applicationID string) (*model.CreditApplication, error) {
	app, err := apps.GetByApplicationID(ctx, applicationID)
	if errors.Is(err, repository.ErrApplicationNotFound) {
		return nil, apperr.Conflict("loadApplication", err)
	}
	if err != nil {
		return nil, apperr.Transient("loadApplication", err)
	}
	return app, nil
}

func transition(ctx context.Context, apps *repository.ApplicationRepository, tx *gorm.DB, applicationID, from, to string, extra map[string]interface{}) error {
	err := apps.UpdateStatus(ctx, tx, applicationID, from, to, extra)
	if errors.Is(err, repository.ErrStatusConflict) {
		return apperr.Conflict("transition", err)
	}
	return err
}

func evictApplication(cache CacheEvicter, logger *zap.Logger, applicationID string) func(context.Context) {
	return func(ctx context.Context) {
		if cache == nil {
			return
		}
		if err := cache.Evict(ctx, applicationID); err != nil {
			logger.Warn("清理申请缓存失败", zap.String("application_id", applicationID), zap.Error(err))
		}
	}
}
