package consumer

import (
	"context"
	"errors"
	"fmt"
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

const StageDecision = "decision"

// DecisionMaker 消费 RiskAssessmentCompleted，给出审批结果并推进到 DECISION_MADE
type DecisionMaker struct {
	apps        *repository.ApplicationRepository
	assessments *repository.AssessmentRepository
	cache       CacheEvicter
	logger      *zap.Logger
}

func NewDecisionMaker(db *gorm.DB, cache CacheEvicter, logger *zap.Logger) *DecisionMaker {
	return &DecisionMaker{
		apps:        repository.NewApplicationRepository(db),
		assessments: repository.NewAssessmentRepository(db),
		cache:       cache,
		logger:      logger.Named("DecisionMaker"),
	}
}

func (p *DecisionMaker) Name() string         { return StageDecision }
func (p *DecisionMaker) Consumes() event.Type { return event.TypeRiskAssessed }

func (p *DecisionMaker) Process(ctx context.Context, evt event.Event) (*Outcome, error) {
	assessed, ok := evt.(*event.RiskAssessed)
	if !ok {
		return nil, apperr.Validation("DecisionMaker.Process", errors.New("事件类型与阶段不匹配"))
	}

	app, err := loadApplication(ctx, p.apps, assessed.ApplicationID)
	if err != nil {
		return nil, err
	}
	if model.StatusReached(app.Status, model.ApplicationStatusDecisionMade) {
		return nil, nil
	}
	if app.Status != model.ApplicationStatusRiskAssessed {
		return nil, apperr.Conflict("DecisionMaker.Process",
			fmt.Errorf("申请 %s 尚未完成风险评估, status=%s", app.ApplicationID, app.Status))
	}

	assessment, err := p.assessments.GetByAssessmentID(ctx, assessed.AssessmentID)
	if errors.Is(err, repository.ErrAssessmentNotFound) {
		return nil, apperr.Conflict("DecisionMaker.Process", err)
	}
	if err != nil {
		return nil, apperr.Transient("DecisionMaker.Process", err)
	}
	if assessment.ApplicationID != app.ApplicationID {
		return nil, apperr.Conflict("DecisionMaker.Process",
			fmt.Errorf("评估 %s 不属于申请 %s", assessment.AssessmentID, app.ApplicationID))
	}

	decision, reason := risk.Decide(assessment.RiskLevel)
	now := time.Now()
	decisionStr := string(decision)

	p.logger.Info("审批完成",
		zap.String("application_id", app.ApplicationID),
		zap.String("risk_level", string(assessment.RiskLevel)),
		zap.String("decision", decisionStr),
	)

	return &Outcome{
		Apply: func(tx *gorm.DB) error {
			return transition(ctx, p.apps, tx, app.ApplicationID,
				model.ApplicationStatusRiskAssessed, model.ApplicationStatusDecisionMade,
				map[string]interface{}{
					"decision":        &decisionStr,
					"decision_reason": reason,
					"decided_at":      &now,
				})
		},
		Emit: []event.Event{&event.DecisionMade{
			DecisionID:    idgen.GenerateDecisionID(),
			ApplicationID: app.ApplicationID,
			AssessmentID:  assessment.AssessmentID,
			Decision:      decision,
			Reason:        reason,
			Meta:          event.Meta{Timestamp: now},
		}},
		AfterCommit: evictApplication(p.cache, p.logger, app.ApplicationID),
	}, nil
}
