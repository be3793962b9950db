package repository

import (
	"context"
	"errors"

	"creditflow/internal/model"

	"gorm.io/gorm"
)

var ErrAssessmentNotFound = errors.New("风险评估不存在")

type AssessmentRepository struct {
	db *gorm.DB
}

func NewAssessmentRepository(db *gorm.DB) *AssessmentRepository {
	return &AssessmentRepository{db: db}
}

func (r *AssessmentRepository) Create(ctx context.Context, tx *gorm.DB, assessment *model.RiskAssessment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(assessment).Error
}

func (r *AssessmentRepository) GetByApplicationID(ctx context.Context, applicationID string) (*model.RiskAssessment, error) {
	return r.first(ctx, "application_id = ?", applicationID)
}

func (r *AssessmentRepository) GetByAssessmentID(ctx context.Context, assessmentID string) (*model.RiskAssessment, error) {
	return r.first(ctx, "assessment_id = ?", assessmentID)
}

func (r *AssessmentRepository) first(ctx context.Context, query string, arg string) (*model.RiskAssessment, error) {
	var assessment model.RiskAssessment
	err := r.db.WithContext(ctx).Where(query, arg).First(&assessment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssessmentNotFound
		}
		return nil, err
	}
	return &assessment, nil
}
