package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

type Decision string

const (
	DecisionApproved     Decision = "APPROVED"
	DecisionRejected     Decision = "REJECTED"
	DecisionManualReview Decision = "MANUAL_REVIEW"
)

// RiskAssessment 风险评估结果
// application_id 唯一：即使幂等层失效，同一申请也只会落一条评估
type RiskAssessment struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	AssessmentID    string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"assessment_id"`
	ApplicationID   string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"application_id"`
	RiskLevel       RiskLevel       `gorm:"type:varchar(20);not null" json:"risk_level"`
	RiskScore       decimal.Decimal `gorm:"type:decimal(5,2);not null" json:"risk_score"`
	AssessmentNotes string          `gorm:"type:varchar(1000)" json:"assessment_notes"`
	AssessedAt      time.Time       `gorm:"not null" json:"assessed_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (RiskAssessment) TableName() string {
	return "risk_assessment"
}
