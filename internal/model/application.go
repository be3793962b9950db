package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	ApplicationStatusSubmitted    = "SUBMITTED"
	ApplicationStatusRiskAssessed = "RISK_ASSESSED"
	ApplicationStatusDecisionMade = "DECISION_MADE"
)

// ValidStatusTransitions 每个阶段只负责自己那一步的状态流转
var ValidStatusTransitions = map[string][]string{
	ApplicationStatusSubmitted:    {ApplicationStatusRiskAssessed},
	ApplicationStatusRiskAssessed: {ApplicationStatusDecisionMade},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

var statusRank = map[string]int{
	ApplicationStatusSubmitted:    1,
	ApplicationStatusRiskAssessed: 2,
	ApplicationStatusDecisionMade: 3,
}

// StatusReached 判断申请是否已经走到（或越过）某个状态
func StatusReached(currentStatus, status string) bool {
	return statusRank[currentStatus] >= statusRank[status]
}

type CreditApplication struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	ApplicationID   string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"application_id"`
	CustomerID      string          `gorm:"type:varchar(64);index;not null" json:"customer_id"`
	RequestedAmount decimal.Decimal `gorm:"type:decimal(18,2);not null" json:"requested_amount"`
	CreditScore     *int            `json:"credit_score"`
	AnnualIncome    decimal.Decimal `gorm:"type:decimal(18,2);not null;default:0" json:"annual_income"`
	Status          string          `gorm:"type:varchar(20);index;not null" json:"status"`
	Decision        *string         `gorm:"type:varchar(20)" json:"decision"`
	DecisionReason  string          `gorm:"type:varchar(256)" json:"decision_reason,omitempty"`
	SubmittedAt     time.Time       `gorm:"not null" json:"submitted_at"`
	DecidedAt       *time.Time      `json:"decided_at"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (CreditApplication) TableName() string {
	return "credit_application"
}
