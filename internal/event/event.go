// Package event 定义流水线各阶段之间传递的事件，以及类型标签到结构和主题的注册表
package event

import (
	"time"

	"creditflow/internal/model"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeApplicationSubmitted Type = "CreditApplicationSubmitted"
	TypeRiskAssessed         Type = "RiskAssessmentCompleted"
	TypeDecisionMade         Type = "CreditDecisionMade"
	TypeDeadLetterRecorded   Type = "DeadLetterRecorded"
)

// Event 发件箱能承载的所有事件
// EventID 用作幂等键，取业务 ID，重复投递时保持不变
type Event interface {
	EventType() Type
	EventID() string
	PartitionKey() string
	stampIfZero(now time.Time)
}

// Meta 所有事件共有的字段
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
}

func (m *Meta) stampIfZero(now time.Time) {
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
}

// ApplicationSubmitted 申请提交
type ApplicationSubmitted struct {
	ApplicationID   string          `json:"applicationId" validate:"required,max=64"`
	CustomerID      string          `json:"customerId" validate:"required,max=64"`
	RequestedAmount decimal.Decimal `json:"requestedAmount" validate:"gt=0"`
	CreditScore     *int            `json:"creditScore,omitempty" validate:"omitempty,gte=300,lte=850"`
	AnnualIncome    decimal.Decimal `json:"annualIncome" validate:"gte=0"`
	Meta
}

func (e *ApplicationSubmitted) EventType() Type      { return TypeApplicationSubmitted }
func (e *ApplicationSubmitted) EventID() string      { return e.ApplicationID }
func (e *ApplicationSubmitted) PartitionKey() string { return e.ApplicationID }

// RiskAssessed 风险评估完成
type RiskAssessed struct {
	AssessmentID    string          `json:"assessmentId" validate:"required,max=64"`
	ApplicationID   string          `json:"applicationId" validate:"required,max=64"`
	RiskLevel       model.RiskLevel `json:"riskLevel" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	RiskScore       decimal.Decimal `json:"riskScore" validate:"gte=0,lte=100"`
	AssessmentNotes string          `json:"assessmentNotes,omitempty" validate:"max=1000"`
	Meta
}

func (e *RiskAssessed) EventType() Type      { return TypeRiskAssessed }
func (e *RiskAssessed) EventID() string      { return e.AssessmentID }
func (e *RiskAssessed) PartitionKey() string { return e.ApplicationID }

// DecisionMade 授信决策已作出
type DecisionMade struct {
	DecisionID    string         `json:"decisionId" validate:"required,max=64"`
	ApplicationID string         `json:"applicationId" validate:"required,max=64"`
	AssessmentID  string         `json:"assessmentId" validate:"required,max=64"`
	Decision      model.Decision `json:"decision" validate:"required,oneof=APPROVED REJECTED MANUAL_REVIEW"`
	Reason        string         `json:"reason,omitempty"`
	Meta
}

func (e *DecisionMade) EventType() Type      { return TypeDecisionMade }
func (e *DecisionMade) EventID() string      { return e.DecisionID }
func (e *DecisionMade) PartitionKey() string { return e.ApplicationID }

// DeadLetterRecorded 消息重试耗尽进入死信后发出的通知
type DeadLetterRecorded struct {
	DeadLetterID string `json:"deadLetterId" validate:"required"`
	Stage        string `json:"stage" validate:"required"`
	SourceTopic  string `json:"sourceTopic"`
	Partition    int32  `json:"partition"`
	Offset       int64  `json:"offset"`
	MessageKey   string `json:"messageKey,omitempty"`
	SourceType   string `json:"sourceType,omitempty"`
	SourceID     string `json:"sourceId,omitempty"`
	FailureType  string `json:"failureType" validate:"required,oneof=validation conflict transient"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"lastError,omitempty"`
	Payload      string `json:"payload,omitempty"`
	Encoding     string `json:"payloadEncoding,omitempty" validate:"omitempty,oneof=text base64"`
	Meta
}

func (e *DeadLetterRecorded) EventType() Type { return TypeDeadLetterRecorded }
func (e *DeadLetterRecorded) EventID() string { return e.DeadLetterID }

// PartitionKey 沿用原消息的 key，保证同一申请的死信落在同一分区
func (e *DeadLetterRecorded) PartitionKey() string {
	if e.MessageKey != "" {
		return e.MessageKey
	}
	return e.DeadLetterID
}
