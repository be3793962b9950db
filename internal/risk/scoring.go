// Package risk 风险评估阶段的评分规则和决策阶段的决策表
package risk

import (
	"fmt"

	"creditflow/internal/model"

	"github.com/shopspring/decimal"
)

const minimumCreditScore = 550

var (
	lowDTI        = decimal.RequireFromString("0.3")
	mediumDTI     = decimal.RequireFromString("0.5")
	maxScore      = decimal.NewFromInt(850)
	hundred       = decimal.NewFromInt(100)
	noScoreRating = decimal.NewFromInt(80)
)

type Input struct {
	CreditScore     *int
	AnnualIncome    decimal.Decimal
	RequestedAmount decimal.Decimal
}

type Result struct {
	Level model.RiskLevel
	Score decimal.Decimal
	Notes string
}

func Assess(in Input) Result {
	level := Level(in)
	return Result{
		Level: level,
		Score: Score(in.CreditScore),
		Notes: notes(level, in),
	}
}

// Level 信用分缺失或低于 550 直接判定 CRITICAL，否则按信用分和负债收入比分级
func Level(in Input) model.RiskLevel {
	if in.CreditScore == nil || *in.CreditScore < minimumCreditScore {
		return model.RiskLevelCritical
	}
	if !in.AnnualIncome.IsPositive() {
		return model.RiskLevelHigh
	}

	dti := in.RequestedAmount.DivRound(in.AnnualIncome, 2)
	cs := *in.CreditScore
	switch {
	case cs >= 750 && dti.LessThan(lowDTI):
		return model.RiskLevelLow
	case cs >= 650 && dti.LessThan(mediumDTI):
		return model.RiskLevelMedium
	default:
		return model.RiskLevelHigh
	}
}

// Score 0-100，信用分越高分数越低
func Score(creditScore *int) decimal.Decimal {
	if creditScore == nil {
		return noScoreRating
	}
	return maxScore.Sub(decimal.NewFromInt(int64(*creditScore))).
		DivRound(maxScore, 2).
		Mul(hundred)
}

func notes(level model.RiskLevel, in Input) string {
	cs := "none"
	if in.CreditScore != nil {
		cs = fmt.Sprintf("%d", *in.CreditScore)
	}
	return fmt.Sprintf("Risk Level: %s. Credit Score: %s, Annual Income: %s, Requested: %s",
		level, cs, in.AnnualIncome.String(), in.RequestedAmount.String())
}

// Decide 风险等级到审批结果的映射
func Decide(level model.RiskLevel) (model.Decision, string) {
	switch level {
	case model.RiskLevelLow:
		return model.DecisionApproved, "low risk, auto-approved"
	case model.RiskLevelMedium:
		return model.DecisionManualReview, "medium risk, sent to manual review"
	default:
		return model.DecisionRejected, fmt.Sprintf("%s risk, auto-rejected", level)
	}
}
