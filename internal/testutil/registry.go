package testutil

import (
	"testing"

	"creditflow/internal/config"
	"creditflow/internal/event"

	"github.com/stretchr/testify/require"
)

func Topics() config.KafkaTopicConfig {
	return config.KafkaTopicConfig{
		ApplicationSubmitted: "credit.application.submitted",
		RiskAssessed:         "risk.assessment.completed",
		DecisionMade:         "credit.decision.made",
		DeadLetter:           "credit.dead-letter",
	}
}

func NewRegistry(t testing.TB) *event.Registry {
	t.Helper()
	r, err := event.NewDefaultRegistry(Topics())
	require.NoError(t, err)
	return r
}
