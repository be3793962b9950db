package repository

import (
	"context"
	"testing"
	"time"

	"creditflow/internal/model"
	"creditflow/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newApplication(id string) *model.CreditApplication {
	score := 700
	return &model.CreditApplication{
		ApplicationID:   id,
		CustomerID:      "CUST-" + id,
		RequestedAmount: decimal.NewFromInt(20000),
		CreditScore:     &score,
		AnnualIncome:    decimal.NewFromInt(100000),
		Status:          model.ApplicationStatusSubmitted,
		SubmittedAt:     time.Now(),
	}
}

func TestApplicationRepository_GuardedTransition(t *testing.T) {
	ctx := context.Background()
	repo := NewApplicationRepository(testutil.NewDB(t))
	require.NoError(t, repo.Create(ctx, nil, newApplication("APP-1")))

	_, err := repo.GetByApplicationID(ctx, "APP-404")
	assert.ErrorIs(t, err, ErrApplicationNotFound)

	err = repo.UpdateStatus(ctx, nil, "APP-1", model.ApplicationStatusSubmitted, model.ApplicationStatusDecisionMade, nil)
	assert.ErrorIs(t, err, ErrStatusConflict, "skipping a stage is not a valid transition")

	require.NoError(t, repo.UpdateStatus(ctx, nil, "APP-1", model.ApplicationStatusSubmitted, model.ApplicationStatusRiskAssessed, nil))

	err = repo.UpdateStatus(ctx, nil, "APP-1", model.ApplicationStatusSubmitted, model.ApplicationStatusRiskAssessed, nil)
	assert.ErrorIs(t, err, ErrStatusConflict, "second writer loses the race")

	now := time.Now()
	decision := string(model.DecisionApproved)
	require.NoError(t, repo.UpdateStatus(ctx, nil, "APP-1", model.ApplicationStatusRiskAssessed, model.ApplicationStatusDecisionMade, map[string]interface{}{
		"decision":        &decision,
		"decision_reason": "low risk",
		"decided_at":      &now,
	}))

	app, err := repo.GetByApplicationID(ctx, "APP-1")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationStatusDecisionMade, app.Status)
	require.NotNil(t, app.Decision)
	assert.Equal(t, "APPROVED", *app.Decision)
	assert.Equal(t, "low risk", app.DecisionReason)
	assert.NotNil(t, app.DecidedAt)
	assert.True(t, app.RequestedAmount.Equal(decimal.NewFromInt(20000)))
}

func TestApplicationRepository_ListStaleAndTouch(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewApplicationRepository(db)

	old := newApplication("APP-OLD")
	require.NoError(t, repo.Create(ctx, nil, old))
	require.NoError(t, repo.Create(ctx, nil, newApplication("APP-NEW")))
	require.NoError(t, db.Model(&model.CreditApplication{}).
		Where("application_id = ?", "APP-OLD").
		UpdateColumn("updated_at", time.Now().Add(-time.Hour)).Error)

	stale, err := repo.ListStale(ctx, []string{model.ApplicationStatusSubmitted}, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "APP-OLD", stale[0].ApplicationID)

	require.NoError(t, repo.Touch(ctx, nil, "APP-OLD"))
	stale, err = repo.ListStale(ctx, []string{model.ApplicationStatusSubmitted}, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestAssessmentRepository_OnePerApplication(t *testing.T) {
	ctx := context.Background()
	repo := NewAssessmentRepository(testutil.NewDB(t))

	first := &model.RiskAssessment{
		AssessmentID:  "RSK-1",
		ApplicationID: "APP-1",
		RiskLevel:     model.RiskLevelLow,
		RiskScore:     decimal.NewFromInt(8),
		AssessedAt:    time.Now(),
	}
	require.NoError(t, repo.Create(ctx, nil, first))

	dup := *first
	dup.ID = 0
	dup.AssessmentID = "RSK-2"
	assert.Error(t, repo.Create(ctx, nil, &dup), "unique application_id rejects a second assessment")

	got, err := repo.GetByApplicationID(ctx, "APP-1")
	require.NoError(t, err)
	assert.Equal(t, "RSK-1", got.AssessmentID)

	got, err = repo.GetByAssessmentID(ctx, "RSK-1")
	require.NoError(t, err)
	assert.Equal(t, model.RiskLevelLow, got.RiskLevel)

	_, err = repo.GetByApplicationID(ctx, "APP-2")
	assert.ErrorIs(t, err, ErrAssessmentNotFound)
}

func outboxRow(eventID, key string, createdAt time.Time) *model.OutboxEvent {
	return &model.OutboxEvent{
		EventID:     eventID,
		EventType:   "CreditApplicationSubmitted",
		MessageKey:  key,
		Destination: "credit.application.submitted",
		Payload:     `{}`,
		CreatedAt:   createdAt,
	}
}

func TestOutboxRepository_FetchOrderAndMark(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository(testutil.NewDB(t))

	base := time.Now().Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, nil, outboxRow("E2", "A", base.Add(time.Second))))
	require.NoError(t, repo.Create(ctx, nil, outboxRow("E1", "A", base)))
	require.NoError(t, repo.Create(ctx, nil, outboxRow("E3", "B", base.Add(time.Second))))

	rows, err := repo.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"E1", "E2", "E3"}, []string{rows[0].EventID, rows[1].EventID, rows[2].EventID})
	assert.False(t, rows[0].Published)
	assert.Nil(t, rows[0].PublishedAt)
	assert.Equal(t, 1, rows[0].SchemaVersion)

	ok, err := repo.MarkPublished(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkPublished(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.False(t, ok, "published rows are never marked twice")

	rows, err = repo.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	published, err := repo.ListByEventID(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, published, 1)
	assert.True(t, published[0].Published)
	assert.NotNil(t, published[0].PublishedAt)

	limited, err := repo.FetchUnpublished(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestOutboxRepository_RecordFailureAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository(testutil.NewDB(t))

	oldAt := time.Now().Add(-10 * time.Minute)
	require.NoError(t, repo.Create(ctx, nil, outboxRow("OLD", "A", oldAt)))
	require.NoError(t, repo.Create(ctx, nil, outboxRow("NEW", "B", time.Now())))

	rows, err := repo.ListByEventID(ctx, "OLD")
	require.NoError(t, err)
	id := rows[0].ID

	require.NoError(t, repo.RecordFailure(ctx, id, "broker unavailable"))
	require.NoError(t, repo.RecordFailure(ctx, id, "still unavailable"))

	rows, err = repo.ListByEventID(ctx, "OLD")
	require.NoError(t, err)
	assert.Equal(t, 2, rows[0].RetryCount)
	assert.Equal(t, "still unavailable", rows[0].LastError)
	assert.False(t, rows[0].Published)

	stuck, err := repo.FindStuck(ctx, time.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "OLD", stuck[0].EventID)

	count, err := repo.CountUnpublished(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	has, err := repo.HasUnpublished(ctx, "CreditApplicationSubmitted", "NEW")
	require.NoError(t, err)
	assert.True(t, has)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Unpublished)
	assert.Equal(t, int64(1), stats.Retrying)
	require.NotNil(t, stats.OldestUnpublishedAt)
	assert.WithinDuration(t, oldAt, *stats.OldestUnpublishedAt, time.Second)

	_, err = repo.MarkPublished(ctx, id)
	require.NoError(t, err)
	require.NoError(t, repo.RecordFailure(ctx, id, "late failure"))
	rows, err = repo.ListByEventID(ctx, "OLD")
	require.NoError(t, err)
	assert.Equal(t, 2, rows[0].RetryCount, "failures are not recorded against published rows")
}

func TestDeadLetterRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewDeadLetterRepository(testutil.NewDB(t))

	require.NoError(t, repo.Create(ctx, nil, &model.DeadLetter{
		DeadLetterID: "DLQ-1",
		Stage:        "risk-assessment",
		Topic:        "credit.application.submitted",
		Partition:    1,
		Offset:       9,
		FailureType:  model.FailureTypeValidation,
		Attempts:     1,
		LastError:    "bad json",
	}))

	letters, err := repo.ListByStage(ctx, "risk-assessment", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, int64(9), letters[0].Offset)

	letters, err = repo.ListByStage(ctx, "decision", 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}
