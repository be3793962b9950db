package job

import (
	"context"
	"testing"
	"time"

	"creditflow/internal/config"
	"creditflow/internal/model"
	"creditflow/internal/repository"
	"creditflow/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOutboxMonitor_ReportsStuckAndBacklog(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)

	now := time.Now()
	for i, age := range []time.Duration{10 * time.Minute, 6 * time.Minute, time.Minute} {
		require.NoError(t, repo.Create(ctx, nil, &model.OutboxEvent{
			EventID:     "E" + string(rune('1'+i)),
			EventType:   "CreditApplicationSubmitted",
			MessageKey:  "APP",
			Destination: "credit.application.submitted",
			Payload:     `{}`,
			CreatedAt:   now.Add(-age),
		}))
	}

	m := NewOutboxMonitor(db, config.MonitorConfig{
		Interval:   time.Minute,
		StuckAfter: 5 * time.Minute,
		StuckLimit: 10,
		QueueWarn:  2,
	}, zap.NewNop())
	m.now = func() time.Time { return now }

	report, err := m.Check(ctx)
	require.NoError(t, err)
	require.Len(t, report.Stuck, 2)
	assert.Equal(t, "E1", report.Stuck[0].EventID, "oldest first")
	assert.Equal(t, int64(3), report.Unpublished)
	assert.True(t, report.QueueAlert)

	m.queueWarn = 3
	report, err = m.Check(ctx)
	require.NoError(t, err)
	assert.False(t, report.QueueAlert, "alert fires only above the threshold")
}

func TestOutboxMonitor_QuietWhenEmpty(t *testing.T) {
	m := NewOutboxMonitor(testutil.NewDB(t), config.MonitorConfig{
		StuckAfter: time.Minute,
		StuckLimit: 10,
		QueueWarn:  1,
	}, zap.NewNop())

	report, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Stuck)
	assert.Zero(t, report.Unpublished)
	assert.False(t, report.QueueAlert)
}
