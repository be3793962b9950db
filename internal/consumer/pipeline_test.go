package consumer_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"creditflow/internal/apperr"
	"creditflow/internal/config"
	"creditflow/internal/consumer"
	"creditflow/internal/dedup"
	"creditflow/internal/event"
	"creditflow/internal/infrastructure/cache"
	"creditflow/internal/infrastructure/mq"
	"creditflow/internal/job"
	"creditflow/internal/model"
	"creditflow/internal/outbox"
	"creditflow/internal/repository"
	"creditflow/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type pipeline struct {
	db          *gorm.DB
	mr          *miniredis.Miniredis
	writer      *outbox.Writer
	dedup       *dedup.Service
	appCache    *cache.Cache
	apps        *repository.ApplicationRepository
	assessments *repository.AssessmentRepository
	outbox      *repository.OutboxRepository
	broker      *testutil.CapturePublisher
	publisher   *job.OutboxPublisher
	risk        *consumer.Stage
	decision    *consumer.Stage
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	db := testutil.NewDB(t)
	client, mr := testutil.NewRedis(t)
	registry := testutil.NewRegistry(t)
	writer := outbox.NewWriter(db, registry)
	svc := dedup.NewService(dedup.NewRedisStore(client), config.DedupConfig{
		Prefix:        "idempotency:",
		TTL:           7 * 24 * time.Hour,
		ProcessingTTL: 10 * time.Minute,
	}, zap.NewNop())
	appCache := cache.NewCache(client, "application:", time.Minute)
	broker := testutil.NewCapturePublisher()
	logger := zap.NewNop()

	return &pipeline{
		db:          db,
		mr:          mr,
		writer:      writer,
		dedup:       svc,
		appCache:    appCache,
		apps:        repository.NewApplicationRepository(db),
		assessments: repository.NewAssessmentRepository(db),
		outbox:      repository.NewOutboxRepository(db),
		broker:      broker,
		publisher: job.NewOutboxPublisher(db, registry, broker, nil, config.OutboxConfig{
			Interval:     time.Second,
			BatchSize:    100,
			Concurrency:  2,
			MaxRetryWarn: 10,
		}, logger),
		risk:     consumer.NewStage(consumer.NewRiskAssessor(db, appCache, logger), registry, svc, writer, "test-1", logger),
		decision: consumer.NewStage(consumer.NewDecisionMaker(db, appCache, logger), registry, svc, writer, "test-1", logger),
	}
}

func (p *pipeline) submit(t *testing.T, id string, score *int, income, amount int64) {
	t.Helper()
	ctx := context.Background()
	app := &model.CreditApplication{
		ApplicationID:   id,
		CustomerID:      "CUST-" + id,
		RequestedAmount: decimal.NewFromInt(amount),
		CreditScore:     score,
		AnnualIncome:    decimal.NewFromInt(income),
		Status:          model.ApplicationStatusSubmitted,
		SubmittedAt:     time.Now(),
	}
	require.NoError(t, p.writer.Commit(ctx, func(tx *gorm.DB) error {
		return p.apps.Create(ctx, tx, app)
	}, &event.ApplicationSubmitted{
		ApplicationID:   id,
		CustomerID:      app.CustomerID,
		RequestedAmount: app.RequestedAmount,
		CreditScore:     score,
		AnnualIncome:    app.AnnualIncome,
	}))
}

// deliver 发布一轮发件箱，并把发往 stage 主题的消息交给它处理
func (p *pipeline) deliver(t *testing.T, stage *consumer.Stage) []consumer.State {
	t.Helper()
	ctx := context.Background()
	p.publisher.RunOnce(ctx)

	var states []consumer.State
	for _, msg := range p.broker.Drain() {
		if msg.Topic != stage.Topic() {
			continue
		}
		st, err := stage.Process(ctx, msg)
		require.NoError(t, err)
		states = append(states, st)
	}
	return states
}

func intPtr(v int) *int { return &v }

func TestPipeline_LowRiskIsApproved(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "APP-1", intPtr(780), 100000, 20000)

	assert.Equal(t, []consumer.State{consumer.StateCommitted}, p.deliver(t, p.risk))

	assessment, err := p.assessments.GetByApplicationID(ctx, "APP-1")
	require.NoError(t, err)
	assert.Equal(t, model.RiskLevelLow, assessment.RiskLevel)
	assert.True(t, assessment.RiskScore.Equal(decimal.NewFromInt(8)))

	app, err := p.apps.GetByApplicationID(ctx, "APP-1")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationStatusRiskAssessed, app.Status)

	assert.Equal(t, []consumer.State{consumer.StateCommitted}, p.deliver(t, p.decision))

	app, err = p.apps.GetByApplicationID(ctx, "APP-1")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationStatusDecisionMade, app.Status)
	require.NotNil(t, app.Decision)
	assert.Equal(t, string(model.DecisionApproved), *app.Decision)
	assert.NotNil(t, app.DecidedAt)

	p.publisher.RunOnce(ctx)
	decided := p.broker.ByTopic("credit.decision.made")
	require.Len(t, decided, 1)
	assert.Equal(t, "APP-1", decided[0].Key)
	assert.Equal(t, string(event.TypeDecisionMade), decided[0].Header(mq.HeaderEventType))

	count, err := p.outbox.CountUnpublished(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPipeline_LowCreditScoreIsRejected(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "APP-2", intPtr(500), 100000, 20000)

	p.deliver(t, p.risk)
	assessment, err := p.assessments.GetByApplicationID(ctx, "APP-2")
	require.NoError(t, err)
	assert.Equal(t, model.RiskLevelCritical, assessment.RiskLevel)

	p.deliver(t, p.decision)
	app, err := p.apps.GetByApplicationID(ctx, "APP-2")
	require.NoError(t, err)
	require.NotNil(t, app.Decision)
	assert.Equal(t, string(model.DecisionRejected), *app.Decision)
}

func TestPipeline_RedeliveryIsSkipped(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "APP-3", intPtr(780), 100000, 20000)

	p.publisher.RunOnce(ctx)
	msgs := p.broker.Drain()
	require.Len(t, msgs, 1)

	st, err := p.risk.Process(ctx, msgs[0])
	require.NoError(t, err)
	assert.Equal(t, consumer.StateCommitted, st)

	st, err = p.risk.Process(ctx, msgs[0])
	require.NoError(t, err)
	assert.Equal(t, consumer.StateSkipped, st)

	var assessments int64
	require.NoError(t, p.db.Model(&model.RiskAssessment{}).Where("application_id = ?", "APP-3").Count(&assessments).Error)
	assert.Equal(t, int64(1), assessments)

	rows, err := p.outbox.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "only one RiskAssessmentCompleted was emitted")
}

func TestPipeline_RedeliveryAfterDedupExpiryIsStillSafe(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "APP-4", intPtr(700), 100000, 20000)

	p.publisher.RunOnce(ctx)
	msgs := p.broker.Drain()
	require.Len(t, msgs, 1)

	_, err := p.risk.Process(ctx, msgs[0])
	require.NoError(t, err)

	p.mr.FlushAll()
	st, err := p.risk.Process(ctx, msgs[0])
	require.NoError(t, err)
	assert.Equal(t, consumer.StateSkipped, st, "the stored status already moved past this stage")

	var assessments int64
	require.NoError(t, p.db.Model(&model.RiskAssessment{}).Count(&assessments).Error)
	assert.Equal(t, int64(1), assessments)
}

func TestPipeline_BrokerOutageDelaysButNeverDuplicates(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "APP-5", intPtr(780), 100000, 20000)

	p.broker.SetDown(true)
	for i := 0; i < 3; i++ {
		p.publisher.RunOnce(ctx)
	}
	rows, err := p.outbox.ListByEventID(ctx, "APP-5")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].RetryCount)
	assert.Equal(t, testutil.ErrBrokerDown.Error(), rows[0].LastError)

	p.broker.SetDown(false)
	assert.Equal(t, []consumer.State{consumer.StateCommitted}, p.deliver(t, p.risk))
	assert.Equal(t, []consumer.State{consumer.StateCommitted}, p.deliver(t, p.decision))

	p.publisher.RunOnce(ctx)
	assert.Len(t, p.broker.Messages(), 1, "exactly one decision is announced")
}

func TestStage_MissingApplicationIsConflictAndReleasesClaim(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	registry := testutil.NewRegistry(t)

	enc, err := registry.Encode(&event.ApplicationSubmitted{
		ApplicationID:   "APP-404",
		CustomerID:      "CUST",
		RequestedAmount: decimal.NewFromInt(1000),
	})
	require.NoError(t, err)
	msg := &mq.Message{
		Topic:   enc.Topic,
		Key:     enc.Key,
		Value:   enc.Payload,
		Headers: map[string]string{mq.HeaderEventType: string(enc.Type), mq.HeaderEventID: enc.EventID},
	}

	st, err := p.risk.Process(ctx, msg)
	assert.Equal(t, consumer.StateFailed, st)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.False(t, p.dedup.IsClaimed(ctx, string(event.TypeApplicationSubmitted), "APP-404"),
		"a failed attempt must not block the retry")
}

func TestStage_RejectsUndecodableAndForeignMessages(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)

	st, err := p.risk.Process(ctx, &mq.Message{Topic: "credit.application.submitted", Value: []byte(`{"applicationId":`)})
	assert.Equal(t, consumer.StateFailed, st)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = p.risk.Process(ctx, &mq.Message{Topic: "unknown.topic", Value: []byte(`{}`)})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = p.risk.Process(ctx, &mq.Message{
		Topic:   "credit.application.submitted",
		Value:   []byte(`{}`),
		Headers: map[string]string{mq.HeaderEventType: string(event.TypeDecisionMade)},
	})
	assert.ErrorIs(t, err, apperr.ErrValidation, "a stage only accepts the type it consumes")
}

func TestStage_DecisionBeforeAssessmentIsConflict(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "APP-6", intPtr(780), 100000, 20000)

	registry := testutil.NewRegistry(t)
	enc, err := registry.Encode(&event.RiskAssessed{
		AssessmentID:  "RSK-GHOST",
		ApplicationID: "APP-6",
		RiskLevel:     model.RiskLevelLow,
		RiskScore:     decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	_, err = p.decision.Process(ctx, &mq.Message{Topic: enc.Topic, Key: enc.Key, Value: enc.Payload})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	app, err := p.apps.GetByApplicationID(ctx, "APP-6")
	require.NoError(t, err)
	assert.Equal(t, model.ApplicationStatusSubmitted, app.Status)
}

func TestStage_CommitEvictsApplicationCache(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	p.submit(t, "APP-7", intPtr(780), 100000, 20000)

	app, err := p.apps.GetByApplicationID(ctx, "APP-7")
	require.NoError(t, err)
	require.NoError(t, p.appCache.Set(ctx, "APP-7", app))

	p.deliver(t, p.risk)

	var cached model.CreditApplication
	assert.ErrorIs(t, p.appCache.Get(ctx, "APP-7", &cached), cache.ErrMiss)
}

func TestDeadLetterWriter_PersistsAndAnnounces(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	w := consumer.NewDeadLetterWriter(consumer.StageRiskAssessment, p.db, p.writer)

	msg := &mq.Message{
		Topic:     "credit.application.submitted",
		Key:       "APP-8",
		Value:     []byte(`{"applicationId":`),
		Partition: 2,
		Offset:    17,
		Headers:   map[string]string{mq.HeaderEventType: string(event.TypeApplicationSubmitted), mq.HeaderEventID: "APP-8"},
	}
	require.NoError(t, w.Write(ctx, msg, 1, apperr.Validation("decode", assert.AnError)))

	letters, err := repository.NewDeadLetterRepository(p.db).ListByStage(ctx, consumer.StageRiskAssessment, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	dl := letters[0]
	assert.Equal(t, model.FailureTypeValidation, dl.FailureType)
	assert.Equal(t, int64(17), dl.Offset)
	assert.Equal(t, int32(2), dl.Partition)
	assert.Equal(t, "APP-8", dl.EventID)
	assert.Contains(t, dl.LastError, assert.AnError.Error())

	p.publisher.RunOnce(ctx)
	announced := p.broker.ByTopic("credit.dead-letter")
	require.Len(t, announced, 1)
	assert.Equal(t, "APP-8", announced[0].Key)
	assert.Equal(t, dl.DeadLetterID, announced[0].Header(mq.HeaderEventID))
}

func TestDeadLetterWriter_TruncatesLongErrors(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	w := consumer.NewDeadLetterWriter(consumer.StageDecision, p.db, p.writer)

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'x'
	}
	cause := apperr.Transient("store", &stringError{string(long)})
	require.NoError(t, w.Write(ctx, &mq.Message{Topic: "risk.assessment.completed", Key: "APP-9"}, 5, cause))

	letters, err := repository.NewDeadLetterRepository(p.db).ListByStage(ctx, consumer.StageDecision, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Len(t, letters[0].LastError, 2000)
	assert.Equal(t, model.FailureTypeTransient, letters[0].FailureType)
	assert.Equal(t, 5, letters[0].Attempts)
}

type stringError struct{ s string }

func (e *stringError) Error() string { return e.s }

func TestRetryingHandler_WithDeadLetterWriter(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	dlw := consumer.NewDeadLetterWriter(consumer.StageRiskAssessment, p.db, p.writer)
	h := mq.NewRetryingHandler(p.risk.Handle, dlw.Write, 3, time.Millisecond, zap.NewNop())

	msg := &mq.Message{Topic: "credit.application.submitted", Key: "APP-10", Value: []byte(`not json`)}
	require.NoError(t, h.Handle(ctx, msg), "a parked message is acknowledged")

	letters, err := repository.NewDeadLetterRepository(p.db).ListByStage(ctx, consumer.StageRiskAssessment, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 1, letters[0].Attempts)
}

func TestRetryingHandler_DeadLettersGarbageWithinColumnLimits(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t)
	dlw := consumer.NewDeadLetterWriter(consumer.StageRiskAssessment, p.db, p.writer)
	next := func(context.Context, *mq.Message) error {
		return apperr.Validation("decode", errors.New(strings.Repeat("申", 3000)))
	}
	h := mq.NewRetryingHandler(next, dlw.Write, 3, time.Millisecond, zap.NewNop())

	raw := []byte{0xff, 0xfe, 'x'}
	msg := &mq.Message{
		Topic: "credit.application.submitted",
		Key:   strings.Repeat("k", 200),
		Value: raw,
		Headers: map[string]string{
			mq.HeaderEventType: "bad\xff\xfetype",
			mq.HeaderEventID:   strings.Repeat("键", 100),
		},
	}
	require.NoError(t, h.Handle(ctx, msg), "the message is parked and its offset can be marked")

	letters, err := repository.NewDeadLetterRepository(p.db).ListByStage(ctx, consumer.StageRiskAssessment, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	dl := letters[0]

	for name, v := range map[string]string{
		"message_key": dl.MessageKey,
		"event_type":  dl.EventType,
		"event_id":    dl.EventID,
		"last_error":  dl.LastError,
		"payload":     dl.Payload,
	} {
		assert.True(t, utf8.ValidString(v), name)
	}
	assert.Equal(t, 64, utf8.RuneCountInString(dl.MessageKey))
	assert.Equal(t, 64, utf8.RuneCountInString(dl.EventID))
	assert.LessOrEqual(t, utf8.RuneCountInString(dl.EventType), 64)
	assert.Equal(t, 2000, utf8.RuneCountInString(dl.LastError))

	assert.Equal(t, model.PayloadEncodingBase64, dl.PayloadEncoding)
	decoded, err := base64.StdEncoding.DecodeString(dl.Payload)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)

	rows, err := p.outbox.FetchUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, dl.MessageKey, rows[0].MessageKey)
	assert.LessOrEqual(t, utf8.RuneCountInString(rows[0].MessageKey), 64)
	assert.True(t, utf8.ValidString(rows[0].Payload))
}
