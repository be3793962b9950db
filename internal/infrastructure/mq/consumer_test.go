package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"creditflow/internal/apperr"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSession struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "member" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, m.Offset)
}

type fakeClaim struct {
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "topic" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func claimOf(offsets ...int64) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(offsets))
	for _, o := range offsets {
		ch <- &sarama.ConsumerMessage{Topic: "topic", Offset: o, Value: []byte("{}")}
	}
	close(ch)
	return &fakeClaim{ch: ch}
}

func TestConsumeClaim_MarksOnlyAfterSuccess(t *testing.T) {
	sess := &fakeSession{ctx: context.Background()}
	handler := func(_ context.Context, msg *Message) error {
		if msg.Offset == 2 {
			return errors.New("store down")
		}
		return nil
	}
	c := NewGroupConsumer(nil, []string{"topic"}, handler, zap.NewNop())

	err := c.ConsumeClaim(sess, claimOf(0, 1, 2, 3))
	require.Error(t, err)
	assert.Equal(t, []int64{0, 1}, sess.marked, "failed message and everything after it stay unmarked")
}

func TestConsumeClaim_ExitsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess := &fakeSession{ctx: ctx}
	c := NewGroupConsumer(nil, nil, func(context.Context, *Message) error { return nil }, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- c.ConsumeClaim(sess, &fakeClaim{ch: make(chan *sarama.ConsumerMessage)}) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not return after the session ended")
	}
}

func TestRetryingHandler_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	next := func(context.Context, *Message) error {
		calls++
		if calls < 3 {
			return apperr.Transient("test", errors.New("flaky"))
		}
		return nil
	}
	dead := 0
	h := NewRetryingHandler(next, func(context.Context, *Message, int, error) error {
		dead++
		return nil
	}, 5, time.Millisecond, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), &Message{Topic: "t"}))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 0, dead)
}

func TestRetryingHandler_ValidationGoesStraightToDeadLetter(t *testing.T) {
	calls := 0
	next := func(context.Context, *Message) error {
		calls++
		return apperr.Validation("decode", errors.New("bad json"))
	}
	var gotAttempts int
	var gotCause error
	h := NewRetryingHandler(next, func(_ context.Context, _ *Message, attempts int, cause error) error {
		gotAttempts, gotCause = attempts, cause
		return nil
	}, 5, time.Millisecond, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), &Message{Topic: "t"}))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, gotAttempts)
	assert.ErrorIs(t, gotCause, apperr.ErrValidation)
}

func TestRetryingHandler_ExhaustsAttempts(t *testing.T) {
	calls := 0
	next := func(context.Context, *Message) error {
		calls++
		return errors.New("still down")
	}
	var gotAttempts int
	h := NewRetryingHandler(next, func(_ context.Context, _ *Message, attempts int, _ error) error {
		gotAttempts = attempts
		return nil
	}, 3, time.Millisecond, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), &Message{Topic: "t"}))
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, gotAttempts)
}

func TestRetryingHandler_DeadLetterFailureKeepsMessageUnacked(t *testing.T) {
	next := func(context.Context, *Message) error { return apperr.Validation("decode", errors.New("bad")) }
	h := NewRetryingHandler(next, func(context.Context, *Message, int, error) error {
		return errors.New("db down")
	}, 3, time.Millisecond, zap.NewNop())

	err := h.Handle(context.Background(), &Message{Topic: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRetryingHandler_RecoversPanic(t *testing.T) {
	calls := 0
	next := func(context.Context, *Message) error {
		calls++
		if calls == 1 {
			panic("nil map")
		}
		return nil
	}
	h := NewRetryingHandler(next, func(context.Context, *Message, int, error) error {
		t.Fatal("should not dead-letter")
		return nil
	}, 3, time.Millisecond, zap.NewNop())

	require.NoError(t, h.Handle(context.Background(), &Message{Topic: "t"}))
	assert.Equal(t, 2, calls)
}
