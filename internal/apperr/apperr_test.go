package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("submit: %w", Persistence("outbox.Commit", cause))

	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFailureType(t *testing.T) {
	assert.Equal(t, "validation", FailureType(Validation("decode", nil)))
	assert.Equal(t, "conflict", FailureType(Conflict("load", errors.New("missing"))))
	assert.Equal(t, "transient", FailureType(errors.New("boom")))
	assert.True(t, IsConflict(fmt.Errorf("x: %w", Conflict("y", nil))))
}
