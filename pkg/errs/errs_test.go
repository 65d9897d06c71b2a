package errs_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xhad/doctorbot/pkg/errs"
)

func TestFromContext(t *testing.T) {
	err := errs.FromContext("embed query", context.DeadlineExceeded)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, errs.Retryable(err))

	other := errs.FromContext("embed query", errors.New("boom"))
	assert.NotErrorIs(t, other, errs.ErrTimeout)
	assert.False(t, errs.Retryable(other))

	assert.NoError(t, errs.FromContext("noop", nil))
}

func TestKindsWrap(t *testing.T) {
	err := fmt.Errorf("load: %w", errs.Configuration("mapping has %d ids, index has %d", 3, 4))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Contains(t, err.Error(), "mapping has 3 ids, index has 4")
	assert.False(t, errs.Retryable(err))

	assert.ErrorIs(t, errs.Generation("bad json"), errs.ErrGeneration)
	assert.ErrorIs(t, errs.Parse("line 3"), errs.ErrParse)
	assert.ErrorIs(t, errs.BadRequest("empty query"), errs.ErrBadRequest)
}
