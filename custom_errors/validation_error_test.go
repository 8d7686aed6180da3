package custom_errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_Collects(t *testing.T) {
	v := &ValidationError{}
	assert.False(t, v.HasError())
	assert.Equal(t, "", v.Error())

	first := errors.New("worker count must be positive")
	v.Add(first)
	v.Add(nil)
	assert.Equal(t, "validation failed: worker count must be positive", v.Error())

	v.Add(ErrInvalidCron)
	assert.True(t, v.HasError())
	assert.Len(t, v.Errors, 2)
	assert.Equal(t, "validation failed with 2 errors: worker count must be positive; invalid cron expression", v.Error())
	assert.ErrorIs(t, v, ErrInvalidCron)
	assert.ErrorIs(t, v, first)
}
