package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesDerivedErrors(t *testing.T) {
	err := ErrJobAlreadyActive.WithDetail("action", "regenerate_changes").WithCause(errors.New("duplicate key"))

	assert.True(t, errors.Is(err, ErrJobAlreadyActive))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.True(t, IsJobAlreadyActive(err))
	assert.True(t, IsConflict(err))

	wrapped := fmt.Errorf("submit: %w", err)
	assert.True(t, IsJobAlreadyActive(wrapped))
	assert.Equal(t, http.StatusConflict, ToHTTPStatus(wrapped))
}

func TestError_MessageAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := ErrValidation.WithMessage("project_id must be positive").WithCause(cause)

	assert.Equal(t, "VALIDATION_ERROR: project_id must be positive (caused by: boom)", err.Error())
	assert.Same(t, cause, errors.Unwrap(err))
	assert.Equal(t, "validation failed", ErrValidation.Message)
}

func TestClassify(t *testing.T) {
	var syntaxErr error = json.Unmarshal([]byte("{"), &struct{}{})
	require.Error(t, syntaxErr)

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"referent missing", ErrReferentMissing.WithMessage("event 4 was deleted"), ClassSkip},
		{"malformed", ErrMalformedMessage.WithCause(errors.New("id is not a number")), ClassPermanent},
		{"validation", ErrValidation, ClassPermanent},
		{"not found", fmt.Errorf("load: %w", ErrNotFound), ClassPermanent},
		{"service unavailable", ErrServiceUnavailable.WithCause(errors.New("redis down")), ClassTransient},
		{"lease lost", ErrLeaseLost, ClassTransient},
		{"json syntax", syntaxErr, ClassPermanent},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"unknown", errors.New("connection reset"), ClassTransient},
		{"panic", RecoverPanic("nil map"), ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err), tt.want.String())
		})
	}
}

func TestRetryability(t *testing.T) {
	assert.True(t, ErrServiceUnavailable.IsRetryable())
	assert.False(t, ErrServiceUnavailable.IsFatal())

	assert.True(t, ErrValidation.IsFatal())
	assert.True(t, ErrLeaseLost.IsRetryable())
	assert.True(t, ErrInternal.WithCause(ErrMalformedMessage).IsFatal())
	assert.True(t, ErrNotFound.AsRetryable().IsRetryable())
}

func TestToErrorResponse(t *testing.T) {
	err := ErrJobAlreadyActive.WithDetail("owner_id", "12").WithDetail("stack_trace", "...")
	resp := ToErrorResponse(err)

	assert.Equal(t, "JOB_ALREADY_ACTIVE", resp["error_code"])
	assert.Equal(t, ErrJobAlreadyActive.Message, resp["error"])
	details, ok := resp["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "12", details["owner_id"])
	assert.NotContains(t, details, "stack_trace")

	plain := ToErrorResponse(errors.New("driver: bad connection"))
	assert.Equal(t, "INTERNAL_ERROR", plain["error_code"])
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(errors.New("x")))
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic(errors.New("index out of range"))
	var appErr *Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Equal(t, true, appErr.Details["panic"])
	assert.NotEmpty(t, appErr.Details["stack_trace"])
	assert.True(t, appErr.IsFatal())
}
