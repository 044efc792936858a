package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError(t *testing.T) {
	t.Run("message includes cause", func(t *testing.T) {
		cause := errors.New("connection refused")
		err := NewDependencyUnavailableError("classifier", "call failed").WithCause(cause)

		assert.Equal(t, "classifier unavailable: call failed: connection refused", err.Error())
		assert.ErrorIs(t, err, cause)
		assert.True(t, err.Retryable)
		assert.Equal(t, "classifier", err.Details["dependency"])
	})

	t.Run("type detection through wrapping", func(t *testing.T) {
		err := Wrap(NewValidationError("SCORE_RANGE", "toxicity out of range"), "analyze")

		assert.True(t, IsType(err, ErrorTypeValidation))
		assert.False(t, IsType(err, ErrorTypeConfig))
		assert.False(t, IsRetryable(err))
		assert.Equal(t, http.StatusBadRequest, GetStatusCode(err))
	})

	t.Run("plain errors", func(t *testing.T) {
		err := fmt.Errorf("boom")

		assert.False(t, IsType(err, ErrorTypeInternal))
		assert.False(t, IsRetryable(err))
		assert.Equal(t, http.StatusInternalServerError, GetStatusCode(err))
		assert.Nil(t, Wrap(nil, "ignored"))
	})

	t.Run("constructors", func(t *testing.T) {
		tests := []struct {
			name string
			err  *AppError
			typ  ErrorType
		}{
			{"config", NewConfigError("moderation.warning_threshold", "must be below timeout"), ErrorTypeConfig},
			{"execution", NewExecutionFailure("timeout", "platform rejected"), ErrorTypeExecutionFailure},
			{"not found", NewNotFoundError("user"), ErrorTypeNotFound},
			{"internal", NewInternalError("unexpected"), ErrorTypeInternal},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.typ, tt.err.Type)
				assert.NotEmpty(t, tt.err.Code)
				assert.NotEmpty(t, tt.err.Error())
			})
		}
	})
}
