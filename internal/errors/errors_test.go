package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAPIErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *APIError
		wantStatus int
		wantCode   int
		wantMsg    string
	}{
		{
			name:       "invalid params",
			err:        InvalidParamsf("row %d is bad", 3),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidParams,
			wantMsg:    "row 3 is bad",
		},
		{
			name:       "not found",
			err:        NotFound("training job not found"),
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
			wantMsg:    "training job not found",
		},
		{
			name:       "conflict",
			err:        Conflictf("job is %s", "running"),
			wantStatus: http.StatusConflict,
			wantCode:   CodeConflict,
			wantMsg:    "job is running",
		},
		{
			name:       "unavailable",
			err:        Unavailablef("too many running jobs (%d)", 10),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   CodeUnavailable,
			wantMsg:    "too many running jobs (10)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, tt.err.Status)
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.Equal(t, tt.wantMsg, tt.err.Error())
			assert.Equal(t, tt.wantStatus, StatusOf(tt.err))
			assert.Equal(t, tt.wantCode, CodeOf(tt.err))
		})
	}
}

func TestInternalWrapsCause(t *testing.T) {
	cause := fmt.Errorf("cholesky failed")
	err := Internal(cause, "training failed")

	assert.Equal(t, "training failed: cholesky failed", err.Error())
	assert.Equal(t, cause, err.Unwrap())
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.Equal(t, CodeInternal, CodeOf(err))
}

// Errors keep their mapping when wrapped further up the call stack.
func TestStatusOfWrappedError(t *testing.T) {
	err := fmt.Errorf("handling request: %w", NotFound("training job not found"))
	assert.Equal(t, http.StatusNotFound, StatusOf(err))
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestStatusOfPlainError(t *testing.T) {
	err := fmt.Errorf("boom")
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.Equal(t, CodeInternal, CodeOf(err))
}
