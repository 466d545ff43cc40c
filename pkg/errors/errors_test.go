package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorFormatting(t *testing.T) {
	err := NewWithStatus(ErrCodeCallNotFound, "call not found", http.StatusNotFound)
	assert.Equal(t, "CALL_NOT_FOUND: call not found", err.Error())
	assert.Equal(t, http.StatusNotFound, err.StatusCode)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(ErrCodeInternal, "call operation failed", cause)

	assert.Equal(t, "INTERNAL_ERROR: call operation failed (caused by: connection refused)", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, http.StatusInternalServerError, err.StatusCode)
}

func TestNewDefaultsToInternalStatus(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, New(ErrCodeNegotiation, "negotiation failed").StatusCode)
}
