package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("send message: %w", NotFound("chat not found"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("timeout")
	err := Wrap(CodeConflict, "edit message", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "edit message: timeout", err.Error())
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("boom")))
	assert.Equal(t, http.StatusInternalServerError, CodeOf(errors.New("boom")).HTTPStatus())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation: http.StatusBadRequest,
		CodeForbidden:  http.StatusForbidden,
		CodeNotFound:   http.StatusNotFound,
		CodeConflict:   http.StatusConflict,
	}
	for code, want := range cases {
		assert.Equal(t, want, code.HTTPStatus(), code)
	}
}
