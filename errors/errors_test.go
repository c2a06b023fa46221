package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsTrace(t *testing.T) {
	tcs := []struct {
		name     string
		err      *Err
		expected string
	}{
		{
			name:     "ErrWithoutCause",
			err:      ErrNotFound("capsule abc not found"),
			expected: "capsule abc not found",
		},
		{
			name: "ErrWithCauses",
			err: &Err{
				msg: "foo",
				cause: &Err{
					msg:   "bar",
					cause: &Err{msg: "qux"},
				},
			},
			expected: "foo\nCaused by: bar\nCaused by: qux",
		},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			actual := c.err.Trace()
			assert.Equal(t, c.expected, actual, "unexpected error trace")
		})
	}
}

func TestErrorsStatusCode(t *testing.T) {
	tcs := []struct {
		err          *Err
		expectedCode int
	}{
		{
			err:          ErrServiceFailure("fake"),
			expectedCode: http.StatusInternalServerError,
		},
		{
			err:          ErrNotFound("fake"),
			expectedCode: http.StatusNotFound,
		},
		{
			err:          ErrBadInput("fake"),
			expectedCode: http.StatusBadRequest,
		},
		{
			err:          ErrInvalidCondition("fake"),
			expectedCode: http.StatusBadRequest,
		},
		{
			err:          ErrConditionNotMet("fake"),
			expectedCode: http.StatusLocked,
		},
		{
			err:          ErrUnauthenticated("fake"),
			expectedCode: http.StatusUnauthorized,
		},
		{
			err:          ErrUnauthorized("fake"),
			expectedCode: http.StatusForbidden,
		},
		{
			err:          ErrUploadFailed("fake"),
			expectedCode: http.StatusBadGateway,
		},
	}
	for _, c := range tcs {
		code := c.err.StatusCode()
		assert.Equal(t, c.expectedCode, code, "unexpected status code")
	}
}
