package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		code   ErrorCode
		status int
	}{
		{ErrCodeTokenInvalid, http.StatusUnauthorized},
		{ErrCodeSubjectNotRecognized, http.StatusUnauthorized},
		{ErrCodeInvalidState, http.StatusBadRequest},
		{ErrCodeRedirectNotAllowed, http.StatusBadRequest},
		{ErrCodeTransport, http.StatusBadGateway},
		{ErrCodeProtocol, http.StatusBadGateway},
		{ErrCodeInvalidCACert, http.StatusInternalServerError},
		{ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.status, New(tt.code, "x").HTTPStatus)
		})
	}
}

func TestWrapChain(t *testing.T) {
	root := stderrors.New("connection refused")
	inner := NewTransportError(root, "introspection request failed")
	outer := fmt.Errorf("gate: %w", inner)

	bErr, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, ErrCodeTransport, bErr.Code)
	assert.True(t, stderrors.Is(outer, root))
	assert.True(t, IsCode(outer, ErrCodeTransport))
	assert.False(t, IsCode(outer, ErrCodeProtocol))
	assert.Equal(t, http.StatusBadGateway, GetHTTPStatus(outer))
	assert.Contains(t, inner.Error(), "connection refused")
}

func TestIsCodeNested(t *testing.T) {
	cause := New(ErrCodeInvalidCACert, "no certificate found")
	err := Wrap(cause, ErrCodeInvalidConfig, "trust configuration rejected")

	assert.True(t, IsCode(err, ErrCodeInvalidConfig))
	assert.True(t, IsCode(err, ErrCodeInvalidCACert))
	assert.Equal(t, ErrCodeInvalidConfig, GetErrorCode(err))
}

func TestPlainErrorDefaults(t *testing.T) {
	err := stderrors.New("boom")
	assert.Equal(t, ErrCodeInternal, GetErrorCode(err))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(err))
	assert.Empty(t, GetTraceID(err))
}

func TestDetailsAndStatusOverride(t *testing.T) {
	err := NewProtocolError(stderrors.New("bad json"), "malformed introspection response").
		WithDetails("status_code", 200).
		WithTraceID("abc").
		WithStatus(http.StatusInternalServerError)

	assert.Equal(t, 200, err.Details["status_code"])
	assert.Equal(t, "abc", GetTraceID(err))
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus)
}

func TestWriteHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteHTTP(rec, NewTransportError(stderrors.New("dial tcp 10.0.0.1:443: refused"), "upstream request failed"))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, string(ErrCodeTransport), rec.Header().Get("X-Error-Code"))
	assert.Equal(t, "upstream request failed\n", rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")

	rec = httptest.NewRecorder()
	WriteHTTP(rec, fmt.Errorf("opaque"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error\n", rec.Body.String())
}

func TestConstructors(t *testing.T) {
	cause := stderrors.New("disk full")

	tests := []struct {
		name   string
		err    *BridgeError
		code   ErrorCode
		status int
		msg    string
	}{
		{"invalid config", NewInvalidConfig("bad prefix"), ErrCodeInvalidConfig, http.StatusInternalServerError, "bad prefix"},
		{"internal wraps cause", NewInternalError(cause, "failed to store state"), ErrCodeInternal, http.StatusInternalServerError, "failed to store state"},
		{"formatted wrap", Wrapf(cause, ErrCodeInvalidConfig, "failed to read %s", "ca.pem"), ErrCodeInvalidConfig, http.StatusInternalServerError, "failed to read ca.pem"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
			assert.Equal(t, tt.msg, tt.err.Message)
			if tt.err.Cause != nil {
				assert.True(t, stderrors.Is(tt.err, cause))
			}
		})
	}
}
