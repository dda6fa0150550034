package errcodec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type httpError struct {
	msg        string
	statusCode int
	code       string
	cause      error
}

func (e *httpError) Error() string                     { return e.msg }
func (e *httpError) Unwrap() error                      { return e.cause }
func (e *httpError) ErrorName() string                  { return "HTTPError" }
func (e *httpError) ErrorProperties() map[string]any {
	return map[string]any{"statusCode": e.statusCode, "code": e.code}
}

func TestEncodeDecode_RoundTripsNameMessageProps(t *testing.T) {
	t.Parallel()

	root := errors.New("connection refused")
	mid := &httpError{msg: "upstream unavailable", statusCode: 503, code: "UPSTREAM_DOWN", cause: root}
	top := &httpError{msg: "request failed", statusCode: 500, code: "INTERNAL", cause: mid}

	enc := Encode(top)
	require.Equal(t, "HTTPError", enc.Name)
	require.Equal(t, "request failed", enc.Message)
	require.Equal(t, 500, enc.OwnProps["statusCode"])
	require.NotNil(t, enc.Cause)
	require.Equal(t, "upstream unavailable", enc.Cause.Message)
	require.NotNil(t, enc.Cause.Cause)
	require.Equal(t, "connection refused", enc.Cause.Cause.Message)

	decoded := Decode(enc)
	var d *Decoded
	require.True(t, errors.As(decoded, &d))
	require.Equal(t, "HTTPError", d.ErrorName())
	require.Equal(t, 503, func() int {
		var mid *Decoded
		require.True(t, errors.As(errors.Unwrap(decoded), &mid))
		return mid.Props["statusCode"].(int)
	}())
	require.Equal(t, "connection refused", errors.Unwrap(errors.Unwrap(decoded)).Error())
}

func TestEncode_PlainErrorUsesGenericNameNotGoType(t *testing.T) {
	t.Parallel()

	enc := Encode(errors.New("Step failed"))
	require.Equal(t, "Error", enc.Name)
	require.Equal(t, "Step failed", enc.Message)
}

func TestEncode_NilErrorReturnsNil(t *testing.T) {
	t.Parallel()

	require.Nil(t, Encode(nil))
	require.Nil(t, Decode(nil))
}

func TestEncode_BoundsCauseChainDepth(t *testing.T) {
	t.Parallel()

	var err error = errors.New("bottom")
	for i := 0; i < maxCauseDepth+5; i++ {
		err = &httpError{msg: "wrap", statusCode: 500, code: "WRAP", cause: err}
	}

	enc := Encode(err)
	depth := 0
	cur := enc
	for cur.Cause != nil {
		cur = cur.Cause
		depth++
	}
	require.LessOrEqual(t, depth, maxCauseDepth)
	require.True(t, truncatedSomewhere(enc))
}

func truncatedSomewhere(enc *Encoded) bool {
	for cur := enc; cur != nil; cur = cur.Cause {
		if cur.Truncated {
			return true
		}
	}
	return false
}
