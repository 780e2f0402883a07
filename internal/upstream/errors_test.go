package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aixgo-dev/voiceagent/pkg/security"
)

type codedErr struct{ code string }

func (e *codedErr) Error() string     { return "coded: " + e.code }
func (e *codedErr) ErrorCode() string { return e.code }

func TestClassifyStatus(t *testing.T) {
	tests := map[int]string{
		200: CodeUnknown,
		400: CodeInvalidRequest,
		401: CodeAuthentication,
		403: CodeAuthentication,
		408: CodeTimeout,
		422: CodeInvalidRequest,
		429: CodeRateLimit,
		500: CodeServer,
		503: CodeServer,
	}
	for status, want := range tests {
		if got := ClassifyStatus(status); got != want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, CodeRateLimit, Code(fmt.Errorf("wrapped: %w", &codedErr{code: CodeRateLimit})))
	assert.Equal(t, CodeTimeout, Code(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.Equal(t, CodeConnection, Code(security.ErrCircuitOpen))
	assert.Equal(t, CodeConnection, Code(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}))
	assert.Equal(t, CodeUnknown, Code(errors.New("something odd")))
}

func TestRetryableAndTrips(t *testing.T) {
	assert.True(t, Retryable(CodeRateLimit))
	assert.True(t, Retryable(CodeConnection))
	assert.False(t, Retryable(CodeAuthentication))

	assert.True(t, Trips(CodeServer))
	assert.False(t, Trips(CodeRateLimit))
	assert.False(t, Trips(CodeInvalidRequest))
}
