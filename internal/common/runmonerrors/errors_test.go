package runmonerrors

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestIsNetworkError(t *testing.T) {
	assert.False(t, IsNetworkError(nil))
	assert.False(t, IsNetworkError(errors.New("some error")))

	assert.True(t, IsNetworkError(io.EOF))
	assert.True(t, IsNetworkError(io.ErrUnexpectedEOF))
	assert.True(t, IsNetworkError(syscall.ECONNREFUSED))
	assert.True(t, IsNetworkError(syscall.ECONNRESET))
	assert.True(t, IsNetworkError(context.DeadlineExceeded))
	assert.True(t, IsNetworkError(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))

	// Wrapping must not hide the classification.
	assert.True(t, IsNetworkError(errors.Wrap(io.EOF, "reading response")))
}

func TestIsRetryablePostgresError(t *testing.T) {
	assert.False(t, IsRetryablePostgresError(nil))
	assert.False(t, IsRetryablePostgresError(errors.New("some error")))

	// Statement errors such as constraint violations must not be retried.
	assert.False(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.False(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.UndefinedTable}))

	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.ConnectionFailure}))
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.SerializationFailure}))
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}))
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: pgerrcode.AdminShutdown}))

	assert.True(t, IsRetryablePostgresError(errors.Wrap(&pgconn.PgError{Code: pgerrcode.DeadlockDetected}, "executing statement")))
}

func TestErrMaxRetriesExceeded(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ErrMaxRetriesExceeded{Message: "gave up after 10 retries", LastError: cause}

	assert.Contains(t, err.Error(), "gave up after 10 retries")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, errors.Unwrap(err))
}
