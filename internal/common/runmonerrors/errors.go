// Package runmonerrors contains the error taxonomy shared by runmon components,
// in particular the classification of database errors into retryable and
// non-retryable, which the persistence layer uses to decide between backing off
// and surfacing the failure to the coordinator.
package runmonerrors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
)

// ErrMaxRetriesExceeded indicates that a database operation was retried as many times
// as the retry policy allows and still failed.
type ErrMaxRetriesExceeded struct {
	Message   string
	LastError error
}

func (err *ErrMaxRetriesExceeded) Error() string {
	return fmt.Sprintf("%s: %v", err.Message, err.LastError)
}

func (err *ErrMaxRetriesExceeded) Unwrap() error {
	return err.LastError
}

// IsNetworkError returns true for errors caused by the connection to the database
// rather than by the statement being executed.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsRetryablePostgresError returns true for postgres errors that are expected to
// succeed on a clean retry: connection failures, serialization failures and
// deadlocks.  Constraint violations and other statement errors are not retryable.
func IsRetryablePostgresError(err error) bool {
	if err == nil {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch {
	case pgerrcode.IsConnectionException(pgErr.Code):
		return true
	case pgErr.Code == pgerrcode.SerializationFailure:
		return true
	case pgErr.Code == pgerrcode.DeadlockDetected:
		return true
	case pgErr.Code == pgerrcode.AdminShutdown:
		return true
	case pgErr.Code == pgerrcode.CannotConnectNow:
		return true
	}
	return false
}
