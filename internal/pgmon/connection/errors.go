package connection

import (
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/pkg/errors"
)

// ConnectTimeoutError indicates a connection attempt exceeded its hard
// deadline. The in-flight socket is torn down when this is reported.
type ConnectTimeoutError struct {
	Backend string
	Timeout time.Duration
}

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("timed out connecting to backend %s after %s", e.Backend, e.Timeout)
}

// ConnectionError indicates the backend refused, reset or unexpectedly
// closed a connection.
type ConnectionError struct {
	Backend string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error on backend %s: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// QueryTimeoutError indicates a query exceeded its per-execution deadline.
type QueryTimeoutError struct {
	Query   string
	Backend string
	Timeout time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out on backend %s after %s", e.Query, e.Backend, e.Timeout)
}

// QueryExecutionError indicates the backend reported a failure executing a
// query, or its result did not match the query's declared schema.
type QueryExecutionError struct {
	Query   string
	Backend string
	// SQLSTATE code if the backend reported one, empty otherwise
	Code string
	Err  error
}

func (e *QueryExecutionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("query %s failed on backend %s (SQLSTATE %s): %v", e.Query, e.Backend, e.Code, e.Err)
	}
	return fmt.Sprintf("query %s failed on backend %s: %v", e.Query, e.Backend, e.Err)
}

func (e *QueryExecutionError) Unwrap() error { return e.Err }

// SQLStateOf extracts the SQLSTATE code from a backend-reported error,
// returning the empty string if the error did not originate in the backend.
func SQLStateOf(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
