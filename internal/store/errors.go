package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested span does not exist.
var ErrNotFound = errors.New("store: span not found")

// Backend error codes.
const (
	CodeIO      = "IO_ERROR"      // engine read/write failure
	CodeConn    = "CONN_ERROR"    // connection or pool failure
	CodeEncode  = "ENCODE_ERROR"  // record could not be serialized
	CodeDecode  = "DECODE_ERROR"  // stored record could not be parsed
	CodeMigrate = "MIGRATE_ERROR" // schema setup failure
)

// BackendError wraps a storage engine failure with a stable code and
// the failing operation.
type BackendError struct {
	Code string
	Op   string
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("store: %s (%s): %v", e.Op, e.Code, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Backendf wraps err as a BackendError for operation op.
func Backendf(code, op string, err error) error {
	return &BackendError{Code: code, Op: op, Err: err}
}
